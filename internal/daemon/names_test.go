package daemon

import "testing"

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantOK  bool
	}{
		{"my-session_1", "my-session_1", true},
		{"has spaces!", "hasspaces", true},
		{"", "", false},
		{"!!!", "", false},
	}
	for _, c := range cases {
		got, ok := sanitizeName(c.in)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("sanitizeName(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.wantOK)
		}
	}
}

func TestSanitizeNameTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got, ok := sanitizeName(long)
	if !ok || len(got) != maxNameLen {
		t.Fatalf("expected truncation to %d chars, got len=%d ok=%v", maxNameLen, len(got), ok)
	}
}
