package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/katulong/katulong/internal/config"
	"github.com/katulong/katulong/internal/ptyring"
)

const (
	defaultCols = 120
	defaultRows = 40
	readChunk   = 4096
)

// session owns one PTY process: the OS handles, its scrollback ring, and a
// VTerm mirror. Attachments are tracked in Daemon.attachments; the attached
// map here is created empty and never filled. session itself holds no
// mutex: name, alive and exitCode change under the daemon's mutex, while
// the read loop writes ring and vterm (each with its own lock) and
// pendingUTF8 without taking the daemon's mutex.
type session struct {
	name  string
	cmd   *exec.Cmd
	ptmx  *os.File
	ring  *ptyring.Ring
	vterm *VTerm

	pid      int
	alive    bool
	exitCode int

	attached map[string]bool // clientID -> true

	pendingUTF8 []byte
}

// shellCommand returns the command line used to spawn an interactive shell.
// SHELL is honored the way an interactive login shell would be; /bin/sh is
// the fallback on a minimal system.
func shellCommand() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// spawnSession starts a new PTY-backed shell for the given session name.
// onData and onExit are invoked from the read-loop goroutine this starts;
// callers must make them safe to call from another goroutine (they acquire
// the daemon mutex internally).
func spawnSession(name string, onData func(name string, data []byte), onExit func(name string, code int)) (*session, error) {
	cmd := exec.Command(shellCommand())
	env := config.FilterEnv(os.Environ())
	env = append(env, "TERM=xterm-256color")
	cmd.Env = env

	winSize := &pty.Winsize{Cols: uint16(defaultCols), Rows: uint16(defaultRows)}
	ptmx, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}

	s := &session{
		name:     name,
		cmd:      cmd,
		ptmx:     ptmx,
		ring:     ptyring.New(ptyring.DefaultCap),
		vterm:    NewVTerm(defaultCols, defaultRows),
		pid:      cmd.Process.Pid,
		alive:    true,
		attached: make(map[string]bool),
	}

	go s.readLoop(onData, onExit)

	return s, nil
}

// readLoop copies PTY output into the scrollback ring and VTerm, holding
// back any trailing incomplete UTF-8 sequence so a read boundary never
// mangles a multi-byte rune into U+FFFD when the chunk is later marshaled
// into a JSON string.
func (s *session) readLoop(onData func(string, []byte), onExit func(string, int)) {
	buf := make([]byte, readChunk)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := s.combineWithPending(buf[:n])
			if len(chunk) > 0 {
				s.ring.Write(chunk)
				s.vterm.Write(chunk)
				onData(s.name, chunk)
			}
		}
		if err != nil {
			if len(s.pendingUTF8) > 0 {
				tail := s.pendingUTF8
				s.pendingUTF8 = nil
				s.ring.Write(tail)
				s.vterm.Write(tail)
				onData(s.name, tail)
			}
			break
		}
	}

	state, _ := s.cmd.Process.Wait()
	code := 0
	if state != nil {
		code = state.ExitCode()
	}
	onExit(s.name, code)
}

// combineWithPending prepends any incomplete UTF-8 tail held from the
// previous read, then holds back a new incomplete tail from this chunk.
func (s *session) combineWithPending(p []byte) []byte {
	var chunk []byte
	if len(s.pendingUTF8) > 0 {
		chunk = make([]byte, len(s.pendingUTF8)+len(p))
		copy(chunk, s.pendingUTF8)
		copy(chunk[len(s.pendingUTF8):], p)
		s.pendingUTF8 = nil
	} else {
		chunk = append([]byte(nil), p...)
	}

	tail := incompleteUTF8Tail(chunk)
	if tail > 0 {
		s.pendingUTF8 = append([]byte(nil), chunk[len(chunk)-tail:]...)
		chunk = chunk[:len(chunk)-tail]
	}
	return chunk
}

// incompleteUTF8Tail returns the number of trailing bytes of p that form
// the start of a multi-byte UTF-8 sequence not yet completed by p itself.
func incompleteUTF8Tail(p []byte) int {
	n := len(p)
	if n == 0 {
		return 0
	}
	// Walk back at most 3 bytes looking for a lead byte and check whether
	// its sequence is fully contained in p.
	for back := 1; back <= 3 && back <= n; back++ {
		b := p[n-back]
		if b&0xC0 == 0x80 {
			continue // continuation byte, keep walking back
		}
		want := utf8SeqLen(b)
		if want == 0 {
			return 0 // not a valid lead byte; treat as complete (ASCII or invalid, let it through)
		}
		if want > back {
			return back
		}
		return 0
	}
	return 0
}

func utf8SeqLen(b byte) int {
	switch {
	case b&0x80 == 0x00:
		return 1
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 0
	}
}

func (s *session) resize(cols, rows int) error {
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return err
	}
	s.vterm.Resize(cols, rows)
	return nil
}

func (s *session) kill() {
	if !s.alive {
		return
	}
	_ = s.cmd.Process.Signal(os.Interrupt)
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = s.cmd.Process.Kill()
	}()
	_ = s.ptmx.Close()
}
