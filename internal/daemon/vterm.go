package daemon

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// VTerm mirrors a session's PTY output through a VT100 state machine so the
// daemon can answer a vterm-snapshot RPC with the current rendered screen
// instead of raw scrollback bytes. It is independent of the byte-capped
// scrollback ring: trimming the ring never affects what VTerm reports.
type VTerm struct {
	mu   sync.Mutex
	emu  *vt.Emulator
	cols int
	rows int
}

// NewVTerm creates a VTerm sized to the session's initial PTY dimensions.
func NewVTerm(cols, rows int) *VTerm {
	return &VTerm{
		emu:  vt.NewEmulator(cols, rows),
		cols: cols,
		rows: rows,
	}
}

// Write feeds PTY output to the emulator.
func (v *VTerm) Write(p []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = v.emu.Write(p)
}

// Resize changes the terminal dimensions to match a daemon resize RPC.
func (v *VTerm) Resize(cols, rows int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Resize(cols, rows)
	v.cols, v.rows = cols, rows
}

// Snapshot returns the current screen as rendered lines plus cursor
// position, for the vterm-snapshot RPC.
func (v *VTerm) Snapshot() (screen []string, cursorRow, cursorCol int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rendered := v.emu.Render()
	lines := strings.Split(strings.TrimRight(rendered, "\n"), "\n")
	pos := v.emu.CursorPosition()
	return lines, pos.Y, pos.X
}

// Close releases the emulator's resources.
func (v *VTerm) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	_ = v.emu.Close()
}
