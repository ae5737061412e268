// Package irq implements the unified IRQ-controller abstraction spec.md
// §4.5 describes: register/unregister/enable/disable/eoi over either a
// dual-PIC or an I/O APIC backend, an ISA-remap table, and spurious-IRQ
// detection. Grounded on original_source/kernel32/hal/pic.c and
// original_source/kernel32/hal/ioapic.c.
package irq

import (
	"sync"

	"github.com/sq8vps/system-sub001/internal/idt"
	"github.com/sq8vps/system-sub001/internal/kernelerr"
)

// Mode is the trigger/polarity/sharing configuration for one input line.
type Mode struct {
	LevelTriggered bool
	ActiveLow      bool
	Shareable      bool
	Wake           bool // wake-capable: not masked during low-power states
}

// Controller abstracts over a dual-PIC or I/O-APIC backend selected once
// at init, per spec.md §4.5's "a boolean selected at init routes the
// calls."
type Controller interface {
	// Program writes input's redirection/mask entry for vector with mode.
	Program(input int, vector int, mode Mode) error
	// SetMasked masks or unmasks input without reprogramming it.
	SetMasked(input int, masked bool) error
	// EOI issues end-of-interrupt for the vector that just fired.
	EOI(vector int)
	// InService reports whether vector is currently marked in-service,
	// used by IsSpurious to detect the classic spurious-IRQ7/IRQ15 case.
	InService(vector int) bool
}

const numISAInputs = 16

type line struct {
	input    int
	vector   int
	mode     Mode
	handler  idt.Handler
	enabled  bool
}

// Manager is the kernel-wide IRQ registration table sitting above a
// Controller backend and an idt.Table for vector dispatch.
type Manager struct {
	mu       sync.Mutex
	ctrl     Controller
	table    *idt.Table
	lines    map[int]*line
	isaRemap [numISAInputs]int // isaRemap[legacy_irq] = input; identity by default
}

// New returns a Manager driving backend over table. isaRemap, if non-nil,
// must have numISAInputs entries; a nil isaRemap defaults to identity
// (input == legacy IRQ number), the dual-PIC case.
func New(backend Controller, table *idt.Table, isaRemap []int) *Manager {
	m := &Manager{ctrl: backend, table: table, lines: make(map[int]*line)}
	for i := range m.isaRemap {
		if isaRemap != nil {
			m.isaRemap[i] = isaRemap[i]
		} else {
			m.isaRemap[i] = i
		}
	}
	return m
}

// ResolveISA maps a legacy ISA IRQ number (0-15) to its I/O-APIC (or PIC)
// input line, per spec.md §4.5's resolve_isa.
func (m *Manager) ResolveISA(legacyIRQ int) (int, error) {
	if legacyIRQ < 0 || legacyIRQ >= numISAInputs {
		return 0, kernelerr.New(kernelerr.ErrBadParameter)
	}
	return m.isaRemap[legacyIRQ], nil
}

// Register reserves a free vector, wires fn as its handler, and programs
// the controller's input line for it.
func (m *Manager) Register(input int, mode Mode, fn idt.Handler) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.lines[input]; exists {
		return 0, kernelerr.New(kernelerr.ErrAlreadyRegistered)
	}
	vector, err := m.table.FindFreeVector()
	if err != nil {
		return 0, err
	}
	if err := m.table.InstallHandler(vector, fn, nil, 0); err != nil {
		return 0, err
	}
	if err := m.ctrl.Program(input, vector, mode); err != nil {
		return 0, err
	}
	m.lines[input] = &line{input: input, vector: vector, mode: mode, handler: fn, enabled: true}
	return vector, nil
}

// Unregister tears down input's handler and masks its line.
func (m *Manager) Unregister(input int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[input]
	if !ok {
		return kernelerr.New(kernelerr.ErrNotRegistered)
	}
	_ = m.ctrl.SetMasked(input, true)
	_ = m.table.SetEnable(l.vector, false)
	delete(m.lines, input)
	return nil
}

// Enable unmasks input.
func (m *Manager) Enable(input int) error {
	m.mu.Lock()
	l, ok := m.lines[input]
	m.mu.Unlock()
	if !ok {
		return kernelerr.New(kernelerr.ErrNotRegistered)
	}
	if err := m.table.SetEnable(l.vector, true); err != nil {
		return err
	}
	return m.ctrl.SetMasked(input, false)
}

// Disable masks input without removing its registration.
func (m *Manager) Disable(input int) error {
	m.mu.Lock()
	l, ok := m.lines[input]
	m.mu.Unlock()
	if !ok {
		return kernelerr.New(kernelerr.ErrNotRegistered)
	}
	if err := m.table.SetEnable(l.vector, false); err != nil {
		return err
	}
	return m.ctrl.SetMasked(input, true)
}

// EOI signals end-of-interrupt for vector to the backend.
func (m *Manager) EOI(vector int) {
	m.ctrl.EOI(vector)
}

// IsSpurious reports whether vector is the dual-PIC's well-known spurious
// IRQ7 (master) / IRQ15 (slave) case: the vector fired but the backend's
// in-service register shows it was never actually asserted, per spec.md
// §4.5.
func (m *Manager) IsSpurious(vector int) bool {
	return !m.ctrl.InService(vector)
}
