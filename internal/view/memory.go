package view

import (
	"fmt"
	"sync"
)

// Memory is an in-memory view, used by embedding editors and tests.
type Memory struct {
	mu       sync.RWMutex
	text     string
	sels     []Selection
	readOnly bool
	status   string
	replaces int
}

// NewMemory creates a view holding text.
func NewMemory(text string) *Memory {
	return &Memory{text: text}
}

// Text implements View.
func (m *Memory) Text() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.text, nil
}

// SetText replaces the whole text as a user edit would.
func (m *Memory) SetText(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
}

// Replace implements View.
func (m *Memory) Replace(start, end int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if start < 0 || end < start || end > len(m.text) {
		return fmt.Errorf("replace [%d,%d) out of range for length %d", start, end, len(m.text))
	}
	m.text = m.text[:start] + text + m.text[end:]
	m.replaces++
	return nil
}

// Selections implements View.
func (m *Memory) Selections() []Selection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Selection(nil), m.sels...)
}

// SetSelections implements View.
func (m *Memory) SetSelections(sels []Selection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sels = append([]Selection(nil), sels...)
}

// SetReadOnly implements View.
func (m *Memory) SetReadOnly(readOnly bool, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
	m.status = status
}

// ReadOnly returns the lock state and its status message.
func (m *Memory) ReadOnly() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readOnly, m.status
}

// Replaces returns how many times Replace succeeded.
func (m *Memory) Replaces() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.replaces
}
