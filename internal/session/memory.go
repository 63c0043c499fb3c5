// Package session provides per-device canvas session storage backends.
package session

import (
	"context"
	"sync"

	"whisp/internal/canvas"
)

// Memory keeps sessions of one device in a map keyed by canvas id
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]canvas.Session
}

// NewMemory returns empty Memory store
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]canvas.Session)}
}

// Session returns cached session for canvas
func (m *Memory) Session(_ context.Context, canvasID string) (canvas.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[canvasID]
	return s, ok
}

// SaveSession overwrites session for s.CanvasID
func (m *Memory) SaveSession(_ context.Context, s canvas.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.CanvasID] = s
	return nil
}

// ClearSession removes session for canvas
func (m *Memory) ClearSession(_ context.Context, canvasID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, canvasID)
	return nil
}

// Devices keeps one Memory store per device id
type Devices struct {
	mu      sync.Mutex
	devices map[string]*Memory
}

// NewDevices returns empty Devices
func NewDevices() *Devices {
	return &Devices{devices: make(map[string]*Memory)}
}

// ForDevice returns the session store of one device, creating it on first use
func (d *Devices) ForDevice(deviceID string) canvas.SessionStore {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.devices[deviceID]
	if !ok {
		m = NewMemory()
		d.devices[deviceID] = m
	}
	return m
}
