package agent

import (
	"context"
	"fmt"
	"sync"
)

// Division groups agent runtimes that share a responsibility area.
// Tasks assigned to the division fan out to whichever member picks the
// assignment up.
type Division struct {
	ID      string
	Name    string
	Members []*Runtime

	mu sync.RWMutex
}

// NewDivision creates an empty division.
func NewDivision(id, name string) *Division {
	return &Division{ID: id, Name: name}
}

// AddAgent adds an agent to the division's member list.
func (d *Division) AddAgent(r *Runtime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Members = append(d.Members, r)
}

// Start launches all division members.
func (d *Division) Start(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.Members {
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("division %s: start member %s: %w", d.ID, m.cfg.ID, err)
		}
	}
	return nil
}

// Stop shuts down all division members.
func (d *Division) Stop(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var firstErr error
	for _, m := range d.Members {
		if err := m.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Infos returns the member agents' metadata.
func (d *Division) Infos() []Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	infos := make([]Info, 0, len(d.Members))
	for _, m := range d.Members {
		infos = append(infos, m.Info())
	}
	return infos
}
