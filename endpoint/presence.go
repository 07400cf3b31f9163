package endpoint

import (
	"context"
	"sort"
	"sync"
)

// Presence tracks which peers are known to be connected to the hub and lets
// callers wait for one to appear.
type Presence struct {
	mu      sync.Mutex
	known   map[string]struct{}
	waiters map[string][]chan struct{}
}

func NewPresence() *Presence {
	return &Presence{
		known:   make(map[string]struct{}),
		waiters: make(map[string][]chan struct{}),
	}
}

// Add marks id present and wakes its waiters. It reports whether id was new.
func (p *Presence) Add(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.known[id]; ok {
		return false
	}
	p.known[id] = struct{}{}
	for _, ch := range p.waiters[id] {
		close(ch)
	}
	delete(p.waiters, id)
	return true
}

func (p *Presence) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.known[id]; !ok {
		return false
	}
	delete(p.known, id)
	return true
}

func (p *Presence) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.known[id]
	return ok
}

// List returns the known IDs in sorted order.
func (p *Presence) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.known))
	for id := range p.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait returns as soon as id is present, or with ctx's error.
func (p *Presence) Wait(ctx context.Context, id string) error {
	p.mu.Lock()
	if _, ok := p.known[id]; ok {
		p.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	p.waiters[id] = append(p.waiters[id], ch)
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		ws := p.waiters[id]
		for i, w := range ws {
			if w == ch {
				p.waiters[id] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(p.waiters[id]) == 0 {
			delete(p.waiters, id)
		}
		p.mu.Unlock()
		return ctx.Err()
	}
}
