package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry for tests and single-binary setups.
// Registrations live until Deregister; the TTL is ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, service string, inst Instance, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.services[service] == nil {
		m.services[service] = make(map[string]Instance)
	}
	m.services[service][inst.ID] = inst
	m.notifyLocked(service)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, service, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[service][id]; !ok {
		return nil
	}
	delete(m.services[service], id)
	m.notifyLocked(service)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, service string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(service), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i], ws[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (m *MemoryRegistry) Close() error {
	return nil
}

func (m *MemoryRegistry) listLocked(service string) []Instance {
	instances := make([]Instance, 0, len(m.services[service]))
	for _, inst := range m.services[service] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances
}

// notifyLocked sends the latest list to every watcher, replacing an unread
// older update rather than blocking.
func (m *MemoryRegistry) notifyLocked(service string) {
	instances := m.listLocked(service)
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
