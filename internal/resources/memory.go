package resources

import (
	"context"
	"errors"
	"sync"
)

var errBackendDown = errors.New("resources: memory backend down")

// MemoryBackend is an in-process Backend with the same semantics as the Redis
// scripts. It is intended for tests and single-node development setups.
type MemoryBackend struct {
	node string

	mu       sync.Mutex
	counters map[string]map[string]int64
	touched  map[string]struct{}
	down     bool
	applied  []Op
}

func NewMemoryBackend(node string) *MemoryBackend {
	return &MemoryBackend{
		node:     node,
		counters: map[string]map[string]int64{},
		touched:  map[string]struct{}{},
	}
}

// SetDown makes every call fail as if the connection was lost.
func (m *MemoryBackend) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Seed sets the amount of s taken by another node.
func (m *MemoryBackend) Seed(s Spec, node string, taken int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters[s.Key()]
	if c == nil {
		c = map[string]int64{}
		m.counters[s.Key()] = c
	}
	c[node] = taken
}

// Applied returns the operations applied so far, in order.
func (m *MemoryBackend) Applied() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.applied))
	copy(out, m.applied)
	return out
}

func (m *MemoryBackend) Exec(ctx context.Context, ops []Op) ([]OpResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errBackendDown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := make([]OpResult, len(ops))
	for i, op := range ops {
		res[i] = m.apply(op)
		m.applied = append(m.applied, op)
	}
	return res, nil
}

func (m *MemoryBackend) apply(op Op) OpResult {
	switch op.Kind {
	case OpReserve:
		for i, it := range op.Items {
			if it.Limit > 0 && m.usedLocked(it.Key())+it.Takes > it.Limit {
				for _, prev := range op.Items[:i] {
					m.addLocked(prev.Key(), -prev.Takes)
				}
				return OpResult{Failed: i}
			}
			m.addLocked(it.Key(), it.Takes)
			m.touched[it.Key()] = struct{}{}
		}
	case OpRelease:
		for _, it := range op.Items {
			m.addLocked(it.Key(), -it.Takes)
		}
	case OpInvalidate:
		for k := range m.touched {
			delete(m.counters[k], m.node)
		}
		m.touched = map[string]struct{}{}
	}
	return OpResult{Failed: -1}
}

func (m *MemoryBackend) addLocked(key string, delta int64) {
	c := m.counters[key]
	if c == nil {
		c = map[string]int64{}
		m.counters[key] = c
	}
	c[m.node] += delta
	if c[m.node] <= 0 {
		delete(c, m.node)
	}
}

func (m *MemoryBackend) usedLocked(key string) int64 {
	var used int64
	for _, v := range m.counters[key] {
		used += v
	}
	return used
}

func (m *MemoryBackend) Used(ctx context.Context, s Spec) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, errBackendDown
	}
	return m.usedLocked(s.Key()), nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errBackendDown
	}
	return nil
}
