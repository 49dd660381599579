package billing

import (
	"context"
	"sync"

	"sbc-router/internal/calls"
)

// MemoryRepo keeps records in memory. Useful for tests and lab setups.
type MemoryRepo struct {
	mu      sync.Mutex
	records []calls.CDR
	seen    map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{seen: map[string]struct{}{}} }

func (r *MemoryRepo) Insert(ctx context.Context, rec calls.CDR) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[rec.CallID]; ok {
		return false, nil
	}
	r.seen[rec.CallID] = struct{}{}
	r.records = append(r.records, rec)
	return true, nil
}

func (r *MemoryRepo) Records() []calls.CDR {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.CDR, len(r.records))
	copy(out, r.records)
	return out
}
