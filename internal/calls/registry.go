package calls

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks live call contexts. A context registers itself on creation
// and leaves when its last half detaches.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Context
}

func NewRegistry() *Registry {
	return &Registry{calls: map[string]*Context{}}
}

func (r *Registry) add(c *Context) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.calls[c.ID] = c
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.calls, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Contexts returns the live contexts, oldest first.
func (r *Registry) Contexts() []*Context {
	r.mu.RLock()
	out := make([]*Context, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Info is a read-only view of a live call for the control surface.
type Info struct {
	ID        string     `json:"id"`
	LocalTag  string     `json:"local_tag"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Status    CallStatus `json:"status"`
	Refs      int        `json:"refs"`
	Cursor    int        `json:"cursor"`
	ProfileID int64      `json:"profile_id,omitempty"`
	Attempts  int        `json:"attempts"`
	Handle    string     `json:"handle,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (r *Registry) List() []Info {
	cs := r.Contexts()
	out := make([]Info, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Info())
	}
	return out
}
