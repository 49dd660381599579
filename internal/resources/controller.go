package resources

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownHandle = errors.New("resources: unknown handle")

// Observer receives admission measurements.
type Observer interface {
	ObserveAdmission(kind OutcomeKind, d time.Duration)
}

// Controller decides whether a resource list may be reserved. One Controller
// serves every concurrent call attempt of the process.
type Controller struct {
	store   *Store
	log     *slog.Logger
	timeout time.Duration
	obs     Observer
	now     func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewController creates an admission controller. timeout bounds one
// reservation including the time spent queued while the store is down.
func NewController(store *Store, timeout time.Duration, obs Observer, log *slog.Logger) *Controller {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		store:   store,
		log:     log.With("subsystem", "admission"),
		timeout: timeout,
		obs:     obs,
		now:     time.Now,
		handles: map[string]*Handle{},
	}
}

// Get reserves every resource of rl for owner or none of them.
//
// An exhausted resource maps to Busy or SkipProfile depending on its action.
// Any store failure maps to StoreError, which callers must treat as a refusal.
func (c *Controller) Get(ctx context.Context, owner string, rl List) Outcome {
	if len(rl) == 0 {
		return OK(nil)
	}

	start := c.now()
	out := c.get(ctx, owner, rl)
	if c.obs != nil {
		c.obs.ObserveAdmission(out.Kind, c.now().Sub(start))
	}
	return out
}

func (c *Controller) get(ctx context.Context, owner string, rl List) Outcome {
	if err := rl.validate(); err != nil {
		c.log.Error("refusing invalid resource list", "owner", owner, "resources", rl.String(), "err", err)
		return StoreError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	failed, epoch, err := c.store.Reserve(ctx, rl)
	if err != nil {
		c.log.Warn("resource reservation failed", "owner", owner, "resources", rl.String(), "err", err)
		return StoreError(err)
	}
	if failed >= 0 {
		r := rl[failed]
		c.log.Debug("resource exhausted", "owner", owner, "resource", r.String())
		if r.Action == ActionNextProfile {
			return SkipProfile(r)
		}
		return Busy(r)
	}

	h := &Handle{
		ID:        uuid.NewString(),
		Owner:     owner,
		Resources: append(List(nil), rl...),
		Epoch:     epoch,
		CreatedAt: c.now().UTC(),
	}
	c.mu.Lock()
	c.handles[h.ID] = h
	c.mu.Unlock()
	return OK(h)
}

// Put releases a handle returned by Get. Callers must put a handle at most
// once; a handle that is no longer known (already put or invalidated) is ignored.
func (c *Controller) Put(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	c.mu.Lock()
	_, ok := c.handles[h.ID]
	delete(c.handles, h.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("ignoring release of unknown handle", "handle", h.ID, "owner", h.Owner)
		return ErrUnknownHandle
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Release(ctx, h.Resources, h.Epoch); err != nil {
		c.log.Warn("resource release not acknowledged", "handle", h.ID, "owner", h.Owner, "err", err)
		return err
	}
	return nil
}

// InvalidateAll drops every reservation this node holds. Handles issued
// before become no-ops; grants made after the invalidation stay registered.
func (c *Controller) InvalidateAll(ctx context.Context) error {
	epoch, err := c.store.InvalidateAll(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	n := 0
	for id, h := range c.handles {
		if h.Epoch < epoch {
			delete(c.handles, id)
			n++
		}
	}
	c.mu.Unlock()
	c.log.Info("resource handles invalidated", "handles", n, "epoch", epoch)
	return nil
}

// InvalidateHandle releases a single handle by id.
func (c *Controller) InvalidateHandle(ctx context.Context, id string) error {
	c.mu.Lock()
	h, ok := c.handles[id]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	return c.Put(ctx, h)
}

// HandleFilter selects handles for introspection. Zero fields match anything.
type HandleFilter struct {
	Owner string
	// Resource matches handles holding this resource when set.
	Resource *Spec
}

func (c *Controller) Handles(f HandleFilter) []Handle {
	c.mu.Lock()
	out := make([]Handle, 0, len(c.handles))
	for _, h := range c.handles {
		if f.Owner != "" && h.Owner != f.Owner {
			continue
		}
		if f.Resource != nil && !h.Resources.Contains(*f.Resource) {
			continue
		}
		out = append(out, *h)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Handle returns a copy of a live handle.
func (c *Controller) Handle(id string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// HandleCount returns the number of handles currently held by this node.
func (c *Controller) HandleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Usage returns the total amount of a resource taken across all nodes.
func (c *Controller) Usage(ctx context.Context, typ int, id int64) (int64, error) {
	return c.store.Used(ctx, Spec{Type: typ, ID: id})
}
