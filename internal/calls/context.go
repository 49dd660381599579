package calls

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sbc-router/internal/profiles"
	"sbc-router/internal/resources"
)

var (
	ErrReleased    = errors.New("calls: context already released")
	ErrAborted     = errors.New("calls: call attempt aborted")
	ErrHandleHeld  = errors.New("calls: active handle already set")
	ErrProfilesSet = errors.New("calls: profiles already set")
)

// Releaser returns resource handles. Implemented by resources.Controller.
type Releaser interface {
	Put(ctx context.Context, h *resources.Handle) error
}

// BillingSink persists the finalized billing record.
type BillingSink interface {
	Write(ctx context.Context, rec CDR) error
}

// Deps are the collaborators a Context needs for its final cleanup.
type Deps struct {
	Admission Releaser
	Billing   BillingSink
	Registry  *Registry
	Log       *slog.Logger
	Now       func() time.Time
}

// Context is the state of one call attempt shared by its two halves.
//
// Invariants:
//   - refs reaches zero at most once; the Detach that observes it releases the
//     active handle, writes the CDR and unregisters the context.
//   - active is non-nil only while the profile at cursor holds resources.
//   - cursor never decreases.
//
// All methods hold the lock briefly and never do I/O under it.
type Context struct {
	ID        string
	LocalTag  string
	Request   profiles.Request
	CreatedAt time.Time

	deps Deps
	log  *slog.Logger

	mu        sync.Mutex
	refs      int
	status    CallStatus
	profiles  []profiles.Profile
	cursor    int
	exhausted resources.List
	active    *resources.Handle
	aborted   bool
	cdr       CDR
	sides     [2]SideState
}

// New creates the context of an inbound call attempt with one reference held
// by the inbound half.
func New(req profiles.Request, deps Deps) *Context {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	id := req.CallID
	if id == "" {
		id = uuid.NewString()
	}
	tag := req.LocalTag
	if tag == "" {
		tag = uuid.NewString()
	}
	now := deps.Now().UTC()

	c := &Context{
		ID:        id,
		LocalTag:  tag,
		Request:   req,
		CreatedAt: now,
		deps:      deps,
		log:       deps.Log.With("call_id", id, "local_tag", tag),
		refs:      1,
		status:    CallStatusAdmitting,
		cdr: CDR{
			CallID:    id,
			LocalTag:  tag,
			From:      req.From,
			To:        req.To,
			RemoteIP:  req.RemoteIP,
			StartedAt: now,
		},
	}
	deps.Registry.add(c)
	return c
}

// Log returns the call-scoped logger.
func (c *Context) Log() *slog.Logger { return c.log }

// SetProfiles installs the candidate list. It can be set once.
func (c *Context) SetProfiles(ps []profiles.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profiles != nil {
		return ErrProfilesSet
	}
	c.profiles = append([]profiles.Profile{}, ps...)
	c.cursor = 0
	return nil
}

// Attach adds a reference for a new half.
func (c *Context) Attach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == 0 {
		return ErrReleased
	}
	c.refs++
	return nil
}

// Detach drops a reference and reports whether it was the last one. The last
// Detach releases the active handle, writes the CDR and unregisters the
// context before returning.
func (c *Context) Detach(ctx context.Context) bool {
	c.mu.Lock()
	if c.refs == 0 {
		c.mu.Unlock()
		c.log.Error("detach on released call context")
		return false
	}
	c.refs--
	if c.refs > 0 {
		c.mu.Unlock()
		return false
	}
	h := c.active
	c.active = nil
	c.cdr.EndedAt = c.deps.Now().UTC()
	rec := c.cdr.clone()
	c.mu.Unlock()

	if h != nil && c.deps.Admission != nil {
		if err := c.deps.Admission.Put(ctx, h); err != nil && !errors.Is(err, resources.ErrUnknownHandle) {
			c.log.Warn("release on call teardown failed", "handle", h.ID, "err", err)
		}
	}
	if c.deps.Billing != nil {
		if err := c.deps.Billing.Write(ctx, rec); err != nil {
			c.log.Error("cdr write failed", "err", err)
		}
	}
	c.deps.Registry.remove(c.ID)
	c.log.Debug("call context released", "attempts", len(rec.Attempts), "initiator", string(rec.Initiator))
	return true
}

func (c *Context) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// CurrentProfile returns the profile at the cursor.
func (c *Context) CurrentProfile() (profiles.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor >= len(c.profiles) {
		return profiles.Profile{}, false
	}
	return c.profiles[c.cursor], true
}

func (c *Context) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// AdvanceProfile moves the cursor past the current profile and past any
// profile needing a resource already found exhausted in this attempt.
// Refusal profiles are never skipped. It returns false once the list is
// exhausted or the attempt was aborted.
func (c *Context) AdvanceProfile() (profiles.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return profiles.Profile{}, false
	}
	for i := c.cursor + 1; i < len(c.profiles); i++ {
		p := c.profiles[i]
		if !p.IsRefusal() && c.needsExhaustedLocked(p) {
			continue
		}
		c.cursor = i
		return p, true
	}
	c.cursor = len(c.profiles)
	return profiles.Profile{}, false
}

func (c *Context) needsExhaustedLocked(p profiles.Profile) bool {
	for _, r := range p.Resources {
		if c.exhausted.Contains(r) {
			return true
		}
	}
	return false
}

// MarkExhausted remembers r as exhausted for the rest of this attempt.
func (c *Context) MarkExhausted(r resources.Spec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exhausted.Contains(r) {
		c.exhausted = append(c.exhausted, r)
	}
}

// SetActiveHandle stores the handle granted for the current profile. On error
// the caller still owns h and must release it.
func (c *Context) SetActiveHandle(h *resources.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted || c.refs == 0 {
		return ErrAborted
	}
	if c.active != nil {
		return ErrHandleHeld
	}
	c.active = h
	return nil
}

// TakeActiveHandle clears the active handle and hands it to the caller.
func (c *Context) TakeActiveHandle() *resources.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.active
	c.active = nil
	return h
}

func (c *Context) ActiveHandle() *resources.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Abort marks the attempt cancelled and hands out the active handle, if any.
// No profile is selected after Abort.
func (c *Context) Abort() *resources.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	if c.status != CallStatusConnected {
		c.status = CallStatusFailed
	}
	h := c.active
	c.active = nil
	return h
}

// Cancel aborts the attempt unless it is already connected. It reports
// whether the attempt is aborted and hands out the active handle, if any.
func (c *Context) Cancel() (*resources.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == CallStatusConnected && !c.aborted {
		return nil, false
	}
	c.aborted = true
	c.status = CallStatusFailed
	h := c.active
	c.active = nil
	return h, true
}

// Connect marks the call answered. It fails once the attempt was aborted.
func (c *Context) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return ErrAborted
	}
	c.status = CallStatusConnected
	return nil
}

func (c *Context) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Context) Status() CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Context) SetStatus(s CallStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// UpdateCDR applies fn to the billing record under the lock. fn must not block.
func (c *Context) UpdateCDR(fn func(*CDR)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == 0 {
		return
	}
	fn(&c.cdr)
}

// CDR returns a copy of the billing record.
func (c *Context) CDR() CDR {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cdr.clone()
}

// UpdateSide applies fn to the negotiated state of one side under the lock.
func (c *Context) UpdateSide(s Side, fn func(*SideState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.sides[s])
}

func (c *Context) Side(s Side) SideState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sides[s]
	out.Codecs = append([]string(nil), out.Codecs...)
	return out
}

func (c *Context) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := Info{
		ID:        c.ID,
		LocalTag:  c.LocalTag,
		From:      c.Request.From,
		To:        c.Request.To,
		Status:    c.status,
		Refs:      c.refs,
		Cursor:    c.cursor,
		ProfileID: c.cdr.ProfileID,
		Attempts:  len(c.cdr.Attempts),
		CreatedAt: c.CreatedAt,
	}
	if c.active != nil {
		in.Handle = c.active.ID
	}
	return in
}
