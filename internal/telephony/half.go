package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"sbc-router/internal/calls"
	"sbc-router/internal/profiles"
	"sbc-router/internal/routing"
)

// HalfState is the signaling state of a call half.
type HalfState int

const (
	HalfStateCreated HalfState = iota
	HalfStateRouting
	HalfStateDialing
	HalfStateRinging
	HalfStateConnected
	HalfStateTerminated
)

func (s HalfState) String() string {
	switch s {
	case HalfStateCreated:
		return "Created"
	case HalfStateRouting:
		return "Routing"
	case HalfStateDialing:
		return "Dialing"
	case HalfStateRinging:
		return "Ringing"
	case HalfStateConnected:
		return "Connected"
	case HalfStateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

const inboxSize = 16

type envelope struct {
	// from is the outbound half that relayed ev, nil for events from signaling.
	from *Half
	// timer is set for events fired by an armed timer.
	timer *armedTimer
	ev    Event
}

type armedTimer struct {
	t *time.Timer
}

// Half is one side of a bridged call. Each half runs its own event loop and
// holds one reference on the shared call context until it terminates.
//
// The inbound half (A) drives routing and owns the inbound dialog. The
// outbound half (B) owns one outbound leg and relays its events to A.
type Half struct {
	side calls.Side
	cc   *calls.Context
	svc  *Service
	ctx  context.Context
	log  *slog.Logger

	inbox  chan envelope
	closed core.Fuse
	// cancel stops an outbound half and its leg.
	cancel core.Fuse

	mu    sync.Mutex
	state HalfState

	// inbound half, loop goroutine only
	sig     Signaling
	peer    *Half
	replied bool
	timers  map[TimerKind]*armedTimer

	// outbound half
	leg Leg
	a   *Half
}

func newHalf(ctx context.Context, svc *Service, side calls.Side, cc *calls.Context) *Half {
	return &Half{
		side:   side,
		cc:     cc,
		svc:    svc,
		ctx:    ctx,
		log:    cc.Log().With("side", side.String()),
		inbox:  make(chan envelope, inboxSize),
		timers: map[TimerKind]*armedTimer{},
	}
}

// Deliver queues a session event. It returns false once the half terminated.
//
// An originator cancel or hangup also aborts the attempt right away, so an
// admission in progress on the event loop neither dials nor advances.
func (h *Half) Deliver(ev Event) bool {
	if h.side == calls.SideA && !h.closed.IsBroken() {
		switch ev := ev.(type) {
		case LocalCancel:
			h.svc.engine.Cancel(h.ctx, h.cc)
		case SessionEnded:
			if ev.Side == calls.SideA {
				h.svc.engine.Abort(h.ctx, h.cc)
			}
		}
	}
	return h.post(envelope{ev: ev})
}

func (h *Half) post(env envelope) bool {
	if h.closed.IsBroken() {
		return false
	}
	select {
	case h.inbox <- env:
		return true
	case <-h.closed.Watch():
		return false
	}
}

// Done is closed when the half terminated.
func (h *Half) Done() <-chan struct{} { return h.closed.Watch() }

func (h *Half) Context() *calls.Context { return h.cc }

func (h *Half) State() HalfState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Half) setState(s HalfState) {
	h.mu.Lock()
	prev := h.state
	h.state = s
	h.mu.Unlock()
	if prev != s {
		h.log.Debug("half state", "from", prev.String(), "to", s.String())
	}
}

func (h *Half) finish() {
	h.setState(HalfStateTerminated)
	for k, at := range h.timers {
		at.t.Stop()
		delete(h.timers, k)
	}
	h.closed.Break()
	if h.side == calls.SideA {
		h.svc.removeHalf(h)
	}
	h.cc.Detach(h.ctx)
}

// --- inbound half ---

func (h *Half) runInbound() {
	defer h.finish()
	if !h.start() {
		return
	}
	for env := range h.inbox {
		if h.handleInbound(env) {
			return
		}
	}
}

// start looks up profiles and runs the first routing pass. It reports
// whether the half is still active.
func (h *Half) start() bool {
	h.setState(HalfStateRouting)

	ps, err := h.svc.source.Lookup(h.ctx, h.cc.Request)
	if err != nil && !errors.Is(err, profiles.ErrNoProfiles) {
		h.log.Error("profile lookup failed", "err", err)
		h.refuse(routing.DCProfileLookupFailed)
		return false
	}
	if err := h.cc.SetProfiles(ps); err != nil {
		h.log.Error("profiles already set", "err", err)
		h.refuse(routing.DCInternalError)
		return false
	}
	return h.apply(h.svc.engine.AdmitAndRoute(h.ctx, h.cc))
}

// apply acts on a routing result: dial the routed profile or send the final
// refusal. It reports whether the half is still active.
func (h *Half) apply(res routing.Result) bool {
	if !res.Routed() {
		h.reply(res.Code, res.Reason)
		return false
	}
	return h.dial(res.Profile)
}

func (h *Half) dial(p profiles.Profile) bool {
	if h.cc.Aborted() {
		// the aborting event is queued and sends the reply
		return true
	}
	if err := h.cc.Attach(); err != nil {
		h.log.Error("attach outbound half", "err", err)
		h.refuse(routing.DCInternalError)
		return false
	}
	b := newHalf(h.ctx, h.svc, calls.SideB, h.cc)
	b.a = h
	b.log = b.log.With("profile_id", p.ID)
	h.setState(HalfStateDialing)

	leg, err := h.svc.dialer.Dial(h.ctx, p, h.cc.Request, b)
	if err != nil {
		h.log.Warn("dial failed", "profile_id", p.ID, "err", err)
		b.finish()
		return h.apply(h.svc.engine.OnRemoteRejected(h.ctx, h.cc, 503, "Service Unavailable"))
	}
	b.leg = leg
	h.peer = b
	go b.runOutbound()

	if p.RingingTimeout > 0 {
		h.arm(TimerRinging, p.RingingTimeout)
	}
	return true
}

// handleInbound processes one event and reports whether the half is done.
func (h *Half) handleInbound(env envelope) bool {
	if env.from != nil && env.from != h.peer {
		// relayed by an outbound half that is no longer current
		return false
	}

	switch ev := env.ev.(type) {
	case RemoteRinging:
		h.setState(HalfStateRinging)
		h.cc.UpdateSide(calls.SideA, func(s *calls.SideState) {
			s.RingingSent = true
			s.EarlyMediaMuted = !ev.EarlyMedia
		})
		if err := h.sig.Ringing(h.ctx, ev.EarlyMedia); err != nil {
			h.log.Warn("ringing not sent", "err", err)
		}
		return false

	case RemoteAnswered:
		h.disarm(TimerRinging)
		if err := h.cc.Connect(); err != nil {
			// aborted while the answer was relayed; the aborting event follows
			h.stopPeer()
			return false
		}
		h.setState(HalfStateConnected)
		now := h.svc.now().UTC()
		h.cc.UpdateCDR(func(c *calls.CDR) { c.ConnectedAt = &now })
		h.reply(200, "OK")
		if p, ok := h.cc.CurrentProfile(); ok && p.TimeLimit > 0 {
			h.arm(TimerCallDuration, p.TimeLimit)
		}
		return false

	case RemoteRejected:
		h.disarm(TimerRinging)
		h.peer = nil
		return !h.apply(h.svc.engine.OnRemoteRejected(h.ctx, h.cc, ev.Code, ev.Reason))

	case SessionEnded:
		if ev.Side == calls.SideB {
			h.peer = nil
			h.cc.UpdateCDR(func(c *calls.CDR) { c.SetDisconnect(calls.InitiatorDestination, 200, "normal clearing") })
			if err := h.sig.Hangup(h.ctx); err != nil {
				h.log.Warn("hangup toward originator failed", "err", err)
			}
			return true
		}
		h.cc.UpdateCDR(func(c *calls.CDR) { c.SetDisconnect(calls.InitiatorOriginator, 200, "normal clearing") })
		h.svc.engine.Abort(h.ctx, h.cc)
		h.stopPeer()
		return true

	case LocalCancel:
		if !h.svc.engine.Cancel(h.ctx, h.cc) {
			return false
		}
		h.disarm(TimerRinging)
		h.stopPeer()
		dc := h.svc.engine.Codes().Disconnect(routing.DCCancelled)
		h.cc.UpdateCDR(func(c *calls.CDR) {
			c.SetDisconnect(calls.InitiatorOriginator, dc.Code, dc.Reason)
			c.SetALegReply(dc.ResponseCode, dc.ResponseReason)
		})
		h.reply(dc.ResponseCode, dc.ResponseReason)
		return true

	case Timer:
		if env.timer != nil {
			if h.timers[ev.Kind] != env.timer {
				// disarmed after it fired
				return false
			}
			delete(h.timers, ev.Kind)
		}
		switch ev.Kind {
		case TimerRinging:
			if h.State() == HalfStateConnected {
				return false
			}
			h.log.Info("ringing timeout")
			h.cc.UpdateCDR(func(c *calls.CDR) { c.RingingTimeout = true })
			h.svc.engine.Abort(h.ctx, h.cc)
			h.stopPeer()
			h.refuse(routing.DCRingingTimeout)
			return true
		case TimerCallDuration:
			h.log.Info("call duration limit reached")
			h.terminate(routing.DCTimeLimit)
			return true
		}
		return false

	case terminate:
		h.terminate(ev.code)
		return true
	}
	return false
}

// terminate ends the call from the router side.
func (h *Half) terminate(code int) {
	h.svc.engine.Abort(h.ctx, h.cc)
	h.stopPeer()
	if h.replied {
		dc := h.svc.engine.Codes().Disconnect(code)
		h.cc.UpdateCDR(func(c *calls.CDR) { c.SetDisconnect(calls.InitiatorSwitch, dc.Code, dc.Reason) })
		if err := h.sig.Hangup(h.ctx); err != nil {
			h.log.Warn("hangup toward originator failed", "err", err)
		}
		return
	}
	h.refuse(code)
}

// refuse records an internal disconnect code and sends its final response.
func (h *Half) refuse(code int) {
	dc := h.svc.engine.Codes().Disconnect(code)
	h.cc.SetStatus(calls.CallStatusFailed)
	h.cc.UpdateCDR(func(c *calls.CDR) {
		c.SetDisconnect(calls.InitiatorSwitch, dc.Code, dc.Reason)
		c.SetALegReply(dc.ResponseCode, dc.ResponseReason)
	})
	h.reply(dc.ResponseCode, dc.ResponseReason)
}

func (h *Half) reply(code int, reason string) {
	if h.replied {
		return
	}
	h.replied = true
	if err := h.sig.Reply(h.ctx, code, reason); err != nil {
		h.log.Warn("final reply not sent", "code", code, "err", err)
	}
}

func (h *Half) stopPeer() {
	if h.peer != nil {
		h.peer.cancel.Break()
		h.peer = nil
	}
}

func (h *Half) arm(k TimerKind, d time.Duration) {
	h.disarm(k)
	at := &armedTimer{}
	at.t = time.AfterFunc(d, func() { h.post(envelope{timer: at, ev: Timer{Kind: k}}) })
	h.timers[k] = at
}

func (h *Half) disarm(k TimerKind) {
	if at, ok := h.timers[k]; ok {
		at.t.Stop()
		delete(h.timers, k)
	}
}

// --- outbound half ---

func (h *Half) runOutbound() {
	defer h.finish()
	for {
		select {
		case <-h.cancel.Watch():
			h.hangupLeg()
			return
		case env := <-h.inbox:
			if h.handleOutbound(env.ev) {
				return
			}
		}
	}
}

// handleOutbound relays one leg event to the inbound half and reports
// whether the leg is gone.
func (h *Half) handleOutbound(ev Event) bool {
	switch ev := ev.(type) {
	case RemoteRinging:
		h.setState(HalfStateRinging)
		h.cc.UpdateSide(calls.SideB, func(s *calls.SideState) { s.RingingSent = true })
		h.relay(ev)
	case RemoteAnswered:
		h.setState(HalfStateConnected)
		h.relay(ev)
	case RemoteRejected:
		h.relay(ev)
		return true
	case SessionEnded:
		h.relay(SessionEnded{Side: calls.SideB})
		return true
	case LocalCancel, terminate:
		h.hangupLeg()
		return true
	}
	return false
}

func (h *Half) hangupLeg() {
	if h.leg == nil {
		return
	}
	if err := h.leg.Terminate(h.ctx); err != nil {
		h.log.Warn("outbound leg terminate failed", "err", err)
	}
}

func (h *Half) relay(ev Event) {
	env := envelope{from: h, ev: ev}
	select {
	case h.a.inbox <- env:
	case <-h.a.closed.Watch():
	case <-h.cancel.Watch():
	}
}
