package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sbc-router/internal/calls"
	"sbc-router/internal/profiles"
	"sbc-router/internal/resources"
)

// Admission is the resource admission controller as seen by routing.
// Implemented by resources.Controller.
type Admission interface {
	Get(ctx context.Context, owner string, rl resources.List) resources.Outcome
	Put(ctx context.Context, h *resources.Handle) error
}

// Observer receives routing results. Optional.
type Observer interface {
	ObserveRouting(r Result)
}

// Engine walks the candidate profiles of a call attempt.
//
// Priority for each profile:
//  1. Refusal sentinel (always wins, resources are not checked)
//  2. Resource admission
//
// The engine never holds the call context lock across admission calls.
type Engine struct {
	admission Admission
	codes     *Translator
	obs       Observer
	log       *slog.Logger
	now       func() time.Time
}

func NewEngine(admission Admission, codes *Translator, obs Observer, log *slog.Logger) *Engine {
	if codes == nil {
		codes = DefaultTranslator()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{admission: admission, codes: codes, obs: obs, log: log, now: time.Now}
}

func (e *Engine) Codes() *Translator { return e.codes }

// AdmitAndRoute selects the first admissible profile starting at the cursor.
func (e *Engine) AdmitAndRoute(ctx context.Context, cc *calls.Context) Result {
	p, ok := cc.CurrentProfile()
	if !ok {
		return e.finish(cc, e.refuse(DCNoMoreProfiles, nil), calls.InitiatorSwitch)
	}
	return e.finish(cc, e.route(ctx, cc, p), calls.InitiatorSwitch)
}

// OnRemoteRejected handles a final failure reply to the current outbound try.
// The reply is rewritten with the B-leg override rules and then the A-leg
// ones. Unless the reply stops hunting, the current resources are released
// and the loop continues with the next profile; a Routed result means a new
// outbound try must be started for the same inbound call.
func (e *Engine) OnRemoteRejected(ctx context.Context, cc *calls.Context, code int, reason string) Result {
	p, _ := cc.CurrentProfile()
	cc.UpdateCDR(func(c *calls.CDR) { c.SetRemoteReply(code, reason) })

	icode, ireason := e.codes.RewriteResponse(code, reason, p.BLegOverrideID)
	fcode, freason := e.codes.RewriteResponse(icode, ireason, p.ALegOverrideID)
	last := Result{State: StateRefused, Code: fcode, Reason: freason, InternalCode: icode, InternalReason: ireason}

	if e.codes.StopHunting(code, p.BLegOverrideID) {
		cc.Log().Debug("remote reply stops hunting", "code", code, "profile_id", p.ID)
		last.StopHunting = true
		return e.finish(cc, last, calls.InitiatorDestination)
	}

	if h := cc.TakeActiveHandle(); h != nil {
		e.put(ctx, cc, h)
	}
	np, ok := cc.AdvanceProfile()
	if !ok {
		return e.finish(cc, last, calls.InitiatorDestination)
	}
	cc.Log().Debug("failover after remote reject", "code", code, "from_profile", p.ID, "to_profile", np.ID)
	res := e.route(ctx, cc, np)
	if res.Routed() {
		return e.finish(cc, res, "")
	}
	return e.finish(cc, res, calls.InitiatorSwitch)
}

// Abort cancels the attempt: the active handle is released and no further
// profile is selected. Cleanup of the context stays with the last Detach.
func (e *Engine) Abort(ctx context.Context, cc *calls.Context) {
	if h := cc.Abort(); h != nil {
		e.put(ctx, cc, h)
	}
}

// Cancel aborts an attempt that is not connected yet and releases its
// handle. It reports false when the call was already answered.
func (e *Engine) Cancel(ctx context.Context, cc *calls.Context) bool {
	h, ok := cc.Cancel()
	if h != nil {
		e.put(ctx, cc, h)
	}
	return ok
}

// route runs the admission loop from p. When the list runs out after a
// skipped profile, the refusal of the exhausted resource is surfaced.
func (e *Engine) route(ctx context.Context, cc *calls.Context, p profiles.Profile) Result {
	for {
		if cc.Aborted() {
			return e.refuse(DCCancelled, nil)
		}
		cc.UpdateCDR(func(c *calls.CDR) { c.StartAttempt(p, e.now().UTC()) })

		if p.IsRefusal() {
			return e.refuse(p.RefuseCode, nil)
		}

		out := e.admission.Get(ctx, cc.LocalTag, p.Resources)
		switch out.Kind {
		case resources.OutcomeOK:
			if out.Handle != nil {
				if err := cc.SetActiveHandle(out.Handle); err != nil {
					e.put(ctx, cc, out.Handle)
					if errors.Is(err, calls.ErrAborted) {
						return e.refuse(DCCancelled, nil)
					}
					cc.Log().Error("routing invariant violated", "err", err, "profile_id", p.ID)
					return e.refuse(DCInternalError, nil)
				}
			}
			cc.UpdateCDR(func(c *calls.CDR) { c.Granted(p.Resources) })
			cc.SetStatus(calls.CallStatusRouted)
			return Result{State: StateRouted, Profile: p}

		case resources.OutcomeBusy:
			r := *out.Resource
			cc.MarkExhausted(r)
			cc.UpdateCDR(func(c *calls.CDR) { c.SetFailedResource(r) })
			return e.refuse(e.codes.ResourceRefusal(r.Type).Code, &r)

		case resources.OutcomeSkipProfile:
			r := *out.Resource
			cc.MarkExhausted(r)
			cc.UpdateCDR(func(c *calls.CDR) { c.SetFailedResource(r) })
			next, ok := cc.AdvanceProfile()
			if !ok {
				return e.refuse(e.codes.ResourceRefusal(r.Type).Code, &r)
			}
			cc.Log().Debug("resource exhausted, trying next profile", "resource", r.String(), "from_profile", p.ID, "to_profile", next.ID)
			p = next

		default:
			cc.Log().Warn("admission failed closed", "err", out.Err, "profile_id", p.ID)
			return e.refuse(DCResourceStoreError, nil)
		}
	}
}

func (e *Engine) refuse(code int, failed *resources.Spec) Result {
	dc := e.codes.Disconnect(code)
	reason := dc.Reason
	if failed != nil {
		reason = dc.Reason + ": " + e.codes.ResourceTypeName(failed.Type)
	}
	return Result{
		State:          StateRefused,
		Code:           dc.ResponseCode,
		Reason:         dc.ResponseReason,
		InternalCode:   dc.Code,
		InternalReason: reason,
		FailedResource: failed,
	}
}

// finish records a refusal on the CDR and context status.
func (e *Engine) finish(cc *calls.Context, r Result, by calls.Initiator) Result {
	if !r.Routed() {
		if r.InternalCode == DCCancelled {
			by = calls.InitiatorOriginator
		}
		cc.SetStatus(calls.CallStatusFailed)
		cc.UpdateCDR(func(c *calls.CDR) {
			c.SetDisconnect(by, r.InternalCode, r.InternalReason)
			c.SetALegReply(r.Code, r.Reason)
		})
		cc.Log().Info("call attempt refused", "code", r.Code, "reason", r.Reason, "internal_code", r.InternalCode)
	}
	if e.obs != nil {
		e.obs.ObserveRouting(r)
	}
	return r
}

func (e *Engine) put(ctx context.Context, cc *calls.Context, h *resources.Handle) {
	if err := e.admission.Put(ctx, h); err != nil && !errors.Is(err, resources.ErrUnknownHandle) {
		cc.Log().Warn("resource release failed", "handle", h.ID, "err", err)
	}
}
