package telephony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sbc-router/internal/calls"
	"sbc-router/internal/profiles"
	"sbc-router/internal/routing"
)

var ErrShuttingDown = errors.New("telephony: service shutting down")

// Service is the entry point for inbound calls. It owns the live inbound
// halves so they can be torn down on shutdown.
type Service struct {
	engine *routing.Engine
	source profiles.Source
	dialer Dialer
	deps   calls.Deps
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	halves  map[*Half]struct{}
	closing bool
}

func NewService(engine *routing.Engine, source profiles.Source, dialer Dialer, deps calls.Deps, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if deps.Log == nil {
		deps.Log = log
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		engine: engine,
		source: source,
		dialer: dialer,
		deps:   deps,
		log:    log.With("subsystem", "telephony"),
		now:    deps.Now,
		halves: map[*Half]struct{}{},
	}
}

// HandleInbound starts processing a new inbound call. The returned half
// accepts the inbound dialog's events (LocalCancel, SessionEnded{SideA}).
//
// The half outlives ctx: its work is bounded by the call, not the request
// that delivered it.
func (s *Service) HandleInbound(ctx context.Context, req profiles.Request, sig Signaling) (*Half, error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		dc := s.engine.Codes().Disconnect(routing.DCShutdown)
		if err := sig.Reply(ctx, dc.ResponseCode, dc.ResponseReason); err != nil {
			s.log.Warn("shutdown reply not sent", "call_id", req.CallID, "err", err)
		}
		return nil, ErrShuttingDown
	}

	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = s.now().UTC()
	}
	cc := calls.New(req, s.deps)
	a := newHalf(context.WithoutCancel(ctx), s, calls.SideA, cc)
	a.sig = sig

	s.mu.Lock()
	s.halves[a] = struct{}{}
	s.mu.Unlock()

	cc.Log().Info("inbound call", "from", req.From, "to", req.To, "remote_ip", req.RemoteIP)
	go a.runInbound()
	return a, nil
}

func (s *Service) removeHalf(h *Half) {
	s.mu.Lock()
	delete(s.halves, h)
	s.mu.Unlock()
}

// Active returns the number of inbound calls in progress.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.halves)
}

// Shutdown refuses new calls and terminates every live call, releasing the
// resources it holds. It returns when all calls ended or ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*Half, 0, len(s.halves))
	for h := range s.halves {
		live = append(live, h)
	}
	s.mu.Unlock()

	s.log.Info("terminating live calls", "calls", len(live))

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range live {
		g.Go(func() error {
			// resources are released before the half sees the terminate
			s.engine.Abort(gctx, h.cc)
			select {
			case h.inbox <- envelope{ev: terminate{code: routing.DCShutdown}}:
			case <-h.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case <-h.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}
