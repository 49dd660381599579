package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// OpKind is the type of a store operation.
type OpKind int

const (
	OpReserve OpKind = iota
	OpRelease
	OpInvalidate
)

func (k OpKind) String() string {
	switch k {
	case OpReserve:
		return "reserve"
	case OpRelease:
		return "release"
	case OpInvalidate:
		return "invalidate"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Op is one operation sent to the backing store.
type Op struct {
	Kind  OpKind
	Items List
}

// OpResult is the store's answer to one Op.
type OpResult struct {
	// Failed is the index of the first exhausted resource of a reserve, or -1.
	Failed int
	// Err is a per-operation protocol error. The connection is still usable.
	Err error
}

// Backend applies operations to the external counter store.
//
// Exec must apply ops in slice order. A non-nil error means the connection
// failed and the effect of every op in the batch is unknown.
type Backend interface {
	Exec(ctx context.Context, ops []Op) ([]OpResult, error)
	Used(ctx context.Context, s Spec) (int64, error)
	Ping(ctx context.Context) error
}

var (
	ErrStoreUnavailable = errors.New("resources: store unavailable")
	ErrQueueFull        = errors.New("resources: operation queue full")
	ErrStoreClosed      = errors.New("resources: store closed")
)

// StoreConfig controls queueing and reconnect behavior of the store client.
type StoreConfig struct {
	// QueueLimit bounds the number of reserve operations waiting for the store.
	QueueLimit int
	// BatchSize is the number of queued operations pipelined in one round trip.
	BatchSize int

	OpTimeout         time.Duration
	ReconnectInterval time.Duration
	HealthInterval    time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	out := c
	if out.QueueLimit <= 0 {
		out.QueueLimit = 1024
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 64
	}
	if out.OpTimeout <= 0 {
		out.OpTimeout = 2 * time.Second
	}
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = time.Second
	}
	if out.HealthInterval <= 0 {
		out.HealthInterval = 5 * time.Second
	}
	return out
}

const (
	opPending int32 = iota
	opRunning
	opAbandoned
)

type pendingOp struct {
	Op
	// epoch of the handle for a release, epoch of the grant for a reserve.
	epoch uint64

	state atomic.Int32
	res   OpResult
	err   error
	done  chan struct{}
}

func newOp(kind OpKind, items List, epoch uint64) *pendingOp {
	return &pendingOp{Op: Op{Kind: kind, Items: items}, epoch: epoch, done: make(chan struct{})}
}

func (o *pendingOp) finish(res OpResult, err error) {
	o.res = res
	o.err = err
	close(o.done)
}

// Store is the client of the external resource counter store.
//
// All operations go through one FIFO queue executed by Run, so operations
// touching the same counter reach the store in issue order. While the store
// is unreachable operations stay queued; reserves beyond QueueLimit fail
// immediately with ErrQueueFull.
//
// Every (re)connect drops all reservations held by this node and starts a new
// epoch. Releases of handles from an older epoch are skipped.
type Store struct {
	backend Backend
	cfg     StoreConfig
	log     *slog.Logger

	epoch     atomic.Uint64
	connected atomic.Bool

	mu       sync.Mutex
	queue    []*pendingOp
	reserves int
	closed   bool
	wake     chan struct{}
}

func NewStore(backend Backend, cfg StoreConfig, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		backend: backend,
		cfg:     cfg.withDefaults(),
		log:     log.With("subsystem", "resources"),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Store) Connected() bool { return s.connected.Load() }

func (s *Store) Epoch() uint64 { return s.epoch.Load() }

func (s *Store) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Reserve reserves every item or none of them. It returns the index of the
// first exhausted item (-1 when all were granted) and the epoch of the grant.
//
// If ctx ends while the operation is still queued it is dropped. If it was
// already sent, Reserve waits for the answer and rolls back a grant nobody
// will own.
func (s *Store) Reserve(ctx context.Context, items List) (int, uint64, error) {
	o := newOp(OpReserve, items, 0)
	if err := s.enqueue(o); err != nil {
		return -1, 0, err
	}

	select {
	case <-o.done:
		if o.err != nil {
			return -1, 0, o.err
		}
		if o.res.Err != nil {
			return -1, 0, o.res.Err
		}
		return o.res.Failed, o.epoch, nil
	case <-ctx.Done():
	}

	if o.state.CompareAndSwap(opPending, opAbandoned) {
		return -1, 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
	}
	<-o.done
	if o.err == nil && o.res.Err == nil && o.res.Failed < 0 {
		_ = s.enqueue(newOp(OpRelease, items, o.epoch))
	}
	return -1, 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
}

// Release returns items reserved in epoch. The release stays queued even if
// ctx ends before the store acknowledged it.
func (s *Store) Release(ctx context.Context, items List, epoch uint64) error {
	if len(items) == 0 {
		return nil
	}
	return s.submit(ctx, newOp(OpRelease, items, epoch))
}

// InvalidateAll drops every reservation this node holds in the store and
// returns the epoch it started. Grants of that epoch or later survive it.
func (s *Store) InvalidateAll(ctx context.Context) (uint64, error) {
	o := newOp(OpInvalidate, nil, 0)
	if err := s.submit(ctx, o); err != nil {
		return 0, err
	}
	return o.epoch, nil
}

// Used returns the total amount of a resource taken by all nodes.
func (s *Store) Used(ctx context.Context, spec Spec) (int64, error) {
	if !s.connected.Load() {
		return 0, ErrStoreUnavailable
	}
	return s.backend.Used(ctx, spec)
}

func (s *Store) submit(ctx context.Context, o *pendingOp) error {
	if err := s.enqueue(o); err != nil {
		return err
	}
	select {
	case <-o.done:
		if o.err != nil {
			return o.err
		}
		return o.res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) enqueue(o *pendingOp) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if o.Kind == OpReserve {
		if s.reserves >= s.cfg.QueueLimit {
			s.mu.Unlock()
			return ErrQueueFull
		}
		s.reserves++
	}
	s.queue = append(s.queue, o)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes queued operations until ctx ends. Operations still queued at
// that point fail with ErrStoreClosed.
func (s *Store) Run(ctx context.Context) error {
	defer s.close()

	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.connected.Load() {
			if err := s.connect(ctx); err != nil {
				return nil
			}
		}

		batch := s.take()
		if len(batch) > 0 {
			s.execute(ctx, batch)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-health.C:
			s.checkHealth(ctx)
		}
	}
}

func (s *Store) connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := s.handshake(ctx)
		if err == nil {
			s.connected.Store(true)
			s.log.Info("resource store connected", "epoch", s.epoch.Load(), "attempt", attempt, "queued", s.QueueLen())
			return nil
		}
		if attempt == 1 || attempt%30 == 0 {
			s.log.Warn("resource store unreachable", "err", err, "attempt", attempt, "queued", s.QueueLen())
		}

		t := time.NewTimer(s.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// handshake verifies the connection and drops reservations left over from
// before the disconnect. Their owners were never told whether they got them.
func (s *Store) handshake(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if err := s.backend.Ping(tctx); err != nil {
		return err
	}
	res, err := s.backend.Exec(tctx, []Op{{Kind: OpInvalidate}})
	if err != nil {
		return err
	}
	if len(res) != 1 {
		return fmt.Errorf("resources: invalidate returned %d results", len(res))
	}
	if res[0].Err != nil {
		return res[0].Err
	}
	s.epoch.Add(1)
	return nil
}

func (s *Store) checkHealth(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := s.backend.Ping(tctx); err != nil && ctx.Err() == nil {
		s.connected.Store(false)
		s.log.Error("resource store health check failed", "err", err)
	}
}

// take pops the next batch. An invalidate always travels alone so the epoch
// it starts applies to everything queued after it.
func (s *Store) take() []*pendingOp {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*pendingOp
	for len(s.queue) > 0 && len(batch) < s.cfg.BatchSize {
		o := s.queue[0]
		if o.Kind == OpInvalidate && len(batch) > 0 {
			break
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if o.Kind == OpReserve {
			s.reserves--
		}
		if !o.state.CompareAndSwap(opPending, opRunning) {
			continue
		}
		batch = append(batch, o)
		if o.Kind == OpInvalidate {
			break
		}
	}
	return batch
}

func (s *Store) execute(ctx context.Context, batch []*pendingOp) {
	epoch := s.epoch.Load()

	ops := make([]Op, 0, len(batch))
	sent := make([]*pendingOp, 0, len(batch))
	for _, o := range batch {
		if o.Kind == OpRelease && o.epoch != epoch {
			// already dropped by an invalidation
			o.finish(OpResult{Failed: -1}, nil)
			continue
		}
		ops = append(ops, o.Op)
		sent = append(sent, o)
	}
	if len(ops) == 0 {
		return
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	res, err := s.backend.Exec(tctx, ops)
	cancel()
	if err == nil && len(res) != len(ops) {
		err = fmt.Errorf("resources: backend returned %d results for %d ops", len(res), len(ops))
	}
	if err != nil {
		s.connected.Store(false)
		s.log.Error("resource store batch failed", "err", err, "ops", len(ops))
		for _, o := range sent {
			o.finish(OpResult{Failed: -1}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
		}
		return
	}

	for i, o := range sent {
		r := res[i]
		if r.Err != nil {
			s.log.Warn("resource store operation rejected", "op", o.Kind.String(), "resources", o.Items.String(), "err", r.Err)
		} else {
			switch o.Kind {
			case OpReserve:
				o.epoch = epoch
			case OpInvalidate:
				epoch = s.epoch.Add(1)
				o.epoch = epoch
				s.log.Info("resource reservations invalidated", "epoch", epoch)
			}
		}
		o.finish(r, nil)
	}
}

func (s *Store) close() {
	s.mu.Lock()
	s.closed = true
	q := s.queue
	s.queue = nil
	s.reserves = 0
	s.mu.Unlock()

	s.connected.Store(false)
	for _, o := range q {
		if o.state.CompareAndSwap(opPending, opRunning) {
			o.finish(OpResult{Failed: -1}, ErrStoreClosed)
		}
	}
}
