package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sbc-router/internal/resources"
	"sbc-router/internal/routing"
)

type fakeStore struct {
	connected bool
	epoch     uint64
	queued    int
}

func (f fakeStore) Connected() bool { return f.connected }
func (f fakeStore) Epoch() uint64    { return f.epoch }
func (f fakeStore) QueueLen() int    { return f.queued }

type fixedCount int

func (n fixedCount) Len() int         { return int(n) }
func (n fixedCount) HandleCount() int { return int(n) }

func TestCollector_CollectsAllProviders(t *testing.T) {
	c := NewCollector(fakeStore{connected: true, epoch: 3, queued: 2}, fixedCount(4), fixedCount(5), time.Now())
	if got := testutil.CollectAndCount(c); got != 6 {
		t.Fatalf("expected 6 metrics, got %d", got)
	}
}

func TestCollector_NilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())
	if got := testutil.CollectAndCount(c); got != 1 {
		t.Fatalf("expected only uptime, got %d", got)
	}
}

func TestRecorder_Observe(t *testing.T) {
	r := NewRecorder()
	reg := prometheus.NewRegistry()
	if err := r.Register(reg, NewCollector(nil, nil, nil, time.Now())); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.ObserveAdmission(resources.OutcomeOK, 2*time.Millisecond)
	r.ObserveAdmission(resources.OutcomeBusy, time.Millisecond)
	r.ObserveAdmission(resources.OutcomeBusy, time.Millisecond)
	r.ObserveRouting(routing.Result{State: routing.StateRouted})
	r.ObserveRouting(routing.Result{State: routing.StateRefused, Code: 486, StopHunting: true})

	if got := testutil.ToFloat64(r.admissions.WithLabelValues("busy")); got != 2 {
		t.Fatalf("expected 2 busy admissions, got %v", got)
	}
	if got := testutil.ToFloat64(r.routings.WithLabelValues("refused", "486")); got != 1 {
		t.Fatalf("expected one 486 refusal, got %v", got)
	}
	if got := testutil.ToFloat64(r.routings.WithLabelValues("routed", "0")); got != 1 {
		t.Fatalf("expected one routed result, got %v", got)
	}
	if got := testutil.ToFloat64(r.stopHunting); got != 1 {
		t.Fatalf("expected one stop hunting, got %v", got)
	}

	if err := r.Register(reg, nil); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
