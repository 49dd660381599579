package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sbc-router/internal/resources"
	"sbc-router/internal/routing"
)

// StoreStatus exposes the state of the resource store client.
type StoreStatus interface {
	Connected() bool
	Epoch() uint64
	QueueLen() int
}

// ActiveCallsProvider exposes the number of live call contexts.
type ActiveCallsProvider interface {
	Len() int
}

// HandleCounter exposes the number of resource handles held by this node.
type HandleCounter interface {
	HandleCount() int
}

// Collector is a prometheus.Collector that reads router state at scrape time.
type Collector struct {
	store     StoreStatus
	calls     ActiveCallsProvider
	handles   HandleCounter
	startTime time.Time

	connectedDesc *prometheus.Desc
	epochDesc     *prometheus.Desc
	queueDesc     *prometheus.Desc
	callsDesc     *prometheus.Desc
	handlesDesc   *prometheus.Desc
	uptimeDesc    *prometheus.Desc
}

// NewCollector creates a collector. Any provider may be nil if unavailable.
func NewCollector(store StoreStatus, calls ActiveCallsProvider, handles HandleCounter, startTime time.Time) *Collector {
	return &Collector{
		store:     store,
		calls:     calls,
		handles:   handles,
		startTime: startTime,

		connectedDesc: prometheus.NewDesc(
			"sbc_router_resource_store_connected",
			"Whether the resource store is reachable (1=connected)",
			nil, nil,
		),
		epochDesc: prometheus.NewDesc(
			"sbc_router_resource_store_epoch",
			"Current reservation epoch, incremented by every invalidation",
			nil, nil,
		),
		queueDesc: prometheus.NewDesc(
			"sbc_router_resource_store_queue_length",
			"Operations waiting for the resource store",
			nil, nil,
		),
		callsDesc: prometheus.NewDesc(
			"sbc_router_active_calls",
			"Number of call attempts in progress",
			nil, nil,
		),
		handlesDesc: prometheus.NewDesc(
			"sbc_router_resource_handles",
			"Resource handles held by this node",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sbc_router_uptime_seconds",
			"Seconds since the router process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectedDesc
	ch <- c.epochDesc
	ch <- c.queueDesc
	ch <- c.callsDesc
	ch <- c.handlesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.store != nil {
		connected := 0.0
		if c.store.Connected() {
			connected = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.connectedDesc, prometheus.GaugeValue, connected)
		ch <- prometheus.MustNewConstMetric(c.epochDesc, prometheus.CounterValue, float64(c.store.Epoch()))
		ch <- prometheus.MustNewConstMetric(c.queueDesc, prometheus.GaugeValue, float64(c.store.QueueLen()))
	}
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(c.callsDesc, prometheus.GaugeValue, float64(c.calls.Len()))
	}
	if c.handles != nil {
		ch <- prometheus.MustNewConstMetric(c.handlesDesc, prometheus.GaugeValue, float64(c.handles.HandleCount()))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Recorder counts admission and routing decisions as they happen.
// It implements resources.Observer and routing.Observer.
type Recorder struct {
	admissions       *prometheus.CounterVec
	admissionLatency *prometheus.HistogramVec
	routings         *prometheus.CounterVec
	stopHunting        prometheus.Counter
}

func NewRecorder() *Recorder {
	return &Recorder{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbc_router_admissions_total",
			Help: "Resource reservation attempts by outcome",
		}, []string{"outcome"}),
		admissionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbc_router_admission_duration_seconds",
			Help:    "Time spent reserving resources, including time queued while the store is down",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"outcome"}),
		routings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbc_router_routing_results_total",
			Help: "Routing decisions by state and final response code",
		}, []string{"state", "code"}),
		stopHunting: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sbc_router_stop_hunting_total",
			Help: "Remote replies that ended failover early",
		}),
	}
}

// Register adds the recorder's metrics and c to reg.
func (r *Recorder) Register(reg prometheus.Registerer, c *Collector) error {
	cs := []prometheus.Collector{r.admissions, r.admissionLatency, r.routings, r.stopHunting}
	if c != nil {
		cs = append(cs, c)
	}
	for _, col := range cs {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) ObserveAdmission(kind resources.OutcomeKind, d time.Duration) {
	r.admissions.WithLabelValues(kind.String()).Inc()
	r.admissionLatency.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (r *Recorder) ObserveRouting(res routing.Result) {
	code := "0"
	if !res.Routed() {
		code = strconv.Itoa(res.Code)
	}
	r.routings.WithLabelValues(string(res.State), code).Inc()
	if res.StopHunting {
		r.stopHunting.Inc()
	}
}
