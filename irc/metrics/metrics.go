// Package metrics exposes daemon counters and gauges to Prometheus and
// records admin API request latency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/presbrey/ts6d/irc/class"
	"github.com/presbrey/ts6d/irc/hooks"
	"github.com/presbrey/ts6d/irc/state"
)

const namespace = "ts6d"

// Metrics holds one Prometheus registry and the daemon's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	Connections *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	Quits       *prometheus.CounterVec
	LinkEvents  *prometheus.CounterVec
	LineChanges *prometheus.CounterVec
	Messages    *prometheus.CounterVec
	SendQDrops  prometheus.Counter
	BurstTime   prometheus.Histogram

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
}

// New creates the collectors on a fresh registry. Gauges for users,
// channels and servers read reg on every scrape; per-class gauges read
// classes. Either may be nil.
func New(reg *state.Registry, classes *class.Manager) *Metrics {
	r := prometheus.NewRegistry()
	f := promauto.With(r)
	m := &Metrics{
		Registry: r,
		Connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Accepted connections by kind (client or server).",
		}, []string{"kind"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejections_total",
			Help: "Refused connections by deciding line kind.",
		}, []string{"kind"}),
		Quits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "user_quits_total",
			Help: "Users leaving the network, split by local or remote.",
		}, []string{"origin"}),
		LinkEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "link_events_total",
			Help: "Server links established or lost.",
		}, []string{"event"}),
		LineChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "line_changes_total",
			Help: "Access lines added or removed by kind.",
		}, []string{"kind", "op"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Messages read by connection kind.",
		}, []string{"kind"}),
		SendQDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sendq_exceeded_total",
			Help: "Connections closed because their send queue filled.",
		}),
		BurstTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "link_burst_seconds",
			Help:    "Time from SERVER to end of burst.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Admin API latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Admin API requests by status code.",
		}, []string{"path", "method", "code"}),
	}
	r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if reg != nil {
		stat := func(pick func(state.Stats) int) func() float64 {
			return func() float64 { return float64(pick(reg.Stats())) }
		}
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: "users", Help: "Users on the network."},
			stat(func(s state.Stats) int { return s.Users }))
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: "channels", Help: "Channels on the network."},
			stat(func(s state.Stats) int { return s.Channels }))
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: "servers", Help: "Servers on the network, us included."},
			stat(func(s state.Stats) int { return s.Servers }))
	}
	if classes != nil {
		r.MustRegister(&classCollector{classes: classes, desc: prometheus.NewDesc(
			namespace+"_class_connections", "Live connections per class.", []string{"class"}, nil)})
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: "clients", Help: "Admitted local connections."},
			func() float64 { return float64(classes.Total()) })
	}
	return m
}

type classCollector struct {
	classes *class.Manager
	desc    *prometheus.Desc
}

func (c *classCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *classCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.classes.Stats() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Live), s.Name)
	}
}

// Subscribe counts hook events from bus.
func (m *Metrics) Subscribe(bus *hooks.Bus) {
	bus.UserQuit.Register(func(e hooks.UserEvent) error {
		origin := "remote"
		if e.Local {
			origin = "local"
		}
		m.Quits.WithLabelValues(origin).Inc()
		return nil
	})
	bus.LinkUp.Register(func(e hooks.LinkEvent) error {
		m.LinkEvents.WithLabelValues("up").Inc()
		return nil
	})
	bus.LinkDown.Register(func(e hooks.LinkEvent) error {
		m.LinkEvents.WithLabelValues("down").Inc()
		return nil
	})
	bus.LineChanged.Register(func(e hooks.LineEvent) error {
		op := "add"
		if e.Removed {
			op = "remove"
		}
		m.LineChanges.WithLabelValues(string(e.Line.Kind), op).Inc()
		return nil
	})
}

// ObserveBurst records how long a link took to burst.
func (m *Metrics) ObserveBurst(d time.Duration) { m.BurstTime.Observe(d.Seconds()) }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Middleware records request latency and status per route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			m.RequestDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(path, method, strconv.Itoa(c.Response().Status)).Inc()
			return nil
		}
	}
}
