// Package metrics holds the Prometheus collectors for the story engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "talebranch"

// Collector is created once per process and passed to the components that
// report into it. Tests build their own on a fresh registry.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	StoriesCreated        prometheus.Counter
	ContributionsAppended prometheus.Counter
	ForksCreated          prometheus.Counter
	AppendRetries         prometheus.Counter
	Votes                 *prometheus.CounterVec

	FanoutPublished prometheus.Counter
	FanoutDropped   prometheus.Counter
	FanoutFailed    prometheus.Counter
	LiveConnections prometheus.Gauge
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		StoriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stories_created_total",
			Help:      "Total number of stories created",
		}),
		ContributionsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contributions_appended_total",
			Help:      "Total number of contributions appended to branches",
		}),
		ForksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forks_created_total",
			Help:      "Total number of branches forked",
		}),
		AppendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_conflict_retries_total",
			Help:      "Appends retried after a position conflict",
		}),
		Votes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "votes_total",
				Help:      "Vote transitions by outcome",
			},
			[]string{"transition"},
		),
		FanoutPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_published_total",
			Help:      "Events handed to the realtime transport",
		}),
		FanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_total",
			Help:      "Events dropped because the fan-out queue was full",
		}),
		FanoutFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_failed_total",
			Help:      "Events the realtime transport failed to publish",
		}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Open websocket connections on this node",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.HTTPRequests,
		c.HTTPDuration,
		c.StoriesCreated,
		c.ContributionsAppended,
		c.ForksCreated,
		c.AppendRetries,
		c.Votes,
		c.FanoutPublished,
		c.FanoutDropped,
		c.FanoutFailed,
		c.LiveConnections,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) StoryCreated() {
	if c != nil {
		c.StoriesCreated.Inc()
	}
}

func (c *Collector) ContributionAppended() {
	if c != nil {
		c.ContributionsAppended.Inc()
	}
}

func (c *Collector) ForkCreated() {
	if c != nil {
		c.ForksCreated.Inc()
	}
}

func (c *Collector) AppendRetried() {
	if c != nil {
		c.AppendRetries.Inc()
	}
}

// VoteRecorded counts a vote transition such as "none->up" or "up->none".
func (c *Collector) VoteRecorded(transition string) {
	if c != nil {
		c.Votes.WithLabelValues(transition).Inc()
	}
}

func (c *Collector) EventPublished() {
	if c != nil {
		c.FanoutPublished.Inc()
	}
}

func (c *Collector) EventDropped() {
	if c != nil {
		c.FanoutDropped.Inc()
	}
}

func (c *Collector) EventFailed() {
	if c != nil {
		c.FanoutFailed.Inc()
	}
}

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.LiveConnections.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.LiveConnections.Dec()
	}
}
