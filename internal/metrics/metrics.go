// Package metrics exposes publish/fetch counters for the simulated sensor set.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "simsensors"

type Collector struct {
	publishes  *prometheus.CounterVec
	stalls     *prometheus.CounterVec
	fetches    *prometheus.CounterVec
	mismatches *prometheus.CounterVec
	generation *prometheus.GaugeVec
}

// New registers the collector's series on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Records published per sensor group.",
		}, []string{"group"}),
		stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_stalls_total",
			Help:      "Publishes abandoned because readers did not drain in time.",
		}, []string{"group"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Successful record fetches per sensor group.",
		}, []string{"group"}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_size_mismatches_total",
			Help:      "Fetches rejected because the destination length was wrong.",
		}, []string{"group"}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Publish generation of each sensor group buffer.",
		}, []string{"group"}),
	}
	reg.MustRegister(c.publishes, c.stalls, c.fetches, c.mismatches, c.generation)
	return c
}

func (c *Collector) Published(group string, generation uint64) {
	if c == nil {
		return
	}
	c.publishes.WithLabelValues(group).Inc()
	c.generation.WithLabelValues(group).Set(float64(generation))
}

func (c *Collector) Stalled(group string) {
	if c == nil {
		return
	}
	c.stalls.WithLabelValues(group).Inc()
}

func (c *Collector) Fetched(group string, ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.fetches.WithLabelValues(group).Inc()
	} else {
		c.mismatches.WithLabelValues(group).Inc()
	}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
