package connpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

type poolMetrics struct {
	acquires        prometheus.Counter
	acquireFailures prometheus.Counter
	reclaimed       prometheus.Counter
	slots           *prometheus.GaugeVec
}

func newPoolMetrics(p *Pool) *poolMetrics {
	return &poolMetrics{
		acquires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connpool_acquires_total",
			Help: "Total number of successful connection acquisitions.",
		}),
		acquireFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connpool_acquire_failures_total",
			Help: "Total number of failed connection acquisitions.",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connpool_reclaimed_total",
			Help: "Total number of idle connections closed by the reclamation timer.",
		}),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connpool_slots",
			Help: "Connection slots per kind and state.",
		}, []string{"kind", "state"}),
	}
}

// RegisterMetrics registers the pool collectors with r. The slot gauges
// are refreshed on collection via a collector wrapper.
func (p *Pool) RegisterMetrics(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		p.metrics.acquires,
		p.metrics.acquireFailures,
		p.metrics.reclaimed,
		&slotCollector{p: p},
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// slotCollector samples the per-kind slot distribution at scrape time.
type slotCollector struct {
	p *Pool
}

func (c *slotCollector) Describe(ch chan<- *prometheus.Desc) {
	c.p.metrics.slots.Describe(ch)
}

func (c *slotCollector) Collect(ch chan<- prometheus.Metric) {
	for kind := range c.p.kinds {
		available, cached, inUse := c.p.counts(kind)
		c.p.metrics.slots.WithLabelValues(string(kind), "available").Set(float64(available))
		c.p.metrics.slots.WithLabelValues(string(kind), "cached").Set(float64(cached))
		c.p.metrics.slots.WithLabelValues(string(kind), "in_use").Set(float64(inUse))
	}
	c.p.metrics.slots.Collect(ch)
}
