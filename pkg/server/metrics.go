package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	dispatched  prometheus.Counter
	busyWorkers prometheus.Gauge
}

func newServerMetrics(s *Server) *serverMetrics {
	return &serverMetrics{
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_dispatched_total",
			Help: "Total number of connections dispatched to workers.",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "server_busy_workers",
			Help: "Number of workers currently serving a connection.",
		}),
	}
}

func (s *Server) RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.metrics.dispatched, s.metrics.busyWorkers} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
