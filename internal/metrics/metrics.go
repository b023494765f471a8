// Package metrics samples system and per-process resource usage on a
// timer, keeps a bounded in-memory history per process, and optionally
// exports everything as Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics are the Prometheus collectors updated by each sampling
// cycle. They are only touched once EnablePrometheus has registered them.
type promMetrics struct {
	processCPUPercent *prometheus.GaugeVec
	processMemoryMB   *prometheus.GaugeVec
	systemCPUPercent  prometheus.Gauge
	systemMemPercent  prometheus.Gauge
}

func newPromMetrics() *promMetrics {
	return &promMetrics{
		processCPUPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procsupd",
				Subsystem: "process",
				Name:      "cpu_percent",
				Help:      "Most recent CPU usage percentage for a supervised process.",
			}, []string{"process_id"},
		),
		processMemoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procsupd",
				Subsystem: "process",
				Name:      "memory_mb",
				Help:      "Most recent resident memory usage in MB for a supervised process.",
			}, []string{"process_id"},
		),
		systemCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "procsupd",
				Subsystem: "system",
				Name:      "cpu_percent",
				Help:      "Host-wide CPU usage percentage.",
			},
		),
		systemMemPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "procsupd",
				Subsystem: "system",
				Name:      "memory_percent",
				Help:      "Host-wide memory usage percentage.",
			},
		),
	}
}

// register registers every collector with r, once. A collector already
// registered elsewhere (AlreadyRegisteredError) is tolerated rather than
// surfaced, so callers can register against the default registry more
// than once without failing.
func (p *promMetrics) register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{p.processCPUPercent, p.processMemoryMB, p.systemCPUPercent, p.systemMemPercent}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the
// default gatherer. The caller is responsible for wiring it to a route.
func Handler() http.Handler { return promhttp.Handler() }
