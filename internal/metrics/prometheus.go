package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sizer reports a current population, e.g. live connections.
type Sizer interface {
	Len() int
}

// Gauges are the point-in-time populations exported next to the counters.
type Gauges struct {
	Connections Sizer
	Proposals   Sizer
}

// NewRegistry builds a Prometheus registry holding m's counters, the given
// gauges and the standard Go/process collectors.
func NewRegistry(m *Metrics, g Gauges) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if m != nil {
		reg.MustRegister(m.events)
	}
	if g.Connections != nil {
		reg.MustRegister(sizeGauge("connections", "Live signaling connections.", g.Connections))
	}
	if g.Proposals != nil {
		reg.MustRegister(sizeGauge("proposals", "Stored session proposals, matched or not.", g.Proposals))
	}
	return reg
}

func sizeGauge(name, help string, s Sizer) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "aero",
		Subsystem: "call_signaling",
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(s.Len()) })
}

// PrometheusHandler serves reg in the Prometheus exposition format.
func PrometheusHandler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
