package brokkr

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the server's request path. Pass nil to NewServer
// to run uninstrumented, e.g. in tests.
type Metrics struct {
	RequestsHandled metrics.Counter
	RequestLatency  metrics.Histogram
	BytesIn         metrics.Counter
	BytesOut        metrics.Counter
	FetchesServed   metrics.Counter
}

// NewMetrics builds prometheus meters on the default registerer. Call
// it once per process and scrape the result from the HTTP listener.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsHandled: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "brokkr",
			Subsystem: "server",
			Name:      "requests_handled_total",
			Help:      "Requests handled, by api.",
		}, []string{"api"}),
		RequestLatency: kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
			Namespace: "brokkr",
			Subsystem: "server",
			Name:      "request_latency_seconds",
			Help:      "Seconds from request decode to response write, by api.",
		}, []string{"api"}),
		BytesIn: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "brokkr",
			Subsystem: "server",
			Name:      "bytes_in_total",
			Help:      "Bytes read off client connections.",
		}, []string{}),
		BytesOut: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "brokkr",
			Subsystem: "server",
			Name:      "bytes_out_total",
			Help:      "Bytes written to client connections.",
		}, []string{}),
		FetchesServed: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "brokkr",
			Subsystem: "server",
			Name:      "fetches_served_total",
			Help:      "Fetch responses, by whether the poll returned records.",
		}, []string{"outcome"}),
	}
}

func nopMetrics() *Metrics {
	return &Metrics{
		RequestsHandled: discard.NewCounter(),
		RequestLatency:  discard.NewHistogram(),
		BytesIn:         discard.NewCounter(),
		BytesOut:        discard.NewCounter(),
		FetchesServed:   discard.NewCounter(),
	}
}
