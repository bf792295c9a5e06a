package prometheus

import (
	nethttp "net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) nethttp.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
