package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Sends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skein_sends_total",
		Help: "Messages accepted by the native send queue.",
	})

	SendRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skein_send_rejects_total",
		Help: "Sends rejected before enqueue, by reason.",
	}, []string{"reason"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skein_deliveries_total",
		Help: "Delivery reports dispatched, by outcome.",
	}, []string{"outcome"})

	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skein_commits_total",
		Help: "Offset commit attempts, by mode and outcome.",
	}, []string{"mode", "outcome"})

	Rebalances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skein_rebalances_total",
		Help: "Rebalance events handled, by kind.",
	}, []string{"kind"})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skein_registry_in_flight",
		Help: "Completions currently pending in the delivery registry.",
	})

	Anomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skein_anomalous_callbacks_total",
		Help: "Native callbacks with no matching registry entry.",
	})
)

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
