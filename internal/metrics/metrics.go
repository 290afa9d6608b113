// Package metrics exposes broker counters over an optional Prometheus
// endpoint.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stomp_broker_active_connections",
		Help: "Number of currently registered client connections.",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stomp_broker_frames_received_total",
		Help: "Client frames processed, by command. Malformed frames count as invalid.",
	}, []string{"command"})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stomp_broker_broadcasts_total",
		Help: "Channel broadcasts performed.",
	})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stomp_broker_messages_delivered_total",
		Help: "Per-subscriber MESSAGE frames queued for delivery.",
	})

	ErrorFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stomp_broker_error_frames_total",
		Help: "ERROR frames sent before terminating a connection.",
	})
)

// Serve starts the /metrics listener. It blocks, so callers run it in a
// goroutine.
func Serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.InfoF("Metrics endpoint listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.ErrorF("Metrics endpoint error: %v", err)
	}
}
