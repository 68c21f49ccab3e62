// Package observability exposes prometheus collectors for the session
// supervisor: reconnect scheduling, connect outcomes, and token refreshes.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	reconnectScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "ws",
			Name:      "reconnect_scheduled_total",
			Help:      "Reconnect attempts scheduled, by trigger.",
		},
		[]string{"trigger"},
	)
	reconnectCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "ws",
			Name:      "reconnect_cancelled_total",
			Help:      "Reconnect attempts cancelled before their delay elapsed.",
		},
	)
	connects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "ws",
			Name:      "connect_total",
			Help:      "Websocket connect invocations, by result.",
		},
		[]string{"result"},
	)
	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "plume",
			Subsystem: "ws",
			Name:      "connected",
			Help:      "1 while the websocket reports connected, else 0.",
		},
	)
	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "token",
			Name:      "refresh_total",
			Help:      "Token refresh attempts, by result.",
		},
		[]string{"result"},
	)
)

// RegisterMetrics registers all collectors on the default registry (once).
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(reconnectScheduled, reconnectCancelled, connects, connected, tokenRefreshes)
	})
}

// RecordReconnectScheduled counts one scheduled attempt for a trigger
// ("connectivity" or "token_refresh").
func RecordReconnectScheduled(trigger string) {
	reconnectScheduled.WithLabelValues(trigger).Inc()
}

// RecordReconnectCancelled counts one attempt cancelled during its delay.
func RecordReconnectCancelled() {
	reconnectCancelled.Inc()
}

// RecordConnect counts one connect invocation ("ok" or "error").
func RecordConnect(result string) {
	connects.WithLabelValues(result).Inc()
}

// SetConnected mirrors the transport's connected snapshot into a gauge.
func SetConnected(up bool) {
	if up {
		connected.Set(1)
		return
	}
	connected.Set(0)
}

// RecordTokenRefresh counts one refresh attempt ("ok", "unauthorized" or "error").
func RecordTokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}
