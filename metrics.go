package libquassel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quasseldroid/libquassel/syncables"
)

var MessagesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quassel",
	Subsystem: "session",
	Name:      "messages_in",
}, []string{"type"})

var MessagesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quassel",
	Subsystem: "session",
	Name:      "messages_out",
}, []string{"type"})

var ProtocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quassel",
	Subsystem: "session",
	Name:      "protocol_violations",
}, []string{"reason"})

var HeartbeatLag = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "quassel",
	Subsystem: "session",
	Name:      "heartbeat_lag_seconds",
	Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
})

var SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quassel",
	Subsystem: "session",
	Name:      "state_transitions",
}, []string{"state"})

// Collectors lists every metric of the session and its syncables.
func Collectors() []prometheus.Collector {
	return append([]prometheus.Collector{
		MessagesIn, MessagesOut, ProtocolViolations, HeartbeatLag, SessionTransitions,
	}, syncables.Collectors()...)
}
