package syncables

import "github.com/prometheus/client_golang/prometheus"

var BacklogRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quassel",
	Subsystem: "backlog",
	Name:      "requests",
}, []string{"kind", "outcome"})

var BacklogMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quassel",
	Subsystem: "backlog",
	Name:      "messages",
}, []string{"kind", "outcome"})

var IgnoreRuleCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "quassel",
	Subsystem: "ignore_list",
	Name:      "rules",
})

var IgnoreMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "quassel",
	Subsystem: "ignore_list",
	Name:      "matches",
}, []string{"strictness"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{BacklogRequests, BacklogMessages, IgnoreRuleCount, IgnoreMatches}
}
