package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookmta_auth_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"kind",    // smtp, submission
			"variant", // plain, login
			"result",  // ok, baduser, disabled, badcreds, ratelimited, error, aborted
		},
	)
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}
