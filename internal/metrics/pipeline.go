package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(dispatchSeconds, verificationTotal)
}

var (
	dispatchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backpost_dispatch_seconds",
			Help:    "Publisher process wall time.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"network", "outcome"},
	)

	verificationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpost_verification_total",
			Help: "Verification results, by status and reason.",
		},
		[]string{"status", "reason"},
	)
)

// ObserveDispatch records one publisher run. outcome is "ok" or an error code.
func ObserveDispatch(network, outcome string, d time.Duration) {
	dispatchSeconds.WithLabelValues(norm(network), norm(outcome)).Observe(d.Seconds())
}

func IncVerification(status, reason string) {
	verificationTotal.WithLabelValues(norm(status), norm(reason)).Inc()
}
