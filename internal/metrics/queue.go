package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(claimsTotal, claimContentionTotal, jobsFinishedTotal, watchdogTotal)
}

var (
	claimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backpost_claims_total",
		Help: "Jobs successfully claimed by this process.",
	})

	claimContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backpost_claim_contention_total",
		Help: "Claim attempts lost to a concurrent worker.",
	})

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpost_jobs_finished_total",
			Help: "Jobs written to a terminal status, by status.",
		},
		[]string{"status"},
	)

	watchdogTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backpost_watchdog_total",
			Help: "Stuck jobs handled by the watchdog, by action.",
		},
		[]string{"action"}, // released | failed
	)
)

func IncClaim()      { claimsTotal.Inc() }
func IncContention() { claimContentionTotal.Inc() }

func IncJobFinished(status string) {
	jobsFinishedTotal.WithLabelValues(norm(status)).Inc()
}

func AddWatchdog(action string, n int) {
	if n <= 0 {
		return
	}
	watchdogTotal.WithLabelValues(norm(action)).Add(float64(n))
}
