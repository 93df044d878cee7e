package prolific

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts API calls.
	// Labels: method, code (HTTP status or "error")
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labrun",
		Subsystem: "prolific",
		Name:      "requests_total",
		Help:      "Recruitment platform API requests by method and status",
	}, []string{"method", "code"})

	bonusCentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "labrun",
		Subsystem: "prolific",
		Name:      "bonus_cents_total",
		Help:      "Bonus cents confirmed for payment",
	})
)

func observeRequest(method string, code int) {
	requestsTotal.WithLabelValues(method, statusLabel(code)).Inc()
}
