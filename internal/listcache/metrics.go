package listcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// refreshesTotal counts refreshes.
	// Labels: cache, target (list, item), result (ok, error)
	refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labrun",
		Subsystem: "listcache",
		Name:      "refreshes_total",
		Help:      "Cache refreshes by target and result",
	}, []string{"cache", "target", "result"})

	itemsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "labrun",
		Subsystem: "listcache",
		Name:      "items",
		Help:      "Items held per cache",
	}, []string{"cache"})
)

func observeRefresh(cache, target string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	refreshesTotal.WithLabelValues(cache, target, result).Inc()
}
