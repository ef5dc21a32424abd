package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	TokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagewatch_tokens_issued_total",
		Help: "Total number of tokens issued.",
	})
	TokensRefreshedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagewatch_tokens_refreshed_total",
		Help: "Total number of successful token check-and-refresh calls.",
	})
	TokensEvictedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagewatch_tokens_evicted_total",
		Help: "Total number of tokens removed by cleanup, by reason.",
	}, []string{"reason"})
	LoginSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagewatch_logins_success_total",
		Help: "Total number of successful logins.",
	})
	LoginFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagewatch_logins_failure_total",
		Help: "Total number of failed logins, by reason.",
	}, []string{"reason"})
	ScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagewatch_scans_total",
		Help: "Total number of completed directory scans.",
	})
	DeltasBroadcastTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagewatch_deltas_broadcast_total",
		Help: "Total number of change deltas applied to the baseline and broadcast.",
	})
	BaselineSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imagewatch_baseline_files",
		Help: "Number of files in the current baseline.",
	})
	SubscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imagewatch_subscribers",
		Help: "Number of registered live subscribers.",
	})
	SubscribersDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagewatch_subscribers_dropped_total",
		Help: "Total number of subscribers dropped after a failed delivery.",
	})
)

// InitCustomMetrics registers the collectors above with reg.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}

	collectors := map[string]prometheus.Collector{
		"TokensIssuedTotal":       TokensIssuedTotal,
		"TokensRefreshedTotal":    TokensRefreshedTotal,
		"TokensEvictedTotal":      TokensEvictedTotal,
		"LoginSuccessTotal":       LoginSuccessTotal,
		"LoginFailureTotal":       LoginFailureTotal,
		"ScansTotal":              ScansTotal,
		"DeltasBroadcastTotal":    DeltasBroadcastTotal,
		"BaselineSizeGauge":       BaselineSizeGauge,
		"SubscribersGauge":        SubscribersGauge,
		"SubscribersDroppedTotal": SubscribersDroppedTotal,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}
