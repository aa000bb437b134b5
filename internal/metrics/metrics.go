package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus counters for the experimentation engine.
type Metrics struct {
	// Request-path counters
	AllocationsTotal prometheus.Counter
	StickyHits       prometheus.Counter
	NoExperiment     prometheus.Counter
	ConversionsTotal prometheus.Counter

	// Lifecycle counters
	Graduations   prometheus.Counter
	Reversions    prometheus.Counter
	AnomalyPauses prometheus.Counter
	Resumes       prometheus.Counter

	// Scheduler counters
	CyclesRun      prometheus.Counter
	CyclesDropped  prometheus.Counter
	CycleErrors    prometheus.Counter
	RefillFailures prometheus.Counter

	// Per-site labeled metrics
	AllocationsBySite *prometheus.CounterVec
	ConversionsBySite *prometheus.CounterVec
	RevenueBySite     *prometheus.CounterVec
	ConfidenceBySite  *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		AllocationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_allocations_total",
			Help: "Total number of fresh variant allocations",
		}),
		StickyHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_sticky_hits",
			Help: "Number of allocate calls answered from a sticky assignment",
		}),
		NoExperiment: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_no_experiment",
			Help: "Number of allocate calls for sites without a running experiment",
		}),
		ConversionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_conversions_total",
			Help: "Total number of recorded conversions",
		}),
		Graduations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_graduations",
			Help: "Number of experiments graduated (treatment adopted)",
		}),
		Reversions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_reversions",
			Help: "Number of experiments reverted (control kept)",
		}),
		AnomalyPauses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_anomaly_pauses",
			Help: "Number of experiments paused by anomaly detection",
		}),
		Resumes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_resumes",
			Help: "Number of paused experiments resumed after the anomaly cleared",
		}),
		CyclesRun: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_cycles_run",
			Help: "Number of optimization cycles executed",
		}),
		CyclesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_cycles_dropped",
			Help: "Number of optimization cycles dropped because one was already in flight",
		}),
		CycleErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_cycle_errors",
			Help: "Number of optimization cycles that ended with an error",
		}),
		RefillFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_refill_failures",
			Help: "Number of failed backlog hypothesis refills",
		}),

		AllocationsBySite: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opt_allocations_by_site",
				Help: "Fresh variant allocations per site",
			},
			[]string{"site_id"},
		),
		ConversionsBySite: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opt_conversions_by_site",
				Help: "Recorded conversions per site",
			},
			[]string{"site_id"},
		),
		RevenueBySite: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opt_revenue_by_site",
				Help: "Accumulated conversion revenue per site",
			},
			[]string{"site_id"},
		),
		ConfidenceBySite: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "opt_treatment_confidence_by_site",
				Help: "Cached probability that the treatment arm is best, per site",
			},
			[]string{"site_id"},
		),
	}
}
