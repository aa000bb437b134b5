// Package store owns all mutable shared state of the engine: experiments,
// variants, analytics events, and per-site optimizer state.
//
// Counter updates are atomic at the storage layer (single UPDATE with
// in-place arithmetic), never read-modify-write in the application, so
// concurrent allocator calls cannot lose increments.
package store

import (
	"context"
	"math"
	"time"

	"github.com/siteloop/optimizer/internal/api"
)

// Store is the persistence contract for the experimentation engine.
type Store interface {
	// CreateExperiment persists an experiment with its two variants as
	// one logical write. IDs are assigned by the store.
	CreateExperiment(ctx context.Context, exp *api.Experiment, control, treatment *api.Variant) error

	// RunningExperiment returns the site's single running experiment,
	// or nil if there is none.
	RunningExperiment(ctx context.Context, siteID string) (*api.Experiment, error)

	// PausedExperiment returns the site's paused experiment, or nil.
	PausedExperiment(ctx context.Context, siteID string) (*api.Experiment, error)

	// TransitionExperiment moves an experiment from one status to
	// another. The transition is conditional on the current status
	// (compare-and-set); it returns false when the experiment was not
	// in the expected state, which makes redundant graduation checks
	// harmless.
	TransitionExperiment(ctx context.Context, experimentID string, from, to api.ExperimentStatus) (bool, error)

	// Variants returns the experiment's variants, control first.
	Variants(ctx context.Context, experimentID string) ([]api.Variant, error)

	// GetVariant returns one variant, or nil if it does not exist.
	GetVariant(ctx context.Context, variantID string) (*api.Variant, error)

	// IncrementVisitors atomically adds one visitor to a variant.
	IncrementVisitors(ctx context.Context, variantID string) error

	// AddConversion atomically adds one conversion and the given
	// revenue to a variant. It returns api.ErrConversionWithoutVisitor
	// when the add would push conversions past visitors.
	AddConversion(ctx context.Context, variantID string, amount float64) error

	// AppendEvent appends an immutable analytics event. The store
	// assigns the ID and timestamp when unset.
	AppendEvent(ctx context.Context, ev *api.AnalyticsEvent) error

	// BaselineStats computes the mean and standard deviation of the
	// site's daily conversion rate over the trailing window.
	BaselineStats(ctx context.Context, siteID string, window time.Duration) (*api.BaselineStats, error)

	// OptimizerState returns the site's optimizer state, creating a
	// default (disabled, empty backlog) row on first access.
	OptimizerState(ctx context.Context, siteID string) (*api.OptimizerState, error)

	// SetEnabled flips the optimizer switch for a site.
	SetEnabled(ctx context.Context, siteID string, enabled bool) error

	// EnabledSites lists the site IDs with the optimizer enabled.
	EnabledSites(ctx context.Context) ([]string, error)

	// SaveBacklog replaces the site's hypothesis backlog.
	SaveBacklog(ctx context.Context, siteID string, backlog []api.Hypothesis) error

	// AppendLearning appends to the site's learnings log.
	AppendLearning(ctx context.Context, siteID string, l api.Learning) error

	// Close releases resources.
	Close() error
}

// dailyRate is one day's aggregate used for baseline computation.
type dailyRate struct {
	pageviews int64
	orders    int64
}

// baselineFromDays folds per-day aggregates into mean/stddev of the
// daily conversion rate. Days without pageviews carry no signal and are
// skipped.
func baselineFromDays(days map[string]dailyRate) *api.BaselineStats {
	rates := make([]float64, 0, len(days))
	for _, d := range days {
		if d.pageviews == 0 {
			continue
		}
		rates = append(rates, float64(d.orders)/float64(d.pageviews))
	}

	stats := &api.BaselineStats{Days: len(rates)}
	if len(rates) == 0 {
		return stats
	}

	sum := 0.0
	for _, r := range rates {
		sum += r
	}
	stats.Mean = sum / float64(len(rates))

	if len(rates) > 1 {
		ss := 0.0
		for _, r := range rates {
			d := r - stats.Mean
			ss += d * d
		}
		stats.StdDev = math.Sqrt(ss / float64(len(rates)-1))
	}
	return stats
}
