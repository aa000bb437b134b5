package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExperimentStatus enumerates lifecycle states of an experiment.
type ExperimentStatus string

const (
	StatusQueued    ExperimentStatus = "queued"
	StatusRunning   ExperimentStatus = "running"
	StatusPaused    ExperimentStatus = "paused"
	StatusGraduated ExperimentStatus = "graduated"
	StatusReverted  ExperimentStatus = "reverted"
	StatusCancelled ExperimentStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s ExperimentStatus) Terminal() bool {
	return s == StatusGraduated || s == StatusReverted || s == StatusCancelled
}

// ChangeType categorizes what a hypothesis changes on a page.
type ChangeType string

const (
	ChangeCopy   ChangeType = "copy"
	ChangeImage  ChangeType = "image"
	ChangeLayout ChangeType = "layout"
	ChangeColor  ChangeType = "color"
	ChangeMenu   ChangeType = "menu"
	ChangeOther  ChangeType = "other"
)

// EventType enumerates analytics event kinds.
type EventType string

const (
	EventPageview EventType = "pageview"
	EventClick    EventType = "click"
	EventOrder    EventType = "order"
	EventCustom   EventType = "custom"
)

// Experiment is one hypothesis under test for one site.
//
// Invariant: at most one experiment with status=running per site.
type Experiment struct {
	ID            string           `json:"id"`
	SiteID        string           `json:"site_id"`
	Hypothesis    string           `json:"hypothesis"`
	ChangeType    ChangeType       `json:"change_type"`
	Status        ExperimentStatus `json:"status"`
	PriorityScore float64          `json:"priority_score"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
}

// Variant is one arm of an experiment: exactly two per experiment,
// one of which has IsControl=true. Counters only ever increase and are
// owned by the storage layer (atomic increments, never read-modify-write).
type Variant struct {
	ID           string  `json:"id"`
	ExperimentID string  `json:"experiment_id"`
	IsControl    bool    `json:"is_control"`
	ContentRef   string  `json:"content_ref"`
	Visitors     int64   `json:"visitors"`
	Conversions  int64   `json:"conversions"`
	Revenue      float64 `json:"revenue"`
}

// Rate returns the realized conversion rate, 0 when no visitors yet.
func (v *Variant) Rate() float64 {
	if v.Visitors == 0 {
		return 0
	}
	return float64(v.Conversions) / float64(v.Visitors)
}

// AnalyticsEvent is an immutable, append-only fact about a session.
type AnalyticsEvent struct {
	ID         string          `json:"id"`
	SiteID     string          `json:"site_id"`
	SessionID  string          `json:"session_id"`
	VariantID  string          `json:"variant_id,omitempty"`
	EventType  EventType       `json:"event_type"`
	EventData  json.RawMessage `json:"event_data,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Hypothesis is a pending experiment idea in the backlog.
type Hypothesis struct {
	Text          string     `json:"text"`
	ChangeType    ChangeType `json:"change_type"`
	PriorityScore float64    `json:"priority_score"`
}

// Learning records the outcome of a finished experiment.
type Learning struct {
	Hypothesis    string     `json:"hypothesis"`
	ChangeType    ChangeType `json:"change_type"`
	Result        string     `json:"result"` // "graduated" or "reverted"
	Probability   float64    `json:"probability"`
	ControlRate   float64    `json:"control_rate"`
	TreatmentRate float64    `json:"treatment_rate"`
	RecordedAt    time.Time  `json:"recorded_at"`
}

// OptimizerState holds per-site engine configuration and memory.
type OptimizerState struct {
	SiteID    string       `json:"site_id"`
	Enabled   bool         `json:"enabled"`
	Backlog   []Hypothesis `json:"backlog"`
	Learnings []Learning   `json:"learnings"`
}

// BaselineStats summarizes a site's historical conversion performance,
// computed over the trailing baseline window of analytics events.
type BaselineStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Days   int     `json:"days"` // number of days with data in the window
}

// EngineParams contains thresholds and tuning knobs for the engine.
type EngineParams struct {
	// MinSamples is the per-variant visitor floor before graduation
	// is evaluated at all.
	MinSamples int64 `json:"min_samples"`

	// GraduationThreshold is the probability-best level at which an
	// experiment is decided (for either arm).
	GraduationThreshold float64 `json:"graduation_threshold"`

	// DecisionTrials is the Monte Carlo sample count for graduation
	// decisions. Allocation uses a single posterior draw per variant;
	// the asymmetry is deliberate (cheap per-request decisions,
	// accurate rare graduation checks).
	DecisionTrials int `json:"decision_trials"`

	// AnomalySigma is the z-score beyond which a running experiment
	// is paused.
	AnomalySigma float64 `json:"anomaly_sigma"`

	// BaselineWindow is the trailing window for baseline stats.
	BaselineWindow time.Duration `json:"baseline_window"`

	// BacklogTarget is the backlog size the scheduler refills toward.
	BacklogTarget int `json:"backlog_target"`

	// StickyTTL is the lifetime of a visitor's variant binding.
	StickyTTL time.Duration `json:"sticky_ttl"`

	// CycleTimeout bounds a single optimization cycle; a stuck cycle
	// is abandoned and the next tick proceeds normally.
	CycleTimeout time.Duration `json:"cycle_timeout"`
}

// DefaultEngineParams returns the standard production parameters.
func DefaultEngineParams() EngineParams {
	return EngineParams{
		MinSamples:          100,
		GraduationThreshold: 0.95,
		DecisionTrials:      10000,
		AnomalySigma:        3.0,
		BaselineWindow:      30 * 24 * time.Hour,
		BacklogTarget:       5,
		StickyTTL:           30 * 24 * time.Hour,
		CycleTimeout:        2 * time.Minute,
	}
}

// Decision is the allocator's answer for one visitor request.
type Decision struct {
	VariantID string `json:"variant_id"`
	IsControl bool   `json:"is_control"`

	// SetSticky tells the caller to persist the assignment (cookie or
	// equivalent) for the sticky TTL. False on repeat visits.
	SetSticky bool `json:"set_sticky"`
}

// GraduationOutcome is the result of an auto-graduation check.
type GraduationOutcome struct {
	Graduated bool   `json:"graduated"`
	Reverted  bool   `json:"reverted"`
	WinnerID  string `json:"winner_id,omitempty"`

	// ProbTreatment and ProbControl are the probability-best estimates
	// for the two arms (present whenever enough data existed to compute).
	ProbTreatment float64 `json:"prob_treatment"`
	ProbControl   float64 `json:"prob_control"`

	// PublishErr is set when the decision stood but the artifact swap
	// failed; callers must reconcile by retrying the publish.
	PublishErr string `json:"publish_err,omitempty"`
}

// ConfidenceSnapshot is a cached observability value for status queries,
// refreshed by the cycle scheduler between conversions.
type ConfidenceSnapshot struct {
	ExperimentID  string    `json:"experiment_id"`
	ProbTreatment float64   `json:"prob_treatment"`
	ProbControl   float64   `json:"prob_control"`
	ComputedAt    time.Time `json:"computed_at"`
}

// SiteStatus is the read-only dashboard view of a site.
type SiteStatus struct {
	SiteID      string              `json:"site_id"`
	Enabled     bool                `json:"enabled"`
	Running     *Experiment         `json:"running_experiment,omitempty"`
	Variants    []Variant           `json:"variants,omitempty"`
	Confidence  *ConfidenceSnapshot `json:"confidence,omitempty"`
	BacklogSize int                 `json:"backlog_size"`
	Learnings   []Learning          `json:"learnings"`
}

// Validate performs basic structural validation on an experiment.
func (e *Experiment) Validate() error {
	if e.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}
	if e.Hypothesis == "" {
		return fmt.Errorf("hypothesis is required")
	}
	switch e.Status {
	case StatusQueued, StatusRunning, StatusPaused, StatusGraduated, StatusReverted, StatusCancelled:
	default:
		return fmt.Errorf("invalid status: %s", e.Status)
	}
	return nil
}
