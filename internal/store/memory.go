package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/siteloop/optimizer/internal/api"
)

// MemoryStore is an in-memory Store for tests and single-node setups.
// All invariants of the Postgres store hold; increments happen under
// one lock so they cannot be lost.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*api.Experiment
	variants    map[string]*api.Variant
	events      []api.AnalyticsEvent
	states      map[string]*api.OptimizerState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*api.Experiment),
		variants:    make(map[string]*api.Variant),
		states:      make(map[string]*api.OptimizerState),
	}
}

func (m *MemoryStore) CreateExperiment(ctx context.Context, exp *api.Experiment, control, treatment *api.Variant) error {
	if err := exp.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exp.ID = uuid.NewString()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}
	cp := *exp
	m.experiments[exp.ID] = &cp

	for _, v := range []*api.Variant{control, treatment} {
		v.ID = uuid.NewString()
		v.ExperimentID = exp.ID
		vc := *v
		m.variants[v.ID] = &vc
	}
	return nil
}

func (m *MemoryStore) RunningExperiment(ctx context.Context, siteID string) (*api.Experiment, error) {
	return m.experimentByStatus(siteID, api.StatusRunning), nil
}

func (m *MemoryStore) PausedExperiment(ctx context.Context, siteID string) (*api.Experiment, error) {
	return m.experimentByStatus(siteID, api.StatusPaused), nil
}

func (m *MemoryStore) experimentByStatus(siteID string, status api.ExperimentStatus) *api.Experiment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *api.Experiment
	for _, exp := range m.experiments {
		if exp.SiteID != siteID || exp.Status != status {
			continue
		}
		if latest == nil || exp.CreatedAt.After(latest.CreatedAt) {
			latest = exp
		}
	}
	if latest == nil {
		return nil
	}
	cp := *latest
	return &cp
}

func (m *MemoryStore) TransitionExperiment(ctx context.Context, experimentID string, from, to api.ExperimentStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.experiments[experimentID]
	if !ok || exp.Status != from {
		return false, nil
	}
	exp.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		exp.EndedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) Variants(ctx context.Context, experimentID string) ([]api.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var variants []api.Variant
	for _, v := range m.variants {
		if v.ExperimentID == experimentID {
			variants = append(variants, *v)
		}
	}
	// Control first, matching the Postgres ordering.
	for i, v := range variants {
		if v.IsControl && i != 0 {
			variants[0], variants[i] = variants[i], variants[0]
		}
	}
	return variants, nil
}

func (m *MemoryStore) GetVariant(ctx context.Context, variantID string) (*api.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.variants[variantID]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) IncrementVisitors(ctx context.Context, variantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.variants[variantID]
	if !ok {
		return api.ErrExperimentNotFound
	}
	v.Visitors++
	return nil
}

func (m *MemoryStore) AddConversion(ctx context.Context, variantID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.variants[variantID]
	if !ok {
		return api.ErrExperimentNotFound
	}
	if v.Conversions >= v.Visitors {
		return api.ErrConversionWithoutVisitor
	}
	v.Conversions++
	v.Revenue += amount
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *api.AnalyticsEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *MemoryStore) BaselineStats(ctx context.Context, siteID string, window time.Duration) (*api.BaselineStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	days := make(map[string]dailyRate)
	for _, ev := range m.events {
		if ev.SiteID != siteID || ev.OccurredAt.Before(cutoff) {
			continue
		}
		day := ev.OccurredAt.Format("2006-01-02")
		d := days[day]
		switch ev.EventType {
		case api.EventPageview:
			d.pageviews++
		case api.EventOrder:
			d.orders++
		}
		days[day] = d
	}
	return baselineFromDays(days), nil
}

func (m *MemoryStore) OptimizerState(ctx context.Context, siteID string) (*api.OptimizerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(siteID)
	cp := *state
	cp.Backlog = append([]api.Hypothesis(nil), state.Backlog...)
	cp.Learnings = append([]api.Learning(nil), state.Learnings...)
	return &cp, nil
}

func (m *MemoryStore) stateLocked(siteID string) *api.OptimizerState {
	state, ok := m.states[siteID]
	if !ok {
		state = &api.OptimizerState{SiteID: siteID, Backlog: []api.Hypothesis{}, Learnings: []api.Learning{}}
		m.states[siteID] = state
	}
	return state
}

func (m *MemoryStore) SetEnabled(ctx context.Context, siteID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(siteID).Enabled = enabled
	return nil
}

func (m *MemoryStore) EnabledSites(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sites []string
	for id, state := range m.states {
		if state.Enabled {
			sites = append(sites, id)
		}
	}
	sort.Strings(sites)
	return sites, nil
}

func (m *MemoryStore) SaveBacklog(ctx context.Context, siteID string, backlog []api.Hypothesis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(siteID).Backlog = append([]api.Hypothesis(nil), backlog...)
	return nil
}

func (m *MemoryStore) AppendLearning(ctx context.Context, siteID string, l api.Learning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(siteID)
	state.Learnings = append(state.Learnings, l)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
