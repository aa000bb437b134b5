package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteloop/optimizer/internal/api"
)

// PostgresStore persists engine state in Postgres via pgxpool.
//
// Counter updates use in-place arithmetic (visitors = visitors + 1) so
// they are linearizable without application-level locking.
//
// Schema:
//
//	CREATE TABLE experiments (
//	  id UUID PRIMARY KEY,
//	  site_id VARCHAR(255) NOT NULL,
//	  hypothesis TEXT NOT NULL,
//	  change_type VARCHAR(32) NOT NULL,
//	  status VARCHAR(32) NOT NULL,
//	  priority_score DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  started_at TIMESTAMPTZ,
//	  ended_at TIMESTAMPTZ
//	);
//	CREATE UNIQUE INDEX idx_experiments_one_running
//	  ON experiments(site_id) WHERE status = 'running';
//
//	CREATE TABLE variants (
//	  id UUID PRIMARY KEY,
//	  experiment_id UUID NOT NULL REFERENCES experiments(id),
//	  is_control BOOLEAN NOT NULL,
//	  content_ref TEXT NOT NULL,
//	  visitors BIGINT NOT NULL DEFAULT 0,
//	  conversions BIGINT NOT NULL DEFAULT 0,
//	  revenue DOUBLE PRECISION NOT NULL DEFAULT 0
//	);
//
//	CREATE TABLE analytics_events (
//	  id UUID PRIMARY KEY,
//	  site_id VARCHAR(255) NOT NULL,
//	  session_id VARCHAR(255) NOT NULL,
//	  variant_id UUID,
//	  event_type VARCHAR(32) NOT NULL,
//	  event_data JSONB,
//	  occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_events_site_time ON analytics_events(site_id, occurred_at);
//
//	CREATE TABLE optimizer_states (
//	  site_id VARCHAR(255) PRIMARY KEY,
//	  enabled BOOLEAN NOT NULL DEFAULT false,
//	  backlog JSONB NOT NULL DEFAULT '[]',
//	  learnings JSONB NOT NULL DEFAULT '[]'
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) CreateExperiment(ctx context.Context, exp *api.Experiment, control, treatment *api.Variant) error {
	if err := exp.Validate(); err != nil {
		return fmt.Errorf("invalid experiment: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	exp.ID = uuid.NewString()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO experiments (id, site_id, hypothesis, change_type, status, priority_score, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, exp.ID, exp.SiteID, exp.Hypothesis, exp.ChangeType, exp.Status, exp.PriorityScore, exp.CreatedAt, exp.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert experiment: %w", err)
	}

	for _, v := range []*api.Variant{control, treatment} {
		v.ID = uuid.NewString()
		v.ExperimentID = exp.ID
		_, err = tx.Exec(ctx, `
			INSERT INTO variants (id, experiment_id, is_control, content_ref)
			VALUES ($1, $2, $3, $4)
		`, v.ID, v.ExperimentID, v.IsControl, v.ContentRef)
		if err != nil {
			return fmt.Errorf("failed to insert variant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) RunningExperiment(ctx context.Context, siteID string) (*api.Experiment, error) {
	return p.experimentByStatus(ctx, siteID, api.StatusRunning)
}

func (p *PostgresStore) PausedExperiment(ctx context.Context, siteID string) (*api.Experiment, error) {
	return p.experimentByStatus(ctx, siteID, api.StatusPaused)
}

func (p *PostgresStore) experimentByStatus(ctx context.Context, siteID string, status api.ExperimentStatus) (*api.Experiment, error) {
	var exp api.Experiment
	err := p.pool.QueryRow(ctx, `
		SELECT id, site_id, hypothesis, change_type, status, priority_score, created_at, started_at, ended_at
		FROM experiments
		WHERE site_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, siteID, status).Scan(&exp.ID, &exp.SiteID, &exp.Hypothesis, &exp.ChangeType, &exp.Status,
		&exp.PriorityScore, &exp.CreatedAt, &exp.StartedAt, &exp.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("experiment query failed: %w", err)
	}
	return &exp, nil
}

func (p *PostgresStore) TransitionExperiment(ctx context.Context, experimentID string, from, to api.ExperimentStatus) (bool, error) {
	var endedAt any
	if to.Terminal() {
		endedAt = time.Now().UTC()
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE experiments
		SET status = $1, ended_at = COALESCE($2, ended_at)
		WHERE id = $3 AND status = $4
	`, to, endedAt, experimentID, from)
	if err != nil {
		return false, fmt.Errorf("transition failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) Variants(ctx context.Context, experimentID string) ([]api.Variant, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, experiment_id, is_control, content_ref, visitors, conversions, revenue
		FROM variants
		WHERE experiment_id = $1
		ORDER BY is_control DESC
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("variants query failed: %w", err)
	}
	defer rows.Close()

	var variants []api.Variant
	for rows.Next() {
		var v api.Variant
		if err := rows.Scan(&v.ID, &v.ExperimentID, &v.IsControl, &v.ContentRef, &v.Visitors, &v.Conversions, &v.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func (p *PostgresStore) GetVariant(ctx context.Context, variantID string) (*api.Variant, error) {
	var v api.Variant
	err := p.pool.QueryRow(ctx, `
		SELECT id, experiment_id, is_control, content_ref, visitors, conversions, revenue
		FROM variants
		WHERE id = $1
	`, variantID).Scan(&v.ID, &v.ExperimentID, &v.IsControl, &v.ContentRef, &v.Visitors, &v.Conversions, &v.Revenue)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("variant query failed: %w", err)
	}
	return &v, nil
}

func (p *PostgresStore) IncrementVisitors(ctx context.Context, variantID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE variants SET visitors = visitors + 1 WHERE id = $1
	`, variantID)
	if err != nil {
		return fmt.Errorf("visitor increment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return api.ErrExperimentNotFound
	}
	return nil
}

func (p *PostgresStore) AddConversion(ctx context.Context, variantID string, amount float64) error {
	// The guard keeps conversions <= visitors under concurrency; a
	// conversion for an uncounted visitor is rejected, not recorded.
	tag, err := p.pool.Exec(ctx, `
		UPDATE variants
		SET conversions = conversions + 1, revenue = revenue + $1
		WHERE id = $2 AND conversions < visitors
	`, amount, variantID)
	if err != nil {
		return fmt.Errorf("conversion update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		v, err := p.GetVariant(ctx, variantID)
		if err != nil {
			return err
		}
		if v == nil {
			return api.ErrExperimentNotFound
		}
		return api.ErrConversionWithoutVisitor
	}
	return nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *api.AnalyticsEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	var variantID any
	if ev.VariantID != "" {
		variantID = ev.VariantID
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO analytics_events (id, site_id, session_id, variant_id, event_type, event_data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.SiteID, ev.SessionID, variantID, ev.EventType, ev.EventData, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("event append failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) BaselineStats(ctx context.Context, siteID string, window time.Duration) (*api.BaselineStats, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT date_trunc('day', occurred_at)::date::text AS day,
		       COUNT(*) FILTER (WHERE event_type = 'pageview') AS pageviews,
		       COUNT(*) FILTER (WHERE event_type = 'order') AS orders
		FROM analytics_events
		WHERE site_id = $1 AND occurred_at > NOW() - $2::interval
		GROUP BY 1
	`, siteID, fmt.Sprintf("%d seconds", int64(window.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("baseline query failed: %w", err)
	}
	defer rows.Close()

	days := make(map[string]dailyRate)
	for rows.Next() {
		var day string
		var d dailyRate
		if err := rows.Scan(&day, &d.pageviews, &d.orders); err != nil {
			return nil, fmt.Errorf("failed to scan baseline row: %w", err)
		}
		days[day] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("baseline rows failed: %w", err)
	}
	return baselineFromDays(days), nil
}

func (p *PostgresStore) OptimizerState(ctx context.Context, siteID string) (*api.OptimizerState, error) {
	// Create-on-first-access keeps the engine stateless over per-site
	// rows; ON CONFLICT makes concurrent first access safe.
	_, err := p.pool.Exec(ctx, `
		INSERT INTO optimizer_states (site_id) VALUES ($1)
		ON CONFLICT (site_id) DO NOTHING
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("optimizer state init failed: %w", err)
	}

	state := &api.OptimizerState{SiteID: siteID}
	var backlogJSON, learningsJSON []byte
	err = p.pool.QueryRow(ctx, `
		SELECT enabled, backlog, learnings FROM optimizer_states WHERE site_id = $1
	`, siteID).Scan(&state.Enabled, &backlogJSON, &learningsJSON)
	if err != nil {
		return nil, fmt.Errorf("optimizer state query failed: %w", err)
	}

	if err := json.Unmarshal(backlogJSON, &state.Backlog); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backlog: %w", err)
	}
	if err := json.Unmarshal(learningsJSON, &state.Learnings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal learnings: %w", err)
	}
	return state, nil
}

func (p *PostgresStore) SetEnabled(ctx context.Context, siteID string, enabled bool) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO optimizer_states (site_id, enabled) VALUES ($1, $2)
		ON CONFLICT (site_id) DO UPDATE SET enabled = $2
	`, siteID, enabled)
	if err != nil {
		return fmt.Errorf("toggle failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) EnabledSites(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT site_id FROM optimizer_states WHERE enabled ORDER BY site_id
	`)
	if err != nil {
		return nil, fmt.Errorf("enabled sites query failed: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan site id: %w", err)
		}
		sites = append(sites, id)
	}
	return sites, rows.Err()
}

func (p *PostgresStore) SaveBacklog(ctx context.Context, siteID string, backlog []api.Hypothesis) error {
	if backlog == nil {
		backlog = []api.Hypothesis{}
	}
	data, err := json.Marshal(backlog)
	if err != nil {
		return fmt.Errorf("failed to marshal backlog: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO optimizer_states (site_id, backlog) VALUES ($1, $2)
		ON CONFLICT (site_id) DO UPDATE SET backlog = $2
	`, siteID, data)
	if err != nil {
		return fmt.Errorf("backlog save failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) AppendLearning(ctx context.Context, siteID string, l api.Learning) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal learning: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO optimizer_states (site_id, learnings) VALUES ($1, jsonb_build_array($2::jsonb))
		ON CONFLICT (site_id) DO UPDATE SET learnings = optimizer_states.learnings || $2::jsonb
	`, siteID, data)
	if err != nil {
		return fmt.Errorf("learning append failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
