// Package storage provides the persistence collaborators of the sync
// engine: Postgres-backed records, S3 evidence blobs, audit log and
// notification sinks.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5/pgxpool"
	gocache "github.com/patrickmn/go-cache"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/evidentia-grc/evidentia/internal/collector"
)

// Postgres implements collector.Store plus the audit and notification
// sinks on one shared pgx pool.
type Postgres struct {
	db *pgxpool.Pool
	// integrationCache keeps the scheduler's per-poll integration reads
	// off the hot path; integration configs change rarely.
	integrationCache *gocache.Cache
}

// NewPostgres connects using POSTGRES_* environment variables, verifies
// the connection and bootstraps the schema.
func NewPostgres(ctx context.Context) (*Postgres, error) {
	host, err := env.GetAsString("POSTGRES_HOST", false, "db")
	if err != nil {
		return nil, err
	}
	port, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		return nil, err
	}
	user, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		return nil, err
	}
	password, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		return nil, err
	}
	database, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, password, host, port, database)
	return Connect(ctx, dsn)
}

// Connect opens a pool against an explicit DSN.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	p := &Postgres{
		db:               pool,
		integrationCache: gocache.New(time.Minute, 5*time.Minute),
	}
	if err = p.migrate(ctx); err != nil {
		return nil, err
	}
	zap.S().Infof("Connected to postgres at %s", pool.Config().ConnConfig.Host)
	return p, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.db.Close()
}

// HealthCheck reports database reachability for the readiness probe.
func (p *Postgres) HealthCheck() healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.db.Ping(ctx)
	}
}

func (p *Postgres) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			config JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS collectors (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			control_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'http',
			integration_id TEXT NOT NULL DEFAULT '',
			integration_type TEXT NOT NULL DEFAULT '',
			target JSONB NOT NULL DEFAULT '{}'::jsonb,
			auth_type TEXT NOT NULL DEFAULT 'none',
			auth_config JSONB NOT NULL DEFAULT '{}'::jsonb,
			mapping JSONB NOT NULL DEFAULT '{}'::jsonb,
			schedule_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			frequency TEXT NOT NULL DEFAULT '',
			next_run_at TIMESTAMPTZ,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_run_at TIMESTAMPTZ,
			last_run_status TEXT NOT NULL DEFAULT '',
			last_run_error TEXT NOT NULL DEFAULT '',
			total_runs INTEGER NOT NULL DEFAULT 0,
			successful_runs INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_collectors_due
			ON collectors (next_run_at)
			WHERE is_active AND schedule_enabled`,
		`CREATE TABLE IF NOT EXISTS collector_runs (
			id TEXT PRIMARY KEY,
			collector_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			response_code INTEGER,
			evidence_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			log JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			control_id TEXT NOT NULL DEFAULT '',
			collector_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			data JSONB,
			storage_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evidence_links (
			evidence_id TEXT NOT NULL,
			control_id TEXT NOT NULL,
			PRIMARY KEY (evidence_id, control_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'info',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, statement := range statements {
		if _, err := p.db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

const collectorColumns = `id, organization_id, control_id, name, mode, integration_id,
	integration_type, target, auth_type, auth_config, mapping, schedule_enabled,
	frequency, next_run_at, timeout_ms, max_retries, is_active, last_run_at,
	last_run_status, last_run_error, total_runs, successful_runs`

type collectorScanner interface {
	Scan(dest ...any) error
}

func scanCollector(row collectorScanner) (*collector.Collector, error) {
	var c collector.Collector
	var targetRaw, authRaw, mappingRaw []byte
	var authType string
	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.ControlID, &c.Name, &c.Mode, &c.IntegrationID,
		&c.IntegrationType, &targetRaw, &authType, &authRaw, &mappingRaw, &c.ScheduleEnabled,
		&c.Frequency, &c.NextRunAt, &c.TimeoutMs, &c.MaxRetries, &c.IsActive, &c.LastRunAt,
		&c.LastRunStatus, &c.LastRunError, &c.TotalRuns, &c.SuccessfulRuns,
	)
	if err != nil {
		return nil, err
	}

	if err = json.Unmarshal(targetRaw, &c.Target); err != nil {
		return nil, fmt.Errorf("collector %s has malformed target: %w", c.ID, err)
	}
	if err = json.Unmarshal(mappingRaw, &c.Mapping); err != nil {
		return nil, fmt.Errorf("collector %s has malformed mapping: %w", c.ID, err)
	}

	var authConfig map[string]any
	if err = json.Unmarshal(authRaw, &authConfig); err != nil {
		return nil, fmt.Errorf("collector %s has malformed auth config: %w", c.ID, err)
	}
	c.Auth, err = collector.ParseAuthConfig(authType, authConfig)
	if err != nil {
		return nil, fmt.Errorf("collector %s: %w", c.ID, err)
	}
	return &c, nil
}

// GetCollector loads one collector scoped to its organization.
func (p *Postgres) GetCollector(ctx context.Context, collectorID string, organizationID string) (*collector.Collector, error) {
	row := p.db.QueryRow(ctx,
		`SELECT `+collectorColumns+` FROM collectors WHERE id = $1 AND organization_id = $2`,
		collectorID, organizationID)
	return scanCollector(row)
}

// GetIntegration loads a linked integration, served from a short TTL
// cache when possible.
func (p *Postgres) GetIntegration(ctx context.Context, integrationID string) (*collector.Integration, error) {
	if cached, ok := p.integrationCache.Get(integrationID); ok {
		return cached.(*collector.Integration), nil
	}

	var integration collector.Integration
	var configRaw []byte
	err := p.db.QueryRow(ctx,
		`SELECT id, organization_id, type, name, base_url, config FROM integrations WHERE id = $1`,
		integrationID,
	).Scan(&integration.ID, &integration.OrganizationID, &integration.Type,
		&integration.Name, &integration.BaseURL, &configRaw)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(configRaw, &integration.Config); err != nil {
		return nil, fmt.Errorf("integration %s has malformed config: %w", integrationID, err)
	}

	p.integrationCache.SetDefault(integrationID, &integration)
	return &integration, nil
}

// CreateRun inserts a new run record.
func (p *Postgres) CreateRun(ctx context.Context, run *collector.Run) error {
	logRaw, err := json.Marshal(run.Log)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO collector_runs (id, collector_id, status, started_at, log)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.CollectorID, run.Status, run.StartedAt, logRaw)
	return err
}

// UpdateRun records the terminal outcome of a run.
func (p *Postgres) UpdateRun(ctx context.Context, run *collector.Run) error {
	logRaw, err := json.Marshal(run.Log)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx,
		`UPDATE collector_runs
		 SET status = $2, completed_at = $3, response_code = $4, evidence_id = $5,
		     error_message = $6, log = $7
		 WHERE id = $1`,
		run.ID, run.Status, run.CompletedAt, run.ResponseCode, run.EvidenceID,
		run.ErrorMessage, logRaw)
	return err
}

// UpdateCollectorStats persists the running statistics and recomputed
// schedule after a run.
func (p *Postgres) UpdateCollectorStats(ctx context.Context, c *collector.Collector) error {
	_, err := p.db.Exec(ctx,
		`UPDATE collectors
		 SET last_run_at = $2, last_run_status = $3, last_run_error = $4,
		     total_runs = $5, successful_runs = $6, next_run_at = $7
		 WHERE id = $1`,
		c.ID, c.LastRunAt, c.LastRunStatus, c.LastRunError,
		c.TotalRuns, c.SuccessfulRuns, c.NextRunAt)
	return err
}

// CreateEvidence inserts the derived evidence record.
func (p *Postgres) CreateEvidence(ctx context.Context, evidence *collector.Evidence) error {
	dataRaw, err := json.Marshal(evidence.Data)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO evidence (id, organization_id, control_id, collector_id, title,
			description, data, storage_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		evidence.ID, evidence.OrganizationID, evidence.ControlID, evidence.CollectorID,
		evidence.Title, evidence.Description, dataRaw, evidence.StoragePath, evidence.CreatedAt)
	return err
}

// LinkEvidence attaches evidence to its originating control.
func (p *Postgres) LinkEvidence(ctx context.Context, evidenceID string, controlID string) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO evidence_links (evidence_id, control_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		evidenceID, controlID)
	return err
}

// DueCollectors returns the active, schedule-enabled collectors whose
// next run time has passed.
func (p *Postgres) DueCollectors(ctx context.Context, now time.Time) ([]collector.Collector, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+collectorColumns+` FROM collectors
		 WHERE is_active AND schedule_enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY next_run_at`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []collector.Collector
	for rows.Next() {
		c, err := scanCollector(rows)
		if err != nil {
			// A single malformed collector must not starve the batch.
			zap.S().Errorf("Skipping malformed due collector: %s", err)
			continue
		}
		due = append(due, *c)
	}
	return due, rows.Err()
}

// Log records an audit entry. Failures are swallowed (logged locally) and
// never abort a run.
func (p *Postgres) Log(ctx context.Context, entry collector.AuditEntry) {
	metadataRaw, err := json.Marshal(entry.Metadata)
	if err != nil {
		zap.S().Warnf("Failed to serialize audit metadata: %s", err)
		metadataRaw = []byte("{}")
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO audit_logs (id, organization_id, user_id, action, entity_type,
			entity_id, description, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), entry.OrganizationID, entry.UserID, entry.Action,
		entry.EntityType, entry.EntityID, entry.Description, metadataRaw)
	if err != nil {
		zap.S().Warnf("Failed to write audit log entry for %s/%s: %s", entry.EntityType, entry.EntityID, err)
	}
}

// Create delivers a notification record.
func (p *Postgres) Create(ctx context.Context, n collector.Notification) error {
	metadataRaw, err := json.Marshal(n.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO notifications (id, organization_id, user_id, type, title, message,
			severity, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), n.OrganizationID, n.UserID, n.Type, n.Title, n.Message,
		n.Severity, metadataRaw)
	return err
}
