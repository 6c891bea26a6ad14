package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawpeak/feature-engine/internal/metrics"
	"github.com/rawpeak/feature-engine/pkg/models"
)

// PostgresStore persists finished runs and their features. The
// pipeline itself never touches it: persistence is a collaborator
// bolted on after FindFeatures returns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for Feature Engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Feature Engine schema initialized")
	return nil
}

// SaveRun persists one finished run: the run row, its summary, and
// every feature, in a single transaction.
func (s *PostgresStore) SaveRun(ctx context.Context, runID string, configJSON []byte, result models.RunResult, summary metrics.RunSummary) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	statsJSON, err := json.Marshal(result.Statistics)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %v", err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %v", err)
	}

	insertRunSQL := `
		INSERT INTO runs (run_id, config, statistics, summary, feature_count, cancelled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE
		SET statistics = EXCLUDED.statistics, summary = EXCLUDED.summary,
		    feature_count = EXCLUDED.feature_count, cancelled = EXCLUDED.cancelled;
	`
	_, err = tx.Exec(ctx, insertRunSQL, runID, configJSON, statsJSON, summaryJSON,
		len(result.Features), result.Statistics.Cancelled)
	if err != nil {
		return fmt.Errorf("failed to insert run: %v", err)
	}

	insertFeatureSQL := `
		INSERT INTO features
		(run_id, feature_idx, mono_mz, mono_mass, charge, rt_apex, rt_start, rt_end, intensity, quality, hull, traces)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`
	for i, f := range result.Features {
		hullJSON, err := json.Marshal(f.Hull)
		if err != nil {
			return fmt.Errorf("failed to marshal hull: %v", err)
		}
		tracesJSON, err := json.Marshal(f.Traces)
		if err != nil {
			return fmt.Errorf("failed to marshal traces: %v", err)
		}
		_, err = tx.Exec(ctx, insertFeatureSQL,
			runID, i, f.MonoisotopicMz, f.MonoisotopicMass, int(f.Charge),
			f.RTApex, f.RTStart, f.RTEnd, f.Intensity, f.Quality, hullJSON, tracesJSON)
		if err != nil {
			return fmt.Errorf("failed to insert feature %d: %v", i, err)
		}
	}

	return tx.Commit(ctx)
}

// RunInfo is the run-list view served by the API.
type RunInfo struct {
	RunID        string          `json:"runId"`
	FeatureCount int             `json:"featureCount"`
	Cancelled    bool            `json:"cancelled"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	CreatedAt    string          `json:"createdAt"`
}

// GetRuns pages through recorded runs, newest first.
func (s *PostgresStore) GetRuns(ctx context.Context, page, limit int) ([]RunInfo, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var totalCount int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&totalCount); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT run_id, feature_count, cancelled, summary, created_at::text
		FROM runs ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	runs := []RunInfo{}
	for rows.Next() {
		var r RunInfo
		if err := rows.Scan(&r.RunID, &r.FeatureCount, &r.Cancelled, &r.Summary, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	return runs, totalCount, nil
}

// GetFeatures pages through one run's features in emission order.
func (s *PostgresStore) GetFeatures(ctx context.Context, runID string, page, limit int) ([]models.Feature, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var totalCount int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM features WHERE run_id = $1`, runID).Scan(&totalCount); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT mono_mz, mono_mass, charge, rt_apex, rt_start, rt_end, intensity, quality, hull, traces
		FROM features WHERE run_id = $1 ORDER BY feature_idx LIMIT $2 OFFSET $3`, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	features := []models.Feature{}
	for rows.Next() {
		var f models.Feature
		var charge int
		var hullJSON, tracesJSON []byte
		if err := rows.Scan(&f.MonoisotopicMz, &f.MonoisotopicMass, &charge,
			&f.RTApex, &f.RTStart, &f.RTEnd, &f.Intensity, &f.Quality, &hullJSON, &tracesJSON); err != nil {
			return nil, 0, err
		}
		f.Charge = uint8(charge)
		if len(hullJSON) > 0 {
			if err := json.Unmarshal(hullJSON, &f.Hull); err != nil {
				return nil, 0, fmt.Errorf("corrupt hull for run %s: %v", runID, err)
			}
		}
		if len(tracesJSON) > 0 {
			if err := json.Unmarshal(tracesJSON, &f.Traces); err != nil {
				return nil, 0, fmt.Errorf("corrupt traces for run %s: %v", runID, err)
			}
		}
		features = append(features, f)
	}
	return features, totalCount, nil
}

// EnqueueRun places a submitted map payload on the pending queue for
// the job poller.
func (s *PostgresStore) EnqueueRun(ctx context.Context, runID string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_runs (run_id, payload, status) VALUES ($1, $2, 'queued')`, runID, payload)
	return err
}

// PendingRun is one queued analysis job.
type PendingRun struct {
	RunID   string
	Payload []byte
}

// ClaimPendingRun atomically claims the oldest queued run. Returns nil
// when the queue is empty.
func (s *PostgresStore) ClaimPendingRun(ctx context.Context) (*PendingRun, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE pending_runs SET status = 'running', claimed_at = NOW()
		WHERE run_id = (
			SELECT run_id FROM pending_runs WHERE status = 'queued'
			ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING run_id, payload`)

	var pr PendingRun
	if err := row.Scan(&pr.RunID, &pr.Payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &pr, nil
}

// CompletePendingRun marks a claimed job finished or failed.
func (s *PostgresStore) CompletePendingRun(ctx context.Context, runID string, failure string) error {
	status := "done"
	if failure != "" {
		status = "failed"
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE pending_runs SET status = $2, failure = NULLIF($3, ''), finished_at = NOW()
		WHERE run_id = $1`, runID, status, failure)
	return err
}

// RunStatus reports where a submitted run currently stands.
type RunStatus struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"` // queued | running | done | failed
	Failure string `json:"failure,omitempty"`
}

// GetRunStatus resolves a run id against the queue first, then the
// finished runs. Returns nil when the id is unknown.
func (s *PostgresStore) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	var st RunStatus
	var failure *string
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, status, failure FROM pending_runs WHERE run_id = $1`, runID).
		Scan(&st.RunID, &st.Status, &failure)
	if err == nil {
		if failure != nil {
			st.Failure = *failure
		}
		return &st, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// Synchronous runs land straight in the runs table.
	err = s.pool.QueryRow(ctx, `SELECT run_id FROM runs WHERE run_id = $1`, runID).Scan(&st.RunID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.Status = "done"
	return &st, nil
}

// GetPool exposes the connection pool for the shadow runner and other subsystems
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
