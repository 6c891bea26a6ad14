// Package shadow evaluates experimental analysis configurations beside
// the production one. No parameter change affects served results
// directly: a candidate configuration runs in shadow mode against the
// same maps first, and only its divergence record is persisted.
package shadow

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawpeak/feature-engine/internal/finder"
	"github.com/rawpeak/feature-engine/internal/metrics"
	"github.com/rawpeak/feature-engine/internal/peakmap"
	"github.com/rawpeak/feature-engine/pkg/models"
)

// Runner executes the production and the shadow configuration on one
// map and records how far their outputs drift apart.
type Runner struct {
	pool             *pgxpool.Pool
	shadowSnapshotID int64
	production       models.Config
	shadow           models.Config
}

// Result captures the diff between the production and shadow runs.
type Result struct {
	RunID      string             `json:"runId"`
	Production metrics.RunSummary `json:"production"`
	Shadow     metrics.RunSummary `json:"shadow"`
	Divergence float64            `json:"divergence"`
	SnapshotID int64              `json:"snapshotId"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// NewRunner pairs a production configuration with an experimental one.
func NewRunner(pool *pgxpool.Pool, shadowSnapshotID int64, production, shadow models.Config) *Runner {
	return &Runner{
		pool:             pool,
		shadowSnapshotID: shadowSnapshotID,
		production:       production,
		shadow:           shadow,
	}
}

// Analyze runs both configurations over the same indexed map and
// persists the comparison to the shadow_results table (never to runs).
func (r *Runner) Analyze(ctx context.Context, runID string, idx *peakmap.MapIndex) (*Result, error) {
	prodFeatures, _, err := finder.FindFeatures(ctx, idx, r.production)
	if err != nil {
		return nil, err
	}
	shadowFeatures, _, err := finder.FindFeatures(ctx, idx, r.shadow)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:      runID,
		Production: metrics.Summarize(prodFeatures),
		Shadow:     metrics.Summarize(shadowFeatures),
		SnapshotID: r.shadowSnapshotID,
		CreatedAt:  time.Now(),
	}
	res.Divergence = metrics.Divergence(res.Production, res.Shadow)

	// Log divergences for monitoring
	if res.Divergence > 0 {
		log.Printf("[Shadow] DIVERGENCE on %s: prod_features=%d shadow_features=%d divergence=%.4f",
			runID, res.Production.FeatureCount, res.Shadow.FeatureCount, res.Divergence)
	}

	if r.pool != nil {
		if err := r.persist(ctx, res); err != nil {
			log.Printf("[Shadow] Persist error for %s: %v", runID, err)
		}
	}
	return res, nil
}

func (r *Runner) persist(ctx context.Context, res *Result) error {
	prodJSON, err := json.Marshal(res.Production)
	if err != nil {
		return err
	}
	shadowJSON, err := json.Marshal(res.Shadow)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO shadow_results (run_id, snapshot_id, production, shadow, divergence)
		VALUES ($1, $2, $3, $4, $5)`,
		res.RunID, res.SnapshotID, prodJSON, shadowJSON, res.Divergence)
	return err
}
