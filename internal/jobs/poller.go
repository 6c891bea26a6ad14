// Package jobs drives queued analysis runs: claim, execute, persist,
// broadcast.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rawpeak/feature-engine/internal/api"
	"github.com/rawpeak/feature-engine/internal/db"
	"github.com/rawpeak/feature-engine/internal/finder"
	"github.com/rawpeak/feature-engine/internal/metrics"
	"github.com/rawpeak/feature-engine/pkg/models"
)

// Poller claims pending runs from the database queue and executes them
// one at a time. Progress and completion events go to the websocket
// hub so dashboards can follow long runs live.
type Poller struct {
	dbStore  *db.PostgresStore
	wsHub    *api.Hub
	interval time.Duration
}

func NewPoller(dbStore *db.PostgresStore, wsHub *api.Hub, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{dbStore: dbStore, wsHub: wsHub, interval: interval}
}

// Run polls until the context is cancelled. Each claimed job runs to
// completion (or cancellation) before the next claim.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("[JobPoller] Watching run queue every %s", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[JobPoller] Stopped")
			return
		case <-ticker.C:
		}

		for {
			pending, err := p.dbStore.ClaimPendingRun(ctx)
			if err != nil {
				log.Printf("[JobPoller] Claim error: %v", err)
				break
			}
			if pending == nil {
				break // queue drained
			}
			p.execute(ctx, pending)
		}
	}
}

func (p *Poller) execute(ctx context.Context, pending *db.PendingRun) {
	started := time.Now()
	failure := ""
	defer func() {
		if err := p.dbStore.CompletePendingRun(context.Background(), pending.RunID, failure); err != nil {
			log.Printf("[JobPoller] Failed to finalize run %s: %v", pending.RunID, err)
		}
	}()

	var req api.AnalyzeRequest
	if err := json.Unmarshal(pending.Payload, &req); err != nil {
		failure = fmt.Sprintf("corrupt payload: %v", err)
		log.Printf("[JobPoller] Run %s: %s", pending.RunID, failure)
		return
	}

	cfg, err := models.ParseConfig(req.Config)
	if err != nil {
		failure = fmt.Sprintf("invalid configuration: %v", err)
		log.Printf("[JobPoller] Run %s: %s", pending.RunID, failure)
		return
	}

	// Throttled progress relay: one event per 5% of a phase.
	lastPhase, lastPct := "", -5
	cfg.Progress = func(phase string, done, total int) {
		if p.wsHub == nil || total == 0 {
			return
		}
		if phase != lastPhase {
			lastPhase, lastPct = phase, -5
		}
		pct := done * 100 / total
		if pct/5 == lastPct/5 {
			return
		}
		lastPct = pct
		p.wsHub.BroadcastEvent("run_progress", map[string]interface{}{
			"runId": pending.RunID,
			"phase": phase,
			"done":  done,
			"total": total,
		})
	}

	idx, err := finder.BuildIndex(models.SliceReader(req.Scans))
	if err != nil {
		failure = fmt.Sprintf("malformed map: %v", err)
		log.Printf("[JobPoller] Run %s: %s", pending.RunID, failure)
		return
	}

	features, stats, err := finder.FindFeatures(ctx, idx, cfg)
	if err != nil {
		failure = err.Error()
		log.Printf("[JobPoller] Run %s failed: %v", pending.RunID, err)
		return
	}

	result := models.RunResult{RunID: pending.RunID, Features: features, Statistics: stats}
	summary := metrics.Summarize(features)
	cfgJSON, _ := json.Marshal(req.Config)
	if err := p.dbStore.SaveRun(context.Background(), pending.RunID, cfgJSON, result, summary); err != nil {
		failure = fmt.Sprintf("persist failed: %v", err)
		log.Printf("[JobPoller] Run %s: %s", pending.RunID, failure)
		return
	}

	log.Printf("[JobPoller] Run %s complete: %d features in %s (fit failures: %d, short boxes: %d)",
		pending.RunID, len(features), time.Since(started).Round(time.Millisecond),
		stats.FitFailures, stats.ShortBoxes)

	if p.wsHub != nil {
		p.wsHub.BroadcastEvent("run_complete", map[string]interface{}{
			"runId":        pending.RunID,
			"featureCount": len(features),
			"cancelled":    stats.Cancelled,
			"elapsedMs":    time.Since(started).Milliseconds(),
		})
	}
}
