package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aguerosoft/parksync/internal/metrics"
	"github.com/aguerosoft/parksync/internal/resources"
)

// Run drives the tick loop until the context is cancelled. Ticks fire on the
// interval or on Trigger; a trigger arriving mid-tick is dropped rather than
// queued, the ticking flag keeps cycles from ever overlapping.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.resources) == 0 {
		e.WithResources(nil, nil)
	}

	t := time.NewTicker(e.interval)
	defer t.Stop()

	e.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		case <-t.C:
			e.RunOnce(ctx)
		case <-e.triggerCh:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single tick if none is in flight and the engine has not
// been stopped.
func (e *Engine) RunOnce(ctx context.Context) {
	select {
	case <-e.stopCh:
		return
	default:
	}
	if !e.ticking.CompareAndSwap(false, true) {
		return
	}
	defer e.ticking.Store(false)

	start := time.Now()
	tickID := uuid.NewString()
	log := e.logger.With("tick_id", tickID)
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	e.lastTickUnixNano.Store(start.UTC().UnixNano())
	e.totalTicks.Add(1)

	// Prices first: the catalog must stay current even when the central store
	// is down, and its cache fallbacks do not depend on the probe below.
	if e.prices != nil {
		e.prices.Refresh(ctx)
	}

	pingCtx, cancel := context.WithTimeout(ctx, e.pingTimeout)
	err := e.remote.Ping(pingCtx)
	cancel()
	if err != nil {
		e.setOnline(false)
		metrics.Online.Set(0)
		e.updateBacklog(ctx)
		return
	}
	e.setOnline(true)
	metrics.Online.Set(1)

	if !e.seeded.Load() {
		e.seed(ctx, log)
	}

	for _, resource := range e.resources {
		pol := resources.PolicyFor(resource)
		switch pol.Pull {
		case resources.PullIncremental:
			n, err := e.incrementalPull(ctx, resource)
			e.recordPull(log, resource, "incremental", n, err)
		case resources.PullMirror:
			n, err := e.mirrorPull(ctx, resource)
			e.recordPull(log, resource, "mirror", n, err)
		case resources.PullSeedOnce:
			// Seeded above on the first online tick; push-only afterwards.
		}
	}

	if e.pushDisabled {
		log.Debug("push disabled, skipping outbox drain")
	} else {
		e.drainOutbox(ctx)
	}

	e.updateBacklog(ctx)

	if e.retention > 0 {
		cutoff := time.Now().UTC().Add(-e.retention)
		if n, err := e.outbox.PurgeSynced(ctx, cutoff); err != nil {
			log.Error("purge synced outbox entries", "error", err.Error())
		} else if n > 0 {
			log.Info("purged synced outbox entries", "removed", n)
		}
	}

	log.Debug("tick complete", "duration", time.Since(start).String())
}

// seed mirrors every seed-once resource. The seeded flag flips only when all
// of them came through, so a partial seed is retried whole next tick; the
// mirror upserts are idempotent, re-running is safe.
func (e *Engine) seed(ctx context.Context, log *slog.Logger) {
	ok := true
	for _, resource := range e.resources {
		if resources.PolicyFor(resource).Pull != resources.PullSeedOnce {
			continue
		}
		n, err := e.mirrorPull(ctx, resource)
		e.recordPull(log, resource, "seed", n, err)
		if err != nil {
			ok = false
		}
	}
	if ok {
		e.seeded.Store(true)
		log.Info("initial seed complete")
	}
}

func (e *Engine) recordPull(log *slog.Logger, resource, strategy string, n int64, err error) {
	if n > 0 {
		e.notePulled(resource, n)
		metrics.DocumentsPulled.WithLabelValues(resource, strategy).Add(float64(n))
		log.Info("pulled documents", "resource", resource, "strategy", strategy, "count", n)
	}
	if err != nil {
		e.noteError(err)
		log.Error("pull failed", "resource", resource, "strategy", strategy, "error", err.Error())
	}
}

func (e *Engine) updateBacklog(ctx context.Context) {
	if pending, err := e.outbox.CountPending(ctx); err == nil {
		metrics.OutboxBacklog.Set(float64(pending))
	}
}
