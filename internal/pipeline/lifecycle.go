package pipeline

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"chunkseal/internal/health"
	"chunkseal/internal/keys"
	"chunkseal/internal/metrics"
)

// Scheduled task names.
const (
	TaskKeyRotation = "key-rotation"
	TaskRetention   = "session-retention"
	TaskMetricsLog  = "metrics-log"
)

// Start launches the periodic maintenance tasks whose intervals are set:
// key rotation, eviction of finalized sessions past retention, and a
// metrics log line.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if iv := p.cfg.KeyRotationInterval; iv > 0 {
		if err := p.sched.Every(TaskKeyRotation, iv, func(context.Context) error {
			p.RotateKeys()
			return nil
		}); err != nil {
			return err
		}
	}
	if iv := p.cfg.CleanupInterval; iv > 0 && p.cfg.Retention > 0 {
		if err := p.sched.Every(TaskRetention, iv, func(context.Context) error {
			p.Sweep(time.Now())
			return nil
		}); err != nil {
			return err
		}
	}
	if iv := p.cfg.MetricsLogInterval; iv > 0 {
		if err := p.sched.Every(TaskMetricsLog, iv, func(context.Context) error {
			p.logger.Info("pipeline metrics", "metrics", p.Metrics())
			return nil
		}); err != nil {
			return err
		}
	}
	return p.sched.Start(ctx)
}

// RotateKeys drops every cached session key and returns the new key
// generation. Later chunks re-derive their session key.
func (p *Pipeline) RotateKeys() uint64 {
	gen := p.keys.Rotate()
	p.metrics.KeyRotations.Inc()
	p.logger.Info("session keys rotated", "generation", gen)
	return gen
}

// Sweep evicts finalized sessions older than the retention window as of
// now. Sessions still waiting for an anchor are kept.
func (p *Pipeline) Sweep(now time.Time) []string {
	if p.cfg.Retention <= 0 {
		return nil
	}
	evicted := p.table.EvictFinalizedBefore(now.Add(-p.cfg.Retention))
	for _, id := range evicted {
		p.keys.Forget(id)
	}
	if len(evicted) > 0 {
		p.metrics.SessionsEvicted.Add(uint64(len(evicted)))
		p.logger.Info("finalized sessions evicted", "count", len(evicted))
	}
	return evicted
}

// Pause stops workers from taking new tasks. Submissions still queue.
func (p *Pipeline) Pause() { p.pool.Pause() }

// Resume undoes Pause.
func (p *Pipeline) Resume() { p.pool.Resume() }

// Metrics refreshes the gauges and returns a snapshot.
func (p *Pipeline) Metrics() metrics.Snapshot {
	ps := p.pool.Stats()
	p.metrics.QueueDepth.Set(int64(ps.Queued))
	p.metrics.ActiveWorkers.Set(ps.Active)
	p.metrics.ActiveSessions.Set(int64(p.table.ActiveCount()))
	p.metrics.PendingAnchors.Set(int64(len(p.table.PendingAnchors())))

	snap := p.metrics.Snapshot()
	cs := p.cipher.Stats()
	snap.Cipher = metrics.CipherCounters{
		Algorithm:    string(cs.Algorithm),
		Encryptions:  cs.Encryptions,
		Decryptions:  cs.Decryptions,
		AuthFailures: cs.AuthFailures,
	}
	return snap
}

// Registry returns the metrics registry the pipeline records into.
func (p *Pipeline) Registry() *metrics.Registry {
	return p.metrics.Registry()
}

// RegisterHealth adds the pipeline's components to c. memoryLimitMB of zero
// skips the memory check.
func (p *Pipeline) RegisterHealth(c *health.Checker, memoryLimitMB int) {
	c.RegisterFunc("worker_pool", true, health.PoolCheck(func() health.PoolStats {
		s := p.pool.Stats()
		return health.PoolStats{
			Workers:       s.Workers,
			QueueCapacity: s.QueueCapacity,
			Queued:        s.Queued,
			Active:        s.Active,
			Paused:        s.Paused,
			Closed:        s.Closed || p.closed.Load(),
		}
	}))
	c.RegisterFunc("keys", true, health.ErrCheck(func() error {
		if p.closed.Load() {
			return ErrClosed
		}
		key, err := p.keys.KeyFor(healthProbeSession)
		if err != nil {
			return err
		}
		p.keys.Forget(healthProbeSession)
		keys.Wipe(key)
		return nil
	}))
	c.RegisterFunc("storage", true, health.PingCheck("storage", func(ctx context.Context) error {
		_, err := p.store.List(ctx, healthProbeSession)
		return err
	}))
	if p.anchors != nil {
		c.RegisterFunc("anchors", false, health.ErrCheck(func() error {
			if len(p.anchors.EnabledNames()) == 0 {
				return ErrAnchoringDisabled
			}
			return nil
		}))
	}
	if p.journal != nil {
		c.RegisterFunc("journal", false, health.ErrCheck(func() error {
			_, err := p.journal.Entries()
			return err
		}))
	}
	if memoryLimitMB > 0 {
		c.RegisterFunc("memory", false, health.MemoryCheck(memoryLimitMB))
	}
}

const healthProbeSession = "__health__"

// Shutdown stops accepting work, drains queued chunks within the shutdown
// grace period (or ctx, whichever ends first), stops scheduled tasks and
// closes the key manager. It is safe to call more than once.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.closed.Store(true)
		p.logger.Info("pipeline shutting down")

		drainCtx := ctx
		if p.cfg.ShutdownGrace > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, p.cfg.ShutdownGrace)
			defer cancel()
		}

		var errs error
		errs = multierr.Append(errs, p.pool.Shutdown(drainCtx))
		errs = multierr.Append(errs, p.sched.Stop(ctx))
		errs = multierr.Append(errs, p.keys.Close())
		p.shutdownErr = errs

		m := p.Metrics()
		p.logger.Info("pipeline stopped",
			"chunks_processed", m.ChunksProcessed,
			"chunks_failed", m.ChunksFailed,
			"sessions_finalized", m.SessionsFinalized,
		)
	})
	return p.shutdownErr
}
