// Package watchdog implements the periodic sweep that drives time-based
// status transitions for every known agent. One tick enumerates every
// agent and invokes a per-agent check function across a bounded worker
// pool; a single agent's failure is isolated and never aborts the sweep.
package watchdog

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
)

// CheckFunc evaluates and, if needed, transitions one agent's status. It is
// supplied by the service facade so the watchdog never needs its own
// reference to the status/geofence engines or the event fabric.
type CheckFunc func(ctx context.Context, agentID string) error

// ListAgentsFunc enumerates every known agent id.
type ListAgentsFunc func(ctx context.Context) ([]string, error)

// Config holds the watchdog's tunables.
type Config struct {
	Enabled        bool
	CheckInterval  time.Duration
	MaxConcurrency int
}

// Watchdog is the periodic sweeper.
type Watchdog struct {
	config     Config
	check      CheckFunc
	listAgents ListAgentsFunc
	log        obslog.Logger
	metrics    *obsmetrics.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Watchdog. It does not start ticking until Start is called.
// metrics may be nil; when present, every sweep records its count and
// duration.
func New(cfg Config, check CheckFunc, listAgents ListAgentsFunc, log obslog.Logger, metrics *obsmetrics.Metrics) *Watchdog {
	if log == nil {
		log = obslog.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	return &Watchdog{config: cfg, check: check, listAgents: listAgents, log: log, metrics: metrics}
}

// Start schedules the periodic sweep if enabled and not already running.
// Idempotent.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.config.Enabled || w.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(runCtx, w.done)
}

func (w *Watchdog) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.log.Errorw("watchdog sweep failed to enumerate agents", "error", err)
			}
		}
	}
}

// Stop cancels the periodic sweep and waits for the in-flight tick to
// finish. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
}

// sweep runs one pass over every known agent, bounded to MaxConcurrency
// concurrent evaluations, isolating per-agent failures.
func (w *Watchdog) sweep(ctx context.Context) error {
	start := time.Now()
	agents, err := w.listAgents(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(context.Background())
	sem := make(chan struct{}, w.config.MaxConcurrency)

	for _, agentID := range agents {
		agentID := agentID
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			if err := w.check(gctx, agentID); err != nil {
				w.log.Errorw("watchdog iteration failed",
					"agentId", agentID, "error", err, "kind", domain.ErrWatchdogIteration.Error())
			}
			return nil
		})
	}
	err = g.Wait()
	if w.metrics != nil {
		w.metrics.WatchdogSweeps.Inc()
		w.metrics.WatchdogSweepTime.Observe(time.Since(start).Seconds())
	}
	return err
}

// ForceCheck runs one evaluation for a single agent immediately,
// synchronously with the caller.
func (w *Watchdog) ForceCheck(ctx context.Context, agentID string) error {
	return w.check(ctx, agentID)
}

// ForceCheckAll runs one pass over every known agent immediately,
// synchronously with the caller.
func (w *Watchdog) ForceCheckAll(ctx context.Context) error {
	return w.sweep(ctx)
}
