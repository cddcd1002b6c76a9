// Package conductor implements the single control loop that routes beads,
// drives the data piper, reconciles stalled or orphaned work, and autoscales
// the worker and gatekeeper pools.
package conductor

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/config"
	"github.com/antigravity-dev/citadel/internal/piper"
	"github.com/antigravity-dev/citadel/internal/pool"
	"github.com/antigravity-dev/citadel/internal/queue"
)

// Router decides a bead's target role and priority and enqueues it. It is
// an externally hosted agent; the conductor knows it only as "something
// that, given a bead id and its status, eventually calls enqueue_task" (see
// internal/tools for the concrete tool surface a Router implementation
// calls into).
type Router interface {
	Route(ctx context.Context, beadID, status string) error
}

const unresolvedToken = "{{steps."

// Conductor is the control cycle: one tick performs janitor, open/verify
// scans, and autoscale, in order. The startup gate is Doctor, a separate
// call made before the first tick.
type Conductor struct {
	beads  beads.Adapter
	queue  *queue.WorkQueue
	piper  *piper.Piper
	router Router
	cfgMgr config.ConfigManager
	logger *slog.Logger

	workerPool     *pool.Pool
	gatekeeperPool *pool.Pool
}

// New builds a Conductor. workerPool and gatekeeperPool may be nil, in which
// case autoscale is skipped for that role -- useful for tests that exercise
// routing in isolation.
func New(adapter beads.Adapter, q *queue.WorkQueue, p *piper.Piper, router Router, workerPool, gatekeeperPool *pool.Pool, cfgMgr config.ConfigManager, logger *slog.Logger) *Conductor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conductor{
		beads: adapter, queue: q, piper: p, router: router,
		workerPool: workerPool, gatekeeperPool: gatekeeperPool,
		cfgMgr: cfgMgr, logger: logger,
	}
}

// Doctor runs the startup environment check. A non-nil error means the
// process must refuse to start.
func (c *Conductor) Doctor(ctx context.Context) error {
	return c.beads.Doctor(ctx)
}

// Run blocks ticking at the configured interval until ctx is cancelled,
// hot-reloading the interval from config each cycle.
func (c *Conductor) Run(ctx context.Context) {
	interval := c.tickInterval()
	c.logger.Info("conductor started", "tick_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("conductor stopping")
			return
		case <-ticker.C:
			c.Tick(ctx)
			if newInterval := c.tickInterval(); newInterval != interval {
				ticker.Reset(newInterval)
				interval = newInterval
				c.logger.Info("conductor tick interval changed", "tick_interval", interval)
			}
		}
	}
}

func (c *Conductor) tickInterval() time.Duration {
	cfg := c.cfgMgr.Get()
	if cfg.General.TickInterval.Duration <= 0 {
		return 5 * time.Second
	}
	return cfg.General.TickInterval.Duration
}

// Tick runs one conductor cycle. Every step logs and continues rather than
// aborting the tick: the conductor never raises out of a tick.
func (c *Conductor) Tick(ctx context.Context) {
	cfg := c.cfgMgr.Get()

	released, err := c.queue.ReleaseStalled(cfg.General.StallTimeout.Duration)
	if err != nil {
		c.logger.Error("conductor: release stalled failed", "error", err)
	}

	reconciled := c.reconcileOrphans(ctx, cfg.General.GracePeriod.Duration)
	reconciled += c.reconcileZombies(ctx)

	if n, err := c.queue.FailExhaustedRetries(queue.RoleWorker, cfg.Worker.MaxRetries); err != nil {
		c.logger.Error("conductor: fail exhausted worker retries failed", "error", err)
	} else if n > 0 {
		c.logger.Warn("conductor: permanently failed exhausted worker tickets", "count", n)
	}
	if n, err := c.queue.FailExhaustedRetries(queue.RoleGatekeeper, cfg.Gatekeeper.MaxRetries); err != nil {
		c.logger.Error("conductor: fail exhausted gatekeeper retries failed", "error", err)
	} else if n > 0 {
		c.logger.Warn("conductor: permanently failed exhausted gatekeeper tickets", "count", n)
	}

	openSeen, routedOpen := c.scanOpen(ctx)
	verifySeen, routedVerify := c.scanVerify(ctx)

	c.autoscale(ctx, cfg)

	if err := c.queue.RecordTick(openSeen, verifySeen, routedOpen+routedVerify, released, reconciled); err != nil {
		c.logger.Error("conductor: record tick failed", "error", err)
	}
}

// reconcileOrphans resets in_progress beads with no active ticket back to
// open, unless their last ticket completed within the grace period (the
// worker handler may still be between queue.complete and beads.update).
func (c *Conductor) reconcileOrphans(ctx context.Context, grace time.Duration) int {
	inProgress, err := c.beads.List(ctx, beads.ListOptions{Status: beads.StatusInProgress})
	if err != nil {
		c.logger.Error("conductor: janitor: listing in_progress beads failed", "error", err)
		return 0
	}

	reconciled := 0
	for _, b := range inProgress {
		active, err := c.queue.GetActiveTicket(b.ID)
		if err != nil {
			c.logger.Error("conductor: janitor: get active ticket failed", "bead", b.ID, "error", err)
			continue
		}
		if active != nil {
			continue
		}

		if completedAt, ok, err := c.queue.LastCompletedAt(b.ID); err != nil {
			c.logger.Error("conductor: janitor: last completed at failed", "bead", b.ID, "error", err)
			continue
		} else if ok && time.Since(completedAt) < grace {
			continue
		}

		status := beads.StatusOpen
		if err := c.beads.Update(ctx, b.ID, beads.UpdateFields{Status: &status}); err != nil {
			c.logger.Error("conductor: janitor: reset orphan bead failed", "bead", b.ID, "error", err)
			continue
		}
		reconciled++
	}
	return reconciled
}

// reconcileZombies completes processing worker tickets whose bead already
// advanced to verify. The worker crashed between beads.update and its hook's
// queue.complete; completing the ticket here lets the verify scan route the
// bead instead of waiting out the stall timeout.
func (c *Conductor) reconcileZombies(ctx context.Context) int {
	verifyBeads, err := c.beads.List(ctx, beads.ListOptions{Status: beads.StatusVerify})
	if err != nil {
		c.logger.Error("conductor: janitor: listing verify beads failed", "error", err)
		return 0
	}

	completed := 0
	for _, b := range verifyBeads {
		active, err := c.queue.GetActiveTicket(b.ID)
		if err != nil {
			c.logger.Error("conductor: janitor: get active ticket failed", "bead", b.ID, "error", err)
			continue
		}
		if active == nil || active.TargetRole != queue.RoleWorker || active.Status != queue.StatusProcessing {
			continue
		}
		if err := c.queue.Complete(active.ID, nil); err != nil {
			c.logger.Error("conductor: janitor: completing zombie ticket failed", "bead", b.ID, "ticket", active.ID, "error", err)
			continue
		}
		c.logger.Info("conductor: janitor: completed zombie worker ticket", "bead", b.ID, "ticket", active.ID)
		completed++
	}
	return completed
}

// scanOpen routes every open, unblocked bead with no active ticket,
// resolving recovery beads and data-piped context along the way. Ready
// gates on blockers: a bead whose blockers have not all reached done is
// not claimable work yet and never reaches routing. Returns (seen, routed).
func (c *Conductor) scanOpen(ctx context.Context) (int, int) {
	openBeads, err := c.beads.Ready(ctx)
	if err != nil {
		c.logger.Error("conductor: scan open: listing ready beads failed", "error", err)
		return 0, 0
	}

	routed := 0
	for _, b := range openBeads {
		if c.routeOne(ctx, &b, beads.StatusOpen) {
			routed++
		}
	}
	return len(openBeads), routed
}

func (c *Conductor) routeOne(ctx context.Context, b *beads.Bead, expectedStatus string) bool {
	active, err := c.queue.GetActiveTicket(b.ID)
	if err != nil {
		c.logger.Error("conductor: scan: get active ticket failed", "bead", b.ID, "error", err)
		return false
	}
	if active != nil {
		return false
	}

	fresh, err := c.beads.Show(ctx, b.ID)
	if err != nil {
		c.logger.Error("conductor: scan: re-fetch failed", "bead", b.ID, "error", err)
		return false
	}
	if fresh.Status != expectedStatus {
		return false
	}

	if expectedStatus == beads.StatusOpen && beads.HasLabel(fresh.Labels, beads.LabelRecovery) {
		if c.resolveUnneededRecovery(ctx, fresh) {
			return false
		}
	}

	if expectedStatus == beads.StatusOpen {
		if _, err := c.piper.Resolve(ctx, fresh); err != nil {
			c.logger.Error("conductor: piper resolve failed", "bead", fresh.ID, "error", err)
		}
		if contextStillUnresolved(fresh.Context) {
			return false
		}
	}

	if err := c.router.Route(ctx, fresh.ID, expectedStatus); err != nil {
		c.logger.Error("conductor: router failed", "bead", fresh.ID, "status", expectedStatus, "error", err)
		return false
	}
	return true
}

// resolveUnneededRecovery marks a recovery bead done without routing it when
// every blocker it recovers already reached done without the failed label.
// Reports whether the bead was short-circuited this way.
func (c *Conductor) resolveUnneededRecovery(ctx context.Context, b *beads.Bead) bool {
	if len(b.Blockers) == 0 {
		return false
	}

	lookup := make(map[string]*beads.Bead, len(b.Blockers))
	for _, blockerID := range b.Blockers {
		blocker, err := c.beads.Show(ctx, blockerID)
		if err != nil {
			c.logger.Error("conductor: recovery: loading blocker failed", "bead", b.ID, "blocker", blockerID, "error", err)
			return false
		}
		lookup[blockerID] = blocker
	}

	done, anyFailed := beads.AllBlockersDone(b.Blockers, lookup)
	if !done || anyFailed {
		return false
	}

	status := beads.StatusDone
	acceptance := "automatic: recovery not needed, main path succeeded"
	if err := c.beads.Update(ctx, b.ID, beads.UpdateFields{Status: &status, AcceptanceTest: &acceptance}); err != nil {
		c.logger.Error("conductor: recovery: auto-done failed", "bead", b.ID, "error", err)
		return false
	}
	return true
}

func contextStillUnresolved(ctx map[string]any) bool {
	for _, v := range ctx {
		if s, ok := v.(string); ok && strings.Contains(s, unresolvedToken) {
			return true
		}
	}
	return false
}

// scanVerify routes every verify bead with no active ticket to the
// gatekeeper. Symmetrical to scanOpen, minus recovery and piping.
func (c *Conductor) scanVerify(ctx context.Context) (int, int) {
	verifyBeads, err := c.beads.List(ctx, beads.ListOptions{Status: beads.StatusVerify})
	if err != nil {
		c.logger.Error("conductor: scan verify: listing failed", "error", err)
		return 0, 0
	}

	routed := 0
	for _, b := range verifyBeads {
		if c.routeOne(ctx, &b, beads.StatusVerify) {
			routed++
		}
	}
	return len(verifyBeads), routed
}

func (c *Conductor) autoscale(ctx context.Context, cfg *config.Config) {
	c.autoscaleRole(ctx, c.workerPool, queue.RoleWorker, cfg.Worker)
	c.autoscaleRole(ctx, c.gatekeeperPool, queue.RoleGatekeeper, cfg.Gatekeeper)
}

func (c *Conductor) autoscaleRole(ctx context.Context, p *pool.Pool, role string, pc config.PoolConfig) {
	if p == nil {
		return
	}
	pending, err := c.queue.GetPendingCount(role)
	if err != nil {
		c.logger.Error("conductor: autoscale: pending count failed", "role", role, "error", err)
		return
	}
	target := clamp(int(math.Ceil(float64(pending)*pc.LoadFactor)), pc.MinWorkers, pc.MaxWorkers)
	p.Resize(ctx, target)
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
