// Package pool implements the worker/gatekeeper hook loop and the pool that
// sizes a set of hooks for one role.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/config"
	"github.com/antigravity-dev/citadel/internal/queue"
)

// Handler processes one claimed ticket's bead. A returned error is always
// treated as transient: the hook requeues the ticket with backoff and never
// propagates the error past the loop. A handler that wants a bead to reach
// a terminal outcome calls the appropriate tools method itself (submit_work,
// approve_work, fail_work) rather than returning an error.
type Handler interface {
	Handle(ctx context.Context, ticket *queue.Ticket, bead *beads.Bead) error
}

const (
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 10 * time.Second
	productiveCyclePoll      = 0 // poll immediately again after a claim
)

// Hook is one claim/heartbeat/handle/complete-or-fail cycle runner. Several
// hooks make up a role's Pool.
type Hook struct {
	id      string
	role    string
	queue   *queue.WorkQueue
	beads   beads.Adapter
	handler Handler
	cfgMgr  config.ConfigManager
	logger  *slog.Logger

	busy atomic.Bool
}

// NewHook builds a Hook with a unique id for role.
func NewHook(id, role string, q *queue.WorkQueue, adapter beads.Adapter, handler Handler, cfgMgr config.ConfigManager, logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{id: id, role: role, queue: q, beads: adapter, handler: handler, cfgMgr: cfgMgr, logger: logger}
}

// Idle reports whether the hook is between cycles (not currently running a
// handler). Used by the pool to prefer shrinking idle hooks first.
func (h *Hook) Idle() bool {
	return !h.busy.Load()
}

func (h *Hook) poolConfig() config.PoolConfig {
	cfg := h.cfgMgr.Get()
	if h.role == queue.RoleGatekeeper {
		return cfg.Gatekeeper
	}
	return cfg.Worker
}

// Run claims and processes tickets for role until ctx is cancelled.
func (h *Hook) Run(ctx context.Context) {
	interval := h.poolConfig().PollInterval.Duration
	if interval <= 0 {
		interval = defaultPollInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		claimed := h.cycle(ctx)

		interval = h.poolConfig().PollInterval.Duration
		if interval <= 0 {
			interval = defaultPollInterval
		}

		next := interval
		if claimed {
			next = productiveCyclePoll
		}
		timer.Reset(next)
	}
}

// cycle runs one hook cycle. Returns whether a ticket was claimed.
func (h *Hook) cycle(ctx context.Context) bool {
	ticket, err := h.queue.Claim(h.id, h.role)
	if err != nil {
		h.logger.Error("hook: claim failed", "error", err)
		return false
	}
	if ticket == nil {
		return false
	}

	h.busy.Store(true)
	defer h.busy.Store(false)

	bead, err := h.beads.Show(ctx, ticket.BeadID)
	if err != nil {
		h.logger.Error("hook: could not load bead, failing ticket", "ticket", ticket.ID, "bead", ticket.BeadID, "error", err)
		if ferr := h.queue.Fail(ticket.ID, false); ferr != nil {
			h.logger.Error("hook: fail after load error also failed", "ticket", ticket.ID, "error", ferr)
		}
		return true
	}

	stopHeartbeat := h.startHeartbeat(ctx, ticket.ID)
	handleErr := h.handler.Handle(ctx, ticket, bead)
	stopHeartbeat()

	if handleErr != nil {
		h.logger.Error("hook: handler failed, requeuing", "ticket", ticket.ID, "bead", ticket.BeadID, "error", handleErr)
		if ferr := h.queue.Fail(ticket.ID, false); ferr != nil {
			h.logger.Error("hook: fail after handler error also failed", "ticket", ticket.ID, "error", ferr)
		}
		return true
	}

	// A no-op whenever the handler already transitioned the ticket to
	// completed, since CAS from processing is the only path that mutates.
	if cerr := h.queue.Complete(ticket.ID, nil); cerr != nil && !errors.Is(cerr, queue.ErrNotProcessing) {
		h.logger.Error("hook: completion safety-net failed", "ticket", ticket.ID, "error", cerr)
	}
	return true
}

func (h *Hook) startHeartbeat(ctx context.Context, ticketID string) (stop func()) {
	interval := h.poolConfig().HeartbeatInterval.Duration
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.queue.Heartbeat(ticketID); err != nil {
					h.logger.Warn("hook: heartbeat failed", "ticket", ticketID, "error", err)
				}
			}
		}
	}()

	var stopped atomic.Bool
	return func() {
		if stopped.CompareAndSwap(false, true) {
			close(done)
		}
	}
}
