package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/queue"
)

// AgentFunc is the externally supplied worker agent: given a bead, it
// performs the work and returns its output. WorkerHandler wraps it into a
// value that matches pool.Handler structurally (Handle(ctx, *queue.Ticket,
// *beads.Bead) error) without this package importing internal/pool.
type AgentFunc func(ctx context.Context, bead *beads.Bead) (json.RawMessage, error)

// WorkerHandler adapts an AgentFunc into a pool hook handler, submitting
// whatever the agent returns via the submit_work tool.
type WorkerHandler struct {
	tools *Tools
	agent AgentFunc
}

// NewWorkerHandler builds a WorkerHandler bound to t, invoking agent for
// each claimed ticket's bead.
func NewWorkerHandler(t *Tools, agent AgentFunc) *WorkerHandler {
	return &WorkerHandler{tools: t, agent: agent}
}

// Handle implements pool.Handler. An open bead is first claimed into
// in_progress under the hook's assignee id; submit_work later moves it to
// verify, which is not a legal transition straight from open.
func (h *WorkerHandler) Handle(ctx context.Context, ticket *queue.Ticket, bead *beads.Bead) error {
	if bead.Status == beads.StatusOpen {
		inProgress := beads.StatusInProgress
		fields := beads.UpdateFields{Status: &inProgress}
		if ticket.AssigneeID != "" {
			fields.Assignee = &ticket.AssigneeID
		}
		if err := h.tools.beads.Update(ctx, bead.ID, fields); err != nil {
			return fmt.Errorf("claiming bead %s: %w", bead.ID, err)
		}
		bead.Status = beads.StatusInProgress
	}

	output, err := h.agent(ctx, bead)
	if err != nil {
		return err
	}
	result := h.tools.SubmitWork(ctx, SubmitWorkRequest{BeadID: bead.ID, Output: output})
	if result.Error != "" {
		return fmt.Errorf("submit_work: %s", result.Error)
	}
	return nil
}

// GatekeeperDecision is what a gatekeeper agent returns for a bead in
// verify: one of approve, reject, or fail.
type GatekeeperDecision struct {
	Action         string // "approve", "reject", "fail"
	AcceptanceTest []string
	Reason         string
}

// GatekeeperAgentFunc is the externally supplied gatekeeper agent.
type GatekeeperAgentFunc func(ctx context.Context, bead *beads.Bead) (GatekeeperDecision, error)

// GatekeeperHandler adapts a GatekeeperAgentFunc into a pool hook handler.
type GatekeeperHandler struct {
	tools *Tools
	agent GatekeeperAgentFunc
}

// NewGatekeeperHandler builds a GatekeeperHandler bound to t.
func NewGatekeeperHandler(t *Tools, agent GatekeeperAgentFunc) *GatekeeperHandler {
	return &GatekeeperHandler{tools: t, agent: agent}
}

// Handle implements pool.Handler.
func (h *GatekeeperHandler) Handle(ctx context.Context, ticket *queue.Ticket, bead *beads.Bead) error {
	decision, err := h.agent(ctx, bead)
	if err != nil {
		return err
	}
	switch decision.Action {
	case "approve":
		return h.tools.ApproveWork(ctx, ApproveWorkRequest{BeadID: bead.ID, AcceptanceTest: decision.AcceptanceTest})
	case "reject":
		return h.tools.RejectWork(ctx, RejectWorkRequest{BeadID: bead.ID, Reason: decision.Reason})
	case "fail":
		return h.tools.FailWork(ctx, FailWorkRequest{BeadID: bead.ID, Reason: decision.Reason})
	default:
		return fmt.Errorf("gatekeeper handler: unknown action %q", decision.Action)
	}
}
