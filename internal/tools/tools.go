// Package tools implements the closed, tagged set of operations agents may
// invoke against citadel. There is no generic "call tool by name" surface: every
// request and result below is a concrete Go type, and Tools exposes one
// method per operation. Router, Worker, and Gatekeeper handlers share one
// *Tools value; calls are not restricted by role.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/formula"
	"github.com/antigravity-dev/citadel/internal/queue"
)

// EnqueueTaskRequest asks the conductor to route a bead to a role's queue.
// Issued by the router agent during the scan phases of the conductor cycle.
type EnqueueTaskRequest struct {
	BeadID     string
	Priority   int
	TargetRole string
	Reasoning  string
}

// EnqueueTaskResult reports the outcome of EnqueueTask.
type EnqueueTaskResult struct {
	Success  bool
	TicketID string
	Error    string
}

// InstantiateFormulaRequest expands a named formula into a bead molecule.
type InstantiateFormulaRequest struct {
	FormulaName string
	Variables   map[string]string
	ParentID    string
}

// InstantiateFormulaResult reports the outcome of InstantiateFormula.
type InstantiateFormulaResult struct {
	MoleculeID string
	Error      string
}

// SubmitWorkRequest reports a worker's completed output for a bead.
type SubmitWorkRequest struct {
	BeadID  string
	Summary string
	Output  json.RawMessage
}

// SubmitWorkResult reports the outcome of SubmitWork.
type SubmitWorkResult struct {
	Status  string
	Message string
	Error   string
}

// ApproveWorkRequest is a gatekeeper's approval of a bead in verify.
type ApproveWorkRequest struct {
	BeadID         string
	AcceptanceTest []string
}

// RejectWorkRequest sends a bead back to open for rework.
type RejectWorkRequest struct {
	BeadID string
	Reason string
}

// FailWorkRequest marks a bead permanently failed (still reaches done, via
// the failed label rather than an acceptance test).
type FailWorkRequest struct {
	BeadID string
	Reason string
}

// DelegateTaskRequest creates a child bead under an existing one.
type DelegateTaskRequest struct {
	ParentBeadID string
	Title        string
	Priority     int
	Description  string
	Tags         []string
}

// DelegateTaskResult reports the outcome of DelegateTask.
type DelegateTaskResult struct {
	BeadID string
	Error  string
}

// Tools is the concrete implementation every agent-facing request above
// dispatches to.
type Tools struct {
	beads    beads.Adapter
	queue    *queue.WorkQueue
	formulas *formula.Registry
	compiler *formula.Compiler
}

// New builds a Tools bound to the given services.
func New(adapter beads.Adapter, q *queue.WorkQueue, formulas *formula.Registry, compiler *formula.Compiler) *Tools {
	return &Tools{beads: adapter, queue: q, formulas: formulas, compiler: compiler}
}

// EnqueueTask enforces at-most-one-active-ticket before enqueuing: queue
// state changes only after the bead is known to exist and to have no
// outstanding ticket.
func (t *Tools) EnqueueTask(ctx context.Context, req EnqueueTaskRequest) EnqueueTaskResult {
	switch req.TargetRole {
	case queue.RoleWorker, queue.RoleGatekeeper, queue.RoleSupervisor:
	default:
		return EnqueueTaskResult{Error: fmt.Sprintf("tools: invalid target role %q", req.TargetRole)}
	}

	if _, err := t.beads.Show(ctx, req.BeadID); err != nil {
		return EnqueueTaskResult{Error: err.Error()}
	}

	active, err := t.queue.GetActiveTicket(req.BeadID)
	if err != nil {
		return EnqueueTaskResult{Error: err.Error()}
	}
	if active != nil {
		return EnqueueTaskResult{Error: fmt.Sprintf("tools: bead %s already has an active ticket %s", req.BeadID, active.ID)}
	}

	id, err := t.queue.Enqueue(req.BeadID, req.Priority, req.TargetRole)
	if err != nil {
		return EnqueueTaskResult{Error: err.Error()}
	}
	return EnqueueTaskResult{Success: true, TicketID: id}
}

// InstantiateFormula expands a formula into a bead molecule.
func (t *Tools) InstantiateFormula(ctx context.Context, req InstantiateFormulaRequest) InstantiateFormulaResult {
	id, err := t.compiler.Instantiate(ctx, t.formulas, req.FormulaName, req.Variables, req.ParentID)
	if err != nil {
		return InstantiateFormulaResult{Error: err.Error()}
	}
	return InstantiateFormulaResult{MoleculeID: id}
}

// SubmitWork completes the bead's active ticket and moves it to verify. It
// is idempotent: a resubmission against a bead already in verify or done is
// reported as already-submitted rather than erroring, and a submission that
// arrives after the ticket was force-transitioned away from processing (a
// crashed worker restarted and replaying its last action) recovers by
// reading the previously stored output instead of failing outright.
func (t *Tools) SubmitWork(ctx context.Context, req SubmitWorkRequest) SubmitWorkResult {
	active, err := t.queue.GetActiveTicket(req.BeadID)
	if err != nil {
		return SubmitWorkResult{Error: err.Error()}
	}

	if active == nil {
		return t.submitWithoutActiveTicket(ctx, req)
	}

	output := req.Output
	if output == nil {
		summary, err := json.Marshal(map[string]string{"summary": req.Summary})
		if err != nil {
			return SubmitWorkResult{Error: err.Error()}
		}
		output = summary
	}

	if err := t.queue.Complete(active.ID, output); err != nil {
		return SubmitWorkResult{Error: err.Error()}
	}
	if err := t.beads.Update(ctx, req.BeadID, beads.UpdateFields{Status: strPtr(beads.StatusVerify)}); err != nil {
		return SubmitWorkResult{Error: err.Error()}
	}
	return SubmitWorkResult{Status: beads.StatusVerify}
}

func (t *Tools) submitWithoutActiveTicket(ctx context.Context, req SubmitWorkRequest) SubmitWorkResult {
	b, err := t.beads.Show(ctx, req.BeadID)
	if err != nil {
		return SubmitWorkResult{Error: err.Error()}
	}

	switch b.Status {
	case beads.StatusVerify, beads.StatusDone:
		return SubmitWorkResult{Status: b.Status, Message: "submit_work: already submitted"}
	}

	storedOutput, err := t.queue.GetOutput(req.BeadID)
	if err == nil && storedOutput != nil && b.Status == beads.StatusInProgress {
		if err := t.beads.Update(ctx, req.BeadID, beads.UpdateFields{Status: strPtr(beads.StatusVerify)}); err != nil {
			return SubmitWorkResult{Error: err.Error()}
		}
		return SubmitWorkResult{Status: beads.StatusVerify, Message: "submit_work: recovered from stored output"}
	}

	return SubmitWorkResult{Error: fmt.Sprintf("tools: no active ticket for bead %s", req.BeadID)}
}

// ApproveWork moves a bead from verify to done, recording its acceptance
// test (required to reach done, barring the failed label).
func (t *Tools) ApproveWork(ctx context.Context, req ApproveWorkRequest) error {
	acceptance := strings.Join(req.AcceptanceTest, "\n")
	return t.beads.Update(ctx, req.BeadID, beads.UpdateFields{
		Status:         strPtr(beads.StatusDone),
		AcceptanceTest: strPtr(acceptance),
	})
}

// RejectWork sends a bead back to open, tagging it rejected for the router
// to see on its next scan.
func (t *Tools) RejectWork(ctx context.Context, req RejectWorkRequest) error {
	return t.beads.Update(ctx, req.BeadID, beads.UpdateFields{
		Status:    strPtr(beads.StatusOpen),
		AddLabels: []string{beads.LabelRejected},
	})
}

// FailWork marks a bead permanently failed. It still reaches done, via the
// failed label rather than an acceptance test.
func (t *Tools) FailWork(ctx context.Context, req FailWorkRequest) error {
	return t.beads.Update(ctx, req.BeadID, beads.UpdateFields{
		Status:    strPtr(beads.StatusDone),
		AddLabels: []string{beads.LabelFailed},
	})
}

// DelegateTask creates a standalone child bead under an existing one,
// outside of any formula.
func (t *Tools) DelegateTask(ctx context.Context, req DelegateTaskRequest) DelegateTaskResult {
	id, err := t.beads.Create(ctx, req.Title, beads.CreateOptions{
		Priority:    req.Priority,
		ParentID:    req.ParentBeadID,
		Description: req.Description,
		Labels:      req.Tags,
	})
	if err != nil {
		return DelegateTaskResult{Error: err.Error()}
	}
	return DelegateTaskResult{BeadID: id}
}

func strPtr(s string) *string { return &s }
