package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/queue"
)

func TestWorkerHandlerSubmitsAgentOutput(t *testing.T) {
	tl, adapter, q := testTools(t)
	ctx := context.Background()

	id, err := adapter.Create(ctx, "task", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(id, 0, queue.RoleWorker); err != nil {
		t.Fatal(err)
	}
	ticket, err := q.Claim("hook-1", queue.RoleWorker)
	if err != nil {
		t.Fatal(err)
	}
	status := beads.StatusInProgress
	if err := adapter.Update(ctx, id, beads.UpdateFields{Status: &status}); err != nil {
		t.Fatal(err)
	}
	bead, err := adapter.Show(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	agent := func(ctx context.Context, bead *beads.Bead) (json.RawMessage, error) {
		return json.RawMessage(`{"summary":"done"}`), nil
	}
	h := NewWorkerHandler(tl, agent)

	if err := h.Handle(ctx, ticket, bead); err != nil {
		t.Fatal(err)
	}

	b, err := adapter.Show(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != beads.StatusVerify {
		t.Errorf("expected bead to move to verify, got %s", b.Status)
	}
}

func TestWorkerHandlerClaimsOpenBeadIntoInProgress(t *testing.T) {
	tl, adapter, q := testTools(t)
	ctx := context.Background()

	id, err := adapter.Create(ctx, "task", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(id, 0, queue.RoleWorker); err != nil {
		t.Fatal(err)
	}
	ticket, err := q.Claim("hook-7", queue.RoleWorker)
	if err != nil {
		t.Fatal(err)
	}
	bead, err := adapter.Show(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	var statusSeenByAgent string
	agent := func(ctx context.Context, bead *beads.Bead) (json.RawMessage, error) {
		statusSeenByAgent = bead.Status
		return json.RawMessage(`{"summary":"done"}`), nil
	}

	if err := NewWorkerHandler(tl, agent).Handle(ctx, ticket, bead); err != nil {
		t.Fatal(err)
	}

	if statusSeenByAgent != beads.StatusInProgress {
		t.Errorf("expected the agent to see an in_progress bead, got %s", statusSeenByAgent)
	}
	after, err := adapter.Show(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != beads.StatusVerify {
		t.Errorf("expected verify after submit, got %s", after.Status)
	}
	if after.Assignee != "hook-7" {
		t.Errorf("expected the claiming hook recorded as assignee, got %q", after.Assignee)
	}
}

func TestWorkerHandlerPropagatesAgentError(t *testing.T) {
	tl, _, _ := testTools(t)
	agent := func(ctx context.Context, bead *beads.Bead) (json.RawMessage, error) {
		return nil, errors.New("agent exploded")
	}
	h := NewWorkerHandler(tl, agent)

	if err := h.Handle(context.Background(), &queue.Ticket{}, &beads.Bead{}); err == nil {
		t.Fatal("expected the agent error to propagate")
	}
}

func TestGatekeeperHandlerApproveRejectFail(t *testing.T) {
	for _, tc := range []struct {
		action   string
		wantDone bool
		wantOpen bool
	}{
		{action: "approve", wantDone: true},
		{action: "reject", wantOpen: true},
		{action: "fail", wantDone: true},
	} {
		t.Run(tc.action, func(t *testing.T) {
			tl, adapter, _ := testTools(t)
			ctx := context.Background()

			id, err := adapter.Create(ctx, "task", beads.CreateOptions{})
			if err != nil {
				t.Fatal(err)
			}
			inProgress := beads.StatusInProgress
			if err := adapter.Update(ctx, id, beads.UpdateFields{Status: &inProgress}); err != nil {
				t.Fatal(err)
			}
			verify := beads.StatusVerify
			if err := adapter.Update(ctx, id, beads.UpdateFields{Status: &verify}); err != nil {
				t.Fatal(err)
			}

			agent := func(ctx context.Context, bead *beads.Bead) (GatekeeperDecision, error) {
				return GatekeeperDecision{Action: tc.action, AcceptanceTest: []string{"looks right"}}, nil
			}
			h := NewGatekeeperHandler(tl, agent)

			b, err := adapter.Show(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if err := h.Handle(ctx, &queue.Ticket{}, b); err != nil {
				t.Fatal(err)
			}

			after, err := adapter.Show(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			switch {
			case tc.wantDone && after.Status != beads.StatusDone:
				t.Errorf("expected done, got %s", after.Status)
			case tc.wantOpen && after.Status != beads.StatusOpen:
				t.Errorf("expected open, got %s", after.Status)
			}
		})
	}
}

func TestGatekeeperHandlerRejectsUnknownAction(t *testing.T) {
	tl, _, _ := testTools(t)
	agent := func(ctx context.Context, bead *beads.Bead) (GatekeeperDecision, error) {
		return GatekeeperDecision{Action: "shrug"}, nil
	}
	h := NewGatekeeperHandler(tl, agent)

	if err := h.Handle(context.Background(), &queue.Ticket{}, &beads.Bead{ID: "x"}); err == nil {
		t.Fatal("expected an error for an unrecognized gatekeeper action")
	}
}

func TestDefaultRouterRoutesVerifyToGatekeeper(t *testing.T) {
	tl, adapter, q := testTools(t)
	ctx := context.Background()

	id, err := adapter.Create(ctx, "task", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	inProgress := beads.StatusInProgress
	if err := adapter.Update(ctx, id, beads.UpdateFields{Status: &inProgress}); err != nil {
		t.Fatal(err)
	}
	verify := beads.StatusVerify
	if err := adapter.Update(ctx, id, beads.UpdateFields{Status: &verify}); err != nil {
		t.Fatal(err)
	}

	router := NewDefaultRouter(tl, adapter)
	if err := router.Route(ctx, id, beads.StatusVerify); err != nil {
		t.Fatal(err)
	}

	active, err := q.GetActiveTicket(id)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.TargetRole != queue.RoleGatekeeper {
		t.Errorf("expected an active gatekeeper ticket, got %+v", active)
	}
}
