package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/config"
	"github.com/antigravity-dev/citadel/internal/formula"
	"github.com/antigravity-dev/citadel/internal/piper"
	"github.com/antigravity-dev/citadel/internal/queue"
	"github.com/antigravity-dev/citadel/internal/tools"
)

// e2eHarness wires a conductor against the real tools surface and the
// built-in router, so a tick enqueues real tickets the way a running
// instance would. Tickets are claimed and handled by the test itself
// instead of live pools, keeping the flow deterministic.
func e2eHarness(t *testing.T) (*Conductor, beads.Adapter, *queue.WorkQueue, *tools.Tools) {
	t.Helper()
	adapter := beads.NewMemoryAdapter()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	tl := tools.New(adapter, q, formula.NewRegistry(nil), formula.NewCompiler(adapter, nil))
	router := tools.NewDefaultRouter(tl, adapter)
	p := piper.New(adapter, q, nil)

	cfg := &config.Config{}
	cfg.General.StallTimeout = config.Duration{Duration: time.Minute}
	cfg.General.GracePeriod = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Worker.MaxRetries = 3
	cfg.Gatekeeper.MaxRetries = 3
	mgr := config.NewManager(cfg)

	return New(adapter, q, p, router, nil, nil, mgr, nil), adapter, q, tl
}

func TestHappyPathOpenToVerifyToDone(t *testing.T) {
	c, adapter, q, tl := e2eHarness(t)
	ctx := context.Background()

	id, err := adapter.Create(ctx, "E2E Task", beads.CreateOptions{Priority: 0})
	if err != nil {
		t.Fatal(err)
	}

	c.Tick(ctx)

	ticket, err := q.Claim("worker-1", queue.RoleWorker)
	if err != nil {
		t.Fatal(err)
	}
	if ticket == nil || ticket.BeadID != id {
		t.Fatalf("expected a worker ticket for the new bead, got %+v", ticket)
	}

	worker := tools.NewWorkerHandler(tl, func(ctx context.Context, bead *beads.Bead) (json.RawMessage, error) {
		return json.RawMessage(`{"summary":"it works"}`), nil
	})
	b, err := adapter.Show(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := worker.Handle(ctx, ticket, b); err != nil {
		t.Fatal(err)
	}
	// The hook's safety-net complete is a loud no-op: submit_work already
	// transitioned the ticket, and the stored output must survive.
	if err := q.Complete(ticket.ID, nil); !errors.Is(err, queue.ErrNotProcessing) {
		t.Fatalf("expected ErrNotProcessing from the safety-net complete, got %v", err)
	}

	b, err = adapter.Show(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != beads.StatusVerify {
		t.Fatalf("expected verify after the worker submitted, got %s", b.Status)
	}

	c.Tick(ctx)

	gTicket, err := q.Claim("gatekeeper-1", queue.RoleGatekeeper)
	if err != nil {
		t.Fatal(err)
	}
	if gTicket == nil || gTicket.BeadID != id {
		t.Fatalf("expected a gatekeeper ticket for the verify bead, got %+v", gTicket)
	}

	gatekeeper := tools.NewGatekeeperHandler(tl, func(ctx context.Context, bead *beads.Bead) (tools.GatekeeperDecision, error) {
		return tools.GatekeeperDecision{Action: "approve", AcceptanceTest: []string{"Verify it works"}}, nil
	})
	b, err = adapter.Show(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := gatekeeper.Handle(ctx, gTicket, b); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(gTicket.ID, nil); err != nil {
		t.Fatal(err)
	}

	b, err = adapter.Show(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != beads.StatusDone {
		t.Errorf("expected done after approval, got %s", b.Status)
	}
	if b.AcceptanceTest != "Verify it works" {
		t.Errorf("expected the acceptance test to be recorded, got %q", b.AcceptanceTest)
	}
}

func TestZombieWorkerTicketIsCompletedAndBeadReRouted(t *testing.T) {
	c, adapter, q, _ := e2eHarness(t)
	ctx := context.Background()

	id, err := adapter.Create(ctx, "zombie victim", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(id, 0, queue.RoleWorker); err != nil {
		t.Fatal(err)
	}
	ticket, err := q.Claim("worker-1", queue.RoleWorker)
	if err != nil {
		t.Fatal(err)
	}

	// The worker updated the bead but crashed before its ticket completed.
	inProgress := beads.StatusInProgress
	if err := adapter.Update(ctx, id, beads.UpdateFields{Status: &inProgress}); err != nil {
		t.Fatal(err)
	}
	verify := beads.StatusVerify
	if err := adapter.Update(ctx, id, beads.UpdateFields{Status: &verify}); err != nil {
		t.Fatal(err)
	}

	c.Tick(ctx)
	c.Tick(ctx)

	stale, err := q.GetActiveTicket(id)
	if err != nil {
		t.Fatal(err)
	}
	if stale == nil {
		t.Fatal("expected an active ticket after reconciliation")
	}
	if stale.ID == ticket.ID {
		t.Fatalf("expected the zombie worker ticket to be completed, still active: %+v", stale)
	}
	if stale.TargetRole != queue.RoleGatekeeper || stale.Status != queue.StatusQueued {
		t.Errorf("expected a queued gatekeeper ticket, got role=%s status=%s", stale.TargetRole, stale.Status)
	}
}

func TestRecoveryBeadIsRoutedWhenMainFailed(t *testing.T) {
	c, adapter, q, _ := e2eHarness(t)
	ctx := context.Background()

	mainID, err := adapter.Create(ctx, "main step", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	done := beads.StatusDone
	if err := adapter.Update(ctx, mainID, beads.UpdateFields{Status: &done, AddLabels: []string{beads.LabelFailed}}); err != nil {
		t.Fatal(err)
	}

	recoveryID, err := adapter.Create(ctx, "recovery step", beads.CreateOptions{
		Labels: []string{beads.LabelRecovery, beads.RecoversLabel(mainID)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := adapter.DepAdd(ctx, recoveryID, mainID); err != nil {
		t.Fatal(err)
	}

	c.Tick(ctx)

	recovery, err := adapter.Show(ctx, recoveryID)
	if err != nil {
		t.Fatal(err)
	}
	if recovery.Status != beads.StatusOpen {
		t.Fatalf("expected the recovery bead to stay open for work, got %s", recovery.Status)
	}
	active, err := q.GetActiveTicket(recoveryID)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.TargetRole != queue.RoleWorker {
		t.Errorf("expected the recovery bead to be routed to a worker, got %+v", active)
	}
}
