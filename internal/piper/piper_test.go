package piper

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/queue"
)

func testPiper(t *testing.T) (*Piper, beads.Adapter, *queue.WorkQueue) {
	t.Helper()
	adapter := beads.NewMemoryAdapter()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return New(adapter, q, nil), adapter, q
}

// completeUpstream creates an upstream step bead, enqueues and completes a
// ticket against it with the given JSON output, and returns the bead id.
func completeUpstream(t *testing.T, adapter beads.Adapter, q *queue.WorkQueue, stepID, output string) string {
	t.Helper()
	ctx := context.Background()
	id, err := adapter.Create(ctx, "upstream", beads.CreateOptions{Labels: []string{beads.StepLabel(stepID)}})
	if err != nil {
		t.Fatal(err)
	}
	ticketID, err := q.Enqueue(id, 0, queue.RoleWorker)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim("hook-1", queue.RoleWorker); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ticketID, []byte(output)); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestResolveSkipsBeadWithEmptyContext(t *testing.T) {
	p, adapter, _ := testPiper(t)
	ctx := context.Background()

	id, err := adapter.Create(ctx, "downstream", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := adapter.Show(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := p.Resolve(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("expected no change for a bead with empty context")
	}
}

func TestResolveFullReplacementPreservesType(t *testing.T) {
	p, adapter, q := testPiper(t)
	ctx := context.Background()

	upstreamID := completeUpstream(t, adapter, q, "build", `{"count": 3, "ok": true}`)

	downstreamID, err := adapter.Create(ctx, "downstream", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := adapter.DepAdd(ctx, downstreamID, upstreamID); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Update(ctx, downstreamID, beads.UpdateFields{Context: map[string]any{
		"result": "{{steps.build.output}}",
	}}); err != nil {
		t.Fatal(err)
	}

	b, err := adapter.Show(ctx, downstreamID)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := p.Resolve(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected the reference to resolve")
	}

	result, ok := b.Context["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected a full-replacement object, got %#v", b.Context["result"])
	}
	if result["count"] != float64(3) || result["ok"] != true {
		t.Errorf("unexpected resolved object: %#v", result)
	}
}

func TestResolvePathFullReplacementPreservesNumber(t *testing.T) {
	p, adapter, q := testPiper(t)
	ctx := context.Background()

	upstreamID := completeUpstream(t, adapter, q, "producer", `{"magic_number": 42}`)

	downstreamID, err := adapter.Create(ctx, "consumer", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := adapter.DepAdd(ctx, downstreamID, upstreamID); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Update(ctx, downstreamID, beads.UpdateFields{Context: map[string]any{
		"input_num": "{{steps.producer.output.magic_number}}",
	}}); err != nil {
		t.Fatal(err)
	}

	b, err := adapter.Show(ctx, downstreamID)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := p.Resolve(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected the reference to resolve")
	}
	if num, ok := b.Context["input_num"].(float64); !ok || num != 42 {
		t.Errorf("expected the number 42, not a string, got %#v", b.Context["input_num"])
	}
}

func TestResolvePathAndMixedInterpolationStringifies(t *testing.T) {
	p, adapter, q := testPiper(t)
	ctx := context.Background()

	upstreamID := completeUpstream(t, adapter, q, "build", `{"meta": {"version": "1.2.3"}}`)

	downstreamID, err := adapter.Create(ctx, "downstream", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := adapter.DepAdd(ctx, downstreamID, upstreamID); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Update(ctx, downstreamID, beads.UpdateFields{Context: map[string]any{
		"message": "deployed version {{steps.build.output.meta.version}}",
	}}); err != nil {
		t.Fatal(err)
	}

	b, err := adapter.Show(ctx, downstreamID)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := p.Resolve(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected the reference to resolve")
	}
	if b.Context["message"] != "deployed version 1.2.3" {
		t.Errorf("unexpected stringified message: %v", b.Context["message"])
	}
}

func TestResolveLeavesUnresolvedReferenceUntouched(t *testing.T) {
	p, adapter, _ := testPiper(t)
	ctx := context.Background()

	downstreamID, err := adapter.Create(ctx, "downstream", beads.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := adapter.Update(ctx, downstreamID, beads.UpdateFields{Context: map[string]any{
		"result": "{{steps.never-ran.output}}",
	}}); err != nil {
		t.Fatal(err)
	}

	b, err := adapter.Show(ctx, downstreamID)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := p.Resolve(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("expected no change: upstream step has no matching blocker")
	}
	if b.Context["result"] != "{{steps.never-ran.output}}" {
		t.Errorf("expected the token to remain untouched, got %v", b.Context["result"])
	}
}
