package tools

import (
	"context"
	"fmt"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/queue"
)

// DefaultRouter is a built-in router that routes a bead to its role by
// status alone, preserving the bead's own priority. A real deployment is
// expected to swap this for an externally hosted routing agent that calls
// EnqueueTask with richer reasoning; DefaultRouter exists so citadel
// has a usable router out of the box and so the conductor can be exercised
// without a live agent attached.
type DefaultRouter struct {
	tools *Tools
	beads beads.Adapter
}

// NewDefaultRouter builds a DefaultRouter bound to t and adapter.
func NewDefaultRouter(t *Tools, adapter beads.Adapter) *DefaultRouter {
	return &DefaultRouter{tools: t, beads: adapter}
}

// Route implements conductor.Router.
func (r *DefaultRouter) Route(ctx context.Context, beadID, status string) error {
	b, err := r.beads.Show(ctx, beadID)
	if err != nil {
		return err
	}

	role := queue.RoleWorker
	if status == beads.StatusVerify {
		role = queue.RoleGatekeeper
	}

	result := r.tools.EnqueueTask(ctx, EnqueueTaskRequest{
		BeadID:     b.ID,
		Priority:   b.Priority,
		TargetRole: role,
		Reasoning:  fmt.Sprintf("default router: status=%s", status),
	})
	if !result.Success {
		return fmt.Errorf("tools: enqueue_task: %s", result.Error)
	}
	return nil
}
