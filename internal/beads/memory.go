package beads

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAdapter is an in-memory Adapter implementation for tests. It skips
// the external/internal status projection entirely since there is no
// subprocess boundary to translate across.
type MemoryAdapter struct {
	mu      sync.Mutex
	beads   map[string]*Bead
	healthy bool
}

// NewMemoryAdapter returns a healthy, empty MemoryAdapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{beads: make(map[string]*Bead), healthy: true}
}

// SetHealthy controls what Doctor returns, for exercising startup-gate
// failure paths in tests.
func (m *MemoryAdapter) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// Doctor implements Adapter.
func (m *MemoryAdapter) Doctor(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy {
		return fmt.Errorf("beads: memory adapter marked unhealthy")
	}
	return nil
}

// Init implements Adapter.
func (m *MemoryAdapter) Init(ctx context.Context) error { return nil }

// Sync implements Adapter.
func (m *MemoryAdapter) Sync(ctx context.Context) error { return nil }

// Create implements Adapter.
func (m *MemoryAdapter) Create(ctx context.Context, title string, opts CreateOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	now := time.Now()
	m.beads[id] = &Bead{
		ID:          id,
		Title:       title,
		Status:      StatusOpen,
		Priority:    opts.Priority,
		Labels:      append([]string{}, opts.Labels...),
		ParentID:    opts.ParentID,
		Type:        opts.Type,
		Description: opts.Description,
		Blockers:    nil,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

// Show implements Adapter.
func (m *MemoryAdapter) Show(ctx context.Context, id string) (*Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beads[id]
	if !ok {
		return nil, fmt.Errorf("beads: unknown bead %s", id)
	}
	clone := *b
	clone.Labels = append([]string{}, b.Labels...)
	clone.Blockers = append([]string{}, b.Blockers...)
	return &clone, nil
}

// List implements Adapter.
func (m *MemoryAdapter) List(ctx context.Context, opts ListOptions) ([]Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Bead
	for _, b := range m.beads {
		if opts.Status != "" && b.Status != opts.Status {
			continue
		}
		clone := *b
		clone.Labels = append([]string{}, b.Labels...)
		clone.Blockers = append([]string{}, b.Blockers...)
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ready implements Adapter: open beads whose blockers are all done.
func (m *MemoryAdapter) Ready(ctx context.Context) ([]Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Bead
	for _, b := range m.beads {
		if b.Status != StatusOpen {
			continue
		}
		ready := true
		for _, blockerID := range b.Blockers {
			blocker, ok := m.beads[blockerID]
			if !ok || blocker.Status != StatusDone {
				ready = false
				break
			}
		}
		if ready {
			clone := *b
			out = append(out, clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update implements Adapter.
func (m *MemoryAdapter) Update(ctx context.Context, id string, fields UpdateFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.beads[id]
	if !ok {
		return fmt.Errorf("beads: unknown bead %s", id)
	}

	if fields.Status != nil {
		if err := ValidateTransition(b.Status, *fields.Status); err != nil {
			return err
		}
		if *fields.Status == StatusDone && !CanReachDone(valueOr(fields.AcceptanceTest, b.AcceptanceTest), mergedLabels(b.Labels, fields.AddLabels, fields.RemoveLabels)) {
			return fmt.Errorf("beads: update %s: %w", id, ErrAcceptanceTestRequired)
		}
		b.Status = *fields.Status
	}
	if fields.Assignee != nil {
		b.Assignee = *fields.Assignee
	}
	if fields.AcceptanceTest != nil {
		b.AcceptanceTest = *fields.AcceptanceTest
	}
	for _, label := range fields.AddLabels {
		b.Labels = AddLabel(b.Labels, label)
	}
	for _, label := range fields.RemoveLabels {
		b.Labels = RemoveLabel(b.Labels, label)
	}
	if fields.Context != nil {
		b.Context = fields.Context
	}
	if fields.Description != nil {
		b.Description = *fields.Description
	}
	b.UpdatedAt = time.Now()
	return nil
}

// DepAdd implements Adapter.
func (m *MemoryAdapter) DepAdd(ctx context.Context, child, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.beads[child]
	if !ok {
		return fmt.Errorf("beads: unknown bead %s", child)
	}
	b.Blockers = AddLabel(b.Blockers, parent)
	return nil
}

func valueOr(override *string, current string) string {
	if override != nil {
		return *override
	}
	return current
}

func mergedLabels(current, add, remove []string) []string {
	out := append([]string{}, current...)
	for _, l := range add {
		out = AddLabel(out, l)
	}
	for _, l := range remove {
		out = RemoveLabel(out, l)
	}
	return out
}
