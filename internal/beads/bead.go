// Package beads models the Citadel bead — the atomic unit of work — and
// the adapter boundary to its backing store.
package beads

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status values in the internal four-state projection.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusVerify     = "verify"
	StatusDone       = "done"
)

// Well-known label prefixes and literals.
const (
	LabelRecovery = "recovery"
	LabelFailed   = "failed"
	LabelRejected = "rejected"
	LabelVerify   = "verify"

	labelFormulaPrefix  = "formula:"
	labelStepPrefix     = "step:"
	labelRecoversPrefix = "recovers:"
)

// ErrInvalidTransition indicates a bead status change not permitted by the
// state machine.
var ErrInvalidTransition = errors.New("beads: invalid status transition")

// ErrAcceptanceTestRequired indicates a transition to done without an
// acceptance test and without the failed label.
var ErrAcceptanceTestRequired = errors.New("beads: acceptance_test is required to reach done")

// validTransitions enumerates every legal status edge.
var validTransitions = map[string]map[string]bool{
	StatusOpen:       {StatusInProgress: true, StatusDone: true},
	StatusInProgress: {StatusVerify: true, StatusOpen: true},
	StatusVerify:     {StatusDone: true, StatusInProgress: true, StatusOpen: true},
	StatusDone:       {StatusInProgress: true, StatusOpen: true},
}

// Bead is a work item: the atomic unit of progress through the graph.
type Bead struct {
	ID             string
	Title          string
	Status         string // internal projection: open, in_progress, verify, done
	Priority       int    // 0-3, 0 highest
	Assignee       string
	Labels         []string
	Blockers       []string // bead ids that must reach done
	AcceptanceTest string
	ParentID       string
	Type           string
	Description    string // free text, may embed a context frontmatter fence
	Context        map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ValidateTransition reports whether a bead may move from one status to
// another.
func ValidateTransition(from, to string) error {
	if from == to {
		return nil
	}
	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CanReachDone reports whether a bead with the given acceptance test and
// labels may transition to done: an acceptance test is required unless the
// bead is marked failed.
func CanReachDone(acceptanceTest string, labels []string) bool {
	if strings.TrimSpace(acceptanceTest) != "" {
		return true
	}
	return HasLabel(labels, LabelFailed)
}

// HasLabel reports whether labels contains the exact label.
func HasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// AddLabel returns labels with label appended if not already present.
func AddLabel(labels []string, label string) []string {
	if HasLabel(labels, label) {
		return labels
	}
	return append(labels, label)
}

// RemoveLabel returns labels with all occurrences of label removed.
func RemoveLabel(labels []string, label string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}

// FormulaLabel builds the formula:<name> label.
func FormulaLabel(name string) string { return labelFormulaPrefix + name }

// StepLabel builds the step:<stepId> label.
func StepLabel(stepID string) string { return labelStepPrefix + stepID }

// RecoversLabel builds the recovers:<beadId> label.
func RecoversLabel(beadID string) string { return labelRecoversPrefix + beadID }

// StepIDFromLabels returns the step id from a step:<id> label, if present.
func StepIDFromLabels(labels []string) (string, bool) {
	for _, l := range labels {
		if strings.HasPrefix(l, labelStepPrefix) {
			return strings.TrimPrefix(l, labelStepPrefix), true
		}
	}
	return "", false
}

// FormulaNameFromLabels returns the formula name from a formula:<name>
// label, if present.
func FormulaNameFromLabels(labels []string) (string, bool) {
	for _, l := range labels {
		if strings.HasPrefix(l, labelFormulaPrefix) {
			return strings.TrimPrefix(l, labelFormulaPrefix), true
		}
	}
	return "", false
}

// RecoversBeadFromLabels returns the bead id from a recovers:<id> label, if
// present.
func RecoversBeadFromLabels(labels []string) (string, bool) {
	for _, l := range labels {
		if strings.HasPrefix(l, labelRecoversPrefix) {
			return strings.TrimPrefix(l, labelRecoversPrefix), true
		}
	}
	return "", false
}

// AllBlockersDone reports whether every id in blockers is done in the given
// lookup, and whether any of the corresponding beads carry the failed label.
func AllBlockersDone(blockers []string, lookup map[string]*Bead) (done bool, anyFailed bool) {
	if len(blockers) == 0 {
		return true, false
	}
	for _, id := range blockers {
		b, ok := lookup[id]
		if !ok || b.Status != StatusDone {
			return false, anyFailed
		}
		if HasLabel(b.Labels, LabelFailed) {
			anyFailed = true
		}
	}
	return true, anyFailed
}
