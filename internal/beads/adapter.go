package beads

import "context"

// External status values as emitted by the backing subprocess. The adapter
// boundary is the only place that translates these into the internal
// four-state projection.
const (
	externalOpen       = "open"
	externalInProgress = "in_progress"
	externalClosed     = "closed"
)

// ProjectStatus translates an external (status, labels) pair into the
// internal four-state projection. This is the only place the in_progress +
// verify label quirk is allowed to live.
func ProjectStatus(externalStatus string, labels []string) string {
	switch externalStatus {
	case externalClosed:
		return StatusDone
	case externalInProgress:
		if HasLabel(labels, LabelVerify) {
			return StatusVerify
		}
		return StatusInProgress
	default:
		return StatusOpen
	}
}

// ExternalStatus translates an internal status back to the external status
// the backing subprocess understands, along with the verify label state
// that must accompany it.
func ExternalStatus(internalStatus string) (status string, wantsVerifyLabel bool) {
	switch internalStatus {
	case StatusDone:
		return externalClosed, false
	case StatusVerify:
		return externalInProgress, true
	case StatusInProgress:
		return externalInProgress, false
	default:
		return externalOpen, false
	}
}

// CreateOptions describes a new bead to create via the adapter.
type CreateOptions struct {
	Type        string
	Priority    int
	ParentID    string
	Description string
	Labels      []string
}

// ListOptions filters List results.
type ListOptions struct {
	Status string // internal status to filter by; empty means all
}

// UpdateFields describes a partial update to an existing bead. Nil pointer
// fields are left unchanged; nil Context leaves the context unchanged.
type UpdateFields struct {
	Status         *string
	Assignee       *string
	AddLabels      []string
	RemoveLabels   []string
	AcceptanceTest *string
	Description    *string
	Context        map[string]any
}

// Adapter hides the backing bead store behind an interface with a single
// in-memory implementation for tests and a subprocess implementation for
// production.
type Adapter interface {
	// Doctor checks the backing store's health. A non-nil error means the
	// conductor must refuse to start.
	Doctor(ctx context.Context) error

	// Init initializes a new backing store at the adapter's configured path.
	Init(ctx context.Context) error

	// Sync refreshes the adapter's local view from the backing store.
	Sync(ctx context.Context) error

	// Create creates a new bead and returns its id.
	Create(ctx context.Context, title string, opts CreateOptions) (string, error)

	// Show fetches a single bead by id.
	Show(ctx context.Context, id string) (*Bead, error)

	// List returns beads matching opts.
	List(ctx context.Context, opts ListOptions) ([]Bead, error)

	// Ready returns open, unblocked beads.
	Ready(ctx context.Context) ([]Bead, error)

	// Update applies a partial update to a bead.
	Update(ctx context.Context, id string, fields UpdateFields) error

	// DepAdd adds a dependency edge: child depends on (is blocked by) parent.
	DepAdd(ctx context.Context, child, parent string) error
}
