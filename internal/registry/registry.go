// Package registry wires citadel's core services into a single container
// built once at startup. Nothing in this package reaches for a global;
// every consumer receives the services it needs as explicit arguments.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/config"
	"github.com/antigravity-dev/citadel/internal/formula"
	"github.com/antigravity-dev/citadel/internal/piper"
	"github.com/antigravity-dev/citadel/internal/queue"
)

// Registry is the set of wired services a citadel process needs: one
// instance built at startup and passed down to the conductor, pools, and
// CLI commands. It is substitutable wholesale in tests -- construct one
// directly with a MemoryAdapter instead of calling New.
type Registry struct {
	Config   config.ConfigManager
	Beads    beads.Adapter
	Queue    *queue.WorkQueue
	Formulas *formula.Registry
	Compiler *formula.Compiler
	Piper    *piper.Piper
	Logger   *slog.Logger
}

// Options supplies the constructed pieces a Registry assembles from. Beads
// and Queue are required; a nil Logger defaults to slog.Default, and the
// rest may be left zero.
type Options struct {
	Config      config.ConfigManager
	Beads       beads.Adapter
	Queue       *queue.WorkQueue
	FormulaDir  string // optional; empty skips formula loading
	Logger      *slog.Logger
}

// New builds a Registry, loading formulas from opts.FormulaDir if set.
func New(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Beads == nil {
		return nil, fmt.Errorf("registry: bead adapter is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("registry: work queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	formulas := formula.NewRegistry(nil)
	if opts.FormulaDir != "" {
		loaded, err := formula.LoadDir(opts.FormulaDir)
		if err != nil {
			return nil, fmt.Errorf("registry: loading formulas from %s: %w", opts.FormulaDir, err)
		}
		formulas = loaded
	}

	compiler := formula.NewCompiler(opts.Beads, logger.With("component", "formula"))
	pipe := piper.New(opts.Beads, opts.Queue, logger.With("component", "piper"))

	return &Registry{
		Config:   opts.Config,
		Beads:    opts.Beads,
		Queue:    opts.Queue,
		Formulas: formulas,
		Compiler: compiler,
		Piper:    pipe,
		Logger:   logger,
	}, nil
}

// Close releases every owned resource. Safe to call on a partially built
// Registry.
func (r *Registry) Close() error {
	if r == nil || r.Queue == nil {
		return nil
	}
	return r.Queue.Close()
}
