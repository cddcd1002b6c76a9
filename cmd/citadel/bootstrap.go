package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/config"
	"github.com/antigravity-dev/citadel/internal/queue"
	"github.com/antigravity-dev/citadel/internal/registry"
)

// runtime holds every service a citadel subcommand needs, wired once at
// startup.
type runtime struct {
	cfgMgr config.ConfigManager
	cfg    *config.Config
	reg    *registry.Registry
	logger *slog.Logger
}

// bootstrap loads config, builds the bead adapter for the configured mode,
// opens the queue, and assembles a registry. Callers must call Close when
// done.
func bootstrap(logger *slog.Logger) (*runtime, error) {
	cfgMgr, err := config.LoadManager(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", configPath, err)
	}
	cfg := cfgMgr.Get()

	adapter, err := buildBeadAdapter(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building bead adapter: %w", err)
	}

	dbPath := config.ExpandHome(cfg.General.StateDB)
	q, err := queue.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening queue %s: %w", dbPath, err)
	}

	formulaDir := filepath.Join(filepath.Dir(configPath), ".citadel", "formulas")
	reg, err := registry.New(context.Background(), registry.Options{
		Config:     cfgMgr,
		Beads:      adapter,
		Queue:      q,
		FormulaDir: formulaDir,
		Logger:     logger,
	})
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("assembling registry: %w", err)
	}

	return &runtime{cfgMgr: cfgMgr, cfg: cfg, reg: reg, logger: logger}, nil
}

func buildBeadAdapter(cfg *config.Config, logger *slog.Logger) (beads.Adapter, error) {
	if cfg.Beads.Sandbox {
		logger.Info("bead adapter: sandboxed", "image", cfg.Beads.SandboxImage)
		return beads.NewSandboxedAdapter(cfg.Beads.Path, cfg.Beads.AutoSync, cfg.Beads.SandboxImage)
	}

	logger.Info("bead adapter: subprocess", "binary", cfg.Beads.Binary)
	return &beads.SubprocessAdapter{
		Dir:      cfg.Beads.Path,
		AutoSync: cfg.Beads.AutoSync,
		Runner:   beads.ExecRunner{Binary: cfg.Beads.Binary},
	}, nil
}

func (r *runtime) Close() {
	if r == nil || r.reg == nil {
		return
	}
	if err := r.reg.Close(); err != nil {
		r.logger.Warn("runtime: close failed", "error", err)
	}
}
