package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/queue"
)

func TestNewRequiresBeadsAndQueue(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Fatal("expected an error with no adapter or queue")
	}

	adapter := beads.NewMemoryAdapter()
	if _, err := New(context.Background(), Options{Beads: adapter}); err == nil {
		t.Fatal("expected an error with no queue")
	}
}

func TestNewAssemblesRegistry(t *testing.T) {
	adapter := beads.NewMemoryAdapter()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	reg, err := New(context.Background(), Options{Beads: adapter, Queue: q})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Beads == nil || reg.Queue == nil || reg.Formulas == nil || reg.Compiler == nil || reg.Piper == nil || reg.Logger == nil {
		t.Fatalf("expected every field to be wired, got %+v", reg)
	}
	if len(reg.Formulas.Names()) != 0 {
		t.Errorf("expected an empty formula registry with no FormulaDir, got %v", reg.Formulas.Names())
	}

	if err := reg.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestNewLoadsFormulaDir(t *testing.T) {
	dir := t.TempDir()
	toml := `name = "demo"
description = "a demo formula"

[[steps]]
id = "only"
title = "do the thing"
`
	if err := os.WriteFile(filepath.Join(dir, "demo.toml"), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	adapter := beads.NewMemoryAdapter()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	reg, err := New(context.Background(), Options{Beads: adapter, Queue: q, FormulaDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Formulas.Get("demo") == nil {
		t.Fatal("expected the demo formula to be loaded")
	}
}
