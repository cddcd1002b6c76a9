package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/config"
	"github.com/antigravity-dev/citadel/internal/queue"
)

// Pool manages a set of hooks for one role. Resize grows by spawning and
// shrinks by removing idle hooks first, falling back to the
// longest-running hook if none are idle.
type Pool struct {
	role    string
	queue   *queue.WorkQueue
	beads   beads.Adapter
	handler Handler
	cfgMgr  config.ConfigManager
	logger  *slog.Logger

	mu     sync.Mutex
	hooks  map[string]*Hook
	cancel map[string]context.CancelFunc
	order  []string // insertion order, for the fallback shrink target
	wg     sync.WaitGroup
	nextID int
}

// New builds an empty Pool for role. Call Start or Resize to launch hooks.
func New(role string, q *queue.WorkQueue, adapter beads.Adapter, handler Handler, cfgMgr config.ConfigManager, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		role:    role,
		queue:   q,
		beads:   adapter,
		handler: handler,
		cfgMgr:  cfgMgr,
		logger:  logger,
		hooks:   make(map[string]*Hook),
		cancel:  make(map[string]context.CancelFunc),
	}
}

// Start launches n hooks.
func (p *Pool) Start(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.spawnLocked(ctx)
	}
}

// Resize grows the pool to n hooks by spawning, or shrinks it to n by
// stopping idle hooks first.
func (p *Pool) Resize(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := len(p.hooks)
	if n > current {
		for i := current; i < n; i++ {
			p.spawnLocked(ctx)
		}
		return
	}

	for _, id := range p.shrinkOrderLocked() {
		if len(p.hooks) <= n {
			return
		}
		p.stopOneLocked(id)
	}
}

// Size reports the current hook count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hooks)
}

// Stop cancels every hook and waits for them to join.
func (p *Pool) Stop() {
	p.mu.Lock()
	for id := range p.cancel {
		p.cancel[id]()
	}
	p.hooks = make(map[string]*Hook)
	p.cancel = make(map[string]context.CancelFunc)
	p.order = nil
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) spawnLocked(ctx context.Context) {
	p.nextID++
	id := fmt.Sprintf("%s-%d", p.role, p.nextID)
	hookCtx, cancel := context.WithCancel(ctx)

	h := NewHook(id, p.role, p.queue, p.beads, p.handler, p.cfgMgr, p.logger.With("hook", id))
	p.hooks[id] = h
	p.cancel[id] = cancel
	p.order = append(p.order, id)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		h.Run(hookCtx)
	}()
}

func (p *Pool) stopOneLocked(id string) {
	if cancel, ok := p.cancel[id]; ok {
		cancel()
	}
	delete(p.hooks, id)
	delete(p.cancel, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// shrinkOrderLocked returns hook ids in the order they should be stopped:
// idle hooks first (oldest first), then busy hooks oldest first. p.order is
// already insertion-ordered, so a single partition preserves that order
// within each group.
func (p *Pool) shrinkOrderLocked() []string {
	var idle, busy []string
	for _, id := range p.order {
		if p.hooks[id].Idle() {
			idle = append(idle, id)
		} else {
			busy = append(busy, id)
		}
	}
	return append(idle, busy...)
}
