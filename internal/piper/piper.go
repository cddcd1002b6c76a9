// Package piper resolves {{steps.<id>.output[.<path>]}} references in a
// bead's context against its blockers' completed ticket output, once those
// blockers reach done. It is the runtime half of the template substitution
// internal/formula leaves unresolved at compile time.
package piper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/antigravity-dev/citadel/internal/beads"
	"github.com/antigravity-dev/citadel/internal/queue"
)

var stepToken = regexp.MustCompile(`\{\{\s*steps\.([a-zA-Z0-9_-]+)\.output((?:\.[a-zA-Z0-9_]+)*)\s*\}\}`)

// Piper resolves step-output references against the work queue.
type Piper struct {
	beads  beads.Adapter
	queue  *queue.WorkQueue
	logger *slog.Logger
}

// New builds a Piper backed by adapter for bead lookups and q for ticket
// output lookups.
func New(adapter beads.Adapter, q *queue.WorkQueue, logger *slog.Logger) *Piper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Piper{beads: adapter, queue: q, logger: logger}
}

// Resolve fills bead's context from upstream step outputs and writes the
// result back via Update if anything changed. It never runs on a bead with
// an empty context. Returns whether any value was resolved.
func (p *Piper) Resolve(ctx context.Context, bead *beads.Bead) (bool, error) {
	if len(bead.Context) == 0 {
		return false, nil
	}

	upstream, err := p.upstreamByStep(ctx, bead.Blockers)
	if err != nil {
		return false, err
	}
	if len(upstream) == 0 {
		return false, nil
	}

	changed := false
	next := make(map[string]any, len(bead.Context))
	for key, value := range bead.Context {
		s, ok := value.(string)
		if !ok || !strings.Contains(s, "{{steps.") {
			next[key] = value
			continue
		}
		resolved, ok := p.resolveValue(s, upstream)
		if !ok {
			next[key] = value
			continue
		}
		next[key] = resolved
		changed = true
	}

	if !changed {
		return false, nil
	}

	if err := p.beads.Update(ctx, bead.ID, beads.UpdateFields{Context: next}); err != nil {
		return false, fmt.Errorf("piper: writing resolved context for %s: %w", bead.ID, err)
	}
	bead.Context = next
	return true, nil
}

func (p *Piper) upstreamByStep(ctx context.Context, blockers []string) (map[string]*beads.Bead, error) {
	out := make(map[string]*beads.Bead)
	for _, id := range blockers {
		b, err := p.beads.Show(ctx, id)
		if err != nil {
			p.logger.Warn("piper: could not load blocker bead", "bead", id, "error", err)
			continue
		}
		stepID, ok := beads.StepIDFromLabels(b.Labels)
		if !ok {
			continue
		}
		out[stepID] = b
	}
	return out, nil
}

// resolveValue resolves every {{steps.<id>.output[.<path>]}} token in s. If
// the entire trimmed string is a single token, the raw resolved value
// (object, number, bool, string) is returned so full-replacement preserves
// non-string types. Otherwise every token is stringified and substituted in
// place. ok is false if any token in s remains unresolved.
func (p *Piper) resolveValue(s string, upstream map[string]*beads.Bead) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if m := stepToken.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		return p.lookup(m[1], m[2], upstream)
	}

	anyUnresolved := false
	result := stepToken.ReplaceAllStringFunc(s, func(tok string) string {
		sub := stepToken.FindStringSubmatch(tok)
		leaf, ok := p.lookup(sub[1], sub[2], upstream)
		if !ok {
			anyUnresolved = true
			return tok
		}
		return stringifyLeaf(leaf)
	})
	if anyUnresolved {
		return nil, false
	}
	return result, true
}

func (p *Piper) lookup(stepID, path string, upstream map[string]*beads.Bead) (any, bool) {
	u, ok := upstream[stepID]
	if !ok {
		return nil, false
	}
	output, err := p.queue.GetOutput(u.ID)
	if err != nil || output == nil {
		return nil, false
	}

	var decoded any
	if err := json.Unmarshal(output, &decoded); err != nil {
		return nil, false
	}

	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return decoded, true
	}
	for _, part := range strings.Split(path, ".") {
		m, ok := decoded.(map[string]any)
		if !ok {
			return nil, false
		}
		decoded, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return decoded, true
}

func stringifyLeaf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
