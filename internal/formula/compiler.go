package formula

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antigravity-dev/citadel/internal/beads"
)

// ErrFormulaNotFound indicates an unknown formula name was requested.
var ErrFormulaNotFound = errors.New("formula: unknown formula")

// ErrMissingVariable indicates a required variable with no default and no
// caller-supplied value.
var ErrMissingVariable = errors.New("formula: missing required variable")

// Compiler expands a formula into a molecule of beads via the bead adapter.
// It is the bridge between the declarative TOML step graph and the bead
// state machine: every step becomes a bead, every needs/on_failure edge
// becomes a DepAdd call.
type Compiler struct {
	beads  beads.Adapter
	logger *slog.Logger
}

// NewCompiler builds a Compiler that creates beads through adapter.
func NewCompiler(adapter beads.Adapter, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{beads: adapter, logger: logger}
}

// Instantiate resolves variables against a formula's declarations, creates a
// root molecule bead, expands every step honoring if/for/on_failure, and
// wires dependency edges. It returns the molecule's root bead id.
func (c *Compiler) Instantiate(ctx context.Context, reg *Registry, name string, variables map[string]string, parentID string) (string, error) {
	f := reg.Get(name)
	if f == nil {
		return "", fmt.Errorf("%w: %s", ErrFormulaNotFound, name)
	}

	vars, err := resolveVariables(f, variables)
	if err != nil {
		return "", err
	}

	rootID, err := c.beads.Create(ctx, fmt.Sprintf("[Molecule] %s", renderString(f.Description, vars)), beads.CreateOptions{
		Type:     "epic",
		ParentID: parentID,
		Labels:   []string{beads.FormulaLabel(f.Name)},
	})
	if err != nil {
		return "", fmt.Errorf("formula: creating molecule root for %s: %w", name, err)
	}

	// recoveredBy maps a main step id to the step id designated to recover
	// it via on_failure.
	recoveredBy := make(map[string]string)
	isRecoveryStep := make(map[string]bool)
	for i := range f.Steps {
		if f.Steps[i].OnFailure != "" {
			recoveredBy[f.Steps[i].ID] = f.Steps[i].OnFailure
			isRecoveryStep[f.Steps[i].OnFailure] = true
		}
	}

	stepBeads := make(map[string][]string, len(f.Steps))

	for i := range f.Steps {
		step := &f.Steps[i]

		if step.If != "" && !evalCondition(renderString(step.If, vars)) {
			c.logger.Debug("formula step skipped by if", "formula", name, "step", step.ID)
			continue
		}

		bindings, err := iterationBindings(step, vars)
		if err != nil {
			return "", fmt.Errorf("formula: step %s: %w", step.ID, err)
		}

		ids := make([]string, 0, len(bindings))
		for _, binding := range bindings {
			stepVars := mergeVars(vars, binding)

			labels := []string{beads.FormulaLabel(f.Name), beads.StepLabel(step.ID)}
			if isRecoveryStep[step.ID] {
				labels = append(labels, beads.LabelRecovery)
			}

			id, err := c.beads.Create(ctx, renderString(step.Title, stepVars), beads.CreateOptions{
				Type:        "task",
				ParentID:    rootID,
				Description: renderString(step.Description, stepVars),
				Labels:      labels,
			})
			if err != nil {
				return "", fmt.Errorf("formula: creating step %s: %w", step.ID, err)
			}

			if stepCtx := renderContext(step.Context, stepVars); stepCtx != nil {
				if err := c.beads.Update(ctx, id, beads.UpdateFields{Context: stepCtx}); err != nil {
					return "", fmt.Errorf("formula: attaching context for step %s: %w", step.ID, err)
				}
			}

			ids = append(ids, id)
		}
		stepBeads[step.ID] = ids
	}

	for i := range f.Steps {
		step := &f.Steps[i]
		ids := stepBeads[step.ID]
		if len(ids) == 0 {
			continue // skipped by if
		}
		for _, neededID := range step.Needs {
			neededBeads := stepBeads[neededID]
			if len(neededBeads) == 0 {
				continue // needed step skipped, no edge to wire
			}
			for _, child := range ids {
				for _, parent := range neededBeads {
					if err := c.beads.DepAdd(ctx, child, parent); err != nil {
						return "", fmt.Errorf("formula: wiring %s needs %s: %w", step.ID, neededID, err)
					}
				}
			}
		}
	}

	for mainStepID, recoveryStepID := range recoveredBy {
		mainBeads := stepBeads[mainStepID]
		recoveryBeads := stepBeads[recoveryStepID]
		if len(mainBeads) == 0 || len(recoveryBeads) == 0 {
			continue
		}
		for _, recoveryID := range recoveryBeads {
			for _, mainID := range mainBeads {
				if err := c.beads.DepAdd(ctx, recoveryID, mainID); err != nil {
					return "", fmt.Errorf("formula: wiring recovery %s -> %s: %w", recoveryStepID, mainStepID, err)
				}
				if err := c.beads.Update(ctx, recoveryID, beads.UpdateFields{AddLabels: []string{beads.RecoversLabel(mainID)}}); err != nil {
					return "", fmt.Errorf("formula: labeling recovery bead %s: %w", recoveryID, err)
				}
			}
		}
	}

	return rootID, nil
}

// resolveVariables merges a formula's declared variables (applying
// supplied-over-default, erroring on missing required values) with any
// ad-hoc supplied variable the formula never declared.
func resolveVariables(f *Formula, supplied map[string]string) (map[string]any, error) {
	vars := make(map[string]any, len(f.Variables)+len(supplied))
	for name, v := range f.Variables {
		if raw, ok := supplied[name]; ok {
			vars[name] = raw
			continue
		}
		if v.Default != nil {
			vars[name] = v.Default
			continue
		}
		if v.Required {
			return nil, fmt.Errorf("%w: %s", ErrMissingVariable, name)
		}
		vars[name] = ""
	}
	for name, raw := range supplied {
		if _, known := vars[name]; !known {
			vars[name] = raw
		}
	}
	return vars, nil
}

func mergeVars(vars map[string]any, binding map[string]any) map[string]any {
	if len(binding) == 0 {
		return vars
	}
	out := make(map[string]any, len(vars)+len(binding))
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range binding {
		out[k] = v
	}
	return out
}

// iterationBindings returns one binding per loop iteration for step.For, or
// a single nil binding if the step does not loop.
func iterationBindings(step *Step, vars map[string]any) ([]map[string]any, error) {
	if step.For == nil {
		return []map[string]any{nil}, nil
	}

	items, err := renderItems(step.For.Items, vars)
	if err != nil {
		return nil, err
	}

	bindings := make([]map[string]any, 0, len(items))
	for _, item := range items {
		bindings = append(bindings, map[string]any{step.For.As: item})
	}
	return bindings, nil
}

// renderItems resolves a for.items template into a slice: a JSON array
// literal, a rendered []any from a variable reference, or a comma-separated
// string.
func renderItems(itemsTemplate string, vars map[string]any) ([]any, error) {
	rendered := render(itemsTemplate, vars)
	if arr, ok := rendered.([]any); ok {
		return arr, nil
	}

	s, ok := rendered.(string)
	if !ok {
		s = stringify(rendered)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if strings.HasPrefix(s, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return nil, fmt.Errorf("parsing for.items as JSON array: %w", err)
		}
		return arr, nil
	}

	parts := strings.Split(s, ",")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out, nil
}

// evalCondition evaluates a rendered if-expression. Supported forms: the
// bare literals true/false, and == / != comparisons of (optionally quoted)
// string operands. Anything else is logged and treated as false, since a
// formula step must never run on an expression the compiler cannot read.
func evalCondition(expr string) bool {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "true":
		return true
	case "false", "":
		return false
	}

	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(expr, op); idx >= 0 {
			left := dequote(strings.TrimSpace(expr[:idx]))
			right := dequote(strings.TrimSpace(expr[idx+len(op):]))
			if op == "==" {
				return left == right
			}
			return left != right
		}
	}

	slog.Default().Warn("formula: unsupported if expression, treating as false", "expr", expr)
	return false
}

func dequote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
