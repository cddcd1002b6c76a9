package beads

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to string
		wantErr  bool
	}{
		{StatusOpen, StatusInProgress, false},
		{StatusOpen, StatusDone, false},
		{StatusOpen, StatusVerify, true},
		{StatusInProgress, StatusVerify, false},
		{StatusInProgress, StatusOpen, false},
		{StatusInProgress, StatusDone, true},
		{StatusVerify, StatusDone, false},
		{StatusVerify, StatusInProgress, false},
		{StatusVerify, StatusOpen, false},
		{StatusDone, StatusInProgress, false},
		{StatusDone, StatusOpen, false},
		{StatusDone, StatusVerify, true},
	}
	for _, c := range cases {
		err := ValidateTransition(c.from, c.to)
		if c.wantErr && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("ValidateTransition(%s, %s) = %v, want ErrInvalidTransition", c.from, c.to, err)
		}
		if !c.wantErr && err != nil {
			t.Errorf("ValidateTransition(%s, %s) = %v, want nil", c.from, c.to, err)
		}
	}
}

func TestCanReachDone(t *testing.T) {
	if !CanReachDone("some acceptance test", nil) {
		t.Error("non-empty acceptance test should allow done")
	}
	if CanReachDone("", nil) {
		t.Error("empty acceptance test without failed label should block done")
	}
	if !CanReachDone("", []string{LabelFailed}) {
		t.Error("failed label should allow done without an acceptance test")
	}
}

func TestLabelHelpers(t *testing.T) {
	labels := []string{"a", "b"}
	labels = AddLabel(labels, "c")
	if !HasLabel(labels, "c") {
		t.Fatal("expected c to be added")
	}
	labels = AddLabel(labels, "c")
	count := 0
	for _, l := range labels {
		if l == "c" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected AddLabel to be idempotent, got %d copies", count)
	}

	labels = RemoveLabel(labels, "b")
	if HasLabel(labels, "b") {
		t.Error("expected b to be removed")
	}
}

func TestWellKnownLabelConstructors(t *testing.T) {
	labels := []string{FormulaLabel("recovery_flow"), StepLabel("main"), RecoversLabel("bead-1")}

	name, ok := FormulaNameFromLabels(labels)
	if !ok || name != "recovery_flow" {
		t.Errorf("FormulaNameFromLabels = %q, %v", name, ok)
	}
	step, ok := StepIDFromLabels(labels)
	if !ok || step != "main" {
		t.Errorf("StepIDFromLabels = %q, %v", step, ok)
	}
	recovers, ok := RecoversBeadFromLabels(labels)
	if !ok || recovers != "bead-1" {
		t.Errorf("RecoversBeadFromLabels = %q, %v", recovers, ok)
	}
}

func TestAllBlockersDone(t *testing.T) {
	lookup := map[string]*Bead{
		"b1": {ID: "b1", Status: StatusDone},
		"b2": {ID: "b2", Status: StatusDone, Labels: []string{LabelFailed}},
	}

	done, anyFailed := AllBlockersDone([]string{"b1", "b2"}, lookup)
	if !done || !anyFailed {
		t.Errorf("AllBlockersDone = %v, %v, want true, true", done, anyFailed)
	}

	done, _ = AllBlockersDone([]string{"b1", "missing"}, lookup)
	if done {
		t.Error("expected done=false for a missing blocker")
	}

	done, anyFailed = AllBlockersDone(nil, lookup)
	if !done || anyFailed {
		t.Errorf("AllBlockersDone(nil) = %v, %v, want true, false", done, anyFailed)
	}
}
