package conflict

import (
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	c := &Conflict{}
	if c.IsResolved() {
		t.Fatal("new conflict should not be resolved")
	}

	now := time.Now()
	if err := c.Resolve(ResolutionRemote, "remote-val", "system", now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !c.IsResolved() {
		t.Error("expected conflict to be resolved")
	}
	if *c.ResolvedValue != "remote-val" || *c.ResolvedBy != "system" {
		t.Errorf("unexpected resolution fields: %+v", c)
	}
}

func TestResolve_RejectsDoubleResolution(t *testing.T) {
	c := &Conflict{}
	now := time.Now()
	if err := c.Resolve(ResolutionLocal, "v", "system", now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := c.Resolve(ResolutionManual, "v2", "reviewer", now); err != ErrAlreadyResolved {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}
