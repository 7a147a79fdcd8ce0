package group

import (
	"errors"
	"testing"
)

type recordingCloser struct {
	name  string
	order *[]string
	err   error
}

func (c *recordingCloser) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestResourceCleanupLIFO(t *testing.T) {
	var order []string
	rc := NewResourceCleanup(nil)
	rc.Add(&recordingCloser{name: "first", order: &order}, "first")
	rc.Add(&recordingCloser{name: "second", order: &order}, "second")

	rc.Cleanup()
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("close order = %v, want [second first]", order)
	}

	rc.Cleanup()
	if len(order) != 2 {
		t.Error("Cleanup should be idempotent")
	}
}

func TestResourceCleanupDetach(t *testing.T) {
	var order []string
	rc := NewResourceCleanup(nil)
	errClose := errors.New("close failed")
	rc.Add(&recordingCloser{name: "a", order: &order, err: errClose}, "a")
	rc.Add(&recordingCloser{name: "b", order: &order}, "b")

	kept := rc.Detach()
	rc.Cleanup()
	if len(order) != 0 {
		t.Fatalf("detached resources were closed: %v", order)
	}
	if kept.Len() != 2 {
		t.Fatalf("kept.Len() = %d, want 2", kept.Len())
	}

	if err := kept.CloseAll(); !errors.Is(err, errClose) {
		t.Errorf("CloseAll() = %v, want %v", err, errClose)
	}
	if len(order) != 2 {
		t.Errorf("close order = %v", order)
	}
}
