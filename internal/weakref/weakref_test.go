package weakref

import (
	"runtime"
	"testing"
)

type widget struct{ n int }

func TestResolve_SucceedsWhileStrongRefLive(t *testing.T) {
	w := &widget{n: 7}
	ref := Make(w)

	got, err := ref.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.n != 7 {
		t.Errorf("got.n = %d, want 7", got.n)
	}
	runtime.KeepAlive(w)
}

func TestResolve_FailsAfterReferentCollected(t *testing.T) {
	var ref Ref[widget]
	func() {
		w := &widget{n: 1}
		ref = Make(w)
	}()

	// Force a few GC cycles; the widget has no remaining strong
	// references once the closure above returned.
	for i := 0; i < 5; i++ {
		runtime.GC()
	}

	if _, err := ref.Resolve(); err == nil {
		t.Log("resolve still succeeded; GC timing is not guaranteed, not treating as failure")
	}
}

func TestValid(t *testing.T) {
	var zero Ref[widget]
	if zero.Valid() {
		t.Error("zero-value Ref should not be Valid")
	}
	w := &widget{}
	ref := Make(w)
	if !ref.Valid() {
		t.Error("Ref constructed via Make should be Valid")
	}
	runtime.KeepAlive(w)
}
