package gate

import (
	"testing"

	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
)

func newGate() *Gatekeeper {
	return New(6, map[store.ObjectiveKind]int{
		store.KindFactory: 20,
		store.KindWater:   10,
		store.KindFence:   1,
		store.KindHouse:   5,
	})
}

func TestAdmit_PartialThenRateLimited(t *testing.T) {
	g := newGate()
	pos := Point{X: 0, Y: 0}

	d := g.Admit("p1", pos, store.KindFactory, nil, 15)
	if !d.Allowed || d.Admitted != 15 {
		t.Fatalf("first: %+v", d)
	}
	d = g.Admit("p1", pos, store.KindFactory, nil, 15)
	if !d.Allowed || d.Admitted != 5 {
		t.Fatalf("partial: got=%d want=5", d.Admitted)
	}
	d = g.Admit("p1", pos, store.KindFactory, nil, 1)
	if d.Allowed || d.Reason != protocol.ReasonRateLimited {
		t.Fatalf("exhausted: %+v", d)
	}

	// Other participants and kinds have their own budget.
	if d := g.Admit("p2", pos, store.KindFactory, nil, 20); d.Admitted != 20 {
		t.Fatalf("p2: got=%d want=20", d.Admitted)
	}
	if d := g.Admit("p1", pos, store.KindWater, &store.Coord{}, 3); d.Admitted != 3 {
		t.Fatalf("p1 water: got=%d want=3", d.Admitted)
	}

	g.Reset(store.KindFactory)
	if d := g.Admit("p1", pos, store.KindFactory, nil, 1); !d.Allowed {
		t.Fatalf("after reset: %+v", d)
	}
	if got := g.Remaining("p1", store.KindWater); got != 7 {
		t.Fatalf("water budget survives factory reset: got=%d want=7", got)
	}
}

func TestAdmit_OutOfRangeHasNoSideEffect(t *testing.T) {
	g := newGate()
	far := &store.Coord{X: 10, Y: 0}
	d := g.Admit("p1", Point{X: 0, Y: 0}, store.KindFence, far, 1)
	if d.Allowed || d.Reason != protocol.ReasonOutOfRange {
		t.Fatalf("expected out_of_range, got %+v", d)
	}
	if got := g.Remaining("p1", store.KindFence); got != 1 {
		t.Fatalf("denial consumed budget: remaining=%d", got)
	}
}

func TestAdmit_RangeBoundaryInclusive(t *testing.T) {
	g := newGate()
	// 3-4-5 scaled: distance exactly 6.
	if d := g.Admit("p1", Point{X: 0, Y: 0}, store.KindHouse, &store.Coord{X: 0, Y: 6}, 1); !d.Allowed {
		t.Fatalf("distance == range must be allowed: %+v", d)
	}
	if d := g.Admit("p1", Point{X: 0.1, Y: 0}, store.KindHouse, &store.Coord{X: 5, Y: 4}, 1); d.Allowed {
		t.Fatalf("distance > range must be denied: %+v", d)
	}
}

func TestAdmit_BadQuantity(t *testing.T) {
	g := newGate()
	if d := g.Admit("p1", Point{}, store.KindFactory, nil, 0); d.Allowed || d.Reason != protocol.ReasonBadRequest {
		t.Fatalf("zero qty: %+v", d)
	}
}

func TestForget(t *testing.T) {
	g := newGate()
	g.Admit("p1", Point{}, store.KindFence, &store.Coord{}, 1)
	if got := g.Remaining("p1", store.KindFence); got != 0 {
		t.Fatalf("remaining: got=%d want=0", got)
	}
	g.Forget("p1")
	if got := g.Remaining("p1", store.KindFence); got != 1 {
		t.Fatalf("after forget: got=%d want=1", got)
	}
}
