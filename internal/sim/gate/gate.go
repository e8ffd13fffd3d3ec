// Package gate admits or denies contribution actions before they reach the buffer.
// Checks are proximity (Euclidean distance to the target) and a per-interval cap per
// participant and objective kind, with partial admission when a request exceeds what
// is left of the cap. A denial has no side effect.
package gate

import (
	"math"

	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
)

type Point struct {
	X, Y float64
}

type Decision struct {
	Allowed  bool
	Admitted int
	Reason   string
}

func deny(reason string) Decision { return Decision{Reason: reason} }

// Gatekeeper is owned by one session actor and is not safe for concurrent use.
type Gatekeeper struct {
	Range float64
	Caps  map[store.ObjectiveKind]int

	used map[string]map[store.ObjectiveKind]int
}

func New(rangeTiles float64, caps map[store.ObjectiveKind]int) *Gatekeeper {
	return &Gatekeeper{
		Range: rangeTiles,
		Caps:  caps,
		used:  map[string]map[store.ObjectiveKind]int{},
	}
}

// Admit checks one request for qty units of kind. target is nil for map-wide
// objectives, which skip the proximity check.
func (g *Gatekeeper) Admit(participantID string, pos Point, kind store.ObjectiveKind, target *store.Coord, qty int) Decision {
	if qty <= 0 || !kind.Valid() {
		return deny(protocol.ReasonBadRequest)
	}
	if target != nil && !InRange(pos, *target, g.Range) {
		return deny(protocol.ReasonOutOfRange)
	}

	limit := g.Caps[kind]
	if limit <= 0 {
		return Decision{Allowed: true, Admitted: qty}
	}
	byKind := g.used[participantID]
	left := limit - byKind[kind]
	if left <= 0 {
		return deny(protocol.ReasonRateLimited)
	}
	n := min(qty, left)
	if byKind == nil {
		byKind = map[store.ObjectiveKind]int{}
		g.used[participantID] = byKind
	}
	byKind[kind] += n
	return Decision{Allowed: true, Admitted: n}
}

// Remaining is what participantID may still contribute to kind this interval.
// A negative value means uncapped.
func (g *Gatekeeper) Remaining(participantID string, kind store.ObjectiveKind) int {
	limit := g.Caps[kind]
	if limit <= 0 {
		return -1
	}
	return max(0, limit-g.used[participantID][kind])
}

// Reset opens a new interval for kind. The session calls it on that kind's flush tick.
func (g *Gatekeeper) Reset(kind store.ObjectiveKind) {
	for pid, byKind := range g.used {
		delete(byKind, kind)
		if len(byKind) == 0 {
			delete(g.used, pid)
		}
	}
}

func (g *Gatekeeper) Forget(participantID string) {
	delete(g.used, participantID)
}

func InRange(pos Point, target store.Coord, r float64) bool {
	dx := pos.X - float64(target.X)
	dy := pos.Y - float64(target.Y)
	return math.Hypot(dx, dy) <= r
}
