package main

import (
	"sync"

	"rebuildcraft.ai/internal/protocol"
)

type target struct {
	kind string
	x, y int
}

// bot tracks which objectives are still open from the welcome snapshot and the
// completion events that follow it.
type bot struct {
	mu      sync.Mutex
	factory bool
	open    []target
	x, y    float64
}

func newBot(w protocol.WelcomeMsg) *bot {
	b := &bot{x: w.Participant.X, y: w.Participant.Y}
	for _, o := range w.Objectives {
		if o.Current >= o.Required {
			continue
		}
		if o.Kind == "factory" {
			b.factory = true
			continue
		}
		b.open = append(b.open, target{kind: o.Kind, x: o.X, y: o.Y})
	}
	return b
}

func (b *bot) observe(ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch ev.Type() {
	case protocol.EventFactoryCompleted:
		b.factory = false
	case protocol.EventTileFlowered:
		b.close("water", ev)
	case protocol.EventFenceBuilt:
		b.close("fence", ev)
	case protocol.EventHouseBuilt:
		b.close("house", ev)
	}
}

func (b *bot) close(kind string, ev protocol.Event) {
	x, _ := ev["x"].(float64)
	y, _ := ev["y"].(float64)
	for i, t := range b.open {
		if t.kind == kind && t.x == int(x) && t.y == int(y) {
			b.open = append(b.open[:i], b.open[i+1:]...)
			return
		}
	}
}

// next returns the actions for one tick: a factory click while the factory is
// open, then a step toward the first open tile target and an action on it.
func (b *bot) next() []protocol.ActionMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.ActionMsg
	if b.factory {
		out = append(out, protocol.ActionMsg{Type: protocol.TypeClickRuin, Value: 1})
	}
	if len(b.open) == 0 {
		return out
	}
	t := b.open[0]
	tx, ty := float64(t.x), float64(t.y)
	if b.x != tx || b.y != ty {
		b.x, b.y = tx, ty
		out = append(out, protocol.ActionMsg{Type: protocol.TypeUpdatePosition, X: &b.x, Y: &b.y})
	}
	var typ string
	switch t.kind {
	case "water":
		typ = protocol.TypeWaterTile
	case "fence":
		typ = protocol.TypeBuildFence
	case "house":
		typ = protocol.TypeBuildHouse
	default:
		return out
	}
	x, y := tx, ty
	out = append(out, protocol.ActionMsg{Type: typ, X: &x, Y: &y})
	return out
}
