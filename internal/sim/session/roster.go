package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
	"rebuildcraft.ai/internal/sim/gate"
)

type participant struct {
	id     string
	name   string
	color  string
	connID string
	pos    gate.Point
	out    chan []byte

	lastPersistMs int64
	dirty         bool
}

func (p *participant) view() protocol.ParticipantView {
	return protocol.ParticipantView{ID: p.id, Name: p.name, X: p.pos.X, Y: p.pos.Y, Color: p.color}
}

func (s *Session) hydrate(ctx context.Context, req JoinRequest) (hydrated, error) {
	if req.ParticipantID == "" {
		return hydrated{}, fmt.Errorf("join: empty participant id")
	}
	h := hydrated{req: req, pos: gate.Point{X: s.spec.Spawn.X, Y: s.spec.Spawn.Y}}
	if req.Spawn != nil {
		h.pos = *req.Spawn
	}

	rec, found, err := s.store.GetParticipantRecord(ctx, req.ParticipantID)
	if err != nil {
		return hydrated{}, fmt.Errorf("join %s: %w", req.ParticipantID, err)
	}
	if found {
		if rec.HasPosition {
			h.pos = gate.Point{X: rec.X, Y: rec.Y}
		}
		h.color = rec.Color
		if h.req.Name == "" {
			h.req.Name = rec.Name
		}
	}
	if h.req.Name == "" {
		h.req.Name = req.ParticipantID
	}

	starter := map[store.Resource]int{}
	for k, v := range s.tun.Starter {
		if r, ok := store.ParseResource(k); ok {
			starter[r] = v
		}
	}
	if h.inventory, err = s.store.EnsureInventory(ctx, req.ParticipantID, starter); err != nil {
		return hydrated{}, fmt.Errorf("join %s: %w", req.ParticipantID, err)
	}
	if h.objectives, err = s.store.ListObjectives(ctx, s.spec.ID, ""); err != nil {
		return hydrated{}, fmt.Errorf("join %s: %w", req.ParticipantID, err)
	}
	return h, nil
}

func (s *Session) handleJoin(h hydrated) {
	wasUnlocked := s.unlocked
	s.cacheProgress(h.objectives)

	p := s.byID[h.req.ParticipantID]
	if p == nil {
		p = &participant{id: h.req.ParticipantID}
		s.byID[p.id] = p
		s.roster = append(s.roster, p)
	}
	// A reconnect takes over the existing roster slot.
	p.name = h.req.Name
	p.color = h.color
	p.connID = h.req.ConnID
	p.pos = h.pos
	p.out = h.req.Out
	p.lastPersistMs = s.now().UnixMilli()
	s.stats.participants.Store(int64(len(s.roster)))
	s.stats.emptySince.Store(0)

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ConnectionID:    h.req.ConnID,
		MapID:           s.spec.ID,
		Participant:     p.view(),
		Roster:          s.rosterViews(),
		Objectives:      objectiveViews(s.progressList("")),
		Inventory:       h.inventory.Wire(),
	}
	if s.unlocked {
		welcome.UnlockedMapID = s.spec.Successor
	}
	if h.resp != nil {
		h.resp <- JoinResponse{Welcome: welcome}
	}

	s.broadcastRoster()
	s.sendInventory(p.id, h.inventory)
	switch {
	case s.unlocked && s.spec.Successor == 0:
	case s.unlocked && !wasUnlocked:
		s.broadcast(unlockedEvent(s.spec.Successor))
	case s.unlocked:
		s.send(p, unlockedEvent(s.spec.Successor))
	}
}

func (s *Session) handleLeave(req leaveReq) {
	p := s.byID[req.ParticipantID]
	if p == nil || (req.ConnID != "" && p.connID != req.ConnID) {
		return
	}
	delete(s.byID, p.id)
	for i, q := range s.roster {
		if q == p {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			break
		}
	}
	s.stats.participants.Store(int64(len(s.roster)))
	if len(s.roster) == 0 {
		s.stats.emptySince.Store(s.now().UnixMilli())
	}

	s.gate.Forget(p.id)
	s.chatLimit.Forget(p.id)
	s.tradeLimit.Forget(p.id)
	s.deliver(s.trades.CancelAll(p.id).Notices)
	if p.dirty {
		s.persistPosition(p)
	}
	s.broadcastRoster()
}

func (s *Session) handlePosition(p *participant, act protocol.ActionMsg) {
	if act.X == nil || act.Y == nil || !finite(*act.X) || !finite(*act.Y) {
		return
	}
	p.pos = gate.Point{X: *act.X, Y: *act.Y}
	s.broadcastRoster()

	if s.now().UnixMilli()-p.lastPersistMs >= int64(s.tun.PositionPersistMs) {
		s.persistPosition(p)
		return
	}
	p.dirty = true
}

// sweepPositions persists positions whose throttle window has passed, or all dirty
// ones when force is set.
func (s *Session) sweepPositions(force bool) {
	nowMs := s.now().UnixMilli()
	for _, p := range s.roster {
		if p.dirty && (force || nowMs-p.lastPersistMs >= int64(s.tun.PositionPersistMs)) {
			s.persistPosition(p)
		}
	}
}

func (s *Session) persistPosition(p *participant) {
	p.dirty = false
	p.lastPersistMs = s.now().UnixMilli()
	id, name, x, y := p.id, p.name, p.pos.X, p.pos.Y
	s.goStore("persist position "+id, func(ctx context.Context) error {
		return s.store.UpsertParticipantPosition(ctx, id, name, x, y)
	})
}

func (s *Session) handleColor(p *participant, act protocol.ActionMsg) {
	if act.Color == "" || len(act.Color) > 32 {
		return
	}
	p.color = act.Color
	s.broadcastRoster()
	id, name, color := p.id, p.name, p.color
	s.goStore("persist color "+id, func(ctx context.Context) error {
		return s.store.UpsertParticipantColor(ctx, id, name, color)
	})
}

func (s *Session) rosterViews() []protocol.ParticipantView {
	out := make([]protocol.ParticipantView, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, p.view())
	}
	return out
}

func (s *Session) broadcastRoster() {
	ev := protocol.NewEvent(protocol.EventClients)
	ev["clients"] = s.rosterViews()
	s.broadcast(ev)
}

func (s *Session) broadcast(ev protocol.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Printf("encode %s: %v", ev.Type(), err)
		return
	}
	for _, p := range s.roster {
		sendLatest(p.out, b)
	}
}

func (s *Session) send(p *participant, ev protocol.Event) {
	if p == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Printf("encode %s: %v", ev.Type(), err)
		return
	}
	sendLatest(p.out, b)
}

// sendTo delivers to a participant by id; absent participants are skipped.
func (s *Session) sendTo(id string, ev protocol.Event) {
	s.send(s.byID[id], ev)
}

func (s *Session) sendInventory(id string, inv store.Inventory) {
	ev := protocol.NewEvent(protocol.EventInventoryUpdate)
	ev["inventory"] = inv.Wire()
	s.sendTo(id, ev)
}

// sendLatest never blocks the loop: when the client queue is full the oldest message
// is dropped.
func sendLatest(ch chan []byte, b []byte) {
	if ch == nil {
		return
	}
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func objectiveViews(all []store.Progress) []protocol.ObjectiveView {
	out := make([]protocol.ObjectiveView, 0, len(all))
	for _, p := range all {
		out = append(out, protocol.ObjectiveView{
			Kind:     string(p.Key.Kind),
			X:        p.Key.Coord.X,
			Y:        p.Key.Coord.Y,
			Current:  p.Current,
			Required: p.Required,
		})
	}
	return out
}

func unlockedEvent(mapID int) protocol.Event {
	ev := protocol.NewEvent(protocol.EventMapUnlocked)
	ev["mapId"] = mapID
	return ev
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
