package session

import (
	"math"
	"strings"
	"unicode/utf8"

	plog "rebuildcraft.ai/internal/persistence/log"
	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
)

const maxChatRunes = 280

// handleAction routes one inbound message. Malformed messages and messages from
// participants or connections not in the roster are dropped without a reply.
func (s *Session) handleAction(env Envelope) {
	p := s.byID[env.ParticipantID]
	if p == nil || p.connID != env.ConnID {
		return
	}
	act := env.Act
	switch act.Type {
	case protocol.TypeClickRuin, protocol.TypeFactoryClick,
		protocol.TypeWaterTile, protocol.TypeBuildFence, protocol.TypeBuildHouse:
		s.handleContribution(p, act)
	case protocol.TypeUpdatePosition:
		s.handlePosition(p, act)
	case protocol.TypeUpdateColor:
		s.handleColor(p, act)
	case protocol.TypeChatMessage:
		s.handleChat(p, act)
	case protocol.TypeRequestTrade, protocol.TypeRespondTrade,
		protocol.TypeTradeOffer, protocol.TypeTradeCounterOffer,
		protocol.TypeTradeOfferResponse, protocol.TypeTradeCompleted, protocol.TypeCancelTrade:
		s.handleTrade(p, act)
	}
}

// contribution resolves an action to its objective and requested quantity.
func (s *Session) contribution(act protocol.ActionMsg) (key store.ObjectiveKey, target *store.Coord, qty int, ok bool) {
	var kind store.ObjectiveKind
	switch act.Type {
	case protocol.TypeClickRuin:
		kind, qty = store.KindFactory, positiveOr(act.Value, 1)
	case protocol.TypeFactoryClick:
		kind, qty = store.KindFactory, positiveOr(act.Inc, 1)
	case protocol.TypeWaterTile:
		kind, qty = store.KindWater, positiveOr(act.Inc, 1)
	case protocol.TypeBuildFence:
		kind, qty = store.KindFence, 1
	case protocol.TypeBuildHouse:
		kind, qty = store.KindHouse, 1
	default:
		return key, nil, 0, false
	}
	if !s.spec.Has(kind) {
		return key, nil, 0, false
	}
	if kind == store.KindFactory {
		return s.spec.Key(kind, store.Coord{}), nil, qty, true
	}

	if act.X == nil || act.Y == nil || !finite(*act.X) || !finite(*act.Y) {
		return key, nil, 0, false
	}
	c := store.Coord{X: int(math.Round(*act.X)), Y: int(math.Round(*act.Y))}
	if !s.spec.Target(kind, c) {
		return key, nil, 0, false
	}
	return s.spec.Key(kind, c), &c, qty, true
}

func (s *Session) handleContribution(p *participant, act protocol.ActionMsg) {
	key, target, qty, ok := s.contribution(act)
	if !ok {
		return
	}
	// Completed targets accept nothing more; a built fence stays built.
	if prog, known := s.progress[key]; known && prog.Complete() {
		return
	}

	d := s.gate.Admit(p.id, p.pos, key.Kind, target, qty)
	if !d.Allowed {
		s.stats.denied.Add(1)
		ev := protocol.NewEvent(protocol.DeniedEvent(act.Type))
		ev["reason"] = d.Reason
		addTarget(ev, target)
		s.send(p, ev)
		return
	}
	s.buf.Queue(p.id, key, d.Admitted)

	ev := protocol.NewEvent(protocol.QueuedEvent(act.Type))
	ev["requested"] = qty
	ev["admitted"] = d.Admitted
	addTarget(ev, target)
	s.send(p, ev)
}

func (s *Session) handleChat(p *participant, act protocol.ActionMsg) {
	text := strings.TrimSpace(act.Text)
	if text == "" {
		return
	}
	if utf8.RuneCountInString(text) > maxChatRunes {
		text = string([]rune(text)[:maxChatRunes])
	}
	now := s.now()
	if ok, _ := s.chatLimit.Allow(p.id, now); !ok {
		s.stats.denied.Add(1)
		s.send(p, actionDenied(act.Type, protocol.ReasonRateLimited))
		return
	}

	ev := protocol.NewEvent(protocol.EventChatMessage)
	ev["from"] = p.id
	ev["name"] = p.name
	ev["text"] = text
	ev["timeMs"] = now.UnixMilli()
	s.broadcast(ev)

	if s.chat != nil {
		if err := s.chat.WriteChat(plog.ChatEntry{
			TimeMs:        now.UnixMilli(),
			MapID:         s.spec.ID,
			ParticipantID: p.id,
			Name:          p.name,
			Text:          text,
		}); err != nil {
			s.log.Printf("chat log: %v", err)
		}
	}
}

func actionDenied(action, reason string) protocol.Event {
	ev := protocol.NewEvent(protocol.EventActionDenied)
	ev["action"] = action
	ev["reason"] = reason
	return ev
}

func addTarget(ev protocol.Event, c *store.Coord) {
	if c == nil {
		return
	}
	ev["x"] = c.X
	ev["y"] = c.Y
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
