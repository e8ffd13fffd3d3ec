// Package trade routes two-party resource trades. The negotiator holds no I/O: each call
// returns the notices to deliver and, once both sides accept the same terms, the transfer
// the caller must run against the store before calling Settle.
package trade

import (
	"errors"
	"fmt"

	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
)

type State int

const (
	Requested State = iota
	Offered
	CounterOffered
	Accepted
	Declined
	Cancelled
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Offered:
		return "offered"
	case CounterOffered:
		return "counter_offered"
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is one negotiation. Terms are kept relative to the initiator: AToB leaves the
// initiator, BToA leaves the counterpart.
type Session struct {
	Initiator   string
	Counterpart string
	State       State
	AToB        map[store.Resource]int
	BToA        map[store.Resource]int
	Proposer    string
	Rounds      int

	accepted map[string]bool
	orphaned bool
}

func (s *Session) other(id string) string {
	if id == s.Initiator {
		return s.Counterpart
	}
	return s.Initiator
}

// terms returns (give, receive) from id's point of view.
func (s *Session) terms(id string) (give, receive map[store.Resource]int) {
	if id == s.Initiator {
		return s.AToB, s.BToA
	}
	return s.BToA, s.AToB
}

func (s *Session) transfer() store.TransferRequest {
	return store.TransferRequest{A: s.Initiator, B: s.Counterpart, AToB: s.AToB, BToA: s.BToA}
}

type Notice struct {
	To    string
	Event protocol.Event
}

type Result struct {
	Notices []Notice
	// Transfer is set when the session just reached Accepted.
	Transfer *store.TransferRequest
}

func (r *Result) notify(to string, ev protocol.Event) {
	r.Notices = append(r.Notices, Notice{To: to, Event: ev})
}

type pairKey struct{ lo, hi string }

func keyOf(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Negotiator is owned by one session actor and is not safe for concurrent use.
type Negotiator struct {
	sessions map[pairKey]*Session
}

func NewNegotiator() *Negotiator {
	return &Negotiator{sessions: map[pairKey]*Session{}}
}

func (n *Negotiator) Get(a, b string) (*Session, bool) {
	s, ok := n.sessions[keyOf(a, b)]
	return s, ok
}

func (n *Negotiator) Len() int { return len(n.sessions) }

func (n *Negotiator) lookup(from, to string) *Session {
	if from == "" || to == "" || from == to {
		return nil
	}
	return n.sessions[keyOf(from, to)]
}

func (n *Negotiator) Request(from, to string) Result {
	var r Result
	if from == "" || to == "" || from == to {
		return r
	}
	if _, busy := n.sessions[keyOf(from, to)]; busy {
		r.notify(from, denied(protocol.TypeRequestTrade, to, protocol.ReasonTradeBusy))
		return r
	}
	n.sessions[keyOf(from, to)] = &Session{
		Initiator:   from,
		Counterpart: to,
		State:       Requested,
		accepted:    map[string]bool{},
	}
	ev := protocol.NewEvent(protocol.EventTradeRequested)
	ev["fromParticipant"] = from
	r.notify(to, ev)
	return r
}

// Respond is the counterpart's answer to a request. Declining ends the session.
func (n *Negotiator) Respond(from, to string, accept bool) Result {
	var r Result
	s := n.lookup(from, to)
	if s == nil || s.State != Requested || from != s.Counterpart {
		return r
	}
	if !accept {
		return n.end(s, from, Declined)
	}
	ev := protocol.NewEvent(protocol.EventTradeResponse)
	ev["fromParticipant"] = from
	ev["accept"] = true
	r.notify(to, ev)
	return r
}

// Propose puts concrete terms on the table. give and receive are relative to from. The
// proposer implicitly accepts its own terms.
func (n *Negotiator) Propose(from, to string, give, receive map[store.Resource]int) Result {
	var r Result
	s := n.lookup(from, to)
	if s == nil || s.State == Accepted {
		return r
	}
	if !validTerms(give, receive) {
		return r
	}
	if from == s.Initiator {
		s.AToB, s.BToA = give, receive
	} else {
		s.AToB, s.BToA = receive, give
	}
	evType := protocol.EventTradeOffer
	if s.State == Requested {
		s.State = Offered
	} else {
		s.State = CounterOffered
		evType = protocol.EventTradeCounterOffer
	}
	s.Proposer = from
	s.Rounds++
	s.accepted = map[string]bool{from: true}

	ev := protocol.NewEvent(evType)
	ev["fromParticipant"] = from
	ev["give"] = wire(give)
	ev["receive"] = wire(receive)
	r.notify(to, ev)
	return r
}

// Answer accepts or declines the terms currently on the table.
func (n *Negotiator) Answer(from, to string, accept bool) Result {
	var r Result
	s := n.lookup(from, to)
	if s == nil || (s.State != Offered && s.State != CounterOffered) {
		return r
	}
	if !accept {
		return n.end(s, from, Declined)
	}
	if s.accepted[from] {
		return r
	}
	s.accepted[from] = true

	ev := protocol.NewEvent(protocol.EventTradeOfferResponse)
	ev["fromParticipant"] = from
	ev["accept"] = true
	r.notify(to, ev)

	if s.accepted[s.Initiator] && s.accepted[s.Counterpart] {
		s.State = Accepted
		tr := s.transfer()
		r.Transfer = &tr
	}
	return r
}

// Confirm is an explicit completion signal; it accepts the current terms.
func (n *Negotiator) Confirm(from, to string) Result {
	return n.Answer(from, to, true)
}

func (n *Negotiator) Cancel(from, to string) Result {
	s := n.lookup(from, to)
	if s == nil || s.State == Accepted {
		return Result{}
	}
	return n.end(s, from, Cancelled)
}

// CancelAll force-terminates every session involving id, notifying the counterparts.
// A session whose transfer is in flight is left for Settle to finish.
func (n *Negotiator) CancelAll(id string) Result {
	var r Result
	for k, s := range n.sessions {
		if s.Initiator != id && s.Counterpart != id {
			continue
		}
		if s.State == Accepted {
			s.orphaned = true
			continue
		}
		delete(n.sessions, k)
		s.State = Cancelled
		r.notify(s.other(id), closedEvent(protocol.EventTradeCancelled, id))
	}
	return r
}

// Settle records the outcome of the transfer returned when the pair reached Accepted.
// Success ends the session. Insufficient balance sends it back to Offered with both
// acceptances cleared.
func (n *Negotiator) Settle(a, b string, err error) Result {
	var r Result
	s := n.lookup(a, b)
	if s == nil || s.State != Accepted {
		return r
	}
	if err == nil {
		delete(n.sessions, keyOf(a, b))
		for _, id := range []string{s.Initiator, s.Counterpart} {
			give, receive := s.terms(id)
			ev := protocol.NewEvent(protocol.EventTradeCompleted)
			ev["withParticipant"] = s.other(id)
			ev["give"] = wire(give)
			ev["receive"] = wire(receive)
			r.notify(id, ev)
		}
		return r
	}
	if s.orphaned {
		delete(n.sessions, keyOf(a, b))
		s.State = Cancelled
		r.notify(s.Initiator, closedEvent(protocol.EventTradeCancelled, s.Counterpart))
		r.notify(s.Counterpart, closedEvent(protocol.EventTradeCancelled, s.Initiator))
		return r
	}
	s.State = Offered
	s.accepted = map[string]bool{}
	reason := protocol.ReasonInternal
	if errors.Is(err, store.ErrInsufficient) {
		reason = protocol.ReasonInsufficient
	}
	r.notify(s.Initiator, denied(protocol.TypeTradeOfferResponse, s.Counterpart, reason))
	r.notify(s.Counterpart, denied(protocol.TypeTradeOfferResponse, s.Initiator, reason))
	return r
}

func (n *Negotiator) end(s *Session, by string, st State) Result {
	var r Result
	delete(n.sessions, keyOf(s.Initiator, s.Counterpart))
	s.State = st
	evType := protocol.EventTradeDeclined
	if st == Cancelled {
		evType = protocol.EventTradeCancelled
	}
	r.notify(s.other(by), closedEvent(evType, by))
	return r
}

func closedEvent(typ, by string) protocol.Event {
	ev := protocol.NewEvent(typ)
	ev["fromParticipant"] = by
	return ev
}

func denied(action, with, reason string) protocol.Event {
	ev := protocol.NewEvent(protocol.EventActionDenied)
	ev["action"] = action
	ev["reason"] = reason
	ev["withParticipant"] = with
	return ev
}

func validTerms(give, receive map[store.Resource]int) bool {
	total := 0
	for _, m := range []map[store.Resource]int{give, receive} {
		for r, v := range m {
			if _, ok := store.ParseResource(string(r)); !ok || v < 0 {
				return false
			}
			total += v
		}
	}
	return total > 0
}

// ParseAmounts converts a wire resource map. Unknown resources or negative amounts fail.
func ParseAmounts(m map[string]int) (map[store.Resource]int, bool) {
	out := make(map[store.Resource]int, len(m))
	for k, v := range m {
		r, ok := store.ParseResource(k)
		if !ok || v < 0 {
			return nil, false
		}
		if v > 0 {
			out[r] = v
		}
	}
	return out, true
}

func wire(m map[store.Resource]int) map[string]int {
	out := make(map[string]int, len(m))
	for r, v := range m {
		out[string(r)] = v
	}
	return out
}
