package trade

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
)

func amounts(kv ...any) map[store.Resource]int {
	out := map[store.Resource]int{}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(store.Resource)] = kv[i+1].(int)
	}
	return out
}

func onlyNotice(t *testing.T, r Result) Notice {
	t.Helper()
	require.Len(t, r.Notices, 1)
	return r.Notices[0]
}

func TestNegotiation_HappyPath(t *testing.T) {
	n := NewNegotiator()

	nt := onlyNotice(t, n.Request("a", "b"))
	require.Equal(t, "b", nt.To)
	require.Equal(t, protocol.EventTradeRequested, nt.Event.Type())

	nt = onlyNotice(t, n.Respond("b", "a", true))
	require.Equal(t, "a", nt.To)

	nt = onlyNotice(t, n.Propose("a", "b", amounts(store.Bricks, 5), amounts(store.Rocks, 3)))
	require.Equal(t, protocol.EventTradeOffer, nt.Event.Type())
	s, ok := n.Get("b", "a")
	require.True(t, ok)
	require.Equal(t, Offered, s.State)

	// Proposer already accepted its own terms.
	require.Empty(t, n.Answer("a", "b", true).Notices)

	r := n.Answer("b", "a", true)
	require.NotNil(t, r.Transfer)
	require.Equal(t, store.TransferRequest{
		A: "a", B: "b",
		AToB: amounts(store.Bricks, 5),
		BToA: amounts(store.Rocks, 3),
	}, *r.Transfer)
	require.Equal(t, Accepted, s.State)

	// Accepted sessions ignore messages until settled.
	require.Empty(t, n.Cancel("a", "b").Notices)
	require.Empty(t, n.Propose("b", "a", amounts(store.Rocks, 1), nil).Notices)

	r = n.Settle("a", "b", nil)
	require.Len(t, r.Notices, 2)
	for _, nt := range r.Notices {
		require.Equal(t, protocol.EventTradeCompleted, nt.Event.Type())
	}
	require.Equal(t, 0, n.Len())
}

func TestCounterOffer_TermsAreSenderRelative(t *testing.T) {
	n := NewNegotiator()
	n.Request("a", "b")
	n.Propose("a", "b", amounts(store.Bricks, 5), amounts(store.Rocks, 3))

	nt := onlyNotice(t, n.Propose("b", "a", amounts(store.Rocks, 2), amounts(store.Bricks, 5)))
	require.Equal(t, "a", nt.To)
	require.Equal(t, protocol.EventTradeCounterOffer, nt.Event.Type())
	require.Equal(t, map[string]int{"rocks": 2}, nt.Event["give"])

	s, _ := n.Get("a", "b")
	require.Equal(t, CounterOffered, s.State)
	require.Equal(t, amounts(store.Bricks, 5), s.AToB)
	require.Equal(t, amounts(store.Rocks, 2), s.BToA)
	require.Equal(t, 2, s.Rounds)

	r := n.Confirm("a", "b")
	require.NotNil(t, r.Transfer)
	require.Equal(t, amounts(store.Rocks, 2), r.Transfer.BToA)
}

func TestRequest_BusyPair(t *testing.T) {
	n := NewNegotiator()
	n.Request("a", "b")
	nt := onlyNotice(t, n.Request("b", "a"))
	require.Equal(t, "b", nt.To)
	require.Equal(t, protocol.EventActionDenied, nt.Event.Type())
	require.Equal(t, protocol.ReasonTradeBusy, nt.Event["reason"])

	// A different pair is unaffected.
	require.Len(t, n.Request("a", "c").Notices, 1)
	require.Equal(t, 2, n.Len())
}

func TestSettle_InsufficientReturnsToOffered(t *testing.T) {
	n := NewNegotiator()
	n.Request("a", "b")
	n.Propose("a", "b", amounts(store.Bricks, 5), amounts(store.Rocks, 3))
	require.NotNil(t, n.Answer("b", "a", true).Transfer)

	r := n.Settle("a", "b", fmt.Errorf("transfer: %w", store.ErrInsufficient))
	require.Len(t, r.Notices, 2)
	for _, nt := range r.Notices {
		require.Equal(t, protocol.EventActionDenied, nt.Event.Type())
		require.Equal(t, protocol.ReasonInsufficient, nt.Event["reason"])
	}
	s, ok := n.Get("a", "b")
	require.True(t, ok)
	require.Equal(t, Offered, s.State)

	// Both sides must accept again.
	require.Nil(t, n.Answer("b", "a", true).Transfer)
	require.NotNil(t, n.Answer("a", "b", true).Transfer)
}

func TestDeclineAndCancel(t *testing.T) {
	n := NewNegotiator()
	n.Request("a", "b")
	nt := onlyNotice(t, n.Respond("b", "a", false))
	require.Equal(t, "a", nt.To)
	require.Equal(t, protocol.EventTradeDeclined, nt.Event.Type())
	require.Equal(t, 0, n.Len())

	n.Request("a", "b")
	n.Propose("b", "a", amounts(store.Rocks, 1), nil)
	nt = onlyNotice(t, n.Answer("a", "b", false))
	require.Equal(t, protocol.EventTradeDeclined, nt.Event.Type())
	require.Equal(t, 0, n.Len())

	n.Request("a", "b")
	nt = onlyNotice(t, n.Cancel("a", "b"))
	require.Equal(t, "b", nt.To)
	require.Equal(t, protocol.EventTradeCancelled, nt.Event.Type())
}

func TestCancelAll_OnDisconnect(t *testing.T) {
	n := NewNegotiator()
	n.Request("a", "b")
	n.Request("c", "a")
	n.Request("c", "d")

	r := n.CancelAll("a")
	require.Len(t, r.Notices, 2)
	to := map[string]bool{}
	for _, nt := range r.Notices {
		to[nt.To] = true
		require.Equal(t, protocol.EventTradeCancelled, nt.Event.Type())
	}
	require.True(t, to["b"] && to["c"])
	require.Equal(t, 1, n.Len())
}

func TestCancelAll_InFlightTransferSettles(t *testing.T) {
	n := NewNegotiator()
	n.Request("a", "b")
	n.Propose("a", "b", amounts(store.Bricks, 1), nil)
	n.Answer("b", "a", true)

	require.Empty(t, n.CancelAll("a").Notices)
	require.Equal(t, 1, n.Len())

	r := n.Settle("a", "b", errors.New("disk full"))
	require.Len(t, r.Notices, 2)
	require.Equal(t, protocol.EventTradeCancelled, r.Notices[0].Event.Type())
	require.Equal(t, 0, n.Len())
}

func TestIgnoredMessages(t *testing.T) {
	n := NewNegotiator()
	require.Empty(t, n.Propose("a", "b", amounts(store.Bricks, 1), nil).Notices)
	require.Empty(t, n.Answer("a", "b", true).Notices)
	require.Empty(t, n.Cancel("a", "b").Notices)
	require.Empty(t, n.Settle("a", "b", nil).Notices)
	require.Empty(t, n.Request("a", "a").Notices)

	n.Request("a", "b")
	// Only the counterpart responds to a request.
	require.Empty(t, n.Respond("a", "b", true).Notices)
	// Empty terms are not an offer.
	require.Empty(t, n.Propose("a", "b", nil, nil).Notices)
	require.Empty(t, n.Propose("a", "b", amounts(store.Bricks, -1), nil).Notices)
}

func TestParseAmounts(t *testing.T) {
	m, ok := ParseAmounts(map[string]int{"bricks": 5, "rocks": 0})
	require.True(t, ok)
	require.Equal(t, amounts(store.Bricks, 5), m)

	_, ok = ParseAmounts(map[string]int{"gold": 1})
	require.False(t, ok)
	_, ok = ParseAmounts(map[string]int{"wood": -2})
	require.False(t, ok)
}
