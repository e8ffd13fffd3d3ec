package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
	"rebuildcraft.ai/internal/sim/gate"
	"rebuildcraft.ai/internal/sim/trade"
)

func yes() *bool { b := true; return &b }

// agree walks a and b through request, accept and offer, leaving the transfer running.
func (h *harness) agree(give, receive map[string]int) {
	h.act("a", protocol.ActionMsg{Type: protocol.TypeRequestTrade, To: "b"})
	h.act("b", protocol.ActionMsg{Type: protocol.TypeRespondTrade, To: "a", Accept: yes()})
	h.act("a", protocol.ActionMsg{Type: protocol.TypeTradeOffer, To: "b", Give: give, Receive: receive})
	h.act("b", protocol.ActionMsg{Type: protocol.TypeTradeOfferResponse, To: "a", Accept: yes()})
}

func (h *harness) settleTrade() {
	h.s.applyTrade(<-h.s.tradeResults)
}

func TestTradeMovesResources(t *testing.T) {
	h := newHarness(t, mapSpec(t, 1), nil)
	outA := h.join(t, "a", gate.Point{X: 1, Y: 1})
	outB := h.join(t, "b", gate.Point{X: 2, Y: 2})
	events(t, outA)
	events(t, outB)

	h.agree(map[string]int{"bricks": 5}, map[string]int{"rocks": 3})
	h.settleTrade()

	a, b := h.inventory(t, "a"), h.inventory(t, "b")
	require.Equal(t, 15, a[store.Bricks])
	require.Equal(t, 23, a[store.Rocks])
	require.Equal(t, 25, b[store.Bricks])
	require.Equal(t, 17, b[store.Rocks])

	evsA, evsB := events(t, outA), events(t, outB)
	done := ofType(evsA, protocol.EventTradeCompleted)
	require.Len(t, done, 1)
	require.Equal(t, "b", done[0]["withParticipant"])
	require.Len(t, ofType(evsB, protocol.EventTradeCompleted), 1)
	require.Len(t, ofType(evsB, protocol.EventTradeRequested), 1)
	require.Len(t, ofType(evsB, protocol.EventTradeOffer), 1)
	require.Len(t, ofType(evsA, protocol.EventInventoryUpdate), 1)
	require.Len(t, ofType(evsB, protocol.EventInventoryUpdate), 1)

	require.Zero(t, h.s.trades.Len())
	require.Equal(t, uint64(1), h.s.Info().Trades)
}

func TestTradeWithInsufficientBalanceChangesNothing(t *testing.T) {
	h := newHarness(t, mapSpec(t, 1), nil)
	outA := h.join(t, "a", gate.Point{X: 1, Y: 1})
	outB := h.join(t, "b", gate.Point{X: 2, Y: 2})
	_, err := h.db.DebitInventory(context.Background(), "a", store.Bricks, 18)
	require.NoError(t, err)
	events(t, outA)
	events(t, outB)

	h.agree(map[string]int{"bricks": 5}, map[string]int{"rocks": 3})
	h.settleTrade()

	a, b := h.inventory(t, "a"), h.inventory(t, "b")
	require.Equal(t, 2, a[store.Bricks])
	require.Equal(t, 20, a[store.Rocks])
	require.Equal(t, 20, b[store.Bricks])
	require.Equal(t, 20, b[store.Rocks])

	for _, out := range []chan []byte{outA, outB} {
		denied := ofType(events(t, out), protocol.EventActionDenied)
		require.Len(t, denied, 1)
		require.Equal(t, protocol.ReasonInsufficient, denied[0]["reason"])
	}
	sess, ok := h.s.trades.Get("a", "b")
	require.True(t, ok)
	require.Equal(t, trade.Offered, sess.State)
	require.Zero(t, h.s.Info().Trades)
}

func TestTradeStoreFailureReportsInternal(t *testing.T) {
	spec := mapSpec(t, 1)
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "rc.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	fs := &faultStore{Store: db}
	fs.failTransfer.Store(true)
	h := newHarnessWithStore(t, spec, db, fs, nil)
	outA := h.join(t, "a", gate.Point{X: 1, Y: 1})
	h.join(t, "b", gate.Point{X: 2, Y: 2})
	events(t, outA)

	h.agree(map[string]int{"bricks": 1}, nil)
	h.settleTrade()

	denied := ofType(events(t, outA), protocol.EventActionDenied)
	require.Len(t, denied, 1)
	require.Equal(t, protocol.ReasonInternal, denied[0]["reason"])
	require.Equal(t, 20, h.inventory(t, "a")[store.Bricks])
}

func TestTradeRequestChecks(t *testing.T) {
	h := newHarness(t, mapSpec(t, 1), nil)
	outA := h.join(t, "a", gate.Point{X: 1, Y: 1})
	h.join(t, "b", gate.Point{X: 2, Y: 2})
	events(t, outA)

	h.act("a", protocol.ActionMsg{Type: protocol.TypeRequestTrade, To: "nobody"})
	denied := ofType(events(t, outA), protocol.EventActionDenied)
	require.Len(t, denied, 1)
	require.Equal(t, protocol.ReasonNotFound, denied[0]["reason"])

	h.act("a", protocol.ActionMsg{Type: protocol.TypeRequestTrade, To: "b"})
	h.act("a", protocol.ActionMsg{Type: protocol.TypeRequestTrade, To: "b"})
	denied = ofType(events(t, outA), protocol.EventActionDenied)
	require.Len(t, denied, 1)
	require.Equal(t, protocol.ReasonTradeBusy, denied[0]["reason"])

	// Self-trades and unknown resources are dropped.
	h.act("a", protocol.ActionMsg{Type: protocol.TypeRequestTrade, To: "a"})
	h.act("a", protocol.ActionMsg{Type: protocol.TypeTradeOffer, To: "b", Give: map[string]int{"gold": 1}})
	require.Empty(t, events(t, outA))
	sess, _ := h.s.trades.Get("a", "b")
	require.Equal(t, trade.Requested, sess.State)
}

func TestLeaveCancelsOpenTrades(t *testing.T) {
	h := newHarness(t, mapSpec(t, 1), nil)
	outA := h.join(t, "a", gate.Point{X: 1, Y: 1})
	h.join(t, "b", gate.Point{X: 2, Y: 2})
	h.act("a", protocol.ActionMsg{Type: protocol.TypeRequestTrade, To: "b"})
	events(t, outA)

	h.s.handleLeave(leaveReq{ParticipantID: "b", ConnID: "conn-b"})
	cancelled := ofType(events(t, outA), protocol.EventTradeCancelled)
	require.Len(t, cancelled, 1)
	require.Equal(t, "b", cancelled[0]["fromParticipant"])
	require.Zero(t, h.s.trades.Len())
}
