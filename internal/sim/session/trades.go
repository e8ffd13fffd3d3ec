package session

import (
	"context"
	"time"

	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
	"rebuildcraft.ai/internal/sim/trade"
)

type tradeResult struct {
	req store.TransferRequest
	err error
	// Post-transfer inventories, set on success.
	invA, invB store.Inventory
}

func (s *Session) handleTrade(p *participant, act protocol.ActionMsg) {
	to := act.To
	if to == "" || to == p.id {
		return
	}

	var res trade.Result
	switch act.Type {
	case protocol.TypeRequestTrade:
		if s.byID[to] == nil {
			s.send(p, actionDenied(act.Type, protocol.ReasonNotFound))
			return
		}
		if ok, _ := s.tradeLimit.Allow(p.id, s.now()); !ok {
			s.stats.denied.Add(1)
			s.send(p, actionDenied(act.Type, protocol.ReasonRateLimited))
			return
		}
		res = s.trades.Request(p.id, to)
	case protocol.TypeRespondTrade:
		if act.Accept == nil {
			return
		}
		res = s.trades.Respond(p.id, to, *act.Accept)
	case protocol.TypeTradeOffer, protocol.TypeTradeCounterOffer:
		give, ok1 := trade.ParseAmounts(act.Give)
		receive, ok2 := trade.ParseAmounts(act.Receive)
		if !ok1 || !ok2 {
			return
		}
		res = s.trades.Propose(p.id, to, give, receive)
	case protocol.TypeTradeOfferResponse:
		if act.Accept == nil {
			return
		}
		res = s.trades.Answer(p.id, to, *act.Accept)
	case protocol.TypeTradeCompleted:
		res = s.trades.Confirm(p.id, to)
	case protocol.TypeCancelTrade:
		res = s.trades.Cancel(p.id, to)
	}

	s.deliver(res.Notices)
	if res.Transfer != nil {
		s.startTransfer(*res.Transfer)
	}
}

func (s *Session) deliver(notices []trade.Notice) {
	for _, n := range notices {
		s.sendTo(n.To, n.Event)
	}
}

// startTransfer runs the accepted trade against the store off the loop.
func (s *Session) startTransfer(req store.TransferRequest) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res := s.runTransfer(ctx, req)
		select {
		case s.tradeResults <- res:
		case <-s.closing:
			if res.err != nil {
				s.log.Printf("trade %s<->%s dropped at shutdown: %v", req.A, req.B, res.err)
			}
		}
	}()
}

func (s *Session) runTransfer(ctx context.Context, req store.TransferRequest) tradeResult {
	res := tradeResult{req: req}
	if res.err = s.store.Transfer(ctx, req); res.err != nil {
		return res
	}
	var err error
	if res.invA, err = s.store.GetInventory(ctx, req.A); err != nil {
		s.log.Printf("trade inventory %s: %v", req.A, err)
	}
	if res.invB, err = s.store.GetInventory(ctx, req.B); err != nil {
		s.log.Printf("trade inventory %s: %v", req.B, err)
	}
	return res
}

func (s *Session) applyTrade(res tradeResult) {
	if res.err != nil {
		s.log.Printf("trade %s<->%s: %v", res.req.A, res.req.B, res.err)
	} else {
		s.stats.trades.Add(1)
	}
	s.deliver(s.trades.Settle(res.req.A, res.req.B, res.err).Notices)
	if res.err == nil {
		if res.invA != nil {
			s.sendInventory(res.req.A, res.invA)
		}
		if res.invB != nil {
			s.sendInventory(res.req.B, res.invB)
		}
	}
}
