package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	plog "rebuildcraft.ai/internal/persistence/log"
	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
	"rebuildcraft.ai/internal/sim/contrib"
	"rebuildcraft.ai/internal/sim/unlock"
)

type houseOutcome struct {
	participantID string
	requested     int
	result        store.HouseResult
	inventory     store.Inventory
	err           error
}

type flushResult struct {
	kind     store.ObjectiveKind
	snap     contrib.Snapshot
	changes  []store.Change
	house    []houseOutcome
	consumed int
	dropped  int
	errs     []error
	unlocked bool
	started  time.Time
	dur      time.Duration
}

// flushKinds starts one flush per kind on a worker. A kind whose previous flush is still
// in flight is skipped and keeps its caps, so its buffer never holds more than one
// interval's worth per participant.
func (s *Session) flushKinds(kinds []store.ObjectiveKind) {
	for _, kind := range kinds {
		if s.inflight[kind] {
			continue
		}
		s.gate.Reset(kind)
		snap := s.buf.Drain(kind)
		if snap.Empty() {
			continue
		}
		s.inflight[kind] = true
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			res := s.runFlush(ctx, snap)
			select {
			case s.results <- res:
			case <-s.closing:
				// Committed, but the loop is gone: only the broadcasts are lost.
			}
		}()
	}
}

// flushNow drains and applies kind on the calling goroutine.
func (s *Session) flushNow(ctx context.Context, kind store.ObjectiveKind) {
	snap := s.buf.Drain(kind)
	if snap.Empty() {
		return
	}
	s.applyFlush(s.runFlush(ctx, snap))
}

func (s *Session) runFlush(ctx context.Context, snap contrib.Snapshot) flushResult {
	res := flushResult{kind: snap.Kind, snap: snap, started: s.now()}
	if snap.Kind == store.KindHouse {
		s.flushHouse(ctx, snap, &res)
	} else {
		s.flushTargets(ctx, snap, &res)
	}

	for _, ch := range res.changes {
		if ch.NewlyComplete() {
			ok, err := unlock.Evaluate(ctx, s.store, s.spec.ID)
			if err != nil {
				res.errs = append(res.errs, fmt.Errorf("evaluate unlock: %w", err))
			}
			res.unlocked = ok
			break
		}
	}
	res.dur = s.now().Sub(res.started)
	return res
}

// flushTargets applies one transaction per target. A failed target drops its own
// contributions and leaves the others untouched.
func (s *Session) flushTargets(ctx context.Context, snap contrib.Snapshot, res *flushResult) {
	for _, total := range snap.Totals {
		stats := map[string]int{}
		for _, pe := range snap.ByParticipant {
			for _, e := range pe.Entries {
				if e.Key == total.Key {
					stats[pe.ParticipantID] += e.Qty
				}
			}
		}
		changes, err := s.store.ApplyContributions(ctx, store.ContributionBatch{
			Deltas: []store.ObjectiveDelta{{Key: total.Key, Delta: total.Qty}},
			Stats:  stats,
		})
		if err != nil {
			res.errs = append(res.errs, fmt.Errorf("%s: %w", total.Key, err))
			res.dropped += total.Qty
			continue
		}
		res.changes = append(res.changes, changes...)
	}
}

// flushHouse runs one debit transaction per participant, walking that participant's
// targets in the order they were queued. Whatever the balance cannot cover is dropped.
func (s *Session) flushHouse(ctx context.Context, snap contrib.Snapshot, res *flushResult) {
	resource := s.spec.Resource()
	for _, pe := range snap.ByParticipant {
		out := houseOutcome{participantID: pe.ParticipantID, requested: pe.Total()}
		deltas := make([]store.ObjectiveDelta, 0, len(pe.Entries))
		for _, e := range pe.Entries {
			deltas = append(deltas, store.ObjectiveDelta{Key: e.Key, Delta: e.Qty})
		}
		out.result, out.err = s.store.ApplyHouseDebit(ctx, pe.ParticipantID, resource, deltas)
		if out.err != nil {
			res.errs = append(res.errs, fmt.Errorf("house debit %s: %w", pe.ParticipantID, out.err))
			res.dropped += out.requested
			res.house = append(res.house, out)
			continue
		}
		res.changes = append(res.changes, out.result.Changes...)
		res.consumed += out.result.Consumed
		res.dropped += out.requested - out.result.Consumed

		inv, err := s.store.GetInventory(ctx, pe.ParticipantID)
		if err != nil {
			s.log.Printf("inventory %s: %v", pe.ParticipantID, err)
		} else {
			out.inventory = inv
		}
		res.house = append(res.house, out)
	}
}

func (s *Session) applyFlush(res flushResult) {
	s.inflight[res.kind] = false
	s.stats.flushes.Add(1)
	for _, err := range res.errs {
		s.stats.flushErrors.Add(1)
		s.log.Printf("flush %s map=%d: %v", res.kind, s.spec.ID, err)
	}

	applied := 0
	var completed []string
	for _, ch := range res.changes {
		if cur, ok := s.progress[ch.After.Key]; !ok || ch.After.Current > cur.Current {
			s.progress[ch.After.Key] = ch.After
		}
		applied += ch.After.Current - ch.Before.Current
		s.broadcastProgress(ch)
		if ch.NewlyComplete() {
			completed = append(completed, ch.After.Key.String())
		}
	}
	s.stats.unitsApplied.Add(uint64(applied))
	if len(res.changes) > 0 || len(res.errs) > 0 {
		s.broadcastSummary(res.kind, len(res.changes) > 0)
	}
	for _, h := range res.house {
		if h.inventory != nil {
			s.sendInventory(h.participantID, h.inventory)
		}
	}
	if res.unlocked && !s.unlocked {
		s.setUnlocked()
		s.log.Printf("map %d complete; unlocking %d", s.spec.ID, s.spec.Successor)
		if s.spec.Successor != 0 {
			s.broadcast(unlockedEvent(s.spec.Successor))
		}
	}

	if s.audit != nil {
		entry := plog.FlushEntry{
			TimeMs:       res.started.UnixMilli(),
			MapID:        s.spec.ID,
			Kind:         string(res.kind),
			Units:        res.snap.Total(),
			Applied:      applied,
			Consumed:     res.consumed,
			Contributors: res.snap.Contributors(),
			Completed:    completed,
			DurationMs:   res.dur.Milliseconds(),
		}
		if err := errors.Join(res.errs...); err != nil {
			entry.Error = err.Error()
		}
		if err := s.audit.WriteFlush(entry); err != nil {
			s.log.Printf("audit log: %v", err)
		}
	}
}

func (s *Session) broadcastProgress(ch store.Change) {
	p := ch.After
	x, y := p.Key.Coord.X, p.Key.Coord.Y
	switch p.Key.Kind {
	case store.KindFactory:
		ev := protocol.NewEvent(protocol.EventFactoryProgress)
		ev["mapId"] = s.spec.ID
		ev["current"] = p.Current
		ev["required"] = p.Required
		s.broadcast(ev)
		if ch.NewlyComplete() {
			done := protocol.NewEvent(protocol.EventFactoryCompleted)
			done["mapId"] = s.spec.ID
			s.broadcast(done)
		}
	case store.KindWater:
		ev := protocol.NewEvent(protocol.EventFlowerProgress)
		ev["mapId"] = s.spec.ID
		ev["x"], ev["y"] = x, y
		ev["current"] = p.Current
		ev["required"] = p.Required
		s.broadcast(ev)
		if ch.NewlyComplete() {
			done := protocol.NewEvent(protocol.EventTileFlowered)
			done["x"], done["y"] = x, y
			s.broadcast(done)
		}
	case store.KindFence:
		if ch.NewlyComplete() {
			ev := protocol.NewEvent(protocol.EventFenceBuilt)
			ev["x"], ev["y"] = x, y
			s.broadcast(ev)
		}
	case store.KindHouse:
		ev := protocol.NewEvent(protocol.EventHouseProgress)
		ev["mapId"] = s.spec.ID
		ev["x"], ev["y"] = x, y
		ev["current"] = p.Current
		ev["required"] = p.Required
		s.broadcast(ev)
		if ch.NewlyComplete() {
			done := protocol.NewEvent(protocol.EventHouseBuilt)
			done["x"], done["y"] = x, y
			s.broadcast(done)
		}
	}
}

// broadcastSummary sends the full per-target state of kind from the cache so clients
// that missed incremental events can resync. The factory has a single target, whose
// factoryProgress is resent only when the flush did not already carry it.
func (s *Session) broadcastSummary(kind store.ObjectiveKind, changed bool) {
	var typ string
	switch kind {
	case store.KindFactory:
		if !changed {
			for _, p := range s.progressList(kind) {
				s.broadcastProgress(store.Change{Before: p, After: p})
			}
		}
		return
	case store.KindWater:
		typ = protocol.EventFlowerAllProgress
	case store.KindFence:
		typ = protocol.EventFenceCount
	case store.KindHouse:
		typ = protocol.EventHouseAllProgress
	default:
		return
	}
	all := s.progressList(kind)
	sum := unlock.Summarize(all, kind)
	targets := make([]protocol.TargetProgress, 0, len(all))
	for _, p := range all {
		targets = append(targets, protocol.TargetProgress{
			X:        p.Key.Coord.X,
			Y:        p.Key.Coord.Y,
			Current:  p.Current,
			Required: p.Required,
		})
	}
	ev := protocol.NewEvent(typ)
	ev["mapId"] = s.spec.ID
	ev["done"] = sum.Done
	ev["total"] = sum.Total
	ev["targets"] = targets
	s.broadcast(ev)
}

// progressList returns the cached objectives of kind (all kinds when empty), ordered
// by kind, then y, then x.
func (s *Session) progressList(kind store.ObjectiveKind) []store.Progress {
	out := make([]store.Progress, 0, len(s.progress))
	for _, p := range s.progress {
		if kind == "" || p.Key.Kind == kind {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Coord.Y != b.Coord.Y {
			return a.Coord.Y < b.Coord.Y
		}
		return a.Coord.X < b.Coord.X
	})
	return out
}

func completeAll(progress map[store.ObjectiveKey]store.Progress) bool {
	all := make([]store.Progress, 0, len(progress))
	for _, p := range progress {
		all = append(all, p)
	}
	return unlock.Complete(all)
}
