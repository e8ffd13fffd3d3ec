package contrib

import (
	"sync"
	"testing"

	"rebuildcraft.ai/internal/persistence/store"
)

var factory1 = store.ObjectiveKey{MapID: 1, Kind: store.KindFactory}

func house(x, y int) store.ObjectiveKey {
	return store.ObjectiveKey{MapID: 5, Kind: store.KindHouse, Coord: store.Coord{X: x, Y: y}}
}

func TestDrain_AggregatesAndEmpties(t *testing.T) {
	b := New()
	b.Queue("a", factory1, 3)
	b.Queue("b", factory1, 4)
	b.Queue("a", factory1, 1)
	b.Queue("a", factory1, 0)

	if got := b.Pending(store.KindFactory); got != 8 {
		t.Fatalf("pending: got=%d want=8", got)
	}
	s := b.Drain(store.KindFactory)
	if len(s.Totals) != 1 || s.Totals[0].Qty != 8 {
		t.Fatalf("totals: %+v", s.Totals)
	}
	c := s.Contributors()
	if c["a"] != 4 || c["b"] != 4 {
		t.Fatalf("contributors: %+v", c)
	}
	if again := b.Drain(store.KindFactory); !again.Empty() {
		t.Fatalf("second drain should be empty: %+v", again)
	}
}

func TestDrain_PreservesInsertionOrder(t *testing.T) {
	b := New()
	b.Queue("b", house(2, 2), 1)
	b.Queue("a", house(9, 9), 2)
	b.Queue("b", house(1, 1), 1)
	b.Queue("b", house(2, 2), 3)

	s := b.Drain(store.KindHouse)
	if len(s.ByParticipant) != 2 || s.ByParticipant[0].ParticipantID != "b" {
		t.Fatalf("participant order: %+v", s.ByParticipant)
	}
	bEntries := s.ByParticipant[0].Entries
	if len(bEntries) != 2 || bEntries[0].Key != house(2, 2) || bEntries[0].Qty != 4 || bEntries[1].Key != house(1, 1) {
		t.Fatalf("b entries: %+v", bEntries)
	}
	if s.Totals[0].Key != house(2, 2) || s.Totals[1].Key != house(9, 9) || s.Totals[2].Key != house(1, 1) {
		t.Fatalf("totals order: %+v", s.Totals)
	}
}

func TestDrain_KindsAreIndependent(t *testing.T) {
	b := New()
	b.Queue("a", factory1, 1)
	b.Queue("a", house(1, 1), 1)
	_ = b.Drain(store.KindFactory)
	if got := b.Pending(store.KindHouse); got != 1 {
		t.Fatalf("house pending after factory drain: got=%d want=1", got)
	}
	all := b.DrainAll()
	if len(all) != 1 || all[store.KindHouse].Total() != 1 {
		t.Fatalf("drainAll: %+v", all)
	}
}

// Concurrent queues racing repeated drains must neither lose nor double count units.
func TestQueueDrain_Concurrent(t *testing.T) {
	b := New()
	const writers, perWriter = 8, 1000

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			pid := string(rune('a' + id))
			for i := 0; i < perWriter; i++ {
				b.Queue(pid, factory1, 1)
			}
		}(w)
	}

	done := make(chan struct{})
	total := 0
	go func() {
		defer close(done)
		for total < writers*perWriter {
			total += b.Drain(store.KindFactory).Total()
		}
	}()
	wg.Wait()
	<-done
	if rest := b.Drain(store.KindFactory); !rest.Empty() {
		t.Fatalf("units left after full drain: %d", rest.Total())
	}
	if total != writers*perWriter {
		t.Fatalf("total drained: got=%d want=%d", total, writers*perWriter)
	}
}
