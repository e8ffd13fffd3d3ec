// Package contrib accumulates admitted contributions between flushes.
//
// Queue may be called from any goroutine. Drain swaps out one kind's accumulation under
// the same lock, so every unit queued lands in exactly one snapshot.
package contrib

import (
	"sync"

	"rebuildcraft.ai/internal/persistence/store"
)

type Entry struct {
	Key store.ObjectiveKey
	Qty int
}

// ParticipantEntries holds one participant's contributions, aggregated per target in
// the order the targets were first queued.
type ParticipantEntries struct {
	ParticipantID string
	Entries       []Entry
}

func (p ParticipantEntries) Total() int {
	n := 0
	for _, e := range p.Entries {
		n += e.Qty
	}
	return n
}

// Snapshot is one drained kind. Totals is map-wide per target in first-queue order;
// ByParticipant lists participants in first-queue order.
type Snapshot struct {
	Kind          store.ObjectiveKind
	Totals        []Entry
	ByParticipant []ParticipantEntries
}

func (s Snapshot) Empty() bool { return len(s.Totals) == 0 }

func (s Snapshot) Total() int {
	n := 0
	for _, e := range s.Totals {
		n += e.Qty
	}
	return n
}

// Contributors maps participant id to units contributed in this snapshot.
func (s Snapshot) Contributors() map[string]int {
	out := make(map[string]int, len(s.ByParticipant))
	for _, p := range s.ByParticipant {
		out[p.ParticipantID] += p.Total()
	}
	return out
}

type participantAcc struct {
	idx   map[store.ObjectiveKey]int
	items []Entry
}

type kindAcc struct {
	totalIdx map[store.ObjectiveKey]int
	totals   []Entry
	byP      map[string]*participantAcc
	pOrder   []string
	units    int
}

func newKindAcc() *kindAcc {
	return &kindAcc{totalIdx: map[store.ObjectiveKey]int{}, byP: map[string]*participantAcc{}}
}

func (k *kindAcc) add(participantID string, key store.ObjectiveKey, qty int) {
	if i, ok := k.totalIdx[key]; ok {
		k.totals[i].Qty += qty
	} else {
		k.totalIdx[key] = len(k.totals)
		k.totals = append(k.totals, Entry{Key: key, Qty: qty})
	}
	p := k.byP[participantID]
	if p == nil {
		p = &participantAcc{idx: map[store.ObjectiveKey]int{}}
		k.byP[participantID] = p
		k.pOrder = append(k.pOrder, participantID)
	}
	if i, ok := p.idx[key]; ok {
		p.items[i].Qty += qty
	} else {
		p.idx[key] = len(p.items)
		p.items = append(p.items, Entry{Key: key, Qty: qty})
	}
	k.units += qty
}

func (k *kindAcc) snapshot(kind store.ObjectiveKind) Snapshot {
	s := Snapshot{Kind: kind, Totals: k.totals}
	for _, pid := range k.pOrder {
		s.ByParticipant = append(s.ByParticipant, ParticipantEntries{ParticipantID: pid, Entries: k.byP[pid].items})
	}
	return s
}

type Buffer struct {
	mu  sync.Mutex
	acc map[store.ObjectiveKind]*kindAcc
}

func New() *Buffer {
	return &Buffer{acc: map[store.ObjectiveKind]*kindAcc{}}
}

// Queue adds qty units for participantID against key. Non-positive quantities are ignored.
func (b *Buffer) Queue(participantID string, key store.ObjectiveKey, qty int) {
	if qty <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := b.acc[key.Kind]
	if k == nil {
		k = newKindAcc()
		b.acc[key.Kind] = k
	}
	k.add(participantID, key, qty)
}

// Drain empties kind and returns what had accumulated. A second Drain returns an empty
// snapshot until more is queued.
func (b *Buffer) Drain(kind store.ObjectiveKind) Snapshot {
	b.mu.Lock()
	k := b.acc[kind]
	delete(b.acc, kind)
	b.mu.Unlock()
	if k == nil {
		return Snapshot{Kind: kind}
	}
	return k.snapshot(kind)
}

// DrainAll drains every kind with pending contributions in one critical section.
func (b *Buffer) DrainAll() map[store.ObjectiveKind]Snapshot {
	b.mu.Lock()
	acc := b.acc
	b.acc = map[store.ObjectiveKind]*kindAcc{}
	b.mu.Unlock()

	out := make(map[store.ObjectiveKind]Snapshot, len(acc))
	for kind, k := range acc {
		out[kind] = k.snapshot(kind)
	}
	return out
}

// Pending is the number of buffered units of kind.
func (b *Buffer) Pending(kind store.ObjectiveKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k := b.acc[kind]; k != nil {
		return k.units
	}
	return 0
}
