// Package multimap owns the per-map sessions: it starts one on first use, tracks which
// map each participant is in, and retires sessions that have been empty for too long.
package multimap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"rebuildcraft.ai/internal/sim/maps"
	"rebuildcraft.ai/internal/sim/session"
	"rebuildcraft.ai/internal/sim/tuning"
)

var (
	ErrUnknownMap = errors.New("multimap: unknown map")
	ErrClosed     = errors.New("multimap: closed")
)

type runtime struct {
	s      *session.Session
	cancel context.CancelFunc
}

type Residency struct {
	MapID  int
	ConnID string
}

type moveKey struct {
	From, To int
}

type MoveMetric struct {
	From  int
	To    int
	Count uint64
}

type Manager struct {
	mu sync.Mutex

	cfg    maps.Config
	tun    tuning.Tuning
	deps   session.Deps
	logger *log.Logger
	now    func() time.Time

	runtimes map[int]*runtime
	// Sessions being shut down; Acquire waits so the next session sees their final flush.
	retiring  map[int]<-chan struct{}
	residency map[string]Residency
	moves     map[moveKey]uint64

	closed    bool
	closeOnce sync.Once
}

// NewManager validates the catalog. deps is shared by every session; its Logger is used
// as the base for per-map prefixed loggers.
func NewManager(cfg maps.Config, tun tuning.Tuning, deps session.Deps) (*Manager, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("multimap: nil store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:       cfg,
		tun:       tun,
		deps:      deps,
		logger:    logger,
		now:       now,
		runtimes:  map[int]*runtime{},
		retiring:  map[int]<-chan struct{}{},
		residency: map[string]Residency{},
		moves:     map[moveKey]uint64{},
	}, nil
}

func (m *Manager) DefaultMapID() int { return m.cfg.DefaultMapID }

func (m *Manager) MapIDs() []int {
	out := make([]int, 0, len(m.cfg.Maps))
	for _, spec := range m.cfg.Maps {
		out = append(out, spec.ID)
	}
	sort.Ints(out)
	return out
}

// Acquire returns the running session for mapID, starting it if needed.
func (m *Manager) Acquire(mapID int) (*session.Session, error) {
	spec, ok := m.cfg.Map(mapID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMap, mapID)
	}

	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		done, ok := m.retiring[mapID]
		if !ok {
			break
		}
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	if rt := m.runtimes[mapID]; rt != nil {
		return rt.s, nil
	}
	deps := m.deps
	deps.Logger = log.New(m.logger.Writer(), fmt.Sprintf("[session map=%d] ", mapID), m.logger.Flags())
	s := session.New(spec, m.tun, deps)
	ctx, cancel := context.WithCancel(context.Background())
	m.runtimes[mapID] = &runtime{s: s, cancel: cancel}
	go func() {
		_ = s.Run(ctx)
	}()
	m.logger.Printf("session started map=%d", mapID)
	return s, nil
}

// Lookup returns the running session for mapID without starting one.
func (m *Manager) Lookup(mapID int) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimes[mapID]
	if rt == nil {
		return nil, false
	}
	return rt.s, true
}

// Enter records that participantID is now in mapID over connID. If it was resident
// elsewhere the previous placement is returned so the caller can leave that session.
func (m *Manager) Enter(participantID string, mapID int, connID string) (prev Residency, moved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, had := m.residency[participantID]
	m.residency[participantID] = Residency{MapID: mapID, ConnID: connID}
	if had && prev.MapID != mapID {
		m.moves[moveKey{From: prev.MapID, To: mapID}]++
		return prev, true
	}
	return prev, false
}

// Exit clears residency if connID still owns it.
func (m *Manager) Exit(participantID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.residency[participantID]; ok && r.ConnID == connID {
		delete(m.residency, participantID)
	}
}

// MapOf reports the map participantID is currently in.
func (m *Manager) MapOf(participantID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.residency[participantID]
	return r.MapID, ok
}

func (m *Manager) Sessions() []session.Info {
	m.mu.Lock()
	out := make([]session.Info, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		out = append(out, rt.s.Info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MapID < out[j].MapID })
	return out
}

func (m *Manager) MoveMetrics() []MoveMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MoveMetric, 0, len(m.moves))
	for k, n := range m.moves {
		out = append(out, MoveMetric{From: k.From, To: k.To, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Reap stops every session that has had no participants for the idle window and
// returns their map ids. It blocks until their final flushes finish.
func (m *Manager) Reap(now time.Time) []int {
	idle := m.tun.IdleSession()
	var (
		ids  []int
		done []<-chan struct{}
	)
	m.mu.Lock()
	for id, rt := range m.runtimes {
		info := rt.s.Info()
		if info.Participants > 0 || info.EmptySince.IsZero() || now.Sub(info.EmptySince) < idle {
			continue
		}
		delete(m.runtimes, id)
		m.retiring[id] = rt.s.Done()
		rt.cancel()
		ids = append(ids, id)
		done = append(done, rt.s.Done())
	}
	m.mu.Unlock()

	for _, d := range done {
		<-d
	}
	m.mu.Lock()
	for _, id := range ids {
		delete(m.retiring, id)
	}
	m.mu.Unlock()
	sort.Ints(ids)
	for _, id := range ids {
		m.logger.Printf("session reaped map=%d", id)
	}
	return ids
}

// Run reaps idle sessions until ctx is cancelled, then closes every session.
func (m *Manager) Run(ctx context.Context) error {
	every := m.tun.IdleSession() / 4
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case <-t.C:
			m.Reap(m.now())
		}
	}
}

// Close stops all sessions and waits for their final flushes.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		rts := make([]*runtime, 0, len(m.runtimes))
		for id, rt := range m.runtimes {
			rts = append(rts, rt)
			delete(m.runtimes, id)
		}
		m.mu.Unlock()

		for _, rt := range rts {
			rt.cancel()
		}
		for _, rt := range rts {
			<-rt.s.Done()
		}
	})
}
