// Package session runs one map's coordinator as a single goroutine. Joins, leaves,
// actions, flush ticks and store results are all events on that goroutine, so roster,
// gatekeeper and trade state need no locking. Store transactions run on worker
// goroutines and report back through channels.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	plog "rebuildcraft.ai/internal/persistence/log"
	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/protocol"
	"rebuildcraft.ai/internal/sim/contrib"
	"rebuildcraft.ai/internal/sim/gate"
	"rebuildcraft.ai/internal/sim/maps"
	"rebuildcraft.ai/internal/sim/rates"
	"rebuildcraft.ai/internal/sim/trade"
	"rebuildcraft.ai/internal/sim/tuning"
)

var ErrClosed = errors.New("session: closed")

// Flush cadence per objective kind.
var (
	fastKinds = []store.ObjectiveKind{store.KindFactory, store.KindWater, store.KindFence}
	slowKinds = []store.ObjectiveKind{store.KindHouse}
)

type ChatSink interface {
	WriteChat(entry plog.ChatEntry) error
}

type AuditSink interface {
	WriteFlush(entry plog.FlushEntry) error
}

type Deps struct {
	Store store.Store
	// Optional sinks (may be nil). Implemented in internal/persistence/log.
	Chat   ChatSink
	Audit  AuditSink
	Logger *log.Logger
	Now    func() time.Time
}

type JoinRequest struct {
	ParticipantID string
	Name          string
	ConnID        string
	// Spawn is used when the participant has no stored position.
	Spawn *gate.Point
	Out   chan []byte
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
}

// Envelope is one inbound action. ConnID must match the participant's current
// connection; actions from a connection that was taken over are dropped.
type Envelope struct {
	ParticipantID string
	ConnID        string
	Act           protocol.ActionMsg
}

type leaveReq struct {
	ParticipantID string
	ConnID        string
}

// hydrated is a join after its store reads, ready for the loop.
type hydrated struct {
	req        JoinRequest
	pos        gate.Point
	color      string
	inventory  store.Inventory
	objectives []store.Progress
	resp       chan JoinResponse
}

// Info is a read-only view of a session, safe to call from any goroutine.
type Info struct {
	MapID        int            `json:"map_id"`
	Name         string         `json:"name"`
	Participants int            `json:"participants"`
	Pending      map[string]int `json:"pending"`
	Unlocked     bool           `json:"unlocked"`
	Flushes      uint64         `json:"flushes"`
	FlushErrors  uint64         `json:"flush_errors"`
	UnitsApplied uint64         `json:"units_applied"`
	Denied       uint64         `json:"denied"`
	Trades       uint64         `json:"trades"`
	EmptySince   time.Time      `json:"empty_since,omitzero"`
}

type counters struct {
	participants atomic.Int64
	flushes      atomic.Uint64
	flushErrors  atomic.Uint64
	unitsApplied atomic.Uint64
	denied       atomic.Uint64
	trades       atomic.Uint64
	unlocked     atomic.Bool
	emptySince   atomic.Int64 // unix millis; 0 while occupied
}

type Session struct {
	spec  maps.MapSpec
	tun   tuning.Tuning
	store store.Store
	chat  ChatSink
	audit AuditSink
	log   *log.Logger
	now   func() time.Time

	buf        *contrib.Buffer
	gate       *gate.Gatekeeper
	trades     *trade.Negotiator
	chatLimit  *rates.Limiter
	tradeLimit *rates.Limiter

	// Loop-owned state.
	roster   []*participant
	byID     map[string]*participant
	progress map[store.ObjectiveKey]store.Progress
	loaded   bool
	unlocked bool
	inflight map[store.ObjectiveKind]bool

	inbox        chan Envelope
	join         chan hydrated
	leave        chan leaveReq
	results      chan flushResult
	tradeResults chan tradeResult

	workers sync.WaitGroup
	closing chan struct{}
	done    chan struct{}

	stats counters
}

func New(spec maps.MapSpec, tun tuning.Tuning, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		spec:  spec,
		tun:   tun,
		store: deps.Store,
		chat:  deps.Chat,
		audit: deps.Audit,
		log:   logger,
		now:   now,

		buf: contrib.New(),
		gate: gate.New(tun.InteractRange, map[store.ObjectiveKind]int{
			store.KindFactory: tun.Caps.Factory,
			store.KindWater:   tun.Caps.Water,
			store.KindFence:   tun.Caps.Fence,
			store.KindHouse:   tun.Caps.House,
		}),
		trades:     trade.NewNegotiator(),
		chatLimit:  rates.NewLimiter(time.Duration(tun.RateLimits.ChatWindowMs)*time.Millisecond, tun.RateLimits.ChatMax),
		tradeLimit: rates.NewLimiter(time.Duration(tun.RateLimits.TradeWindowMs)*time.Millisecond, tun.RateLimits.TradeMax),

		byID:     map[string]*participant{},
		progress: map[store.ObjectiveKey]store.Progress{},
		inflight: map[store.ObjectiveKind]bool{},

		inbox:        make(chan Envelope, 1024),
		join:         make(chan hydrated, 16),
		leave:        make(chan leaveReq, 16),
		results:      make(chan flushResult, 8),
		tradeResults: make(chan tradeResult, 8),

		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.stats.emptySince.Store(now().UnixMilli())
	return s
}

func (s *Session) MapID() int { return s.spec.ID }

// Done is closed once Run has returned and the final flush is complete.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes events until ctx is cancelled, then drains the buffer into a final
// synchronous flush.
func (s *Session) Run(ctx context.Context) error {
	fast := time.NewTicker(s.tun.FastFlush())
	defer fast.Stop()
	slow := time.NewTicker(s.tun.SlowFlush())
	defer slow.Stop()

	s.loadProgress(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case req := <-s.join:
			s.handleJoin(req)
		case req := <-s.leave:
			s.handleLeave(req)
		case env := <-s.inbox:
			s.handleAction(env)
		case res := <-s.results:
			s.applyFlush(res)
		case res := <-s.tradeResults:
			s.applyTrade(res)
		case <-fast.C:
			s.flushKinds(fastKinds)
		case <-slow.C:
			if !s.loaded {
				s.loadProgress(ctx)
			}
			s.flushKinds(slowKinds)
			s.sweepPositions(false)
		}
	}
}

func (s *Session) shutdown() {
	close(s.closing)
	s.workers.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, kind := range store.Kinds {
		s.flushNow(ctx, kind)
	}
	s.sweepPositions(true)
	s.workers.Wait()
	close(s.done)
}

// Join hydrates the participant from the store on the caller's goroutine, then hands
// the join to the session loop.
func (s *Session) Join(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	h, err := s.hydrate(ctx, req)
	if err != nil {
		return JoinResponse{}, err
	}
	h.resp = make(chan JoinResponse, 1)
	select {
	case s.join <- h:
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	case <-s.closing:
		return JoinResponse{}, ErrClosed
	}
	select {
	case resp := <-h.resp:
		return resp, nil
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	case <-s.closing:
		return JoinResponse{}, ErrClosed
	}
}

// Leave removes the participant if connID still owns its roster entry.
func (s *Session) Leave(participantID, connID string) {
	select {
	case s.leave <- leaveReq{ParticipantID: participantID, ConnID: connID}:
	case <-s.closing:
	}
}

// Submit queues an action for the loop. It reports false once the session is closing.
func (s *Session) Submit(ctx context.Context, env Envelope) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.inbox <- env:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

func (s *Session) Info() Info {
	pending := map[string]int{}
	for _, k := range store.Kinds {
		if n := s.buf.Pending(k); n > 0 {
			pending[string(k)] = n
		}
	}
	info := Info{
		MapID:        s.spec.ID,
		Name:         s.spec.Name,
		Participants: int(s.stats.participants.Load()),
		Pending:      pending,
		Unlocked:     s.stats.unlocked.Load(),
		Flushes:      s.stats.flushes.Load(),
		FlushErrors:  s.stats.flushErrors.Load(),
		UnitsApplied: s.stats.unitsApplied.Load(),
		Denied:       s.stats.denied.Load(),
		Trades:       s.stats.trades.Load(),
	}
	if ms := s.stats.emptySince.Load(); ms > 0 {
		info.EmptySince = time.UnixMilli(ms)
	}
	return info
}

// loadProgress fills the objective cache. A failure is retried on the slow tick.
func (s *Session) loadProgress(ctx context.Context) {
	all, err := s.store.ListObjectives(ctx, s.spec.ID, "")
	if err != nil {
		s.log.Printf("load objectives: %v", err)
		return
	}
	s.cacheProgress(all)
	s.loaded = true
}

func (s *Session) cacheProgress(all []store.Progress) {
	for _, p := range all {
		// Progress never decreases; a stale read must not roll the cache back.
		if cur, ok := s.progress[p.Key]; ok && cur.Current >= p.Current {
			continue
		}
		s.progress[p.Key] = p
	}
	if !s.unlocked && completeAll(s.progress) {
		s.setUnlocked()
	}
}

func (s *Session) setUnlocked() {
	s.unlocked = true
	s.stats.unlocked.Store(true)
}

// goStore runs fn on a worker goroutine tracked for shutdown.
func (s *Session) goStore(what string, fn func(ctx context.Context) error) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Printf("%s: %v", what, err)
		}
	}()
}
