package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/playingpack/playingpack/internal/domain/entity"
	apperrors "github.com/playingpack/playingpack/pkg/errors"
)

// EventRequestUpdate is the single outbound event type; every observable
// session transition emits one.
const EventRequestUpdate = "request_update"

// Event is the broker's outbound notification. Session is a deep copy
// taken at emission time.
type Event struct {
	Type    string          `json:"type"`
	Session *entity.Session `json:"session"`
}

// Subscriber receives events in emission order. Panics are swallowed so a
// broken listener cannot take the broker down.
type Subscriber func(Event)

// maxCompletedSessions caps how many completed sessions the reaper keeps
// around for inspection.
const maxCompletedSessions = 100

// Broker owns the live session set, fans out update events, and carries
// operator decisions to lifecycle tasks suspended at the two decision
// points. All shared-state mutation is serialised by one mutex.
type Broker struct {
	mu           sync.Mutex
	sessions     map[string]*entity.Session
	order        []string // Creation order, for eviction
	subscribers  map[int]Subscriber
	nextSubID    int
	point1       map[string]chan entity.Point1Action
	point2       map[string]chan entity.Point2Action
	maxCompleted int
	stopReaper   chan struct{}
	reaperOnce   sync.Once
	logger       *zap.Logger
}

// NewBroker creates an empty broker. The server wiring creates one per
// process; tests create their own.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		sessions:     make(map[string]*entity.Session),
		subscribers:  make(map[int]Subscriber),
		point1:       make(map[string]chan entity.Point1Action),
		point2:       make(map[string]chan entity.Point2Action),
		maxCompleted: maxCompletedSessions,
		stopReaper:   make(chan struct{}),
		logger:       logger.With(zap.String("component", "broker")),
	}
}

// SetMaxCompleted overrides the completed-session cap (for testing).
func (b *Broker) SetMaxCompleted(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxCompleted = n
}

// Create registers a new session. State starts at pending when intervene
// is on (the operator must resolve point 1), else processing.
func (b *Broker) Create(id string, req entity.RequestSnapshot, fp string, intervene bool) *entity.Session {
	now := time.Now()
	s := &entity.Session{
		ID:          id,
		State:       entity.StatePending,
		CreatedAt:   now,
		Request:     req,
		Fingerprint: fp,
	}
	if !intervene {
		s.State = entity.StateProcessing
		t := now
		s.ProcessingAt = &t
	}

	b.mu.Lock()
	b.sessions[id] = s
	b.order = append(b.order, id)
	clone, subs := s.Clone(), b.subscriberList()
	b.mu.Unlock()

	b.deliver(clone, subs)
	return clone
}

// Get returns a copy of the session, if present.
func (b *Broker) Get(id string) (*entity.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// List returns copies of all sessions in creation order.
func (b *Broker) List() []*entity.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*entity.Session, 0, len(b.order))
	for _, id := range b.order {
		if s, ok := b.sessions[id]; ok {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Subscribe registers a listener for update events. The returned function
// unsubscribes it.
func (b *Broker) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// ── State mutators ──
// Every mutator except AppendContent emits request_update. Completed
// sessions are immutable: mutations against them are dropped.

// SetProcessing moves the session to processing.
func (b *Broker) SetProcessing(id string) {
	b.mutate(id, func(s *entity.Session) {
		if s.State == entity.StateComplete {
			return
		}
		s.State = entity.StateProcessing
		if s.ProcessingAt == nil {
			t := time.Now()
			s.ProcessingAt = &t
		}
	})
}

// SetReviewing moves the session to reviewing (buffer ready at point 2).
func (b *Broker) SetReviewing(id string) {
	b.mutate(id, func(s *entity.Session) {
		if s.State == entity.StateComplete {
			return
		}
		s.State = entity.StateReviewing
	})
}

// Complete marks the session terminal.
func (b *Broker) Complete(id string) {
	b.mutate(id, func(s *entity.Session) {
		if s.State == entity.StateComplete {
			return
		}
		s.State = entity.StateComplete
		t := time.Now()
		s.CompletedAt = &t
	})
}

// Fail marks the session terminal with an error message.
func (b *Broker) Fail(id, msg string) {
	b.mutate(id, func(s *entity.Session) {
		if s.State == entity.StateComplete {
			return
		}
		s.Error = msg
		s.State = entity.StateComplete
		t := time.Now()
		s.CompletedAt = &t
	})
}

// SetCacheAvailable records the cache lookup result.
func (b *Broker) SetCacheAvailable(id string, available bool) {
	b.mutate(id, func(s *entity.Session) { s.CacheAvailable = available })
}

// SetSource records where the response bytes originated.
func (b *Broker) SetSource(id string, src entity.ResponseSource) {
	b.mutate(id, func(s *entity.Session) { s.Source = src })
}

// SetResponseStatus records the response HTTP status.
func (b *Broker) SetResponseStatus(id string, status int) {
	b.mutate(id, func(s *entity.Session) {
		ensureResponse(s).Status = status
	})
}

// AppendContent appends streamed text to the assembled response. This is
// deliberately silent (no event) to avoid per-token event storms;
// subscribers re-sync on the next emission or poll getSession.
func (b *Broker) AppendContent(id, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok || s.State == entity.StateComplete {
		return
	}
	ensureResponse(s).Content += text
}

// SetContent replaces the assembled response text.
func (b *Broker) SetContent(id, text string) {
	b.mutate(id, func(s *entity.Session) {
		ensureResponse(s).Content = text
	})
}

// AddToolCall records a newly opened tool call.
func (b *Broker) AddToolCall(id string, call entity.ToolCall) {
	b.mutate(id, func(s *entity.Session) {
		r := ensureResponse(s)
		r.ToolCalls = append(r.ToolCalls, call)
	})
}

// AppendToolCallArgs appends an argument fragment to the tool call with
// the given index.
func (b *Broker) AppendToolCallArgs(id string, index int, fragment string) {
	b.mutate(id, func(s *entity.Session) {
		r := ensureResponse(s)
		for i := range r.ToolCalls {
			if r.ToolCalls[i].Index == index {
				r.ToolCalls[i].Arguments += fragment
				return
			}
		}
	})
}

// SetFinishReason records the finish reason.
func (b *Broker) SetFinishReason(id, reason string) {
	b.mutate(id, func(s *entity.Session) {
		ensureResponse(s).FinishReason = reason
	})
}

// SetUsage records token usage.
func (b *Broker) SetUsage(id string, usage entity.Usage) {
	b.mutate(id, func(s *entity.Session) {
		u := usage
		ensureResponse(s).Usage = &u
	})
}

// ReplaceToolCalls swaps the full tool call list (used when a modified
// response re-parses from scratch).
func (b *Broker) ReplaceToolCalls(id string, calls []entity.ToolCall) {
	b.mutate(id, func(s *entity.Session) {
		ensureResponse(s).ToolCalls = append([]entity.ToolCall(nil), calls...)
	})
}

// ── Decision points ──

// AwaitPoint1 suspends until the operator resolves point 1 for the
// session, or ctx is cancelled. A second await while one is pending is a
// programmer error and returns CodeConflict.
func (b *Broker) AwaitPoint1(ctx context.Context, id string) (entity.Point1Action, error) {
	ch, err := registerAwaiter(b, b.point1, id)
	if err != nil {
		return entity.Point1Action{}, err
	}

	select {
	case action := <-ch:
		return action, nil
	case <-ctx.Done():
		unregisterAwaiter(b, b.point1, id, ch)
		return entity.Point1Action{}, ctx.Err()
	}
}

// ResolvePoint1 delivers the operator's point-1 decision. The transition
// to processing is applied before the awaiter unblocks. Returns false when
// no awaiter is pending.
func (b *Broker) ResolvePoint1(id string, action entity.Point1Action) bool {
	b.mu.Lock()
	ch, ok := b.point1[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.point1, id)

	var clone *entity.Session
	var subs []Subscriber
	if s, exists := b.sessions[id]; exists && s.State != entity.StateComplete {
		s.State = entity.StateProcessing
		if s.ProcessingAt == nil {
			t := time.Now()
			s.ProcessingAt = &t
		}
		clone, subs = s.Clone(), b.subscriberList()
	}
	b.mu.Unlock()

	if clone != nil {
		b.deliver(clone, subs)
	}
	ch <- action
	return true
}

// AwaitPoint2 suspends until the operator resolves point 2.
func (b *Broker) AwaitPoint2(ctx context.Context, id string) (entity.Point2Action, error) {
	ch, err := registerAwaiter(b, b.point2, id)
	if err != nil {
		return entity.Point2Action{}, err
	}

	select {
	case action := <-ch:
		return action, nil
	case <-ctx.Done():
		unregisterAwaiter(b, b.point2, id, ch)
		return entity.Point2Action{}, ctx.Err()
	}
}

// ResolvePoint2 delivers the operator's point-2 decision. Returns false
// when no awaiter is pending. The reviewing state is consumed by the
// lifecycle engine when it resumes; no transition happens here.
func (b *Broker) ResolvePoint2(id string, action entity.Point2Action) bool {
	b.mu.Lock()
	ch, ok := b.point2[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.point2, id)
	b.mu.Unlock()

	ch <- action
	return true
}

// ── Reaper ──

// StartReaper begins the background eviction loop. Completed sessions
// beyond the cap are dropped oldest-first; live sessions are never
// touched. Stop terminates the loop.
func (b *Broker) StartReaper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopReaper:
				return
			case <-ticker.C:
				b.reap()
			}
		}
	}()
}

// Stop terminates the reaper loop.
func (b *Broker) Stop() {
	b.reaperOnce.Do(func() { close(b.stopReaper) })
}

func (b *Broker) reap() {
	b.mu.Lock()
	defer b.mu.Unlock()

	completed := 0
	for _, s := range b.sessions {
		if s.State == entity.StateComplete {
			completed++
		}
	}
	if completed <= b.maxCompleted {
		return
	}

	evict := completed - b.maxCompleted
	kept := b.order[:0]
	for _, id := range b.order {
		s := b.sessions[id]
		if s == nil {
			continue
		}
		if evict > 0 && s.State == entity.StateComplete {
			delete(b.sessions, id)
			evict--
			continue
		}
		kept = append(kept, id)
	}
	b.order = kept

	b.logger.Debug("Evicted completed sessions",
		zap.Int("remaining", len(b.sessions)),
	)
}

// ── internals ──

func ensureResponse(s *entity.Session) *entity.SessionResponse {
	if s.Response == nil {
		s.Response = &entity.SessionResponse{}
	}
	return s.Response
}

// mutate applies fn under the lock and emits request_update with a copy.
func (b *Broker) mutate(id string, fn func(*entity.Session)) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	if s.State == entity.StateComplete {
		// Terminal; complete is the last event for an id.
		b.mu.Unlock()
		return
	}
	fn(s)
	clone, subs := s.Clone(), b.subscriberList()
	b.mu.Unlock()

	b.deliver(clone, subs)
}

func (b *Broker) subscriberList() []Subscriber {
	out := make([]Subscriber, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		out = append(out, fn)
	}
	return out
}

func (b *Broker) deliver(session *entity.Session, subs []Subscriber) {
	ev := Event{Type: EventRequestUpdate, Session: session}
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Subscriber panicked",
						zap.String("session_id", session.ID),
						zap.Any("panic", r),
					)
				}
			}()
			fn(ev)
		}()
	}
}

func registerAwaiter[A any](b *Broker, m map[string]chan A, id string) (chan A, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sessions[id]; !exists {
		return nil, apperrors.New(apperrors.CodeInvalidInput, fmt.Sprintf("unknown session %s", id))
	}
	if _, pending := m[id]; pending {
		return nil, apperrors.New(apperrors.CodeConflict, fmt.Sprintf("decision already pending for session %s", id))
	}

	ch := make(chan A, 1)
	m[id] = ch
	return ch, nil
}

func unregisterAwaiter[A any](b *Broker, m map[string]chan A, id string, ch chan A) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := m[id]; ok && cur == ch {
		delete(m, id)
	}
}
