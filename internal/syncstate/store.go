// Package syncstate holds the aggregate sync status and notifies subscribers
// of every change.
//
// The store is an owned instance: the service creates one on Start and closes
// it on Stop, and tests create one per case. Listeners receive full snapshots,
// never deltas, delivered synchronously in mutation order. A listener may read
// the store or cancel its own subscription but must not call Update.
package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"offsync/internal/domain"
	"offsync/internal/models"

	"github.com/rs/zerolog"
)

// Listener receives a full state snapshot.
type Listener func(state models.SyncState)

// ProgressListener receives pass progress as a percentage and a label.
type ProgressListener func(percent float64, label string)

// Subscription is returned by Subscribe calls.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. Safe to call more than once and from inside the
// listener itself.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type Store struct {
	// notifyMu serializes mutate-then-notify sequences so listeners see
	// snapshots in mutation order.
	notifyMu sync.Mutex

	mu    sync.RWMutex
	state models.SyncState

	subsMu    sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener
	progress  map[uint64]ProgressListener
	closed    bool

	backend domain.Backend
	key     string
	logger  *zerolog.Logger
}

// New creates an in-memory store. backend may be nil, in which case Save is a
// no-op.
func New(backend domain.Backend, key string, logger *zerolog.Logger) *Store {
	if key == "" {
		key = models.DefaultStateKey
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "syncstate").Logger()
	return &Store{
		state:     models.SyncState{PassStatus: models.PassIdle},
		listeners: make(map[uint64]Listener),
		progress:  make(map[uint64]ProgressListener),
		backend:   backend,
		key:       key,
		logger:    &l,
	}
}

// Open creates a store and restores the durable fields from the backend.
func Open(ctx context.Context, backend domain.Backend, key string, logger *zerolog.Logger) (*Store, error) {
	s := New(backend, key, logger)
	if backend == nil {
		return s, nil
	}

	raw, err := backend.Get(ctx, s.key)
	if errors.Is(err, domain.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}

	var persisted models.PersistedSyncState
	if err := json.Unmarshal(raw, &persisted); err != nil {
		// A corrupt status record is not worth refusing to start over.
		s.logger.Warn().Err(err).Msg("discarding unreadable sync state")
		return s, nil
	}
	s.state.LastSyncAt = persisted.LastSyncAt
	s.state.LastSuccessfulSyncAt = persisted.LastSuccessfulSyncAt
	s.state.ConsecutiveFailures = persisted.ConsecutiveFailures
	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() models.SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Subscribe registers fn and immediately delivers the current snapshot.
func (s *Store) Subscribe(fn Listener) *Subscription {
	if fn == nil {
		return &Subscription{}
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		return &Subscription{}
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.subsMu.Unlock()

	fn(s.Snapshot())

	return &Subscription{cancel: func() {
		s.subsMu.Lock()
		delete(s.listeners, id)
		s.subsMu.Unlock()
	}}
}

// SubscribeToProgress registers fn for progress events. Events fire only while
// a pass is running.
func (s *Store) SubscribeToProgress(fn ProgressListener) *Subscription {
	if fn == nil {
		return &Subscription{}
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closed {
		return &Subscription{}
	}
	s.nextID++
	id := s.nextID
	s.progress[id] = fn

	return &Subscription{cancel: func() {
		s.subsMu.Lock()
		delete(s.progress, id)
		s.subsMu.Unlock()
	}}
}

// Update mutates the state and notifies every listener before returning.
func (s *Store) Update(fn func(state *models.SyncState)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	fn(&s.state)
	s.state.SyncProgress = clampPercent(s.state.SyncProgress)
	snap := s.state.Clone()
	s.mu.Unlock()

	s.deliver(snap)
}

// PublishProgress records progress and notifies progress listeners, then
// state listeners. Calls outside a running pass are dropped.
func (s *Store) PublishProgress(percent float64, label string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !s.state.SyncInProgress {
		s.mu.Unlock()
		return
	}
	percent = clampPercent(percent)
	s.state.SyncProgress = percent
	s.state.CurrentOperation = label
	snap := s.state.Clone()
	s.mu.Unlock()

	s.subsMu.Lock()
	progress := make([]ProgressListener, 0, len(s.progress))
	for _, fn := range s.progress {
		progress = append(progress, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range progress {
		fn(percent, label)
	}
	s.deliver(snap)
}

func (s *Store) deliver(snap models.SyncState) {
	s.subsMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range listeners {
		fn(snap.Clone())
	}
}

// Save persists the durable subset of the state.
func (s *Store) Save(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	s.mu.RLock()
	persisted := models.PersistedSyncState{
		LastSyncAt:           s.state.LastSyncAt,
		LastSuccessfulSyncAt: s.state.LastSuccessfulSyncAt,
		ConsecutiveFailures:  s.state.ConsecutiveFailures,
	}
	data, err := json.Marshal(persisted)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := s.backend.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

// Close drops all listeners. Later subscriptions are inert.
func (s *Store) Close() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.closed = true
	s.listeners = make(map[uint64]Listener)
	s.progress = make(map[uint64]ProgressListener)
}

// ListenerCount reports registered state and progress listeners.
func (s *Store) ListenerCount() (state, progress int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.listeners), len(s.progress)
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
