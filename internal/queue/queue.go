package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"offsync/internal/domain"
	"offsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const documentVersion = 1

// Options configures an ActionQueue. Zero values fall back to defaults.
type Options struct {
	Key                string
	WriteTimeout       time.Duration
	DefaultMaxAttempts int
	MaxAttempts        map[models.ActionType]int
	Now                func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Key == "" {
		o.Key = models.DefaultQueueKey
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = models.DefaultWriteTimeout
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = models.DefaultMaxAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// document is the persisted form of the whole queue.
type document struct {
	Version int                     `json:"version"`
	Seq     int64                   `json:"seq"`
	Actions []*models.OfflineAction `json:"actions"`
}

// ActionQueue is a durable ordered collection of offline actions. Every
// mutation is written to the backend before it is acknowledged; the mutex is
// held across the write so the queue has a single logical writer.
type ActionQueue struct {
	mu      sync.Mutex
	backend domain.Backend
	opts    Options
	actions map[string]*models.OfflineAction
	seq     int64
	dirty   bool
	logger  *zerolog.Logger
}

// Open loads the queue from the backend. Actions persisted as syncing were
// interrupted mid-send and are returned to pending so they get resent.
func Open(ctx context.Context, backend domain.Backend, opts Options, logger *zerolog.Logger) (*ActionQueue, error) {
	if backend == nil {
		return nil, errors.New("queue backend is nil")
	}
	opts.applyDefaults()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "queue").Logger()

	q := &ActionQueue{
		backend: backend,
		opts:    opts,
		actions: make(map[string]*models.OfflineAction),
		logger:  &l,
	}

	loadCtx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
	defer cancel()

	raw, err := backend.Get(loadCtx, opts.Key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return q, nil
	case err != nil:
		return nil, &models.QueueIOError{Op: "load", Err: err}
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &models.QueueIOError{Op: "decode", Err: err}
	}

	q.seq = doc.Seq
	recovered := 0
	for _, a := range doc.Actions {
		if a == nil || a.ID == "" {
			continue
		}
		if a.Status == models.StatusSyncing {
			a.Status = models.StatusPending
			recovered++
		}
		if a.Seq > q.seq {
			q.seq = a.Seq
		}
		q.actions[a.ID] = a
	}

	if recovered > 0 {
		q.logger.Warn().Int("count", recovered).Msg("recovered actions interrupted mid-sync")
		if err := q.persistLocked(ctx, "recover"); err != nil {
			q.dirty = true
			q.logger.Error().Err(err).Msg("persist recovered actions")
		}
	}

	q.logger.Info().Int("actions", len(q.actions)).Str("key", opts.Key).Msg("queue loaded")
	return q, nil
}

// Enqueue validates and persists an action. The returned copy carries the
// assigned id, sequence and defaults.
func (q *ActionQueue) Enqueue(ctx context.Context, action *models.OfflineAction) (*models.OfflineAction, error) {
	if action == nil {
		return nil, models.NewValidationError("action", "is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	a := action.Clone()
	now := q.opts.Now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.StatusPending
	}
	if a.Status != models.StatusPending {
		return nil, models.NewValidationError("status", "must be pending at enqueue")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = q.maxAttemptsFor(a.Type)
	}
	a.Priority = models.ClampPriority(a.Priority)
	a.SyncAttempts = 0
	a.LastSyncError = nil
	a.NextEligibleAt = nil

	if err := a.Validate(); err != nil {
		return nil, err
	}
	if _, exists := q.actions[a.ID]; exists {
		return nil, models.NewValidationError("id", "is already queued")
	}

	q.seq++
	a.Seq = q.seq
	q.actions[a.ID] = a

	if err := q.persistLocked(ctx, "enqueue"); err != nil {
		delete(q.actions, a.ID)
		return nil, err
	}

	q.logger.Debug().Str("action_id", a.ID).Str("type", string(a.Type)).Int("priority", a.Priority).Msg("action enqueued")
	return a.Clone(), nil
}

func (q *ActionQueue) maxAttemptsFor(t models.ActionType) int {
	if n, ok := q.opts.MaxAttempts[t]; ok && n > 0 {
		return n
	}
	return q.opts.DefaultMaxAttempts
}

// DequeueBatch returns copies of up to limit pending actions whose backoff has
// elapsed, ordered by priority then age. The actions stay in the queue; the
// caller moves them through Update. Failed actions are terminal and never
// returned.
func (q *ActionQueue) DequeueBatch(ctx context.Context, limit int, filter models.ActionFilter) ([]*models.OfflineAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	batch := make([]*models.OfflineAction, 0, len(q.actions))
	for _, a := range q.actions {
		if a.EligibleAt(now) && filter.Match(a) {
			batch = append(batch, a)
		}
	}
	sortActions(batch)

	if limit > 0 && len(batch) > limit {
		batch = batch[:limit]
	}
	out := make([]*models.OfflineAction, len(batch))
	for i, a := range batch {
		out[i] = a.Clone()
	}
	return out, nil
}

// Update applies a partial update atomically. Synced actions are immutable.
func (q *ActionQueue) Update(ctx context.Context, id string, patch models.ActionPatch) (*models.OfflineAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updateLocked(ctx, id, patch, "update")
}

func (q *ActionQueue) updateLocked(ctx context.Context, id string, patch models.ActionPatch, op string) (*models.OfflineAction, error) {
	current, ok := q.actions[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, id, models.ErrActionNotFound)
	}
	if current.Status == models.StatusSynced {
		return nil, fmt.Errorf("%s %s: synced actions are immutable: %w", op, id, models.ErrInvalidTransition)
	}

	next := current.Clone()
	if patch.Status != nil {
		if !models.CanTransition(current.Status, *patch.Status) {
			return nil, fmt.Errorf("%s %s: %s -> %s: %w", op, id, current.Status, *patch.Status, models.ErrInvalidTransition)
		}
		next.Status = *patch.Status
	}
	if patch.Priority != nil {
		next.Priority = models.ClampPriority(*patch.Priority)
	}
	if patch.SyncAttempts != nil {
		manualReset := current.Status == models.StatusFailed && next.Status == models.StatusPending
		if *patch.SyncAttempts < current.SyncAttempts && !manualReset {
			return nil, models.NewValidationError("sync_attempts", "must not decrease")
		}
		next.SyncAttempts = *patch.SyncAttempts
	}
	if patch.ClearError {
		next.LastSyncError = nil
	}
	if patch.LastSyncError != nil {
		msg := *patch.LastSyncError
		next.LastSyncError = &msg
	}
	if patch.ClearEligible {
		next.NextEligibleAt = nil
	}
	if patch.NextEligibleAt != nil {
		at := *patch.NextEligibleAt
		next.NextEligibleAt = &at
	}
	next.UpdatedAt = q.opts.Now()

	q.actions[id] = next
	if err := q.persistLocked(ctx, op); err != nil {
		q.actions[id] = current
		return nil, err
	}
	return next.Clone(), nil
}

// RetryAction moves a failed (or waiting) action back to pending with its
// attempt counter and backoff reset.
func (q *ActionQueue) RetryAction(ctx context.Context, id string) (*models.OfflineAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.actions[id]
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", id, models.ErrActionNotFound)
	}
	if current.Status != models.StatusFailed && current.Status != models.StatusPending {
		return nil, fmt.Errorf("retry %s from %s: %w", id, current.Status, models.ErrInvalidTransition)
	}

	pending := models.StatusPending
	zero := 0
	return q.updateLocked(ctx, id, models.ActionPatch{
		Status:        &pending,
		SyncAttempts:  &zero,
		ClearError:    true,
		ClearEligible: true,
	}, "retry")
}

// Reprioritize shifts an action's priority by delta, clamped to the valid range.
func (q *ActionQueue) Reprioritize(ctx context.Context, id string, delta int) (*models.OfflineAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.actions[id]
	if !ok {
		return nil, fmt.Errorf("reprioritize %s: %w", id, models.ErrActionNotFound)
	}
	// A delta beyond the full range saturates; clamping it first keeps the
	// sum from overflowing.
	delta = min(max(delta, -models.MaxPriority), models.MaxPriority)
	p := current.Priority + delta
	return q.updateLocked(ctx, id, models.ActionPatch{Priority: &p}, "reprioritize")
}

// Remove deletes an action.
func (q *ActionQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.actions[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, models.ErrActionNotFound)
	}
	delete(q.actions, id)
	if err := q.persistLocked(ctx, "remove"); err != nil {
		q.actions[id] = current
		return err
	}
	return nil
}

// Release returns a syncing action to pending. Unlike Update the in-memory
// change survives a failed write: the queue is marked dirty and the next
// successful write carries it. A QueueIOError is still returned in that case.
func (q *ActionQueue) Release(ctx context.Context, id string, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.actions[id]
	if !ok {
		return fmt.Errorf("release %s: %w", id, models.ErrActionNotFound)
	}
	if current.Status != models.StatusSyncing {
		return nil
	}
	current.Status = models.StatusPending
	current.UpdatedAt = q.opts.Now()
	if cause != "" {
		msg := cause
		current.LastSyncError = &msg
	}

	if err := q.persistLocked(ctx, "release"); err != nil {
		q.dirty = true
		return err
	}
	return nil
}

// Flush writes the queue if an earlier Release could not be persisted.
func (q *ActionQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.dirty {
		return nil
	}
	return q.persistLocked(ctx, "flush")
}

// Dirty reports whether in-memory state is ahead of the backend.
func (q *ActionQueue) Dirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dirty
}

// Get returns a copy of one action.
func (q *ActionQueue) Get(id string) (*models.OfflineAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.actions[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, models.ErrActionNotFound)
	}
	return a.Clone(), nil
}

// List returns a snapshot of matching actions in delivery order.
func (q *ActionQueue) List(filter models.ActionFilter) []*models.OfflineAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	matched := make([]*models.OfflineAction, 0, len(q.actions))
	for _, a := range q.actions {
		if filter.Match(a) {
			matched = append(matched, a)
		}
	}
	sortActions(matched)

	out := make([]*models.OfflineAction, len(matched))
	for i, a := range matched {
		out[i] = a.Clone()
	}
	return out
}

// Count returns the number of actions in a status.
func (q *ActionQueue) Count(status models.ActionStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, a := range q.actions {
		if a.Status == status {
			n++
		}
	}
	return n
}

// Len returns the number of actions held.
func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

func (q *ActionQueue) persistLocked(ctx context.Context, op string) error {
	doc := document{
		Version: documentVersion,
		Seq:     q.seq,
		Actions: make([]*models.OfflineAction, 0, len(q.actions)),
	}
	for _, a := range q.actions {
		doc.Actions = append(doc.Actions, a)
	}
	sort.Slice(doc.Actions, func(i, j int) bool { return doc.Actions[i].Seq < doc.Actions[j].Seq })

	data, err := json.Marshal(doc)
	if err != nil {
		return &models.QueueIOError{Op: op, Err: fmt.Errorf("encode: %w", err)}
	}

	writeCtx, cancel := context.WithTimeout(ctx, q.opts.WriteTimeout)
	defer cancel()

	if err := q.backend.Set(writeCtx, q.opts.Key, data); err != nil {
		q.logger.Error().Err(err).Str("op", op).Msg("persist queue")
		return &models.QueueIOError{Op: op, Err: err}
	}
	q.dirty = false
	return nil
}

// sortActions orders by priority desc, then createdAt asc, then seq asc so
// equal-priority actions keep the order they were made in.
func sortActions(list []*models.OfflineAction) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}
