package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"offsync/internal/domain"
	"offsync/internal/events"
	"offsync/internal/metrics"
	"offsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures a Scheduler.
type Options struct {
	BatchSize int
	// MaxPassActions caps the actions processed by one pass; 0 means no cap.
	MaxPassActions int
	SendTimeout    time.Duration
	Retry          RetryPolicy
	Filter         models.ActionFilter
	Now            func() time.Time
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = models.DefaultBatchSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = models.DefaultSendTimeout
	}
	if o.Retry.BaseDelay == 0 && o.Retry.MaxDelay == 0 {
		o.Retry = NewRetryPolicy(models.DefaultBaseDelay, models.DefaultMaxDelay, 0.2)
	}
	o.Retry = o.Retry.withDefaults()
	if o.Now == nil {
		o.Now = time.Now
	}
}

// PassHandle refers to one replay pass. Completion is also announced through
// the state store; the handle lets callers wait in tests and tools.
type PassHandle struct {
	id        string
	reason    string
	done      chan struct{}
	cancelled atomic.Bool

	mu     sync.Mutex
	result models.PassResult
}

func newPassHandle(reason string) *PassHandle {
	return &PassHandle{
		id:     uuid.NewString(),
		reason: reason,
		done:   make(chan struct{}),
	}
}

func (h *PassHandle) ID() string { return h.id }

func (h *PassHandle) Reason() string { return h.reason }

// Done is closed once the pass has finished and its final state is published.
func (h *PassHandle) Done() <-chan struct{} { return h.done }

// Result returns the pass summary; it is complete once Done is closed.
func (h *PassHandle) Result() models.PassResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Status reports Running until the pass finishes, then its final status.
func (h *PassHandle) Status() models.PassStatus {
	select {
	case <-h.done:
		return h.Result().Status
	default:
		return models.PassRunning
	}
}

// Wait blocks until the pass finishes or ctx is done.
func (h *PassHandle) Wait(ctx context.Context) (models.PassResult, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return models.PassResult{}, ctx.Err()
	}
}

func (h *PassHandle) finish(result models.PassResult) {
	h.mu.Lock()
	h.result = result
	h.mu.Unlock()
	close(h.done)
}

// Scheduler drives replay passes. At most one pass runs at a time; triggers
// that arrive while a pass is running join it.
type Scheduler struct {
	queue     domain.ActionStore
	transport domain.Transport
	state     domain.StateWriter
	events    domain.EventPublisher
	opts      Options
	logger    *zerolog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	current *PassHandle
	last    *PassHandle
	stopped bool
	wg      sync.WaitGroup
}

func New(
	queue domain.ActionStore,
	transport domain.Transport,
	state domain.StateWriter,
	publisher domain.EventPublisher,
	opts Options,
	logger *zerolog.Logger,
) *Scheduler {
	opts.applyDefaults()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		queue:      queue,
		transport:  transport,
		state:      state,
		events:     publisher,
		opts:       opts,
		logger:     &l,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// TriggerSync starts a pass, or returns the running one. It never blocks on
// the pass itself.
func (s *Scheduler) TriggerSync(reason string) *PassHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.logger.Debug().Str("pass_id", s.current.id).Str("reason", reason).Msg("sync already running, joining pass")
		return s.current
	}

	h := newPassHandle(reason)
	if s.stopped {
		h.cancelled.Store(true)
		h.finish(models.PassResult{PassID: h.id, Reason: reason, Status: models.PassCancelled})
		return h
	}

	prev := s.last
	s.current = h
	s.last = h
	s.wg.Add(1)
	go s.runPass(h, prev)
	return h
}

// CancelSync asks the running pass to stop at the next action boundary. An
// in-flight send is never interrupted. Returns false when no pass is running.
func (s *Scheduler) CancelSync() bool {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()

	if h == nil {
		return false
	}
	s.cancelPass(h)
	return true
}

// cancelPass flags h and marks the shared state cancelled only while h is
// still the pass in progress there. finishPass may already have published
// h's final status, and that status wins.
func (s *Scheduler) cancelPass(h *PassHandle) {
	h.cancelled.Store(true)
	s.state.Update(func(st *models.SyncState) {
		if st.SyncInProgress && st.PassID == h.id {
			st.Cancelled = true
		}
	})
	s.logger.Info().Str("pass_id", h.id).Msg("sync cancellation requested")
}

// Running returns the active pass, if any.
func (s *Scheduler) Running() *PassHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stop cancels the running pass and waits for it. If ctx expires first the
// in-flight send is aborted too; the action is released back to pending.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if s.current != nil {
		s.current.cancelled.Store(true)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.cancelBase()
		<-done
		return ctx.Err()
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSynced
	outcomeRetried
	outcomeFailed
	outcomeIO
)

func (o outcome) String() string {
	switch o {
	case outcomeSynced:
		return "synced"
	case outcomeRetried:
		return "retried"
	case outcomeFailed:
		return "failed"
	case outcomeIO:
		return "io_error"
	default:
		return "skipped"
	}
}

func (s *Scheduler) runPass(h *PassHandle, prev *PassHandle) {
	defer s.wg.Done()
	if prev != nil {
		// The previous pass may still be publishing its final state.
		<-prev.done
	}

	ctx := s.baseCtx
	logger := s.logger.With().Str("pass_id", h.id).Str("reason", h.reason).Logger()
	result := models.PassResult{PassID: h.id, Reason: h.reason, StartedAt: s.opts.Now()}

	s.state.Update(func(st *models.SyncState) {
		st.SyncInProgress = true
		st.PassStatus = models.PassRunning
		st.PassID = h.id
		st.Cancelled = false
		st.SyncProgress = 0
		st.CurrentOperation = "Starting sync"
	})

	counted := make(map[string]struct{})
	if initial, err := s.queue.DequeueBatch(ctx, 0, s.opts.Filter); err == nil {
		for _, a := range initial {
			counted[a.ID] = struct{}{}
		}
	}
	result.Total = len(counted)
	s.state.PublishProgress(0, "Starting sync")
	logger.Info().Int("eligible", result.Total).Msg("sync pass started")

	// Every action this pass has handled is excluded from later batches, so a
	// released or quickly re-eligible action cannot hide the ones below it.
	processed := make(map[string]struct{}, len(s.opts.Filter.ExcludeIDs))
	for id := range s.opts.Filter.ExcludeIDs {
		processed[id] = struct{}{}
	}
	filter := s.opts.Filter
	filter.ExcludeIDs = processed
	var fetchErr error

loop:
	for {
		if h.cancelled.Load() {
			break
		}
		if s.opts.MaxPassActions > 0 && result.Processed >= s.opts.MaxPassActions {
			break
		}

		batch, err := s.queue.DequeueBatch(ctx, s.opts.BatchSize, filter)
		if err != nil {
			if ctx.Err() == nil {
				fetchErr = err
			} else {
				h.cancelled.Store(true)
			}
			break
		}
		if len(batch) == 0 {
			break
		}
		for _, a := range batch {
			if _, ok := counted[a.ID]; !ok {
				counted[a.ID] = struct{}{}
				result.Total++
			}
		}

		for _, a := range batch {
			// Cancellation is observed only between actions.
			if h.cancelled.Load() {
				break loop
			}
			if s.opts.MaxPassActions > 0 && result.Processed >= s.opts.MaxPassActions {
				break loop
			}

			processed[a.ID] = struct{}{}
			out := s.processAction(ctx, h, a, &logger)
			metrics.IncAction(out.String())

			switch out {
			case outcomeSynced:
				result.Synced++
			case outcomeRetried:
				result.Retried++
			case outcomeFailed:
				result.Failed++
			case outcomeIO:
				result.IOErrors++
			case outcomeSkipped:
				result.Total--
				continue
			}
			result.Processed++

			percent := 100.0
			if result.Total > 0 {
				percent = float64(result.Processed) / float64(result.Total) * 100
			}
			s.state.PublishProgress(percent, fmt.Sprintf("Syncing %s (%d/%d)", a.Type, result.Processed, result.Total))
		}
	}

	s.finishPass(h, result, fetchErr, &logger)
}

func (s *Scheduler) processAction(ctx context.Context, h *PassHandle, a *models.OfflineAction, logger *zerolog.Logger) outcome {
	log := logger.With().Str("action_id", a.ID).Str("type", string(a.Type)).Logger()

	syncing := models.StatusSyncing
	marked, err := s.queue.Update(ctx, a.ID, models.ActionPatch{Status: &syncing})
	if err != nil {
		if errors.Is(err, models.ErrActionNotFound) || errors.Is(err, models.ErrInvalidTransition) {
			// Deleted or changed by the user after the batch was read.
			log.Debug().Err(err).Msg("action changed before send, skipping")
			return outcomeSkipped
		}
		log.Error().Err(err).Msg("mark syncing")
		return outcomeIO
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	_, sendErr := s.transport.Send(sendCtx, marked)
	cancel()

	// Writes after the send must land even if the scheduler is being stopped.
	writeCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		if err := s.queue.Remove(writeCtx, a.ID); err != nil {
			// Delivered but not recorded: the resend is deduplicated by id.
			log.Error().Err(err).Msg("remove synced action")
			s.release(writeCtx, a.ID, "delivered; local state not persisted", &log)
			return outcomeIO
		}
		synced := marked.Clone()
		synced.Status = models.StatusSynced
		s.publish(models.EventActionSynced, events.NewActionEventPayload(synced, h.id))
		log.Debug().Int("attempts", marked.SyncAttempts).Msg("action synced")
		return outcomeSynced
	}

	if ctx.Err() != nil {
		log.Warn().Err(sendErr).Msg("send aborted by shutdown")
		s.release(writeCtx, a.ID, "", &log)
		return outcomeIO
	}

	attempts := marked.SyncAttempts + 1
	kind := Classify(sendErr)
	var patch models.ActionPatch
	var out outcome

	switch {
	case kind == models.Permanent:
		failed := models.StatusFailed
		msg := sendErr.Error()
		patch = models.ActionPatch{Status: &failed, SyncAttempts: &attempts, LastSyncError: &msg, ClearEligible: true}
		out = outcomeFailed
	case attempts >= marked.MaxAttempts:
		failed := models.StatusFailed
		msg := (&models.ExhaustedRetriesError{Attempts: attempts, Last: sendErr}).Error()
		patch = models.ActionPatch{Status: &failed, SyncAttempts: &attempts, LastSyncError: &msg, ClearEligible: true}
		out = outcomeFailed
	default:
		pending := models.StatusPending
		msg := sendErr.Error()
		next := s.opts.Now().Add(s.opts.Retry.NextDelay(attempts))
		patch = models.ActionPatch{Status: &pending, SyncAttempts: &attempts, LastSyncError: &msg, NextEligibleAt: &next}
		out = outcomeRetried
	}

	updated, err := s.queue.Update(writeCtx, a.ID, patch)
	if err != nil {
		log.Error().Err(err).Msg("record send failure")
		s.release(writeCtx, a.ID, sendErr.Error(), &log)
		return outcomeIO
	}

	if out == outcomeFailed {
		log.Warn().Err(sendErr).Int("attempts", attempts).Str("kind", kind.String()).Msg("action failed")
		s.publish(models.EventActionFailed, events.NewActionEventPayload(updated, h.id))
	} else {
		log.Info().Err(sendErr).Int("attempts", attempts).Time("retry_at", *updated.NextEligibleAt).Msg("action retry scheduled")
		s.publish(models.EventActionRetryScheduled, events.NewActionEventPayload(updated, h.id))
	}
	return out
}

func (s *Scheduler) release(ctx context.Context, id, cause string, logger *zerolog.Logger) {
	if err := s.queue.Release(ctx, id, cause); err != nil {
		logger.Error().Err(err).Msg("release action; will persist on next write")
	}
}

func (s *Scheduler) finishPass(h *PassHandle, result models.PassResult, fetchErr error, logger *zerolog.Logger) {
	writeCtx := context.WithoutCancel(s.baseCtx)
	if err := s.queue.Flush(writeCtx); err != nil {
		logger.Error().Err(err).Msg("flush queue")
	}

	switch {
	case h.cancelled.Load():
		result.Status = models.PassCancelled
	case fetchErr != nil:
		logger.Error().Err(fetchErr).Msg("read queue")
		result.Status = models.PassFailed
	case result.Processed > 0 && result.Synced == 0:
		result.Status = models.PassFailed
	default:
		result.Status = models.PassCompleted
	}
	result.EndedAt = s.opts.Now()

	label := "Sync completed"
	switch result.Status {
	case models.PassCancelled:
		label = "Sync cancelled"
	case models.PassFailed:
		label = "Sync failed"
	}

	s.mu.Lock()
	if s.current == h {
		s.current = nil
	}
	s.mu.Unlock()

	s.state.PublishProgress(100, label)
	pending := s.queue.Count(models.StatusPending)
	failed := s.queue.Count(models.StatusFailed)
	s.state.Update(func(st *models.SyncState) {
		end := result.EndedAt
		st.LastSyncAt = &end
		switch {
		case result.Synced > 0:
			st.LastSuccessfulSyncAt = &end
			st.ConsecutiveFailures = 0
		case result.Status == models.PassFailed:
			st.ConsecutiveFailures++
		}
		st.SyncInProgress = false
		st.PassStatus = result.Status
		st.Cancelled = result.Status == models.PassCancelled
		st.CurrentOperation = ""
		st.PendingCount = pending
		st.FailedCount = failed
	})
	if err := s.state.Save(writeCtx); err != nil {
		logger.Warn().Err(err).Msg("save sync state")
	}

	metrics.ObservePass(string(result.Status), result.EndedAt.Sub(result.StartedAt))
	metrics.SetQueueDepth(string(models.StatusPending), pending)
	metrics.SetQueueDepth(string(models.StatusFailed), failed)
	s.publish(models.EventPassFinished, result)

	logger.Info().
		Str("status", string(result.Status)).
		Int("total", result.Total).
		Int("synced", result.Synced).
		Int("retried", result.Retried).
		Int("failed", result.Failed).
		Int("io_errors", result.IOErrors).
		Msg("sync pass finished")

	h.finish(result)
}

func (s *Scheduler) publish(eventType string, payload interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
