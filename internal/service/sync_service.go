package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"offsync/internal/config"
	"offsync/internal/connectivity"
	"offsync/internal/database"
	"offsync/internal/domain"
	"offsync/internal/events"
	"offsync/internal/metrics"
	"offsync/internal/models"
	"offsync/internal/queue"
	"offsync/internal/repository"
	"offsync/internal/scheduler"
	"offsync/internal/syncstate"
	"offsync/internal/transport"

	"github.com/rs/zerolog"
)

var (
	ErrNotStarted     = errors.New("sync service is not started")
	ErrAlreadyStarted = errors.New("sync service is already started")
)

// Option customizes a SyncService.
type Option func(*SyncService)

// WithBackend replaces the backend selected by config.
func WithBackend(b domain.Backend) Option {
	return func(s *SyncService) { s.backendOverride = b }
}

// WithTransport replaces the HTTP transport.
func WithTransport(t domain.Transport) Option {
	return func(s *SyncService) { s.transportOverride = t }
}

// WithClock sets the time source for the queue and scheduler.
func WithClock(now func() time.Time) Option {
	return func(s *SyncService) { s.now = now }
}

// engine is everything that exists between Start and Stop.
type engine struct {
	storage    *storage
	queue      *queue.ActionQueue
	state      *syncstate.Store
	sched      *scheduler.Scheduler
	periodic   *scheduler.Periodic
	monitor    *connectivity.Monitor
	deadLetter *repository.DeadLetter
	cancel     context.CancelFunc
	unsubs     []func()
	bg         sync.WaitGroup
}

// SyncService is one engine instance: queue, state, scheduler and the
// triggers around them. UI consumers and the admin API only talk to this.
type SyncService struct {
	cfg    *config.Config
	logger *zerolog.Logger
	bus    *events.EventBus

	backendOverride   domain.Backend
	transportOverride domain.Transport
	now               func() time.Time

	// lifeMu serializes Start and Stop; mu guards eng.
	lifeMu sync.Mutex
	mu     sync.RWMutex
	eng    *engine
}

func New(cfg *config.Config, logger *zerolog.Logger, opts ...Option) *SyncService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "sync_service").Logger()

	s := &SyncService{
		cfg:    cfg,
		logger: &l,
		bus:    events.NewEventBus(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events exposes the lifecycle event bus.
func (s *SyncService) Events() *events.EventBus {
	return s.bus
}

func (s *SyncService) engine() (*engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.eng == nil {
		return nil, ErrNotStarted
	}
	return s.eng, nil
}

// Start opens storage, restores the queue and state, and starts the triggers.
func (s *SyncService) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if _, err := s.engine(); err == nil {
		return ErrAlreadyStarted
	}

	e := &engine{}
	if s.backendOverride != nil {
		e.storage = &storage{backend: s.backendOverride}
	} else {
		st, err := openStorage(ctx, s.cfg, s.logger)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		e.storage = st
	}
	backend := e.storage.backend

	tr := s.transportOverride
	if tr == nil {
		client, err := transport.NewHTTPClient(s.cfg.Transport, s.logger)
		if err != nil {
			_ = e.storage.Close()
			return err
		}
		tr = client
	}

	maxAttempts := make(map[models.ActionType]int, len(s.cfg.Sync.MaxAttempts))
	for typ, n := range s.cfg.Sync.MaxAttempts {
		maxAttempts[models.ActionType(typ)] = n
	}
	q, err := queue.Open(ctx, backend, queue.Options{
		Key:                s.cfg.Storage.QueueKey,
		WriteTimeout:       s.cfg.Storage.WriteTimeout,
		DefaultMaxAttempts: s.cfg.Sync.DefaultMaxAttempts,
		MaxAttempts:        maxAttempts,
		Now:                s.now,
	}, s.logger)
	if err != nil {
		_ = e.storage.Close()
		return err
	}

	state, err := syncstate.Open(ctx, backend, s.cfg.Storage.StateKey, s.logger)
	if err != nil {
		_ = e.storage.Close()
		return err
	}

	e.queue = q
	e.state = state
	e.sched = scheduler.New(q, tr, state, s.bus, scheduler.Options{
		BatchSize:      s.cfg.Sync.BatchSize,
		MaxPassActions: s.cfg.Sync.MaxPassActions,
		SendTimeout:    s.cfg.Transport.SendTimeout,
		Retry:          scheduler.NewRetryPolicy(s.cfg.Sync.BaseDelay, s.cfg.Sync.MaxDelay, s.cfg.Sync.Jitter),
		Now:            s.now,
	}, s.logger)

	e.periodic = scheduler.NewPeriodic(e.sched, s.logger)
	if err := e.periodic.Start(s.cfg.Sync.Schedule); err != nil {
		_ = e.storage.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.monitor = connectivity.NewMonitor(s.cfg.Connectivity, s.logger)
	e.unsubs = append(e.unsubs, e.monitor.OnChange(func(online bool) { s.onConnectivityChange(e, online) }))
	state.Update(func(st *models.SyncState) { st.Online = e.monitor.Online() })

	if e.storage.redis != nil && s.cfg.Redis.DeadLetterKey != "" {
		e.deadLetter = repository.NewDeadLetter(e.storage.redis, s.cfg.Redis.DeadLetterKey, 0)
		e.unsubs = append(e.unsubs, s.bus.Subscribe(models.EventActionFailed, func(ev *events.Event) error {
			return s.recordDeadLetter(e, ev)
		}))
	}

	if e.storage.kv != nil && s.cfg.Backup.Enabled {
		backup := database.NewBackupService(e.storage.kv, s.cfg.Backup, s.logger)
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			backup.Start(runCtx)
		}()
	}

	s.mu.Lock()
	s.eng = e
	s.mu.Unlock()

	s.refreshCounts(e)
	e.monitor.Start(runCtx)

	s.logger.Info().
		Int("actions", q.Len()).
		Str("driver", s.cfg.Storage.Driver).
		Bool("online", e.monitor.Online()).
		Msg("sync service started")
	return nil
}

// Stop cancels any running pass, waits for it (bounded by ctx), persists the
// state and releases storage.
func (s *SyncService) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	e := s.eng
	s.eng = nil
	s.mu.Unlock()
	if e == nil {
		return nil
	}

	e.periodic.Stop()
	for _, unsub := range e.unsubs {
		unsub()
	}

	stopErr := e.sched.Stop(ctx)

	e.cancel()
	e.monitor.Wait()
	e.bg.Wait()

	writeCtx := context.WithoutCancel(ctx)
	if err := e.queue.Flush(writeCtx); err != nil {
		s.logger.Error().Err(err).Msg("flush queue on stop")
	}
	if err := e.state.Save(writeCtx); err != nil {
		s.logger.Error().Err(err).Msg("save sync state on stop")
	}
	e.state.Close()

	if err := e.storage.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close storage")
	}
	s.logger.Info().Msg("sync service stopped")
	return stopErr
}

func (s *SyncService) onConnectivityChange(e *engine, online bool) {
	e.state.Update(func(st *models.SyncState) { st.Online = online })
	if online && s.cfg.Sync.ReconnectEnabled() {
		h := e.sched.TriggerSync("reconnect")
		s.logger.Info().Str("pass_id", h.ID()).Msg("connectivity restored, sync triggered")
	}
}

func (s *SyncService) recordDeadLetter(e *engine, ev *events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Storage.WriteTimeout)
	defer cancel()
	if err := e.deadLetter.Push(ctx, ev.Payload); err != nil {
		s.logger.Warn().Err(err).Msg("record dead letter")
		return err
	}
	return nil
}

// SetOnline feeds a connectivity signal from the platform.
func (s *SyncService) SetOnline(online bool) error {
	e, err := s.engine()
	if err != nil {
		return err
	}
	e.monitor.SetOnline(online)
	return nil
}

// Enqueue durably records an action. It returns only after the write.
func (s *SyncService) Enqueue(ctx context.Context, action *models.OfflineAction) (*models.OfflineAction, error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}

	a, err := e.queue.Enqueue(ctx, action)
	if err != nil {
		return nil, err
	}
	s.refreshCounts(e)
	s.publish(models.EventActionEnqueued, events.NewActionEventPayload(a, ""))
	return a, nil
}

// List returns queued actions in delivery order.
func (s *SyncService) List(filter models.ActionFilter) ([]*models.OfflineAction, error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	return e.queue.List(filter), nil
}

// Get returns one queued action.
func (s *SyncService) Get(id string) (*models.OfflineAction, error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	return e.queue.Get(id)
}

// RetryAction moves a failed action back to pending with a fresh attempt budget.
func (s *SyncService) RetryAction(ctx context.Context, id string) (*models.OfflineAction, error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	a, err := e.queue.RetryAction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.refreshCounts(e)
	return a, nil
}

// DeleteAction drops an action. An action being sent right now cannot be
// deleted; the pass owns it until the send resolves.
func (s *SyncService) DeleteAction(ctx context.Context, id string) error {
	e, err := s.engine()
	if err != nil {
		return err
	}
	a, err := e.queue.Get(id)
	if err != nil {
		return err
	}
	if a.Status == models.StatusSyncing {
		return fmt.Errorf("delete %s while syncing: %w", id, models.ErrInvalidTransition)
	}
	if err := e.queue.Remove(ctx, id); err != nil {
		return err
	}
	s.refreshCounts(e)
	return nil
}

// Reprioritize shifts an action's priority by delta, clamped to [0,10].
func (s *SyncService) Reprioritize(ctx context.Context, id string, delta int) (*models.OfflineAction, error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	return e.queue.Reprioritize(ctx, id, delta)
}

// TriggerSync starts or joins a pass and returns without waiting for it.
func (s *SyncService) TriggerSync(reason string) (*scheduler.PassHandle, error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual"
	}
	return e.sched.TriggerSync(reason), nil
}

// CancelSync requests cancellation of the running pass.
func (s *SyncService) CancelSync() (bool, error) {
	e, err := s.engine()
	if err != nil {
		return false, err
	}
	return e.sched.CancelSync(), nil
}

// Snapshot returns the current sync state.
func (s *SyncService) Snapshot() (models.SyncState, error) {
	e, err := s.engine()
	if err != nil {
		return models.SyncState{}, err
	}
	return e.state.Snapshot(), nil
}

// Subscribe registers a state listener; it receives the current snapshot
// immediately.
func (s *SyncService) Subscribe(fn syncstate.Listener) (*syncstate.Subscription, error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	return e.state.Subscribe(fn), nil
}

// SubscribeToProgress registers a progress listener.
func (s *SyncService) SubscribeToProgress(fn syncstate.ProgressListener) (*syncstate.Subscription, error) {
	e, err := s.engine()
	if err != nil {
		return nil, err
	}
	return e.state.SubscribeToProgress(fn), nil
}

// refreshCounts publishes queue counts to the state and metrics. Syncing
// actions count as pending: they are still owed to the server.
func (s *SyncService) refreshCounts(e *engine) {
	pending := e.queue.Count(models.StatusPending) + e.queue.Count(models.StatusSyncing)
	failed := e.queue.Count(models.StatusFailed)
	e.state.Update(func(st *models.SyncState) {
		st.PendingCount = pending
		st.FailedCount = failed
	})
	metrics.SetQueueDepth(string(models.StatusPending), pending)
	metrics.SetQueueDepth(string(models.StatusFailed), failed)
}

func (s *SyncService) publish(eventType string, payload interface{}) {
	if err := s.bus.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
