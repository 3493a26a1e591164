package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"offsync/internal/domain"

	"github.com/rs/zerolog"
)

const defaultRecoveryInterval = time.Minute

// FailoverBackend writes to the primary backend and switches to the fallback
// when the primary errors. Keys written during the outage are copied back to
// the primary before it serves again, so the primary never hands out a value
// older than the fallback's.
type FailoverBackend struct {
	primary  domain.Backend
	fallback domain.Backend
	logger   *zerolog.Logger
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	isDown    bool
	lastCheck time.Time
	written   map[string]struct{}
}

func NewFailoverBackend(primary, fallback domain.Backend, recoveryInterval time.Duration, logger *zerolog.Logger) *FailoverBackend {
	if recoveryInterval <= 0 {
		recoveryInterval = defaultRecoveryInterval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverBackend{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		interval: recoveryInterval,
		now:      time.Now,
		written:  make(map[string]struct{}),
	}
}

// Down reports whether the fallback is currently serving.
func (r *FailoverBackend) Down() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isDown
}

func (r *FailoverBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tryRecoverLocked(ctx)

	if !r.isDown {
		val, err := r.primary.Get(ctx, key)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			return val, err
		}
		r.markDownLocked(err)
	}

	// A key the fallback has never seen must not read as missing: that would
	// hide whatever the primary holds.
	if _, ok := r.written[key]; !ok {
		return nil, errors.New("primary unavailable and key not present in fallback")
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverBackend) Set(ctx context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tryRecoverLocked(ctx)

	if !r.isDown {
		err := r.primary.Set(ctx, key, value)
		if err == nil {
			return nil
		}
		r.markDownLocked(err)
	}

	if err := r.fallback.Set(ctx, key, value); err != nil {
		return fmt.Errorf("fallback set %s: %w", key, err)
	}
	r.written[key] = struct{}{}
	return nil
}

func (r *FailoverBackend) markDownLocked(err error) {
	r.logger.Error().Err(err).Msg("Primary backend failed, falling back")
	r.isDown = true
	r.lastCheck = r.now()
}

// tryRecoverLocked replays keys written to the fallback onto the primary once
// the recovery interval has passed.
func (r *FailoverBackend) tryRecoverLocked(ctx context.Context) {
	if !r.isDown || r.now().Sub(r.lastCheck) < r.interval {
		return
	}
	r.lastCheck = r.now()

	for key := range r.written {
		val, err := r.fallback.Get(ctx, key)
		if err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("read fallback during recovery")
			return
		}
		if err := r.primary.Set(ctx, key, val); err != nil {
			r.logger.Warn().Err(err).Msg("primary backend still unavailable")
			return
		}
	}

	r.written = make(map[string]struct{})
	r.isDown = false
	r.logger.Info().Msg("primary backend recovered")
}
