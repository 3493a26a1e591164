package domain

import (
	"context"
	"errors"

	"offsync/internal/models"
)

// ErrNotFound is returned by Backend.Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Backend is the key-value persistence the queue and state store write through.
// Durability only needs to survive ordinary restarts.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Transport delivers one action to the remote service. Implementations must
// tolerate repeated sends of the same action id; the server deduplicates.
type Transport interface {
	Send(ctx context.Context, action *models.OfflineAction) (models.Ack, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// ActionStore is the queue surface the scheduler drives.
type ActionStore interface {
	DequeueBatch(ctx context.Context, limit int, filter models.ActionFilter) ([]*models.OfflineAction, error)
	Update(ctx context.Context, id string, patch models.ActionPatch) (*models.OfflineAction, error)
	Remove(ctx context.Context, id string) error
	Release(ctx context.Context, id string, cause string) error
	Flush(ctx context.Context) error
	Count(status models.ActionStatus) int
}

// StateWriter is the state store surface the scheduler mutates.
type StateWriter interface {
	Snapshot() models.SyncState
	Update(fn func(s *models.SyncState))
	PublishProgress(percent float64, label string)
	Save(ctx context.Context) error
}
