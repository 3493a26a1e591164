package repository

import (
	"context"
	"sync"

	"offsync/internal/domain"
)

// MemoryBackend keeps values in process memory. It is the fallback for the
// failover backend and the default in tests.
type MemoryBackend struct {
	values sync.Map
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (r *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, ok := r.values.Load(key)
	if !ok {
		return nil, domain.ErrNotFound
	}
	data := val.([]byte)
	return append([]byte(nil), data...), nil
}

func (r *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	r.values.Store(key, append([]byte(nil), value...))
	return nil
}

func (r *MemoryBackend) Delete(ctx context.Context, key string) error {
	r.values.Delete(key)
	return nil
}
