package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offsync/internal/models"
	"offsync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyBackend struct {
	*repository.MemoryBackend
	failing atomic.Bool
	sets    atomic.Int32
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{MemoryBackend: repository.NewMemoryBackend()}
}

func (b *flakyBackend) Set(ctx context.Context, key string, value []byte) error {
	if b.failing.Load() {
		return errors.New("disk full")
	}
	b.sets.Add(1)
	return b.MemoryBackend.Set(ctx, key, value)
}

// slowBackend blocks writes until ctx expires.
type slowBackend struct {
	*repository.MemoryBackend
}

func (b *slowBackend) Set(ctx context.Context, key string, value []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openQueue(t *testing.T, backend *flakyBackend) *ActionQueue {
	t.Helper()
	q, err := Open(context.Background(), backend, Options{Now: func() time.Time { return t0 }}, nil)
	require.NoError(t, err)
	return q
}

func enqueue(t *testing.T, q *ActionQueue, id string, priority int, created time.Time) *models.OfflineAction {
	t.Helper()
	a, err := q.Enqueue(context.Background(), &models.OfflineAction{
		ID:        id,
		Type:      "note.create",
		Payload:   json.RawMessage(`{"title":"x"}`),
		Priority:  priority,
		CreatedAt: created,
	})
	require.NoError(t, err)
	return a
}

func ids(list []*models.OfflineAction) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	backend := newFlakyBackend()
	q, err := Open(context.Background(), backend, Options{
		Now:         func() time.Time { return t0 },
		MaxAttempts: map[models.ActionType]int{"photo.upload": 9},
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, &models.OfflineAction{Type: "note.create", Priority: 42})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, models.StatusPending, a.Status)
	assert.Equal(t, models.MaxPriority, a.Priority)
	assert.Equal(t, models.DefaultMaxAttempts, a.MaxAttempts)
	assert.Equal(t, t0, a.CreatedAt)
	assert.Equal(t, int64(1), a.Seq)

	b, err := q.Enqueue(ctx, &models.OfflineAction{Type: "photo.upload", Priority: -3})
	require.NoError(t, err)
	assert.Equal(t, models.MinPriority, b.Priority)
	assert.Equal(t, 9, b.MaxAttempts)
	assert.Equal(t, int64(2), b.Seq)
}

func TestEnqueueValidation(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()

	tests := []struct {
		name   string
		action *models.OfflineAction
	}{
		{"nil", nil},
		{"bad type", &models.OfflineAction{Type: "Bad Type"}},
		{"bad payload", &models.OfflineAction{Type: "x", Payload: json.RawMessage(`{`)}},
		{"not pending", &models.OfflineAction{Type: "x", Status: models.StatusSynced}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.action)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}

	enqueue(t, q, "dup", 5, t0)
	_, err := q.Enqueue(ctx, &models.OfflineAction{ID: "dup", Type: "x"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 1, q.Len())
}

func TestEnqueueRollsBackOnWriteFailure(t *testing.T) {
	backend := newFlakyBackend()
	q := openQueue(t, backend)
	enqueue(t, q, "a", 5, t0)

	backend.failing.Store(true)
	_, err := q.Enqueue(context.Background(), &models.OfflineAction{ID: "b", Type: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrQueueIO)

	var ioErr *models.QueueIOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "enqueue", ioErr.Op)

	_, err = q.Get("b")
	assert.ErrorIs(t, err, models.ErrActionNotFound)
	assert.Equal(t, 1, q.Len())
}

func TestEnqueueWriteTimeout(t *testing.T) {
	q, err := Open(context.Background(), &slowBackend{repository.NewMemoryBackend()}, Options{WriteTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), &models.OfflineAction{Type: "x"})
	assert.ErrorIs(t, err, models.ErrQueueIO)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, q.Len())
}

func TestDequeueBatchOrdering(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()

	enqueue(t, q, "low-old", 1, t0.Add(-time.Hour))
	enqueue(t, q, "mid-new", 5, t0)
	enqueue(t, q, "high", 9, t0)
	enqueue(t, q, "mid-old", 5, t0.Add(-time.Minute))
	enqueue(t, q, "mid-same", 5, t0)

	batch, err := q.DequeueBatch(ctx, 0, models.ActionFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid-old", "mid-new", "mid-same", "low-old"}, ids(batch))

	batch, err = q.DequeueBatch(ctx, 2, models.ActionFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid-old"}, ids(batch))

	batch, err = q.DequeueBatch(ctx, 0, models.ActionFilter{MinPriority: 5})
	require.NoError(t, err)
	assert.Len(t, batch, 4)
}

func TestDequeueBatchSkipsIneligible(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()

	enqueue(t, q, "ready", 5, t0)
	enqueue(t, q, "later", 5, t0)
	enqueue(t, q, "failed", 5, t0)
	enqueue(t, q, "busy", 5, t0)

	future := t0.Add(time.Minute)
	_, err := q.Update(ctx, "later", models.ActionPatch{NextEligibleAt: &future})
	require.NoError(t, err)

	syncing, failed := models.StatusSyncing, models.StatusFailed
	_, err = q.Update(ctx, "failed", models.ActionPatch{Status: &syncing})
	require.NoError(t, err)
	_, err = q.Update(ctx, "failed", models.ActionPatch{Status: &failed})
	require.NoError(t, err)
	_, err = q.Update(ctx, "busy", models.ActionPatch{Status: &syncing})
	require.NoError(t, err)

	batch, err := q.DequeueBatch(ctx, 0, models.ActionFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ready"}, ids(batch))
}

func TestDequeueBatchReturnsSnapshots(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()
	enqueue(t, q, "a", 5, t0)

	batch, err := q.DequeueBatch(ctx, 1, models.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, batch, 1)

	batch[0].Priority = 0
	batch[0].Payload[0] = '['

	// A concurrent update is not visible in the snapshot.
	p := 8
	_, err = q.Update(ctx, "a", models.ActionPatch{Priority: &p})
	require.NoError(t, err)

	got, err := q.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Priority)
	assert.JSONEq(t, `{"title":"x"}`, string(got.Payload))
	assert.Equal(t, 0, batch[0].Priority)
}

func TestDequeueBatchHonoursContext(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.DequeueBatch(ctx, 1, models.ActionFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpdateTransitions(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()
	enqueue(t, q, "a", 5, t0)

	failed := models.StatusFailed
	_, err := q.Update(ctx, "a", models.ActionPatch{Status: &failed})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = q.Update(ctx, "missing", models.ActionPatch{})
	assert.ErrorIs(t, err, models.ErrActionNotFound)

	syncing := models.StatusSyncing
	one := 1
	_, err = q.Update(ctx, "a", models.ActionPatch{Status: &syncing, SyncAttempts: &one})
	require.NoError(t, err)

	zero := 0
	_, err = q.Update(ctx, "a", models.ActionPatch{SyncAttempts: &zero})
	assert.ErrorIs(t, err, models.ErrValidation)

	synced := models.StatusSynced
	_, err = q.Update(ctx, "a", models.ActionPatch{Status: &synced})
	require.NoError(t, err)

	p := 1
	_, err = q.Update(ctx, "a", models.ActionPatch{Priority: &p})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestUpdateRollsBackOnWriteFailure(t *testing.T) {
	backend := newFlakyBackend()
	q := openQueue(t, backend)
	ctx := context.Background()
	enqueue(t, q, "a", 5, t0)

	backend.failing.Store(true)
	syncing := models.StatusSyncing
	_, err := q.Update(ctx, "a", models.ActionPatch{Status: &syncing})
	assert.ErrorIs(t, err, models.ErrQueueIO)

	got, err := q.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	assert.Error(t, q.Remove(ctx, "a"))
	assert.Equal(t, 1, q.Len())
}

func TestRetryAction(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()
	enqueue(t, q, "a", 5, t0)

	syncing, failed := models.StatusSyncing, models.StatusFailed
	three := 3
	msg := "rejected"
	_, err := q.Update(ctx, "a", models.ActionPatch{Status: &syncing})
	require.NoError(t, err)

	_, err = q.RetryAction(ctx, "a")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = q.Update(ctx, "a", models.ActionPatch{Status: &failed, SyncAttempts: &three, LastSyncError: &msg})
	require.NoError(t, err)

	got, err := q.RetryAction(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.SyncAttempts)
	assert.Nil(t, got.LastSyncError)
	assert.Nil(t, got.NextEligibleAt)

	_, err = q.RetryAction(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrActionNotFound)
}

func TestReprioritizeClamps(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()
	enqueue(t, q, "a", 5, t0)

	got, err := q.Reprioritize(ctx, "a", 3)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Priority)

	got, err = q.Reprioritize(ctx, "a", 100)
	require.NoError(t, err)
	assert.Equal(t, models.MaxPriority, got.Priority)

	got, err = q.Reprioritize(ctx, "a", -100)
	require.NoError(t, err)
	assert.Equal(t, models.MinPriority, got.Priority)
}

func TestReprioritizeExtremeDeltas(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()
	enqueue(t, q, "a", 5, t0)

	got, err := q.Reprioritize(ctx, "a", math.MaxInt)
	require.NoError(t, err)
	assert.Equal(t, models.MaxPriority, got.Priority)

	got, err = q.Reprioritize(ctx, "a", math.MinInt)
	require.NoError(t, err)
	assert.Equal(t, models.MinPriority, got.Priority)
}

func TestRemove(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()
	enqueue(t, q, "a", 5, t0)

	require.NoError(t, q.Remove(ctx, "a"))
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Remove(ctx, "a"), models.ErrActionNotFound)
}

func TestReleaseKeepsChangeWhenWriteFails(t *testing.T) {
	backend := newFlakyBackend()
	q := openQueue(t, backend)
	ctx := context.Background()
	enqueue(t, q, "a", 5, t0)

	syncing := models.StatusSyncing
	_, err := q.Update(ctx, "a", models.ActionPatch{Status: &syncing})
	require.NoError(t, err)

	backend.failing.Store(true)
	err = q.Release(ctx, "a", "interrupted")
	assert.ErrorIs(t, err, models.ErrQueueIO)
	assert.True(t, q.Dirty())

	got, err := q.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "interrupted", got.ErrorMessage())

	assert.Error(t, q.Flush(ctx))
	backend.failing.Store(false)
	require.NoError(t, q.Flush(ctx))
	assert.False(t, q.Dirty())

	// Nothing to do once clean.
	before := backend.sets.Load()
	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, before, backend.sets.Load())

	// Releasing a non-syncing action is a no-op.
	require.NoError(t, q.Release(ctx, "a", ""))
}

func TestOpenRecoversInterruptedActions(t *testing.T) {
	backend := newFlakyBackend()
	q := openQueue(t, backend)
	ctx := context.Background()
	enqueue(t, q, "a", 5, t0)
	enqueue(t, q, "b", 5, t0)
	enqueue(t, q, "c", 5, t0)

	syncing, failed := models.StatusSyncing, models.StatusFailed
	_, err := q.Update(ctx, "a", models.ActionPatch{Status: &syncing})
	require.NoError(t, err)
	_, err = q.Update(ctx, "c", models.ActionPatch{Status: &syncing})
	require.NoError(t, err)
	_, err = q.Update(ctx, "c", models.ActionPatch{Status: &failed})
	require.NoError(t, err)

	// Simulate a crash: reopen from the same backend without a clean shutdown.
	reopened := openQueue(t, backend)
	assert.Equal(t, 3, reopened.Len())
	assert.Equal(t, 0, reopened.Count(models.StatusSyncing))
	assert.Equal(t, 2, reopened.Count(models.StatusPending))
	assert.Equal(t, 1, reopened.Count(models.StatusFailed))

	// Sequence numbers continue after the persisted ones.
	d := enqueue(t, reopened, "d", 5, t0)
	assert.Equal(t, int64(4), d.Seq)

	// The recovery itself was persisted.
	again := openQueue(t, backend)
	got, err := again.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestOpenRejectsCorruptDocument(t *testing.T) {
	backend := newFlakyBackend()
	require.NoError(t, backend.Set(context.Background(), models.DefaultQueueKey, []byte("not json")))

	_, err := Open(context.Background(), backend, Options{}, nil)
	assert.ErrorIs(t, err, models.ErrQueueIO)

	_, err = Open(context.Background(), nil, Options{}, nil)
	assert.Error(t, err)
}

func TestListAndCount(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()
	enqueue(t, q, "a", 2, t0)
	enqueue(t, q, "b", 7, t0)
	_, err := q.Enqueue(ctx, &models.OfflineAction{ID: "c", Type: "photo.upload", Priority: 4})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c", "a"}, ids(q.List(models.ActionFilter{})))
	assert.Equal(t, []string{"c"}, ids(q.List(models.ActionFilter{Types: []models.ActionType{"photo.upload"}})))
	assert.Equal(t, 3, q.Count(models.StatusPending))
	assert.Equal(t, 0, q.Count(models.StatusFailed))
}

func TestConcurrentEnqueue(t *testing.T) {
	q := openQueue(t, newFlakyBackend())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, &models.OfflineAction{Type: "note.create"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, q.Len())
	seen := make(map[int64]bool)
	for _, a := range q.List(models.ActionFilter{}) {
		assert.False(t, seen[a.Seq], "duplicate seq %d", a.Seq)
		seen[a.Seq] = true
	}
}
