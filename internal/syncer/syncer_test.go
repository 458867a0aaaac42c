package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/queue"
	"optrack/driver-agent/internal/store"
)

func setupQueue(t *testing.T) *queue.Queue {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return queue.New(s)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type backendFunc func(context.Context, queue.Batch) error

func (f backendFunc) Submit(ctx context.Context, b queue.Batch) error { return f(ctx, b) }

func TestSyncNow_Outcomes(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	s := New(q, nil, quietLogger())

	res, err := s.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if res.Outcome != OutcomeNothingPending || res.Message != MessageNothingPending {
		t.Fatalf("empty queue result = %#v", res)
	}

	for i := 0; i < 4; i++ {
		if _, err := q.EnqueueLocation(ctx, model.Location{Latitude: float64(i), Timestamp: time.Now()}); err != nil {
			t.Fatalf("EnqueueLocation: %v", err)
		}
	}

	res, err = s.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if res.Outcome != OutcomeSynced || res.Records != 4 {
		t.Fatalf("result = %#v, want synced 4", res)
	}

	res, _ = s.SyncNow(ctx)
	if res.Outcome != OutcomeNothingPending {
		t.Fatalf("second SyncNow outcome = %q, want nothing-pending", res.Outcome)
	}

	last, ok := s.LastResult()
	if !ok || last.Outcome != OutcomeNothingPending {
		t.Fatalf("LastResult() = %#v, %v", last, ok)
	}
}

func TestSyncNow_BackendFailureKeepsRecordsPending(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	if _, err := q.EnqueueLocation(ctx, model.Location{Timestamp: time.Now()}); err != nil {
		t.Fatalf("EnqueueLocation: %v", err)
	}

	offline := errors.New("offline")
	s := New(q, backendFunc(func(context.Context, queue.Batch) error { return offline }), quietLogger())

	res, err := s.SyncNow(ctx)
	var serr *SyncError
	if !errors.As(err, &serr) || !errors.Is(err, offline) {
		t.Fatalf("SyncNow error = %v, want SyncError wrapping offline", err)
	}
	if res.Outcome != OutcomeFailed || res.Message != MessageFailed {
		t.Fatalf("result = %#v, want failed", res)
	}

	counts, _ := q.Counts(ctx)
	if counts[queue.KeyLocations].Pending != 1 {
		t.Fatalf("pending locations = %d, want 1", counts[queue.KeyLocations].Pending)
	}
}

func TestSyncNow_SerializesDrains(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	if _, err := q.EnqueueLocation(ctx, model.Location{Timestamp: time.Now()}); err != nil {
		t.Fatalf("EnqueueLocation: %v", err)
	}

	var active, overlap, calls atomic.Int32
	s := New(q, backendFunc(func(context.Context, queue.Batch) error {
		calls.Add(1)
		if active.Add(1) > 1 {
			overlap.Store(1)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}), quietLogger())

	for i := 0; i < 5; i++ {
		s.Trigger()
	}
	s.Wait()

	if overlap.Load() != 0 {
		t.Fatalf("drains overlapped")
	}
	if calls.Load() != 1 {
		t.Fatalf("backend called %d times, want 1", calls.Load())
	}
}

func TestAutoSync_StartStopIdempotent(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	s := New(q, backendFunc(func(context.Context, queue.Batch) error {
		calls.Add(1)
		return nil
	}), quietLogger())

	s.StopAutoSync()
	s.StartAutoSync(10 * time.Millisecond)
	s.StartAutoSync(10 * time.Millisecond)
	if !s.AutoSyncRunning() {
		t.Fatalf("AutoSyncRunning() = false after start")
	}

	if _, err := q.EnqueueLocation(ctx, model.Location{Timestamp: time.Now()}); err != nil {
		t.Fatalf("EnqueueLocation: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatalf("auto sync never submitted the pending record")
	}

	s.StopAutoSync()
	s.StopAutoSync()
	if s.AutoSyncRunning() {
		t.Fatalf("AutoSyncRunning() = true after stop")
	}

	counts, _ := q.Counts(ctx)
	if counts[queue.KeyLocations].Pending != 0 {
		t.Fatalf("pending locations = %d after auto sync", counts[queue.KeyLocations].Pending)
	}
}
