// Package syncer drains the offline queue through a sync backend, on demand and on an interval.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"optrack/driver-agent/internal/queue"
)

// DefaultInterval is the auto-sync period.
const DefaultInterval = 5 * time.Minute

// Backend accepts a batch of pending records. A nil error is the acknowledgement that lets
// the records be marked synced.
type Backend interface {
	Submit(ctx context.Context, batch queue.Batch) error
}

// Loopback acknowledges every batch without sending it anywhere.
type Loopback struct{}

// Submit always succeeds.
func (Loopback) Submit(context.Context, queue.Batch) error { return nil }

// Outcome classifies one sync attempt.
type Outcome string

const (
	OutcomeNothingPending Outcome = "nothing-pending"
	OutcomeSynced         Outcome = "synced"
	OutcomeFailed         Outcome = "failed"
)

// User-facing messages per outcome.
const (
	MessageSynced         = "Sincronização concluída com sucesso!"
	MessageNothingPending = "Nenhum dado pendente para sincronização."
	MessageFailed         = "Erro durante a sincronização. Tente novamente."
)

// Result reports one sync attempt.
type Result struct {
	Outcome Outcome   `json:"outcome"`
	Records int       `json:"records"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// SyncError wraps a failed drain. Records stay pending.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed: %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Syncer serializes drains of a queue and runs the auto-sync loop.
type Syncer struct {
	queue   *queue.Queue
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	// inflight serializes drains.
	inflight sync.Mutex

	stateMu sync.RWMutex
	last    *Result

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}

	wg sync.WaitGroup
}

// New creates a syncer. A nil backend means Loopback.
func New(q *queue.Queue, backend Backend, logger *slog.Logger) *Syncer {
	if backend == nil {
		backend = Loopback{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{queue: q, backend: backend, logger: logger, now: time.Now}
}

// SyncNow runs one drain. The returned error is a *SyncError when the backend or the store failed.
func (s *Syncer) SyncNow(ctx context.Context) (Result, error) {
	s.inflight.Lock()
	defer s.inflight.Unlock()

	n, err := s.queue.Drain(ctx, s.backend.Submit)
	res := Result{At: s.now(), Records: n}
	switch {
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Message = MessageFailed
		res.Error = err.Error()
		s.logger.Warn("sync failed", "error", err)
	case n == 0:
		res.Outcome = OutcomeNothingPending
		res.Message = MessageNothingPending
		s.logger.Debug("sync: nothing pending")
	default:
		res.Outcome = OutcomeSynced
		res.Message = MessageSynced
		s.logger.Info("sync complete", "records", n)
	}

	s.stateMu.Lock()
	s.last = &res
	s.stateMu.Unlock()

	if err != nil {
		return res, &SyncError{Err: err}
	}
	return res, nil
}

// Trigger starts a sync attempt in the background.
func (s *Syncer) Trigger() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = s.SyncNow(ctx)
	}()
}

// Wait blocks until every triggered attempt has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// LastResult returns the most recent attempt, if any.
func (s *Syncer) LastResult() (Result, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// Reset forgets the last result.
func (s *Syncer) Reset() {
	s.stateMu.Lock()
	s.last = nil
	s.stateMu.Unlock()
}

// StartAutoSync runs SyncNow every interval until StopAutoSync. A non-positive interval uses
// DefaultInterval. Calling it while already running does nothing.
func (s *Syncer) StartAutoSync(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	if s.autoCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.autoCancel = cancel
	s.autoDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.SyncNow(ctx)
			}
		}
	}()
	s.logger.Info("auto sync started", "interval", interval)
}

// StopAutoSync cancels the auto-sync loop and waits for it to exit. Safe to call at any time.
func (s *Syncer) StopAutoSync() {
	s.autoMu.Lock()
	cancel, done := s.autoCancel, s.autoDone
	s.autoCancel, s.autoDone = nil, nil
	s.autoMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("auto sync stopped")
}

// AutoSyncRunning reports whether the loop is active.
func (s *Syncer) AutoSyncRunning() bool {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	return s.autoCancel != nil
}
