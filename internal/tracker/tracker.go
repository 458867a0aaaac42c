// Package tracker runs the single-active-operation state machine.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/queue"
	"optrack/driver-agent/internal/store"
)

// KeyCurrentOperation holds the serialized in-flight operation, absent while idle.
const KeyCurrentOperation = "currentOperation"

// ErrUnknownButton is returned by Press for an id outside the loaded catalog.
var ErrUnknownButton = errors.New("unknown operational button")

// Config wires the tracker to its collaborators. Only KV and Queue are required.
type Config struct {
	KV     store.KV
	Queue  *queue.Queue
	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
	// Location returns the last accepted sample, or nil when there is none.
	Location func() *model.Location
}

// Transition describes what a press did.
type Transition struct {
	Ended   *model.Operation `json:"ended,omitempty"`
	Started *model.Operation `json:"started,omitempty"`
}

// Changed reports whether the press moved the state machine.
func (t Transition) Changed() bool {
	return t.Ended != nil || t.Started != nil
}

// Tracker owns the current operation. The zero value is not usable; call New.
type Tracker struct {
	kv       store.KV
	queue    *queue.Queue
	logger   *slog.Logger
	now      func() time.Time
	location func() *model.Location

	mu      sync.Mutex
	buttons []model.OperationalButton
	current *model.Operation
}

// New constructs a tracker in the Idle state.
func New(cfg Config) *Tracker {
	t := &Tracker{
		kv:       cfg.KV,
		queue:    cfg.Queue,
		logger:   cfg.Logger,
		now:      cfg.Now,
		location: cfg.Location,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.location == nil {
		t.location = func() *model.Location { return nil }
	}
	return t
}

// SetButtons replaces the catalog that Press resolves ids against.
func (t *Tracker) SetButtons(buttons []model.OperationalButton) {
	t.mu.Lock()
	t.buttons = append([]model.OperationalButton(nil), buttons...)
	t.mu.Unlock()
}

// Buttons returns a copy of the loaded catalog.
func (t *Tracker) Buttons() []model.OperationalButton {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.OperationalButton(nil), t.buttons...)
}

// Restore loads a persisted in-flight operation, entering Active when one is found.
func (t *Tracker) Restore(ctx context.Context) error {
	var op model.Operation
	found, err := store.GetJSON(ctx, t.kv, KeyCurrentOperation, &op)
	if err != nil {
		return fmt.Errorf("restore current operation: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if found && op.Open() {
		t.current = &op
	} else {
		t.current = nil
	}
	return nil
}

// Current returns a copy of the in-flight operation, or nil while idle.
func (t *Tracker) Current() *model.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	op := *t.current
	return &op
}

// ActiveButton returns the id of the button that started the current operation.
func (t *Tracker) ActiveButton() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ""
	}
	return t.current.ButtonID
}

// Press handles a button press. Pressing the active button stops its operation; any other
// button ends the current operation, if any, and starts a new one. Store failures are logged
// and never prevent the transition.
func (t *Tracker) Press(ctx context.Context, buttonID string) (Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	button, ok := t.lookup(buttonID)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownButton, buttonID)
	}

	var tr Transition
	if t.current != nil {
		stopOnly := t.current.ButtonID == button.ID
		tr.Ended = t.endLocked(ctx)
		if stopOnly {
			return tr, nil
		}
	}
	tr.Started = t.startLocked(ctx, button)
	return tr, nil
}

// Clear drops the in-memory operation without recording anything.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.current = nil
	t.mu.Unlock()
}

// Elapsed returns the running time of the current operation as MM:SS, or 00:00 while idle.
func (t *Tracker) Elapsed() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return FormatDuration(0)
	}
	return FormatDuration(t.now().Sub(t.current.StartTime))
}

// Tick calls fn with Elapsed once per interval until ctx is done.
func (t *Tracker) Tick(ctx context.Context, interval time.Duration, fn func(elapsed string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(t.Elapsed())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(t.Elapsed())
		}
	}
}

func (t *Tracker) lookup(id string) (model.OperationalButton, bool) {
	for _, b := range t.buttons {
		if b.ID == id {
			return b, true
		}
	}
	return model.OperationalButton{}, false
}

func (t *Tracker) startLocked(ctx context.Context, button model.OperationalButton) *model.Operation {
	now := t.now()
	op := model.Operation{
		ID:        model.NewID(),
		Name:      button.Name,
		ButtonID:  button.ID,
		StartTime: now,
		Status:    model.StatusPending,
	}
	t.current = &op

	if err := store.SetJSON(ctx, t.kv, KeyCurrentOperation, op); err != nil {
		t.logger.Error("persist current operation", "operation", op.ID, "error", err)
	}

	ev := model.OperationEvent{
		ID:          model.NewID(),
		OperationID: op.ID,
		Kind:        model.EventStart,
		ButtonID:    button.ID,
		ButtonName:  button.Name,
		Timestamp:   now,
		Status:      model.StatusPending,
	}
	if loc := t.location(); loc != nil {
		ev.Latitude = loc.Latitude
		ev.Longitude = loc.Longitude
	}
	if err := t.queue.EnqueueEvent(ctx, ev); err != nil {
		t.logger.Error("enqueue start event", "operation", op.ID, "error", err)
	}

	t.logger.Info("operation started", "operation", op.ID, "name", op.Name)
	started := op
	return &started
}

func (t *Tracker) endLocked(ctx context.Context) *model.Operation {
	op := *t.current
	t.current = nil

	now := t.now()
	op.EndTime = &now
	op.Duration = FormatDuration(now.Sub(op.StartTime))
	op.Status = model.StatusPending

	if err := t.queue.EnqueueHistory(ctx, op); err != nil {
		t.logger.Error("append operation history", "operation", op.ID, "error", err)
	}

	end := model.OperationEvent{
		OperationID: op.ID,
		ButtonID:    op.ButtonID,
		ButtonName:  op.Name,
		Timestamp:   now,
		EndTime:     op.EndTime,
		Duration:    op.Duration,
	}
	if loc := t.location(); loc != nil {
		end.Latitude = loc.Latitude
		end.Longitude = loc.Longitude
	}
	if err := t.queue.CompleteEvent(ctx, end); err != nil {
		t.logger.Error("complete operation event", "operation", op.ID, "error", err)
	}

	if err := t.kv.Delete(ctx, KeyCurrentOperation); err != nil {
		t.logger.Error("clear current operation", "operation", op.ID, "error", err)
	}

	t.logger.Info("operation ended", "operation", op.ID, "name", op.Name, "duration", op.Duration)
	return &op
}

// FormatDuration renders d as MM:SS. Minutes are not capped at 59.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
