package position

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/mqttbroker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func publish(topic, payload string) mqttbroker.PublishMessage {
	return mqttbroker.PublishMessage{ClientID: "unit-1", Topic: topic, Payload: []byte(payload)}
}

func TestBrokerSource_DecodesPositions(t *testing.T) {
	src := NewBrokerSource(quietLogger(), "", time.Minute)
	t.Cleanup(src.Stop)

	got := make(chan model.RawPosition, 4)
	if err := src.Start(func(p model.RawPosition) { got <- p }, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	src.HandlePublish(ctx, publish(PositionTopic("truck7"), `{"latitude":-23.5,"longitude":-46.6,"accuracy":4,"heading":90,"timestamp":"2026-02-01T10:00:00Z"}`))
	src.HandlePublish(ctx, publish(PositionTopic("truck7"), `{"latitude":-23.6,"longitude":-46.7,"timestamp":1767261600000}`))

	first := <-got
	if first.DeviceID != "truck7" || first.Latitude != -23.5 || first.Heading == nil || *first.Heading != 90 {
		t.Fatalf("first position = %#v", first)
	}
	if want := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC); !first.Timestamp.Equal(want) {
		t.Fatalf("first timestamp = %v, want %v", first.Timestamp, want)
	}

	second := <-got
	if second.Heading != nil {
		t.Fatalf("second heading = %v, want nil", *second.Heading)
	}
	if want := time.UnixMilli(1767261600000); !second.Timestamp.Equal(want) {
		t.Fatalf("second timestamp = %v, want %v", second.Timestamp, want)
	}
}

func TestBrokerSource_IgnoresOtherTraffic(t *testing.T) {
	src := NewBrokerSource(quietLogger(), "truck7", time.Minute)
	t.Cleanup(src.Stop)

	calls := 0
	if err := src.Start(func(model.RawPosition) { calls++ }, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	if src.HandlePublish(ctx, publish("fleet/ABC1234/sync", `{}`)) {
		t.Fatalf("non-gps topic claimed by source")
	}
	if !src.HandlePublish(ctx, publish(PositionTopic("truck9"), `{"latitude":1,"longitude":1}`)) {
		t.Fatalf("gps topic from another unit not claimed")
	}
	src.HandlePublish(ctx, publish(PositionTopic("truck7"), `{"latitude":1}`))
	src.HandlePublish(ctx, publish(PositionTopic("truck7"), `not json`))
	src.HandlePublish(ctx, publish(PositionTopic("truck7"), `{"latitude":91,"longitude":0}`))

	if calls != 0 {
		t.Fatalf("onPosition called %d times, want 0", calls)
	}
}

func TestBrokerSource_StoppedDropsUpdates(t *testing.T) {
	src := NewBrokerSource(quietLogger(), "", time.Minute)
	calls := 0
	if err := src.Start(func(model.RawPosition) { calls++ }, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Stop()
	src.Stop()

	src.HandlePublish(context.Background(), publish(PositionTopic("u"), `{"latitude":1,"longitude":1}`))
	if calls != 0 {
		t.Fatalf("onPosition called after Stop")
	}
}

func TestBrokerSource_WatchdogTimesOut(t *testing.T) {
	src := NewBrokerSource(quietLogger(), "", 30*time.Millisecond)
	t.Cleanup(src.Stop)

	errs := make(chan error, 2)
	if err := src.Start(func(model.RawPosition) {}, func(err error) { errs <- err }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-errs:
		var locErr *LocationError
		if !errors.As(err, &locErr) || !errors.Is(err, ErrTimeout) {
			t.Fatalf("error = %v, want LocationError(ErrTimeout)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watchdog never fired")
	}

	if src.Running() {
		t.Fatalf("source still running after timeout")
	}
	select {
	case err := <-errs:
		t.Fatalf("second error reported: %v", err)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestBrokerSource_StatusReportHaltsFeed(t *testing.T) {
	src := NewBrokerSource(quietLogger(), "", time.Minute)
	t.Cleanup(src.Stop)

	var got error
	if err := src.Start(func(model.RawPosition) {}, func(err error) { got = err }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	src.HandlePublish(ctx, publish(StatusTopic("u"), `{"error":""}`))
	if got != nil || !src.Running() {
		t.Fatalf("healthy status halted the feed: %v", got)
	}

	src.HandlePublish(ctx, publish(StatusTopic("u"), `{"error":"permission_denied","message":"user revoked"}`))
	if !errors.Is(got, ErrPermissionDenied) {
		t.Fatalf("error = %v, want ErrPermissionDenied", got)
	}
	if src.Running() {
		t.Fatalf("source still running after status error")
	}
}

func TestUnavailable(t *testing.T) {
	err := Unavailable{}.Start(func(model.RawPosition) {}, nil)
	var locErr *LocationError
	if !errors.As(err, &locErr) || !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Start error = %v, want ErrUnsupported", err)
	}
	if locErr.Message() == "" {
		t.Fatalf("empty operator message")
	}
}
