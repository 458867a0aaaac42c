package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"optrack/driver-agent/internal/config"
	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/mqttbroker"
	"optrack/driver-agent/internal/position"
	"optrack/driver-agent/internal/queue"
	"optrack/driver-agent/internal/session"
	"optrack/driver-agent/internal/tracker"
)

const (
	testIdentifier = "123.456.789-00"
	testSecret     = "senha123"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "agent.db")
	cfg.GPSEnabled = false
	cfg.AdvertiseMDNS = false
	cfg.SyncInterval = time.Hour
	cfg.OperatorID = testIdentifier
	cfg.OperatorSecretHash = string(hash)
	return cfg
}

func startApp(t *testing.T, cfg config.Config, clock *fakeClock) *App {
	t.Helper()
	a := New(cfg, quietLogger())
	a.now = clock.Now
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func setupApp(t *testing.T) (*App, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Now().UTC()}
	return startApp(t, testConfig(t), clock), clock
}

func mustState(t *testing.T, a *App) State {
	t.Helper()
	st, err := a.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return st
}

func TestApp_PressTwiceRecordsOneOperation(t *testing.T) {
	a, clock := setupApp(t)
	ctx := context.Background()

	profile, err := a.Login(ctx, "12345678900", testSecret)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if profile.VehicleIdentifier != "ABC1234" {
		t.Fatalf("vehicle = %q, want ABC1234", profile.VehicleIdentifier)
	}

	tr, err := a.Press(ctx, "1")
	if err != nil {
		t.Fatalf("Press start: %v", err)
	}
	if tr.Started == nil || tr.Started.Name != "Operando" {
		t.Fatalf("start transition = %#v", tr)
	}
	if st := mustState(t, a); st.ActiveButton != "1" || st.CurrentOperation == nil {
		t.Fatalf("after start: active %q current %#v", st.ActiveButton, st.CurrentOperation)
	}

	clock.Advance(5 * time.Second)
	tr, err = a.Press(ctx, "1")
	if err != nil {
		t.Fatalf("Press stop: %v", err)
	}
	if tr.Started != nil || tr.Ended == nil || tr.Ended.Duration != "00:05" {
		t.Fatalf("stop transition = %#v", tr)
	}

	a.syncer.Wait()
	if _, err := a.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	st := mustState(t, a)
	if st.CurrentOperation != nil || st.ActiveButton != "" {
		t.Fatalf("operation still active: %#v", st.CurrentOperation)
	}
	if len(st.OperationHistory) != 1 {
		t.Fatalf("history = %#v, want one entry", st.OperationHistory)
	}
	if got := st.OperationHistory[0]; got.Name != "Operando" || got.Duration != "00:05" {
		t.Fatalf("history[0] = %#v", got)
	}
	for key, c := range st.Queue {
		if c.Pending != 0 {
			t.Fatalf("%s has %d pending records after sync", key, c.Pending)
		}
	}
	if st.Queue[queue.KeyHistory].Synced != 1 {
		t.Fatalf("history counts = %#v", st.Queue[queue.KeyHistory])
	}
	if len(st.OperationalButtons) != 9 || st.VehiclePlate != "ABC1234" {
		t.Fatalf("buttons %d vehicle %q", len(st.OperationalButtons), st.VehiclePlate)
	}
	if want := (&position.LocationError{Err: position.ErrUnsupported}).Message(); st.ErrorMsg != want {
		t.Fatalf("ErrorMsg = %q, want %q", st.ErrorMsg, want)
	}
}

func TestApp_LoginFailureKeepsLoggedOut(t *testing.T) {
	a, _ := setupApp(t)
	ctx := context.Background()

	_, err := a.Login(ctx, testIdentifier, "wrong")
	var authErr *session.AuthError
	if !errors.As(err, &authErr) || authErr.Message != session.MessageLoginInvalid {
		t.Fatalf("Login error = %v, want AuthError %q", err, session.MessageLoginInvalid)
	}

	st := mustState(t, a)
	if st.IsLoggedIn || len(st.OperationalButtons) != 0 {
		t.Fatalf("state after failed login = %#v", st)
	}
	keys, err := a.store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("failed login wrote keys %v", keys)
	}

	if _, err := a.Press(ctx, "1"); !errors.Is(err, session.ErrNotLoggedIn) {
		t.Fatalf("Press while logged out = %v, want ErrNotLoggedIn", err)
	}
}

func TestApp_UnknownButton(t *testing.T) {
	a, _ := setupApp(t)
	ctx := context.Background()
	if _, err := a.Login(ctx, testIdentifier, testSecret); err != nil {
		t.Fatalf("Login: %v", err)
	}
	// Button 3 exists in the catalog but not in the default profile.
	if _, err := a.Press(ctx, "3"); !errors.Is(err, tracker.ErrUnknownButton) {
		t.Fatalf("Press(3) = %v, want ErrUnknownButton", err)
	}
}

func TestApp_LogoutClearsLocalData(t *testing.T) {
	a, clock := setupApp(t)
	ctx := context.Background()

	if _, err := a.Login(ctx, testIdentifier, testSecret); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := a.Press(ctx, "2"); err != nil {
		t.Fatalf("Press: %v", err)
	}
	clock.Advance(time.Minute)

	if err := a.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	keys, err := a.store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("keys after logout = %v", keys)
	}

	st := mustState(t, a)
	if st.IsLoggedIn || st.CurrentOperation != nil || st.ElapsedTime != "00:00" || st.LastSync != nil {
		t.Fatalf("state after logout = %#v", st)
	}
	if a.syncer.AutoSyncRunning() {
		t.Fatalf("auto-sync still running after logout")
	}

	if err := a.Logout(ctx); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestApp_RestartResumesSession(t *testing.T) {
	cfg := testConfig(t)
	clock := &fakeClock{now: time.Now().UTC()}
	ctx := context.Background()

	first := startApp(t, cfg, clock)
	if _, err := first.Login(ctx, testIdentifier, testSecret); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := first.Press(ctx, "2"); err != nil {
		t.Fatalf("Press: %v", err)
	}
	first.Close()

	clock.Advance(90 * time.Second)
	second := startApp(t, cfg, clock)

	st := mustState(t, second)
	if !st.IsLoggedIn || st.VehiclePlate != "ABC1234" {
		t.Fatalf("session not restored: %#v", st)
	}
	if st.CurrentOperation == nil || st.CurrentOperation.Name != "Deslocamento" || st.ActiveButton != "2" {
		t.Fatalf("current operation not restored: %#v", st.CurrentOperation)
	}
	if got := second.tracker.Elapsed(); got != "01:30" {
		t.Fatalf("Elapsed = %q, want 01:30", got)
	}
}

func TestApp_ExpiredSessionIsPurgedAtStartup(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionTTL = time.Hour
	clock := &fakeClock{now: time.Now().UTC()}
	ctx := context.Background()

	first := startApp(t, cfg, clock)
	if _, err := first.Login(ctx, testIdentifier, testSecret); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := first.Press(ctx, "1"); err != nil {
		t.Fatalf("Press: %v", err)
	}
	first.Close()

	clock.Advance(2 * time.Hour)
	second := startApp(t, cfg, clock)

	st := mustState(t, second)
	if st.IsLoggedIn || st.CurrentOperation != nil {
		t.Fatalf("expired session restored: %#v", st)
	}
	if _, ok, _ := second.store.Get(ctx, tracker.KeyCurrentOperation); ok {
		t.Fatalf("currentOperation survived expiry")
	}
	if st.Queue[queue.KeyEvents].Pending+st.Queue[queue.KeyEvents].Synced == 0 {
		t.Fatalf("queued events were purged with the session: %#v", st.Queue)
	}
}

func TestApp_InactivityLogsOut(t *testing.T) {
	cfg := testConfig(t)
	cfg.InactivityTimeout = 50 * time.Millisecond
	a := startApp(t, cfg, &fakeClock{now: time.Now().UTC()})

	if _, err := a.Login(context.Background(), testIdentifier, testSecret); err != nil {
		t.Fatalf("Login: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.guard.LoggedIn() {
		if time.Now().After(deadline) {
			t.Fatalf("session never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// expire holds the app lock until the store is cleared.
	a.mu.Lock()
	a.mu.Unlock()

	if st := mustState(t, a); st.ErrorMsg != session.MessageExpired {
		t.Fatalf("ErrorMsg = %q, want %q", st.ErrorMsg, session.MessageExpired)
	}
}

func TestApp_GPSFeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.GPSEnabled = true
	cfg.LocationTimeout = time.Minute
	a := startApp(t, cfg, &fakeClock{now: time.Now().UTC()})
	ctx := context.Background()

	if _, err := a.Login(ctx, testIdentifier, testSecret); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if st := mustState(t, a); !st.IsWaitingForLocation || st.ErrorMsg != "" {
		t.Fatalf("after login: waiting=%v error=%q", st.IsWaitingForLocation, st.ErrorMsg)
	}

	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{
		Topic:   position.PositionTopic("unit-1"),
		Payload: []byte(`{"latitude":-20.1,"longitude":-40.2,"accuracy":4,"timestamp":"2024-05-01T12:00:00Z"}`),
	})

	st := mustState(t, a)
	if st.Location == nil || st.Location.Latitude != -20.1 || st.IsWaitingForLocation {
		t.Fatalf("location = %#v waiting=%v", st.Location, st.IsWaitingForLocation)
	}
	locs, err := a.queue.Locations(ctx)
	if err != nil {
		t.Fatalf("Locations: %v", err)
	}
	if len(locs) != 1 || locs[0].Status != model.StatusPending {
		t.Fatalf("queued locations = %#v", locs)
	}

	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{
		Topic:   position.StatusTopic("unit-1"),
		Payload: []byte(`{"error":"permission_denied"}`),
	})
	want := (&position.LocationError{Err: position.ErrPermissionDenied}).Message()
	if st := mustState(t, a); st.ErrorMsg != want {
		t.Fatalf("ErrorMsg = %q, want %q", st.ErrorMsg, want)
	}
	if a.source.Running() {
		t.Fatalf("source still running after a provider error")
	}

	if err := a.RestartLocation(); err != nil {
		t.Fatalf("RestartLocation: %v", err)
	}
	if st := mustState(t, a); st.ErrorMsg != "" || !a.source.Running() {
		t.Fatalf("after restart: error=%q running=%v", st.ErrorMsg, a.source.Running())
	}
}

func TestSanitizeMDNS(t *testing.T) {
	if got := sanitizeMDNSInstance("OpTrack Agent (truck_01.fleet)"); got != "OpTrack Agent (truck 01 fleet)" {
		t.Fatalf("sanitizeMDNSInstance = %q", got)
	}
	if got := sanitizeMDNSHost(" Truck 01_A "); got != "truck-01-a" {
		t.Fatalf("sanitizeMDNSHost = %q", got)
	}
	if got := sanitizeMDNSHost(""); got != "optrack" {
		t.Fatalf("sanitizeMDNSHost(empty) = %q", got)
	}
}
