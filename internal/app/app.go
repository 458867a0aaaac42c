package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"optrack/driver-agent/internal/config"
	"optrack/driver-agent/internal/fleet"
	"optrack/driver-agent/internal/geo"
	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/mqttbroker"
	"optrack/driver-agent/internal/position"
	"optrack/driver-agent/internal/queue"
	"optrack/driver-agent/internal/session"
	"optrack/driver-agent/internal/store"
	"optrack/driver-agent/internal/syncer"
	"optrack/driver-agent/internal/tracker"
)

const (
	finalSyncTimeout = 10 * time.Second
	storeTimeout     = 2 * time.Second
	zeroElapsed      = "00:00"
)

// App wires together the driver agent services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	store    *store.Store
	queue    *queue.Queue
	sampler  *geo.Sampler
	tracker  *tracker.Tracker
	syncer   *syncer.Syncer
	guard    *session.Guard
	provider position.Provider
	source   *position.BrokerSource
	fleet    *fleet.Publisher
	broker   *mqttbroker.Broker
	mdns     *zeroconf.Server

	// mu serializes login, logout, expiry and presses.
	mu sync.Mutex

	stateMu    sync.RWMutex
	loading    bool
	errorMsg   string
	elapsed    string
	tickCancel context.CancelFunc
	tickDone   chan struct{}
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger, now: time.Now, elapsed: zeroElapsed}
}

// Init opens the store, builds the services and resumes a persisted session.
// Run calls it when it has not been called yet.
func (a *App) Init(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	auth, err := a.authenticator()
	if err != nil {
		return err
	}

	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}
	a.store = db
	a.queue = queue.New(db)

	a.sampler = geo.NewSampler(geo.Policy{
		MinInterval: a.cfg.MinInterval,
		MinDistance: a.cfg.MinDistance,
		MinRotation: a.cfg.MinRotation,
	})

	a.tracker = tracker.New(tracker.Config{
		KV:       db,
		Queue:    a.queue,
		Logger:   a.logger.With("component", "tracker"),
		Now:      a.now,
		Location: a.sampler.Current,
	})

	var backend syncer.Backend = syncer.Loopback{}
	if a.cfg.FleetBrokerURL != "" {
		a.fleet = fleet.NewPublisher(fleet.Config{
			BrokerURL:   a.cfg.FleetBrokerURL,
			TopicPrefix: a.cfg.FleetTopicPrefix,
			ClientID:    a.cfg.FleetClientID,
		}, a.vehicle, a.logger.With("component", "fleet"))
		backend = a.fleet
	} else {
		a.logger.Info("no fleet broker configured, sync batches are acknowledged locally")
	}
	a.syncer = syncer.New(a.queue, backend, a.logger.With("component", "syncer"))

	a.guard = session.NewGuard(session.Config{
		KV:            db,
		Authenticator: auth,
		Logger:        a.logger.With("component", "session"),
		Inactivity:    a.cfg.InactivityTimeout,
		Now:           a.now,
		PurgeOnExpiry: []string{tracker.KeyCurrentOperation, queue.KeyHistory},
		OnExpire:      a.expire,
	})

	if a.cfg.GPSEnabled {
		a.source = position.NewBrokerSource(a.logger.With("component", "gps"), a.cfg.GPSDevice, a.cfg.LocationTimeout)
		a.provider = a.source
	} else {
		a.provider = position.Unavailable{}
	}

	a.restore(ctx)
	return nil
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}
	defer a.Close()

	var brokerErrCh <-chan error
	if a.cfg.GPSEnabled {
		broker := mqttbroker.New(a.logger.With("component", "mqtt"))
		broker.SetPublishHandler(a.handleMQTTPublish)
		errCh, err := broker.Start(a.cfg.GPSBind)
		if err != nil {
			return err
		}
		a.broker = broker
		brokerErrCh = errCh

		if a.cfg.AdvertiseMDNS {
			if err := a.startMDNS(brokerPort(broker.Addr())); err != nil {
				a.logger.Warn("mDNS advertisement failed", "error", err)
			}
			defer a.stopMDNS()
		}
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if err := a.stopBroker(); err != nil {
				return err
			}
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.stopBroker()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.stopBroker()
				return err
			}
		}
	}
}

// Close stops the background work and closes the store. The persisted session survives so the
// next start resumes it.
func (a *App) Close() {
	if a.store == nil {
		return
	}

	a.mu.Lock()
	a.stopTracking()
	a.stopTicker()
	a.syncer.StopAutoSync()
	a.guard.Close()
	a.mu.Unlock()

	a.syncer.Wait()
	if a.fleet != nil {
		a.fleet.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
	a.store = nil
}

func (a *App) stopBroker() error {
	if a.broker == nil {
		return nil
	}
	if err := a.broker.Stop(); err != nil {
		return err
	}
	a.logger.Info("mqtt broker stopped")
	return nil
}

func (a *App) authenticator() (session.Authenticator, error) {
	hash := a.cfg.OperatorSecretHash
	if hash == "" && a.cfg.OperatorSecret != "" {
		h, err := session.HashSecret(a.cfg.OperatorSecret)
		if err != nil {
			return nil, err
		}
		hash = h
	}
	if a.cfg.OperatorID == "" || hash == "" {
		a.logger.Warn("no operator configured, logins will be rejected")
	}
	return session.NewStaticAuthenticator(a.cfg.OperatorID, hash, a.cfg.Profile, a.cfg.SessionTTL), nil
}

func (a *App) restore(ctx context.Context) {
	a.setLoading(true)
	defer a.setLoading(false)

	a.mu.Lock()
	defer a.mu.Unlock()

	ok, err := a.guard.Restore(ctx)
	if err != nil {
		a.logger.Error("restore session", "error", err)
		return
	}
	if !ok {
		return
	}
	a.enterLoggedIn(ctx, a.guard.Profile())
}

// Login verifies the operator credentials and starts tracking. A failure returns a
// *session.AuthError whose Message is shown to the operator.
func (a *App) Login(ctx context.Context, identifier, secret string) (model.Profile, error) {
	a.setLoading(true)
	defer a.setLoading(false)

	a.mu.Lock()
	defer a.mu.Unlock()

	profile, err := a.guard.Login(ctx, identifier, secret)
	if err != nil {
		return model.Profile{}, err
	}
	a.enterLoggedIn(ctx, profile)
	return profile, nil
}

func (a *App) enterLoggedIn(ctx context.Context, profile model.Profile) {
	a.tracker.SetButtons(model.ButtonsForProfile(a.cfg.Buttons, profile))
	if err := a.tracker.Restore(ctx); err != nil {
		a.logger.Warn("restore current operation", "error", err)
	}
	a.startTracking()
	a.syncer.StartAutoSync(a.cfg.SyncInterval)
	a.startTicker()
}

// Logout attempts a final sync, stops all background work and wipes the local store.
// It is safe to call when already logged out.
func (a *App) Logout(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logoutLocked(ctx, "operator request")
}

func (a *App) expire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.guard.LoggedIn() {
		return
	}
	if err := a.logoutLocked(context.Background(), "inactivity"); err != nil {
		a.logger.Error("logout after inactivity", "error", err)
	}
	a.setError(session.MessageExpired)
}

func (a *App) logoutLocked(ctx context.Context, reason string) error {
	a.stopTracking()
	a.stopTicker()
	a.syncer.StopAutoSync()

	if a.guard.LoggedIn() {
		syncCtx, cancel := context.WithTimeout(ctx, finalSyncTimeout)
		if _, err := a.syncer.SyncNow(syncCtx); err != nil {
			a.logger.Warn("final sync before logout failed, pending records are discarded", "error", err)
		}
		cancel()
	}
	a.syncer.Wait()

	a.guard.Logout()
	a.tracker.Clear()
	a.tracker.SetButtons(nil)
	a.sampler.Reset()
	a.syncer.Reset()
	a.setError("")

	clearCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := a.store.Clear(clearCtx); err != nil {
		return fmt.Errorf("clear local store: %w", err)
	}
	a.logger.Info("logged out", "reason", reason)
	return nil
}

// Press toggles the operation behind buttonID and triggers a background sync when state changed.
func (a *App) Press(ctx context.Context, buttonID string) (tracker.Transition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.guard.LoggedIn() {
		return tracker.Transition{}, session.ErrNotLoggedIn
	}
	a.guard.Touch()

	tr, err := a.tracker.Press(ctx, buttonID)
	if err != nil {
		return tr, err
	}
	if tr.Changed() {
		a.setElapsed(a.tracker.Elapsed())
		a.syncer.Trigger()
	}
	return tr, nil
}

// SyncNow drains the offline queue once.
func (a *App) SyncNow(ctx context.Context) (syncer.Result, error) {
	a.guard.Touch()
	return a.syncer.SyncNow(ctx)
}

// Touch records operator activity.
func (a *App) Touch() {
	a.guard.Touch()
}

// RestartLocation resumes sampling after a provider error.
func (a *App) RestartLocation() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.guard.LoggedIn() {
		return session.ErrNotLoggedIn
	}
	a.guard.Touch()
	a.startTracking()
	return nil
}

func (a *App) startTracking() {
	a.setError("")
	a.sampler.Restart()
	if err := a.provider.Start(a.onPosition, a.onLocationError); err != nil {
		a.onLocationError(err)
		return
	}
	a.logger.Info("location tracking started")
}

func (a *App) stopTracking() {
	a.provider.Stop()
	a.sampler.Halt()
}

func (a *App) onPosition(raw model.RawPosition) {
	loc, ok := a.sampler.Offer(raw)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rec, err := a.queue.EnqueueLocation(ctx, loc)
	if err != nil {
		a.logger.Error("queue location", "error", err)
		return
	}
	a.logger.Debug("location recorded", "id", rec.ID, "lat", loc.Latitude, "lon", loc.Longitude)
}

func (a *App) onLocationError(err error) {
	a.provider.Stop()
	a.sampler.Halt()

	msg := err.Error()
	var locErr *position.LocationError
	if errors.As(err, &locErr) {
		msg = locErr.Message()
	}
	a.setError(msg)
	a.logger.Warn("location tracking halted", "error", err)
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	if a.source != nil && a.source.HandlePublish(ctx, msg) {
		return
	}
	a.logger.Debug("ignoring mqtt publish", "topic", msg.Topic, "client", msg.ClientID)
}

func (a *App) startTicker() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.tickCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.tickCancel = cancel
	a.tickDone = done

	go func() {
		defer close(done)
		a.tracker.Tick(ctx, time.Second, a.setElapsed)
	}()
}

func (a *App) stopTicker() {
	a.stateMu.Lock()
	cancel, done := a.tickCancel, a.tickDone
	a.tickCancel, a.tickDone = nil, nil
	a.stateMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.setElapsed(zeroElapsed)
}

func (a *App) vehicle() string {
	return a.guard.Profile().VehicleIdentifier
}

func (a *App) setLoading(v bool) {
	a.stateMu.Lock()
	a.loading = v
	a.stateMu.Unlock()
}

func (a *App) setError(msg string) {
	a.stateMu.Lock()
	a.errorMsg = msg
	a.stateMu.Unlock()
}

func (a *App) setElapsed(v string) {
	a.stateMu.Lock()
	a.elapsed = v
	a.stateMu.Unlock()
}

func brokerPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
