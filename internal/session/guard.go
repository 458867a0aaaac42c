// Package session gates the agent behind an operator login with expiry and an inactivity timeout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/store"
)

// Persisted session keys.
const (
	KeyAuthToken               = "authToken"
	KeyAuthExpiration          = "authExpiration"
	KeyVehicleIdentifier       = "vehicleIdentifier"
	KeyOperatorProfile         = "operatorProfile"
	KeyPendingOperationHistory = "pendingOperationHistory"
)

// Defaults for token lifetime and inactivity.
const (
	DefaultTTL        = 12 * time.Hour
	DefaultInactivity = 30 * time.Minute
)

// ErrNotLoggedIn is returned by operations that need an active session.
var ErrNotLoggedIn = errors.New("not logged in")

// Config wires a Guard.
type Config struct {
	KV            store.KV
	Authenticator Authenticator
	Logger        *slog.Logger
	Inactivity    time.Duration
	Now           func() time.Time

	// PurgeOnExpiry lists extra keys removed when an expired session is found at startup.
	PurgeOnExpiry []string
	// OnExpire runs on its own goroutine when the inactivity deadline passes.
	OnExpire func()
}

// Guard holds the LoggedOut/LoggedIn state.
type Guard struct {
	kv         store.KV
	auth       Authenticator
	logger     *slog.Logger
	inactivity time.Duration
	now        func() time.Time
	purge      []string
	onExpire   func()

	mu      sync.Mutex
	session *model.Session
	profile model.Profile
	timer   *time.Timer
	// gen invalidates timers that fired after being replaced.
	gen uint64
}

// NewGuard constructs a logged-out guard.
func NewGuard(cfg Config) *Guard {
	g := &Guard{
		kv:         cfg.KV,
		auth:       cfg.Authenticator,
		logger:     cfg.Logger,
		inactivity: cfg.Inactivity,
		now:        cfg.Now,
		onExpire:   cfg.OnExpire,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.inactivity <= 0 {
		g.inactivity = DefaultInactivity
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.purge = append([]string{
		KeyAuthToken,
		KeyAuthExpiration,
		KeyVehicleIdentifier,
		KeyOperatorProfile,
		KeyPendingOperationHistory,
	}, cfg.PurgeOnExpiry...)
	return g
}

// SetOnExpire replaces the inactivity callback.
func (g *Guard) SetOnExpire(fn func()) {
	g.mu.Lock()
	g.onExpire = fn
	g.mu.Unlock()
}

// Login verifies the credentials and enters LoggedIn. A failed verification returns an
// *AuthError and leaves the guard untouched.
func (g *Guard) Login(ctx context.Context, identifier, secret string) (model.Profile, error) {
	res, err := g.auth.Verify(ctx, identifier, secret)
	if err != nil {
		msg := MessageLoginFailed
		if errors.Is(err, ErrInvalidCredentials) {
			msg = MessageLoginInvalid
		}
		return model.Profile{}, &AuthError{Message: msg, Err: err}
	}

	sess := model.Session{Token: res.Token, ExpiresAt: res.ExpiresAt}
	g.persist(ctx, sess, res.Profile)

	g.mu.Lock()
	g.session = &sess
	g.profile = res.Profile
	g.resetTimerLocked()
	g.mu.Unlock()

	g.logger.Info("operator logged in", "user", res.Profile.UserID, "vehicle", res.Profile.VehicleIdentifier, "expires", res.ExpiresAt)
	return res.Profile, nil
}

// Restore resumes a persisted session. An expired session purges the session keys plus
// PurgeOnExpiry and reports false.
func (g *Guard) Restore(ctx context.Context) (bool, error) {
	token, ok, err := g.kv.Get(ctx, KeyAuthToken)
	if err != nil {
		return false, fmt.Errorf("restore session: %w", err)
	}
	rawExp, expOK, err := g.kv.Get(ctx, KeyAuthExpiration)
	if err != nil {
		return false, fmt.Errorf("restore session: %w", err)
	}
	if !ok && !expOK {
		return false, nil
	}

	sess := model.Session{Token: token}
	if ms, perr := strconv.ParseInt(rawExp, 10, 64); perr == nil {
		sess.ExpiresAt = time.UnixMilli(ms)
	}

	if !sess.Valid(g.now()) {
		g.logger.Info("stored session expired, purging local state")
		if err := g.kv.Delete(ctx, g.purge...); err != nil {
			return false, fmt.Errorf("purge expired session: %w", err)
		}
		return false, nil
	}

	var profile model.Profile
	if _, err := store.GetJSON(ctx, g.kv, KeyOperatorProfile, &profile); err != nil {
		g.logger.Warn("load operator profile", "error", err)
	}
	if profile.VehicleIdentifier == "" {
		if plate, ok, err := g.kv.Get(ctx, KeyVehicleIdentifier); err == nil && ok {
			profile.VehicleIdentifier = plate
		}
	}

	g.mu.Lock()
	g.session = &sess
	g.profile = profile
	g.resetTimerLocked()
	g.mu.Unlock()

	g.logger.Info("session restored", "vehicle", profile.VehicleIdentifier, "expires", sess.ExpiresAt)
	return true, nil
}

// Logout enters LoggedOut and cancels the inactivity timer. It is safe to call in any state.
// Clearing the store is left to the caller.
func (g *Guard) Logout() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopTimerLocked()
	if g.session != nil {
		g.logger.Info("operator logged out")
	}
	g.session = nil
	g.profile = model.Profile{}
}

// Close stops the inactivity timer without ending the session, so a later Restore resumes it.
func (g *Guard) Close() {
	g.mu.Lock()
	g.stopTimerLocked()
	g.mu.Unlock()
}

// Touch records operator activity and pushes the inactivity deadline back.
func (g *Guard) Touch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return
	}
	g.resetTimerLocked()
}

// LoggedIn reports whether a session is active.
func (g *Guard) LoggedIn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session != nil
}

// Session returns the active session.
func (g *Guard) Session() (model.Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return model.Session{}, false
	}
	return *g.session, true
}

// Profile returns the operator profile of the active session.
func (g *Guard) Profile() model.Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profile
}

func (g *Guard) persist(ctx context.Context, sess model.Session, profile model.Profile) {
	err := g.kv.Update(ctx, []string{KeyAuthToken, KeyAuthExpiration, KeyVehicleIdentifier}, func(values map[string]string) error {
		values[KeyAuthToken] = sess.Token
		values[KeyAuthExpiration] = strconv.FormatInt(sess.ExpiresAt.UnixMilli(), 10)
		values[KeyVehicleIdentifier] = profile.VehicleIdentifier
		return nil
	})
	if err != nil {
		g.logger.Error("persist session", "error", err)
	}
	if err := store.SetJSON(ctx, g.kv, KeyOperatorProfile, profile); err != nil {
		g.logger.Error("persist operator profile", "error", err)
	}
}

func (g *Guard) resetTimerLocked() {
	g.stopTimerLocked()
	gen := g.gen
	g.timer = time.AfterFunc(g.inactivity, func() { g.expire(gen) })
}

func (g *Guard) stopTimerLocked() {
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Guard) expire(gen uint64) {
	g.mu.Lock()
	if gen != g.gen || g.session == nil {
		g.mu.Unlock()
		return
	}
	fn := g.onExpire
	g.mu.Unlock()

	g.logger.Info("inactivity timeout reached")
	if fn != nil {
		fn()
	} else {
		g.Logout()
	}
}
