package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"optrack/driver-agent/internal/session"
	"optrack/driver-agent/internal/syncer"
	"optrack/driver-agent/internal/tracker"
)

// response is the envelope every /api endpoint answers with.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.logRequests)
	api.HandleFunc("/state", a.handleState).Methods(http.MethodGet)
	api.HandleFunc("/login", a.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/logout", a.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/buttons/{id}/press", a.handlePress).Methods(http.MethodPost)
	api.HandleFunc("/sync", a.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/activity", a.handleActivity).Methods(http.MethodPost)
	api.HandleFunc("/location/restart", a.handleLocationRestart).Methods(http.MethodPost)

	return r
}

func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || (a.cfg.GPSEnabled && a.broker == nil) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st, err := a.State(ctx)
	if err != nil {
		a.logger.Error("failed to load state", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, response{Message: "failed to load state"})
		return
	}
	a.writeJSON(w, http.StatusOK, response{Success: true, Data: st})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Secret     string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, response{Message: "invalid payload"})
		return
	}

	profile, err := a.Login(r.Context(), req.Identifier, req.Secret)
	if err != nil {
		var authErr *session.AuthError
		if errors.As(err, &authErr) {
			a.logger.Warn("login rejected", "error", authErr.Err)
			a.writeJSON(w, http.StatusUnauthorized, response{Message: authErr.Message})
			return
		}
		a.logger.Error("login failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, response{Message: session.MessageLoginFailed})
		return
	}
	a.writeJSON(w, http.StatusOK, response{Success: true, Message: session.MessageLoginOK, Data: profile})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Logout(r.Context()); err != nil {
		a.logger.Error("logout failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, response{Message: "failed to clear local data"})
		return
	}
	a.writeJSON(w, http.StatusOK, response{Success: true, Message: session.MessageLogout})
}

func (a *App) handlePress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tr, err := a.Press(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotLoggedIn):
		a.writeJSON(w, http.StatusUnauthorized, response{Message: err.Error()})
		return
	case errors.Is(err, tracker.ErrUnknownButton):
		a.writeJSON(w, http.StatusNotFound, response{Message: err.Error()})
		return
	case err != nil:
		a.logger.Error("press failed", "button", id, "error", err)
		a.writeJSON(w, http.StatusInternalServerError, response{Message: "failed to toggle operation"})
		return
	}
	a.writeJSON(w, http.StatusOK, response{Success: true, Data: tr})
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := a.SyncNow(r.Context())
	if err != nil {
		var syncErr *syncer.SyncError
		if errors.As(err, &syncErr) {
			a.writeJSON(w, http.StatusBadGateway, response{Message: res.Message, Data: res})
			return
		}
		a.writeJSON(w, http.StatusInternalServerError, response{Message: syncer.MessageFailed})
		return
	}
	a.writeJSON(w, http.StatusOK, response{Success: true, Message: res.Message, Data: res})
}

func (a *App) handleActivity(w http.ResponseWriter, r *http.Request) {
	a.Touch()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleLocationRestart(w http.ResponseWriter, r *http.Request) {
	if err := a.RestartLocation(); err != nil {
		a.writeJSON(w, http.StatusUnauthorized, response{Message: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusAccepted, response{Success: true})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
