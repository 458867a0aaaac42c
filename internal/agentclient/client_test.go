package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"optrack/driver-agent/internal/syncer"
)

func TestParseBaseURL_DefaultsAndNormalizes(t *testing.T) {
	u, err := parseBaseURL("")
	if err != nil {
		t.Fatalf("parseBaseURL returned error: %v", err)
	}
	if u.Scheme != "http" || u.Host != defaultAgentAddr {
		t.Fatalf("url = %q, want http://%s", u.String(), defaultAgentAddr)
	}

	u, err = parseBaseURL("http://truck.local:9000/ui?x=1#frag")
	if err != nil {
		t.Fatalf("parseBaseURL returned error: %v", err)
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		t.Fatalf("url not normalized: %q", u.String())
	}
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "message": message, "data": data})
}

func TestClient_CallsEndpoints(t *testing.T) {
	t.Parallel()

	var gotLogin map[string]string
	var gotPath, gotUserAgent string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/login":
			_ = json.NewDecoder(r.Body).Decode(&gotLogin)
			writeEnvelope(w, http.StatusOK, true, "Login bem-sucedido!", map[string]any{"vehicleIdentifier": "ABC1234"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/state":
			writeEnvelope(w, http.StatusOK, true, "", map[string]any{"isLoggedIn": true, "elapsedTime": "01:15"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/buttons/14/press":
			gotPath = r.URL.Path
			writeEnvelope(w, http.StatusOK, true, "", map[string]any{"started": map[string]any{"id": "op1", "name": "Refeição"}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/activity":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	ctx := context.Background()

	msg, profile, err := client.Login(ctx, "123.456.789-00", "senha123")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if msg != "Login bem-sucedido!" || profile.VehicleIdentifier != "ABC1234" {
		t.Fatalf("Login = %q %#v", msg, profile)
	}
	if gotLogin["identifier"] != "123.456.789-00" || gotLogin["secret"] != "senha123" {
		t.Fatalf("login body = %#v", gotLogin)
	}

	st, err := client.State(ctx)
	if err != nil {
		t.Fatalf("State returned error: %v", err)
	}
	if !st.IsLoggedIn || st.ElapsedTime != "01:15" {
		t.Fatalf("State = %#v", st)
	}

	tr, err := client.Press(ctx, " 14 ")
	if err != nil {
		t.Fatalf("Press returned error: %v", err)
	}
	if gotPath != "/api/buttons/14/press" || tr.Started == nil || tr.Started.Name != "Refeição" {
		t.Fatalf("Press = %#v (path %q)", tr, gotPath)
	}

	if err := client.Activity(ctx); err != nil {
		t.Fatalf("Activity returned error: %v", err)
	}
	if gotUserAgent != defaultUserAgent {
		t.Fatalf("User-Agent = %q, want %q", gotUserAgent, defaultUserAgent)
	}
}

func TestClient_ReportsAPIErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			writeEnvelope(w, http.StatusUnauthorized, false, "CPF ou senha inválidos ou usuário inativo.", nil)
		case "/api/sync":
			writeEnvelope(w, http.StatusBadGateway, false, syncer.MessageFailed, syncer.Result{Outcome: syncer.OutcomeFailed, Message: syncer.MessageFailed})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	ctx := context.Background()

	_, _, err = client.Login(ctx, "1", "2")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "CPF ou senha inválidos ou usuário inativo." {
		t.Fatalf("Login error = %v", err)
	}

	res, err := client.Sync(ctx)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("Sync error = %v", err)
	}
	if res.Outcome != syncer.OutcomeFailed {
		t.Fatalf("Sync result = %#v, want the failed result", res)
	}

	if _, err := client.Logout(ctx); !errors.As(err, &apiErr) || apiErr.Message != "" {
		t.Fatalf("Logout error = %v, want bare status error", err)
	}
	if got := apiErr.Error(); got != "agent returned status 500" {
		t.Fatalf("Error() = %q", got)
	}
}
