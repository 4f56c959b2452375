package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/go-chi/chi/v5"

	"github.com/yangjarod117/webssh/internal/access"
	"github.com/yangjarod117/webssh/internal/bridge"
	"github.com/yangjarod117/webssh/internal/middleware"
	"github.com/yangjarod117/webssh/internal/monitor"
	"github.com/yangjarod117/webssh/internal/sftpio"
	"github.com/yangjarod117/webssh/internal/sshsession"
	"github.com/yangjarod117/webssh/internal/vault"
)

// newTestServer wires the full API router against in-memory components.
// No SSH endpoints are exercised here; session routes are still mounted so
// their not-found behavior is testable.
func newTestServer(t *testing.T, accessPassword string) *httptest.Server {
	t.Helper()

	var key fernet.Key
	if err := key.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store, err := vault.Open(filepath.Join(t.TempDir(), "credentials.json"), &key)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	registry := sshsession.NewRegistry(0)
	t.Cleanup(registry.Shutdown)

	gate := access.New(accessPassword, "test-secret", time.Hour, false)

	AccessGate = gate
	Credentials = store
	Sessions = registry
	Files = sftpio.NewRouter(registry)
	Monitor = monitor.NewProbe(registry)
	Terminals = bridge.New(registry)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/access/check", AccessCheck)
		r.Post("/access/verify", AccessVerify)
		r.Post("/access/logout", AccessLogout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAccess(gate))

			r.Get("/credentials", ListCredentials)
			r.Post("/credentials", SaveCredential)
			r.Get("/credentials/{id}", GetCredential)
			r.Get("/credentials/{id}/exists", CredentialExists)
			r.Delete("/credentials/{id}", DeleteCredential)

			r.Post("/sessions", CreateSession)
			r.Get("/sessions/{id}/status", SessionStatus)
			r.Delete("/sessions/{id}", DeleteSession)
			r.Post("/sessions/{id}/disconnect", BeaconDisconnect)

			r.Get("/sessions/{id}/files", ListFiles)
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeResp(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	decodeResp(t, resp, &body)
	if body["message"] == "" {
		t.Error("error response has no message")
	}
	return body["code"]
}

func TestAccess_OpenGate(t *testing.T) {
	srv := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/api/access/check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	var status access.Status
	decodeResp(t, resp, &status)
	if status.Required || !status.Verified {
		t.Errorf("check = %+v, want open", status)
	}

	// Gated routes pass without a cookie.
	resp, err = http.Get(srv.URL + "/api/credentials")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("open gate credentials status = %d, want 200", resp.StatusCode)
	}
}

func TestAccess_VerifyFlow(t *testing.T) {
	srv := newTestServer(t, "letmein")
	jar := newCookieClient(t)

	// Unverified requests are rejected.
	resp, err := jar.Get(srv.URL + "/api/credentials")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unverified status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != CodeAccessDenied {
		t.Errorf("code = %q, want ACCESS_DENIED", code)
	}

	// Wrong password.
	resp = doJSON(t, jar, http.MethodPost, srv.URL+"/api/access/verify",
		map[string]interface{}{"password": "wrong", "remember": true})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// Correct password mints the cookie.
	resp = doJSON(t, jar, http.MethodPost, srv.URL+"/api/access/verify",
		map[string]interface{}{"password": "letmein", "remember": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = jar.Get(srv.URL + "/api/credentials")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("verified status = %d, want 200", resp.StatusCode)
	}

	// Logout clears the cookie; access is rejected again.
	resp = doJSON(t, jar, http.MethodPost, srv.URL+"/api/access/logout", nil)
	resp.Body.Close()
	resp, err = jar.Get(srv.URL + "/api/credentials")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("post-logout status = %d, want 401", resp.StatusCode)
	}
}

func TestCredentials_CRUD(t *testing.T) {
	srv := newTestServer(t, "")
	client := http.DefaultClient

	// Create.
	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/credentials", map[string]interface{}{
		"id": "prod", "host": "db.internal", "port": 2222,
		"username": "deploy", "authType": "password", "password": "hunter2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created map[string]interface{}
	decodeResp(t, resp, &created)
	if created["id"] != "prod" {
		t.Errorf("create response = %+v", created)
	}

	// Exists.
	resp, _ = client.Get(srv.URL + "/api/credentials/prod/exists")
	var exists map[string]bool
	decodeResp(t, resp, &exists)
	if !exists["exists"] {
		t.Error("exists = false after create")
	}

	// List carries no secrets.
	resp, _ = client.Get(srv.URL + "/api/credentials")
	var list struct {
		Credentials []map[string]interface{} `json:"credentials"`
	}
	decodeResp(t, resp, &list)
	if len(list.Credentials) != 1 {
		t.Fatalf("list = %d entries, want 1", len(list.Credentials))
	}
	if _, leaked := list.Credentials[0]["password"]; leaked {
		t.Error("list leaks password field")
	}

	// Get returns the full record.
	resp, _ = client.Get(srv.URL + "/api/credentials/prod")
	var full map[string]interface{}
	decodeResp(t, resp, &full)
	if full["password"] != "hunter2" {
		t.Errorf("get password = %v", full["password"])
	}

	// Delete, then 404.
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/credentials/prod", nil)
	resp, _ = client.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/credentials/prod", nil)
	resp, _ = client.Do(req)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != CodeCredentialNotFound {
		t.Errorf("code = %q, want CREDENTIAL_NOT_FOUND", code)
	}
}

func TestCredentials_Validation(t *testing.T) {
	srv := newTestServer(t, "")
	client := http.DefaultClient

	cases := []map[string]interface{}{
		{"host": "h", "username": "u", "authType": "password"},            // no id
		{"id": "a", "username": "u", "authType": "password"},              // no host
		{"id": "a", "host": "h", "authType": "password"},                  // no username
		{"id": "a", "host": "h", "username": "u", "authType": "kerberos"}, // bad auth type
	}
	for i, body := range cases {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/credentials", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d status = %d, want 400", i, resp.StatusCode)
		}
		if code := errorCode(t, resp); code != CodeInvalidRequest {
			t.Errorf("case %d code = %q, want INVALID_REQUEST", i, code)
		}
	}
}

func TestGetCredential_NotFound(t *testing.T) {
	srv := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/api/credentials/ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != CodeCredentialNotFound {
		t.Errorf("code = %q", code)
	}
}

func TestSession_NotFoundRoutes(t *testing.T) {
	srv := newTestServer(t, "")
	client := http.DefaultClient

	resp, _ := client.Get(srv.URL + "/api/sessions/ghost/status")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status route = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != CodeSessionNotFound {
		t.Errorf("code = %q, want SESSION_NOT_FOUND", code)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/ghost", nil)
	resp, _ = client.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete route = %d, want 404", resp.StatusCode)
	}

	resp, _ = client.Get(srv.URL + "/api/sessions/ghost/files?path=/tmp")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("files route = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBeaconDisconnect_Always200(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/sessions/ghost/disconnect", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("beacon status = %d, want 200", resp.StatusCode)
	}
	var body map[string]bool
	decodeResp(t, resp, &body)
	if !body["success"] {
		t.Error("beacon success = false")
	}
}

func TestCreateSession_Validation(t *testing.T) {
	srv := newTestServer(t, "")
	client := http.DefaultClient

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/sessions",
		map[string]interface{}{"username": "u", "authType": "password"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no host status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown credential id maps to CREDENTIAL_NOT_FOUND.
	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/sessions",
		map[string]interface{}{"credentialId": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost credential status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != CodeCredentialNotFound {
		t.Errorf("code = %q, want CREDENTIAL_NOT_FOUND", code)
	}
}

func TestListFiles_MissingPath(t *testing.T) {
	srv := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/api/sessions/any/files")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != CodeInvalidRequest {
		t.Errorf("code = %q, want INVALID_REQUEST", code)
	}
}

// newCookieClient returns an http.Client with a cookie jar so the access
// cookie round-trips like a browser.
func newCookieClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar}
}
