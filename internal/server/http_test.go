package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func newTestHTTPServer(t *testing.T, f *fixture) *HTTPServer {
	t.Helper()
	cfg := testConfig()
	return NewHTTPServer(cfg.HTTP, testLogger(), cfg, f.srv, f.sessions, f.metrics, f.promReg)
}

func serve(h *HTTPServer, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	h := newTestHTTPServer(t, f)

	rec := serve(h, http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d while stopped, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	f.start(t)

	rec = serve(h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", body["status"])
	}

	rec = serve(h, http.MethodPost, "/health")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, testConfig())
	h := newTestHTTPServer(t, f)

	sess, err := f.srv.CreateSession(peer)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	rec := serve(h, http.MethodGet, "/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var list struct {
		Total int `json:"total_sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if list.Total != 1 {
		t.Errorf("Expected 1 session, got %d", list.Total)
	}

	tests := []struct {
		name string
		path string
		code int
	}{
		{name: "existing", path: "/sessions/" + strconv.FormatUint(uint64(sess.ID), 10), code: http.StatusOK},
		{name: "unknown", path: "/sessions/999", code: http.StatusNotFound},
		{name: "not a number", path: "/sessions/abc", code: http.StatusBadRequest},
		{name: "empty", path: "/sessions/", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.path)
			if rec.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, rec.Code)
			}
		})
	}

	rec = serve(h, http.MethodGet, "/sessions/"+strconv.FormatUint(uint64(sess.ID), 10))
	if !strings.Contains(rec.Body.String(), peer.String()) {
		t.Errorf("Expected session detail to contain peer %s, got %s", peer, rec.Body.String())
	}
}

func TestConfigEndpointSanitized(t *testing.T) {
	cfg := testConfig()
	cfg.Banlist.Hosts = []string{"198.51.100.7"}
	cfg.Stats.MQTT.Password = "hunter2"

	f := newFixture(t, cfg)
	h := NewHTTPServer(cfg.HTTP, testLogger(), cfg, f.srv, f.sessions, f.metrics, f.promReg)

	rec := serve(h, http.MethodGet, "/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}

	body := rec.Body.String()
	for _, secret := range []string{"198.51.100.7", "hunter2"} {
		if strings.Contains(body, secret) {
			t.Errorf("Expected %q to be left out of /config", secret)
		}
	}

	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if parsed["server"]["workers"] != float64(4) {
		t.Errorf("Expected 4 workers, got %v", parsed["server"]["workers"])
	}
	if parsed["banlist"]["hosts"] != float64(1) {
		t.Errorf("Expected 1 banned host, got %v", parsed["banlist"]["hosts"])
	}
}

func TestStatsEndpoints(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)
	h := newTestHTTPServer(t, f)

	rec := serve(h, http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var body struct {
		Server Statistics `json:"server"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if !body.Server.Running {
		t.Error("Expected running server in /stats")
	}
	if body.Server.Sockets != 2 {
		t.Errorf("Expected 2 sockets, got %d", body.Server.Sockets)
	}

	rec = serve(h, http.MethodGet, "/stats/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "-------RTMFPServer-------") {
		t.Errorf("Expected status report, got %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text/plain, got %q", ct)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)
	h := newTestHTTPServer(t, f)

	if _, err := f.srv.CreateSession(peer); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	serve(h, http.MethodGet, "/health")

	rec := serve(h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"cumulus_registered_sockets 2",
		"cumulus_active_sessions 1",
		`cumulus_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics to contain %q", want)
		}
	}
}

func TestRootEndpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	h := newTestHTTPServer(t, f)

	rec := serve(h, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GET /stats/status") {
		t.Error("Expected endpoint listing")
	}

	rec = serve(h, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}
