package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GuilhermeP96/adb-toolkit/auth"
	"github.com/GuilhermeP96/adb-toolkit/pairing"
)

func TestServerHeaderAndNotFound(t *testing.T) {
	service := New(Options{Version: "9.9.9"})
	server := httptest.NewServer(service.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/no/such/route")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if got := resp.Header.Get("Server"); got != "adb-agent/9.9.9" {
		t.Fatalf("Server header = %q", got)
	}
	if got := resp.Header.Get("Connection"); got != "close" {
		t.Fatalf("Connection header = %q, want close", got)
	}

	payload, _ := io.ReadAll(resp.Body)
	var body map[string]string
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("404 body is not the JSON envelope: %q", payload)
	}
	if body["error"] == "" {
		t.Fatalf("404 envelope = %v", body)
	}
}

func TestPanicBecomesInternalEnvelope(t *testing.T) {
	service := New(Options{Version: "test"})
	service.Router().Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	server := httptest.NewServer(service.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/boom")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}

	payload, _ := io.ReadAll(resp.Body)
	var body map[string]string
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("500 body is not JSON: %q", payload)
	}
	if body["error"] != "internal_error" || !strings.Contains(body["message"], "kaboom") {
		t.Fatalf("500 envelope = %v", body)
	}
}

func TestMetricsEndpointIsProtected(t *testing.T) {
	store, err := pairing.Open(filepath.Join(t.TempDir(), "pairing_state"), "local", nil)
	if err != nil {
		t.Fatalf("pairing.Open failed: %v", err)
	}
	gate := auth.NewGate(store, "metrics-token", nil, nil)

	service := New(Options{
		Version: "test",
		Gate:    gate,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	})

	server := httptest.NewServer(service.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /metrics = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/metrics", nil)
	req.Header.Set(auth.HeaderToken, "metrics-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated /metrics = %d, want 200", resp.StatusCode)
	}
}

func TestStartAndClose(t *testing.T) {
	service := New(Options{Version: "test"})
	service.Router().Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if err := service.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + service.Addr().String() + "/ok")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	// Keep-alives are disabled: the server hangs up after each response.
	if !resp.Close && resp.Header.Get("Connection") != "close" {
		t.Fatalf("response does not signal connection close")
	}

	if err := service.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := http.Get("http://" + service.Addr().String() + "/ok"); err == nil {
		t.Fatalf("server still serving after Close")
	}
}
