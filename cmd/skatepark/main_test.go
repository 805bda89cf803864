package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fentz26/skatepark/internal/config"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	prev := apiAddr
	apiAddr = ts.URL + "/"
	t.Cleanup(func() { apiAddr = prev })
}

func TestAPIDo(t *testing.T) {
	var (
		mu                          sync.Mutex
		gotMethod, gotPath, gotBody string
	)
	last := func() (string, string, string) {
		mu.Lock()
		defer mu.Unlock()
		return gotMethod, gotPath, gotBody
	}
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotPath, gotBody = r.Method, r.URL.Path, string(body)
		mu.Unlock()
		if r.URL.Path == "/api/runs/missing" {
			http.Error(w, "unknown run: missing", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	body, err := apiPatch("/api/runs/abc", map[string]string{"status": "FAILED"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	method, path, sent := last()
	require.Equal(t, http.MethodPatch, method)
	require.Equal(t, "/api/runs/abc", path)
	require.JSONEq(t, `{"status":"FAILED"}`, sent)

	require.NoError(t, apiDelete("/api/structures/abc"))
	method, _, sent = last()
	require.Equal(t, http.MethodDelete, method)
	require.Empty(t, sent)

	_, err = apiGet("/api/runs/missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "API error (404): unknown run: missing")
}

func TestAPIPostLong_OutlivesClientTimeout(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"id":"abc"}`))
	})
	prev := apiClient.Timeout
	apiClient.Timeout = 50 * time.Millisecond
	t.Cleanup(func() { apiClient.Timeout = prev })

	_, err := apiPost("/api/structures", map[string]string{"directory": "/tmp/a"})
	require.Error(t, err)

	body, err := apiPostLong("/api/structures", map[string]string{"directory": "/tmp/a"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"abc"}`, string(body))
}

func TestCheckHealth(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(HealthResponse{OK: false, Audit: "sql: database is closed"})
	})

	health, err := CheckHealth()
	require.Error(t, err)
	require.NotNil(t, health)
	require.False(t, health.OK)
	require.Equal(t, "sql: database is closed", health.Audit)
}

func TestLoadStartConfig_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:6000"
	cfg.MaxConcurrentRuns = 3
	require.NoError(t, config.SaveConfig(path, cfg))

	require.NoError(t, startCmd.Flags().Set("config", path))
	require.NoError(t, startCmd.Flags().Set("listen", "127.0.0.1:7000"))
	require.NoError(t, startCmd.Flags().Set("audit-db", "off"))
	t.Cleanup(func() {
		startCmd.Flags().Lookup("listen").Changed = false
		startCmd.Flags().Lookup("audit-db").Changed = false
	})

	got, err := loadStartConfig(startCmd)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", got.Listen)
	require.Equal(t, 3, got.MaxConcurrentRuns)
	require.Empty(t, got.AuditDB)
	require.Equal(t, "http://127.0.0.1:7000/", got.BaseURL())
	require.Equal(t, 2*time.Second, got.SettleDelay)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abcdefgh", truncateID("abcdefgh-1234"))
	require.Equal(t, "abc", truncateID("abc"))
	require.Equal(t, "ab...", truncate("abcdefgh", 5))
}
