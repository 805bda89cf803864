package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fentz26/skatepark/internal/audit"
	"github.com/fentz26/skatepark/internal/models"
)

type staticStats map[string]interface{}

func (s staticStats) GetStats() map[string]interface{} { return s }

func newTestServer(t *testing.T, opts Options) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t, opts)
	srv := NewServer(env.svc, "127.0.0.1:0")
	srv.SetScheduler(staticStats{"active_runs": 0})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return env, ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthEndpoint_OK(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	decode(t, resp, &health)
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.Audit != "disabled" {
		t.Errorf("Expected audit status 'disabled', got '%s'", health.Audit)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint_AuditError(t *testing.T) {
	env := newTestEnv(t, Options{})
	j, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	env.svc.pdr = audit.NewPDRWriter(j, env.svc.logger)
	require.NoError(t, j.Close())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	NewServer(env.svc, "127.0.0.1:0").handleHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	var health HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	if health.OK {
		t.Error("Expected health.OK to be false")
	}
}

func TestStructureEndpoints(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	dir := writeStructure(t, "exit 0")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/structures", RegisterRequest{Directory: dir, MainFile: "main.py"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var st models.Structure
	decode(t, resp, &st)
	require.Equal(t, StructureID(dir, "main.py"), st.ID)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/structures", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Structures []models.Structure `json:"structures"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Structures, 1)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/structures/"+st.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/structures/"+st.ID+"/build", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/structures/"+st.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs map[string][]models.Run
	decode(t, resp, &runs)
	require.Contains(t, runs, "structure_runs")
	require.Empty(t, runs["structure_runs"])

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/structures/"+st.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/structures/"+st.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterEndpoint_Errors(t *testing.T) {
	env, ts := newTestServer(t, Options{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/structures", "{not json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/structures", RegisterRequest{Directory: filepath.Join(t.TempDir(), "gone"), MainFile: "main.py"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "directory does not exist")

	env.builder.err = errInstall
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/structures", RegisterRequest{Directory: writeStructure(t, "exit 0"), MainFile: "main.py"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRegisterEndpoint_ClientTimeoutDoesNotAbortBuild(t *testing.T) {
	env, ts := newTestServer(t, Options{})
	env.builder.delay = 500 * time.Millisecond
	dir := writeStructure(t, "exit 0")

	body, err := json.Marshal(RegisterRequest{Directory: dir, MainFile: "main.py"})
	require.NoError(t, err)
	client := &http.Client{Timeout: 100 * time.Millisecond}
	resp, err := client.Post(ts.URL+"/api/structures", "application/json", bytes.NewReader(body))
	if err == nil {
		resp.Body.Close()
		t.Fatal("Expected the client to give up before the build finished")
	}

	id := StructureID(dir, "main.py")
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := env.svc.GetStructure(id)
		if err == nil && st.BuiltAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("structure %s was not built: %v", id, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, 1, env.builder.installCount())
}

func TestRegisterEndpoint_ResponseOutlivesWriteTimeout(t *testing.T) {
	env := newTestEnv(t, Options{BuildTimeout: time.Second})
	env.builder.delay = 300 * time.Millisecond

	srv := NewServer(env.svc, "127.0.0.1:0")
	srv.server.WriteTimeout = 100 * time.Millisecond
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	base := "http://" + ln.Addr().String()
	resp := doJSON(t, http.MethodPost, base+"/api/structures", RegisterRequest{
		Directory: writeStructure(t, "exit 0"),
		MainFile:  "main.py",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var st models.Structure
	decode(t, resp, &st)

	resp = doJSON(t, http.MethodPost, base+"/api/structures/"+st.ID+"/build", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRunEndpoints(t *testing.T) {
	env, ts := newTestServer(t, Options{})
	st := env.register(t, `echo out; exit 0`)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/structures/"+st.ID+"/runs", CreateRunRequest{Args: []string{"x"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run models.Run
	decode(t, resp, &run)
	require.Equal(t, models.RunStatusQueued, run.Status)
	require.Equal(t, []string{"x"}, run.Args)

	final := env.waitTerminal(t, run.ID)
	require.Equal(t, models.RunStatusSucceeded, final.Status)

	for _, prefix := range []string{"/api/runs/", "/api/structure-runs/"} {
		resp = doJSON(t, http.MethodGet, ts.URL+prefix+run.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got models.Run
		decode(t, resp, &got)
		require.Equal(t, models.RunStatusSucceeded, got.Status)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all map[string][]models.Run
	decode(t, resp, &all)
	require.Len(t, all["structure_runs"], 1)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/runs/"+run.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs map[string][]models.Log
	decode(t, resp, &logs)
	require.Len(t, logs["logs"], 1)
	require.Equal(t, "out\n", logs["logs"][0].Message)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/runs/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/structures/nope/runs", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRunEndpoint_EmptyBody(t *testing.T) {
	env, ts := newTestServer(t, Options{})
	st := env.register(t, `exit 0`)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/structures/"+st.ID+"/runs", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run models.Run
	decode(t, resp, &run)
	require.Empty(t, run.Args)
	require.NotNil(t, run.Env)
}

func TestCreateRunEndpoint_Capacity(t *testing.T) {
	env, ts := newTestServer(t, Options{MaxConcurrentRuns: 1})
	st := env.register(t, `sleep 30`)
	url := ts.URL + "/api/structures/" + st.ID + "/runs"

	resp := doJSON(t, http.MethodPost, url, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = doJSON(t, http.MethodPost, url, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestEventEndpoints(t *testing.T) {
	env, ts := newTestServer(t, Options{})
	run := env.startRun(t, `sleep 30`, CreateRunRequest{})
	url := ts.URL + "/api/structure-runs/" + run.ID + "/events"

	resp := doJSON(t, http.MethodPost, url, []map[string]any{
		{"type": "TextChunkEvent", "timestamp": 2},
		{"type": "TextChunkEvent", "timestamp": 1},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var batch []models.Event
	decode(t, resp, &batch)
	require.Len(t, batch, 2)

	resp = doJSON(t, http.MethodPost, url, map[string]any{
		"type":               models.EventTypeFinish,
		"timestamp":          3,
		"output_task_output": map[string]any{"value": "result"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var single models.Event
	decode(t, resp, &single)
	require.Equal(t, models.EventTypeFinish, single.Type())

	resp = doJSON(t, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events map[string][]models.Event
	decode(t, resp, &events)
	require.Len(t, events["events"], 3)
	require.Equal(t, batch[1].ID, events["events"][0].ID)

	got, err := env.svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusSucceeded, got.Status)

	resp = doJSON(t, http.MethodPost, url, `[1, 2]`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPatchRunEndpoint(t *testing.T) {
	env, ts := newTestServer(t, Options{SettleDelay: time.Hour})
	run := env.startRun(t, `sleep 30`, CreateRunRequest{})
	url := ts.URL + "/api/structure-runs/" + run.ID

	resp := doJSON(t, http.MethodPatch, url, map[string]any{"pid": 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPatch, url, `"status"`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPatch, url, map[string]any{"status": "CANCELLED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Run
	decode(t, resp, &got)
	require.Equal(t, models.RunStatusCancelled, got.Status)

	resp = doJSON(t, http.MethodPatch, url, map[string]any{"status": "RUNNING"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatsAndAuditEndpoints(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	decode(t, resp, &stats)
	require.Contains(t, stats, "active_runs")

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/audit?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records map[string][]models.AuditRecord
	decode(t, resp, &records)
	require.Contains(t, records, "records")
}

func TestUnknownRoute(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp := doJSON(t, http.MethodPut, ts.URL+"/api/structures/abc/build", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, path := range []string{
		"/api/runs/abc/events/anything",
		"/api/structure-runs/abc/logs/x",
		"/api/structures/abc/runs/extra",
	} {
		resp := doJSON(t, http.MethodGet, ts.URL+path, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: x", ErrNotRegistered), http.StatusNotFound},
		{fmt.Errorf("%w: x", ErrUnknownRun), http.StatusNotFound},
		{fmt.Errorf("%w: x", ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("%w: x", ErrBuild), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: x", ErrLaunch), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: x", ErrCapacity), http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path       string
		wantID     string
		wantAction string
		wantOK     bool
	}{
		{"/api/runs/abc/events", "abc", "events", true},
		{"/api/runs/abc/", "abc", "", true},
		{"/api/runs/abc", "abc", "", true},
		{"/api/runs/abc/events/extra", "", "", false},
	}
	for _, tt := range tests {
		id, action, ok := splitPath(tt.path, "/api/runs/")
		require.Equal(t, tt.wantOK, ok, tt.path)
		require.Equal(t, tt.wantID, id, tt.path)
		require.Equal(t, tt.wantAction, action, tt.path)
	}
}
