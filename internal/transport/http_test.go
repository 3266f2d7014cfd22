package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/leaderprobe/internal/runner"
	"github.com/gateway-fm/leaderprobe/pkg/types"
)

type mockAPI struct {
	mu       sync.Mutex
	status   types.RunStatus
	startErr error
	started  []runner.Options
	stopped  int
	runs     map[string]*types.Report
	deleted  []string
	limit    int
	offset   int
}

var _ ProbeAPI = (*mockAPI)(nil)

func (m *mockAPI) Start(ctx context.Context, opts runner.Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return "", m.startErr
	}
	m.started = append(m.started, opts)
	return "run-new", nil
}

func (m *mockAPI) Stop() {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *mockAPI) Status() types.RunStatus { return m.status }

func (m *mockAPI) ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error) {
	m.limit, m.offset = limit, offset
	page := &types.PaginatedRuns{Runs: []types.RunSummary{}, Total: len(m.runs), Limit: limit, Offset: offset}
	for id := range m.runs {
		page.Runs = append(page.Runs, types.RunSummary{RunID: id})
	}
	return page, nil
}

func (m *mockAPI) GetRun(ctx context.Context, id string) (*types.Report, error) {
	return m.runs[id], nil
}

func (m *mockAPI) DeleteRun(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type mockHealth struct {
	readErr, senderErr error
}

func (m mockHealth) CheckReadRPC(context.Context) error   { return m.readErr }
func (m mockHealth) CheckSenderRPC(context.Context) error { return m.senderErr }

func newTestServer(t *testing.T, api *mockAPI, health HealthChecker, cors string) *httptest.Server {
	t.Helper()
	s := NewServer(context.Background(), api, health, nil, cors)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return srv
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestValidateStartRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     types.StartRunRequest
		wantErr string // Empty string = no error expected
	}{
		{name: "empty uses config", req: types.StartRunRequest{}},
		{name: "count bound", req: types.StartRunRequest{NumLeaders: 50}},
		{name: "duration bound", req: types.StartRunRequest{DurationSec: 600}},
		{name: "negative leaders", req: types.StartRunRequest{NumLeaders: -1}, wantErr: "numLeaders cannot be negative"},
		{name: "too many leaders", req: types.StartRunRequest{NumLeaders: maxNumLeaders + 1}, wantErr: "numLeaders exceeds maximum"},
		{name: "negative duration", req: types.StartRunRequest{DurationSec: -5}, wantErr: "durationSec cannot be negative"},
		{name: "duration too long", req: types.StartRunRequest{DurationSec: maxDurationSec + 1}, wantErr: "durationSec exceeds maximum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStartRequest(&tt.req)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateStartRequest() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateStartRequest() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	api := &mockAPI{status: types.RunStatus{RunID: "abc", Phase: types.PhaseDispatching, ProbesSent: 7}}
	srv := newTestServer(t, api, nil, "*")

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	got := decode[types.RunStatus](t, resp)
	if got.RunID != "abc" || got.Phase != types.PhaseDispatching || got.ProbesSent != 7 {
		t.Errorf("status = %+v", got)
	}

	resp, err = http.Post(srv.URL+"/v1/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /v1/status = %d, want 405", resp.StatusCode)
	}
}

func TestHandleStartRun(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		wantCode int
	}{
		{name: "started", body: `{"numLeaders":20,"durationSec":30}`, wantCode: http.StatusAccepted},
		{name: "empty body", body: "", wantCode: http.StatusAccepted},
		{name: "invalid json", body: `{"numLeaders":`, wantCode: http.StatusBadRequest},
		{name: "invalid values", body: `{"numLeaders":-3}`, wantCode: http.StatusBadRequest},
		{name: "already running", body: `{}`, startErr: runner.ErrRunInProgress, wantCode: http.StatusConflict},
		{name: "no bound configured", body: `{}`, startErr: runner.ErrUnbounded, wantCode: http.StatusBadRequest},
		{name: "other failure", body: `{}`, startErr: errors.New("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockAPI{startErr: tt.startErr}
			srv := newTestServer(t, api, nil, "")

			resp, err := http.Post(srv.URL+"/v1/runs", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.wantCode == http.StatusAccepted {
				body := decode[map[string]string](t, resp)
				if body["runId"] != "run-new" {
					t.Errorf("runId = %q", body["runId"])
				}
			}
		})
	}
}

func TestHandleStartRun_PassesBounds(t *testing.T) {
	api := &mockAPI{}
	srv := newTestServer(t, api, nil, "")

	resp, err := http.Post(srv.URL+"/v1/runs", "application/json", strings.NewReader(`{"numLeaders":20,"durationSec":30}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if len(api.started) != 1 {
		t.Fatalf("Start called %d times", len(api.started))
	}
	if got := api.started[0]; got.NumLeaders != 20 || got.Duration != 30*time.Second {
		t.Errorf("options = %+v", got)
	}
}

func TestHandleStop(t *testing.T) {
	api := &mockAPI{}
	srv := newTestServer(t, api, nil, "")

	resp, err := http.Post(srv.URL+"/v1/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || api.stopped != 1 {
		t.Errorf("code=%d stopped=%d", resp.StatusCode, api.stopped)
	}
}

func TestHandleListRuns_Pagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"?limit=10&offset=20", 10, 20},
		{"?limit=1000", 50, 0},
		{"?limit=abc&offset=-1", 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			api := &mockAPI{runs: map[string]*types.Report{"a": {RunID: "a"}}}
			srv := newTestServer(t, api, nil, "")

			resp, err := http.Get(srv.URL + "/v1/runs" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			page := decode[types.PaginatedRuns](t, resp)
			if api.limit != tt.wantLimit || api.offset != tt.wantOffset {
				t.Errorf("limit=%d offset=%d, want %d/%d", api.limit, api.offset, tt.wantLimit, tt.wantOffset)
			}
			if page.Total != 1 || len(page.Runs) != 1 {
				t.Errorf("page = %+v", page)
			}
		})
	}
}

func TestHandleRunDetail(t *testing.T) {
	api := &mockAPI{runs: map[string]*types.Report{"run-1": {RunID: "run-1", Landed: 3}}}
	srv := newTestServer(t, api, nil, "")

	resp, err := http.Get(srv.URL + "/v1/runs/run-1")
	if err != nil {
		t.Fatal(err)
	}
	got := decode[types.Report](t, resp)
	if got.RunID != "run-1" || got.Landed != 3 {
		t.Errorf("report = %+v", got)
	}

	resp, err = http.Get(srv.URL + "/v1/runs/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run = %d, want 404", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/runs/run-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(api.deleted) != 1 || api.deleted[0] != "run-1" {
		t.Errorf("delete code=%d deleted=%v", resp.StatusCode, api.deleted)
	}

	resp, err = http.Get(srv.URL + "/v1/runs/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty id = %d, want 400", resp.StatusCode)
	}
}

func TestCORS_AllowList(t *testing.T) {
	srv := newTestServer(t, &mockAPI{}, nil, "https://a.example, https://b.example")

	for origin, want := range map[string]string{
		"https://b.example":    "https://b.example",
		"https://evil.example": "",
	} {
		req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/status", nil)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("origin %s: allow-origin = %q, want %q", origin, got, want)
		}
	}
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name     string
		health   HealthChecker
		wantCode int
	}{
		{name: "no checker", health: nil, wantCode: http.StatusOK},
		{name: "all ok", health: mockHealth{}, wantCode: http.StatusOK},
		{name: "sender down", health: mockHealth{senderErr: errors.New("connection refused")}, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &mockAPI{}, tt.health, "")
			resp, err := http.Get(srv.URL + "/ready")
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantCode {
				t.Errorf("code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			body := decode[map[string]any](t, resp)
			if body["ready"] != (tt.wantCode == http.StatusOK) {
				t.Errorf("ready = %v", body["ready"])
			}
		})
	}
}

func TestHandleHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &mockAPI{status: types.RunStatus{Phase: types.PhaseIdle}}, nil, "")

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "healthy" || body["phase"] != "idle" {
		t.Errorf("health = %v", body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", resp.StatusCode)
	}
}

func TestWebSocket_SendsStatusOnConnect(t *testing.T) {
	api := &mockAPI{status: types.RunStatus{RunID: "live", Phase: types.PhaseAuditing}}
	srv := newTestServer(t, api, nil, "")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got types.RunStatus
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RunID != "live" || got.Phase != types.PhaseAuditing {
		t.Errorf("status = %+v", got)
	}
}
