// Health BG Sync - Durable Health Sample Sync Daemon
// Copyright 2026 The Momentum (the-momentum)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/the-momentum/health-bg-sync

package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/the-momentum/health-bg-sync/internal/auth"
	"github.com/the-momentum/health-bg-sync/internal/config"
	"github.com/the-momentum/health-bg-sync/internal/events"
	"github.com/the-momentum/health-bg-sync/internal/logging"
	"github.com/the-momentum/health-bg-sync/internal/models"
	"github.com/the-momentum/health-bg-sync/internal/sync"
)

func init() {
	logging.Init(logging.Config{Level: "error", Format: "console", Output: io.Discard})
}

type syncCall struct {
	full   bool
	source string
}

// fakeEngine records control calls and plays back canned results.
type fakeEngine struct {
	mu stdsync.Mutex

	initialized   []config.EndpointConfig
	initErr       error
	authorizeErr  error
	syncCalls     []syncCall
	syncReport    *sync.Report
	syncErr       error
	kickoffCalls  int
	kickoffReport *sync.Report
	kickoffErr    error
	resetCalls    [][]models.TypeID
	resetErr      error
	status        *sync.Status
	statusErr     error
}

func (f *fakeEngine) Initialize(endpoint config.EndpointConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = append(f.initialized, endpoint)
	return nil
}

func (f *fakeEngine) Authorize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorizeErr
}

func (f *fakeEngine) SyncAll(ctx context.Context, fullExport bool, source string) (*sync.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls = append(f.syncCalls, syncCall{full: fullExport, source: source})
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	if f.syncReport != nil {
		return f.syncReport, nil
	}
	return &sync.Report{Source: source, FullExport: fullExport}, nil
}

func (f *fakeEngine) KickoffInitialSync(ctx context.Context) (*sync.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kickoffCalls++
	return f.kickoffReport, f.kickoffErr
}

func (f *fakeEngine) ResetAnchors(types []models.TypeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resetCalls = append(f.resetCalls, types)
	return nil
}

func (f *fakeEngine) Status(ctx context.Context) (*sync.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.status != nil {
		return f.status, nil
	}
	return &sync.Status{Configured: false}, nil
}

func (f *fakeEngine) kickoffCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kickoffCalls
}

func (f *fakeEngine) recordedSyncs() []syncCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncCall(nil), f.syncCalls...)
}

type fakeStore struct {
	mu       stdsync.Mutex
	inserted [][]models.Record
	insertN  int
	pingErr  error
}

func (f *fakeStore) Insert(ctx context.Context, records []models.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, records)
	if f.insertN > 0 {
		return f.insertN, nil
	}
	return len(records), nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

type fakeBackground struct {
	mu      stdsync.Mutex
	running bool
	err     error
}

func (f *fakeBackground) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.running = true
	return nil
}

func (f *fakeBackground) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.running = false
	return nil
}

func (f *fakeBackground) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeUploader struct{ state string }

func (f *fakeUploader) BreakerState() string { return f.state }

func testAPIConfig() *config.Config {
	return &config.Config{
		Trigger: config.TriggerConfig{ProcessingBudget: 2 * time.Second},
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 0, Timeout: 5 * time.Second},
		Security: config.SecurityConfig{
			JWTSecret:         "0123456789abcdef0123456789abcdef",
			ControlToken:      "control-secret",
			TokenTTL:          time.Hour,
			RateLimitDisabled: true,
		},
	}
}

type testDeps struct {
	cfg    *config.Config
	engine *fakeEngine
	store  *fakeStore
	bg     *fakeBackground
	up     *fakeUploader
	hub    *events.Hub
}

func newTestRouter(t *testing.T, deps testDeps) (http.Handler, string) {
	t.Helper()
	if deps.cfg == nil {
		deps.cfg = testAPIConfig()
	}
	if deps.engine == nil {
		deps.engine = &fakeEngine{}
	}
	jwtManager, err := auth.NewJWTManager(&deps.cfg.Security)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}

	var store SampleStore
	if deps.store != nil {
		store = deps.store
	}
	var bg Background
	if deps.bg != nil {
		bg = deps.bg
	}
	var up Uploader
	if deps.up != nil {
		up = deps.up
	}

	handler := NewHandler(deps.cfg, deps.engine, store, bg, up, jwtManager, deps.hub)
	router := NewRouter(handler, jwtManager, deps.cfg).SetupChi()

	token, err := jwtManager.GenerateToken("test-client")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return router, token
}

func doRequest(handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return resp
}

func dataMap(t *testing.T, resp models.APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("response data is %T, want object", resp.Data)
	}
	return m
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestHealthProbes(t *testing.T) {
	router, _ := newTestRouter(t, testDeps{store: &fakeStore{}})

	rec := doRequest(router, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
	if alive := dataMap(t, decodeEnvelope(t, rec))["alive"]; alive != true {
		t.Errorf("alive = %v, want true", alive)
	}

	rec = doRequest(router, http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", rec.Code)
	}
}

func TestHealthReady_StoreDown(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStore
	}{
		{name: "ping fails", store: &fakeStore{pingErr: io.ErrUnexpectedEOF}},
		{name: "no store", store: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, testDeps{store: tt.store})
			rec := doRequest(router, http.MethodGet, "/readyz", "", "")
			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("readyz status = %d, want 503", rec.Code)
			}
			resp := decodeEnvelope(t, rec)
			if resp.Error == nil || resp.Error.Code != "NOT_READY" {
				t.Errorf("error = %+v, want NOT_READY", resp.Error)
			}
		})
	}
}

func TestToken_Exchange(t *testing.T) {
	router, _ := newTestRouter(t, testDeps{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "valid control token",
			body:       `{"control_token":"control-secret","client":"tester"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong control token",
			body:       `{"control_token":"nope"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "INVALID_CONTROL_TOKEN",
		},
		{
			name:       "missing control token",
			body:       `{"client":"tester"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "malformed body",
			body:       `{"control_token":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_JSON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(router, http.MethodPost, "/api/v1/auth/token", "", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			resp := decodeEnvelope(t, rec)
			if tt.wantCode != "" {
				if resp.Error == nil || resp.Error.Code != tt.wantCode {
					t.Errorf("error = %+v, want code %s", resp.Error, tt.wantCode)
				}
				return
			}
			if tok := dataMap(t, resp)["token"]; tok == "" || tok == nil {
				t.Error("expected a token in the response")
			}
		})
	}
}

func TestToken_IssuedTokenOpensControlSurface(t *testing.T) {
	router, _ := newTestRouter(t, testDeps{})

	rec := doRequest(router, http.MethodPost, "/api/v1/auth/token", "", `{"control_token":"control-secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("token mint status = %d", rec.Code)
	}
	token, _ := dataMap(t, decodeEnvelope(t, rec))["token"].(string)
	if token == "" {
		t.Fatal("no token issued")
	}

	rec = doRequest(router, http.MethodGet, "/api/v1/status", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status with minted token = %d, want 200", rec.Code)
	}
}

func TestControlSurface_RequiresToken(t *testing.T) {
	router, _ := newTestRouter(t, testDeps{})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/initialize"},
		{http.MethodPost, "/api/v1/authorization"},
		{http.MethodPost, "/api/v1/sync"},
		{http.MethodPost, "/api/v1/background/start"},
		{http.MethodPost, "/api/v1/background/stop"},
		{http.MethodPost, "/api/v1/anchors/reset"},
		{http.MethodGet, "/api/v1/status"},
		{http.MethodPost, "/api/v1/samples"},
	}
	for _, p := range paths {
		rec := doRequest(router, p.method, p.path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestTokenMint_RateLimited(t *testing.T) {
	cfg := testAPIConfig()
	cfg.Security.RateLimitDisabled = false
	router, _ := newTestRouter(t, testDeps{cfg: cfg})

	var last int
	for i := 0; i < tokenMintLimit+1; i++ {
		rec := doRequest(router, http.MethodPost, "/api/v1/auth/token", "", `{"control_token":"nope"}`)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("request %d status = %d, want 429", tokenMintLimit+1, last)
	}
}

func TestInitialize(t *testing.T) {
	engine := &fakeEngine{}
	router, token := newTestRouter(t, testDeps{engine: engine})

	body := `{"url":"https://ingest.example.com/v1/batches","auth_token":"remote-secret","device_id":"watch-7","tracked_types":["heart_rate","step_count"]}`
	rec := doRequest(router, http.MethodPost, "/api/v1/initialize", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	data := dataMap(t, decodeEnvelope(t, rec))
	if data["endpoint_key"] == "" {
		t.Error("expected endpoint_key in response")
	}
	if data["kickoff_started"] != true {
		t.Errorf("kickoff_started = %v, want true", data["kickoff_started"])
	}

	engine.mu.Lock()
	initialized := append([]config.EndpointConfig(nil), engine.initialized...)
	engine.mu.Unlock()
	if len(initialized) != 1 {
		t.Fatalf("engine initialized %d times, want 1", len(initialized))
	}
	ep := initialized[0]
	if ep.URL != "https://ingest.example.com/v1/batches" || ep.DeviceID != "watch-7" || ep.Token != "remote-secret" {
		t.Errorf("endpoint = %+v", ep)
	}
	if len(ep.TrackedTypes) != 2 {
		t.Errorf("tracked types = %v", ep.TrackedTypes)
	}

	// The kickoff runs detached from the request.
	waitUntil(t, 2*time.Second, func() bool { return engine.kickoffCount() == 1 })
}

func TestInitialize_DefaultsDeviceID(t *testing.T) {
	engine := &fakeEngine{}
	router, token := newTestRouter(t, testDeps{engine: engine})

	body := `{"url":"https://ingest.example.com","auth_token":"s","tracked_types":["heart_rate"]}`
	rec := doRequest(router, http.MethodPost, "/api/v1/initialize", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.initialized) != 1 || engine.initialized[0].DeviceID == "" {
		t.Errorf("expected a defaulted device id, got %+v", engine.initialized)
	}
}

func TestInitialize_RejectsInvalidBody(t *testing.T) {
	engine := &fakeEngine{}
	router, token := newTestRouter(t, testDeps{engine: engine})

	tests := []struct {
		name string
		body string
	}{
		{name: "bad url", body: `{"url":"not a url","auth_token":"s","tracked_types":["heart_rate"]}`},
		{name: "no tracked types", body: `{"url":"https://ingest.example.com","auth_token":"s","tracked_types":[]}`},
		{name: "missing auth token", body: `{"url":"https://ingest.example.com","tracked_types":["heart_rate"]}`},
		{name: "unknown field", body: `{"url":"https://ingest.example.com","auth_token":"s","tracked_types":["heart_rate"],"bogus":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(router, http.MethodPost, "/api/v1/initialize", token, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.initialized) != 0 {
		t.Errorf("invalid requests mutated the engine: %+v", engine.initialized)
	}
}

func TestAuthorization(t *testing.T) {
	tests := []struct {
		name        string
		engine      *fakeEngine
		wantStatus  int
		wantGranted bool
	}{
		{name: "granted", engine: &fakeEngine{}, wantStatus: http.StatusOK, wantGranted: true},
		{name: "denied", engine: &fakeEngine{authorizeErr: io.ErrUnexpectedEOF}, wantStatus: http.StatusOK, wantGranted: false},
		{name: "unconfigured", engine: &fakeEngine{authorizeErr: sync.ErrNotConfigured}, wantStatus: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, token := newTestRouter(t, testDeps{engine: tt.engine})
			rec := doRequest(router, http.MethodPost, "/api/v1/authorization", token, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if granted := dataMap(t, decodeEnvelope(t, rec))["granted"]; granted != tt.wantGranted {
				t.Errorf("granted = %v, want %v", granted, tt.wantGranted)
			}
		})
	}
}

func TestSyncNow_RunsPendingKickoffFirst(t *testing.T) {
	engine := &fakeEngine{kickoffReport: &sync.Report{Source: sync.SourceInitial, FullExport: true}}
	router, token := newTestRouter(t, testDeps{engine: engine})

	rec := doRequest(router, http.MethodPost, "/api/v1/sync", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	data := dataMap(t, decodeEnvelope(t, rec))
	if data["full_export"] != true || data["source"] != sync.SourceInitial {
		t.Errorf("report = %v, want the initial export report", data)
	}
	if calls := engine.recordedSyncs(); len(calls) != 0 {
		t.Errorf("incremental run also fired: %+v", calls)
	}
}

func TestSyncNow_IncrementalWhenKickoffDone(t *testing.T) {
	engine := &fakeEngine{} // kickoff returns (nil, nil): already complete
	router, token := newTestRouter(t, testDeps{engine: engine})

	rec := doRequest(router, http.MethodPost, "/api/v1/sync", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	calls := engine.recordedSyncs()
	if len(calls) != 1 || calls[0].full || calls[0].source != sync.SourceManual {
		t.Errorf("sync calls = %+v, want one incremental manual run", calls)
	}
}

func TestSyncNow_ExplicitFull(t *testing.T) {
	engine := &fakeEngine{}
	router, token := newTestRouter(t, testDeps{engine: engine})

	rec := doRequest(router, http.MethodPost, "/api/v1/sync", token, `{"full":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	calls := engine.recordedSyncs()
	if len(calls) != 1 || !calls[0].full || calls[0].source != sync.SourceManual {
		t.Errorf("sync calls = %+v, want one full manual run", calls)
	}
	if engine.kickoffCount() != 0 {
		t.Errorf("explicit full run also consulted the kickoff")
	}
}

func TestSyncNow_Unconfigured(t *testing.T) {
	engine := &fakeEngine{kickoffErr: sync.ErrNotConfigured}
	router, token := newTestRouter(t, testDeps{engine: engine})

	rec := doRequest(router, http.MethodPost, "/api/v1/sync", token, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error == nil || resp.Error.Code != "NOT_CONFIGURED" {
		t.Errorf("error = %+v, want NOT_CONFIGURED", resp.Error)
	}
}

func TestBackgroundToggle(t *testing.T) {
	bg := &fakeBackground{}
	router, token := newTestRouter(t, testDeps{bg: bg})

	rec := doRequest(router, http.MethodPost, "/api/v1/background/start", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	if running := dataMap(t, decodeEnvelope(t, rec))["running"]; running != true {
		t.Errorf("running after start = %v, want true", running)
	}

	rec = doRequest(router, http.MethodPost, "/api/v1/background/stop", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}
	if running := dataMap(t, decodeEnvelope(t, rec))["running"]; running != false {
		t.Errorf("running after stop = %v, want false", running)
	}
}

func TestAnchorsReset(t *testing.T) {
	engine := &fakeEngine{}
	router, token := newTestRouter(t, testDeps{engine: engine})

	rec := doRequest(router, http.MethodPost, "/api/v1/anchors/reset", token, `{"types":["heart_rate"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	engine.mu.Lock()
	calls := append([][]models.TypeID(nil), engine.resetCalls...)
	engine.mu.Unlock()
	if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0] != "heart_rate" {
		t.Errorf("reset calls = %+v", calls)
	}
}

func TestAnchorsReset_EmptyBodyResetsAll(t *testing.T) {
	engine := &fakeEngine{status: &sync.Status{
		Configured:   true,
		TrackedTypes: []string{"heart_rate", "step_count"},
	}}
	router, token := newTestRouter(t, testDeps{engine: engine})

	rec := doRequest(router, http.MethodPost, "/api/v1/anchors/reset", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	engine.mu.Lock()
	calls := append([][]models.TypeID(nil), engine.resetCalls...)
	engine.mu.Unlock()
	if len(calls) != 1 || len(calls[0]) != 0 {
		t.Errorf("reset calls = %+v, want one call with no explicit types", calls)
	}

	data := dataMap(t, decodeEnvelope(t, rec))
	reset, _ := data["reset"].([]interface{})
	if len(reset) != 2 {
		t.Errorf("reset list = %v, want both tracked types", data["reset"])
	}
}

func TestStatus(t *testing.T) {
	engine := &fakeEngine{status: &sync.Status{
		Configured:     true,
		EndpointKey:    "ab12cd34ef56ab78",
		TrackedTypes:   []string{"heart_rate"},
		FullExportDone: true,
		PendingUploads: 3,
	}}
	router, token := newTestRouter(t, testDeps{engine: engine, up: &fakeUploader{state: "closed"}})

	rec := doRequest(router, http.MethodGet, "/api/v1/status", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	data := dataMap(t, decodeEnvelope(t, rec))
	if data["configured"] != true || data["endpoint_key"] != "ab12cd34ef56ab78" {
		t.Errorf("status data = %v", data)
	}
	if data["pending_uploads"] != float64(3) {
		t.Errorf("pending_uploads = %v, want 3", data["pending_uploads"])
	}
	if data["breaker_state"] != "closed" {
		t.Errorf("breaker_state = %v, want closed", data["breaker_state"])
	}
}

func TestSamplesIngest(t *testing.T) {
	store := &fakeStore{}
	router, token := newTestRouter(t, testDeps{store: store})

	body := `{"samples":[
		{"type":"heart_rate","start":"2026-08-22T10:00:00Z","end":"2026-08-22T10:00:00Z","value":71,"unit":"bpm"},
		{"id":"fixed-id","type":"step_count","start":"2026-08-22T09:00:00Z","end":"2026-08-22T10:00:00Z","value":950}
	]}`
	rec := doRequest(router, http.MethodPost, "/api/v1/samples", token, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if inserted := dataMap(t, decodeEnvelope(t, rec))["inserted"]; inserted != float64(2) {
		t.Errorf("inserted = %v, want 2", inserted)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserted) != 1 || len(store.inserted[0]) != 2 {
		t.Fatalf("store received %+v", store.inserted)
	}
	if store.inserted[0][1].ID != "fixed-id" {
		t.Errorf("record id = %q, want fixed-id", store.inserted[0][1].ID)
	}
}

func TestSamplesIngest_RejectsBadPayloads(t *testing.T) {
	store := &fakeStore{}
	router, token := newTestRouter(t, testDeps{store: store})

	tests := []struct {
		name string
		body string
	}{
		{name: "empty batch", body: `{"samples":[]}`},
		{name: "missing type", body: `{"samples":[{"start":"2026-08-22T10:00:00Z","end":"2026-08-22T10:00:00Z","value":1}]}`},
		{name: "end before start", body: `{"samples":[{"type":"heart_rate","start":"2026-08-22T10:00:00Z","end":"2026-08-22T09:00:00Z","value":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(router, http.MethodPost, "/api/v1/samples", token, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserted) != 0 {
		t.Errorf("rejected payloads reached the store: %+v", store.inserted)
	}
}
