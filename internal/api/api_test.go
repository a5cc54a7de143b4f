// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quaverhq/quaver/internal/auth"
	"github.com/quaverhq/quaver/internal/config"
	"github.com/quaverhq/quaver/internal/history"
	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/models"
	"github.com/quaverhq/quaver/internal/provider"
	"github.com/quaverhq/quaver/internal/push"
	"github.com/quaverhq/quaver/internal/queue"
	"github.com/quaverhq/quaver/internal/registry"
	"github.com/quaverhq/quaver/internal/scheduler"
	ws "github.com/quaverhq/quaver/internal/websocket"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

type apiClient struct {
	mu   sync.Mutex
	user *models.User
}

func (c *apiClient) Login(_ context.Context, creds provider.Credentials) (*models.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if creds.ARL != "good-arl" {
		return nil, provider.NewError(provider.KindAuth, provider.CodeInvalidCredentials, errors.New("rejected"))
	}
	c.user = &models.User{ID: "7", Name: "listener", Plan: "premium"}
	return c.user, nil
}

func (c *apiClient) IsLoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user != nil
}

func (c *apiClient) CurrentUser() *models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *apiClient) FetchMetadata(_ context.Context, target models.Target) (*provider.Metadata, error) {
	return &provider.Metadata{
		Target: target,
		Tracks: []provider.TrackInfo{
			{ID: target.ID, Title: "Track", Artist: "Artist", Album: "Album", TrackNumber: 1},
		},
	}, nil
}

func (c *apiClient) FetchFavorites(context.Context) (*provider.Favorites, error) {
	return &provider.Favorites{
		Playlists: []provider.CollectionInfo{{ID: "p1", Title: "Mix"}},
	}, nil
}

func (c *apiClient) Download(context.Context, provider.DownloadRequest) error {
	return errors.New("not downloading in api tests")
}

type env struct {
	server  *httptest.Server
	queue   *queue.Queue
	reg     *registry.Registry
	cookies []*http.Cookie
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			CORSOrigins:     []string{"*"},
			RateLimit:       1000,
			RateLimitWindow: time.Minute,
		},
		Downloads: config.DownloadsConfig{
			Concurrency:        2,
			SessionConcurrency: 2,
			MaxAttempts:        3,
			BackoffBase:        time.Second,
			BackoffCap:         time.Minute,
			AttemptTimeout:     time.Minute,
			Directory:          t.TempDir(),
			Quality:            "mp3_320",
		},
		Sessions: config.SessionsConfig{
			IdleTimeout: 30 * time.Minute,
			TokenSecret: "0123456789abcdef0123456789abcdef",
			TokenTTL:    time.Hour,
			SingleUser:  false,
		},
	}

	reg := registry.New(func() provider.Client { return &apiClient{} }, nil)
	channel := push.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = channel.Serve(ctx) }()

	q := queue.New(queue.Limits{Global: cfg.Downloads.Concurrency, PerSession: cfg.Downloads.SessionConcurrency}, channel)
	hist, err := history.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	sched := scheduler.New(cfg, q, reg, hist, hist, nil)
	hub := ws.NewHub(channel, q, reg.Touch)
	go func() { _ = hub.Run(ctx) }()

	tokens := auth.NewTokenManager(cfg.Sessions.TokenSecret, cfg.Sessions.TokenTTL)
	handler := NewHandler(cfg, reg, q, sched, hub, hist)
	server := httptest.NewServer(NewRouter(handler, tokens))
	t.Cleanup(server.Close)

	return &env{server: server, queue: q, reg: reg}
}

// do issues a request, carrying the session cookie across calls.
func (e *env) do(t *testing.T, method, path string, body interface{}) (*http.Response, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for _, c := range e.cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		e.cookies = cookies
	}
	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	_ = resp.Body.Close()
	return resp, envelope
}

func decodeData(t *testing.T, envelope APIResponse, out interface{}) {
	t.Helper()
	data, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatalf("re-marshal data: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func (e *env) login(t *testing.T) {
	t.Helper()
	resp, envelope := e.do(t, http.MethodPost, "/api/login", loginRequest{ARL: "good-arl"})
	if resp.StatusCode != http.StatusOK || !envelope.Success {
		t.Fatalf("login status = %d, envelope = %+v", resp.StatusCode, envelope)
	}
}

func TestConnectMintsSessionCookie(t *testing.T) {
	e := newEnv(t)

	resp, envelope := e.do(t, http.MethodGet, "/api/connect", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(e.cookies) == 0 {
		t.Fatal("no session cookie minted")
	}

	var data connectResponse
	decodeData(t, envelope, &data)
	if data.Session.LoginState != models.LoginAnonymous {
		t.Fatalf("login state = %q, want anonymous", data.Session.LoginState)
	}
	if data.Queue == nil || len(data.Queue.Jobs) != 0 {
		t.Fatalf("queue = %+v, want empty", data.Queue)
	}
	if data.Version == "" {
		t.Fatal("version missing from handshake")
	}
	if data.Autologin {
		t.Fatal("autologin reported available in multi-user mode")
	}
}

func TestConnectIsStableAcrossRequests(t *testing.T) {
	e := newEnv(t)

	var first, second connectResponse
	_, envelope := e.do(t, http.MethodGet, "/api/connect", nil)
	decodeData(t, envelope, &first)
	_, envelope = e.do(t, http.MethodGet, "/api/connect", nil)
	decodeData(t, envelope, &second)

	if first.Session.SessionID != second.Session.SessionID {
		t.Fatal("session ID changed between requests with the same cookie")
	}
	if e.reg.Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", e.reg.Len())
	}
}

func TestLoginFlow(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)
	e.login(t)

	var data connectResponse
	_, envelope := e.do(t, http.MethodGet, "/api/connect", nil)
	decodeData(t, envelope, &data)
	if data.Session.LoginState != models.LoginAuthenticated {
		t.Fatalf("login state = %q, want authenticated", data.Session.LoginState)
	}
	if data.Session.User == nil || data.Session.User.Name != "listener" {
		t.Fatalf("user = %+v", data.Session.User)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)

	resp, envelope := e.do(t, http.MethodPost, "/api/login", loginRequest{ARL: "bad"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("error = %+v", envelope.Error)
	}
}

func TestLoginRequiresARL(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/login", loginRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEnqueueAndList(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)
	e.login(t)

	resp, envelope := e.do(t, http.MethodPost, "/api/downloads", enqueueRequest{
		Targets: []models.Target{{Type: models.TargetTrack, ID: "t1"}},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var jobs []*models.Job
	decodeData(t, envelope, &jobs)
	if len(jobs) != 1 || jobs[0].State != models.JobQueued {
		t.Fatalf("jobs = %+v", jobs)
	}

	_, envelope = e.do(t, http.MethodGet, "/api/downloads", nil)
	var snap models.QueueSnapshot
	decodeData(t, envelope, &snap)
	if len(snap.Jobs) != 1 || snap.Jobs[0].ID != jobs[0].ID {
		t.Fatalf("snapshot = %+v", snap.Jobs)
	}
}

func TestEnqueueWithoutLogin(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)

	resp, _ := e.do(t, http.MethodPost, "/api/downloads", enqueueRequest{
		Targets: []models.Target{{Type: models.TargetTrack, ID: "t1"}},
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestEnqueueValidation(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)
	e.login(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty targets", enqueueRequest{}},
		{"unknown type", enqueueRequest{Targets: []models.Target{{Type: "podcast", ID: "x"}}}},
		{"missing id", enqueueRequest{Targets: []models.Target{{Type: models.TargetTrack}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := e.do(t, http.MethodPost, "/api/downloads", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestCancelDownload(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)
	e.login(t)

	_, envelope := e.do(t, http.MethodPost, "/api/downloads", enqueueRequest{
		Targets: []models.Target{{Type: models.TargetTrack, ID: "t1"}},
	})
	var jobs []*models.Job
	decodeData(t, envelope, &jobs)

	resp, _ := e.do(t, http.MethodDelete, "/api/downloads/"+jobs[0].ID, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	job, _ := e.queue.Get(jobs[0].ID)
	if job.State != models.JobCancelled {
		t.Fatalf("state = %q, want cancelled", job.State)
	}

	// A second cancel conflicts.
	resp, _ = e.do(t, http.MethodDelete, "/api/downloads/"+jobs[0].ID, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)

	resp, _ := e.do(t, http.MethodDelete, "/api/downloads/nonexistent", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelForeignJobIsHidden(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)
	e.login(t)
	_, envelope := e.do(t, http.MethodPost, "/api/downloads", enqueueRequest{
		Targets: []models.Target{{Type: models.TargetTrack, ID: "t1"}},
	})
	var jobs []*models.Job
	decodeData(t, envelope, &jobs)

	// A different browser (no cookie) must not see the first session's job.
	other := &env{server: e.server}
	other.do(t, http.MethodGet, "/api/connect", nil)
	resp, _ := other.do(t, http.MethodDelete, "/api/downloads/"+jobs[0].ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFavoritesRequiresLogin(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)

	resp, _ := e.do(t, http.MethodGet, "/api/favorites", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestFavorites(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)
	e.login(t)

	resp, envelope := e.do(t, http.MethodGet, "/api/favorites", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var favorites provider.Favorites
	decodeData(t, envelope, &favorites)
	if len(favorites.Playlists) != 1 || favorites.Playlists[0].ID != "p1" {
		t.Fatalf("favorites = %+v", favorites)
	}
}

func TestHistoryEmpty(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)

	resp, envelope := e.do(t, http.MethodGet, "/api/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var entries []history.Entry
	decodeData(t, envelope, &entries)
	if len(entries) != 0 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestHistoryLimitValidation(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)

	resp, _ := e.do(t, http.MethodGet, "/api/history?limit=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/api/health/live", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live status = %d", resp.StatusCode)
	}
	resp, envelope := e.do(t, http.MethodGet, "/api/health/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
	if !envelope.Success {
		t.Fatalf("envelope = %+v", envelope)
	}
}

func TestLogoutCancelsJobs(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/connect", nil)
	e.login(t)
	e.do(t, http.MethodPost, "/api/downloads", enqueueRequest{
		Targets: []models.Target{{Type: models.TargetTrack, ID: "t1"}},
	})

	resp, _ := e.do(t, http.MethodPost, "/api/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var data connectResponse
	_, envelope := e.do(t, http.MethodGet, "/api/connect", nil)
	decodeData(t, envelope, &data)
	if data.Session.LoginState != models.LoginAnonymous {
		t.Fatalf("login state = %q, want anonymous", data.Session.LoginState)
	}
	if len(data.Queue.Jobs) != 0 {
		t.Fatalf("queue after logout = %+v", data.Queue.Jobs)
	}
}
