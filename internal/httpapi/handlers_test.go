package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"sbc-router/internal/audit"
	"sbc-router/internal/auth"
	"sbc-router/internal/calls"
	"sbc-router/internal/config"
	"sbc-router/internal/profiles"
	"sbc-router/internal/resources"
)

type testEnv struct {
	router   *gin.Engine
	ctl      *resources.Controller
	store    *resources.Store
	registry *calls.Registry
	audits   *audit.MemoryRepo
	tokens   *auth.Manager
}

func newTestEnv(t *testing.T, limiter *IPRateLimiter) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := resources.NewStore(resources.NewMemoryBackend("test"), resources.StoreConfig{
		OpTimeout:         200 * time.Millisecond,
		ReconnectInterval: 5 * time.Millisecond,
		HealthInterval:    5 * time.Millisecond,
	}, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = store.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for !store.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("store did not connect")
		}
		time.Sleep(2 * time.Millisecond)
	}

	tokens, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	env := &testEnv{
		router:   gin.New(),
		ctl:      resources.NewController(store, time.Second, nil, log),
		store:    store,
		registry: calls.NewRegistry(),
		audits:   audit.NewMemoryRepo(),
		tokens:   tokens,
	}
	RegisterRoutes(env.router, Handlers{
		Calls:     env.registry,
		Resources: env.ctl,
		Store:     store,
		Audit:     audit.NewService(env.audits),
	}, RouteDeps{Auth: auth.RequireAccessToken(tokens), Limiter: limiter})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if role != "" {
		tok, err := e.tokens.IssueAccess(time.Now(), "noc-1", role, time.Minute)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

var trunk = resources.Spec{Type: 1, ID: 10, Limit: 5, Takes: 1}

func (e *testEnv) reserve(t *testing.T, owner string) *resources.Handle {
	t.Helper()
	out := e.ctl.Get(context.Background(), owner, resources.List{trunk})
	if out.Kind != resources.OutcomeOK || out.Handle == nil {
		t.Fatalf("expected grant, got %s", out.Kind)
	}
	return out.Handle
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["resource_store"] != "connected" {
		t.Fatalf("expected connected store, got %v", body)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, nil)
	var dbErr error
	r := gin.New()
	RegisterRoutes(r, Handlers{
		Store:    env.store,
		Postgres: func(ctx context.Context) error { return dbErr },
	}, RouteDeps{Auth: auth.RequireAccessToken(env.tokens)})

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return w
	}

	if w := get(); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	dbErr = errors.New("postgres: ping: connection refused")
	w := get()
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with the database down, got %d", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["postgres"] != "unreachable" || body["resource_store"] != "connected" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.do(t, http.MethodGet, "/v1/admin/calls", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAdmin_ListAndCountCalls(t *testing.T) {
	env := newTestEnv(t, nil)
	calls.New(profiles.Request{CallID: "c-1", From: "+1", To: "+2"}, calls.Deps{Registry: env.registry})

	w := env.do(t, http.MethodGet, "/v1/admin/calls", "viewer")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Calls []calls.Info `json:"calls"`
	}
	decode(t, w, &list)
	if len(list.Calls) != 1 || list.Calls[0].ID != "c-1" {
		t.Fatalf("unexpected calls: %+v", list.Calls)
	}

	var count struct {
		Count int `json:"count"`
	}
	decode(t, env.do(t, http.MethodGet, "/v1/admin/calls/count", "viewer"), &count)
	if count.Count != 1 {
		t.Fatalf("expected 1 call, got %d", count.Count)
	}
}

func TestAdmin_ListHandlesFiltered(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reserve(t, "tag-a")
	env.reserve(t, "tag-b")

	var body struct {
		Handles []resources.Handle `json:"handles"`
		Count   int                `json:"count"`
	}
	decode(t, env.do(t, http.MethodGet, "/v1/admin/resources/handlers?owner_tag=tag-a", "viewer"), &body)
	if body.Count != 1 || body.Handles[0].Owner != "tag-a" {
		t.Fatalf("unexpected handles: %+v", body)
	}

	decode(t, env.do(t, http.MethodGet, "/v1/admin/resources/handlers?type=1&id=10", "viewer"), &body)
	if body.Count != 2 {
		t.Fatalf("expected 2 handles on trunk, got %d", body.Count)
	}

	if w := env.do(t, http.MethodGet, "/v1/admin/resources/handlers?type=x&id=10", "viewer"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad type, got %d", w.Code)
	}
}

func TestAdmin_ResourceState(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reserve(t, "tag-a")

	var body struct {
		Used int64 `json:"used"`
	}
	w := env.do(t, http.MethodGet, "/v1/admin/resources/state?type=1&id=10", "viewer")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &body)
	if body.Used != 1 {
		t.Fatalf("expected 1 used, got %d", body.Used)
	}
}

func TestAdmin_InvalidateHandle(t *testing.T) {
	env := newTestEnv(t, nil)
	h := env.reserve(t, "tag-a")
	path := "/v1/admin/resources/handlers/" + h.ID + "/invalidate"

	if w := env.do(t, http.MethodPost, path, "viewer"); w.Code != http.StatusForbidden {
		t.Fatalf("expected viewer to be forbidden, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, path, "operator"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if used, _ := env.ctl.Usage(context.Background(), trunk.Type, trunk.ID); used != 0 {
		t.Fatalf("expected trunk released, got %d", used)
	}
	evs := env.audits.ByType(audit.EventTypeInvalidateHandle)
	if len(evs) != 1 || evs[0].HandleID != h.ID || evs[0].OwnerTag != "tag-a" || evs[0].ActorID != "noc-1" {
		t.Fatalf("unexpected audit trail: %+v", evs)
	}

	if w := env.do(t, http.MethodPost, path, "operator"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second invalidate, got %d", w.Code)
	}
}

func TestAdmin_InvalidateAll(t *testing.T) {
	env := newTestEnv(t, nil)
	env.reserve(t, "tag-a")
	env.reserve(t, "tag-b")
	epoch := env.store.Epoch()

	w := env.do(t, http.MethodPost, "/v1/admin/resources/invalidate", "admin")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if env.ctl.HandleCount() != 0 {
		t.Fatalf("expected no handles left")
	}
	if env.store.Epoch() <= epoch {
		t.Fatalf("expected new epoch after invalidation")
	}
	if used, _ := env.ctl.Usage(context.Background(), trunk.Type, trunk.ID); used != 0 {
		t.Fatalf("expected counters cleared, got %d", used)
	}
	if evs := env.audits.ByType(audit.EventTypeInvalidateAll); len(evs) != 1 {
		t.Fatalf("expected one audit event, got %d", len(evs))
	}
}

func TestAdmin_RateLimited(t *testing.T) {
	limiter := NewIPRateLimiter(RateLimitConfig{Rate: rate.Limit(0.001), Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Hour})
	defer limiter.Stop()
	env := newTestEnv(t, limiter)

	if w := env.do(t, http.MethodGet, "/v1/admin/calls/count", "viewer"); w.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", w.Code)
	}
	w := env.do(t, http.MethodGet, "/v1/admin/calls/count", "viewer")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", w.Code)
	}
}

func TestIPRateLimiter_Cleanup(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{Rate: rate.Limit(10), Burst: 10, CleanupInterval: time.Hour, MaxAge: time.Minute})
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	rl.cleanup(time.Now().Add(2 * time.Minute))

	rl.mu.Lock()
	n := len(rl.entries)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected stale entry removed, got %d", n)
	}
}
