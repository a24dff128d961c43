package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pingx/internal/handler/api"
	"pingx/internal/pkg/testdb"
	"pingx/internal/subscription"
)

func newServer(t *testing.T, webhook http.Handler) *echo.Echo {
	t.Helper()
	repos := subscription.NewRepos(testdb.Open(t))
	svc := subscription.NewService(subscription.Config{InboundID: testdb.InboundID}, nil, repos, nil, nil, zap.NewNop())
	e := echo.New()
	Setup(e, &api.Deps{Service: svc, Repos: repos}, zap.NewNop(), "key", nil, webhook)
	return e
}

func do(e *echo.Echo, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Token", token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	e := newServer(t, nil)

	if rec := do(e, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"panel_enabled":false`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(e, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/wallet", "", `{"actions":"balance","user_id":1}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/wallet", "key", `{"actions":"balance","user_id":1}`); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":true`) {
		t.Fatalf("wallet = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(e, http.MethodPost, "/bot/webhook", "", `{}`); rec.Code != http.StatusNotFound {
		t.Fatalf("webhook without bot = %d, want 404", rec.Code)
	}
}

func TestWebhookRoute(t *testing.T) {
	hits := 0
	e := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	// httptest requests come from 192.0.2.1, outside Telegram's ranges
	if rec := do(e, http.MethodPost, "/bot/webhook", "", `{"update_id":1}`); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign ip status = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/bot/webhook", strings.NewReader(`{"update_id":1}`))
	req.RemoteAddr = "149.154.167.1:443"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || hits != 1 {
		t.Fatalf("telegram ip status = %d hits = %d", rec.Code, hits)
	}
}
