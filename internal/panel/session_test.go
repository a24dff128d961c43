package panel_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"pingx/internal/panel"
	"pingx/internal/panel/paneltest"
)

func newSession(t *testing.T, srv *paneltest.Server) *panel.Session {
	t.Helper()
	return panel.NewSession(panel.Config{
		BaseURL:  srv.URL,
		Username: srv.Username,
		Password: srv.Password,
	}, zap.NewNop())
}

func TestAuthenticateFallsThroughCandidates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/panel/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"msg":"use the api"}`))
	})
	mux.HandleFunc("/panel/api/login", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds["username"] != "admin" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := panel.NewSession(panel.Config{BaseURL: srv.URL, Username: "admin", Password: "x"}, zap.NewNop())
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
}

func TestAuthenticateAllCandidatesFail(t *testing.T) {
	srv := paneltest.New(t)
	s := panel.NewSession(panel.Config{BaseURL: srv.URL, Username: "admin", Password: "wrong"}, zap.NewNop())

	err := s.Authenticate(context.Background())
	if !errors.Is(err, panel.ErrAuth) {
		t.Fatalf("Authenticate() error = %v, want ErrAuth", err)
	}
}

func TestExecuteReauthenticatesOnLoginPage(t *testing.T) {
	srv := paneltest.New(t)
	srv.AddInbound(5, "main")
	s := newSession(t, srv)
	ctx := context.Background()

	if _, err := s.ListInbounds(ctx); err != nil {
		t.Fatalf("first ListInbounds() error = %v", err)
	}
	srv.ExpireSessions()

	list, err := s.ListInbounds(ctx)
	if err != nil {
		t.Fatalf("ListInbounds() after expiry error = %v", err)
	}
	if len(list) != 1 || list[0].ID != 5 {
		t.Fatalf("ListInbounds() = %+v, want inbound 5", list)
	}
	if got := srv.Logins(); got != 2 {
		t.Fatalf("logins = %d, want 2", got)
	}
}

func TestExecuteRetriesOnlyOnce(t *testing.T) {
	var logins, calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&logins, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("/panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>login</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := panel.NewSession(panel.Config{BaseURL: srv.URL, Username: "a", Password: "b"}, zap.NewNop())
	_, err := s.Execute(context.Background(), panel.Strategy{Method: http.MethodGet, Path: "/panel/api/inbounds/get/1"})
	if !errors.Is(err, panel.ErrSessionExpired) {
		t.Fatalf("Execute() error = %v, want ErrSessionExpired", err)
	}
	if logins != 2 || calls != 2 {
		t.Fatalf("logins=%d calls=%d, want 2 and 2", logins, calls)
	}
}

func TestExecuteSurfacesHTTPError(t *testing.T) {
	srv := paneltest.New(t)
	s := newSession(t, srv)

	_, err := s.Execute(context.Background(), panel.Strategy{Method: http.MethodGet, Path: "/panel/api/nope"})
	var httpErr *panel.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusNotFound {
		t.Fatalf("Execute() error = %v, want 404 HTTPError", err)
	}
	if srv.Logins() != 1 {
		t.Fatalf("logins = %d, want 1", srv.Logins())
	}
}

func TestNilSessionIsDisabled(t *testing.T) {
	var s *panel.Session
	if s.Enabled() {
		t.Fatal("nil session reports enabled")
	}
}

// Run with -race: logins reset the cookie jar while other callers use the
// same session.
func TestSessionSharedAcrossGoroutines(t *testing.T) {
	srv := paneltest.New(t)
	srv.AddInbound(5, "main")
	s := newSession(t, srv)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if err := s.Authenticate(ctx); err != nil {
				t.Errorf("Authenticate() error = %v", err)
				return
			}
		}
	}()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				// a reset can land between login and call; only the race matters here
				_, _ = s.ListInbounds(ctx)
			}
		}()
	}
	wg.Wait()

	if _, err := s.ListInbounds(ctx); err != nil {
		t.Fatalf("ListInbounds() after concurrent logins error = %v", err)
	}
}
