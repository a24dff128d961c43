package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pingx/internal/metrics"
	"pingx/internal/pkg/httpclient"
)

// Config holds what is needed to reach one panel.
type Config struct {
	BaseURL            string
	Username           string
	Password           string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Configured reports whether enough is set to open a session.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.Username) != "" && c.Password != ""
}

// Session is the authenticated channel to one 3x-ui style panel.
// One Session is shared by the whole process; a nil *Session means the
// panel is not configured and every caller is expected to check Enabled.
type Session struct {
	baseURL  string
	username string
	password string
	http     *httpclient.Client
	logger   *zap.Logger

	mu         sync.Mutex
	loggedIn   bool
	generation uint64
}

// NewSession builds a session. It does not log in; the first call does.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	client := httpclient.New().
		WithTimeout(timeout).
		WithBaseURL(base).
		WithHeader("Accept", "application/json")
	if cfg.InsecureSkipVerify {
		client.WithInsecureSkipVerify()
	}
	return &Session{
		baseURL:  base,
		username: strings.TrimSpace(cfg.Username),
		password: cfg.Password,
		http:     client,
		logger:   logger.Named("panel"),
	}
}

// Enabled reports whether a panel is configured. Safe on a nil receiver.
func (s *Session) Enabled() bool {
	return s != nil
}

// Host returns the panel hostname without scheme or port.
func (s *Session) Host() string {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

type loginCandidate struct {
	path     string
	encoding Encoding
}

var loginCandidates = []loginCandidate{
	{path: "/login", encoding: EncodingForm},
	{path: "/panel/login", encoding: EncodingForm},
	{path: "/panel/api/login", encoding: EncodingJSON},
}

// Authenticate logs in against each known login endpoint in order and keeps
// the first session that is accepted.
func (s *Session) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

func (s *Session) loginLocked(ctx context.Context) error {
	s.loggedIn = false
	s.http.ResetCookies()

	creds := map[string]string{"username": s.username, "password": s.password}
	var lastErr error
	for _, cand := range loginCandidates {
		req := s.http.Request().SetContext(ctx)
		if cand.encoding == EncodingJSON {
			req.SetHeader("Content-Type", "application/json").SetBody(creds)
		} else {
			req.SetFormData(creds)
		}
		resp, err := req.Post(cand.path)
		if err != nil {
			lastErr = err
			continue
		}
		status := resp.StatusCode()
		switch status {
		case http.StatusOK, http.StatusNoContent, http.StatusFound, http.StatusSeeOther:
		default:
			lastErr = fmt.Errorf("%s -> %d %s", cand.path, status, truncate(resp.String(), 200))
			continue
		}
		r := &Response{Status: status, Header: resp.Header(), Body: resp.Body(), Path: cand.path}
		if env, err := r.Envelope(); err == nil && env.Success != nil && !*env.Success {
			lastErr = fmt.Errorf("%s -> rejected: %s", cand.path, env.Msg)
			continue
		}
		s.loggedIn = true
		s.generation++
		metrics.PanelLogins.WithLabelValues("ok").Inc()
		s.logger.Debug("Panel login succeeded", zap.String("path", cand.path))
		return nil
	}
	metrics.PanelLogins.WithLabelValues("failed").Inc()
	return fmt.Errorf("%w: %v", ErrAuth, lastErr)
}

// ensure logs in lazily and returns the generation of the live session.
func (s *Session) ensure(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn {
		if err := s.loginLocked(ctx); err != nil {
			return 0, err
		}
	}
	return s.generation, nil
}

// invalidate drops the session unless another caller already replaced it.
func (s *Session) invalidate(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.loggedIn = false
		s.http.ResetCookies()
	}
}

// Execute runs one strategy on an authenticated session. A response that is
// really the login page (401, or HTML where JSON was expected) is treated as
// an expired session: the session is dropped, re-established once and the
// call is retried exactly once.
func (s *Session) Execute(ctx context.Context, st Strategy) (*Response, error) {
	gen, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, st)
	if err != nil {
		return nil, err
	}
	if !resp.looksLikeLogin() {
		return resp, resp.statusErr(st.Method)
	}

	s.logger.Info("Panel session expired, re-authenticating",
		zap.String("method", st.Method),
		zap.String("path", st.Path),
		zap.Int("status", resp.Status),
	)
	metrics.PanelSessionExpiries.Inc()
	s.invalidate(gen)

	gen, err = s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	resp, err = s.do(ctx, st)
	if err != nil {
		return nil, err
	}
	if resp.looksLikeLogin() {
		s.invalidate(gen)
		return nil, fmt.Errorf("%s %s: %w", st.Method, st.Path, ErrSessionExpired)
	}
	return resp, resp.statusErr(st.Method)
}

func (s *Session) do(ctx context.Context, st Strategy) (*Response, error) {
	req := s.http.Request().SetContext(ctx)
	if len(st.Query) > 0 {
		req.SetQueryParams(st.Query)
	}
	switch st.Encoding {
	case EncodingJSON:
		req.SetHeader("Content-Type", "application/json").SetBody(st.JSON)
	case EncodingForm:
		req.SetFormData(st.Form)
	}

	started := time.Now()
	resp, err := req.Execute(st.Method, st.Path)
	if err != nil {
		metrics.PanelRequests.WithLabelValues(st.Method, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", st.Method, st.Path, err)
	}
	metrics.PanelRequests.WithLabelValues(st.Method, statusClass(resp.StatusCode())).Inc()
	metrics.PanelLatency.WithLabelValues(st.Method).Observe(time.Since(started).Seconds())

	return &Response{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   resp.Body(),
		Path:   st.Path,
	}, nil
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// Response is a raw panel answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Path   string
}

// Envelope is the common {"success","msg","obj"} wrapper. Some panel builds
// put the payload under "data" or "inbounds" instead of "obj".
type Envelope struct {
	Success  *bool           `json:"success"`
	Msg      string          `json:"msg"`
	Obj      json.RawMessage `json:"obj"`
	Data     json.RawMessage `json:"data"`
	Inbounds json.RawMessage `json:"inbounds"`
}

// Payload returns the first non-empty payload field.
func (e *Envelope) Payload() json.RawMessage {
	for _, raw := range []json.RawMessage{e.Obj, e.Data, e.Inbounds} {
		if len(raw) > 0 && string(raw) != "null" {
			return raw
		}
	}
	return nil
}

// Envelope decodes the body as a JSON envelope.
func (r *Response) Envelope() (*Envelope, error) {
	body := bytes.TrimSpace(r.Body)
	if len(body) == 0 {
		return &Envelope{}, nil
	}
	if body[0] != '{' {
		return nil, fmt.Errorf("%w: %s is not a JSON object", ErrBadResponse, r.Path)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadResponse, r.Path, err)
	}
	return &env, nil
}

func (r *Response) isHTML() bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/html") {
		return true
	}
	body := bytes.TrimSpace(r.Body)
	return len(body) > 0 && body[0] == '<'
}

// looksLikeLogin detects an expired session. 401 always counts; an HTML body
// counts unless the status already says the route itself failed.
func (r *Response) looksLikeLogin() bool {
	if r.Status == http.StatusUnauthorized {
		return true
	}
	return r.Status < 400 && r.isHTML()
}

func (r *Response) statusErr(method string) error {
	if r.Status < 400 {
		return nil
	}
	return &HTTPError{Method: method, Path: r.Path, Status: r.Status, Body: truncate(string(r.Body), 200)}
}
