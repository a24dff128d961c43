package httpclient

import (
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client wraps resty for HTTP requests to the proxy panel.
// Cookies are kept in a jar so a panel login survives between calls.
type Client struct {
	r   *resty.Client
	jar *Jar
}

// New creates a new HTTP client with sensible defaults.
// Automatic retries are disabled: callers own their retry budget.
func New() *Client {
	r := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(0)

	jar := NewJar()
	r.SetCookieJar(jar)
	return &Client{r: r, jar: jar}
}

// WithTimeout sets a custom timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.r.SetTimeout(d)
	return c
}

// WithBaseURL sets the base URL all relative request paths resolve against.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.r.SetBaseURL(baseURL)
	return c
}

// WithHeader sets a custom header.
func (c *Client) WithHeader(key, value string) *Client {
	c.r.SetHeader(key, value)
	return c
}

// WithInsecureSkipVerify disables TLS verification.
// Self-hosted panels commonly run behind self-signed certificates.
func (c *Client) WithInsecureSkipVerify() *Client {
	c.r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	return c
}

// ResetCookies drops every stored cookie. Safe to call while requests are
// in flight.
func (c *Client) ResetCookies() {
	c.jar.Reset()
}

// Jar is an http.CookieJar whose contents can be cleared in place. The
// http.Client keeps the same jar for its whole life.
type Jar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

// NewJar returns an empty Jar.
func NewJar() *Jar {
	j := &Jar{}
	j.Reset()
	return j
}

// Reset forgets every cookie.
func (j *Jar) Reset() {
	fresh, _ := cookiejar.New(nil)
	j.mu.Lock()
	j.jar = fresh
	j.mu.Unlock()
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

// Request returns a new resty Request for chaining.
func (c *Client) Request() *resty.Request {
	return c.r.R()
}
