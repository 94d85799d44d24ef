package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"reelfetch/internal"
)

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	// Timeout bounds a whole exchange including the body; zero leaves it to the caller's context
	Timeout    time.Duration
	ProxyURL   string
	UserAgents []string
}

// HTTPClient is the one outbound client shared by login, strategies and downloads,
// so every upstream call goes through the same proxy and header set
type HTTPClient struct {
	client       *http.Client
	userAgent    string
	userAgents   []string
	userAgentIdx int
	mutex        sync.RWMutex
}

// Request describes one outbound call
type Request struct {
	Method  string
	URL     string
	Body    io.Reader
	Headers map[string]string
	// Cookies attached to the request; a non-empty set marks the call as authenticated
	Cookies []*http.Cookie
}

// defaultUserAgents are desktop browsers; anonymous 403s rotate through them
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/120.0",
}

// NewHTTPClient creates a new HTTP client with default configuration
func NewHTTPClient() *HTTPClient {
	client, _ := NewHTTPClientWithConfig(&HTTPClientConfig{Timeout: 30 * time.Second})
	return client
}

// NewHTTPClientWithConfig builds the shared client. An unusable proxy is an
// error: going direct instead would leak the caller's address.
func NewHTTPClientWithConfig(config *HTTPClientConfig) (*HTTPClient, error) {
	transport := newTransport()
	if config.ProxyURL != "" {
		dial, via, err := proxyRoute(config.ProxyURL)
		if err != nil {
			return nil, err
		}
		if dial != nil {
			transport.DialContext = dial
		}
		transport.Proxy = via
	}

	agents := config.UserAgents
	if len(agents) == 0 {
		agents = defaultUserAgents
	}

	return &HTTPClient{
		client: &http.Client{
			Transport:     transport,
			Timeout:       config.Timeout,
			CheckRedirect: limitRedirects(10),
		},
		userAgents: append([]string(nil), agents...),
		userAgent:  agents[0],
	}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

func limitRedirects(n int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) >= n {
			return fmt.Errorf("stopped after %d redirects", n)
		}
		return nil
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// proxyRoute returns either a SOCKS5 dialer or an HTTP proxy selector for proxyURL
func proxyRoute(proxyURL string) (dialFunc, func(*http.Request) (*url.URL, error), error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Host == "" {
		return nil, nil, fmt.Errorf("invalid proxy URL: missing host in %q", proxyURL)
	}

	switch u.Scheme {
	case "http", "https":
		return nil, http.ProxyURL(u), nil
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext, nil, nil
		}
		return func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}
}

// Get performs a GET request and classifies the response status
func (c *HTTPClient) Get(ctx context.Context, rawURL string, headers map[string]string, cookies []*http.Cookie) (*http.Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: rawURL, Headers: headers, Cookies: cookies})
}

// PostForm performs a form-encoded POST request and classifies the response status
func (c *HTTPClient) PostForm(ctx context.Context, rawURL string, form url.Values, headers map[string]string, cookies []*http.Cookie) (*http.Response, error) {
	merged := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	for key, value := range headers {
		merged[key] = value
	}
	return c.Do(ctx, &Request{
		Method:  http.MethodPost,
		URL:     rawURL,
		Body:    strings.NewReader(form.Encode()),
		Headers: merged,
		Cookies: cookies,
	})
}

// Do sends a single request. Retrying is the caller's decision; Do only reports
// failures as typed errors the retry classifier understands:
//   - transport timeouts become Timeout, other transport failures Upstream with no status
//   - 401/403 on a request carrying cookies become SessionRejected
//   - any other non-2xx becomes Upstream with the status attached
//
// The response body is closed on every error path.
func (c *HTTPClient) Do(ctx context.Context, r *Request) (*http.Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, r.Body)
	if err != nil {
		return nil, internal.NewInvalidInputError(r.URL, err.Error())
	}

	req.Header.Set("User-Agent", c.GetCurrentUserAgent())
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Accept-Encoding stays unset so the transport negotiates and decodes gzip
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}
	for _, cookie := range r.Cookies {
		req.AddCookie(cookie)
	}

	logger := internal.GetLogger()
	logger.LogHTTPRequest(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, r.URL, err)
	}
	logger.LogHTTPResponse(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if len(r.Cookies) > 0 {
			return nil, internal.NewSessionRejectedError(r.URL, resp.StatusCode)
		}
		if resp.StatusCode == http.StatusForbidden {
			// Anonymous 403s are usually UA fingerprinting; the next call goes out as someone else
			c.RotateUserAgent()
		}
	}

	return nil, internal.NewUpstreamStatusError(r.URL, resp.StatusCode)
}

// classifyTransportError maps client.Do failures onto the error taxonomy
func classifyTransportError(ctx context.Context, rawURL string, err error) error {
	// Caller cancellation is not a failure of the upstream; hand it back untouched
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return internal.WrapFetchError(internal.KindTimeout, "http", "request timed out", err).
			WithURL(rawURL)
	}

	return internal.NewNetworkError(rawURL, err)
}

// ReadBody reads at most limit bytes of a response body and closes it
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, internal.WrapFetchError(internal.KindUpstream, "http", "failed to read response body", err)
	}
	if int64(len(data)) > limit {
		return nil, internal.NewMalformedResponseError(fmt.Sprintf("response body exceeds %d bytes", limit), nil)
	}
	return data, nil
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}

// RotateUserAgent moves to the next configured user agent
func (c *HTTPClient) RotateUserAgent() {
	c.mutex.Lock()
	c.userAgentIdx = (c.userAgentIdx + 1) % len(c.userAgents)
	c.userAgent = c.userAgents[c.userAgentIdx]
	c.mutex.Unlock()
}

func (c *HTTPClient) GetCurrentUserAgent() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.userAgent
}
