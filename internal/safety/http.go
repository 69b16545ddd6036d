package safety

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UserAgent identifies every outbound request.
const UserAgent = "strmsync/1.0"

// DefaultTimeout bounds a whole API or catalog exchange.
const DefaultTimeout = 60 * time.Second

// ErrBodyTooLarge indicates a response body exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// NewTransport returns the transport shared by API, catalog and download
// clients. Connection setup and response headers are bounded; bodies are
// not.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// NewHTTPClient returns a client for small request/response exchanges
// with the AList API and catalog servers. A non-positive timeout means
// DefaultTimeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout, Transport: NewTransport()}
}

// NewStreamClient returns a client for file transfers. It has no overall
// timeout, so only the request context ends a slow body.
func NewStreamClient() *http.Client {
	return &http.Client{Transport: NewTransport()}
}

// StatusError reports a catalog response other than 200 OK.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Fetch sends one request and returns at most limit bytes of a 200 body.
// contentType is set when body is non-nil.
func Fetch(ctx context.Context, client *http.Client, method, endpoint string, body io.Reader, contentType string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	return ReadAllWithLimit(resp.Body, limit)
}

// ReadAllWithLimit reads r and fails with ErrBodyTooLarge past limit bytes.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ValidateHTTPURL parses raw as an http or https URL with a host and no
// userinfo.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("unsupported URL scheme %q in %q", u.Scheme, raw)
	case u.Host == "":
		return nil, fmt.Errorf("URL %q has no host", raw)
	case u.User != nil:
		return nil, fmt.Errorf("URL %q carries userinfo", u.Redacted())
	}
	return u, nil
}

// IsLoopbackHost reports whether u points at this machine, where plain
// http does not expose credentials.
func IsLoopbackHost(u *url.URL) bool {
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
