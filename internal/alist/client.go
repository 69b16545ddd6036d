// Package alist is a client for the remote file-listing service: token
// management, directory listing, detail fetches, storage administration,
// and a bounded recursive walk.
package alist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/BadgerOps/strmsync/internal/metrics"
	"github.com/BadgerOps/strmsync/internal/retry"
	"github.com/BadgerOps/strmsync/internal/safety"
)

const (
	// Login tokens live for two days; refresh five minutes early.
	tokenLifetime = 48 * time.Hour
	refreshMargin = 5 * time.Minute

	maxResponseBytes int64 = 64 * 1024 * 1024
)

// Options configures a Client. Either Token or Username+Password is required.
type Options struct {
	URL      string
	Username string
	Password string
	Token    string // long-lived token, skips login and never expires

	HTTPClient *http.Client
	Retry      retry.Policy // zero value means retry.DefaultPolicy()
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Me is the authenticated user as reported by /api/me.
type Me struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	BasePath string `json:"base_path"`
}

// Client talks to one remote service as one user.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	retry      retry.Policy
	clock      clockwork.Clock
	logger     *slog.Logger
	refresh    singleflight.Group

	mu        sync.Mutex
	token     string
	expires   time.Time
	permanent bool
	me        *Me
}

// New validates opts and returns a client. No request is made.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if !strings.HasPrefix(raw, "http") {
		raw = "https://" + raw
	}
	raw = strings.TrimRight(raw, "/")
	u, err := safety.ValidateHTTPURL(raw)
	if err != nil {
		return nil, err
	}

	if opts.Token == "" && (opts.Username == "" || opts.Password == "") {
		return nil, fmt.Errorf("either token or username and password are required")
	}

	c := &Client{
		baseURL:    raw,
		username:   opts.Username,
		password:   opts.Password,
		httpClient: opts.HTTPClient,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = safety.NewHTTPClient(60 * time.Second)
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if opts.Token != "" {
		c.token = opts.Token
		c.permanent = true
	}
	if u.Scheme == "http" && !safety.IsLoopbackHost(u) {
		c.logger.Warn("remote service uses plain http, credentials and tokens are sent unencrypted", "url", raw)
	}

	c.retry = opts.Retry
	if c.retry.Tries == 0 && c.retry.Delay == 0 {
		c.retry = retry.DefaultPolicy()
	}
	c.retry.Retryable = c.isRetryable
	c.retry.Logger = c.logger
	c.retry.Clock = c.clock

	return c, nil
}

// URL returns the normalized server URL.
func (c *Client) URL() string {
	return c.baseURL
}

// Login exchanges the credentials for a fresh token.
func (c *Client) Login(ctx context.Context) (string, error) {
	if c.username == "" {
		return "", fmt.Errorf("login: no credentials configured")
	}
	body := map[string]string{"username": c.username, "password": c.password}

	var data struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/auth/login", "", body, &data); err != nil {
		return "", fmt.Errorf("login as %s: %w", c.username, err)
	}
	if data.Token == "" {
		return "", fmt.Errorf("login as %s: empty token", c.username)
	}

	c.mu.Lock()
	c.token = data.Token
	c.expires = c.clock.Now().Add(tokenLifetime - refreshMargin)
	c.mu.Unlock()

	c.logger.Debug("token refreshed", "server", c.baseURL, "user", c.username)
	return data.Token, nil
}

// EnsureToken returns a usable token, logging in when the cached one is
// missing or inside the refresh margin. Concurrent callers share one login.
func (c *Client) EnsureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.permanent || (c.token != "" && c.clock.Now().Before(c.expires)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.refresh.Do("login", func() (interface{}, error) {
		return c.Login(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.permanent && c.token == token {
		c.token = ""
		c.expires = time.Time{}
	}
}

// Me fetches the current user once and caches it.
func (c *Client) Me(ctx context.Context) (Me, error) {
	c.mu.Lock()
	if c.me != nil {
		me := *c.me
		c.mu.Unlock()
		return me, nil
	}
	c.mu.Unlock()

	var me Me
	if err := c.do(ctx, "me", http.MethodGet, "/api/me", nil, &me); err != nil {
		return Me{}, err
	}

	c.mu.Lock()
	c.me = &me
	c.mu.Unlock()
	return me, nil
}

type fsRequest struct {
	Path     string `json:"path"`
	Password string `json:"password"`
	Page     int    `json:"page"`
	PerPage  int    `json:"per_page"`
	Refresh  bool   `json:"refresh"`
}

func newFSRequest(p string) fsRequest {
	return fsRequest{Path: p, Page: 1}
}

type rawEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	IsDir    bool   `json:"is_dir"`
	Modified string `json:"modified"`
	Created  string `json:"created"`
	Sign     string `json:"sign"`
	Thumb    string `json:"thumb"`
	Type     int    `json:"type"`
	RawURL   string `json:"raw_url"`
	Readme   string `json:"readme"`
	Provider string `json:"provider"`
}

func (r rawEntry) entry(serverURL, basePath, p string) Entry {
	return Entry{
		ServerURL: serverURL,
		BasePath:  basePath,
		Path:      p,
		Name:      r.Name,
		Size:      r.Size,
		IsDir:     r.IsDir,
		Modified:  parseTime(r.Modified),
		Created:   parseTime(r.Created),
		Sign:      r.Sign,
		Thumb:     r.Thumb,
		Type:      r.Type,
		RawURL:    r.RawURL,
		Readme:    r.Readme,
		Provider:  r.Provider,
	}
}

// cleanRemote normalizes a remote path to a rooted, slash-separated form.
func cleanRemote(p string) string {
	return path.Join("/", p)
}

// List returns the immediate children of dir. Failures are retried; once
// retries are exhausted an empty slice is returned alongside the error so
// the caller decides whether to degrade or abort.
func (c *Client) List(ctx context.Context, dir string) ([]Entry, error) {
	dir = cleanRemote(dir)
	me, err := c.Me(ctx)
	if err != nil {
		return []Entry{}, fmt.Errorf("list %s: %w", dir, err)
	}

	entries, err := retry.Value(ctx, c.retry, "list "+dir, []Entry{}, func(ctx context.Context) ([]Entry, error) {
		var data struct {
			Content []rawEntry `json:"content"`
			Total   int        `json:"total"`
		}
		if err := c.authed(ctx, http.MethodPost, "/api/fs/list", newFSRequest(dir), &data); err != nil {
			return nil, err
		}
		out := make([]Entry, 0, len(data.Content))
		for _, raw := range data.Content {
			out = append(out, raw.entry(c.baseURL, me.BasePath, path.Join(dir, raw.Name)))
		}
		return out, nil
	})
	if err != nil {
		return entries, fmt.Errorf("list %s: %w", dir, err)
	}

	c.logger.Debug("listed directory", "dir", dir, "entries", len(entries))
	return entries, nil
}

// Get returns the detailed entry for p, including the provider's raw URL.
func (c *Client) Get(ctx context.Context, p string) (Entry, error) {
	p = cleanRemote(p)
	me, err := c.Me(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", p, err)
	}

	var raw rawEntry
	if err := c.do(ctx, "get "+p, http.MethodPost, "/api/fs/get", newFSRequest(p), &raw); err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", p, err)
	}
	return raw.entry(c.baseURL, me.BasePath, p), nil
}

// ListStorages returns every storage the admin API reports. Storages whose
// status and disabled flag disagree are skipped.
func (c *Client) ListStorages(ctx context.Context) ([]Storage, error) {
	var data struct {
		Content []Storage `json:"content"`
		Total   int       `json:"total"`
	}
	if err := c.do(ctx, "list storages", http.MethodGet, "/api/admin/storage/list", nil, &data); err != nil {
		return nil, fmt.Errorf("list storages: %w", err)
	}

	storages := make([]Storage, 0, len(data.Content))
	for _, s := range data.Content {
		if err := s.Validate(); err != nil {
			c.logger.Warn("skipping invalid storage", "mount_path", s.MountPath, "error", err)
			continue
		}
		storages = append(storages, s)
	}
	return storages, nil
}

// CreateStorage creates s and returns the server-assigned id.
func (c *Client) CreateStorage(ctx context.Context, s Storage) (int, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	s.ID = 0
	var data struct {
		ID int `json:"id"`
	}
	if err := c.do(ctx, "create storage "+s.MountPath, http.MethodPost, "/api/admin/storage/create", s, &data); err != nil {
		return 0, fmt.Errorf("create storage %s: %w", s.MountPath, err)
	}
	c.logger.Info("storage created", "mount_path", s.MountPath, "driver", s.Driver, "id", data.ID)
	return data.ID, nil
}

// UpdateStorage writes s back to the server.
func (c *Client) UpdateStorage(ctx context.Context, s Storage) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == 0 {
		return fmt.Errorf("update storage %s: missing id", s.MountPath)
	}
	if err := c.do(ctx, "update storage "+s.MountPath, http.MethodPost, "/api/admin/storage/update", s, nil); err != nil {
		return fmt.Errorf("update storage %s: %w", s.MountPath, err)
	}
	c.logger.Debug("storage updated", "mount_path", s.MountPath, "id", s.ID)
	return nil
}

// StorageByMountPath finds the storage mounted at mountPath. A non-empty
// driver must also match. With create set, a missing storage is created and
// re-read from the server.
func (c *Client) StorageByMountPath(ctx context.Context, mountPath, driver string, create bool) (*Storage, error) {
	find := func() (*Storage, error) {
		storages, err := c.ListStorages(ctx)
		if err != nil {
			return nil, err
		}
		for i := range storages {
			if storages[i].MountPath == mountPath && (driver == "" || storages[i].Driver == driver) {
				return &storages[i], nil
			}
		}
		return nil, nil
	}

	s, err := find()
	if err != nil || s != nil || !create {
		return s, err
	}

	c.logger.Debug("storage not found, creating", "mount_path", mountPath, "driver", driver)
	if _, err := c.CreateStorage(ctx, NewStorage(driver, mountPath)); err != nil {
		return nil, err
	}
	s, err = find()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("storage %s missing after create", mountPath)
	}
	return s, nil
}

// do runs an authenticated call under the retry policy.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body, out interface{}) error {
	return retry.DoContext(ctx, c.retry, op, func(ctx context.Context) error {
		return c.authed(ctx, method, endpoint, body, out)
	})
}

func (c *Client) authed(ctx context.Context, method, endpoint string, body, out interface{}) error {
	token, err := c.EnsureToken(ctx)
	if err != nil {
		return err
	}
	err = c.call(ctx, method, endpoint, token, body, out)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		c.invalidate(token)
	}
	return err
}

func (c *Client) isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized {
			return !c.permanent
		}
		return apiErr.Code >= 500
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call performs exactly one request and decodes the response envelope.
func (c *Client) call(ctx context.Context, method, endpoint, token string, body, out interface{}) (err error) {
	defer func() { metrics.RecordAPIRequest(endpoint, err == nil) }()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", safety.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := safety.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%s: decoding response: %w", endpoint, err)
	}
	if env.Code != http.StatusOK {
		return &APIError{Endpoint: endpoint, Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decoding data: %w", endpoint, err)
	}
	return nil
}
