package alist_test

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/alist/alisttest"
	"github.com/BadgerOps/strmsync/internal/retry"
)

var modTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newClient(t *testing.T, srv *alisttest.Server, mutate ...func(*alist.Options)) *alist.Client {
	t.Helper()
	opts := alist.Options{
		URL:      srv.URL,
		Username: alisttest.Username,
		Password: alisttest.Password,
		Retry:    retry.Policy{Tries: 2},
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := alist.New(opts)
	require.NoError(t, err)
	return c
}

func TestNewNormalizesURL(t *testing.T) {
	c, err := alist.New(alist.Options{URL: " example.com:5244/ ", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com:5244", c.URL())

	c, err = alist.New(alist.Options{URL: "http://10.0.0.2:5244///", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:5244", c.URL())
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := alist.New(alist.Options{URL: "http://host"})
	assert.Error(t, err)

	_, err = alist.New(alist.Options{URL: "http://host", Username: "u"})
	assert.Error(t, err)

	_, err = alist.New(alist.Options{URL: "", Token: "t"})
	assert.Error(t, err)
}

func TestListDirectory(t *testing.T) {
	srv := alisttest.New(t)
	srv.BasePath = "/base"
	srv.AddFile("/movies/a.mkv", []byte("aaaa"), modTime)
	srv.AddFile("/movies/sub/b.mkv", []byte("bb"), modTime)

	c := newClient(t, srv)
	entries, err := c.List(context.Background(), "/movies/")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "/movies/a.mkv", entries[0].Path)
	assert.Equal(t, int64(4), entries[0].Size)
	assert.False(t, entries[0].IsDir)
	assert.True(t, entries[0].Modified.Equal(modTime))
	assert.Equal(t, "/base", entries[0].BasePath)
	assert.Equal(t, "/base/movies/a.mkv", entries[0].AbsPath())

	assert.Equal(t, "/movies/sub", entries[1].Path)
	assert.True(t, entries[1].IsDir)
	assert.Equal(t, "", entries[1].Suffix())

	assert.Equal(t, 1, srv.Logins())
}

func TestGetReturnsRawURL(t *testing.T) {
	srv := alisttest.New(t)
	srv.Put(&alisttest.File{Path: "/m/a.mkv", Size: 10, Modified: modTime, RawURL: "https://cdn.example/a.mkv"})

	c := newClient(t, srv)
	e, err := c.Get(context.Background(), "m/a.mkv")
	require.NoError(t, err)
	assert.Equal(t, "/m/a.mkv", e.Path)
	assert.True(t, e.HasRawURL())
	assert.Equal(t, "https://cdn.example/a.mkv", e.RawURL)
	assert.Equal(t, "Local", e.Provider)
}

func TestTokenRefreshedBeforeExpiry(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddFile("/a.mkv", []byte("a"), modTime)
	clock := clockwork.NewFakeClock()

	c := newClient(t, srv, func(o *alist.Options) { o.Clock = clock })
	ctx := context.Background()

	_, err := c.List(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Logins())

	clock.Advance(47 * time.Hour)
	_, err = c.List(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Logins(), "token still fresh")

	clock.Advance(56 * time.Minute)
	_, err = c.List(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Logins(), "token inside the refresh margin")
}

func TestInvalidatedTokenTriggersLogin(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddFile("/a.mkv", []byte("a"), modTime)
	c := newClient(t, srv)
	ctx := context.Background()

	_, err := c.List(ctx, "/")
	require.NoError(t, err)

	srv.ExpireTokens()
	entries, err := c.List(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 2, srv.Logins())
}

func TestPermanentTokenSkipsLogin(t *testing.T) {
	srv := alisttest.New(t)
	srv.PermanentToken = "perm"
	srv.AddFile("/a.mkv", []byte("a"), modTime)

	c, err := alist.New(alist.Options{URL: srv.URL, Token: "perm", Retry: retry.Policy{Tries: 1}})
	require.NoError(t, err)

	_, err = c.List(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, 0, srv.Logins())

	_, err = c.Login(context.Background())
	assert.Error(t, err)
}

func TestListExhaustionReturnsEmpty(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddFile("/a/b.mkv", []byte("b"), modTime)
	srv.FailList("/a", 5)

	c := newClient(t, srv)
	entries, err := c.List(context.Background(), "/a")
	require.Error(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
	assert.True(t, errors.Is(err, retry.ErrExhausted))

	var apiErr *alist.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.Code)
	assert.Equal(t, "/api/fs/list", apiErr.Endpoint)
	assert.Equal(t, 2, srv.Calls("/api/fs/list"))
}

func TestListLogicalErrorNotRetried(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddFile("/a/b.mkv", []byte("b"), modTime)
	srv.SetFailCode(http.StatusForbidden)
	srv.FailList("/a", 1)

	c := newClient(t, srv)
	_, err := c.List(context.Background(), "/a")
	require.Error(t, err)
	assert.False(t, errors.Is(err, retry.ErrExhausted))
	assert.Contains(t, err.Error(), "list /a")
	assert.Equal(t, 1, srv.Calls("/api/fs/list"))
}

func TestStorageByMountPathCreates(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddStorage(alist.Storage{MountPath: "/local", Driver: "Local", Status: alist.StatusWork})

	c := newClient(t, srv)
	ctx := context.Background()

	s, err := c.StorageByMountPath(ctx, "/tree", alist.DriverURLTree, false)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = c.StorageByMountPath(ctx, "/tree", alist.DriverURLTree, true)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, alist.DriverURLTree, s.Driver)
	assert.NotZero(t, s.ID)

	add, err := s.AdditionMap()
	require.NoError(t, err)
	add["url_structure"] = "a:1:http://x/a"
	require.NoError(t, s.SetAddition(add))
	require.NoError(t, c.UpdateStorage(ctx, *s))

	again, err := c.StorageByMountPath(ctx, "/tree", alist.DriverURLTree, true)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
	assert.Contains(t, again.Addition, "url_structure")
	assert.Len(t, srv.Storages(), 2)
}

func TestListStoragesSkipsInvalid(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddStorage(alist.Storage{MountPath: "/ok", Status: alist.StatusWork})
	srv.AddStorage(alist.Storage{MountPath: "/bad", Status: alist.StatusWork, Disabled: true})

	c := newClient(t, srv)
	storages, err := c.ListStorages(context.Background())
	require.NoError(t, err)
	require.Len(t, storages, 1)
	assert.Equal(t, "/ok", storages[0].MountPath)
}

func TestWalkYieldsAllFiles(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddFile("/media/a.mkv", []byte("a"), modTime)
	srv.AddFile("/media/x/b.mkv", []byte("b"), modTime)
	srv.AddFile("/media/x/y/c.srt", []byte("c"), modTime)
	srv.AddFile("/media/z/d.mp4", []byte("d"), modTime)
	srv.AddFile("/other/e.mkv", []byte("e"), modTime)

	c := newClient(t, srv)
	var got []string
	for e, err := range c.Walk(context.Background(), "/media", alist.WalkOptions{
		Workers: 3,
		Filter:  func(e alist.Entry) bool { return !e.IsDir },
	}) {
		require.NoError(t, err)
		got = append(got, e.Path)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"/media/a.mkv", "/media/x/b.mkv", "/media/x/y/c.srt", "/media/z/d.mp4"}, got)
}

func TestWalkYieldsDirectoriesWithoutFilter(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddFile("/media/x/y/c.srt", []byte("c"), modTime)

	c := newClient(t, srv)
	var got []string
	for e, err := range c.Walk(context.Background(), "/media", alist.WalkOptions{}) {
		require.NoError(t, err)
		got = append(got, e.Path)
	}
	sort.Strings(got)
	assert.Equal(t, []string{"/media/x", "/media/x/y", "/media/x/y/c.srt"}, got)
}

func TestWalkDetailFetch(t *testing.T) {
	srv := alisttest.New(t)
	srv.Put(&alisttest.File{Path: "/m/a.mkv", Size: 1, Modified: modTime, RawURL: "https://cdn/a"})
	srv.Put(&alisttest.File{Path: "/m/b.nfo", Size: 1, Modified: modTime, RawURL: "https://cdn/b"})

	c := newClient(t, srv)
	raw := map[string]string{}
	for e, err := range c.Walk(context.Background(), "/m", alist.WalkOptions{
		Detail: func(e alist.Entry) bool { return e.Suffix() == ".mkv" },
	}) {
		require.NoError(t, err)
		raw[e.Name] = e.RawURL
	}
	assert.Equal(t, map[string]string{"a.mkv": "https://cdn/a", "b.nfo": ""}, raw)
	assert.Equal(t, 1, srv.Calls("/api/fs/get"))
}

func TestWalkPropagatesListingFailure(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddFile("/media/a.mkv", []byte("a"), modTime)
	srv.AddFile("/media/x/b.mkv", []byte("b"), modTime)
	srv.FailList("/media/x", 10)

	c := newClient(t, srv)
	var walkErr error
	for _, err := range c.Walk(context.Background(), "/media", alist.WalkOptions{Workers: 2}) {
		if err != nil {
			walkErr = err
		}
	}
	require.Error(t, walkErr)
	assert.True(t, errors.Is(walkErr, retry.ErrExhausted))
}

func TestWalkStopsOnBreak(t *testing.T) {
	srv := alisttest.New(t)
	for _, p := range []string{"/m/a/1.mkv", "/m/b/2.mkv", "/m/c/3.mkv", "/m/d/4.mkv"} {
		srv.AddFile(p, []byte("x"), modTime)
	}

	c := newClient(t, srv)
	n := 0
	for _, err := range c.Walk(context.Background(), "/m", alist.WalkOptions{Workers: 4}) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestWalkCancelled(t *testing.T) {
	srv := alisttest.New(t)
	srv.AddFile("/m/a.mkv", []byte("x"), modTime)

	c := newClient(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var walkErr error
	for _, err := range c.Walk(ctx, "/m", alist.WalkOptions{}) {
		walkErr = err
	}
	assert.ErrorIs(t, walkErr, context.Canceled)
}

func TestPoolSharesClients(t *testing.T) {
	p := alist.NewPool()
	a, err := p.Get(alist.Options{URL: "http://h:5244/", Username: "u", Password: "p"})
	require.NoError(t, err)
	b, err := p.Get(alist.Options{URL: "http://h:5244", Username: "u", Password: "p"})
	require.NoError(t, err)
	c, err := p.Get(alist.Options{URL: "http://h:5244", Username: "v", Password: "p"})
	require.NoError(t, err)

	d, err := p.Get(alist.Options{URL: "http://h:5244", Username: "u", Password: "other"})
	require.NoError(t, err)
	e, err := p.Get(alist.Options{URL: "http://h:5244", Username: "u", Token: "tok"})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.NotSame(t, a, d, "a different password gets its own client")
	assert.NotSame(t, a, e)
	assert.Equal(t, 4, p.Len())
}
