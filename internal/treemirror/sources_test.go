package treemirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/alist/alisttest"
	"github.com/BadgerOps/strmsync/internal/config"
	"github.com/BadgerOps/strmsync/internal/retry"
	"github.com/BadgerOps/strmsync/internal/safety"
	"github.com/BadgerOps/strmsync/internal/treetext"
)

func leafAt(t *testing.T, tree *treetext.Node, keys ...string) []string {
	t.Helper()
	node := tree
	for i, key := range keys {
		v, ok := node.Get(key)
		require.True(t, ok, "missing key %q", key)
		if i == len(keys)-1 {
			require.False(t, v.IsFolder(), "%q is a folder", key)
			return v.Leaf
		}
		require.True(t, v.IsFolder(), "%q is a leaf", key)
		node = v.Folder
	}
	return nil
}

func TestAniSeason(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.May, 20, 12, 0, 0, 0, time.UTC))
	tests := []struct {
		name        string
		year, month int
		want        string
	}{
		{"unset", 0, 0, "2024-4"},
		{"configured", 2023, 12, "2023-10"},
		{"season start", 2022, 7, "2022-7"},
		{"january", 2021, 1, "2021-1"},
		{"current month", 2024, 5, "2024-4"},
		{"first season", 2020, 4, "2020-4"},
		{"before catalog", 2020, 3, "2024-4"},
		{"future", 2024, 6, "2024-4"},
		{"future year", 2025, 1, "2024-4"},
		{"bad month", 2023, 13, "2024-4"},
		{"month only", 0, 7, "2024-4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &AniSource{Year: tt.year, Month: tt.month, Clock: clock, Logger: discardLogger()}
			assert.Equal(t, tt.want, s.Season())
		})
	}
}

func TestAniCatalog(t *testing.T) {
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/2024-4/" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		bodies <- string(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"files":[
			{"name":"Show - 01.mp4","size":123},
			{"name":"Show - 02.mp4","size":"456"},
			{"name":"Bad: Name.mp4","size":1}
		]}`)
	}))
	t.Cleanup(srv.Close)

	s := &AniSource{
		Domain:     "ani.test",
		Year:       2024,
		Month:      6,
		HTTPClient: rewritingClient(t, srv.URL),
		Clock:      clockwork.NewFakeClockAt(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)),
		Logger:     discardLogger(),
	}
	tree, err := s.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "{}", <-bodies)

	assert.Equal(t, []string{"2024-4"}, tree.Keys())
	assert.Equal(t, 2, tree.Leaves(), "entry with a colon in its name is dropped")
	assert.Equal(t, []string{"123", "https://ani.test/2024-4/Show%20-%2001.mp4?d=true"}, leafAt(t, tree, "2024-4", "Show - 01.mp4"))
	assert.Equal(t, []string{"456", "https://ani.test/2024-4/Show%20-%2002.mp4?d=true"}, leafAt(t, tree, "2024-4", "Show - 02.mp4"))

	_, err = treetext.Encode(tree)
	assert.NoError(t, err)
}

func TestAniCatalogErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"bad status", http.StatusBadGateway, `{}`, "502"},
		{"bad size", http.StatusOK, `{"files":[{"name":"x.mp4","size":"big"}]}`, "size"},
		{"not json", http.StatusOK, `<html>`, "decoding listing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			t.Cleanup(srv.Close)

			s := &AniSource{Domain: "ani.test", HTTPClient: rewritingClient(t, srv.URL), Logger: discardLogger()}
			_, err := s.Catalog(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAniSizeAcceptsNumberOrString(t *testing.T) {
	for in, want := range map[string]string{`12`: "12", `"34"`: "34", `5.0e2`: "5.0e2"} {
		var z aniSize
		require.NoError(t, json.Unmarshal([]byte(in), &z), in)
		assert.Equal(t, want, string(z))
	}
	var z aniSize
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &z))
	assert.Error(t, json.Unmarshal([]byte(`true`), &z))
}

func TestRemoteSourceCatalog(t *testing.T) {
	src := alisttest.New(t)
	modified := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	src.AddSized("/Media/Show/S01/E01.mkv", 10, modified)
	src.AddSized("/Media/top.mp4", 20, modified)
	src.AddSized("/Elsewhere/skip.mp4", 30, modified)

	client, err := alist.New(alist.Options{
		URL:        "https://src.test",
		Username:   alisttest.Username,
		Password:   alisttest.Password,
		HTTPClient: rewritingClient(t, src.URL),
		Retry:      retry.Policy{Tries: 1},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	s := &RemoteSource{Client: client, Dir: "/Media", Logger: discardLogger()}
	tree, err := s.Catalog(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, tree.Leaves())
	unix := fmt.Sprint(modified.Unix())
	assert.Equal(t, []string{"10", unix, "https://src.test/d/Media/Show/S01/E01.mkv"}, leafAt(t, tree, "Show", "S01", "E01.mkv"))
	assert.Equal(t, []string{"20", unix, "https://src.test/d/Media/top.mp4"}, leafAt(t, tree, "top.mp4"))
}

func TestRemoteSourceServerWithPort(t *testing.T) {
	src := alisttest.New(t)
	modified := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	src.AddSized("/Media/Show/E01.mkv", 10, modified)
	src.AddSized("/Media/top.mp4", 20, modified)

	client, err := alist.New(alist.Options{
		URL:      src.URL,
		Username: alisttest.Username,
		Password: alisttest.Password,
		Retry:    retry.Policy{Tries: 1},
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	s := &RemoteSource{Client: client, Dir: "/Media", Logger: discardLogger()}
	tree, err := s.Catalog(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, tree.Leaves())

	unix := fmt.Sprint(modified.Unix())
	assert.Equal(t, []string{"10", unix, src.URL + "/d/Media/Show/E01.mkv"}, leafAt(t, tree, "Show", "E01.mkv"))

	text, err := treetext.Encode(tree)
	require.NoError(t, err)
	back, err := treetext.Decode(text)
	require.NoError(t, err)
	assert.True(t, treetext.Equal(tree, back))
}

func TestRemoteSourceListingFailure(t *testing.T) {
	src := alisttest.New(t)
	src.AddSized("/Media/a.mp4", 1, time.Now())
	src.FailList("/Media", 5)

	client, err := alist.New(alist.Options{
		URL:      src.URL,
		Username: alisttest.Username,
		Password: alisttest.Password,
		Retry:    retry.Policy{Tries: 1},
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	s := &RemoteSource{Client: client, Dir: "/Media", Logger: discardLogger()}
	_, err = s.Catalog(context.Background())
	var apiErr *alist.APIError
	assert.ErrorAs(t, err, &apiErr)
}

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Weekly: Show</title>
  <item>
    <title>Episode 1</title>
    <pubDate>Mon, 04 Mar 2024 10:00:00 +0000</pubDate>
    <enclosure url="https://cdn.test/pod/Ep%201.mp3" length="1234" type="audio/mpeg"/>
  </item>
  <item>
    <title>Episode 2</title>
    <enclosure url="https://cdn.test/pod/ep2.mp3" type="audio/mpeg"/>
  </item>
  <item>
    <title>Ported</title>
    <enclosure url="https://cdn.test:8443/pod/ep3.mp3" type="audio/mpeg"/>
  </item>
  <item>
    <title>No enclosure</title>
  </item>
</channel>
</rss>`

func TestFeedSourceCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, sampleFeed)
	}))
	t.Cleanup(srv.Close)

	s := &FeedSource{URL: srv.URL + "/feed.xml", Logger: discardLogger()}
	tree, err := s.Catalog(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Weekly Show"}, tree.Keys())
	assert.Equal(t, 3, tree.Leaves())

	published := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, []string{"1234", fmt.Sprint(published), "https://cdn.test/pod/Ep%201.mp3"}, leafAt(t, tree, "Weekly Show", "Ep 1.mp3"))
	assert.Equal(t, []string{"https://cdn.test/pod/ep2.mp3"}, leafAt(t, tree, "Weekly Show", "ep2.mp3"))
	assert.Equal(t, []string{"https://cdn.test:8443/pod/ep3.mp3"}, leafAt(t, tree, "Weekly Show", "ep3.mp3"))

	s.Folder = "Podcasts"
	tree, err = s.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Podcasts"}, tree.Keys())
}

func TestFeedSourceRejectsBadURL(t *testing.T) {
	_, err := (&FeedSource{URL: "ftp://feeds.test/x", Logger: discardLogger()}).Catalog(context.Background())
	assert.Error(t, err)
}

const sampleIndex = `<html><body><h1>Index of /pub/</h1>
<a href="?C=N;O=D">Name</a>
<a href="../">Parent Directory</a>
<a href="sub/">sub/</a>
<a href="file%201.mkv">file 1.mkv</a>
<a href="/pub/abs.mp4">abs.mp4</a>
<a href="/other/outside.mp4">outside</a>
<a href="https://elsewhere.test/x.mkv">x</a>
<a href="#top">top</a>
<a>no href</a>
</body></html>`

func TestIndexSourceCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pub/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, sampleIndex)
	}))
	t.Cleanup(srv.Close)

	s := &IndexSource{URL: "https://files.test/pub/", HTTPClient: rewritingClient(t, srv.URL), Logger: discardLogger()}
	tree, err := s.Catalog(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"pub"}, tree.Keys())
	assert.Equal(t, 2, tree.Leaves())
	assert.Equal(t, []string{"https://files.test/pub/file%201.mkv"}, leafAt(t, tree, "pub", "file 1.mkv"))
	assert.Equal(t, []string{"https://files.test/pub/abs.mp4"}, leafAt(t, tree, "pub", "abs.mp4"))
}

func TestIndexSourceStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	s := &IndexSource{URL: "https://files.test/missing/", HTTPClient: rewritingClient(t, srv.URL), Logger: discardLogger()}
	_, err := s.Catalog(context.Background())
	var statusErr *safety.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "404")
}

func TestIndexLink(t *testing.T) {
	base, _ := url.Parse("https://files.test/pub/list.html")
	link, name, ok := indexLink(base, "a.mkv#frag")
	require.True(t, ok)
	assert.Equal(t, "https://files.test/pub/a.mkv", link)
	assert.Equal(t, "a.mkv", name)

	_, _, ok = indexLink(base, "a.mkv?download=1")
	assert.False(t, ok)
	_, _, ok = indexLink(base, "http://files.test/pub/a.mkv")
	assert.False(t, ok, "scheme change")
}

func TestNewSource(t *testing.T) {
	pool := alist.NewPool()
	tests := []struct {
		cfg  config.SourceConfig
		want Source
	}{
		{config.SourceConfig{Kind: "ani", Domain: "ani.test"}, &AniSource{}},
		{config.SourceConfig{Kind: "alist", RemoteConfig: config.RemoteConfig{URL: "http://src.test", Token: "t"}, Dir: "/"}, &RemoteSource{}},
		{config.SourceConfig{Kind: "feed", RemoteConfig: config.RemoteConfig{URL: "https://feeds.test/rss"}}, &FeedSource{}},
		{config.SourceConfig{Kind: "index", RemoteConfig: config.RemoteConfig{URL: "https://files.test/"}}, &IndexSource{}},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Kind, func(t *testing.T) {
			src, err := NewSource(tt.cfg, pool, nil, discardLogger())
			require.NoError(t, err)
			assert.IsType(t, tt.want, src)
		})
	}

	_, err := NewSource(config.SourceConfig{Kind: "ftp"}, pool, nil, discardLogger())
	assert.Error(t, err)
}
