package treemirror

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/BadgerOps/strmsync/internal/safety"
	"github.com/BadgerOps/strmsync/internal/treetext"
)

// FeedSource reads the enclosures of an RSS, Atom or JSON feed. Each
// enclosure becomes a leaf under Folder, keyed by the unescaped last
// segment of its URL. The leaf is [length, published, url] when the feed
// carries both, otherwise [url].
type FeedSource struct {
	URL string
	// Folder holds the leaves. Empty means the feed title.
	Folder string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Name implements Source.
func (s *FeedSource) Name() string { return "feed:" + s.URL }

// Catalog implements Source.
func (s *FeedSource) Catalog(ctx context.Context) (*treetext.Node, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := safety.ValidateHTTPURL(s.URL); err != nil {
		return nil, err
	}

	fp := gofeed.NewParser()
	fp.UserAgent = safety.UserAgent
	fp.Client = s.HTTPClient
	if fp.Client == nil {
		fp.Client = safety.NewHTTPClient(catalogTimeout)
	}
	feed, err := fp.ParseURLWithContext(s.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	name := s.Folder
	if name == "" {
		name = folderName(feed.Title)
	}
	root := treetext.NewNode()
	if err := treetext.CheckKey(name); err != nil {
		return nil, fmt.Errorf("feed folder: %w", err)
	}
	folder := root.Folder(name)

	for _, item := range feed.Items {
		for _, enc := range item.Enclosures {
			if enc == nil || enc.URL == "" {
				continue
			}
			key, ok := enclosureName(enc.URL)
			if !ok {
				logger.Warn("skipping enclosure without a file name", "item", item.Title, "url", enc.URL)
				continue
			}
			addLeaf(folder, key, enclosureLeaf(item, enc), logger)
		}
	}
	logger.Info("feed fetched", "title", feed.Title, "items", len(feed.Items), "leaves", folder.Len())
	return root, nil
}

func enclosureLeaf(item *gofeed.Item, enc *gofeed.Enclosure) []string {
	length, err := strconv.ParseInt(strings.TrimSpace(enc.Length), 10, 64)
	published := item.PublishedParsed
	if published == nil {
		published = item.UpdatedParsed
	}
	if err != nil || length <= 0 || published == nil {
		return []string{enc.URL}
	}
	return []string{strconv.FormatInt(length, 10), strconv.FormatInt(published.Unix(), 10), enc.URL}
}

func enclosureName(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." || base == "" {
		return "", false
	}
	return base, true
}

// folderName turns a title into a usable folder key.
func folderName(title string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\n', '\r':
			return ' '
		}
		return r
	}, title)
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "feed"
	}
	return name
}
