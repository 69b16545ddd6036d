package treemirror

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/BadgerOps/strmsync/internal/safety"
	"github.com/BadgerOps/strmsync/internal/treetext"
)

// IndexSource reads the file links of an HTML directory index. Each link
// becomes a leaf [url] under Folder, keyed by the unescaped file name.
// Parent, sort, fragment and sub-directory links are ignored.
type IndexSource struct {
	URL string
	// Folder holds the leaves. Empty means the last segment of URL.
	Folder string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Name implements Source.
func (s *IndexSource) Name() string { return "index:" + s.URL }

// Catalog implements Source.
func (s *IndexSource) Catalog(ctx context.Context) (*treetext.Node, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, err := safety.ValidateHTTPURL(s.URL)
	if err != nil {
		return nil, err
	}

	page, err := s.fetch(ctx, base.String())
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}

	name := s.Folder
	if name == "" {
		name = path.Base(strings.TrimSuffix(base.Path, "/"))
		if name == "." || name == "/" {
			name = base.Hostname()
		}
		name = folderName(name)
	}
	if err := treetext.CheckKey(name); err != nil {
		return nil, fmt.Errorf("index folder: %w", err)
	}
	root := treetext.NewNode()
	folder := root.Folder(name)

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		link, key, ok := indexLink(base, href)
		if !ok {
			return
		}
		addLeaf(folder, key, []string{link}, logger)
	})
	logger.Info("index fetched", "url", s.URL, "leaves", folder.Len())
	return root, nil
}

// indexLink resolves href against base and returns the absolute link and
// its file name. Only file links at or below base qualify.
func indexLink(base *url.URL, href string) (string, string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "?") {
		return "", "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", "", false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != base.Scheme || u.Host != base.Host || u.RawQuery != "" {
		return "", "", false
	}
	if strings.HasSuffix(u.Path, "/") {
		return "", "", false
	}
	dir := base.Path
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir) + "/"
	}
	if !strings.HasPrefix(u.Path, dir) {
		return "", "", false
	}
	u.Fragment = ""
	return u.String(), path.Base(u.Path), true
}

func (s *IndexSource) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	client := s.HTTPClient
	if client == nil {
		client = safety.NewHTTPClient(catalogTimeout)
	}
	return safety.Fetch(ctx, client, http.MethodGet, endpoint, nil, "", maxCatalogBytes)
}
