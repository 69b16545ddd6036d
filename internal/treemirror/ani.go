package treemirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/BadgerOps/strmsync/internal/safety"
	"github.com/BadgerOps/strmsync/internal/treetext"
)

const (
	aniFirstYear  = 2020
	aniFirstMonth = 4

	maxCatalogBytes int64 = 16 * 1024 * 1024
	catalogTimeout        = 60 * time.Second
)

// AniSource lists one quarterly season of the ANi Open catalog. Each file
// becomes a leaf [size, link] in a folder named after the season.
type AniSource struct {
	Domain string
	// Year and Month select the season. Zero, or a date outside the
	// catalog's range, means the current date.
	Year  int
	Month int

	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Name implements Source.
func (s *AniSource) Name() string { return "ani:" + s.Domain }

// Season returns the season key, "YYYY-M" where M is the latest of
// 1, 4, 7 and 10 not after the selected month.
func (s *AniSource) Season() string {
	year, month := s.date()
	return fmt.Sprintf("%d-%d", year, (month-1)/3*3+1)
}

func (s *AniSource) date() (int, int) {
	now := s.clock().Now()
	cy, cm := now.Year(), int(now.Month())
	switch {
	case s.Year == 0 || s.Month == 0:
		s.logger().Debug("no season date configured, using current date")
	case s.Month < 1 || s.Month > 12:
		s.logger().Warn("invalid season month, using current date", "year", s.Year, "month", s.Month)
	case s.Year < aniFirstYear || (s.Year == aniFirstYear && s.Month < aniFirstMonth):
		s.logger().Warn("catalog starts at 2020-4, using current date", "year", s.Year, "month", s.Month)
	case s.Year > cy || (s.Year == cy && s.Month > cm):
		s.logger().Warn("season date is in the future, using current date", "year", s.Year, "month", s.Month)
	default:
		return s.Year, s.Month
	}
	return cy, cm
}

// Catalog implements Source.
func (s *AniSource) Catalog(ctx context.Context) (*treetext.Node, error) {
	season := s.Season()
	base := fmt.Sprintf("https://%s/%s/", strings.Trim(strings.TrimSpace(s.Domain), "/"), season)
	s.logger().Debug("fetching season listing", "season", season, "url", base)

	files, err := s.list(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("season %s: %w", season, err)
	}

	root := treetext.NewNode()
	folder := root.Folder(season)
	for _, f := range files {
		if f.Name == "" {
			continue
		}
		link := base + url.PathEscape(f.Name) + "?d=true"
		addLeaf(folder, f.Name, []string{string(f.Size), link}, s.logger())
	}
	s.logger().Info("season listing fetched", "season", season, "files", folder.Len())
	return root, nil
}

type aniFile struct {
	Name string  `json:"name"`
	Size aniSize `json:"size"`
}

// aniSize accepts a size sent either as a JSON number or as a string.
type aniSize string

func (z *aniSize) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*z = aniSize(n.String())
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("size: %w", err)
	}
	if _, err := strconv.ParseInt(str, 10, 64); err != nil {
		return fmt.Errorf("size %q is not an integer", str)
	}
	*z = aniSize(str)
	return nil
}

func (s *AniSource) list(ctx context.Context, endpoint string) ([]aniFile, error) {
	body, err := safety.Fetch(ctx, s.httpClient(), http.MethodPost, endpoint,
		strings.NewReader("{}"), "application/json; charset=UTF-8", maxCatalogBytes)
	if err != nil {
		return nil, err
	}

	var listing struct {
		Files []aniFile `json:"files"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}
	return listing.Files, nil
}

func (s *AniSource) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return safety.NewHTTPClient(catalogTimeout)
}

func (s *AniSource) clock() clockwork.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return clockwork.NewRealClock()
}

func (s *AniSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
