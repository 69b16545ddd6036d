package treemirror

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/config"
)

// NewSource builds the source a job's configuration selects. Clients for
// alist sources come from pool.
func NewSource(cfg config.SourceConfig, pool *alist.Pool, httpClient *http.Client, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case "ani":
		return &AniSource{
			Domain:     cfg.Domain,
			Year:       cfg.Year,
			Month:      cfg.Month,
			HTTPClient: httpClient,
			Logger:     logger,
		}, nil
	case "alist":
		client, err := pool.Get(alist.Options{
			URL:      cfg.URL,
			Username: cfg.Username,
			Password: cfg.Password,
			Token:    cfg.Token,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("source client: %w", err)
		}
		return &RemoteSource{Client: client, Dir: cfg.Dir, Logger: logger}, nil
	case "feed":
		return &FeedSource{URL: cfg.URL, Folder: cfg.Folder, HTTPClient: httpClient, Logger: logger}, nil
	case "index":
		return &IndexSource{URL: cfg.URL, Folder: cfg.Folder, HTTPClient: httpClient, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
