package treemirror

import (
	"context"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/safety"
	"github.com/BadgerOps/strmsync/internal/treetext"
)

const remoteWalkWorkers = 4

// RemoteSource walks a directory of another remote service. Every file
// becomes a leaf [size, modified, url] at its path relative to Dir, with
// modified in Unix seconds.
type RemoteSource struct {
	Client    *alist.Client
	Dir       string
	SignToken string
	Logger    *slog.Logger
}

// Name implements Source.
func (s *RemoteSource) Name() string { return "alist:" + s.Client.URL() + s.Dir }

// Catalog implements Source.
func (s *RemoteSource) Catalog(ctx context.Context) (*treetext.Node, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root := path.Clean("/" + s.Dir)

	tree := treetext.NewNode()
	walk := s.Client.Walk(ctx, root, alist.WalkOptions{
		Workers: remoteWalkWorkers,
		Filter:  func(e alist.Entry) bool { return !e.IsDir },
	})
	for e, err := range walk {
		if err != nil {
			return nil, err
		}
		rel, err := safety.RemoteRel(root, e.Path)
		if err != nil {
			logger.Debug("skipping entry outside the catalog root", "path", e.Path, "error", err)
			continue
		}
		node, ok := folderFor(tree, strings.Split(rel, "/"), logger)
		if !ok {
			continue
		}
		leaf := []string{strconv.FormatInt(e.Size, 10), "0", e.DownloadURL(s.SignToken)}
		if !e.Modified.IsZero() {
			leaf[1] = strconv.FormatInt(e.Modified.Unix(), 10)
		}
		addLeaf(node, e.Name, leaf, logger)
	}
	return tree, nil
}
