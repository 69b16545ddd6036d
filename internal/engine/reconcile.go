package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// reconcile deletes every file under root that is neither in seen nor
// matched by ignore, then removes directories left empty by the deletions,
// never removing root itself. Flattened targets are only inspected one
// level deep. ignore is matched against the slash-separated path relative
// to root. The deleted paths are returned sorted.
func reconcile(fs afero.Fs, root string, flatten bool, seen *seenSet, ignore *regexp.Regexp, logger *slog.Logger) ([]string, error) {
	root = filepath.Clean(root)

	var candidates []string
	collect := func(p string) {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return
		}
		if seen.has(p) {
			return
		}
		if ignore != nil && ignore.MatchString(filepath.ToSlash(rel)) {
			logger.Debug("keeping ignored file", "path", p)
			return
		}
		candidates = append(candidates, p)
	}

	if flatten {
		infos, err := afero.ReadDir(fs, root)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", root, err)
		}
		for _, info := range infos {
			if !info.IsDir() {
				collect(filepath.Join(root, info.Name()))
			}
		}
	} else {
		err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == root {
					return nil
				}
				return err
			}
			if !info.IsDir() {
				collect(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	var deleted []string
	parents := make(map[string]struct{})
	for _, p := range candidates {
		if err := fs.Remove(p); err != nil {
			logger.Warn("failed to delete stale file", "path", p, "error", err)
			continue
		}
		logger.Debug("deleted stale file", "path", p)
		deleted = append(deleted, p)
		parents[filepath.Dir(p)] = struct{}{}
	}

	for dir := range parents {
		pruneEmptyDirs(fs, root, dir, logger)
	}

	sort.Strings(deleted)
	return deleted, nil
}

// pruneEmptyDirs removes dir and its ancestors while they are empty,
// stopping at root.
func pruneEmptyDirs(fs afero.Fs, root, dir string, logger *slog.Logger) {
	prefix := strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator)
	for strings.HasPrefix(dir, prefix) {
		empty, err := afero.IsEmpty(fs, dir)
		if err != nil || !empty {
			return
		}
		if err := fs.Remove(dir); err != nil {
			logger.Warn("failed to remove empty directory", "path", dir, "error", err)
			return
		}
		logger.Debug("removed empty directory", "path", dir)
		dir = filepath.Dir(dir)
	}
}
