// Package treemirror merges external catalogs into address-tree storages
// on the remote service. A catalog is built as a tree of folders and
// leaves, merged key-wise into the storage's current tree, and written
// back. Existing keys are never removed.
package treemirror

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/metrics"
	"github.com/BadgerOps/strmsync/internal/store"
	"github.com/BadgerOps/strmsync/internal/treetext"
)

// additionKey is the field of an address-tree storage's addition that
// holds the encoded tree.
const additionKey = "url_structure"

// Source produces a catalog tree.
type Source interface {
	Name() string
	Catalog(ctx context.Context) (*treetext.Node, error)
}

// Recorder persists run history. *store.Store satisfies it.
type Recorder interface {
	CreateSyncRun(run *store.SyncRun) error
	UpdateSyncRun(run *store.SyncRun) error
}

type nopRecorder struct{}

func (nopRecorder) CreateSyncRun(*store.SyncRun) error { return nil }
func (nopRecorder) UpdateSyncRun(*store.SyncRun) error { return nil }

// Result summarizes one mirror run.
type Result struct {
	RunID     string
	Job       string
	MountPath string
	StorageID int
	Catalog   int // leaves in the source catalog
	Changed   int // leaves inserted or overwritten
	Leaves    int // leaves in the storage after the merge
	Updated   bool
	StartTime time.Time
	EndTime   time.Time
}

// Mirror writes one source into one storage.
type Mirror struct {
	id        string
	client    *alist.Client
	mountPath string
	source    Source
	recorder  Recorder
	logger    *slog.Logger
}

// Option customizes a Mirror.
type Option func(*Mirror)

// WithRecorder enables run history.
func WithRecorder(r Recorder) Option {
	return func(m *Mirror) { m.recorder = r }
}

// New creates a mirror job. The storage at mountPath is created on first
// run if it does not exist.
func New(id string, client *alist.Client, mountPath string, source Source, logger *slog.Logger, opts ...Option) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		id:        id,
		client:    client,
		mountPath: mountPath,
		source:    source,
		recorder:  nopRecorder{},
		logger:    logger.With("job", id, "mount_path", mountPath),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run fetches the catalog and merges it into the storage. The storage is
// only written when the merge changed something.
func (m *Mirror) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:     uuid.NewString(),
		Job:       m.id,
		MountPath: m.mountPath,
		StartTime: time.Now(),
	}
	run := &store.SyncRun{
		RunID:     res.RunID,
		Kind:      store.KindMirror,
		Job:       m.id,
		StartTime: res.StartTime,
		Status:    "running",
	}
	if err := m.recorder.CreateSyncRun(run); err != nil {
		m.logger.Error("failed to create sync run record", "error", err)
	}

	err := m.run(ctx, res)
	res.EndTime = time.Now()

	run.EndTime = res.EndTime
	run.FilesDiscovered = res.Catalog
	run.FilesWritten = res.Changed
	run.Status = "success"
	if err != nil {
		run.Status = "failed"
		if ctx.Err() != nil {
			run.Status = "cancelled"
		}
		run.ErrorMessage = err.Error()
	}
	if uerr := m.recorder.UpdateSyncRun(run); uerr != nil {
		m.logger.Error("failed to update sync run record", "error", uerr)
	}
	metrics.RecordRun(store.KindMirror, run.Status, res.EndTime.Sub(res.StartTime))

	if err != nil {
		m.logger.Error("mirror failed", "run_id", res.RunID, "source", m.source.Name(), "error", err)
		return res, err
	}
	m.logger.Info("mirror completed",
		"run_id", res.RunID,
		"source", m.source.Name(),
		"catalog", res.Catalog,
		"changed", res.Changed,
		"leaves", res.Leaves,
		"updated", res.Updated,
	)
	return res, nil
}

func (m *Mirror) run(ctx context.Context, res *Result) error {
	m.logger.Info("fetching catalog", "source", m.source.Name())
	catalog, err := m.source.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", m.source.Name(), err)
	}
	res.Catalog = catalog.Leaves()

	storage, err := m.client.StorageByMountPath(ctx, m.mountPath, alist.DriverURLTree, true)
	if err != nil {
		return err
	}
	res.StorageID = storage.ID

	addition, err := storage.AdditionMap()
	if err != nil {
		return err
	}
	current, _ := addition[additionKey].(string)
	tree, err := treetext.Decode(current)
	if err != nil {
		// Writing back a tree we could not read would drop its contents.
		return fmt.Errorf("decoding tree of %s: %w", m.mountPath, err)
	}

	res.Changed = treetext.Merge(tree, catalog)
	res.Leaves = tree.Leaves()
	metrics.SetTreeLeaves(m.mountPath, res.Leaves)
	if res.Changed == 0 {
		m.logger.Debug("tree unchanged, skipping update")
		return nil
	}

	text, err := treetext.Encode(tree)
	if err != nil {
		return fmt.Errorf("encoding tree of %s: %w", m.mountPath, err)
	}
	addition[additionKey] = text
	if err := storage.SetAddition(addition); err != nil {
		return err
	}
	if err := m.client.UpdateStorage(ctx, *storage); err != nil {
		return err
	}
	res.Updated = true
	return nil
}

// folderFor returns the folder holding the last of segments, creating the
// folders on the way. It fails when a folder name cannot be encoded.
func folderFor(root *treetext.Node, segments []string, logger *slog.Logger) (*treetext.Node, bool) {
	dirs := segments[:len(segments)-1]
	for _, seg := range dirs {
		if err := treetext.CheckKey(seg); err != nil {
			logger.Warn("skipping catalog entry under unusable folder", "path", strings.Join(segments, "/"), "error", err)
			return nil, false
		}
	}
	node := root
	for _, seg := range dirs {
		node = node.Folder(seg)
	}
	return node, true
}

// addLeaf stores values under key in n when both survive encoding, and
// reports whether it did. Rejected entries are logged and dropped.
func addLeaf(n *treetext.Node, key string, values []string, logger *slog.Logger) bool {
	if err := treetext.CheckKey(key); err != nil {
		logger.Warn("skipping catalog entry with unusable name", "name", key, "error", err)
		return false
	}
	if err := treetext.CheckLeaf(values); err != nil {
		logger.Warn("skipping catalog entry that cannot be encoded", "name", key, "error", err)
		return false
	}
	n.SetLeaf(key, values...)
	return true
}
