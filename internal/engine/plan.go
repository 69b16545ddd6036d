package engine

import (
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/safety"
)

// ArtifactKind distinguishes pointer files from downloaded content.
type ArtifactKind int

const (
	KindPointer ArtifactKind = iota
	KindContent
)

func (k ArtifactKind) String() string {
	if k == KindPointer {
		return "pointer"
	}
	return "content"
}

// Artifact is one local file a run should produce.
type Artifact struct {
	Entry     alist.Entry
	LocalPath string // absolute, under the job's target directory
	Kind      ArtifactKind
}

// Plan is the outcome of filtering and grouping one discovery.
type Plan struct {
	Artifacts []Artifact
	// Unmapped holds entries whose local path could not be computed.
	Unmapped []FailedArtifact
}

// TotalBytes sums the remote sizes of content artifacts.
func (p *Plan) TotalBytes() int64 {
	var n int64
	for _, a := range p.Artifacts {
		if a.Kind == KindContent {
			n += a.Entry.Size
		}
	}
	return n
}

// discFilter selects the walked entries a plan is built from: files with
// an allowed extension, plus every stream file of a disc structure.
// Other files inside a disc structure never qualify.
func (j *Job) discFilter(e alist.Entry) bool {
	if e.IsDir {
		return false
	}
	if _, _, inDisc, stream := discRoot(e.Path); inDisc {
		return stream
	}
	return j.Allowed(e.Suffix())
}

// discRoot inspects p for a ".../<title>/BDMV/..." structure. It returns
// the title directory and title name when found, and whether p is a file
// directly inside <title>/BDMV/STREAM.
func discRoot(p string) (titleDir, title string, inDisc, stream bool) {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i < len(segs)-1; i++ {
		if !strings.EqualFold(segs[i], "BDMV") {
			continue
		}
		titleDir = "/" + strings.Join(segs[:i], "/")
		stream = i+3 == len(segs) && strings.EqualFold(segs[i+1], "STREAM")
		return titleDir, segs[i-1], true, stream
	}
	return "", "", false, false
}

// BuildPlan maps discovered entries to local artifacts. Entries are
// considered in remote path order, so ties resolve the same way on every
// run. Each disc structure collapses to its largest stream, targeted at
// <title>/<title>.strm. When two entries map to the same local path the
// first one wins.
func (j *Job) BuildPlan(entries []alist.Entry, logger *slog.Logger) *Plan {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]alist.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir {
			sorted = append(sorted, e)
		}
	}
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Path < sorted[b].Path })

	type disc struct {
		title string
		best  alist.Entry
	}
	discs := make(map[string]*disc)
	var discOrder []string

	plan := &Plan{}
	claimed := make(map[string]string)
	add := func(e alist.Entry, remotePath, name string, kind ArtifactKind) {
		local, err := j.localPath(remotePath, name)
		if err != nil {
			logger.Warn("cannot map remote entry to a local path", "path", e.Path, "error", err)
			plan.Unmapped = append(plan.Unmapped, FailedArtifact{RemotePath: e.Path, Err: err})
			return
		}
		if prev, ok := claimed[local]; ok {
			logger.Warn("local path already claimed, skipping entry", "path", e.Path, "local", local, "claimed_by", prev)
			return
		}
		claimed[local] = e.Path
		plan.Artifacts = append(plan.Artifacts, Artifact{Entry: e, LocalPath: local, Kind: kind})
	}

	for _, e := range sorted {
		if titleDir, title, inDisc, stream := discRoot(e.Path); inDisc {
			if !stream {
				continue
			}
			d, ok := discs[titleDir]
			if !ok {
				discs[titleDir] = &disc{title: title, best: e}
				discOrder = append(discOrder, titleDir)
				continue
			}
			if e.Size > d.best.Size {
				d.best = e
			}
			continue
		}

		ext := e.Suffix()
		if !j.Allowed(ext) {
			continue
		}
		if j.IsPointer(ext) {
			name := strings.TrimSuffix(e.Name, ext) + PointerSuffix
			add(e, strings.TrimSuffix(e.Path, ext)+PointerSuffix, name, KindPointer)
			continue
		}
		add(e, e.Path, e.Name, KindContent)
	}

	for _, titleDir := range discOrder {
		d := discs[titleDir]
		name := d.title + PointerSuffix
		logger.Debug("collapsed disc structure", "title", titleDir, "stream", d.best.Path, "size", d.best.Size)
		add(d.best, path.Join(titleDir, name), name, KindPointer)
	}

	sort.Slice(plan.Artifacts, func(a, b int) bool {
		return plan.Artifacts[a].LocalPath < plan.Artifacts[b].LocalPath
	})
	return plan
}

// localPath maps a remote path under SourceDir to a path under TargetDir.
// Flattened jobs keep only the file name.
func (j *Job) localPath(remotePath, name string) (string, error) {
	if j.Flatten {
		return safety.SafeJoinUnder(j.TargetDir, name)
	}
	rel, err := safety.RemoteRel(j.SourceDir, remotePath)
	if err != nil {
		return "", err
	}
	return safety.SafeJoinUnder(j.TargetDir, rel)
}
