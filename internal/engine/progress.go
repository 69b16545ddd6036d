package engine

import (
	"sync"
	"time"
)

// Phase is the current stage of a run.
type Phase string

const (
	PhaseDiscovering   Phase = "discovering"
	PhaseMaterializing Phase = "materializing"
	PhaseReconciling   Phase = "reconciling"
	PhaseComplete      Phase = "complete"
	PhaseFailed        Phase = "failed"
	PhaseCancelled     Phase = "cancelled"
)

// ArtifactEvent records a finished or failed artifact for the recent
// activity log.
type ArtifactEvent struct {
	Path   string `json:"path"`
	Status string `json:"status"` // "written", "downloaded", "failed", "deleted"
	Error  string `json:"error,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// Progress is a snapshot of a run, safe for JSON serialization.
type Progress struct {
	Job             string          `json:"job"`
	Phase           Phase           `json:"phase"`
	Discovered      int             `json:"discovered"`
	Planned         int             `json:"planned"`
	Written         int             `json:"written"`
	Downloaded      int             `json:"downloaded"`
	Skipped         int             `json:"skipped"`
	Failed          int             `json:"failed"`
	Deleted         int             `json:"deleted"`
	TotalBytes      int64           `json:"total_bytes"`
	BytesDownloaded int64           `json:"bytes_downloaded"`
	Percent         float64         `json:"percent"`
	RecentEvents    []ArtifactEvent `json:"recent_events,omitempty"`
	StartTime       time.Time       `json:"start_time"`
	Elapsed         string          `json:"elapsed"`
	Message         string          `json:"message,omitempty"`
}

const maxRecentEvents = 20

// Tracker accumulates progress from materialize workers. Watchers use
// Wait to block until the next update.
type Tracker struct {
	mu sync.Mutex

	job             string
	phase           Phase
	discovered      int
	planned         int
	written         int
	downloaded      int
	skipped         int
	failed          int
	deleted         int
	totalBytes      int64
	bytesDownloaded int64
	startTime       time.Time
	message         string
	recentEvents    []ArtifactEvent

	// Closed and replaced on every update.
	notify chan struct{}
}

// NewTracker creates a tracker for the given job.
func NewTracker(job string) *Tracker {
	return &Tracker{
		job:       job,
		phase:     PhaseDiscovering,
		startTime: time.Now(),
		notify:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	done := t.written + t.downloaded + t.skipped + t.failed
	switch {
	case t.planned > 0:
		pct = float64(done) / float64(t.planned) * 100
	case t.phase == PhaseComplete:
		pct = 100
	}

	recent := make([]ArtifactEvent, len(t.recentEvents))
	copy(recent, t.recentEvents)

	return Progress{
		Job:             t.job,
		Phase:           t.phase,
		Discovered:      t.discovered,
		Planned:         t.planned,
		Written:         t.written,
		Downloaded:      t.downloaded,
		Skipped:         t.skipped,
		Failed:          t.failed,
		Deleted:         t.deleted,
		TotalBytes:      t.totalBytes,
		BytesDownloaded: t.bytesDownloaded,
		Percent:         pct,
		RecentEvents:    recent,
		StartTime:       t.startTime,
		Elapsed:         time.Since(t.startTime).Truncate(time.Second).String(),
		Message:         t.message,
	}
}

// Wait returns a channel that will be closed when the next update occurs.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

func (t *Tracker) update(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
	t.signal()
}

// SetPhase updates the current phase.
func (t *Tracker) SetPhase(phase Phase) {
	t.update(func() { t.phase = phase })
}

// SetMessage sets a human-readable status message.
func (t *Tracker) SetMessage(msg string) {
	t.update(func() { t.message = msg })
}

// EntryDiscovered counts one walked entry.
func (t *Tracker) EntryDiscovered() {
	t.update(func() { t.discovered++ })
}

// SetPlanned records the artifact count and content bytes of the plan.
func (t *Tracker) SetPlanned(artifacts int, contentBytes int64) {
	t.update(func() {
		t.planned = artifacts
		t.totalBytes = contentBytes
	})
}

// addRecentEvent must be called with t.mu held.
func (t *Tracker) addRecentEvent(ev ArtifactEvent) {
	t.recentEvents = append([]ArtifactEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > maxRecentEvents {
		t.recentEvents = t.recentEvents[:maxRecentEvents]
	}
}

// Written marks a pointer artifact as written.
func (t *Tracker) Written(localPath string) {
	t.update(func() {
		t.written++
		t.addRecentEvent(ArtifactEvent{Path: localPath, Status: "written"})
	})
}

// Downloaded marks a content artifact as downloaded.
func (t *Tracker) Downloaded(localPath string, size int64) {
	t.update(func() {
		t.downloaded++
		t.bytesDownloaded += size
		t.addRecentEvent(ArtifactEvent{Path: localPath, Status: "downloaded", Size: size})
	})
}

// Skipped counts an artifact kept by the freshness check.
func (t *Tracker) Skipped() {
	t.update(func() { t.skipped++ })
}

// Failed marks an artifact as abandoned.
func (t *Tracker) Failed(localPath, errMsg string) {
	t.update(func() {
		t.failed++
		t.addRecentEvent(ArtifactEvent{Path: localPath, Status: "failed", Error: errMsg})
	})
}

// Deleted marks a local file removed by reconciliation.
func (t *Tracker) Deleted(localPath string) {
	t.update(func() {
		t.deleted++
		t.addRecentEvent(ArtifactEvent{Path: localPath, Status: "deleted"})
	})
}
