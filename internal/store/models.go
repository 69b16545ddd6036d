package store

import "time"

// Run kinds.
const (
	KindSync   = "sync"
	KindMirror = "mirror"
)

// SyncRun records one execution of a sync or mirror job.
type SyncRun struct {
	ID               int64
	RunID            string // uuid shared with log lines
	Kind             string // "sync" or "mirror"
	Job              string
	StartTime        time.Time
	EndTime          time.Time
	FilesDiscovered  int
	FilesWritten     int // pointer artifacts
	FilesDownloaded  int // content artifacts
	FilesDeleted     int
	FilesSkipped     int
	FilesFailed      int
	BytesTransferred int64
	Status           string // "running", "success", "partial", "failed"
	ErrorMessage     string
}

// FailedFileRecord is an entry abandoned after its retries were exhausted.
type FailedFileRecord struct {
	ID           int64
	Job          string
	FilePath     string // remote path
	DestPath     string // local artifact path
	URL          string
	Error        string
	RetryCount   int
	FirstFailure time.Time
	LastFailure  time.Time
	Resolved     bool
}
