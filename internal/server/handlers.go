package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/strmsync/internal/schedule"
	"github.com/BadgerOps/strmsync/internal/store"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TriggerResponse is the response from POST /api/trigger/{kind}/{id}.
type TriggerResponse struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleTrigger runs a job synchronously and reports its final status.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	kind, id := r.PathValue("kind"), r.PathValue("id")
	resp := TriggerResponse{Kind: kind, ID: id}

	if kind != store.KindSync && kind != store.KindMirror {
		resp.Status, resp.Error = "unknown", "unknown job kind"
		writeJSON(w, http.StatusNotFound, resp)
		return
	}

	status, err := s.runner.Trigger(r.Context(), kind, id)
	switch {
	case errors.Is(err, schedule.ErrUnknownJob):
		resp.Status, resp.Error = "unknown", "job not found"
		writeJSON(w, http.StatusNotFound, resp)
	case errors.Is(err, schedule.ErrBusy):
		resp.Status, resp.Error = "running", "job is already running"
		writeJSON(w, http.StatusConflict, resp)
	case err != nil:
		s.logger.Error("triggered job failed", "kind", kind, "id", id, "error", err)
		resp.Status, resp.Error = status, err.Error()
		if resp.Status == "" {
			resp.Status = "failed"
		}
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		resp.Status = status
		writeJSON(w, http.StatusOK, resp)
	}
}

type jobJSON struct {
	Name    string     `json:"name"`
	Cron    string     `json:"cron,omitempty"`
	Next    *time.Time `json:"next,omitempty"`
	LastRun *time.Time `json:"last_run,omitempty"`
	LastErr string     `json:"last_error,omitempty"`
	Running bool       `json:"running"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	statuses := s.runner.Jobs()
	out := make([]jobJSON, 0, len(statuses))
	for _, st := range statuses {
		j := jobJSON{
			Name:    st.Name,
			Cron:    st.Spec,
			Next:    optionalTime(st.Next),
			LastRun: optionalTime(st.LastRun),
			Running: st.Running,
		}
		if st.LastErr != nil {
			j.LastErr = st.LastErr.Error()
		}
		out = append(out, j)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleProgress reports the live or last progress of a sync job.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := s.runner.Progress(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no progress for job"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type runJSON struct {
	RunID            string     `json:"run_id"`
	Kind             string     `json:"kind"`
	Job              string     `json:"job"`
	Status           string     `json:"status"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	Discovered       int        `json:"discovered"`
	Written          int        `json:"written"`
	Downloaded       int        `json:"downloaded"`
	Deleted          int        `json:"deleted"`
	Skipped          int        `json:"skipped"`
	Failed           int        `json:"failed"`
	BytesTransferred int64      `json:"bytes_transferred"`
	Error            string     `json:"error,omitempty"`
}

// handleRuns lists recent runs, newest first. Query: job, limit.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.history.ListSyncRuns(r.URL.Query().Get("job"), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
		return
	}

	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON{
			RunID:            run.RunID,
			Kind:             run.Kind,
			Job:              run.Job,
			Status:           run.Status,
			StartTime:        run.StartTime,
			EndTime:          optionalTime(run.EndTime),
			Discovered:       run.FilesDiscovered,
			Written:          run.FilesWritten,
			Downloaded:       run.FilesDownloaded,
			Deleted:          run.FilesDeleted,
			Skipped:          run.FilesSkipped,
			Failed:           run.FilesFailed,
			BytesTransferred: run.BytesTransferred,
			Error:            run.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type failureJSON struct {
	Job         string    `json:"job"`
	Path        string    `json:"path"`
	Dest        string    `json:"dest"`
	URL         string    `json:"url,omitempty"`
	Error       string    `json:"error"`
	RetryCount  int       `json:"retry_count"`
	LastFailure time.Time `json:"last_failure"`
}

// handleFailures lists the unresolved abandoned entries of one job.
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	if job == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job is required"})
		return
	}
	records, err := s.history.ListFailedFiles(job)
	if err != nil {
		s.logger.Error("failed to list failed files", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list failed files"})
		return
	}
	out := make([]failureJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, failureJSON{
			Job:         rec.Job,
			Path:        rec.FilePath,
			Dest:        rec.DestPath,
			URL:         rec.URL,
			Error:       rec.Error,
			RetryCount:  rec.RetryCount,
			LastFailure: rec.LastFailure,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
