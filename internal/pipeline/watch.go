package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"imodalign/internal/storage"
	"imodalign/internal/tasks"
)

// NewJobID returns a short unique job id prefixed with the job type.
func NewJobID(t JobType) string {
	return fmt.Sprintf("%s-%s", t, uuid.NewString()[:8])
}

// Submitter accepts jobs. *Pipeline implements it.
type Submitter interface {
	Submit(job Job) error
}

// Watcher turns settled tilt-series stacks reported by a filesystem watcher
// into alignment jobs. Stacks without a sidecar tilt file are recorded and
// skipped, and a stack is queued at most once per database.
type Watcher struct {
	Submitter Submitter
	Store     *storage.Store
	JobType   JobType
	Output    string
	Options   map[string]any
	Logger    *slog.Logger
}

// Run consumes events until ctx is done or events is closed.
func (w *Watcher) Run(ctx context.Context, events <-chan tasks.FileSystemEvent) {
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := w.Handle(ev); err != nil {
				log.Warn("watch event not queued", "path", ev.Path, "error", err)
			}
		}
	}
}

// Handle queues a job for a single event and returns its id, or "" when the
// event did not produce a job.
func (w *Watcher) Handle(ev tasks.FileSystemEvent) (string, error) {
	rec := storage.WatchEvent{FilePath: ev.Path, EventType: ev.Operation, EventTime: ev.Time, FileSize: ev.Size}
	if ev.Operation != "created" {
		return "", w.Store.RecordWatchEvent(rec)
	}

	seen, err := w.Store.SeenStack(ev.Path)
	if err != nil {
		return "", err
	}
	if seen {
		return "", nil
	}

	series, ok := tasks.PairTiltSeries(ev.Path)
	if !ok {
		_ = w.Store.RecordWatchEvent(rec)
		return "", fmt.Errorf("no tilt angle file next to %s", ev.Path)
	}

	jobType := w.JobType
	if jobType == "" {
		jobType = JobPatchTracking
	}
	opts := make(map[string]any, len(w.Options)+1)
	for k, v := range w.Options {
		opts[k] = v
	}
	opts["tilt_file"] = series.TiltFile

	job := Job{ID: NewJobID(jobType), Type: jobType, InputPath: series.Stack, Options: opts}
	if w.Output != "" {
		job.Output = filepath.Join(w.Output, series.Basename)
	}
	if err := w.Submitter.Submit(job); err != nil {
		_ = w.Store.RecordWatchEvent(rec)
		return "", err
	}
	rec.JobID = job.ID
	return job.ID, w.Store.RecordWatchEvent(rec)
}
