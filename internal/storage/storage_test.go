package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"imodalign/internal/xf"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "imodalign.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	rec := JobRecord{ID: "fid-1", JobType: "fiducials", Status: "queued", InputPath: "TS_01.mrc", OutputPath: "etomo/TS_01", OptionsJSON: `{"pixel_size":2}`}
	if err := s.RecordJobQueued(rec); err != nil {
		t.Fatalf("RecordJobQueued: %v", err)
	}
	if err := s.RecordJobStart("fid-1"); err != nil {
		t.Fatalf("RecordJobStart: %v", err)
	}
	if err := s.RecordJobResult("fid-1", "completed", map[string]any{"images": 2}, ""); err != nil {
		t.Fatalf("RecordJobResult: %v", err)
	}

	got, err := s.Job("fid-1")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != "completed" || got.StartedAt == nil || got.CompletedAt == nil || got.InputPath != "TS_01.mrc" {
		t.Fatalf("unexpected job %+v", got)
	}
	meta, err := s.JobMeta("fid-1")
	if err != nil {
		t.Fatalf("JobMeta: %v", err)
	}
	if meta["images"].(float64) != 2 {
		t.Fatalf("unexpected meta %v", meta)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("RecentJobs: %v %v", jobs, err)
	}

	if _, err := s.Job("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.JobMeta("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransformsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	table, err := xf.NewTable([][]float64{
		{1, 0, 0, 1, 1, 2},
		{0, -1, 1, 0, 3, 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	hint := 0.0
	decoded, _ := table.Decode(&hint)

	if err := s.RecordTransforms("pt-1", []float64{-3, 3}, decoded); err != nil {
		t.Fatalf("RecordTransforms: %v", err)
	}
	// re-recording replaces rather than duplicates
	if err := s.RecordTransforms("pt-1", []float64{-3, 3}, decoded); err != nil {
		t.Fatalf("RecordTransforms again: %v", err)
	}

	got, err := s.Transforms("pt-1")
	if err != nil {
		t.Fatalf("Transforms: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transforms, got %d", len(got))
	}
	if got[1].TiltAngle != 3 || got[1].Matrix != decoded[1].Matrix || got[1].ImageShift != decoded[1].ImageShift {
		t.Fatalf("unexpected transform %+v want %+v", got[1], decoded[1])
	}
	if got[0].Shift != (xf.Vec2{1, 2}) {
		t.Fatalf("unexpected shift %v", got[0].Shift)
	}
}

func TestWatchEvents(t *testing.T) {
	s := newTestStore(t)
	seen, err := s.SeenStack("/data/TS_01.mrc")
	if err != nil || seen {
		t.Fatalf("expected unseen stack, got %v %v", seen, err)
	}
	ev := WatchEvent{FilePath: "/data/TS_01.mrc", EventType: "created", EventTime: time.Now(), FileSize: 10, JobID: "watch-1"}
	if err := s.RecordWatchEvent(ev); err != nil {
		t.Fatalf("RecordWatchEvent: %v", err)
	}
	if seen, _ := s.SeenStack("/data/TS_01.mrc"); !seen {
		t.Fatalf("expected stack to be seen")
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("expected nil store writes to be ignored, got %v", err)
	}
	if err := s.RecordTransforms("x", nil, nil); err != nil {
		t.Fatalf("expected nil store writes to be ignored, got %v", err)
	}
	if _, err := s.RecentJobs(1); err == nil {
		t.Fatalf("expected error reading from nil store")
	}
}
