package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"imodalign/internal/config"
	"imodalign/internal/storage"
	"imodalign/internal/tasks"
	"imodalign/internal/xf"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRouterAlignmentBuildsRequestFromOptions(t *testing.T) {
	alignStub := &stubAlignmentManager{}
	r := &router{log: slog.Default(), cfg: testConfig(t), alignMgr: alignStub}

	job := Job{
		ID:        "pt-1",
		Type:      JobPatchTracking,
		InputPath: "/data/TS_01.mrc",
		Output:    t.TempDir(),
		Options: map[string]any{
			"tilt_angles": []any{-3.0, 0.0, 3.0},
			"pixel_size":  2.0,
			"rotation":    85,
			"patch_size":  800.0,
		},
	}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	req := alignStub.lastReq
	if req.AlignType != tasks.AlignmentPatchTracking {
		t.Fatalf("expected patch tracking, got %v", req.AlignType)
	}
	if req.Basename != "TS_01" || len(req.TiltAngles) != 3 || req.NominalRotationAngle != 85 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.PatchSize != 800 || req.PatchOverlapPercentage != 33 {
		t.Fatalf("expected option patch size and default overlap, got %+v", req)
	}
	if alignStub.callCount != 1 {
		t.Fatalf("expected one Align call, got %d", alignStub.callCount)
	}
	if res.Meta["tool"] != "stub-aligner" {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
}

func TestRouterAlignReadsSidecarTiltFile(t *testing.T) {
	dir := t.TempDir()
	stack := filepath.Join(dir, "TS_02.mrc")
	os.WriteFile(stack, nil, 0o644)
	os.WriteFile(filepath.Join(dir, "TS_02.rawtlt"), []byte("-60\n0\n60\n"), 0o644)

	cfg := testConfig(t)
	cfg.Paths.DefaultOutput = filepath.Join(dir, "etomo")
	alignStub := &stubAlignmentManager{}
	r := &router{log: slog.Default(), cfg: cfg, alignMgr: alignStub}

	res := r.Process(context.Background(), Job{ID: "fid-2", Type: JobFiducials, InputPath: stack, Options: map[string]any{"pixel_size": 1.0}})
	if res.Error != nil {
		t.Fatalf("unexpected error %v", res.Error)
	}
	req := alignStub.lastReq
	if len(req.TiltAngles) != 3 || req.TiltAngles[2] != 60 {
		t.Fatalf("expected sidecar angles, got %v", req.TiltAngles)
	}
	if req.OutputDir != filepath.Join(dir, "etomo", "TS_02") {
		t.Fatalf("unexpected default output %s", req.OutputDir)
	}
	if req.FiducialSize != cfg.Alignment.Fiducials.FiducialSize {
		t.Fatalf("expected default fiducial size, got %v", req.FiducialSize)
	}
}

func TestRouterAlignWithoutTiltAngles(t *testing.T) {
	alignStub := &stubAlignmentManager{}
	r := &router{log: slog.Default(), cfg: testConfig(t), alignMgr: alignStub}
	res := r.Process(context.Background(), Job{ID: "x", Type: JobFiducials, InputPath: filepath.Join(t.TempDir(), "TS.mrc")})
	if res.Error == nil || alignStub.callCount != 0 {
		t.Fatalf("expected error before alignment, got %v calls=%d", res.Error, alignStub.callCount)
	}
}

func TestRouterStoresTransforms(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	table, _ := xf.NewTable([][]float64{{1, 0, 0, 1, 1, 2}, {1, 0, 0, 1, 3, 4}})
	decoded, _ := table.Decode(nil)
	alignStub := &stubAlignmentManager{result: tasks.AlignmentResult{Success: true, Transforms: decoded, TiltAngles: []float64{-1, 1}}}
	r := &router{log: slog.Default(), cfg: testConfig(t), store: store, alignMgr: alignStub}

	res := r.Process(context.Background(), Job{ID: "fid-3", Type: JobFiducials, InputPath: "TS.mrc", Options: map[string]any{"tilt_angles": []float64{-1, 1}}})
	if res.Error != nil {
		t.Fatalf("unexpected error %v", res.Error)
	}
	got, err := store.Transforms("fid-3")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected stored transforms, got %v %v", got, err)
	}
}

func TestRouterUnknownJob(t *testing.T) {
	r := &router{log: slog.Default(), cfg: testConfig(t), alignMgr: &stubAlignmentManager{}}
	if res := r.Process(context.Background(), Job{Type: "reconstruct"}); res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestPipelineBroadcastsResults(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	proc := processorFunc(func(ctx context.Context, job Job) Result {
		if job.ID == "bad" {
			return Result{Job: job, Error: errors.New("boom")}
		}
		return Result{Job: job, Meta: map[string]any{"ok": true}}
	})
	p := NewWithProcessor(context.Background(), 2, slog.Default(), store, proc)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	for _, id := range []string{"good", "bad"} {
		if err := p.Submit(Job{ID: id, Type: JobFiducials, InputPath: id + ".mrc"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	seen := map[string]Result{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case res := <-results:
			seen[res.Job.ID] = res
		case <-timeout:
			t.Fatalf("timed out, got %v", seen)
		}
	}
	if seen["bad"].Error == nil || seen["good"].Error != nil {
		t.Fatalf("unexpected results %+v", seen)
	}

	// results are recorded before they are broadcast
	good, err := store.Job("good")
	if err != nil || good.Status != "completed" {
		t.Fatalf("unexpected stored job %+v %v", good, err)
	}
	bad, _ := store.Job("bad")
	if bad.Status != "failed" || bad.Error != "boom" {
		t.Fatalf("unexpected stored job %+v", bad)
	}
}

func TestOptionHelpers(t *testing.T) {
	opts := map[string]any{"i": 3, "f": 1.5, "s": "x", "b": true, "l": []any{1.0, 2.0}, "bad": []any{"a"}}
	if optFloat(opts, "i", 0) != 3 || optFloat(opts, "f", 0) != 1.5 || optFloat(opts, "missing", 7) != 7 {
		t.Fatalf("unexpected float handling")
	}
	if optString(opts, "s") != "x" || !optBool(opts, "b") {
		t.Fatalf("unexpected string/bool handling")
	}
	if len(optFloats(opts, "l")) != 2 || optFloats(opts, "bad") != nil {
		t.Fatalf("unexpected list handling")
	}
}

type processorFunc func(ctx context.Context, job Job) Result

func (f processorFunc) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

// Stubs
type stubAlignmentManager struct {
	lastReq   tasks.AlignmentRequest
	result    tasks.AlignmentResult
	callCount int
}

func (s *stubAlignmentManager) Align(ctx context.Context, req tasks.AlignmentRequest) (tasks.AlignmentResult, error) {
	s.callCount++
	s.lastReq = req
	res := s.result
	if res.ToolUsed == "" {
		res.ToolUsed = "stub-aligner"
		res.Success = true
	}
	return res, nil
}

type recordingSubmitter struct{ jobs []Job }

func (s *recordingSubmitter) Submit(job Job) error {
	s.jobs = append(s.jobs, job)
	return nil
}

func TestWatcherQueuesStackOnce(t *testing.T) {
	dir := t.TempDir()
	stack := filepath.Join(dir, "TS_03.mrc")
	os.WriteFile(stack, []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "TS_03.tlt"), []byte("0\n"), 0o644)
	orphan := filepath.Join(dir, "TS_04.mrc")
	os.WriteFile(orphan, []byte("x"), 0o644)

	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	sub := &recordingSubmitter{}
	w := &Watcher{Submitter: sub, Store: store, JobType: JobFiducials, Output: "/out", Options: map[string]any{"pixel_size": 1.5}}

	ev := tasks.FileSystemEvent{Path: stack, Operation: "created", Time: time.Now(), Size: 1}
	id, err := w.Handle(ev)
	if err != nil || id == "" {
		t.Fatalf("expected queued job, got %q %v", id, err)
	}
	if id2, err := w.Handle(ev); err != nil || id2 != "" {
		t.Fatalf("expected second event to be ignored, got %q %v", id2, err)
	}
	if _, err := w.Handle(tasks.FileSystemEvent{Path: orphan, Operation: "created", Time: time.Now()}); err == nil {
		t.Fatalf("expected error for stack without tilt file")
	}

	if len(sub.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(sub.jobs))
	}
	job := sub.jobs[0]
	if job.Type != JobFiducials || job.Output != filepath.Join("/out", "TS_03") {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options["tilt_file"] != filepath.Join(dir, "TS_03.tlt") || job.Options["pixel_size"] != 1.5 {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if _, ok := w.Options["tilt_file"]; ok {
		t.Fatalf("watcher options must not be mutated")
	}
}

func TestSlowSubscriberReceivesEveryResult(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, job Job) Result {
		return Result{Job: job, Error: errors.New("no IMOD")}
	})
	p := NewWithProcessor(context.Background(), 4, slog.Default(), nil, proc)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	const n = 50
	for i := 0; i < n; i++ {
		if err := p.Submit(Job{ID: NewJobID(JobFiducials), Type: JobFiducials}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	// let the workers finish everything before reading
	time.Sleep(100 * time.Millisecond)

	timeout := time.After(5 * time.Second)
	for got := 0; got < n; got++ {
		select {
		case <-results:
		case <-timeout:
			t.Fatalf("timed out after %d of %d results", got, n)
		}
	}
}

func TestSubmitContextWaitsForQueueSlot(t *testing.T) {
	release := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, job Job) Result {
		<-release
		return Result{Job: job}
	})
	p := NewWithProcessor(context.Background(), 1, slog.Default(), nil, proc)
	defer p.Stop()

	// one job in the worker plus a full queue
	for i := 0; i < 65; i++ {
		if err := p.SubmitContext(context.Background(), Job{ID: NewJobID(JobScan), Type: JobScan}); err != nil {
			t.Fatalf("SubmitContext %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for p.Submit(Job{ID: "overflow", Type: JobScan}) != ErrQueueFull {
		if time.Now().After(deadline) {
			t.Fatalf("expected the queue to fill up")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.SubmitContext(ctx, Job{ID: "late", Type: JobScan}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error on a full queue, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.SubmitContext(context.Background(), Job{ID: "waiting", Type: JobScan}) }()
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SubmitContext: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("SubmitContext did not resume once the queue drained")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, job Job) Result { return Result{Job: job} })
	p := NewWithProcessor(context.Background(), 2, slog.Default(), nil, proc)

	results, _ := p.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = p.Submit(Job{ID: NewJobID(JobScan), Type: JobScan})
		}
	}()
	p.Stop()
	wg.Wait()

	if err := p.Submit(Job{ID: "after", Type: JobScan}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := p.SubmitContext(context.Background(), Job{ID: "after", Type: JobScan}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	for range results {
	}
}
