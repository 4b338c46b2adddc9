package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"imodalign/internal/config"
	"imodalign/internal/etomo"
	"imodalign/internal/imod"
)

func TestBinning(t *testing.T) {
	cases := []struct {
		name   string
		fn     func(float64, float64) int
		src    float64
		target float64
		want   int
	}{
		{"power of two", OptimalPowerOfTwoBinning, 2, 10, 4},
		{"power of two capped", OptimalPowerOfTwoBinning, 0.1, 10, 32},
		{"power of two unbinned", OptimalPowerOfTwoBinning, 12, 10, 1},
		{"integer", OptimalIntegerBinning, 3, 10, 3},
		{"integer exact", OptimalIntegerBinning, 2.5, 10, 4},
		{"integer capped", OptimalIntegerBinning, 0.1, 10, 29},
		// 4*2 and 4*3 are equally far from 10
		{"integer tie goes low", OptimalIntegerBinning, 4, 10, 2},
	}
	for _, tc := range cases {
		if got := tc.fn(tc.src, tc.target); got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestFiducialDirective(t *testing.T) {
	tmpl, err := LoadTemplate(AlignmentFiducials, "")
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	d, bin := FiducialDirective(tmpl, "/data/TS_01/TS_01.mrc", 2, 10, -85, 10)
	if bin != 4 {
		t.Fatalf("expected binning 4, got %d", bin)
	}
	want := map[string]string{
		KeyStackExtension: ".mrc",
		KeyRotation:       "-85",
		KeyPixelSize:      "0.2",
		KeyFiducialSize:   "10",
		KeyBinByFactor:    "4",
	}
	for k, v := range want {
		if got, _ := d.Get(k); got != v {
			t.Fatalf("%s: got %q want %q", k, got, v)
		}
	}
	if v, _ := tmpl.Get(KeyRotation); v != "0" {
		t.Fatalf("template must not be modified, rotation=%q", v)
	}
}

func TestPatchTrackingDirective(t *testing.T) {
	tmpl, err := LoadTemplate(AlignmentPatchTracking, "")
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	d, bin := PatchTrackingDirective(tmpl, "TS.mrc", 2, 85, 1000, 33, 10)
	if bin != 4 {
		t.Fatalf("expected binning 4, got %d", bin)
	}
	if v, _ := d.Get(KeyPatchSize); v != "125,125" {
		t.Fatalf("unexpected patch size %q", v)
	}
	if v, _ := d.Get(KeyPatchOverlap); v != "0.33,0.33" {
		t.Fatalf("unexpected overlap %q", v)
	}
	if _, ok := d.Get(KeyFiducialSize); ok {
		t.Fatalf("patch tracking must not set a fiducial size")
	}
}

func TestLoadTemplateFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.adoc")
	if err := os.WriteFile(path, []byte("custom.key = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := LoadTemplate(AlignmentFiducials, path)
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	if d.Len() != 1 {
		t.Fatalf("expected custom template, got %v", d.Keys())
	}
	if _, err := LoadTemplate(AlignmentFiducials, filepath.Join(t.TempDir(), "missing.adoc")); err == nil {
		t.Fatalf("expected error for missing template")
	}
}

type stubRunner struct {
	calls     int
	directive *imod.Directive
	err       error
	noOutput  bool
}

func (r *stubRunner) Run(ctx context.Context, d etomo.Directory, directive *imod.Directive) (etomo.Outputs, error) {
	r.calls++
	r.directive = directive
	if r.err != nil {
		return etomo.Outputs{}, r.err
	}
	if !r.noOutput {
		os.WriteFile(d.Transforms(), []byte("0.866 -0.5 0.5 0.866 1 2\n0.866 -0.5 0.5 0.866 3 4\n"), 0o644)
		os.WriteFile(d.TiltAngles(), []byte("-3.00\n3.00\n"), 0o644)
	}
	return etomo.Outputs{Transforms: d.Transforms(), TiltAngles: d.TiltAngles()}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func testStack(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "TS_07.mrc")
	h := imod.MRCHeader{NX: 4, NY: 4, NZ: 2, Mode: 2}
	if err := os.WriteFile(path, h.Encode(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fiducialRequest(t *testing.T) AlignmentRequest {
	return AlignmentRequest{
		AlignType:            AlignmentFiducials,
		TiltSeries:           testStack(t),
		TiltAngles:           []float64{-3, 3},
		OutputDir:            filepath.Join(t.TempDir(), "TS_07"),
		Basename:             "TS_07",
		PixelSize:            2,
		FiducialSize:         10,
		NominalRotationAngle: 30,
	}
}

func TestFiducialProcessorAlign(t *testing.T) {
	runner := &stubRunner{}
	p := NewFiducialAlignmentProcessor(testConfig(t), runner, nil)
	p.checkInstall = func() error { return nil }

	res, err := p.Align(context.Background(), fiducialRequest(t))
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if !res.Success || res.Skipped || runner.calls != 1 {
		t.Fatalf("unexpected result %+v calls=%d", res, runner.calls)
	}
	if v, _ := runner.directive.Get(KeyFiducialSize); v != "10" {
		t.Fatalf("unexpected directive gold %q", v)
	}
	if len(res.Transforms) != 2 {
		t.Fatalf("expected two transforms, got %d", len(res.Transforms))
	}
	// cos 30° with a positive hint keeps the positive sign
	if r := res.Transforms[0].Rotation; r < 29.9 || r > 30.1 {
		t.Fatalf("unexpected rotation %v", r)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings with a hint, got %v", res.Warnings)
	}
}

func TestProcessorSkipIfCompleted(t *testing.T) {
	runner := &stubRunner{}
	p := NewPatchTrackingAlignmentProcessor(testConfig(t), runner, nil)
	p.checkInstall = func() error { return nil }

	req := fiducialRequest(t)
	req.AlignType = AlignmentPatchTracking
	req.PatchSize = 1000
	req.PatchOverlapPercentage = 33

	if _, err := p.Align(context.Background(), req); err != nil {
		t.Fatalf("first Align: %v", err)
	}
	req.SkipIfCompleted = true
	res, err := p.Align(context.Background(), req)
	if err != nil {
		t.Fatalf("second Align: %v", err)
	}
	if !res.Skipped || runner.calls != 1 {
		t.Fatalf("expected skip, skipped=%v calls=%d", res.Skipped, runner.calls)
	}

	req.SkipIfCompleted = false
	if _, err := p.Align(context.Background(), req); err != nil {
		t.Fatalf("third Align: %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("expected rerun without skip, calls=%d", runner.calls)
	}
}

func TestProcessorFailures(t *testing.T) {
	cfg := testConfig(t)

	noOutput := NewFiducialAlignmentProcessor(cfg, &stubRunner{noOutput: true}, nil)
	noOutput.checkInstall = func() error { return nil }
	_, err := noOutput.Align(context.Background(), fiducialRequest(t))
	if !errors.Is(err, etomo.ErrAlignmentFailed) {
		t.Fatalf("expected ErrAlignmentFailed, got %v", err)
	}

	runErr := errors.New("exit status 1")
	failing := NewFiducialAlignmentProcessor(cfg, &stubRunner{err: runErr}, nil)
	failing.checkInstall = func() error { return nil }
	res, err := failing.Align(context.Background(), fiducialRequest(t))
	if !errors.Is(err, runErr) || res.Error == nil {
		t.Fatalf("expected runner error, got %v", err)
	}

	runner := &stubRunner{}
	missing := NewFiducialAlignmentProcessor(cfg, runner, nil)
	missing.checkInstall = func() error { return imod.ErrNotInstalled }
	if _, err := missing.Align(context.Background(), fiducialRequest(t)); !errors.Is(err, imod.ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("runner must not run without IMOD")
	}

	bad := fiducialRequest(t)
	bad.FiducialSize = 0
	if _, err := missing.Align(context.Background(), bad); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestProcessorAvailability(t *testing.T) {
	bin := t.TempDir()
	t.Setenv("PATH", bin)
	cfg := testConfig(t)
	p := NewPatchTrackingAlignmentProcessor(cfg, &stubRunner{}, nil)
	if p.IsAvailable() {
		t.Fatalf("expected unavailable without batchruntomo")
	}
	if err := os.WriteFile(filepath.Join(bin, "batchruntomo"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if !p.IsAvailable() {
		t.Fatalf("expected available with batchruntomo on PATH")
	}
	cfg.Alignment.PatchTracking.Enabled = false
	if p.IsAvailable() {
		t.Fatalf("expected disabled processor to be unavailable")
	}
}

func TestToolManager(t *testing.T) {
	bin := t.TempDir()
	for _, name := range append([]string{"batchruntomo", "imod"}, requiredTools...) {
		if err := os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	imodDir := t.TempDir()
	os.WriteFile(filepath.Join(imodDir, "VERSION"), []byte("4.11.24\n"), 0o644)
	t.Setenv("PATH", bin)
	t.Setenv("IMOD_DIR", imodDir)

	tm := NewToolManager(testConfig(t))
	if err := tm.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if v := tm.CheckTool("imod").Version; v != "4.11.24" {
		t.Fatalf("unexpected IMOD version %q", v)
	}

	os.Remove(filepath.Join(bin, "tiltalign"))
	if err := tm.Ready(); err == nil {
		t.Fatalf("expected missing tiltalign to be reported")
	}
}

func TestFileSystemWatcherReportsSettledStacks(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileSystemWatcher([]string{dir}, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	stack := filepath.Join(dir, "TS_01.mrc")
	os.WriteFile(stack, []byte("partial"), 0o644)

	select {
	case ev := <-w.Events:
		if ev.Path != stack || ev.Operation != "created" || ev.Size != int64(len("partial")) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for stack event")
	}
}

func TestIsTiltSeriesFile(t *testing.T) {
	for path, want := range map[string]bool{"a.mrc": true, "b.ST": true, "c.xf": false, "d": false} {
		if got := IsTiltSeriesFile(path); got != want {
			t.Fatalf("%s: got %v", path, got)
		}
	}
	if Basename("/data/TS_01.mrc") != "TS_01" {
		t.Fatalf("unexpected basename")
	}
}

func TestScanPairsStacksWithTiltFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "TS_01.mrc"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "TS_01.rawtlt"), []byte("-3\n0\n3\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "TS_02.mrc"), nil, 0o644)

	res, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Series) != 1 || len(res.Unpaired) != 1 {
		t.Fatalf("unexpected scan %+v", res)
	}
	req, err := res.Series[0].Request(AlignmentRequest{PixelSize: 2}, "/out")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.Basename != "TS_01" || req.OutputDir != "/out/TS_01" || len(req.TiltAngles) != 3 || req.PixelSize != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
}
