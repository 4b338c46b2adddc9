package etomo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"imodalign/internal/imod"
)

const fakeBatchruntomo = `#!/bin/sh
# args: -DirectiveFile f -CurrentLocation dir -RootName base -EndingStep n
echo "$@" > "$4/args.txt"
cp "$2" "$4/seen.adoc"
echo "batchruntomo output"
echo "batchruntomo error" >&2
if [ -n "$FAKE_BRT_FAIL" ]; then exit 3; fi
if [ -n "$FAKE_BRT_NO_OUTPUT" ]; then exit 0; fi
printf '   1.0000000   0.0000000   0.0000000   1.0000000      1.000      2.000\n' > "$4/$6.xf"
printf '   0.0000000  -1.0000000   1.0000000   0.0000000      3.000      4.000\n' >> "$4/$6.xf"
printf '%s\n' -3.00 3.00 > "$4/$6.tlt"
printf ' Total tilt angle change =   0.52\n' > "$4/align.log"
`

func installFakeBatchruntomo(t *testing.T) string {
	t.Helper()
	bin := t.TempDir()
	path := filepath.Join(bin, "batchruntomo")
	if err := os.WriteFile(path, []byte(fakeBatchruntomo), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	return path
}

func writeStack(t *testing.T, path string, nz int32) {
	t.Helper()
	h := imod.MRCHeader{NX: 8, NY: 8, NZ: nz, Mode: 1}
	if err := os.WriteFile(path, append(h.Encode(), make([]byte, 16)...), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDirectoryPaths(t *testing.T) {
	d := NewDirectory("/data/ts", "TS_01")
	cases := map[string]string{
		d.TiltSeries():      "/data/ts/TS_01.mrc",
		d.RawTiltAngles():   "/data/ts/TS_01.rawtlt",
		d.Transforms():      "/data/ts/TS_01.xf",
		d.TiltAngles():      "/data/ts/TS_01.tlt",
		d.EtomoFile():       "/data/ts/TS_01.edf",
		d.AlignLog():        "/data/ts/align.log",
		d.BatchruntomoLog(): "/data/ts/log.txt",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("got %s want %s", got, want)
		}
	}
}

func TestPrepareCopiesStackAndWritesRawTilt(t *testing.T) {
	src := filepath.Join(t.TempDir(), "input.mrc")
	writeStack(t, src, 2)

	dir := filepath.Join(t.TempDir(), "nested", "TS")
	d, err := Prepare(dir, "TS", src, []float64{-3, 3}, StageCopy)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !d.IsReadyForAlignment() {
		t.Fatalf("expected directory to be ready")
	}
	if d.ContainsAlignmentResults() {
		t.Fatalf("expected no results yet")
	}
	info, err := os.Lstat(d.TiltSeries())
	if err != nil || info.Mode()&os.ModeSymlink != 0 {
		t.Fatalf("expected a copied regular file, err=%v", err)
	}
	raw, _ := os.ReadFile(d.RawTiltAngles())
	if string(raw) != "-3.00\n3.00\n" {
		t.Fatalf("unexpected rawtlt %q", raw)
	}
}

func TestPrepareSymlink(t *testing.T) {
	src := filepath.Join(t.TempDir(), "input.mrc")
	writeStack(t, src, 2)
	d, err := Prepare(t.TempDir(), "TS", src, []float64{0, 1}, StageSymlink)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	info, err := os.Lstat(d.TiltSeries())
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("expected symlink, err=%v", err)
	}
}

func TestPrepareSkipsStagedStackWithSameShape(t *testing.T) {
	src := filepath.Join(t.TempDir(), "input.mrc")
	writeStack(t, src, 2)
	dir := t.TempDir()
	staged := filepath.Join(dir, "TS.mrc")
	writeStack(t, staged, 2)
	marker := []byte("staged-before")
	f, _ := os.OpenFile(staged, os.O_APPEND|os.O_WRONLY, 0o644)
	f.Write(marker)
	f.Close()

	if _, err := Prepare(dir, "TS", src, []float64{0, 1}, StageCopy); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	data, _ := os.ReadFile(staged)
	if !strings.HasSuffix(string(data), string(marker)) {
		t.Fatalf("expected staged stack to be left alone")
	}

	// a different shape is restaged
	writeStack(t, src, 3)
	if _, err := Prepare(dir, "TS", src, []float64{0, 1, 2}, StageCopy); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	h, err := imod.ReadMRCHeader(staged)
	if err != nil || h.NZ != 3 {
		t.Fatalf("expected restaged stack, got %+v err=%v", h, err)
	}
}

func TestPrepareRequiresTiltAngles(t *testing.T) {
	if _, err := Prepare(t.TempDir(), "TS", "missing.mrc", nil, StageCopy); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseStageMode(t *testing.T) {
	if m, err := ParseStageMode(""); err != nil || m != StageCopy {
		t.Fatalf("expected copy default, got %q %v", m, err)
	}
	if m, err := ParseStageMode("symlink"); err != nil || m != StageSymlink {
		t.Fatalf("expected symlink, got %q %v", m, err)
	}
	if _, err := ParseStageMode("hardlink"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBatchRunnerCommand(t *testing.T) {
	r := &BatchRunner{}
	got := r.Command(NewDirectory("/work/TS", "TS"), "/tmp/directive.adoc")
	want := "batchruntomo -DirectiveFile /tmp/directive.adoc -CurrentLocation /work/TS -RootName TS -EndingStep 6"
	if strings.Join(got, " ") != want {
		t.Fatalf("unexpected command %q", strings.Join(got, " "))
	}
	r.EndingStep = 8
	if got := r.Command(NewDirectory("/w", "b"), "f"); got[len(got)-1] != "8" {
		t.Fatalf("expected ending step 8, got %v", got)
	}
}

func preparedDir(t *testing.T) Directory {
	t.Helper()
	src := filepath.Join(t.TempDir(), "input.mrc")
	writeStack(t, src, 2)
	d, err := Prepare(t.TempDir(), "TS", src, []float64{-3, 3}, StageSymlink)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestBatchRunnerRun(t *testing.T) {
	installFakeBatchruntomo(t)
	d := preparedDir(t)

	directive := imod.NewDirective()
	directive.Set("setupset.copyarg.pixel", "0.1")
	out, err := NewBatchRunner(nil).Run(context.Background(), d, directive)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Transforms != d.Transforms() || out.Log != d.BatchruntomoLog() {
		t.Fatalf("unexpected outputs %+v", out)
	}

	logData, _ := os.ReadFile(d.BatchruntomoLog())
	if !strings.Contains(string(logData), "batchruntomo output") || !strings.Contains(string(logData), "batchruntomo error") {
		t.Fatalf("expected stdout and stderr in log.txt, got %q", logData)
	}
	args, _ := os.ReadFile(filepath.Join(d.Dir, "args.txt"))
	if !strings.Contains(string(args), "-RootName TS -EndingStep 6") {
		t.Fatalf("unexpected args %q", args)
	}
	seen, err := imod.ReadDirective(filepath.Join(d.Dir, "seen.adoc"))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := seen.Get("setupset.copyarg.pixel"); v != "0.1" {
		t.Fatalf("directive not passed through, got %q", v)
	}

	res, err := LoadResults(d, nil)
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if len(res.Transforms) != 2 || len(res.TiltAngles) != 2 {
		t.Fatalf("unexpected results %+v", res)
	}
	if !res.Rotations.Ambiguous {
		t.Fatalf("expected ambiguous rotations without hint")
	}
	if res.TiltAngleOffset == nil || *res.TiltAngleOffset != 0.52 {
		t.Fatalf("unexpected tilt angle offset %v", res.TiltAngleOffset)
	}
}

func TestBatchRunnerFailures(t *testing.T) {
	installFakeBatchruntomo(t)

	t.Setenv("FAKE_BRT_FAIL", "1")
	d := preparedDir(t)
	if _, err := NewBatchRunner(nil).Run(context.Background(), d, imod.NewDirective()); !errors.Is(err, ErrAlignmentFailed) {
		t.Fatalf("expected ErrAlignmentFailed on exit status, got %v", err)
	}

	t.Setenv("FAKE_BRT_FAIL", "")
	t.Setenv("FAKE_BRT_NO_OUTPUT", "1")
	d = preparedDir(t)
	_, err := NewBatchRunner(nil).Run(context.Background(), d, imod.NewDirective())
	if !errors.Is(err, ErrAlignmentFailed) {
		t.Fatalf("expected ErrAlignmentFailed on missing outputs, got %v", err)
	}
	if !strings.Contains(err.Error(), "TS failed to align correctly") {
		t.Fatalf("unexpected message %v", err)
	}
}

func TestLoadResultsWithoutAlignLog(t *testing.T) {
	d := NewDirectory(t.TempDir(), "TS")
	os.WriteFile(d.Transforms(), []byte("1 0 0 1 0 0\n"), 0o644)
	os.WriteFile(d.TiltAngles(), []byte("0.00\n"), 0o644)
	hint := 0.0
	res, err := LoadResults(d, &hint)
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if res.TiltAngleOffset != nil {
		t.Fatalf("expected no offset")
	}
	if res.Rotations.Ambiguous {
		t.Fatalf("expected signed rotations with a hint")
	}
}
