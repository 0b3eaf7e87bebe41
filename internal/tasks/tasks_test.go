package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"bestfocus/internal/focus"
	"bestfocus/internal/imageio"
	"bestfocus/internal/resolve"
	"bestfocus/internal/selection"
	"bestfocus/internal/tilename"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeRaw fills dir with tiles*zplanes*channels files whose content names the file.
func writeRaw(t *testing.T, dir string, tiles, zplanes, channels int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for tile := 1; tile <= tiles; tile++ {
		for z := 1; z <= zplanes; z++ {
			for ch := 1; ch <= channels; ch++ {
				name := tilename.Encode(tile, z, ch)
				if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
}

// writeReport writes a rows x cols report with the given 0-based best planes.
func writeReport(t *testing.T, path string, cols int, best []int, planes int) {
	t.Helper()
	rep := focus.Report{}
	for i, z := range best {
		rep.Entries = append(rep.Entries, focus.Entry{
			TileIndex: i,
			TileY:     i / cols,
			TileX:     i % cols,
			BestZ:     z,
			Scores:    make([]float64, planes),
		})
	}
	data, err := json.Marshal(rep)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

type stubWriter struct {
	mu     sync.Mutex
	copies map[string]string
	fuses  map[string][]string
}

func newStubWriter() *stubWriter {
	return &stubWriter{copies: map[string]string{}, fuses: map[string][]string{}}
}

func (s *stubWriter) Copy(src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(filepath.Dir(dst)); err != nil {
		return fmt.Errorf("output directory missing: %w", err)
	}
	s.copies[dst] = src
	return nil
}

func (s *stubWriter) Fuse(srcs []string, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fuses[dst] = srcs
	return nil
}

func TestSelectBestPlanesCopiesBestPlane(t *testing.T) {
	root := t.TempDir()
	raw := filepath.Join(root, "raw")
	out := filepath.Join(root, "best")
	report := filepath.Join(root, "data.json")
	writeRaw(t, raw, 4, 3, 2)
	writeReport(t, report, 2, []int{1, 2, 0, 1}, 3)

	res, err := SelectBestPlanes(context.Background(), SelectRequest{
		ImageDir:   raw,
		OutputDir:  out,
		ReportPath: report,
		Threshold:  focus.DefaultThreshold,
		Workers:    3,
	}, quietLog())
	if err != nil {
		t.Fatalf("SelectBestPlanes: %v", err)
	}
	if res.Written.Copied != 8 || res.Written.Fused != 0 {
		t.Fatalf("written = %+v", res.Written)
	}
	got, err := os.ReadFile(filepath.Join(out, "1_00002_Z001_CH2.tif"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "1_00002_Z003_CH2.tif" {
		t.Fatalf("tile 2 channel 2 should come from z 3, got %q", got)
	}
	if res.Stats.Tiles != 4 || res.Stats.Planes != 4 {
		t.Fatalf("stats = %+v", res.Stats)
	}
}

func TestSelectBestPlanesDryRun(t *testing.T) {
	root := t.TempDir()
	raw := filepath.Join(root, "raw")
	out := filepath.Join(root, "best")
	report := filepath.Join(root, "data.json")
	writeRaw(t, raw, 2, 2, 1)
	writeReport(t, report, 2, []int{0, 1}, 2)

	res, err := SelectBestPlanes(context.Background(), SelectRequest{
		ImageDir: raw, OutputDir: out, ReportPath: report, Threshold: focus.DefaultThreshold, DryRun: true,
	}, quietLog())
	if err != nil {
		t.Fatalf("SelectBestPlanes: %v", err)
	}
	if len(res.Mappings) != 2 {
		t.Fatalf("mappings = %d", len(res.Mappings))
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("dry run must not create %s", out)
	}
}

func TestSelectBestPlanesHonoursZeroThreshold(t *testing.T) {
	root := t.TempDir()
	raw := filepath.Join(root, "raw")
	report := filepath.Join(root, "data.json")
	writeRaw(t, raw, 9, 8, 1)
	writeReport(t, report, 3, []int{5, 5, 5, 5, 7, 5, 5, 5, 5}, 8)

	centerInput := func(threshold float64) (string, int) {
		t.Helper()
		res, err := SelectBestPlanes(context.Background(), SelectRequest{
			ImageDir: raw, OutputDir: filepath.Join(root, "out"), ReportPath: report, Threshold: threshold, DryRun: true,
		}, quietLog())
		if err != nil {
			t.Fatalf("SelectBestPlanes(threshold=%v): %v", threshold, err)
		}
		for _, m := range res.Mappings {
			if m.Tile == 5 {
				return filepath.Base(m.Inputs[0]), res.Stats.Outliers
			}
		}
		t.Fatalf("no mapping for tile 5")
		return "", 0
	}

	if in, outliers := centerInput(0); in != "1_00005_Z006_CH1.tif" || outliers != 1 {
		t.Fatalf("threshold 0: center from %s with %d outliers, want Z006 and 1", in, outliers)
	}
	if in, outliers := centerInput(focus.DefaultThreshold); in != "1_00005_Z008_CH1.tif" || outliers != 0 {
		t.Fatalf("default threshold: center from %s with %d outliers, want Z008 and 0", in, outliers)
	}
}

func TestSelectBestPlanesMissingReportEntry(t *testing.T) {
	root := t.TempDir()
	raw := filepath.Join(root, "raw")
	report := filepath.Join(root, "data.json")
	writeRaw(t, raw, 3, 2, 1)
	writeReport(t, report, 2, []int{0, 1}, 2)

	_, err := SelectBestPlanes(context.Background(), SelectRequest{
		ImageDir: raw, OutputDir: filepath.Join(root, "out"), ReportPath: report, Threshold: focus.DefaultThreshold,
	}, quietLog())
	var miss *resolve.MissingFocusReportEntryError
	if !errors.As(err, &miss) {
		t.Fatalf("expected MissingFocusReportEntryError, got %v", err)
	}
	if len(miss.Unselected) != 1 || miss.Unselected[0].Tile != 3 {
		t.Fatalf("unselected = %+v", miss.Unselected)
	}
}

func TestSelectBestPlanesWindowFuses(t *testing.T) {
	root := t.TempDir()
	raw := filepath.Join(root, "raw")
	report := filepath.Join(root, "data.json")
	writeRaw(t, raw, 2, 4, 1)
	writeReport(t, report, 2, []int{0, 2}, 4)

	w := newStubWriter()
	res, err := SelectBestPlanes(context.Background(), SelectRequest{
		ImageDir:   raw,
		OutputDir:  filepath.Join(root, "out"),
		ReportPath: report,
		Threshold:  focus.DefaultThreshold,
		Policy:     selection.Windowed{Above: 1, Below: 1},
		Writer:     w,
	}, quietLog())
	if err != nil {
		t.Fatalf("SelectBestPlanes: %v", err)
	}
	if res.Stats.Clamped != 1 {
		t.Fatalf("clamped = %d, want 1", res.Stats.Clamped)
	}
	want := map[string][]string{
		filepath.Join(root, "out", "1_00001_Z001_CH1.tif"): {
			filepath.Join(raw, "1_00001_Z001_CH1.tif"),
			filepath.Join(raw, "1_00001_Z002_CH1.tif"),
		},
		filepath.Join(root, "out", "1_00002_Z001_CH1.tif"): {
			filepath.Join(raw, "1_00002_Z002_CH1.tif"),
			filepath.Join(raw, "1_00002_Z003_CH1.tif"),
			filepath.Join(raw, "1_00002_Z004_CH1.tif"),
		},
	}
	if diff := cmp.Diff(want, w.fuses); diff != "" {
		t.Fatalf("fuse calls (-want +got):\n%s", diff)
	}
}

func writeSubmission(t *testing.T, path string, names []string, perCycle int) {
	t.Helper()
	sub := map[string]any{
		"channelNames": map[string]any{"channelNamesArray": names},
		"numChannels":  perCycle,
		"numTiles":     2,
		"regionWidth":  2,
		"regionHeight": 1,
	}
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestArrangeChannels(t *testing.T) {
	root := t.TempDir()
	cycles := filepath.Join(root, "raw")
	writeRaw(t, filepath.Join(cycles, "cyc001_reg001"), 2, 2, 4)
	writeRaw(t, filepath.Join(cycles, "cyc002_reg001"), 2, 2, 4)
	report := filepath.Join(root, "data.json")
	writeReport(t, report, 2, []int{1, 0}, 2)
	subPath := filepath.Join(root, "submission.json")
	writeSubmission(t, subPath, []string{"DAPI", "Blank", "CD3", "Empty", "DAPI", "CD4", "CD8", "Blank"}, 4)

	dirs, err := DiscoverCycles(cycles)
	if err != nil {
		t.Fatalf("DiscoverCycles: %v", err)
	}
	out := filepath.Join(root, "channels")
	res, err := ArrangeChannels(context.Background(), ChannelRequest{
		CycleDirs:      dirs,
		OutputDir:      out,
		ReportPath:     report,
		SubmissionPath: subPath,
		Threshold:      focus.DefaultThreshold,
		Workers:        2,
	}, quietLog())
	if err != nil {
		t.Fatalf("ArrangeChannels: %v", err)
	}

	var names []string
	for _, p := range res.Plans {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"DAPI", "CD3", "CD4", "CD8"}, names); diff != "" {
		t.Fatalf("kept channels (-want +got):\n%s", diff)
	}
	wantDirs := map[int]string{
		1: filepath.Join(out, "CH001"),
		2: filepath.Join(out, "CH002"),
		3: filepath.Join(out, "CH003"),
		4: filepath.Join(out, "CH004"),
	}
	if diff := cmp.Diff(wantDirs, res.ChannelDirs); diff != "" {
		t.Fatalf("channel dirs (-want +got):\n%s", diff)
	}

	got, err := os.ReadFile(filepath.Join(out, "CH004", "1_00001_Z001_CH004.tif"))
	if err != nil {
		t.Fatalf("read CD8 output: %v", err)
	}
	if string(got) != "1_00001_Z002_CH3.tif" {
		t.Fatalf("CH004 tile 1 should be cycle 2 channel 3 z 2, got %q", got)
	}

	var files []string
	for _, m := range res.Mappings {
		files = append(files, filepath.Base(m.Output))
	}
	sort.Strings(files)
	if len(files) != 8 {
		t.Fatalf("expected 8 outputs, got %v", files)
	}
}

func TestArrangeChannelsMissingName(t *testing.T) {
	root := t.TempDir()
	writeRaw(t, filepath.Join(root, "cyc001"), 2, 1, 3)
	report := filepath.Join(root, "data.json")
	writeReport(t, report, 2, []int{0, 0}, 1)
	subPath := filepath.Join(root, "submission.json")
	writeSubmission(t, subPath, []string{"DAPI", "CD3"}, 2)

	_, err := ArrangeChannels(context.Background(), ChannelRequest{
		CycleDirs:      []string{filepath.Join(root, "cyc001")},
		OutputDir:      filepath.Join(root, "out"),
		ReportPath:     report,
		SubmissionPath: subPath,
		Threshold:      focus.DefaultThreshold,
		DryRun:         true,
	}, quietLog())
	var missing *resolve.MissingChannelNameError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingChannelNameError, got %v", err)
	}
}

func TestGridWarnings(t *testing.T) {
	sub := &Submission{NumTiles: 6, RegionWidth: 3, RegionHeight: 2}
	g := focus.NewGrid(2, 3)
	if w := sub.GridWarnings(g, 6); len(w) != 0 {
		t.Fatalf("unexpected warnings %v", w)
	}
	if w := sub.GridWarnings(focus.NewGrid(3, 2), 5); len(w) != 3 {
		t.Fatalf("expected three warnings, got %v", w)
	}
}

func TestExecuteWithNativeWriter(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a.tif")
	b := filepath.Join(root, "b.tif")
	if err := imageio.SaveTIFF(a, &imageio.Image{Width: 2, Height: 1, Pix: []float64{10, 20}}); err != nil {
		t.Fatal(err)
	}
	if err := imageio.SaveTIFF(b, &imageio.Image{Width: 2, Height: 1, Pix: []float64{30, 40}}); err != nil {
		t.Fatal(err)
	}
	mappings := []resolve.Mapping{
		{Inputs: []string{a}, Output: filepath.Join(root, "out", "CH001", "copy.tif"), Tile: 1},
		{Inputs: []string{a, b}, Output: filepath.Join(root, "out", "CH002", "fused.tif"), Tile: 1},
	}
	sum, err := Execute(context.Background(), mappings, imageio.NativeWriter{}, 2, quietLog())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sum.Copied != 1 || sum.Fused != 1 || sum.Bytes == 0 {
		t.Fatalf("summary = %+v", sum)
	}
	orig, _ := os.ReadFile(a)
	copied, _ := os.ReadFile(mappings[0].Output)
	if !bytes.Equal(orig, copied) {
		t.Fatalf("copy should be byte identical")
	}
	fused, err := imageio.LoadTIFF(mappings[1].Output)
	if err != nil {
		t.Fatalf("LoadTIFF: %v", err)
	}
	if diff := cmp.Diff([]float64{0, 65535}, fused.Pix); diff != "" {
		t.Fatalf("fused (-want +got):\n%s", diff)
	}
}

func TestWaitForFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte(`{}`), 0o644)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := WaitForFile(ctx, path, quietLog()); err != nil {
		t.Fatalf("WaitForFile: %v", err)
	}
}

func TestWaitForFileCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := WaitForFile(ctx, filepath.Join(t.TempDir(), "never.json"), quietLog())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
