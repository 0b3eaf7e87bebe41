package resolve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bestfocus/internal/arrange"
	"bestfocus/internal/tilename"
)

func listing(tiles, zplanes, channels int) []string {
	var out []string
	for c := 1; c <= channels; c++ {
		for t := 1; t <= tiles; t++ {
			for z := 1; z <= zplanes; z++ {
				out = append(out, tilename.Encode(t, z, c))
			}
		}
	}
	return out
}

func writeCycle(t *testing.T, dir string, tiles, zplanes, channels int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range listing(tiles, zplanes, channels) {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestPartitionChannelNames(t *testing.T) {
	got, err := PartitionChannelNames([]string{"DAPI", "Blank", "CD3", "Empty", "DAPI", "CD4"}, 4)
	if err != nil {
		t.Fatalf("PartitionChannelNames: %v", err)
	}
	want := map[int][]string{
		1: {"DAPI", "Blank", "CD3", "Empty"},
		2: {"DAPI", "CD4"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("partition mismatch (-want +got):\n%s", diff)
	}
	if _, err := PartitionChannelNames([]string{"DAPI"}, 0); err == nil {
		t.Fatalf("expected error for zero channels per cycle")
	}
}

func TestRuleInclude(t *testing.T) {
	rule := DefaultRule()
	cases := []struct {
		cycle, local int
		name         string
		keep, ref    bool
	}{
		{1, 1, "DAPI", true, true},
		{2, 1, "DAPI", false, false},
		{1, 2, "DAPI", false, false},
		{1, 2, "Blank", false, false},
		{1, 3, "Empty", false, false},
		{1, 3, "CD3", true, false},
	}
	for _, tc := range cases {
		keep, ref := rule.Include(tc.cycle, tc.local, tc.name)
		if keep != tc.keep || ref != tc.ref {
			t.Fatalf("Include(%d, %d, %q) = %v, %v want %v, %v", tc.cycle, tc.local, tc.name, keep, ref, tc.keep, tc.ref)
		}
	}
}

func TestPlanChannels(t *testing.T) {
	root := t.TempDir()
	c1 := filepath.Join(root, "cyc001")
	c2 := filepath.Join(root, "cyc002")
	writeCycle(t, c1, 2, 1, 4)
	writeCycle(t, c2, 2, 1, 2)
	a, err := arrange.ArrangeCycles([]string{c1, c2})
	if err != nil {
		t.Fatalf("ArrangeCycles: %v", err)
	}
	names := map[int][]string{
		1: {"DAPI", "Blank", "CD3", "Empty"},
		2: {"DAPI", "CD4"},
	}
	plans, err := PlanChannels(a, names, DefaultRule(), 4)
	if err != nil {
		t.Fatalf("PlanChannels: %v", err)
	}
	want := []ChannelPlan{
		{Cycle: 1, Local: 1, Name: "DAPI", Global: 1, Output: 1, Reference: true},
		{Cycle: 1, Local: 3, Name: "CD3", Global: 3, Output: 2},
		{Cycle: 2, Local: 2, Name: "CD4", Global: 6, Output: 3},
	}
	if diff := cmp.Diff(want, plans); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}

	sel := Selection{1: {1}, 2: {1}}
	mappings, err := ByChannel(context.Background(), a, sel, plans, "/out", 2)
	if err != nil {
		t.Fatalf("ByChannel: %v", err)
	}
	var outputs []string
	for _, m := range mappings {
		outputs = append(outputs, m.Output)
	}
	wantOut := []string{
		"/out/CH001/1_00001_Z001_CH001.tif",
		"/out/CH001/1_00002_Z001_CH001.tif",
		"/out/CH002/1_00001_Z001_CH002.tif",
		"/out/CH002/1_00002_Z001_CH002.tif",
		"/out/CH003/1_00001_Z001_CH003.tif",
		"/out/CH003/1_00002_Z001_CH003.tif",
	}
	if diff := cmp.Diff(wantOut, outputs); diff != "" {
		t.Fatalf("outputs mismatch (-want +got):\n%s", diff)
	}
	if got := mappings[4].Inputs[0]; got != filepath.Join(c2, "1_00001_Z001_CH2.tif") {
		t.Fatalf("cycle 2 input = %s", got)
	}
	if diff := cmp.Diff([]string{"/out/CH001", "/out/CH002", "/out/CH003"}, Dirs(mappings)); diff != "" {
		t.Fatalf("dirs mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanChannelsMissingName(t *testing.T) {
	a, err := arrange.FromListing("/raw", listing(1, 1, 3))
	if err != nil {
		t.Fatalf("FromListing: %v", err)
	}
	_, err = PlanChannels(a, map[int][]string{1: {"DAPI", "CD3"}}, DefaultRule(), 2)
	var missing *MissingChannelNameError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingChannelNameError, got %v", err)
	}
	if missing.Channel != 3 {
		t.Fatalf("channel = %d", missing.Channel)
	}
}

func TestFlat(t *testing.T) {
	a, err := arrange.FromListing("/raw", listing(2, 3, 2))
	if err != nil {
		t.Fatalf("FromListing: %v", err)
	}
	sel := Selection{1: {2}, 2: {3}}
	mappings, err := Flat(context.Background(), a, sel, "/out", 4)
	if err != nil {
		t.Fatalf("Flat: %v", err)
	}
	want := []Mapping{
		{Inputs: []string{"/raw/1_00001_Z002_CH1.tif"}, Output: "/out/1_00001_Z001_CH1.tif", Cycle: 1, Channel: 1, Tile: 1},
		{Inputs: []string{"/raw/1_00002_Z003_CH1.tif"}, Output: "/out/1_00002_Z001_CH1.tif", Cycle: 1, Channel: 1, Tile: 2},
		{Inputs: []string{"/raw/1_00001_Z002_CH2.tif"}, Output: "/out/1_00001_Z001_CH2.tif", Cycle: 1, Channel: 2, Tile: 1},
		{Inputs: []string{"/raw/1_00002_Z003_CH2.tif"}, Output: "/out/1_00002_Z001_CH2.tif", Cycle: 1, Channel: 2, Tile: 2},
	}
	if diff := cmp.Diff(want, mappings); diff != "" {
		t.Fatalf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestFusedOutputNamedAfterFirstPlane(t *testing.T) {
	a, err := arrange.FromListing("/raw", listing(1, 5, 1))
	if err != nil {
		t.Fatalf("FromListing: %v", err)
	}
	mappings, err := Flat(context.Background(), a, Selection{1: {3, 4, 5}}, "/out", 1)
	if err != nil {
		t.Fatalf("Flat: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("mappings = %d, want 1", len(mappings))
	}
	m := mappings[0]
	if !m.Fused() || len(m.Inputs) != 3 {
		t.Fatalf("expected fused mapping of 3 planes, got %v", m.Inputs)
	}
	if m.Inputs[0] != "/raw/1_00001_Z003_CH1.tif" {
		t.Fatalf("first input = %s", m.Inputs[0])
	}
	if m.Output != "/out/1_00001_Z001_CH1.tif" {
		t.Fatalf("output = %s", m.Output)
	}
}

func TestMismatchesGathered(t *testing.T) {
	a, err := arrange.FromListing("/raw", listing(3, 2, 2))
	if err != nil {
		t.Fatalf("FromListing: %v", err)
	}
	sel := Selection{1: {1}, 9: {1}}
	err = CheckCoverage(a, []int{1, 9})
	var miss *MissingFocusReportEntryError
	if !errors.As(err, &miss) {
		t.Fatalf("expected MissingFocusReportEntryError, got %v", err)
	}
	if len(miss.Unselected) != 4 {
		t.Fatalf("unselected = %v, want 4 entries", miss.Unselected)
	}
	if diff := cmp.Diff([]int{9}, miss.Unlisted); diff != "" {
		t.Fatalf("unlisted mismatch (-want +got):\n%s", diff)
	}

	_, err = Flat(context.Background(), a, sel, "/out", 2)
	if !errors.As(err, &miss) || len(miss.Unselected) != 4 {
		t.Fatalf("Flat should gather every unselected tile, got %v", err)
	}
}

func TestMissingPlane(t *testing.T) {
	a, err := arrange.FromListing("/raw", listing(2, 2, 1))
	if err != nil {
		t.Fatalf("FromListing: %v", err)
	}
	_, err = Flat(context.Background(), a, Selection{1: {2, 3}, 2: {4}}, "/out", 1)
	var missing *MissingPlaneError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingPlaneError, got %v", err)
	}
	want := []arrange.Key{
		{Cycle: 1, Channel: 1, Tile: 1, ZPlane: 3},
		{Cycle: 1, Channel: 1, Tile: 2, ZPlane: 4},
	}
	if diff := cmp.Diff(want, missing.Planes); diff != "" {
		t.Fatalf("missing planes mismatch (-want +got):\n%s", diff)
	}
}

func TestFlatCollisionAcrossCycles(t *testing.T) {
	root := t.TempDir()
	c1 := filepath.Join(root, "cyc001")
	c2 := filepath.Join(root, "cyc002")
	writeCycle(t, c1, 1, 1, 1)
	writeCycle(t, c2, 1, 1, 1)
	a, err := arrange.ArrangeCycles([]string{c1, c2})
	if err != nil {
		t.Fatalf("ArrangeCycles: %v", err)
	}
	_, err = Flat(context.Background(), a, Selection{1: {1}}, "/out", 1)
	var collision *OutputCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("expected OutputCollisionError, got %v", err)
	}
	if collision.Output != "/out/1_00001_Z001_CH1.tif" {
		t.Fatalf("collision output = %s", collision.Output)
	}
}
