// Package focus reads focal-plane-selector reports and corrects the per-tile best
// z-plane with a spatial outlier model over the tile grid.
package focus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Entry is one tile of a focal-plane-selector report. Indices are 0-based as written
// by the report generator.
type Entry struct {
	TileIndex int       `json:"tile_index"`
	TileY     int       `json:"tile_y"`
	TileX     int       `json:"tile_x"`
	BestZ     int       `json:"best_z"`
	Scores    []float64 `json:"scores"`
}

// Tile returns the 1-based tile number used in file names.
func (e Entry) Tile() int { return e.TileIndex + 1 }

// Position returns the grid cell of the tile.
func (e Entry) Position() Position { return Position{Row: e.TileY, Col: e.TileX} }

// Report is the decoded focus-score report.
type Report struct {
	Entries []Entry `json:"focal_plane_selector"`
}

// ByTile indexes entries by 1-based tile number.
func (r *Report) ByTile() map[int]Entry {
	out := make(map[int]Entry, len(r.Entries))
	for _, e := range r.Entries {
		out[e.Tile()] = e
	}
	return out
}

// Tiles returns the 1-based tile numbers in report order.
func (r *Report) Tiles() []int {
	out := make([]int, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, e.Tile())
	}
	return out
}

// LoadReport reads and validates a report file.
func LoadReport(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open focus report: %w", err)
	}
	defer f.Close()
	rep, err := ParseReport(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rep, nil
}

// ParseReport decodes a report and runs the structural checks.
func ParseReport(r io.Reader) (*Report, error) {
	var rep Report
	if err := json.NewDecoder(r).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode focus report: %w", err)
	}
	if err := rep.validate(); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *Report) validate() error {
	if len(r.Entries) == 0 {
		return fmt.Errorf("focus report has no focal_plane_selector entries")
	}
	tiles := make(map[int]struct{}, len(r.Entries))
	cells := make(map[Position]int, len(r.Entries))
	for _, e := range r.Entries {
		if e.TileIndex < 0 || e.TileX < 0 || e.TileY < 0 || e.BestZ < 0 {
			return fmt.Errorf("tile_index %d: negative index in report entry", e.TileIndex)
		}
		if len(e.Scores) > 0 && e.BestZ >= len(e.Scores) {
			return fmt.Errorf("tile_index %d: best_z %d outside %d scores", e.TileIndex, e.BestZ, len(e.Scores))
		}
		if _, dup := tiles[e.TileIndex]; dup {
			return fmt.Errorf("tile_index %d: duplicate report entry", e.TileIndex)
		}
		tiles[e.TileIndex] = struct{}{}
		if other, dup := cells[e.Position()]; dup {
			return fmt.Errorf("tile_index %d and %d share grid cell (%d,%d)", other, e.TileIndex, e.TileY, e.TileX)
		}
		cells[e.Position()] = e.TileIndex
	}
	return nil
}
