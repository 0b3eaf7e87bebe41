package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"bestfocus/internal/focus"
)

// Submission is the subset of the acquisition submission file the engine reads.
type Submission struct {
	ChannelNames struct {
		ChannelNamesArray []string `json:"channelNamesArray"`
	} `json:"channelNames"`
	NumChannels  int `json:"numChannels"`
	NumTiles     int `json:"numTiles"`
	RegionWidth  int `json:"regionWidth"`
	RegionHeight int `json:"regionHeight"`

	TileWidth                 int     `json:"tileWidth"`
	TileHeight                int     `json:"tileHeight"`
	TileOverlapX              float64 `json:"tileOverlapX"`
	TileOverlapY              float64 `json:"tileOverlapY"`
	XYResolution              float64 `json:"xyResolution"`
	ZPitch                    float64 `json:"zPitch"`
	BestFocusReferenceChannel int     `json:"bestFocusReferenceChannel"`
}

// Names returns the flat channel name list.
func (s *Submission) Names() []string { return s.ChannelNames.ChannelNamesArray }

// LoadSubmission reads and checks a submission file.
func LoadSubmission(path string) (*Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("parse submission %s: %w", path, err)
	}
	if len(sub.Names()) == 0 {
		return nil, fmt.Errorf("submission %s: channelNames.channelNamesArray is empty", path)
	}
	if sub.NumChannels < 1 {
		return nil, fmt.Errorf("submission %s: numChannels must be >= 1, got %d", path, sub.NumChannels)
	}
	return &sub, nil
}

// GridWarnings compares the submission's region shape and tile count with the focus
// grid. Mismatches are reported, not fatal, because the grid comes from the report.
func (s *Submission) GridWarnings(g *focus.Grid, tiles int) []string {
	var out []string
	if s.RegionWidth > 0 && s.RegionWidth != g.Cols {
		out = append(out, fmt.Sprintf("regionWidth %d but focus grid has %d columns", s.RegionWidth, g.Cols))
	}
	if s.RegionHeight > 0 && s.RegionHeight != g.Rows {
		out = append(out, fmt.Sprintf("regionHeight %d but focus grid has %d rows", s.RegionHeight, g.Rows))
	}
	if s.NumTiles > 0 && s.NumTiles != tiles {
		out = append(out, fmt.Sprintf("numTiles %d but focus report has %d tiles", s.NumTiles, tiles))
	}
	return out
}

func (s *Submission) logGridWarnings(log *slog.Logger, g *focus.Grid, tiles int) {
	for _, w := range s.GridWarnings(g, tiles) {
		log.Warn("submission does not match focus grid", "detail", w)
	}
}
