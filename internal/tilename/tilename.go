// Package tilename encodes and decodes the `<prefix>_<tile>_Z<zplane>_CH<channel>.<ext>`
// naming convention used for raw tiles and for the best-focus output.
package tilename

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultPrefix is the acquisition prefix written by Encode.
	DefaultPrefix = "1"
	// DefaultExt is the extension written by Encode.
	DefaultExt = ".tif"
)

var (
	digitRun  = regexp.MustCompile(`\d+`)
	zplaneRe  = regexp.MustCompile(`_Z\d+_`)
	channelRe = regexp.MustCompile(`_CH\d+(\.[^.]*)?$`)
)

var allowedExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// Name is a decoded tile file name.
type Name struct {
	Prefix  string
	Tile    int
	ZPlane  int
	Channel int
	Ext     string
}

// String renders the name using the canonical padding.
func (n Name) String() string {
	prefix := n.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ext := n.Ext
	if ext == "" {
		ext = DefaultExt
	}
	return fmt.Sprintf("%s_%05d_Z%03d_CH%d%s", prefix, n.Tile, n.ZPlane, n.Channel, ext)
}

// MalformedFilenameError reports a file name that does not carry the tile/z/channel triple.
type MalformedFilenameError struct {
	Filename string
	Reason   string
}

func (e *MalformedFilenameError) Error() string {
	return fmt.Sprintf("malformed tile filename %q: %s", e.Filename, e.Reason)
}

// IsImage reports whether the name has a tile image extension.
func IsImage(filename string) bool {
	_, ok := allowedExts[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Decode extracts tile, z-plane and channel from a file name. The last three digit runs
// of the stem are used, so prefixes may carry digits of their own.
func Decode(filename string) (Name, error) {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	if !IsImage(base) {
		return Name{}, &MalformedFilenameError{Filename: filename, Reason: "unsupported extension " + strconv.Quote(ext)}
	}
	stem := strings.TrimSuffix(base, ext)

	locs := digitRun.FindAllStringIndex(stem, -1)
	if len(locs) < 3 {
		return Name{}, &MalformedFilenameError{
			Filename: filename,
			Reason:   fmt.Sprintf("expected 3 digit runs, found %d", len(locs)),
		}
	}
	locs = locs[len(locs)-3:]

	var vals [3]int
	for i, loc := range locs {
		v, err := strconv.Atoi(stem[loc[0]:loc[1]])
		if err != nil {
			return Name{}, &MalformedFilenameError{Filename: filename, Reason: err.Error()}
		}
		vals[i] = v
	}

	prefix := strings.TrimSuffix(stem[:locs[0][0]], "_")
	return Name{
		Prefix:  prefix,
		Tile:    vals[0],
		ZPlane:  vals[1],
		Channel: vals[2],
		Ext:     ext,
	}, nil
}

// Encode builds the canonical file name for a tile image.
func Encode(tile, zplane, channel int) string {
	return Name{Tile: tile, ZPlane: zplane, Channel: channel}.String()
}

// RewriteForOutput replaces the z-plane and channel substrings of filename in place.
// A zero zplane or channel keeps the existing value. Tile, prefix and extension are
// untouched.
func RewriteForOutput(filename string, zplane, channel int) string {
	dir, base := filepath.Split(filename)
	if zplane > 0 {
		base = zplaneRe.ReplaceAllLiteralString(base, fmt.Sprintf("_Z%03d_", zplane))
	}
	if channel > 0 {
		base = channelRe.ReplaceAllString(base, fmt.Sprintf("_CH%03d${1}", channel))
	}
	return dir + base
}
