// Package arrange groups raw tile file listings into a typed
// cycle/channel/tile/z-plane table.
package arrange

import (
	"fmt"
	"path/filepath"
	"sort"

	"bestfocus/internal/fsutil"
	"bestfocus/internal/tilename"
)

// Key addresses one raw image. All indices are 1-based.
type Key struct {
	Cycle   int
	Channel int
	Tile    int
	ZPlane  int
}

// TileKey addresses one tile within a cycle and channel.
type TileKey struct {
	Cycle   int
	Channel int
	Tile    int
}

// DuplicateImageError reports two files decoding to the same key.
type DuplicateImageError struct {
	Key      Key
	Existing string
	Other    string
}

func (e *DuplicateImageError) Error() string {
	return fmt.Sprintf("cycle %d channel %d tile %d z %d: both %s and %s", e.Key.Cycle, e.Key.Channel, e.Key.Tile, e.Key.ZPlane, e.Existing, e.Other)
}

// Arrangement is an immutable table of raw image file names. Build it with Arrange or
// ArrangeCycles.
type Arrangement struct {
	dirs     map[int]string
	files    map[Key]string
	channels map[int]map[int]struct{}
	tiles    map[[2]int]map[int]struct{}
	zplanes  map[TileKey]map[int]struct{}
}

func newArrangement() *Arrangement {
	return &Arrangement{
		dirs:     make(map[int]string),
		files:    make(map[Key]string),
		channels: make(map[int]map[int]struct{}),
		tiles:    make(map[[2]int]map[int]struct{}),
		zplanes:  make(map[TileKey]map[int]struct{}),
	}
}

// addPosition records the index sets a key belongs to.
func (a *Arrangement) addPosition(k Key) {
	if a.channels[k.Cycle] == nil {
		a.channels[k.Cycle] = make(map[int]struct{})
	}
	a.channels[k.Cycle][k.Channel] = struct{}{}

	ck := [2]int{k.Cycle, k.Channel}
	if a.tiles[ck] == nil {
		a.tiles[ck] = make(map[int]struct{})
	}
	a.tiles[ck][k.Tile] = struct{}{}

	tk := TileKey{Cycle: k.Cycle, Channel: k.Channel, Tile: k.Tile}
	if a.zplanes[tk] == nil {
		a.zplanes[tk] = make(map[int]struct{})
	}
	a.zplanes[tk][k.ZPlane] = struct{}{}
}

// addLeaf stores the file name for a key; keys are never overwritten.
func (a *Arrangement) addLeaf(k Key, file string) error {
	if existing, ok := a.files[k]; ok {
		return &DuplicateImageError{Key: k, Existing: existing, Other: file}
	}
	a.files[k] = file
	return nil
}

func (a *Arrangement) addCycle(cycle int, dir string, listing []string) error {
	a.dirs[cycle] = dir
	for _, file := range listing {
		name, err := tilename.Decode(file)
		if err != nil {
			return fmt.Errorf("cycle %d (%s): %w", cycle, dir, err)
		}
		k := Key{Cycle: cycle, Channel: name.Channel, Tile: name.Tile, ZPlane: name.ZPlane}
		if err := a.addLeaf(k, file); err != nil {
			return err
		}
		a.addPosition(k)
	}
	return nil
}

// Arrange lists the TIFF images in dir as cycle 1.
func Arrange(dir string) (*Arrangement, error) {
	return ArrangeCycles([]string{dir})
}

// ArrangeCycles arranges one directory per cycle. dirs must already be in cycle order;
// the first directory becomes cycle 1.
func ArrangeCycles(dirs []string) (*Arrangement, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no image directories given")
	}
	a := newArrangement()
	for i, dir := range dirs {
		listing, err := fsutil.ListTIFF(dir)
		if err != nil {
			return nil, fmt.Errorf("list cycle %d: %w", i+1, err)
		}
		if err := a.addCycle(i+1, dir, listing); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// FromListing arranges an in-memory listing for a single cycle rooted at dir.
func FromListing(dir string, listing []string) (*Arrangement, error) {
	a := newArrangement()
	if err := a.addCycle(1, dir, listing); err != nil {
		return nil, err
	}
	return a, nil
}

// Cycles returns the cycle indices in ascending order.
func (a *Arrangement) Cycles() []int {
	out := make([]int, 0, len(a.dirs))
	for c := range a.dirs {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// Dir returns the directory of a cycle.
func (a *Arrangement) Dir(cycle int) string {
	return a.dirs[cycle]
}

// Channels returns the channel indices present in a cycle.
func (a *Arrangement) Channels(cycle int) []int {
	return sortedKeys(a.channels[cycle])
}

// Tiles returns the tile indices present for a cycle and channel.
func (a *Arrangement) Tiles(cycle, channel int) []int {
	return sortedKeys(a.tiles[[2]int{cycle, channel}])
}

// ZPlanes returns the z-plane indices found on disk for one tile.
func (a *Arrangement) ZPlanes(cycle, channel, tile int) []int {
	return sortedKeys(a.zplanes[TileKey{Cycle: cycle, Channel: channel, Tile: tile}])
}

// AllTiles returns the union of tile indices across every cycle and channel.
func (a *Arrangement) AllTiles() []int {
	seen := make(map[int]struct{})
	for _, set := range a.tiles {
		for t := range set {
			seen[t] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// File returns the file name stored for k.
func (a *Arrangement) File(k Key) (string, bool) {
	f, ok := a.files[k]
	return f, ok
}

// Path returns the full path of the image for k.
func (a *Arrangement) Path(k Key) (string, bool) {
	f, ok := a.files[k]
	if !ok {
		return "", false
	}
	return filepath.Join(a.dirs[k.Cycle], f), true
}

// Len is the number of images in the arrangement.
func (a *Arrangement) Len() int {
	return len(a.files)
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
