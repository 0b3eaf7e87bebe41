package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var tiffExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
}

// ListTIFF returns the base names of TIFF files directly inside dir, in natural order.
func ListTIFF(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsTIFF(e.Name()) {
			files = append(files, e.Name())
		}
	}
	SortNatural(files)
	return files, nil
}

// IsTIFF checks the extension against the accepted TIFF set.
func IsTIFF(path string) bool {
	_, ok := tiffExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// EnsureDir creates dir and its parents if missing.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SortNatural sorts in place so that digit runs compare by value.
func SortNatural(items []string) {
	sort.SliceStable(items, func(i, j int) bool { return NaturalLess(items[i], items[j]) })
}

// NaturalLess orders strings piecewise, comparing digit runs as integers:
// "a6b12.125" sorts before "a10b1".
func NaturalLess(a, b string) bool {
	pa, pb := splitRuns(a), splitRuns(b)
	for i := 0; i < len(pa) && i < len(pb); i++ {
		x, y := pa[i], pb[i]
		if x == y {
			continue
		}
		if isDigits(x) && isDigits(y) {
			if c := compareNumeric(x, y); c != 0 {
				return c < 0
			}
			// same value, different zero padding
			return len(x) < len(y)
		}
		return x < y
	}
	return len(pa) < len(pb)
}

func splitRuns(s string) []string {
	var runs []string
	start := 0
	for i := 1; i <= len(s); i++ {
		if i == len(s) || isDigit(s[i]) != isDigit(s[i-1]) {
			runs = append(runs, s[start:i])
			start = i
		}
	}
	return runs
}

// compareNumeric compares two digit strings by value without parsing, so runs longer
// than int64 still order correctly.
func compareNumeric(x, y string) int {
	x = strings.TrimLeft(x, "0")
	y = strings.TrimLeft(y, "0")
	if len(x) != len(y) {
		if len(x) < len(y) {
			return -1
		}
		return 1
	}
	return strings.Compare(x, y)
}

func isDigits(s string) bool {
	return s != "" && isDigit(s[0])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
