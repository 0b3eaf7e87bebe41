package imageio

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Writer produces output images from selected raw planes.
type Writer interface {
	// Copy writes a single selected plane unchanged.
	Copy(src, dst string) error
	// Fuse projects several planes into one output image.
	Fuse(srcs []string, dst string) error
}

var backends = map[string]func() Writer{
	"native": func() Writer { return NativeWriter{} },
}

// Backends lists the registered writer names.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewWriter returns the named backend. An empty name selects the native writer.
func NewWriter(name string) (Writer, error) {
	if name == "" {
		name = "native"
	}
	ctor, ok := backends[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown image backend %q (available: %s)", name, strings.Join(Backends(), ", "))
	}
	return ctor(), nil
}

// NativeWriter decodes and encodes TIFF in process.
type NativeWriter struct{}

// Copy duplicates the source bytes so the raw plane is preserved exactly.
func (NativeWriter) Copy(src, dst string) error {
	return copyFile(src, dst)
}

// Fuse loads every plane, projects them and saves a 16-bit TIFF.
func (NativeWriter) Fuse(srcs []string, dst string) error {
	if len(srcs) == 1 {
		return copyFile(srcs[0], dst)
	}
	planes := make([]*Image, 0, len(srcs))
	for _, s := range srcs {
		im, err := LoadTIFF(s)
		if err != nil {
			return err
		}
		planes = append(planes, im)
	}
	out, err := Project(planes)
	if err != nil {
		return fmt.Errorf("project %s: %w", dst, err)
	}
	return SaveTIFF(dst, out)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
