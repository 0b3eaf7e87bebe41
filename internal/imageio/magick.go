//go:build imagick

package imageio

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

func init() {
	backends["magick"] = func() Writer { return MagickWriter{} }
}

// MagickWriter projects planes through the ImageMagick bindings.
type MagickWriter struct{}

// Copy writes the source unchanged.
func (MagickWriter) Copy(src, dst string) error {
	return copyFile(src, dst)
}

// Fuse averages the planes with a mean evaluation and stretches the result to the
// full 16-bit range.
func (MagickWriter) Fuse(srcs []string, dst string) error {
	if len(srcs) == 1 {
		return copyFile(srcs[0], dst)
	}
	imagick.Initialize()
	defer imagick.Terminate()

	stack := imagick.NewMagickWand()
	defer stack.Destroy()
	for _, s := range srcs {
		if err := stack.ReadImage(s); err != nil {
			return fmt.Errorf("read %s: %w", s, err)
		}
	}

	mean := stack.EvaluateImages(imagick.EVALUATE_MEAN)
	if mean == nil {
		return fmt.Errorf("mean of %d planes failed", len(srcs))
	}
	defer mean.Destroy()

	if err := mean.SetImageDepth(16); err != nil {
		return fmt.Errorf("set bit depth: %w", err)
	}
	if err := mean.AutoLevelImage(); err != nil {
		return fmt.Errorf("rescale: %w", err)
	}
	if err := mean.SetImageFormat("TIFF"); err != nil {
		return fmt.Errorf("set format: %w", err)
	}
	return mean.WriteImage(dst)
}
