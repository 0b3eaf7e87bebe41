// Package imageio loads, projects and stores 16-bit grayscale tile images.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/floats"
)

// Image is a grayscale raster with float64 samples in row-major order.
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// NewImage allocates a zeroed image.
func NewImage(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// At returns the sample at x, y.
func (im *Image) At(x, y int) float64 { return im.Pix[y*im.Width+x] }

// FromImage converts any decoded image to grayscale samples in the 16-bit range.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	im := NewImage(b.Dx(), b.Dy())
	switch s := src.(type) {
	case *image.Gray16:
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				im.Pix[y*im.Width+x] = float64(s.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				im.Pix[y*im.Width+x] = float64(g.Y)
			}
		}
	}
	return im
}

// Gray16 converts the samples to a 16-bit image, clamping to [0, 65535]
// and dropping the fractional part.
func (im *Image) Gray16() *image.Gray16 {
	out := image.NewGray16(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			v := math.Max(0, math.Min(math.MaxUint16, im.At(x, y)))
			v = math.Trunc(v)
			out.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return out
}

// LoadTIFF decodes a TIFF file.
func LoadTIFF(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// SaveTIFF writes the image as an uncompressed 16-bit grayscale TIFF.
func SaveTIFF(path string, im *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, im.Gray16(), &tiff.Options{Compression: tiff.Uncompressed}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// SizeMismatchError reports a plane whose dimensions differ from the first plane.
type SizeMismatchError struct {
	Index         int
	Width, Height int
	WantW, WantH  int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("plane %d is %dx%d, expected %dx%d", e.Index, e.Width, e.Height, e.WantW, e.WantH)
}

// Project averages the planes pixel by pixel and stretches the result linearly to
// the full 16-bit range. A constant mean maps to zero.
func Project(planes []*Image) (*Image, error) {
	if len(planes) == 0 {
		return nil, fmt.Errorf("no planes to project")
	}
	first := planes[0]
	out := NewImage(first.Width, first.Height)
	for i, p := range planes {
		if p.Width != first.Width || p.Height != first.Height {
			return nil, &SizeMismatchError{Index: i, Width: p.Width, Height: p.Height, WantW: first.Width, WantH: first.Height}
		}
		floats.Add(out.Pix, p.Pix)
	}
	floats.Scale(1/float64(len(planes)), out.Pix)
	if len(out.Pix) == 0 {
		return out, nil
	}

	lo, hi := floats.Min(out.Pix), floats.Max(out.Pix)
	if hi == lo {
		for i := range out.Pix {
			out.Pix[i] = 0
		}
		return out, nil
	}
	floats.AddConst(-lo, out.Pix)
	floats.Scale(math.MaxUint16/(hi-lo), out.Pix)
	return out, nil
}
