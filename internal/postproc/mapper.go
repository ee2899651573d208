/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package postproc

import (
	"image"
	"image/color"
	"math"
)

// Mapper converts boxes between model input space and image space.
type Mapper interface {
	ToImage(Box) Box
	ToModel(Box) Box
}

// StretchMapper matches a preprocessor that resized the image to the model
// input ignoring aspect ratio: X and Y scale independently.
type StretchMapper struct {
	Input image.Point
	Image image.Point
}

func NewStretchMapper(input, img image.Point) StretchMapper {
	return StretchMapper{Input: input, Image: img}
}

func (m StretchMapper) scale() (float64, float64) {
	return float64(m.Image.X) / float64(m.Input.X), float64(m.Image.Y) / float64(m.Input.Y)
}

func (m StretchMapper) ToImage(b Box) Box {
	sx, sy := m.scale()
	return Box{X: b.X * sx, Y: b.Y * sy, W: b.W * sx, H: b.H * sy}
}

func (m StretchMapper) ToModel(b Box) Box {
	sx, sy := m.scale()
	return Box{X: b.X / sx, Y: b.Y / sy, W: b.W / sx, H: b.H / sy}
}

// MaskToImage resamples a prototype resolution mask to the image size with
// nearest neighbour lookup. Probabilities are scaled to 0..255.
func (m StretchMapper) MaskToImage(mask *Mask) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, m.Image.X, m.Image.Y))
	if mask == nil || mask.Width <= 0 || mask.Height <= 0 {
		return out
	}
	for y := 0; y < m.Image.Y; y++ {
		my := y * mask.Height / m.Image.Y
		for x := 0; x < m.Image.X; x++ {
			mx := x * mask.Width / m.Image.X
			v := math.Round(float64(mask.At(mx, my)) * 255)
			out.SetGray(x, y, color.Gray{Y: uint8(math.Max(0, math.Min(255, v)))})
		}
	}
	return out
}

// LetterboxMapper matches a preprocessor that scaled the image uniformly and
// centred it in the model input with padding.
type LetterboxMapper struct {
	Input image.Point
	Image image.Point
}

func NewLetterboxMapper(input, img image.Point) LetterboxMapper {
	return LetterboxMapper{Input: input, Image: img}
}

// geometry returns the uniform scale and the padding on each axis.
func (m LetterboxMapper) geometry() (scale, padX, padY float64) {
	scale = math.Min(float64(m.Input.X)/float64(m.Image.X), float64(m.Input.Y)/float64(m.Image.Y))
	padX = (float64(m.Input.X) - float64(m.Image.X)*scale) / 2
	padY = (float64(m.Input.Y) - float64(m.Image.Y)*scale) / 2
	return scale, padX, padY
}

func (m LetterboxMapper) ToImage(b Box) Box {
	scale, padX, padY := m.geometry()
	return Box{X: (b.X - padX) / scale, Y: (b.Y - padY) / scale, W: b.W / scale, H: b.H / scale}
}

func (m LetterboxMapper) ToModel(b Box) Box {
	scale, padX, padY := m.geometry()
	return Box{X: b.X*scale + padX, Y: b.Y*scale + padY, W: b.W * scale, H: b.H * scale}
}
