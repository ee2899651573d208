/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

// Package preprocess turns an upright image into the packed float tensor the
// network consumes.
package preprocess

import (
	"image"
	"image/draw"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

// ErrPixelBuffer is returned when the image cannot be turned into pixels.
var ErrPixelBuffer = errors.New("cannot acquire pixel buffer")

type Preprocessor struct {
	interpolation gocv.InterpolationFlags
}

func New() *Preprocessor {
	return &Preprocessor{interpolation: gocv.InterpolationLinear}
}

// Preprocess stretches img to size, ignoring aspect ratio, and returns a
// [1, H, W, 3] tensor of RGB values in [0, 1]. img must already be upright.
func (p *Preprocessor) Preprocess(img image.Image, size image.Point) (*tensor.Tensor, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Errorf("invalid model input size %v", size)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.Wrap(ErrPixelBuffer, "empty image")
	}

	src, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC3, packRGB(img))
	if err != nil {
		return nil, errors.Wrap(ErrPixelBuffer, err.Error())
	}
	defer src.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, size, 0, 0, p.interpolation)

	scaled := gocv.NewMat()
	defer scaled.Close()
	resized.ConvertToWithParams(&scaled, gocv.MatTypeCV32F, 1.0/255.0, 0)

	v, err := scaled.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(ErrPixelBuffer, err.Error())
	}
	data := make([]float32, len(v))
	copy(data, v)
	return tensor.New(data, 1, size.Y, size.X, 3)
}

// packRGB composites img over black and returns tightly packed RGB bytes.
func packRGB(img image.Image) []byte {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := 0; y < b.Dy(); y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out
}
