/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package postproc

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

// Mask is a row-major probability map at prototype resolution.
type Mask struct {
	Width  int
	Height int
	Data   []float32
}

// At returns the probability at (x, y).
func (m *Mask) At(x, y int) float32 {
	return m.Data[y*m.Width+x]
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Reconstruct combines the prototype planes with one detection's
// coefficients and squashes each pixel through a sigmoid.
func Reconstruct(coeffs []float32, proto *tensor.Tensor, geom tensor.ProtoGeometry) (*Mask, error) {
	if geom.Coeffs <= 0 || len(coeffs) != geom.Coeffs {
		return nil, errors.Errorf("got %d mask coefficients, prototypes have %d", len(coeffs), geom.Coeffs)
	}
	pixels := geom.Pixels()
	if len(proto.Data) != pixels*geom.Coeffs {
		return nil, errors.Wrapf(ErrInvalidOutputShape, "prototype tensor has %d values, want %d", len(proto.Data), pixels*geom.Coeffs)
	}

	// NHWC stores one row of coefficients per pixel, NCHW one plane per
	// coefficient: the same matrix, transposed.
	var a blas32.General
	t := blas.NoTrans
	switch geom.Layout {
	case tensor.ChannelsLast:
		a = blas32.General{Rows: pixels, Cols: geom.Coeffs, Stride: geom.Coeffs, Data: proto.Data}
	case tensor.ChannelsFirst:
		a = blas32.General{Rows: geom.Coeffs, Cols: pixels, Stride: pixels, Data: proto.Data}
		t = blas.Trans
	default:
		return nil, errors.Wrapf(ErrInvalidOutputShape, "prototype layout %v", geom.Layout)
	}

	out := make([]float32, pixels)
	blas32.Gemv(t, 1, a,
		blas32.Vector{N: len(coeffs), Inc: 1, Data: coeffs}, 0,
		blas32.Vector{N: pixels, Inc: 1, Data: out})
	for i, v := range out {
		out[i] = sigmoid(v)
	}
	return &Mask{Width: geom.Width, Height: geom.Height, Data: out}, nil
}
