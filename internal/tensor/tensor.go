/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

// Package tensor holds the flat float buffers exchanged with the network and
// the layout tags resolved from their shapes.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Shape is the ordered list of dimension sizes of a tensor.
type Shape []int

// Size returns the number of elements described by the shape.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

// Tensor is a flat float32 buffer with its shape. It is not modified after
// construction.
type Tensor struct {
	Data  []float32
	Shape Shape
}

// New builds a tensor, checking that data matches the shape.
func New(data []float32, shape ...int) (*Tensor, error) {
	s := Shape(shape)
	if len(data) != s.Size() {
		return nil, errors.Errorf("tensor data has %d values, shape %v wants %d", len(data), s, s.Size())
	}
	return &Tensor{Data: data, Shape: s}, nil
}

// ToChannelsFirst repacks a [1,H,W,C] tensor into [1,C,H,W].
func (t *Tensor) ToChannelsFirst() (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, errors.Errorf("cannot repack tensor of shape %v", t.Shape)
	}
	n, h, w, c := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := make([]float32, len(t.Data))
	plane := h * w
	for b := 0; b < n; b++ {
		src := t.Data[b*plane*c : (b+1)*plane*c]
		dst := out[b*plane*c : (b+1)*plane*c]
		for i := 0; i < plane; i++ {
			for ch := 0; ch < c; ch++ {
				dst[ch*plane+i] = src[i*c+ch]
			}
		}
	}
	return &Tensor{Data: out, Shape: Shape{n, c, h, w}}, nil
}
