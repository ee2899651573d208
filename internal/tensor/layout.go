/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package tensor

import (
	"image"

	"github.com/pkg/errors"
)

// Layout tags where the channel dimension sits in a 4-D tensor.
type Layout int

const (
	LayoutUnknown Layout = iota
	ChannelsLast         // [N, H, W, C]
	ChannelsFirst        // [N, C, H, W]
)

func (l Layout) String() string {
	switch l {
	case ChannelsLast:
		return "NHWC"
	case ChannelsFirst:
		return "NCHW"
	default:
		return "unknown"
	}
}

// MaskCoeffs is the number of prototype channels produced by the network.
const MaskCoeffs = 32

// InputGeometry is the model input resolution and its layout.
type InputGeometry struct {
	Layout Layout
	Size   image.Point
}

// ResolveInput reads width and height from a 4-D image input shape.
func ResolveInput(s Shape) (InputGeometry, error) {
	if len(s) != 4 {
		return InputGeometry{}, errors.Errorf("input shape %v is not 4-D", s)
	}
	switch {
	case s[3] == 3:
		return InputGeometry{Layout: ChannelsLast, Size: image.Pt(s[2], s[1])}, nil
	case s[1] == 3:
		return InputGeometry{Layout: ChannelsFirst, Size: image.Pt(s[3], s[2])}, nil
	}
	return InputGeometry{}, errors.Errorf("input shape %v has no RGB channel dimension", s)
}

// ProtoGeometry describes the mask prototype tensor.
type ProtoGeometry struct {
	Layout Layout
	Height int
	Width  int
	Coeffs int
}

// Pixels is the number of mask pixels per prototype channel.
func (g ProtoGeometry) Pixels() int {
	return g.Height * g.Width
}

// ResolveProto finds the coefficient dimension of a prototype shape. The last
// dimension is checked first, as the reference pipeline does.
func ResolveProto(s Shape, coeffs int) (ProtoGeometry, error) {
	if len(s) != 4 {
		return ProtoGeometry{}, errors.Errorf("prototype shape %v is not 4-D", s)
	}
	switch {
	case s[3] == coeffs:
		return ProtoGeometry{Layout: ChannelsLast, Height: s[1], Width: s[2], Coeffs: coeffs}, nil
	case s[1] == coeffs:
		return ProtoGeometry{Layout: ChannelsFirst, Height: s[2], Width: s[3], Coeffs: coeffs}, nil
	}
	return ProtoGeometry{}, errors.Errorf("prototype shape %v has no %d-wide dimension", s, coeffs)
}
