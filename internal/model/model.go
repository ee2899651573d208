/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

// Package model owns the loaded network: the executor abstraction, the
// geometry read from its tensors and the versioned handle used by callers.
package model

import (
	"github.com/pkg/errors"

	"github.com/mpromonet/gin-yoloseg/internal/postproc"
	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

var (
	// ErrModelNotLoaded is returned by Acquire before the first Load.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrHandleClosed is returned by Run on a retired handle.
	ErrHandleClosed = errors.New("model handle closed")
)

// Executor runs the forward pass of a network with one image input and
// two float outputs.
type Executor interface {
	InputShape() tensor.Shape
	OutputShapes() []tensor.Shape
	Run(input []float32) ([]*tensor.Tensor, error)
	Close() error
}

// Loader opens an executor for a model file.
type Loader func(path string) (Executor, error)

// Info is the geometry of a loaded model.
type Info struct {
	Path       string
	Version    uint64
	InputShape tensor.Shape
	Input      tensor.InputGeometry
	Outputs    []tensor.Shape
	Detection  int
	Prototypes int
	Proto      tensor.ProtoGeometry
}

func getTensorShape(s tensor.Shape) tensor.Shape {
	out := make(tensor.Shape, len(s))
	copy(out, s)
	return out
}

// resolveInfo checks the executor tensors and reads their geometry. Outputs
// are positional, detection then prototypes, unless only the first one is
// 4-D.
func resolveInfo(path string, exec Executor) (Info, error) {
	info := Info{Path: path, InputShape: getTensorShape(exec.InputShape())}

	in, err := tensor.ResolveInput(info.InputShape)
	if err != nil {
		return Info{}, err
	}
	info.Input = in

	for _, s := range exec.OutputShapes() {
		info.Outputs = append(info.Outputs, getTensorShape(s))
	}
	if len(info.Outputs) != 2 {
		return Info{}, errors.Wrapf(postproc.ErrInvalidOutputShape, "model has %d outputs, want 2", len(info.Outputs))
	}

	info.Detection, info.Prototypes = 0, 1
	if len(info.Outputs[0]) == 4 && len(info.Outputs[1]) != 4 {
		info.Detection, info.Prototypes = 1, 0
	}

	info.Proto, err = tensor.ResolveProto(info.Outputs[info.Prototypes], tensor.MaskCoeffs)
	if err != nil {
		return Info{}, errors.Wrap(postproc.ErrInvalidOutputShape, err.Error())
	}

	channels := 4 + postproc.NumClasses() + info.Proto.Coeffs
	det := info.Outputs[info.Detection]
	if !(len(det) == 3 && det[1] == channels) && !(len(det) == 2 && det[0] == channels) {
		return Info{}, errors.Wrapf(postproc.ErrInvalidOutputShape, "detection output %v, want [1 %d N]", det, channels)
	}
	return info, nil
}
