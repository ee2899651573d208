/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

// Package onnx runs the network with ONNX Runtime.
package onnx

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/mpromonet/gin-yoloseg/internal/logger"
	"github.com/mpromonet/gin-yoloseg/internal/model"
	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initializes the runtime once per process. library may be
// empty to use the platform default.
func initEnvironment(library string) error {
	envOnce.Do(func() {
		if library != "" {
			ort.SetSharedLibraryPath(library)
		}
		envErr = ort.InitializeEnvironment()
		if envErr != nil {
			envErr = errors.Wrap(envErr, "failed to initialize ONNX environment")
		}
	})
	return envErr
}

// Executor is an ONNX Runtime session bound to preallocated tensors.
type Executor struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
	shapes  []tensor.Shape
}

// Loader returns a model.Loader opening sessions with the given runtime
// library.
func Loader(library string) model.Loader {
	return func(path string) (model.Executor, error) {
		e, err := NewExecutor(path, library)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// fixedShape replaces a dynamic batch dimension by 1. Other dynamic
// dimensions are rejected.
func fixedShape(name string, s ort.Shape) (ort.Shape, error) {
	out := make(ort.Shape, len(s))
	for i, d := range s {
		switch {
		case d > 0:
			out[i] = d
		case i == 0:
			out[i] = 1
		default:
			return nil, errors.Errorf("%s has dynamic dimension %d in %v", name, i, s)
		}
	}
	return out, nil
}

func toShape(s ort.Shape) tensor.Shape {
	out := make(tensor.Shape, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}

func NewExecutor(modelPath, library string) (*Executor, error) {
	if err := initEnvironment(library); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read model %s", modelPath)
	}
	if len(inputs) != 1 {
		return nil, errors.Errorf("model has %d inputs, want 1", len(inputs))
	}

	e := &Executor{}
	inShape, err := fixedShape(inputs[0].Name, inputs[0].Dimensions)
	if err != nil {
		return nil, err
	}
	e.input, err = ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}

	outNames := make([]string, 0, len(outputs))
	outTensors := make([]ort.ArbitraryTensor, 0, len(outputs))
	for _, o := range outputs {
		s, err := fixedShape(o.Name, o.Dimensions)
		if err != nil {
			return nil, multierr.Append(err, e.Close())
		}
		t, err := ort.NewEmptyTensor[float32](s)
		if err != nil {
			return nil, multierr.Append(errors.Wrapf(err, "failed to create output tensor %s", o.Name), e.Close())
		}
		e.outputs = append(e.outputs, t)
		e.shapes = append(e.shapes, toShape(s))
		outNames = append(outNames, o.Name)
		outTensors = append(outTensors, t)
	}

	e.session, err = ort.NewAdvancedSession(modelPath,
		[]string{inputs[0].Name}, outNames,
		[]ort.ArbitraryTensor{e.input}, outTensors,
		nil)
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "failed to create ONNX session"), e.Close())
	}

	logger.WithField("model", modelPath).
		WithField("input", toShape(inShape).String()).
		Debug("onnx session created")
	return e, nil
}

func (e *Executor) InputShape() tensor.Shape {
	return toShape(e.input.GetShape())
}

func (e *Executor) OutputShapes() []tensor.Shape {
	return e.shapes
}

func (e *Executor) Run(input []float32) ([]*tensor.Tensor, error) {
	dst := e.input.GetData()
	if len(input) != len(dst) {
		return nil, errors.Errorf("input has %d values, model wants %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := e.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	outputs := make([]*tensor.Tensor, 0, len(e.outputs))
	for i, o := range e.outputs {
		src := o.GetData()
		data := make([]float32, len(src))
		copy(data, src)
		t, err := tensor.New(data, e.shapes[i]...)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, t)
	}
	return outputs, nil
}

// Close destroys the session and its tensors. The runtime environment stays
// initialized for later loads.
func (e *Executor) Close() error {
	var err error
	if e.session != nil {
		err = multierr.Append(err, e.session.Destroy())
		e.session = nil
	}
	if e.input != nil {
		err = multierr.Append(err, e.input.Destroy())
		e.input = nil
	}
	for _, o := range e.outputs {
		err = multierr.Append(err, o.Destroy())
	}
	e.outputs = nil
	return err
}
