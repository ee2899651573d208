/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

// Package tflite runs the network with the TensorFlow Lite C API, optionally
// on an Edge TPU.
package tflite

import (
	"math"

	"github.com/mattn/go-tflite"
	"github.com/mattn/go-tflite/delegates/edgetpu"
	"github.com/pkg/errors"

	"github.com/mpromonet/gin-yoloseg/internal/logger"
	"github.com/mpromonet/gin-yoloseg/internal/model"
	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

type deleter interface {
	Delete()
}

// Executor owns a TFLite interpreter. It is not safe for concurrent use,
// model.Handle serializes the calls.
type Executor struct {
	model    *tflite.Model
	options  *tflite.InterpreterOptions
	interp   *tflite.Interpreter
	delegate deleter
}

// Loader returns a model.Loader creating interpreters with the given number
// of threads.
func Loader(threads int, useEdgeTPU bool) model.Loader {
	return func(path string) (model.Executor, error) {
		e, err := NewExecutor(path, threads, useEdgeTPU)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

func NewExecutor(modelPath string, threads int, useEdgeTPU bool) (*Executor, error) {
	m := tflite.NewModelFromFile(modelPath)
	if m == nil {
		return nil, errors.Errorf("cannot load model %s", modelPath)
	}
	e := &Executor{model: m}

	e.options = tflite.NewInterpreterOptions()
	if e.options == nil {
		e.Close()
		return nil, errors.New("interpreter options failed to be created")
	}
	e.options.SetNumThread(threads)
	e.options.SetErrorReporter(func(msg string, _ interface{}) {
		logger.WithField("model", modelPath).Error(msg)
	}, nil)

	if useEdgeTPU {
		devices, err := edgetpu.DeviceList()
		if err != nil {
			logger.WithError(err).Warn("could not get EdgeTPU devices")
		}
		if len(devices) == 0 {
			logger.Logger.Warn("no EdgeTPU device found, running on CPU")
		} else {
			d := edgetpu.New(devices[0])
			e.options.AddDelegate(d)
			e.delegate = d
		}
	}

	e.interp = tflite.NewInterpreter(m, e.options)
	if e.interp == nil {
		e.Close()
		return nil, errors.New("cannot create interpreter")
	}
	if status := e.interp.AllocateTensors(); status != tflite.OK {
		e.Close()
		return nil, errors.Errorf("allocate failed: %v", status)
	}

	in := e.interp.GetInputTensor(0)
	logger.WithField("shape", getTensorShape(in).String()).
		WithField("type", in.Type().String()).
		Debug("tflite input")
	return e, nil
}

func getTensorShape(t *tflite.Tensor) tensor.Shape {
	shape := tensor.Shape{}
	for idx := 0; idx < t.NumDims(); idx++ {
		shape = append(shape, t.Dim(idx))
	}
	return shape
}

func (e *Executor) InputShape() tensor.Shape {
	return getTensorShape(e.interp.GetInputTensor(0))
}

func (e *Executor) OutputShapes() []tensor.Shape {
	shapes := []tensor.Shape{}
	for idx := 0; idx < e.interp.GetOutputTensorCount(); idx++ {
		shapes = append(shapes, getTensorShape(e.interp.GetOutputTensor(idx)))
	}
	return shapes
}

// fillInput copies input into the input tensor, quantizing it for uint8
// models.
func fillInput(t *tflite.Tensor, input []float32) error {
	var status tflite.Status
	switch t.Type() {
	case tflite.Float32:
		status = t.CopyFromBuffer(input)
	case tflite.UInt8:
		q := t.QuantizationParams()
		if q.Scale == 0 {
			q.Scale = 1.0 / 255
		}
		buf := make([]uint8, len(input))
		for i, v := range input {
			buf[i] = uint8(math.Max(0, math.Min(255, math.Round(float64(v)/q.Scale)+float64(q.ZeroPoint))))
		}
		status = t.CopyFromBuffer(buf)
	default:
		return errors.Errorf("unsupported input type %v", t.Type())
	}
	if status != tflite.OK {
		return errors.New("copying to buffer failed")
	}
	return nil
}

// extractOutput copies an output tensor out of the interpreter arena,
// dequantizing uint8 values.
func extractOutput(t *tflite.Tensor) (*tensor.Tensor, error) {
	var loc []float32
	switch t.Type() {
	case tflite.Float32:
		f := t.Float32s()
		loc = make([]float32, len(f))
		copy(loc, f)
	case tflite.UInt8:
		q := t.QuantizationParams()
		f := t.UInt8s()
		loc = make([]float32, len(f))
		for i, v := range f {
			loc[i] = float32(q.Scale * float64(int(v)-q.ZeroPoint))
		}
	default:
		return nil, errors.Errorf("unsupported output type %v", t.Type())
	}
	return tensor.New(loc, getTensorShape(t)...)
}

func (e *Executor) Run(input []float32) ([]*tensor.Tensor, error) {
	if err := fillInput(e.interp.GetInputTensor(0), input); err != nil {
		return nil, err
	}
	if status := e.interp.Invoke(); status != tflite.OK {
		return nil, errors.Errorf("invoke failed: %v", status)
	}

	outputs := []*tensor.Tensor{}
	for idx := 0; idx < e.interp.GetOutputTensorCount(); idx++ {
		out, err := extractOutput(e.interp.GetOutputTensor(idx))
		if err != nil {
			return nil, errors.Wrapf(err, "output %d", idx)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (e *Executor) Close() error {
	if e.interp != nil {
		e.interp.Delete()
	}
	if e.delegate != nil {
		e.delegate.Delete()
	}
	if e.options != nil {
		e.options.Delete()
	}
	if e.model != nil {
		e.model.Delete()
	}
	return nil
}
