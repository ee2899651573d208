/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

// Package pipeline runs one image through quality screening, inference and
// post-processing, and reports at most one detection.
package pipeline

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mpromonet/gin-yoloseg/internal/logger"
	"github.com/mpromonet/gin-yoloseg/internal/model"
	"github.com/mpromonet/gin-yoloseg/internal/postproc"
	"github.com/mpromonet/gin-yoloseg/internal/preprocess"
	"github.com/mpromonet/gin-yoloseg/internal/quality"
	"github.com/mpromonet/gin-yoloseg/internal/shape"
	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

const (
	MessageNoDetection = "No pancreas structure detected. Please ensure you are uploading a clear abdominal CT scan showing the pancreas."
	MessageTooSmall    = "The detected structure is too small to be validated as a pancreas. Please provide a more focused abdominal scan."

	// MinAreaRatio is the smallest box area, relative to the image, that can
	// be validated.
	MinAreaRatio = 0.002
)

// Result of one analysis. It is not modified once returned.
type Result struct {
	Detections   []postproc.Detection `json:"detections"`
	Shape        *shape.Metrics       `json:"shape,omitempty"`
	Warnings     []string             `json:"warnings"`
	Message      string               `json:"message,omitempty"`
	ModelVersion uint64               `json:"model_version"`
	ImageWidth   int                  `json:"image_width"`
	ImageHeight  int                  `json:"image_height"`
}

// Preprocessor packs an upright image into the model input tensor.
type Preprocessor interface {
	Preprocess(img image.Image, size image.Point) (*tensor.Tensor, error)
}

// Outcome is what Submit delivers.
type Outcome struct {
	Result *Result
	Err    error
}

type Analyzer struct {
	models  *model.Manager
	gate    *quality.Gate
	pre     Preprocessor
	decoder *postproc.Decoder
	iou     float64
	pool    *WorkerPool
}

type Option func(*Analyzer)

func WithGate(g *quality.Gate) Option {
	return func(a *Analyzer) { a.gate = g }
}

func WithPreprocessor(p Preprocessor) Option {
	return func(a *Analyzer) { a.pre = p }
}

func WithDecoder(d *postproc.Decoder) Option {
	return func(a *Analyzer) { a.decoder = d }
}

// WithWorkers sizes the pool used by Submit.
func WithWorkers(n int) Option {
	return func(a *Analyzer) { a.pool = NewWorkerPool(n) }
}

func NewAnalyzer(models *model.Manager, opts ...Option) *Analyzer {
	a := &Analyzer{
		models:  models,
		gate:    quality.NewGate(),
		pre:     preprocess.New(),
		decoder: postproc.NewDecoder(),
		iou:     postproc.DefaultIoU,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.pool == nil {
		a.pool = NewWorkerPool(0)
	}
	a.pool.Start()
	return a
}

// Analyze runs the whole pipeline on img, which is first rotated upright
// according to o. A scan without any detection is not an error: the result
// is empty and carries MessageNoDetection.
func (a *Analyzer) Analyze(ctx context.Context, img image.Image, o preprocess.Orientation) (*Result, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, newError(KindInvalidImage, "empty image", nil)
	}
	upright := preprocess.Upright(img, o)
	if err := a.gate.Validate(upright); err != nil {
		return nil, newError(KindInvalidImage, "image rejected", err)
	}
	warnings := a.gate.CheckQuality(upright)

	h, release, err := a.models.Acquire()
	if err != nil {
		return nil, newError(KindModelNotLoaded, "no model loaded", err)
	}
	defer release()
	info := h.Info

	input, err := a.pre.Preprocess(upright, info.Input.Size)
	if err != nil {
		return nil, newError(KindPreprocessingFailed, "cannot build model input", err)
	}
	if info.Input.Layout == tensor.ChannelsFirst {
		if input, err = input.ToChannelsFirst(); err != nil {
			return nil, newError(KindPreprocessingFailed, "cannot repack model input", err)
		}
	}

	outputs, err := h.Run(ctx, input)
	if err != nil {
		return nil, newError(KindInferenceFailed, "inference failed", err)
	}
	release()

	det, proto := outputs[info.Detection], outputs[info.Prototypes]
	if !det.Shape.Equal(info.Outputs[info.Detection]) || !proto.Shape.Equal(info.Outputs[info.Prototypes]) {
		return nil, newError(KindInvalidOutputShape, "unexpected output shapes",
			errors.Wrapf(postproc.ErrInvalidOutputShape, "got %v and %v", det.Shape, proto.Shape))
	}

	size := upright.Bounds().Size()
	res := &Result{
		Detections:   []postproc.Detection{},
		Warnings:     warnings,
		ModelVersion: info.Version,
		ImageWidth:   size.X,
		ImageHeight:  size.Y,
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}

	candidates, err := a.decoder.Decode(det, info.Proto, size, info.Input.Size)
	if err != nil {
		return nil, newError(KindInvalidOutputShape, "cannot decode detections", err)
	}
	kept := postproc.NMS(candidates, a.iou)
	best, ok := postproc.SelectBest(kept)

	log := logger.WithFields(logrus.Fields{
		"version":    info.Version,
		"candidates": len(candidates),
		"kept":       len(kept),
	})
	if !ok {
		log.Info("no detection")
		res.Message = MessageNoDetection
		return res, nil
	}

	d := postproc.NewDetection(best)
	if best.ClassID == postproc.ClassAbnormal {
		mask, err := postproc.Reconstruct(best.Coeffs, proto, info.Proto)
		if err != nil {
			return nil, newError(KindInvalidOutputShape, "cannot reconstruct mask", err)
		}
		d.Mask = mask
		m := shape.Analyze(mask.Data, mask.Width, mask.Height)
		res.Shape = &m
	}
	res.Detections = append(res.Detections, d)

	if ratio := d.Box.Area() / float64(size.X*size.Y); ratio < MinAreaRatio {
		log = log.WithField("area_ratio", ratio)
		res.Message = MessageTooSmall
	}
	log.WithFields(logrus.Fields{
		"class":      d.ClassName,
		"confidence": d.Confidence,
	}).Info("detection")
	return res, nil
}

// Submit runs Analyze on the worker pool. The channel receives exactly one
// outcome.
func (a *Analyzer) Submit(ctx context.Context, img image.Image, o preprocess.Orientation) <-chan Outcome {
	out := make(chan Outcome, 1)
	err := a.pool.Submit(ctx, func() {
		r, err := a.Analyze(ctx, img, o)
		out <- Outcome{Result: r, Err: err}
	})
	if err != nil {
		out <- Outcome{Err: errors.Wrap(err, "cannot schedule analysis")}
	}
	return out
}

// Close stops the worker pool after the queued analyses complete.
func (a *Analyzer) Close() {
	a.pool.Close()
	a.pool.Wait()
}
