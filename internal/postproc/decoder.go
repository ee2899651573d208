/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package postproc

import (
	"image"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mpromonet/gin-yoloseg/internal/logger"
	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

const (
	// DefaultConfidence is the minimum class score kept by the decoder.
	DefaultConfidence = 0.25
	// NormalizedLimit is the largest box value still read as normalized.
	NormalizedLimit = 2.0
)

// CoordinateSpace decides, once per output tensor, whether box channels are
// normalized to [0, 1] or already in model input pixels.
type CoordinateSpace interface {
	Normalized(cx, cy, w, h []float32) bool
}

// MaxValueHeuristic reads the boxes as normalized when no box value of any
// anchor exceeds Limit.
type MaxValueHeuristic struct {
	Limit float32
}

func (m MaxValueHeuristic) Normalized(cx, cy, w, h []float32) bool {
	var maxBox float32
	for _, ch := range [][]float32{cx, cy, w, h} {
		for _, v := range ch {
			if v > maxBox {
				maxBox = v
			}
		}
	}
	return maxBox <= m.Limit
}

// FixedSpace is a coordinate space known from model metadata.
type FixedSpace bool

func (f FixedSpace) Normalized(_, _, _, _ []float32) bool {
	return bool(f)
}

// Decoder extracts candidates from the [1, 4+classes+coeffs, anchors]
// detection tensor.
type Decoder struct {
	Space     CoordinateSpace
	Threshold float32
}

func NewDecoder() *Decoder {
	return &Decoder{
		Space:     MaxValueHeuristic{Limit: NormalizedLimit},
		Threshold: DefaultConfidence,
	}
}

func anchorCount(det *tensor.Tensor, channels int) (int, error) {
	s := det.Shape
	var anchors int
	switch {
	case len(s) == 3 && s[0] == 1 && s[1] == channels:
		anchors = s[2]
	case len(s) == 2 && s[0] == channels:
		anchors = s[1]
	default:
		return 0, errors.Wrapf(ErrInvalidOutputShape, "detection tensor %v, want [1 %d N]", s, channels)
	}
	if len(det.Data) != channels*anchors {
		return 0, errors.Wrapf(ErrInvalidOutputShape, "detection tensor has %d values for shape %v", len(det.Data), s)
	}
	return anchors, nil
}

// Decode returns the anchors scoring at least the threshold, in anchor order,
// with boxes mapped to imageSize by independent X/Y stretch.
func (d *Decoder) Decode(det *tensor.Tensor, proto tensor.ProtoGeometry, imageSize, inputSize image.Point) ([]Candidate, error) {
	numClasses := NumClasses()
	channels := 4 + numClasses + proto.Coeffs
	anchors, err := anchorCount(det, channels)
	if err != nil {
		return nil, err
	}

	loc := det.Data
	row := func(c int) []float32 {
		return loc[c*anchors : (c+1)*anchors]
	}
	cxs, cys, ws, hs := row(0), row(1), row(2), row(3)

	normalized := d.Space.Normalized(cxs, cys, ws, hs)
	log := logger.WithFields(logrus.Fields{
		"anchors":    anchors,
		"channels":   channels,
		"normalized": normalized,
	})

	mapper := NewStretchMapper(inputSize, imageSize)
	inW, inH := float32(inputSize.X), float32(inputSize.Y)
	scores := make([]float32, numClasses)

	var candidates []Candidate
	degenerate := 0
	for i := 0; i < anchors; i++ {
		for c := range scores {
			scores[c] = loc[(4+c)*anchors+i]
		}
		classID, score := argmax(scores)
		if !(score >= d.Threshold) {
			continue
		}

		cx, cy, w, h := cxs[i], cys[i], ws[i], hs[i]
		if normalized {
			cx *= inW
			cy *= inH
			w *= inW
			h *= inH
		}
		box := Corners(float64(cx-w/2), float64(cy-h/2), float64(cx+w/2), float64(cy+h/2))
		if !(w > 0) || !(h > 0) || !box.Valid() {
			degenerate++
			continue
		}

		coeffs := make([]float32, proto.Coeffs)
		for k := range coeffs {
			coeffs[k] = loc[(4+numClasses+k)*anchors+i]
		}
		candidates = append(candidates, Candidate{
			Index:      i,
			Box:        mapper.ToImage(box),
			Confidence: score,
			ClassID:    classID,
			Coeffs:     coeffs,
		})
	}

	if degenerate > 0 {
		log = log.WithField("degenerate", degenerate)
	}
	log.WithField("candidates", len(candidates)).Debug("decoded detection tensor")
	return candidates, nil
}
