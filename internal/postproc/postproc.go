/*
 * SPDX-License-Identifier: Unlicense
 *
 * This is free and unencumbered software released into the public domain.
 *
 * Anyone is free to copy, modify, publish, use, compile, sell, or distribute this
 * software, either in source code form or as a compiled binary, for any purpose,
 * commercial or non-commercial, and by any means.
 *
 * For more information, please refer to <http://unlicense.org/>
 */

// Package postproc converts raw segmentation network outputs into detections:
// anchor decoding, non-maximum suppression, mask reconstruction and
// coordinate mapping.
package postproc

import (
	"github.com/pkg/errors"
)

// ErrInvalidOutputShape means the network output does not match the pipeline.
var ErrInvalidOutputShape = errors.New("invalid output shape")

// Class ids of the two-class taxonomy.
const (
	ClassAbnormal = 0
	ClassNormal   = 1
)

var labels = []string{"ABNORMAL", "normal"}

// NumClasses is the number of class score channels.
func NumClasses() int {
	return len(labels)
}

func getLabel(class int) string {
	label := "unknown"
	if class >= 0 && class < len(labels) {
		label = labels[class]
	}
	return label
}

// Candidate is one anchor that passed the confidence threshold.
type Candidate struct {
	Index      int
	Box        Box
	Confidence float32
	ClassID    int
	Coeffs     []float32
}

// Detection is a candidate surfaced to callers.
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float32 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Mask       *Mask   `json:"-"`
}

// NewDetection labels a candidate.
func NewDetection(c Candidate) Detection {
	return Detection{
		Box:        c.Box,
		Confidence: c.Confidence,
		ClassID:    c.ClassID,
		ClassName:  getLabel(c.ClassID),
	}
}

// argmax returns the last index holding the maximum and that maximum, so a
// tie between the two classes reads as normal.
func argmax(f []float32) (int, float32) {
	r, m := 0, f[0]
	for i, v := range f {
		if v >= m {
			m = v
			r = i
		}
	}
	return r, m
}
