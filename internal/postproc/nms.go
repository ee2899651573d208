/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package postproc

import "sort"

// DefaultIoU is the overlap above which a lower scoring box of the same class
// is suppressed.
const DefaultIoU = 0.45

// NMS runs greedy class-aware non-maximum suppression. The result is sorted by
// confidence descending; equal confidences keep their input order.
func NMS(candidates []Candidate, iouThreshold float64) []Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	suppressed := make([]bool, len(sorted))
	kept := make([]Candidate, 0, len(sorted))
	for i, c := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, c)
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != c.ClassID {
				continue
			}
			if IoU(c.Box, sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// SelectBest returns the highest confidence candidate, the first one on ties.
func SelectBest(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best, true
}
