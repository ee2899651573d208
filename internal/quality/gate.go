/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

// Package quality screens input images before inference: it rejects images
// that do not look like a grayscale scan and flags blurry ones.
package quality

import (
	"fmt"
	"image"
	"strings"

	"github.com/anthonynsimon/bild/effect"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/mpromonet/gin-yoloseg/internal/logger"
)

// ErrNotMedicalScan is matched by every validation failure.
var ErrNotMedicalScan = errors.New("image does not appear to be a medical scan")

// BlurWarning is added by CheckQuality when the thumbnail variance is low.
const BlurWarning = "Image appears blurry. Results may be less accurate."

// Thresholds configures the scan heuristics. Channel thresholds are on the
// 0-255 scale, fractions are of the thumbnail pixel count.
type Thresholds struct {
	ThumbnailSize int

	GrayscaleDelta int
	DarkLevel      int
	HighLevel      int

	MinGrayscaleFraction float64
	MinDarkFraction      float64
	MaxDarkFraction      float64
	MinHighFraction      float64

	MinVariance float64
}

// DefaultThresholds returns the thresholds of the reference scan check.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ThumbnailSize:        64,
		GrayscaleDelta:       15,
		DarkLevel:            30,
		HighLevel:            200,
		MinGrayscaleFraction: 0.85,
		MinDarkFraction:      0.15,
		MaxDarkFraction:      0.90,
		MinHighFraction:      0.005,
		MinVariance:          50,
	}
}

// PixelStats are the pixel class fractions measured on the thumbnail.
type PixelStats struct {
	Grayscale float64 `json:"grayscale"`
	Dark      float64 `json:"dark"`
	High      float64 `json:"high"`
}

// ValidationError lists the scan criteria an image failed.
type ValidationError struct {
	Stats   PixelStats
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNotMedicalScan, strings.Join(e.Reasons, "; "))
}

// Is lets errors.Is match ErrNotMedicalScan.
func (e *ValidationError) Is(target error) bool {
	return target == ErrNotMedicalScan
}

// Gate is stateless and safe for concurrent use.
type Gate struct {
	thresholds Thresholds
}

func NewGate() *Gate {
	return &Gate{thresholds: DefaultThresholds()}
}

func NewGateWithThresholds(t Thresholds) *Gate {
	return &Gate{thresholds: t}
}

func (g *Gate) thumbnail(img image.Image) image.Image {
	n := uint(g.thresholds.ThumbnailSize)
	return resize.Resize(n, n, img, resize.Bilinear)
}

// Measure classifies every thumbnail pixel as grayscale, dark and high
// intensity. A pixel may fall in several classes.
func (g *Gate) Measure(img image.Image) PixelStats {
	th := g.thresholds
	thumb := g.thumbnail(img)
	b := thumb.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return PixelStats{}
	}

	var gray, dark, high int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r16, g16, b16, _ := thumb.At(x, y).RGBA()
			r, gr, bl := int(r16>>8), int(g16>>8), int(b16>>8)

			if abs(r-gr) < th.GrayscaleDelta && abs(gr-bl) < th.GrayscaleDelta && abs(r-bl) < th.GrayscaleDelta {
				gray++
			}
			if r < th.DarkLevel && gr < th.DarkLevel && bl < th.DarkLevel {
				dark++
			}
			if r > th.HighLevel || gr > th.HighLevel || bl > th.HighLevel {
				high++
			}
		}
	}
	return PixelStats{
		Grayscale: float64(gray) / float64(total),
		Dark:      float64(dark) / float64(total),
		High:      float64(high) / float64(total),
	}
}

// Validate returns a *ValidationError when the image is not a plausible
// grayscale scan. It is a heuristic, not a guarantee.
func (g *Gate) Validate(img image.Image) error {
	th := g.thresholds
	s := g.Measure(img)

	logger.WithFields(logrus.Fields{
		"grayscale": s.Grayscale,
		"dark":      s.Dark,
		"high":      s.High,
	}).Debug("image validation")

	var reasons []string
	if s.Grayscale <= th.MinGrayscaleFraction {
		reasons = append(reasons, fmt.Sprintf("only %.0f%% of pixels are grayscale", s.Grayscale*100))
	}
	if s.Dark <= th.MinDarkFraction {
		reasons = append(reasons, fmt.Sprintf("dark background covers %.0f%%, too little", s.Dark*100))
	} else if s.Dark >= th.MaxDarkFraction {
		reasons = append(reasons, fmt.Sprintf("dark background covers %.0f%%, image looks empty", s.Dark*100))
	}
	if s.High <= th.MinHighFraction {
		reasons = append(reasons, "no high intensity structures")
	}
	if len(reasons) > 0 {
		return &ValidationError{Stats: s, Reasons: reasons}
	}
	return nil
}

// Luma weights of a device gray color space.
const (
	lumaR = 0.299
	lumaG = 0.587
	lumaB = 0.114
)

// grayscale converts the thumbnail to luma. bild writes the same value to
// R, G and B.
func (g *Gate) grayscale(img image.Image) *image.RGBA {
	return effect.GrayscaleWithWeights(g.thumbnail(img), lumaR, lumaG, lumaB)
}

// Variance is the population intensity variance of the grayscale thumbnail.
func (g *Gate) Variance(img image.Image) float64 {
	gray := g.grayscale(img)
	if len(gray.Pix) == 0 {
		return 0
	}
	b := gray.Bounds()
	values := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			values = append(values, float64(gray.RGBAAt(x, y).R))
		}
	}
	return stat.PopVariance(values, nil)
}

// CheckQuality returns non-blocking warnings for the image.
func (g *Gate) CheckQuality(img image.Image) []string {
	var warnings []string
	if v := g.Variance(img); v < g.thresholds.MinVariance {
		logger.WithField("variance", v).Debug("image looks blurry")
		warnings = append(warnings, BlurWarning)
	}
	return warnings
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
