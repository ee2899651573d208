package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.viam.com/test"

	"github.com/mpromonet/gin-yoloseg/internal/config"
	"github.com/mpromonet/gin-yoloseg/internal/model"
	"github.com/mpromonet/gin-yoloseg/internal/pipeline"
	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

const channels = 4 + 2 + tensor.MaskCoeffs

// segExecutor reports one abnormal anchor in the middle of the image with a
// mask covering the left half of the prototypes. size is the normalized box
// side, 0.5 when unset.
type segExecutor struct {
	size float32
}

func (segExecutor) InputShape() tensor.Shape { return tensor.Shape{1, 32, 32, 3} }
func (segExecutor) OutputShapes() []tensor.Shape {
	return []tensor.Shape{{1, channels, 1}, {1, 8, 8, tensor.MaskCoeffs}}
}
func (segExecutor) Close() error { return nil }

func (e segExecutor) Run([]float32) ([]*tensor.Tensor, error) {
	size := e.size
	if size == 0 {
		size = 0.5
	}
	det := make([]float32, channels)
	copy(det, []float32{0.5, 0.5, size, size, 0.8, 0.1, 5})
	proto := make([]float32, 8*8*tensor.MaskCoeffs)
	for i := 0; i < 64; i++ {
		if i%8 < 4 {
			proto[i*tensor.MaskCoeffs] = 1
		} else {
			proto[i*tensor.MaskCoeffs] = -1
		}
	}
	return []*tensor.Tensor{
		{Data: det, Shape: tensor.Shape{1, channels, 1}},
		{Data: proto, Shape: tensor.Shape{1, 8, 8, tensor.MaskCoeffs}},
	}, nil
}

func setup(t *testing.T, load bool) (*gin.Engine, *model.Manager) {
	t.Helper()
	return setupExecutor(t, segExecutor{}, load)
}

func setupExecutor(t *testing.T, exec model.Executor, load bool) (*gin.Engine, *model.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	models := model.NewManager(func(path string) (model.Executor, error) {
		if strings.HasPrefix(path, "missing") {
			return nil, errors.New("no such file")
		}
		return exec, nil
	})
	if load {
		_, err := models.Load("seg.tflite")
		test.That(t, err, test.ShouldBeNil)
	}
	analyzer := pipeline.NewAnalyzer(models, pipeline.WithWorkers(2))
	t.Cleanup(func() {
		analyzer.Close()
		models.Close()
	})

	cfg := &config.Config{
		StaticDir:      t.TempDir(),
		RequestTimeout: 5 * time.Second,
		MaxBodySize:    1 << 20,
	}
	return newRouter(cfg, analyzer, models), models
}

func scanImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{0, 0, 0, 255}
			switch {
			case x < w/2:
			case y < h*4/5:
				c = color.RGBA{100, 100, 100, 255}
			default:
				c = color.RGBA{255, 255, 255, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func scanPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, scanImage(128, 128)), test.ShouldBeNil)
	return buf.Bytes()
}

// scanJPEG is a 128x64 scan tagged with EXIF orientation 6 (rotate 90 CW).
func scanJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, jpeg.Encode(&buf, scanImage(128, 64), &jpeg.Options{Quality: 95}), test.ShouldBeNil)
	b := buf.Bytes()
	app1 := []byte{
		0xff, 0xe1, 0x00, 0x22,
		'E', 'x', 'i', 'f', 0, 0,
		'M', 'M', 0x00, 0x2a, 0x00, 0x00, 0x00, 0x08,
		0x00, 0x01,
		0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x06, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	out := append([]byte{}, b[:2]...)
	out = append(out, app1...)
	return append(out, b[2:]...)
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type runBody struct {
	Detections []struct {
		ClassName  string  `json:"class_name"`
		Confidence float32 `json:"confidence"`
		Box        struct {
			X     float64 `json:"x"`
			Width float64 `json:"width"`
		} `json:"box"`
	} `json:"detections"`
	Shape *struct {
		Circularity float64 `json:"circularity"`
	} `json:"shape"`
	Warnings     []string `json:"warnings"`
	Message      string   `json:"message"`
	ModelVersion uint64   `json:"model_version"`
	Diagnosis    *struct {
		Label      string  `json:"label"`
		Confidence float32 `json:"confidence"`
	} `json:"diagnosis"`
	Mask        string `json:"mask"`
	ImageWidth  int    `json:"image_width"`
	ImageHeight int    `json:"image_height"`
}

func TestHealth(t *testing.T) {
	r, _ := setup(t, false)
	w := do(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)

	var body map[string]interface{}
	test.That(t, json.Unmarshal(w.Body.Bytes(), &body), test.ShouldBeNil)
	test.That(t, body["status"], test.ShouldEqual, "available")
	test.That(t, body["model_loaded"], test.ShouldEqual, false)
}

func TestRunModelRaw(t *testing.T) {
	r, _ := setup(t, true)
	w := do(r, httptest.NewRequest(http.MethodPost, "/runmodel?mask=true", bytes.NewReader(scanPNG(t))))
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)

	var body runBody
	test.That(t, json.Unmarshal(w.Body.Bytes(), &body), test.ShouldBeNil)
	test.That(t, body.ModelVersion, test.ShouldEqual, uint64(1))
	test.That(t, body.Detections, test.ShouldHaveLength, 1)
	test.That(t, body.Detections[0].ClassName, test.ShouldEqual, "ABNORMAL")
	test.That(t, body.Detections[0].Box.X, test.ShouldAlmostEqual, 32, 1e-3)
	test.That(t, body.Detections[0].Box.Width, test.ShouldAlmostEqual, 64, 1e-3)
	test.That(t, body.Shape, test.ShouldNotBeNil)
	test.That(t, body.Diagnosis, test.ShouldNotBeNil)
	test.That(t, body.Diagnosis.Label, test.ShouldEqual, pipeline.DiagnosisAbnormal)
	test.That(t, body.Message, test.ShouldBeEmpty)

	raw, err := base64.StdEncoding.DecodeString(body.Mask)
	test.That(t, err, test.ShouldBeNil)
	mask, err := png.Decode(bytes.NewReader(raw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mask.Bounds().Size(), test.ShouldResemble, image.Pt(128, 128))
	left, _, _, _ := mask.At(10, 64).RGBA()
	right, _, _, _ := mask.At(120, 64).RGBA()
	test.That(t, left>>8, test.ShouldBeGreaterThan, 200)
	test.That(t, right>>8, test.ShouldBeLessThan, 50)
}

func TestRunModelTooSmall(t *testing.T) {
	r, _ := setupExecutor(t, segExecutor{size: 0.04}, true)
	w := do(r, httptest.NewRequest(http.MethodPost, "/runmodel", bytes.NewReader(scanPNG(t))))
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)

	var body runBody
	test.That(t, json.Unmarshal(w.Body.Bytes(), &body), test.ShouldBeNil)
	test.That(t, body.Detections, test.ShouldHaveLength, 1)
	test.That(t, body.Message, test.ShouldEqual, pipeline.MessageTooSmall)
	test.That(t, body.Diagnosis, test.ShouldBeNil)
}

func TestRunModelExifOrientation(t *testing.T) {
	r, _ := setup(t, true)
	for _, tc := range []struct {
		name string
		url  string
		size image.Point
	}{
		{"exif", "/runmodel", image.Pt(64, 128)},
		{"explicit up", "/runmodel?orientation=1", image.Pt(128, 64)},
		{"explicit right", "/runmodel?orientation=6", image.Pt(64, 128)},
		{"explicit down", "/runmodel?orientation=3", image.Pt(128, 64)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, httptest.NewRequest(http.MethodPost, tc.url, bytes.NewReader(scanJPEG(t))))
			test.That(t, w.Code, test.ShouldEqual, http.StatusOK)

			var body runBody
			test.That(t, json.Unmarshal(w.Body.Bytes(), &body), test.ShouldBeNil)
			test.That(t, image.Pt(body.ImageWidth, body.ImageHeight), test.ShouldResemble, tc.size)
		})
	}
}

func TestRunModelMultipart(t *testing.T) {
	r, _ := setup(t, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "scan.png")
	test.That(t, err, test.ShouldBeNil)
	_, err = fw.Write(scanPNG(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mw.Close(), test.ShouldBeNil)

	req := httptest.NewRequest(http.MethodPost, "/runmodel?orientation=6", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := do(r, req)
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)

	var body runBody
	test.That(t, json.Unmarshal(w.Body.Bytes(), &body), test.ShouldBeNil)
	test.That(t, body.Detections, test.ShouldHaveLength, 1)
	test.That(t, body.Mask, test.ShouldBeEmpty)
}

func TestRunModelErrors(t *testing.T) {
	r, _ := setup(t, true)

	w := do(r, httptest.NewRequest(http.MethodPost, "/runmodel", strings.NewReader("not an image")))
	test.That(t, w.Code, test.ShouldEqual, http.StatusBadRequest)

	w = do(r, httptest.NewRequest(http.MethodPost, "/runmodel?orientation=9", bytes.NewReader(scanPNG(t))))
	test.That(t, w.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, w.Body.String(), test.ShouldContainSubstring, "orientation")

	photo := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			photo.SetRGBA(x, y, color.RGBA{255, uint8(2 * x), uint8(y), 255})
		}
	}
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, photo), test.ShouldBeNil)
	w = do(r, httptest.NewRequest(http.MethodPost, "/runmodel", &buf))
	test.That(t, w.Code, test.ShouldEqual, http.StatusBadRequest)

	var body ErrorResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &body), test.ShouldBeNil)
	test.That(t, body.Kind, test.ShouldEqual, pipeline.KindInvalidImage)
}

func TestRunModelNotLoaded(t *testing.T) {
	r, _ := setup(t, false)
	w := do(r, httptest.NewRequest(http.MethodPost, "/runmodel", bytes.NewReader(scanPNG(t))))
	test.That(t, w.Code, test.ShouldEqual, http.StatusServiceUnavailable)

	var body ErrorResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &body), test.ShouldBeNil)
	test.That(t, body.Kind, test.ShouldEqual, pipeline.KindModelNotLoaded)

	w = do(r, httptest.NewRequest(http.MethodGet, "/model", nil))
	test.That(t, w.Code, test.ShouldEqual, http.StatusServiceUnavailable)
}

func TestModelReload(t *testing.T) {
	r, models := setup(t, true)

	w := do(r, httptest.NewRequest(http.MethodGet, "/model", nil))
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	var info modelResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &info), test.ShouldBeNil)
	test.That(t, info.Version, test.ShouldEqual, uint64(1))
	test.That(t, info.InputWidth, test.ShouldEqual, 32)
	test.That(t, info.InputLayout, test.ShouldEqual, "NHWC")
	test.That(t, info.Proto.Coeffs, test.ShouldEqual, tensor.MaskCoeffs)
	test.That(t, info.Outputs, test.ShouldResemble, [][]int{{1, channels, 1}, {1, 8, 8, tensor.MaskCoeffs}})

	w = do(r, httptest.NewRequest(http.MethodPost, "/model/reload", strings.NewReader(`{"path": "seg-v2.tflite"}`)))
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, json.Unmarshal(w.Body.Bytes(), &info), test.ShouldBeNil)
	test.That(t, info.Version, test.ShouldEqual, uint64(2))
	test.That(t, info.Path, test.ShouldEqual, "seg-v2.tflite")
	test.That(t, models.Version(), test.ShouldEqual, uint64(2))

	w = do(r, httptest.NewRequest(http.MethodPost, "/model/reload", strings.NewReader(`{}`)))
	test.That(t, w.Code, test.ShouldEqual, http.StatusBadRequest)

	w = do(r, httptest.NewRequest(http.MethodPost, "/model/reload", strings.NewReader(`{"path": "missing.tflite"}`)))
	test.That(t, w.Code, test.ShouldEqual, http.StatusUnprocessableEntity)

	// a failed reload keeps the current model
	info2, ok := models.Info()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, info2.Path, test.ShouldEqual, "seg-v2.tflite")
}
