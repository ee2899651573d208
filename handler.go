/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mpromonet/gin-yoloseg/internal/config"
	"github.com/mpromonet/gin-yoloseg/internal/logger"
	"github.com/mpromonet/gin-yoloseg/internal/model"
	"github.com/mpromonet/gin-yoloseg/internal/pipeline"
	"github.com/mpromonet/gin-yoloseg/internal/postproc"
	"github.com/mpromonet/gin-yoloseg/internal/preprocess"
)

type ErrorResponse struct {
	Error   string        `json:"error"`
	Kind    pipeline.Kind `json:"kind,omitempty"`
	Message string        `json:"message,omitempty"`
}

type runResponse struct {
	*pipeline.Result
	Diagnosis *pipeline.Diagnosis `json:"diagnosis,omitempty"`
	Mask      string              `json:"mask,omitempty"`
}

type protoResponse struct {
	Layout string `json:"layout"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Coeffs int    `json:"coeffs"`
}

type modelResponse struct {
	Path        string        `json:"path"`
	Version     uint64        `json:"version"`
	InputWidth  int           `json:"input_width"`
	InputHeight int           `json:"input_height"`
	InputLayout string        `json:"input_layout"`
	Outputs     [][]int       `json:"outputs"`
	Proto       protoResponse `json:"proto"`
}

type reloadRequest struct {
	Path string `json:"path" binding:"required"`
}

func newModelResponse(info model.Info) modelResponse {
	outputs := make([][]int, 0, len(info.Outputs))
	for _, s := range info.Outputs {
		outputs = append(outputs, []int(s))
	}
	return modelResponse{
		Path:        info.Path,
		Version:     info.Version,
		InputWidth:  info.Input.Size.X,
		InputHeight: info.Input.Size.Y,
		InputLayout: info.Input.Layout.String(),
		Outputs:     outputs,
		Proto: protoResponse{
			Layout: info.Proto.Layout.String(),
			Width:  info.Proto.Width,
			Height: info.Proto.Height,
			Coeffs: info.Proto.Coeffs,
		},
	}
}

func newRouter(cfg *config.Config, analyzer *pipeline.Analyzer, models *model.Manager) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), requestSizeLimiter(cfg.MaxBodySize))
	r.Use(static.Serve("/", static.LocalFile(cfg.StaticDir, false)))

	r.GET("/health", healthCheck(models))
	r.POST("/runmodel", runModel(analyzer, cfg.RequestTimeout))
	r.GET("/model", modelInfo(models))
	r.POST("/model/reload", reloadModel(models))
	return r
}

// readImage accepts either a multipart upload in the "image" field or the
// raw image as request body. With an explicit orientation the EXIF one is
// ignored, so the image is rotated once.
func readImage(c *gin.Context, explicit bool) (image.Image, error) {
	var r io.Reader = c.Request.Body
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		fh, err := c.FormFile("image")
		if err != nil {
			return nil, err
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	if explicit {
		return preprocess.DecodeRaw(r)
	}
	return preprocess.Decode(r)
}

// parseOrientation reads the optional orientation query. The bool reports
// whether one was given.
func parseOrientation(c *gin.Context) (preprocess.Orientation, bool, error) {
	q := c.Query("orientation")
	if q == "" {
		return preprocess.OrientationUp, false, nil
	}
	v, err := strconv.Atoi(q)
	if err != nil || !preprocess.Orientation(v).Valid() {
		return 0, false, errors.Errorf("orientation must be an EXIF value 1..8, got %q", q)
	}
	return preprocess.Orientation(v), true, nil
}

func encodeMask(res *pipeline.Result) (string, error) {
	if len(res.Detections) == 0 || res.Detections[0].Mask == nil {
		return "", nil
	}
	mask := res.Detections[0].Mask
	gray := postproc.NewStretchMapper(
		image.Pt(mask.Width, mask.Height),
		image.Pt(res.ImageWidth, res.ImageHeight),
	).MaskToImage(mask)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, gray, imaging.PNG); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func runModel(analyzer *pipeline.Analyzer, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		orientation, explicit, err := parseOrientation(c)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid orientation", err)
			return
		}
		img, err := readImage(c, explicit)
		if err != nil {
			respondError(c, http.StatusBadRequest, "cannot decode image", err)
			return
		}

		outcome := <-analyzer.Submit(ctx, img, orientation)
		if outcome.Err != nil {
			respondError(c, pipeline.GetStatusCode(outcome.Err), "analysis failed", outcome.Err)
			return
		}
		res := outcome.Result

		resp := runResponse{Result: res}
		// a detection too small to validate gets no diagnosis
		if d, ok := pipeline.Diagnose(res.Detections); ok && res.Message != pipeline.MessageTooSmall {
			resp.Diagnosis = &d
		}
		if c.Query("mask") == "true" {
			if resp.Mask, err = encodeMask(res); err != nil {
				respondError(c, http.StatusInternalServerError, "cannot encode mask", err)
				return
			}
		}

		logger.WithFields(logrus.Fields{
			"detections":         len(res.Detections),
			"model_version":      res.ModelVersion,
			"processing_time_ms": time.Since(startTime).Milliseconds(),
		}).Info("analysis completed")
		c.JSON(http.StatusOK, resp)
	}
}

func modelInfo(models *model.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := models.Info()
		if !ok {
			respondError(c, http.StatusServiceUnavailable, "no model loaded", model.ErrModelNotLoaded)
			return
		}
		c.JSON(http.StatusOK, newModelResponse(info))
	}
}

func reloadModel(models *model.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request format", err)
			return
		}
		info, err := models.Load(req.Path)
		if err != nil {
			respondError(c, http.StatusUnprocessableEntity, "cannot load model", err)
			return
		}
		c.JSON(http.StatusOK, newModelResponse(info))
	}
}

func healthCheck(models *model.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, loaded := models.Info()
		c.JSON(http.StatusOK, gin.H{
			"status":        "available",
			"model_loaded":  loaded,
			"model_version": models.Version(),
			"time":          time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
		}).Debug("request")
	}
}

func respondError(c *gin.Context, code int, message string, err error) {
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	resp := ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	}
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		resp.Kind = perr.Kind
	}
	c.AbortWithStatusJSON(code, resp)
}
