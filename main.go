/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/mpromonet/gin-yoloseg/internal/config"
	"github.com/mpromonet/gin-yoloseg/internal/logger"
	"github.com/mpromonet/gin-yoloseg/internal/model"
	"github.com/mpromonet/gin-yoloseg/internal/model/onnx"
	"github.com/mpromonet/gin-yoloseg/internal/model/tflite"
	"github.com/mpromonet/gin-yoloseg/internal/pipeline"
)

func newLoader(cfg *config.Config) model.Loader {
	if cfg.Backend == config.BackendONNX {
		return onnx.Loader(cfg.ORTLibrary)
	}
	return tflite.Loader(cfg.Threads, cfg.EdgeTPU)
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	models := model.NewManager(newLoader(cfg))
	if _, err := models.Load(cfg.ModelPath); err != nil {
		// the service starts unloaded, POST /model/reload can fix it
		logger.WithError(err).WithField("model", cfg.ModelPath).Error("cannot load model")
	}
	analyzer := pipeline.NewAnalyzer(models, pipeline.WithWorkers(cfg.Workers))

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: newRouter(cfg, analyzer, models),
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.Addr,
			"backend": cfg.Backend,
			"workers": cfg.Workers,
			"timeout": cfg.RequestTimeout,
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = server.Shutdown(ctx)
	analyzer.Close()
	if err = multierr.Append(err, models.Close()); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}
	logger.Logger.Info("Server exited")
}
