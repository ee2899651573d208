/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package config

import (
	"flag"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Backends understood by -backend.
const (
	BackendTFLite = "tflite"
	BackendONNX   = "onnx"
)

type Config struct {
	ModelPath      string
	Backend        string
	Threads        int
	EdgeTPU        bool
	ORTLibrary     string
	Addr           string
	StaticDir      string
	LogLevel       string
	Workers        int
	RequestTimeout time.Duration
	MaxBodySize    int64
}

// Load parses flags from args, using environment variables as defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("gin-yoloseg", flag.ContinueOnError)
	fs.StringVar(&cfg.ModelPath, "model", getEnvOrDefault("MODEL_PATH", "models/pancreas.tflite"), "path to model file")
	fs.StringVar(&cfg.Backend, "backend", getEnvOrDefault("MODEL_BACKEND", BackendTFLite), "inference backend (tflite|onnx)")
	fs.IntVar(&cfg.Threads, "threads", parseIntOrDefault("MODEL_THREADS", 4), "interpreter threads")
	fs.BoolVar(&cfg.EdgeTPU, "edgetpu", parseBoolOrDefault("EDGETPU", false), "use the first edge TPU found")
	fs.StringVar(&cfg.ORTLibrary, "ort-lib", getEnvOrDefault("ORT_LIBRARY", ""), "path to the onnxruntime shared library")
	fs.StringVar(&cfg.Addr, "addr", ":"+getEnvOrDefault("PORT", "8080"), "listen address")
	fs.StringVar(&cfg.StaticDir, "static", getEnvOrDefault("STATIC_DIR", "./static"), "static files directory")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnvOrDefault("LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	fs.IntVar(&cfg.Workers, "workers", parseIntOrDefault("WORKERS", runtime.NumCPU()), "analysis workers")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", parseDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second), "per request timeout")
	fs.Int64Var(&cfg.MaxBodySize, "max-body", int64(parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 20<<20)), "maximum upload size in bytes")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "cannot parse flags")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendTFLite, BackendONNX:
	default:
		return errors.Errorf("invalid backend: %q", c.Backend)
	}
	if strings.TrimSpace(c.ModelPath) == "" {
		return errors.New("model path is required")
	}
	if c.Threads <= 0 {
		return errors.Errorf("threads must be > 0 (got %d)", c.Threads)
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers must be > 0 (got %d)", c.Workers)
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("timeout must be > 0 (got %s)", c.RequestTimeout)
	}
	if c.MaxBodySize <= 0 {
		return errors.Errorf("max-body must be > 0 (got %d)", c.MaxBodySize)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}
