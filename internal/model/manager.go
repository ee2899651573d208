/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package model

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/mpromonet/gin-yoloseg/internal/logger"
)

// Manager holds the current model handle. Loading a new model swaps the
// handle in; the previous one keeps serving the calls that acquired it and
// is closed once they are released.
type Manager struct {
	loader  Loader
	version *atomic.Uint64

	mu      sync.RWMutex
	current *Handle
}

func NewManager(loader Loader) *Manager {
	return &Manager{loader: loader, version: atomic.NewUint64(0)}
}

// Load opens path and makes it the current model. It blocks until the
// replaced version has drained, so it must not be called while holding a
// handle from Acquire.
func (m *Manager) Load(path string) (Info, error) {
	exec, err := m.loader(path)
	if err != nil {
		return Info{}, errors.Wrapf(err, "cannot load model %s", path)
	}
	info, err := resolveInfo(path, exec)
	if err != nil {
		return Info{}, multierr.Append(errors.Wrapf(err, "model %s", path), exec.Close())
	}
	info.Version = m.version.Inc()

	h := newHandle(exec, info)
	m.mu.Lock()
	old := m.current
	m.current = h
	m.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"path":    path,
		"version": info.Version,
		"input":   info.InputShape.String(),
		"layout":  info.Input.Layout.String(),
		"proto":   info.Outputs[info.Prototypes].String(),
	}).Info("model loaded")

	if old != nil {
		if err := old.retire(); err != nil {
			logger.WithError(err).WithField("version", old.Info.Version).Warn("cannot close previous model")
		}
	}
	return info, nil
}

// Acquire returns the current handle and the func releasing it.
func (m *Manager) Acquire() (*Handle, func(), error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.current
	if h == nil {
		return nil, nil, ErrModelNotLoaded
	}
	h.inflight.Add(1)
	var once sync.Once
	return h, func() { once.Do(h.inflight.Done) }, nil
}

// Info returns the geometry of the current model.
func (m *Manager) Info() (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Info{}, false
	}
	return m.current.Info, true
}

// Version is the number of models loaded so far, 0 before the first Load.
func (m *Manager) Version() uint64 {
	return m.version.Load()
}

// Close retires the current model. Acquire fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.current
	m.current = nil
	m.mu.Unlock()

	var err error
	if h != nil {
		err = multierr.Append(err, h.retire())
	}
	return err
}
