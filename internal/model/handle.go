/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package model

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/mpromonet/gin-yoloseg/internal/logger"
	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

type job struct {
	input []float32
	reply chan result
}

type result struct {
	outputs []*tensor.Tensor
	err     error
}

// Handle is one loaded version of the model. Invocations are serialized
// through a single worker goroutine.
type Handle struct {
	Info Info

	exec     Executor
	jobs     chan job
	done     chan struct{}
	stopped  chan struct{}
	inflight sync.WaitGroup
	once     sync.Once
	closeErr error
}

func newHandle(exec Executor, info Info) *Handle {
	h := &Handle{
		Info:    info,
		exec:    exec,
		jobs:    make(chan job),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.modelWorker()
	return h
}

func (h *Handle) modelWorker() {
	defer close(h.stopped)
	for {
		select {
		case j := <-h.jobs:
			outputs, err := h.exec.Run(j.input)
			j.reply <- result{outputs: outputs, err: err}
		case <-h.done:
			return
		}
	}
}

// Run queues input on the handle worker and waits for the outputs. The
// context bounds the wait only: a started forward pass runs to completion.
func (h *Handle) Run(ctx context.Context, input *tensor.Tensor) ([]*tensor.Tensor, error) {
	if !input.Shape.Equal(h.Info.InputShape) {
		return nil, errors.Errorf("input shape %v, model wants %v", input.Shape, h.Info.InputShape)
	}

	reply := make(chan result, 1)
	select {
	case h.jobs <- job{input: input.Data, reply: reply}:
	case <-h.done:
		return nil, ErrHandleClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.outputs) != len(h.Info.Outputs) {
			return nil, errors.Errorf("executor returned %d outputs, want %d", len(r.outputs), len(h.Info.Outputs))
		}
		return r.outputs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// retire waits for callers still holding the handle, stops the worker and
// closes the executor.
func (h *Handle) retire() error {
	h.once.Do(func() {
		h.inflight.Wait()
		close(h.done)
		<-h.stopped
		h.closeErr = h.exec.Close()
		logger.WithField("version", h.Info.Version).Info("model version retired")
	})
	return h.closeErr
}
