package model

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/mpromonet/gin-yoloseg/internal/postproc"
	"github.com/mpromonet/gin-yoloseg/internal/tensor"
)

type fakeExecutor struct {
	input   tensor.Shape
	outputs []tensor.Shape
	delay   time.Duration
	runErr  error

	running atomic.Int32
	maxSeen atomic.Int32
	runs    atomic.Int32
	closed  atomic.Bool
}

func newFake() *fakeExecutor {
	return &fakeExecutor{
		input:   tensor.Shape{1, 64, 64, 3},
		outputs: []tensor.Shape{{1, 38, 4}, {1, 16, 16, 32}},
	}
}

func (f *fakeExecutor) InputShape() tensor.Shape     { return f.input }
func (f *fakeExecutor) OutputShapes() []tensor.Shape { return f.outputs }

func (f *fakeExecutor) Run(input []float32) ([]*tensor.Tensor, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.runs.Add(1)
	time.Sleep(f.delay)
	if f.runErr != nil {
		return nil, f.runErr
	}
	var out []*tensor.Tensor
	for _, s := range f.outputs {
		out = append(out, &tensor.Tensor{Data: make([]float32, s.Size()), Shape: s})
	}
	return out, nil
}

func (f *fakeExecutor) Close() error {
	f.closed.Store(true)
	return nil
}

func loaderOf(execs ...*fakeExecutor) Loader {
	var mu sync.Mutex
	return func(path string) (Executor, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(execs) == 0 {
			return nil, errors.New("no such model")
		}
		e := execs[0]
		execs = execs[1:]
		return e, nil
	}
}

func input(t *testing.T) *tensor.Tensor {
	t.Helper()
	in, err := tensor.New(make([]float32, 64*64*3), 1, 64, 64, 3)
	test.That(t, err, test.ShouldBeNil)
	return in
}

func TestAcquireBeforeLoad(t *testing.T) {
	m := NewManager(loaderOf())
	_, _, err := m.Acquire()
	test.That(t, errors.Is(err, ErrModelNotLoaded), test.ShouldBeTrue)
	test.That(t, m.Version(), test.ShouldEqual, uint64(0))

	_, err = m.Load("missing.tflite")
	test.That(t, err, test.ShouldNotBeNil)
	_, ok := m.Info()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestLoadResolvesInfo(t *testing.T) {
	fake := newFake()
	m := NewManager(loaderOf(fake))
	info, err := m.Load("seg.tflite")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Version, test.ShouldEqual, uint64(1))
	test.That(t, info.Input.Layout, test.ShouldEqual, tensor.ChannelsLast)
	test.That(t, info.Input.Size.X, test.ShouldEqual, 64)
	test.That(t, info.Proto.Layout, test.ShouldEqual, tensor.ChannelsLast)
	test.That(t, info.Proto.Width, test.ShouldEqual, 16)
	test.That(t, info.Detection, test.ShouldEqual, 0)
	test.That(t, info.Prototypes, test.ShouldEqual, 1)

	h, release, err := m.Acquire()
	test.That(t, err, test.ShouldBeNil)
	outs, err := h.Run(context.Background(), input(t))
	release()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, outs, test.ShouldHaveLength, 2)

	test.That(t, m.Close(), test.ShouldBeNil)
	test.That(t, fake.closed.Load(), test.ShouldBeTrue)
	_, _, err = m.Acquire()
	test.That(t, errors.Is(err, ErrModelNotLoaded), test.ShouldBeTrue)
}

func TestLoadOutputOrder(t *testing.T) {
	fake := newFake()
	fake.outputs = []tensor.Shape{{1, 32, 16, 16}, {1, 38, 4}}
	info, err := NewManager(loaderOf(fake)).Load("swapped.onnx")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Detection, test.ShouldEqual, 1)
	test.That(t, info.Prototypes, test.ShouldEqual, 0)
	test.That(t, info.Proto.Layout, test.ShouldEqual, tensor.ChannelsFirst)
}

func TestLoadRejectsShapes(t *testing.T) {
	for _, tc := range []struct {
		name    string
		outputs []tensor.Shape
	}{
		{"one output", []tensor.Shape{{1, 38, 4}}},
		{"three outputs", []tensor.Shape{{1, 38, 4}, {1, 16, 16, 32}, {1, 4}}},
		{"no coefficient dimension", []tensor.Shape{{1, 38, 4}, {1, 16, 16, 16}}},
		{"wrong channel count", []tensor.Shape{{1, 84, 4}, {1, 16, 16, 32}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFake()
			fake.outputs = tc.outputs
			_, err := NewManager(loaderOf(fake)).Load("bad.tflite")
			test.That(t, errors.Is(err, postproc.ErrInvalidOutputShape), test.ShouldBeTrue)
			test.That(t, fake.closed.Load(), test.ShouldBeTrue)
		})
	}

	fake := newFake()
	fake.input = tensor.Shape{1, 64, 64}
	_, err := NewManager(loaderOf(fake)).Load("bad.tflite")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunSerialized(t *testing.T) {
	fake := newFake()
	fake.delay = 5 * time.Millisecond
	m := NewManager(loaderOf(fake))
	_, err := m.Load("seg.tflite")
	test.That(t, err, test.ShouldBeNil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, release, err := m.Acquire()
			if err != nil {
				return
			}
			defer release()
			h.Run(context.Background(), input(t))
		}()
	}
	wg.Wait()
	test.That(t, fake.runs.Load(), test.ShouldEqual, int32(8))
	test.That(t, fake.maxSeen.Load(), test.ShouldEqual, int32(1))
	test.That(t, m.Close(), test.ShouldBeNil)
}

func TestRunErrors(t *testing.T) {
	fake := newFake()
	fake.runErr = errors.New("invoke failed")
	m := NewManager(loaderOf(fake))
	_, err := m.Load("seg.tflite")
	test.That(t, err, test.ShouldBeNil)
	defer m.Close()

	h, release, err := m.Acquire()
	test.That(t, err, test.ShouldBeNil)
	defer release()

	_, err = h.Run(context.Background(), input(t))
	test.That(t, err, test.ShouldBeError, fake.runErr)

	wrong, err := tensor.New(make([]float32, 3), 1, 1, 1, 3)
	test.That(t, err, test.ShouldBeNil)
	_, err = h.Run(context.Background(), wrong)
	test.That(t, err.Error(), test.ShouldContainSubstring, "model wants")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake.runErr = nil
	fake.delay = 50 * time.Millisecond
	_, err = h.Run(ctx, input(t))
	if err != nil {
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	}
}

func TestReloadDrainsOldVersion(t *testing.T) {
	first, second := newFake(), newFake()
	first.delay = 20 * time.Millisecond
	m := NewManager(loaderOf(first, second))
	_, err := m.Load("v1.tflite")
	test.That(t, err, test.ShouldBeNil)

	h, release, err := m.Acquire()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Info.Version, test.ShouldEqual, uint64(1))

	loaded := make(chan Info)
	go func() {
		info, err := m.Load("v2.tflite")
		if err == nil {
			loaded <- info
		}
		close(loaded)
	}()

	// the swap happens before the drain, so new callers see v2 while v1 is
	// still held
	test.That(t, waitFor(func() bool { info, _ := m.Info(); return info.Version == 2 }), test.ShouldBeTrue)
	test.That(t, first.closed.Load(), test.ShouldBeFalse)

	_, err = h.Run(context.Background(), input(t))
	test.That(t, err, test.ShouldBeNil)
	release()

	info := <-loaded
	test.That(t, info.Version, test.ShouldEqual, uint64(2))
	test.That(t, first.closed.Load(), test.ShouldBeTrue)
	test.That(t, second.closed.Load(), test.ShouldBeFalse)
	test.That(t, m.Version(), test.ShouldEqual, uint64(2))

	_, err = h.Run(context.Background(), input(t))
	test.That(t, errors.Is(err, ErrHandleClosed), test.ShouldBeTrue)
	test.That(t, m.Close(), test.ShouldBeNil)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
