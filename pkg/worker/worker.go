package worker

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// SmartRunnable is a component that drains its own input whenever woken.
// DoMyWork must return once there is nothing left to do.
type SmartRunnable interface {
	DoMyWork()
}

type Wakeable interface {
	Wake()
}

// Worker runs one SmartRunnable on its own goroutine. Wakeups coalesce: any
// number of Wake calls made while DoMyWork runs cause exactly one more pass.
type Worker struct {
	name     string
	runnable SmartRunnable
	logger   *logrus.Entry

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	degraded atomic.Bool
	passes   atomic.Uint64
}

func New(name string, runnable SmartRunnable, logger *logrus.Entry) *Worker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &Worker{
		name:     name,
		runnable: runnable,
		logger:   logger.WithField("worker", name),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Worker) Name() string { return w.name }

// Wake never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop ends the goroutine after the current pass and waits for it.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

// Degraded reports whether a pass has ever panicked.
func (w *Worker) Degraded() bool {
	return w.degraded.Load()
}

// Passes counts completed DoMyWork calls.
func (w *Worker) Passes() uint64 {
	return w.passes.Load()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
			w.runOnce()
		}
	}
}

func (w *Worker) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			w.degraded.Store(true)
			w.logger.WithField("panic", r).Error("worker pass failed")
		}
		w.passes.Add(1)
	}()
	w.runnable.DoMyWork()
}
