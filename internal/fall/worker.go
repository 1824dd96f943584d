package fall

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scored is a window together with its classifier outcome.
type Scored struct {
	Window      Window
	Probability float64
	Err         error
}

// Worker scores windows on its own goroutine so that frame intake never waits
// on the classifier. Windows are scored one at a time, in submission order,
// so results come back in sequence order.
type Worker struct {
	classifier Classifier
	timeout    time.Duration
	logger     *zap.Logger

	in      chan Window
	out     chan Scored
	dropped atomic.Uint64
	started atomic.Bool
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWorker returns a worker with a queue of the given depth. Each score call
// is bounded by timeout when it is positive.
func NewWorker(c Classifier, queue int, timeout time.Duration, logger *zap.Logger) *Worker {
	if queue <= 0 {
		queue = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		classifier: c,
		timeout:    timeout,
		logger:     logger,
		in:         make(chan Window, queue),
		out:        make(chan Scored, queue),
	}
}

// Start launches the scoring goroutine. It exits when ctx is cancelled or
// Stop is called.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.out)
		for {
			select {
			case <-ctx.Done():
				return
			case win, ok := <-w.in:
				if !ok {
					return
				}
				s := w.score(ctx, win)
				select {
				case w.out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (w *Worker) score(ctx context.Context, win Window) Scored {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	p, err := score(ctx, w.classifier, win.Frames)
	return Scored{Window: win, Probability: p, Err: err}
}

// Submit queues a window without blocking. It returns false, and counts the
// window as dropped, when the queue is full.
func (w *Worker) Submit(win Window) bool {
	select {
	case w.in <- win:
		return true
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("fall classifier queue full, window dropped",
			zap.Uint64("seq", win.Seq), zap.Uint64("dropped_total", n))
		return false
	}
}

// Results delivers scored windows. The channel is closed when the worker exits.
func (w *Worker) Results() <-chan Scored {
	return w.out
}

// Dropped returns the number of windows rejected by Submit.
func (w *Worker) Dropped() uint64 {
	return w.dropped.Load()
}

// Stop closes the queue and waits for the goroutine to finish. Results not
// yet read are discarded by the caller.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.in) })
	if !w.started.Load() {
		return
	}
	go func() {
		for range w.out {
		}
	}()
	w.wg.Wait()
}
