package utils

import (
	"context"
	"sync"
)

type Task func(ctx context.Context) error

// Worker runs tasks one at a time, in submission order, on its own
// goroutine. Submit never blocks, so it is safe to call from the
// dispatch path.
type Worker struct {
	log    Logger
	ctx    context.Context
	cancel context.CancelFunc

	lock    sync.Mutex
	tasks   []Task
	closed  bool
	signal  chan struct{}
	stopped chan struct{}
}

func NewWorker(log Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) Submit(task Task) error {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return ErrClosed
	}
	w.tasks = append(w.tasks, task)
	w.lock.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports the number of queued tasks not yet started.
func (w *Worker) Pending() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return len(w.tasks)
}

func (w *Worker) run() {
	defer close(w.stopped)
	for {
		w.lock.Lock()
		if len(w.tasks) == 0 {
			if w.closed {
				w.lock.Unlock()
				return
			}
			w.lock.Unlock()
			<-w.signal
			continue
		}
		task := w.tasks[0]
		w.tasks[0] = nil
		w.tasks = w.tasks[1:]
		w.lock.Unlock()

		if err := task(w.ctx); err != nil {
			w.log.Error("worker: task failed", "err", err)
		}
	}
}

// Close stops accepting tasks and waits until the queued ones are done.
func (w *Worker) Close() error {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		<-w.stopped
		return nil
	}
	w.closed = true
	w.lock.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	<-w.stopped
	w.cancel()
	return nil
}
