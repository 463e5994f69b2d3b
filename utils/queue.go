package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("[quassel] queue is closed")
var ErrOverflow = errors.New("[quassel] queue is overflowed")

// FDQueue is a feed/drain queue of byte records bounded by total size.
// Each Drain call is stored as a unit, so records drained together are
// fed in order without interleaving other callers.
type FDQueue[T ~[][]byte] struct {
	ctx       context.Context
	close     context.CancelFunc
	timelimit time.Duration
	batchSize int
	maxSize   int

	lock   sync.Mutex
	data   T
	size   int
	signal chan struct{} // data appended
	space  chan struct{} // data consumed
}

// NewFDQueue creates a queue holding at most limit bytes. A full queue
// makes Drain wait up to timelimit before failing with ErrOverflow. Feed
// returns records until batchSize bytes are collected, at least one.
func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &FDQueue[T]{
		ctx:       ctx,
		close:     cancel,
		timelimit: timelimit,
		batchSize: batchSize,
		maxSize:   limit,
		signal:    make(chan struct{}, 1),
		space:     make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.close()
	q.lock.Lock()
	q.data = nil
	q.size = 0
	q.lock.Unlock()
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	total := 0
	for _, rec := range recs {
		total += len(rec)
	}
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	for {
		if q.ctx.Err() != nil {
			return ErrClosed
		}
		q.lock.Lock()
		// an oversized unit is accepted into an empty queue
		if q.size+total <= q.maxSize || q.size == 0 {
			q.data = append(q.data, recs...)
			q.size += total
			q.lock.Unlock()
			notify(q.signal)
			return nil
		}
		q.lock.Unlock()
		select {
		case <-q.space:
		case <-q.ctx.Done():
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrOverflow
		}
	}
}

// Feed blocks until records are queued, the queue closes, or ctx ends.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	for {
		q.lock.Lock()
		if q.ctx.Err() != nil {
			q.lock.Unlock()
			return nil, ErrClosed
		}
		if len(q.data) > 0 {
			payload, n := 0, 0
			for n < len(q.data) && (n == 0 || payload < q.batchSize) {
				payload += len(q.data[n])
				n++
			}
			recs = append(recs, q.data[:n]...)
			clear(q.data[:n])
			q.data = q.data[n:]
			q.size -= payload
			q.lock.Unlock()
			notify(q.space)
			return recs, nil
		}
		q.lock.Unlock()
		select {
		case <-q.signal:
		case <-q.ctx.Done():
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
