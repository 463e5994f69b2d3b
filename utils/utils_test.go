package utils

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Records [][]byte

func TestFDQueueOrder(t *testing.T) {
	const N = 1 << 10
	const K = 1 << 4

	queue := NewFDQueue[Records](1024, time.Second, 64)
	ctx := context.Background()

	var wg sync.WaitGroup
	for k := 0; k < K; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			i := uint64(k) << 32
			for n := uint64(0); n < N; n++ {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], i|n)
				assert.NoError(t, queue.Drain(ctx, Records{b[:]}))
			}
		}(k)
	}

	check := [K]int{}
	for i := 0; i < N*K; {
		nums, err := queue.Feed(ctx)
		require.NoError(t, err)
		for _, num := range nums {
			require.Len(t, num, 8)
			j := binary.LittleEndian.Uint64(num)
			k := int(j >> 32)
			n := int(j & 0xffffffff)
			assert.Equal(t, check[k], n)
			check[k] = n + 1
			i++
		}
	}
	wg.Wait()
	assert.Equal(t, 0, queue.Size())

	assert.NoError(t, queue.Close())
	assert.ErrorIs(t, queue.Drain(ctx, Records{{'a'}}), ErrClosed)
	_, err := queue.Feed(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFDQueueUnitsStayTogether(t *testing.T) {
	queue := NewFDQueue[Records](1<<10, time.Second, 1)
	ctx := context.Background()
	require.NoError(t, queue.Drain(ctx, Records{[]byte("ab"), []byte("cd")}))
	require.NoError(t, queue.Drain(ctx, Records{[]byte("ef")}))
	assert.Equal(t, 6, queue.Size())

	var got []byte
	for len(got) < 6 {
		recs, err := queue.Feed(ctx)
		require.NoError(t, err)
		for _, r := range recs {
			got = append(got, r...)
		}
	}
	assert.Equal(t, "abcdef", string(got))
}

func TestFDQueueOverflow(t *testing.T) {
	queue := NewFDQueue[Records](4, 10*time.Millisecond, 16)
	ctx := context.Background()
	require.NoError(t, queue.Drain(ctx, Records{[]byte("12345678")}))
	assert.ErrorIs(t, queue.Drain(ctx, Records{[]byte("x")}), ErrOverflow)

	recs, err := queue.Feed(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.NoError(t, queue.Drain(ctx, Records{[]byte("x")}))
}

func TestFDQueueFeedCancel(t *testing.T) {
	queue := NewFDQueue[Records](16, time.Second, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	recs, err := queue.Feed(ctx)
	assert.Nil(t, recs)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerRunsInOrder(t *testing.T) {
	w := NewWorker(NopLogger{})
	var (
		lock sync.Mutex
		seen []int
	)
	for i := 0; i < 100; i++ {
		require.NoError(t, w.Submit(func(context.Context) error {
			lock.Lock()
			seen = append(seen, i)
			lock.Unlock()
			return nil
		}))
	}
	require.NoError(t, w.Submit(func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, w.Close())
	require.Len(t, seen, 100)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, w.Pending())
	assert.ErrorIs(t, w.Submit(func(context.Context) error { return nil }), ErrClosed)
	assert.NoError(t, w.Close())
}

func TestWorkerLogsFailures(t *testing.T) {
	var out bytes.Buffer
	w := NewWorker(NewLogger(&out, slog.LevelDebug))
	require.NoError(t, w.Submit(func(context.Context) error { return errors.New("disk full") }))
	require.NoError(t, w.Close())
	assert.Contains(t, out.String(), "worker: task failed")
	assert.Contains(t, out.String(), "disk full")
}

func TestAvgVal(t *testing.T) {
	a := NewAvgVal(0)
	a.Add(10)
	assert.InDelta(t, 5.0, a.Val(), 1e-9)
	assert.Equal(t, 2, a.Count())

	w := NewWindowedAvg(2)
	w.Add(10)
	assert.InDelta(t, 10.0, w.Val(), 1e-9)
	w.Add(20)
	w.Add(20)
	assert.InDelta(t, 17.5, w.Val(), 1e-9)

	d := NewWindowedAvg(4)
	d.AddDuration(time.Second)
	assert.Equal(t, time.Second, d.Duration())
}

func TestLoggerDefaultArgs(t *testing.T) {
	var out bytes.Buffer
	log := NewLogger(&out, slog.LevelInfo)
	ctx := WithDefaultArgs(context.Background(), "trace_id", "abc")
	log.InfoCtx(ctx, "hello", "k", 1)
	log.Debug("hidden")
	assert.Contains(t, out.String(), "trace_id=abc")
	assert.Contains(t, out.String(), "k=1")
	assert.NotContains(t, out.String(), "hidden")
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
}
