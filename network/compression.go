package network

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zlib"
)

// every sync flush ends with an empty stored block
var syncFlushMarker = []byte{0x00, 0x00, 0xff, 0xff}

type compressedChannel struct {
	inner Channel

	// wlock guards w; the writer goroutine and Close both use it
	wlock   sync.Mutex
	w       *zlib.Writer
	wclosed bool

	// only the single reader goroutine touches r and tail
	r    atomic.Pointer[io.ReadCloser]
	tail tailReader

	once sync.Once
	err  error
}

// tailReader remembers the last bytes read from the wire and whether the
// wire reached its end.
type tailReader struct {
	r    io.Reader
	last []byte
	eof  bool
}

func (t *tailReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.last = append(t.last, p[:n]...)
		if len(t.last) > len(syncFlushMarker) {
			t.last = append(t.last[:0], t.last[len(t.last)-len(syncFlushMarker):]...)
		}
	}
	if errors.Is(err, io.EOF) {
		t.eof = true
	}
	return n, err
}

// atFlushBoundary reports whether the wire ended right after a sync flush,
// so nothing of a message can be missing.
func (t *tailReader) atFlushBoundary() bool {
	return t.eof && bytes.Equal(t.last, syncFlushMarker)
}

// WithCompression wraps the stream in zlib. The reader is opened lazily
// because opening it blocks until the peer's stream header arrives.
func WithCompression(inner Channel) Channel {
	c := &compressedChannel{inner: inner, w: zlib.NewWriter(inner)}
	c.tail.r = inner
	return c
}

// Read returns io.EOF when the peer hangs up between two flushed messages.
// A stream cut inside a message stays io.ErrUnexpectedEOF.
func (c *compressedChannel) Read(p []byte) (int, error) {
	r := c.r.Load()
	if r == nil {
		zr, err := zlib.NewReader(&c.tail)
		if err != nil {
			return 0, err
		}
		r = &zr
		c.r.Store(r)
	}
	n, err := (*r).Read(p)
	if errors.Is(err, io.ErrUnexpectedEOF) && c.tail.atFlushBoundary() {
		err = io.EOF
	}
	return n, err
}

func (c *compressedChannel) Write(p []byte) (int, error) {
	c.wlock.Lock()
	defer c.wlock.Unlock()
	if c.wclosed {
		return 0, ErrClosed
	}
	return c.w.Write(p)
}

// Flush emits a sync flush so the peer can decode everything written so far.
func (c *compressedChannel) Flush() error {
	c.wlock.Lock()
	defer c.wlock.Unlock()
	if c.wclosed {
		return ErrClosed
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	return c.inner.Flush()
}

// Close finishes the zlib stream, then closes the inner channel. When a
// write is in progress the inner channel goes first so the blocked write
// returns; the stream trailer is lost in that case. The zlib reader is never
// closed here: the reader goroutine sees the inner channel fail instead.
func (c *compressedChannel) Close() error {
	c.once.Do(func() {
		if c.wlock.TryLock() {
			c.err = closeLayers(c.closeWriter, c.inner)
			return
		}
		c.err = c.inner.Close()
		c.wlock.Lock()
		_ = c.closeWriter()
	})
	return c.err
}

// closeWriter must be called with wlock held. It releases the lock.
func (c *compressedChannel) closeWriter() error {
	defer c.wlock.Unlock()
	c.wclosed = true
	return c.w.Close()
}
