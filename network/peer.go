package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quasseldroid/libquassel/protocol"
	"github.com/quasseldroid/libquassel/utils"
)

// Peer drives one Channel on behalf of a session: frames read from the
// channel go to Drain, frames returned by Feed are written to it.
//
// Goroutines:
//   - keepRead is the only reader of the channel. It hands complete frames
//     to a processing goroutine, which is the only caller of Drain, so
//     frames are drained in wire order.
//   - keepWrite is the only writer. Every batch it writes is followed by a
//     Flush, so a compressing channel never holds back a message.
//
// Shutdown:
//   - Close marks the peer closed and closes the channel, which fails any
//     blocked Read or Write, then waits for Keep to return.
//   - The reader ending cancels the writer's Feed; the writer ending closes
//     the channel so the reader returns.
//   - A session may call Close from inside Drain only through a hook that
//     does not wait for the peer, or Close would wait on itself.
type Peer struct {
	closed         atomic.Bool
	wg             sync.WaitGroup
	writeBatchSize *utils.AvgVal

	ch             Channel
	inout          protocol.FeedDrainCloserTraced
	incomingBuffer atomic.Int32
}

func NewPeer(ch Channel, inout protocol.FeedDrainCloserTraced) *Peer {
	return &Peer{
		ch:             ch,
		inout:          inout,
		writeBatchSize: utils.NewWindowedAvg(64),
	}
}

// keepRead accumulates bytes and hands complete frames to a processing
// goroutine, so a slow Drain never stalls the socket read.
//
// The read buffer grows in TYPICAL_MTU steps. protocol.Split rejects a
// declared length above MaxFrameSize before the body arrives, so the buffer
// never holds more than one maximal frame plus one read.
//
// Termination:
//   - io.EOF from the channel is a clean end: nil once every frame read so
//     far has been drained.
//   - A framing error or a failed read is returned as is.
//   - A Drain error cancels the loop; it wins over the read error, and
//     frames still queued behind it are dropped.
//   - Close, or the context ending, stops the loop after the current read.
func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	reading := make(chan protocol.Records, 64)
	processed := make(chan error, 1)
	defer p.incomingBuffer.Store(0)

	go func() {
		defer close(processed)
		for recs := range reading {
			if err := p.inout.Drain(ctx, recs); err != nil {
				processed <- err
				cancel()
				for range reading {
				}
				return
			}
			p.incomingBuffer.Add(-int32(len(recs)))
		}
	}()
	finish := func(err error) error {
		close(reading)
		if perr := <-processed; perr != nil {
			return perr
		}
		return err
	}

	for !p.closed.Load() && ctx.Err() == nil {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		n, rerr := p.ch.Read(idle)
		buf.Write(idle[:n])

		recs, err := protocol.Split(&buf)
		if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
			return finish(err)
		}
		if len(recs) > 0 {
			p.incomingBuffer.Add(int32(len(recs)))
			select {
			case reading <- recs:
			case <-ctx.Done():
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return finish(nil)
			}
			return finish(rerr)
		}
	}
	return finish(nil)
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) GetIncomingPacketBufferSize() int32 {
	return p.incomingBuffer.Load()
}

// WriteBatchSize is the running average of bytes per written message.
func (p *Peer) WriteBatchSize() float64 {
	return p.writeBatchSize.Val()
}

// keepWrite writes whatever Feed returns, a batch of whole frames, with one
// vectored write followed by a Flush, so compression never withholds a
// frame. io.EOF from Feed (the session closed its queue) and cancellation
// end the loop cleanly.
func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() {
		recs, err := p.inout.Feed(ctx)
		if len(recs) > 0 {
			p.writeBatchSize.Add(float64(recs.TotalLen()))
			b := net.Buffers(recs)
			if _, werr := b.WriteTo(p.ch); werr != nil {
				return werr
			}
			if ferr := p.ch.Flush(); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Keep runs both loops and returns when both have ended. rerr is the
// reader's result, werr the writer's, cerr the error of closing the channel.
//
// The reader ending (EOF or error) cancels the writer. The writer ending
// closes the channel, which unblocks the reader. A read failing with
// net.ErrClosed or io.ErrClosedPipe is reported as nil, since that is what a
// local Close looks like. Keep on a closed peer returns at once.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(1)
	defer p.wg.Done()

	if p.closed.Load() {
		return nil, nil, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) || errors.Is(rerr, io.ErrClosedPipe) {
				// we probably closed it ourselves
				rerr = nil
			}
			cancel()
		case werr = <-writeErrCh:
			// closing after the writer is done unblocks the reader
			cerr = p.ch.Close()
		}
		p.closed.Store(true)
	}
	return
}

// Close stops both loops and waits for Keep. It is safe to call more than
// once and from any goroutine except the ones Keep runs.
func (p *Peer) Close() error {
	p.closed.Store(true)
	err := p.ch.Close()
	p.wg.Wait()
	return err
}
