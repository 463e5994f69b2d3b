/*
Package protocol implements the framing Quassel uses once the probe is done.

# Frame Format

Every message is a length-prefixed blob:

	[body_length: uint32 big endian][body: body_length bytes]

The body is a serialized QVariantList in the DataStream protocol. Frames
larger than MaxFrameSize are refused: a core never sends them, so a huge
length means the stream is out of sync.

# Parsing

Split consumes whole frames from an accumulating buffer and leaves a
trailing partial frame in place, so the reader can keep appending:

	var buf bytes.Buffer
	buf.Write(networkData)
	bodies, err := Split(&buf) // err wraps ErrIncomplete if a tail remains

# Writing

Frame turns a chained variant.Buffer into Records (header first, then the
chunks) ready for a single vectored write.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quasseldroid/libquassel/variant"
)

const (
	HeaderSize   = 4
	MaxFrameSize = 64 << 20
)

var (
	ErrIncomplete = errors.New("protocol: incomplete frame")
	ErrBadFrame   = errors.New("protocol: bad frame")
)

// ProbeHeader reads the body length of the frame at the start of data.
// ok is false while the header itself is incomplete.
func ProbeHeader(data []byte) (bodylen int, ok bool, err error) {
	if len(data) < HeaderSize {
		return 0, false, nil
	}
	n := binary.BigEndian.Uint32(data)
	if n > MaxFrameSize {
		return 0, true, fmt.Errorf("%w: length %d over limit %d", ErrBadFrame, n, MaxFrameSize)
	}
	return int(n), true, nil
}

// Split consumes complete frames from the buffer and returns their bodies.
// A bad header is reported only when no frame precedes it, so good frames
// are always delivered first.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		blen, ok, herr := ProbeHeader(data.Bytes())
		if herr != nil {
			if len(recs) == 0 {
				err = herr
			}
			return
		}
		if !ok || HeaderSize+blen > data.Len() {
			err = errors.Join(ErrIncomplete, fmt.Errorf("frame size %d, have %d", HeaderSize+blen, data.Len()))
			return
		}

		data.Next(HeaderSize)
		body := make([]byte, blen)
		if n, rerr := data.Read(body); rerr != nil && blen > 0 {
			return recs, rerr
		} else if n != blen {
			panic("impossible buffer reading")
		}
		recs = append(recs, body)
	}
	return
}

func AppendHeader(into []byte, bodylen int) []byte {
	if bodylen > MaxFrameSize {
		panic("oversized frame")
	}
	return binary.BigEndian.AppendUint32(into, uint32(bodylen))
}

// Record frames a single body.
func Record(body []byte) []byte {
	ret := AppendHeader(make([]byte, 0, HeaderSize+len(body)), len(body))
	return append(ret, body...)
}

// Frame wraps an encoded message without copying its chunks.
func Frame(body *variant.Buffer) Records {
	chunks := body.Chunks()
	recs := make(Records, 0, len(chunks)+1)
	recs = append(recs, AppendHeader(make([]byte, 0, HeaderSize), body.Len()))
	return append(recs, chunks...)
}
