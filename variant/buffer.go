package variant

import (
	"encoding/binary"
	"io"
	"math"
	"net"
)

const DefaultChunkSize = 1024

// Buffer accumulates one outbound message as a list of fixed-size chunks
// so that growing it never copies what was already written. A value never
// straddles two chunks unless it is a raw byte run larger than a chunk.
type Buffer struct {
	chunkSize int
	chunks    [][]byte
	size      int
}

func NewBuffer(chunkSize int) *Buffer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Buffer{chunkSize: chunkSize}
}

func (b *Buffer) ensure(n int) []byte {
	if b.chunkSize == 0 {
		b.chunkSize = DefaultChunkSize
	}
	last := len(b.chunks) - 1
	if last < 0 || cap(b.chunks[last])-len(b.chunks[last]) < n {
		b.chunks = append(b.chunks, make([]byte, 0, max(b.chunkSize, n)))
		last++
	}
	chunk := b.chunks[last]
	off := len(chunk)
	chunk = chunk[:off+n]
	b.chunks[last] = chunk
	b.size += n
	return chunk[off : off+n]
}

func (b *Buffer) PutUint8(v uint8) {
	b.ensure(1)[0] = v
}

func (b *Buffer) PutUint16(v uint16) {
	binary.BigEndian.PutUint16(b.ensure(2), v)
}

func (b *Buffer) PutUint32(v uint32) {
	binary.BigEndian.PutUint32(b.ensure(4), v)
}

func (b *Buffer) PutUint64(v uint64) {
	binary.BigEndian.PutUint64(b.ensure(8), v)
}

func (b *Buffer) PutFloat32(v float32) {
	b.PutUint32(math.Float32bits(v))
}

func (b *Buffer) PutFloat64(v float64) {
	b.PutUint64(math.Float64bits(v))
}

// Write appends raw bytes, filling the current chunk before opening new ones.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.chunkSize == 0 {
		b.chunkSize = DefaultChunkSize
	}
	n := len(p)
	for len(p) > 0 {
		last := len(b.chunks) - 1
		free := 0
		if last >= 0 {
			free = cap(b.chunks[last]) - len(b.chunks[last])
		}
		if free == 0 {
			free = b.chunkSize
		}
		step := min(free, len(p))
		copy(b.ensure(step), p[:step])
		p = p[step:]
	}
	return n, nil
}

func (b *Buffer) Len() int {
	return b.size
}

// Chunks exposes the written chunks without copying.
func (b *Buffer) Chunks() [][]byte {
	return b.chunks
}

// Bytes flattens the buffer into one slice.
func (b *Buffer) Bytes() []byte {
	ret := make([]byte, 0, b.size)
	for _, chunk := range b.chunks {
		ret = append(ret, chunk...)
	}
	return ret
}

func (b *Buffer) Reset() {
	b.chunks = b.chunks[:0]
	b.size = 0
}

// WriteTo flushes all chunks with one vectored write where the writer supports it.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	bufs := net.Buffers(append([][]byte(nil), b.chunks...))
	return bufs.WriteTo(w)
}

// Reader consumes a fully received message.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Len() int {
	return len(r.data) - r.pos
}

func (r *Reader) Pos() int {
	return r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrTruncated
	}
	ret := r.data[r.pos : r.pos+n]
	r.pos += n
	return ret, nil
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	return append(make([]byte, 0, n), b...), nil
}

func (r *Reader) uint(size int) (uint64, error) {
	switch size {
	case 1:
		v, err := r.Uint8()
		return uint64(v), err
	case 2:
		v, err := r.Uint16()
		return uint64(v), err
	case 4:
		v, err := r.Uint32()
		return uint64(v), err
	default:
		return r.Uint64()
	}
}

func (b *Buffer) putUint(v uint64, size int) {
	switch size {
	case 1:
		b.PutUint8(uint8(v))
	case 2:
		b.PutUint16(uint16(v))
	case 4:
		b.PutUint32(uint32(v))
	default:
		b.PutUint64(v)
	}
}
