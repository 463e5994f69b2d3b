package network

import (
	"errors"
	"io"
	"net"
	"sync"
)

var ErrClosed = errors.New("network: channel closed")

// Channel is a byte stream that can be decorated. Flush must be called
// after every logical message; layers that buffer (compression) only
// promise delivery of what was flushed.
type Channel interface {
	io.ReadWriteCloser
	Flush() error
}

// netConner is implemented by channels that sit directly on a socket.
type netConner interface {
	NetConn() net.Conn
}

type socketChannel struct {
	conn net.Conn
	once sync.Once
	err  error
}

func NewSocket(conn net.Conn) Channel {
	return &socketChannel{conn: conn}
}

func (s *socketChannel) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *socketChannel) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *socketChannel) Flush() error                { return nil }
func (s *socketChannel) NetConn() net.Conn           { return s.conn }

func (s *socketChannel) Close() error {
	s.once.Do(func() {
		s.err = s.conn.Close()
		if errors.Is(s.err, net.ErrClosed) {
			s.err = nil
		}
	})
	return s.err
}

// closeLayers closes the outer layer, then the inner one, even if the
// outer one failed.
func closeLayers(outer func() error, inner Channel) error {
	var oerr error
	if outer != nil {
		oerr = outer()
		if errors.Is(oerr, net.ErrClosed) {
			oerr = nil
		}
	}
	return errors.Join(oerr, inner.Close())
}
