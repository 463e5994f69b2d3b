package libquassel

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/quasseldroid/libquassel/network"
	"github.com/quasseldroid/libquassel/utils"
)

// Client is a Session bound to a live connection.
type Client struct {
	*Session
	conn *network.Conn
	peer *network.Peer
	done chan struct{}
}

// Connect dials addr, runs the probe and starts the handshake. The returned
// Client is Handshaking; use WaitState to wait for Active.
func Connect(ctx context.Context, addr string, opts Options, dialOpts ...network.DialOpt) (*Client, error) {
	if opts.TraceID == "" {
		opts.TraceID = uuid.Must(uuid.NewV7()).String()
	}
	if opts.Logger == nil {
		opts.Logger = utils.NopLogger{}
	}
	dctx := utils.WithDefaultArgs(ctx, "trace_id", opts.TraceID)
	dialOpts = append([]network.DialOpt{&network.LoggerOpt{Log: opts.Logger}}, dialOpts...)
	conn, err := network.Dial(dctx, addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	return Attach(conn, opts), nil
}

// Attach runs a Session over an already negotiated connection.
func Attach(conn *network.Conn, opts Options) *Client {
	s := NewSession(opts)
	c := &Client{
		Session: s,
		conn:    conn,
		peer:    network.NewPeer(conn, s),
		done:    make(chan struct{}),
	}
	s.OnClose(func(error) { _ = conn.Close() })

	go func() {
		defer close(c.done)
		rerr, werr, _ := c.peer.Keep(context.Background())
		err := errors.Join(rerr, werr)
		if err == nil {
			// a local Close got there first, otherwise the core hung up
			err = io.ErrUnexpectedEOF
		}
		s.closeWith(err)
	}()
	if err := s.Start(); err != nil {
		s.closeWith(err)
	}
	return c
}

// Wait blocks until the connection is gone and returns why the session
// ended.
func (c *Client) Wait() error {
	<-c.done
	return c.Err()
}

func (c *Client) Close() error {
	c.Session.closeWith(nil)
	err := c.peer.Close()
	<-c.done
	return err
}
