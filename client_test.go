package libquassel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasseldroid/libquassel/network"
	"github.com/quasseldroid/libquassel/protocol"
	"github.com/quasseldroid/libquassel/syncables"
	"github.com/quasseldroid/libquassel/variant"
)

// pipeCore answers the probe and handshake on the far end of a pipe.
type pipeCore struct {
	t    *testing.T
	conn net.Conn
}

func (c *pipeCore) read() (variant.List, error) {
	var header [protocol.HeaderSize]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, err
	}
	return variant.DecodeList(variant.NewReader(body), variant.AllFeatures)
}

func (c *pipeCore) write(list variant.List) error {
	_, err := c.conn.Write(protocol.Record(encodeBody(c.t, list)))
	return err
}

// serve runs a core session that knows no networks, then waits for the
// client to go away.
func (c *pipeCore) serve() error {
	if _, _, err := protocol.ReadProbe(c.conn); err != nil {
		return err
	}
	reply := protocol.ProtocolInfo{Version: protocol.ProtocolDataStream}.Bytes()
	if _, err := c.conn.Write(reply[:]); err != nil {
		return err
	}
	for {
		list, err := c.read()
		if err != nil {
			return err
		}
		if msgType, _, err := DecodeHandshake(list); err == nil {
			switch msgType {
			case MsgClientInit:
				err = c.write(EncodeHandshake(coreAck(true)))
			case MsgClientLogin:
				if err = c.write(EncodeHandshake(variant.Map{"MsgType": variant.String(MsgClientLoginAck)})); err == nil {
					err = c.write(EncodeHandshake(variant.Map{
						"MsgType":      variant.String(MsgSessionInit),
						"SessionState": variant.NewMap(variant.Map{}),
					}))
				}
			}
			if err != nil {
				return err
			}
			continue
		}
		msg, err := ParseMessage(list)
		if err != nil {
			return err
		}
		if req, ok := msg.(InitRequestMessage); ok {
			err = c.write(InitDataMessage{Class: req.Class, Object: req.Object, State: botRules()}.List())
			if err != nil {
				return err
			}
		}
	}
}

func attachPipe(t *testing.T) (*Client, net.Conn, <-chan error) {
	return attachPipeWith(t, Options{User: "alice", HeartbeatInterval: -1})
}

func attachPipeWith(t *testing.T, opts Options) (*Client, net.Conn, <-chan error) {
	t.Helper()
	local, remote := net.Pipe()
	core := &pipeCore{t: t, conn: remote}
	served := make(chan error, 1)
	go func() { served <- core.serve() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := network.Negotiate(ctx, local, "pipe", false, network.Options{})
	require.NoError(t, err)
	client := Attach(conn, opts)
	return client, remote, served
}

func TestClientOverPipe(t *testing.T) {
	client, _, served := attachPipe(t)

	assert.Eventually(t, func() bool { return client.State() == Active }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, client.IgnoreList().Rules(), 1)
	_, ok := client.Object(syncables.IgnoreListManagerClass.Name, "")
	assert.True(t, ok)

	require.NoError(t, client.Close())
	assert.NoError(t, client.Wait())
	assert.Equal(t, Closed, client.State())
	assert.Error(t, <-served)
}

func TestClientCoreHangup(t *testing.T) {
	client, remote, _ := attachPipe(t)
	assert.Eventually(t, func() bool { return client.State() == Active }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, remote.Close())
	assert.ErrorIs(t, client.Wait(), io.ErrUnexpectedEOF)
	assert.Equal(t, Closed, client.State())
	assert.True(t, client.IgnoreList().Detached())
}

func TestClientStateListenerSeesEveryTransition(t *testing.T) {
	var (
		lock sync.Mutex
		seen []string
	)
	client, _, _ := attachPipeWith(t, Options{
		User:              "alice",
		HeartbeatInterval: -1,
		OnStateChange: func(from, to State) {
			lock.Lock()
			seen = append(seen, from.String()+">"+to.String())
			lock.Unlock()
		},
	})
	assert.Eventually(t, func() bool { return client.State() == Active }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, client.Close())

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, []string{
		"Connecting>Handshaking", "Handshaking>Synchronizing", "Synchronizing>Active", "Active>Closed",
	}, seen)
}
