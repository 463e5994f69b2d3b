// Package network connects to a Quassel core and runs the connection.
//
// A connection is a stack of Channels built bottom up:
//
//	socket -> TLS (if negotiated) -> zlib (if negotiated)
//
// Dial opens the socket, runs the probe on the bare socket, then adds the
// layers the core agreed to. Closing the top Channel tears the stack down
// in reverse order.
//
// A Peer drives an established Channel with exactly one reader goroutine
// and one writer goroutine, exchanging frames with a
// protocol.FeedDrainCloserTraced handler (the Session). The read path
// accumulates bytes, splits complete frames and drains them in order; the
// write path takes a batch of whole frames from the handler, writes it with
// a single vectored write and flushes.
package network

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/quasseldroid/libquassel/protocol"
	"github.com/quasseldroid/libquassel/utils"
)

var (
	// ErrAddressInvalid is returned when the provided address format is invalid
	ErrAddressInvalid = errors.New("network: the address invalid")
	// ErrEncryptionRefused is returned for tls:// addresses when the core will not encrypt
	ErrEncryptionRefused = errors.New("network: core refused encryption")
)

const (
	// TYPICAL_MTU is the typical Maximum Transmission Unit size
	TYPICAL_MTU = 1500
	// DefaultPort is the port cores listen on out of the box
	DefaultPort = "4242"
)

// Options collects what the DialOpts set. The zero value dials without
// TLS, compression or logging; Dial fills in a one minute dial timeout.
type Options struct {
	log                utils.Logger
	dialTimeout        time.Duration
	keepAlive          time.Duration
	readBufferTcpSize  int
	writeBufferTcpSize int
	offer              protocol.ConnFeatures
	trust              TrustDelegate
	rootCAs            *x509.CertPool
}

// DialOpt is one dial setting. Options are applied in order, so a later
// option overrides an earlier one of the same kind.
type DialOpt interface {
	Apply(*Options)
}

type DialTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *DialTimeoutOpt) Apply(o *Options) {
	o.dialTimeout = opt.Timeout
}

// KeepAliveOpt sets the TCP keep-alive period; negative disables it.
type KeepAliveOpt struct {
	Period time.Duration
}

func (opt *KeepAliveOpt) Apply(o *Options) {
	o.keepAlive = opt.Period
}

type TcpBufferSizeOpt struct {
	Read  int
	Write int
}

func (opt *TcpBufferSizeOpt) Apply(o *Options) {
	o.readBufferTcpSize = opt.Read
	o.writeBufferTcpSize = opt.Write
}

// TLSOpt offers encryption during the probe.
type TLSOpt struct {
	Trust   TrustDelegate
	RootCAs *x509.CertPool
}

func (opt *TLSOpt) Apply(o *Options) {
	o.offer |= protocol.FeatureEncryption
	o.trust = opt.Trust
	o.rootCAs = opt.RootCAs
}

// CompressionOpt offers zlib during the probe.
type CompressionOpt struct{}

func (opt *CompressionOpt) Apply(o *Options) {
	o.offer |= protocol.FeatureCompression
}

type LoggerOpt struct {
	Log utils.Logger
}

func (opt *LoggerOpt) Apply(o *Options) {
	o.log = opt.Log
}

// Conn is a probed, fully layered connection.
type Conn struct {
	Channel
	Address string
	Info    protocol.ProtocolInfo
}

// Dial connects to a core. Addresses are host:port, tcp://host:port, or
// tls://host:port; the last fails unless the core agrees to encrypt.
//
// Example:
//
//	conn, err := Dial(ctx, "tls://core.example.org:4242",
//		&TLSOpt{Trust: delegate},
//		&CompressionOpt{},
//		&KeepAliveOpt{Period: 30 * time.Second},
//	)
func Dial(ctx context.Context, addr string, opts ...DialOpt) (*Conn, error) {
	o := Options{log: utils.NopLogger{}, dialTimeout: time.Minute}
	for _, opt := range opts {
		opt.Apply(&o)
	}
	requireTLS, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	if requireTLS {
		o.offer |= protocol.FeatureEncryption
	}

	d := net.Dialer{Timeout: o.dialTimeout, KeepAlive: o.keepAlive}
	raw, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	setTCPBuffersSize(ctx, o, raw)
	conn, err := Negotiate(ctx, raw, address, requireTLS, o)
	if err != nil {
		return nil, err
	}
	o.log.InfoCtx(ctx, "net: connected", "addr", address, "protocol", conn.Info.String())
	return conn, nil
}

// Negotiate probes an open socket and stacks the agreed layers on it.
//
// The probe runs on the bare socket under the context deadline, which is
// cleared again before any layer is added. TLS goes on first, then zlib on
// top of it, matching the order the core applies them. With requireTLS set,
// a core that does not agree to encrypt fails with ErrEncryptionRefused.
// The socket is closed on any failure; on success it belongs to the Conn.
//
// Negotiate is exported so callers that bring their own socket (tests,
// proxies) get the same stack Dial builds.
func Negotiate(ctx context.Context, raw net.Conn, address string, requireTLS bool, o Options) (*Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	}
	info, err := protocol.Probe(raw, o.offer, protocol.ProtocolDataStream)
	_ = raw.SetDeadline(time.Time{})
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("network: probe %s: %w", address, err)
	}

	var ch Channel = NewSocket(raw)
	if info.Flags.Has(protocol.FeatureEncryption) {
		if ch, err = WithTLS(ctx, ch, TLSOptions{Address: address, Trust: o.trust, RootCAs: o.rootCAs}); err != nil {
			return nil, err
		}
	} else if requireTLS {
		_ = ch.Close()
		return nil, ErrEncryptionRefused
	}
	if info.Flags.Has(protocol.FeatureCompression) {
		ch = WithCompression(ch)
	}
	return &Conn{Channel: ch, Address: address, Info: info}, nil
}

// setTCPBuffersSize configures TCP buffer sizes for the given connection.
func setTCPBuffersSize(ctx context.Context, o Options, conn net.Conn) {
	if o.readBufferTcpSize <= 0 && o.writeBufferTcpSize <= 0 {
		return
	}
	tconn, ok := conn.(*net.TCPConn)
	if !ok {
		o.log.WarnCtx(ctx, "net: unable to set buffers, because unknown connection type")
		return
	}
	if o.readBufferTcpSize > 0 {
		_ = tconn.SetReadBuffer(o.readBufferTcpSize)
	}
	if o.writeBufferTcpSize > 0 {
		_ = tconn.SetWriteBuffer(o.writeBufferTcpSize)
	}
}

// parseAddr parses a core address and reports whether TLS is mandatory.
//
// Examples:
//   - "core.example.org" -> false, "core.example.org:4242"
//   - "tcp://localhost:4242" -> false, "localhost:4242"
//   - "tls://example.com:4243" -> true, "example.com:4243"
func parseAddr(addr string) (requireTLS bool, address string, err error) {
	if !strings.Contains(addr, "://") {
		addr = "tcp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return false, "", errors.Join(ErrAddressInvalid, err)
	}

	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", "quassel":
	case "tls", "quassels":
		requireTLS = true
	default:
		return false, addr, ErrAddressInvalid
	}
	if u.Host == "" {
		return false, addr, ErrAddressInvalid
	}
	address = u.Host
	if u.Port() == "" {
		address = net.JoinHostPort(u.Hostname(), DefaultPort)
	}
	return requireTLS, address, nil
}
