package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
)

var ErrNotASocket = errors.New("network: TLS must wrap the socket directly")

// TrustDelegate lets the user accept certificates the system would refuse,
// typically after a manual decision stored by the presentation layer.
type TrustDelegate interface {
	IsValid(address string, chain []*x509.Certificate) bool
}

type TrustFunc func(address string, chain []*x509.Certificate) bool

func (f TrustFunc) IsValid(address string, chain []*x509.Certificate) bool {
	return f(address, chain)
}

// SecurityError carries what a user needs to decide whether to trust a core.
type SecurityError struct {
	Address string
	Chain   []*x509.Certificate
	Err     error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("network: untrusted certificate for %s: %v", e.Address, e.Err)
}

func (e *SecurityError) Unwrap() error {
	return e.Err
}

type TLSOptions struct {
	// Address is host:port as the user typed it; the host part is verified.
	Address string
	Trust   TrustDelegate
	// RootCAs overrides the system pool, mostly for tests.
	RootCAs *x509.CertPool
}

type tlsChannel struct {
	conn  *tls.Conn
	inner Channel
	once  sync.Once
	err   error
}

// WithTLS runs a client handshake over the socket. The trust delegate is
// asked first; if it declines, the chain must verify against the roots
// and match the host name.
func WithTLS(ctx context.Context, inner Channel, opts TLSOptions) (Channel, error) {
	nc, ok := inner.(netConner)
	if !ok {
		return nil, ErrNotASocket
	}
	host, _, err := net.SplitHostPort(opts.Address)
	if err != nil {
		host = opts.Address
	}
	cfg := &tls.Config{
		ServerName: host,
		// verification happens in VerifyConnection so the delegate can override it
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyPeer(opts, host, cs.PeerCertificates)
		},
	}
	conn := tls.Client(nc.NetConn(), cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = inner.Close()
		var serr *SecurityError
		if errors.As(err, &serr) {
			return nil, serr
		}
		return nil, fmt.Errorf("network: tls handshake with %s: %w", opts.Address, err)
	}
	return &tlsChannel{conn: conn, inner: inner}, nil
}

func verifyPeer(opts TLSOptions, host string, chain []*x509.Certificate) error {
	if opts.Trust != nil && opts.Trust.IsValid(opts.Address, chain) {
		return nil
	}
	if len(chain) == 0 {
		return &SecurityError{Address: opts.Address, Err: errors.New("no certificate presented")}
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         opts.RootCAs,
		Intermediates: intermediates,
	})
	if err == nil {
		err = chain[0].VerifyHostname(host)
	}
	if err != nil {
		return &SecurityError{Address: opts.Address, Chain: chain, Err: err}
	}
	return nil
}

func (t *tlsChannel) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *tlsChannel) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tlsChannel) Flush() error                { return t.inner.Flush() }

// ConnectionState exposes the negotiated session, e.g. for the CLI.
func (t *tlsChannel) ConnectionState() tls.ConnectionState {
	return t.conn.ConnectionState()
}

func (t *tlsChannel) Close() error {
	t.once.Do(func() {
		t.err = closeLayers(t.conn.Close, t.inner)
	})
	return t.err
}
