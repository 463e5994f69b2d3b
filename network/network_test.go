package network

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quasseldroid/libquassel/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, host string) (tls.Certificate, *x509.CertPool) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func serveTLS(cert tls.Certificate, conn net.Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		srv := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
		err := srv.Handshake()
		if err == nil {
			buf := make([]byte, 4)
			_, err = io.ReadFull(srv, buf)
			if err == nil {
				_, err = srv.Write(buf)
			}
		}
		done <- err
	}()
	return done
}

func TestTLSVerifiesChainAndHost(t *testing.T) {
	cert, pool := selfSigned(t, "core.example.org")
	a, b := net.Pipe()
	served := serveTLS(cert, b)

	ch, err := WithTLS(context.Background(), NewSocket(a), TLSOptions{Address: "core.example.org:4242", RootCAs: pool})
	require.NoError(t, err)
	_, err = ch.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(ch, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.Nil(t, <-served)
	_ = b.Close()
	_ = ch.Close()
}

func TestTLSSecurityError(t *testing.T) {
	cert, pool := selfSigned(t, "core.example.org")
	a, b := net.Pipe()
	go func() {
		_ = tls.Server(b, &tls.Config{Certificates: []tls.Certificate{cert}}).Handshake()
		_ = b.Close()
	}()

	_, err := WithTLS(context.Background(), NewSocket(a), TLSOptions{Address: "other.example.org:4242", RootCAs: pool})
	var serr *SecurityError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, "other.example.org:4242", serr.Address)
	require.Len(t, serr.Chain, 1)
	assert.Equal(t, cert.Leaf.Raw, serr.Chain[0].Raw)
}

func TestTLSTrustDelegateFirst(t *testing.T) {
	cert, _ := selfSigned(t, "core.example.org")
	a, b := net.Pipe()
	served := serveTLS(cert, b)

	var asked string
	trust := TrustFunc(func(address string, chain []*x509.Certificate) bool {
		asked = address
		return len(chain) == 1
	})
	ch, err := WithTLS(context.Background(), NewSocket(a), TLSOptions{Address: "10.0.0.1:4242", Trust: trust})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4242", asked)
	_, err = ch.Write([]byte("pong"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(ch, buf)
	require.NoError(t, err)
	assert.Nil(t, <-served)
	_ = b.Close()
	_ = ch.Close()
}

func TestCompressionFlushBoundaries(t *testing.T) {
	a, b := net.Pipe()
	client := WithCompression(NewSocket(a))
	core := WithCompression(NewSocket(b))

	got := make(chan string, 2)
	go func() {
		buf := make([]byte, 5)
		for i := 0; i < 2; i++ {
			if _, err := io.ReadFull(core, buf); err != nil {
				close(got)
				return
			}
			got <- string(buf)
		}
	}()

	for _, msg := range []string{"first", "secnd"} {
		_, err := client.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, client.Flush())
		// a flushed message must arrive without any further writes
		select {
		case s := <-got:
			assert.Equal(t, msg, s)
		case <-time.After(5 * time.Second):
			t.Fatal("flushed message withheld")
		}
	}
	_ = b.Close()
	_ = client.Close()
}

type recordingChannel struct {
	name   string
	closes *[]string
	err    error
}

func (r *recordingChannel) Read([]byte) (int, error)    { return 0, io.EOF }
func (r *recordingChannel) Write(p []byte) (int, error) { return len(p), nil }
func (r *recordingChannel) Flush() error                { return nil }
func (r *recordingChannel) Close() error {
	*r.closes = append(*r.closes, r.name)
	return r.err
}

func TestCloseInReverseOrder(t *testing.T) {
	var closes []string
	socket := &recordingChannel{name: "socket", closes: &closes}
	outerErr := errors.New("outer broke")

	err := closeLayers(func() error {
		closes = append(closes, "outer")
		return outerErr
	}, socket)
	assert.True(t, errors.Is(err, outerErr))
	assert.Equal(t, []string{"outer", "socket"}, closes)

	closes = nil
	innerErr := errors.New("inner broke")
	socket.err = innerErr
	ch := WithCompression(socket)
	err = ch.Close()
	assert.True(t, errors.Is(err, innerErr))
	assert.Equal(t, []string{"socket"}, closes)
	// idempotent
	assert.Equal(t, err, ch.Close())
	assert.Equal(t, []string{"socket"}, closes)
}

func TestNegotiateCompression(t *testing.T) {
	a, b := net.Pipe()
	go func() {
		features, offered, err := protocol.ReadProbe(b)
		if err != nil || !features.Has(protocol.FeatureCompression) || offered[0] != protocol.ProtocolDataStream {
			_ = b.Close()
			return
		}
		reply := protocol.ProtocolInfo{Flags: protocol.FeatureCompression, Version: protocol.ProtocolDataStream}.Bytes()
		_, _ = b.Write(reply[:])
	}()

	o := Options{offer: protocol.FeatureCompression}
	conn, err := Negotiate(context.Background(), a, "core:4242", false, o)
	require.NoError(t, err)
	_, compressed := conn.Channel.(*compressedChannel)
	assert.True(t, compressed)
	assert.Equal(t, protocol.ProtocolDataStream, conn.Info.Version)
	_ = b.Close()
	_ = conn.Close()
}

func TestNegotiateRequiresTLS(t *testing.T) {
	a, b := net.Pipe()
	go func() {
		_, _, _ = protocol.ReadProbe(b)
		reply := protocol.ProtocolInfo{Version: protocol.ProtocolDataStream}.Bytes()
		_, _ = b.Write(reply[:])
	}()
	_, err := Negotiate(context.Background(), a, "core:4242", true, Options{offer: protocol.FeatureEncryption})
	assert.True(t, errors.Is(err, ErrEncryptionRefused))
}

func TestParseAddr(t *testing.T) {
	tlsOnly, addr, err := parseAddr("core.example.org")
	assert.Nil(t, err)
	assert.False(t, tlsOnly)
	assert.Equal(t, "core.example.org:4242", addr)

	tlsOnly, addr, err = parseAddr("tls://[::1]:4243")
	assert.Nil(t, err)
	assert.True(t, tlsOnly)
	assert.Equal(t, "[::1]:4243", addr)

	_, _, err = parseAddr("http://x:1")
	assert.True(t, errors.Is(err, ErrAddressInvalid))
}

type fakeSession struct {
	lock    sync.Mutex
	drained protocol.Records
	out     chan protocol.Records
}

func (f *fakeSession) Feed(ctx context.Context) (protocol.Records, error) {
	select {
	case recs, ok := <-f.out:
		if !ok {
			return nil, io.EOF
		}
		return recs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSession) Drain(_ context.Context, recs protocol.Records) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.drained = append(f.drained, recs...)
	return nil
}

func (f *fakeSession) Close() error       { return nil }
func (f *fakeSession) GetTraceId() string { return "test" }

func TestPeerExchangesFrames(t *testing.T) {
	a, b := net.Pipe()
	session := &fakeSession{out: make(chan protocol.Records, 4)}
	peer := NewPeer(NewSocket(a), session)

	type result struct{ rerr, werr, cerr error }
	done := make(chan result, 1)
	go func() {
		rerr, werr, cerr := peer.Keep(context.Background())
		done <- result{rerr, werr, cerr}
	}()

	session.out <- protocol.Records{protocol.Record([]byte("out"))}
	buf := make([]byte, protocol.HeaderSize+3)
	_, err := io.ReadFull(b, buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.Record([]byte("out")), buf)

	frames := append(protocol.Record([]byte("one")), protocol.Record([]byte("two"))...)
	_, err = b.Write(frames[:5])
	require.NoError(t, err)
	_, err = b.Write(frames[5:])
	require.NoError(t, err)
	require.NoError(t, b.Close())

	res := <-done
	assert.Nil(t, res.rerr)
	assert.Nil(t, res.werr)
	assert.Equal(t, protocol.Records{[]byte("one"), []byte("two")}, session.drained)
	assert.Greater(t, peer.WriteBatchSize(), 0.0)
}

// memChannel is a Channel over an in-memory buffer.
type memChannel struct{ bytes.Buffer }

func (m *memChannel) Flush() error { return nil }
func (m *memChannel) Close() error { return nil }

func memWire(data []byte) *memChannel {
	m := &memChannel{}
	_, _ = m.Write(data)
	return m
}

func compressedFrames(t *testing.T, bodies ...string) []byte {
	t.Helper()
	wire := &memChannel{}
	ch := WithCompression(wire)
	for _, body := range bodies {
		_, err := ch.Write(protocol.Record([]byte(body)))
		require.NoError(t, err)
		require.NoError(t, ch.Flush())
	}
	// no Close: a core that hangs up never sends the stream trailer
	return wire.Bytes()
}

func TestCompressedEndOfStream(t *testing.T) {
	wire := compressedFrames(t, "one", "two")

	clean := WithCompression(memWire(wire))
	data, err := io.ReadAll(clean)
	require.NoError(t, err)
	assert.Equal(t, append(protocol.Record([]byte("one")), protocol.Record([]byte("two"))...), data)

	cut := WithCompression(memWire(wire[:len(wire)-3]))
	_, err = io.ReadAll(cut)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPeerCompressedHangup(t *testing.T) {
	a, b := net.Pipe()
	session := &fakeSession{out: make(chan protocol.Records)}
	peer := NewPeer(WithCompression(NewSocket(a)), session)

	type result struct{ rerr, werr, cerr error }
	done := make(chan result, 1)
	go func() {
		rerr, werr, cerr := peer.Keep(context.Background())
		done <- result{rerr, werr, cerr}
	}()

	_, err := b.Write(compressedFrames(t, "hello"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	select {
	case res := <-done:
		assert.Nil(t, res.rerr)
		assert.Nil(t, res.werr)
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not stop after the core hung up")
	}
	assert.Equal(t, protocol.Records{[]byte("hello")}, session.drained)
}

func TestPeerCloseWhileWritingCompressed(t *testing.T) {
	a, b := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, b) }()
	out := make(chan protocol.Records)
	session := &fakeSession{out: out}
	peer := NewPeer(WithCompression(NewSocket(a)), session)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = peer.Keep(context.Background())
	}()
	stop := make(chan struct{})
	go func() {
		body := bytes.Repeat([]byte("x"), 4096)
		for {
			select {
			case out <- protocol.Records{protocol.Record(body)}:
			case <-stop:
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, peer.Close())
	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Keep did not return after Close")
	}
	_ = b.Close()
	_, err := peer.ch.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
}
