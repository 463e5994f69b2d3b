package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/quasseldroid/libquassel/variant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Record([]byte("hello")))
	buf.Write(Record(nil))
	buf.Write(Record([]byte("world")))
	full := buf.Len()
	part := Record([]byte("partial"))
	buf.Write(part[:6])

	recs, err := Split(&buf)
	assert.True(t, errors.Is(err, ErrIncomplete))
	assert.Equal(t, Records{[]byte("hello"), {}, []byte("world")}, recs)
	assert.Equal(t, 6, buf.Len())
	assert.Equal(t, full+6-int(recs.TotalLen())-3*HeaderSize, buf.Len())

	buf.Write(part[6:])
	recs, err = Split(&buf)
	assert.Nil(t, err)
	assert.Equal(t, Records{[]byte("partial")}, recs)
	assert.Equal(t, 0, buf.Len())
}

func TestSplitBadFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Record([]byte("ok")))
	buf.Write(binary.BigEndian.AppendUint32(nil, MaxFrameSize+1))

	recs, err := Split(&buf)
	assert.Nil(t, err)
	assert.Len(t, recs, 1)

	recs, err = Split(&buf)
	assert.True(t, errors.Is(err, ErrBadFrame))
	assert.Empty(t, recs)
}

func TestFrame(t *testing.T) {
	body := variant.NewBuffer(8)
	require.NoError(t, variant.EncodeList(body, variant.List{variant.Int(1), variant.String("abc")}, 0))

	recs := Frame(body)
	assert.Len(t, recs[0], HeaderSize)
	flat := recs.Join()

	var buf bytes.Buffer
	buf.Write(flat)
	bodies, err := Split(&buf)
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	assert.Equal(t, body.Bytes(), bodies[0])
}

func TestProbe(t *testing.T) {
	probe := AppendProbe(nil, FeatureEncryption|FeatureCompression, ProtocolLegacy, ProtocolDataStream)
	assert.Equal(t, []byte{
		0x42, 0xb3, 0x3f, 0x03,
		0x00, 0x00, 0x00, 0x01,
		0x80, 0x00, 0x00, 0x02,
	}, probe)

	features, offered, err := ReadProbe(bytes.NewReader(probe))
	require.NoError(t, err)
	assert.Equal(t, FeatureEncryption|FeatureCompression, features)
	assert.Equal(t, []Protocol{ProtocolLegacy, ProtocolDataStream}, offered)

	info := ProtocolInfo{Flags: FeatureCompression, Data: 0x1234, Version: ProtocolDataStream}
	assert.Equal(t, info, ParseProtocolInfo(info.Bytes()))
	assert.True(t, info.Flags.Has(FeatureCompression))
	assert.False(t, info.Flags.Has(FeatureEncryption))
}

type loopback struct {
	bytes.Buffer
	reply []byte
}

func (l *loopback) Read(p []byte) (int, error) {
	n := copy(p, l.reply)
	l.reply = l.reply[n:]
	return n, nil
}

func TestProbeRejectsUnofferedVersion(t *testing.T) {
	rw := &loopback{reply: []byte{0, 0, 0, byte(ProtocolLegacy)}}
	_, err := Probe(rw, 0, ProtocolDataStream)
	assert.True(t, errors.Is(err, ErrProtocolUnsupported))

	rw = &loopback{reply: []byte{byte(FeatureEncryption), 0, 0, byte(ProtocolDataStream)}}
	info, err := Probe(rw, FeatureEncryption)
	require.NoError(t, err)
	assert.Equal(t, ProtocolDataStream, info.Version)
	assert.Equal(t, AppendProbe(nil, FeatureEncryption, ProtocolDataStream), rw.Bytes())
}
