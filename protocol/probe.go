package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic opens every connection; its low byte carries ConnFeatures.
const Magic uint32 = 0x42b33f00

// ConnFeatures are the transport capabilities negotiated by the probe.
type ConnFeatures uint8

const (
	FeatureEncryption  ConnFeatures = 0x01
	FeatureCompression ConnFeatures = 0x02
)

func (f ConnFeatures) Has(o ConnFeatures) bool {
	return f&o == o
}

type Protocol uint8

const (
	ProtocolLegacy     Protocol = 0x01
	ProtocolDataStream Protocol = 0x02
)

const lastProtocol uint32 = 0x80000000

var ErrProtocolUnsupported = errors.New("protocol: core picked a protocol we did not offer")

// ProtocolInfo is the core's 4 byte probe reply.
type ProtocolInfo struct {
	Flags   ConnFeatures
	Data    uint16
	Version Protocol
}

func (p ProtocolInfo) String() string {
	return fmt.Sprintf("protocol %d (data %#x, flags %#x)", p.Version, p.Data, uint8(p.Flags))
}

func ParseProtocolInfo(raw [4]byte) ProtocolInfo {
	return ProtocolInfo{
		Flags:   ConnFeatures(raw[0]),
		Data:    binary.BigEndian.Uint16(raw[1:3]),
		Version: Protocol(raw[3]),
	}
}

func (p ProtocolInfo) Bytes() [4]byte {
	var raw [4]byte
	raw[0] = byte(p.Flags)
	binary.BigEndian.PutUint16(raw[1:3], p.Data)
	raw[3] = byte(p.Version)
	return raw
}

// AppendProbe builds the client probe: magic with features, then the
// offered protocols with the last one flagged.
func AppendProbe(into []byte, features ConnFeatures, offered ...Protocol) []byte {
	into = binary.BigEndian.AppendUint32(into, Magic|uint32(features))
	for i, p := range offered {
		entry := uint32(p)
		if i == len(offered)-1 {
			entry |= lastProtocol
		}
		into = binary.BigEndian.AppendUint32(into, entry)
	}
	return into
}

// Probe writes the client probe and reads the core's choice.
func Probe(rw io.ReadWriter, features ConnFeatures, offered ...Protocol) (ProtocolInfo, error) {
	if len(offered) == 0 {
		offered = []Protocol{ProtocolDataStream}
	}
	if _, err := rw.Write(AppendProbe(nil, features, offered...)); err != nil {
		return ProtocolInfo{}, err
	}
	var raw [4]byte
	if _, err := io.ReadFull(rw, raw[:]); err != nil {
		return ProtocolInfo{}, err
	}
	info := ParseProtocolInfo(raw)
	for _, p := range offered {
		if p == info.Version {
			return info, nil
		}
	}
	return info, fmt.Errorf("%w: %s", ErrProtocolUnsupported, info)
}

// ReadProbe is the core side of Probe, used by test cores.
func ReadProbe(r io.Reader) (features ConnFeatures, offered []Protocol, err error) {
	var word [4]byte
	if _, err = io.ReadFull(r, word[:]); err != nil {
		return
	}
	magic := binary.BigEndian.Uint32(word[:])
	if magic&^0xff != Magic {
		return 0, nil, fmt.Errorf("%w: magic %#x", ErrBadFrame, magic)
	}
	features = ConnFeatures(magic & 0xff)
	for {
		if _, err = io.ReadFull(r, word[:]); err != nil {
			return
		}
		entry := binary.BigEndian.Uint32(word[:])
		offered = append(offered, Protocol(entry&0xff))
		if entry&lastProtocol != 0 {
			return
		}
	}
}
