package variant

import (
	"time"

	"github.com/pkg/errors"
)

const (
	UserBufferID   = "BufferId"
	UserNetworkID  = "NetworkId"
	UserIdentityID = "IdentityId"
	UserMsgID      = "MsgId"
	UserPeerPtr    = "PeerPtr"
	UserBufferInfo = "BufferInfo"
	UserMessage    = "Message"
	UserIdentity   = "Identity"
	UserNetwork    = "NetworkInfo"
	UserServer     = "Network::Server"
)

type (
	BufferID   int32
	NetworkID  int32
	IdentityID int32
	// MsgID is 64 bit in memory; the wire width depends on LongMessageId.
	MsgID   int64
	PeerPtr int64
)

// Unset is the "unset / all" sentinel shared by every id type.
const Unset = -1

func NewBufferID(id BufferID) Variant     { return User(UserBufferID, id) }
func NewNetworkID(id NetworkID) Variant   { return User(UserNetworkID, id) }
func NewIdentityID(id IdentityID) Variant { return User(UserIdentityID, id) }
func NewMsgID(id MsgID) Variant           { return User(UserMsgID, id) }

type BufferType int16

const (
	BufferInvalid BufferType = 0x00
	BufferStatus  BufferType = 0x01
	BufferChannel BufferType = 0x02
	BufferQuery   BufferType = 0x04
	BufferGroup   BufferType = 0x08
)

type BufferInfo struct {
	ID      BufferID
	Network NetworkID
	Type    BufferType
	GroupID uint32
	Name    string
}

func NewBufferInfo(info BufferInfo) Variant { return User(UserBufferInfo, info) }

// MessageType is a flag set; a message normally carries exactly one.
type MessageType uint32

const (
	MessagePlain        MessageType = 0x00001
	MessageNotice       MessageType = 0x00002
	MessageAction       MessageType = 0x00004
	MessageNick         MessageType = 0x00008
	MessageMode         MessageType = 0x00010
	MessageJoin         MessageType = 0x00020
	MessagePart         MessageType = 0x00040
	MessageQuit         MessageType = 0x00080
	MessageKick         MessageType = 0x00100
	MessageKill         MessageType = 0x00200
	MessageServer       MessageType = 0x00400
	MessageInfo         MessageType = 0x00800
	MessageError        MessageType = 0x01000
	MessageDayChange    MessageType = 0x02000
	MessageTopic        MessageType = 0x04000
	MessageNetsplitJoin MessageType = 0x08000
	MessageNetsplitQuit MessageType = 0x10000
	MessageInvite       MessageType = 0x20000
)

func (t MessageType) Has(o MessageType) bool {
	return t&o != 0
}

type MessageFlag uint8

const (
	FlagNone       MessageFlag = 0x00
	FlagSelf       MessageFlag = 0x01
	FlagHighlight  MessageFlag = 0x02
	FlagRedirected MessageFlag = 0x04
	FlagServerMsg  MessageFlag = 0x08
	FlagStatusMsg  MessageFlag = 0x10
	FlagIgnored    MessageFlag = 0x20
	FlagBacklog    MessageFlag = 0x80
)

type Message struct {
	ID             MsgID
	Timestamp      time.Time
	Type           MessageType
	Flags          MessageFlag
	Buffer         BufferInfo
	Sender         string
	SenderPrefixes string
	RealName       string
	AvatarURL      string
	Content        string
}

func NewMessage(m Message) Variant { return User(UserMessage, m) }

// Nick is the sender up to the first '!'.
func (m Message) Nick() string {
	for i := 0; i < len(m.Sender); i++ {
		if m.Sender[i] == '!' {
			return m.Sender[:i]
		}
	}
	return m.Sender
}

type msgIDSerializer struct{}

func (msgIDSerializer) Serialize(b *Buffer, v any, f Features) error {
	id, ok := v.(MsgID)
	if !ok {
		return mismatch("MsgID", v)
	}
	putMsgID(b, id, f)
	return nil
}

func (msgIDSerializer) Deserialize(r *Reader, f Features) (any, error) {
	return readMsgID(r, f)
}

func putMsgID(b *Buffer, id MsgID, f Features) {
	if f.Has(LongMessageId) {
		b.PutUint64(uint64(id))
	} else {
		b.PutUint32(uint32(id))
	}
}

func readMsgID(r *Reader, f Features) (MsgID, error) {
	if f.Has(LongMessageId) {
		x, err := r.Uint64()
		return MsgID(int64(x)), err
	}
	x, err := r.Uint32()
	return MsgID(int32(x)), err
}

type bufferInfoSerializer struct{}

func (bufferInfoSerializer) Serialize(b *Buffer, v any, _ Features) error {
	info, ok := v.(BufferInfo)
	if !ok {
		return mismatch("BufferInfo", v)
	}
	putBufferInfo(b, info)
	return nil
}

func (bufferInfoSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	return readBufferInfo(r)
}

func putBufferInfo(b *Buffer, info BufferInfo) {
	b.PutUint32(uint32(info.ID))
	b.PutUint32(uint32(info.Network))
	b.PutUint16(uint16(info.Type))
	b.PutUint32(info.GroupID)
	putByteString(b, info.Name)
}

func readBufferInfo(r *Reader) (info BufferInfo, err error) {
	var u32 uint32
	var u16 uint16
	if u32, err = r.Uint32(); err != nil {
		return
	}
	info.ID = BufferID(int32(u32))
	if u32, err = r.Uint32(); err != nil {
		return
	}
	info.Network = NetworkID(int32(u32))
	if u16, err = r.Uint16(); err != nil {
		return
	}
	info.Type = BufferType(int16(u16))
	if info.GroupID, err = r.Uint32(); err != nil {
		return
	}
	info.Name, err = readByteString(r)
	return
}

type messageSerializer struct{}

func (messageSerializer) Serialize(b *Buffer, v any, f Features) error {
	m, ok := v.(Message)
	if !ok {
		return mismatch("Message", v)
	}
	putMsgID(b, m.ID, f)
	if f.Has(LongTime) {
		b.PutUint64(uint64(m.Timestamp.UnixMilli()))
	} else {
		b.PutUint32(uint32(m.Timestamp.Unix()))
	}
	b.PutUint32(uint32(m.Type))
	b.PutUint8(uint8(m.Flags))
	putBufferInfo(b, m.Buffer)
	putByteString(b, m.Sender)
	if f.Has(SenderPrefixes) {
		putByteString(b, m.SenderPrefixes)
	}
	if f.Has(RichMessages) {
		putByteString(b, m.RealName)
		putByteString(b, m.AvatarURL)
	}
	putByteString(b, m.Content)
	return nil
}

func (messageSerializer) Deserialize(r *Reader, f Features) (any, error) {
	var (
		m   Message
		err error
	)
	if m.ID, err = readMsgID(r, f); err != nil {
		return nil, err
	}
	if f.Has(LongTime) {
		ms, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(int64(ms)).UTC()
	} else {
		secs, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(int64(secs), 0).UTC()
	}
	typ, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	m.Type = MessageType(typ)
	flags, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	m.Flags = MessageFlag(flags)
	if m.Buffer, err = readBufferInfo(r); err != nil {
		return nil, errors.Wrap(err, "buffer info")
	}
	if m.Sender, err = readByteString(r); err != nil {
		return nil, err
	}
	if f.Has(SenderPrefixes) {
		if m.SenderPrefixes, err = readByteString(r); err != nil {
			return nil, err
		}
	}
	if f.Has(RichMessages) {
		if m.RealName, err = readByteString(r); err != nil {
			return nil, err
		}
		if m.AvatarURL, err = readByteString(r); err != nil {
			return nil, err
		}
	}
	if m.Content, err = readByteString(r); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeMessage writes a bare Message payload, as stored by the storage adapter.
func EncodeMessage(b *Buffer, m Message, f Features) error {
	return messageSerializer{}.Serialize(b, m, f)
}

func DecodeMessage(r *Reader, f Features) (Message, error) {
	v, err := messageSerializer{}.Deserialize(r, f)
	if err != nil {
		return Message{}, err
	}
	return v.(Message), nil
}
