package variant

import (
	"github.com/pkg/errors"
)

// Serializer reads and writes the payload of one type. The type tag and
// null flag are handled by Encode and Decode.
type Serializer interface {
	Serialize(b *Buffer, v any, f Features) error
	Deserialize(r *Reader, f Features) (any, error)
}

var (
	builtins  map[Type]Serializer
	userTypes map[string]Serializer
)

func init() {
	builtins = map[Type]Serializer{
		TypeVoid:       voidSerializer{},
		TypeBool:       boolSerializer{},
		TypeInt:        intSerializer[int32]{size: 4},
		TypeUInt:       intSerializer[uint32]{size: 4},
		TypeLongLong:   intSerializer[int64]{size: 8},
		TypeULongLong:  intSerializer[uint64]{size: 8},
		TypeShort:      intSerializer[int16]{size: 2},
		TypeUShort:     intSerializer[uint16]{size: 2},
		TypeChar:       intSerializer[int8]{size: 1},
		TypeUChar:      intSerializer[uint8]{size: 1},
		TypeQChar:      qcharSerializer{},
		TypeDouble:     doubleSerializer{},
		TypeFloat:      floatSerializer{},
		TypeString:     stringSerializer{},
		TypeByteArray:  byteArraySerializer{},
		TypeStringList: stringListSerializer{},
		TypeList:       listSerializer{},
		TypeMap:        mapSerializer{},
		TypeDate:       dateSerializer{},
		TypeTime:       timeSerializer{},
		TypeDateTime:   dateTimeSerializer{},
	}
	userTypes = map[string]Serializer{
		UserBufferID:   intSerializer[BufferID]{size: 4},
		UserNetworkID:  intSerializer[NetworkID]{size: 4},
		UserIdentityID: intSerializer[IdentityID]{size: 4},
		UserMsgID:      msgIDSerializer{},
		UserPeerPtr:    intSerializer[PeerPtr]{size: 8},
		UserBufferInfo: bufferInfoSerializer{},
		UserMessage:    messageSerializer{},
		UserIdentity:   mapSerializer{},
		UserNetwork:    mapSerializer{},
		UserServer:     mapSerializer{},
	}
}

// Lookup finds the serializer for a variant tag.
func Lookup(t Type, userType string) (Serializer, bool) {
	if t == TypeUserType {
		s, ok := userTypes[userType]
		return s, ok
	}
	s, ok := builtins[t]
	return s, ok
}

// Encode writes one tagged variant.
func Encode(b *Buffer, v Variant, f Features) error {
	s, ok := Lookup(v.Type, v.UserType)
	if !ok {
		if v.Type == TypeUserType {
			return errors.Wrapf(ErrTypeMismatch, "unknown user type %q", v.UserType)
		}
		return errors.Wrapf(ErrTypeMismatch, "unknown type %d", uint32(v.Type))
	}
	b.PutUint32(uint32(v.Type))
	if v.Type == TypeVoid {
		b.PutUint8(1)
	} else {
		b.PutUint8(0)
	}
	if v.Type == TypeUserType {
		putCString(b, v.UserType)
	}
	if err := s.Serialize(b, v.Value, f); err != nil {
		return errors.Wrapf(err, "encode %s", v)
	}
	return nil
}

// Decode reads one tagged variant.
func Decode(r *Reader, f Features) (Variant, error) {
	tag, err := r.Uint32()
	if err != nil {
		return Variant{}, err
	}
	if _, err = r.Uint8(); err != nil {
		return Variant{}, err
	}
	v := Variant{Type: Type(tag)}
	if v.Type == TypeUserType {
		if v.UserType, err = readCString(r); err != nil {
			return Variant{}, err
		}
	}
	s, ok := Lookup(v.Type, v.UserType)
	if !ok {
		if v.Type == TypeUserType {
			return Variant{}, errors.Wrapf(ErrMalformed, "unknown user type %q", v.UserType)
		}
		return Variant{}, errors.Wrapf(ErrMalformed, "unknown type %d at offset %d", tag, r.Pos())
	}
	if v.Value, err = s.Deserialize(r, f); err != nil {
		if v.Type == TypeUserType {
			return Variant{}, errors.Wrapf(err, "decode %s", v.UserType)
		}
		return Variant{}, errors.Wrapf(err, "decode %s", v.Type)
	}
	return v, nil
}

// EncodeList writes a bare QVariantList, the shape of every signal proxy message.
func EncodeList(b *Buffer, list List, f Features) error {
	return listSerializer{}.Serialize(b, list, f)
}

func DecodeList(r *Reader, f Features) (List, error) {
	v, err := listSerializer{}.Deserialize(r, f)
	if err != nil {
		return nil, err
	}
	return v.(List), nil
}

func EncodeMap(b *Buffer, m Map, f Features) error {
	return mapSerializer{}.Serialize(b, m, f)
}

func DecodeMap(r *Reader, f Features) (Map, error) {
	v, err := mapSerializer{}.Deserialize(r, f)
	if err != nil {
		return nil, err
	}
	return v.(Map), nil
}

func mismatch(want string, got any) error {
	return errors.Wrapf(ErrTypeMismatch, "want %s, got %T", want, got)
}

// count reads an element count and caps the preallocation by what the
// input could possibly hold.
func count(r *Reader, minSize int) (int, int, error) {
	n, err := r.Uint32()
	if err != nil {
		return 0, 0, err
	}
	if n == nullLength {
		return 0, 0, errors.Wrap(ErrMalformed, "null element count")
	}
	if int64(n)*int64(minSize) > int64(r.Len()) {
		return 0, 0, errors.Wrapf(ErrTruncated, "%d elements declared, %d bytes left", n, r.Len())
	}
	return int(n), min(int(n), r.Len()/max(minSize, 1)), nil
}
