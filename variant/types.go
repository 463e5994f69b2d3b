/*
Package variant implements the self-describing value encoding that every
Quassel message is made of. It is wire compatible with Qt's QVariant as
serialized by QDataStream version 4.2, which is what Quassel cores speak.

# Variant wire format

	[type: uint32 BE][isNull: uint8][user type name, only for type 127][payload]

Lists, maps and string lists are a uint32 element count followed by the
elements. A null QString or QByteArray has length 0xFFFFFFFF, which is
distinct from a zero length value.

# In-memory representation

	Bool        bool              Int        int32
	UInt        uint32            LongLong   int64
	ULongLong   uint64            Double     float64
	Float       float32           Short      int16
	UShort      uint16            Char       int8
	UChar       uint8             QChar      rune
	String      string, nil for a null string
	ByteArray   []byte, nil for a null blob
	StringList  []string          List       List
	Map         Map               DateTime   time.Time
	Date        time.Time         Time       time.Duration since midnight
	UserType    depends on the registered user type (see usertypes.go)

Decoding and encoding are driven by a Serializer table keyed by type id and,
for user types, by type name. Some user types change shape depending on
negotiated Features.
*/
package variant

import (
	"fmt"
	"time"
)

type Type uint32

const (
	TypeVoid       Type = 0
	TypeBool       Type = 1
	TypeInt        Type = 2
	TypeUInt       Type = 3
	TypeLongLong   Type = 4
	TypeULongLong  Type = 5
	TypeDouble     Type = 6
	TypeQChar      Type = 7
	TypeMap        Type = 8
	TypeList       Type = 9
	TypeString     Type = 10
	TypeStringList Type = 11
	TypeByteArray  Type = 12
	TypeDate       Type = 14
	TypeTime       Type = 15
	TypeDateTime   Type = 16
	TypeShort      Type = 33
	TypeChar       Type = 34
	TypeUShort     Type = 36
	TypeUChar      Type = 37
	TypeFloat      Type = 38
	TypeUserType   Type = 127
)

var typeNames = map[Type]string{
	TypeVoid:       "Void",
	TypeBool:       "Bool",
	TypeInt:        "Int",
	TypeUInt:       "UInt",
	TypeLongLong:   "LongLong",
	TypeULongLong:  "ULongLong",
	TypeDouble:     "Double",
	TypeQChar:      "QChar",
	TypeMap:        "QVariantMap",
	TypeList:       "QVariantList",
	TypeString:     "QString",
	TypeStringList: "QStringList",
	TypeByteArray:  "QByteArray",
	TypeDate:       "QDate",
	TypeTime:       "QTime",
	TypeDateTime:   "QDateTime",
	TypeShort:      "Short",
	TypeChar:       "Char",
	TypeUShort:     "UShort",
	TypeUChar:      "UChar",
	TypeFloat:      "Float",
	TypeUserType:   "UserType",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

type List []Variant

type Map map[string]Variant

// Variant is a tagged value. UserType is only set when Type is TypeUserType.
type Variant struct {
	Type     Type
	UserType string
	Value    any
}

func (v Variant) String() string {
	if v.Type == TypeUserType {
		return fmt.Sprintf("%s(%v)", v.UserType, v.Value)
	}
	return fmt.Sprintf("%s(%v)", v.Type, v.Value)
}

// IsNull is true for Void and for null strings and blobs.
func (v Variant) IsNull() bool {
	switch v.Type {
	case TypeVoid:
		return true
	case TypeString:
		return v.Value == nil
	case TypeByteArray:
		b, _ := v.Value.([]byte)
		return b == nil
	}
	return false
}

func Bool(b bool) Variant           { return Variant{Type: TypeBool, Value: b} }
func Int(i int32) Variant           { return Variant{Type: TypeInt, Value: i} }
func UInt(i uint32) Variant         { return Variant{Type: TypeUInt, Value: i} }
func LongLong(i int64) Variant      { return Variant{Type: TypeLongLong, Value: i} }
func ULongLong(i uint64) Variant    { return Variant{Type: TypeULongLong, Value: i} }
func Double(f float64) Variant      { return Variant{Type: TypeDouble, Value: f} }
func Float(f float32) Variant       { return Variant{Type: TypeFloat, Value: f} }
func Short(i int16) Variant         { return Variant{Type: TypeShort, Value: i} }
func UShort(i uint16) Variant       { return Variant{Type: TypeUShort, Value: i} }
func Char(i int8) Variant           { return Variant{Type: TypeChar, Value: i} }
func UChar(i uint8) Variant         { return Variant{Type: TypeUChar, Value: i} }
func QChar(r rune) Variant          { return Variant{Type: TypeQChar, Value: r} }
func String(s string) Variant       { return Variant{Type: TypeString, Value: s} }
func NullString() Variant           { return Variant{Type: TypeString} }
func ByteArray(b []byte) Variant    { return Variant{Type: TypeByteArray, Value: b} }
func StringList(s []string) Variant { return Variant{Type: TypeStringList, Value: s} }

func NewList(items ...Variant) Variant {
	if items == nil {
		items = List{}
	}
	return Variant{Type: TypeList, Value: List(items)}
}

func NewMap(m Map) Variant {
	if m == nil {
		m = Map{}
	}
	return Variant{Type: TypeMap, Value: m}
}

func DateTime(t time.Time) Variant    { return Variant{Type: TypeDateTime, Value: t} }
func Date(t time.Time) Variant        { return Variant{Type: TypeDate, Value: t} }
func Time(d time.Duration) Variant    { return Variant{Type: TypeTime, Value: d} }
func User(name string, v any) Variant { return Variant{Type: TypeUserType, UserType: name, Value: v} }
func Void() Variant                   { return Variant{Type: TypeVoid} }

// Bytes wraps a UTF-8 string as QByteArray, which is how Quassel ships
// class, object and slot names.
func Bytes(s string) Variant { return ByteArray([]byte(s)) }

// As returns the payload when it has the requested Go type.
func As[T any](v Variant) (T, bool) {
	t, ok := v.Value.(T)
	return t, ok
}

// ValueOr returns the payload or def when the payload has another type.
func ValueOr[T any](v Variant, def T) T {
	if t, ok := v.Value.(T); ok {
		return t
	}
	return def
}

// Text reads a name-like value that may be sent as QString or QByteArray.
func Text(v Variant) (string, bool) {
	switch x := v.Value.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}

// Integer reads any signed or unsigned integer payload as int64.
func Integer(v Variant) (int64, bool) {
	switch x := v.Value.(type) {
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case BufferID:
		return int64(x), true
	case NetworkID:
		return int64(x), true
	case IdentityID:
		return int64(x), true
	case MsgID:
		return int64(x), true
	}
	return 0, false
}
