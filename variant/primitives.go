package variant

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/encoding/unicode"
)

// nullLength marks a null QString or QByteArray.
const nullLength = 0xffffffff

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

type voidSerializer struct{}

func (voidSerializer) Serialize(*Buffer, any, Features) error { return nil }

func (voidSerializer) Deserialize(*Reader, Features) (any, error) { return nil, nil }

type boolSerializer struct{}

func (boolSerializer) Serialize(b *Buffer, v any, _ Features) error {
	x, ok := v.(bool)
	if !ok {
		return mismatch("bool", v)
	}
	if x {
		b.PutUint8(1)
	} else {
		b.PutUint8(0)
	}
	return nil
}

func (boolSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	x, err := r.Uint8()
	return x != 0, err
}

// intSerializer covers every fixed width integer, including the id newtypes.
type intSerializer[T constraints.Integer] struct {
	size int
}

func (s intSerializer[T]) Serialize(b *Buffer, v any, _ Features) error {
	x, ok := v.(T)
	if !ok {
		var zero T
		return mismatch(typeName(zero), v)
	}
	b.putUint(uint64(x), s.size)
	return nil
}

func (s intSerializer[T]) Deserialize(r *Reader, _ Features) (any, error) {
	x, err := r.uint(s.size)
	if err != nil {
		return nil, err
	}
	return T(x), nil
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}

type qcharSerializer struct{}

func (qcharSerializer) Serialize(b *Buffer, v any, _ Features) error {
	x, ok := v.(rune)
	if !ok || x < 0 || x > 0xffff {
		return mismatch("BMP rune", v)
	}
	b.PutUint16(uint16(x))
	return nil
}

func (qcharSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	x, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	return rune(x), nil
}

type doubleSerializer struct{}

func (doubleSerializer) Serialize(b *Buffer, v any, _ Features) error {
	x, ok := v.(float64)
	if !ok {
		return mismatch("float64", v)
	}
	b.PutFloat64(x)
	return nil
}

func (doubleSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	x, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	return math.Float64frombits(x), nil
}

type floatSerializer struct{}

func (floatSerializer) Serialize(b *Buffer, v any, _ Features) error {
	x, ok := v.(float32)
	if !ok {
		return mismatch("float32", v)
	}
	b.PutFloat32(x)
	return nil
}

func (floatSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	x, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return math.Float32frombits(x), nil
}

// QString

func putString(b *Buffer, s string) error {
	raw, err := utf16be.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return errors.Wrap(ErrTypeMismatch, err.Error())
	}
	b.PutUint32(uint32(len(raw)))
	_, _ = b.Write(raw)
	return nil
}

func readString(r *Reader) (s string, null bool, err error) {
	n, err := r.Uint32()
	if err != nil {
		return "", false, err
	}
	if n == nullLength {
		return "", true, nil
	}
	if n%2 != 0 {
		return "", false, errors.Wrapf(ErrMalformed, "odd QString length %d", n)
	}
	raw, err := r.take(int(n))
	if err != nil {
		return "", false, err
	}
	dec, err := utf16be.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false, errors.Wrap(ErrMalformed, err.Error())
	}
	return string(dec), false, nil
}

type stringSerializer struct{}

func (stringSerializer) Serialize(b *Buffer, v any, _ Features) error {
	if v == nil {
		b.PutUint32(nullLength)
		return nil
	}
	x, ok := v.(string)
	if !ok {
		return mismatch("string", v)
	}
	return putString(b, x)
}

func (stringSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	s, null, err := readString(r)
	if err != nil || null {
		return nil, err
	}
	return s, nil
}

type stringListSerializer struct{}

func (stringListSerializer) Serialize(b *Buffer, v any, _ Features) error {
	x, ok := v.([]string)
	if !ok && v != nil {
		return mismatch("[]string", v)
	}
	b.PutUint32(uint32(len(x)))
	for _, s := range x {
		if err := putString(b, s); err != nil {
			return err
		}
	}
	return nil
}

func (stringListSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	n, c, err := count(r, 4)
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, c)
	for i := 0; i < n; i++ {
		s, _, err := readString(r)
		if err != nil {
			return nil, err
		}
		ret = append(ret, s)
	}
	return ret, nil
}

// QByteArray

func putBlob(b *Buffer, p []byte) {
	if p == nil {
		b.PutUint32(nullLength)
		return
	}
	b.PutUint32(uint32(len(p)))
	_, _ = b.Write(p)
}

func readBlob(r *Reader) ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if n == nullLength {
		return nil, nil
	}
	return r.Bytes(int(n))
}

// putByteString writes UTF-8 text as a QByteArray, never null.
func putByteString(b *Buffer, s string) {
	b.PutUint32(uint32(len(s)))
	_, _ = b.Write([]byte(s))
}

func readByteString(r *Reader) (string, error) {
	p, err := readBlob(r)
	return string(p), err
}

type byteArraySerializer struct{}

func (byteArraySerializer) Serialize(b *Buffer, v any, _ Features) error {
	if v == nil {
		putBlob(b, nil)
		return nil
	}
	x, ok := v.([]byte)
	if !ok {
		return mismatch("[]byte", v)
	}
	putBlob(b, x)
	return nil
}

func (byteArraySerializer) Deserialize(r *Reader, _ Features) (any, error) {
	return readBlob(r)
}

// putCString writes a user type name: length including the trailing NUL.
func putCString(b *Buffer, s string) {
	b.PutUint32(uint32(len(s) + 1))
	_, _ = b.Write([]byte(s))
	b.PutUint8(0)
}

func readCString(r *Reader) (string, error) {
	p, err := readBlob(r)
	if err != nil {
		return "", err
	}
	if len(p) > 0 && p[len(p)-1] == 0 {
		p = p[:len(p)-1]
	}
	return string(p), nil
}

// containers

type listSerializer struct{}

func (listSerializer) Serialize(b *Buffer, v any, f Features) error {
	x, ok := v.(List)
	if !ok && v != nil {
		return mismatch("List", v)
	}
	b.PutUint32(uint32(len(x)))
	for _, item := range x {
		if err := Encode(b, item, f); err != nil {
			return err
		}
	}
	return nil
}

func (listSerializer) Deserialize(r *Reader, f Features) (any, error) {
	n, c, err := count(r, 5)
	if err != nil {
		return nil, err
	}
	ret := make(List, 0, c)
	for i := 0; i < n; i++ {
		item, err := Decode(r, f)
		if err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, nil
}

type mapSerializer struct{}

func (mapSerializer) Serialize(b *Buffer, v any, f Features) error {
	x, ok := v.(Map)
	if !ok && v != nil {
		return mismatch("Map", v)
	}
	b.PutUint32(uint32(len(x)))
	for key, item := range x {
		if err := putString(b, key); err != nil {
			return err
		}
		if err := Encode(b, item, f); err != nil {
			return errors.Wrapf(err, "key %q", key)
		}
	}
	return nil
}

func (mapSerializer) Deserialize(r *Reader, f Features) (any, error) {
	n, c, err := count(r, 9)
	if err != nil {
		return nil, err
	}
	ret := make(Map, c)
	for i := 0; i < n; i++ {
		key, _, err := readString(r)
		if err != nil {
			return nil, err
		}
		item, err := Decode(r, f)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", key)
		}
		ret[key] = item
	}
	return ret, nil
}

// dates and times

const (
	unixEpochJulianDay = 2440588
	msPerDay           = 24 * 60 * 60 * 1000
	nullTimeOfDay      = 0xffffffff
)

const (
	timeSpecLocal  = 0
	timeSpecUTC    = 1
	timeSpecOffset = 2
)

// NullTime is the in-memory form of a null QTime.
const NullTime = time.Duration(-1)

func julianDay(t time.Time) uint32 {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return uint32(midnight.Unix()/86400 + unixEpochJulianDay)
}

func fromJulianDay(jd uint32, loc *time.Location) time.Time {
	days := int64(jd) - unixEpochJulianDay
	y, m, d := time.Unix(days*86400, 0).UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

type dateSerializer struct{}

func (dateSerializer) Serialize(b *Buffer, v any, _ Features) error {
	t, ok := v.(time.Time)
	if !ok {
		return mismatch("time.Time", v)
	}
	if t.IsZero() {
		b.PutUint32(0)
		return nil
	}
	b.PutUint32(julianDay(t))
	return nil
}

func (dateSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	jd, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if jd == 0 {
		return time.Time{}, nil
	}
	return fromJulianDay(jd, time.UTC), nil
}

type timeSerializer struct{}

func (timeSerializer) Serialize(b *Buffer, v any, _ Features) error {
	d, ok := v.(time.Duration)
	if !ok {
		return mismatch("time.Duration", v)
	}
	if d < 0 || d >= msPerDay*time.Millisecond {
		b.PutUint32(nullTimeOfDay)
		return nil
	}
	b.PutUint32(uint32(d / time.Millisecond))
	return nil
}

func (timeSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	ms, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if ms == nullTimeOfDay {
		return NullTime, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// dateTimeSerializer always writes UTC. On read the stored date and time are
// UTC and the time spec only selects the presentation zone.
type dateTimeSerializer struct{}

func (dateTimeSerializer) Serialize(b *Buffer, v any, _ Features) error {
	t, ok := v.(time.Time)
	if !ok {
		return mismatch("time.Time", v)
	}
	putDateTime(b, t)
	return nil
}

func putDateTime(b *Buffer, t time.Time) {
	if t.IsZero() {
		b.PutUint32(0)
		b.PutUint32(nullTimeOfDay)
		b.PutUint8(timeSpecUTC)
		return
	}
	t = t.UTC()
	y, m, d := t.Date()
	sinceMidnight := t.Sub(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	b.PutUint32(julianDay(t))
	b.PutUint32(uint32(sinceMidnight / time.Millisecond))
	b.PutUint8(timeSpecUTC)
}

func (dateTimeSerializer) Deserialize(r *Reader, _ Features) (any, error) {
	return readDateTime(r)
}

func readDateTime(r *Reader) (time.Time, error) {
	jd, err := r.Uint32()
	if err != nil {
		return time.Time{}, err
	}
	ms, err := r.Uint32()
	if err != nil {
		return time.Time{}, err
	}
	spec, err := r.Uint8()
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	switch spec {
	case timeSpecLocal:
		loc = time.Local
	case timeSpecUTC:
	case timeSpecOffset:
		offset, err := r.Uint32()
		if err != nil {
			return time.Time{}, err
		}
		loc = time.FixedZone("", int(int32(offset)))
	default:
		return time.Time{}, errors.Wrapf(ErrMalformed, "time spec %d", spec)
	}
	if jd == 0 && ms == nullTimeOfDay {
		return time.Time{}, nil
	}
	if ms == nullTimeOfDay {
		ms = 0
	}
	if ms >= msPerDay {
		return time.Time{}, errors.Wrapf(ErrMalformed, "time of day %dms", ms)
	}
	utc := fromJulianDay(jd, time.UTC).Add(time.Duration(ms) * time.Millisecond)
	return utc.In(loc), nil
}
