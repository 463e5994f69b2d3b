package host

import (
	"errors"
	"fmt"

	"github.com/quasseldroid/libquassel/variant"
)

var ErrBadArguments = errors.New("host: bad slot arguments")

// Arg extracts argument i of a slot call.
func Arg[T any](params variant.List, i int) (T, error) {
	var zero T
	if i >= len(params) {
		return zero, fmt.Errorf("%w: want %d arguments, have %d", ErrBadArguments, i+1, len(params))
	}
	v, ok := variant.As[T](params[i])
	if !ok {
		return zero, fmt.Errorf("%w: argument %d is %s, want %T", ErrBadArguments, i, params[i], zero)
	}
	return v, nil
}

// IntArg accepts any integer width, since cores are not consistent about
// Int versus UInt for counts and enums.
func IntArg(params variant.List, i int) (int64, error) {
	if i >= len(params) {
		return 0, fmt.Errorf("%w: want %d arguments, have %d", ErrBadArguments, i+1, len(params))
	}
	n, ok := variant.Integer(params[i])
	if !ok {
		return 0, fmt.Errorf("%w: argument %d is %s, want an integer", ErrBadArguments, i, params[i])
	}
	return n, nil
}

// TextArg accepts QString and QByteArray.
func TextArg(params variant.List, i int) (string, error) {
	if i >= len(params) {
		return "", fmt.Errorf("%w: want %d arguments, have %d", ErrBadArguments, i+1, len(params))
	}
	s, ok := variant.Text(params[i])
	if !ok && !params[i].IsNull() {
		return "", fmt.Errorf("%w: argument %d is %s, want text", ErrBadArguments, i, params[i])
	}
	return s, nil
}

func Messages(list variant.List) ([]variant.Message, error) {
	msgs := make([]variant.Message, 0, len(list))
	for i, item := range list {
		m, ok := variant.As[variant.Message](item)
		if !ok {
			return nil, fmt.Errorf("%w: item %d is %s, want Message", ErrBadArguments, i, item)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
