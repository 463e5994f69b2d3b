package variant

import "errors"

var (
	// ErrTruncated means the input ended before the value did. In a
	// streaming context this is recoverable: wait for more bytes.
	ErrTruncated = errors.New("variant: truncated input")
	// ErrMalformed means the input can never decode: bad length, bad tag,
	// unknown user type. The connection carrying it must be closed.
	ErrMalformed = errors.New("variant: malformed input")
	// ErrTypeMismatch is returned by encoders given a Go value that does not
	// fit the declared wire type.
	ErrTypeMismatch = errors.New("variant: value does not match type")
)

// IsFatal tells whether a decode error must terminate the connection.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrTruncated)
}
