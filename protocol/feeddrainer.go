package protocol

import (
	"context"
	"io"
)

// Feeder produces outbound records. The EoF convention follows io.Reader:
// it can return `records, EoF` or `records, nil` followed by `nil, EoF`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

// Drainer consumes inbound records, one frame body per record.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Traced objects carry a connection trace id for logging.
type Traced interface {
	GetTraceId() string
}

type FeedDrainCloserTraced interface {
	FeedDrainCloser
	Traced
}
