package logging

import (
	"context"
	"time"
)

// LogRecord is a producer-supplied structured log line. The TimeField entry,
// when present, carries the event time; every other field is opaque.
type LogRecord map[string]any

// LogEvent is the wire form of a LogRecord.
type LogEvent struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// StreamIdentity addresses one remote log stream.
type StreamIdentity struct {
	GroupName  string
	StreamName string
}

func (id StreamIdentity) String() string {
	return id.GroupName + "/" + id.StreamName
}

// SequenceToken is the upload token expected by the next append to a stream.
// The zero value is unresolved. A resolved token may have an empty Value,
// which is what a freshly created stream expects.
type SequenceToken struct {
	Value    string
	Resolved bool
}

// Sink accepts log records. Write must not block on network I/O.
type Sink interface {
	Write(record LogRecord)
}

// Transport is the remote log-stream service. Errors should be, or wrap,
// *TransportError so callers can classify them.
type Transport interface {
	PutLogEvents(ctx context.Context, id StreamIdentity, token string, events []LogEvent) (string, error)
	DescribeLogStream(ctx context.Context, id StreamIdentity) (string, error)
	CreateLogGroup(ctx context.Context, groupName string) error
	CreateLogStream(ctx context.Context, id StreamIdentity) error
}

type Config struct {
	GroupName     string
	StreamName    string
	WriteInterval time.Duration
	// Limits applied when a flushed batch is split into upload chunks.
	// Zero means the CloudWatch Logs service limit.
	MaxBatchEvents int
	MaxBatchBytes  int
	// OnError receives unrecoverable delivery failures. When nil they
	// terminate the process.
	OnError func(err error)
}
