package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TimeField is the record field holding the event time.
const TimeField = "time"

// NewLogEvent translates a record into a wire event. The time field is
// removed from the message and converted to epoch milliseconds; a missing or
// unparsable time yields 0.
func NewLogEvent(record LogRecord) LogEvent {
	message := make(map[string]any, len(record))
	for k, v := range record {
		if k == TimeField {
			continue
		}
		message[k] = v
	}
	return LogEvent{
		Message:   encodeMessage(message),
		Timestamp: timestampMillis(record[TimeField]),
	}
}

func encodeMessage(message map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(message); err != nil {
		// unencodable values (funcs, channels, cycles) still produce an event
		buf.Reset()
		_ = enc.Encode(map[string]string{
			"encode_error": err.Error(),
			"raw":          fmt.Sprint(message),
		})
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

func timestampMillis(v any) int64 {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli()
	case *time.Time:
		if t != nil {
			return t.UnixMilli()
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UnixMilli()
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return ms
		}
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return ms
		}
	}
	return 0
}
