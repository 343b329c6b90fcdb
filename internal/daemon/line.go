package daemon

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

// MessageField holds the text of lines that are not JSON objects.
const MessageField = "msg"

// criLine is one line of the CRI container log format:
// "<RFC3339Nano time> <stdout|stderr> <P|F> <content>".
type criLine struct {
	time    time.Time
	stream  string
	partial bool
	content string
}

func parseCRI(text string) (criLine, bool) {
	parts := strings.SplitN(text, " ", 4)
	if len(parts) < 3 {
		return criLine{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return criLine{}, false
	}
	if parts[1] != "stdout" && parts[1] != "stderr" {
		return criLine{}, false
	}
	tag, _, _ := strings.Cut(parts[2], ":")
	if tag != "P" && tag != "F" {
		return criLine{}, false
	}

	line := criLine{time: ts, stream: parts[1], partial: tag == "P"}
	if len(parts) == 4 {
		line.content = parts[3]
	}
	return line, true
}

// DecodeLine turns a line into a record. JSON objects keep their fields;
// anything else is wrapped as {msg, time}. A record without a time gets ts.
func DecodeLine(text string, ts time.Time) logging.LogRecord {
	if gjson.Valid(text) {
		if parsed := gjson.Parse(text); parsed.IsObject() {
			record := logging.LogRecord(jsonValue(parsed).(map[string]any))
			if _, ok := record[logging.TimeField]; !ok {
				record[logging.TimeField] = ts
			}
			return record
		}
	}
	return logging.LogRecord{MessageField: text, logging.TimeField: ts}
}

// jsonValue converts r like gjson's Value, except that numbers stay
// json.Number so integers wider than a float64 mantissa survive re-encoding.
func jsonValue(r gjson.Result) any {
	switch {
	case r.IsObject():
		fields := make(map[string]any)
		r.ForEach(func(key, value gjson.Result) bool {
			fields[key.String()] = jsonValue(value)
			return true
		})
		return fields
	case r.IsArray():
		items := make([]any, 0)
		r.ForEach(func(_, value gjson.Result) bool {
			items = append(items, jsonValue(value))
			return true
		})
		return items
	case r.Type == gjson.Number:
		return json.Number(r.Raw)
	default:
		return r.Value()
	}
}
