package daemon

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

func TestDecodeLine(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		line string
		want logging.LogRecord
	}{
		{
			name: "json object",
			line: `{"msg":"hello","n":3,"nested":{"ok":true,"ids":[1.5,null]}}`,
			want: logging.LogRecord{"msg": "hello", "n": json.Number("3"), "nested": map[string]any{"ok": true, "ids": []any{json.Number("1.5"), nil}}, "time": ts},
		},
		{
			name: "json object keeps its time",
			line: `{"msg":"hello","time":"2023-01-01T00:00:00Z"}`,
			want: logging.LogRecord{"msg": "hello", "time": "2023-01-01T00:00:00Z"},
		},
		{
			name: "json array is text",
			line: `[1,2]`,
			want: logging.LogRecord{"msg": "[1,2]", "time": ts},
		},
		{
			name: "broken json is text",
			line: `{"msg":`,
			want: logging.LogRecord{"msg": `{"msg":`, "time": ts},
		},
		{
			name: "plain text",
			line: "GET /healthz 200",
			want: logging.LogRecord{"msg": "GET /healthz 200", "time": ts},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeLine(tt.line, ts))
		})
	}
}

func TestDecodeLine_KeepsWideIntegers(t *testing.T) {
	line := `{"msg":"x","trace_id":1714564800123456789,"big":123456789012345678901234,"time":1714564800123}`

	record := DecodeLine(line, time.Now())
	assert.Equal(t, json.Number("1714564800123456789"), record["trace_id"])

	event := logging.NewLogEvent(record)
	assert.Equal(t, int64(1714564800123), event.Timestamp)
	assert.Equal(t, `{"big":123456789012345678901234,"msg":"x","trace_id":1714564800123456789}`, event.Message)
}

func TestParseCRI(t *testing.T) {
	line, ok := parseCRI("2016-10-06T00:17:09.669794202Z stdout F log content")
	assert.True(t, ok)
	assert.Equal(t, "stdout", line.stream)
	assert.False(t, line.partial)
	assert.Equal(t, "log content", line.content)
	assert.Equal(t, 669794202, line.time.Nanosecond())

	line, ok = parseCRI("2016-10-06T00:17:09Z stderr P ")
	assert.True(t, ok)
	assert.True(t, line.partial)
	assert.Equal(t, "", line.content)

	line, ok = parseCRI("2016-10-06T00:17:09Z stdout F")
	assert.True(t, ok)
	assert.Equal(t, "", line.content)

	for _, text := range []string{
		"plain text line",
		"2016-10-06T00:17:09Z journal F content",
		"2016-10-06T00:17:09Z stdout X content",
		"yesterday stdout F content",
	} {
		_, ok := parseCRI(text)
		assert.False(t, ok, text)
	}
}
