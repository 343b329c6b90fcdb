package batch

import "github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"

// CloudWatch Logs PutLogEvents limits.
const (
	MaxBatchEvents = 10000
	MaxBatchBytes  = 1048576

	eventOverhead = 26
)

// splitBatch cuts events into consecutive chunks within the limits. An event
// larger than maxBytes travels alone.
func splitBatch(events []logging.LogEvent, maxEvents, maxBytes int) [][]logging.LogEvent {
	var chunks [][]logging.LogEvent
	start, size := 0, 0
	for i, event := range events {
		n := len(event.Message) + eventOverhead
		if i > start && (i-start >= maxEvents || size+n > maxBytes) {
			chunks = append(chunks, events[start:i:i])
			start, size = i, 0
		}
		size += n
	}
	if start < len(events) {
		chunks = append(chunks, events[start:])
	}
	return chunks
}
