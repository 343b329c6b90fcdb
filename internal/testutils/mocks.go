package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

// Transport call names recorded by MockTransport.
const (
	CallDescribe     = "describe"
	CallCreateGroup  = "create_group"
	CallCreateStream = "create_stream"
	CallPut          = "put"
)

type PutCall struct {
	Identity logging.StreamIdentity
	Token    string
	Events   []logging.LogEvent
}

type DescribeResult struct {
	Token string
	Err   error
}

// MockTransport replays scripted results in order. Once a script is
// exhausted, describe reports an existing stream without a token, creates
// succeed, and puts succeed returning "token-<n>" for the n-th put.
type MockTransport struct {
	mu sync.Mutex

	DescribeResults    []DescribeResult
	PutErrors          []error
	CreateGroupErrors  []error
	CreateStreamErrors []error
	// OnPut runs inside PutLogEvents, before the result is returned.
	OnPut func(call PutCall)
	Delay time.Duration

	Calls       []string
	Puts        []PutCall
	inFlight    int
	MaxInFlight int
}

func (m *MockTransport) PutLogEvents(_ context.Context, id logging.StreamIdentity, token string, events []logging.LogEvent) (string, error) {
	call := PutCall{
		Identity: id,
		Token:    token,
		Events:   append([]logging.LogEvent(nil), events...),
	}

	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.MaxInFlight {
		m.MaxInFlight = m.inFlight
	}
	m.Calls = append(m.Calls, CallPut)
	m.Puts = append(m.Puts, call)
	n := len(m.Puts)
	var err error
	if len(m.PutErrors) > 0 {
		err, m.PutErrors = m.PutErrors[0], m.PutErrors[1:]
	}
	hook := m.OnPut
	m.mu.Unlock()

	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	if hook != nil {
		hook(call)
	}

	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	return fmt.Sprintf("token-%d", n), nil
}

func (m *MockTransport) DescribeLogStream(_ context.Context, _ logging.StreamIdentity) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, CallDescribe)
	if len(m.DescribeResults) == 0 {
		return "", nil
	}
	res := m.DescribeResults[0]
	m.DescribeResults = m.DescribeResults[1:]
	return res.Token, res.Err
}

func (m *MockTransport) CreateLogGroup(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, CallCreateGroup)
	var err error
	if len(m.CreateGroupErrors) > 0 {
		err, m.CreateGroupErrors = m.CreateGroupErrors[0], m.CreateGroupErrors[1:]
	}
	return err
}

func (m *MockTransport) CreateLogStream(_ context.Context, _ logging.StreamIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, CallCreateStream)
	var err error
	if len(m.CreateStreamErrors) > 0 {
		err, m.CreateStreamErrors = m.CreateStreamErrors[0], m.CreateStreamErrors[1:]
	}
	return err
}

func (m *MockTransport) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

func (m *MockTransport) GetPuts() []PutCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PutCall(nil), m.Puts...)
}

func (m *MockTransport) GetMaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MaxInFlight
}

// MockSink records written records.
type MockSink struct {
	mu      sync.Mutex
	Records []logging.LogRecord
}

func (m *MockSink) Write(record logging.LogRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, record)
}

func (m *MockSink) GetRecords() []logging.LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.LogRecord(nil), m.Records...)
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          `{"msg":"log content 1"}` + "\n",
		"default_pod-1_uid123/container-2/app.log":          `{"msg":"log content 2"}` + "\n",
		"kube-system_pod-2_uid456/container/app.log":        "plain text line\n",
		"default_pod-3_uid789/container/app.log":            `{"msg":"log content 4"}` + "\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
		"monitoring_pod-4_uid101/prometheus/notes.txt":      "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
