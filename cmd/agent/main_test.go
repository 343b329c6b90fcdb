package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/testutils"
)

func subCommand(t *testing.T, name string, args ...string) *cobra.Command {
	t.Helper()
	root := newRootCmd()
	cmd, _, err := root.Find([]string{name})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig_FlagsOverrideFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("group: from-file\nworkers: 3\nnodeName: file-node\n"), 0644))
	t.Setenv("CWAGENT_REGION", "eu-west-1")
	t.Setenv("CWAGENT_WORKERS", "5")
	t.Setenv("NODE_NAME", "")
	t.Setenv("CWAGENT_NODE_NAME", "")

	cmd := subCommand(t, "run",
		"--config", path,
		"--group", "from-flag",
		"--write-interval", "2s",
		"--from-start",
	)

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Group)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.WriteInterval.Std())
	assert.True(t, cfg.FromStart)
	assert.Equal(t, "file-node", cfg.NodeName)
	assert.True(t, strings.HasPrefix(cfg.Stream, "file-node-"), cfg.Stream)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cmd := subCommand(t, "send", "--log-format", "xml", "--group", "g")
	_, err := loadConfig(cmd)
	assert.ErrorContains(t, err, "logFormat")

	cmd = subCommand(t, "send")
	_, err = loadConfig(cmd)
	assert.ErrorContains(t, err, "group is required")
}

func TestSendRecords(t *testing.T) {
	sink := &testutils.MockSink{}
	input := strings.Join([]string{
		`{"msg":"one","level":"info","time":"2024-01-01T00:00:00Z"}`,
		"",
		"plain",
	}, "\n")

	n, err := sendRecords(strings.NewReader(input), sink)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records := sink.GetRecords()
	require.Len(t, records, 2)
	assert.Equal(t, "one", records[0]["msg"])
	assert.Equal(t, "2024-01-01T00:00:00Z", records[0]["time"])
	assert.Equal(t, "plain", records[1]["msg"])
	assert.IsType(t, time.Time{}, records[1]["time"])
}

func TestSendRecords_LineTooLong(t *testing.T) {
	_, err := sendRecords(strings.NewReader(strings.Repeat("x", maxLineBytes+1)), &testutils.MockSink{})
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

// logsService accepts every call and records uploaded messages.
type logsService struct {
	mu       sync.Mutex
	messages []string
	targets  []string
}

func (s *logsService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimPrefix(r.Header.Get("X-Amz-Target"), "Logs_20140328.")
	var body struct {
		LogStreamName string `json:"logStreamName"`
		LogEvents     []struct {
			Message string `json:"message"`
		} `json:"logEvents"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)

	resp := map[string]any{}
	switch target {
	case "DescribeLogStreams":
		resp["logStreams"] = []map[string]any{{"logStreamName": body.LogStreamName}}
	case "PutLogEvents":
		for _, e := range body.LogEvents {
			s.messages = append(s.messages, e.Message)
		}
		resp["nextSequenceToken"] = "next"
	}
	w.Header().Set("Content-Type", "application/x-amz-json-1.1")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestSendCommand_ShipsStdin(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	service := &logsService{}
	server := httptest.NewServer(service)
	defer server.Close()

	root := newRootCmd()
	root.SetIn(strings.NewReader("{\"msg\":\"a\"}\n{\"msg\":\"b\"}\n"))
	root.SetArgs([]string{
		"send",
		"--group", "apps",
		"--stream", "cli",
		"--region", "us-east-1",
		"--endpoint", server.URL,
		"--write-interval", "0s",
		"--log-level", "error",
		"--drain-timeout", "5s",
	})

	require.NoError(t, root.Execute())

	service.mu.Lock()
	defer service.mu.Unlock()
	require.Len(t, service.messages, 2)
	assert.Equal(t, `{"msg":"a"}`, service.messages[0])
	assert.Equal(t, `{"msg":"b"}`, service.messages[1])
	require.NotEmpty(t, service.targets)
	assert.Equal(t, "DescribeLogStreams", service.targets[0])
	assert.NotContains(t, service.targets, "CreateLogGroup")
}
