package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Second, cfg.WriteInterval.Std())
	assert.Equal(t, 10000, cfg.MaxBatchEvents)
	assert.Equal(t, 1048576, cfg.MaxBatchBytes)
	assert.Equal(t, ".log", cfg.FilePattern)
	assert.Equal(t, "/var/log/pods", cfg.LogPath)
	assert.Equal(t, "json", cfg.LogFormat)

	// the group has no sensible default
	assert.ErrorContains(t, cfg.Validate(), "group is required")
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "agent.json", `{
		"group": "apps",
		"stream": "web-1",
		"writeInterval": "250ms",
		"maxBatchEvents": 500,
		"fromStart": true,
		"filter": "record.level == \"error\""
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "apps", cfg.Group)
	assert.Equal(t, "web-1", cfg.Stream)
	assert.Equal(t, 250*time.Millisecond, cfg.WriteInterval.Std())
	assert.Equal(t, 500, cfg.MaxBatchEvents)
	assert.True(t, cfg.FromStart)
	assert.Equal(t, `record.level == "error"`, cfg.Filter)
	// untouched fields keep their defaults
	assert.Equal(t, MaxBatchBytes, cfg.MaxBatchBytes)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "agent.yaml", strings.Join([]string{
		"group: apps",
		"region: eu-central-1",
		"endpoint: http://localhost:4566",
		"scanInterval: 1m",
		"fileIdleTimeout: 0s",
		"workers: 4",
		"logFormat: console",
	}, "\n"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "apps", cfg.Group)
	assert.Equal(t, "eu-central-1", cfg.Region)
	assert.Equal(t, "http://localhost:4566", cfg.Endpoint)
	assert.Equal(t, time.Minute, cfg.ScanInterval.Std())
	assert.Equal(t, time.Duration(0), cfg.FileIdleTimeout.Std())
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.json", `{"writeInterval": "soon"}`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yml", "scanInterval: [1, 2]"))
	assert.Error(t, err)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`1000000`), &d))
	assert.Equal(t, time.Millisecond, d.Std())

	b, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Group = "apps"
	require.NoError(t, cfg.Validate())

	cfg.MaxBatchEvents = 10001
	cfg.MaxBatchBytes = 0
	cfg.WriteInterval = Duration(-time.Second)
	cfg.LogLevel = "loud"
	cfg.LogFormat = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"maxBatchEvents", "maxBatchBytes", "writeInterval", "logLevel", "logFormat"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CWAGENT_GROUP", "from-env")
	t.Setenv("CWAGENT_WRITE_INTERVAL", "2s")
	t.Setenv("CWAGENT_MAX_BATCH_EVENTS", "42")
	t.Setenv("CWAGENT_FROM_START", "true")
	t.Setenv("CWAGENT_WORKERS", "not-a-number")
	t.Setenv("NODE_NAME", "k8s-node")

	cfg := Default()
	FromEnv(&cfg)
	assert.Equal(t, "from-env", cfg.Group)
	assert.Equal(t, 2*time.Second, cfg.WriteInterval.Std())
	assert.Equal(t, 42, cfg.MaxBatchEvents)
	assert.True(t, cfg.FromStart)
	assert.Equal(t, Default().Workers, cfg.Workers)
	assert.Equal(t, "k8s-node", cfg.NodeName)

	t.Setenv("CWAGENT_NODE_NAME", "explicit")
	FromEnv(&cfg)
	assert.Equal(t, "explicit", cfg.NodeName)
}

func TestResolve(t *testing.T) {
	cfg := Default()
	cfg.NodeName = "node-a"
	cfg.Resolve()

	prefix := "node-a-"
	require.True(t, strings.HasPrefix(cfg.Stream, prefix), cfg.Stream)
	_, err := uuid.Parse(strings.TrimPrefix(cfg.Stream, prefix))
	assert.NoError(t, err)

	other := Default()
	other.NodeName = "node-a"
	other.Resolve()
	assert.NotEqual(t, cfg.Stream, other.Stream)

	fixed := Default()
	fixed.Stream = "fixed"
	fixed.Resolve()
	assert.Equal(t, "fixed", fixed.Stream)
	assert.NotEmpty(t, fixed.NodeName)
}
