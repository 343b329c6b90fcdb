package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays CWAGENT_* environment variables onto cfg. NODE_NAME, as
// set by the Kubernetes downward API, is honoured when CWAGENT_NODE_NAME is
// not set. Unparsable values are ignored.
func FromEnv(cfg *Config) {
	setString(&cfg.Group, "CWAGENT_GROUP")
	setString(&cfg.Stream, "CWAGENT_STREAM")
	setDuration(&cfg.WriteInterval, "CWAGENT_WRITE_INTERVAL")
	setInt(&cfg.MaxBatchEvents, "CWAGENT_MAX_BATCH_EVENTS")
	setInt(&cfg.MaxBatchBytes, "CWAGENT_MAX_BATCH_BYTES")

	setString(&cfg.Region, "CWAGENT_REGION")
	setString(&cfg.Endpoint, "CWAGENT_ENDPOINT")
	setString(&cfg.Profile, "CWAGENT_PROFILE")

	setString(&cfg.LogPath, "CWAGENT_LOG_PATH")
	setString(&cfg.FilePattern, "CWAGENT_FILE_PATTERN")
	setDuration(&cfg.ScanInterval, "CWAGENT_SCAN_INTERVAL")
	setDuration(&cfg.FileIdleTimeout, "CWAGENT_FILE_IDLE_TIMEOUT")
	if v := os.Getenv("CWAGENT_FROM_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FromStart = b
		}
	}
	setString(&cfg.Filter, "CWAGENT_FILTER")
	setInt(&cfg.Workers, "CWAGENT_WORKERS")
	setInt(&cfg.QueueSize, "CWAGENT_QUEUE_SIZE")
	setDuration(&cfg.MetricsInterval, "CWAGENT_METRICS_INTERVAL")
	setString(&cfg.NodeName, "NODE_NAME")
	setString(&cfg.NodeName, "CWAGENT_NODE_NAME")

	setString(&cfg.LogLevel, "CWAGENT_LOG_LEVEL")
	setString(&cfg.LogFormat, "CWAGENT_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
