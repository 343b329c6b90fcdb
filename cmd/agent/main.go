package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/config"
	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/daemon"
	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logger"
	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging/batch"
	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging/cloudwatch"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

const maxLineBytes = 1 << 20

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agent",
		Short:        "Ship structured logs to CloudWatch Logs",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("CWAGENT_CONFIG"), "Config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().String("group", "", "Log group name")
	rootCmd.PersistentFlags().String("stream", "", "Log stream name (default <node>-<uuid>)")
	rootCmd.PersistentFlags().Duration("write-interval", 0, "Delay between the first buffered record and its upload")
	rootCmd.PersistentFlags().String("region", "", "AWS region")
	rootCmd.PersistentFlags().String("endpoint", "", "CloudWatch Logs endpoint override")
	rootCmd.PersistentFlags().String("profile", "", "AWS shared config profile")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace|debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: json|console")
	rootCmd.PersistentFlags().Duration("drain-timeout", 30*time.Second, "How long shutdown waits for buffered records to be delivered")

	rootCmd.AddCommand(newRunCmd(), newSendCmd(), newVersionCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Tail log files and ship their lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// uploads outlive the signal so shutdown can drain
			bp, err := newProcessor(context.WithoutCancel(ctx), cfg, log, nil)
			if err != nil {
				return err
			}

			service, err := daemon.NewLogDaemonService(ctx, daemon.Config{
				LogRootPath:     cfg.LogPath,
				FilePattern:     cfg.FilePattern,
				ScanInterval:    cfg.ScanInterval.Std(),
				Workers:         cfg.Workers,
				FileQueueSize:   cfg.QueueSize,
				NodeName:        cfg.NodeName,
				FileIdleTimeout: cfg.FileIdleTimeout.Std(),
				FromStart:       cfg.FromStart,
				Filter:          cfg.Filter,
				MetricsInterval: cfg.MetricsInterval.Std(),
			}, bp, log)
			if err != nil {
				return fmt.Errorf("invalid filter: %w", err)
			}
			service.Start()

			<-ctx.Done()
			log.Info().Msg("Received shutdown signal")

			service.Stop()
			shutdown(cmd, bp, log)
			return nil
		},
	}
	runCmd.Flags().String("log-path", "", "Root directory scanned for log files")
	runCmd.Flags().String("file-pattern", "", "File name suffix of tailed files")
	runCmd.Flags().Duration("scan-interval", 0, "Interval between directory scans")
	runCmd.Flags().Duration("file-idle-timeout", 0, "Stop tailing a file after this long without new lines")
	runCmd.Flags().Bool("from-start", false, "Read files present at startup from the beginning")
	runCmd.Flags().String("filter", "", "CEL expression selecting forwarded lines")
	runCmd.Flags().String("node-name", "", "Node name attached to every record")
	runCmd.Flags().Int("workers", 0, "Number of files tailed concurrently")
	return runCmd
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send",
		Short: "Ship JSON lines read from stdin, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}

			var failed []error
			bp, err := newProcessor(cmd.Context(), cfg, log, func(err error) {
				failed = append(failed, err)
			})
			if err != nil {
				return err
			}

			n, err := sendRecords(cmd.InOrStdin(), bp)
			if err != nil {
				return err
			}
			shutdown(cmd, bp, log)

			stats := bp.Stats()
			log.Info().Int("read", n).Int("delivered", stats.EventsDelivered).Msg("Done")
			if len(failed) > 0 {
				return errors.Join(failed...)
			}
			if stats.EventsDelivered < n {
				return fmt.Errorf("%d of %d records were not delivered", n-stats.EventsDelivered, n)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// setup resolves the configuration (file, then env, then flags) and builds
// the logger.
func setup(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log.Info().Str("group", cfg.Group).Str("stream", cfg.Stream).Str("version", version).Msg("Configuration loaded")
	return cfg, log, nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	config.FromEnv(&cfg)
	applyFlags(cmd, &cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	dur := func(name string, dst *config.Duration) {
		if flags.Changed(name) {
			d, _ := flags.GetDuration(name)
			*dst = config.Duration(d)
		}
	}

	str("group", &cfg.Group)
	str("stream", &cfg.Stream)
	dur("write-interval", &cfg.WriteInterval)
	str("region", &cfg.Region)
	str("endpoint", &cfg.Endpoint)
	str("profile", &cfg.Profile)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)

	if flags.Lookup("log-path") == nil {
		return
	}
	str("log-path", &cfg.LogPath)
	str("file-pattern", &cfg.FilePattern)
	dur("scan-interval", &cfg.ScanInterval)
	dur("file-idle-timeout", &cfg.FileIdleTimeout)
	str("filter", &cfg.Filter)
	str("node-name", &cfg.NodeName)
	if flags.Changed("from-start") {
		cfg.FromStart, _ = flags.GetBool("from-start")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
}

func newProcessor(ctx context.Context, cfg config.Config, log zerolog.Logger, onError func(error)) (*batch.Processor, error) {
	sender, err := cloudwatch.NewSenderFromOptions(ctx, cloudwatch.Options{
		Region:   cfg.Region,
		Endpoint: cfg.Endpoint,
		Profile:  cfg.Profile,
	}, log)
	if err != nil {
		return nil, err
	}

	return batch.NewBatchProcessor(ctx, sender, logging.Config{
		GroupName:      cfg.Group,
		StreamName:     cfg.Stream,
		WriteInterval:  cfg.WriteInterval.Std(),
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchBytes:  cfg.MaxBatchBytes,
		OnError:        onError,
	}, batch.WithLogger(log)), nil
}

// sendRecords writes every non-empty line of r to sink and returns how many
// were written.
func sendRecords(r io.Reader, sink logging.Sink) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	n := 0
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		sink.Write(daemon.DecodeLine(line, time.Now()))
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read input: %w", err)
	}
	return n, nil
}

func shutdown(cmd *cobra.Command, bp *batch.Processor, log zerolog.Logger) {
	timeout, _ := cmd.Flags().GetDuration("drain-timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := bp.Drain(ctx); err != nil {
		log.Warn().Err(err).Int("pending", bp.Pending()).Msg("Drain did not complete")
	}
	bp.Stop()

	stats := bp.Stats()
	log.Info().
		Int("queued", stats.EventsQueued).
		Int("delivered", stats.EventsDelivered).
		Int("batches", stats.BatchesDelivered).
		Int("retries", stats.Retries).
		Int("escalations", stats.Escalations).
		Msg("Processor stopped")
}
