package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"github.com/rs/zerolog"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

// SourceField holds the file labels attached to every forwarded record.
const SourceField = "source"

type LogDaemonService struct {
	config        Config
	sink          logging.Sink
	filter        Filter
	logger        zerolog.Logger
	fileQueue     chan string
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *LogDaemonMetrics

	filesMutex sync.Mutex
	// activeFiles are queued or being tailed.
	activeFiles map[string]struct{}
	// positions is where the next tail of a known file starts.
	positions map[string]tail.SeekInfo
	scanned   bool

	openTail func(path string, config tail.Config) (*tail.Tail, error)
}

type Config struct {
	LogRootPath string
	// FilePattern is the file name suffix of tailed files.
	FilePattern     string
	ScanInterval    time.Duration
	Workers         int
	FileQueueSize   int
	NodeName        string
	FileIdleTimeout time.Duration
	// FromStart reads files found by the first scan from the beginning
	// instead of the end. Files appearing later are always read in full.
	FromStart       bool
	Filter          string
	MetricsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePattern == "" {
		c.FilePattern = ".log"
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.FileQueueSize <= 0 {
		c.FileQueueSize = c.Workers
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 30 * time.Second
	}
	return c
}

// NewLogDaemonService creates 3 + config.Workers go routines on Start().
func NewLogDaemonService(ctx context.Context, config Config, sink logging.Sink, logger zerolog.Logger) (*LogDaemonService, error) {
	config = config.withDefaults()

	filter, err := NewFilter(config.Filter)
	if err != nil {
		return nil, err
	}

	nCtx, cancel := context.WithCancel(ctx)
	service := &LogDaemonService{
		config:    config,
		sink:      sink,
		filter:    filter,
		logger:    logger.With().Str("component", "daemon").Logger(),
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		metrics: &LogDaemonMetrics{
			FilesQueueCapacity: config.FileQueueSize,
		},
		activeFiles: make(map[string]struct{}),
		positions:   make(map[string]tail.SeekInfo),
		openTail:    tail.TailFile,
	}
	return service, nil
}

func (s *LogDaemonService) Start() {
	s.logger.Info().
		Str("root", s.config.LogRootPath).
		Int("workers", s.config.Workers).
		Int("queue_size", s.config.FileQueueSize).
		Msg("Starting log daemon service")

	for i := 0; i < s.config.Workers; i++ {
		s.workersWg.Add(1)
		go s.worker(i)
	}

	s.subServicesWg.Add(1)
	go s.scanner()

	s.subServicesWg.Add(1)
	go s.metricsReporter()

	s.logger.Info().Msg("Log daemon service started")
}

func (s *LogDaemonService) Stop() {
	s.logger.Info().Msg("Stopping log daemon service...")
	s.cancel()

	s.subServicesWg.Wait()

	close(s.fileQueue)
	s.workersWg.Wait()

	s.logger.Info().Msg("Log daemon service stopped")
}

func (s *LogDaemonService) Stats() LogDaemonMetrics {
	return s.metrics.GetMetricsStamp()
}

func (s *LogDaemonService) worker(id int) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Int("worker", id).Interface("panic", r).Msg("Worker panicked")
		}
	}()

	s.metrics.IncWorkersActive()
	defer s.metrics.DecWorkersActive()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.DecAmountQueueFiles()
			s.metrics.IncWorkersBusy()
			s.processFile(s.ctx, filePath)
			s.metrics.DecWorkersBusy()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) processFile(ctx context.Context, filePath string) {
	defer s.metrics.IncFilesProcessed()
	defer s.release(filePath)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("file", filePath).Interface("panic", r).Msg("File processing panicked")
			s.metrics.IncFilesFailed()
		}
	}()

	location := s.startPosition(filePath)
	t, err := s.openTail(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &location,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("file", filePath).Msg("Failed to tail file")
		s.metrics.IncFilesFailed()
		return
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	// offset counts the bytes of consumed lines. Tell would also count lines
	// the tail goroutine has read but not delivered yet.
	offset := location.Offset
	defer func() { s.remember(filePath, offset) }()

	labels := s.extractLabels(filePath)
	var partial strings.Builder

	checkEvery := time.Second
	if idle := s.config.FileIdleTimeout; idle > 0 && idle/2 < checkEvery {
		checkEvery = max(idle/2, time.Millisecond)
	}
	checkTicker := time.NewTicker(checkEvery)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				s.logger.Error().Err(t.Err()).Str("file", filePath).Msg("Tailing stopped")
				s.metrics.IncFilesFailed()
				return
			}
			if line.Err != nil {
				s.logger.Warn().Err(line.Err).Str("file", filePath).Msg("Error reading file")
				continue
			}
			offset += int64(len(line.Text)) + 1
			s.metrics.IncLinesRead()
			s.handleLine(labels, line.Text, line.Time, &partial)
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.logger.Debug().Str("file", filePath).Msg("File idle, releasing")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleLine decodes one physical line. Partial CRI lines are joined until the
// line carrying the final fragment arrives.
func (s *LogDaemonService) handleLine(labels map[string]string, text string, readAt time.Time, partial *strings.Builder) {
	text = strings.TrimRight(text, "\r")
	ts := readAt

	if cri, ok := parseCRI(text); ok {
		if cri.partial {
			partial.WriteString(cri.content)
			return
		}
		if partial.Len() > 0 {
			partial.WriteString(cri.content)
			cri.content = partial.String()
			partial.Reset()
		}
		text, ts = cri.content, cri.time
		labels = withLabel(labels, "stream", cri.stream)
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	record := DecodeLine(text, ts)
	if !s.filter.Match(record, text, labels) {
		s.metrics.IncLinesFiltered()
		return
	}
	record[SourceField] = labels
	s.sink.Write(record)
	s.metrics.IncLinesForwarded()
}

func withLabel(labels map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[key] = value
	return out
}

func (s *LogDaemonService) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Error().Err(err).Msg("Error discovering log files")
		return
	}

	s.filesMutex.Lock()
	firstScan := !s.scanned
	s.scanned = true
	s.filesMutex.Unlock()

	for _, file := range files {
		if !s.claim(file, firstScan) {
			continue
		}
		select {
		case s.fileQueue <- file:
			s.metrics.IncAmountQueueFiles()
		case <-s.ctx.Done():
			s.release(file)
			return

		default:
			s.release(file)
			s.logger.Warn().
				Int("queued", len(s.fileQueue)).
				Int("capacity", cap(s.fileQueue)).
				Str("file", file).
				Msg("File queue full, skipping")
		}
	}
}

// claim marks a file as active and reports whether it should be queued.
func (s *LogDaemonService) claim(file string, firstScan bool) bool {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()

	if _, ok := s.activeFiles[file]; ok {
		return false
	}
	if _, ok := s.positions[file]; !ok {
		s.metrics.IncFilesDiscovered()
		if firstScan && !s.config.FromStart {
			s.positions[file] = tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
		} else {
			s.positions[file] = tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
		}
	}
	s.activeFiles[file] = struct{}{}
	return true
}

func (s *LogDaemonService) release(file string) {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()
	delete(s.activeFiles, file)
}

func (s *LogDaemonService) remember(file string, offset int64) {
	s.filesMutex.Lock()
	defer s.filesMutex.Unlock()
	s.positions[file] = tail.SeekInfo{Offset: offset, Whence: io.SeekStart}
}

// startPosition returns the absolute offset tailing resumes at. A file that
// shrank since the last tail was truncated and is read from the beginning.
func (s *LogDaemonService) startPosition(file string) tail.SeekInfo {
	s.filesMutex.Lock()
	pos := s.positions[file]
	s.filesMutex.Unlock()

	info, err := os.Stat(file)
	if err != nil {
		return tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	switch {
	case pos.Whence == io.SeekEnd:
		return tail.SeekInfo{Offset: info.Size(), Whence: io.SeekStart}
	case info.Size() < pos.Offset:
		return tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	return pos
}

func (s *LogDaemonService) metricsReporter() {
	defer s.subServicesWg.Done()

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics := s.metrics.GetMetricsStamp()

			s.logger.Info().
				Int("workers_active", metrics.WorkersActive).
				Int("workers_busy", metrics.WorkersBusy).
				Int("queued_files", metrics.QueuedFiles).
				Int("queue_usage_pct", int(s.metrics.GetQueueUsage()*100)).
				Int("files_processed", metrics.FilesProcessed).
				Int("files_discovered", metrics.FilesDiscovered).
				Int("files_failed", metrics.FilesFailed).
				Int("lines_read", metrics.LinesRead).
				Int("lines_forwarded", metrics.LinesForwarded).
				Int("lines_filtered", metrics.LinesFiltered).
				Msg("Metrics")

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Error accessing path")
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), s.config.FilePattern) {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels parses the kubelet layout
// <root>/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (s *LogDaemonService) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"node": s.config.NodeName,
		"file": filepath.Base(filePath),
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return labels
	}

	podParts := strings.SplitN(parts[0], "_", 3)
	if len(podParts) == 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
		labels["container"] = parts[1]
	}

	return labels
}
