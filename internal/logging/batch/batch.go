package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

type state int

const (
	stateIdle state = iota
	stateScheduled
	stateDelivering
)

func (s state) String() string {
	switch s {
	case stateScheduled:
		return "scheduled"
	case stateDelivering:
		return "delivering"
	default:
		return "idle"
	}
}

// Processor buffers records for one log stream and delivers them in order,
// one upload at a time, against the stream's sequence token.
type Processor struct {
	ctx         context.Context
	stopCtx     context.CancelFunc
	transport   logging.Transport
	config      logging.Config
	identity    logging.StreamIdentity
	scheduler   logging.Scheduler
	logger      zerolog.Logger
	provisioner *provisioner
	metrics     *Metrics
	fatal       func(err error)

	batchMutex sync.Mutex
	batch      []logging.LogEvent
	token      logging.SequenceToken
	state      state
	timer      logging.Timer
	retry      [][]logging.LogEvent
	idle       chan struct{}
	stopped    bool
	wg         sync.WaitGroup
}

type Option func(*Processor)

func WithScheduler(s logging.Scheduler) Option {
	return func(bp *Processor) {
		bp.scheduler = s
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(bp *Processor) {
		bp.logger = l
	}
}

func NewBatchProcessor(ctx context.Context, transport logging.Transport, config logging.Config, opts ...Option) *Processor {
	nCtx, cancel := context.WithCancel(ctx)
	if config.MaxBatchEvents <= 0 {
		config.MaxBatchEvents = MaxBatchEvents
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = MaxBatchBytes
	}

	bp := &Processor{
		ctx:       nCtx,
		stopCtx:   cancel,
		transport: transport,
		config:    config,
		identity: logging.StreamIdentity{
			GroupName:  config.GroupName,
			StreamName: config.StreamName,
		},
		scheduler: logging.SystemScheduler{},
		logger:    log.Logger,
		metrics:   &Metrics{},
	}
	for _, opt := range opts {
		opt(bp)
	}

	bp.logger = bp.logger.With().
		Str("component", "batch").
		Str("group", bp.identity.GroupName).
		Str("stream", bp.identity.StreamName).
		Logger()
	bp.provisioner = &provisioner{
		transport: transport,
		identity:  bp.identity,
		logger:    bp.logger,
		metrics:   bp.metrics,
	}
	bp.fatal = func(err error) {
		bp.logger.Fatal().Err(err).Msg("Unrecoverable delivery failure and no error handler registered")
	}
	return bp
}

// Write queues a record for delivery. It never blocks on the transport.
func (bp *Processor) Write(record logging.LogRecord) {
	event := logging.NewLogEvent(record)

	bp.batchMutex.Lock()
	defer bp.batchMutex.Unlock()

	bp.batch = append(bp.batch, event)
	bp.metrics.IncEventsQueued()

	if bp.state == stateIdle {
		bp.scheduleFlush()
	}
}

// Token returns the sequence token the next upload will carry.
func (bp *Processor) Token() logging.SequenceToken {
	bp.batchMutex.Lock()
	defer bp.batchMutex.Unlock()
	return bp.token
}

func (bp *Processor) Stats() Metrics {
	return bp.metrics.GetMetricsStamp()
}

// Pending returns the number of events waiting for the next flush.
func (bp *Processor) Pending() int {
	bp.batchMutex.Lock()
	defer bp.batchMutex.Unlock()
	return len(bp.batch)
}

// Drain waits until every queued event has been delivered or escalated and
// no upload is in flight.
func (bp *Processor) Drain(ctx context.Context) error {
	for {
		bp.batchMutex.Lock()
		if bp.state == stateIdle {
			pending := len(bp.batch)
			bp.batchMutex.Unlock()
			if pending > 0 {
				return fmt.Errorf("processor stopped with %d pending events", pending)
			}
			return nil
		}
		idle := bp.idle
		bp.batchMutex.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop disarms the flush timer and waits for an in-flight upload to finish.
// Events that were not delivered stay in the pending batch.
func (bp *Processor) Stop() {
	bp.batchMutex.Lock()
	bp.stopped = true
	if bp.timer != nil && bp.timer.Stop() {
		bp.wg.Done()
		if bp.state == stateDelivering {
			bp.requeue(bp.retry)
			bp.retry = nil
		}
		bp.enterIdle()
	}
	bp.timer = nil
	bp.batchMutex.Unlock()

	bp.wg.Wait()
	bp.stopCtx()

	if n := bp.Pending(); n > 0 {
		bp.logger.Warn().Int("pending", n).Msg("Processor stopped with undelivered events")
	}
}

// scheduleFlush must be called with batchMutex held.
func (bp *Processor) scheduleFlush() {
	if !bp.arm(bp.flush) {
		return
	}
	bp.state = stateScheduled
	if bp.idle == nil {
		bp.idle = make(chan struct{})
	}
}

// arm must be called with batchMutex held. Only one timer is ever armed.
func (bp *Processor) arm(f func()) bool {
	if bp.stopped {
		return false
	}
	bp.wg.Add(1)
	bp.timer = bp.scheduler.AfterFunc(bp.config.WriteInterval, func() {
		defer bp.wg.Done()
		f()
	})
	return true
}

func (bp *Processor) enterIdle() {
	bp.state = stateIdle
	if bp.idle != nil {
		close(bp.idle)
		bp.idle = nil
	}
}

func (bp *Processor) flush() {
	bp.batchMutex.Lock()
	bp.timer = nil
	batchToSend := bp.batch
	bp.batch = nil
	bp.state = stateDelivering
	bp.batchMutex.Unlock()

	bp.logger.Debug().Int("events", len(batchToSend)).Msg("Flushing batch")
	bp.run(splitBatch(batchToSend, bp.config.MaxBatchEvents, bp.config.MaxBatchBytes))
}

// run delivers chunks in order. A retryable failure re-arms the timer for
// the same chunks without leaving the delivering state.
func (bp *Processor) run(chunks [][]logging.LogEvent) {
	for len(chunks) > 0 {
		if bp.deliver(chunks[0]) {
			bp.batchMutex.Lock()
			if bp.arm(bp.resume) {
				bp.retry = chunks
			} else {
				bp.requeue(chunks)
				bp.finishLocked()
			}
			bp.batchMutex.Unlock()
			return
		}
		chunks = chunks[1:]
	}

	bp.batchMutex.Lock()
	bp.finishLocked()
	bp.batchMutex.Unlock()
}

func (bp *Processor) resume() {
	bp.batchMutex.Lock()
	bp.timer = nil
	chunks := bp.retry
	bp.retry = nil
	bp.batchMutex.Unlock()

	bp.run(chunks)
}

func (bp *Processor) finishLocked() {
	bp.timer = nil
	if len(bp.batch) > 0 && !bp.stopped {
		bp.scheduleFlush()
		return
	}
	bp.enterIdle()
}

// requeue puts undelivered chunks back ahead of events queued meanwhile.
func (bp *Processor) requeue(chunks [][]logging.LogEvent) {
	var events []logging.LogEvent
	for _, chunk := range chunks {
		events = append(events, chunk...)
	}
	bp.batch = append(events, bp.batch...)
}
