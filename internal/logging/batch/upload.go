package batch

import (
	"fmt"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

// maxTokenCorrections bounds consecutive corrected-token retries of a chunk.
const maxTokenCorrections = 5

// DeliveryError is reported to the error handler when a chunk cannot be
// delivered. The chunk is not retried.
type DeliveryError struct {
	Identity logging.StreamIdentity
	Events   int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver %d events to %s: %v", e.Events, e.Identity, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// deliver uploads one chunk and handles the outcome. It reports whether the
// chunk must be retried after the write interval.
func (bp *Processor) deliver(events []logging.LogEvent) (retry bool) {
	provisioned := false
	corrections := 0

	for {
		token, err := bp.ensureToken()
		if err != nil {
			if !isProvisionError(err) && logging.Classify(err).Kind == logging.KindRetryable {
				bp.metrics.IncRetries()
				bp.logger.Warn().Err(err).Dur("retry_in", bp.config.WriteInterval).Msg("Token lookup failed, retrying")
				return true
			}
			bp.escalate(events, err)
			return false
		}

		next, err := bp.transport.PutLogEvents(bp.ctx, bp.identity, token, events)
		if err == nil {
			bp.setToken(next)
			bp.metrics.AddEventsDelivered(len(events))
			bp.logger.Debug().Int("events", len(events)).Msg("Successfully sent batch")
			return false
		}

		te := logging.Classify(err)
		switch te.Kind {
		case logging.KindRetryable:
			bp.metrics.IncRetries()
			bp.logger.Warn().Err(err).Int("events", len(events)).Dur("retry_in", bp.config.WriteInterval).Msg("Retryable upload failure")
			return true

		case logging.KindInvalidToken:
			corrections++
			if corrections > maxTokenCorrections {
				bp.escalate(events, fmt.Errorf("sequence token rejected %d times in a row: %w", corrections, err))
				return false
			}
			bp.setToken(te.CorrectedToken)
			bp.metrics.IncTokenCorrections()
			bp.logger.Info().Msg("Sequence token rejected, retrying with corrected token")

		case logging.KindAlreadyAccepted:
			bp.setToken(te.CorrectedToken)
			bp.metrics.AddEventsDelivered(len(events))
			bp.logger.Info().Int("events", len(events)).Msg("Batch was already accepted")
			return false

		case logging.KindResourceNotFound:
			if provisioned {
				bp.escalate(events, fmt.Errorf("log %s missing after provisioning: %w", te.Level, err))
				return false
			}
			bp.resetToken()
			if err := bp.provisioner.provision(bp.ctx, te.Level); err != nil {
				bp.escalate(events, err)
				return false
			}
			provisioned = true

		default:
			bp.escalate(events, err)
			return false
		}
	}
}

func (bp *Processor) escalate(events []logging.LogEvent, err error) {
	bp.resetToken()
	bp.metrics.IncEscalations()

	derr := &DeliveryError{Identity: bp.identity, Events: len(events), Err: err}
	bp.logger.Error().Err(err).Int("events", len(events)).Msg("Failed to send batch")

	if bp.config.OnError != nil {
		bp.config.OnError(derr)
		return
	}
	bp.fatal(derr)
}
