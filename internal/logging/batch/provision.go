package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

// provisioner creates a missing log group and stream. An "already exists"
// answer counts as success.
type provisioner struct {
	transport logging.Transport
	identity  logging.StreamIdentity
	logger    zerolog.Logger
	metrics   *Metrics
}

// ProvisionError wraps a failed create. It is fatal for the chunk even when
// the underlying error is retryable.
type ProvisionError struct {
	Err error
}

func (e *ProvisionError) Error() string {
	return "provisioning failed: " + e.Err.Error()
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func isProvisionError(err error) bool {
	var pe *ProvisionError
	return errors.As(err, &pe)
}

func (p *provisioner) provision(ctx context.Context, level logging.ResourceLevel) error {
	var err error
	if level == logging.LevelStream {
		err = p.ensureStream(ctx)
	} else {
		err = p.ensureGroupAndStream(ctx)
	}
	if err != nil {
		return &ProvisionError{Err: err}
	}
	return nil
}

func (p *provisioner) ensureStream(ctx context.Context) error {
	err := p.createStream(ctx)
	if err != nil && logging.Classify(err).Kind == logging.KindResourceNotFound {
		return p.ensureGroupAndStream(ctx)
	}
	return err
}

func (p *provisioner) ensureGroupAndStream(ctx context.Context) error {
	err := p.transport.CreateLogGroup(ctx, p.identity.GroupName)
	switch {
	case err == nil:
		p.metrics.IncResourcesCreated()
		p.logger.Info().Msg("Created log group")
	case logging.IsAlreadyExists(err):
	default:
		return fmt.Errorf("create log group %s: %w", p.identity.GroupName, err)
	}
	return p.createStream(ctx)
}

func (p *provisioner) createStream(ctx context.Context) error {
	err := p.transport.CreateLogStream(ctx, p.identity)
	switch {
	case err == nil:
		p.metrics.IncResourcesCreated()
		p.logger.Info().Msg("Created log stream")
	case logging.IsAlreadyExists(err):
	default:
		return fmt.Errorf("create log stream %s: %w", p.identity, err)
	}
	return nil
}
