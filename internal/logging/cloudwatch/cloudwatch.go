package cloudwatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

// API is the subset of the CloudWatch Logs client used by Sender.
type API interface {
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
	DescribeLogStreams(ctx context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
}

// Sender is a logging.Transport backed by CloudWatch Logs.
type Sender struct {
	client API
	logger zerolog.Logger
}

// Options select the AWS account and endpoint. Empty fields fall back to the
// SDK's default credential and region chain.
type Options struct {
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// RetryMaxAttempts caps the SDK's own retries of one call.
	RetryMaxAttempts int
}

var retryableCodes = map[string]struct{}{
	"ServiceUnavailableException": {},
	"ThrottlingException":         {},
	"OperationAbortedException":   {},
}

func NewCloudWatchSender(client API, logger zerolog.Logger) *Sender {
	return &Sender{
		client: client,
		logger: logger.With().Str("component", "cloudwatch").Logger(),
	}
}

// NewSenderFromOptions builds an SDK client from explicit options.
func NewSenderFromOptions(ctx context.Context, opts Options, logger zerolog.Logger) (*Sender, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	if opts.RetryMaxAttempts > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(opts.RetryMaxAttempts))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := cloudwatchlogs.NewFromConfig(cfg, func(o *cloudwatchlogs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewCloudWatchSender(client, logger), nil
}

func (s *Sender) PutLogEvents(ctx context.Context, id logging.StreamIdentity, token string, events []logging.LogEvent) (string, error) {
	input := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(id.GroupName),
		LogStreamName: aws.String(id.StreamName),
		LogEvents:     make([]types.InputLogEvent, 0, len(events)),
	}
	if token != "" {
		input.SequenceToken = aws.String(token)
	}
	for _, event := range events {
		input.LogEvents = append(input.LogEvents, types.InputLogEvent{
			Message:   aws.String(event.Message),
			Timestamp: aws.Int64(event.Timestamp),
		})
	}

	out, err := s.client.PutLogEvents(ctx, input)
	if err != nil {
		return "", classify(err, logging.LevelGroup)
	}

	if info := out.RejectedLogEventsInfo; info != nil {
		// the service drops rejected events; the rest of the batch is stored
		s.logger.Warn().
			Str("stream", id.String()).
			Int32("too_new_start", aws.ToInt32(info.TooNewLogEventStartIndex)).
			Int32("too_old_end", aws.ToInt32(info.TooOldLogEventEndIndex)).
			Int32("expired_end", aws.ToInt32(info.ExpiredLogEventEndIndex)).
			Msg("CloudWatch rejected some log events")
	}
	return aws.ToString(out.NextSequenceToken), nil
}

// DescribeLogStream returns the upload token of the stream whose name equals
// id.StreamName. Streams that merely share the prefix are ignored.
func (s *Sender) DescribeLogStream(ctx context.Context, id logging.StreamIdentity) (string, error) {
	paginator := cloudwatchlogs.NewDescribeLogStreamsPaginator(s.client, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(id.GroupName),
		LogStreamNamePrefix: aws.String(id.StreamName),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", classify(err, logging.LevelGroup)
		}
		for _, stream := range page.LogStreams {
			if aws.ToString(stream.LogStreamName) == id.StreamName {
				return aws.ToString(stream.UploadSequenceToken), nil
			}
		}
	}
	return "", logging.ErrNotFound(logging.LevelStream, fmt.Errorf("log stream %s not found", id))
}

func (s *Sender) CreateLogGroup(ctx context.Context, groupName string) error {
	_, err := s.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(groupName),
	})
	if err != nil {
		return classify(err, logging.LevelGroup)
	}
	return nil
}

func (s *Sender) CreateLogStream(ctx context.Context, id logging.StreamIdentity) error {
	_, err := s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(id.GroupName),
		LogStreamName: aws.String(id.StreamName),
	})
	if err != nil {
		return classify(err, logging.LevelGroup)
	}
	return nil
}

// classify maps an SDK error onto the transport taxonomy. level is used for
// a ResourceNotFoundException whose message names neither resource.
func classify(err error, level logging.ResourceLevel) error {
	var (
		invalid  *types.InvalidSequenceTokenException
		accepted *types.DataAlreadyAcceptedException
		notFound *types.ResourceNotFoundException
		exists   *types.ResourceAlreadyExistsException
		apiErr   smithy.APIError
	)

	switch {
	case errors.As(err, &invalid):
		return logging.ErrInvalidToken(aws.ToString(invalid.ExpectedSequenceToken), err)
	case errors.As(err, &accepted):
		return logging.ErrAlreadyAccepted(aws.ToString(accepted.ExpectedSequenceToken), err)
	case errors.As(err, &notFound):
		return logging.ErrNotFound(missingLevel(notFound.ErrorMessage(), level), err)
	case errors.As(err, &exists):
		return logging.ErrAlreadyExists(err)
	}

	if errors.As(err, &apiErr) {
		if _, ok := retryableCodes[apiErr.ErrorCode()]; ok {
			return logging.ErrRetryable(err)
		}
	}
	if retry.IsErrorRetryables(retry.DefaultRetryables).IsErrorRetryable(err) == aws.TrueTernary {
		return logging.ErrRetryable(err)
	}
	return err
}

func missingLevel(message string, fallback logging.ResourceLevel) logging.ResourceLevel {
	message = strings.ToLower(message)
	switch {
	case strings.Contains(message, "log stream"):
		return logging.LevelStream
	case strings.Contains(message, "log group"):
		return logging.LevelGroup
	default:
		return fallback
	}
}
