package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/timeflow-backend/pkg/config"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
	"github.com/angelmondragon/timeflow-backend/pkg/metrics"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 200 * time.Millisecond
)

// PublishError reports that the broker could not accept the append after the
// configured retries.
type PublishError struct {
	Stream  string
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish event %s to %s: %v", e.EventID, e.Stream, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

type streamAppender interface {
	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Publisher appends event records to the main stream.
type Publisher struct {
	broker  streamAppender
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
	stream  string
	retries int
	backoff time.Duration
}

type PublisherParams struct {
	Broker  streamAppender
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
	Stream  config.StreamConfig
}

func NewPublisher(params PublisherParams) (*Publisher, error) {
	if params.Broker == nil {
		return nil, errors.New("broker client is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Stream.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	retries := params.Stream.PublishMaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	backoff := params.Stream.PublishRetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Publisher{
		broker:  params.Broker,
		logg:    params.Logger,
		metrics: params.Metrics,
		stream:  params.Stream.Stream,
		retries: retries,
		backoff: backoff,
	}, nil
}

// Publish appends exactly one stream entry for the record. The broker assigns
// the entry ID; transient failures are retried with a flat backoff before a
// PublishError is returned.
func (p *Publisher) Publish(ctx context.Context, rec EventRecord) error {
	if err := rec.Validate(); err != nil {
		return &PublishError{Stream: p.stream, EventID: rec.EventID, Err: err}
	}

	fields := rec.Encode()
	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		entryID, err := p.broker.XAdd(ctx, p.stream, fields)
		if err == nil {
			p.metrics.IncPublished(rec.Type)
			logCtx := p.logg.WithFields(ctx, map[string]any{
				"event_id": rec.EventID,
				"type":     rec.Type,
				"entry_id": entryID,
				"stream":   p.stream,
			})
			p.logg.Info(logCtx, "event published")
			return nil
		}
		lastErr = err
		if attempt < p.retries {
			if sleepErr := sleep(ctx, p.backoff); sleepErr != nil {
				lastErr = sleepErr
				break
			}
		}
	}

	p.metrics.IncPublishFailure(rec.Type)
	return &PublishError{Stream: p.stream, EventID: rec.EventID, Err: lastErr}
}

// BestEffort publishes without surfacing failure to the caller. The domain
// transaction that produced the record has already committed, so a failed
// append is logged and counted, never raised into the request path. The gap
// is covered by replay and reconciliation, not rollback.
func (p *Publisher) BestEffort(ctx context.Context, rec EventRecord) {
	if err := p.Publish(ctx, rec); err != nil {
		logCtx := p.logg.WithFields(ctx, map[string]any{
			"event_id": rec.EventID,
			"type":     rec.Type,
			"stream":   p.stream,
		})
		p.logg.Error(logCtx, "event publish failed, continuing", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
