package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/angelmondragon/timeflow-backend/pkg/config"
	"github.com/angelmondragon/timeflow-backend/pkg/events"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
	"github.com/angelmondragon/timeflow-backend/pkg/metrics"
	"github.com/angelmondragon/timeflow-backend/pkg/redis"
)

const (
	defaultBatchCount        = 10
	defaultBlockTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTTL      = 30 * time.Second
	defaultMaxRetries        = 5
	defaultAttemptsTTL       = time.Hour
	maxBackoff               = 10 * time.Second
	jitterWindow             = 250 * time.Millisecond

	fieldDLQMsgID = "msgId"
	fieldDLQError = "error"
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type brokerClient interface {
	Ping(context.Context) error
	EnsureGroup(ctx context.Context, stream, group string) error
	XReadGroup(ctx context.Context, args redis.ReadGroupArgs) ([]redis.StreamMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	HeartbeatKey(consumer string) string
	AttemptsKey(entryID string) string
}

type eventLedger interface {
	MarkProcessed(ctx context.Context, rec events.EventRecord, now time.Time) (bool, error)
	RecordFailure(ctx context.Context, rec events.EventRecord, handleErr error, now time.Time) error
}

type ServiceParams struct {
	Config  *config.Config
	Logger  *logger.Logger
	Broker  brokerClient
	Ledger  eventLedger
	Metrics *metrics.PipelineMetrics
	Now     func() time.Time
}

type Service struct {
	cfg     *config.Config
	logg    *logger.Logger
	broker  brokerClient
	ledger  eventLedger
	metrics *metrics.PipelineMetrics
	now     func() time.Time

	stream            string
	dlqStream         string
	group             string
	consumer          string
	batchCount        int64
	blockTimeout      time.Duration
	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration
	maxRetries        int64
	attemptsTTL       time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Broker == nil {
		return nil, errors.New("broker client is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("event ledger is required")
	}

	worker := params.Config.Worker
	batch := int64(worker.BatchCount)
	if batch <= 0 {
		batch = defaultBatchCount
	}
	block := worker.BlockTimeout
	if block <= 0 {
		block = defaultBlockTimeout
	}
	hbInterval := worker.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = defaultHeartbeatInterval
	}
	hbTTL := worker.HeartbeatTTL
	if hbTTL <= 0 {
		hbTTL = defaultHeartbeatTTL
	}
	maxRetries := int64(worker.MaxRetries)
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	attemptsTTL := worker.AttemptsTTL
	if attemptsTTL <= 0 {
		attemptsTTL = defaultAttemptsTTL
	}
	consumer := worker.Consumer
	if consumer == "" {
		return nil, errors.New("consumer name is required")
	}

	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		cfg:               params.Config,
		logg:              params.Logger,
		broker:            params.Broker,
		ledger:            params.Ledger,
		metrics:           params.Metrics,
		now:               now,
		stream:            params.Config.Stream.Stream,
		dlqStream:         params.Config.Stream.DLQStream,
		group:             params.Config.Stream.Group,
		consumer:          consumer,
		batchCount:        batch,
		blockTimeout:      block,
		heartbeatInterval: hbInterval,
		heartbeatTTL:      hbTTL,
		maxRetries:        maxRetries,
		attemptsTTL:       attemptsTTL,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := s.broker.Ping(ctx); err != nil {
		s.logg.Error(ctx, "redis ping failed", err)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if err := s.broker.EnsureGroup(ctx, s.stream, s.group); err != nil {
		s.logg.Error(ctx, "ensure consumer group failed", err)
		return err
	}
	return nil
}

// Run consumes the stream until the context is canceled. A heartbeat key is
// refreshed on an interval shorter than its TTL so the key expiring means the
// worker is gone, not just idle.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	s.writeHeartbeat(ctx)
	go s.heartbeatLoop(ctx)

	backoff := s.blockTimeout

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "worker context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logg.Error(ctx, "worker batch error", err)
			backoff = nextBackoff(backoff, s.blockTimeout, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = s.blockTimeout

		if processed {
			continue
		}
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeHeartbeat(ctx)
		}
	}
}

func (s *Service) writeHeartbeat(ctx context.Context) {
	key := s.broker.HeartbeatKey(s.consumer)
	if err := s.broker.Set(ctx, key, s.now().Format(time.RFC3339), s.heartbeatTTL); err != nil && ctx.Err() == nil {
		s.logg.Error(s.logg.WithConsumer(ctx, s.consumer), "heartbeat write failed", err)
	}
}

// processBatch drains the consumer's own pending entries first so failed
// deliveries are retried before new work, then blocks for new entries.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	msgs, err := s.broker.XReadGroup(ctx, redis.ReadGroupArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		ID:       "0",
		Count:    s.batchCount,
	})
	if err != nil {
		return false, err
	}

	if len(msgs) == 0 {
		msgs, err = s.broker.XReadGroup(ctx, redis.ReadGroupArgs{
			Stream:   s.stream,
			Group:    s.group,
			Consumer: s.consumer,
			Count:    s.batchCount,
			Block:    s.blockTimeout,
		})
		if err != nil {
			return false, err
		}
	}

	if len(msgs) == 0 {
		return false, nil
	}

	var batchErr error
	for _, msg := range msgs {
		if err := s.processMessage(ctx, msg); err != nil {
			batchErr = err
		}
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
	}
	return true, batchErr
}

func (s *Service) processMessage(ctx context.Context, msg redis.StreamMessage) error {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"entry_id": msg.ID,
		"consumer": s.consumer,
	})

	rec, decodeErr := events.DecodeRecord(msg.Fields)
	if decodeErr == nil {
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"event_id":   rec.EventID,
			"event_type": rec.Type,
		})
	}

	handleErr := decodeErr
	if handleErr == nil {
		handleErr = s.handle(ctx, rec)
	}

	if handleErr == nil {
		if err := s.broker.XAck(ctx, s.stream, s.group, msg.ID); err != nil {
			return fmt.Errorf("ack %s: %w", msg.ID, err)
		}
		if err := s.broker.Del(ctx, s.broker.AttemptsKey(msg.ID)); err != nil {
			s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "attempts cleanup failed")
		}
		s.metrics.IncProcessed(rec.Type)
		s.logg.Info(logCtx, "event processed")
		return nil
	}

	if decodeErr == nil {
		if ledgerErr := s.ledger.RecordFailure(ctx, rec, handleErr, s.now()); ledgerErr != nil {
			s.logg.Error(logCtx, "recording failure in ledger", ledgerErr)
		}
	}

	attempts, err := s.broker.IncrWithTTL(ctx, s.broker.AttemptsKey(msg.ID), s.attemptsTTL)
	if err != nil {
		return fmt.Errorf("counting attempts for %s: %w", msg.ID, err)
	}

	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"attempts": attempts,
		"error":    handleErr.Error(),
	})

	if attempts < s.maxRetries {
		s.logg.Warn(logCtx, "event handling failed, will retry")
		return handleErr
	}

	if err := s.deadLetter(ctx, msg, handleErr); err != nil {
		return err
	}
	if err := s.broker.XAck(ctx, s.stream, s.group, msg.ID); err != nil {
		return fmt.Errorf("ack dead-lettered %s: %w", msg.ID, err)
	}
	if err := s.broker.Del(ctx, s.broker.AttemptsKey(msg.ID)); err != nil {
		s.logg.Warn(logCtx, "attempts cleanup failed")
	}
	s.metrics.IncDeadLettered(msg.Fields[events.FieldType])
	s.logg.Warn(logCtx, "event moved to dlq")
	return nil
}

func (s *Service) handle(ctx context.Context, rec events.EventRecord) error {
	applied, err := s.ledger.MarkProcessed(ctx, rec, s.now())
	if err != nil {
		return err
	}
	if !applied {
		s.logg.Info(s.logg.WithField(ctx, "event_id", rec.EventID), "duplicate delivery ignored")
	}
	return nil
}

// deadLetter copies the original fields into the DLQ entry alongside the
// source entry ID and the failure message.
func (s *Service) deadLetter(ctx context.Context, msg redis.StreamMessage, handleErr error) error {
	fields := make(map[string]string, len(msg.Fields)+2)
	for k, v := range msg.Fields {
		fields[k] = v
	}
	fields[fieldDLQMsgID] = msg.ID
	fields[fieldDLQError] = handleErr.Error()

	if _, err := s.broker.XAdd(ctx, s.dlqStream, fields); err != nil {
		return fmt.Errorf("dead-lettering %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
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

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
