package ops

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/timeflow-backend/internal/heartbeat"
	"github.com/angelmondragon/timeflow-backend/pkg/config"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
	"github.com/angelmondragon/timeflow-backend/pkg/redis"
)

const (
	defaultPendingSample = 10
	defaultDLQSample     = 2
	defaultQueryTimeout  = 5 * time.Second
)

type streamInspector interface {
	XLen(ctx context.Context, stream string) (int64, error)
	XInfoGroups(ctx context.Context, stream string) ([]redis.GroupInfo, error)
	XInfoConsumers(ctx context.Context, stream, group string) ([]redis.ConsumerInfo, error)
	XPendingSample(ctx context.Context, stream, group string, count int64) ([]redis.PendingEntry, error)
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) ([]redis.StreamMessage, error)
}

type heartbeatLister interface {
	List(ctx context.Context) ([]heartbeat.Heartbeat, error)
}

// Warning is one degraded sub-query in an otherwise served snapshot.
type Warning struct {
	Where   string `json:"where"`
	Message string `json:"message"`
}

type HealthSection struct {
	WorkerHealthy bool   `json:"workerHealthy"`
	StreamOk      bool   `json:"streamOk"`
	DlqOk         bool   `json:"dlqOk"`
	PendingCount  *int64 `json:"pendingCount"`
	Lag           *int64 `json:"lag"`
	DlqHasItems   bool   `json:"dlqHasItems"`
}

type StreamSection struct {
	Name string `json:"name"`
	Len  *int64 `json:"len"`
}

type ConsumerRow struct {
	Name    string `json:"name"`
	Pending int64  `json:"pending"`
	IdleMs  int64  `json:"idleMs"`
}

type PendingRow struct {
	ID         string `json:"id"`
	Consumer   string `json:"consumer"`
	IdleMs     int64  `json:"idleMs"`
	Deliveries int64  `json:"deliveries"`
}

type GroupSection struct {
	Name            string        `json:"name"`
	Consumers       []ConsumerRow `json:"consumers"`
	Pending         *int64        `json:"pending"`
	Lag             *int64        `json:"lag"`
	LastDeliveredID *string       `json:"lastDeliveredId"`
	EntriesRead     *int64        `json:"entriesRead"`
	ConsumerNames   []string      `json:"consumerNames"`
	PendingSample   []PendingRow  `json:"pendingSample"`
}

type WorkersSection struct {
	Heartbeats []heartbeat.Heartbeat `json:"heartbeats"`
}

type DLQRow struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

type DLQSection struct {
	Name   string   `json:"name"`
	Len    *int64   `json:"len"`
	Sample []DLQRow `json:"sample"`
}

// Snapshot is the single health view served by the operational endpoint.
// OK is true even when sub-queries degraded; access-control rejections are
// the only non-OK responses.
type Snapshot struct {
	OK       bool           `json:"ok"`
	Health   HealthSection  `json:"health"`
	Stream   StreamSection  `json:"stream"`
	Group    GroupSection   `json:"group"`
	Workers  WorkersSection `json:"workers"`
	DLQ      DLQSection     `json:"dlq"`
	Warnings []Warning      `json:"warnings"`
}

// Service aggregates stream, group, heartbeat and DLQ state into one
// best-effort snapshot.
type Service struct {
	broker     streamInspector
	heartbeats heartbeatLister
	logg       *logger.Logger

	stream          string
	dlqStream       string
	group           string
	pendingSample   int64
	dlqSample       int64
	heartbeatMaxAge time.Duration
	queryTimeout    time.Duration
}

type ServiceParams struct {
	Broker     streamInspector
	Heartbeats heartbeatLister
	Logger     *logger.Logger
	Stream     config.StreamConfig
	Ops        config.OpsConfig
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Broker == nil {
		return nil, errors.New("broker client is required")
	}
	if params.Heartbeats == nil {
		return nil, errors.New("heartbeat lister is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Stream.Stream == "" || params.Stream.DLQStream == "" || params.Stream.Group == "" {
		return nil, errors.New("stream, dlq and group names are required")
	}

	pendingSample := int64(params.Ops.PendingSampleCount)
	if pendingSample <= 0 {
		pendingSample = defaultPendingSample
	}
	dlqSample := int64(params.Ops.DLQSampleCount)
	if dlqSample <= 0 {
		dlqSample = defaultDLQSample
	}
	maxAge := params.Ops.HeartbeatMaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	timeout := params.Ops.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}

	return &Service{
		broker:          params.Broker,
		heartbeats:      params.Heartbeats,
		logg:            params.Logger,
		stream:          params.Stream.Stream,
		dlqStream:       params.Stream.DLQStream,
		group:           params.Stream.Group,
		pendingSample:   pendingSample,
		dlqSample:       dlqSample,
		heartbeatMaxAge: maxAge,
		queryTimeout:    timeout,
	}, nil
}

type subResult[T any] struct {
	value T
	err   error
}

// Snapshot issues the six independent sub-queries concurrently and joins
// them. A failed sub-query degrades its own field to a null/empty sentinel
// and adds a warning; it never aborts the siblings.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	var (
		streamLen subResult[int64]
		dlqLen    subResult[int64]
		groups    subResult[[]redis.GroupInfo]
		consumers subResult[[]redis.ConsumerInfo]
		pending   subResult[[]redis.PendingEntry]
		hbs       subResult[[]heartbeat.Heartbeat]
	)

	var wg sync.WaitGroup
	wg.Add(6)
	go func() {
		defer wg.Done()
		streamLen.value, streamLen.err = withTimeout(ctx, s.queryTimeout, func(ctx context.Context) (int64, error) {
			return s.broker.XLen(ctx, s.stream)
		})
	}()
	go func() {
		defer wg.Done()
		dlqLen.value, dlqLen.err = withTimeout(ctx, s.queryTimeout, func(ctx context.Context) (int64, error) {
			return s.broker.XLen(ctx, s.dlqStream)
		})
	}()
	go func() {
		defer wg.Done()
		groups.value, groups.err = withTimeout(ctx, s.queryTimeout, func(ctx context.Context) ([]redis.GroupInfo, error) {
			return s.broker.XInfoGroups(ctx, s.stream)
		})
	}()
	go func() {
		defer wg.Done()
		consumers.value, consumers.err = withTimeout(ctx, s.queryTimeout, func(ctx context.Context) ([]redis.ConsumerInfo, error) {
			return s.broker.XInfoConsumers(ctx, s.stream, s.group)
		})
	}()
	go func() {
		defer wg.Done()
		pending.value, pending.err = withTimeout(ctx, s.queryTimeout, func(ctx context.Context) ([]redis.PendingEntry, error) {
			return s.broker.XPendingSample(ctx, s.stream, s.group, s.pendingSample)
		})
	}()
	go func() {
		defer wg.Done()
		hbs.value, hbs.err = withTimeout(ctx, s.queryTimeout, func(ctx context.Context) ([]heartbeat.Heartbeat, error) {
			return s.heartbeats.List(ctx)
		})
	}()
	wg.Wait()

	snapshot := Snapshot{
		OK:       true,
		Warnings: []Warning{},
		Stream:   StreamSection{Name: s.stream},
		Group:    GroupSection{Name: s.group, Consumers: []ConsumerRow{}, ConsumerNames: []string{}, PendingSample: []PendingRow{}},
		Workers:  WorkersSection{Heartbeats: []heartbeat.Heartbeat{}},
		DLQ:      DLQSection{Name: s.dlqStream, Sample: []DLQRow{}},
	}

	if streamLen.err != nil {
		snapshot.Warnings = append(snapshot.Warnings, Warning{Where: "xlen(stream)", Message: streamLen.err.Error()})
	} else {
		v := streamLen.value
		snapshot.Stream.Len = &v
		snapshot.Health.StreamOk = true
	}

	if dlqLen.err != nil {
		snapshot.Warnings = append(snapshot.Warnings, Warning{Where: "xlen(dlq)", Message: dlqLen.err.Error()})
	} else {
		v := dlqLen.value
		snapshot.DLQ.Len = &v
		snapshot.Health.DlqOk = true
		snapshot.Health.DlqHasItems = v > 0
	}

	if groups.err != nil {
		snapshot.Warnings = append(snapshot.Warnings, Warning{Where: "xinfo(groups)", Message: groups.err.Error()})
	} else {
		s.applyGroupRow(&snapshot, groups.value)
	}

	if consumers.err != nil {
		snapshot.Warnings = append(snapshot.Warnings, Warning{Where: "xinfo(consumers)", Message: consumers.err.Error()})
	} else {
		for _, row := range consumers.value {
			snapshot.Group.Consumers = append(snapshot.Group.Consumers, ConsumerRow{
				Name:    row.Name,
				Pending: row.Pending,
				IdleMs:  row.IdleMs,
			})
			snapshot.Group.ConsumerNames = append(snapshot.Group.ConsumerNames, row.Name)
		}
	}

	if pending.err != nil {
		snapshot.Warnings = append(snapshot.Warnings, Warning{Where: "xpending", Message: pending.err.Error()})
	} else {
		for _, row := range pending.value {
			snapshot.Group.PendingSample = append(snapshot.Group.PendingSample, PendingRow{
				ID:         row.ID,
				Consumer:   row.Consumer,
				IdleMs:     row.IdleMs,
				Deliveries: row.Deliveries,
			})
		}
	}

	if hbs.err != nil {
		snapshot.Warnings = append(snapshot.Warnings, Warning{Where: "heartbeats", Message: hbs.err.Error()})
	} else {
		snapshot.Workers.Heartbeats = hbs.value
		snapshot.Health.WorkerHealthy = heartbeat.Healthy(hbs.value, s.heartbeatMaxAge)
	}

	// Sampling an empty DLQ is pointless; only look when entries exist.
	if snapshot.Health.DlqOk && snapshot.Health.DlqHasItems {
		sample, err := withTimeout(ctx, s.queryTimeout, func(ctx context.Context) ([]redis.StreamMessage, error) {
			return s.broker.XRevRangeN(ctx, s.dlqStream, "+", "-", s.dlqSample)
		})
		if err != nil {
			snapshot.Warnings = append(snapshot.Warnings, Warning{Where: "xrevrange(dlq)", Message: err.Error()})
		} else {
			for _, msg := range sample {
				snapshot.DLQ.Sample = append(snapshot.DLQ.Sample, DLQRow{ID: msg.ID, Fields: msg.Fields})
			}
		}
	}

	if len(snapshot.Warnings) > 0 {
		logCtx := s.logg.WithField(ctx, "warnings", snapshot.Warnings)
		s.logg.Warn(logCtx, "ops snapshot degraded")
	}

	return snapshot
}

// applyGroupRow copies the monitored group's cursor state into the snapshot.
// An absent group leaves the nullable fields nil.
func (s *Service) applyGroupRow(snapshot *Snapshot, rows []redis.GroupInfo) {
	for _, row := range rows {
		if row.Name != s.group {
			continue
		}
		pending := row.Pending
		lag := row.Lag
		last := row.LastDeliveredID
		read := row.EntriesRead
		snapshot.Group.Pending = &pending
		snapshot.Group.Lag = &lag
		snapshot.Group.LastDeliveredID = &last
		snapshot.Group.EntriesRead = &read
		snapshot.Health.PendingCount = &pending
		snapshot.Health.Lag = &lag
		return
	}
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	queryCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(queryCtx)
}
