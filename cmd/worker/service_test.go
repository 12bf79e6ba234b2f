package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/timeflow-backend/pkg/config"
	"github.com/angelmondragon/timeflow-backend/pkg/events"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
	"github.com/angelmondragon/timeflow-backend/pkg/redis"
)

type fakeBroker struct {
	pending  []redis.StreamMessage
	fresh    []redis.StreamMessage
	readErr  error
	attempts map[string]int64
	incrErr  error

	acked      []string
	deleted    []string
	dlqEntries []map[string]string
	dlqErr     error
	heartbeats []string
	groups     []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{attempts: map[string]int64{}}
}

func (f *fakeBroker) Ping(context.Context) error { return nil }

func (f *fakeBroker) EnsureGroup(_ context.Context, stream, group string) error {
	f.groups = append(f.groups, stream+"/"+group)
	return nil
}

func (f *fakeBroker) XReadGroup(_ context.Context, args redis.ReadGroupArgs) ([]redis.StreamMessage, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if args.ID == "0" {
		out := f.pending
		f.pending = nil
		return out, nil
	}
	out := f.fresh
	f.fresh = nil
	return out, nil
}

func (f *fakeBroker) XAck(_ context.Context, _, _ string, ids ...string) error {
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeBroker) XAdd(_ context.Context, stream string, fields map[string]string) (string, error) {
	if f.dlqErr != nil {
		return "", f.dlqErr
	}
	f.dlqEntries = append(f.dlqEntries, fields)
	return fmt.Sprintf("%s-%d", stream, len(f.dlqEntries)), nil
}

func (f *fakeBroker) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	if f.incrErr != nil {
		return 0, f.incrErr
	}
	f.attempts[key]++
	return f.attempts[key], nil
}

func (f *fakeBroker) Set(_ context.Context, key string, _ any, _ time.Duration) error {
	f.heartbeats = append(f.heartbeats, key)
	return nil
}

func (f *fakeBroker) Del(_ context.Context, keys ...string) error {
	f.deleted = append(f.deleted, keys...)
	return nil
}

func (f *fakeBroker) HeartbeatKey(consumer string) string {
	return "timeflow:worker:" + consumer + ":heartbeat"
}

func (f *fakeBroker) AttemptsKey(entryID string) string {
	return "timeflow:attempts:" + entryID
}

type fakeLedger struct {
	processErr error
	applied    bool
	processed  []events.EventRecord
	failures   []events.EventRecord
}

func (f *fakeLedger) MarkProcessed(_ context.Context, rec events.EventRecord, _ time.Time) (bool, error) {
	if f.processErr != nil {
		return false, f.processErr
	}
	f.processed = append(f.processed, rec)
	return f.applied, nil
}

func (f *fakeLedger) RecordFailure(_ context.Context, rec events.EventRecord, _ error, _ time.Time) error {
	f.failures = append(f.failures, rec)
	return nil
}

func workerConfig() *config.Config {
	return &config.Config{
		Stream: config.StreamConfig{
			Stream:    "timeflow.events",
			DLQStream: "timeflow.events.dlq",
			Group:     "event-processor",
		},
		Worker: config.WorkerConfig{
			Consumer:          "event-processor-1",
			BatchCount:        10,
			BlockTimeout:      time.Second,
			HeartbeatInterval: time.Second,
			HeartbeatTTL:      3 * time.Second,
			MaxRetries:        5,
			AttemptsTTL:       time.Hour,
		},
	}
}

func newTestService(t *testing.T, broker brokerClient, ledger eventLedger) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Config: workerConfig(),
		Logger: logger.New(logger.Options{ServiceName: "test"}),
		Broker: broker,
		Ledger: ledger,
	})
	require.NoError(t, err)
	return service
}

func encodedMessage(id string) redis.StreamMessage {
	rec := events.NewRecord(events.TypeTaskCreated, "user-1", "task-1")
	return redis.StreamMessage{ID: id, Fields: rec.Encode()}
}

func TestProcessMessageSuccessAcksAndClearsAttempts(t *testing.T) {
	broker := newFakeBroker()
	ledger := &fakeLedger{applied: true}
	service := newTestService(t, broker, ledger)

	err := service.processMessage(context.Background(), encodedMessage("5-0"))
	require.NoError(t, err)

	assert.Equal(t, []string{"5-0"}, broker.acked)
	assert.Equal(t, []string{"timeflow:attempts:5-0"}, broker.deleted)
	assert.Empty(t, broker.dlqEntries)
	require.Len(t, ledger.processed, 1)
	assert.Equal(t, events.TypeTaskCreated, ledger.processed[0].Type)
}

func TestProcessMessageDuplicateDeliveryStillAcks(t *testing.T) {
	broker := newFakeBroker()
	ledger := &fakeLedger{applied: false}
	service := newTestService(t, broker, ledger)

	err := service.processMessage(context.Background(), encodedMessage("5-0"))
	require.NoError(t, err)
	assert.Equal(t, []string{"5-0"}, broker.acked)
}

func TestProcessMessageFailureLeavesEntryPending(t *testing.T) {
	broker := newFakeBroker()
	ledger := &fakeLedger{processErr: errors.New("db down")}
	service := newTestService(t, broker, ledger)

	err := service.processMessage(context.Background(), encodedMessage("5-0"))
	require.Error(t, err)

	assert.Empty(t, broker.acked)
	assert.Empty(t, broker.dlqEntries)
	assert.Equal(t, int64(1), broker.attempts["timeflow:attempts:5-0"])
	require.Len(t, ledger.failures, 1)
}

func TestProcessMessageDeadLettersAfterMaxRetries(t *testing.T) {
	broker := newFakeBroker()
	broker.attempts["timeflow:attempts:5-0"] = 4
	ledger := &fakeLedger{processErr: errors.New("poison payload")}
	service := newTestService(t, broker, ledger)

	msg := encodedMessage("5-0")
	err := service.processMessage(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, broker.dlqEntries, 1)
	entry := broker.dlqEntries[0]
	assert.Equal(t, "5-0", entry["msgId"])
	assert.Equal(t, "poison payload", entry["error"])
	assert.Equal(t, msg.Fields[events.FieldEventID], entry[events.FieldEventID])
	assert.Equal(t, events.TypeTaskCreated, entry[events.FieldType])

	assert.Equal(t, []string{"5-0"}, broker.acked)
	assert.Contains(t, broker.deleted, "timeflow:attempts:5-0")
}

func TestProcessMessageUndecodableSkipsLedger(t *testing.T) {
	broker := newFakeBroker()
	ledger := &fakeLedger{applied: true}
	service := newTestService(t, broker, ledger)

	msg := redis.StreamMessage{ID: "7-0", Fields: map[string]string{"garbage": "yes"}}
	err := service.processMessage(context.Background(), msg)
	require.Error(t, err)

	assert.Empty(t, ledger.processed)
	assert.Empty(t, ledger.failures)
	assert.Equal(t, int64(1), broker.attempts["timeflow:attempts:7-0"])
}

func TestProcessMessageDLQAppendFailureKeepsEntryPending(t *testing.T) {
	broker := newFakeBroker()
	broker.attempts["timeflow:attempts:5-0"] = 4
	broker.dlqErr = errors.New("dlq unavailable")
	ledger := &fakeLedger{processErr: errors.New("poison payload")}
	service := newTestService(t, broker, ledger)

	err := service.processMessage(context.Background(), encodedMessage("5-0"))
	require.Error(t, err)
	assert.Empty(t, broker.acked)
}

func TestProcessBatchDrainsPendingBeforeNew(t *testing.T) {
	broker := newFakeBroker()
	broker.pending = []redis.StreamMessage{encodedMessage("1-0")}
	broker.fresh = []redis.StreamMessage{encodedMessage("2-0")}
	ledger := &fakeLedger{applied: true}
	service := newTestService(t, broker, ledger)

	processed, err := service.processBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"1-0"}, broker.acked)

	processed, err = service.processBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"1-0", "2-0"}, broker.acked)
}

func TestProcessBatchEmptyRead(t *testing.T) {
	broker := newFakeBroker()
	service := newTestService(t, broker, &fakeLedger{applied: true})

	processed, err := service.processBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestEnsureReadinessCreatesGroup(t *testing.T) {
	broker := newFakeBroker()
	service := newTestService(t, broker, &fakeLedger{})

	require.NoError(t, service.ensureReadiness(context.Background()))
	assert.Equal(t, []string{"timeflow.events/event-processor"}, broker.groups)
}

func TestWriteHeartbeatUsesConsumerKey(t *testing.T) {
	broker := newFakeBroker()
	service := newTestService(t, broker, &fakeLedger{})

	service.writeHeartbeat(context.Background())
	require.Len(t, broker.heartbeats, 1)
	assert.Equal(t, "timeflow:worker:event-processor-1:heartbeat", broker.heartbeats[0])
}
