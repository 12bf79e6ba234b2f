package ops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/timeflow-backend/internal/heartbeat"
	"github.com/angelmondragon/timeflow-backend/pkg/config"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
	"github.com/angelmondragon/timeflow-backend/pkg/redis"
)

type fakeInspector struct {
	lens       map[string]int64
	lenErrs    map[string]error
	groups     []redis.GroupInfo
	groupsErr  error
	consumers  []redis.ConsumerInfo
	consErr    error
	pending    []redis.PendingEntry
	pendingErr error
	sample     []redis.StreamMessage
	sampleErr  error

	sampleCalls int
}

func (f *fakeInspector) XLen(_ context.Context, stream string) (int64, error) {
	if err := f.lenErrs[stream]; err != nil {
		return 0, err
	}
	return f.lens[stream], nil
}

func (f *fakeInspector) XInfoGroups(_ context.Context, _ string) ([]redis.GroupInfo, error) {
	return f.groups, f.groupsErr
}

func (f *fakeInspector) XInfoConsumers(_ context.Context, _, _ string) ([]redis.ConsumerInfo, error) {
	return f.consumers, f.consErr
}

func (f *fakeInspector) XPendingSample(_ context.Context, _, _ string, _ int64) ([]redis.PendingEntry, error) {
	return f.pending, f.pendingErr
}

func (f *fakeInspector) XRevRangeN(_ context.Context, _, _, _ string, _ int64) ([]redis.StreamMessage, error) {
	f.sampleCalls++
	return f.sample, f.sampleErr
}

type fakeHeartbeats struct {
	rows []heartbeat.Heartbeat
	err  error
}

func (f *fakeHeartbeats) List(_ context.Context) ([]heartbeat.Heartbeat, error) {
	return f.rows, f.err
}

func newTestService(t *testing.T, broker streamInspector, hbs heartbeatLister) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Broker:     broker,
		Heartbeats: hbs,
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
		Stream: config.StreamConfig{
			Stream:    "timeflow.events",
			DLQStream: "timeflow.events.dlq",
			Group:     "event-processor",
		},
		Ops: config.OpsConfig{
			PendingSampleCount: 10,
			DLQSampleCount:     2,
			HeartbeatMaxAge:    30 * time.Second,
			QueryTimeout:       time.Second,
		},
	})
	require.NoError(t, err)
	return service
}

func healthyInspector() *fakeInspector {
	return &fakeInspector{
		lens: map[string]int64{"timeflow.events": 42, "timeflow.events.dlq": 3},
		groups: []redis.GroupInfo{
			{Name: "other-group", Pending: 99, Lag: 99},
			{Name: "event-processor", Pending: 2, Lag: 5, LastDeliveredID: "7-0", EntriesRead: 40},
		},
		consumers: []redis.ConsumerInfo{
			{Name: "event-processor-1", Pending: 2, IdleMs: 120},
		},
		pending: []redis.PendingEntry{
			{ID: "6-0", Consumer: "event-processor-1", IdleMs: 500, Deliveries: 1},
		},
		sample: []redis.StreamMessage{
			{ID: "9-0", Fields: map[string]string{"msgId": "5-0", "error": "boom"}},
			{ID: "8-0", Fields: map[string]string{"msgId": "4-0", "error": "boom"}},
		},
	}
}

func freshHeartbeat(age time.Duration) heartbeat.Heartbeat {
	seen := time.Now().UTC().Add(-age).Format(time.RFC3339)
	ageSec := int64(age / time.Second)
	return heartbeat.Heartbeat{Consumer: "event-processor-1", LastSeen: &seen, AgeSec: &ageSec}
}

func TestSnapshotAllQueriesHealthy(t *testing.T) {
	broker := healthyInspector()
	service := newTestService(t, broker, &fakeHeartbeats{rows: []heartbeat.Heartbeat{freshHeartbeat(5 * time.Second)}})

	snapshot := service.Snapshot(context.Background())

	assert.True(t, snapshot.OK)
	assert.Empty(t, snapshot.Warnings)

	assert.True(t, snapshot.Health.WorkerHealthy)
	assert.True(t, snapshot.Health.StreamOk)
	assert.True(t, snapshot.Health.DlqOk)
	assert.True(t, snapshot.Health.DlqHasItems)
	require.NotNil(t, snapshot.Health.PendingCount)
	assert.Equal(t, int64(2), *snapshot.Health.PendingCount)
	require.NotNil(t, snapshot.Health.Lag)
	assert.Equal(t, int64(5), *snapshot.Health.Lag)

	require.NotNil(t, snapshot.Stream.Len)
	assert.Equal(t, int64(42), *snapshot.Stream.Len)

	assert.Equal(t, "event-processor", snapshot.Group.Name)
	require.NotNil(t, snapshot.Group.LastDeliveredID)
	assert.Equal(t, "7-0", *snapshot.Group.LastDeliveredID)
	require.NotNil(t, snapshot.Group.EntriesRead)
	assert.Equal(t, int64(40), *snapshot.Group.EntriesRead)
	assert.Equal(t, []string{"event-processor-1"}, snapshot.Group.ConsumerNames)
	require.Len(t, snapshot.Group.PendingSample, 1)
	assert.Equal(t, "6-0", snapshot.Group.PendingSample[0].ID)

	require.NotNil(t, snapshot.DLQ.Len)
	assert.Equal(t, int64(3), *snapshot.DLQ.Len)
	require.Len(t, snapshot.DLQ.Sample, 2)
	assert.Equal(t, "9-0", snapshot.DLQ.Sample[0].ID)
}

func TestSnapshotDLQLenFailureDegradesOnlyDLQ(t *testing.T) {
	broker := healthyInspector()
	broker.lenErrs = map[string]error{"timeflow.events.dlq": errors.New("connection reset")}
	service := newTestService(t, broker, &fakeHeartbeats{rows: []heartbeat.Heartbeat{freshHeartbeat(5 * time.Second)}})

	snapshot := service.Snapshot(context.Background())

	assert.True(t, snapshot.OK)
	assert.False(t, snapshot.Health.DlqOk)
	assert.False(t, snapshot.Health.DlqHasItems)
	assert.Nil(t, snapshot.DLQ.Len)
	assert.Empty(t, snapshot.DLQ.Sample)
	assert.Zero(t, broker.sampleCalls)

	require.Len(t, snapshot.Warnings, 1)
	assert.Equal(t, "xlen(dlq)", snapshot.Warnings[0].Where)
	assert.Equal(t, "connection reset", snapshot.Warnings[0].Message)

	assert.True(t, snapshot.Health.StreamOk)
	assert.True(t, snapshot.Health.WorkerHealthy)
	require.NotNil(t, snapshot.Stream.Len)
	assert.Equal(t, int64(42), *snapshot.Stream.Len)
	require.NotNil(t, snapshot.Group.Pending)
}

func TestSnapshotEmptyDLQSkipsSample(t *testing.T) {
	broker := healthyInspector()
	broker.lens["timeflow.events.dlq"] = 0
	service := newTestService(t, broker, &fakeHeartbeats{rows: []heartbeat.Heartbeat{freshHeartbeat(time.Second)}})

	snapshot := service.Snapshot(context.Background())

	assert.True(t, snapshot.Health.DlqOk)
	assert.False(t, snapshot.Health.DlqHasItems)
	assert.Empty(t, snapshot.DLQ.Sample)
	assert.Zero(t, broker.sampleCalls)
}

func TestSnapshotStaleHeartbeatsUnhealthyWorker(t *testing.T) {
	broker := healthyInspector()
	service := newTestService(t, broker, &fakeHeartbeats{rows: []heartbeat.Heartbeat{freshHeartbeat(45 * time.Second)}})

	snapshot := service.Snapshot(context.Background())

	assert.False(t, snapshot.Health.WorkerHealthy)
	assert.Empty(t, snapshot.Warnings)
}

func TestSnapshotHeartbeatFailure(t *testing.T) {
	broker := healthyInspector()
	service := newTestService(t, broker, &fakeHeartbeats{err: errors.New("scan failed")})

	snapshot := service.Snapshot(context.Background())

	assert.False(t, snapshot.Health.WorkerHealthy)
	assert.Empty(t, snapshot.Workers.Heartbeats)
	require.Len(t, snapshot.Warnings, 1)
	assert.Equal(t, "heartbeats", snapshot.Warnings[0].Where)
}

func TestSnapshotGroupMissingLeavesCursorNull(t *testing.T) {
	broker := healthyInspector()
	broker.groups = []redis.GroupInfo{{Name: "other-group", Pending: 1}}
	service := newTestService(t, broker, &fakeHeartbeats{rows: []heartbeat.Heartbeat{freshHeartbeat(time.Second)}})

	snapshot := service.Snapshot(context.Background())

	assert.Nil(t, snapshot.Group.Pending)
	assert.Nil(t, snapshot.Group.Lag)
	assert.Nil(t, snapshot.Health.PendingCount)
	assert.Nil(t, snapshot.Health.Lag)
	assert.Empty(t, snapshot.Warnings)
}

func TestSnapshotAllFailuresStillServes(t *testing.T) {
	broker := &fakeInspector{
		lenErrs: map[string]error{
			"timeflow.events":     errors.New("down"),
			"timeflow.events.dlq": errors.New("down"),
		},
		groupsErr:  errors.New("down"),
		consErr:    errors.New("down"),
		pendingErr: errors.New("down"),
	}
	service := newTestService(t, broker, &fakeHeartbeats{err: errors.New("down")})

	snapshot := service.Snapshot(context.Background())

	assert.True(t, snapshot.OK)
	assert.Len(t, snapshot.Warnings, 6)
	assert.False(t, snapshot.Health.StreamOk)
	assert.False(t, snapshot.Health.DlqOk)
	assert.False(t, snapshot.Health.WorkerHealthy)
	assert.Nil(t, snapshot.Stream.Len)
	assert.Nil(t, snapshot.DLQ.Len)
}
