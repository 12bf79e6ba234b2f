package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	keys    []string
	values  map[string]*string
	keysErr error
	mgetErr error
}

func (f *fakeReader) Keys(context.Context, string) ([]string, error) {
	if f.keysErr != nil {
		return nil, f.keysErr
	}
	return f.keys, nil
}

func (f *fakeReader) MGet(_ context.Context, keys ...string) ([]*string, error) {
	if f.mgetErr != nil {
		return nil, f.mgetErr
	}
	out := make([]*string, len(keys))
	for i, k := range keys {
		out[i] = f.values[k]
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func newTestRegistry(t *testing.T, store *fakeReader, now time.Time) *Registry {
	t.Helper()
	reg, err := NewRegistry(store, "timeflow:worker:*:heartbeat")
	require.NoError(t, err)
	reg.now = func() time.Time { return now }
	return reg
}

func TestListSortsFreshestFirstWithUnparseableLast(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	stamp := func(age time.Duration) *string {
		return strPtr(now.Add(-age).Format(time.RFC3339Nano))
	}
	store := &fakeReader{
		keys: []string{
			"timeflow:worker:alpha:heartbeat",
			"timeflow:worker:bravo:heartbeat",
			"timeflow:worker:charlie:heartbeat",
			"timeflow:worker:delta:heartbeat",
		},
		values: map[string]*string{
			"timeflow:worker:alpha:heartbeat":   stamp(5 * time.Second),
			"timeflow:worker:bravo:heartbeat":   stamp(40 * time.Second),
			"timeflow:worker:charlie:heartbeat": strPtr("not-a-timestamp"),
			"timeflow:worker:delta:heartbeat":   stamp(12 * time.Second),
		},
	}
	reg := newTestRegistry(t, store, now)

	heartbeats, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, heartbeats, 4)

	require.Equal(t, "alpha", heartbeats[0].Consumer)
	require.Equal(t, int64(5), *heartbeats[0].AgeSec)
	require.Equal(t, "delta", heartbeats[1].Consumer)
	require.Equal(t, int64(12), *heartbeats[1].AgeSec)
	require.Equal(t, "bravo", heartbeats[2].Consumer)
	require.Equal(t, int64(40), *heartbeats[2].AgeSec)
	require.Equal(t, "charlie", heartbeats[3].Consumer)
	require.Nil(t, heartbeats[3].AgeSec)
	require.NotNil(t, heartbeats[3].LastSeen, "raw value is preserved even when unparseable")
}

func TestListMissingValueYieldsNilAge(t *testing.T) {
	now := time.Now()
	store := &fakeReader{
		keys:   []string{"timeflow:worker:gone:heartbeat"},
		values: map[string]*string{},
	}
	reg := newTestRegistry(t, store, now)

	heartbeats, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, heartbeats, 1)
	require.Nil(t, heartbeats[0].LastSeen)
	require.Nil(t, heartbeats[0].AgeSec)
}

func TestListNoKeys(t *testing.T) {
	reg := newTestRegistry(t, &fakeReader{}, time.Now())

	heartbeats, err := reg.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, heartbeats)
}

func TestListPropagatesReadErrors(t *testing.T) {
	reg := newTestRegistry(t, &fakeReader{keysErr: errors.New("down")}, time.Now())
	_, err := reg.List(context.Background())
	require.Error(t, err)
}

func TestHealthyAnyFreshHeartbeat(t *testing.T) {
	ages := func(vals ...int64) []Heartbeat {
		out := make([]Heartbeat, len(vals))
		for i := range vals {
			v := vals[i]
			out[i] = Heartbeat{AgeSec: &v}
		}
		return out
	}

	require.False(t, Healthy(ages(31, 35), 30*time.Second))
	require.True(t, Healthy(ages(5, 100), 30*time.Second))
	require.True(t, Healthy(ages(30), 30*time.Second))
	require.False(t, Healthy([]Heartbeat{{AgeSec: nil}}, 30*time.Second))
	require.False(t, Healthy(nil, 30*time.Second))
}
