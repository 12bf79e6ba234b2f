package heartbeat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

type keyValueReader interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
	MGet(ctx context.Context, keys ...string) ([]*string, error)
}

// Heartbeat is one consumer's liveness marker as seen by health tooling.
// AgeSec is nil when the timestamp is missing or unparseable, which sorts
// as maximally stale.
type Heartbeat struct {
	Consumer string  `json:"consumer"`
	LastSeen *string `json:"lastSeen"`
	AgeSec   *int64  `json:"ageSec"`
}

// Registry reads worker heartbeat keys. Workers own the writes (value = ISO
// timestamp, TTL managed by the writer); the registry never mutates them.
type Registry struct {
	store   keyValueReader
	pattern string
	now     func() time.Time
}

func NewRegistry(store keyValueReader, pattern string) (*Registry, error) {
	if store == nil {
		return nil, errors.New("key-value reader is required")
	}
	if pattern == "" {
		return nil, errors.New("heartbeat key pattern is required")
	}
	return &Registry{store: store, pattern: pattern, now: time.Now}, nil
}

// List returns every known heartbeat sorted ascending by age, freshest
// first. Entries without a parseable timestamp sort last.
func (r *Registry) List(ctx context.Context) ([]Heartbeat, error) {
	keys, err := r.store.Keys(ctx, r.pattern)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Heartbeat{}, nil
	}

	values, err := r.store.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}

	now := r.now()
	heartbeats := make([]Heartbeat, 0, len(keys))
	for i, key := range keys {
		hb := Heartbeat{Consumer: consumerFromKey(key)}
		if i < len(values) && values[i] != nil {
			hb.LastSeen = values[i]
			if ts, err := time.Parse(time.RFC3339Nano, *values[i]); err == nil {
				age := int64(now.Sub(ts).Seconds())
				hb.AgeSec = &age
			}
		}
		heartbeats = append(heartbeats, hb)
	}

	sort.SliceStable(heartbeats, func(i, j int) bool {
		return ageOrStale(heartbeats[i]) < ageOrStale(heartbeats[j])
	})
	return heartbeats, nil
}

// Healthy reports whether at least one heartbeat is fresh enough. One live
// worker means the stream is being drained; fleet-size alerting is a
// separate concern.
func Healthy(heartbeats []Heartbeat, maxAge time.Duration) bool {
	limit := int64(maxAge.Seconds())
	for _, hb := range heartbeats {
		if hb.AgeSec != nil && *hb.AgeSec <= limit {
			return true
		}
	}
	return false
}

func ageOrStale(hb Heartbeat) int64 {
	if hb.AgeSec == nil {
		return int64(1) << 62
	}
	return *hb.AgeSec
}

// consumerFromKey extracts the consumer name from
// {namespace}:worker:{consumer}:heartbeat.
func consumerFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 3 {
		return parts[2]
	}
	return key
}
