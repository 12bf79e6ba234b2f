package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamMessage is one stream entry: the broker-assigned monotonic ID plus
// the flat field list, string-valued on both sides.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// GroupInfo is a consumer group's cursor state over a stream.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	LastDeliveredID string
	EntriesRead     int64
	Lag             int64
}

// ConsumerInfo is one group member's delivery state.
type ConsumerInfo struct {
	Name    string
	Pending int64
	IdleMs  int64
}

// PendingEntry is a delivered-but-unacknowledged entry claimed by a consumer.
type PendingEntry struct {
	ID         string
	Consumer   string
	IdleMs     int64
	Deliveries int64
}

// ReadGroupArgs parameterizes a blocking consumer-group read. ID defaults to
// ">" (new entries); "0" re-delivers the consumer's own pending entries.
type ReadGroupArgs struct {
	Stream   string
	Group    string
	Consumer string
	ID       string
	Count    int64
	Block    time.Duration
}

// XAdd appends the fields to the stream and returns the broker-assigned entry ID.
func (c *Client) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if c.raw == nil {
		return "", errors.New("redis client not initialized")
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return c.raw.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// XLen returns the number of entries in the stream.
func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	if c.raw == nil {
		return 0, errors.New("redis client not initialized")
	}
	return c.raw.XLen(ctx, stream).Result()
}

// XRangeN reads up to count entries between start and stop in ascending ID order.
func (c *Client) XRangeN(ctx context.Context, stream, start, stop string, count int64) ([]StreamMessage, error) {
	if c.raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	msgs, err := c.raw.XRangeN(ctx, stream, start, stop, count).Result()
	if err != nil {
		return nil, err
	}
	return normalizeMessages(msgs), nil
}

// XRevRangeN reads up to count entries newest-first.
func (c *Client) XRevRangeN(ctx context.Context, stream, start, stop string, count int64) ([]StreamMessage, error) {
	if c.raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	msgs, err := c.raw.XRevRangeN(ctx, stream, start, stop, count).Result()
	if err != nil {
		return nil, err
	}
	return normalizeMessages(msgs), nil
}

// XDel removes the entries by ID and returns how many were deleted.
func (c *Client) XDel(ctx context.Context, stream string, ids ...string) (int64, error) {
	if c.raw == nil {
		return 0, errors.New("redis client not initialized")
	}
	return c.raw.XDel(ctx, stream, ids...).Result()
}

// XAck acknowledges the entries for the group.
func (c *Client) XAck(ctx context.Context, stream, group string, ids ...string) error {
	if c.raw == nil {
		return errors.New("redis client not initialized")
	}
	return c.raw.XAck(ctx, stream, group, ids...).Err()
}

// EnsureGroup creates the consumer group at the stream start, creating the
// stream if needed. An already-existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	if c.raw == nil {
		return errors.New("redis client not initialized")
	}
	err := c.raw.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// XReadGroup blocks for new entries delivered to the consumer. A timed-out
// read returns an empty batch, not an error.
func (c *Client) XReadGroup(ctx context.Context, args ReadGroupArgs) ([]StreamMessage, error) {
	if c.raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	id := args.ID
	if id == "" {
		id = ">"
	}
	streams, err := c.raw.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, id},
		Count:    args.Count,
		Block:    args.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out []StreamMessage
	for _, s := range streams {
		out = append(out, normalizeMessages(s.Messages)...)
	}
	return out, nil
}

// XPendingSample returns up to count pending entries for the group across the
// whole stream range.
func (c *Client) XPendingSample(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	if c.raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	rows, err := c.raw.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, PendingEntry{
			ID:         row.ID,
			Consumer:   row.Consumer,
			IdleMs:     row.Idle.Milliseconds(),
			Deliveries: row.RetryCount,
		})
	}
	return out, nil
}

// XInfoGroups lists the groups registered on the stream.
func (c *Client) XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	if c.raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	rows, err := c.raw.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, err
	}
	out := make([]GroupInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, GroupInfo{
			Name:            row.Name,
			Consumers:       row.Consumers,
			Pending:         row.Pending,
			LastDeliveredID: row.LastDeliveredID,
			EntriesRead:     row.EntriesRead,
			Lag:             row.Lag,
		})
	}
	return out, nil
}

// XInfoConsumers lists the members of the group on the stream.
func (c *Client) XInfoConsumers(ctx context.Context, stream, group string) ([]ConsumerInfo, error) {
	if c.raw == nil {
		return nil, errors.New("redis client not initialized")
	}
	rows, err := c.raw.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ConsumerInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, ConsumerInfo{
			Name:    row.Name,
			Pending: row.Pending,
			IdleMs:  row.Idle.Milliseconds(),
		})
	}
	return out, nil
}

func normalizeMessages(msgs []redis.XMessage) []StreamMessage {
	out := make([]StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			fields[k] = fmt.Sprint(v)
		}
		out = append(out, StreamMessage{ID: msg.ID, Fields: fields})
	}
	return out
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
