package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/timeflow-backend/pkg/events"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
	"github.com/angelmondragon/timeflow-backend/pkg/metrics"
	"github.com/angelmondragon/timeflow-backend/pkg/redis"
)

const DefaultCount = 10

// Replay metadata fields appended to every re-published entry.
const (
	FieldReplay     = "replay"
	FieldReplayedAt = "replayedAt"
	FieldDLQID      = "dlqId"
)

type brokerClient interface {
	XRangeN(ctx context.Context, stream, start, stop string, count int64) ([]redis.StreamMessage, error)
	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	XDel(ctx context.Context, stream string, ids ...string) (int64, error)
}

// Options controls one replay invocation.
type Options struct {
	// Count caps how many DLQ entries are read; non-positive values fall
	// back to DefaultCount.
	Count int64
	// FromID is the inclusive DLQ entry ID to start from; empty means the
	// stream start.
	FromID string
	// DryRun records intent without writing to either stream.
	DryRun bool
	// Delete removes each DLQ entry after its re-append succeeds.
	Delete bool
}

// EntryFailure captures a per-entry append or delete error.
type EntryFailure struct {
	ID  string
	Err error
}

// Summary reports the outcome of one replay run.
type Summary struct {
	Found       int
	Replayed    int
	Deleted     int
	WouldReplay int
	Failures    []EntryFailure
}

// Err folds the per-entry failures into a single error, nil when clean.
func (s Summary) Err() error {
	var combined error
	for _, f := range s.Failures {
		combined = multierr.Append(combined, fmt.Errorf("entry %s: %w", f.ID, f.Err))
	}
	return combined
}

// Replayer moves DLQ entries back into the main stream.
//
// Replay is not safe against non-idempotent consumers: a replayed entry is a
// second delivery of the same eventId, and only consumers keyed on eventId
// will treat it as a no-op.
type Replayer struct {
	broker  brokerClient
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
	stream  string
	dlq     string
	now     func() time.Time
}

type ReplayerParams struct {
	Broker  brokerClient
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
	Stream  string
	DLQ     string
}

func NewReplayer(params ReplayerParams) (*Replayer, error) {
	if params.Broker == nil {
		return nil, errors.New("broker client is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Stream == "" || params.DLQ == "" {
		return nil, errors.New("stream and dlq names are required")
	}
	return &Replayer{
		broker:  params.Broker,
		logg:    params.Logger,
		metrics: params.Metrics,
		stream:  params.Stream,
		dlq:     params.DLQ,
		now:     time.Now,
	}, nil
}

// Run reads up to Count DLQ entries from FromID onward and re-appends each to
// the main stream with replay provenance. A read failure aborts the run;
// per-entry append/delete failures are recorded in the summary and the batch
// continues, so one bad entry cannot block a backlog drain.
func (r *Replayer) Run(ctx context.Context, opts Options) (Summary, error) {
	count := opts.Count
	if count <= 0 {
		count = DefaultCount
	}
	start := opts.FromID
	if start == "" {
		start = "-"
	}

	entries, err := r.broker.XRangeN(ctx, r.dlq, start, "+", count)
	if err != nil {
		return Summary{}, fmt.Errorf("reading dlq %s: %w", r.dlq, err)
	}

	summary := Summary{Found: len(entries)}
	if len(entries) == 0 {
		r.logg.Info(r.logg.WithStream(ctx, r.dlq), "dlq empty, nothing to replay")
		return summary, nil
	}

	for _, entry := range entries {
		logCtx := r.logg.WithFields(ctx, map[string]any{
			"dlq_id":   entry.ID,
			"event_id": entry.Fields[events.FieldEventID],
			"type":     entry.Fields[events.FieldType],
		})

		if opts.DryRun {
			summary.WouldReplay++
			r.logg.Info(logCtx, "dry run, would replay dlq entry")
			continue
		}

		replayFields := r.replayFields(entry)
		entryID, err := r.broker.XAdd(ctx, r.stream, replayFields)
		if err != nil {
			summary.Failures = append(summary.Failures, EntryFailure{ID: entry.ID, Err: err})
			r.logg.Error(logCtx, "replay append failed, continuing", err)
			continue
		}
		summary.Replayed++
		r.metrics.IncReplayed()
		r.logg.Info(r.logg.WithField(logCtx, "entry_id", entryID), "dlq entry replayed")

		if opts.Delete {
			if _, err := r.broker.XDel(ctx, r.dlq, entry.ID); err != nil {
				summary.Failures = append(summary.Failures, EntryFailure{ID: entry.ID, Err: err})
				r.logg.Error(logCtx, "dlq delete failed after replay", err)
				continue
			}
			summary.Deleted++
		}
	}

	return summary, nil
}

// replayFields merges the original DLQ fields with the replay provenance
// markers. The original field bag is intentionally opaque: unknown producer
// fields pass through untouched.
func (r *Replayer) replayFields(entry redis.StreamMessage) map[string]string {
	fields := make(map[string]string, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		fields[k] = v
	}
	fields[FieldReplay] = "true"
	fields[FieldReplayedAt] = r.now().UTC().Format(time.RFC3339Nano)
	fields[FieldDLQID] = entry.ID
	return fields
}
