package es

import (
	"context"
	"fmt"
	"log/slog"

	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/metricsx"
)

// Snapshotter is implemented by aggregates that opt into snapshotting.
type Snapshotter interface {
	SnapshotState() ([]byte, error)
	RestoreSnapshot(version int64, state []byte) error
}

// Repository reconstitutes aggregates from the event store (seeded from a
// snapshot when one exists) and persists their uncommitted events with the
// pre-command version as the expected version.
type Repository struct {
	Events        EventStore
	Snapshots     SnapshotStore
	Codec         Codec
	SnapshotEvery int64
	Log           logx.Logger
}

// Load replays the aggregate's history into agg, which must be a fresh
// instance carrying only its id. Returns false when no events exist for the
// caller's tenant; a foreign tenant's aggregate reports the same.
func (r *Repository) Load(ctx context.Context, agg Aggregate) (bool, error) {
	var after int64
	found := false

	if r.Snapshots != nil {
		if snapper, ok := agg.(Snapshotter); ok {
			snap, exists, err := r.Snapshots.Load(ctx, agg.ID())
			if err != nil {
				return false, fmt.Errorf("load snapshot: %w", err)
			}
			if exists {
				if err := snapper.RestoreSnapshot(snap.Version, snap.State); err != nil {
					return false, fmt.Errorf("restore snapshot: %w", err)
				}
				after = snap.Version
				found = true
			}
		}
	}

	stored, err := r.Events.LoadFrom(ctx, agg.ID(), after)
	if err != nil {
		return false, fmt.Errorf("load events: %w", err)
	}
	if len(stored) == 0 {
		return found, nil
	}

	events := make([]Event, 0, len(stored))
	for _, se := range stored {
		ev, err := r.Codec.Unmarshal(se)
		if err != nil {
			return false, fmt.Errorf("decode event %s v%d: %w", se.EventType, se.Version, err)
		}
		events = append(events, ev)
	}
	agg.Replay(events)
	return true, nil
}

// Save appends the aggregate's uncommitted events and clears them. The
// expected version is the version the aggregate had before the command ran.
// A periodic snapshot is written when the stream crosses the cadence
// boundary; snapshot failures are logged, never fatal.
func (r *Repository) Save(ctx context.Context, agg Aggregate) (int64, error) {
	pending := agg.UncommittedEvents()
	if len(pending) == 0 {
		return agg.Version(), nil
	}
	expected := agg.Version() - int64(len(pending))

	newVersion, err := r.Events.Append(ctx, agg.ID(), agg.AggregateType(), pending, expected)
	if err != nil {
		return 0, err
	}
	agg.ClearUncommitted()
	metricsx.AddEventsAppended(agg.AggregateType(), len(pending))

	r.maybeSnapshot(ctx, agg, expected, newVersion)
	return newVersion, nil
}

func (r *Repository) maybeSnapshot(ctx context.Context, agg Aggregate, before int64, after int64) {
	if r.Snapshots == nil || r.SnapshotEvery <= 0 {
		return
	}
	snapper, ok := agg.(Snapshotter)
	if !ok {
		return
	}
	if before/r.SnapshotEvery == after/r.SnapshotEvery {
		return
	}

	state, err := snapper.SnapshotState()
	if err != nil {
		r.Log.Warn(ctx, "snapshot_marshal_failed", "failed to marshal snapshot state",
			slog.String("aggregate_id", agg.ID().String()),
			slog.String("error", err.Error()),
		)
		return
	}
	snap := Snapshot{
		AggregateID:   agg.ID(),
		AggregateType: agg.AggregateType(),
		Version:       after,
		State:         state,
	}
	if err := r.Snapshots.Save(ctx, snap); err != nil {
		r.Log.Warn(ctx, "snapshot_save_failed", "failed to save snapshot",
			slog.String("aggregate_id", agg.ID().String()),
			slog.Int64("version", after),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncSnapshotSave()
}
