package es

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"vm-provision-portal/shared/tenantx"
)

// counter is a minimal aggregate used to exercise the runtime without
// dragging in domain types.
type counter struct {
	Base
	total int
}

type counterIncremented struct {
	id     uuid.UUID
	meta   Metadata
	Amount int `json:"amount"`
}

func (e counterIncremented) AggregateID() uuid.UUID   { return e.id }
func (e counterIncremented) AggregateType() string    { return "counter" }
func (e counterIncremented) EventType() string        { return "counter.incremented" }
func (e counterIncremented) EventMetadata() Metadata  { return e.meta }

func newCounter(id uuid.UUID) *counter {
	return &counter{Base: NewBase(id)}
}

func (c *counter) AggregateType() string { return "counter" }

func (c *counter) Apply(ev Event) {
	switch e := ev.(type) {
	case counterIncremented:
		c.total += e.Amount
	default:
		panic(fmt.Sprintf("unknown event type %T", ev))
	}
}

func (c *counter) Replay(events []Event) {
	c.ReplayThrough(events, c.Apply)
}

func (c *counter) Increment(ctx context.Context, amount int) {
	c.Raise(counterIncremented{id: c.ID(), meta: MetadataFromContext(ctx), Amount: amount}, c.Apply)
}

func (c *counter) SnapshotState() ([]byte, error) {
	return json.Marshal(struct {
		Total int `json:"total"`
	}{Total: c.total})
}

func (c *counter) RestoreSnapshot(version int64, state []byte) error {
	var s struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	c.total = s.Total
	c.SeedVersion(version)
	return nil
}

type counterCodec struct{}

func (counterCodec) Marshal(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func (counterCodec) Unmarshal(stored StoredEvent) (Event, error) {
	if stored.EventType != "counter.incremented" {
		return nil, fmt.Errorf("unknown event type %q", stored.EventType)
	}
	ev := counterIncremented{id: stored.AggregateID, meta: stored.Metadata}
	if err := json.Unmarshal(stored.Payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func testTenantCtx(t *testing.T) (context.Context, tenantx.TenantContext) {
	t.Helper()
	tenant := tenantx.TenantContext{ID: uuid.New(), UserID: uuid.New(), CorrelationID: uuid.NewString()}
	return tenantx.WithTenant(context.Background(), tenant), tenant
}

func TestRaiseIncrementsVersionPerEvent(t *testing.T) {
	ctx, _ := testTenantCtx(t)
	c := newCounter(uuid.New())
	for i := 1; i <= 5; i++ {
		c.Increment(ctx, i)
		if c.Version() != int64(i) {
			t.Fatalf("after %d events expected version %d, got %d", i, i, c.Version())
		}
	}
	if c.total != 15 {
		t.Fatalf("expected total 15, got %d", c.total)
	}
	if len(c.UncommittedEvents()) != 5 {
		t.Fatalf("expected 5 uncommitted events, got %d", len(c.UncommittedEvents()))
	}
}

func TestReplayIsDeterministicAndRecordsNothing(t *testing.T) {
	ctx, _ := testTenantCtx(t)
	live := newCounter(uuid.New())
	live.Increment(ctx, 2)
	live.Increment(ctx, 3)
	events := live.UncommittedEvents()

	replayed := newCounter(live.ID())
	replayed.Replay(events)

	if replayed.Version() != int64(len(events)) {
		t.Fatalf("expected version %d after replay, got %d", len(events), replayed.Version())
	}
	if replayed.total != live.total {
		t.Fatalf("replayed state %d differs from live state %d", replayed.total, live.total)
	}
	if len(replayed.UncommittedEvents()) != 0 {
		t.Fatalf("replay must not record uncommitted events")
	}
}

func TestReplayEmptyYieldsVersionZero(t *testing.T) {
	c := newCounter(uuid.New())
	c.Replay(nil)
	if c.Version() != 0 {
		t.Fatalf("expected version 0, got %d", c.Version())
	}
}

func TestUncommittedEventsIsCopyOnRead(t *testing.T) {
	ctx, _ := testTenantCtx(t)
	c := newCounter(uuid.New())
	c.Increment(ctx, 1)
	first := c.UncommittedEvents()
	c.Increment(ctx, 2)
	if len(first) != 1 {
		t.Fatalf("previously obtained list mutated: len=%d", len(first))
	}
}

func TestClearUncommittedKeepsVersion(t *testing.T) {
	ctx, _ := testTenantCtx(t)
	c := newCounter(uuid.New())
	c.Increment(ctx, 1)
	c.Increment(ctx, 1)
	c.ClearUncommitted()
	if len(c.UncommittedEvents()) != 0 {
		t.Fatalf("expected no uncommitted events after clear")
	}
	if c.Version() != 2 {
		t.Fatalf("clear must not change version, got %d", c.Version())
	}
}

func TestApplyUnknownEventPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on unknown event type")
		}
	}()
	c := newCounter(uuid.New())
	c.Apply(unknownEvent{})
}

type unknownEvent struct{}

func (unknownEvent) AggregateID() uuid.UUID  { return uuid.Nil }
func (unknownEvent) AggregateType() string   { return "unknown" }
func (unknownEvent) EventType() string       { return "unknown.event" }
func (unknownEvent) EventMetadata() Metadata { return Metadata{} }

func TestMetadataFromContext(t *testing.T) {
	ctx, tenant := testTenantCtx(t)
	meta := MetadataFromContext(ctx)
	if meta.TenantID != tenant.ID || meta.UserID != tenant.UserID {
		t.Fatalf("metadata does not carry tenant context: %+v", meta)
	}
	if meta.Timestamp.IsZero() || time.Since(meta.Timestamp) > time.Minute {
		t.Fatalf("unexpected timestamp %v", meta.Timestamp)
	}

	if empty := MetadataFromContext(context.Background()); empty.TenantID != uuid.Nil {
		t.Fatalf("expected zero metadata without tenant context")
	}
}
