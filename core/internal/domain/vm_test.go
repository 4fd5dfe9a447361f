package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"vm-provision-portal/core/internal/es"
	"vm-provision-portal/shared/tenantx"
)

func tenantCtx(t *testing.T) context.Context {
	t.Helper()
	return tenantx.WithTenant(context.Background(), tenantx.TenantContext{
		ID:     uuid.New(),
		UserID: uuid.New(),
	})
}

func startedVM(t *testing.T, ctx context.Context) *VM {
	t.Helper()
	vm := NewVM(uuid.New())
	if err := vm.StartProvisioning(ctx, uuid.New(), uuid.New(), "vm-a", 4, 16, "ubuntu-22.04"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return vm
}

func TestSuccessPathFullLifecycle(t *testing.T) {
	ctx := tenantCtx(t)
	vm := NewVM(uuid.New())
	reqID, projID := uuid.New(), uuid.New()

	if err := vm.StartProvisioning(ctx, reqID, projID, "vm-a", 8, 32, "ubuntu-22.04"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if vm.Status != VMStatusProvisioning || vm.Stage != StageCloning {
		t.Fatalf("expected PROVISIONING/CLONING, got %s/%s", vm.Status, vm.Stage)
	}

	for _, stage := range []Stage{StageCloning, StageConfiguring, StagePoweringOn, StageWaitingForNetwork} {
		if err := vm.UpdateProgress(ctx, stage); err != nil {
			t.Fatalf("progress %s failed: %v", stage, err)
		}
	}

	ip := "192.168.1.100"
	if err := vm.MarkProvisioned(ctx, "vm-100", &ip, "vm-a", nil); err != nil {
		t.Fatalf("mark provisioned failed: %v", err)
	}

	if vm.Status != VMStatusReady {
		t.Fatalf("expected READY, got %s", vm.Status)
	}
	if vm.Version() != 6 {
		t.Fatalf("expected version 6 (1 start + 4 progress + 1 provisioned), got %d", vm.Version())
	}

	events := vm.UncommittedEvents()
	wantTypes := []string{
		EventVMProvisioningStarted,
		EventVMProvisioningProgressUpdated,
		EventVMProvisioningProgressUpdated,
		EventVMProvisioningProgressUpdated,
		EventVMProvisioningProgressUpdated,
		EventVMProvisioned,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, ev := range events {
		if ev.EventType() != wantTypes[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantTypes[i], ev.EventType())
		}
	}
	if vm.IPAddress == nil || *vm.IPAddress != ip {
		t.Fatalf("ip not applied: %v", vm.IPAddress)
	}
}

func TestUpdateProgressAfterTerminalIsIllegal(t *testing.T) {
	ctx := tenantCtx(t)

	ready := startedVM(t, ctx)
	if err := ready.MarkProvisioned(ctx, "vm-1", nil, "vm-a", strPtr("network detection timed out")); err != nil {
		t.Fatalf("mark provisioned failed: %v", err)
	}
	var illegal *IllegalStateError
	if err := ready.UpdateProgress(ctx, StageConfiguring); !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError after READY, got %v", err)
	}

	failed := startedVM(t, ctx)
	if err := failed.MarkFailed(ctx, "TIMEOUT", "timed out", true, 1, time.Now().UTC()); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}
	if err := failed.UpdateProgress(ctx, StageCloning); !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError after FAILED, got %v", err)
	}
}

func TestTerminalTransitionsOnlyFromProvisioning(t *testing.T) {
	ctx := tenantCtx(t)
	var illegal *IllegalStateError

	vm := startedVM(t, ctx)
	if err := vm.MarkProvisioned(ctx, "vm-1", nil, "vm-a", nil); err != nil {
		t.Fatalf("mark provisioned failed: %v", err)
	}
	if err := vm.MarkProvisioned(ctx, "vm-2", nil, "vm-a", nil); !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError on second MarkProvisioned, got %v", err)
	}
	if err := vm.MarkFailed(ctx, "X", "x", false, 0, time.Now()); !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError on MarkFailed after READY, got %v", err)
	}

	fresh := NewVM(uuid.New())
	if err := fresh.MarkProvisioned(ctx, "vm-1", nil, "vm-a", nil); !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError on MarkProvisioned before start, got %v", err)
	}
}

func TestStartProvisioningTwiceIsIllegal(t *testing.T) {
	ctx := tenantCtx(t)
	vm := startedVM(t, ctx)
	var illegal *IllegalStateError
	if err := vm.StartProvisioning(ctx, uuid.New(), uuid.New(), "vm-b", 2, 8, "t"); !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateError on second start, got %v", err)
	}
}

func TestUpdateProgressRejectsUnknownStage(t *testing.T) {
	ctx := tenantCtx(t)
	vm := startedVM(t, ctx)
	if err := vm.UpdateProgress(ctx, Stage("DEFRAGGING")); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestFailedEventCarriesRetryMetadata(t *testing.T) {
	ctx := tenantCtx(t)
	vm := startedVM(t, ctx)
	at := time.Now().UTC().Truncate(time.Second)

	if err := vm.MarkFailed(ctx, "CONNECTION_ERROR", "vcenter unreachable", true, 3, at); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}
	if vm.Status != VMStatusFailed || !vm.Retriable || vm.RetryCount != 3 {
		t.Fatalf("failure metadata not applied: %+v", vm)
	}
	if vm.LastAttemptAt == nil || !vm.LastAttemptAt.Equal(at) {
		t.Fatalf("last attempt not applied: %v", vm.LastAttemptAt)
	}
}

func TestReplayReproducesLiveState(t *testing.T) {
	ctx := tenantCtx(t)
	vm := startedVM(t, ctx)
	if err := vm.UpdateProgress(ctx, StageConfiguring); err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	ip := "10.0.0.7"
	warn := "vmware tools reported late"
	if err := vm.MarkProvisioned(ctx, "vm-77", &ip, "vm-a", &warn); err != nil {
		t.Fatalf("mark provisioned failed: %v", err)
	}

	replayed := NewVM(vm.ID())
	replayed.Replay(vm.UncommittedEvents())

	if replayed.Version() != vm.Version() {
		t.Fatalf("version mismatch: live=%d replayed=%d", vm.Version(), replayed.Version())
	}
	if replayed.Status != vm.Status || replayed.Stage != vm.Stage || replayed.VMwareVMID != vm.VMwareVMID {
		t.Fatalf("replayed state differs from live state")
	}
	if replayed.WarningMessage == nil || *replayed.WarningMessage != warn {
		t.Fatalf("warning not replayed: %v", replayed.WarningMessage)
	}
	if len(replayed.UncommittedEvents()) != 0 {
		t.Fatalf("replay must leave uncommitted empty")
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	ctx := tenantCtx(t)
	vm := startedVM(t, ctx)
	if err := vm.UpdateProgress(ctx, StagePoweringOn); err != nil {
		t.Fatalf("progress failed: %v", err)
	}

	state, err := vm.SnapshotState()
	if err != nil {
		t.Fatalf("snapshot state failed: %v", err)
	}
	restored := NewVM(vm.ID())
	if err := restored.RestoreSnapshot(vm.Version(), state); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.Version() != vm.Version() || restored.Status != vm.Status || restored.Stage != vm.Stage {
		t.Fatalf("snapshot roundtrip lost state")
	}
}

func TestCodecRoundtrip(t *testing.T) {
	ctx := tenantCtx(t)
	vm := startedVM(t, ctx)
	if err := vm.UpdateProgress(ctx, StageConfiguring); err != nil {
		t.Fatalf("progress failed: %v", err)
	}

	codec := Codec{}
	for i, ev := range vm.UncommittedEvents() {
		payload, err := codec.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal event %d: %v", i, err)
		}
		decoded, err := codec.Unmarshal(es.StoredEvent{
			AggregateID: vm.ID(),
			EventType:   ev.EventType(),
			Payload:     payload,
			Metadata:    ev.EventMetadata(),
		})
		if err != nil {
			t.Fatalf("unmarshal event %d: %v", i, err)
		}
		if decoded.EventType() != ev.EventType() || decoded.AggregateID() != vm.ID() {
			t.Fatalf("decoded event %d does not match original", i)
		}
	}

	if _, err := codec.Unmarshal(es.StoredEvent{EventType: "vm.exploded", Payload: []byte("{}")}); err == nil {
		t.Fatalf("expected error for unknown stored event type")
	}
}

func strPtr(s string) *string { return &s }
