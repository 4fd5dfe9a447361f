package projection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"vm-provision-portal/api/internal/models"
	"vm-provision-portal/shared/events"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/tenantx"
	"vm-provision-portal/shared/workflow"
)

type fakeVMs struct {
	records map[uuid.UUID]models.VMRecord
}

func newFakeVMs() *fakeVMs {
	return &fakeVMs{records: map[uuid.UUID]models.VMRecord{}}
}

func (f *fakeVMs) ApplyStarted(ctx context.Context, rec models.VMRecord) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	rec.TenantID = tenant.ID
	if _, exists := f.records[rec.VMID]; !exists {
		f.records[rec.VMID] = rec
	}
	return nil
}

func (f *fakeVMs) ApplyStage(ctx context.Context, vmID uuid.UUID, stage string, version int64) error {
	rec, ok := f.records[vmID]
	if !ok || rec.Version >= version {
		return nil
	}
	rec.Stage = stage
	rec.Version = version
	f.records[vmID] = rec
	return nil
}

func (f *fakeVMs) ApplyProvisioned(ctx context.Context, vmID uuid.UUID, update models.VMRecord) error {
	rec, ok := f.records[vmID]
	if !ok || rec.Version >= update.Version {
		return nil
	}
	rec.Status = update.Status
	rec.Stage = update.Stage
	rec.VMwareVMID = update.VMwareVMID
	rec.IPAddress = update.IPAddress
	rec.Hostname = update.Hostname
	rec.WarningMessage = update.WarningMessage
	rec.Version = update.Version
	f.records[vmID] = rec
	return nil
}

func (f *fakeVMs) ApplyFailed(ctx context.Context, vmID uuid.UUID, update models.VMRecord) error {
	rec, ok := f.records[vmID]
	if !ok || rec.Version >= update.Version {
		return nil
	}
	rec.Status = update.Status
	rec.ErrorCode = update.ErrorCode
	rec.ErrorMessage = update.ErrorMessage
	rec.Retriable = update.Retriable
	rec.RetryCount = update.RetryCount
	rec.Version = update.Version
	f.records[vmID] = rec
	return nil
}

func (f *fakeVMs) Get(ctx context.Context, vmID uuid.UUID) (models.VMRecord, error) {
	rec, ok := f.records[vmID]
	if !ok {
		return models.VMRecord{}, errors.New("no record")
	}
	return rec, nil
}

type fakeProjects struct {
	statuses map[uuid.UUID]string
}

func (f *fakeProjects) ApplyCreated(ctx context.Context, projectID uuid.UUID, name string, version int64) error {
	f.statuses[projectID] = "ACTIVE"
	return nil
}

func (f *fakeProjects) ApplyStatus(ctx context.Context, projectID uuid.UUID, status string, version int64) error {
	f.statuses[projectID] = status
	return nil
}

type flip struct {
	requestID uuid.UUID
	from, to  string
}

type fakeRequests struct {
	flips []flip
}

func (f *fakeRequests) Transition(ctx context.Context, requestID uuid.UUID, from string, to string, decidedBy *uuid.UUID, reason *string, vmID *uuid.UUID) (models.VMRequest, error) {
	f.flips = append(f.flips, flip{requestID: requestID, from: from, to: to})
	return models.VMRequest{RequestID: requestID, Status: to}, nil
}

func newTestProjector() (*Projector, *fakeVMs, *fakeProjects, *fakeRequests) {
	vms := newFakeVMs()
	projects := &fakeProjects{statuses: map[uuid.UUID]string{}}
	requests := &fakeRequests{}
	return &Projector{
		VMs:      vms,
		Projects: projects,
		Requests: requests,
		Log:      logx.New("projection-test", "test", "", "error"),
	}, vms, projects, requests
}

func envelope(t *testing.T, tenantID uuid.UUID, aggregateID uuid.UUID, eventType string, version int64, payload any) events.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return events.Envelope{
		EventID:       uuid.New(),
		TenantID:      tenantID,
		AggregateType: "vm",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Version:       version,
		Payload:       raw,
	}
}

func TestApplyVMLifecycle(t *testing.T) {
	p, vms, _, requests := newTestProjector()
	ctx := context.Background()
	tenantID, vmID, requestID := uuid.New(), uuid.New(), uuid.New()
	ip := "10.0.0.9"

	seq := []events.Envelope{
		envelope(t, tenantID, vmID, eventVMStarted, 1, startedPayload{
			RequestID: requestID, ProjectID: uuid.New(), Name: "web-01", CPU: 4, MemoryGB: 16, Template: "ubuntu-22.04",
		}),
		envelope(t, tenantID, vmID, eventVMProgress, 2, progressPayload{Stage: "CONFIGURING"}),
		envelope(t, tenantID, vmID, eventVMProvisioned, 3, provisionedPayload{
			VMwareVMID: "vm-100", IPAddress: &ip, Hostname: "web-01.corp",
		}),
	}
	for _, env := range seq {
		if err := p.Apply(ctx, env); err != nil {
			t.Fatalf("apply %s failed: %v", env.EventType, err)
		}
	}

	rec := vms.records[vmID]
	if rec.Status != vmStatusReady || rec.Stage != stageReady || rec.Version != 3 {
		t.Fatalf("unexpected record: status=%s stage=%s version=%d", rec.Status, rec.Stage, rec.Version)
	}
	if rec.IPAddress == nil || *rec.IPAddress != ip {
		t.Fatalf("ip not projected")
	}
	if rec.TenantID != tenantID {
		t.Fatalf("tenant not carried into the row")
	}

	if len(requests.flips) != 2 {
		t.Fatalf("expected 2 request flips, got %v", requests.flips)
	}
	if requests.flips[0].to != workflow.RequestStatusProvisioning || requests.flips[1].to != workflow.RequestStatusReady {
		t.Fatalf("unexpected flip order: %v", requests.flips)
	}
}

func TestApplyFailedEventFlipsRequest(t *testing.T) {
	p, vms, _, requests := newTestProjector()
	ctx := context.Background()
	tenantID, vmID := uuid.New(), uuid.New()

	if err := p.Apply(ctx, envelope(t, tenantID, vmID, eventVMStarted, 1, startedPayload{RequestID: uuid.New(), Name: "db-01"})); err != nil {
		t.Fatalf("apply started failed: %v", err)
	}
	if err := p.Apply(ctx, envelope(t, tenantID, vmID, eventVMFailed, 2, failedPayload{
		ErrorCode: "TIMEOUT", ErrorMessage: "power-on timed out", Retriable: true, RetryCount: 1,
	})); err != nil {
		t.Fatalf("apply failed-event failed: %v", err)
	}

	rec := vms.records[vmID]
	if rec.Status != vmStatusFailed || rec.ErrorCode == nil || *rec.ErrorCode != "TIMEOUT" || !rec.Retriable {
		t.Fatalf("failure not projected: %+v", rec)
	}
	last := requests.flips[len(requests.flips)-1]
	if last.to != workflow.RequestStatusFailed {
		t.Fatalf("request must flip to failed, got %s", last.to)
	}
}

func TestApplyRedeliveryIsIdempotent(t *testing.T) {
	p, vms, _, _ := newTestProjector()
	ctx := context.Background()
	tenantID, vmID := uuid.New(), uuid.New()

	stage := envelope(t, tenantID, vmID, eventVMProgress, 2, progressPayload{Stage: "POWERING_ON"})
	if err := p.Apply(ctx, envelope(t, tenantID, vmID, eventVMStarted, 1, startedPayload{RequestID: uuid.New(), Name: "web"})); err != nil {
		t.Fatalf("apply started failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Apply(ctx, stage); err != nil {
			t.Fatalf("redelivery %d failed: %v", i, err)
		}
	}
	// An older event arriving late must not regress the row.
	if err := p.Apply(ctx, envelope(t, tenantID, vmID, eventVMProgress, 1, progressPayload{Stage: "CLONING"})); err != nil {
		t.Fatalf("late event failed: %v", err)
	}

	rec := vms.records[vmID]
	if rec.Stage != "POWERING_ON" || rec.Version != 2 {
		t.Fatalf("projection regressed: stage=%s version=%d", rec.Stage, rec.Version)
	}
}

func TestApplyProjectEvents(t *testing.T) {
	p, _, projects, _ := newTestProjector()
	ctx := context.Background()
	tenantID, projectID := uuid.New(), uuid.New()

	if err := p.Apply(ctx, envelope(t, tenantID, projectID, eventProjectCreated, 1, projectCreatedPayload{Name: "infra"})); err != nil {
		t.Fatalf("apply created failed: %v", err)
	}
	if err := p.Apply(ctx, envelope(t, tenantID, projectID, eventProjectArchived, 2, struct{}{})); err != nil {
		t.Fatalf("apply archived failed: %v", err)
	}
	if projects.statuses[projectID] != "ARCHIVED" {
		t.Fatalf("project status not projected: %s", projects.statuses[projectID])
	}
}

func TestApplyRejectsTenantlessEnvelope(t *testing.T) {
	p, _, _, _ := newTestProjector()
	env := envelope(t, uuid.New(), uuid.New(), eventVMStarted, 1, startedPayload{})
	env.TenantID = uuid.Nil
	if err := p.Apply(context.Background(), env); err == nil {
		t.Fatalf("tenantless envelope must be rejected")
	}
}

func TestApplyUnknownEventTypeIsSkipped(t *testing.T) {
	p, _, _, _ := newTestProjector()
	env := envelope(t, uuid.New(), uuid.New(), "vm.rebooted", 9, struct{}{})
	if err := p.Apply(context.Background(), env); err != nil {
		t.Fatalf("unknown event must be skipped, got %v", err)
	}
}
