package saga

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"vm-provision-portal/core/internal/domain"
	"vm-provision-portal/core/internal/es"
	"vm-provision-portal/core/internal/vsphere"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/tenantx"
)

type fakeConfigs struct {
	cfg   vsphere.Config
	found bool
	err   error
	calls int
}

func (f *fakeConfigs) FindConfig(ctx context.Context, tenantID uuid.UUID) (vsphere.Config, bool, error) {
	f.calls++
	return f.cfg, f.found, f.err
}

// fakePort scripts the backend: it fires the configured stages, then either
// succeeds or returns the configured error.
type fakePort struct {
	stages      []vsphere.Stage
	result      vsphere.CreateResult
	createErr   error
	deleteErr   error
	createCalls int
	deleted     []string
}

func (f *fakePort) CreateVM(ctx context.Context, cfg vsphere.Config, spec vsphere.CreateSpec, onStage func(vsphere.Stage)) (vsphere.CreateResult, error) {
	f.createCalls++
	for _, s := range f.stages {
		onStage(s)
	}
	if f.createErr != nil {
		return vsphere.CreateResult{}, f.createErr
	}
	return f.result, nil
}

func (f *fakePort) DeleteVM(ctx context.Context, cfg vsphere.Config, vmID string) error {
	f.deleted = append(f.deleted, vmID)
	return f.deleteErr
}

func sagaTenantCtx(t *testing.T) (context.Context, uuid.UUID) {
	t.Helper()
	tenantID := uuid.New()
	ctx := tenantx.WithTenant(context.Background(), tenantx.TenantContext{
		ID:     tenantID,
		UserID: uuid.New(),
	})
	return ctx, tenantID
}

func newTestProvisioner(port *fakePort, configs *fakeConfigs) (*Provisioner, *es.MemoryStore) {
	store := es.NewMemoryStore(domain.Codec{})
	repo := &es.Repository{
		Events:        store,
		Snapshots:     store.Snapshots(),
		Codec:         domain.Codec{},
		SnapshotEvery: 100,
		Log:           logx.New("saga-test", "test", "", "error"),
	}
	return &Provisioner{
		Repo:    repo,
		Configs: configs,
		Port:    port,
		Log:     repo.Log,
		Now:     func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}, store
}

func startVM(t *testing.T, ctx context.Context, p *Provisioner) uuid.UUID {
	t.Helper()
	vm := domain.NewVM(uuid.New())
	if err := vm.StartProvisioning(ctx, uuid.New(), uuid.New(), "web-01", 4, 16, "ubuntu-22.04"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := p.Repo.Save(ctx, vm); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	return vm.ID()
}

func loadVM(t *testing.T, ctx context.Context, p *Provisioner, id uuid.UUID) *domain.VM {
	t.Helper()
	vm := domain.NewVM(id)
	found, err := p.Repo.Load(ctx, vm)
	if err != nil || !found {
		t.Fatalf("load failed: found=%v err=%v", found, err)
	}
	return vm
}

func allStages() []vsphere.Stage {
	return []vsphere.Stage{
		vsphere.StageCloning, vsphere.StageConfiguring, vsphere.StagePoweringOn,
		vsphere.StageWaitingForNetwork, vsphere.StageReady,
	}
}

func TestRunSuccessPath(t *testing.T) {
	ctx, _ := sagaTenantCtx(t)
	ip := "10.0.0.12"
	port := &fakePort{
		stages: allStages(),
		result: vsphere.CreateResult{VMwareVMID: "vm-9001", IPAddress: &ip, Hostname: "web-01.corp"},
	}
	p, _ := newTestProvisioner(port, &fakeConfigs{found: true})
	vmID := startVM(t, ctx, p)

	if err := p.Run(ctx, vmID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	vm := loadVM(t, ctx, p, vmID)
	if vm.Status != domain.VMStatusReady {
		t.Fatalf("expected READY, got %s", vm.Status)
	}
	// start + 5 stage updates + provisioned
	if vm.Version() != 7 {
		t.Fatalf("expected version 7, got %d", vm.Version())
	}
	if vm.VMwareVMID != "vm-9001" || vm.IPAddress == nil || *vm.IPAddress != ip {
		t.Fatalf("unexpected result fields: id=%s ip=%v", vm.VMwareVMID, vm.IPAddress)
	}
	if len(port.deleted) != 0 {
		t.Fatalf("success must not trigger a compensating delete")
	}
}

// probePort invokes probe between stage callbacks, while CreateVM is still
// in flight.
type probePort struct {
	fakePort
	probe func(ctx context.Context)
}

func (f *probePort) CreateVM(ctx context.Context, cfg vsphere.Config, spec vsphere.CreateSpec, onStage func(vsphere.Stage)) (vsphere.CreateResult, error) {
	f.createCalls++
	for _, s := range f.stages {
		onStage(s)
		f.probe(ctx)
	}
	if f.createErr != nil {
		return vsphere.CreateResult{}, f.createErr
	}
	return f.result, nil
}

func TestRunStagesPersistedAsTheyHappen(t *testing.T) {
	ctx, _ := sagaTenantCtx(t)

	port := &probePort{fakePort: fakePort{
		stages: []vsphere.Stage{vsphere.StageCloning, vsphere.StageConfiguring},
		result: vsphere.CreateResult{VMwareVMID: "vm-1", Hostname: "h"},
	}}
	p, _ := newTestProvisioner(&port.fakePort, &fakeConfigs{found: true})
	p.Port = port
	vmID := startVM(t, ctx, p)

	// After each stage callback returns, its event must already be readable
	// by an independent loader.
	var versions []int64
	port.probe = func(ctx context.Context) {
		vm := domain.NewVM(vmID)
		if _, err := p.Repo.Load(ctx, vm); err != nil {
			t.Fatalf("mid-run load failed: %v", err)
		}
		versions = append(versions, vm.Version())
	}

	if err := p.Run(ctx, vmID); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(versions) != 2 || versions[0] != 2 || versions[1] != 3 {
		t.Fatalf("expected stage events visible mid-run at versions [2 3], got %v", versions)
	}
}

func TestRunConfigMissingFailsFast(t *testing.T) {
	ctx, _ := sagaTenantCtx(t)
	port := &fakePort{}
	p, _ := newTestProvisioner(port, &fakeConfigs{found: false})
	vmID := startVM(t, ctx, p)

	if err := p.Run(ctx, vmID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if port.createCalls != 0 {
		t.Fatalf("backend must never be called without a configuration")
	}
	vm := loadVM(t, ctx, p, vmID)
	if vm.Status != domain.VMStatusFailed {
		t.Fatalf("expected FAILED, got %s", vm.Status)
	}
	if vm.ErrorMessage != "VMware configuration missing" {
		t.Fatalf("unexpected error message %q", vm.ErrorMessage)
	}
	if vm.Retriable {
		t.Fatalf("missing configuration is not retriable")
	}
}

func TestRunPartialFailureCompensatesExactlyOnce(t *testing.T) {
	ctx, _ := sagaTenantCtx(t)
	port := &fakePort{
		stages: []vsphere.Stage{vsphere.StageCloning, vsphere.StageConfiguring},
		createErr: &vsphere.Error{
			Code:        vsphere.CodeTimeout,
			Message:     "power-on timed out",
			CreatedVMID: "vm-partial-7",
		},
	}
	p, _ := newTestProvisioner(port, &fakeConfigs{found: true})
	vmID := startVM(t, ctx, p)

	if err := p.Run(ctx, vmID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(port.deleted) != 1 || port.deleted[0] != "vm-partial-7" {
		t.Fatalf("expected exactly one compensating delete of vm-partial-7, got %v", port.deleted)
	}
	vm := loadVM(t, ctx, p, vmID)
	if vm.Status != domain.VMStatusFailed {
		t.Fatalf("expected FAILED, got %s", vm.Status)
	}
	if vm.ErrorCode != string(vsphere.CodeTimeout) || !vm.Retriable {
		t.Fatalf("timeout must be recorded retriable: code=%s retriable=%v", vm.ErrorCode, vm.Retriable)
	}
	if vm.RetryCount < 1 {
		t.Fatalf("expected retry count >= 1, got %d", vm.RetryCount)
	}
	if vm.LastAttemptAt == nil {
		t.Fatalf("expected last attempt timestamp")
	}
}

func TestRunImmediateFailureSkipsCompensation(t *testing.T) {
	ctx, _ := sagaTenantCtx(t)
	port := &fakePort{
		createErr: &vsphere.Error{
			Code:    vsphere.CodeAuthenticationFailed,
			Message: "vCenter rejected credentials",
		},
	}
	p, _ := newTestProvisioner(port, &fakeConfigs{found: true})
	vmID := startVM(t, ctx, p)

	if err := p.Run(ctx, vmID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(port.deleted) != 0 {
		t.Fatalf("no stage fired, nothing to compensate: got %v", port.deleted)
	}
	vm := loadVM(t, ctx, p, vmID)
	if vm.Status != domain.VMStatusFailed || vm.Retriable {
		t.Fatalf("auth failure must be terminal and non-retriable: status=%s retriable=%v", vm.Status, vm.Retriable)
	}
}

func TestRunFailedCompensationStillFailsAggregate(t *testing.T) {
	ctx, _ := sagaTenantCtx(t)
	port := &fakePort{
		stages: []vsphere.Stage{vsphere.StageCloning},
		createErr: &vsphere.Error{
			Code:        vsphere.CodeConnectionError,
			Message:     "bridge unreachable",
			CreatedVMID: "vm-orphan-3",
		},
		deleteErr: &vsphere.Error{Code: vsphere.CodeConnectionError, Message: "still unreachable"},
	}
	p, _ := newTestProvisioner(port, &fakeConfigs{found: true})
	vmID := startVM(t, ctx, p)

	if err := p.Run(ctx, vmID); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(port.deleted) != 1 {
		t.Fatalf("expected one delete attempt, got %v", port.deleted)
	}
	vm := loadVM(t, ctx, p, vmID)
	if vm.Status != domain.VMStatusFailed {
		t.Fatalf("aggregate must fail even when compensation fails, got %s", vm.Status)
	}
}

func TestRunTerminalAggregateIsNoop(t *testing.T) {
	ctx, _ := sagaTenantCtx(t)
	ip := "10.0.0.5"
	port := &fakePort{
		stages: allStages(),
		result: vsphere.CreateResult{VMwareVMID: "vm-1", IPAddress: &ip, Hostname: "h"},
	}
	configs := &fakeConfigs{found: true}
	p, _ := newTestProvisioner(port, configs)
	vmID := startVM(t, ctx, p)

	if err := p.Run(ctx, vmID); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	versionAfterFirst := loadVM(t, ctx, p, vmID).Version()

	// A duplicate dispatch after success must not touch the backend again.
	if err := p.Run(ctx, vmID); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if port.createCalls != 1 {
		t.Fatalf("expected one backend call, got %d", port.createCalls)
	}
	if got := loadVM(t, ctx, p, vmID).Version(); got != versionAfterFirst {
		t.Fatalf("no-op run must append nothing: %d != %d", got, versionAfterFirst)
	}
}

func TestRunUnknownVM(t *testing.T) {
	ctx, _ := sagaTenantCtx(t)
	p, _ := newTestProvisioner(&fakePort{}, &fakeConfigs{found: true})
	if err := p.Run(ctx, uuid.New()); err == nil {
		t.Fatalf("expected error for unknown vm")
	}
}

func TestRunWithoutTenant(t *testing.T) {
	p, _ := newTestProvisioner(&fakePort{}, &fakeConfigs{found: true})
	if err := p.Run(context.Background(), uuid.New()); err == nil {
		t.Fatalf("expected tenant requirement error")
	}
}
