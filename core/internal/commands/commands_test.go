package commands

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"vm-provision-portal/core/internal/domain"
	"vm-provision-portal/core/internal/es"
	"vm-provision-portal/shared/events"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/tenantx"
)

func newTestHandler() *Handler {
	store := es.NewMemoryStore(domain.Codec{})
	return &Handler{Repo: &es.Repository{
		Events:        store,
		Snapshots:     store.Snapshots(),
		Codec:         domain.Codec{},
		SnapshotEvery: 100,
		Log:           logx.New("commands-test", "test", "", "error"),
	}}
}

func cmdTenantCtx(t *testing.T) context.Context {
	t.Helper()
	return tenantx.WithTenant(context.Background(), tenantx.TenantContext{
		ID:     uuid.New(),
		UserID: uuid.New(),
	})
}

func provisionTask() events.ProvisionVMTask {
	return events.ProvisionVMTask{
		VMID:      uuid.New(),
		RequestID: uuid.New(),
		ProjectID: uuid.New(),
		Name:      "web-01",
		CPU:       4,
		MemoryGB:  16,
		Template:  "ubuntu-22.04",
	}
}

func TestBeginProvisioningStartsStream(t *testing.T) {
	ctx := cmdTenantCtx(t)
	h := newTestHandler()
	task := provisionTask()

	vm, err := h.BeginProvisioning(ctx, task)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if vm.Version() != 1 || vm.Status != domain.VMStatusProvisioning {
		t.Fatalf("unexpected state: version=%d status=%s", vm.Version(), vm.Status)
	}
	if vm.RequestID != task.RequestID || vm.Name != "web-01" {
		t.Fatalf("request fields not carried into the aggregate")
	}
}

func TestBeginProvisioningRedeliveryAppendsNothing(t *testing.T) {
	ctx := cmdTenantCtx(t)
	h := newTestHandler()
	task := provisionTask()

	if _, err := h.BeginProvisioning(ctx, task); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	vm, err := h.BeginProvisioning(ctx, task)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if vm.Version() != 1 {
		t.Fatalf("redelivery must not append, got version %d", vm.Version())
	}
}

func TestBeginProvisioningRequiresTenant(t *testing.T) {
	h := newTestHandler()
	if _, err := h.BeginProvisioning(context.Background(), provisionTask()); err == nil {
		t.Fatalf("expected tenant requirement error")
	}
}

func TestProjectLifecycleCommands(t *testing.T) {
	ctx := cmdTenantCtx(t)
	h := newTestHandler()
	id := uuid.New()

	steps := []events.ProjectCommandTask{
		{ProjectID: id, Command: ProjectCommandCreate, Name: "infra"},
		{ProjectID: id, Command: ProjectCommandArchive},
		{ProjectID: id, Command: ProjectCommandUnarchive},
	}
	for _, task := range steps {
		if err := h.ApplyProjectCommand(ctx, task); err != nil {
			t.Fatalf("%s failed: %v", task.Command, err)
		}
	}

	project := domain.NewProject(id)
	if _, err := h.Repo.Load(ctx, project); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if project.Status != domain.ProjectStatusActive || project.Version() != 3 {
		t.Fatalf("unexpected project state: status=%s version=%d", project.Status, project.Version())
	}
}

func TestProjectArchiveIdempotentAcrossDeliveries(t *testing.T) {
	ctx := cmdTenantCtx(t)
	h := newTestHandler()
	id := uuid.New()

	if err := h.ApplyProjectCommand(ctx, events.ProjectCommandTask{ProjectID: id, Command: ProjectCommandCreate, Name: "infra"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := h.ApplyProjectCommand(ctx, events.ProjectCommandTask{ProjectID: id, Command: ProjectCommandArchive}); err != nil {
			t.Fatalf("archive delivery %d failed: %v", i, err)
		}
	}

	project := domain.NewProject(id)
	if _, err := h.Repo.Load(ctx, project); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if project.Status != domain.ProjectStatusArchived || project.Version() != 2 {
		t.Fatalf("repeated archive must no-op: status=%s version=%d", project.Status, project.Version())
	}
}

func TestProjectCommandsOnMissingProject(t *testing.T) {
	ctx := cmdTenantCtx(t)
	h := newTestHandler()

	if err := h.ApplyProjectCommand(ctx, events.ProjectCommandTask{ProjectID: uuid.New(), Command: ProjectCommandArchive}); err == nil {
		t.Fatalf("archive of missing project must fail")
	}
	if err := h.ApplyProjectCommand(ctx, events.ProjectCommandTask{ProjectID: uuid.New(), Command: "destroy"}); err == nil {
		t.Fatalf("unknown command must fail")
	}
}
