// Package saga orchestrates VM provisioning: it drives the vsphere port,
// persists every stage transition as it happens, and compensates partially
// created VMs on failure. The saga itself holds no state between runs; the
// aggregate's status is the only source of truth, so a crashed run can be
// re-dispatched safely.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vm-provision-portal/core/internal/domain"
	"vm-provision-portal/core/internal/es"
	"vm-provision-portal/core/internal/vsphere"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/metricsx"
	"vm-provision-portal/shared/tenantx"
)

// ConfigSource resolves a tenant's VMware connection configuration.
// Implemented by repos.VMwareConfigRepo.
type ConfigSource interface {
	FindConfig(ctx context.Context, tenantID uuid.UUID) (vsphere.Config, bool, error)
}

// Telemetry receives per-stage timing points. Implemented by influxx.Client.
type Telemetry interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

const (
	OutcomeSucceeded     = "succeeded"
	OutcomeFailed        = "failed"
	OutcomeConfigMissing = "config_missing"
	OutcomeNoop          = "noop"
)

// Provisioner runs the provisioning saga for one VM at a time.
type Provisioner struct {
	Repo      *es.Repository
	Configs   ConfigSource
	Port      vsphere.Port
	Log       logx.Logger
	Telemetry Telemetry
	Now       func() time.Time
}

func (p *Provisioner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// Run executes the saga for vmID. The tenant context must already be set; the
// config lookup and every event append are scoped to it.
//
// Outcomes:
//   - aggregate already terminal: no-op, nil
//   - tenant has no VMware configuration: the VM is failed synchronously and
//     the backend is never called
//   - creation fails after at least one stage fired with a partially created
//     VM: exactly one compensating delete, then the VM is failed with the
//     error's retriable flag
//
// A non-nil return means the run did not reach a terminal decision (transport
// or persistence trouble) and may be re-dispatched.
func (p *Provisioner) Run(ctx context.Context, vmID uuid.UUID) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}

	vm := domain.NewVM(vmID)
	found, err := p.Repo.Load(ctx, vm)
	if err != nil {
		return fmt.Errorf("load vm %s: %w", vmID, err)
	}
	if !found {
		return fmt.Errorf("vm %s not found", vmID)
	}
	if vm.Terminal() {
		p.Log.Info(ctx, "saga_noop", "vm already terminal, nothing to do",
			slog.String("vm_id", vmID.String()),
			slog.String("status", string(vm.Status)),
		)
		metricsx.IncSagaOutcome(OutcomeNoop)
		return nil
	}

	cfg, ok, err := p.Configs.FindConfig(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("resolve vmware config: %w", err)
	}
	if !ok {
		return p.failVM(ctx, vm, string(vsphere.CodeInvalidConfiguration), "VMware configuration missing", false, OutcomeConfigMissing)
	}

	spec := vsphere.CreateSpec{
		Name:     vm.Name,
		Template: vm.Template,
		CPU:      vm.CPU,
		MemoryGB: vm.MemoryGB,
	}

	stagesFired := 0
	stageStart := p.now()
	var persistErr error
	onStage := func(stage vsphere.Stage) {
		if persistErr != nil {
			return
		}
		stagesFired++
		p.recordStageTiming(ctx, tenant.ID, vm.Stage, stageStart)
		stageStart = p.now()

		if err := vm.UpdateProgress(ctx, domain.Stage(stage)); err != nil {
			persistErr = err
			return
		}
		if _, err := p.Repo.Save(ctx, vm); err != nil {
			persistErr = fmt.Errorf("persist stage %s: %w", stage, err)
		}
	}

	result, createErr := p.Port.CreateVM(ctx, cfg, spec, onStage)

	if persistErr != nil {
		// The backend may have finished regardless; the aggregate is left
		// PROVISIONING for a re-dispatch to reconcile.
		p.Log.Error(ctx, "saga_stage_persist_failed", "failed to persist stage transition",
			slog.String("vm_id", vmID.String()),
			slog.String("error", persistErr.Error()),
		)
		return persistErr
	}

	if createErr != nil {
		var vsErr *vsphere.Error
		if !errors.As(createErr, &vsErr) {
			return fmt.Errorf("create vm %s: %w", vmID, createErr)
		}
		metricsx.IncVsphereError(string(vsErr.Code))

		if stagesFired > 0 && vsErr.CreatedVMID != "" {
			p.compensate(ctx, cfg, vmID, vsErr.CreatedVMID)
		}
		if err := vm.MarkFailed(ctx, string(vsErr.Code), vsErr.Message, vsErr.Retriable(), vm.RetryCount+1, p.now()); err != nil {
			return err
		}
		if _, err := p.Repo.Save(ctx, vm); err != nil {
			return fmt.Errorf("persist failure: %w", err)
		}
		metricsx.IncSagaOutcome(OutcomeFailed)
		p.Log.Warn(ctx, "saga_failed", "provisioning failed",
			slog.String("vm_id", vmID.String()),
			slog.String("error_code", string(vsErr.Code)),
			slog.Bool("retriable", vsErr.Retriable()),
		)
		return nil
	}

	if err := vm.MarkProvisioned(ctx, result.VMwareVMID, result.IPAddress, result.Hostname, result.Warning); err != nil {
		return err
	}
	if _, err := p.Repo.Save(ctx, vm); err != nil {
		return fmt.Errorf("persist success: %w", err)
	}
	metricsx.IncSagaOutcome(OutcomeSucceeded)
	p.Log.Info(ctx, "saga_succeeded", "vm provisioned",
		slog.String("vm_id", vmID.String()),
		slog.String("vmware_vm_id", result.VMwareVMID),
	)
	return nil
}

// failVM records a terminal failure without ever touching the backend.
func (p *Provisioner) failVM(ctx context.Context, vm *domain.VM, code string, message string, retriable bool, outcome string) error {
	if err := vm.MarkFailed(ctx, code, message, retriable, vm.RetryCount+1, p.now()); err != nil {
		return err
	}
	if _, err := p.Repo.Save(ctx, vm); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	metricsx.IncSagaOutcome(outcome)
	p.Log.Warn(ctx, "saga_failed_fast", message,
		slog.String("vm_id", vm.ID().String()),
		slog.String("error_code", code),
	)
	return nil
}

// compensate deletes a partially created VM. A failed delete is logged for
// operator follow-up; the saga still fails the aggregate.
func (p *Provisioner) compensate(ctx context.Context, cfg vsphere.Config, vmID uuid.UUID, createdVMID string) {
	if err := p.Port.DeleteVM(ctx, cfg, createdVMID); err != nil {
		metricsx.IncCompensation("failed")
		p.Log.Error(ctx, "saga_compensation_failed", "failed to delete partially created vm",
			slog.String("vm_id", vmID.String()),
			slog.String("vmware_vm_id", createdVMID),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncCompensation("ok")
	p.Log.Info(ctx, "saga_compensated", "deleted partially created vm",
		slog.String("vm_id", vmID.String()),
		slog.String("vmware_vm_id", createdVMID),
	)
}

func (p *Provisioner) recordStageTiming(ctx context.Context, tenantID uuid.UUID, finished domain.Stage, startedAt time.Time) {
	d := p.now().Sub(startedAt)
	metricsx.ObserveStageDuration(string(finished), d)
	if p.Telemetry == nil {
		return
	}
	err := p.Telemetry.WritePoint(ctx, "provisioning_stage",
		map[string]string{"tenant_id": tenantID.String(), "stage": string(finished)},
		map[string]any{"duration_ms": d.Milliseconds()},
		p.now(),
	)
	if err != nil {
		p.Log.Warn(ctx, "stage_telemetry_failed", "failed to write stage timing",
			slog.String("error", err.Error()),
		)
	}
}
