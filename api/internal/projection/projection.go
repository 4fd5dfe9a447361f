// Package projection applies integration events from Kafka to the read-model
// tables. Applies are version-guarded, so redelivered or reordered events
// converge to the same rows.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"vm-provision-portal/api/internal/models"
	"vm-provision-portal/api/internal/repos"
	"vm-provision-portal/shared/events"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/tenantx"
	"vm-provision-portal/shared/workflow"
)

// Event type strings as the core emits them.
const (
	eventVMStarted     = "vm.provisioning_started"
	eventVMProgress    = "vm.provisioning_progress_updated"
	eventVMProvisioned = "vm.provisioned"
	eventVMFailed      = "vm.provisioning_failed"

	eventProjectCreated    = "project.created"
	eventProjectArchived   = "project.archived"
	eventProjectUnarchived = "project.unarchived"
)

const (
	vmStatusProvisioning = "PROVISIONING"
	vmStatusReady        = "READY"
	vmStatusFailed       = "FAILED"
	stageReady           = "READY"
	stageCloning         = "CLONING"
)

type VMWriter interface {
	ApplyStarted(ctx context.Context, rec models.VMRecord) error
	ApplyStage(ctx context.Context, vmID uuid.UUID, stage string, version int64) error
	ApplyProvisioned(ctx context.Context, vmID uuid.UUID, rec models.VMRecord) error
	ApplyFailed(ctx context.Context, vmID uuid.UUID, rec models.VMRecord) error
	Get(ctx context.Context, vmID uuid.UUID) (models.VMRecord, error)
}

type ProjectWriter interface {
	ApplyCreated(ctx context.Context, projectID uuid.UUID, name string, version int64) error
	ApplyStatus(ctx context.Context, projectID uuid.UUID, status string, version int64) error
}

type RequestTransitioner interface {
	Transition(ctx context.Context, requestID uuid.UUID, from string, to string, decidedBy *uuid.UUID, reason *string, vmID *uuid.UUID) (models.VMRequest, error)
}

type Projector struct {
	VMs      VMWriter
	Projects ProjectWriter
	Requests RequestTransitioner
	Log      logx.Logger
}

type startedPayload struct {
	RequestID uuid.UUID `json:"request_id"`
	ProjectID uuid.UUID `json:"project_id"`
	Name      string    `json:"name"`
	CPU       int       `json:"cpu"`
	MemoryGB  int       `json:"memory_gb"`
	Template  string    `json:"template"`
}

type progressPayload struct {
	Stage string `json:"stage"`
}

type provisionedPayload struct {
	VMwareVMID     string  `json:"vmware_vm_id"`
	IPAddress      *string `json:"ip_address"`
	Hostname       string  `json:"hostname"`
	WarningMessage *string `json:"warning_message"`
}

type failedPayload struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Retriable    bool   `json:"retriable"`
	RetryCount   int    `json:"retry_count"`
}

type projectCreatedPayload struct {
	Name string `json:"name"`
}

// Apply projects one envelope. An unknown event type is logged and skipped so
// that a newer core does not wedge the consumer; a decode failure of a known
// type is an error.
func (p *Projector) Apply(ctx context.Context, env events.Envelope) error {
	if env.TenantID == uuid.Nil {
		return fmt.Errorf("envelope %s has no tenant", env.EventID)
	}
	ctx = tenantx.WithTenant(ctx, tenantx.TenantContext{
		ID:            env.TenantID,
		CorrelationID: env.CorrelationID,
	})

	switch env.EventType {
	case eventVMStarted:
		var payload startedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		err := p.VMs.ApplyStarted(ctx, models.VMRecord{
			VMID:      env.AggregateID,
			RequestID: payload.RequestID,
			ProjectID: payload.ProjectID,
			Name:      payload.Name,
			CPU:       payload.CPU,
			MemoryGB:  payload.MemoryGB,
			Template:  payload.Template,
			Status:    vmStatusProvisioning,
			Stage:     stageCloning,
			Version:   env.Version,
		})
		if err != nil {
			return err
		}
		vmID := env.AggregateID
		p.flipRequest(ctx, payload.RequestID, workflow.RequestStatusApproved, workflow.RequestStatusProvisioning, &vmID, nil)
		return nil

	case eventVMProgress:
		var payload progressPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		return p.VMs.ApplyStage(ctx, env.AggregateID, payload.Stage, env.Version)

	case eventVMProvisioned:
		var payload provisionedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		vmwareVMID := payload.VMwareVMID
		hostname := payload.Hostname
		err := p.VMs.ApplyProvisioned(ctx, env.AggregateID, models.VMRecord{
			Status:         vmStatusReady,
			Stage:          stageReady,
			VMwareVMID:     &vmwareVMID,
			IPAddress:      payload.IPAddress,
			Hostname:       &hostname,
			WarningMessage: payload.WarningMessage,
			Version:        env.Version,
		})
		if err != nil {
			return err
		}
		p.flipRequestForVM(ctx, env.AggregateID, workflow.RequestStatusReady, nil)
		return nil

	case eventVMFailed:
		var payload failedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		errorCode := payload.ErrorCode
		errorMessage := payload.ErrorMessage
		err := p.VMs.ApplyFailed(ctx, env.AggregateID, models.VMRecord{
			Status:       vmStatusFailed,
			ErrorCode:    &errorCode,
			ErrorMessage: &errorMessage,
			Retriable:    payload.Retriable,
			RetryCount:   payload.RetryCount,
			Version:      env.Version,
		})
		if err != nil {
			return err
		}
		p.flipRequestForVM(ctx, env.AggregateID, workflow.RequestStatusFailed, &errorMessage)
		return nil

	case eventProjectCreated:
		var payload projectCreatedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		return p.Projects.ApplyCreated(ctx, env.AggregateID, payload.Name, env.Version)

	case eventProjectArchived:
		return p.Projects.ApplyStatus(ctx, env.AggregateID, "ARCHIVED", env.Version)

	case eventProjectUnarchived:
		return p.Projects.ApplyStatus(ctx, env.AggregateID, "ACTIVE", env.Version)

	default:
		p.Log.Warn(ctx, "projection_unknown_event", "skipping unknown event type",
			slog.String("event_type", env.EventType),
			slog.String("event_id", env.EventID.String()),
		)
		return nil
	}
}

func (p *Projector) flipRequest(ctx context.Context, requestID uuid.UUID, from string, to string, vmID *uuid.UUID, reason *string) {
	if p.Requests == nil || requestID == uuid.Nil {
		return
	}
	if _, err := p.Requests.Transition(ctx, requestID, from, to, nil, reason, vmID); err != nil {
		// A conflict just means the row was flipped already; anything else is
		// worth a warning, but the projection itself stays applied.
		if errors.Is(err, repos.ErrStatusConflict) || errors.Is(err, repos.ErrNotFound) {
			return
		}
		p.Log.Warn(ctx, "request_flip_failed", "failed to update request status",
			slog.String("request_id", requestID.String()),
			slog.String("to", to),
			slog.String("error", err.Error()),
		)
	}
}

// flipRequestForVM resolves the request through the vms read model row that
// ApplyStarted wrote earlier.
func (p *Projector) flipRequestForVM(ctx context.Context, vmID uuid.UUID, to string, reason *string) {
	rec, err := p.VMs.Get(ctx, vmID)
	if err != nil {
		return
	}
	p.flipRequest(ctx, rec.RequestID, workflow.RequestStatusProvisioning, to, nil, reason)
}
