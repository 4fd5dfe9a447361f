package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vm-provision-portal/core/internal/es"
)

type VMStatus string

const (
	VMStatusProvisioning VMStatus = "PROVISIONING"
	VMStatusReady        VMStatus = "READY"
	VMStatusFailed       VMStatus = "FAILED"
)

// Stage is the provisioning stage a VM is in while status is PROVISIONING.
type Stage string

const (
	StageCloning           Stage = "CLONING"
	StageConfiguring       Stage = "CONFIGURING"
	StagePoweringOn        Stage = "POWERING_ON"
	StageWaitingForNetwork Stage = "WAITING_FOR_NETWORK"
	StageReady             Stage = "READY"
)

// ProvisioningStages lists the stages in the fixed order the provisioning
// backend reports them.
func ProvisioningStages() []Stage {
	return []Stage{StageCloning, StageConfiguring, StagePoweringOn, StageWaitingForNetwork, StageReady}
}

func (s Stage) Valid() bool {
	switch s {
	case StageCloning, StageConfiguring, StagePoweringOn, StageWaitingForNetwork, StageReady:
		return true
	}
	return false
}

// IllegalStateError reports a lifecycle method invoked on an aggregate whose
// status forbids it. This is an integrity bug in the caller, never an
// expected runtime condition, and must not be swallowed.
type IllegalStateError struct {
	AggregateID uuid.UUID
	Op          string
	Status      VMStatus
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("illegal state: %s on vm %s in status %s", e.Op, e.AggregateID, e.Status)
}

// VM tracks a virtual machine from the moment provisioning starts until it is
// READY or FAILED. Both terminal states are final: any further mutation is an
// IllegalStateError.
type VM struct {
	es.Base

	Status         VMStatus
	Stage          Stage
	RequestID      uuid.UUID
	ProjectID      uuid.UUID
	Name           string
	CPU            int
	MemoryGB       int
	Template       string
	VMwareVMID     string
	IPAddress      *string
	Hostname       string
	WarningMessage *string
	ErrorCode      string
	ErrorMessage   string
	Retriable      bool
	RetryCount     int
	LastAttemptAt  *time.Time
}

func NewVM(id uuid.UUID) *VM {
	return &VM{Base: es.NewBase(id)}
}

func (a *VM) AggregateType() string { return AggregateTypeVM }

func (a *VM) Terminal() bool {
	return a.Status == VMStatusReady || a.Status == VMStatusFailed
}

// StartProvisioning creates the aggregate's first event. The CLONING stage is
// implicit until the backend reports the first stage change.
func (a *VM) StartProvisioning(ctx context.Context, requestID uuid.UUID, projectID uuid.UUID, name string, cpu int, memoryGB int, template string) error {
	if a.Version() != 0 {
		return &IllegalStateError{AggregateID: a.ID(), Op: "StartProvisioning", Status: a.Status}
	}
	a.Raise(VMProvisioningStarted{
		eventBase: eventBase{aggregateID: a.ID(), meta: es.MetadataFromContext(ctx)},
		RequestID: requestID,
		ProjectID: projectID,
		Name:      name,
		CPU:       cpu,
		MemoryGB:  memoryGB,
		Template:  template,
	}, a.Apply)
	return nil
}

// UpdateProgress is intentionally not idempotent: calling it on a terminal
// aggregate means a saga kept running after success or failure, which must
// surface loudly instead of being ignored.
func (a *VM) UpdateProgress(ctx context.Context, stage Stage) error {
	if a.Status != VMStatusProvisioning {
		return &IllegalStateError{AggregateID: a.ID(), Op: "UpdateProgress", Status: a.Status}
	}
	if !stage.Valid() {
		return fmt.Errorf("unknown provisioning stage %q", stage)
	}
	a.Raise(VMProvisioningProgressUpdated{
		eventBase: eventBase{aggregateID: a.ID(), meta: es.MetadataFromContext(ctx)},
		Stage:     stage,
	}, a.Apply)
	return nil
}

// MarkProvisioned finishes provisioning. ipAddress may be nil when network
// detection timed out; warningMessage should then say why.
func (a *VM) MarkProvisioned(ctx context.Context, vmwareVMID string, ipAddress *string, hostname string, warningMessage *string) error {
	if a.Status != VMStatusProvisioning {
		return &IllegalStateError{AggregateID: a.ID(), Op: "MarkProvisioned", Status: a.Status}
	}
	a.Raise(VMProvisioned{
		eventBase:      eventBase{aggregateID: a.ID(), meta: es.MetadataFromContext(ctx)},
		VMwareVMID:     vmwareVMID,
		IPAddress:      ipAddress,
		Hostname:       hostname,
		WarningMessage: warningMessage,
	}, a.Apply)
	return nil
}

func (a *VM) MarkFailed(ctx context.Context, errorCode string, errorMessage string, retriable bool, retryCount int, lastAttemptAt time.Time) error {
	if a.Status != VMStatusProvisioning {
		return &IllegalStateError{AggregateID: a.ID(), Op: "MarkFailed", Status: a.Status}
	}
	a.Raise(VMProvisioningFailed{
		eventBase:     eventBase{aggregateID: a.ID(), meta: es.MetadataFromContext(ctx)},
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
		Retriable:     retriable,
		RetryCount:    retryCount,
		LastAttemptAt: lastAttemptAt,
	}, a.Apply)
	return nil
}

func (a *VM) Apply(ev es.Event) {
	switch e := ev.(type) {
	case VMProvisioningStarted:
		a.Status = VMStatusProvisioning
		a.Stage = StageCloning
		a.RequestID = e.RequestID
		a.ProjectID = e.ProjectID
		a.Name = e.Name
		a.CPU = e.CPU
		a.MemoryGB = e.MemoryGB
		a.Template = e.Template
	case VMProvisioningProgressUpdated:
		a.Stage = e.Stage
	case VMProvisioned:
		a.Status = VMStatusReady
		a.Stage = StageReady
		a.VMwareVMID = e.VMwareVMID
		a.IPAddress = e.IPAddress
		a.Hostname = e.Hostname
		a.WarningMessage = e.WarningMessage
	case VMProvisioningFailed:
		a.Status = VMStatusFailed
		a.ErrorCode = e.ErrorCode
		a.ErrorMessage = e.ErrorMessage
		a.Retriable = e.Retriable
		a.RetryCount = e.RetryCount
		at := e.LastAttemptAt
		a.LastAttemptAt = &at
	default:
		panic(fmt.Sprintf("vm aggregate: unknown event type %T", ev))
	}
}

func (a *VM) Replay(events []es.Event) {
	a.ReplayThrough(events, a.Apply)
}

type vmSnapshotState struct {
	Status         VMStatus   `json:"status"`
	Stage          Stage      `json:"stage"`
	RequestID      uuid.UUID  `json:"request_id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	Name           string     `json:"name"`
	CPU            int        `json:"cpu"`
	MemoryGB       int        `json:"memory_gb"`
	Template       string     `json:"template"`
	VMwareVMID     string     `json:"vmware_vm_id,omitempty"`
	IPAddress      *string    `json:"ip_address,omitempty"`
	Hostname       string     `json:"hostname,omitempty"`
	WarningMessage *string    `json:"warning_message,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Retriable      bool       `json:"retriable,omitempty"`
	RetryCount     int        `json:"retry_count,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
}

func (a *VM) SnapshotState() ([]byte, error) {
	return json.Marshal(vmSnapshotState{
		Status:         a.Status,
		Stage:          a.Stage,
		RequestID:      a.RequestID,
		ProjectID:      a.ProjectID,
		Name:           a.Name,
		CPU:            a.CPU,
		MemoryGB:       a.MemoryGB,
		Template:       a.Template,
		VMwareVMID:     a.VMwareVMID,
		IPAddress:      a.IPAddress,
		Hostname:       a.Hostname,
		WarningMessage: a.WarningMessage,
		ErrorCode:      a.ErrorCode,
		ErrorMessage:   a.ErrorMessage,
		Retriable:      a.Retriable,
		RetryCount:     a.RetryCount,
		LastAttemptAt:  a.LastAttemptAt,
	})
}

func (a *VM) RestoreSnapshot(version int64, state []byte) error {
	var s vmSnapshotState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	a.Status = s.Status
	a.Stage = s.Stage
	a.RequestID = s.RequestID
	a.ProjectID = s.ProjectID
	a.Name = s.Name
	a.CPU = s.CPU
	a.MemoryGB = s.MemoryGB
	a.Template = s.Template
	a.VMwareVMID = s.VMwareVMID
	a.IPAddress = s.IPAddress
	a.Hostname = s.Hostname
	a.WarningMessage = s.WarningMessage
	a.ErrorCode = s.ErrorCode
	a.ErrorMessage = s.ErrorMessage
	a.Retriable = s.Retriable
	a.RetryCount = s.RetryCount
	a.LastAttemptAt = s.LastAttemptAt
	a.SeedVersion(version)
	return nil
}
