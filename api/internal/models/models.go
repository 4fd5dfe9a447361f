package models

import (
	"time"

	"github.com/google/uuid"
)

type Tenant struct {
	TenantID  uuid.UUID
	Slug      string
	Name      string
	CreatedAt time.Time
}

type User struct {
	UserID      uuid.UUID
	TenantID    uuid.UUID
	Subject     string
	Email       string
	DisplayName string
	Role        string
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// VMRequest is a provisioning request moving through the approval workflow.
// Status values come from shared/workflow.
type VMRequest struct {
	RequestID uuid.UUID
	TenantID  uuid.UUID
	ProjectID uuid.UUID
	Requester uuid.UUID
	Name      string
	CPU       int
	MemoryGB  int
	Template  string
	Status    string
	Reason    *string
	VMID      *uuid.UUID
	DecidedBy *uuid.UUID
	DecidedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VMRecord is the read-model row projected from vm.* integration events.
// Version is the last applied event version; stale events are skipped.
type VMRecord struct {
	VMID           uuid.UUID
	TenantID       uuid.UUID
	RequestID      uuid.UUID
	ProjectID      uuid.UUID
	Name           string
	CPU            int
	MemoryGB       int
	Template       string
	Status         string
	Stage          string
	VMwareVMID     *string
	IPAddress      *string
	Hostname       *string
	WarningMessage *string
	ErrorCode      *string
	ErrorMessage   *string
	Retriable      bool
	RetryCount     int
	Version        int64
	UpdatedAt      time.Time
}

// ProjectRecord is the read-model row projected from project.* events.
type ProjectRecord struct {
	ProjectID uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Status    string
	Version   int64
	UpdatedAt time.Time
}

// ProvisioningAlert is raised by the alerts worker when provisioning
// failures for one tenant/template pair pile up inside the sliding window.
type ProvisioningAlert struct {
	AlertID       uuid.UUID
	TenantID      uuid.UUID
	Template      string
	Level         string
	FailureCount  int
	WindowSeconds int
	LastErrorCode *string
	Message       *string
	DetectedAt    time.Time
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	TenantID     uuid.UUID
	ActorUserID  *uuid.UUID
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
