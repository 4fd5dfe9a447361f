// Package vsphere is the outbound port to the VMware provisioning backend.
// The saga depends only on the Port interface; the HTTP bridge client is one
// implementation.
package vsphere

import (
	"context"
	"fmt"
)

// Stage values reported by the backend, in the fixed order they occur.
type Stage string

const (
	StageCloning           Stage = "CLONING"
	StageConfiguring       Stage = "CONFIGURING"
	StagePoweringOn        Stage = "POWERING_ON"
	StageWaitingForNetwork Stage = "WAITING_FOR_NETWORK"
	StageReady             Stage = "READY"
)

type ErrorCode string

const (
	CodeConnectionError      ErrorCode = "CONNECTION_ERROR"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	CodeResourceNotFound     ErrorCode = "RESOURCE_NOT_FOUND"
)

// Error is the failure type every Port method returns. CreatedVMID is set
// when a VM was partially created before the failure; the saga uses it for
// the compensating delete.
type Error struct {
	Code        ErrorCode
	Message     string
	Field       string // INVALID_CONFIGURATION: offending field
	Kind        string // RESOURCE_NOT_FOUND: resource kind
	Name        string // RESOURCE_NOT_FOUND: resource name
	CreatedVMID string
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeInvalidConfiguration:
		return fmt.Sprintf("vsphere: invalid configuration (%s): %s", e.Field, e.Message)
	case CodeResourceNotFound:
		return fmt.Sprintf("vsphere: %s %q not found", e.Kind, e.Name)
	default:
		return fmt.Sprintf("vsphere: %s: %s", e.Code, e.Message)
	}
}

// Retriable reports whether resubmitting the same request can succeed.
// Connection problems and timeouts are transient; configuration and
// authentication failures are not.
func (e *Error) Retriable() bool {
	return e.Code == CodeConnectionError || e.Code == CodeTimeout
}

// Config is a tenant's VMware connection configuration, resolved before any
// provisioning attempt.
type Config struct {
	VCenterURL string
	Datacenter string
	Cluster    string
	Datastore  string
	Network    string
	Folder     string
}

type CreateSpec struct {
	Name     string
	Template string
	CPU      int
	MemoryGB int
}

type CreateResult struct {
	VMwareVMID string
	IPAddress  *string
	Hostname   string
	Warning    *string
}

// Port drives VM creation and deletion. CreateVM calls onStage for each stage
// transition, strictly in order, before returning. Every failure is an *Error.
type Port interface {
	CreateVM(ctx context.Context, cfg Config, spec CreateSpec, onStage func(Stage)) (CreateResult, error)
	DeleteVM(ctx context.Context, cfg Config, vmID string) error
}
