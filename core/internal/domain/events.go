// Package domain holds the event-sourced aggregates of the portal: the VM
// provisioning lifecycle and the project it belongs to.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vm-provision-portal/core/internal/es"
)

const (
	AggregateTypeVM      = "vm"
	AggregateTypeProject = "project"
)

const (
	EventVMProvisioningStarted         = "vm.provisioning_started"
	EventVMProvisioningProgressUpdated = "vm.provisioning_progress_updated"
	EventVMProvisioned                 = "vm.provisioned"
	EventVMProvisioningFailed          = "vm.provisioning_failed"

	EventProjectCreated    = "project.created"
	EventProjectArchived   = "project.archived"
	EventProjectUnarchived = "project.unarchived"
)

type eventBase struct {
	aggregateID uuid.UUID
	meta        es.Metadata
}

func (e eventBase) AggregateID() uuid.UUID     { return e.aggregateID }
func (e eventBase) EventMetadata() es.Metadata { return e.meta }

type VMProvisioningStarted struct {
	eventBase
	RequestID uuid.UUID `json:"request_id"`
	ProjectID uuid.UUID `json:"project_id"`
	Name      string    `json:"name"`
	CPU       int       `json:"cpu"`
	MemoryGB  int       `json:"memory_gb"`
	Template  string    `json:"template"`
}

func (VMProvisioningStarted) AggregateType() string { return AggregateTypeVM }
func (VMProvisioningStarted) EventType() string     { return EventVMProvisioningStarted }

type VMProvisioningProgressUpdated struct {
	eventBase
	Stage Stage `json:"stage"`
}

func (VMProvisioningProgressUpdated) AggregateType() string { return AggregateTypeVM }
func (VMProvisioningProgressUpdated) EventType() string     { return EventVMProvisioningProgressUpdated }

type VMProvisioned struct {
	eventBase
	VMwareVMID     string  `json:"vmware_vm_id"`
	IPAddress      *string `json:"ip_address"`
	Hostname       string  `json:"hostname"`
	WarningMessage *string `json:"warning_message,omitempty"`
}

func (VMProvisioned) AggregateType() string { return AggregateTypeVM }
func (VMProvisioned) EventType() string     { return EventVMProvisioned }

type VMProvisioningFailed struct {
	eventBase
	ErrorCode     string    `json:"error_code"`
	ErrorMessage  string    `json:"error_message"`
	Retriable     bool      `json:"retriable"`
	RetryCount    int       `json:"retry_count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

func (VMProvisioningFailed) AggregateType() string { return AggregateTypeVM }
func (VMProvisioningFailed) EventType() string     { return EventVMProvisioningFailed }

type ProjectCreated struct {
	eventBase
	Name string `json:"name"`
}

func (ProjectCreated) AggregateType() string { return AggregateTypeProject }
func (ProjectCreated) EventType() string     { return EventProjectCreated }

type ProjectArchived struct {
	eventBase
}

func (ProjectArchived) AggregateType() string { return AggregateTypeProject }
func (ProjectArchived) EventType() string     { return EventProjectArchived }

type ProjectUnarchived struct {
	eventBase
}

func (ProjectUnarchived) AggregateType() string { return AggregateTypeProject }
func (ProjectUnarchived) EventType() string     { return EventProjectUnarchived }

// Codec maps between domain events and stored payloads. Unmarshal is the
// single decode point for every event type this module persists; an unknown
// type is an error so that a new event type cannot silently no-op.
type Codec struct{}

func (Codec) Marshal(ev es.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func (Codec) Unmarshal(stored es.StoredEvent) (es.Event, error) {
	base := eventBase{aggregateID: stored.AggregateID, meta: stored.Metadata}
	switch stored.EventType {
	case EventVMProvisioningStarted:
		ev := VMProvisioningStarted{eventBase: base}
		return decode(stored.Payload, &ev)
	case EventVMProvisioningProgressUpdated:
		ev := VMProvisioningProgressUpdated{eventBase: base}
		return decode(stored.Payload, &ev)
	case EventVMProvisioned:
		ev := VMProvisioned{eventBase: base}
		return decode(stored.Payload, &ev)
	case EventVMProvisioningFailed:
		ev := VMProvisioningFailed{eventBase: base}
		return decode(stored.Payload, &ev)
	case EventProjectCreated:
		ev := ProjectCreated{eventBase: base}
		return decode(stored.Payload, &ev)
	case EventProjectArchived:
		ev := ProjectArchived{eventBase: base}
		return decode(stored.Payload, &ev)
	case EventProjectUnarchived:
		ev := ProjectUnarchived{eventBase: base}
		return decode(stored.Payload, &ev)
	default:
		return nil, fmt.Errorf("unknown event type %q", stored.EventType)
	}
}

func decode[T es.Event](payload []byte, ev *T) (es.Event, error) {
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, err
	}
	return *ev, nil
}
