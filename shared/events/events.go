package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the integration-event wrapper published to Kafka after a domain
// event has been committed to the event store. Payload is the domain event's
// serialized form, untouched.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Version       int64           `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicVMEvents           = "vm.events"
	TopicProjectEvents      = "project.events"
	TopicProvisioningAlerts = "provisioning.alerts"

	// Events the projection could not apply after bounded retries are parked
	// here instead of being skipped by an offset commit.
	TopicProjectionDeadLetter = "projection.deadletter"
)

// Task types carried over asynq between the api service (enqueue) and the
// core worker (handle).
const (
	TaskProvisionVM    = "vm.provision"
	TaskProjectCommand = "project.command"
)

// ProvisionVMTask starts provisioning for an approved request. TenantID and
// UserID rebuild the tenant context on the worker side; the enqueue path must
// never omit them.
type ProvisionVMTask struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	UserID        uuid.UUID `json:"user_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	VMID          uuid.UUID `json:"vm_id"`
	RequestID     uuid.UUID `json:"request_id"`
	ProjectID     uuid.UUID `json:"project_id"`
	Name          string    `json:"name"`
	CPU           int       `json:"cpu"`
	MemoryGB      int       `json:"memory_gb"`
	Template      string    `json:"template"`
}

// ProjectCommandTask applies one project lifecycle command. Create and the
// archive pair are idempotent on redelivery: create of an existing project is
// rejected by the expected-version check, archive/unarchive of a project
// already in the target state appends nothing.
type ProjectCommandTask struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	UserID        uuid.UUID `json:"user_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ProjectID     uuid.UUID `json:"project_id"`
	Command       string    `json:"command"` // create | archive | unarchive
	Name          string    `json:"name,omitempty"`
}
