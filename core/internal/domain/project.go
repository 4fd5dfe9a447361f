package domain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"vm-provision-portal/core/internal/es"
)

type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "ACTIVE"
	ProjectStatusArchived ProjectStatus = "ARCHIVED"
)

// Project groups VM requests. Archive and Unarchive are idempotent: repeating
// the current state emits no event and leaves the version unchanged.
type Project struct {
	es.Base

	Status ProjectStatus
	Name   string
}

func NewProject(id uuid.UUID) *Project {
	return &Project{Base: es.NewBase(id)}
}

func (a *Project) AggregateType() string { return AggregateTypeProject }

func (a *Project) Create(ctx context.Context, name string) error {
	if a.Version() != 0 {
		return fmt.Errorf("project %s already exists", a.ID())
	}
	a.Raise(ProjectCreated{
		eventBase: eventBase{aggregateID: a.ID(), meta: es.MetadataFromContext(ctx)},
		Name:      name,
	}, a.Apply)
	return nil
}

func (a *Project) Archive(ctx context.Context) error {
	if a.Version() == 0 {
		return fmt.Errorf("project %s does not exist", a.ID())
	}
	if a.Status == ProjectStatusArchived {
		return nil
	}
	a.Raise(ProjectArchived{
		eventBase: eventBase{aggregateID: a.ID(), meta: es.MetadataFromContext(ctx)},
	}, a.Apply)
	return nil
}

func (a *Project) Unarchive(ctx context.Context) error {
	if a.Version() == 0 {
		return fmt.Errorf("project %s does not exist", a.ID())
	}
	if a.Status == ProjectStatusActive {
		return nil
	}
	a.Raise(ProjectUnarchived{
		eventBase: eventBase{aggregateID: a.ID(), meta: es.MetadataFromContext(ctx)},
	}, a.Apply)
	return nil
}

func (a *Project) Apply(ev es.Event) {
	switch e := ev.(type) {
	case ProjectCreated:
		a.Status = ProjectStatusActive
		a.Name = e.Name
	case ProjectArchived:
		a.Status = ProjectStatusArchived
	case ProjectUnarchived:
		a.Status = ProjectStatusActive
	default:
		panic(fmt.Sprintf("project aggregate: unknown event type %T", ev))
	}
}

func (a *Project) Replay(events []es.Event) {
	a.ReplayThrough(events, a.Apply)
}

type projectSnapshotState struct {
	Status ProjectStatus `json:"status"`
	Name   string        `json:"name"`
}

func (a *Project) SnapshotState() ([]byte, error) {
	return json.Marshal(projectSnapshotState{Status: a.Status, Name: a.Name})
}

func (a *Project) RestoreSnapshot(version int64, state []byte) error {
	var s projectSnapshotState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	a.Status = s.Status
	a.Name = s.Name
	a.SeedVersion(version)
	return nil
}
