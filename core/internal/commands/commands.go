// Package commands holds the synchronous command handlers: each one loads an
// aggregate, invokes a domain method, and appends the resulting events with
// the aggregate's pre-command version as the expected version. Conflicts and
// illegal states propagate to the caller untouched; retrying is the caller's
// decision.
package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vm-provision-portal/core/internal/domain"
	"vm-provision-portal/core/internal/es"
	"vm-provision-portal/shared/events"
	"vm-provision-portal/shared/tenantx"
)

const (
	ProjectCommandCreate    = "create"
	ProjectCommandArchive   = "archive"
	ProjectCommandUnarchive = "unarchive"
)

type Handler struct {
	Repo *es.Repository
}

// BeginProvisioning creates the VM aggregate for an approved request. The
// append runs with expected version 0; a redelivered task finds the stream
// already started and reports that without appending anything.
func (h *Handler) BeginProvisioning(ctx context.Context, task events.ProvisionVMTask) (*domain.VM, error) {
	if _, err := tenantx.Require(ctx); err != nil {
		return nil, err
	}

	vm := domain.NewVM(task.VMID)
	found, err := h.Repo.Load(ctx, vm)
	if err != nil {
		return nil, fmt.Errorf("load vm %s: %w", task.VMID, err)
	}
	if found {
		// Already started by an earlier delivery of the same task.
		return vm, nil
	}

	if err := vm.StartProvisioning(ctx, task.RequestID, task.ProjectID, task.Name, task.CPU, task.MemoryGB, task.Template); err != nil {
		return nil, err
	}
	if _, err := h.Repo.Save(ctx, vm); err != nil {
		var conflict *es.ConcurrencyError
		if errors.As(err, &conflict) {
			// A concurrent delivery won the race; its stream is authoritative.
			fresh := domain.NewVM(task.VMID)
			if _, loadErr := h.Repo.Load(ctx, fresh); loadErr != nil {
				return nil, loadErr
			}
			return fresh, nil
		}
		return nil, err
	}
	return vm, nil
}

// ApplyProjectCommand runs one project lifecycle command.
func (h *Handler) ApplyProjectCommand(ctx context.Context, task events.ProjectCommandTask) error {
	if _, err := tenantx.Require(ctx); err != nil {
		return err
	}
	if task.ProjectID == uuid.Nil {
		return errors.New("project id is required")
	}

	project := domain.NewProject(task.ProjectID)
	found, err := h.Repo.Load(ctx, project)
	if err != nil {
		return fmt.Errorf("load project %s: %w", task.ProjectID, err)
	}

	switch task.Command {
	case ProjectCommandCreate:
		if found {
			// Redelivery of a create that already committed.
			return nil
		}
		if err := project.Create(ctx, task.Name); err != nil {
			return err
		}
	case ProjectCommandArchive:
		if !found {
			return fmt.Errorf("project %s not found", task.ProjectID)
		}
		if err := project.Archive(ctx); err != nil {
			return err
		}
	case ProjectCommandUnarchive:
		if !found {
			return fmt.Errorf("project %s not found", task.ProjectID)
		}
		if err := project.Unarchive(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown project command %q", task.Command)
	}

	_, err = h.Repo.Save(ctx, project)
	return err
}
