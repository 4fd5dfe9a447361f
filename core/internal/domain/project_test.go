package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestProjectArchiveUnarchive(t *testing.T) {
	ctx := tenantCtx(t)
	p := NewProject(uuid.New())
	if err := p.Create(ctx, "platform-team"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if p.Status != ProjectStatusActive || p.Version() != 1 {
		t.Fatalf("unexpected state after create: %s v%d", p.Status, p.Version())
	}

	if err := p.Archive(ctx); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if p.Status != ProjectStatusArchived || p.Version() != 2 {
		t.Fatalf("unexpected state after archive: %s v%d", p.Status, p.Version())
	}

	if err := p.Unarchive(ctx); err != nil {
		t.Fatalf("unarchive failed: %v", err)
	}
	if p.Status != ProjectStatusActive || p.Version() != 3 {
		t.Fatalf("unexpected state after unarchive: %s v%d", p.Status, p.Version())
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	ctx := tenantCtx(t)
	p := NewProject(uuid.New())
	if err := p.Create(ctx, "platform-team"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := p.Archive(ctx); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	before := p.Version()
	pending := len(p.UncommittedEvents())
	if err := p.Archive(ctx); err != nil {
		t.Fatalf("repeated archive failed: %v", err)
	}
	if p.Version() != before || len(p.UncommittedEvents()) != pending {
		t.Fatalf("repeated archive must emit zero events")
	}
}

func TestUnarchiveActiveIsNoop(t *testing.T) {
	ctx := tenantCtx(t)
	p := NewProject(uuid.New())
	if err := p.Create(ctx, "platform-team"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	before := p.Version()
	if err := p.Unarchive(ctx); err != nil {
		t.Fatalf("unarchive failed: %v", err)
	}
	if p.Version() != before {
		t.Fatalf("unarchive on active project must be a no-op")
	}
}

func TestCreateTwiceFails(t *testing.T) {
	ctx := tenantCtx(t)
	p := NewProject(uuid.New())
	if err := p.Create(ctx, "a"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := p.Create(ctx, "b"); err == nil {
		t.Fatalf("expected error on second create")
	}
}

func TestArchiveBeforeCreateFails(t *testing.T) {
	ctx := tenantCtx(t)
	p := NewProject(uuid.New())
	if err := p.Archive(ctx); err == nil {
		t.Fatalf("expected error archiving nonexistent project")
	}
}
