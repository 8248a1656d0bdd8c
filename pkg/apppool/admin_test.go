package apppool

import (
	"context"
	"testing"
	"time"
)

func TestAdminCommand_SetMaxValidatesInput(t *testing.T) {
	pool := newTestPool(t, 4, &fakeSpawner{concurrency: 0})
	cmd := NewAdminCommand(pool, SetMax)

	if _, err := cmd.Execute(context.Background(), SetMaxInput{Max: 0}); err == nil {
		t.Error("SetMax admin command should reject max < 1")
	}

	out, err := cmd.Execute(context.Background(), SetMaxInput{Max: 8})
	if err != nil {
		t.Fatalf("SetMax admin command error = %v", err)
	}
	if out.Max != 8 {
		t.Errorf("SetMaxOutput.Max = %d, want 8", out.Max)
	}
	if pool.max != 8 {
		t.Errorf("pool.max = %d, want 8 after SetMax admin command", pool.max)
	}
}

func TestAdminCommand_DetachProcess(t *testing.T) {
	pool := newTestPool(t, 4, &fakeSpawner{concurrency: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("AsyncGet() error = %v", err)
	}
	gupid := session.Process().Gupid
	_ = session.Close()

	cmd := NewAdminCommand(pool, DetachProcessCmd)
	out, err := cmd.Execute(context.Background(), DetachProcessInput{Gupid: gupid})
	if err != nil {
		t.Fatalf("DetachProcessCmd error = %v", err)
	}
	if !out.Detached {
		t.Error("DetachProcessOutput.Detached = false, want true")
	}

	if _, err := cmd.Execute(context.Background(), DetachProcessInput{Gupid: "no-such-gupid"}); err == nil {
		t.Error("DetachProcessCmd should error for an unknown gupid")
	}
}

func TestAdminCommand_PrepareForShutdown(t *testing.T) {
	pool := newTestPool(t, 4, &fakeSpawner{concurrency: 0})
	cmd := NewAdminCommand(pool, PrepareForShutdownCmd)

	out, err := cmd.Execute(context.Background(), struct{}{})
	if err != nil {
		t.Fatalf("PrepareForShutdownCmd error = %v", err)
	}
	if !out.Prepared {
		t.Error("PrepareForShutdownOutput.Prepared = false, want true")
	}

	if _, err := pool.AsyncGet(context.Background(), GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"}); err == nil {
		t.Error("pool should reject new async_get calls after prepare_for_shutdown")
	}
}

func TestAdminCommand_Status(t *testing.T) {
	pool := newTestPool(t, 4, &fakeSpawner{concurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, err := pool.AsyncGet(ctx, GetOptions{AppGroupName: "app-a", AppRoot: "/tmp/app-a"})
	if err != nil {
		t.Fatalf("AsyncGet() error = %v", err)
	}
	defer session.Close()

	cmd := NewAdminCommand(pool, Status)
	out, err := cmd.Execute(context.Background(), struct{}{})
	if err != nil {
		t.Fatalf("Status command error = %v", err)
	}
	if out.Max != 4 {
		t.Errorf("StatusOutput.Max = %d, want 4", out.Max)
	}
	if len(out.Groups) != 1 {
		t.Fatalf("len(StatusOutput.Groups) = %d, want 1", len(out.Groups))
	}
	group := out.Groups[0]
	if group.Name != "app-a" {
		t.Errorf("GroupStatus.Name = %q, want app-a", group.Name)
	}
	if len(group.Enabled) != 1 {
		t.Fatalf("len(GroupStatus.Enabled) = %d, want 1", len(group.Enabled))
	}
	if group.Enabled[0].Sessions != 1 {
		t.Errorf("ProcessStatus.Sessions = %d, want 1", group.Enabled[0].Sessions)
	}
}
