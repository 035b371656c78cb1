package supervisor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/kvross/apphost/internal/metastore"
)

func TestSpawnAndRefreshStatus(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := Spawn(cmd); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = KillTree(ctx, cmd.Process.Pid)
	}()

	// A live pid on a record outside {running, starting} is promoted.
	rec := &metastore.Record{Status: metastore.StatusStopped, PID: cmd.Process.Pid}
	changed := RefreshStatus(rec)
	if !changed {
		t.Fatal("expected status change to running")
	}
	if rec.Status != metastore.StatusRunning {
		t.Fatalf("expected running, got %s", rec.Status)
	}
}

func TestRefreshStatusNoPID(t *testing.T) {
	rec := &metastore.Record{Status: metastore.StatusCreated}
	if RefreshStatus(rec) {
		t.Fatal("expected no change when pid absent")
	}
}

func TestRefreshStatusDeadProcessDemotesToStopped(t *testing.T) {
	cmd := exec.Command("true")
	if err := Spawn(cmd); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	cmd.Wait()

	rec := &metastore.Record{Status: metastore.StatusRunning, PID: cmd.Process.Pid}
	changed := RefreshStatus(rec)
	if !changed {
		t.Fatal("expected a change")
	}
	if rec.Status != metastore.StatusStopped || rec.PID != 0 {
		t.Fatalf("expected stopped/pid cleared, got status=%s pid=%d", rec.Status, rec.PID)
	}
}

func TestKillTreeKillsChildProcessGroup(t *testing.T) {
	// Spawns a shell that forks a grandchild sleep; killing the tree must
	// reach both via the shared process group.
	cmd := exec.Command("sh", "-c", "sleep 30 & wait")
	if err := Spawn(cmd); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if err := KillTree(ctx, pid); err != nil {
		t.Fatalf("KillTree: %v", err)
	}

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("process tree did not exit after KillTree")
	}
}

func TestKillTreeIdempotentOnDeadRoot(t *testing.T) {
	cmd := exec.Command("true")
	if err := Spawn(cmd); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	cmd.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := KillTree(ctx, cmd.Process.Pid); err != nil {
		t.Fatalf("KillTree on dead process should be a no-op success: %v", err)
	}
}
