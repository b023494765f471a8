package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arrowops/procsupd/internal/config"
	"github.com/arrowops/procsupd/internal/errorsink"
	"github.com/arrowops/procsupd/internal/logsink"
	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/store"
)

func newTestSupervisor(t *testing.T, maxProcesses int, allowed []string) (*Supervisor, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "procsupd.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cfg := &config.Config{MaxProcesses: maxProcesses, AllowedCommands: allowed}
	logs := logsink.New(st, 20*time.Millisecond)
	errs := errorsink.New(st)
	sup := New(cfg, st, logs, errs, nil)
	t.Cleanup(func() {
		_ = sup.Shutdown(context.Background())
		logs.Close()
		_ = st.Close()
	})
	return sup, st
}

func waitForStatus(t *testing.T, sup *Supervisor, id string, want model.ProcessStatus, timeout time.Duration) *model.Process {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		procs := sup.ListProcesses(ListFilter{})
		for _, p := range procs {
			if p.ID == id && p.Status == want {
				return p
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %s did not reach status %s in time", id, want)
	return nil
}

// Seed scenario 1.
func TestStartEchoHelloRunsThenStops(t *testing.T) {
	sup, _ := newTestSupervisor(t, 10, []string{"/bin"})
	ctx := context.Background()
	p, err := sup.StartProcess(ctx, ProcessConfig{Name: "echo", Command: "/bin/echo", Args: []string{"Hello"}})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	final := waitForStatus(t, sup, p.ID, model.StatusStopped, 2*time.Second)
	if final.RestartCount != 0 {
		t.Errorf("restartCount = %d, want 0", final.RestartCount)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		logs, _ := sup.logs.GetLogs(ctx, store.LogFilter{ProcessID: p.ID, Stream: model.StreamStdout})
		for _, l := range logs {
			if l.Message == "Hello" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected a STDOUT log record containing Hello")
}

// Seed scenario 2.
func TestStartFailingShellCrashes(t *testing.T) {
	sup, _ := newTestSupervisor(t, 10, nil)
	ctx := context.Background()
	p, err := sup.StartProcess(ctx, ProcessConfig{Name: "fail", Command: "/bin/sh", Args: []string{"-c", "exit 1"}})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	waitForStatus(t, sup, p.ID, model.StatusCrashed, 2*time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		logs, _ := sup.logs.GetLogs(ctx, store.LogFilter{ProcessID: p.ID, Stream: model.StreamSystem, Level: model.LevelError})
		for _, l := range logs {
			if l.Message == "exited with code 1, signal null" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(`expected SYSTEM/ERROR log "exited with code 1, signal null"`)
}

func TestStartCommandNotAllowed(t *testing.T) {
	sup, _ := newTestSupervisor(t, 10, []string{"/nonexistent-root-xyz"})
	_, err := sup.StartProcess(context.Background(), ProcessConfig{Name: "x", Command: "/bin/echo", Args: []string{"hi"}})
	if err == nil {
		t.Fatal("expected CommandNotAllowed error")
	}
}

func TestStartCapacityExceeded(t *testing.T) {
	sup, _ := newTestSupervisor(t, 1, nil)
	ctx := context.Background()
	if _, err := sup.StartProcess(ctx, ProcessConfig{Name: "sleeper", Command: "/bin/sleep", Args: []string{"5"}}); err != nil {
		t.Fatalf("first StartProcess: %v", err)
	}
	if _, err := sup.StartProcess(ctx, ProcessConfig{Name: "sleeper2", Command: "/bin/sleep", Args: []string{"5"}}); err == nil {
		t.Fatal("expected CapacityExceeded on second start")
	}
}

func TestStopProcessNotFound(t *testing.T) {
	sup, _ := newTestSupervisor(t, 10, nil)
	err := sup.StopProcess(context.Background(), "missing", false)
	if err == nil {
		t.Fatal("expected NotFound error")
	}
}

func TestStopProcessNoopWhenNotRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t, 10, nil)
	ctx := context.Background()
	p, err := sup.StartProcess(ctx, ProcessConfig{Name: "echo", Command: "/bin/echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, sup, p.ID, model.StatusStopped, 2*time.Second)
	if err := sup.StopProcess(ctx, p.ID, false); err != nil {
		t.Fatalf("stop on already-stopped process should be a no-op: %v", err)
	}
}

func TestStopRunningProcessTransitionsToStopped(t *testing.T) {
	sup, _ := newTestSupervisor(t, 10, nil)
	ctx := context.Background()
	p, err := sup.StartProcess(ctx, ProcessConfig{Name: "sleeper", Command: "/bin/sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, sup, p.ID, model.StatusRunning, time.Second)
	if err := sup.StopProcess(ctx, p.ID, false); err != nil {
		t.Fatalf("StopProcess: %v", err)
	}
	waitForStatus(t, sup, p.ID, model.StatusStopped, 2*time.Second)
}

func TestRestartProcessIncrementsRestartCount(t *testing.T) {
	sup, _ := newTestSupervisor(t, 10, nil)
	ctx := context.Background()
	p, err := sup.StartProcess(ctx, ProcessConfig{Name: "echo", Command: "/bin/echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, sup, p.ID, model.StatusStopped, 2*time.Second)

	restarted, err := sup.RestartProcess(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("RestartProcess: %v", err)
	}
	if restarted.RestartCount != 1 {
		t.Errorf("restartCount = %d, want 1", restarted.RestartCount)
	}
}

func TestAutoRestartOnCrashIncrementsRestartCount(t *testing.T) {
	sup, _ := newTestSupervisor(t, 10, nil)
	ctx := context.Background()
	p, err := sup.StartProcess(ctx, ProcessConfig{
		Name: "crasher", Command: "/bin/sh", Args: []string{"-c", "exit 1"}, AutoRestart: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		procs := sup.ListProcesses(ListFilter{})
		for _, got := range procs {
			if got.ID == p.ID && got.RestartCount > 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected auto-restart after crash to increment restartCount")
}

func TestReconcileMovesOrphanRowsToStopped(t *testing.T) {
	sup, st := newTestSupervisor(t, 10, nil)
	ctx := context.Background()
	orphan := &model.Process{ID: "orphan", Name: "orphan", Command: "/bin/sleep", Status: model.StatusRunning, PID: 99999, CreatedAt: time.Now()}
	if err := st.UpsertProcess(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, err := st.GetProcess(ctx, "orphan")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusStopped || got.PID != 0 {
		t.Errorf("orphan not reconciled: %+v", got)
	}
}

// Seed scenario 6.
func TestAddLog150RecordsFlushedWithinDeadline(t *testing.T) {
	sup, _ := newTestSupervisor(t, 10, nil)
	ctx := context.Background()
	p, err := sup.StartProcess(ctx, ProcessConfig{Name: "echo", Command: "/bin/echo", Args: []string{"seed"}})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 150; i++ {
		sup.logs.AddLog(model.LogRecord{ProcessID: p.ID, Stream: model.StreamStdout, Message: "m", Timestamp: int64(i), Level: model.LevelInfo})
	}
	time.Sleep(1200 * time.Millisecond)
	logs, err := sup.logs.GetLogs(ctx, store.LogFilter{ProcessID: p.ID, Limit: 10000})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) < 150 {
		t.Fatalf("expected at least 150 persisted logs, got %d", len(logs))
	}
	for i := 1; i < len(logs); i++ {
		if logs[i].Timestamp > logs[i-1].Timestamp {
			t.Fatalf("logs not ordered descending at %d", i)
		}
	}
}
