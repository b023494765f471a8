package group

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
	"github.com/arrowops/procsupd/internal/supervisor"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *supervisor.Supervisor, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "procsupd.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cfg := &config.Config{MaxProcesses: 10, AllowedCommands: []string{"/bin"}}
	logs := logsink.New(st, 20*time.Millisecond)
	errs := errorsink.New(st)
	sup := supervisor.New(cfg, st, logs, errs, nil)
	o := New(sup, st)
	t.Cleanup(func() {
		_ = sup.Shutdown(context.Background())
		logs.Close()
		_ = st.Close()
	})
	return o, sup, st
}

func seedProcess(t *testing.T, st *store.Store, id, name, groupID string) {
	t.Helper()
	p := &model.Process{ID: id, Name: name, Command: "/bin/sleep", Args: []string{"30"}, GroupID: groupID, Status: model.StatusStopped, CreatedAt: time.Now()}
	if err := st.UpsertProcess(context.Background(), p); err != nil {
		t.Fatal(err)
	}
}

func TestCreateGroupPersists(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()
	g, err := o.CreateGroup(ctx, "web", "web tier", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := st.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "web" {
		t.Errorf("name = %q, want web", got.Name)
	}
}

func TestAddToGroupAppendsStartupOrderOnce(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()
	g, err := o.CreateGroup(ctx, "web", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	seedProcess(t, st, "p1", "p1", "")

	if err := o.AddToGroup(ctx, "p1", g.ID); err != nil {
		t.Fatal(err)
	}
	if err := o.AddToGroup(ctx, "p1", g.ID); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.StartupOrder) != 1 || got.StartupOrder[0] != "p1" {
		t.Errorf("startupOrder = %v, want [p1]", got.StartupOrder)
	}
}

func TestRemoveFromGroupClearsAssignment(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()
	g, err := o.CreateGroup(ctx, "web", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	seedProcess(t, st, "p1", "p1", "")
	if err := o.AddToGroup(ctx, "p1", g.ID); err != nil {
		t.Fatal(err)
	}

	if err := o.RemoveFromGroup(ctx, "p1"); err != nil {
		t.Fatal(err)
	}

	p, err := st.GetProcess(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.GroupID != "" {
		t.Errorf("groupId = %q, want empty", p.GroupID)
	}
	gotGroup, err := st.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotGroup.StartupOrder) != 0 {
		t.Errorf("startupOrder = %v, want empty", gotGroup.StartupOrder)
	}
}

// Seed scenario 5.
func TestStartGroupThenStopGroupReverse(t *testing.T) {
	o, sup, st := newTestOrchestrator(t)
	ctx := context.Background()
	g, err := o.CreateGroup(ctx, "web", "", []string{"p1", "p2"})
	if err != nil {
		t.Fatal(err)
	}
	seedProcess(t, st, "p1", "p1", g.ID)
	seedProcess(t, st, "p2", "p2", g.ID)

	started, err := o.StartGroup(ctx, g.ID, WithStartupDelay(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 2 {
		t.Fatalf("expected 2 started members, got %d", len(started))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p1, _ := sup.GetProcess("p1")
		p2, _ := sup.GetProcess("p2")
		if p1 != nil && p2 != nil && p1.Status == model.StatusRunning && p2.Status == model.StatusRunning {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := o.StopGroup(ctx, g.ID, StopOptions{Strategy: StopReverse}); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p1, _ := sup.GetProcess("p1")
		p2, _ := sup.GetProcess("p2")
		if p1 != nil && p2 != nil && p1.Status == model.StatusStopped && p2.Status == model.StatusStopped {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected both group members stopped")
}

func TestStartGroupSkipsAlreadyRunning(t *testing.T) {
	o, sup, st := newTestOrchestrator(t)
	ctx := context.Background()
	g, err := o.CreateGroup(ctx, "web", "", []string{"p1"})
	if err != nil {
		t.Fatal(err)
	}
	seedProcess(t, st, "p1", "p1", g.ID)

	if _, err := sup.StartProcess(ctx, supervisor.ProcessConfig{ID: "p1", Name: "p1", Command: "/bin/sleep", Args: []string{"30"}, GroupID: g.ID}); err != nil {
		t.Fatal(err)
	}

	started, err := o.StartGroup(ctx, g.ID, WithStartupDelay(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 0 {
		t.Errorf("expected already-running member to be skipped, got %d started", len(started))
	}
}

func TestGetGroupStatusAggregatesCounts(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()
	g, err := o.CreateGroup(ctx, "web", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	running := &model.Process{ID: "p1", Name: "p1", Command: "/bin/sleep", GroupID: g.ID, Status: model.StatusRunning, HealthStatus: model.HealthHealthy, CreatedAt: time.Now()}
	crashed := &model.Process{ID: "p2", Name: "p2", Command: "/bin/sleep", GroupID: g.ID, Status: model.StatusCrashed, CreatedAt: time.Now()}
	if err := st.UpsertProcess(ctx, running); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertProcess(ctx, crashed); err != nil {
		t.Fatal(err)
	}

	status, err := o.GetGroupStatus(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Total != 2 || status.Running != 1 || status.FailedOrCrashed != 1 || status.Healthy != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestAddToGroupUpdatesRunningProcessHandle(t *testing.T) {
	o, sup, st := newTestOrchestrator(t)
	ctx := context.Background()
	g, err := o.CreateGroup(ctx, "web", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := sup.StartProcess(ctx, supervisor.ProcessConfig{ID: "p1", Name: "p1", Command: "/bin/sleep", Args: []string{"30"}}); err != nil {
		t.Fatal(err)
	}

	if err := o.AddToGroup(ctx, "p1", g.ID); err != nil {
		t.Fatal(err)
	}

	// A later Supervisor-driven persist (health update) must not revert the
	// group assignment back to the handle's old, unset GroupID.
	sup.SetHealthStatus("p1", model.HealthHealthy, time.Now())

	got, err := st.GetProcess(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.GroupID != g.ID {
		t.Errorf("groupId after persist = %q, want %q", got.GroupID, g.ID)
	}

	if err := o.RemoveFromGroup(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	sup.SetHealthStatus("p1", model.HealthUnhealthy, time.Now())
	got, err = st.GetProcess(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.GroupID != "" {
		t.Errorf("groupId after remove+persist = %q, want empty", got.GroupID)
	}
}

func TestDeleteGroupFailsWhenNotEmpty(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()
	g, err := o.CreateGroup(ctx, "web", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	seedProcess(t, st, "p1", "p1", g.ID)

	if err := o.DeleteGroup(ctx, g.ID); err == nil {
		t.Fatal("expected ErrGroupNotEmpty")
	}
}
