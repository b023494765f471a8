package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/store"
)

type fakeSource struct {
	procs []RunningProcess
}

func (f fakeSource) RunningProcesses() []RunningProcess { return f.procs }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "procsupd.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	p := &model.Process{ID: "p1", Name: "p1", Command: "/bin/true", Status: model.StatusRunning, CreatedAt: time.Now()}
	if err := st.UpsertProcess(ctx, p); err != nil {
		t.Fatalf("seed process: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCollectOnceSamplesSelfAndPersists(t *testing.T) {
	st := newTestStore(t)
	source := fakeSource{procs: []RunningProcess{{ID: "p1", PID: int32(os.Getpid())}}}
	c := New(st, source)

	c.collectOnce(context.Background())

	stats := c.GetSystemStats()
	if stats.MemoryTotal == 0 {
		t.Error("expected non-zero system memory total")
	}

	samples, err := c.GetProcessStats(context.Background(), "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 ring sample, got %d", len(samples))
	}

	persisted, err := st.GetMetrics(context.Background(), "p1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted metric, got %d", len(persisted))
	}
}

func TestSampleProcessesSkipsUnopenablePID(t *testing.T) {
	st := newTestStore(t)
	source := fakeSource{procs: []RunningProcess{{ID: "ghost", PID: 999999}}}
	c := New(st, source)

	c.collectOnce(context.Background())

	samples, err := c.GetProcessStats(context.Background(), "ghost", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 0 {
		t.Fatalf("expected no samples for an unopenable pid, got %d", len(samples))
	}
}

func TestRingEvictsAboveCap(t *testing.T) {
	r := &ring{}
	for i := 0; i < ringCap+10; i++ {
		r.add(model.MetricSample{ProcessID: "p1", Timestamp: int64(i)})
	}
	if len(r.samples) != ringCap {
		t.Fatalf("ring length = %d, want %d", len(r.samples), ringCap)
	}
	if r.samples[0].Timestamp != 10 {
		t.Errorf("oldest retained sample = %d, want 10", r.samples[0].Timestamp)
	}
}

func TestGetAggregatedStatsComputesAvgAndMax(t *testing.T) {
	st := newTestStore(t)
	c := New(st, fakeSource{})
	c.rings["p1"] = &ring{samples: []model.MetricSample{
		{ProcessID: "p1", CPUPercent: 10, MemoryBytes: 100, Timestamp: 1},
		{ProcessID: "p1", CPUPercent: 30, MemoryBytes: 300, Timestamp: 2},
	}}

	agg, err := c.GetAggregatedStats(context.Background(), "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if agg.SampleCount != 2 {
		t.Fatalf("sampleCount = %d, want 2", agg.SampleCount)
	}
	if agg.AvgCPU != 20 {
		t.Errorf("avgCPU = %v, want 20", agg.AvgCPU)
	}
	if agg.MaxCPU != 30 {
		t.Errorf("maxCPU = %v, want 30", agg.MaxCPU)
	}
	if agg.MaxMemory != 300 {
		t.Errorf("maxMemory = %v, want 300", agg.MaxMemory)
	}
}

func TestGetAggregatedStatsEmptyWhenNoSamples(t *testing.T) {
	st := newTestStore(t)
	c := New(st, fakeSource{})
	agg, err := c.GetAggregatedStats(context.Background(), "missing", 0)
	if err != nil {
		t.Fatal(err)
	}
	if agg.SampleCount != 0 {
		t.Errorf("expected zero-value Aggregated, got %+v", agg)
	}
}

func TestCollectOnceEmitsSnapshot(t *testing.T) {
	st := newTestStore(t)
	source := fakeSource{procs: []RunningProcess{{ID: "p1", PID: int32(os.Getpid())}}}
	c := New(st, source)
	sub := c.SubscribeCollected()
	defer sub.Unsubscribe()

	c.collectOnce(context.Background())

	select {
	case snap := <-sub.C():
		if len(snap.Processes) != 1 {
			t.Errorf("expected 1 process in snapshot, got %d", len(snap.Processes))
		}
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot event")
	}
}

func TestStartStopRunsAtLeastOneCycle(t *testing.T) {
	st := newTestStore(t)
	source := fakeSource{procs: []RunningProcess{{ID: "p1", PID: int32(os.Getpid())}}}
	c := New(st, source)
	sub := c.SubscribeCollected()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, 20*time.Millisecond)
	defer c.Stop()

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected at least one sampling cycle")
	}
}
