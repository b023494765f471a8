package errorsink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/store"
)

func newTestSink(t *testing.T) (*Sink, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "procsupd.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	p := &model.Process{ID: "p1", Name: "p1", Command: "/bin/true", Status: model.StatusRunning, CreatedAt: time.Now()}
	if err := st.UpsertProcess(ctx, p); err != nil {
		t.Fatalf("seed process: %v", err)
	}
	return New(st), st
}

func TestRecordErrorClassifiesAndPersists(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()
	rec, err := sink.RecordError(ctx, "p1", "ENOMEM: cannot allocate", "")
	if err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	if rec.Kind != "OutOfMemory" {
		t.Errorf("kind = %q, want OutOfMemory", rec.Kind)
	}
	if rec.ID == 0 {
		t.Errorf("expected assigned id")
	}
}

func TestRecordErrorEmitsNewErrorEvent(t *testing.T) {
	sink, _ := newTestSink(t)
	sub := sink.SubscribeNewErrors()
	defer sub.Unsubscribe()
	ctx := context.Background()
	if _, err := sink.RecordError(ctx, "p1", "boom", ""); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-sub.C():
		if evt.ProcessID != "p1" {
			t.Errorf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("expected newError event")
	}
}

func TestRecordErrorEmitsCriticalOnlyForCriticalKinds(t *testing.T) {
	sink, _ := newTestSink(t)
	critSub := sink.SubscribeCritical()
	defer critSub.Unsubscribe()
	ctx := context.Background()

	if _, err := sink.RecordError(ctx, "p1", "some random message", ""); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-critSub.C():
		t.Fatalf("did not expect critical event for non-critical kind: %+v", evt)
	default:
	}

	if _, err := sink.RecordError(ctx, "p1", "ENOSPC: disk full", ""); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-critSub.C():
		if evt.Kind != "DiskSpace" {
			t.Errorf("kind = %q, want DiskSpace", evt.Kind)
		}
	default:
		t.Fatal("expected critical event for DiskSpace")
	}
}

func TestMarkResolvedSuppressesDuplicateEvent(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()
	rec, err := sink.RecordError(ctx, "p1", "boom", "")
	if err != nil {
		t.Fatal(err)
	}
	sub := sink.SubscribeResolved()
	defer sub.Unsubscribe()

	if err := sink.MarkResolved(ctx, rec.ID, "fixed"); err != nil {
		t.Fatalf("first MarkResolved: %v", err)
	}
	select {
	case evt := <-sub.C():
		if evt.ID != rec.ID {
			t.Errorf("unexpected resolved event: %+v", evt)
		}
	default:
		t.Fatal("expected resolved event on first call")
	}

	if err := sink.MarkResolved(ctx, rec.ID, "fixed again"); err != nil {
		t.Fatalf("second MarkResolved: %v", err)
	}
	select {
	case evt := <-sub.C():
		t.Fatalf("did not expect a second resolved event: %+v", evt)
	default:
	}
}

func TestMarkResolvedNotFound(t *testing.T) {
	sink, _ := newTestSink(t)
	if err := sink.MarkResolved(context.Background(), 99999, ""); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestGetSummaryAggregatesByKindAndProcess(t *testing.T) {
	sink, _ := newTestSink(t)
	ctx := context.Background()
	if _, err := sink.RecordError(ctx, "p1", "ENOMEM", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := sink.RecordError(ctx, "p1", "ENOMEM", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := sink.RecordError(ctx, "p1", "ENOENT", ""); err != nil {
		t.Fatal(err)
	}
	sum, err := sink.GetSummary(ctx, "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 3 {
		t.Errorf("total = %d, want 3", sum.Total)
	}
	if sum.ByKind["OutOfMemory"] != 2 || sum.ByKind["FileNotFound"] != 1 {
		t.Errorf("byKind = %+v", sum.ByKind)
	}
	if sum.Unresolved != 3 {
		t.Errorf("unresolved = %d, want 3", sum.Unresolved)
	}
}

func TestGetTrendsBucketsDescending(t *testing.T) {
	sink, st := newTestSink(t)
	ctx := context.Background()
	base := int64(1_000_000_000)
	for i, ts := range []int64{base, base + 10, base + 3_600_000, base + 3_600_010} {
		rec := model.ErrorRecord{ProcessID: "p1", Kind: "X", Timestamp: ts, Message: "boom"}
		if _, err := st.InsertError(ctx, rec); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	buckets, err := sink.GetTrends(ctx, "p1", 3_600_000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d: %+v", len(buckets), buckets)
	}
	if buckets[0].BucketStart < buckets[1].BucketStart {
		t.Errorf("buckets not descending: %+v", buckets)
	}
	for _, b := range buckets {
		if b.Count != 2 {
			t.Errorf("bucket %+v: count = %d, want 2", b, b.Count)
		}
	}
}

func TestGetSimilarOrdersByTimeDistance(t *testing.T) {
	sink, st := newTestSink(t)
	ctx := context.Background()
	ref := int64(1_000_000)
	refID, err := st.InsertError(ctx, model.ErrorRecord{ProcessID: "p1", Kind: "OutOfMemory", Timestamp: ref, Message: "ENOMEM"})
	if err != nil {
		t.Fatal(err)
	}
	near, err := st.InsertError(ctx, model.ErrorRecord{ProcessID: "p1", Kind: "OutOfMemory", Timestamp: ref + 100, Message: "ENOMEM"})
	if err != nil {
		t.Fatal(err)
	}
	far, err := st.InsertError(ctx, model.ErrorRecord{ProcessID: "p1", Kind: "OutOfMemory", Timestamp: ref + 10000, Message: "ENOMEM"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertError(ctx, model.ErrorRecord{ProcessID: "p1", Kind: "FileNotFound", Timestamp: ref + 1, Message: "ENOENT"}); err != nil {
		t.Fatal(err)
	}

	similar, err := sink.GetSimilar(ctx, refID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(similar) != 2 {
		t.Fatalf("expected 2 similar errors, got %d: %+v", len(similar), similar)
	}
	if similar[0].ID != near || similar[1].ID != far {
		t.Errorf("unexpected order: %+v", similar)
	}
}
