// Package errorsink categorizes and records process-level errors and
// serves incident-review queries (summaries, trends, similarity).
package errorsink

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/arrowops/procsupd/internal/eventbus"
	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/store"
)

// ResolvedEvent is published whenever markResolved newly resolves a record.
type ResolvedEvent struct {
	ID   int64
	Note string
}

// Sink classifies and persists process errors on behalf of the Supervisor
// and serves incident-review queries.
type Sink struct {
	st        *store.Store
	newErrors *eventbus.Bus[model.ErrorRecord]
	critical  *eventbus.Bus[model.ErrorRecord]
	resolved  *eventbus.Bus[ResolvedEvent]
}

// New constructs a Sink backed by st.
func New(st *store.Store) *Sink {
	return &Sink{
		st:        st,
		newErrors: eventbus.New[model.ErrorRecord](256),
		critical:  eventbus.New[model.ErrorRecord](64),
		resolved:  eventbus.New[ResolvedEvent](64),
	}
}

// SubscribeNewErrors returns a subscription delivering every recorded error.
func (s *Sink) SubscribeNewErrors() *eventbus.Subscription[model.ErrorRecord] {
	return s.newErrors.Subscribe()
}

// SubscribeCritical returns a subscription delivering only critical errors.
func (s *Sink) SubscribeCritical() *eventbus.Subscription[model.ErrorRecord] {
	return s.critical.Subscribe()
}

// SubscribeResolved returns a subscription delivering resolution events.
func (s *Sink) SubscribeResolved() *eventbus.Subscription[ResolvedEvent] {
	return s.resolved.Subscribe()
}

// RecordError classifies msg, persists the resulting ErrorRecord, and
// emits newError (and criticalError, when applicable) events.
func (s *Sink) RecordError(ctx context.Context, processID, msg, stack string) (model.ErrorRecord, error) {
	kind, critical := classify(msg)
	now := time.Now().UnixMilli()
	rec := model.ErrorRecord{ProcessID: processID, Kind: kind, Message: msg, Stack: stack, Timestamp: now}
	id, err := s.st.InsertError(ctx, rec)
	if err != nil {
		return model.ErrorRecord{}, err
	}
	rec.ID = id
	s.newErrors.Publish(rec)
	if critical {
		s.critical.Publish(rec)
	}
	return rec, nil
}

// GetErrors returns errors matching f.
func (s *Sink) GetErrors(ctx context.Context, f store.ErrorFilter) ([]model.ErrorRecord, error) {
	return s.st.GetErrors(ctx, f)
}

// GetLatestErrors returns up to limit errors, newest first, optionally
// restricted to unresolved ones.
func (s *Sink) GetLatestErrors(ctx context.Context, limit int, unresolvedOnly bool) ([]model.ErrorRecord, error) {
	return s.st.GetErrors(ctx, store.ErrorFilter{Limit: limit, UnresolvedOnly: unresolvedOnly})
}

// MarkResolved marks error id resolved with an optional note. A second call
// on an already-resolved row succeeds but does not re-emit the resolved
// event. Fails with ErrNotFound when id is absent.
func (s *Sink) MarkResolved(ctx context.Context, id int64, note string) error {
	before, err := s.st.GetErrorByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.st.MarkResolved(ctx, id, note); err != nil {
		return err
	}
	if !before.Resolved {
		s.resolved.Publish(ResolvedEvent{ID: id, Note: note})
	}
	return nil
}

// Summary is the result of GetSummary.
type Summary struct {
	Total      int
	Unresolved int
	ByKind     map[string]int
	ByProcess  map[string]int
	MostRecent *model.ErrorRecord
	RatePerHr  float64
}

// GetSummary aggregates errors for processID (all processes when empty)
// within the trailing window (all time when zero).
func (s *Sink) GetSummary(ctx context.Context, processID string, window time.Duration) (Summary, error) {
	f := store.ErrorFilter{ProcessID: processID}
	hoursInWindow := 0.0
	if window > 0 {
		f.StartTime = time.Now().Add(-window).UnixMilli()
		hoursInWindow = window.Hours()
	}
	recs, err := s.st.GetErrors(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{ByKind: map[string]int{}, ByProcess: map[string]int{}}
	for i, r := range recs {
		sum.Total++
		if !r.Resolved {
			sum.Unresolved++
		}
		sum.ByKind[r.Kind]++
		sum.ByProcess[r.ProcessID]++
		if sum.MostRecent == nil || r.Timestamp > sum.MostRecent.Timestamp {
			sum.MostRecent = &recs[i]
		}
	}
	divisor := math.Max(hoursInWindow, 1)
	sum.RatePerHr = float64(sum.Total) / divisor
	return sum, nil
}

// TrendBucket is one time-bucketed slice of GetTrends.
type TrendBucket struct {
	BucketStart int64
	Count       int
	ByKind      map[string]int
}

// GetTrends buckets errors for processID (all when empty) into bucketMs-wide
// windows, returning up to limit buckets ordered from most to least recent.
func (s *Sink) GetTrends(ctx context.Context, processID string, bucketMs int64, limit int) ([]TrendBucket, error) {
	if bucketMs <= 0 {
		bucketMs = 3600000
	}
	recs, err := s.st.GetErrors(ctx, store.ErrorFilter{ProcessID: processID})
	if err != nil {
		return nil, err
	}
	buckets := map[int64]*TrendBucket{}
	for _, r := range recs {
		start := (r.Timestamp / bucketMs) * bucketMs
		b, ok := buckets[start]
		if !ok {
			b = &TrendBucket{BucketStart: start, ByKind: map[string]int{}}
			buckets[start] = b
		}
		b.Count++
		b.ByKind[r.Kind]++
	}
	out := make([]TrendBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart > out[j].BucketStart })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSimilar returns other errors sharing id's kind and process, ordered by
// absolute timestamp distance from id ascending.
func (s *Sink) GetSimilar(ctx context.Context, id int64, limit int) ([]model.ErrorRecord, error) {
	ref, err := s.st.GetErrorByID(ctx, id)
	if err != nil {
		return nil, err
	}
	recs, err := s.st.GetErrors(ctx, store.ErrorFilter{ProcessID: ref.ProcessID, Kind: ref.Kind, Limit: 0})
	if err != nil {
		return nil, err
	}
	var out []model.ErrorRecord
	for _, r := range recs {
		if r.ID == ref.ID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return absInt64(out[i].Timestamp-ref.Timestamp) < absInt64(out[j].Timestamp-ref.Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
