// Package logsink buffers log frames produced by the supervisor, flushes
// them to durable storage in batches, and serves historical and live
// queries over them.
package logsink

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arrowops/procsupd/internal/eventbus"
	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/store"
)

const (
	defaultFlushThreshold = 100
	defaultFlushInterval  = time.Second
	defaultHardCap        = 10000
)

// Sink is a buffered, batching frontend over the Store for log records.
type Sink struct {
	st *store.Store

	flushThreshold int
	hardCap        int

	mu         sync.Mutex
	buf        []model.LogRecord
	failStreak int
	dropped    int64

	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	newLog *eventbus.Bus[model.LogRecord]
}

// Option configures New.
type Option func(*Sink)

// WithFlushThreshold overrides the default record-count flush trigger (100).
func WithFlushThreshold(n int) Option { return func(s *Sink) { s.flushThreshold = n } }

// WithHardCap overrides the default in-memory hard cap (10000).
func WithHardCap(n int) Option { return func(s *Sink) { s.hardCap = n } }

// New constructs a Sink and starts its background flush loop. Callers must
// call Close to stop the loop and flush any remaining buffered records.
func New(st *store.Store, flushInterval time.Duration, opts ...Option) *Sink {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	s := &Sink{
		st:             st,
		flushThreshold: defaultFlushThreshold,
		hardCap:        defaultHardCap,
		flushCh:        make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
		newLog:         eventbus.New[model.LogRecord](512),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.run(flushInterval)
	return s
}

// SubscribeNewLog returns a subscription delivering every record as it is
// durably persisted, in persistence order per processId.
func (s *Sink) SubscribeNewLog() *eventbus.Subscription[model.LogRecord] {
	return s.newLog.Subscribe()
}

func (s *Sink) run(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			s.flush(ctx)
		case <-s.flushCh:
			s.flush(ctx)
		case <-s.closeCh:
			s.flush(ctx)
			return
		}
	}
}

// AddLog enqueues r for asynchronous persistence. It never blocks and never
// fails for a valid record.
func (s *Sink) AddLog(r model.LogRecord) {
	s.mu.Lock()
	s.buf = append(s.buf, r)
	n := len(s.buf)
	if n > s.hardCap {
		drop := n - s.hardCap
		s.buf = s.buf[drop:]
		n = len(s.buf)
		s.dropped += int64(drop)
	}
	s.mu.Unlock()
	if n >= s.flushThreshold {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// Cleanup forces an immediate flush of whatever is currently buffered.
func (s *Sink) Cleanup(ctx context.Context) {
	s.flush(ctx)
}

// Close stops the background flush loop after a final flush.
func (s *Sink) Close() {
	close(s.closeCh)
	s.wg.Wait()
	s.newLog.Close()
}

func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	persisted, err := s.persist(ctx, batch)
	if err != nil {
		slog.Error("log flush failed", "records", len(batch), "error", err)
		s.mu.Lock()
		if s.failStreak == 0 {
			s.failStreak = 1
			merged := append(append([]model.LogRecord{}, batch...), s.buf...)
			if len(merged) > s.hardCap {
				drop := len(merged) - s.hardCap
				merged = merged[drop:]
				s.dropped += int64(drop)
				slog.Warn("dropping oldest buffered log records above hard cap", "dropped", drop)
			}
			s.buf = merged
		} else {
			slog.Error("dropping log batch after repeated flush failure", "dropped", len(batch))
		}
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.failStreak = 0
	s.mu.Unlock()
	for _, r := range persisted {
		s.newLog.Publish(r)
	}
}

func (s *Sink) persist(ctx context.Context, batch []model.LogRecord) ([]model.LogRecord, error) {
	out := make([]model.LogRecord, len(batch))
	copy(out, batch)
	err := s.st.Transaction(ctx, func(ctx context.Context) error {
		for i := range out {
			id, err := s.st.InsertLog(ctx, out[i])
			if err != nil {
				return err
			}
			out[i].ID = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetLogs returns log records matching f.
func (s *Sink) GetLogs(ctx context.Context, f store.LogFilter) ([]model.LogRecord, error) {
	return s.st.GetLogs(ctx, f)
}

// TailResult is returned by TailLogs.
type TailResult struct {
	Records []model.LogRecord
	Sub     *eventbus.Subscription[model.LogRecord]
}

// TailLogs returns the last lines records for processId (all processes when
// empty) in ascending timestamp order. When follow is true the result also
// carries a live subscription to subsequent records.
func (s *Sink) TailLogs(ctx context.Context, processID string, lines int, follow bool) (TailResult, error) {
	recs, err := s.st.GetLogs(ctx, store.LogFilter{ProcessID: processID, Limit: lines})
	if err != nil {
		return TailResult{}, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	res := TailResult{Records: recs}
	if follow {
		res.Sub = s.newLog.Subscribe()
	}
	return res, nil
}

// SearchOptions configures SearchLogs.
type SearchOptions struct {
	ProcessID     string
	CaseSensitive bool
	Limit         int
}

// SearchLogs returns up to opts.Limit (capped at 1000) records whose
// message contains query.
func (s *Sink) SearchLogs(ctx context.Context, query string, opts SearchOptions) ([]model.LogRecord, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	recs, err := s.st.GetLogs(ctx, store.LogFilter{ProcessID: opts.ProcessID, Search: query, Limit: limit})
	if err != nil {
		return nil, err
	}
	if !opts.CaseSensitive {
		return recs, nil
	}
	out := recs[:0]
	for _, r := range recs {
		if strings.Contains(r.Message, query) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ClearLogs deletes records for processId (optionally only those before
// beforeTimestamp) and returns the number removed.
func (s *Sink) ClearLogs(ctx context.Context, processID string, beforeTimestamp *int64) (int64, error) {
	return s.st.ClearLogs(ctx, processID, beforeTimestamp)
}

// Stats is the result of GetLogStats.
type Stats struct {
	Total          int
	ByStream       map[model.LogStream]int
	ByLevel        map[model.LogLevel]int
	OldestTimestamp int64
	NewestTimestamp int64
	ApproxSizeBytes int64
	Dropped         int64
}

// GetLogStats summarizes stored logs for processId. Dropped counts records
// discarded in-memory because the buffer exceeded its hard cap before it
// could be flushed; it is process-agnostic since the drop happens before
// per-process attribution is queryable.
func (s *Sink) GetLogStats(ctx context.Context, processID string) (Stats, error) {
	recs, err := s.st.GetLogs(ctx, store.LogFilter{ProcessID: processID, Limit: 10000})
	if err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	dropped := s.dropped
	s.mu.Unlock()
	st := Stats{ByStream: map[model.LogStream]int{}, ByLevel: map[model.LogLevel]int{}, Dropped: dropped}
	for _, r := range recs {
		st.Total++
		st.ByStream[r.Stream]++
		st.ByLevel[r.Level]++
		st.ApproxSizeBytes += int64(len(r.Message))
		if st.OldestTimestamp == 0 || r.Timestamp < st.OldestTimestamp {
			st.OldestTimestamp = r.Timestamp
		}
		if r.Timestamp > st.NewestTimestamp {
			st.NewestTimestamp = r.Timestamp
		}
	}
	return st, nil
}
