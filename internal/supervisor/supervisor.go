// Package supervisor owns the running child processes, drives each one
// through its lifecycle state machine, and captures its output.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/arrowops/procsupd/internal/apperr"
	"github.com/arrowops/procsupd/internal/config"
	"github.com/arrowops/procsupd/internal/errorsink"
	"github.com/arrowops/procsupd/internal/eventbus"
	"github.com/arrowops/procsupd/internal/logger"
	"github.com/arrowops/procsupd/internal/logsink"
	"github.com/arrowops/procsupd/internal/metrics"
	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/store"
)

// HealthRegistrar is the narrow surface the health prober exposes to the
// Supervisor, kept here (rather than importing internal/health directly)
// so the two packages can evolve independently.
type HealthRegistrar interface {
	Register(processID, command string, intervalMs int64)
	Unregister(processID string)
}

// ProcessConfig is the input to StartProcess and the merge target of
// RestartProcess overrides.
type ProcessConfig struct {
	ID               string
	Name             string
	Command          string
	Args             []string
	Env              map[string]string
	Cwd              string
	AutoRestart      bool
	HealthCommand    string
	HealthIntervalMs int64
	GroupID          string
	LogDir           string // optional rotating-file tee directory
}

// StateChangeEvent is published every time a process row is persisted
// (status transitions, health results, group changes), carrying the status
// at that moment.
type StateChangeEvent struct {
	ProcessID string
	Status    model.ProcessStatus
}

// Supervisor owns every managed process handle and serializes lifecycle
// operations per process through a dedicated command goroutine.
type Supervisor struct {
	cfg   *config.Config
	st    *store.Store
	logs  *logsink.Sink
	errs  *errorsink.Sink
	health HealthRegistrar

	mu    sync.Mutex
	procs map[string]*handle

	stateChange *eventbus.Bus[StateChangeEvent]
}

// New constructs a Supervisor. health may be nil when health probing is not
// wired in (the core engine still functions without it).
func New(cfg *config.Config, st *store.Store, logs *logsink.Sink, errs *errorsink.Sink, health HealthRegistrar) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		st:          st,
		logs:        logs,
		errs:        errs,
		health:      health,
		procs:       make(map[string]*handle),
		stateChange: eventbus.New[StateChangeEvent](256),
	}
}

// SubscribeStateChange returns a subscription delivering every status
// transition of every managed process.
func (s *Supervisor) SubscribeStateChange() *eventbus.Subscription[StateChangeEvent] {
	return s.stateChange.Subscribe()
}

// SetHealthRegistrar wires the health prober in after construction, which
// breaks the Supervisor/HealthProber construction cycle: the prober needs a
// live *Supervisor to call back into, and the Supervisor needs a
// HealthRegistrar to notify of starts/stops, so the caller builds the
// Supervisor with a nil registrar, builds the prober from it, then wires it
// back in before starting any processes.
func (s *Supervisor) SetHealthRegistrar(h HealthRegistrar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// GetProcess returns the current in-memory view of one managed process.
func (s *Supervisor) GetProcess(id string) (*model.Process, bool) {
	h, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	return h.toModel(), true
}

// SetHealthStatus records the outcome of a health probe against a managed
// process and persists it. Unknown ids are ignored (the process may have
// been removed between probe scheduling and completion).
func (s *Supervisor) SetHealthStatus(id string, status model.HealthStatus, at time.Time) {
	h, ok := s.lookup(id)
	if !ok {
		return
	}
	h.mu.Lock()
	h.healthStatus = status
	h.lastHealthCheck = at
	h.mu.Unlock()
	s.persistProcess(h)
}

// UpdateGroupID sets the live handle's GroupID for a managed process and
// persists it, so a group reassignment survives the next state-change
// persist instead of being reverted by it. Unknown ids are a no-op: the
// process may not be managed by this Supervisor instance (e.g. it was
// started by a different `serve` process and only exists as a Store row).
func (s *Supervisor) UpdateGroupID(id, groupID string) {
	h, ok := s.lookup(id)
	if !ok {
		return
	}
	h.mu.Lock()
	h.cfg.GroupID = groupID
	h.mu.Unlock()
	s.persistProcess(h)
}

// Reconcile moves any row persisted as RUNNING or STARTING (left over from a
// prior, now-dead process) to STOPPED. Call once at startup before accepting
// new lifecycle operations.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	for _, st := range []model.ProcessStatus{model.StatusRunning, model.StatusStarting} {
		rows, err := s.st.ListProcesses(ctx, store.ProcessFilter{Status: st})
		if err != nil {
			return err
		}
		for _, p := range rows {
			p.Status = model.StatusStopped
			p.PID = 0
			p.StoppedAt = time.Now()
			if err := s.st.UpsertProcess(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Supervisor) runningCountLocked() int {
	n := 0
	for _, h := range s.procs {
		if h.snapshotStatus() == model.StatusRunning || h.snapshotStatus() == model.StatusStarting {
			n++
		}
	}
	return n
}

// StartProcess spawns a new managed process per pc, persisting the row
// before the child is exec'd.
func (s *Supervisor) StartProcess(ctx context.Context, pc ProcessConfig) (*model.Process, error) {
	if !s.cfg.IsCommandAllowed(pc.Command) {
		return nil, apperr.ErrCommandNotAllowed
	}

	s.mu.Lock()
	if s.runningCountLocked() >= s.cfg.MaxProcesses {
		s.mu.Unlock()
		return nil, apperr.ErrCapacityExceeded
	}
	id := pc.ID
	if id == "" {
		id = uuid.NewString()
	} else if existing, ok := s.procs[id]; ok {
		switch existing.snapshotStatus() {
		case model.StatusRunning, model.StatusStarting:
			s.mu.Unlock()
			return nil, apperr.ErrAlreadyRunning
		}
	}
	pc.ID = id
	h := newHandle(id, pc)
	s.procs[id] = h
	s.mu.Unlock()

	go h.run(s)

	reply := make(chan error, 1)
	select {
	case h.cmdChan <- cmdMsg{action: actionStart, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.toModel(), nil
}

func (s *Supervisor) lookup(id string) (*handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.procs[id]
	return h, ok
}

// StopProcess signals id to terminate. A no-op when id is not RUNNING.
func (s *Supervisor) StopProcess(ctx context.Context, id string, force bool) error {
	h, ok := s.lookup(id)
	if !ok {
		return apperr.ErrNotFound
	}
	reply := make(chan error, 1)
	select {
	case h.cmdChan <- cmdMsg{action: actionStop, force: force, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestartProcess merges overrides over the current config, stops the
// process (non-force), and starts it again with the merged config.
func (s *Supervisor) RestartProcess(ctx context.Context, id string, overrides *ProcessConfig) (*model.Process, error) {
	return s.restart(ctx, id, overrides, false)
}

// Kill is RestartProcess with force=true semantics: the stop phase sends
// SIGKILL at once and re-sends it on a 1s watchdog instead of 5s.
func (s *Supervisor) Kill(ctx context.Context, id string) (*model.Process, error) {
	return s.restart(ctx, id, nil, true)
}

func (s *Supervisor) restart(ctx context.Context, id string, overrides *ProcessConfig, force bool) (*model.Process, error) {
	h, ok := s.lookup(id)
	if !ok {
		return nil, apperr.ErrNotFound
	}
	reply := make(chan error, 1)
	select {
	case h.cmdChan <- cmdMsg{action: actionRestart, overrides: overrides, force: force, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.toModel(), nil
}

// ListFilter narrows ListProcesses to in-memory handles.
type ListFilter struct {
	Status  model.ProcessStatus
	GroupID string
}

// ListProcesses returns the current in-memory view of every managed
// process matching f.
func (s *Supervisor) ListProcesses(f ListFilter) []*model.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Process, 0, len(s.procs))
	for _, h := range s.procs {
		p := h.toModel()
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.GroupID != "" && p.GroupID != f.GroupID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// RunningProcesses reports the id and pid of every currently RUNNING
// process, for the metrics collector to sample. Satisfies metrics.ProcessSource.
func (s *Supervisor) RunningProcesses() []metrics.RunningProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metrics.RunningProcess, 0, len(s.procs))
	for _, h := range s.procs {
		p := h.toModel()
		if p.Running() {
			out = append(out, metrics.RunningProcess{ID: p.ID, PID: int32(p.PID)})
		}
	}
	return out
}

// Shutdown stops every RUNNING process in parallel (non-force) and waits
// for each command loop to exit. Call before closing the Store.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			reply := make(chan error, 1)
			select {
			case h.cmdChan <- cmdMsg{action: actionShutdown, reply: reply}:
				<-reply
			case <-ctx.Done():
			}
			<-h.doneChan
		}(h)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) persistProcess(h *handle) {
	p := h.toModel()
	if err := s.st.UpsertProcess(context.Background(), p); err != nil {
		emitSystemLog(s, h.id, model.LevelError, "persist failed: "+err.Error())
	}
	s.stateChange.Publish(StateChangeEvent{ProcessID: h.id, Status: p.Status})
}

func emitSystemLog(s *Supervisor, processID string, level model.LogLevel, msg string) {
	s.logs.AddLog(model.LogRecord{
		ProcessID: processID,
		Stream:    model.StreamSystem,
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
	})
}

func mergeConfig(base ProcessConfig, overrides ProcessConfig) ProcessConfig {
	merged := base
	if overrides.Command != "" {
		merged.Command = overrides.Command
	}
	if overrides.Args != nil {
		merged.Args = overrides.Args
	}
	if overrides.Env != nil {
		merged.Env = overrides.Env
	}
	if overrides.Cwd != "" {
		merged.Cwd = overrides.Cwd
	}
	if overrides.HealthCommand != "" {
		merged.HealthCommand = overrides.HealthCommand
	}
	if overrides.HealthIntervalMs != 0 {
		merged.HealthIntervalMs = overrides.HealthIntervalMs
	}
	if overrides.GroupID != "" {
		merged.GroupID = overrides.GroupID
	}
	if overrides.LogDir != "" {
		merged.LogDir = overrides.LogDir
	}
	merged.AutoRestart = overrides.AutoRestart || base.AutoRestart
	return merged
}

// lineWriter splits a byte stream into newline-delimited frames and invokes
// onFrame for each non-empty one. Partial trailing data is held until the
// next Write completes it.
type lineWriter struct {
	mu      sync.Mutex
	pending []byte
	onFrame func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		i := indexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		frame := strings.TrimRight(string(w.pending[:i]), "\r")
		w.pending = w.pending[i+1:]
		if frame != "" {
			w.onFrame(frame)
		}
	}
	return len(p), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (s *Supervisor) newStreamWriter(processID string, stream model.LogStream, level model.LogLevel) *lineWriter {
	return &lineWriter{onFrame: func(frame string) {
		s.logs.AddLog(model.LogRecord{
			ProcessID: processID,
			Stream:    stream,
			Message:   frame,
			Timestamp: time.Now().UnixMilli(),
			Level:     level,
		})
	}}
}

func buildTee(dir, name string, maxSizeMB int) (io.WriteCloser, io.WriteCloser) {
	if dir == "" {
		return nil, nil
	}
	_ = os.MkdirAll(dir, 0o750)
	outW, errW, _ := logger.Config{Dir: dir, MaxSizeMB: maxSizeMB}.Writers(name)
	return outW, errW
}

// classifyExit maps a cmd.Wait error to a terminal status and the
// SYSTEM log message describing it, in the "exited with code N, signal
// name" wording used throughout the external schema's log records.
func classifyExit(err error) (model.ProcessStatus, string) {
	if err == nil {
		return model.StatusStopped, "exited with code 0, signal null"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return model.StatusStopped, fmt.Sprintf("exited with code null, signal %s", ws.Signal())
		}
		code := exitErr.ExitCode()
		if code == 0 {
			return model.StatusStopped, "exited with code 0, signal null"
		}
		return model.StatusCrashed, fmt.Sprintf("exited with code %d, signal null", code)
	}
	return model.StatusCrashed, "exited with code null, signal null"
}
