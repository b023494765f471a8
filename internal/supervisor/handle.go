package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/arrowops/procsupd/internal/apperr"
	"github.com/arrowops/procsupd/internal/env"
	"github.com/arrowops/procsupd/internal/model"
)

type action int

const (
	actionStart action = iota
	actionStop
	actionRestart
	actionShutdown
)

type cmdMsg struct {
	action    action
	overrides *ProcessConfig
	force     bool
	reply     chan error
}

// handle is the single-goroutine command-channel state machine for one
// managed process. All start/stop/restart/kill operations for a given
// process id are serialized through cmdChan; exit detection runs in its
// own goroutine (watchExit) so a blocking stop never deadlocks against the
// process reaping that must complete it.
type handle struct {
	id string

	mu              sync.Mutex
	cfg             ProcessConfig
	status          model.ProcessStatus
	pid             int
	restartCount    int
	createdAt       time.Time
	startedAt       time.Time
	stoppedAt       time.Time
	healthStatus    model.HealthStatus
	lastHealthCheck time.Time
	cmd             *exec.Cmd
	waitDone     chan struct{}
	teeOut       io.WriteCloser
	teeErr       io.WriteCloser

	cmdChan  chan cmdMsg
	doneChan chan struct{}
}

func newHandle(id string, cfg ProcessConfig) *handle {
	return &handle{
		id:           id,
		cfg:          cfg,
		status:       model.StatusStarting,
		healthStatus: model.HealthUnknown,
		createdAt:    time.Now(),
		cmdChan:      make(chan cmdMsg, 16),
		doneChan:     make(chan struct{}),
	}
}

func (h *handle) snapshotStatus() model.ProcessStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *handle) toModel() *model.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &model.Process{
		ID:               h.id,
		Name:             h.cfg.Name,
		Command:          h.cfg.Command,
		Args:             append([]string(nil), h.cfg.Args...),
		Env:              h.cfg.Env,
		Cwd:              h.cfg.Cwd,
		AutoRestart:      h.cfg.AutoRestart,
		HealthCommand:    h.cfg.HealthCommand,
		HealthIntervalMs: h.cfg.HealthIntervalMs,
		GroupID:          h.cfg.GroupID,
		Status:           h.status,
		HealthStatus:     h.healthStatus,
		PID:              h.pid,
		CreatedAt:        h.createdAt,
		StartedAt:        h.startedAt,
		StoppedAt:        h.stoppedAt,
		RestartCount:     h.restartCount,
		LastHealthCheck:  h.lastHealthCheck,
	}
}

// run is the command loop: one goroutine per managed process for its
// entire lifetime, processing start/stop/restart/shutdown in arrival order.
func (h *handle) run(sup *Supervisor) {
	defer close(h.doneChan)
	for msg := range h.cmdChan {
		var err error
		switch msg.action {
		case actionStart:
			err = h.doStart(sup, msg.overrides)
		case actionStop:
			err = h.doStop(msg.force)
		case actionRestart:
			err = h.handleRestart(sup, msg.overrides, msg.force)
		case actionShutdown:
			err = h.doStop(false)
			if msg.reply != nil {
				msg.reply <- err
			}
			return
		}
		if msg.reply != nil {
			msg.reply <- err
		}
	}
}

func (h *handle) doStart(sup *Supervisor, overrides *ProcessConfig) error {
	h.mu.Lock()
	switch h.status {
	case model.StatusRunning:
		h.mu.Unlock()
		return apperr.ErrAlreadyRunning
	case model.StatusStarting:
		// allowed: the initial start. Stopped, crashed and failed handles
		// (a restart) also fall through and start again.
	}
	cfg := h.cfg
	if overrides != nil {
		cfg = mergeConfig(cfg, *overrides)
	}
	h.cfg = cfg
	h.status = model.StatusStarting
	h.mu.Unlock()

	sup.persistProcess(h)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Env = env.New().Merge(envPairs(cfg.Env))
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outW := sup.newStreamWriter(h.id, model.StreamStdout, model.LevelInfo)
	errW := sup.newStreamWriter(h.id, model.StreamStderr, model.LevelError)
	teeOut, teeErr := buildTee(cfg.LogDir, cfg.Name, sup.cfg.MaxLogSizeMB)
	if teeOut != nil {
		cmd.Stdout = io.MultiWriter(outW, teeOut)
	} else {
		cmd.Stdout = outW
	}
	if teeErr != nil {
		cmd.Stderr = io.MultiWriter(errW, teeErr)
	} else {
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		h.mu.Lock()
		h.status = model.StatusFailed
		h.pid = 0
		h.mu.Unlock()
		sup.persistProcess(h)
		emitSystemLog(sup, h.id, model.LevelError, "spawn failed: "+err.Error())
		if sup.errs != nil {
			_, _ = sup.errs.RecordError(context.Background(), h.id, "spawn failed: "+err.Error(), "")
		}
		return fmt.Errorf("%s: %w", err.Error(), apperr.ErrSpawnFailed)
	}

	wd := make(chan struct{})
	h.mu.Lock()
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.status = model.StatusRunning
	h.startedAt = time.Now()
	h.waitDone = wd
	h.teeOut, h.teeErr = teeOut, teeErr
	h.mu.Unlock()

	sup.persistProcess(h)
	emitSystemLog(sup, h.id, model.LevelInfo, "process started")

	go sup.watchExit(h, cmd, wd)

	if cfg.HealthCommand != "" && cfg.HealthIntervalMs > 0 && sup.health != nil {
		sup.health.Register(h.id, cfg.HealthCommand, cfg.HealthIntervalMs)
	}
	return nil
}

func (h *handle) doStop(force bool) error {
	h.mu.Lock()
	if h.status != model.StatusRunning {
		h.mu.Unlock()
		return nil
	}
	pid := h.pid
	wd := h.waitDone
	h.mu.Unlock()
	if pid == 0 || wd == nil {
		return nil
	}

	sig := syscall.SIGTERM
	timeout := 5 * time.Second
	if force {
		sig = syscall.SIGKILL
		timeout = 1 * time.Second
	}
	_ = syscall.Kill(-pid, sig)
	select {
	case <-wd:
	case <-time.After(timeout):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-wd
	}
	return nil
}

func (h *handle) handleRestart(sup *Supervisor, overrides *ProcessConfig, force bool) error {
	_ = h.doStop(force)
	h.mu.Lock()
	h.restartCount++
	h.mu.Unlock()
	return h.doStart(sup, overrides)
}

// watchExit reaps the child, finalizes lifecycle state, and (if the process
// crashed and autoRestart is set) enqueues a fresh start. It never touches
// cmdChan synchronously, so a concurrent doStop blocked on wd cannot
// deadlock against it.
func (s *Supervisor) watchExit(h *handle, cmd *exec.Cmd, wd chan struct{}) {
	err := cmd.Wait()
	status, exitMsg := classifyExit(err)

	h.mu.Lock()
	teeOut, teeErr := h.teeOut, h.teeErr
	h.status = status
	h.pid = 0
	h.stoppedAt = time.Now()
	h.teeOut, h.teeErr = nil, nil
	autoRestart := h.cfg.AutoRestart
	close(wd)
	h.mu.Unlock()

	if teeOut != nil {
		_ = teeOut.Close()
	}
	if teeErr != nil {
		_ = teeErr.Close()
	}

	s.persistProcess(h)
	if status == model.StatusCrashed {
		emitSystemLog(s, h.id, model.LevelError, exitMsg)
		if s.errs != nil {
			_, _ = s.errs.RecordError(context.Background(), h.id, exitMsg, "")
		}
	} else {
		emitSystemLog(s, h.id, model.LevelInfo, exitMsg)
	}
	if s.health != nil {
		s.health.Unregister(h.id)
	}

	if autoRestart && status == model.StatusCrashed {
		go func() {
			reply := make(chan error, 1)
			select {
			case h.cmdChan <- cmdMsg{action: actionRestart, reply: reply}:
				<-reply
			case <-h.doneChan:
			}
		}()
	}
}

// envPairs flattens a process's configured environment overrides into
// KEY=VALUE pairs for env.Env.Merge.
func envPairs(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	out := make([]string, 0, len(overrides))
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
