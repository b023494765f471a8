// Package health runs active liveness/readiness probes against supervised
// processes on a per-process timer and feeds unhealthy results back into
// the Supervisor as health status updates and, when configured, restarts.
package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/arrowops/procsupd/internal/config"
	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/supervisor"
)

const (
	probeTimeout  = 5 * time.Second
	probeOutputCap = 1 << 20 // 1 MiB
)

type registration struct {
	processID  string
	command    string
	intervalMs int64
	stop       chan struct{}
}

// Prober holds one registration per monitored process and ticks each on its
// own interval, calling back into a Supervisor to report results and
// trigger restarts.
type Prober struct {
	sup *supervisor.Supervisor
	cfg *config.Config

	mu   sync.Mutex
	regs map[string]*registration
	wg   sync.WaitGroup
}

// New constructs a Prober bound to sup. sup is typically constructed with a
// nil health registrar and wired back in via sup.SetHealthRegistrar(p) once
// the Prober exists, to break the construction cycle between the two.
func New(sup *supervisor.Supervisor, cfg *config.Config) *Prober {
	return &Prober{sup: sup, cfg: cfg, regs: make(map[string]*registration)}
}

// Register starts (or restarts) health checking for processID at the given
// interval. Satisfies supervisor.HealthRegistrar.
func (p *Prober) Register(processID, command string, intervalMs int64) {
	if intervalMs <= 0 {
		intervalMs = 60000
	}
	reg := &registration{processID: processID, command: command, intervalMs: intervalMs, stop: make(chan struct{})}
	p.mu.Lock()
	p.unregisterLocked(processID)
	p.regs[processID] = reg
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(reg)
}

// Unregister stops health checking for processID. Satisfies
// supervisor.HealthRegistrar. While unregistered, the process is not
// re-probed, per the contract that a restart in flight isn't re-checked
// until its next registration.
func (p *Prober) Unregister(processID string) {
	p.mu.Lock()
	p.unregisterLocked(processID)
	p.mu.Unlock()
}

func (p *Prober) unregisterLocked(processID string) {
	if reg, ok := p.regs[processID]; ok {
		close(reg.stop)
		delete(p.regs, processID)
	}
}

// Shutdown stops every active registration and waits for their goroutines
// to exit.
func (p *Prober) Shutdown() {
	p.mu.Lock()
	for id := range p.regs {
		p.unregisterLocked(id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Prober) run(reg *registration) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Duration(reg.intervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-reg.stop:
			return
		case <-ticker.C:
			p.tick(reg)
		}
	}
}

func (p *Prober) tick(reg *registration) {
	proc, ok := p.sup.GetProcess(reg.processID)
	if !ok || proc.Status != model.StatusRunning {
		return
	}

	result := p.probe(proc)
	p.sup.SetHealthStatus(reg.processID, result, time.Now())

	if result == model.HealthUnhealthy && proc.AutoRestart {
		slog.Warn("health check unhealthy, restarting process", "process_id", reg.processID)
		go func() {
			if _, err := p.sup.RestartProcess(context.Background(), reg.processID, nil); err != nil {
				slog.Error("auto-restart after unhealthy check failed", "process_id", reg.processID, "error", err)
			}
		}()
	}
}

func (p *Prober) probe(proc *model.Process) model.HealthStatus {
	if strings.TrimSpace(proc.HealthCommand) == "" {
		return livenessProbe(proc.PID)
	}
	return p.commandProbe(proc)
}

// livenessProbe sends signal 0 to pid: delivery succeeds iff the process
// exists and is reachable, without actually signaling it.
func livenessProbe(pid int) model.HealthStatus {
	if pid == 0 {
		return model.HealthUnknown
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return model.HealthHealthy
	}
	if errors.Is(err, syscall.ESRCH) {
		return model.HealthUnknown
	}
	return model.HealthUnhealthy
}

func (p *Prober) commandProbe(proc *model.Process) model.HealthStatus {
	parts := strings.Fields(proc.HealthCommand)
	if len(parts) == 0 {
		return model.HealthUnknown
	}
	if !p.cfg.IsCommandAllowed(parts[0]) {
		slog.Warn("health command not allowed", "process_id", proc.ID, "command", parts[0])
		return model.HealthUnhealthy
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	out := &capBuffer{limit: probeOutputCap, onExceed: cancel}
	errOut := &capBuffer{limit: probeOutputCap, onExceed: cancel}
	cmd.Stdout = out
	cmd.Stderr = errOut

	err := cmd.Run()

	if out.exceeded || errOut.exceeded {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		slog.Warn("health command output exceeded cap, killed", "process_id", proc.ID)
		return model.HealthUnhealthy
	}
	if ctx.Err() != nil {
		return model.HealthUnhealthy
	}
	if err != nil {
		return model.HealthUnhealthy
	}
	return model.HealthHealthy
}

// capBuffer counts probe output without keeping it and records when the
// count passes limit, calling onExceed (when set) at that moment so the
// caller can kill the producing process rather than let it run on.
type capBuffer struct {
	limit    int
	n        int
	exceeded bool
	onExceed func()
}

func (c *capBuffer) Write(b []byte) (int, error) {
	if c.exceeded {
		return len(b), nil
	}
	c.n += len(b)
	if c.n > c.limit {
		c.exceeded = true
		if c.onExceed != nil {
			c.onExceed()
		}
	}
	return len(b), nil
}

var _ io.Writer = (*capBuffer)(nil)
