// Package group coordinates named collections of processes with ordered
// startup, configurable-strategy shutdown, and aggregate status.
package group

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arrowops/procsupd/internal/eventbus"
	"github.com/arrowops/procsupd/internal/model"
	"github.com/arrowops/procsupd/internal/store"
	"github.com/arrowops/procsupd/internal/supervisor"
)

// StopStrategy selects how stopGroup sequences its member stops.
type StopStrategy int

const (
	StopReverse StopStrategy = iota
	StopSequential
	StopParallel
)

// StartedEvent is published once per startGroup call with every member
// that was successfully started.
type StartedEvent struct {
	GroupID string
	Started []*model.Process
}

// StartErrorsEvent is published once per startGroup call when at least one
// member failed to start.
type StartErrorsEvent struct {
	GroupID string
	Errors  []MemberError
}

// MemberError pairs a group member id with the error starting it.
type MemberError struct {
	ProcessID string
	Err       string
}

// Status aggregates member counts for getGroupStatus.
type Status struct {
	Running        int
	Stopped        int
	FailedOrCrashed int
	Healthy        int
	Total          int
}

// Orchestrator implements named-group lifecycle coordination over a
// Supervisor and the Store's persisted group/process rows.
type Orchestrator struct {
	sup *supervisor.Supervisor
	st  *store.Store

	started      *eventbus.Bus[StartedEvent]
	startErrors  *eventbus.Bus[StartErrorsEvent]
}

// New constructs an Orchestrator.
func New(sup *supervisor.Supervisor, st *store.Store) *Orchestrator {
	return &Orchestrator{
		sup:         sup,
		st:          st,
		started:     eventbus.New[StartedEvent](32),
		startErrors: eventbus.New[StartErrorsEvent](32),
	}
}

// SubscribeStarted delivers a StartedEvent after every startGroup call.
func (o *Orchestrator) SubscribeStarted() *eventbus.Subscription[StartedEvent] {
	return o.started.Subscribe()
}

// SubscribeStartErrors delivers a StartErrorsEvent whenever a startGroup
// call leaves at least one member unstarted.
func (o *Orchestrator) SubscribeStartErrors() *eventbus.Subscription[StartErrorsEvent] {
	return o.startErrors.Subscribe()
}

// CreateGroup persists a new named group.
func (o *Orchestrator) CreateGroup(ctx context.Context, name, description string, startupOrder []string) (*model.Group, error) {
	g := &model.Group{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  description,
		CreatedAt:    time.Now(),
		StartupOrder: append([]string(nil), startupOrder...),
	}
	if err := o.st.UpsertGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// AddToGroup assigns processID to groupID, appending it to the group's
// startupOrder if it is not already present.
func (o *Orchestrator) AddToGroup(ctx context.Context, processID, groupID string) error {
	p, err := o.st.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	p.GroupID = groupID
	if err := o.st.UpsertProcess(ctx, p); err != nil {
		return err
	}
	o.sup.UpdateGroupID(processID, groupID)

	g, err := o.st.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, id := range g.StartupOrder {
		if id == processID {
			return nil
		}
	}
	g.StartupOrder = append(g.StartupOrder, processID)
	return o.st.UpsertGroup(ctx, g)
}

// RemoveFromGroup clears processID's group assignment and removes it from
// its former group's startupOrder.
func (o *Orchestrator) RemoveFromGroup(ctx context.Context, processID string) error {
	p, err := o.st.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	groupID := p.GroupID
	if groupID == "" {
		return nil
	}
	p.GroupID = ""
	if err := o.st.UpsertProcess(ctx, p); err != nil {
		return err
	}
	o.sup.UpdateGroupID(processID, "")

	g, err := o.st.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	out := g.StartupOrder[:0]
	for _, id := range g.StartupOrder {
		if id != processID {
			out = append(out, id)
		}
	}
	g.StartupOrder = out
	return o.st.UpsertGroup(ctx, g)
}

// StartOption configures StartGroup.
type StartOption func(*startConfig)

type startConfig struct {
	startupDelay time.Duration
	skipRunning  bool
}

// WithStartupDelay overrides the default 1s pause between member starts.
func WithStartupDelay(d time.Duration) StartOption {
	return func(c *startConfig) { c.startupDelay = d }
}

// WithSkipRunning overrides the default (true) of skipping members that are
// already RUNNING.
func WithSkipRunning(skip bool) StartOption {
	return func(c *startConfig) { c.skipRunning = skip }
}

// orderedMembers returns a group's members in startupOrder, followed by any
// remaining members in Store discovery order.
func (o *Orchestrator) orderedMembers(ctx context.Context, gid string) ([]*model.Process, error) {
	g, err := o.st.GetGroup(ctx, gid)
	if err != nil {
		return nil, err
	}
	all, err := o.st.ListProcesses(ctx, store.ProcessFilter{GroupID: gid})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Process, len(all))
	for _, p := range all {
		byID[p.ID] = p
	}

	seen := make(map[string]bool, len(all))
	ordered := make([]*model.Process, 0, len(all))
	for _, id := range g.StartupOrder {
		if p, ok := byID[id]; ok && !seen[id] {
			ordered = append(ordered, p)
			seen[id] = true
		}
	}
	for _, p := range all {
		if !seen[p.ID] {
			ordered = append(ordered, p)
			seen[p.ID] = true
		}
	}
	return ordered, nil
}

// StartGroup starts every member of gid in startupOrder (then any
// unordered members in discovery order), skipping already-RUNNING members
// by default, pausing startupDelay between attempts. Failures are
// collected rather than aborting the remaining members.
func (o *Orchestrator) StartGroup(ctx context.Context, gid string, opts ...StartOption) ([]*model.Process, error) {
	cfg := startConfig{startupDelay: time.Second, skipRunning: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	members, err := o.orderedMembers(ctx, gid)
	if err != nil {
		return nil, err
	}

	var started []*model.Process
	var errs []MemberError
	for i, p := range members {
		if cfg.skipRunning && p.Status == model.StatusRunning {
			continue
		}
		sp, err := o.sup.StartProcess(ctx, supervisor.ProcessConfig{
			ID: p.ID, Name: p.Name, Command: p.Command, Args: p.Args, Env: p.Env, Cwd: p.Cwd,
			AutoRestart: p.AutoRestart, HealthCommand: p.HealthCommand, HealthIntervalMs: p.HealthIntervalMs,
			GroupID: p.GroupID,
		})
		if err != nil {
			errs = append(errs, MemberError{ProcessID: p.ID, Err: err.Error()})
		} else {
			started = append(started, sp)
		}
		if i < len(members)-1 {
			time.Sleep(cfg.startupDelay)
		}
	}

	if len(errs) > 0 {
		o.startErrors.Publish(StartErrorsEvent{GroupID: gid, Errors: errs})
	}
	o.started.Publish(StartedEvent{GroupID: gid, Started: started})
	return started, nil
}

// StopOptions configures StopGroup.
type StopOptions struct {
	Strategy StopStrategy
	Force    bool
}

// StopGroup stops every member of gid per opts.Strategy. Member stop errors
// are logged, not returned; only a failure to look up the group or its
// members is returned.
func (o *Orchestrator) StopGroup(ctx context.Context, gid string, opts StopOptions) error {
	members, err := o.orderedMembers(ctx, gid)
	if err != nil {
		return err
	}

	switch opts.Strategy {
	case StopParallel:
		var wg sync.WaitGroup
		for _, p := range members {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if err := o.sup.StopProcess(ctx, id, opts.Force); err != nil {
					slog.Warn("group member stop failed", "group_id", gid, "process_id", id, "error", err)
				}
			}(p.ID)
		}
		wg.Wait()
	case StopSequential:
		for _, p := range members {
			if err := o.sup.StopProcess(ctx, p.ID, opts.Force); err != nil {
				slog.Warn("group member stop failed", "group_id", gid, "process_id", p.ID, "error", err)
			}
		}
	default: // StopReverse
		for i := len(members) - 1; i >= 0; i-- {
			if err := o.sup.StopProcess(ctx, members[i].ID, opts.Force); err != nil {
				slog.Warn("group member stop failed", "group_id", gid, "process_id", members[i].ID, "error", err)
			}
		}
	}
	return nil
}

// GetGroupStatus returns aggregate member counts for gid.
func (o *Orchestrator) GetGroupStatus(ctx context.Context, gid string) (Status, error) {
	members, err := o.st.ListProcesses(ctx, store.ProcessFilter{GroupID: gid})
	if err != nil {
		return Status{}, err
	}
	var st Status
	st.Total = len(members)
	for _, p := range members {
		switch p.Status {
		case model.StatusRunning:
			st.Running++
		case model.StatusStopped:
			st.Stopped++
		case model.StatusFailed, model.StatusCrashed:
			st.FailedOrCrashed++
		}
		if p.HealthStatus == model.HealthHealthy {
			st.Healthy++
		}
	}
	return st, nil
}

// DeleteGroup removes gid. Fails with apperr.ErrGroupNotEmpty if any
// process still references it.
func (o *Orchestrator) DeleteGroup(ctx context.Context, gid string) error {
	return o.st.DeleteGroup(ctx, gid)
}
