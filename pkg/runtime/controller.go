// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/utils"
)

// teardownTimeout bounds cleanup that runs after the caller's context ended.
const teardownTimeout = 30 * time.Second

// ProvisionRecorder receives provisioning outcomes.
type ProvisionRecorder interface {
	RecordProvision(ctx context.Context, substrate string, duration time.Duration, err error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithHealthChecker replaces the HTTP health check.
func WithHealthChecker(h HealthChecker) Option {
	return func(c *Controller) { c.health = h }
}

// WithBaseEnv sets environment handed to every unit (store connection,
// embedder endpoint and credentials).
func WithBaseEnv(env map[string]string) Option {
	return func(c *Controller) { c.baseEnv = maps.Clone(env) }
}

// WithPortCheck replaces the bind check used by port allocation.
func WithPortCheck(check func(port int) bool) Option {
	return func(c *Controller) { c.ports.SetBindCheck(check) }
}

func WithRecorder(r ProvisionRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// unit is the controller's record of a live unit.
type unit struct {
	id      string
	port    int
	address string
	started time.Time

	// failed marks a partial unit whose removal did not succeed. It keeps
	// its port until a later teardown confirms the removal.
	failed bool
}

// Controller provisions and tears down agent runtimes on a Substrate.
// Operations on one agent are totally ordered; different agents proceed in
// parallel.
type Controller struct {
	cfg       config.RuntimeConfig
	substrate Substrate
	retry     RetryPolicy
	ports     *PortAllocator
	health    HealthChecker
	baseEnv   map[string]string
	recorder  ProvisionRecorder

	locks utils.KeyedMutex

	mu    sync.Mutex
	units map[string]*unit
}

// NewController creates a controller over substrate.
func NewController(cfg config.RuntimeConfig, substrate Substrate, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg,
		substrate: substrate,
		retry:     NewRetryPolicy(cfg.Retry),
		ports:     NewPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd),
		health:    HTTPHealthChecker(cfg.Health.CheckTimeout),
		units:     make(map[string]*unit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Substrate returns the underlying substrate.
func (c *Controller) Substrate() Substrate { return c.substrate }

func (c *Controller) lookup(agentID string) (*unit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[agentID]
	return u, ok
}

// Provision starts a runtime for agentID and waits until it is healthy.
// A healthy unit already running for the agent is returned as is; an
// unhealthy one is replaced. On timeout or cancellation the partial unit is
// removed, its port released, and ErrProvisionTimeout returned. A partial
// unit that cannot be removed stays tracked with its port until Stop, the
// next Provision or Reconcile removes it.
func (c *Controller) Provision(ctx context.Context, agentID string, spec ProvisionSpec) (h *Handle, err error) {
	unlock := c.locks.Lock(agentID)
	defer unlock()

	start := time.Now()
	defer func() {
		if c.recorder != nil {
			c.recorder.RecordProvision(ctx, c.substrate.Name(), time.Since(start), err)
		}
	}()

	if u, ok := c.lookup(agentID); ok {
		if !u.failed && c.checkUnit(ctx, u) == HealthHealthy {
			return c.handle(agentID, u), nil
		}
		slog.Warn("Replacing unhealthy runtime", "agent", agentID, "unit", u.id, "failed", u.failed)
		if err := c.teardown(ctx, agentID, u); err != nil {
			return nil, fmt.Errorf("failed to replace runtime of agent %s: %w", agentID, err)
		}
	}

	spec.Image = firstNonEmpty(spec.Image, c.cfg.Docker.Image)
	if spec.Image == "" && c.substrate.Name() == config.SubstrateDocker {
		return nil, NewConfigError("provision", "image", errors.New("image is required"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DeploymentTimeout)
	defer cancel()

	port, err := c.ports.Allocate(agentID)
	if err != nil {
		return nil, err
	}
	u := &unit{port: port, address: net.JoinHostPort(c.cfg.Host, strconv.Itoa(port))}

	unitSpec := c.unitSpec(agentID, port, spec)
	err = c.retry.Do(ctx, "create", func(ctx context.Context) error {
		id, err := c.substrate.Create(ctx, unitSpec)
		if err == nil {
			u.id = id
		}
		return err
	})
	if err != nil {
		c.ports.Release(port)
		return nil, c.provisionFailure(ctx, agentID, err)
	}

	if err := c.bringUp(ctx, u); err != nil {
		if cleanupErr := c.removeUnit(context.WithoutCancel(ctx), u); cleanupErr != nil {
			slog.Error("Failed to remove partial unit", "agent", agentID, "unit", u.id, "error", cleanupErr)
			u.failed = true
			c.mu.Lock()
			c.units[agentID] = u
			c.mu.Unlock()
		} else {
			c.ports.Release(port)
		}
		return nil, c.provisionFailure(ctx, agentID, err)
	}

	u.started = time.Now()
	c.mu.Lock()
	c.units[agentID] = u
	c.mu.Unlock()

	slog.Info("Runtime provisioned", "agent", agentID, "unit", u.id, "address", u.address,
		"duration", time.Since(start).Round(time.Millisecond))
	return c.handle(agentID, u), nil
}

func (c *Controller) provisionFailure(ctx context.Context, agentID string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: agent %s: %v", ErrProvisionTimeout, agentID, err)
	}
	return fmt.Errorf("failed to provision agent %s: %w", agentID, err)
}

// bringUp starts the unit and polls until it is healthy.
func (c *Controller) bringUp(ctx context.Context, u *unit) error {
	if err := c.retry.Do(ctx, "start", func(ctx context.Context) error {
		return c.substrate.Start(ctx, u.id)
	}); err != nil {
		return err
	}

	b := newBackoff(c.cfg.Health)
	var lastErr error
	for {
		state, err := c.inspect(ctx, u.id)
		switch {
		case err != nil:
			lastErr = err
			if Classify(err) != KindTransient {
				return err
			}
		case !state.Running && state.Status == "exited":
			return NewPermanentError("start", u.id, fmt.Errorf("unit exited with code %d", state.ExitCode))
		case state.Running:
			checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout())
			lastErr = c.health(checkCtx, u.address)
			cancel()
			if lastErr == nil {
				return nil
			}
		}

		timer := time.NewTimer(b.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastErr != nil {
				return fmt.Errorf("%w (last health check: %v)", ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Controller) checkTimeout() time.Duration {
	if c.cfg.Health.CheckTimeout > 0 {
		return c.cfg.Health.CheckTimeout
	}
	return 2 * time.Second
}

func (c *Controller) inspect(ctx context.Context, id string) (UnitState, error) {
	var state UnitState
	err := c.retry.Do(ctx, "inspect", func(ctx context.Context) error {
		s, err := c.substrate.Inspect(ctx, id)
		state = s
		return err
	})
	return state, err
}

func (c *Controller) unitSpec(agentID string, port int, spec ProvisionSpec) UnitSpec {
	env := make(map[string]string, len(c.baseEnv)+len(spec.Env)+2)
	maps.Copy(env, c.baseEnv)
	maps.Copy(env, spec.Env)
	env["WARDER_AGENT_ID"] = agentID
	env["WARDER_AGENT_NAME"] = spec.AgentName

	var command []string
	if c.substrate.Name() == config.SubstrateProcess {
		command = []string{c.cfg.Process.Binary}
	}

	return UnitSpec{
		Name:          "warder-agent-" + agentID,
		Image:         spec.Image,
		Command:       command,
		HostPort:      port,
		ContainerPort: c.cfg.Docker.ContainerPort,
		MemoryLimit:   spec.MemoryLimit,
		CPULimit:      spec.CPULimit,
		Env:           env,
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelAgentID:   agentID,
			LabelAgentName: spec.AgentName,
		},
		Network: c.cfg.Docker.Network,
	}
}

func (c *Controller) handle(agentID string, u *unit) *Handle {
	now := time.Now()
	return &Handle{
		AgentID:   agentID,
		UnitID:    u.id,
		Port:      u.port,
		Address:   u.address,
		Health:    HealthHealthy,
		CreatedAt: u.started,
		LastUsed:  now,
	}
}

// Stop gracefully stops the agent's unit, kills it if it does not exit in
// the grace period, and removes it. The port is released only after the
// substrate confirmed the removal.
func (c *Controller) Stop(ctx context.Context, agentID string) error {
	unlock := c.locks.Lock(agentID)
	defer unlock()

	u, ok := c.lookup(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return c.teardown(ctx, agentID, u)
}

// teardown stops and removes u. Callers hold the agent lock.
func (c *Controller) teardown(ctx context.Context, agentID string, u *unit) error {
	if err := c.removeUnit(ctx, u); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.units, agentID)
	c.mu.Unlock()
	c.ports.Release(u.port)

	slog.Info("Runtime stopped", "agent", agentID, "unit", u.id)
	return nil
}

func (c *Controller) removeUnit(ctx context.Context, u *unit) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopGracePeriod+teardownTimeout)
	defer cancel()

	stopErr := c.retry.Do(ctx, "stop", func(ctx context.Context) error {
		return c.substrate.Stop(ctx, u.id, c.cfg.StopGracePeriod)
	})
	if stopErr != nil && !errors.Is(stopErr, ErrUnitNotFound) {
		slog.Warn("Graceful stop failed, killing unit", "unit", u.id, "error", stopErr)
		if err := c.retry.Do(ctx, "kill", func(ctx context.Context) error {
			return c.substrate.Kill(ctx, u.id)
		}); err != nil && !errors.Is(err, ErrUnitNotFound) {
			slog.Warn("Kill failed", "unit", u.id, "error", err)
		}
	}

	err := c.retry.Do(ctx, "remove", func(ctx context.Context) error {
		return c.substrate.Remove(ctx, u.id)
	})
	if err != nil && !errors.Is(err, ErrUnitNotFound) {
		return fmt.Errorf("failed to remove unit %s: %w", u.id, err)
	}
	return nil
}

// Status actively checks the agent's unit.
func (c *Controller) Status(ctx context.Context, agentID string) (Health, error) {
	u, ok := c.lookup(agentID)
	if !ok {
		return HealthStopped, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if u.failed {
		return HealthUnhealthy, nil
	}
	return c.checkUnit(ctx, u), nil
}

func (c *Controller) checkUnit(ctx context.Context, u *unit) Health {
	state, err := c.inspect(ctx, u.id)
	if err != nil {
		if errors.Is(err, ErrUnitNotFound) {
			return HealthStopped
		}
		slog.Debug("Inspect failed", "unit", u.id, "error", err)
		return HealthUnknown
	}
	switch {
	case state.Running:
	case state.Status == "created" || state.Status == "restarting":
		return HealthStarting
	default:
		return HealthStopped
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout())
	defer cancel()
	if err := c.health(checkCtx, u.address); err != nil {
		slog.Debug("Health check failed", "unit", u.id, "error", err)
		return HealthUnhealthy
	}
	return HealthHealthy
}

// Logs returns the last tail lines of the agent's unit output.
func (c *Controller) Logs(ctx context.Context, agentID string, tail int) ([]string, error) {
	u, ok := c.lookup(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	var lines []string
	err := c.retry.Do(ctx, "logs", func(ctx context.Context) error {
		l, err := c.substrate.Logs(ctx, u.id, tail)
		lines = l
		return err
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// Stats samples the agent's unit resource usage.
func (c *Controller) Stats(ctx context.Context, agentID string) (*Stats, error) {
	u, ok := c.lookup(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	var stats *Stats
	err := c.retry.Do(ctx, "stats", func(ctx context.Context) error {
		s, err := c.substrate.Stats(ctx, u.id)
		stats = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Reconcile removes managed units the controller does not own, such as
// leftovers of a previous control plane process, and retries the removal
// of partial units a failed provision could not clean up. It returns how
// many units were removed.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	var units []UnitState
	err := c.retry.Do(ctx, "list", func(ctx context.Context) error {
		l, err := c.substrate.List(ctx, map[string]string{LabelManaged: "true"})
		units = l
		return err
	})
	if err != nil {
		return 0, err
	}

	owned := make(map[string]bool)
	var failed []string
	c.mu.Lock()
	for agentID, u := range c.units {
		owned[u.id] = true
		if u.failed {
			failed = append(failed, agentID)
		}
	}
	c.mu.Unlock()

	removed := 0
	var errs []error
	for _, state := range units {
		if owned[state.ID] {
			continue
		}
		slog.Info("Removing orphaned unit", "unit", state.ID, "agent", state.Labels[LabelAgentID])
		if err := c.removeUnit(ctx, &unit{id: state.ID}); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	for _, agentID := range failed {
		ok, err := c.retryFailed(ctx, agentID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// retryFailed tears down agentID's unit if it is still marked failed.
func (c *Controller) retryFailed(ctx context.Context, agentID string) (bool, error) {
	unlock := c.locks.Lock(agentID)
	defer unlock()

	u, ok := c.lookup(agentID)
	if !ok || !u.failed {
		return false, nil
	}
	if err := c.teardown(ctx, agentID, u); err != nil {
		return false, err
	}
	return true, nil
}

// Active returns the IDs of agents the controller holds a unit for,
// including partial units still awaiting removal.
func (c *Controller) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.units))
	for id := range c.units {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every unit the controller owns.
func (c *Controller) Shutdown(ctx context.Context) error {
	var errs []error
	for _, agentID := range c.Active() {
		if err := c.Stop(ctx, agentID); err != nil && !errors.Is(err, ErrUnknownAgent) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ports exposes the port table.
func (c *Controller) Ports() *PortAllocator { return c.ports }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
