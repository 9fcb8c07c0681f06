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

// Package cache keeps live agent runtimes loaded between requests.
//
// The cache is the only owner of runtime handles. Concurrent acquires for
// one agent collapse into a single provision, and acquisition, eviction and
// idle unloading of one agent never interleave.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/runtime"
	"github.com/kadirpekel/warder/pkg/utils"
)

// Eviction reasons reported to the recorder.
const (
	ReasonExplicit  = "explicit"
	ReasonIdle      = "idle"
	ReasonUnhealthy = "unhealthy"
)

// Provisioner starts and stops runtimes. *runtime.Controller satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, agentID string, spec runtime.ProvisionSpec) (*runtime.Handle, error)
	Stop(ctx context.Context, agentID string) error
	Status(ctx context.Context, agentID string) (runtime.Health, error)
}

// SpecSource resolves what to provision for an agent.
type SpecSource func(ctx context.Context, agentID string) (runtime.ProvisionSpec, error)

// Recorder receives cache events.
type Recorder interface {
	RecordCacheHit(ctx context.Context)
	RecordCacheMiss(ctx context.Context)
	RecordCacheEviction(ctx context.Context, reason string)
}

type Option func(*Cache)

// WithRecorder reports hits, misses and evictions.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

// WithRevalidate sets how old a handle's last health check may be before
// an acquire checks it again. Zero checks on every acquire.
func WithRevalidate(d time.Duration) Option {
	return func(c *Cache) { c.revalidate = d }
}

type entry struct {
	handle   *runtime.Handle
	inUse    int
	lastUsed time.Time
	checked  time.Time
}

// Cache maps agent IDs to live runtime handles.
type Cache struct {
	provisioner Provisioner
	spec        SpecSource
	recorder    Recorder
	revalidate  time.Duration

	idleWindow    atomic.Int64
	sweepInterval time.Duration
	idleEviction  bool

	locks utils.KeyedMutex
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a cache. Call Start to run idle unloading.
func New(cfg config.CacheConfig, provisioner Provisioner, spec SpecSource, opts ...Option) *Cache {
	c := &Cache{
		provisioner:   provisioner,
		spec:          spec,
		revalidate:    15 * time.Second,
		sweepInterval: cfg.SweepInterval,
		idleEviction:  !cfg.DisableIdleEviction,
		entries:       make(map[string]*entry),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.idleWindow.Store(int64(cfg.IdleWindow))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetIdleWindow changes the idle window of a running cache.
func (c *Cache) SetIdleWindow(d time.Duration) {
	c.idleWindow.Store(int64(d))
	slog.Info("Cache idle window updated", "idle_window", d)
}

func (c *Cache) IdleWindow() time.Duration {
	return time.Duration(c.idleWindow.Load())
}

// Acquire returns the agent's live handle, provisioning one when none is
// cached or the cached one failed its health check. Callers racing on one
// agent share a single provision and receive the same handle or error.
func (c *Cache) Acquire(ctx context.Context, agentID string) (*runtime.Handle, error) {
	ch := c.group.DoChan(agentID, func() (any, error) {
		// shared by every waiter, so one caller's cancellation must not
		// abort it; the deployment timeout still applies
		return c.load(context.WithoutCancel(ctx), agentID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*runtime.Handle), nil
	}
}

func (c *Cache) load(ctx context.Context, agentID string) (*runtime.Handle, error) {
	unlock := c.locks.Lock(agentID)
	defer unlock()

	if h, ok := c.cached(ctx, agentID); ok {
		c.hit(ctx)
		return h, nil
	}
	c.miss(ctx)

	spec, err := c.spec(ctx, agentID)
	if err != nil {
		return nil, err
	}
	h, err := c.provisioner.Provision(ctx, agentID, spec)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c.mu.Lock()
	c.entries[agentID] = &entry{handle: h, lastUsed: now, checked: now}
	c.mu.Unlock()
	return h, nil
}

// cached returns a healthy cached handle. A handle that fails its health check is
// evicted. Callers hold the agent lock.
func (c *Cache) cached(ctx context.Context, agentID string) (*runtime.Handle, bool) {
	c.mu.Lock()
	e, ok := c.entries[agentID]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	fresh := time.Since(e.checked) < c.revalidate
	if fresh {
		e.lastUsed = time.Now()
	}
	h := e.handle
	c.mu.Unlock()
	if fresh {
		return h, true
	}

	health, err := c.provisioner.Status(ctx, agentID)
	if err == nil && health == runtime.HealthHealthy {
		c.mu.Lock()
		e.checked = time.Now()
		e.lastUsed = e.checked
		c.mu.Unlock()
		return h, true
	}

	slog.Warn("Evicting unhealthy runtime", "agent", agentID, "health", health, "error", err)
	if err := c.evictLocked(ctx, agentID, ReasonUnhealthy); err != nil {
		slog.Error("Failed to evict unhealthy runtime", "agent", agentID, "error", err)
	}
	return nil, false
}

// Use acquires the agent's runtime and runs fn with it. The handle is not
// unloaded for idleness while fn runs.
func (c *Cache) Use(ctx context.Context, agentID string, fn func(ctx context.Context, h *runtime.Handle) error) error {
	h, err := c.pin(ctx, agentID)
	if err != nil {
		return err
	}
	defer c.unpin(agentID, h)
	return fn(ctx, h)
}

// pin acquires and marks the handle in use. An eviction can slip in
// between acquiring and pinning, in which case the acquire is repeated.
func (c *Cache) pin(ctx context.Context, agentID string) (*runtime.Handle, error) {
	for {
		h, err := c.Acquire(ctx, agentID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if e, ok := c.entries[agentID]; ok && e.handle == h {
			e.inUse++
			e.lastUsed = time.Now()
			c.mu.Unlock()
			return h, nil
		}
		c.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (c *Cache) unpin(agentID string, h *runtime.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[agentID]; ok && e.handle == h {
		e.inUse--
		e.lastUsed = time.Now()
	}
}

// Evict removes the agent's handle and stops its runtime. Evicting an
// agent without a handle still stops a unit the controller knows of.
func (c *Cache) Evict(ctx context.Context, agentID string) error {
	unlock := c.locks.Lock(agentID)
	defer unlock()
	return c.evictLocked(ctx, agentID, ReasonExplicit)
}

func (c *Cache) evictLocked(ctx context.Context, agentID, reason string) error {
	c.mu.Lock()
	_, had := c.entries[agentID]
	delete(c.entries, agentID)
	c.mu.Unlock()

	err := c.provisioner.Stop(ctx, agentID)
	if errors.Is(err, runtime.ErrUnknownAgent) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to stop runtime of agent %s: %w", agentID, err)
	}
	if had {
		if c.recorder != nil {
			c.recorder.RecordCacheEviction(ctx, reason)
		}
		slog.Info("Runtime unloaded", "agent", agentID, "reason", reason)
	}
	return nil
}

// Peek returns the cached handle without touching it.
func (c *Cache) Peek(agentID string) (*runtime.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[agentID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Len reports the number of cached handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Start runs the idle janitor until ctx ends or Close is called.
func (c *Cache) Start(ctx context.Context) {
	if !c.idleEviction || c.sweepInterval <= 0 {
		return
	}
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
}

// Sweep unloads handles idle for longer than the idle window and returns
// how many were unloaded. Agents busy with an acquire or eviction are
// skipped until the next sweep.
func (c *Cache) Sweep(ctx context.Context) int {
	window := c.IdleWindow()
	if window <= 0 {
		return 0
	}
	now := time.Now()

	c.mu.Lock()
	var idle []string
	for id, e := range c.entries {
		if e.inUse == 0 && now.Sub(e.lastUsed) > window {
			idle = append(idle, id)
		}
	}
	c.mu.Unlock()

	evicted := 0
	for _, id := range idle {
		unlock, ok := c.locks.TryLock(id)
		if !ok {
			continue
		}
		c.mu.Lock()
		e, still := c.entries[id]
		stale := still && e.inUse == 0 && time.Since(e.lastUsed) > window
		c.mu.Unlock()
		if stale {
			if err := c.evictLocked(ctx, id, ReasonIdle); err != nil {
				slog.Warn("Idle unload failed", "agent", id, "error", err)
			} else {
				evicted++
			}
		}
		unlock()
	}
	return evicted
}

// Close stops the janitor and unloads every runtime.
func (c *Cache) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.Evict(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) hit(ctx context.Context) {
	if c.recorder != nil {
		c.recorder.RecordCacheHit(ctx)
	}
}

func (c *Cache) miss(ctx context.Context) {
	if c.recorder != nil {
		c.recorder.RecordCacheMiss(ctx)
	}
}
