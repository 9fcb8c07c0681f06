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

// Package process implements the runtime substrate with local child
// processes. It serves development setups and tests where no container
// engine is available; resource limits are not enforced.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/runtime"
)

const (
	statusCreated = "created"
	statusRunning = "running"
	statusExited  = "exited"
)

type unit struct {
	id   string
	spec runtime.UnitSpec

	mu        sync.Mutex
	status    string
	exitCode  int
	startedAt time.Time
	cmd       *exec.Cmd
	done      chan struct{}
	logs      *ringBuffer
}

func (u *unit) state() runtime.UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return runtime.UnitState{
		ID:        u.id,
		Name:      u.spec.Name,
		Status:    u.status,
		Running:   u.status == statusRunning,
		ExitCode:  u.exitCode,
		StartedAt: u.startedAt,
		Labels:    u.spec.Labels,
	}
}

// Substrate runs each unit as a child process listening on its host port.
type Substrate struct {
	binary   string
	logLines int

	mu    sync.Mutex
	units map[string]*unit
}

// New creates a process substrate. The binary must be resolvable.
func New(cfg config.ProcessConfig) (*Substrate, error) {
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return nil, runtime.NewConfigError("init", "binary", err)
	}
	return &Substrate{
		binary:   cfg.Binary,
		logLines: max(cfg.LogLines, 1),
		units:    make(map[string]*unit),
	}, nil
}

func (s *Substrate) Name() string { return config.SubstrateProcess }

func (s *Substrate) get(op, id string) (*unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return nil, runtime.NewNotFoundError(op, id)
	}
	return u, nil
}

func (s *Substrate) Create(ctx context.Context, spec runtime.UnitSpec) (string, error) {
	if spec.HostPort <= 0 {
		return "", runtime.NewConfigError("create", "host_port", fmt.Errorf("invalid port %d", spec.HostPort))
	}
	if len(spec.Command) == 0 {
		spec.Command = []string{s.binary}
	}
	u := &unit{
		id:     uuid.NewString(),
		spec:   spec,
		status: statusCreated,
		logs:   newRingBuffer(s.logLines),
	}
	s.mu.Lock()
	s.units[u.id] = u
	s.mu.Unlock()
	return u.id, nil
}

func (s *Substrate) Start(ctx context.Context, id string) error {
	u, err := s.get("start", id)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status == statusRunning {
		return nil
	}

	// the process outlives the request that started it
	cmd := exec.Command(u.spec.Command[0], u.spec.Command[1:]...)
	cmd.Env = environ(u.spec)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	// grandchildren holding the output pipe must not block Wait forever
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return runtime.NewConfigError("start", "command", err)
		}
		return runtime.NewPermanentError("start", id, err)
	}

	u.cmd = cmd
	u.status = statusRunning
	u.startedAt = time.Now()
	u.done = make(chan struct{})
	go u.logs.consume(pr)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		u.mu.Lock()
		u.status = statusExited
		u.exitCode = cmd.ProcessState.ExitCode()
		done := u.done
		u.mu.Unlock()
		if err != nil {
			slog.Debug("Unit process exited", "unit", id, "error", err)
		}
		close(done)
	}()
	return nil
}

func environ(spec runtime.UnitSpec) []string {
	env := os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return append(env, "PORT="+strconv.Itoa(spec.HostPort), "HOST=127.0.0.1")
}

// running returns the process and its exit channel, or nil when the unit
// is not running.
func (u *unit) running() (*os.Process, chan struct{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status != statusRunning || u.cmd == nil {
		return nil, nil
	}
	return u.cmd.Process, u.done
}

// Stop sends SIGTERM and waits up to grace for the process to exit.
func (s *Substrate) Stop(ctx context.Context, id string, grace time.Duration) error {
	u, err := s.get("stop", id)
	if err != nil {
		return err
	}
	proc, done := u.running()
	if proc == nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return runtime.NewPermanentError("stop", id, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return runtime.NewPermanentError("stop", id, fmt.Errorf("did not exit within %s", grace))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Substrate) Kill(ctx context.Context, id string) error {
	u, err := s.get("kill", id)
	if err != nil {
		return err
	}
	proc, done := u.running()
	if proc == nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return runtime.NewPermanentError("kill", id, err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Substrate) Remove(ctx context.Context, id string) error {
	if err := s.Kill(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.units, id)
	s.mu.Unlock()
	return nil
}

func (s *Substrate) Inspect(ctx context.Context, id string) (runtime.UnitState, error) {
	u, err := s.get("inspect", id)
	if err != nil {
		return runtime.UnitState{}, err
	}
	return u.state(), nil
}

func (s *Substrate) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	u, err := s.get("logs", id)
	if err != nil {
		return nil, err
	}
	return u.logs.tail(tail), nil
}

// Stats reports resident memory from /proc where available.
func (s *Substrate) Stats(ctx context.Context, id string) (*runtime.Stats, error) {
	u, err := s.get("stats", id)
	if err != nil {
		return nil, err
	}
	proc, _ := u.running()
	if proc == nil {
		return nil, runtime.NewPermanentError("stats", id, errors.New("unit is not running"))
	}
	stats := &runtime.Stats{MemoryLimit: uint64(max(u.spec.MemoryLimit, 0)), Timestamp: time.Now()}
	if data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", proc.Pid)); err == nil {
		if fields := strings.Fields(string(data)); len(fields) > 1 {
			if pages, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				stats.MemoryUsage = pages * uint64(os.Getpagesize())
			}
		}
	}
	return stats, nil
}

func (s *Substrate) List(ctx context.Context, labels map[string]string) ([]runtime.UnitState, error) {
	s.mu.Lock()
	units := make([]*unit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u)
	}
	s.mu.Unlock()

	var out []runtime.UnitState
	for _, u := range units {
		if matches(u.spec.Labels, labels) {
			out = append(out, u.state())
		}
	}
	return out, nil
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// ringBuffer keeps the last n output lines, each prefixed by the time it
// was read.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	start int
	size  int
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{lines: make([]string, n)}
}

func (r *ringBuffer) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := time.Now().UTC().Format(time.RFC3339Nano) + " " + line
	if r.size < len(r.lines) {
		r.lines[(r.start+r.size)%len(r.lines)] = entry
		r.size++
		return
	}
	r.lines[r.start] = entry
	r.start = (r.start + 1) % len(r.lines)
}

func (r *ringBuffer) tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]string, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.lines[(r.start+i)%len(r.lines)])
	}
	return out
}

func (r *ringBuffer) consume(rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.add(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, rd)
}

var _ runtime.Substrate = (*Substrate)(nil)
