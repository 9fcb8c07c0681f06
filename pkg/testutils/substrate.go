package testutils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kadirpekel/warder/pkg/runtime"
)

// FakeUnit is a unit held by FakeSubstrate.
type FakeUnit struct {
	Spec  runtime.UnitSpec
	State runtime.UnitState

	server *http.Server
}

// FakeSubstrate keeps units in memory. When Handler is set, starting a
// unit serves it on 127.0.0.1:HostPort until the unit is stopped, so
// health checks and runtime calls hit real sockets.
type FakeSubstrate struct {
	Handler func(spec runtime.UnitSpec) http.Handler

	// CreateDelay slows Create down to widen race windows.
	CreateDelay time.Duration

	mu     sync.Mutex
	units  map[string]*FakeUnit
	nextID int
	calls  map[string]int
	fail   map[string][]error
}

func NewFakeSubstrate() *FakeSubstrate {
	return &FakeSubstrate{
		units: make(map[string]*FakeUnit),
		calls: make(map[string]int),
		fail:  make(map[string][]error),
	}
}

func (f *FakeSubstrate) Name() string { return "fake" }

// FailNext queues errors returned by the next calls of op.
func (f *FakeSubstrate) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], errs...)
}

// Calls reports how many times op was invoked.
func (f *FakeSubstrate) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Units returns a snapshot of the live units.
func (f *FakeSubstrate) Units() []FakeUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeUnit, 0, len(f.units))
	for _, u := range f.units {
		out = append(out, FakeUnit{Spec: u.Spec, State: u.State})
	}
	return out
}

// Inject adds a unit created behind the controller's back.
func (f *FakeSubstrate) Inject(labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "orphan-" + strconv.Itoa(f.nextID)
	f.units[id] = &FakeUnit{
		Spec:  runtime.UnitSpec{Labels: labels},
		State: runtime.UnitState{ID: id, Status: "running", Running: true, Labels: labels},
	}
	return id
}

// enter counts the call and pops a queued failure.
func (f *FakeSubstrate) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q := f.fail[op]; len(q) > 0 {
		f.fail[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *FakeSubstrate) Create(ctx context.Context, spec runtime.UnitSpec) (string, error) {
	if err := f.enter("create"); err != nil {
		return "", err
	}
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "unit-" + strconv.Itoa(f.nextID)
	f.units[id] = &FakeUnit{
		Spec:  spec,
		State: runtime.UnitState{ID: id, Name: spec.Name, Status: "created", Labels: spec.Labels},
	}
	return id, nil
}

func (f *FakeSubstrate) unit(op, id string) (*FakeUnit, error) {
	u, ok := f.units[id]
	if !ok {
		return nil, runtime.NewNotFoundError(op, id)
	}
	return u, nil
}

func (f *FakeSubstrate) Start(ctx context.Context, id string) error {
	if err := f.enter("start"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.unit("start", id)
	if err != nil {
		return err
	}
	if f.Handler != nil && u.server == nil {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(u.Spec.HostPort)))
		if err != nil {
			return runtime.NewTransientError("start", id, err)
		}
		u.server = &http.Server{Handler: f.Handler(u.Spec), ReadHeaderTimeout: time.Second}
		go func(srv *http.Server) { _ = srv.Serve(ln) }(u.server)
	}
	u.State.Status = "running"
	u.State.Running = true
	u.State.StartedAt = time.Now()
	return nil
}

func (f *FakeSubstrate) Stop(ctx context.Context, id string, grace time.Duration) error {
	if err := f.enter("stop"); err != nil {
		return err
	}

	f.mu.Lock()
	u, err := f.unit("stop", id)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	srv := u.server
	u.server = nil
	u.State.Status = "exited"
	u.State.Running = false
	f.mu.Unlock()

	if srv != nil {
		// in-flight requests finish within the grace period
		shutdownCtx, cancel := context.WithTimeout(context.Background(), max(grace, time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
	}
	return nil
}

func (f *FakeSubstrate) Kill(ctx context.Context, id string) error {
	if err := f.enter("kill"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.unit("kill", id)
	if err != nil {
		return err
	}
	if u.server != nil {
		_ = u.server.Close()
		u.server = nil
	}
	u.State.Status = "exited"
	u.State.Running = false
	u.State.ExitCode = 137
	return nil
}

func (f *FakeSubstrate) Remove(ctx context.Context, id string) error {
	if err := f.enter("remove"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.unit("remove", id)
	if err != nil {
		return err
	}
	if u.server != nil {
		_ = u.server.Close()
	}
	delete(f.units, id)
	return nil
}

func (f *FakeSubstrate) Inspect(ctx context.Context, id string) (runtime.UnitState, error) {
	if err := f.enter("inspect"); err != nil {
		return runtime.UnitState{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.unit("inspect", id)
	if err != nil {
		return runtime.UnitState{}, err
	}
	return u.State, nil
}

func (f *FakeSubstrate) Logs(ctx context.Context, id string, tail int) ([]string, error) {
	if err := f.enter("logs"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.unit("logs", id)
	if err != nil {
		return nil, err
	}
	lines := []string{
		fmt.Sprintf("%s unit %s created", u.State.StartedAt.Format(time.RFC3339Nano), id),
		fmt.Sprintf("%s listening on %d", u.State.StartedAt.Format(time.RFC3339Nano), u.Spec.HostPort),
	}
	if tail > 0 && tail < len(lines) {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

func (f *FakeSubstrate) Stats(ctx context.Context, id string) (*runtime.Stats, error) {
	if err := f.enter("stats"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.unit("stats", id)
	if err != nil {
		return nil, err
	}
	if !u.State.Running {
		return nil, runtime.NewPermanentError("stats", id, errors.New("unit is not running"))
	}
	return &runtime.Stats{
		CPUUsage:    1000,
		MemoryUsage: 1 << 20,
		MemoryLimit: uint64(u.Spec.MemoryLimit),
		Timestamp:   time.Now(),
	}, nil
}

func (f *FakeSubstrate) List(ctx context.Context, labels map[string]string) ([]runtime.UnitState, error) {
	if err := f.enter("list"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.UnitState
	for _, u := range f.units {
		match := true
		for k, v := range labels {
			if u.State.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, u.State)
		}
	}
	return out, nil
}

// HealthyChecker accepts every runtime.
func HealthyChecker() runtime.HealthChecker {
	return func(ctx context.Context, address string) error { return nil }
}

// NeverHealthy rejects every runtime.
func NeverHealthy() runtime.HealthChecker {
	return func(ctx context.Context, address string) error {
		return errors.New("connection refused")
	}
}

var _ runtime.Substrate = (*FakeSubstrate)(nil)
