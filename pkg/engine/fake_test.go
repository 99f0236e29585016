package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostplay/pkg/actions"
	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/telemetry"
	"github.com/openfroyo/hostplay/pkg/transports"
)

// stubTransport never reaches a real host; tests use the step action.
type stubTransport struct {
	mu     sync.Mutex
	closed bool
}

func (s *stubTransport) Exec(context.Context, transports.ExecRequest) (*transports.ExecResult, error) {
	return &transports.ExecResult{}, nil
}

func (s *stubTransport) WriteFile(context.Context, string, []byte, os.FileMode) error {
	return nil
}

func (s *stubTransport) ReadFile(_ context.Context, path string) ([]byte, error) {
	return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
}

func (s *stubTransport) Stat(context.Context, string) (transports.FileInfo, bool, error) {
	return transports.FileInfo{}, false, nil
}

func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubTransport) Local() bool { return false }

type stubFactory struct {
	mu     sync.Mutex
	down   map[string]error
	opened []string
	conns  []*stubTransport
}

func (f *stubFactory) Open(_ context.Context, h playbook.Host) (transports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.down[h.Name]; ok {
		return nil, err
	}
	f.opened = append(f.opened, h.Name)
	t := &stubTransport{}
	f.conns = append(f.conns, t)
	return t, nil
}

type stubFacts struct {
	facts map[string]interface{}
	err   error
}

func (s *stubFacts) Gather(context.Context, transports.Transport) (map[string]interface{}, error) {
	return s.facts, s.err
}

// stepLog records which step actions ran, in order.
type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, id)
}

func (l *stepLog) ran() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

func (l *stepLog) count(id string) int {
	n := 0
	for _, s := range l.ran() {
		if s == id {
			n++
		}
	}
	return n
}

// stepAction is a scriptable action: it logs its id and reports whatever
// its arguments ask for.
type stepAction struct {
	log     *stepLog
	id      string
	fail    bool
	changed bool
	stdout  string
	rc      int
	sleep   time.Duration
	err     string
}

func newStepFactory(log *stepLog) actions.Factory {
	return func(args map[string]interface{}) (actions.Action, error) {
		a := &stepAction{log: log}
		for k, v := range args {
			switch k {
			case "id", "_raw":
				a.id = fmt.Sprint(v)
			case "fail":
				a.fail = v == true
			case "changed":
				a.changed = v == true
			case "stdout":
				a.stdout = fmt.Sprint(v)
			case "rc":
				rc, ok := v.(int)
				if !ok {
					return nil, fmt.Errorf("rc must be an int")
				}
				a.rc = rc
			case "sleep":
				d, err := time.ParseDuration(fmt.Sprint(v))
				if err != nil {
					return nil, err
				}
				a.sleep = d
			case "error":
				a.err = fmt.Sprint(v)
			default:
				return nil, fmt.Errorf("unsupported argument %q", k)
			}
		}
		if a.id == "" {
			return nil, errors.New("id is required")
		}
		return a, nil
	}
}

func (a *stepAction) Run(ctx context.Context, actx *actions.Context) (*actions.Result, error) {
	if a.sleep > 0 {
		select {
		case <-ctx.Done():
			a.log.add(a.id + ":interrupted")
			return nil, ctx.Err()
		case <-time.After(a.sleep):
		}
	}
	a.log.add(a.id)

	if a.err != "" {
		return nil, errors.New(a.err)
	}
	res := &actions.Result{
		Changed: a.changed && !actx.Check,
		Failed:  a.fail,
		RC:      a.rc,
		Stdout:  a.stdout,
	}
	if a.fail {
		res.Msg = a.id + " failed"
		if res.RC == 0 {
			res.RC = 1
		}
	}
	if a.changed && actx.Check {
		res.Skipped = true
	}
	return res, nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	created []*Run
	updated []*Run
	results []*TaskResult
}

func (r *memoryRecorder) CreateRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, run)
	return nil
}

func (r *memoryRecorder) UpdateRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, run)
	return nil
}

func (r *memoryRecorder) AppendTaskResult(_ context.Context, result *TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

type memoryEvents struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (m *memoryEvents) Publish(_ context.Context, event telemetry.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memoryEvents) ofType(eventType string) []telemetry.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []telemetry.Event
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type policyStub struct {
	result *PolicyResult
}

func (p *policyStub) EvaluatePlaybook(context.Context, *playbook.Playbook) (*PolicyResult, error) {
	return p.result, nil
}

// harness bundles an executor with its fakes.
type harness struct {
	exec     *Executor
	log      *stepLog
	factory  *stubFactory
	recorder *memoryRecorder
	events   *memoryEvents
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		log:      &stepLog{},
		factory:  &stubFactory{down: map[string]error{}},
		recorder: &memoryRecorder{},
		events:   &memoryEvents{},
	}

	registry := actions.DefaultRegistry()
	registry.Register("step", newStepFactory(h.log))

	base := []Option{
		WithRegistry(registry),
		WithTransportFactory(h.factory),
		WithFactGatherer(&stubFacts{facts: map[string]interface{}{"os": "linux"}}),
		WithRecorder(h.recorder),
		WithEventPublisher(h.events),
	}
	h.exec = NewExecutor(append(base, opts...)...)
	return h
}

func (h *harness) run(t *testing.T, yaml string, opts RunOptions) *Run {
	t.Helper()
	run, err := h.runErr(t, yaml, nil, opts)
	require.NoError(t, err)
	return run
}

func (h *harness) runErr(t *testing.T, yaml string, inv *playbook.Inventory, opts RunOptions) (*Run, error) {
	t.Helper()
	pb, err := playbook.Parse([]byte(yaml))
	require.NoError(t, err)
	return h.exec.Run(context.Background(), pb, inv, opts)
}

// results returns the non-block results of a run keyed by task name.
func resultsByTask(run *Run) map[string]*TaskResult {
	out := make(map[string]*TaskResult)
	for _, r := range run.Results {
		out[r.Task] = r
	}
	return out
}
