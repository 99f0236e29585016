package engine

import (
	"context"

	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/telemetry"
	"github.com/openfroyo/hostplay/pkg/transports"
)

// TransportFactory opens a connection to an inventory host.
type TransportFactory interface {
	// Open connects to the host. The caller closes the transport.
	Open(ctx context.Context, host playbook.Host) (transports.Transport, error)
}

// FactGatherer collects host facts for plays with gather_facts.
type FactGatherer interface {
	// Gather returns the facts of the host behind t.
	Gather(ctx context.Context, t transports.Transport) (map[string]interface{}, error)
}

// RunRecorder persists runs and their task results.
type RunRecorder interface {
	// CreateRun stores a newly started run.
	CreateRun(ctx context.Context, run *Run) error

	// UpdateRun stores the final status and counters of a run.
	UpdateRun(ctx context.Context, run *Run) error

	// AppendTaskResult stores one task result.
	AppendTaskResult(ctx context.Context, result *TaskResult) error
}

// EventPublisher publishes events to subscribers.
type EventPublisher interface {
	// Publish publishes an event. It must not block the run.
	Publish(ctx context.Context, event telemetry.Event) error
}

// PolicyEngine checks playbooks before they run.
type PolicyEngine interface {
	// EvaluatePlaybook evaluates every policy against every task.
	EvaluatePlaybook(ctx context.Context, pb *playbook.Playbook) (*PolicyResult, error)
}
