package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/hostplay/pkg/actions"
	"github.com/openfroyo/hostplay/pkg/facts"
	"github.com/openfroyo/hostplay/pkg/mailer"
	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/telemetry"
	"github.com/openfroyo/hostplay/pkg/transports/dialer"
)

// DefaultAlwaysGrace bounds always sections that run after cancellation.
const DefaultAlwaysGrace = 30 * time.Second

// Executor runs playbooks. Hosts and tasks execute sequentially. An Executor
// holds no per-run state and may be shared between runs.
type Executor struct {
	registry   *actions.Registry
	transports TransportFactory
	facts      FactGatherer
	mailer     mailer.Sender
	recorder   RunRecorder
	events     EventPublisher

	policy        PolicyEngine
	enforcePolicy bool

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	onResult    func(*TaskResult)
	alwaysGrace time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithRegistry replaces the built-in action registry.
func WithRegistry(r *actions.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithTransportFactory replaces the default local/ssh dialer.
func WithTransportFactory(f TransportFactory) Option {
	return func(e *Executor) { e.transports = f }
}

// WithFactGatherer replaces the default fact gatherer.
func WithFactGatherer(g FactGatherer) Option {
	return func(e *Executor) { e.facts = g }
}

// WithMailer sets the sender used by the mail action.
func WithMailer(m mailer.Sender) Option {
	return func(e *Executor) { e.mailer = m }
}

// WithRecorder persists runs and task results.
func WithRecorder(r RunRecorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithEventPublisher publishes run, task and handler events.
func WithEventPublisher(p EventPublisher) Option {
	return func(e *Executor) { e.events = p }
}

// WithPolicy evaluates policies before each run. When enforcing, a run with
// error severity violations is refused.
func WithPolicy(p PolicyEngine, enforcing bool) Option {
	return func(e *Executor) {
		e.policy = p
		e.enforcePolicy = enforcing
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics records prometheus metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer records run, play and task spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithResultCallback is called after every task, block and handler.
func WithResultCallback(fn func(*TaskResult)) Option {
	return func(e *Executor) { e.onResult = fn }
}

// WithAlwaysGrace sets how long always sections may run once the run
// context is cancelled.
func WithAlwaysGrace(d time.Duration) Option {
	return func(e *Executor) { e.alwaysGrace = d }
}

// NewExecutor creates an executor. Without options it uses the built-in
// actions, the local/ssh dialer, gopsutil facts and SMTP mail.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger:      telemetry.NopLogger(),
		tracer:      telemetry.NopTracer(),
		alwaysGrace: DefaultAlwaysGrace,
	}
	for _, opt := range opts {
		opt(e)
	}

	zlog := e.logger.Zerolog()
	if e.registry == nil {
		e.registry = actions.DefaultRegistry()
	}
	if e.transports == nil {
		e.transports = dialer.New(zlog)
	}
	if e.facts == nil {
		e.facts = facts.NewGatherer(zlog)
	}
	if e.mailer == nil {
		e.mailer = mailer.New(zlog)
	}
	return e
}

// Run executes every play of pb against the hosts it targets. Task failures
// are reported through the returned Run's status; an error is returned only
// when the run itself could not proceed: unresolvable hosts, unreadable
// vars files, an enforcing policy refusal or a cancelled context.
func (e *Executor) Run(ctx context.Context, pb *playbook.Playbook, inv *playbook.Inventory, opts RunOptions) (*Run, error) {
	if pb == nil {
		return nil, NewPermanentError("playbook is nil", nil).WithCode(ErrCodeValidation)
	}
	if inv == nil {
		inv = playbook.NewInventory()
	}

	if err := e.checkPolicy(ctx, pb); err != nil {
		return nil, err
	}

	// Create a new run
	run := &Run{
		ID:        uuid.New().String(),
		Playbook:  pb.Path,
		Status:    RunStatusRunning,
		CheckMode: opts.CheckMode,
		User:      opts.User,
		StartedAt: time.Now(),
	}

	logger := e.logger.WithRunID(run.ID)
	ctx, span := e.tracer.StartRunSpan(ctx, run.ID, pb.Path)
	defer span.End()

	e.metrics.RecordRunStarted()
	if e.recorder != nil {
		if err := e.recorder.CreateRun(ctx, run); err != nil {
			logger.WithError(err).Warn("Failed to record run")
		}
	}
	e.publish(ctx, telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		RunID:   run.ID,
		Message: fmt.Sprintf("Run started: %s", pb.Path),
		Level:   telemetry.EventLevelInfo,
		Data:    map[string]interface{}{"check_mode": opts.CheckMode},
	})

	zlog := logger.Zerolog()
	zlog.Info().
		Str("playbook", pb.Path).
		Int("plays", len(pb.Plays)).
		Bool("check_mode", opts.CheckMode).
		Msg("Run started")

	err := e.runPlays(ctx, run, pb, inv, opts)

	// Determine final run status
	switch {
	case ctx.Err() != nil:
		run.Status = RunStatusCancelled
		if err == nil {
			err = ClassifyError("run cancelled", ctx.Err())
		}
	case err != nil || run.Failed():
		run.Status = RunStatusFailed
	default:
		run.Status = RunStatusSucceeded
	}
	if err != nil {
		run.Error = err.Error()
		telemetry.RecordError(span, err)
	} else if run.Status == RunStatusSucceeded {
		telemetry.RecordSuccess(span)
	}

	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	// Persist even when the run context is gone.
	finalCtx := context.WithoutCancel(ctx)
	if e.recorder != nil {
		if recErr := e.recorder.UpdateRun(finalCtx, run); recErr != nil {
			logger.WithError(recErr).Warn("Failed to record run completion")
		}
	}
	e.metrics.RecordRunCompleted(string(run.Status), run.Duration)

	level := telemetry.EventLevelInfo
	if run.Status != RunStatusSucceeded {
		level = telemetry.EventLevelError
	}
	e.publish(finalCtx, telemetry.Event{
		Type:    telemetry.EventTypeRunCompleted,
		RunID:   run.ID,
		Message: fmt.Sprintf("Run completed with status: %s", run.Status),
		Level:   level,
		Data:    map[string]interface{}{"status": string(run.Status), "duration": run.Duration.String()},
	})

	zlog.Info().
		Str("status", string(run.Status)).
		Dur("duration", run.Duration).
		Msg("Run completed")

	return run, err
}

func (e *Executor) runPlays(ctx context.Context, run *Run, pb *playbook.Playbook, inv *playbook.Inventory, opts RunOptions) error {
	// Hosts that failed drop out of later plays.
	failedHosts := make(map[string]bool)

	for i := range pb.Plays {
		play := &pb.Plays[i]
		logger := e.logger.WithRunID(run.ID).WithPlay(play.Name)

		hosts, err := inv.Resolve(play.Hosts)
		if err != nil {
			return NewPermanentError("failed to resolve hosts", err).
				WithCode(ErrCodeNotFound).
				WithOperation("play " + play.Name)
		}
		hosts, err = inv.Limit(hosts, opts.Limit)
		if err != nil {
			return NewPermanentError("failed to apply limit", err).WithCode(ErrCodeValidation)
		}
		if len(hosts) == 0 {
			logger.Warn("No hosts matched, skipping play")
			continue
		}

		varsFiles, err := playbook.LoadVarsFiles(pb.Dir(), play.VarsFiles)
		if err != nil {
			return NewPermanentError("failed to load vars files", err).
				WithCode(ErrCodeValidation).
				WithOperation("play " + play.Name)
		}

		e.publish(ctx, telemetry.Event{
			Type:    telemetry.EventTypePlayStarted,
			RunID:   run.ID,
			Play:    play.Name,
			Message: fmt.Sprintf("Play started on %d host(s)", len(hosts)),
			Level:   telemetry.EventLevelInfo,
		})

		for _, host := range hosts {
			if failedHosts[host.Name] {
				logger.WithHost(host.Name).Info("Host failed in an earlier play, skipping")
				continue
			}
			if ctx.Err() != nil {
				return nil
			}

			h := &hostRun{
				e:         e,
				run:       run,
				play:      play,
				host:      host,
				opts:      opts,
				baseDir:   pb.Dir(),
				recap:     run.Recap(host.Name),
				scope:     playbook.Vars{},
				extra:     opts.ExtraVars,
				pending:   make(map[string]bool),
				logger:    logger.WithHost(host.Name),
				becomeDef: play.Become || host.Spec.Become,
			}

			hostVars, err := inv.HostVars(host)
			if err != nil {
				return NewPermanentError("failed to build host variables", err).WithResource(host.Name)
			}
			h.base, err = playbook.Merge(hostVars, play.Vars, varsFiles, opts.ExtraVars)
			if err != nil {
				return NewPermanentError("failed to merge variables", err).WithResource(host.Name)
			}
			h.base["play_name"] = play.Name
			h.base["check_mode"] = opts.CheckMode

			if !h.execute(ctx) {
				failedHosts[host.Name] = true
			}
		}
	}
	return nil
}

// checkPolicy evaluates the playbook and publishes every violation. In
// enforcing mode an error severity violation refuses the run.
func (e *Executor) checkPolicy(ctx context.Context, pb *playbook.Playbook) error {
	if e.policy == nil {
		return nil
	}

	result, err := e.policy.EvaluatePlaybook(ctx, pb)
	if err != nil {
		return NewPermanentError("policy evaluation failed", err).WithCode(ErrCodeInternal)
	}

	zlog := e.logger.Zerolog()
	for _, v := range result.Violations {
		level := telemetry.EventLevelWarning
		evt := zlog.Warn()
		if v.Severity == "error" {
			level = telemetry.EventLevelError
			evt = zlog.Error()
		}
		evt.Str("policy", v.Policy).
			Str("play", v.Play).
			Str("task", v.Task).
			Int("line", v.Line).
			Msg(v.Message)

		e.publish(ctx, telemetry.Event{
			Type:    telemetry.EventTypePolicyViolation,
			Play:    v.Play,
			Task:    v.Task,
			Message: v.Message,
			Level:   level,
			Data:    map[string]interface{}{"policy": v.Policy, "severity": v.Severity},
		})
	}

	if e.enforcePolicy && !result.Allowed {
		err := NewPermanentError("playbook rejected by policy", errors.New(firstError(result))).
			WithCode(ErrCodePolicyViolation).
			WithResource(pb.Path)
		e.metrics.RecordError(string(err.Class))
		return err
	}
	return nil
}

func firstError(result *PolicyResult) string {
	for _, v := range result.Violations {
		if v.Severity == "error" {
			return fmt.Sprintf("%s: %s", v.Policy, v.Message)
		}
	}
	return "policy denied"
}

func (e *Executor) publish(ctx context.Context, event telemetry.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, event); err != nil {
		zlog := e.logger.Zerolog()
		zlog.Debug().Err(err).Str("type", event.Type).Msg("Failed to publish event")
	}
}
