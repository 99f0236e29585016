package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostplay/pkg/actions"
	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/telemetry"
	"github.com/openfroyo/hostplay/pkg/transports"
)

// Scope keys set while a rescue section runs.
const (
	VarFailedTask   = "failed_task"
	VarFailedResult = "failed_result"
)

// hostRun is the state of one play on one host.
type hostRun struct {
	e    *Executor
	run  *Run
	play *playbook.Play
	host playbook.Host
	opts RunOptions

	baseDir   string
	becomeDef bool
	recap     *HostRecap
	logger    *telemetry.Logger
	transport transports.Transport

	// base is the merged configuration snapshot and is never written.
	base playbook.Vars
	// scope holds registered results, facts and failed_* on top of base.
	scope playbook.Vars
	// extra vars win over everything, including registered values.
	extra playbook.Vars

	// pending is the set of notified handler names.
	pending map[string]bool

	// lastFailed is the most recent fatal action result.
	lastFailed *TaskResult
	failed     bool
}

// execute runs the play's tasks and handlers. It returns false when the host
// failed or could not be reached.
func (h *hostRun) execute(ctx context.Context) bool {
	e := h.e
	ctx, span := e.tracer.StartPlaySpan(ctx, h.play.Name, h.host.Name)
	defer span.End()

	e.publish(ctx, telemetry.Event{
		Type:    telemetry.EventTypeHostStarted,
		RunID:   h.run.ID,
		Play:    h.play.Name,
		Host:    h.host.Name,
		Message: "Host started",
		Level:   telemetry.EventLevelInfo,
	})

	t, err := e.transports.Open(ctx, h.host)
	if err != nil {
		h.unreachable(ctx, err)
		telemetry.RecordError(span, err)
		h.publishHostCompleted(ctx)
		return false
	}
	h.transport = t
	defer func() {
		if err := t.Close(); err != nil {
			h.logger.WithError(err).Debug("Failed to close transport")
		}
	}()

	if h.play.GatherFacts {
		h.gatherFacts(ctx)
	}

	if !h.failed {
		if !h.runTasks(ctx, h.play.Tasks, h.becomeDef) {
			h.failed = true
		}
	}

	h.flushHandlers(ctx)

	if h.failed {
		telemetry.RecordError(span, errors.New("host failed"))
	} else {
		telemetry.RecordSuccess(span)
	}
	h.publishHostCompleted(ctx)
	return !h.failed
}

func (h *hostRun) publishHostCompleted(ctx context.Context) {
	level := telemetry.EventLevelInfo
	if h.failed {
		level = telemetry.EventLevelError
	}
	h.e.publish(ctx, telemetry.Event{
		Type:    telemetry.EventTypeHostCompleted,
		RunID:   h.run.ID,
		Play:    h.play.Name,
		Host:    h.host.Name,
		Message: "Host completed",
		Level:   level,
		Data: map[string]interface{}{
			"ok":          h.recap.OK,
			"changed":     h.recap.Changed,
			"failed":      h.recap.Failed,
			"unreachable": h.recap.Unreachable,
		},
	})
}

// vars returns the variables visible to the next task.
func (h *hostRun) vars() (playbook.Vars, error) {
	return playbook.Merge(h.base, h.scope, h.extra)
}

func (h *hostRun) newResult(name, action string) *TaskResult {
	return &TaskResult{
		ID:        uuid.New().String(),
		RunID:     h.run.ID,
		Play:      h.play.Name,
		Host:      h.host.Name,
		Task:      name,
		Action:    action,
		StartedAt: time.Now(),
	}
}

func (h *hostRun) unreachable(ctx context.Context, err error) {
	res := h.newResult("Connect", "connect")
	engErr := ClassifyError("failed to connect", err).WithResource(h.host.Name)
	if engErr.Code == ErrCodeInternal {
		engErr.Code = ErrCodeUnreachable
	}
	fail(res, engErr)

	h.failed = true
	h.recap.Unreachable++
	h.record(ctx, res)
}

func (h *hostRun) gatherFacts(ctx context.Context) {
	res := h.newResult("Gathering Facts", "gather_facts")

	f, err := h.e.facts.Gather(ctx, h.transport)
	if err != nil {
		fail(res, ClassifyError("failed to gather facts", err).WithResource(h.host.Name))
	} else {
		h.scope["facts"] = f
		res.Status = TaskStatusOK
		res.Data = map[string]interface{}{"facts": f}
	}

	h.finish(ctx, res)
	if res.Status.IsFatal() {
		h.failed = true
	}
}

// runTasks runs tasks in order and stops at the first fatal result. It
// returns false when the sequence failed or the context was cancelled.
func (h *hostRun) runTasks(ctx context.Context, tasks []playbook.Task, become bool) bool {
	for i := range tasks {
		if ctx.Err() != nil {
			return false
		}

		t := &tasks[i]
		var res *TaskResult
		if t.IsBlock() {
			res = h.runBlock(ctx, t, become)
		} else {
			res = h.runAction(ctx, t, become, false)
		}

		if res.Status.IsFatal() {
			return false
		}
	}
	return true
}

// runAction evaluates, renders and runs a single action task.
func (h *hostRun) runAction(ctx context.Context, t *playbook.Task, become, handler bool) *TaskResult {
	e := h.e
	res := h.newResult(t.DisplayName(), t.Action)
	res.Handler = handler

	vars, err := h.vars()
	if err != nil {
		fail(res, NewPermanentError("failed to merge variables", err).WithCode(ErrCodeInternal))
		return h.settle(ctx, t, res, nil)
	}

	run, err := playbook.EvalCondition(t.When, vars)
	if err != nil {
		fail(res, NewPermanentError("invalid when condition", err).WithCode(ErrCodeCondition))
		return h.settle(ctx, t, res, nil)
	}
	if !run {
		res.Status = TaskStatusSkipped
		res.Msg = "Conditional result was False"
		return h.settle(ctx, t, res, nil)
	}

	e.publish(ctx, telemetry.Event{
		Type:    telemetry.EventTypeTaskStarted,
		RunID:   h.run.ID,
		Play:    h.play.Name,
		Host:    h.host.Name,
		Task:    res.Task,
		Message: fmt.Sprintf("Task started: %s", t.Action),
		Level:   telemetry.EventLevelInfo,
	})

	args, err := playbook.RenderArgs(t.Args, vars)
	if err != nil {
		fail(res, NewPermanentError("failed to render arguments", err).WithCode(ErrCodeTemplate))
		return h.settle(ctx, t, res, nil)
	}

	action, err := e.registry.New(t.Action, args)
	if err != nil {
		code := ErrCodeValidation
		var unknown *actions.UnknownActionError
		if errors.As(err, &unknown) {
			code = ErrCodeUnknownAction
		}
		fail(res, NewPermanentError("failed to build action", err).WithCode(code))
		return h.settle(ctx, t, res, nil)
	}

	actx := &actions.Context{
		Transport: h.transport,
		Check:     h.opts.CheckMode,
		Become:    t.BecomeOr(become),
		Host:      h.host.Name,
		Vars:      vars,
		BaseDir:   h.baseDir,
		Mailer:    e.mailer,
		Logger:    h.logger.WithTask(res.Task, t.Action).Zerolog(),
	}

	actionCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	actionCtx, span := e.tracer.StartTaskSpan(actionCtx, res.Task, t.Action)
	defer span.End()

	out, err := action.Run(actionCtx, actx)
	if err != nil {
		msg := "action failed"
		if ctx.Err() == nil && errors.Is(actionCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("task timed out after %s", t.Timeout)
		}
		fail(res, ClassifyError(msg, err).WithResource(h.host.Name).WithOperation(t.Action))
		telemetry.RecordError(span, err)
		return h.settle(ctx, t, res, nil)
	}

	res.Changed = out.Changed
	res.Failed = out.Failed
	res.RC = out.RC
	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	res.Msg = out.Msg
	res.Data = out.Data

	switch {
	case out.Failed:
		res.Status = TaskStatusFailed
		res.Error = NewPermanentError(out.Msg, nil).
			WithCode(ErrCodeActionFailed).
			WithResource(h.host.Name).
			WithOperation(t.Action)
		telemetry.RecordError(span, res.Error)
	case out.Skipped:
		res.Status = TaskStatusSkipped
	case out.Changed:
		res.Status = TaskStatusChanged
	default:
		res.Status = TaskStatusOK
	}
	if !out.Failed {
		telemetry.RecordSuccess(span)
	}

	return h.settle(ctx, t, res, out.Facts)
}

// settle applies ignore_errors, register, facts and notify to a finished
// action result, then records it.
func (h *hostRun) settle(ctx context.Context, t *playbook.Task, res *TaskResult, facts map[string]interface{}) *TaskResult {
	if res.Status == TaskStatusFailed && t.IgnoreErrors {
		res.Status = TaskStatusIgnored
	}

	if t.Register != "" {
		h.scope[t.Register] = res.AsVar()
	}

	if !res.Failed {
		for k, v := range facts {
			h.scope[k] = v
		}
	}

	if res.Status == TaskStatusChanged {
		h.notify(ctx, res, t.Notify)
	}

	h.finish(ctx, res)
	return res
}

func (h *hostRun) notify(ctx context.Context, res *TaskResult, targets []string) {
	for _, target := range targets {
		matched := false
		for i := range h.play.Handlers {
			hd := &h.play.Handlers[i]
			if !hd.Matches(target) {
				continue
			}
			matched = true
			h.pending[hd.Name] = true
			h.e.metrics.RecordNotification(hd.Name)
			h.e.publish(ctx, telemetry.Event{
				Type:    telemetry.EventTypeHandlerNotified,
				RunID:   h.run.ID,
				Play:    h.play.Name,
				Host:    h.host.Name,
				Task:    res.Task,
				Message: fmt.Sprintf("Handler notified: %s", hd.Name),
				Level:   telemetry.EventLevelInfo,
				Data:    map[string]interface{}{"handler": hd.Name},
			})
		}
		if !matched {
			zlog := h.logger.Zerolog()
			zlog.Warn().
				Str("task", res.Task).
				Str("notify", target).
				Msg("Notify target matches no handler")
		}
	}
}

// runBlock runs a protected block: the block tasks, the rescue tasks when the
// block failed, and the always tasks exactly once.
func (h *hostRun) runBlock(ctx context.Context, t *playbook.Task, become bool) *TaskResult {
	e := h.e
	res := h.newResult(t.DisplayName(), "block")
	res.Block = true
	become = t.BecomeOr(become)

	vars, err := h.vars()
	if err != nil {
		fail(res, NewPermanentError("failed to merge variables", err).WithCode(ErrCodeInternal))
		h.finishBlock(ctx, t, res, h.recap.Failed)
		return res
	}
	run, err := playbook.EvalCondition(t.When, vars)
	if err != nil {
		fail(res, NewPermanentError("invalid when condition", err).WithCode(ErrCodeCondition))
		h.finishBlock(ctx, t, res, h.recap.Failed)
		return res
	}
	if !run {
		res.Status = TaskStatusSkipped
		res.Msg = "Conditional result was False"
		h.finishBlock(ctx, t, res, h.recap.Failed)
		return res
	}

	// Failures recovered by rescue or ignore_errors are taken back out of
	// the failed counter.
	failedBefore := h.recap.Failed
	h.lastFailed = nil

	blockOK := h.runTasks(ctx, t.Block, become)
	cause := h.lastFailed

	rescueRan, rescued := false, false
	prevTask, hadTask := h.scope[VarFailedTask]
	prevResult, hadResult := h.scope[VarFailedResult]

	if !blockOK && len(t.Rescue) > 0 && ctx.Err() == nil {
		rescueRan = true
		h.scope[VarFailedTask], h.scope[VarFailedResult] = failedVars(cause)

		zlog := h.logger.Zerolog()
		zlog.Info().
			Str("block", res.Task).
			Str("failed_task", causeName(cause)).
			Msg("Block failed, running rescue")

		rescued = h.runTasks(ctx, t.Rescue, become)
		if rescued {
			e.metrics.RecordRescue("recovered")
			e.publish(ctx, telemetry.Event{
				Type:    telemetry.EventTypeBlockRescued,
				RunID:   h.run.ID,
				Play:    h.play.Name,
				Host:    h.host.Name,
				Task:    res.Task,
				Message: fmt.Sprintf("Block rescued after failure of %s", causeName(cause)),
				Level:   telemetry.EventLevelWarning,
				Data:    map[string]interface{}{"failed_task": causeName(cause)},
			})
		} else {
			e.metrics.RecordRescue("failed")
		}
	}

	alwaysOK := true
	if len(t.Always) > 0 {
		alwaysCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			alwaysCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), e.alwaysGrace)
			defer cancel()
		}
		alwaysOK = h.runTasks(alwaysCtx, t.Always, become)
	}

	if rescueRan {
		restoreVar(h.scope, VarFailedTask, prevTask, hadTask)
		restoreVar(h.scope, VarFailedResult, prevResult, hadResult)
	}

	switch {
	case (!blockOK && !rescued) || !alwaysOK:
		res.Status = TaskStatusFailed
		res.Failed = true
		res.Msg = blockFailureMessage(cause, blockOK, rescueRan, alwaysOK)
	case rescued:
		res.Status = TaskStatusRescued
		res.Msg = fmt.Sprintf("rescued failure of %s", causeName(cause))
		h.recap.Failed = failedBefore
	default:
		res.Status = TaskStatusOK
	}
	if cause != nil {
		res.RC = cause.RC
	}

	h.finishBlock(ctx, t, res, failedBefore)
	return res
}

// finishBlock records a block result. Blocks only count towards the recap
// when rescued, ignored or failed on their own.
func (h *hostRun) finishBlock(ctx context.Context, t *playbook.Task, res *TaskResult, failedBefore int) {
	res.Duration = time.Since(res.StartedAt)

	if res.Status == TaskStatusFailed && t.IgnoreErrors {
		res.Status = TaskStatusIgnored
		h.recap.Failed = failedBefore
	}

	switch {
	case res.Status == TaskStatusRescued, res.Status == TaskStatusIgnored:
		h.recap.count(res.Status)
	case res.Status == TaskStatusFailed && res.Error != nil:
		h.recap.count(res.Status)
	}

	h.record(ctx, res)
}

// flushHandlers runs each notified handler once, in definition order.
func (h *hostRun) flushHandlers(ctx context.Context) {
	if len(h.pending) == 0 {
		return
	}
	defer func() { h.pending = make(map[string]bool) }()

	if h.failed && !h.play.ForceHandlers {
		zlog := h.logger.Zerolog()
		zlog.Warn().
			Int("pending", len(h.pending)).
			Msg("Play failed, skipping notified handlers")
		return
	}

	for i := range h.play.Handlers {
		if ctx.Err() != nil {
			h.failed = true
			return
		}

		hd := &h.play.Handlers[i]
		if !h.pending[hd.Name] {
			continue
		}

		task := hd.AsTask()
		res := h.runAction(ctx, &task, h.becomeDef, true)

		h.e.metrics.RecordHandler(hd.Name, string(res.Status))
		h.e.publish(ctx, telemetry.Event{
			Type:    telemetry.EventTypeHandlerFired,
			RunID:   h.run.ID,
			Play:    h.play.Name,
			Host:    h.host.Name,
			Task:    hd.Name,
			Message: fmt.Sprintf("Handler ran: %s", res.Status),
			Level:   levelFor(res.Status),
		})

		if res.Status.IsFatal() {
			h.failed = true
			return
		}
	}
}

// finish counts and records an action result.
func (h *hostRun) finish(ctx context.Context, res *TaskResult) {
	res.Duration = time.Since(res.StartedAt)
	h.recap.count(res.Status)
	if res.Status == TaskStatusFailed {
		h.lastFailed = res
	}
	h.record(ctx, res)
}

// record stores a result and reports it to every sink.
func (h *hostRun) record(ctx context.Context, res *TaskResult) {
	e := h.e
	h.run.Results = append(h.run.Results, res)

	e.metrics.RecordTask(res.Action, string(res.Status), res.Duration)
	if res.Error != nil {
		e.metrics.RecordError(string(res.Error.Class))
	}

	e.publish(ctx, telemetry.Event{
		Type:    telemetry.EventTypeTaskCompleted,
		RunID:   h.run.ID,
		Play:    h.play.Name,
		Host:    h.host.Name,
		Task:    res.Task,
		Message: fmt.Sprintf("%s: %s", res.Status, res.Task),
		Level:   levelFor(res.Status),
		Data: map[string]interface{}{
			"action":   res.Action,
			"status":   string(res.Status),
			"changed":  res.Changed,
			"rc":       res.RC,
			"duration": res.Duration.String(),
		},
	})

	if e.recorder != nil {
		if err := e.recorder.AppendTaskResult(context.WithoutCancel(ctx), res); err != nil {
			h.logger.WithError(err).Warn("Failed to record task result")
		}
	}
	if e.onResult != nil {
		e.onResult(res)
	}

	h.logResult(res)
}

func (h *hostRun) logResult(res *TaskResult) {
	zlog := h.logger.WithTask(res.Task, res.Action).Zerolog()

	var evt *zerolog.Event
	switch res.Status {
	case TaskStatusFailed:
		evt = zlog.Error()
	case TaskStatusIgnored, TaskStatusRescued:
		evt = zlog.Warn()
	case TaskStatusSkipped:
		evt = zlog.Debug()
	default:
		evt = zlog.Info()
	}

	evt = evt.Str("status", string(res.Status)).Dur("duration", res.Duration)
	if res.Handler {
		evt = evt.Bool("handler", true)
	}
	if res.RC != 0 {
		evt = evt.Int("rc", res.RC)
	}
	if res.Msg != "" {
		evt = evt.Str("msg", res.Msg)
	}
	if res.Error != nil {
		evt = evt.Str("error_code", res.Error.Code)
	}
	evt.Msg("Task finished")
}

func fail(res *TaskResult, err *EngineError) {
	res.Status = TaskStatusFailed
	res.Failed = true
	res.Msg = err.Error()
	res.Error = err
}

// failedVars builds the failed_task and failed_result variables.
func failedVars(cause *TaskResult) (map[string]interface{}, map[string]interface{}) {
	if cause == nil {
		return map[string]interface{}{"name": "", "action": ""}, map[string]interface{}{}
	}
	return map[string]interface{}{
		"name":   cause.Task,
		"action": cause.Action,
	}, cause.AsVar()
}

func restoreVar(scope playbook.Vars, key string, prev interface{}, had bool) {
	if had {
		scope[key] = prev
		return
	}
	delete(scope, key)
}

func causeName(cause *TaskResult) string {
	if cause == nil {
		return "unknown task"
	}
	return cause.Task
}

func blockFailureMessage(cause *TaskResult, blockOK, rescueRan, alwaysOK bool) string {
	switch {
	case !alwaysOK && blockOK:
		return "always section failed"
	case rescueRan:
		return fmt.Sprintf("rescue failed after failure of %s", causeName(cause))
	case cause != nil:
		return fmt.Sprintf("%s failed: %s", cause.Task, cause.Msg)
	default:
		return "block interrupted"
	}
}

func levelFor(status TaskStatus) string {
	switch status {
	case TaskStatusFailed:
		return telemetry.EventLevelError
	case TaskStatusIgnored, TaskStatusRescued:
		return telemetry.EventLevelWarning
	default:
		return telemetry.EventLevelInfo
	}
}
