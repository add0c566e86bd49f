package process

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/events/bus"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Sub-processes may nest, but not without bound.
const maxSubProcessDepth = 8

// execPollInterval is how often a waiting step re-reads its execution.
const execPollInterval = 250 * time.Millisecond

// Enqueuer is the slice of the execution queue agent-task steps use.
type Enqueuer interface {
	Enqueue(ctx context.Context, agent string, req *v1.EnqueueRequest, caller, origin string) (*v1.Execution, error)
}

// ExecReader reads back execution results.
type ExecReader interface {
	Get(ctx context.Context, id string) (*v1.Execution, error)
}

// Releaser force-releases an agent's in-flight execution on cancellation.
type Releaser interface {
	ForceRelease(ctx context.Context, agent string) error
}

// Notifier delivers notification-step messages. Failures never block a
// run.
type Notifier interface {
	Notify(ctx context.Context, channel, text string) error
}

// Engine executes process runs.
type Engine struct {
	store    *Store
	queue    Enqueuer
	execs    ExecReader
	releaser Releaser
	bus      bus.EventBus
	notifier Notifier
	logger   *logger.Logger

	mu      sync.Mutex
	running map[string]*runState
	wg      sync.WaitGroup
}

type runState struct {
	cancel context.CancelFunc

	mu           sync.Mutex
	activeAgents map[string]int
}

func (rs *runState) trackAgent(agent string, delta int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.activeAgents[agent] += delta
	if rs.activeAgents[agent] <= 0 {
		delete(rs.activeAgents, agent)
	}
}

func (rs *runState) agents() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	agents := make([]string, 0, len(rs.activeAgents))
	for a := range rs.activeAgents {
		agents = append(agents, a)
	}
	return agents
}

// NewEngine creates the process engine.
func NewEngine(store *Store, q Enqueuer, execs ExecReader, releaser Releaser, eventBus bus.EventBus, notifier Notifier, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		queue:    q,
		execs:    execs,
		releaser: releaser,
		bus:      eventBus,
		notifier: notifier,
		logger:   log.WithFields(zap.String("component", "process")),
		running:  make(map[string]*runState),
	}
}

// Close cancels every running run and waits for their goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, rs := range e.running {
		rs.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// StartRun kicks off a run of the process and returns immediately; the
// steps execute in the background.
func (e *Engine) StartRun(ctx context.Context, processID string, req *v1.StartRunRequest, startedBy string) (*v1.ProcessRun, error) {
	proc, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	if _, err := newRunContext(req.Input); err != nil {
		return nil, err
	}
	run, err := e.store.CreateRun(ctx, proc, req.Input, startedBy)
	if err != nil {
		return nil, err
	}

	e.launch(run, proc, 0)
	e.publish(run.ID, events.ProcessRunStarted, map[string]any{
		"process_id": processID,
		"started_by": startedBy,
	})
	return run, nil
}

func (e *Engine) launch(run *v1.ProcessRun, proc *v1.Process, depth int) {
	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runState{cancel: cancel, activeAgents: map[string]int{}}
	e.mu.Lock()
	e.running[run.ID] = rs
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, run.ID)
			e.mu.Unlock()
		}()
		e.execute(runCtx, rs, run, proc, depth)
	}()
}

// CancelRun cancels a running run: the in-flight agent tasks are released
// and every unfinished step is marked cancelled.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != v1.RunStatusRunning {
		return apperrors.Conflict("run %s already ended as %s", runID, run.Status)
	}

	e.mu.Lock()
	rs := e.running[runID]
	e.mu.Unlock()
	if rs == nil {
		// The run predates this process instance; just mark it.
		_ = e.store.CancelOpenApprovals(ctx, runID, "system:cancelled")
		msg := "cancelled"
		return e.store.FinishRun(ctx, runID, v1.RunStatusCancelled, nil, &msg)
	}

	for _, agent := range rs.agents() {
		if err := e.releaser.ForceRelease(ctx, agent); err != nil {
			e.logger.Warn("force release on cancel failed",
				zap.String("agent", agent), zap.Error(err))
		}
	}
	rs.cancel()
	return nil
}

// DecideApproval records a decision and unblocks the waiting step.
func (e *Engine) DecideApproval(ctx context.Context, approvalID string, req *v1.DecideApprovalRequest, decidedBy string) (*v1.Approval, error) {
	decision := "rejected"
	if req.Approve {
		decision = "approved"
	}
	approval, err := e.store.Decide(ctx, approvalID, decision, decidedBy)
	if err != nil {
		return nil, err
	}

	event := bus.NewEvent(events.ProcessApprovalDecided, "process", map[string]any{
		"approval_id": approval.ID,
		"decision":    decision,
		"decided_by":  decidedBy,
		"comment":     req.Comment,
	})
	subject := events.BuildApprovalSubject(approval.RunID, approval.StepID)
	if err := e.bus.Publish(ctx, subject, event); err != nil {
		e.logger.Error("publish approval decision failed",
			zap.String("approval", approval.ID), zap.Error(err))
	}
	return approval, nil
}

// RecoverInterrupted fails runs left running by a previous process
// instance. Called once at startup.
func (e *Engine) RecoverInterrupted(ctx context.Context) error {
	runs, err := e.store.listRunningRuns(ctx)
	if err != nil {
		return err
	}
	msg := "control plane restarted before completion"
	for _, run := range runs {
		for _, step := range run.Steps {
			if !terminalStep(step.Status) {
				step.Status = v1.StepStatusCancelled
			}
		}
		if err := e.store.SaveRunSteps(ctx, run.ID, run.Steps); err != nil {
			return err
		}
		if err := e.store.CancelOpenApprovals(ctx, run.ID, "system:restart"); err != nil {
			return err
		}
		if err := e.store.FinishRun(ctx, run.ID, v1.RunStatusFailed, nil, &msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) publish(runID, eventType string, data map[string]any) {
	event := bus.NewEvent(eventType, "process", data)
	if err := e.bus.Publish(context.Background(), events.BuildProcessSubject(runID), event); err != nil {
		e.logger.Warn("publish run event failed", zap.String("run", runID), zap.Error(err))
	}
}

func terminalStep(s v1.StepStatus) bool {
	switch s {
	case v1.StepStatusCompleted, v1.StepStatusFailed, v1.StepStatusSkipped, v1.StepStatusCancelled:
		return true
	}
	return false
}

// execute drives one run to completion: repeatedly start every step whose
// dependencies are settled, wait for one to finish, re-evaluate.
func (e *Engine) execute(ctx context.Context, rs *runState, run *v1.ProcessRun, proc *v1.Process, depth int) {
	rc, err := newRunContext(run.Input)
	if err != nil {
		msg := err.Error()
		_ = e.store.FinishRun(context.Background(), run.ID, v1.RunStatusFailed, nil, &msg)
		return
	}

	stepDefs := make(map[string]*v1.ProcessStep, len(proc.Steps))
	for _, s := range proc.Steps {
		stepDefs[s.ID] = s
	}
	stepRuns := make(map[string]*v1.StepRun, len(run.Steps))
	for _, s := range run.Steps {
		stepRuns[s.StepID] = s
	}

	type result struct {
		stepID string
		output json.RawMessage
		err    error
	}
	results := make(chan result)
	inFlight := 0

	persist := func() {
		if err := e.store.SaveRunSteps(context.Background(), run.ID, run.Steps); err != nil {
			e.logger.Error("persist step states failed", zap.String("run", run.ID), zap.Error(err))
		}
	}

	fatalFailure := false
	for {
		if ctx.Err() == nil && !fatalFailure {
			// Marking a step skipped can settle the dependencies of a step
			// visited earlier in the same pass, so sweep until nothing moves.
			for progressed := true; progressed; {
				progressed = false
				for _, def := range proc.Steps {
					sr := stepRuns[def.ID]
					if sr.Status != v1.StepStatusPending || !e.depsSettled(def, stepRuns) {
						continue
					}
					progressed = true
					if e.shouldSkip(def, stepDefs, stepRuns) {
						sr.Status = v1.StepStatusSkipped
						continue
					}
					now := time.Now().UTC()
					sr.Status = v1.StepStatusRunning
					if def.Type == v1.StepTypeHumanApproval {
						sr.Status = v1.StepStatusWaitingApproval
					}
					sr.StartedAt = &now
					inFlight++
					e.publish(run.ID, events.ProcessStepStarted, map[string]any{"step_id": def.ID})

					go func(def *v1.ProcessStep) {
						output, err := e.runStep(ctx, rs, rc, run, def, depth)
						results <- result{stepID: def.ID, output: output, err: err}
					}(def)
				}
			}
			persist()
		}

		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		sr := stepRuns[res.stepID]
		def := stepDefs[res.stepID]
		now := time.Now().UTC()
		sr.CompletedAt = &now

		switch {
		case res.err != nil && ctx.Err() != nil:
			sr.Status = v1.StepStatusCancelled
		case res.err != nil:
			sr.Status = v1.StepStatusFailed
			msg := res.err.Error()
			sr.Error = &msg
			if !def.ContinueOnFailure {
				fatalFailure = true
			}
		default:
			sr.Status = v1.StepStatusCompleted
			sr.Output = res.output
			rc.setOutput(res.stepID, res.output)
			e.applyGatewayRouting(def, res.output, stepRuns)
		}
		e.publish(run.ID, events.ProcessStepCompleted, map[string]any{
			"step_id": res.stepID,
			"status":  string(sr.Status),
		})
		persist()
	}

	e.finishRun(ctx, run, proc, stepRuns, rc, fatalFailure)
}

func (e *Engine) finishRun(ctx context.Context, run *v1.ProcessRun, proc *v1.Process, stepRuns map[string]*v1.StepRun, rc *runContext, fatalFailure bool) {
	// Settle anything still pending: cancellation or an upstream failure
	// kept it from ever starting.
	for _, sr := range stepRuns {
		if sr.Status == v1.StepStatusPending {
			sr.Status = v1.StepStatusCancelled
		}
	}
	_ = e.store.SaveRunSteps(context.Background(), run.ID, run.Steps)

	switch {
	case ctx.Err() != nil:
		msg := "cancelled"
		_ = e.store.FinishRun(context.Background(), run.ID, v1.RunStatusCancelled, nil, &msg)
		e.publish(run.ID, events.ProcessRunCancelled, nil)

	case fatalFailure:
		msg := firstFailure(proc, stepRuns)
		_ = e.store.FinishRun(context.Background(), run.ID, v1.RunStatusFailed, nil, &msg)
		e.publish(run.ID, events.ProcessRunFailed, map[string]any{"error": msg})

	default:
		output := e.collectOutput(proc, stepRuns)
		_ = e.store.FinishRun(context.Background(), run.ID, v1.RunStatusCompleted, output, nil)
		e.publish(run.ID, events.ProcessRunCompleted, nil)
	}
}

func firstFailure(proc *v1.Process, stepRuns map[string]*v1.StepRun) string {
	for _, def := range proc.Steps {
		sr := stepRuns[def.ID]
		if sr.Status == v1.StepStatusFailed && sr.Error != nil {
			return fmt.Sprintf("step %s: %s", def.ID, *sr.Error)
		}
	}
	return "a step failed"
}

// collectOutput gathers the outputs of completed leaf steps into the run
// output document.
func (e *Engine) collectOutput(proc *v1.Process, stepRuns map[string]*v1.StepRun) json.RawMessage {
	hasDependents := map[string]bool{}
	for _, def := range proc.Steps {
		for _, dep := range def.DependsOn {
			hasDependents[dep] = true
		}
	}

	output := map[string]json.RawMessage{}
	for _, def := range proc.Steps {
		sr := stepRuns[def.ID]
		if hasDependents[def.ID] || sr.Status != v1.StepStatusCompleted || len(sr.Output) == 0 {
			continue
		}
		output[def.ID] = sr.Output
	}
	if len(output) == 0 {
		return nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil
	}
	return data
}

// depsSettled reports whether every dependency has reached a terminal
// state.
func (e *Engine) depsSettled(def *v1.ProcessStep, stepRuns map[string]*v1.StepRun) bool {
	for _, dep := range def.DependsOn {
		if !terminalStep(stepRuns[dep].Status) {
			return false
		}
	}
	return true
}

// shouldSkip propagates skips: a step with dependencies runs only if at
// least one dependency completed. Failed dependencies only admit the step
// when the failing step carried continue_on_failure, which is checked by
// the fatal-failure handling before we get here.
func (e *Engine) shouldSkip(def *v1.ProcessStep, stepDefs map[string]*v1.ProcessStep, stepRuns map[string]*v1.StepRun) bool {
	if len(def.DependsOn) == 0 {
		return false
	}
	for _, dep := range def.DependsOn {
		switch stepRuns[dep].Status {
		case v1.StepStatusCompleted:
			return false
		case v1.StepStatusFailed:
			if stepDefs[dep].ContinueOnFailure {
				return false
			}
		}
	}
	return true
}

// applyGatewayRouting skips the branch a completed gateway did not choose.
func (e *Engine) applyGatewayRouting(def *v1.ProcessStep, output json.RawMessage, stepRuns map[string]*v1.StepRun) {
	if def.Type != v1.StepTypeGateway {
		return
	}
	var doc struct {
		Chosen   string `json:"chosen"`
		Rejected string `json:"rejected"`
	}
	if err := json.Unmarshal(output, &doc); err != nil {
		return
	}
	if doc.Rejected == "" {
		return
	}
	if sr, ok := stepRuns[doc.Rejected]; ok && sr.Status == v1.StepStatusPending {
		sr.Status = v1.StepStatusSkipped
	}
}

// runStep executes one step and returns its output document.
func (e *Engine) runStep(ctx context.Context, rs *runState, rc *runContext, run *v1.ProcessRun, def *v1.ProcessStep, depth int) (json.RawMessage, error) {
	switch def.Type {
	case v1.StepTypeAgentTask:
		return e.runAgentTask(ctx, rs, rc, run, def)
	case v1.StepTypeHumanApproval:
		return e.runApproval(ctx, run, def)
	case v1.StepTypeGateway:
		return e.runGateway(rc, def)
	case v1.StepTypeNotification:
		return e.runNotification(ctx, rc, def)
	case v1.StepTypeSubProcess:
		return e.runSubProcess(ctx, rc, run, def, depth)
	default:
		return nil, apperrors.Internal(nil, "unknown step type %s", def.Type)
	}
}

func (e *Engine) runAgentTask(ctx context.Context, rs *runState, rc *runContext, run *v1.ProcessRun, def *v1.ProcessStep) (json.RawMessage, error) {
	message, err := rc.interpolate(def.Message)
	if err != nil {
		return nil, err
	}

	rs.trackAgent(def.Agent, 1)
	defer rs.trackAgent(def.Agent, -1)

	exec, err := e.queue.Enqueue(ctx, def.Agent, &v1.EnqueueRequest{
		Message:      message,
		TimeoutSecs:  def.TimeoutSecs,
		WaitForStart: true,
	}, "process:"+run.ID, v1.OriginProcess)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(execPollInterval):
		}
		current, err := e.execs.Get(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		if !current.Status.Terminal() {
			continue
		}
		switch current.Status {
		case v1.ExecutionStatusSucceeded:
			doc := map[string]any{"text": ""}
			if current.Result != nil {
				doc["text"] = *current.Result
			}
			if current.CostUSD != 0 {
				doc["cost_usd"] = current.CostUSD
			}
			data, _ := json.Marshal(doc)
			return data, nil
		case v1.ExecutionStatusCancelled:
			return nil, apperrors.Cancelled("agent task on %s was cancelled", def.Agent)
		case v1.ExecutionStatusTimedOut:
			return nil, apperrors.Timeout("agent task on %s timed out", def.Agent)
		default:
			msg := "agent task failed"
			if current.Error != nil {
				msg = *current.Error
			}
			return nil, fmt.Errorf("%s", msg)
		}
	}
}

func (e *Engine) runApproval(ctx context.Context, run *v1.ProcessRun, def *v1.ProcessStep) (json.RawMessage, error) {
	decided := make(chan *bus.Event, 1)
	sub, err := e.bus.Subscribe(events.BuildApprovalSubject(run.ID, def.ID),
		func(_ context.Context, event *bus.Event) error {
			select {
			case decided <- event:
			default:
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	approval, err := e.store.CreateApproval(ctx, run.ID, def.ID, def.Prompt, def.Approvers)
	if err != nil {
		return nil, err
	}
	e.publish(run.ID, events.ProcessApprovalPending, map[string]any{
		"approval_id": approval.ID,
		"step_id":     def.ID,
		"approvers":   def.Approvers,
	})

	settle := func(event *bus.Event) (json.RawMessage, error) {
		decision, _ := event.Data["decision"].(string)
		decidedBy, _ := event.Data["decided_by"].(string)
		doc, _ := json.Marshal(map[string]any{
			"decision":   decision,
			"decided_by": decidedBy,
		})
		if decision != "approved" {
			return nil, fmt.Errorf("rejected by %s", decidedBy)
		}
		return doc, nil
	}

	var expired <-chan time.Time
	if def.TimeoutHours > 0 {
		timer := time.NewTimer(time.Duration(def.TimeoutHours * float64(time.Hour)))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ctx.Done():
		// A cancelled run must not leave the approval listed as pending.
		_, _ = e.store.Decide(context.Background(), approval.ID, "rejected", "system:cancelled")
		return nil, ctx.Err()

	case event := <-decided:
		return settle(event)

	case <-expired:
		if _, err := e.store.Decide(ctx, approval.ID, "rejected", "system:timeout"); err != nil {
			// An approver's decision won the race; its event is on the way.
			select {
			case event := <-decided:
				return settle(event)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		e.publish(run.ID, events.ProcessApprovalDecided, map[string]any{
			"approval_id": approval.ID,
			"decision":    "rejected",
			"decided_by":  "system:timeout",
		})
		return nil, apperrors.Timeout("approval %s expired after %g hours", def.ID, def.TimeoutHours)
	}
}

func (e *Engine) runGateway(rc *runContext, def *v1.ProcessStep) (json.RawMessage, error) {
	value, err := rc.evalCondition(def.Condition)
	if err != nil {
		return nil, err
	}
	chosen, rejected := def.IfTrue, def.IfFalse
	if !value {
		chosen, rejected = def.IfFalse, def.IfTrue
	}
	doc, _ := json.Marshal(map[string]any{
		"condition": value,
		"chosen":    chosen,
		"rejected":  rejected,
	})
	return doc, nil
}

func (e *Engine) runNotification(ctx context.Context, rc *runContext, def *v1.ProcessStep) (json.RawMessage, error) {
	text, err := rc.interpolate(def.Text)
	if err != nil {
		return nil, err
	}
	// Notifications are fire-and-forget: a dead channel must not stall
	// the run.
	if err := e.notifier.Notify(ctx, def.Channel, text); err != nil {
		e.logger.Warn("notification failed",
			zap.String("channel", def.Channel), zap.Error(err))
		doc, _ := json.Marshal(map[string]any{"delivered": false, "error": err.Error()})
		return doc, nil
	}
	doc, _ := json.Marshal(map[string]any{"delivered": true})
	return doc, nil
}

func (e *Engine) runSubProcess(ctx context.Context, rc *runContext, run *v1.ProcessRun, def *v1.ProcessStep, depth int) (json.RawMessage, error) {
	if depth >= maxSubProcessDepth {
		return nil, apperrors.InvalidInput("sub-process nesting deeper than %d", maxSubProcessDepth)
	}

	input := def.Input
	if len(input) > 0 {
		rendered, err := rc.interpolate(string(input))
		if err != nil {
			return nil, err
		}
		input = json.RawMessage(rendered)
	}

	proc, err := e.store.GetProcess(ctx, def.ProcessID)
	if err != nil {
		return nil, err
	}
	subRun, err := e.store.CreateRun(ctx, proc, input, "process:"+run.ID)
	if err != nil {
		return nil, err
	}
	e.launch(subRun, proc, depth+1)

	for {
		select {
		case <-ctx.Done():
			_ = e.CancelRun(context.Background(), subRun.ID)
			return nil, ctx.Err()
		case <-time.After(execPollInterval):
		}
		current, err := e.store.GetRun(ctx, subRun.ID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case v1.RunStatusRunning:
			continue
		case v1.RunStatusCompleted:
			return current.Output, nil
		case v1.RunStatusCancelled:
			return nil, apperrors.Cancelled("sub-process run %s was cancelled", subRun.ID)
		default:
			msg := "sub-process failed"
			if current.Error != nil {
				msg = *current.Error
			}
			return nil, fmt.Errorf("%s", msg)
		}
	}
}
