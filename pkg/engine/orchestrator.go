package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunStore persists run records and plans.
type RunStore interface {
	CreateRun(ctx context.Context, runID, planHash, goal string, startedAt time.Time) error
	CompleteRun(ctx context.Context, summary *RunSummary) error
	SavePlan(ctx context.Context, plan *Plan) error
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	Planner  *Planner
	Executor *Executor
	Reducer  *Reducer
	Store    RunStore
	Events   EventFunc
	Tracer   trace.Tracer
	Logger   zerolog.Logger

	// MaxReplans bounds re-planning rounds after a replannable
	// failure. Zero disables re-planning.
	MaxReplans int
}

// Orchestrator owns the run lifecycle: plan, execute, re-plan on
// recoverable failure, reduce, persist. Runs are independent; the
// orchestrator holds no cross-run mutable state beyond the handle
// table.
type Orchestrator struct {
	planner    *Planner
	executor   *Executor
	reducer    *Reducer
	store      RunStore
	events     EventFunc
	tracer     trace.Tracer
	logger     zerolog.Logger
	maxReplans int

	mu   sync.Mutex
	runs map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  RunStatus
	summary *RunSummary
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	events := cfg.Events
	if events == nil {
		events = func(string, string, string, map[string]any) {}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/patina/patina")
	}
	reducer := cfg.Reducer
	if reducer == nil {
		reducer = &Reducer{}
	}
	return &Orchestrator{
		planner:    cfg.Planner,
		executor:   cfg.Executor,
		reducer:    reducer,
		store:      cfg.Store,
		events:     events,
		tracer:     tracer,
		logger:     cfg.Logger.With().Str("component", "orchestrator").Logger(),
		maxReplans: cfg.MaxReplans,
		runs:       make(map[string]*runHandle),
	}
}

// Start begins a run in the background and returns its id.
func (o *Orchestrator) Start(ctx context.Context, goal string, c Constraints) (string, error) {
	if goal == "" {
		return "", fmt.Errorf("goal is required")
	}
	runID := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &runHandle{
		cancel: cancel,
		done:   make(chan struct{}),
		status: RunStatusPlanning,
	}
	o.mu.Lock()
	o.runs[runID] = handle
	o.mu.Unlock()

	go func() {
		defer close(handle.done)
		summary := o.run(runCtx, runID, goal, c)
		handle.mu.Lock()
		handle.status = summary.Status
		handle.summary = summary
		handle.mu.Unlock()
	}()
	return runID, nil
}

// Wait blocks until the run completes and returns its summary.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*RunSummary, error) {
	handle, err := o.handle(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-handle.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.summary, nil
}

// Status returns a run's current status and, once terminal, its summary.
func (o *Orchestrator) Status(runID string) (RunStatus, *RunSummary, error) {
	handle, err := o.handle(runID)
	if err != nil {
		return "", nil, err
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.status, handle.summary, nil
}

// Cancel stops a run. In-flight workers are terminated through their
// watchdogs; the run settles as cancelled.
func (o *Orchestrator) Cancel(runID string) error {
	handle, err := o.handle(runID)
	if err != nil {
		return err
	}
	handle.cancel()
	return nil
}

func (o *Orchestrator) handle(runID string) (*runHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("unknown run %s", runID)
	}
	return handle, nil
}

func (o *Orchestrator) setStatus(runID string, status RunStatus) {
	o.mu.Lock()
	handle, ok := o.runs[runID]
	o.mu.Unlock()
	if ok {
		handle.mu.Lock()
		handle.status = status
		handle.mu.Unlock()
	}
}

// run drives one run end to end and always returns a summary.
func (o *Orchestrator) run(ctx context.Context, runID, goal string, c Constraints) *RunSummary {
	startedAt := time.Now().UTC()
	ctx, span := o.tracer.Start(ctx, "patina.run",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	logger := o.logger.With().Str("run", runID).Logger()
	fail := func(err *Error) *RunSummary {
		span.SetStatus(codes.Error, err.Error())
		summary := &RunSummary{
			RunID:       runID,
			Status:      RunStatusFailed,
			Error:       err,
			StartedAt:   startedAt,
			CompletedAt: time.Now().UTC(),
		}
		if o.store != nil {
			// Record the run even though nothing executed, so status
			// queries can see the failure.
			if serr := o.store.CreateRun(ctx, runID, "", goal, startedAt); serr != nil {
				logger.Warn().Err(serr).Msg("persist run failed")
			}
		}
		o.persistCompletion(ctx, summary)
		logger.Error().Str("kind", string(err.Kind)).Str("code", err.Code).
			Msg("run failed before execution")
		return summary
	}

	var tokens int64
	planCtx, planSpan := o.tracer.Start(ctx, "patina.plan")
	plan, used, err := o.planner.Plan(planCtx, goal, c)
	planSpan.End()
	tokens += used
	if err != nil {
		return fail(AsError(err))
	}
	if c.Run.TokenCap > 0 && tokens > c.Run.TokenCap {
		return fail(NewError(ErrorKindBudget, CodeTokenLimit,
			fmt.Sprintf("planning used %d tokens, cap is %d", tokens, c.Run.TokenCap), nil))
	}
	span.SetAttributes(attribute.String("plan.hash", plan.Hash),
		attribute.Int("plan.nodes", len(plan.Nodes)))

	// The run row must exist before any trace event references it.
	if o.store != nil {
		if serr := o.store.SavePlan(ctx, plan); serr != nil {
			logger.Warn().Err(serr).Msg("persist plan failed")
		}
		if serr := o.store.CreateRun(ctx, runID, plan.Hash, goal, startedAt); serr != nil {
			logger.Warn().Err(serr).Msg("persist run failed")
		}
	}
	o.events(runID, eventPlanCreated, "", map[string]any{
		"plan_hash": plan.Hash, "nodes": len(plan.Nodes),
	})

	o.setStatus(runID, RunStatusRunning)
	o.events(runID, eventRunStarted, "", map[string]any{"goal": goal})
	state := NewRunState()

	var summary *RunSummary
	for round := 0; ; round++ {
		execCtx, execSpan := o.tracer.Start(ctx, "patina.execute",
			trace.WithAttributes(attribute.Int("round", round)))
		summary, _ = o.executor.Execute(execCtx, runID, plan, state, c)
		execSpan.End()

		if !o.shouldReplan(summary, round) {
			break
		}

		failedNode := summary.Error.NodeID
		o.events(runID, eventReplan, failedNode, map[string]any{
			"round": round + 1, "code": summary.Error.Code,
		})
		logger.Info().Str("node", failedNode).Str("code", summary.Error.Code).
			Int("round", round+1).Msg("re-planning after failure")

		newPlan, used, rerr := o.planner.Replan(ctx, plan, failedNode, summary.Error, state, c)
		tokens += used
		if c.Run.TokenCap > 0 && tokens > c.Run.TokenCap {
			summary.Error = NewError(ErrorKindBudget, CodeTokenLimit,
				fmt.Sprintf("re-planning used %d tokens, cap is %d", tokens, c.Run.TokenCap), nil)
			break
		}
		if rerr != nil {
			logger.Warn().Err(rerr).Msg("re-plan failed, keeping result")
			break
		}
		plan = newPlan
		if o.store != nil {
			if serr := o.store.SavePlan(ctx, plan); serr != nil {
				logger.Warn().Err(serr).Msg("persist re-plan failed")
			}
		}
	}

	summary.RunID = runID
	summary.PlanHash = plan.Hash
	summary.StartedAt = startedAt
	o.reducer.Reduce(plan, state.Results(), summary)
	tokens += o.reducer.Polish(ctx, summary)

	span.SetAttributes(attribute.String("run.status", string(summary.Status)))
	if summary.Error != nil {
		span.SetStatus(codes.Error, summary.Error.Error())
	}
	o.persistCompletion(ctx, summary)
	o.events(runID, eventRunCompleted, "", map[string]any{
		"status": string(summary.Status),
		"succeeded": summary.Succeeded, "failed": summary.Failed,
		"skipped": summary.Skipped,
	})
	logger.Info().Str("status", string(summary.Status)).
		Int("succeeded", summary.Succeeded).Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).Int64("tokens", tokens).
		Msg("run completed")
	return summary
}

// shouldReplan reports whether a failure is worth a re-planning round.
// Budget exhaustion, policy denials, and sandbox faults are not: a new
// plan faces the same ceilings and the same manifest. Script failures
// and non-retriable tool failures may have a plan-shaped workaround.
func (o *Orchestrator) shouldReplan(summary *RunSummary, round int) bool {
	if round >= o.maxReplans {
		return false
	}
	if summary.Status != RunStatusPartial && summary.Status != RunStatusFailed {
		return false
	}
	err := summary.Error
	if err == nil || err.NodeID == "" {
		return false
	}
	switch err.Kind {
	case ErrorKindCode:
		return err.Code == CodeScriptFailed
	case ErrorKindTool:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) persistCompletion(ctx context.Context, summary *RunSummary) {
	if o.store == nil {
		return
	}
	if err := o.store.CompleteRun(ctx, summary); err != nil {
		o.logger.Warn().Err(err).Str("run", summary.RunID).Msg("persist run completion failed")
	}
}

// Run trace event kinds emitted by the orchestrator.
const (
	eventRunStarted   = "run_started"
	eventPlanCreated  = "plan_created"
	eventReplan       = "replan"
	eventRunCompleted = "run_completed"
)
