package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patina/patina/pkg/config"
	"github.com/patina/patina/pkg/engine"
	"github.com/patina/patina/pkg/policy"
	"github.com/patina/patina/pkg/sandbox"
	"github.com/patina/patina/pkg/stores"
	"github.com/patina/patina/pkg/telemetry"
	"github.com/patina/patina/pkg/toolclient"
)

// app holds the wired execution core for one CLI invocation.
type app struct {
	profile      *config.Profile
	logger       zerolog.Logger
	tracer       *telemetry.Tracer
	metrics      *telemetry.Metrics
	store        *stores.Store
	gate         engine.CapabilityGate
	watcher      *policy.Watcher
	reloading    *policy.ReloadingGate
	engines      *sandbox.Registry
	planner      *engine.Planner
	executor     *engine.Executor
	orchestrator *engine.Orchestrator
}

// buildApp wires the full stack from a profile. With watchPolicy set,
// the manifest file is watched and the gate rebuilt from edits at each
// run boundary; one-shot commands load the manifest once instead.
func buildApp(ctx context.Context, version string, approver engine.Approver, watchPolicy bool) (*app, error) {
	var profile *config.Profile
	if profilePath != "" {
		loader, err := config.NewLoader()
		if err != nil {
			return nil, err
		}
		profile, err = loader.Load(profilePath)
		if err != nil {
			return nil, err
		}
	} else {
		profile = config.Default()
	}

	if verbose {
		profile.Telemetry.Logging.Level = "debug"
	}
	logger, err := telemetry.NewLogger(profile.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	tracer, err := telemetry.NewTracer(profile.Telemetry.Tracing, "patina", version)
	if err != nil {
		return nil, fmt.Errorf("configure tracing: %w", err)
	}
	metrics := telemetry.NewMetrics(profile.Telemetry.Metrics)

	if err := os.MkdirAll(profile.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := stores.New(stores.Config{DataDir: profile.DataDir})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var (
		gate      engine.CapabilityGate
		watcher   *policy.Watcher
		reloading *policy.ReloadingGate
	)
	if watchPolicy {
		watcher, err = policy.NewWatcher(profile.PolicyManifest, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("watch policy manifest: %w", err)
		}
		reloading, err = policy.NewReloadingGate(watcher, logger)
		if err != nil {
			watcher.Close()
			store.Close()
			return nil, fmt.Errorf("compile policy manifest: %w", err)
		}
		gate = reloading
	} else {
		manifest, err := policy.NewLoader(logger).Load(profile.PolicyManifest)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load policy manifest: %w", err)
		}
		compiled, err := policy.NewGate(manifest, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("compile policy manifest: %w", err)
		}
		gate = compiled
	}

	var tools engine.ToolInvoker
	if len(profile.ToolServers) > 0 {
		client, err := toolclient.NewClient(toolclient.Config{
			Servers:     profile.ToolServers,
			SchemaStore: store,
			Logger:      logger,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("configure tool client: %w", err)
		}
		tools = client
	}

	registry := sandbox.NewRegistry(
		sandbox.NewProcessEngine(sandbox.ProcessConfig{
			WorkerPath: profile.WorkerPath,
			Logger:     logger,
		}),
		sandbox.NewWASMEngine(ctx, sandbox.WASMConfig{Logger: logger}),
	)

	events := eventBridge(ctx, store, metrics, logger)

	planner := engine.NewPlanner(engine.PlannerConfig{
		Gate:      gate,
		Engines:   registry.Names(),
		Templates: engine.BuiltinTemplates(),
		Logger:    logger,
	})
	executor := engine.NewExecutor(engine.ExecutorConfig{
		Engines:   registry.Map(),
		Gate:      gate,
		Tools:     tools,
		Cache:     store,
		Recorder:  store,
		Artifacts: store,
		Approver:  approver,
		Events:    events,
		Logger:    logger,
	})
	orchestrator := engine.NewOrchestrator(engine.OrchestratorConfig{
		Planner:    planner,
		Executor:   executor,
		Reducer:    &engine.Reducer{SummaryBudget: profile.Constraints.SummaryBudget},
		Store:      store,
		Events:     events,
		Tracer:     tracer.Tracer(),
		Logger:     logger,
		MaxReplans: profile.MaxReplans,
	})

	return &app{
		profile:      profile,
		logger:       logger,
		tracer:       tracer,
		metrics:      metrics,
		store:        store,
		gate:         gate,
		watcher:      watcher,
		reloading:    reloading,
		engines:      registry,
		planner:      planner,
		executor:     executor,
		orchestrator: orchestrator,
	}, nil
}

// Close releases everything the app holds.
func (a *app) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close manifest watcher")
		}
	}
	if err := a.engines.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close engines")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close store")
	}
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("shutdown tracer")
	}
}

// eventBridge fans run events out to the event trace and the metrics
// collector.
func eventBridge(ctx context.Context, store *stores.Store, metrics *telemetry.Metrics, logger zerolog.Logger) engine.EventFunc {
	// Concurrent runs emit through this one closure; starts is shared.
	var mu sync.Mutex
	starts := make(map[string]time.Time)
	return func(runID, kind, nodeID string, detail map[string]any) {
		if err := store.AppendEvent(ctx, &stores.RunEvent{
			RunID:  runID,
			NodeID: nodeID,
			Kind:   kind,
			Detail: detail,
		}); err != nil {
			logger.Warn().Err(err).Str("run", runID).Str("kind", kind).Msg("append event failed")
		}

		switch kind {
		case stores.EventRunStarted:
			mu.Lock()
			starts[runID] = time.Now()
			mu.Unlock()
			metrics.RunStarted()
		case stores.EventRunCompleted:
			status, _ := detail["status"].(string)
			mu.Lock()
			started := starts[runID]
			delete(starts, runID)
			mu.Unlock()
			metrics.RunCompleted(status, time.Since(started))
		case stores.EventNodeCompleted:
			status, _ := detail["status"].(string)
			metrics.NodeExecuted(status, "", 0)
		case stores.EventNodeRetried:
			metrics.NodeRetried()
		case stores.EventToolCall:
			tool, _ := detail["tool"].(string)
			metrics.ToolCalled(tool)
		case stores.EventPolicyDenied:
			tool, _ := detail["tool"].(string)
			metrics.PolicyDenied(tool)
		case stores.EventCacheHit:
			metrics.CacheHit()
		}
	}
}

// approveAll approves every gate without asking.
type approveAll struct{}

func (approveAll) Approve(context.Context, string, *engine.NodeSpec) (bool, error) {
	return true, nil
}

// denyAll denies every gate. Used where no operator is present.
type denyAll struct{}

func (denyAll) Approve(context.Context, string, *engine.NodeSpec) (bool, error) {
	return false, nil
}

// promptApprover asks the operator on the terminal.
type promptApprover struct {
	in  io.Reader
	out io.Writer
}

func (p promptApprover) Approve(ctx context.Context, runID string, node *engine.NodeSpec) (bool, error) {
	fmt.Fprintf(p.out, "run %s: approve gated node %s? [y/N] ", runID, node.ID)
	reader := bufio.NewReader(p.in)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
