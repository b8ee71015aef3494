package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/patina/patina/pkg/engine"
	"github.com/patina/patina/pkg/stores"
)

func newServeCommand(version string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator as an HTTP service",
		Long: `Serve the run API over HTTP.

Endpoints:
  POST /v1/runs                        start a run
  GET  /v1/runs                        list recent runs
  GET  /v1/runs/{id}                   run status and summary
  POST /v1/runs/{id}/cancel            cancel a running run
  GET  /v1/runs/{id}/approvals         pending approval gates
  POST /v1/runs/{id}/approvals/{node}  resolve one gate
  GET  /healthz                        liveness probe
  GET  /metrics                        Prometheus metrics

Approval gates park until resolved through the approvals endpoint, or
are waved through when the start request sets "approve_all": true.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			broker := engine.NewApprovalBroker()
			a, err := buildApp(ctx, version, serveApprover{broker: broker}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := newAPIServer(addr, a, broker)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.start() }()
			a.logger.Info().Str("addr", addr).Msg("api server listening")

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8420", "listen address")

	return cmd
}

// apiServer exposes the orchestrator over HTTP.
type apiServer struct {
	app       *app
	approvals *engine.ApprovalBroker
	logger    zerolog.Logger
	http      *http.Server
}

func newAPIServer(addr string, a *app, approvals *engine.ApprovalBroker) *apiServer {
	srv := &apiServer{
		app:       a,
		approvals: approvals,
		logger:    a.logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", srv.handleStartRun)
	mux.HandleFunc("GET /v1/runs", srv.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", srv.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", srv.handleCancelRun)
	mux.HandleFunc("GET /v1/runs/{id}/approvals", srv.handleListApprovals)
	mux.HandleFunc("POST /v1/runs/{id}/approvals/{node}", srv.handleResolveApproval)
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.Handle("GET /metrics", a.metrics.Handler())

	srv.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

func (s *apiServer) start() error {
	return s.http.ListenAndServe()
}

func (s *apiServer) shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type startRunRequest struct {
	Goal       string `json:"goal"`
	Template   string `json:"template,omitempty"`
	ApproveAll bool   `json:"approve_all,omitempty"`
}

type startRunResponse struct {
	RunID string `json:"run_id"`
}

func (s *apiServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	c := s.app.profile.Constraints
	c.Template = req.Template

	ctx := r.Context()
	if req.ApproveAll {
		ctx = withApproveAll(ctx)
	}

	// Manifest edits made while serving take effect here, before the
	// planner consults the gate for this run.
	if s.app.reloading != nil {
		s.app.reloading.Refresh()
	}

	runID, err := s.app.orchestrator.Start(ctx, req.Goal, c)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info().Str("run", runID).Msg("run started")
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

func (s *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.app.store.ListRuns(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	// Live runs answer from the orchestrator; finished runs from the
	// store.
	if status, summary, err := s.app.orchestrator.Status(runID); err == nil {
		if summary == nil {
			writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": status})
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	summary, err := s.app.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *apiServer) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.app.orchestrator.Cancel(runID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (s *apiServer) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"pending": s.approvals.Pending(runID),
	})
}

type resolveApprovalRequest struct {
	Approved bool `json:"approved"`
}

func (s *apiServer) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	nodeID := r.PathValue("node")

	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.approvals.Resolve(runID, nodeID, req.Approved); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Info().Str("run", runID).Str("node", nodeID).
		Bool("approved", req.Approved).Msg("approval resolved")
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID, "node_id": nodeID, "approved": req.Approved,
	})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type approveAllKey struct{}

func withApproveAll(ctx context.Context) context.Context {
	return context.WithValue(ctx, approveAllKey{}, true)
}

// serveApprover answers approval gates behind the API: runs started
// with approve_all are waved through, everything else parks on the
// broker until the approvals endpoint resolves it.
type serveApprover struct {
	broker *engine.ApprovalBroker
}

func (a serveApprover) Approve(ctx context.Context, runID string, node *engine.NodeSpec) (bool, error) {
	if ok, _ := ctx.Value(approveAllKey{}).(bool); ok {
		return true, nil
	}
	return a.broker.Approve(ctx, runID, node)
}
