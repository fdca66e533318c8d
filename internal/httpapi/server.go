// Package httpapi provides the HTTP control surface for luma: submitting
// runs, inspecting their state, and delivering human approval decisions.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lumaforge/luma/internal/pipeline"
	"github.com/lumaforge/luma/internal/runstore"
	"github.com/lumaforge/luma/internal/workflows"
)

// Pipeline is the dispatcher surface the API exposes.
type Pipeline interface {
	Submit(ctx context.Context, task pipeline.Task) (runstore.Entry, error)
	Decide(ctx context.Context, runID string, sig workflows.ApprovalSignal) error
	CancelRun(ctx context.Context, runID, cause string) error
	Status(ctx context.Context, runID string) (pipeline.Snapshot, error)
	Runs() []runstore.Entry
	Run(runID string) (runstore.Entry, bool)
}

// Server provides HTTP endpoints for luma.
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	logger   *zap.Logger
	addr     string
}

// NewServer creates the API server.
func NewServer(p Pipeline, logger *zap.Logger, addr string) (*Server, error) {
	if p == nil {
		return nil, errors.New("pipeline cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, pipeline: p, logger: logger, addr: addr}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleSubmit)
	v1.GET("/runs", s.handleList)
	v1.GET("/runs/:id", s.handleGet)
	v1.POST("/runs/:id/decision", s.handleDecision)
	v1.POST("/runs/:id/cancel", s.handleCancel)
}

// SubmitRequest is the request body for POST /api/v1/runs.
type SubmitRequest struct {
	Requirement string   `json:"requirement"`
	Owner       string   `json:"owner"`
	Repo        string   `json:"repo"`
	Branch      string   `json:"branch"`
	BaseBranch  string   `json:"base_branch"`
	IssueNumber int      `json:"issue_number"`
	SourceFiles []string `json:"source_files"`
}

// DecisionRequest is the request body for POST /api/v1/runs/:id/decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

// CancelRequest is the request body for POST /api/v1/runs/:id/cancel.
type CancelRequest struct {
	Cause string `json:"cause"`
}

// RunResponse is the registry view of a run returned by submit and get.
type RunResponse struct {
	runstore.Entry
	Snapshot *pipeline.Snapshot `json:"snapshot,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Requirement == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requirement field is required")
	}
	if req.Owner == "" || req.Repo == "" || req.Branch == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner, repo and branch fields are required")
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}

	task := pipeline.Task{
		Requirement: req.Requirement,
		IssueNumber: req.IssueNumber,
		SourceFiles: req.SourceFiles,
		Target: pipeline.TargetRef{
			Owner:      req.Owner,
			Repo:       req.Repo,
			Branch:     req.Branch,
			BaseBranch: req.BaseBranch,
		},
	}

	entry, err := s.pipeline.Submit(c.Request().Context(), task)
	if err != nil {
		s.logger.Error("run submission failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit run")
	}
	return c.JSON(http.StatusCreated, RunResponse{Entry: entry})
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pipeline.Runs())
}

func (s *Server) handleGet(c echo.Context) error {
	runID := c.Param("id")
	entry, ok := s.pipeline.Run(runID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run")
	}

	resp := RunResponse{Entry: entry}
	if entry.Phase == runstore.PhaseRunning {
		snap, err := s.pipeline.Status(c.Request().Context(), runID)
		if err != nil {
			// Registry data is still useful when the workflow is unreachable.
			s.logger.Warn("status query failed", zap.String("run_id", runID), zap.Error(err))
		} else {
			resp.Snapshot = &snap
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	decision := pipeline.Decision(req.Decision)
	switch decision {
	case pipeline.DecisionApproved, pipeline.DecisionRejected, pipeline.DecisionDeferred:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be approved, rejected or deferred")
	}

	err := s.pipeline.Decide(c.Request().Context(), c.Param("id"), workflows.ApprovalSignal{
		Decision: decision,
		Comment:  req.Comment,
	})
	if errors.Is(err, runstore.ErrUnknownRun) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run")
	}
	if err != nil {
		s.logger.Error("decision delivery failed", zap.String("run_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to deliver decision")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err := s.pipeline.CancelRun(c.Request().Context(), c.Param("id"), req.Cause)
	if errors.Is(err, runstore.ErrUnknownRun) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run")
	}
	if err != nil {
		s.logger.Error("cancellation failed", zap.String("run_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel run")
	}
	return c.NoContent(http.StatusAccepted)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
