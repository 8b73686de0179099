package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atana/registration-migrator/internal/apperrors"
	"github.com/atana/registration-migrator/internal/config"
	"github.com/atana/registration-migrator/internal/logger"
	"github.com/atana/registration-migrator/internal/migration"
	"github.com/atana/registration-migrator/internal/models"
	"github.com/atana/registration-migrator/internal/source"
	"github.com/atana/registration-migrator/internal/storage"
)

// Runner starts migration runs on demand
type Runner interface {
	Trigger(ctx context.Context, filter source.Filter) (*models.RunReport, error)
	Running() bool
	Wait(ctx context.Context) error
}

var _ Runner = (*migration.Service)(nil)

// Server handles HTTP requests
type Server struct {
	config   config.ServerConfig
	store    storage.RegistrationReader
	recorder storage.RunRecorder
	runner   Runner
	filter   source.Filter

	router *gin.Engine
	server *http.Server

	// runs triggered over HTTP outlive the request that started them
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewServer creates a new HTTP server. filter is the base filter for runs
// triggered through POST /runs.
func NewServer(
	cfg config.ServerConfig,
	store storage.RegistrationReader,
	recorder storage.RunRecorder,
	runner Runner,
	filter source.Filter,
	gatherer prometheus.Gatherer,
) *Server {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		store:     store,
		recorder:  recorder,
		runner:    runner,
		filter:    filter,
		runCtx:    runCtx,
		cancelRun: cancel,
	}

	switch strings.ToLower(cfg.Mode) {
	case "production", "release":
		gin.SetMode(gin.ReleaseMode)
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}
	logger.Debug().Str("gin_mode", gin.Mode()).Msg("Configured HTTP router")

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/registrations/:id", s.handleRegistrationByID)
	router.GET("/learners/:id", s.handleLearnerByID)
	router.POST("/runs", s.handleTriggerRun)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	s.router = router

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server, stops paginating any run it
// triggered and waits for that run's writes to settle
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelRun()
	serverErr := s.server.Shutdown(ctx)
	if err := s.runner.Wait(ctx); err != nil {
		return errors.Join(serverErr, fmt.Errorf("triggered run did not finish: %w", err))
	}
	return serverErr
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus reports the latest run and the row counts of the store
func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	last, err := s.recorder.LastRun(ctx)
	if err != nil {
		respondError(c, fmt.Errorf("failed to retrieve last run: %w", err))
		return
	}
	learners, registrations, err := s.store.Counts(ctx)
	if err != nil {
		respondError(c, fmt.Errorf("failed to count rows: %w", err))
		return
	}

	response := gin.H{
		"running":       s.runner.Running(),
		"learners":      learners,
		"registrations": registrations,
	}
	if last == nil {
		response["status"] = "never_run"
	} else {
		response["status"] = last.Status
		response["last_run"] = last
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleRegistrationByID(c *gin.Context) {
	reg, err := s.store.GetRegistration(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reg)
}

func (s *Server) handleLearnerByID(c *gin.Context) {
	learner, err := s.store.GetLearner(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, learner)
}

// runRequest narrows the configured filter for one triggered run
type runRequest struct {
	CourseID  string `form:"courseId"`
	LearnerID string `form:"learnerId"`
	Since     string `form:"since"`
	Until     string `form:"until"`
}

// handleTriggerRun starts a migration run in the background
func (s *Server) handleTriggerRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := s.filter
	if req.CourseID != "" {
		filter.CourseID = req.CourseID
	}
	if req.LearnerID != "" {
		filter.LearnerID = req.LearnerID
	}
	if req.Since != "" {
		filter.Since = req.Since
	}
	if req.Until != "" {
		filter.Until = req.Until
	}

	run, err := s.runner.Trigger(s.runCtx, filter)
	if errors.Is(err, migration.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func respondError(c *gin.Context, err error) {
	if errors.Is(err, apperrors.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}
