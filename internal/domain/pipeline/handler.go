package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/migration/internal/platform/rules"
	"github.com/ehr/migration/pkg/pagination"
)

// Handler exposes the orchestrator over REST.
type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "pipeline-handler").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/pipelines", h.CreatePipeline)
	api.GET("/pipelines", h.ListPipelines)
	api.GET("/pipelines/:id", h.GetPipeline)
	api.PUT("/pipelines/:id/rules", h.UpdateRules)
	api.POST("/pipelines/:id/execute", h.ExecutePipeline)
	api.POST("/pipelines/:id/pause", h.PausePipeline)
	api.POST("/pipelines/:id/resume", h.ResumePipeline)
	api.POST("/pipelines/:id/rollback", h.RollbackPipeline)
	api.GET("/pipelines/:id/progress", h.GetProgress)
	api.GET("/pipelines/:id/backups", h.ListBackups)
}

func (h *Handler) CreatePipeline(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.CreatePipeline(c.Request().Context(), in)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPipelines(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPipeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "pipeline not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateRules(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Rules []rules.Rule `json:"rules"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdateRules(c.Request().Context(), id, body.Rules)
	switch {
	case errors.Is(err, ErrPipelineNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "pipeline not found")
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

// ExecutePipeline kicks off an asynchronous execution and points the caller
// at the progress resource. The in-flight guard is acquired before the
// goroutine is spawned, so of two racing requests exactly one gets 202 and
// the other 409.
func (h *Handler) ExecutePipeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var opts ExecuteOptions
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := h.svc.Get(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "pipeline not found")
	}
	st, err := h.svc.acquire(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	go func() {
		defer h.svc.release(id)
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(len(PhaseOrder))*h.svc.phaseTimeout)
		defer cancel()
		if _, err := h.svc.runPhases(ctx, id, opts, st); err != nil {
			h.logger.Error().Err(err).Str("pipeline_id", id.String()).Msg("pipeline execution failed")
		}
	}()

	c.Response().Header().Set("Content-Location", "/api/v1/pipelines/"+id.String()+"/progress")
	return c.JSON(http.StatusAccepted, map[string]string{
		"pipeline_id": id.String(),
		"status":      "accepted",
	})
}

func (h *Handler) PausePipeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Pause(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "pause requested"})
}

func (h *Handler) ResumePipeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Resume(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *Handler) RollbackPipeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	restored, err := h.svc.Rollback(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrPipelineNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "pipeline not found")
	case errors.Is(err, ErrBackupNotFound):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAlreadyRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":           "rolled_back",
		"records_restored": restored,
	})
}

func (h *Handler) GetProgress(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Progress(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no progress for pipeline")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListBackups(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.Backups().ListBackups(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}
