package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"agentflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler exposes automation CRUD, pause/resume, manual runs and
// run history.
type AutomationHandler struct {
	service *services.AutomationService
	runner  *services.Runner
	logger  *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, runner *services.Runner, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{service: service, runner: runner, logger: logger}
}

// List returns all automations, newest first.
func (h *AutomationHandler) List(c *gin.Context) {
	automations, err := h.service.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

func (h *AutomationHandler) Get(c *gin.Context) {
	automation, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to get automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

func (h *AutomationHandler) Create(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	automation, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, automation)
}

// Update applies a partial update; omitted fields keep their values.
func (h *AutomationHandler) Update(c *gin.Context) {
	var req services.AutomationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	automation, err := h.service.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to update automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

func (h *AutomationHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to delete automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// Pause disables the automation but keeps its definition.
func (h *AutomationHandler) Pause(c *gin.Context) {
	if err := h.service.SetEnabled(c.Request.Context(), c.Param("id"), false); err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to pause automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "paused"})
}

func (h *AutomationHandler) Resume(c *gin.Context) {
	if err := h.service.SetEnabled(c.Request.Context(), c.Param("id"), true); err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to resume automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "resumed"})
}

// RunNow triggers an immediate run in the background.
func (h *AutomationHandler) RunNow(c *gin.Context) {
	automation, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to run automation", Message: err.Error()})
		return
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Errorf("manual run: automation %s panicked: %v", automation.ID, rec)
			}
		}()
		// detached from the request context: the run outlives the response
		h.runner.RunAutomation(context.Background(), automation)
	}()

	c.JSON(http.StatusAccepted, SuccessResponse{Message: "run started"})
}

// ListRuns returns run history, newest first. ?limit= caps the page.
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.service.ListRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list runs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func statusFor(err error) int {
	if errors.Is(err, services.ErrAutomationNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// RegisterAutomationRoutes wires the automation API under the given group.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.List)
		auto.POST("", handler.Create)
		auto.GET(":id", handler.Get)
		auto.PATCH(":id", handler.Update)
		auto.DELETE(":id", handler.Delete)
		auto.POST(":id/pause", handler.Pause)
		auto.POST(":id/resume", handler.Resume)
		auto.POST(":id/run", handler.RunNow)
		auto.GET(":id/runs", handler.ListRuns)
	}
}
