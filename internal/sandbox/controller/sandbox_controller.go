package controller

import (
	"context"
	"net/http"

	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/model"
	"github.com/pipixiangz/ppxoj-code-sandbox/internal/sandbox/pipeline"
	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SandboxService is the part of the service the HTTP layer calls.
type SandboxService interface {
	Execute(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
	Submit(ctx context.Context, req pipeline.Request) (model.Job, error)
	Job(ctx context.Context, id string) (model.Job, error)
}

// SandboxController handles execution requests.
type SandboxController struct {
	svc SandboxService
}

// NewSandboxController creates a new controller.
func NewSandboxController(svc SandboxService) *SandboxController {
	return &SandboxController{svc: svc}
}

// Execute runs a submission and writes the sandbox response unwrapped, so
// existing judge clients can decode it directly.
func (h *SandboxController) Execute(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InvalidParams, "invalid request body"))
		return
	}
	resp, err := h.svc.Execute(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SubmitJob queues a submission for background evaluation.
func (h *SandboxController) SubmitJob(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InvalidParams, "invalid request body"))
		return
	}
	job, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, job)
}

// GetJob returns one job.
func (h *SandboxController) GetJob(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.ErrorWithCode(c, appErr.InvalidParams, "Invalid job id")
		return
	}
	job, err := h.svc.Job(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, job)
}

// Health answers liveness checks.
func (h *SandboxController) Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// Register mounts the sandbox routes. Execution routes run behind guards;
// health and metrics stay open.
func (h *SandboxController) Register(router gin.IRouter, metrics http.Handler, guards ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	sandbox := router.Group("/codesandbox", guards...)
	sandbox.POST("/execute", h.Execute)

	// Route kept for judges that still call the original path.
	legacy := router.Group("/", guards...)
	legacy.POST("/executeCode", h.Execute)

	jobs := router.Group("/api/v1/sandbox", guards...)
	jobs.POST("/jobs", h.SubmitJob)
	jobs.GET("/jobs/:id", h.GetJob)
}
