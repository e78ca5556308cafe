package controller

import (
	"context"

	"judgebox/internal/judge/model"
	"judgebox/internal/judge/sandbox/result"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// JudgeService is the judge surface the HTTP layer depends on.
type JudgeService interface {
	Run(ctx context.Context, req model.JudgeRequest) (result.JudgeReport, error)
	Submit(ctx context.Context, req model.JudgeRequest) (string, error)
	Status(ctx context.Context, submissionID string) (model.JudgeStatus, error)
	Cancel(ctx context.Context, submissionID string) error
	Languages() []model.LanguageInfo
}

// JudgeController handles judge HTTP endpoints.
type JudgeController struct {
	judgeService JudgeService
}

// NewJudgeController creates a new JudgeController.
func NewJudgeController(judgeService JudgeService) *JudgeController {
	return &JudgeController{judgeService: judgeService}
}

// RegisterRoutes mounts the judge endpoints. guards run before the routes
// that start a judge run.
func (h *JudgeController) RegisterRoutes(r gin.IRouter, guards ...gin.HandlerFunc) {
	guards = guards[:len(guards):len(guards)]
	group := r.Group("/api/v1/judge")
	group.POST("/run", append(guards, h.Run)...)
	group.POST("/submissions", append(guards, h.Submit)...)
	group.GET("/submissions/:id", h.GetStatus)
	group.DELETE("/submissions/:id", h.Cancel)
	group.GET("/languages", h.Languages)
}

// Run judges a request synchronously.
func (h *JudgeController) Run(c *gin.Context) {
	var req model.JudgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	report, err := h.judgeService.Run(c.Request.Context(), req)
	if err != nil && report.SubmissionID == "" {
		response.Error(c, err)
		return
	}
	RenderReport(c, report, err)
}

// Submit queues a request and returns its submission id.
func (h *JudgeController) Submit(c *gin.Context) {
	var req model.JudgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	submissionID, err := h.judgeService.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, SubmitResponse{SubmissionID: submissionID})
}

// GetStatus returns status for one submission.
func (h *JudgeController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	status, err := h.judgeService.Status(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Cancel stops a running submission.
func (h *JudgeController) Cancel(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	if err := h.judgeService.Cancel(c.Request.Context(), submissionID); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Cancel success", nil)
}

// Languages lists the supported toolchains.
func (h *JudgeController) Languages(c *gin.Context) {
	response.Success(c, h.judgeService.Languages())
}

// RenderReport writes a payload carrying a judge report. A compile error is
// an ordinary judge outcome and is rendered like a pass or fail. Other early
// endings keep the error status and carry the payload as data.
func RenderReport(c *gin.Context, data interface{}, err error) {
	if err == nil || appErr.Is(err, appErr.CompileError) {
		response.Success(c, data)
		return
	}
	response.ErrorWithData(c, err, data)
}

// SubmitResponse defines the async submission response payload.
type SubmitResponse struct {
	SubmissionID string `json:"submission_id"`
}
