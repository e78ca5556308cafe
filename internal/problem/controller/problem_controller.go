package controller

import (
	"strconv"

	judgecontroller "judgebox/internal/judge/controller"
	"judgebox/internal/problem/model"
	"judgebox/internal/problem/service"
	"judgebox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// WelcomeMessage is served on the root path.
const WelcomeMessage = "Welcome to the judgebox backend!"

// ProblemController handles problem catalogue HTTP endpoints.
type ProblemController struct {
	problemService *service.ProblemService
}

// NewProblemController creates a new ProblemController.
func NewProblemController(problemService *service.ProblemService) *ProblemController {
	return &ProblemController{problemService: problemService}
}

// RegisterRoutes mounts the catalogue endpoints. guards run before /submit.
func (h *ProblemController) RegisterRoutes(r gin.IRouter, guards ...gin.HandlerFunc) {
	r.GET("/", h.Root)
	r.GET("/problems", h.List)
	r.POST("/problems", h.Create)
	r.GET("/problems/:id", h.Get)
	r.DELETE("/problems/:id", h.Delete)
	r.POST("/submit", append(guards, h.Submit)...)
}

// Root returns the welcome message.
func (h *ProblemController) Root(c *gin.Context) {
	response.SuccessWithMessage(c, WelcomeMessage, nil)
}

// Create handles problem creation.
func (h *ProblemController) Create(c *gin.Context) {
	var req model.Problem
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	problem, err := h.problemService.CreateProblem(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, problem)
}

// List returns every problem.
func (h *ProblemController) List(c *gin.Context) {
	problems, err := h.problemService.ListProblems(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, problems)
}

// Get returns one problem.
func (h *ProblemController) Get(c *gin.Context) {
	problemID, ok := parseProblemID(c)
	if !ok {
		return
	}
	problem, err := h.problemService.GetProblem(c.Request.Context(), problemID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, problem)
}

// Delete handles problem deletion.
func (h *ProblemController) Delete(c *gin.Context) {
	problemID, ok := parseProblemID(c)
	if !ok {
		return
	}
	if err := h.problemService.DeleteProblem(c.Request.Context(), problemID); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Delete success", nil)
}

// Submit judges code against a stored problem.
func (h *ProblemController) Submit(c *gin.Context) {
	var req model.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	report, err := h.problemService.Submit(c.Request.Context(), req)
	if err != nil && report.SubmissionID == "" {
		response.Error(c, err)
		return
	}
	judgecontroller.RenderReport(c, model.SubmitResponse{Status: model.SubmissionProcessed, Report: report}, err)
}

func parseProblemID(c *gin.Context) (int64, bool) {
	problemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || problemID <= 0 {
		response.BadRequest(c, "Invalid problem id")
		return 0, false
	}
	return problemID, true
}
