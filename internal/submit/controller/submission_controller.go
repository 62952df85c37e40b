package controller

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"hive/internal/grader/report"
	"hive/internal/grader/service"
	"hive/internal/submit/repository"
	"hive/pkg/errors"
	"hive/pkg/utils/logger"
	"hive/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Grader is the slice of the grading service the HTTP layer needs.
type Grader interface {
	Execute(ctx context.Context, projectID, userID int64, file []byte) (string, error)
	MaxFileBytes() int64
	Lookup(submissionID string) (service.Attempt, bool)
	Watch(submissionID string) (<-chan struct{}, bool)
}

// SubmissionReader reads stored submissions.
type SubmissionReader interface {
	GetByID(ctx context.Context, submissionID string) (*repository.Submission, error)
	ListByUserProject(ctx context.Context, userID, projectID int64, limit int) ([]*repository.Submission, error)
}

// ProjectReader resolves projects.
type ProjectReader interface {
	GetByID(ctx context.Context, projectID int64) (*repository.Project, error)
}

// SubmissionController handles submission endpoints.
type SubmissionController struct {
	grader      Grader
	submissions SubmissionReader
	projects    ProjectReader
	listLimit   int
	watchPoll   time.Duration
}

// NewSubmissionController creates a SubmissionController.
func NewSubmissionController(grader Grader, submissions SubmissionReader, projects ProjectReader) *SubmissionController {
	return &SubmissionController{
		grader:      grader,
		submissions: submissions,
		projects:    projects,
		listLimit:   100,
		watchPoll:   time.Second,
	}
}

// Create accepts a submission file and queues it for grading.
func (h *SubmissionController) Create(c *gin.Context) {
	userID, err := requireUserID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	projectID, err := projectIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	file, err := readUpload(c, h.grader.MaxFileBytes())
	if err != nil {
		response.Error(c, err)
		return
	}

	submissionID, err := h.grader.Execute(c.Request.Context(), projectID, userID, file)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, CreateSubmissionResponse{SubmissionID: submissionID})
}

// List returns the caller's submissions for a project, newest first.
func (h *SubmissionController) List(c *gin.Context) {
	userID, err := requireUserID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	projectID, err := projectIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	ctx := c.Request.Context()
	project, err := h.projects.GetByID(ctx, projectID)
	if err != nil {
		response.Error(c, err)
		return
	}
	subs, err := h.submissions.ListByUserProject(ctx, userID, projectID, h.listLimit)
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]SubmissionSummary, 0, len(subs))
	for _, sub := range subs {
		items = append(items, summarize(sub, project.MaxGrade))
	}
	response.Success(c, ListSubmissionsResponse{Project: *project, Items: items})
}

// Get returns one submission with its decoded report.
func (h *SubmissionController) Get(c *gin.Context) {
	sub, err := h.load(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	detail, err := h.detail(c.Request.Context(), sub)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, detail)
}

// Report renders the submission's report as HTML.
func (h *SubmissionController) Report(c *gin.Context) {
	sub, err := h.load(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var buf bytes.Buffer
	if sub.Pending() {
		err = report.RenderPending(&buf)
	} else {
		var rep report.Report
		rep, err = report.Decode(sub.Report)
		if err == nil {
			err = report.RenderHTML(&buf, rep)
		}
	}
	if err != nil {
		logger.Error(c.Request.Context(), "render report failed", zap.String("submission_id", sub.ID), zap.Error(err))
		response.Error(c, errors.Wrapf(err, errors.InternalServerError, "render report failed"))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (h *SubmissionController) load(c *gin.Context) (*repository.Submission, error) {
	id := c.Param("id")
	if id == "" {
		return nil, errors.ValidationError("id", "required")
	}
	return h.submissions.GetByID(c.Request.Context(), id)
}

func (h *SubmissionController) detail(ctx context.Context, sub *repository.Submission) (SubmissionDetail, error) {
	maxGrade := 0
	if project, err := h.projects.GetByID(ctx, sub.ProjectID); err == nil {
		maxGrade = project.MaxGrade
	} else if !errors.Is(err, errors.ProjectNotFound) {
		return SubmissionDetail{}, err
	}
	detail := SubmissionDetail{SubmissionSummary: summarize(sub, maxGrade), UserID: sub.UserID, ProjectID: sub.ProjectID}
	if sub.Pending() {
		if attempt, ok := h.grader.Lookup(sub.ID); ok {
			detail.Stage = string(attempt.Phase)
		}
		return detail, nil
	}
	rep, err := report.Decode(sub.Report)
	if err != nil {
		return SubmissionDetail{}, errors.Wrapf(err, errors.InternalServerError, "decode stored report failed")
	}
	detail.Report = &rep
	detail.Passed = rep.PassedCount()
	return detail, nil
}

func summarize(sub *repository.Submission, maxGrade int) SubmissionSummary {
	s := SubmissionSummary{
		ID:          sub.ID,
		Status:      StatusCompleted,
		Grade:       sub.Grade,
		MaxGrade:    maxGrade,
		CreatedAt:   sub.CreatedAt,
		CompletedAt: sub.CompletedAt,
	}
	if sub.Pending() {
		s.Status = StatusPending
	}
	return s
}

// Submission statuses exposed over HTTP.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// CreateSubmissionResponse is returned when a submission is queued.
type CreateSubmissionResponse struct {
	SubmissionID string `json:"submission_id"`
}

// SubmissionSummary is one row of a submission list.
type SubmissionSummary struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Grade       *int       `json:"grade,omitempty"`
	MaxGrade    int        `json:"max_grade"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SubmissionDetail is a single submission with its report.
type SubmissionDetail struct {
	SubmissionSummary
	UserID    int64          `json:"user_id"`
	ProjectID int64          `json:"project_id"`
	Stage     string         `json:"stage,omitempty"`
	Passed    int            `json:"passed"`
	Report    *report.Report `json:"report,omitempty"`
}

// ListSubmissionsResponse lists a project's submissions.
type ListSubmissionsResponse struct {
	Project repository.Project  `json:"project"`
	Items   []SubmissionSummary `json:"items"`
}
