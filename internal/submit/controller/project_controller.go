package controller

import (
	"bytes"
	"context"
	"io"

	"hive/internal/submit/repository"
	"hive/pkg/errors"
	"hive/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// ProgramLister lists a user's programs.
type ProgramLister interface {
	GetByID(ctx context.Context, projectID int64) (*repository.Project, error)
	ListProgramsForUser(ctx context.Context, userID int64) ([]repository.ProgramSummary, error)
}

// HarnessUploader stores a project's harness archive.
type HarnessUploader interface {
	Put(ctx context.Context, projectID int64, r io.Reader, size int64) error
}

// ProjectController handles program overview and harness uploads.
type ProjectController struct {
	projects        ProgramLister
	harness         HarnessUploader
	maxHarnessBytes int64
}

// NewProjectController creates a ProjectController.
func NewProjectController(projects ProgramLister, harness HarnessUploader, maxHarnessBytes int64) *ProjectController {
	if maxHarnessBytes <= 0 {
		maxHarnessBytes = 64 << 20
	}
	return &ProjectController{projects: projects, harness: harness, maxHarnessBytes: maxHarnessBytes}
}

// Programs lists the caller's programs with the best grade per project.
func (h *ProjectController) Programs(c *gin.Context) {
	userID, err := requireUserID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	programs, err := h.projects.ListProgramsForUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if programs == nil {
		programs = []repository.ProgramSummary{}
	}
	response.Success(c, ProgramsResponse{Programs: programs})
}

// UploadHarness replaces a project's harness archive.
func (h *ProjectController) UploadHarness(c *gin.Context) {
	projectID, err := projectIDParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.projects.GetByID(ctx, projectID); err != nil {
		response.Error(c, err)
		return
	}
	data, err := readUpload(c, h.maxHarnessBytes)
	if err != nil {
		response.Error(c, err)
		return
	}
	if len(data) == 0 {
		response.Error(c, errors.ValidationError("file", "empty harness archive"))
		return
	}
	if err := h.harness.Put(ctx, projectID, bytes.NewReader(data), int64(len(data))); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, UploadHarnessResponse{ProjectID: projectID, SizeBytes: int64(len(data))})
}

// ProgramsResponse lists programs.
type ProgramsResponse struct {
	Programs []repository.ProgramSummary `json:"programs"`
}

// UploadHarnessResponse confirms a harness upload.
type UploadHarnessResponse struct {
	ProjectID int64 `json:"project_id"`
	SizeBytes int64 `json:"size_bytes"`
}
