package controller

import (
	"context"
	"time"

	"hive/internal/grader/service"
	"hive/internal/submit/repository"
	"hive/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	defaultStaleAfter = 10 * time.Minute
	staleListLimit    = 100
)

// GradingMonitor exposes pipeline state for operators.
type GradingMonitor interface {
	Snapshot() []service.Attempt
	Orphans(ctx context.Context) ([]string, error)
	QueueDepth() int64
	Running() int64
}

// PendingLister finds submissions that never completed.
type PendingLister interface {
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*repository.Submission, error)
}

// AdminController serves operator endpoints.
type AdminController struct {
	monitor    GradingMonitor
	pending    PendingLister
	staleAfter time.Duration
	now        func() time.Time
}

// NewAdminController creates an AdminController. Submissions pending longer
// than staleAfter are reported as stale; zero means ten minutes.
func NewAdminController(monitor GradingMonitor, pending PendingLister, staleAfter time.Duration) *AdminController {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &AdminController{monitor: monitor, pending: pending, staleAfter: staleAfter, now: time.Now}
}

// Grading returns the in-flight attempts, the orphan list and stale
// pending submissions.
func (h *AdminController) Grading(c *gin.Context) {
	ctx := c.Request.Context()
	orphans, err := h.monitor.Orphans(ctx)
	if err != nil {
		response.Error(c, err)
		return
	}
	if orphans == nil {
		orphans = []string{}
	}
	stale, err := h.pending.ListPending(ctx, h.now().Add(-h.staleAfter), staleListLimit)
	if err != nil {
		response.Error(c, err)
		return
	}
	staleItems := make([]StaleSubmission, 0, len(stale))
	for _, sub := range stale {
		staleItems = append(staleItems, StaleSubmission{
			ID:        sub.ID,
			UserID:    sub.UserID,
			ProjectID: sub.ProjectID,
			CreatedAt: sub.CreatedAt,
		})
	}
	response.Success(c, GradingStatus{
		Inflight:   h.monitor.Snapshot(),
		Orphans:    orphans,
		Stale:      staleItems,
		QueueDepth: h.monitor.QueueDepth(),
		Running:    h.monitor.Running(),
	})
}

// GradingStatus is the admin view of the pipeline.
type GradingStatus struct {
	Inflight   []service.Attempt `json:"inflight"`
	Orphans    []string          `json:"orphans"`
	Stale      []StaleSubmission `json:"stale"`
	QueueDepth int64             `json:"queue_depth"`
	Running    int64             `json:"running"`
}

// StaleSubmission is a pending row older than the stale threshold.
type StaleSubmission struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	ProjectID int64     `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}
