package repository

import (
	"context"
	"database/sql"
	"time"

	"hive/internal/common/cache"
	"hive/internal/common/db"
	"hive/pkg/errors"

	"github.com/google/uuid"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = time.Minute
	submissionCacheKeyPrefix       = "submission:"
)

// Submission is one graded (or pending) upload.
type Submission struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"user_id"`
	ProjectID   int64      `json:"project_id"`
	Report      string     `json:"report,omitempty"`
	Grade       *int       `json:"grade,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Pending reports whether grading has not finished yet.
func (s *Submission) Pending() bool {
	return s.CompletedAt == nil
}

// SubmissionRepository persists submissions. Results are write-once.
type SubmissionRepository interface {
	Create(ctx context.Context, userID, projectID int64) (string, error)
	Complete(ctx context.Context, submissionID, report string, grade int) error
	GetByID(ctx context.Context, submissionID string) (*Submission, error)
	ListByUserProject(ctx context.Context, userID, projectID int64, limit int) ([]*Submission, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Submission, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL and
// a Redis read cache for completed rows.
type MySQLSubmissionRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewSubmissionRepository creates a submission repository with defaults.
func NewSubmissionRepository(database db.Database, cacheClient cache.Cache) *MySQLSubmissionRepository {
	return NewSubmissionRepositoryWithTTL(database, cacheClient, defaultSubmissionCacheTTL, defaultSubmissionCacheEmptyTTL)
}

// NewSubmissionRepositoryWithTTL creates a submission repository with custom TTL.
func NewSubmissionRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLSubmissionRepository {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &MySQLSubmissionRepository{db: database, cache: cacheClient, ttl: ttl, emptyTTL: emptyTTL}
}

const submissionColumns = "id, user_id, project_id, report, grade, created_at, completed_at"

// Create inserts a pending submission and returns its id.
func (r *MySQLSubmissionRepository) Create(ctx context.Context, userID, projectID int64) (string, error) {
	if userID <= 0 {
		return "", errors.ValidationError("user_id", "required")
	}
	if projectID <= 0 {
		return "", errors.ValidationError("project_id", "required")
	}
	// a uuid collision is retried once with a fresh id
	var err error
	for i := 0; i < 2; i++ {
		id := uuid.NewString()
		_, err = r.db.Exec(ctx,
			"INSERT INTO submissions (id, user_id, project_id) VALUES (?, ?, ?)",
			id, userID, projectID,
		)
		if err == nil {
			return id, nil
		}
		if !db.IsDuplicateKey(err) {
			break
		}
	}
	if db.IsMissingReference(err) {
		return "", errors.Wrapf(err, errors.ValidationFailed, "unknown user or project").
			WithDetail("user_id", userID).
			WithDetail("project_id", projectID)
	}
	return "", errors.Wrapf(err, errors.SubmissionCreateFailed, "insert submission failed")
}

// Complete stores the report and grade. It affects a row at most once;
// completing an already completed submission is a conflict.
func (r *MySQLSubmissionRepository) Complete(ctx context.Context, submissionID, report string, grade int) error {
	if submissionID == "" {
		return errors.ValidationError("submission_id", "required")
	}
	update := func(ctx context.Context) error {
		res, err := r.db.Exec(ctx,
			"UPDATE submissions SET report = ?, grade = ?, completed_at = ? WHERE id = ? AND completed_at IS NULL",
			report, grade, time.Now().UTC(), submissionID,
		)
		if err != nil {
			return errors.Wrapf(err, errors.DatabaseError, "complete submission failed")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Wrapf(err, errors.DatabaseError, "read affected rows failed")
		}
		if affected == 1 {
			return nil
		}
		existing, err := r.getByIDFromDB(ctx, submissionID)
		if err != nil {
			return err
		}
		if !existing.Pending() {
			return errors.Newf(errors.SubmissionAlreadyCompleted, "submission %s is already completed", submissionID)
		}
		return errors.Newf(errors.DatabaseError, "submission %s was not updated", submissionID)
	}
	return cache.UpdateCached(ctx, r.cache, submissionCacheKey(submissionID), update)
}

// GetByID returns a submission. Completed rows are served from the cache;
// pending rows always come from MySQL because they are about to change.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, submissionID string) (*Submission, error) {
	if submissionID == "" {
		return nil, errors.ValidationError("submission_id", "required")
	}
	sub, found, err := cache.GetWithCached(
		ctx,
		r.cache,
		submissionCacheKey(submissionID),
		cache.AsideOptions[*Submission]{
			TTL:       r.ttl,
			EmptyTTL:  r.emptyTTL,
			Cacheable: func(s *Submission) bool { return !s.Pending() },
		},
		func(ctx context.Context) (*Submission, bool, error) {
			s, err := r.getByIDFromDB(ctx, submissionID)
			if errors.Is(err, errors.SubmissionNotFound) {
				return nil, false, nil
			}
			return s, err == nil, err
		},
	)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New(errors.SubmissionNotFound)
	}
	return sub, nil
}

// ListByUserProject returns a user's submissions for a project, newest first.
func (r *MySQLSubmissionRepository) ListByUserProject(ctx context.Context, userID, projectID int64, limit int) ([]*Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		"SELECT "+submissionColumns+" FROM submissions WHERE user_id = ? AND project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		userID, projectID, limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list submissions failed")
	}
	return scanSubmissions(rows)
}

// ListPending returns submissions still pending that were created before olderThan.
func (r *MySQLSubmissionRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		"SELECT "+submissionColumns+" FROM submissions WHERE completed_at IS NULL AND created_at < ? ORDER BY created_at LIMIT ?",
		olderThan.UTC(), limit,
	)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list pending submissions failed")
	}
	return scanSubmissions(rows)
}

func (r *MySQLSubmissionRepository) getByIDFromDB(ctx context.Context, submissionID string) (*Submission, error) {
	row := r.db.QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = ? LIMIT 1", submissionID)
	sub, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.SubmissionNotFound, "submission %s not found", submissionID)
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "get submission failed")
	}
	return sub, nil
}

func scanSubmissions(rows db.Rows) ([]*Submission, error) {
	defer rows.Close()
	var out []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan submission failed")
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate submissions failed")
	}
	return out, nil
}

func scanSubmission(row db.Row) (*Submission, error) {
	var (
		sub         Submission
		report      sql.NullString
		grade       sql.NullInt64
		completedAt sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.ProjectID, &report, &grade, &sub.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	sub.Report = report.String
	if grade.Valid {
		g := int(grade.Int64)
		sub.Grade = &g
	}
	if completedAt.Valid {
		t := completedAt.Time
		sub.CompletedAt = &t
	}
	return &sub, nil
}

func submissionCacheKey(submissionID string) string {
	return submissionCacheKeyPrefix + submissionID
}
