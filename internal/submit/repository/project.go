package repository

import (
	"context"
	"fmt"
	"time"

	"hive/internal/common/cache"
	"hive/internal/common/db"
	"hive/pkg/errors"
)

const (
	defaultProjectCacheTTL      = time.Hour
	defaultProjectCacheEmptyTTL = 5 * time.Minute
	projectCacheKeyPrefix       = "project:"
)

// Project is one gradable assignment inside a program.
type Project struct {
	ID        int64  `json:"id"`
	ProgramID int64  `json:"program_id"`
	Name      string `json:"name"`
	MaxGrade  int    `json:"max_grade"`
}

// ProjectSummary is a project as seen by one enrolled user.
type ProjectSummary struct {
	Project
	BestGrade   *int `json:"best_grade,omitempty"`
	Submissions int  `json:"submissions"`
}

// ProgramSummary groups the projects of one program.
type ProgramSummary struct {
	ID       int64            `json:"id"`
	Name     string           `json:"name"`
	Projects []ProjectSummary `json:"projects"`
}

// ProjectRepository reads projects and the program overview.
type ProjectRepository interface {
	GetByID(ctx context.Context, projectID int64) (*Project, error)
	Exists(ctx context.Context, projectID int64) (bool, error)
	ListProgramsForUser(ctx context.Context, userID int64) ([]ProgramSummary, error)
}

// MySQLProjectRepository implements ProjectRepository.
type MySQLProjectRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewProjectRepository creates a project repository. cacheClient may be nil.
func NewProjectRepository(database db.Database, cacheClient cache.Cache) *MySQLProjectRepository {
	return &MySQLProjectRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      defaultProjectCacheTTL,
		emptyTTL: defaultProjectCacheEmptyTTL,
	}
}

// GetByID returns a project or ProjectNotFound.
func (r *MySQLProjectRepository) GetByID(ctx context.Context, projectID int64) (*Project, error) {
	if projectID <= 0 {
		return nil, errors.ValidationError("project_id", "required")
	}
	project, found, err := cache.GetWithCached(
		ctx,
		r.cache,
		fmt.Sprintf("%s%d", projectCacheKeyPrefix, projectID),
		cache.AsideOptions[*Project]{TTL: r.ttl, EmptyTTL: r.emptyTTL},
		func(ctx context.Context) (*Project, bool, error) {
			p, err := r.getByIDFromDB(ctx, projectID)
			return p, p != nil, err
		},
	)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Newf(errors.ProjectNotFound, "project %d not found", projectID)
	}
	return project, nil
}

// Exists reports whether the project exists.
func (r *MySQLProjectRepository) Exists(ctx context.Context, projectID int64) (bool, error) {
	_, err := r.GetByID(ctx, projectID)
	if errors.Is(err, errors.ProjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListProgramsForUser returns the programs a user is enrolled in, each with
// its projects and the user's best grade per project.
func (r *MySQLProjectRepository) ListProgramsForUser(ctx context.Context, userID int64) ([]ProgramSummary, error) {
	if userID <= 0 {
		return nil, errors.ValidationError("user_id", "required")
	}
	rows, err := r.db.Query(ctx, `
SELECT pg.id, pg.name, p.id, p.name, p.max_grade, MAX(s.grade), COUNT(s.id)
FROM enrolments e
JOIN programs pg ON pg.id = e.program_id
LEFT JOIN projects p ON p.program_id = pg.id
LEFT JOIN submissions s ON s.project_id = p.id AND s.user_id = e.user_id
WHERE e.user_id = ?
GROUP BY pg.id, pg.name, p.id, p.name, p.max_grade
ORDER BY pg.id, p.id`, userID)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "list programs failed")
	}
	defer rows.Close()

	var programs []ProgramSummary
	for rows.Next() {
		var (
			programID   int64
			programName string
			projectID   *int64
			projectName *string
			maxGrade    *int
			bestGrade   *int
			count       int
		)
		if err := rows.Scan(&programID, &programName, &projectID, &projectName, &maxGrade, &bestGrade, &count); err != nil {
			return nil, errors.Wrapf(err, errors.DatabaseError, "scan program failed")
		}
		if len(programs) == 0 || programs[len(programs)-1].ID != programID {
			programs = append(programs, ProgramSummary{ID: programID, Name: programName, Projects: []ProjectSummary{}})
		}
		// programs without projects still appear, with an empty list
		if projectID == nil {
			continue
		}
		summary := ProjectSummary{
			Project:     Project{ID: *projectID, ProgramID: programID},
			BestGrade:   bestGrade,
			Submissions: count,
		}
		if projectName != nil {
			summary.Name = *projectName
		}
		if maxGrade != nil {
			summary.MaxGrade = *maxGrade
		}
		last := &programs[len(programs)-1]
		last.Projects = append(last.Projects, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "iterate programs failed")
	}
	return programs, nil
}

func (r *MySQLProjectRepository) getByIDFromDB(ctx context.Context, projectID int64) (*Project, error) {
	var p Project
	err := r.db.QueryRow(ctx,
		"SELECT id, program_id, name, max_grade FROM projects WHERE id = ? LIMIT 1", projectID,
	).Scan(&p.ID, &p.ProgramID, &p.Name, &p.MaxGrade)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "get project failed")
	}
	return &p, nil
}
