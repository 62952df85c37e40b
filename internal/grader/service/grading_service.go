// Package service runs grading attempts: admission, the compile and run
// stages, report parsing and the single completion of each submission.
package service

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"hive/internal/grader/parser"
	"hive/internal/grader/report"
	"hive/internal/grader/runner"
	"hive/internal/grader/workspace"
	"hive/internal/submit/repository"
	"hive/pkg/errors"
	"hive/pkg/utils/contextkey"
	"hive/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultCompileTimeout  = 5 * time.Second
	defaultRunTimeout      = 5 * time.Second
	defaultCompleteRetries = 3
	defaultCompleteBackoff = 200 * time.Millisecond
	defaultSideTimeout     = 5 * time.Second
	defaultMaxFileBytes    = 4 << 20
)

// Outcome labels for hive_grading_completed_total.
const (
	outcomeGraded        = "graded"
	outcomeMalformed     = "malformed"
	outcomeTimedOut      = "timed_out"
	outcomeCompileFailed = "compile_failed"
	outcomeLaunchError   = "launch_error"
	outcomePrepareFailed = "prepare_failed"
	outcomePanic         = "panic"
	outcomeShutdown      = "shutdown"
	outcomeOrphaned      = "orphaned"
)

// ProjectStore answers whether a project exists.
type ProjectStore interface {
	Exists(ctx context.Context, projectID int64) (bool, error)
}

// HarnessStore supplies the harness archive of a project.
type HarnessStore interface {
	Fetch(ctx context.Context, projectID int64) ([]byte, error)
}

// SubmissionSink creates pending submissions and stores their results.
type SubmissionSink interface {
	Create(ctx context.Context, userID, projectID int64) (string, error)
	Complete(ctx context.Context, submissionID, reportText string, grade int) error
}

// UploadArchive keeps a copy of each uploaded file.
type UploadArchive interface {
	Put(ctx context.Context, submissionID string, data []byte) error
}

// CompletionPublisher announces completed submissions.
type CompletionPublisher interface {
	PublishCompleted(ctx context.Context, event repository.CompletionEvent) error
}

// ScriptRunner runs one harness script inside a workspace.
type ScriptRunner interface {
	Run(ctx context.Context, root, script string, timeout time.Duration) (runner.Result, error)
}

// Config holds service dependencies and settings.
type Config struct {
	Projects    ProjectStore
	Harness     HarnessStore
	Submissions SubmissionSink
	// Uploads and Events are optional.
	Uploads    UploadArchive
	Events     CompletionPublisher
	Workspaces *workspace.Manager
	Runner     ScriptRunner
	Pool       *Pool
	Registry   *Registry
	Metrics    *Metrics

	CompileTimeout  time.Duration
	RunTimeout      time.Duration
	CompleteRetries int
	CompleteBackoff time.Duration
	// SideTimeout bounds best-effort calls: upload archive and events.
	SideTimeout  time.Duration
	MaxFileBytes int64
}

// Service is the grading pipeline.
type Service struct {
	projects    ProjectStore
	harness     HarnessStore
	submissions SubmissionSink
	uploads     UploadArchive
	events      CompletionPublisher
	workspaces  *workspace.Manager
	runner      ScriptRunner
	pool        *Pool
	registry    *Registry
	metrics     *Metrics

	compileTimeout  time.Duration
	runTimeout      time.Duration
	completeRetries int
	completeBackoff time.Duration
	sideTimeout     time.Duration
	maxFileBytes    int64
}

// NewService creates a grading service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Projects == nil {
		return nil, fmt.Errorf("project store is required")
	}
	if cfg.Harness == nil {
		return nil, fmt.Errorf("harness store is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission sink is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	s := &Service{
		projects:        cfg.Projects,
		harness:         cfg.Harness,
		submissions:     cfg.Submissions,
		uploads:         cfg.Uploads,
		events:          cfg.Events,
		workspaces:      cfg.Workspaces,
		runner:          cfg.Runner,
		pool:            cfg.Pool,
		registry:        cfg.Registry,
		metrics:         cfg.Metrics,
		compileTimeout:  cfg.CompileTimeout,
		runTimeout:      cfg.RunTimeout,
		completeRetries: cfg.CompleteRetries,
		completeBackoff: cfg.CompleteBackoff,
		sideTimeout:     cfg.SideTimeout,
		maxFileBytes:    cfg.MaxFileBytes,
	}
	if s.compileTimeout <= 0 {
		s.compileTimeout = defaultCompileTimeout
	}
	if s.runTimeout <= 0 {
		s.runTimeout = defaultRunTimeout
	}
	if s.completeRetries <= 0 {
		s.completeRetries = defaultCompleteRetries
	}
	if s.completeBackoff <= 0 {
		s.completeBackoff = defaultCompleteBackoff
	}
	if s.sideTimeout <= 0 {
		s.sideTimeout = defaultSideTimeout
	}
	if s.maxFileBytes <= 0 {
		s.maxFileBytes = defaultMaxFileBytes
	}
	return s, nil
}

// MaxFileBytes is the largest accepted submission.
func (s *Service) MaxFileBytes() int64 { return s.maxFileBytes }

// Execute validates the request, creates the pending submission and
// schedules grading. It returns as soon as the attempt is queued.
func (s *Service) Execute(ctx context.Context, projectID, userID int64, file []byte) (string, error) {
	if projectID <= 0 {
		return "", errors.ValidationError("project_id", "required")
	}
	if userID <= 0 {
		return "", errors.ValidationError("user_id", "required")
	}
	if int64(len(file)) > s.maxFileBytes {
		return "", errors.Newf(errors.PayloadTooLarge, "submission exceeds %d bytes", s.maxFileBytes)
	}

	exists, err := s.projects.Exists(ctx, projectID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Newf(errors.ProjectNotFound, "project %d not found", projectID)
	}
	harness, err := s.harness.Fetch(ctx, projectID)
	if err != nil {
		return "", err
	}

	if err := s.pool.Acquire(ctx); err != nil {
		logger.Warn(ctx, "grading admission rejected", zap.Int64("project_id", projectID), zap.Error(err))
		return "", err
	}
	submissionID, err := s.submissions.Create(ctx, userID, projectID)
	if err != nil {
		s.pool.Release()
		return "", err
	}

	attemptCtx := contextkey.WithSubmissionID(context.WithoutCancel(ctx), submissionID)
	s.archiveUpload(attemptCtx, submissionID, file)

	a := &attempt{
		ctx:          attemptCtx,
		submissionID: submissionID,
		userID:       userID,
		projectID:    projectID,
		harness:      harness,
		file:         file,
		queuedAt:     time.Now(),
	}
	s.registry.Register(attemptCtx, submissionID, userID, projectID)
	if err := s.pool.Submit(func() { s.grade(a) }); err != nil {
		logger.Warn(attemptCtx, "grading pool closed after submission was created", zap.Error(err))
		s.complete(a, report.Report{
			Stage:  report.StagePrepare,
			Output: "The grading service is shutting down. Please submit again.",
		}, 0, outcomeShutdown)
		s.registry.Finish(attemptCtx, submissionID)
		return submissionID, nil
	}

	logger.Info(attemptCtx, "submission queued",
		zap.Int64("project_id", projectID),
		zap.Int("file_bytes", len(file)),
	)
	return submissionID, nil
}

// Snapshot lists attempts in flight in this process.
func (s *Service) Snapshot() []Attempt { return s.registry.Snapshot() }

// Orphans lists submissions abandoned by a previous process.
func (s *Service) Orphans(ctx context.Context) ([]string, error) { return s.registry.Orphans(ctx) }

// Watch returns a channel closed when the submission's attempt finishes.
// ok is false when no attempt is in flight here.
func (s *Service) Watch(submissionID string) (<-chan struct{}, bool) {
	return s.registry.Watch(submissionID)
}

// Lookup returns the in-flight attempt for a submission.
func (s *Service) Lookup(submissionID string) (Attempt, bool) { return s.registry.Lookup(submissionID) }

// QueueDepth is the number of admitted attempts waiting for a worker.
func (s *Service) QueueDepth() int64 { return s.pool.QueueDepth() }

// Running is the number of attempts on a worker.
func (s *Service) Running() int64 { return s.pool.Running() }

// Shutdown stops admission and waits for queued attempts until ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.pool.Shutdown(ctx)
}

type attempt struct {
	ctx          context.Context
	submissionID string
	userID       int64
	projectID    int64
	harness      []byte
	file         []byte
	queuedAt     time.Time
	once         sync.Once
}

func (s *Service) grade(a *attempt) {
	ctx := a.ctx
	start := time.Now()
	defer s.registry.Finish(ctx, a.submissionID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "grading attempt panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			s.complete(a, report.Report{
				Stage:  report.StagePrepare,
				Output: "An internal error occurred while grading this submission.",
			}, 0, outcomePanic)
		}
	}()

	logger.Info(ctx, "grading started", zap.Duration("queued_for", start.Sub(a.queuedAt)))

	s.registry.SetPhase(ctx, a.submissionID, PhasePreparing)
	prepStart := time.Now()
	ws, err := s.workspaces.Prepare(ctx, a.harness, a.file)
	s.metrics.observeStage(string(report.StagePrepare), time.Since(prepStart))
	if err != nil {
		logger.Error(ctx, "prepare workspace failed", zap.Error(err))
		s.complete(a, report.Report{Stage: report.StagePrepare, Output: prepareMessage(err)}, 0, outcomePrepareFailed)
		return
	}
	defer func() {
		if err := ws.Release(); err != nil {
			logger.Warn(ctx, "release workspace failed", zap.String("dir", ws.Dir()), zap.Error(err))
		}
	}()
	// the harness and file are on disk now
	a.harness, a.file = nil, nil

	s.registry.SetPhase(ctx, a.submissionID, PhaseCompiling)
	compiled, err := s.runner.Run(ctx, ws.Dir(), workspace.CompileScript, s.compileTimeout)
	s.metrics.observeStage(string(report.StageCompile), compiled.Duration)
	if err != nil {
		logger.Error(ctx, "launch compile failed", zap.Error(err))
		s.complete(a, report.Report{
			Stage:  report.StageCompile,
			Output: "The compile step of the test harness could not be started.",
		}, 0, outcomeLaunchError)
		return
	}
	if !compiled.Success {
		logger.Info(ctx, "compile failed",
			zap.Int("exit_code", compiled.ExitCode),
			zap.Bool("timed_out", compiled.TimedOut),
		)
		outcome := outcomeCompileFailed
		if compiled.TimedOut {
			outcome = outcomeTimedOut
		}
		s.complete(a, report.Report{
			Stage:    report.StageCompile,
			Output:   string(compiled.Stdout),
			TimedOut: compiled.TimedOut,
		}, 0, outcome)
		return
	}

	s.registry.SetPhase(ctx, a.submissionID, PhaseRunning)
	ran, err := s.runner.Run(ctx, ws.Dir(), workspace.RunScript, s.runTimeout)
	s.metrics.observeStage(string(report.StageRun), ran.Duration)
	if err != nil {
		logger.Error(ctx, "launch run failed", zap.Error(err))
		s.complete(a, report.Report{
			Stage:  report.StageRun,
			Output: "The run step of the test harness could not be started.",
		}, 0, outcomeLaunchError)
		return
	}

	result, perr := parser.Parse(bytes.NewReader(ran.Stdout))
	malformed := perr != nil
	grade := result.Grade
	if malformed {
		logger.Warn(ctx, "test report is malformed", zap.Error(perr), zap.Int("records", len(result.Records)))
		grade = 0
	}
	outcome := outcomeGraded
	switch {
	case ran.TimedOut:
		outcome = outcomeTimedOut
	case malformed:
		outcome = outcomeMalformed
	}
	s.complete(a, report.Report{
		Stage:     report.StageRun,
		Tests:     report.FromRecords(result.Records),
		Malformed: malformed,
		TimedOut:  ran.TimedOut,
	}, grade, outcome)

	logger.Info(ctx, "grading finished",
		zap.Int("grade", grade),
		zap.Int("tests", len(result.Records)),
		zap.Int("passed", result.Passed()),
		zap.Duration("duration", time.Since(start)),
	)
}

// complete stores the attempt's result. Only the first call per attempt
// has any effect, so a panic while storing is handled inside that call.
func (s *Service) complete(a *attempt, rep report.Report, grade int, outcome string) {
	a.once.Do(func() {
		s.store(a, rep, grade, outcome)
	})
}

func (s *Service) store(a *attempt, rep report.Report, grade int, outcome string) {
	ctx := a.ctx
	stored := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.Error(ctx, "storing grading result panicked",
			zap.Any("panic", r),
			zap.Bool("stored", stored),
			zap.ByteString("stack", debug.Stack()),
		)
		if !stored {
			s.storeInternalError(a)
		}
	}()

	s.registry.SetPhase(ctx, a.submissionID, PhaseCompleting)

	text, err := report.Encode(rep)
	if err != nil {
		logger.Error(ctx, "encode report failed", zap.Error(err))
		text, grade = `{"stage":"`+string(rep.Stage)+`"}`, 0
	}

	if err := s.completeWithRetry(ctx, a.submissionID, text, grade); err != nil {
		logger.Error(ctx, "submission left pending", zap.Error(err))
		s.metrics.incCompleted(string(rep.Stage), outcomeOrphaned)
		return
	}
	stored = true
	s.metrics.incCompleted(string(rep.Stage), outcome)
	s.publish(ctx, a, rep.Stage, grade)
}

// storeInternalError is the last attempt to move a submission out of
// pending after storing its real result blew up.
func (s *Service) storeInternalError(a *attempt) {
	ctx := a.ctx
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "submission left pending", zap.Any("panic", r))
			s.metrics.incCompleted(string(report.StagePrepare), outcomeOrphaned)
		}
	}()
	rep := report.Report{
		Stage:  report.StagePrepare,
		Output: "An internal error occurred while grading this submission.",
	}
	text, err := report.Encode(rep)
	if err != nil {
		text = `{"stage":"` + string(rep.Stage) + `"}`
	}
	if err := s.completeWithRetry(ctx, a.submissionID, text, 0); err != nil {
		logger.Error(ctx, "submission left pending", zap.Error(err))
		s.metrics.incCompleted(string(rep.Stage), outcomeOrphaned)
		return
	}
	s.metrics.incCompleted(string(rep.Stage), outcomePanic)
}

func (s *Service) completeWithRetry(ctx context.Context, submissionID, text string, grade int) error {
	backoff := s.completeBackoff
	var err error
	for i := 0; i <= s.completeRetries; i++ {
		if i > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		err = s.submissions.Complete(ctx, submissionID, text, grade)
		if err == nil {
			return nil
		}
		// Only this attempt writes the row, so an earlier try landed
		// and its acknowledgement was lost.
		if i > 0 && errors.Is(err, errors.SubmissionAlreadyCompleted) {
			logger.Info(ctx, "submission already completed by an earlier try")
			return nil
		}
		if errors.Is(err, errors.SubmissionAlreadyCompleted) || errors.Is(err, errors.SubmissionNotFound) {
			return err
		}
		logger.Warn(ctx, "complete submission failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	return err
}

func (s *Service) publish(ctx context.Context, a *attempt, stage report.Stage, grade int) {
	if s.events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.sideTimeout)
	defer cancel()
	err := s.events.PublishCompleted(pubCtx, repository.CompletionEvent{
		SubmissionID: a.submissionID,
		UserID:       a.userID,
		ProjectID:    a.projectID,
		Grade:        grade,
		Stage:        string(stage),
		CompletedAt:  time.Now().UTC(),
	})
	if err != nil {
		logger.Warn(ctx, "publish completion event failed", zap.Error(err))
	}
}

func (s *Service) archiveUpload(ctx context.Context, submissionID string, file []byte) {
	if s.uploads == nil {
		return
	}
	putCtx, cancel := context.WithTimeout(ctx, s.sideTimeout)
	defer cancel()
	if err := s.uploads.Put(putCtx, submissionID, file); err != nil {
		logger.Warn(ctx, "archive submission file failed", zap.Error(err))
	}
}

func prepareMessage(err error) string {
	if errors.Is(err, errors.HarnessCorrupt) {
		return "The test harness for this project could not be unpacked."
	}
	return "The grading workspace could not be prepared."
}
