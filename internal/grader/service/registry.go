package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"hive/internal/common/cache"
	"hive/pkg/utils/logger"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	inflightSetKey   = "grading:inflight"
	orphanedSetKey   = "grading:orphaned"
	leaseKeyPrefix   = "grading:lease:"
	reconcileLockKey = "grading:reconcile:lock"
	reconcileLockTTL = 30 * time.Second
	mirrorTimeout    = 2 * time.Second
)

// Phase is where an attempt currently is in the pipeline.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhasePreparing  Phase = "preparing"
	PhaseCompiling  Phase = "compiling"
	PhaseRunning    Phase = "running"
	PhaseCompleting Phase = "completing"
)

// Attempt is the registry's view of one in-flight submission.
type Attempt struct {
	SubmissionID string    `json:"submission_id"`
	UserID       int64     `json:"user_id"`
	ProjectID    int64     `json:"project_id"`
	Phase        Phase     `json:"stage"`
	StartedAt    time.Time `json:"started_at"`
	PhaseAt      time.Time `json:"stage_started_at"`
}

type registryEntry struct {
	mu      sync.Mutex
	attempt Attempt
	done    chan struct{}
}

// Registry tracks in-flight attempts by submission id. Entries are mirrored
// into Redis so other processes, and the next start after a crash, can see
// them. Each mirrored id carries a lease that expires if its owner dies.
type Registry struct {
	local      *xsync.MapOf[string, *registryEntry]
	cache      cache.Cache
	instanceID string
	leaseTTL   time.Duration
	metrics    *Metrics
}

// NewRegistry creates a registry. cacheClient may be nil for a local-only registry.
func NewRegistry(cacheClient cache.Cache, instanceID string, leaseTTL time.Duration, metrics *Metrics) *Registry {
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	return &Registry{
		local:      xsync.NewMapOf[string, *registryEntry](),
		cache:      cacheClient,
		instanceID: instanceID,
		leaseTTL:   leaseTTL,
		metrics:    metrics,
	}
}

// Register adds an attempt in the queued phase.
func (r *Registry) Register(ctx context.Context, submissionID string, userID, projectID int64) {
	now := time.Now()
	entry := &registryEntry{
		attempt: Attempt{
			SubmissionID: submissionID,
			UserID:       userID,
			ProjectID:    projectID,
			Phase:        PhaseQueued,
			StartedAt:    now,
			PhaseAt:      now,
		},
		done: make(chan struct{}),
	}
	if _, loaded := r.local.LoadOrStore(submissionID, entry); loaded {
		return
	}
	r.metrics.incInflight()

	r.mirror(ctx, func(ctx context.Context) error {
		if err := r.cache.SAdd(ctx, inflightSetKey, submissionID); err != nil {
			return err
		}
		return r.cache.Set(ctx, leaseKeyPrefix+submissionID, r.instanceID, r.leaseTTL)
	})
}

// SetPhase records a transition and renews the lease.
func (r *Registry) SetPhase(ctx context.Context, submissionID string, phase Phase) {
	entry, ok := r.local.Load(submissionID)
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.attempt.Phase = phase
	entry.attempt.PhaseAt = time.Now()
	entry.mu.Unlock()

	r.mirror(ctx, func(ctx context.Context) error {
		return r.cache.Set(ctx, leaseKeyPrefix+submissionID, r.instanceID, r.leaseTTL)
	})
}

// Finish removes the attempt and wakes watchers.
func (r *Registry) Finish(ctx context.Context, submissionID string) {
	entry, ok := r.local.LoadAndDelete(submissionID)
	if !ok {
		return
	}
	close(entry.done)
	r.metrics.decInflight()

	r.mirror(ctx, func(ctx context.Context) error {
		if err := r.cache.SRem(ctx, inflightSetKey, submissionID); err != nil {
			return err
		}
		return r.cache.Del(ctx, leaseKeyPrefix+submissionID)
	})
}

// KeepAlive renews the leases of every local attempt until ctx ends, so
// long-queued attempts are not mistaken for orphans.
func (r *Registry) KeepAlive(ctx context.Context) {
	if r.cache == nil {
		return
	}
	ticker := time.NewTicker(r.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.local.Range(func(id string, _ *registryEntry) bool {
				r.mirror(ctx, func(ctx context.Context) error {
					return r.cache.Set(ctx, leaseKeyPrefix+id, r.instanceID, r.leaseTTL)
				})
				return true
			})
		}
	}
}

// Lookup returns the attempt if it is in flight on this process.
func (r *Registry) Lookup(submissionID string) (Attempt, bool) {
	entry, ok := r.local.Load(submissionID)
	if !ok {
		return Attempt{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.attempt, true
}

// Watch returns a channel closed when the attempt finishes. ok is false if
// the attempt is not in flight on this process.
func (r *Registry) Watch(submissionID string) (<-chan struct{}, bool) {
	entry, ok := r.local.Load(submissionID)
	if !ok {
		return nil, false
	}
	return entry.done, true
}

// Snapshot lists local attempts, oldest first.
func (r *Registry) Snapshot() []Attempt {
	out := make([]Attempt, 0, r.local.Size())
	r.local.Range(func(_ string, entry *registryEntry) bool {
		entry.mu.Lock()
		out = append(out, entry.attempt)
		entry.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len is the number of local attempts.
func (r *Registry) Len() int {
	return r.local.Size()
}

// ReconcileOrphans moves mirrored ids whose lease has expired into the
// orphaned set. Orphans are reported, never regraded.
func (r *Registry) ReconcileOrphans(ctx context.Context) ([]string, error) {
	if r.cache == nil {
		return nil, nil
	}
	locked, err := r.cache.TryLock(ctx, reconcileLockKey, reconcileLockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		logger.Info(ctx, "orphan reconcile already running elsewhere")
		return nil, nil
	}
	defer func() {
		if err := r.cache.Unlock(ctx, reconcileLockKey); err != nil {
			logger.Warn(ctx, "release reconcile lock failed", zap.Error(err))
		}
	}()

	ids, err := r.cache.SMembers(ctx, inflightSetKey)
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, id := range ids {
		if _, local := r.local.Load(id); local {
			continue
		}
		owner, err := r.cache.Get(ctx, leaseKeyPrefix+id)
		if err != nil {
			return orphans, err
		}
		if owner != "" {
			continue
		}
		moved, err := r.cache.SMove(ctx, inflightSetKey, orphanedSetKey, id)
		if err != nil {
			return orphans, err
		}
		if moved {
			orphans = append(orphans, id)
			logger.Warn(ctx, "orphaned grading attempt", zap.String("submission_id", id))
		}
	}
	return orphans, nil
}

// Orphans lists ids recorded by ReconcileOrphans.
func (r *Registry) Orphans(ctx context.Context) ([]string, error) {
	if r.cache == nil {
		return nil, nil
	}
	ids, err := r.cache.SMembers(ctx, orphanedSetKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// mirror runs a best-effort Redis write detached from the caller's deadline.
func (r *Registry) mirror(ctx context.Context, fn func(ctx context.Context) error) {
	if r.cache == nil {
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := fn(mctx); err != nil {
		logger.Warn(ctx, "mirror grading registry failed", zap.Error(err))
	}
}
