package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/store"
)

// ReasonSuperseded marks a paused job replaced by a full resync.
const ReasonSuperseded = "superseded by full resync"

// Store is the durable state the orchestrator drives. *store.Store implements it.
type Store interface {
	ReadCheckpoint(ctx context.Context, peerID string, t models.EntityType) (*models.Checkpoint, error)
	ResetCheckpoints(ctx context.Context, peerID string, types []models.EntityType) error
	CommitPage(ctx context.Context, pc *store.PageCommit, apply func(*store.Tx) error) error

	CreateJob(ctx context.Context, job *models.Job) error
	AddJobPartitions(ctx context.Context, jobID string, types []models.EntityType) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ActiveJob(ctx context.Context, peerID string) (*models.Job, error)
	ListJobs(ctx context.Context, peerID string, limit int) ([]models.Job, error)
	UpdateJobState(ctx context.Context, id string, state models.JobState, reason string) error
	ResumeJob(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	PauseInterruptedJobs(ctx context.Context, reason string, peerIDs ...string) (int64, error)
	SavePartition(ctx context.Context, jobID string, p models.PartitionProgress) error
	Partitions(ctx context.Context, jobID string) (map[models.EntityType]models.PartitionProgress, error)
	Snapshot(ctx context.Context, jobID string) (*models.JobSnapshot, error)
	ListConflicts(ctx context.Context, peerID string, since time.Time, limit int) ([]models.ConflictRecord, error)
}

// Peer is a sync source: another store server or an external connector,
// each under its own peer id namespace.
type Peer struct {
	ID          string
	Fetcher     PageFetcher
	EntityTypes []models.EntityType // default set when a sync names none; empty means all
}

// Options configures an Orchestrator.
type Options struct {
	StoreID     string // local store id, stamps merge records
	Concurrency int
	PageSize    int
	BurstLimit  int
	Retry       RetryPolicy
	Reporter    Reporter
	Logger      *slog.Logger

	// Test hooks
	Now      func() time.Time
	Sleep    func(context.Context, time.Duration) error
	NewJobID func() string
}

// Defaults for Options
const (
	DefaultConcurrency = 4
	DefaultPageSize    = 100
	DefaultBurstLimit  = 5
)

// Orchestrator owns the sync job lifecycle and allows at most one in-flight job per peer.
type Orchestrator struct {
	store    Store
	opts     Options
	logger   *slog.Logger
	reporter Reporter
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	newID    func() string

	peers map[string]Peer
	pool  *Pool

	mu       gosync.Mutex
	started  bool
	baseCtx  context.Context
	stopBase context.CancelFunc
	byPeer   map[string]*jobRun // reserved or running, keyed by peer id
	byJob    map[string]*jobRun
}

// NewOrchestrator creates an orchestrator over st for the given peers.
func NewOrchestrator(st Store, peers []Peer, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PageSize < 1 {
		opts.PageSize = DefaultPageSize
	}
	if opts.BurstLimit < 0 {
		opts.BurstLimit = 0
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:    st,
		opts:     opts,
		logger:   logger,
		reporter: opts.Reporter,
		now:      opts.Now,
		sleep:    opts.Sleep,
		newID:    opts.NewJobID,
		peers:    make(map[string]Peer, len(peers)),
		pool:     NewPool(opts.Concurrency, logger),
		byPeer:   make(map[string]*jobRun),
		byJob:    make(map[string]*jobRun),
	}
	if o.reporter == nil {
		o.reporter = LogReporter{Logger: logger}
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	for _, p := range peers {
		o.peers[p.ID] = p
	}
	return o
}

// Start recovers jobs of the configured peers interrupted by a previous
// process and launches the worker pool. Callers hold the peer locks.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	if peers := o.Peers(); len(peers) > 0 {
		n, err := o.store.PauseInterruptedJobs(ctx, ReasonInterrupted, peers...)
		if err != nil {
			return fmt.Errorf("recover interrupted jobs: %w", err)
		}
		if n > 0 {
			o.logger.Warn("paused jobs interrupted by previous shutdown", "count", n)
		}
	}
	o.baseCtx, o.stopBase = context.WithCancel(context.WithoutCancel(ctx))
	o.pool.Start(o.baseCtx)
	o.started = true
	return nil
}

// Close stops every running job at its next page boundary, waits for the
// workers, and leaves unfinished partitions paused and resumable.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	runs := make([]*jobRun, 0, len(o.byJob))
	for _, r := range o.byJob {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.stop(ReasonShutdown)
	}
	o.pool.Stop()
	o.stopBase()
	// Tasks still queued when the workers exited never ran; pause them here.
	for _, r := range runs {
		for _, p := range r.unfinished() {
			p.pause(context.Background(), ReasonShutdown, "", nil)
		}
	}
}

// Peers returns the configured peer ids in sorted order.
func (o *Orchestrator) Peers() []string {
	ids := make([]string, 0, len(o.peers))
	for id := range o.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartSync plans and starts a sync job for peerID. It returns
// ErrAlreadyRunning without touching any job when one is in flight. A paused
// job is resumed in incremental mode and superseded in full mode. Unknown
// peers and invalid entity types produce a failed job and a config error.
func (o *Orchestrator) StartSync(ctx context.Context, peerID string, types []models.EntityType, mode models.SyncMode) (string, error) {
	if !models.IsValidSyncMode(mode) {
		return "", NewError(KindConfig, "start_sync", fmt.Errorf("invalid sync mode %q", mode))
	}

	run, err := o.reserve(peerID)
	if err != nil {
		return "", err
	}
	started := false
	defer func() {
		if !started {
			o.release(run)
		}
	}()

	active, err := o.store.ActiveJob(ctx, peerID)
	if err != nil {
		return "", NewError(KindStorage, "start_sync", err)
	}
	if active != nil && active.State != models.JobPaused {
		return "", fmt.Errorf("%w: job %s is %s", ErrAlreadyRunning, active.ID, active.State)
	}

	peer, known := o.peers[peerID]
	if len(types) == 0 && active != nil && mode == models.ModeIncremental {
		types = active.EntityTypes
	}
	types = normalizeTypes(types, peer.EntityTypes)
	var cfgErr error
	switch {
	case !known:
		cfgErr = fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	default:
		for _, t := range types {
			if !models.IsValidEntityType(t) {
				cfgErr = fmt.Errorf("%w: %q", ErrInvalidEntityType, t)
				break
			}
		}
	}
	if cfgErr != nil {
		id, ferr := o.recordFailedJob(ctx, peerID, types, mode, cfgErr)
		if ferr != nil {
			return "", ferr
		}
		return id, &SyncError{Kind: KindConfig, Op: "start_sync", PeerID: peerID, Err: cfgErr}
	}

	var job *models.Job
	if active != nil && mode == models.ModeIncremental {
		job, err = o.resumeJob(ctx, active, types)
	} else {
		if active != nil {
			if err := o.store.UpdateJobState(ctx, active.ID, models.JobFailed, ReasonSuperseded); err != nil {
				return "", NewError(KindStorage, "start_sync", err)
			}
			o.logger.Info("paused job superseded", "job", active.ID, "peer", peerID)
		}
		job, err = o.createJob(ctx, peerID, types, mode)
	}
	if err != nil {
		return "", NewError(KindStorage, "start_sync", err)
	}

	if err := o.launch(ctx, run, peer, job); err != nil {
		return job.ID, err
	}
	started = true
	return job.ID, nil
}

func (o *Orchestrator) reserve(peerID string) (*jobRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil, errors.New("orchestrator not started")
	}
	if r, ok := o.byPeer[peerID]; ok {
		if r.job.ID != "" {
			return nil, fmt.Errorf("%w: job %s", ErrAlreadyRunning, r.job.ID)
		}
		return nil, ErrAlreadyRunning
	}
	r := &jobRun{o: o, done: make(chan struct{}), parts: make(map[models.EntityType]*partition)}
	o.byPeer[peerID] = r
	return r, nil
}

func (o *Orchestrator) release(r *jobRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, pr := range o.byPeer {
		if pr == r {
			delete(o.byPeer, id)
		}
	}
	if r.job.ID != "" && o.byJob[r.job.ID] == r {
		delete(o.byJob, r.job.ID)
	}
}

func (o *Orchestrator) createJob(ctx context.Context, peerID string, types []models.EntityType, mode models.SyncMode) (*models.Job, error) {
	if mode == models.ModeFull {
		if err := o.store.ResetCheckpoints(ctx, peerID, types); err != nil {
			return nil, err
		}
	}
	job := &models.Job{
		ID:          o.newID(),
		PeerID:      peerID,
		EntityTypes: types,
		Mode:        mode,
		State:       models.JobRunning,
		StartedAt:   o.now(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) resumeJob(ctx context.Context, job *models.Job, types []models.EntityType) (*models.Job, error) {
	if err := o.store.AddJobPartitions(ctx, job.ID, types); err != nil {
		return nil, err
	}
	if err := o.store.ResumeJob(ctx, job.ID); err != nil {
		return nil, err
	}
	o.logger.Info("resuming paused job", "job", job.ID, "peer", job.PeerID, "previous_reason", job.Reason)
	return o.store.GetJob(ctx, job.ID)
}

func (o *Orchestrator) recordFailedJob(ctx context.Context, peerID string, types []models.EntityType, mode models.SyncMode, cause error) (string, error) {
	job := &models.Job{
		ID:          o.newID(),
		PeerID:      peerID,
		EntityTypes: types,
		Mode:        mode,
		State:       models.JobFailed,
		Reason:      cause.Error(),
		StartedAt:   o.now(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return "", NewError(KindStorage, "start_sync", err)
	}
	if err := o.store.UpdateJobState(ctx, job.ID, models.JobFailed, cause.Error()); err != nil {
		return "", NewError(KindStorage, "start_sync", err)
	}
	o.logger.Error("sync job failed", "job", job.ID, "peer", peerID, "err", cause)
	return job.ID, nil
}

// launch submits one task per partition that has not reached head yet.
func (o *Orchestrator) launch(ctx context.Context, run *jobRun, peer Peer, job *models.Job) error {
	prev, err := o.store.Partitions(ctx, job.ID)
	if err != nil {
		return NewError(KindStorage, "start_sync", err)
	}

	o.mu.Lock()
	run.job = *job
	run.peer = peer
	run.ctx, run.cancel = context.WithCancel(o.baseCtx)
	o.byJob[job.ID] = run
	o.mu.Unlock()

	var parts []*partition
	for _, t := range job.EntityTypes {
		pp := prev[t]
		if pp.State == models.PartitionCompleted {
			continue
		}
		cp, err := o.store.ReadCheckpoint(ctx, peer.ID, t)
		if err != nil {
			run.cancel()
			if uerr := o.store.UpdateJobState(context.WithoutCancel(ctx), job.ID, models.JobPaused, err.Error()); uerr != nil {
				o.logger.Error("persist paused job", "job", job.ID, "err", uerr)
			}
			return NewError(KindStorage, "start_sync", err)
		}
		parts = append(parts, newPartition(run, t, cp, pp))
	}

	o.reporter.Report(ctx, Event{Type: EventJobStarted, JobID: job.ID, PeerID: peer.ID, JobState: models.JobRunning, At: o.now()})
	o.logger.Info("sync job started", "job", job.ID, "peer", peer.ID, "mode", job.Mode, "partitions", len(parts))

	if len(parts) == 0 {
		run.finish(context.WithoutCancel(ctx))
		return nil
	}
	run.mu.Lock()
	for _, p := range parts {
		run.parts[p.entityType] = p
	}
	run.outstanding = len(parts)
	run.mu.Unlock()
	for _, p := range parts {
		if !o.pool.Submit(p) {
			p.pause(ctx, ReasonShutdown, "", nil)
		}
	}
	return nil
}

// GetStatus returns the last persisted progress of a job. It never waits on running partitions.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	return o.store.Snapshot(ctx, jobID)
}

// ListJobs returns recent jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, peerID string, limit int) ([]models.Job, error) {
	return o.store.ListJobs(ctx, peerID, limit)
}

// ListConflicts returns conflicts recorded for a peer since the given time.
func (o *Orchestrator) ListConflicts(ctx context.Context, peerID string, since time.Time, limit int) ([]models.ConflictRecord, error) {
	return o.store.ListConflicts(ctx, peerID, since, limit)
}

// Cancel requests cooperative cancellation. Running partitions finish the
// page they are applying and pause; the request is persisted so a job running
// in another process stops too.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	if err := o.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	o.mu.Lock()
	run := o.byJob[jobID]
	o.mu.Unlock()
	if run != nil {
		run.stop(ReasonCancelled)
	}
	o.logger.Info("cancel requested", "job", jobID, "peer", job.PeerID)
	return nil
}

// Wait blocks until an in-process job stops running and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	o.mu.Lock()
	run := o.byJob[jobID]
	o.mu.Unlock()
	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.store.Snapshot(ctx, jobID)
}

func normalizeTypes(types, defaults []models.EntityType) []models.EntityType {
	if len(types) == 0 {
		types = defaults
	}
	if len(types) == 0 {
		types = models.AllEntityTypes()
	}
	out := make([]models.EntityType, 0, len(types))
	for _, t := range types {
		t = models.EntityType(strings.ToLower(strings.TrimSpace(string(t))))
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// jobRun tracks the in-process partitions of one running job.
type jobRun struct {
	o      *Orchestrator
	job    models.Job
	peer   Peer
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          gosync.Mutex
	parts       map[models.EntityType]*partition
	outstanding int
	reason      string // why the job was stopped, empty while running
	finished    bool
}

func (r *jobRun) stop(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// stopReason reports why the partition should stop before its next page, or
// "" to continue. It also honours cancel requests persisted by other processes.
func (r *jobRun) stopReason(workerCtx context.Context) string {
	r.mu.Lock()
	reason := r.reason
	r.mu.Unlock()
	if reason != "" {
		return reason
	}
	if workerCtx.Err() != nil || r.ctx.Err() != nil {
		return ReasonShutdown
	}
	cancelled, err := r.o.store.CancelRequested(r.ctx, r.job.ID)
	if err != nil {
		r.o.logger.Warn("read cancel flag", "job", r.job.ID, "err", err)
		return ""
	}
	if cancelled {
		r.stop(ReasonCancelled)
		return ReasonCancelled
	}
	return ""
}

func (r *jobRun) stopReasonOr(def string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reason != "" {
		return r.reason
	}
	return def
}

func (r *jobRun) unfinished() []*partition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*partition
	for _, p := range r.parts {
		if !p.finished {
			out = append(out, p)
		}
	}
	return out
}

// partitionPaused moves the job to Paused as soon as any partition pauses,
// while sibling partitions keep running.
func (r *jobRun) partitionPaused(ctx context.Context, p *partition, reason string) {
	msg := fmt.Sprintf("%s: %s", p.entityType, reason)
	if err := r.o.store.UpdateJobState(ctx, r.job.ID, models.JobPaused, msg); err != nil {
		r.o.logger.Error("persist paused job", "job", r.job.ID, "err", err)
	}
}

func (r *jobRun) partitionFinished(p *partition) {
	r.mu.Lock()
	r.outstanding--
	last := r.outstanding == 0
	r.mu.Unlock()
	if last {
		r.finish(context.WithoutCancel(r.ctx))
	}
}

// finish derives the final job state from every persisted partition row,
// including partitions completed by earlier runs of the same job.
func (r *jobRun) finish(ctx context.Context) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	stopReason := r.reason
	r.mu.Unlock()

	defer func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.o.release(r)
		close(r.done)
	}()

	parts, err := r.o.store.Partitions(ctx, r.job.ID)
	if err != nil {
		r.o.logger.Error("load partitions", "job", r.job.ID, "err", err)
		return
	}
	state := models.DeriveJobState(parts)
	reason := ""
	if state == models.JobPaused {
		reason = stopReason
		if reason == "" {
			var msgs []string
			for _, t := range sortedTypes(parts) {
				if p := parts[t]; p.State == models.PartitionPaused {
					msgs = append(msgs, fmt.Sprintf("%s: %s", t, p.Error))
				}
			}
			reason = strings.Join(msgs, "; ")
		}
	}
	if err := r.o.store.UpdateJobState(ctx, r.job.ID, state, reason); err != nil {
		r.o.logger.Error("persist job state", "job", r.job.ID, "err", err)
		return
	}
	r.o.reporter.Report(ctx, Event{Type: EventJobStateChanged, JobID: r.job.ID, PeerID: r.job.PeerID, JobState: state, Error: reason, At: r.o.now()})
	r.o.logger.Info("sync job finished", "job", r.job.ID, "peer", r.job.PeerID, "state", state, "reason", reason)
}

func sortedTypes(parts map[models.EntityType]models.PartitionProgress) []models.EntityType {
	out := make([]models.EntityType, 0, len(parts))
	for t := range parts {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
