package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/dispatch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/metrics"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/repository"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/verify"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobTerminal = errors.New("job already in a terminal state")
)

// Config contains orchestrator settings.
type Config struct {
	// FanOut bounds how many sibling child slots are driven concurrently.
	FanOut int
	// SlotRetryCap bounds creation attempts for a single slot.
	SlotRetryCap int
	// RetryBudget caps drive retries per job unless the request carries
	// its own.
	RetryBudget int
}

// StartRequest describes one bulk-creation job: a parent campaign plus its
// requested ad sets and ads.
type StartRequest struct {
	Owner        string                 `json:"owner"`
	AccountID    string                 `json:"account_id"`
	AccountGroup string                 `json:"account_group"`
	Campaign     models.CampaignPayload `json:"campaign"`
	AdSets       []models.AdSetPayload  `json:"adsets"`
	Ads          []models.AdPayload     `json:"ads"`
	RetryBudget  int                    `json:"retry_budget,omitempty"`
}

// JobDetail is the pollable view of a job with its slot ledger.
type JobDetail struct {
	Job   *models.Job   `json:"job"`
	Slots []models.Slot `json:"slots"`
}

// Orchestrator owns the lifecycle of bulk-creation jobs: verification,
// slot allocation, driving creation through the dispatcher, retries, and
// rollback. The slot ledger is the sole source of truth for what already
// exists remotely; it is consulted before every creation attempt so
// re-driving a job never duplicates entities.
type Orchestrator struct {
	jobs       *repository.JobRepository
	slots      *repository.SlotRepository
	failures   *repository.FailureRepository
	requests   *repository.RequestRepository
	verifier   *verify.Verifier
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	cfg        Config
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	driving map[string]bool
}

// New creates an orchestrator.
func New(jobs *repository.JobRepository, slots *repository.SlotRepository, failures *repository.FailureRepository,
	requests *repository.RequestRepository, verifier *verify.Verifier, dispatcher *dispatch.Dispatcher,
	m *metrics.Metrics, cfg Config, logger *slog.Logger) *Orchestrator {

	if cfg.FanOut <= 0 {
		cfg.FanOut = 5
	}
	if cfg.SlotRetryCap <= 0 {
		cfg.SlotRetryCap = models.DefaultSlotRetryCap
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = models.DefaultRetryBudget
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		jobs:       jobs,
		slots:      slots,
		failures:   failures,
		requests:   requests,
		verifier:   verifier,
		dispatcher: dispatcher,
		metrics:    m,
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		ctx:        ctx,
		cancel:     cancel,
		driving:    make(map[string]bool),
	}
}

// Stop cancels in-flight drives and waits for them to wind down. Jobs left
// in_progress resume safely from the slot ledger on the next drive.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// StartJob verifies the request, allocates the slot ledger, and begins
// driving creation in the background. When verification blocks the job it
// ends failed with zero slots allocated.
func (o *Orchestrator) StartJob(ctx context.Context, req *StartRequest) (*models.Job, error) {
	if req.Campaign.Name == "" {
		return nil, fmt.Errorf("campaign name is required")
	}
	if req.AccountGroup == "" {
		req.AccountGroup = models.DefaultAccountGroup
	}
	if err := o.dispatcher.CheckAvailability(ctx, req.AccountGroup); err != nil {
		return nil, err
	}

	job := &models.Job{
		Owner:           req.Owner,
		AccountID:       req.AccountID,
		AccountGroup:    req.AccountGroup,
		ParentName:      req.Campaign.Name,
		RequestedAdSets: len(req.AdSets),
		RequestedAds:    len(req.Ads),
		RetryBudget:     req.RetryBudget,
	}
	if job.RetryBudget <= 0 {
		job.RetryBudget = o.cfg.RetryBudget
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	verification, err := o.verifier.Verify(ctx, req.Owner, req.AccountGroup, req.AccountID, req.Campaign.Name)
	if err != nil {
		return nil, fmt.Errorf("verification failed to run: %w", err)
	}

	// Hard check failures block the job outright. Inconclusive checks are
	// warnings only; the job proceeds and the dispatcher sorts out any
	// lie the warnings were hiding.
	if verr := verification.ErrorList(); len(verr) > 0 {
		for _, msg := range verr {
			job.AppendError(msg)
		}
		job.Status = models.JobFailed
		if uerr := o.jobs.Update(ctx, job); uerr != nil {
			return nil, uerr
		}
		o.metrics.JobsFailedTotal.Inc()
		o.logger.Warn("job blocked by pre-creation verification",
			"job_id", job.ID, "account_id", req.AccountID, "errors", verr)
		return job, nil
	}
	if warns := verification.WarningList(); len(warns) > 0 {
		o.logger.Warn("verification inconclusive, proceeding",
			"job_id", job.ID, "warnings", warns)
	}

	if err := o.allocateSlots(ctx, job, req); err != nil {
		job.AppendError(err.Error())
		job.Status = models.JobFailed
		if uerr := o.jobs.Update(ctx, job); uerr != nil {
			o.logger.Error("failed to persist job failure", "job_id", job.ID, "error", uerr)
		}
		return nil, fmt.Errorf("failed to allocate slots: %w", err)
	}

	job.Status = models.JobInProgress
	if err := o.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	o.metrics.JobsStartedTotal.Inc()
	o.logger.Info("job started",
		"job_id", job.ID, "account_id", req.AccountID,
		"adsets", len(req.AdSets), "ads", len(req.Ads))

	o.triggerDrive(job.ID)
	return job, nil
}

// allocateSlots writes the slot ledger: slot 0 for the campaign, one slot
// per ad set and per ad. The unique index on (job_id, slot_number,
// entity_type) backstops any allocation race.
func (o *Orchestrator) allocateSlots(ctx context.Context, job *models.Job, req *StartRequest) error {
	payload, err := json.Marshal(req.Campaign)
	if err != nil {
		return err
	}
	parent := &models.Slot{
		JobID:      job.ID,
		SlotNumber: 0,
		EntityType: models.EntityCampaign,
		Name:       req.Campaign.Name,
		Payload:    string(payload),
	}
	if err := o.slots.Create(ctx, parent); err != nil {
		return err
	}

	for i, adset := range req.AdSets {
		payload, err := json.Marshal(adset)
		if err != nil {
			return err
		}
		slot := &models.Slot{
			JobID:      job.ID,
			SlotNumber: i + 1,
			EntityType: models.EntityAdSet,
			Name:       adset.Name,
			Payload:    string(payload),
		}
		if err := o.slots.Create(ctx, slot); err != nil {
			return err
		}
	}

	for i, ad := range req.Ads {
		payload, err := json.Marshal(ad)
		if err != nil {
			return err
		}
		slot := &models.Slot{
			JobID:      job.ID,
			SlotNumber: i + 1,
			EntityType: models.EntityAd,
			Name:       ad.Name,
			Payload:    string(payload),
		}
		if err := o.slots.Create(ctx, slot); err != nil {
			return err
		}
	}
	return nil
}

// JobStatus returns the job and its slot ledger. Pollable at any time
// without blocking the drive loop.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	slots, err := o.slots.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobDetail{Job: job, Slots: slots}, nil
}

// ListJobs returns jobs matching the filter.
func (o *Orchestrator) ListJobs(ctx context.Context, filter models.JobListFilter) ([]models.Job, error) {
	return o.jobs.List(ctx, filter)
}

// CancelJob cooperatively stops a job: the drive loop checks job status
// between slots, and the job's still-queued requests are cancelled.
// Entities already created are kept; cancellation is not rollback.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, ErrJobTerminal
	}

	if err := o.jobs.RecordError(ctx, jobID, "cancelled by operator"); err != nil {
		return nil, err
	}
	if err := o.jobs.SetStatus(ctx, jobID, models.JobFailed); err != nil {
		return nil, err
	}
	if n, err := o.requests.CancelByJob(ctx, jobID); err != nil {
		o.logger.Error("failed to cancel queued requests", "job_id", jobID, "error", err)
	} else if n > 0 {
		o.logger.Info("cancelled queued requests", "job_id", jobID, "count", n)
	}
	o.metrics.JobsFailedTotal.Inc()
	o.logger.Info("job cancelled", "job_id", jobID)
	return o.jobs.GetByID(ctx, jobID)
}

// HandleResult is the queue processor's terminal-state callback. It moves
// the owning slot forward and re-triggers the drive so dependent slots
// (ads behind a queued ad set) get their turn.
func (o *Orchestrator) HandleResult(ctx context.Context, req *models.QueuedRequest, entityID string, dispatchErr error) {
	if req.SlotID == "" {
		return
	}
	slot, err := o.slots.GetByID(ctx, req.SlotID)
	if err != nil || slot == nil {
		o.logger.Error("queued result for unknown slot", "slot_id", req.SlotID, "error", err)
		return
	}
	job, err := o.jobs.GetByID(ctx, slot.JobID)
	if err != nil || job == nil {
		o.logger.Error("queued result for unknown job", "job_id", slot.JobID, "error", err)
		return
	}

	if dispatchErr == nil {
		o.completeSlot(ctx, job, slot, entityID)
		o.triggerDrive(job.ID)
		return
	}

	// The queue gave up on this slot; treat it as a permanent slot failure.
	o.failSlot(ctx, job, slot, dispatchErr, true)
	o.triggerDrive(job.ID)
}

// SlotRemoteID reports the remote entity already recorded for a slot. The
// queue consults this before executing a parked request so an entity that
// exists is never created a second time.
func (o *Orchestrator) SlotRemoteID(ctx context.Context, slotID string) (string, bool) {
	slot, err := o.slots.GetByID(ctx, slotID)
	if err != nil || slot == nil || !slot.Satisfied() {
		return "", false
	}
	return slot.RemoteID, true
}

// completeSlot marks a slot created and advances job progress.
func (o *Orchestrator) completeSlot(ctx context.Context, job *models.Job, slot *models.Slot, entityID string) {
	claimed, err := o.slots.MarkCreated(ctx, slot.ID, entityID)
	if err != nil {
		o.logger.Error("failed to mark slot created", "slot_id", slot.ID, "error", err)
		return
	}
	if !claimed {
		// Another path already recorded this entity.
		return
	}
	slot.RemoteID = entityID
	slot.Status = models.SlotCreated
	o.metrics.SlotsCreatedTotal.WithLabelValues(string(slot.EntityType)).Inc()

	if slot.EntityType == models.EntityCampaign {
		job.ParentRemoteID = entityID
		if err := o.jobs.SetParentRemoteID(ctx, job.ID, entityID); err != nil {
			o.logger.Error("failed to record parent entity id", "job_id", job.ID, "error", err)
		}
	} else {
		if err := o.jobs.IncrementChildrenCreated(ctx, job.ID); err != nil {
			o.logger.Error("failed to advance job progress", "job_id", job.ID, "error", err)
		}
	}

	o.logger.Info("slot created",
		"job_id", job.ID, "slot", slot.SlotNumber,
		"entity_type", slot.EntityType, "remote_id", entityID)
}

// failSlot marks one failed creation attempt. Terminal failures go to the
// failure ledger; transient ones do not, since a later pass may still
// succeed.
func (o *Orchestrator) failSlot(ctx context.Context, job *models.Job, slot *models.Slot, cause error, terminal bool) {
	if err := o.slots.MarkFailed(ctx, slot.ID, cause.Error()); err != nil {
		o.logger.Error("failed to mark slot failed", "slot_id", slot.ID, "error", err)
	}
	slot.Status = models.SlotFailed
	slot.RetryCount++
	slot.Error = cause.Error()
	if terminal || slot.RetryCount >= o.cfg.SlotRetryCap {
		o.recordFailure(ctx, job, slot, cause)
	}
	msg := fmt.Sprintf("%s slot %d: %v", slot.EntityType, slot.SlotNumber, cause)
	if err := o.jobs.RecordError(ctx, job.ID, msg); err != nil {
		o.logger.Error("failed to persist job error", "job_id", job.ID, "error", err)
	}
}
