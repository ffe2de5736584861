package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/dispatch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/platform"
)

// passOutcome summarizes one drive pass over a job's slot ledger.
type passOutcome int

const (
	// passDone means the job reached a terminal state.
	passDone passOutcome = iota
	// passWaiting means at least one slot is parked in the request queue;
	// the queue callback will re-trigger the drive.
	passWaiting
	// passRetry means transiently failed slots were requeued for another
	// pass.
	passRetry
)

// slotOutcome is the result of one creation attempt for a slot.
type slotOutcome int

const (
	slotDone slotOutcome = iota
	slotQueued
	slotRetryable
	slotPermanent
	slotStopped
)

// retryPassDelay spaces out drive passes when slots failed transiently so
// a flapping upstream is not hammered in a tight loop.
const retryPassDelay = 2 * time.Second

// triggerDrive starts an asynchronous drive for the job unless one is
// already running. Drives are serialized per job; the slot ledger makes a
// skipped trigger harmless because the running drive or the next queue
// callback picks up the same state.
func (o *Orchestrator) triggerDrive(jobID string) {
	o.mu.Lock()
	if o.driving[jobID] {
		o.mu.Unlock()
		return
	}
	o.driving[jobID] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.driving, jobID)
			o.mu.Unlock()
		}()
		if err := o.DriveJob(o.ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("drive failed", "job_id", jobID, "error", err)
		}
	}()
}

// DriveJob runs drive passes until the job is terminal or parked on the
// request queue. Safe to invoke on a job in any state; satisfied slots are
// skipped, so re-driving never duplicates remote entities.
func (o *Orchestrator) DriveJob(ctx context.Context, jobID string) error {
	for {
		outcome, err := o.drivePass(ctx, jobID)
		if err != nil {
			return err
		}
		switch outcome {
		case passRetry:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryPassDelay):
			}
		default:
			return nil
		}
	}
}

// drivePass walks the slot ledger once: parent first, then ad sets, then
// ads, children bounded by the fan-out limit. Ads whose ad set is not yet
// created are left for a later pass.
func (o *Orchestrator) drivePass(ctx context.Context, jobID string) (passOutcome, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return passDone, err
	}
	if job == nil {
		return passDone, ErrJobNotFound
	}
	if job.Status != models.JobInProgress {
		return passDone, nil
	}

	slots, err := o.slots.ListByJob(ctx, jobID)
	if err != nil {
		return passDone, err
	}

	var parent *models.Slot
	var adsets, ads []*models.Slot
	for i := range slots {
		s := &slots[i]
		switch s.EntityType {
		case models.EntityCampaign:
			parent = s
		case models.EntityAdSet:
			adsets = append(adsets, s)
		case models.EntityAd:
			ads = append(ads, s)
		}
	}
	if parent == nil {
		return passDone, fmt.Errorf("job %s has no campaign slot", jobID)
	}

	// Slots with a live queued request belong to the queue until its
	// callback lands; dispatching them again would create the entity twice.
	parked, err := o.requests.LiveSlotIDs(ctx, jobID)
	if err != nil {
		return passDone, err
	}

	// The parent must exist remotely before any child references it.
	if !parent.Satisfied() {
		if parked[parent.ID] {
			// The campaign is already on the request queue; its callback
			// resumes the drive.
			return passWaiting, nil
		}
		switch o.driveSlot(ctx, job, parent, nil) {
		case slotQueued:
			return passWaiting, nil
		case slotStopped:
			return passDone, nil
		case slotPermanent:
			// No child attempts are made when the campaign itself cannot
			// be created.
			return passDone, o.failJob(ctx, job, "campaign creation failed permanently")
		case slotRetryable:
			return o.afterFailedPass(ctx, job)
		}
		// Reload so children see the parent's remote id.
		job, err = o.jobs.GetByID(ctx, jobID)
		if err != nil || job == nil {
			return passDone, err
		}
	}

	queued, retryable, permanent := o.driveChildren(ctx, job, models.EntityAdSet, adsets, adsets, parked)
	q2, r2, p2 := o.driveChildren(ctx, job, models.EntityAd, ads, adsets, parked)
	queued += q2
	retryable += r2
	permanent += p2

	if permanent > 0 {
		return passDone, o.failJob(ctx, job,
			fmt.Sprintf("%d child entities failed permanently", permanent))
	}
	if queued > 0 {
		return passWaiting, nil
	}
	if retryable > 0 {
		return o.afterFailedPass(ctx, job)
	}
	return passDone, o.finalize(ctx, job.ID)
}

// driveChildren drives one phase of child slots with bounded concurrency.
// adsetSlots is needed when driving ads so each ad can resolve the remote
// id of its owning ad set.
func (o *Orchestrator) driveChildren(ctx context.Context, job *models.Job, kind models.EntityType,
	children, adsetSlots []*models.Slot, parked map[string]bool) (queued, retryable, permanent int) {

	type result struct{ outcome slotOutcome }
	sem := make(chan struct{}, o.cfg.FanOut)
	results := make(chan result, len(children))
	launched := 0

	for _, slot := range children {
		if slot.Satisfied() || slot.Status == models.SlotRolledBack {
			continue
		}
		if parked[slot.ID] {
			// The queue owns this slot until its request resolves.
			queued++
			continue
		}
		if kind == models.EntityAd {
			owner := owningAdSet(slot, adsetSlots)
			if owner == nil || !owner.Satisfied() {
				// The ad set is still queued or failed; this ad waits.
				if owner != nil && (parked[owner.ID] || owner.Status == models.SlotCreating) {
					queued++
				} else {
					retryable++
				}
				continue
			}
		}

		slot := slot
		launched++
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			results <- result{o.driveSlot(ctx, job, slot, adsetSlots)}
		}()
	}

	for i := 0; i < launched; i++ {
		switch r := <-results; r.outcome {
		case slotQueued:
			queued++
		case slotRetryable:
			retryable++
		case slotPermanent:
			permanent++
		case slotStopped:
			retryable++
		}
	}
	return queued, retryable, permanent
}

// driveSlot makes one creation attempt for a slot through the dispatcher.
func (o *Orchestrator) driveSlot(ctx context.Context, job *models.Job, slot *models.Slot,
	adsetSlots []*models.Slot) slotOutcome {

	// Cooperative cancellation: a cancel or parallel failure flips the job
	// out of in_progress and remaining slots stand down.
	current, err := o.jobs.GetByID(ctx, job.ID)
	if err != nil || current == nil || current.Status != models.JobInProgress {
		return slotStopped
	}
	if slot.Satisfied() {
		return slotDone
	}
	if slot.RetryCount >= o.cfg.SlotRetryCap {
		o.logger.Warn("slot retry cap reached",
			"job_id", job.ID, "slot", slot.SlotNumber, "entity_type", slot.EntityType)
		return slotPermanent
	}

	payload, err := o.buildPayload(job, slot, adsetSlots)
	if err != nil {
		o.failSlot(ctx, job, slot, err, true)
		return slotPermanent
	}
	if err := o.slots.MarkCreating(ctx, slot.ID); err != nil {
		o.logger.Error("failed to mark slot creating", "slot_id", slot.ID, "error", err)
		return slotRetryable
	}

	res, err := o.dispatcher.Dispatch(ctx, &dispatch.Request{
		UserID:       job.Owner,
		AccountID:    job.AccountID,
		AccountGroup: job.AccountGroup,
		Action:       actionFor(slot.EntityType),
		Payload:      payload,
		Priority:     priorityFor(slot.EntityType),
		JobID:        job.ID,
		SlotID:       slot.ID,
	})
	switch {
	case err == nil && res.Queued:
		o.logger.Info("slot parked on request queue",
			"job_id", job.ID, "slot", slot.SlotNumber,
			"entity_type", slot.EntityType, "request_id", res.RequestID,
			"retry_after", res.RetryAfter)
		return slotQueued
	case err == nil:
		o.completeSlot(ctx, job, slot, res.EntityID)
		return slotDone
	}

	var exhausted *dispatch.AllExhaustedError
	if errors.As(err, &exhausted) {
		// Every credential is spent. Park the slot explicitly so the work
		// is not lost, then wait for the queue to pick it back up.
		o.parkExhausted(ctx, job, slot, payload, exhausted)
		return slotQueued
	}

	var entityErr *platform.EntityError
	if errors.As(err, &entityErr) {
		o.failSlot(ctx, job, slot, err, true)
		return slotPermanent
	}

	o.failSlot(ctx, job, slot, err, false)
	return slotRetryable
}

// buildPayload injects parent remote ids into the stored slot payload just
// before dispatch.
func (o *Orchestrator) buildPayload(job *models.Job, slot *models.Slot, adsetSlots []*models.Slot) (json.RawMessage, error) {
	switch slot.EntityType {
	case models.EntityCampaign:
		return json.RawMessage(slot.Payload), nil
	case models.EntityAdSet:
		var p models.AdSetPayload
		if err := json.Unmarshal([]byte(slot.Payload), &p); err != nil {
			return nil, fmt.Errorf("ad set slot %d payload: %w", slot.SlotNumber, err)
		}
		p.CampaignID = job.ParentRemoteID
		return json.Marshal(p)
	case models.EntityAd:
		owner := owningAdSet(slot, adsetSlots)
		if owner == nil || !owner.Satisfied() {
			return nil, fmt.Errorf("ad slot %d has no created ad set", slot.SlotNumber)
		}
		var p models.AdPayload
		if err := json.Unmarshal([]byte(slot.Payload), &p); err != nil {
			return nil, fmt.Errorf("ad slot %d payload: %w", slot.SlotNumber, err)
		}
		p.AdSetID = owner.RemoteID
		return json.Marshal(p)
	}
	return nil, fmt.Errorf("unknown entity type %q", slot.EntityType)
}

// owningAdSet maps an ad slot to its ad set. Ads are distributed round
// robin over the job's ad sets by slot number.
func owningAdSet(ad *models.Slot, adsetSlots []*models.Slot) *models.Slot {
	if len(adsetSlots) == 0 {
		return nil
	}
	want := ((ad.SlotNumber - 1) % len(adsetSlots)) + 1
	for _, s := range adsetSlots {
		if s.SlotNumber == want {
			return s
		}
	}
	return nil
}

// parkExhausted enqueues a slot directly when every credential is spent,
// so the backlog drains as soon as the earliest window resets.
func (o *Orchestrator) parkExhausted(ctx context.Context, job *models.Job, slot *models.Slot,
	payload json.RawMessage, exhausted *dispatch.AllExhaustedError) {

	queued := &models.QueuedRequest{
		UserID:       job.Owner,
		AccountID:    job.AccountID,
		AccountGroup: job.AccountGroup,
		Action:       actionFor(slot.EntityType),
		Payload:      string(payload),
		Priority:     priorityFor(slot.EntityType),
		ProcessAfter: time.Now().Add(exhausted.RetryAfter),
		JobID:        job.ID,
		SlotID:       slot.ID,
		LastError:    exhausted.Error(),
	}
	if err := o.requests.Create(ctx, queued); err != nil {
		o.logger.Error("failed to park exhausted slot",
			"job_id", job.ID, "slot_id", slot.ID, "error", err)
		return
	}
	o.logger.Warn("all credentials exhausted, slot parked",
		"job_id", job.ID, "slot", slot.SlotNumber,
		"retry_after", exhausted.RetryAfter, "request_id", queued.ID)
}

// afterFailedPass spends one unit of the job's retry budget and decides
// whether another pass runs.
func (o *Orchestrator) afterFailedPass(ctx context.Context, job *models.Job) (passOutcome, error) {
	retries, err := o.jobs.IncrementRetryCount(ctx, job.ID)
	if err != nil {
		return passDone, err
	}
	if retries >= job.RetryBudget {
		return passDone, o.failJob(ctx, job, "retry budget exhausted")
	}

	// Put transiently failed slots back in play for the next pass.
	slots, err := o.slots.ListByJob(ctx, job.ID)
	if err != nil {
		return passDone, err
	}
	for i := range slots {
		s := &slots[i]
		if s.Status == models.SlotFailed && s.RetryCount < o.cfg.SlotRetryCap {
			if err := o.slots.Requeue(ctx, s.ID); err != nil {
				o.logger.Error("failed to requeue slot", "slot_id", s.ID, "error", err)
			}
		}
	}
	o.logger.Info("retrying failed slots",
		"job_id", job.ID, "retry", retries, "budget", job.RetryBudget)
	return passRetry, nil
}

// finalize marks the job completed when every slot is satisfied. Called
// after a clean pass and after queue callbacks land.
func (o *Orchestrator) finalize(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	if job.Status != models.JobInProgress {
		return nil
	}
	slots, err := o.slots.ListByJob(ctx, jobID)
	if err != nil {
		return err
	}
	for i := range slots {
		if !slots[i].Satisfied() {
			return nil
		}
	}
	if err := o.jobs.SetStatus(ctx, jobID, models.JobCompleted); err != nil {
		return err
	}
	o.metrics.JobsCompletedTotal.Inc()
	o.logger.Info("job completed",
		"job_id", jobID, "children", job.RequestedChildren())
	return nil
}

func actionFor(kind models.EntityType) models.ActionType {
	switch kind {
	case models.EntityAdSet:
		return models.ActionCreateAdSet
	case models.EntityAd:
		return models.ActionCreateAd
	default:
		return models.ActionCreateCampaign
	}
}

// priorityFor orders queued work so parents drain before their children.
func priorityFor(kind models.EntityType) int {
	switch kind {
	case models.EntityCampaign:
		return models.PriorityHighest
	case models.EntityAdSet:
		return 2
	default:
		return 3
	}
}
