package launch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/dispatch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/platform"
)

// failJob moves the job to failed, cancels its queued work, and rolls back
// whatever was already created. When at least one entity is rolled back the
// job ends rolled_back instead of failed.
func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, reason string) error {
	if err := o.jobs.RecordError(ctx, job.ID, reason); err != nil {
		return err
	}
	if err := o.jobs.SetStatus(ctx, job.ID, models.JobFailed); err != nil {
		return err
	}
	job.Status = models.JobFailed
	o.metrics.JobsFailedTotal.Inc()
	o.logger.Warn("job failed", "job_id", job.ID, "reason", reason)

	if n, err := o.requests.CancelByJob(ctx, job.ID); err != nil {
		o.logger.Error("failed to cancel queued requests", "job_id", job.ID, "error", err)
	} else if n > 0 {
		o.logger.Info("cancelled queued requests", "job_id", job.ID, "count", n)
	}

	return o.rollbackJob(ctx, job, reason)
}

// rollbackJob deletes every entity the job created, best effort. Each
// created slot is attempted exactly once; the status guard on the slot row
// keeps a concurrent or repeated rollback from double-deleting. A delete
// that fails remotely is logged and skipped, never raised.
func (o *Orchestrator) rollbackJob(ctx context.Context, job *models.Job, reason string) error {
	claimed, err := o.jobs.MarkRollback(ctx, job.ID, reason)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	slots, err := o.slots.ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}

	rolledBack := 0
	for i := range slots {
		slot := &slots[i]
		if slot.Status != models.SlotCreated || slot.RemoteID == "" {
			continue
		}
		claimed, err := o.slots.MarkRolledBack(ctx, slot.ID)
		if err != nil {
			o.logger.Error("failed to claim slot for rollback", "slot_id", slot.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		rolledBack++
		o.deleteEntity(ctx, job, slot)
	}

	if rolledBack > 0 {
		if err := o.jobs.SetStatus(ctx, job.ID, models.JobRolledBack); err != nil {
			return err
		}
		job.Status = models.JobRolledBack
		o.metrics.JobsRolledBackTotal.Inc()
	}
	o.logger.Info("rollback finished",
		"job_id", job.ID, "rolled_back", rolledBack, "reason", reason)
	return nil
}

// deleteEntity issues the remote delete for one rolled-back slot. Deletes
// go through the dispatcher like every other call so they respect quota;
// a delete parked on the queue is still a successful rollback attempt.
func (o *Orchestrator) deleteEntity(ctx context.Context, job *models.Job, slot *models.Slot) {
	payload, err := json.Marshal(models.DeletePayload{
		EntityType: string(slot.EntityType),
		RemoteID:   slot.RemoteID,
	})
	if err != nil {
		o.logger.Error("failed to build delete payload", "slot_id", slot.ID, "error", err)
		return
	}

	res, err := o.dispatcher.Dispatch(ctx, &dispatch.Request{
		UserID:       job.Owner,
		AccountID:    job.AccountID,
		AccountGroup: job.AccountGroup,
		Action:       models.ActionDelete,
		Payload:      payload,
		Priority:     models.PriorityLowest,
		JobID:        job.ID,
	})
	switch {
	case err != nil:
		o.logger.Error("rollback delete failed",
			"job_id", job.ID, "entity_type", slot.EntityType,
			"remote_id", slot.RemoteID, "error", err)
	case res.Queued:
		o.logger.Info("rollback delete queued",
			"job_id", job.ID, "remote_id", slot.RemoteID, "request_id", res.RequestID)
	default:
		o.logger.Info("entity rolled back",
			"job_id", job.ID, "entity_type", slot.EntityType, "remote_id", slot.RemoteID)
	}
}

// recordFailure writes a failure-ledger entry for a slot that ended in
// terminal failure, preserving both the raw platform error and a reason a
// dashboard user can act on.
func (o *Orchestrator) recordFailure(ctx context.Context, job *models.Job, slot *models.Slot, cause error) {
	rec := &models.FailureRecord{
		JobID:      job.ID,
		UserID:     job.Owner,
		CampaignID: job.ParentRemoteID,
		EntityType: slot.EntityType,
		RawReason:  cause.Error(),
		UserReason: "The request could not be completed. Please try again later.",
		RetryCount: slot.RetryCount,
		Status:     models.FailureFailed,
	}

	var entityErr *platform.EntityError
	if errors.As(cause, &entityErr) {
		rec.UserReason = entityErr.UserMessage()
		rec.PlatformCode = entityErr.Code
		rec.RawPayload = entityErr.Raw
		rec.Status = models.FailurePermanent
	}

	if cerr := o.failures.Create(ctx, rec); cerr != nil {
		o.logger.Error("failed to record failure", "job_id", job.ID, "slot_id", slot.ID, "error", cerr)
		return
	}
	o.logger.Info("failure recorded",
		"job_id", job.ID, "slot", slot.SlotNumber,
		"entity_type", slot.EntityType, "failure_id", rec.ID)
}
