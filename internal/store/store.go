// Package store holds the durable, shared dispatch state: the time-ordered
// pending queue, the in-flight set and the error list, plus the per-campaign
// progress tracker. The Redis implementations are the production path; the
// in-memory ones back tests and local development.
package store

import (
	"context"
	"time"

	"github.com/smsleopard/dispatch-engine/internal/model"
)

// Sizes is a point-in-time census of the work store, for observability.
type Sizes struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Errors   int `json:"errors"`
}

// WorkStore is the correctness boundary for concurrent dispatchers. Every
// method must be atomic from the perspective of concurrent callers: PopDue
// never returns the same job twice, and Requeue moves a job exactly once.
type WorkStore interface {
	// Enqueue inserts a job keyed by (campaignId, contactId). If a live
	// copy already exists in pending or in-flight, the call is a no-op.
	Enqueue(ctx context.Context, job model.DispatchJob) error

	// PopDue atomically removes and returns up to maxCount jobs whose
	// scheduled time is <= now, recording each in the in-flight set with a
	// claim timestamp.
	PopDue(ctx context.Context, maxCount int, now time.Time) ([]model.DispatchJob, error)

	// CompleteInFlight removes a terminally handled job from the in-flight set.
	CompleteInFlight(ctx context.Context, job model.DispatchJob) error

	// FailInFlight moves a job from the in-flight set to the error list.
	FailInFlight(ctx context.Context, job model.DispatchJob, reason string) error

	// Requeue removes the job from the in-flight set (if present) and
	// re-inserts it into pending at the given time, unless a live pending
	// copy already exists.
	Requeue(ctx context.Context, job model.DispatchJob, at time.Time) error

	// RemoveCampaign drops all pending jobs of a campaign and reports how
	// many were removed. In-flight jobs are left to finish.
	RemoveCampaign(ctx context.Context, campaignID int) (int, error)

	// StaleInFlight returns in-flight jobs claimed before the given cutoff.
	StaleInFlight(ctx context.Context, olderThan time.Time) ([]model.DispatchJob, error)

	// AllInFlight returns every in-flight job. Used by the shutdown drain.
	AllInFlight(ctx context.Context) ([]model.DispatchJob, error)

	SnapshotSizes(ctx context.Context) (Sizes, error)
}

// StateStore tracks per-campaign dispatch progress. IncrProcessed and
// SetStatus must be atomic; concurrent completions race on the processed
// counter and terminal statuses must never regress.
type StateStore interface {
	Create(ctx context.Context, state model.CampaignState) error
	Get(ctx context.Context, campaignID int) (model.CampaignState, error)

	// IncrProcessed bumps the processed counter and the last-processed
	// timestamp, flipping status to COMPLETED exactly when processed
	// reaches total on an ACTIVE campaign. Returns the resulting state.
	IncrProcessed(ctx context.Context, campaignID, delta int, now time.Time) (model.CampaignState, error)

	// SetStatus transitions the campaign lifecycle. Transitions away from a
	// terminal status return ErrInvalidTransition.
	SetStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error

	// SetCurrentBatch records the highest batch seen so far; lower values
	// are ignored.
	SetCurrentBatch(ctx context.Context, campaignID, batch int) error

	// GrowTotal raises totalContacts to at least total, admitting contacts
	// added after activation. Lower values are ignored so the processed
	// counter can never overtake the total.
	GrowTotal(ctx context.Context, campaignID, total int) error
	List(ctx context.Context) ([]model.CampaignState, error)
	Delete(ctx context.Context, campaignID int) error
}

// ErrorEntry is what lands on the error list: the job (or the raw bytes, if
// it never decoded) plus the reason it was parked.
type ErrorEntry struct {
	Job      *model.DispatchJob `json:"job,omitempty"`
	Raw      string             `json:"raw,omitempty"`
	Reason   string             `json:"reason"`
	FailedAt time.Time          `json:"failedAt"`
}
