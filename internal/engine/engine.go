// Package engine is the operational facade over the dispatch core: campaign
// activation, pause/resume/cancel and the stats surface. Every mutation is
// tenant-checked against the requesting company before it touches shared
// state.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/smsleopard/dispatch-engine/internal/apperrors"
	"github.com/smsleopard/dispatch-engine/internal/config"
	"github.com/smsleopard/dispatch-engine/internal/dispatch"
	"github.com/smsleopard/dispatch-engine/internal/metrics"
	"github.com/smsleopard/dispatch-engine/internal/model"
	"github.com/smsleopard/dispatch-engine/internal/repository"
	"github.com/smsleopard/dispatch-engine/internal/scheduler"
	"github.com/smsleopard/dispatch-engine/internal/store"
)

type Engine struct {
	work       store.WorkStore
	state      store.StateStore
	contacts   repository.ContactStore
	campaigns  repository.CampaignStore
	sink       metrics.Sink
	log        zerolog.Logger
	cfg        config.Dispatch
	dispatcher *dispatch.Dispatcher
}

func New(
	work store.WorkStore,
	state store.StateStore,
	contacts repository.ContactStore,
	campaigns repository.CampaignStore,
	sink metrics.Sink,
	log zerolog.Logger,
	cfg config.Dispatch,
) *Engine {
	return &Engine{
		work:      work,
		state:     state,
		contacts:  contacts,
		campaigns: campaigns,
		sink:      sink,
		log:       log.With().Str("component", "engine").Logger(),
		cfg:       cfg,
	}
}

// AttachDispatcher wires a running dispatcher in so global stats can report
// live permit and task counts.
func (e *Engine) AttachDispatcher(d *dispatch.Dispatcher) {
	e.dispatcher = d
}

func (e *Engine) schedulerParams(campaign *model.Campaign) scheduler.Params {
	return scheduler.Params{
		BatchSize:  e.cfg.BatchSize,
		BatchPause: e.cfg.BatchPause,
		Profile:    scheduler.ProfileByName(campaign.DelayProfile),
	}
}

// authorize loads the campaign and validates tenant ownership. A mismatch is
// a security-relevant event: logged, counted, and never retried.
func (e *Engine) authorize(companyID, campaignID int) (*model.Campaign, error) {
	campaign, err := e.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.CompanyID != companyID {
		e.log.Warn().
			Int("campaign", campaignID).
			Int("owner_company", campaign.CompanyID).
			Int("request_company", companyID).
			Msg("tenant mismatch rejected")
		e.sink.IncCounter(metrics.CounterRejected, 1)
		return nil, apperrors.NewTenantMismatch(campaignID, campaign.CompanyID, companyID)
	}
	return campaign, nil
}

// EnqueueCampaign activates a campaign: schedules every PENDING contact into
// jittered batches and inserts the jobs into the work store. Re-activating
// an ACTIVE or PAUSED campaign is harmless; job inserts are idempotent, the
// existing progress state is kept, and contacts added since activation
// extend the run's total. A COMPLETED or CANCELED run is immutable and is
// rejected; re-activation requires deleting its state first. Returns the
// number of contacts scheduled.
func (e *Engine) EnqueueCampaign(ctx context.Context, companyID, campaignID int) (int, error) {
	campaign, err := e.authorize(companyID, campaignID)
	if err != nil {
		return 0, err
	}

	st, err := e.state.Get(ctx, campaignID)
	tracked := true
	if err != nil {
		var notFound *apperrors.ErrCampaignNotFound
		if !errors.As(err, &notFound) {
			return 0, err
		}
		tracked = false
	}
	if tracked && st.Status.Terminal() {
		return 0, &apperrors.ErrInvalidTransition{
			CampaignID: campaignID,
			From:       st.Status.String(),
			To:         model.StatusActive.String(),
		}
	}

	pending, err := e.contacts.FindPending(campaignID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		e.log.Info().Int("campaign", campaignID).Msg("no pending contacts, nothing to enqueue")
		return 0, nil
	}

	contactIDs := make([]int, len(pending))
	for i, c := range pending {
		contactIDs[i] = c.ID
	}

	now := time.Now()
	jobs := scheduler.Schedule(campaignID, companyID, campaign.CreatedBy, contactIDs, now, e.schedulerParams(campaign))
	queued := 0
	for _, job := range jobs {
		if err := e.work.Enqueue(ctx, job); err != nil {
			e.log.Error().Err(err).Str("job", job.Key()).Msg("enqueue failed")
			continue
		}
		queued++
	}

	if !tracked {
		if err := e.state.Create(ctx, model.CampaignState{
			CampaignID:    campaignID,
			Status:        model.StatusActive,
			TotalContacts: len(jobs),
			CurrentBatch:  1,
			CreatedAt:     now,
		}); err != nil {
			return queued, err
		}
	} else {
		if st.Status == model.StatusPaused {
			if err := e.state.SetStatus(ctx, campaignID, model.StatusActive); err != nil {
				return queued, err
			}
		}
		if err := e.state.GrowTotal(ctx, campaignID, st.ProcessedContacts+len(jobs)); err != nil {
			e.log.Error().Err(err).Int("campaign", campaignID).Msg("grow total failed")
		}
	}

	if err := e.campaigns.UpdateStatus(campaignID, "active"); err != nil {
		e.log.Error().Err(err).Int("campaign", campaignID).Msg("update campaign status failed")
	}

	e.log.Info().
		Int("campaign", campaignID).
		Int("queued", queued).
		Int("batches", jobs[len(jobs)-1].BatchNumber).
		Msg("campaign enqueued")
	return queued, nil
}

// PauseCampaign removes the campaign's pending jobs; in-flight sends finish
// normally.
func (e *Engine) PauseCampaign(ctx context.Context, companyID, campaignID int) error {
	if _, err := e.authorize(companyID, campaignID); err != nil {
		return err
	}

	removed, err := e.work.RemoveCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := e.state.SetStatus(ctx, campaignID, model.StatusPaused); err != nil {
		return err
	}
	if err := e.campaigns.UpdateStatus(campaignID, "paused"); err != nil {
		e.log.Error().Err(err).Int("campaign", campaignID).Msg("update campaign status failed")
	}

	e.log.Info().Int("campaign", campaignID).Int("removed", removed).Msg("campaign paused")
	return nil
}

// ResumeCampaign re-runs the batch scheduler over the contacts still
// PENDING and flips the campaign back to ACTIVE.
func (e *Engine) ResumeCampaign(ctx context.Context, companyID, campaignID int) (int, error) {
	campaign, err := e.authorize(companyID, campaignID)
	if err != nil {
		return 0, err
	}
	st, err := e.state.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if err := e.state.SetStatus(ctx, campaignID, model.StatusActive); err != nil {
		return 0, err
	}

	pending, err := e.contacts.FindPending(campaignID)
	if err != nil {
		return 0, err
	}
	contactIDs := make([]int, len(pending))
	for i, c := range pending {
		contactIDs[i] = c.ID
	}

	jobs := scheduler.Schedule(campaignID, companyID, campaign.CreatedBy, contactIDs, time.Now(), e.schedulerParams(campaign))
	queued := 0
	for _, job := range jobs {
		if err := e.work.Enqueue(ctx, job); err != nil {
			e.log.Error().Err(err).Str("job", job.Key()).Msg("enqueue failed")
			continue
		}
		queued++
	}

	if err := e.state.GrowTotal(ctx, campaignID, st.ProcessedContacts+len(jobs)); err != nil {
		e.log.Error().Err(err).Int("campaign", campaignID).Msg("grow total failed")
	}

	if err := e.campaigns.UpdateStatus(campaignID, "active"); err != nil {
		e.log.Error().Err(err).Int("campaign", campaignID).Msg("update campaign status failed")
	}

	e.log.Info().Int("campaign", campaignID).Int("queued", queued).Msg("campaign resumed")
	return queued, nil
}

// CancelCampaign drops pending jobs and marks the run CANCELED. Terminal:
// the campaign cannot be resumed afterwards.
func (e *Engine) CancelCampaign(ctx context.Context, companyID, campaignID int) error {
	if _, err := e.authorize(companyID, campaignID); err != nil {
		return err
	}

	removed, err := e.work.RemoveCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := e.state.SetStatus(ctx, campaignID, model.StatusCanceled); err != nil {
		return err
	}
	if err := e.campaigns.UpdateStatus(campaignID, "canceled"); err != nil {
		e.log.Error().Err(err).Int("campaign", campaignID).Msg("update campaign status failed")
	}

	e.log.Info().Int("campaign", campaignID).Int("removed", removed).Msg("campaign canceled")
	return nil
}

// QueueStats is the per-campaign progress view.
type QueueStats struct {
	CampaignID          int       `json:"campaign_id"`
	Status              string    `json:"status"`
	Total               int       `json:"total"`
	Processed           int       `json:"processed"`
	CurrentBatch        int       `json:"current_batch"`
	ProgressPct         float64   `json:"progress_pct"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
}

func (e *Engine) QueueStats(ctx context.Context, companyID, campaignID int) (QueueStats, error) {
	campaign, err := e.authorize(companyID, campaignID)
	if err != nil {
		return QueueStats{}, err
	}
	st, err := e.state.Get(ctx, campaignID)
	if err != nil {
		return QueueStats{}, err
	}

	remaining := st.TotalContacts - st.ProcessedContacts
	if remaining < 0 {
		remaining = 0
	}
	eta := scheduler.EstimateCompletion(remaining, e.schedulerParams(campaign))

	return QueueStats{
		CampaignID:          campaignID,
		Status:              st.Status.String(),
		Total:               st.TotalContacts,
		Processed:           st.ProcessedContacts,
		CurrentBatch:        st.CurrentBatch,
		ProgressPct:         st.ProgressPct(),
		EstimatedCompletion: time.Now().Add(eta),
	}, nil
}

// GlobalStats is the engine-wide view for dashboards.
type GlobalStats struct {
	QueueSize       int             `json:"queue_size"`
	InFlight        int             `json:"in_flight"`
	Errors          int             `json:"errors"`
	ActiveCampaigns int             `json:"active_campaigns"`
	Dispatcher      *dispatch.Stats `json:"dispatcher,omitempty"`
}

func (e *Engine) GlobalStats(ctx context.Context) (GlobalStats, error) {
	sizes, err := e.work.SnapshotSizes(ctx)
	if err != nil {
		return GlobalStats{}, err
	}
	states, err := e.state.List(ctx)
	if err != nil {
		return GlobalStats{}, err
	}

	active := 0
	for _, st := range states {
		if st.Status == model.StatusActive {
			active++
		}
	}

	out := GlobalStats{
		QueueSize:       sizes.Pending,
		InFlight:        sizes.InFlight,
		Errors:          sizes.Errors,
		ActiveCampaigns: active,
	}
	if e.dispatcher != nil {
		s := e.dispatcher.Stats()
		out.Dispatcher = &s
	}
	return out, nil
}

// CampaignStatistics surfaces terminal contact counts for a campaign:
// every contact ends up in exactly one of SENT, FAILED or PENDING.
func (e *Engine) CampaignStatistics(ctx context.Context, companyID, campaignID int) (map[string]int, error) {
	if _, err := e.authorize(companyID, campaignID); err != nil {
		return nil, err
	}
	counts, err := e.contacts.CountByStatus(campaignID)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	counts["total"] = total
	return counts, nil
}
