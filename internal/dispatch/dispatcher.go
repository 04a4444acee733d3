// Package dispatch contains the polling dispatcher, the recovery reaper and
// the shutdown drain: the runtime that moves due jobs from the work store to
// the send gateway under bounded concurrency.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/smsleopard/dispatch-engine/internal/config"
	"github.com/smsleopard/dispatch-engine/internal/gateway"
	"github.com/smsleopard/dispatch-engine/internal/metrics"
	"github.com/smsleopard/dispatch-engine/internal/model"
	"github.com/smsleopard/dispatch-engine/internal/repository"
	"github.com/smsleopard/dispatch-engine/internal/store"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeRejected
	outcomeCanceled
)

// completion travels from a send goroutine to the single completion
// consumer. Funneling all counter updates through one goroutine keeps
// concurrent completions from racing on shared state.
type completion struct {
	job     model.DispatchJob
	outcome outcome
	err     error
}

// Dispatcher polls the work store on a fixed cadence and hands due jobs to
// the send gateway. Two independent permit pools bound it: the concurrency
// limiter caps simultaneous sends, the cycle limiter keeps polling cycles
// from overlapping within one process.
type Dispatcher struct {
	work      store.WorkStore
	state     store.StateStore
	contacts  repository.ContactStore
	campaigns repository.CampaignStore
	gw        gateway.SendGateway
	sink      metrics.Sink
	log       zerolog.Logger
	cfg       config.Dispatch

	instance string
	permits  *permitPool
	cycle    *semaphore.Weighted

	sendCtx     context.Context
	cancelSends context.CancelFunc

	completions  chan completion
	consumerOnce sync.Once
	consumerDone chan struct{}

	sendWG sync.WaitGroup
	active atomic.Int64

	stopOnce  sync.Once
	drainOnce sync.Once
	stopCh    chan struct{}
}

func New(
	work store.WorkStore,
	state store.StateStore,
	contacts repository.ContactStore,
	campaigns repository.CampaignStore,
	gw gateway.SendGateway,
	sink metrics.Sink,
	log zerolog.Logger,
	cfg config.Dispatch,
) *Dispatcher {
	sendCtx, cancel := context.WithCancel(context.Background())
	instance := uuid.NewString()
	return &Dispatcher{
		work:         work,
		state:        state,
		contacts:     contacts,
		campaigns:    campaigns,
		gw:           gw,
		sink:         sink,
		log:          log.With().Str("component", "dispatcher").Str("instance", instance).Logger(),
		cfg:          cfg,
		instance:     instance,
		permits:      newPermitPool(cfg.MaxConcurrent),
		cycle:        semaphore.NewWeighted(1),
		sendCtx:      sendCtx,
		cancelSends:  cancel,
		completions:  make(chan completion, cfg.MaxConcurrent),
		consumerDone: make(chan struct{}),
		stopCh:       make(chan struct{}),
	}
}

// Run polls until ctx is canceled or Shutdown is called. It owns the
// completion consumer, so callers should run exactly one Run per Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	d.startConsumer()

	d.log.Info().
		Dur("interval", d.cfg.PollInterval).
		Int("max_concurrent", d.cfg.MaxConcurrent).
		Msg("dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			d.RunCycle(ctx, now)
		}
	}
}

func (d *Dispatcher) startConsumer() {
	d.consumerOnce.Do(func() {
		go d.consumeCompletions()
	})
}

// RunCycle executes one polling cycle. Exported so tests and manual ticks
// can drive the dispatcher without the ticker.
func (d *Dispatcher) RunCycle(ctx context.Context, now time.Time) {
	d.startConsumer()

	// At most one scanner per process; a blocked cycle is skipped, never queued.
	if !d.cycle.TryAcquire(1) {
		return
	}
	defer d.cycle.Release(1)

	available := d.cfg.BatchSize
	if free := d.permits.Available(); free < available {
		available = free
	}
	if available <= 0 {
		// Backpressure: do not pop work we cannot process.
		return
	}

	jobs, err := d.work.PopDue(ctx, available, now)
	if err != nil {
		d.log.Error().Err(err).Msg("pop due jobs failed")
		return
	}

	for _, job := range jobs {
		if !d.permits.TryAcquire() {
			// Overloaded between sizing and popping: return the job to the
			// queue for a slightly later retry rather than erroring.
			if err := d.work.Requeue(ctx, job, now); err != nil {
				d.log.Error().Err(err).Str("job", job.Key()).Msg("requeue under overload failed")
				continue
			}
			d.sink.IncCounter(metrics.CounterRequeued, 1)
			continue
		}

		d.sink.IncCounter(metrics.CounterDispatched, 1)
		d.sendWG.Add(1)
		d.active.Add(1)
		go d.send(d.sendCtx, job)
	}

	d.publishGauges(ctx)
}

// send resolves the job against the contact and campaign stores, renders the
// message and calls the gateway. It always posts exactly one completion,
// and the permit it holds is released by the completion consumer.
func (d *Dispatcher) send(ctx context.Context, job model.DispatchJob) {
	defer d.sendWG.Done()
	defer d.active.Add(-1)

	campaign, err := d.campaigns.GetByID(job.CampaignID)
	if err != nil {
		d.completions <- completion{job: job, outcome: outcomeFailed, err: err}
		return
	}
	if campaign.CompanyID != job.CompanyID {
		d.completions <- completion{job: job, outcome: outcomeRejected}
		return
	}

	contact, err := d.contacts.GetByID(job.ContactID)
	if err != nil {
		d.completions <- completion{job: job, outcome: outcomeFailed, err: err}
		return
	}
	if contact == nil || contact.Status != model.ContactPending {
		// Another subsystem moved the contact on; not ours to reprocess.
		d.completions <- completion{job: job, outcome: outcomeSkipped}
		return
	}

	msg := gateway.OutboundMessage{
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		CompanyID:  job.CompanyID,
		Phone:      contact.Phone,
		Body:       gateway.RenderTemplate(campaign.MessageTemplate, *contact),
	}

	err = d.gw.Send(ctx, msg)
	switch {
	case ctx.Err() != nil:
		// Shutdown canceled the send before it completed; the drain will
		// requeue the job, so leave it in-flight untouched.
		d.completions <- completion{job: job, outcome: outcomeCanceled, err: ctx.Err()}
	case err != nil:
		d.completions <- completion{job: job, outcome: outcomeFailed, err: err}
	default:
		d.completions <- completion{job: job, outcome: outcomeSent}
	}
}

// consumeCompletions is the single goroutine applying completion effects:
// contact status, campaign state, work store bookkeeping, permit release.
func (d *Dispatcher) consumeCompletions() {
	defer close(d.consumerDone)
	ctx := context.Background()
	for c := range d.completions {
		d.handleCompletion(ctx, c)
		d.permits.Release()
	}
}

func (d *Dispatcher) handleCompletion(ctx context.Context, c completion) {
	now := time.Now()

	switch c.outcome {
	case outcomeSent:
		if err := d.contacts.UpdateStatus(c.job.ContactID, model.ContactSent, now); err != nil {
			d.log.Error().Err(err).Str("job", c.job.Key()).Msg("mark contact sent failed")
		}
		if err := d.work.CompleteInFlight(ctx, c.job); err != nil {
			d.log.Error().Err(err).Str("job", c.job.Key()).Msg("complete in-flight failed")
		}
		if err := d.campaigns.UpdateContactsReached(c.job.CampaignID, 1); err != nil {
			d.log.Error().Err(err).Int("campaign", c.job.CampaignID).Msg("update contacts reached failed")
		}
		d.sink.IncCounter(metrics.CounterSent, 1)
		d.advanceState(ctx, c.job, now)

	case outcomeFailed:
		// Delivery failure is terminal for this job; retrying deliverability
		// is a campaign-level decision, not the engine's.
		d.log.Warn().Err(c.err).Str("job", c.job.Key()).Msg("send failed")
		if err := d.contacts.UpdateStatus(c.job.ContactID, model.ContactFailed, now); err != nil {
			d.log.Error().Err(err).Str("job", c.job.Key()).Msg("mark contact failed failed")
		}
		if err := d.work.CompleteInFlight(ctx, c.job); err != nil {
			d.log.Error().Err(err).Str("job", c.job.Key()).Msg("complete in-flight failed")
		}
		d.sink.IncCounter(metrics.CounterFailed, 1)
		d.advanceState(ctx, c.job, now)

	case outcomeSkipped:
		if err := d.work.CompleteInFlight(ctx, c.job); err != nil {
			d.log.Error().Err(err).Str("job", c.job.Key()).Msg("complete in-flight failed")
		}
		d.sink.IncCounter(metrics.CounterSkipped, 1)
		d.advanceState(ctx, c.job, now)

	case outcomeRejected:
		d.log.Warn().
			Str("job", c.job.Key()).
			Int("job_company", c.job.CompanyID).
			Msg("tenant mismatch on dispatch, job moved to error list")
		if err := d.work.FailInFlight(ctx, c.job, "tenant mismatch"); err != nil {
			d.log.Error().Err(err).Str("job", c.job.Key()).Msg("fail in-flight failed")
		}
		d.sink.IncCounter(metrics.CounterRejected, 1)

	case outcomeCanceled:
		// Leave the job in-flight; the shutdown drain requeues it.
	}
}

// advanceState records progress and flips the campaign to COMPLETED exactly
// when the last contact is processed.
func (d *Dispatcher) advanceState(ctx context.Context, job model.DispatchJob, now time.Time) {
	if err := d.state.SetCurrentBatch(ctx, job.CampaignID, job.BatchNumber); err != nil {
		d.log.Error().Err(err).Int("campaign", job.CampaignID).Msg("set current batch failed")
	}
	st, err := d.state.IncrProcessed(ctx, job.CampaignID, 1, now)
	if err != nil {
		d.log.Error().Err(err).Int("campaign", job.CampaignID).Msg("increment processed failed")
		return
	}
	if st.Status == model.StatusCompleted && st.ProcessedContacts == st.TotalContacts {
		d.log.Info().
			Int("campaign", job.CampaignID).
			Int("processed", st.ProcessedContacts).
			Msg("campaign completed")
		if err := d.campaigns.UpdateStatus(job.CampaignID, "completed"); err != nil {
			d.log.Error().Err(err).Int("campaign", job.CampaignID).Msg("update campaign status failed")
		}
	}
}

func (d *Dispatcher) publishGauges(ctx context.Context) {
	sizes, err := d.work.SnapshotSizes(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("snapshot sizes failed")
		return
	}
	d.sink.SetGauge(metrics.GaugePending, int64(sizes.Pending))
	d.sink.SetGauge(metrics.GaugeInFlight, int64(sizes.InFlight))
	d.sink.SetGauge(metrics.GaugeErrors, int64(sizes.Errors))
	d.sink.SetGauge(metrics.GaugeActiveTasks, d.active.Load())
	d.sink.SetGauge(metrics.GaugePermitsFree, int64(d.permits.Available()))
}

// Stats is a live snapshot for the global stats endpoint.
type Stats struct {
	Instance    string `json:"instance"`
	ActiveTasks int    `json:"active_tasks"`
	PermitsFree int    `json:"permits_free"`
	PermitsUsed int    `json:"permits_used"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Instance:    d.instance,
		ActiveTasks: int(d.active.Load()),
		PermitsFree: d.permits.Available(),
		PermitsUsed: d.permits.InUse(),
	}
}

// ActiveTasks reports the number of live send goroutines. The reaper uses it
// for its count-discrepancy heuristic.
func (d *Dispatcher) ActiveTasks() int {
	return int(d.active.Load())
}
