package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/smsleopard/dispatch-engine/internal/metrics"
	"github.com/smsleopard/dispatch-engine/internal/store"
)

// Reaper periodically repairs inconsistent in-flight state: jobs whose claim
// is older than the processing timeout are assumed orphaned by a dead or
// wedged process and are requeued for immediate reprocessing.
//
// The claim timestamp is the primary signal. The in-flight vs active-task
// count gap is kept only as a secondary warning; it can false-positive under
// burst load, so it never triggers a requeue on its own.
type Reaper struct {
	work     store.WorkStore
	sink     metrics.Sink
	log      zerolog.Logger
	interval time.Duration
	timeout  time.Duration
	slack    int
	active   func() int
}

func NewReaper(work store.WorkStore, sink metrics.Sink, log zerolog.Logger, interval, timeout time.Duration, slack int, active func() int) *Reaper {
	return &Reaper{
		work:     work,
		sink:     sink,
		log:      log.With().Str("component", "reaper").Logger(),
		interval: interval,
		timeout:  timeout,
		slack:    slack,
		active:   active,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	r.log.Info().Dur("interval", r.interval).Dur("timeout", r.timeout).Msg("reaper started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Reap(ctx, now)
		}
	}
}

// Reap runs one recovery pass. Exported for tests and manual ticks.
func (r *Reaper) Reap(ctx context.Context, now time.Time) {
	stale, err := r.work.StaleInFlight(ctx, now.Add(-r.timeout))
	if err != nil {
		r.log.Error().Err(err).Msg("stale scan failed")
		return
	}

	for _, job := range stale {
		// Requeue is atomic in the store, so two reapers racing on the same
		// job still move it exactly once.
		if err := r.work.Requeue(ctx, job, now); err != nil {
			r.log.Error().Err(err).Str("job", job.Key()).Msg("requeue stale job failed")
			continue
		}
		r.sink.IncCounter(metrics.CounterRecovered, 1)
		r.log.Warn().
			Str("job", job.Key()).
			Time("scheduled", job.ScheduledTime).
			Msg("recovered stuck in-flight job")
	}

	if r.active == nil {
		return
	}
	sizes, err := r.work.SnapshotSizes(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("snapshot sizes failed")
		return
	}
	if gap := sizes.InFlight - r.active(); gap > r.slack {
		r.log.Warn().
			Int("in_flight", sizes.InFlight).
			Int("active_tasks", r.active()).
			Int("slack", r.slack).
			Msg("in-flight count exceeds active tasks; claims will age out via timeout")
	}
}
