package dispatch

import (
	"context"
	"time"

	"github.com/smsleopard/dispatch-engine/internal/metrics"
)

// Shutdown drains the dispatcher: no new cycles start, in-flight sends get a
// bounded window to finish, the rest are canceled, and every job still
// recorded in-flight goes back to the work store so the next process picks
// it up immediately. Safe to call once; Run returns as a side effect.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.drainOnce.Do(func() { d.drain(timeout) })
}

func (d *Dispatcher) drain(timeout time.Duration) {
	d.startConsumer()

	d.log.Info().Dur("timeout", timeout).Msg("drain started")

	// Take the cycle permit so a cycle that raced the stop signal finishes
	// and no new one can start. Cycles are short; cap the wait regardless.
	cycleCtx, cancelCycle := context.WithTimeout(context.Background(), 5*time.Second)
	if err := d.cycle.Acquire(cycleCtx, 1); err != nil {
		d.log.Warn().Err(err).Msg("cycle permit not drained, proceeding")
	}
	cancelCycle()

	// Bounded wait for in-flight sends: acquiring every permit means every
	// completion has been fully applied.
	waitCtx, cancelWait := context.WithTimeout(context.Background(), timeout)
	defer cancelWait()
	if err := d.permits.acquireAll(waitCtx); err != nil {
		d.log.Warn().
			Int("active_tasks", int(d.active.Load())).
			Msg("drain timeout reached, canceling remaining sends")
		d.cancelSends()
	}

	d.sendWG.Wait()
	close(d.completions)
	<-d.consumerDone

	// Whatever is still claimed belongs to nobody now; hand it back.
	ctx := context.Background()
	now := time.Now()
	remaining, err := d.work.AllInFlight(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("in-flight scan during drain failed")
	}
	for _, job := range remaining {
		if err := d.work.Requeue(ctx, job, now); err != nil {
			d.log.Error().Err(err).Str("job", job.Key()).Msg("requeue during drain failed")
			continue
		}
		d.sink.IncCounter(metrics.CounterRequeued, 1)
	}

	sizes, err := d.work.SnapshotSizes(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("final snapshot failed")
		return
	}
	d.log.Info().
		Int("requeued", len(remaining)).
		Int("pending", sizes.Pending).
		Int("errors", sizes.Errors).
		Int("active_tasks", int(d.active.Load())).
		Msg("drain finished")
}
