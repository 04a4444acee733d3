package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsleopard/dispatch-engine/internal/model"
	"github.com/smsleopard/dispatch-engine/internal/store"
)

func job(campaignID, contactID int, at time.Time) model.DispatchJob {
	return model.DispatchJob{
		CampaignID:    campaignID,
		ContactID:     contactID,
		ScheduledTime: at,
		BatchNumber:   1,
		CompanyID:     1,
		CreatedBy:     1,
	}
}

func TestMemoryEnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryWorkStore()
	now := time.Now()

	require.NoError(t, s.Enqueue(ctx, job(1, 1, now)))
	require.NoError(t, s.Enqueue(ctx, job(1, 1, now.Add(time.Hour))))

	sizes, err := s.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sizes.Pending)

	// a popped (in-flight) job also blocks re-insert
	jobs, err := s.PopDue(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, s.Enqueue(ctx, job(1, 1, now)))
	sizes, err = s.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sizes.Pending)
	assert.Equal(t, 1, sizes.InFlight)
}

func TestMemoryPopDueOrderAndCutoff(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryWorkStore()
	now := time.Now()

	require.NoError(t, s.Enqueue(ctx, job(1, 3, now.Add(-time.Second))))
	require.NoError(t, s.Enqueue(ctx, job(1, 1, now.Add(-3*time.Second))))
	require.NoError(t, s.Enqueue(ctx, job(1, 2, now.Add(-2*time.Second))))
	require.NoError(t, s.Enqueue(ctx, job(1, 4, now.Add(time.Hour)))) // not due

	jobs, err := s.PopDue(ctx, 2, now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[0].ContactID)
	assert.Equal(t, 2, jobs[1].ContactID)

	jobs, err = s.PopDue(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].ContactID)
}

func TestMemoryPopDueConcurrentNoDuplicates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryWorkStore()
	now := time.Now()

	const total = 100
	for i := 0; i < total; i++ {
		require.NoError(t, s.Enqueue(ctx, job(1, i, now.Add(-time.Minute))))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := s.PopDue(ctx, 7, now)
				if !assert.NoError(t, err) {
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.Key()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for key, n := range seen {
		assert.Equal(t, 1, n, "job %s popped more than once", key)
	}
}

func TestMemoryRequeueAndFail(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryWorkStore()
	now := time.Now()

	require.NoError(t, s.Enqueue(ctx, job(1, 1, now.Add(-time.Second))))
	require.NoError(t, s.Enqueue(ctx, job(1, 2, now.Add(-time.Second))))

	jobs, err := s.PopDue(ctx, 2, now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	require.NoError(t, s.Requeue(ctx, jobs[0], now.Add(time.Minute)))
	require.NoError(t, s.FailInFlight(ctx, jobs[1], "delivery rejected"))

	sizes, err := s.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Sizes{Pending: 1, InFlight: 0, Errors: 1}, sizes)

	entries := s.ErrorEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "delivery rejected", entries[0].Reason)
	require.NotNil(t, entries[0].Job)
	assert.Equal(t, 2, entries[0].Job.ContactID)

	// requeued job carries the new time
	requeued, err := s.PopDue(ctx, 1, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, 1, requeued[0].ContactID)
	assert.Equal(t, now.Add(time.Minute).Unix(), requeued[0].ScheduledTime.Unix())
}

func TestMemoryRemoveCampaign(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryWorkStore()
	now := time.Now()

	require.NoError(t, s.Enqueue(ctx, job(1, 1, now)))
	require.NoError(t, s.Enqueue(ctx, job(1, 2, now)))
	require.NoError(t, s.Enqueue(ctx, job(2, 3, now)))

	removed, err := s.RemoveCampaign(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	sizes, err := s.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sizes.Pending)
}

func TestMemoryStaleInFlight(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryWorkStore()
	claimedAt := time.Now().Add(-10 * time.Minute)

	require.NoError(t, s.Enqueue(ctx, job(1, 1, claimedAt)))
	_, err := s.PopDue(ctx, 1, claimedAt)
	require.NoError(t, err)

	stale, err := s.StaleInFlight(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 1, stale[0].ContactID)

	fresh, err := s.StaleInFlight(ctx, time.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestMemoryStateStoreGrowTotal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStateStore()

	require.NoError(t, s.Create(ctx, model.CampaignState{
		CampaignID:    1,
		Status:        model.StatusActive,
		TotalContacts: 5,
		CreatedAt:     time.Now(),
	}))

	require.NoError(t, s.GrowTotal(ctx, 1, 8))
	st, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, st.TotalContacts)

	// raise-only: a stale caller cannot shrink the total
	require.NoError(t, s.GrowTotal(ctx, 1, 3))
	st, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, st.TotalContacts)

	assert.Error(t, s.GrowTotal(ctx, 99, 10))
}

func TestMemoryStateStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStateStore()
	now := time.Now()

	require.NoError(t, s.Create(ctx, model.CampaignState{
		CampaignID:    1,
		Status:        model.StatusActive,
		TotalContacts: 2,
		CreatedAt:     now,
	}))

	st, err := s.IncrProcessed(ctx, 1, 1, now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, st.Status)
	assert.Equal(t, 1, st.ProcessedContacts)

	st, err = s.IncrProcessed(ctx, 1, 1, now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.Status)
	assert.Equal(t, 2, st.ProcessedContacts)

	// terminal status never regresses
	err = s.SetStatus(ctx, 1, model.StatusActive)
	assert.Error(t, err)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}
