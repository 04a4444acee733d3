package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsleopard/dispatch-engine/internal/apperrors"
	"github.com/smsleopard/dispatch-engine/internal/config"
	"github.com/smsleopard/dispatch-engine/internal/engine"
	"github.com/smsleopard/dispatch-engine/internal/metrics"
	"github.com/smsleopard/dispatch-engine/internal/model"
	"github.com/smsleopard/dispatch-engine/internal/store"
)

const (
	campaignID = 7
	companyID  = 3
)

type fakeContactStore struct {
	mu       sync.Mutex
	contacts map[int]*model.Contact
}

func newFakeContactStore(n int) *fakeContactStore {
	f := &fakeContactStore{contacts: make(map[int]*model.Contact)}
	for i := 1; i <= n; i++ {
		f.contacts[i] = &model.Contact{
			ID:         i,
			CompanyID:  companyID,
			CampaignID: campaignID,
			Phone:      "+254711000000",
			Status:     model.ContactPending,
		}
	}
	return f
}

func (f *fakeContactStore) GetByID(id int) (*model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (f *fakeContactStore) FindPending(id int) ([]model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Contact
	for i := 1; i <= len(f.contacts); i++ {
		if c := f.contacts[i]; c != nil && c.CampaignID == id && c.Status == model.ContactPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeContactStore) UpdateStatus(id int, status model.ContactStatus, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.contacts[id]; ok {
		c.Status = status
	}
	return nil
}

func (f *fakeContactStore) CountByStatus(id int) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, c := range f.contacts {
		if c.CampaignID == id {
			counts[c.Status.String()]++
		}
	}
	return counts, nil
}

func (f *fakeContactStore) addContacts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		id := len(f.contacts) + 1
		f.contacts[id] = &model.Contact{
			ID:         id,
			CompanyID:  companyID,
			CampaignID: campaignID,
			Phone:      "+254711000000",
			Status:     model.ContactPending,
		}
	}
}

func (f *fakeContactStore) markSent(ids ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.contacts[id].Status = model.ContactSent
	}
}

type fakeCampaignStore struct {
	mu        sync.Mutex
	campaigns map[int]*model.Campaign
	statuses  map[int]string
}

func newFakeCampaignStore() *fakeCampaignStore {
	return &fakeCampaignStore{
		campaigns: map[int]*model.Campaign{
			campaignID: {
				ID:              campaignID,
				CompanyID:       companyID,
				Name:            "launch",
				Status:          "draft",
				MessageTemplate: "Hello {first_name}",
				DelayProfile:    "experienced",
				CreatedBy:       1,
			},
		},
		statuses: make(map[int]string),
	}
}

func (f *fakeCampaignStore) GetByID(id int) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, apperrors.NewCampaignNotFound(id)
	}
	copied := *c
	return &copied, nil
}

func (f *fakeCampaignStore) UpdateStatus(id int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeCampaignStore) UpdateContactsReached(id, delta int) error {
	return nil
}

func (f *fakeCampaignStore) status(id int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type fixture struct {
	eng       *engine.Engine
	work      *store.MemoryWorkStore
	state     *store.MemoryStateStore
	contacts  *fakeContactStore
	campaigns *fakeCampaignStore
	sink      *metrics.AtomicSink
}

func newFixture(contacts int) *fixture {
	f := &fixture{
		work:      store.NewMemoryWorkStore(),
		state:     store.NewMemoryStateStore(),
		contacts:  newFakeContactStore(contacts),
		campaigns: newFakeCampaignStore(),
		sink:      metrics.NewAtomicSink(),
	}
	cfg := config.Dispatch{
		BatchSize:     20,
		BatchPause:    time.Hour,
		MaxConcurrent: 50,
	}
	f.eng = engine.New(f.work, f.state, f.contacts, f.campaigns, f.sink, zerolog.Nop(), cfg)
	return f
}

func TestEnqueueCampaignSchedulesPendingContacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(45)

	queued, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 45, queued)

	sizes, err := f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45, sizes.Pending)

	st, err := f.state.Get(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, st.Status)
	assert.Equal(t, 45, st.TotalContacts)
	assert.Equal(t, 0, st.ProcessedContacts)

	assert.Equal(t, "active", f.campaigns.status(campaignID))
}

func TestEnqueueCampaignNoPendingContacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(2)
	f.contacts.markSent(1, 2)

	queued, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 0, queued)

	sizes, err := f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sizes.Pending)

	_, err = f.state.Get(ctx, campaignID)
	var notFound *apperrors.ErrCampaignNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestEnqueueCampaignIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10)

	_, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)
	_, err = f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)

	sizes, err := f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, sizes.Pending)
}

func TestEnqueueCampaignRejectsCanceledRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10)

	_, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)
	_, err = f.state.IncrProcessed(ctx, campaignID, 4, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.eng.CancelCampaign(ctx, companyID, campaignID))

	_, err = f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	var invalid *apperrors.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)

	// the finished run is untouched: status, progress, and queue
	st, err := f.state.Get(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, st.Status)
	assert.Equal(t, 4, st.ProcessedContacts)

	sizes, err := f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sizes.Pending)
}

func TestEnqueueCampaignRejectsCompletedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(3)

	_, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)
	_, err = f.state.IncrProcessed(ctx, campaignID, 3, time.Now())
	require.NoError(t, err)

	_, err = f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	var invalid *apperrors.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)

	st, err := f.state.Get(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st.Status)
	assert.Equal(t, 3, st.ProcessedContacts)
}

func TestEnqueueCampaignReactivatesPausedRunKeepingProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10)

	_, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)
	_, err = f.state.IncrProcessed(ctx, campaignID, 3, time.Now())
	require.NoError(t, err)
	f.contacts.markSent(1, 2, 3)
	require.NoError(t, f.eng.PauseCampaign(ctx, companyID, campaignID))

	queued, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 7, queued)

	st, err := f.state.Get(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, st.Status)
	assert.Equal(t, 3, st.ProcessedContacts)
	assert.Equal(t, 10, st.TotalContacts)

	sizes, err := f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, sizes.Pending)
}

func TestEnqueueCampaignExtendsActiveRunWithNewContacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10)

	_, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)

	f.contacts.addContacts(2)
	_, err = f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)

	st, err := f.state.Get(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 12, st.TotalContacts)
	assert.LessOrEqual(t, st.ProcessedContacts, st.TotalContacts)

	sizes, err := f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, sizes.Pending)
}

func TestEnqueueCampaignRejectsWrongTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(5)

	_, err := f.eng.EnqueueCampaign(ctx, companyID+1, campaignID)
	var mismatch *apperrors.ErrTenantMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, companyID, mismatch.Want)
	assert.Equal(t, companyID+1, mismatch.Got)
	assert.Equal(t, int64(1), f.sink.Counter(metrics.CounterRejected))

	sizes, err := f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sizes.Pending)
}

func TestPauseAndResumeCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10)

	_, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)

	require.NoError(t, f.eng.PauseCampaign(ctx, companyID, campaignID))

	sizes, err := f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sizes.Pending)

	st, err := f.state.Get(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, st.Status)
	assert.Equal(t, "paused", f.campaigns.status(campaignID))

	// Two contacts were handled before the pause; only the rest come back.
	f.contacts.markSent(1, 2)

	queued, err := f.eng.ResumeCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 8, queued)

	sizes, err = f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, sizes.Pending)

	st, err = f.state.Get(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, st.Status)
}

func TestCancelCampaignIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10)

	_, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)

	require.NoError(t, f.eng.CancelCampaign(ctx, companyID, campaignID))

	sizes, err := f.work.SnapshotSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sizes.Pending)
	assert.Equal(t, "canceled", f.campaigns.status(campaignID))

	_, err = f.eng.ResumeCampaign(ctx, companyID, campaignID)
	var invalid *apperrors.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(45)

	_, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)

	_, err = f.state.IncrProcessed(ctx, campaignID, 9, time.Now())
	require.NoError(t, err)

	stats, err := f.eng.QueueStats(ctx, companyID, campaignID)
	require.NoError(t, err)
	assert.Equal(t, campaignID, stats.CampaignID)
	assert.Equal(t, "ACTIVE", stats.Status)
	assert.Equal(t, 45, stats.Total)
	assert.Equal(t, 9, stats.Processed)
	assert.InDelta(t, 20.0, stats.ProgressPct, 0.01)
	assert.True(t, stats.EstimatedCompletion.After(time.Now()))

	_, err = f.eng.QueueStats(ctx, companyID+1, campaignID)
	var mismatch *apperrors.ErrTenantMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestGlobalStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10)

	_, err := f.eng.EnqueueCampaign(ctx, companyID, campaignID)
	require.NoError(t, err)

	stats, err := f.eng.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.QueueSize)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 1, stats.ActiveCampaigns)
	assert.Nil(t, stats.Dispatcher)
}

func TestCampaignStatistics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(10)
	f.contacts.markSent(1, 2, 3)

	counts, err := f.eng.CampaignStatistics(ctx, companyID, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts["SENT"])
	assert.Equal(t, 7, counts["PENDING"])
	assert.Equal(t, 10, counts["total"])
}
