package dispatch_test

import (
	"context"
	"sync"
	"time"

	"github.com/smsleopard/dispatch-engine/internal/apperrors"
	"github.com/smsleopard/dispatch-engine/internal/config"
	"github.com/smsleopard/dispatch-engine/internal/gateway"
	"github.com/smsleopard/dispatch-engine/internal/model"
)

// Mock repositories in the style of the service-layer tests.

type mockContactStore struct {
	mu       sync.Mutex
	contacts map[int]*model.Contact
	updates  map[int]int
}

func newMockContactStore(campaignID, companyID, n int) *mockContactStore {
	m := &mockContactStore{
		contacts: make(map[int]*model.Contact),
		updates:  make(map[int]int),
	}
	for i := 1; i <= n; i++ {
		m.contacts[i] = &model.Contact{
			ID:         i,
			CompanyID:  companyID,
			CampaignID: campaignID,
			Phone:      "+254700000000",
			FirstName:  "Contact",
			Status:     model.ContactPending,
		}
	}
	return m
}

func (m *mockContactStore) GetByID(id int) (*model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (m *mockContactStore) FindPending(campaignID int) ([]model.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Contact
	for i := 1; i <= len(m.contacts); i++ {
		c, ok := m.contacts[i]
		if ok && c.CampaignID == campaignID && c.Status == model.ContactPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *mockContactStore) UpdateStatus(contactID int, status model.ContactStatus, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contacts[contactID]; ok {
		c.Status = status
	}
	m.updates[contactID]++
	return nil
}

func (m *mockContactStore) CountByStatus(campaignID int) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{"PENDING": 0, "SENT": 0, "FAILED": 0}
	for _, c := range m.contacts {
		if c.CampaignID == campaignID {
			counts[c.Status.String()]++
		}
	}
	return counts, nil
}

func (m *mockContactStore) updateCount(contactID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[contactID]
}

func (m *mockContactStore) setStatus(contactID int, status model.ContactStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[contactID].Status = status
}

type mockCampaignStore struct {
	mu        sync.Mutex
	campaigns map[int]*model.Campaign
	reached   map[int]int
	statuses  map[int]string
}

func newMockCampaignStore(campaigns ...*model.Campaign) *mockCampaignStore {
	m := &mockCampaignStore{
		campaigns: make(map[int]*model.Campaign),
		reached:   make(map[int]int),
		statuses:  make(map[int]string),
	}
	for _, c := range campaigns {
		m.campaigns[c.ID] = c
	}
	return m
}

func (m *mockCampaignStore) GetByID(id int) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, apperrors.NewCampaignNotFound(id)
	}
	copied := *c
	return &copied, nil
}

func (m *mockCampaignStore) UpdateStatus(campaignID int, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[campaignID] = status
	return nil
}

func (m *mockCampaignStore) UpdateContactsReached(campaignID, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reached[campaignID] += delta
	return nil
}

func (m *mockCampaignStore) reachedCount(campaignID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reached[campaignID]
}

func (m *mockCampaignStore) status(campaignID int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[campaignID]
}

// blockingGateway holds every send until released, for backpressure tests.
type blockingGateway struct {
	started chan int
	release chan struct{}
}

func newBlockingGateway() *blockingGateway {
	return &blockingGateway{
		started: make(chan int, 64),
		release: make(chan struct{}),
	}
}

func (g *blockingGateway) Send(ctx context.Context, msg gateway.OutboundMessage) error {
	g.started <- msg.ContactID
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testConfig() config.Dispatch {
	return config.Dispatch{
		BatchSize:         20,
		BatchPause:        time.Second,
		PollInterval:      10 * time.Millisecond,
		ReapInterval:      time.Second,
		ProcessingTimeout: 5 * time.Minute,
		ReapSlack:         5,
		MaxConcurrent:     50,
		DrainTimeout:      time.Second,
	}
}
