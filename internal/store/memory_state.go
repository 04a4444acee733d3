package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smsleopard/dispatch-engine/internal/apperrors"
	"github.com/smsleopard/dispatch-engine/internal/model"
)

// MemoryStateStore implements StateStore for tests and local development.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[int]model.CampaignState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[int]model.CampaignState)}
}

func (s *MemoryStateStore) Create(_ context.Context, state model.CampaignState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.CampaignID] = state
	return nil
}

func (s *MemoryStateStore) Get(_ context.Context, campaignID int) (model.CampaignState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[campaignID]
	if !ok {
		return model.CampaignState{}, apperrors.NewCampaignNotFound(campaignID)
	}
	return state, nil
}

func (s *MemoryStateStore) IncrProcessed(_ context.Context, campaignID, delta int, now time.Time) (model.CampaignState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[campaignID]
	if !ok {
		return model.CampaignState{}, apperrors.NewCampaignNotFound(campaignID)
	}
	state.ProcessedContacts += delta
	state.LastProcessedTime = now
	if state.ProcessedContacts >= state.TotalContacts && state.Status == model.StatusActive {
		state.Status = model.StatusCompleted
	}
	s.states[campaignID] = state
	return state, nil
}

func (s *MemoryStateStore) SetStatus(_ context.Context, campaignID int, status model.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[campaignID]
	if !ok {
		return apperrors.NewCampaignNotFound(campaignID)
	}
	if state.Status.Terminal() && status != state.Status {
		return &apperrors.ErrInvalidTransition{CampaignID: campaignID, From: state.Status.String(), To: status.String()}
	}
	state.Status = status
	s.states[campaignID] = state
	return nil
}

func (s *MemoryStateStore) SetCurrentBatch(_ context.Context, campaignID, batch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[campaignID]
	if !ok {
		return apperrors.NewCampaignNotFound(campaignID)
	}
	if batch > state.CurrentBatch {
		state.CurrentBatch = batch
		s.states[campaignID] = state
	}
	return nil
}

func (s *MemoryStateStore) GrowTotal(_ context.Context, campaignID, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[campaignID]
	if !ok {
		return apperrors.NewCampaignNotFound(campaignID)
	}
	if total > state.TotalContacts {
		state.TotalContacts = total
		s.states[campaignID] = state
	}
	return nil
}

func (s *MemoryStateStore) List(_ context.Context) ([]model.CampaignState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.CampaignState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}

func (s *MemoryStateStore) Delete(_ context.Context, campaignID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, campaignID)
	return nil
}

var _ StateStore = (*MemoryStateStore)(nil)
