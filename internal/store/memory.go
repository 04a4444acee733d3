package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smsleopard/dispatch-engine/internal/model"
)

// MemoryWorkStore implements WorkStore behind a single mutex. It mirrors the
// Redis store's semantics and backs tests and local development.
type MemoryWorkStore struct {
	mu       sync.Mutex
	pending  map[string]model.DispatchJob
	inflight map[string]inFlightEntry
	errors   []ErrorEntry
}

type inFlightEntry struct {
	Job       model.DispatchJob `json:"job"`
	ClaimedAt time.Time         `json:"claimedAt"`
}

func NewMemoryWorkStore() *MemoryWorkStore {
	return &MemoryWorkStore{
		pending:  make(map[string]model.DispatchJob),
		inflight: make(map[string]inFlightEntry),
	}
}

func (s *MemoryWorkStore) Enqueue(_ context.Context, job model.DispatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := job.Key()
	if _, ok := s.pending[key]; ok {
		return nil
	}
	if _, ok := s.inflight[key]; ok {
		return nil
	}
	s.pending[key] = job
	return nil
}

func (s *MemoryWorkStore) PopDue(_ context.Context, maxCount int, now time.Time) ([]model.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]model.DispatchJob, 0, maxCount)
	for _, job := range s.pending {
		if !job.ScheduledTime.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledTime.Before(due[j].ScheduledTime)
	})
	if len(due) > maxCount {
		due = due[:maxCount]
	}

	for _, job := range due {
		key := job.Key()
		delete(s.pending, key)
		s.inflight[key] = inFlightEntry{Job: job, ClaimedAt: now}
	}
	return due, nil
}

func (s *MemoryWorkStore) CompleteInFlight(_ context.Context, job model.DispatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, job.Key())
	return nil
}

func (s *MemoryWorkStore) FailInFlight(_ context.Context, job model.DispatchJob, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := job.Key()
	if _, ok := s.inflight[key]; !ok {
		return nil
	}
	delete(s.inflight, key)
	j := job
	s.errors = append(s.errors, ErrorEntry{Job: &j, Reason: reason, FailedAt: time.Now()})
	return nil
}

func (s *MemoryWorkStore) Requeue(_ context.Context, job model.DispatchJob, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := job.Key()
	delete(s.inflight, key)
	if _, ok := s.pending[key]; ok {
		return nil
	}
	job.ScheduledTime = at
	s.pending[key] = job
	return nil
}

func (s *MemoryWorkStore) RemoveCampaign(_ context.Context, campaignID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strconv.Itoa(campaignID) + ":"
	removed := 0
	for key := range s.pending {
		if strings.HasPrefix(key, prefix) {
			delete(s.pending, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryWorkStore) StaleInFlight(_ context.Context, olderThan time.Time) ([]model.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []model.DispatchJob
	for _, entry := range s.inflight {
		if entry.ClaimedAt.Before(olderThan) {
			stale = append(stale, entry.Job)
		}
	}
	return stale, nil
}

func (s *MemoryWorkStore) AllInFlight(_ context.Context) ([]model.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]model.DispatchJob, 0, len(s.inflight))
	for _, entry := range s.inflight {
		jobs = append(jobs, entry.Job)
	}
	return jobs, nil
}

func (s *MemoryWorkStore) SnapshotSizes(_ context.Context) (Sizes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Sizes{Pending: len(s.pending), InFlight: len(s.inflight), Errors: len(s.errors)}, nil
}

// ErrorEntries returns a copy of the error list, oldest first.
func (s *MemoryWorkStore) ErrorEntries() []ErrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrorEntry, len(s.errors))
	copy(out, s.errors)
	return out
}

var _ WorkStore = (*MemoryWorkStore)(nil)
