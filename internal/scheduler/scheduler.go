// Package scheduler computes jittered dispatch times for a campaign's
// contacts: fixed-size batches, a long pause between batches, and a
// randomized short delay between messages inside a batch. The jitter keeps
// send timing irregular enough not to trip provider rate-limit heuristics.
package scheduler

import (
	"math/rand"
	"time"

	"github.com/smsleopard/dispatch-engine/internal/model"
)

// DelayProfile bounds the random inter-message delay inside a batch.
type DelayProfile struct {
	Name     string
	MinDelay time.Duration
	MaxDelay time.Duration
}

var (
	// Conservative is the default profile for fresh sender numbers.
	Conservative = DelayProfile{Name: "conservative", MinDelay: 30 * time.Second, MaxDelay: 60 * time.Second}
	// Experienced is for warmed-up numbers with established reputation.
	Experienced = DelayProfile{Name: "experienced", MinDelay: 5 * time.Second, MaxDelay: 10 * time.Second}
)

// ProfileByName resolves a campaign's configured profile, defaulting to
// Conservative for unknown names.
func ProfileByName(name string) DelayProfile {
	if name == Experienced.Name {
		return Experienced
	}
	return Conservative
}

// Params configures one scheduling run. Rand may be nil, in which case the
// shared package source is used; tests pass a seeded one.
type Params struct {
	BatchSize  int
	BatchPause time.Duration
	Profile    DelayProfile
	Rand       *rand.Rand
}

// Schedule assigns a dispatch time to every contact. Batch b (1-indexed)
// starts one BatchPause after the previous batch's last message; inside a
// batch each message follows the previous one by a uniform random delay from
// the profile, so timestamps are strictly increasing. An empty contact list
// yields an empty schedule.
func Schedule(campaignID, companyID, createdBy int, contactIDs []int, now time.Time, p Params) []model.DispatchJob {
	if len(contactIDs) == 0 {
		return nil
	}
	if p.BatchSize < 1 {
		p.BatchSize = 20
	}

	jobs := make([]model.DispatchJob, 0, len(contactIDs))
	at := now
	for i, contactID := range contactIDs {
		batch := i/p.BatchSize + 1
		posInBatch := i % p.BatchSize
		switch {
		case i == 0:
			// first message goes out at activation time
		case posInBatch == 0:
			at = at.Add(p.BatchPause)
		default:
			at = at.Add(randomDelay(p))
		}
		jobs = append(jobs, model.DispatchJob{
			CampaignID:    campaignID,
			ContactID:     contactID,
			ScheduledTime: at,
			BatchNumber:   batch,
			CompanyID:     companyID,
			CreatedBy:     createdBy,
		})
	}
	return jobs
}

func randomDelay(p Params) time.Duration {
	min, max := p.Profile.MinDelay, p.Profile.MaxDelay
	if max <= min {
		return min
	}
	span := max - min
	var n int64
	if p.Rand != nil {
		n = p.Rand.Int63n(int64(span))
	} else {
		n = rand.Int63n(int64(span))
	}
	return min + time.Duration(n)
}

// EstimateCompletion predicts how long a campaign of total contacts takes to
// drain: every batch runs for batchSize mean delays, with a pause between
// consecutive batches.
func EstimateCompletion(total int, p Params) time.Duration {
	if total == 0 {
		return 0
	}
	if p.BatchSize < 1 {
		p.BatchSize = 20
	}
	batches := (total + p.BatchSize - 1) / p.BatchSize
	mean := (p.Profile.MinDelay + p.Profile.MaxDelay) / 2
	return time.Duration(batches)*(time.Duration(p.BatchSize)*mean) + time.Duration(batches-1)*p.BatchPause
}
