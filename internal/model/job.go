package model

import (
	"fmt"
	"time"
)

// DispatchJob is one scheduled send: a single contact of a single campaign,
// due at ScheduledTime. Jobs are persisted in the work store exactly in this
// JSON shape.
type DispatchJob struct {
	CampaignID    int       `json:"campaignId"`
	ContactID     int       `json:"contactId"`
	ScheduledTime time.Time `json:"scheduledTime"`
	BatchNumber   int       `json:"batchNumber"`
	CompanyID     int       `json:"companyId"`
	CreatedBy     int       `json:"createdBy"`
}

// Key identifies the live copy of a job. At most one entry per key may exist
// across the pending queue and the in-flight set.
func (j DispatchJob) Key() string {
	return fmt.Sprintf("%d:%d", j.CampaignID, j.ContactID)
}
