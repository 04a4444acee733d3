package model

import "time"

// CampaignStatus is the lifecycle state of a campaign's dispatch run.
type CampaignStatus string

const (
	StatusActive    CampaignStatus = "ACTIVE"
	StatusPaused    CampaignStatus = "PAUSED"
	StatusCompleted CampaignStatus = "COMPLETED"
	StatusCanceled  CampaignStatus = "CANCELED"
)

func (s CampaignStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether the status may never regress.
func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

func (s CampaignStatus) String() string { return string(s) }

// Campaign is the business entity owned by the campaign store. The engine
// reads it for tenant checks and templates, and only ever writes
// contacts_reached and status.
type Campaign struct {
	ID              int       `db:"id" json:"id"`
	CompanyID       int       `db:"company_id" json:"company_id"`
	Name            string    `db:"name" json:"name"`
	Status          string    `db:"status" json:"status"`
	MessageTemplate string    `db:"message_template" json:"message_template"`
	DelayProfile    string    `db:"delay_profile" json:"delay_profile"`
	TotalContacts   int       `db:"total_contacts" json:"total_contacts"`
	ContactsReached int       `db:"contacts_reached" json:"contacts_reached"`
	CreatedBy       int       `db:"created_by" json:"created_by"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// CampaignState is the per-campaign dispatch progress snapshot persisted
// alongside the work store.
type CampaignState struct {
	CampaignID        int            `json:"campaignId"`
	Status            CampaignStatus `json:"status"`
	TotalContacts     int            `json:"totalContacts"`
	ProcessedContacts int            `json:"processedContacts"`
	CurrentBatch      int            `json:"currentBatch"`
	LastProcessedTime time.Time      `json:"lastProcessedTime"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// ProgressPct returns processed/total as a percentage, 0 for an empty campaign.
func (s CampaignState) ProgressPct() float64 {
	if s.TotalContacts == 0 {
		return 0
	}
	return float64(s.ProcessedContacts) / float64(s.TotalContacts) * 100
}
