package apperrors

import "fmt"

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrTenantMismatch is a security-relevant rejection: the requesting company
// does not own the campaign or job it tried to touch.
type ErrTenantMismatch struct {
	CampaignID int
	Want       int
	Got        int
}

func (e *ErrTenantMismatch) Error() string {
	return fmt.Sprintf("campaign %d belongs to company %d, request came from company %d", e.CampaignID, e.Want, e.Got)
}

func NewTenantMismatch(campaignID, want, got int) error {
	return &ErrTenantMismatch{CampaignID: campaignID, Want: want, Got: got}
}

// ErrCorruptJob wraps a persisted work-store entry that failed to decode.
// Such entries are moved to the error list, never silently dropped.
type ErrCorruptJob struct {
	Raw string
	Err error
}

func (e *ErrCorruptJob) Error() string {
	return fmt.Sprintf("corrupt dispatch job %q: %v", e.Raw, e.Err)
}

func (e *ErrCorruptJob) Unwrap() error { return e.Err }

// ErrInvalidTransition is returned when a campaign state change would
// regress a terminal status.
type ErrInvalidTransition struct {
	CampaignID int
	From, To   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("campaign %d: invalid status transition %s -> %s", e.CampaignID, e.From, e.To)
}
