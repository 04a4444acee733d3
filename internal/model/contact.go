package model

// ContactStatus is owned by the contact store. The dispatch engine may only
// transition PENDING to SENT or PENDING to FAILED; every other status is a
// read-only input and a due job for such a contact is silently skipped.
type ContactStatus string

const (
	ContactPending   ContactStatus = "PENDING"
	ContactSent      ContactStatus = "SENT"
	ContactFailed    ContactStatus = "FAILED"
	ContactResponded ContactStatus = "RESPONDED"
	ContactOptOut    ContactStatus = "OPT_OUT"
	ContactConverted ContactStatus = "CONVERTED"
)

func (s ContactStatus) String() string { return string(s) }

type Contact struct {
	ID               int           `db:"id" json:"id"`
	CompanyID        int           `db:"company_id" json:"company_id"`
	CampaignID       int           `db:"campaign_id" json:"campaign_id"`
	Phone            string        `db:"phone" json:"phone"`
	FirstName        string        `db:"first_name" json:"first_name"`
	LastName         string        `db:"last_name" json:"last_name"`
	Location         string        `db:"location" json:"location"`
	PreferredProduct string        `db:"preferred_product" json:"preferred_product"`
	Status           ContactStatus `db:"status" json:"status"`
}
