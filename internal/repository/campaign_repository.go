package repository

import (
	"database/sql"
	"time"

	"github.com/smsleopard/dispatch-engine/internal/apperrors"
	"github.com/smsleopard/dispatch-engine/internal/model"
)

// CampaignStore is the slice of the campaign subsystem the engine consumes.
type CampaignStore interface {
	GetByID(id int) (*model.Campaign, error)
	UpdateStatus(campaignID int, status string) error
	UpdateContactsReached(campaignID, delta int) error
}

// CampaignRepository is the Postgres implementation.
type CampaignRepository struct {
	DB *sql.DB
}

func (r *CampaignRepository) GetByID(id int) (*model.Campaign, error) {
	query := `
        SELECT id, company_id, name, status, message_template, delay_profile,
               total_contacts, contacts_reached, created_by, created_at
        FROM campaigns
        WHERE id = $1
    `
	var c model.Campaign
	err := r.DB.QueryRow(query, id).Scan(
		&c.ID, &c.CompanyID, &c.Name, &c.Status, &c.MessageTemplate, &c.DelayProfile,
		&c.TotalContacts, &c.ContactsReached, &c.CreatedBy, &c.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) UpdateStatus(campaignID int, status string) error {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3`
	_, err := r.DB.Exec(query, status, time.Now(), campaignID)
	return err
}

// UpdateContactsReached bumps the reached counter atomically in SQL; the
// completion consumer may be racing with other replicas.
func (r *CampaignRepository) UpdateContactsReached(campaignID, delta int) error {
	query := `UPDATE campaigns SET contacts_reached = contacts_reached + $1, updated_at=$2 WHERE id=$3`
	_, err := r.DB.Exec(query, delta, time.Now(), campaignID)
	return err
}

var _ CampaignStore = (*CampaignRepository)(nil)
