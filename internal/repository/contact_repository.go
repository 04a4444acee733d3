package repository

import (
	"database/sql"
	"time"

	"github.com/smsleopard/dispatch-engine/internal/model"
)

// ContactStore is the slice of the contact subsystem the engine consumes.
// The engine only ever writes SENT or FAILED over PENDING; every other
// status belongs to other subsystems.
type ContactStore interface {
	GetByID(id int) (*model.Contact, error)
	FindPending(campaignID int) ([]model.Contact, error)
	UpdateStatus(contactID int, status model.ContactStatus, at time.Time) error
	CountByStatus(campaignID int) (map[string]int, error)
}

// ContactRepository is the Postgres implementation.
type ContactRepository struct {
	DB *sql.DB
}

func (r *ContactRepository) GetByID(id int) (*model.Contact, error) {
	query := `
        SELECT id, company_id, campaign_id, phone, first_name, last_name, location, preferred_product, status
        FROM contacts
        WHERE id = $1
    `
	var c model.Contact
	err := r.DB.QueryRow(query, id).Scan(
		&c.ID, &c.CompanyID, &c.CampaignID, &c.Phone,
		&c.FirstName, &c.LastName, &c.Location, &c.PreferredProduct, &c.Status,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // not found
		}
		return nil, err
	}
	return &c, nil
}

func (r *ContactRepository) FindPending(campaignID int) ([]model.Contact, error) {
	query := `
        SELECT id, company_id, campaign_id, phone, first_name, last_name, location, preferred_product, status
        FROM contacts
        WHERE campaign_id = $1 AND status = 'PENDING'
        ORDER BY id
    `
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(
			&c.ID, &c.CompanyID, &c.CampaignID, &c.Phone,
			&c.FirstName, &c.LastName, &c.Location, &c.PreferredProduct, &c.Status,
		); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *ContactRepository) UpdateStatus(contactID int, status model.ContactStatus, at time.Time) error {
	query := `UPDATE contacts SET status=$1, status_updated_at=$2 WHERE id=$3`
	_, err := r.DB.Exec(query, status.String(), at, contactID)
	return err
}

func (r *ContactRepository) CountByStatus(campaignID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM contacts WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{"PENDING": 0, "SENT": 0, "FAILED": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

var _ ContactStore = (*ContactRepository)(nil)
