package models

import "time"

// CampaignStatusActive marks the campaign the generator schedules for by default.
const CampaignStatusActive = "active"

// Campaign is the subset of a campaign the scheduler reads.
type Campaign struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Name            string    `json:"name"`
	MessageTemplate string    `json:"message_template"`
	Status          string    `json:"status"`
	MaxRetries      *int      `json:"max_retries,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Recipient is a contact (lead) targeted by a campaign.
type Recipient struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	CampaignID string `json:"campaign_id"`
	Name       string `json:"name"`
	Company    string `json:"company"`
	Phone      string `json:"phone"`
	City       string `json:"city"`
}
