package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignActive, CampaignPaused, CampaignCompleted:
		return true
	}
	return false
}

// Dispatchable reports whether due jobs of a campaign in this status may be
// sent. Draft and paused campaigns hold their jobs untouched.
func (s CampaignStatus) Dispatchable() bool {
	return s != CampaignDraft && s != CampaignPaused
}

// Campaign is a drip sequence: an ordered list of steps sent to every
// enrolled contact.
type Campaign struct {
	ID         string         `json:"id" db:"id"`
	Name       string         `json:"name" db:"name"`
	Status     CampaignStatus `json:"status" db:"status"`
	LaunchedAt *time.Time     `json:"launched_at" db:"launched_at"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted
}

// StepDefinition is the template and send time for position Step of a
// campaign's sequence. Step numbers start at 1.
type StepDefinition struct {
	ID              string     `json:"id" db:"id"`
	CampaignID      string     `json:"campaign_id" db:"campaign_id"`
	Step            int        `json:"step" db:"step"`
	SubjectTemplate string     `json:"subject_template" db:"subject_template"`
	BodyTemplate    string     `json:"body_template" db:"body_template"`
	ScheduledAt     *time.Time `json:"scheduled_at" db:"scheduled_at"`
}
