package domain

import "time"

// Contact is a person who can be enrolled into campaigns.
type Contact struct {
	ID         string            `json:"id" db:"id"`
	Email      string            `json:"email" db:"email"`
	Name       string            `json:"name" db:"name"`
	Role       string            `json:"role" db:"role"`
	Company    string            `json:"company" db:"company"`
	Category   string            `json:"category" db:"category"`
	Attributes map[string]string `json:"attributes,omitempty" db:"attributes"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// TemplateData returns the values available to subject and body templates.
// The named columns win over free-form attributes with the same key.
func (c *Contact) TemplateData() map[string]string {
	data := make(map[string]string, len(c.Attributes)+5)
	for k, v := range c.Attributes {
		data[k] = v
	}
	data["email"] = c.Email
	data["name"] = c.Name
	data["role"] = c.Role
	data["company"] = c.Company
	data["category"] = c.Category
	return data
}

// Enrollment links one contact to one campaign.
type Enrollment struct {
	ID         string    `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	ContactID  string    `json:"contact_id" db:"contact_id"`
	EnrolledAt time.Time `json:"enrolled_at" db:"enrolled_at"`

	// Contact is populated by reads that join the contact row.
	Contact *Contact `json:"contact,omitempty" db:"-"`
}
