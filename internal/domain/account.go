package domain

import "time"

// Account is the principal that owns bindings, records, and runs.
// New accounts start inactive until an administrator activates them.
type Account struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	Name      string    `gorm:"type:text;not null;default:''" json:"name"`
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string {
	return "accounts"
}
