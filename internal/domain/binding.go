package domain

import (
	"time"

	"gorm.io/datatypes"
)

// SourceBinding links an account to one source adapter. Config is a free-form
// document interpreted only by the adapter.
type SourceBinding struct {
	ID         uint              `gorm:"primaryKey" json:"-"`
	AccountID  string            `gorm:"type:text;not null;uniqueIndex:idx_binding_account_source" json:"account_id"`
	SourceName string            `gorm:"type:text;not null;uniqueIndex:idx_binding_account_source" json:"source_name"`
	Config     datatypes.JSONMap `gorm:"type:text" json:"config"`
	Enabled    bool              `gorm:"not null" json:"enabled"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TableName returns the database table name for SourceBinding.
func (SourceBinding) TableName() string {
	return "source_bindings"
}

// ConfigMap returns the binding config as a plain map, never nil.
func (b *SourceBinding) ConfigMap() map[string]interface{} {
	if b == nil || b.Config == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}(b.Config)
}
