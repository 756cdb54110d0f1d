package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ImportedRecord is one unit of imported data. (AccountID, SourceName, SourceID)
// is unique and is the de-duplication key.
type ImportedRecord struct {
	ID              string            `gorm:"type:text;primaryKey" json:"id"`
	AccountID       string            `gorm:"type:text;not null;uniqueIndex:idx_record_identity" json:"account_id"`
	SourceName      string            `gorm:"type:text;not null;uniqueIndex:idx_record_identity" json:"source_name"`
	SourceID        string            `gorm:"type:text;not null;uniqueIndex:idx_record_identity" json:"source_id"`
	Kind            string            `gorm:"type:text;not null" json:"kind"`
	Title           string            `gorm:"type:text" json:"title,omitempty"`
	Content         string            `gorm:"type:text" json:"content,omitempty"`
	Metadata        datatypes.JSONMap `gorm:"type:text" json:"metadata,omitempty"`
	SourceTimestamp *time.Time        `json:"source_timestamp,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TableName returns the database table name for ImportedRecord.
func (ImportedRecord) TableName() string {
	return "imported_records"
}

// MetadataString reads a string-valued metadata key. Missing keys, nil
// metadata, and non-string values all yield "".
func (r *ImportedRecord) MetadataString(key string) string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	v, ok := r.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// RecordFields are the mutable fields of an ImportedRecord, overwritten on update.
type RecordFields struct {
	Kind            string
	Title           string
	Content         string
	Metadata        map[string]interface{}
	SourceTimestamp *time.Time
}
