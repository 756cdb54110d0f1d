package domain

import (
	"time"
	"unicode/utf8"
)

// RunStatus represents the lifecycle state of an import run.
// Values include RunStatusRunning, RunStatusSuccess, and RunStatusError.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusError
}

const (
	// MaxErrorMessageLen bounds stored error messages.
	MaxErrorMessageLen = 200

	// InterruptedMessage is recorded on runs found running at startup.
	InterruptedMessage = "Import interrupted by restart"

	// StartingMessage is the progress message of a freshly opened run.
	StartingMessage = "Starting import..."
)

// ImportRun is one execution of the import pipeline for (AccountID, SourceName).
type ImportRun struct {
	ID              string     `gorm:"type:text;primaryKey" json:"id"`
	AccountID       string     `gorm:"type:text;not null;index:idx_run_account_source_started,priority:1" json:"account_id"`
	SourceName      string     `gorm:"type:text;not null;index:idx_run_account_source_started,priority:2" json:"source_name"`
	Status          RunStatus  `gorm:"type:text;not null" json:"status"`
	StartedAt       time.Time  `gorm:"not null;index:idx_run_account_source_started,priority:3" json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	RecordsImported int        `gorm:"not null;default:0" json:"records_imported"`
	RecordsFailed   int        `gorm:"not null;default:0" json:"records_failed"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message,omitempty"`
	ProgressCurrent int        `gorm:"not null;default:0" json:"progress_current"`
	ProgressTotal   int        `gorm:"not null;default:0" json:"progress_total"`
	ProgressMessage string     `gorm:"type:text" json:"progress_message"`
}

// TableName returns the database table name for ImportRun.
func (ImportRun) TableName() string {
	return "import_runs"
}

// ProgressPercent is floor(100*current/total), or 0 when total is not set.
func (r *ImportRun) ProgressPercent() int {
	if r.ProgressTotal <= 0 || r.ProgressCurrent <= 0 {
		return 0
	}
	pct := r.ProgressCurrent * 100 / r.ProgressTotal
	if pct > 100 {
		return 100
	}
	return pct
}

// TruncateMessage cuts msg to at most max runes.
func TruncateMessage(msg string, max int) string {
	if max <= 0 || utf8.RuneCountInString(msg) <= max {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:max])
}
