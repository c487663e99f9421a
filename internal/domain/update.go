package domain

import "time"

// ProcessedUpdate records a webhook update that has already been relayed,
// keyed by (source, update_id). Telegram redelivers updates that are not
// acknowledged quickly, so the webhook handler consults this table to skip
// re-processing within the configured TTL window.
type ProcessedUpdate struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Source    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_source_update,priority:1"`
	UpdateID  int64     `gorm:"type:INTEGER NOT NULL;uniqueIndex:ux_source_update,priority:2"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedUpdate) TableName() string { return "processed_updates" }
