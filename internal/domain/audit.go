package domain

import "time"

// RiskLevel classifies the severity of an audit event.
type RiskLevel string

// Audit risk levels, lowest to highest.
const (
	RiskInfo     RiskLevel = "info"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AuditEventType tags the subsystem an audit event originates from.
type AuditEventType string

// Audit event types emitted by the relay core.
const (
	AuditWebhookRelay      AuditEventType = "webhook_relay"
	AuditFileDownload      AuditEventType = "webhook_file_download"
	AuditIndirectInjection AuditEventType = "indirect_injection"
)

// AuditEvent describes one auditable occurrence. It is passed by value to the
// audit sink; Details is a free-form map serialized by the sink.
type AuditEvent struct {
	Type      AuditEventType
	Action    string
	Result    string
	RiskLevel RiskLevel
	Details   map[string]any
}

// AuditRecord is the persisted form of an AuditEvent, one row per event.
// Details holds the JSON-encoded detail map.
type AuditRecord struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Type      string    `gorm:"type:TEXT NOT NULL;index"`
	Action    string    `gorm:"type:TEXT NOT NULL"`
	Result    string    `gorm:"type:TEXT NOT NULL"`
	RiskLevel string    `gorm:"type:TEXT NOT NULL;index"`
	Details   string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime;index"`
}

// TableName implements the GORM tabler interface.
func (AuditRecord) TableName() string { return "audit_events" }
