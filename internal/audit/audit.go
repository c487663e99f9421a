// Package audit persists relay audit events. The sink is fire-and-forget:
// the pipeline calls Log synchronously on its hot path, so a write failure
// is logged and swallowed rather than propagated into the relay outcome.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// Logger writes audit events to the database, one row per event.
type Logger struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewLogger constructs a Logger over an opened database. The audit_events
// table must already be migrated.
func NewLogger(db *gorm.DB) *Logger {
	return &Logger{
		db:     db,
		logger: log.With().Str("component", "audit").Logger(),
	}
}

// Log persists one event. Nil Details serializes as an empty object so every
// row carries valid JSON.
func (l *Logger) Log(ev domain.AuditEvent) {
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		l.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("audit details not serializable")
		encoded = []byte("{}")
	}

	rec := &domain.AuditRecord{
		ID:        uuid.NewString(),
		Type:      string(ev.Type),
		Action:    ev.Action,
		Result:    ev.Result,
		RiskLevel: string(ev.RiskLevel),
		Details:   string(encoded),
		CreatedAt: time.Now().UTC(),
	}
	if err := l.db.Create(rec).Error; err != nil {
		l.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("audit write failed")
	}
}
