// Package repo implements the persistence layer for relay records, backed by
// GORM. This file provides repository helpers for the ProcessedUpdate model
// used to deduplicate webhook redeliveries.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// FirstSeen atomically records (source, updateID) and reports whether this is
// the first delivery. A redelivery inside the TTL window returns false; an
// expired prior record is purged and the update is treated as new. Concurrent
// deliveries of the same update race on the unique index, so the loser of the
// insert also sees false.
func FirstSeen(ctx context.Context, db *gorm.DB, source string, updateID int64, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Opportunistic purge keeps the table from growing without a sweeper.
	db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.ProcessedUpdate{})

	var existing domain.ProcessedUpdate
	err := db.WithContext(ctx).
		Where("source = ? AND update_id = ? AND expires_at > ?", source, updateID, now).
		First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	rec := &domain.ProcessedUpdate{
		ID:        uuid.NewString(),
		Source:    source,
		UpdateID:  updateID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
