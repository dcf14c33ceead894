package repository

import (
	"context"
	"time"

	"github.com/sakif/phone-profile/internal/model"
)

// SessionRepository stores authenticated sessions.
type SessionRepository interface {
	// Upsert inserts the record or replaces the one with the same ID.
	Upsert(ctx context.Context, rec *model.SessionRecord) error
	// Get returns apperror.ErrNotFound when no live record has that ID.
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
	Delete(ctx context.Context, id string) error
	// PurgeExpired removes records that expired before now and reports how
	// many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
