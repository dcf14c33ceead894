package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/phone-profile/internal/apperror"
	"github.com/sakif/phone-profile/internal/model"
	"github.com/sakif/phone-profile/internal/repository"
)

// compile-time check that *DB implements repository.SessionRepository
var _ repository.SessionRepository = (*DB)(nil)

// Upsert inserts a session or replaces the identity, refresh token and expiry
// of an existing one. created_at is kept on update.
func (db *DB) Upsert(ctx context.Context, rec *model.SessionRecord) error {
	if rec.ID == "" || rec.UID == "" {
		return fmt.Errorf("sqlite: session record needs an id and a uid")
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions
		   (id, uid, phone_number, display_name, email, refresh_token, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   uid = excluded.uid,
		   phone_number = excluded.phone_number,
		   display_name = excluded.display_name,
		   email = excluded.email,
		   refresh_token = excluded.refresh_token,
		   updated_at = excluded.updated_at,
		   expires_at = excluded.expires_at`,
		rec.ID,
		rec.UID,
		rec.PhoneNumber,
		rec.DisplayName,
		rec.Email,
		rec.SealedRefreshToken,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upserting session %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the session with the given id if it has not expired.
func (db *DB) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	var (
		rec     model.SessionRecord
		expires int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, uid, phone_number, display_name, email, refresh_token, created_at, updated_at, expires_at
		 FROM sessions WHERE id = ? AND expires_at > ?`,
		id, time.Now().Unix(),
	).Scan(
		&rec.ID,
		&rec.UID,
		&rec.PhoneNumber,
		&rec.DisplayName,
		&rec.Email,
		&rec.SealedRefreshToken,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&expires,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("session", id)
		}
		return nil, fmt.Errorf("sqlite: getting session %s: %w", id, err)
	}
	rec.ExpiresAt = time.Unix(expires, 0)
	return &rec, nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: deleting session %s: %w", id, err)
	}
	return nil
}

// PurgeExpired deletes sessions whose expiry is at or before now.
func (db *DB) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: purging expired sessions: %w", err)
	}
	return res.RowsAffected()
}
