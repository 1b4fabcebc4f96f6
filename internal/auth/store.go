package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"usergate/internal/db"
)

// ErrTokenReused is returned when a refresh token that was already rotated
// is presented again. The whole token family is revoked before returning.
var ErrTokenReused = fmt.Errorf("%w: refresh token reuse detected", ErrInvalidToken)

// RotationGrace is how long after a rotation the retired token is answered
// with a plain ErrInvalidToken instead of revoking its family.
const RotationGrace = 10 * time.Second

// rotatedRecently reports whether a retired token was replaced by a rotation
// within RotationGrace of now.
func rotatedRecently(revokedAt time.Time, replacedBy string, now time.Time) bool {
	return replacedBy != "" && now.Sub(revokedAt) < RotationGrace
}

// UserStore is the credential store consumed by the service.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	// ReplacePassword sets the hash and revokes every refresh token of the
	// user in one transaction.
	ReplacePassword(ctx context.Context, id, passwordHash string, now time.Time) error
}

type RefreshStore interface {
	Create(ctx context.Context, rec *RefreshRecord) error
	// Rotate retires oldJTI and records next in the same family. It fails
	// with ErrInvalidToken unless oldJTI is the family's current token. A
	// retired token presented outside RotationGrace revokes the family and
	// fails with ErrTokenReused.
	Rotate(ctx context.Context, oldJTI string, next *RefreshRecord, now time.Time) error
	RevokeFamilyOf(ctx context.Context, jti string, now time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) error
}

type ResetStore interface {
	// Create stores rec and retires any earlier unconsumed token of the user.
	Create(ctx context.Context, rec *ResetRecord, now time.Time) error
	// Consume marks the token used and sets the user's password hash in one
	// transaction.
	Consume(ctx context.Context, jti, userID, passwordHash string, now time.Time) error
}

type PostgresRefreshStore struct {
	db *sql.DB
}

func NewRefreshStore(conn *sql.DB) *PostgresRefreshStore {
	return &PostgresRefreshStore{db: conn}
}

func (s *PostgresRefreshStore) Create(ctx context.Context, rec *RefreshRecord) error {
	const q = `
		INSERT INTO refresh_tokens (jti, user_id, family_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, q, rec.JTI, rec.UserID, rec.FamilyID, rec.ExpiresAt, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *PostgresRefreshStore) Rotate(ctx context.Context, oldJTI string, next *RefreshRecord, now time.Time) error {
	reused := false
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		const sel = `
			SELECT user_id, family_id, expires_at, revoked_at, replaced_by
			FROM refresh_tokens WHERE jti = $1 FOR UPDATE
		`
		var (
			userID, familyID string
			expiresAt        time.Time
			revokedAt        sql.NullTime
			replacedBy       sql.NullString
		)
		if err := tx.QueryRowContext(ctx, sel, oldJTI).Scan(&userID, &familyID, &expiresAt, &revokedAt, &replacedBy); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalidToken
			}
			return fmt.Errorf("load refresh token: %w", err)
		}
		if userID != next.UserID {
			return ErrInvalidToken
		}
		if revokedAt.Valid {
			if rotatedRecently(revokedAt.Time, replacedBy.String, now) {
				return ErrInvalidToken
			}
			reused = true
			return revokeFamily(ctx, tx, familyID, now)
		}
		if !now.Before(expiresAt) {
			return ErrExpiredToken
		}

		const upd = `
			UPDATE refresh_tokens SET revoked_at = $2, replaced_by = $3
			WHERE jti = $1 AND revoked_at IS NULL
		`
		res, err := tx.ExecContext(ctx, upd, oldJTI, now, next.JTI)
		if err != nil {
			return fmt.Errorf("retire refresh token: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("retire refresh token: %w", err)
		} else if n == 0 {
			return ErrInvalidToken
		}

		next.FamilyID = familyID
		next.CreatedAt = now
		const ins = `
			INSERT INTO refresh_tokens (jti, user_id, family_id, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`
		if _, err := tx.ExecContext(ctx, ins, next.JTI, next.UserID, next.FamilyID, next.ExpiresAt, next.CreatedAt); err != nil {
			return fmt.Errorf("insert refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if reused {
		return ErrTokenReused
	}
	return nil
}

func revokeFamily(ctx context.Context, tx *sql.Tx, familyID string, now time.Time) error {
	const q = `UPDATE refresh_tokens SET revoked_at = $2 WHERE family_id = $1 AND revoked_at IS NULL`
	if _, err := tx.ExecContext(ctx, q, familyID, now); err != nil {
		return fmt.Errorf("revoke refresh family: %w", err)
	}
	return nil
}

func (s *PostgresRefreshStore) RevokeFamilyOf(ctx context.Context, jti string, now time.Time) error {
	const q = `
		UPDATE refresh_tokens SET revoked_at = $2
		WHERE family_id = (SELECT family_id FROM refresh_tokens WHERE jti = $1)
		  AND revoked_at IS NULL
	`
	if _, err := s.db.ExecContext(ctx, q, jti, now); err != nil {
		return fmt.Errorf("revoke refresh family: %w", err)
	}
	return nil
}

func (s *PostgresRefreshStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) error {
	const q = `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
	if _, err := s.db.ExecContext(ctx, q, userID, now); err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return nil
}

type PostgresResetStore struct {
	db *sql.DB
}

func NewResetStore(conn *sql.DB) *PostgresResetStore {
	return &PostgresResetStore{db: conn}
}

func (s *PostgresResetStore) Create(ctx context.Context, rec *ResetRecord, now time.Time) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		const retire = `
			UPDATE password_resets SET consumed_at = $2
			WHERE user_id = $1 AND consumed_at IS NULL
		`
		if _, err := tx.ExecContext(ctx, retire, rec.UserID, now); err != nil {
			return fmt.Errorf("retire reset tokens: %w", err)
		}
		const ins = `
			INSERT INTO password_resets (jti, user_id, expires_at, created_at)
			VALUES ($1, $2, $3, $4)
		`
		rec.CreatedAt = now
		if _, err := tx.ExecContext(ctx, ins, rec.JTI, rec.UserID, rec.ExpiresAt, rec.CreatedAt); err != nil {
			return fmt.Errorf("insert reset token: %w", err)
		}
		return nil
	})
}

func (s *PostgresResetStore) Consume(ctx context.Context, jti, userID, passwordHash string, now time.Time) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		const sel = `
			SELECT user_id, expires_at, consumed_at
			FROM password_resets WHERE jti = $1 FOR UPDATE
		`
		var (
			owner      string
			expiresAt  time.Time
			consumedAt sql.NullTime
		)
		if err := tx.QueryRowContext(ctx, sel, jti).Scan(&owner, &expiresAt, &consumedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalidToken
			}
			return fmt.Errorf("load reset token: %w", err)
		}
		if owner != userID || consumedAt.Valid {
			return ErrInvalidToken
		}
		if !now.Before(expiresAt) {
			return ErrExpiredToken
		}

		const consume = `
			UPDATE password_resets SET consumed_at = $2
			WHERE jti = $1 AND consumed_at IS NULL
		`
		res, err := tx.ExecContext(ctx, consume, jti, now)
		if err != nil {
			return fmt.Errorf("consume reset token: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("consume reset token: %w", err)
		} else if n == 0 {
			return ErrInvalidToken
		}

		const setPassword = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
		res, err = tx.ExecContext(ctx, setPassword, userID, passwordHash, now)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update password: %w", err)
		} else if n == 0 {
			return ErrInvalidToken
		}

		const revoke = `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
		if _, err := tx.ExecContext(ctx, revoke, userID, now); err != nil {
			return fmt.Errorf("revoke user refresh tokens: %w", err)
		}
		return nil
	})
}
