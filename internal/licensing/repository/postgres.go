package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rstudio/rstudio-sub009/internal/licensing/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a licensed-user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByUsername returns the licensed user for username, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*domain.LicensedUser, error) {
	u := &domain.LicensedUser{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_name, user_id, last_sign_in, locked, is_admin
		 FROM licensed_users WHERE user_name = $1`, username).
		Scan(&u.Username, &u.UserID, &u.LastSignIn, &u.Locked, &u.IsAdmin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// List returns every licensed user ordered by username.
func (r *PostgresRepository) List(ctx context.Context) ([]*domain.LicensedUser, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_name, user_id, last_sign_in, locked, is_admin
		 FROM licensed_users ORDER BY user_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.LicensedUser
	for rows.Next() {
		u := &domain.LicensedUser{}
		if err := rows.Scan(&u.Username, &u.UserID, &u.LastSignIn, &u.Locked, &u.IsAdmin); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountActiveSince returns how many unlocked users signed in at or after cutoff.
func (r *PostgresRepository) CountActiveSince(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM licensed_users WHERE NOT locked AND last_sign_in >= $1`, cutoff).
		Scan(&n)
	return n, err
}

// Upsert creates or updates the user's row keyed by username.
func (r *PostgresRepository) Upsert(ctx context.Context, u *domain.LicensedUser) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO licensed_users (user_name, user_id, last_sign_in, locked, is_admin)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_name) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   last_sign_in = EXCLUDED.last_sign_in,
		   locked = EXCLUDED.locked,
		   is_admin = EXCLUDED.is_admin`,
		u.Username, u.UserID, u.LastSignIn, u.Locked, u.IsAdmin)
	return err
}

// SetLocked updates only the locked flag for username.
func (r *PostgresRepository) SetLocked(ctx context.Context, username string, locked bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE licensed_users SET locked = $2 WHERE user_name = $1`, username, locked)
	return err
}
