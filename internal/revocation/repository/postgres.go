package repository

import (
	"context"
	"database/sql"

	"github.com/rstudio/rstudio-sub009/internal/revocation/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a revoked-cookie repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// List returns every revoked cookie currently persisted, including expired ones.
// The registry sweeps expired entries after loading.
func (r *PostgresRepository) List(ctx context.Context) ([]*domain.RevokedCookie, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT cookie_data, expiration FROM revoked_cookies ORDER BY expiration`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RevokedCookie
	for rows.Next() {
		c := &domain.RevokedCookie{}
		if err := rows.Scan(&c.CookieData, &c.Expiration); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Insert persists the revoked cookie. Re-inserting the same cookie updates its expiration.
func (r *PostgresRepository) Insert(ctx context.Context, c *domain.RevokedCookie) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO revoked_cookies (cookie_data, expiration) VALUES ($1, $2)
		 ON CONFLICT (cookie_data) DO UPDATE SET expiration = EXCLUDED.expiration`,
		c.CookieData, c.Expiration)
	return err
}

// Delete removes the revoked cookie with the given data. Deleting a missing row is not an error.
func (r *PostgresRepository) Delete(ctx context.Context, cookieData string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM revoked_cookies WHERE cookie_data = $1`, cookieData)
	return err
}
