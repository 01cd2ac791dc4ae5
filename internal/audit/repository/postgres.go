package repository

import (
	"context"
	"database/sql"

	"github.com/rstudio/rstudio-sub009/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the audit log. The entry must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	meta := sql.NullString{String: a.Metadata, Valid: a.Metadata != ""}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_audit (id, user_name, action, ip, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Username, a.Action, a.IP, meta, a.CreatedAt)
	return err
}

// ListByUsername returns audit logs for the given user, newest first, paginated
// by limit and offset.
func (r *PostgresRepository) ListByUsername(ctx context.Context, username string, limit, offset int32) ([]*domain.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_name, action, ip, metadata, created_at
		 FROM auth_audit WHERE user_name = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		username, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditLog
	for rows.Next() {
		a := &domain.AuditLog{}
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.Username, &a.Action, &a.IP, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Metadata = meta.String
		out = append(out, a)
	}
	return out, rows.Err()
}
