package repository

import (
	"context"

	"github.com/rstudio/rstudio-sub009/internal/revocation/domain"
)

// Repository defines persistence for revoked cookies.
type Repository interface {
	List(ctx context.Context) ([]*domain.RevokedCookie, error)
	Insert(ctx context.Context, c *domain.RevokedCookie) error
	Delete(ctx context.Context, cookieData string) error
}
