package repository

import (
	"context"
	"time"

	"github.com/rstudio/rstudio-sub009/internal/licensing/domain"
)

// Repository defines persistence for licensed users.
type Repository interface {
	GetByUsername(ctx context.Context, username string) (*domain.LicensedUser, error)
	List(ctx context.Context) ([]*domain.LicensedUser, error)
	// CountActiveSince returns how many unlocked users signed in at or after
	// the cutoff, i.e. how many license slots are currently consumed.
	CountActiveSince(ctx context.Context, cutoff time.Time) (int, error)
	Upsert(ctx context.Context, u *domain.LicensedUser) error
	SetLocked(ctx context.Context, username string, locked bool) error
}
