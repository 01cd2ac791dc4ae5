// Package licensing enforces named-user license slots at sign-in. The active
// policy is chosen by configuration, not build variant: a zero user limit
// selects Unlimited, anything else selects NamedUser.
package licensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rstudio/rstudio-sub009/internal/licensing/domain"
	"github.com/rstudio/rstudio-sub009/internal/licensing/repository"
)

// activeWindow is how long a sign-in holds a license slot. A user inactive
// longer than this consumes a fresh slot on their next sign-in.
const activeWindow = 365 * 24 * time.Hour

var (
	// ErrUserLocked means the user's row is administratively locked.
	ErrUserLocked = errors.New("licensing: user is locked")
	// ErrLimitReached means no license slot is free for a new or returning user.
	ErrLimitReached = errors.New("licensing: named user limit reached")
	// ErrUnavailable means the licensing store could not be consulted. Treated
	// as a transient service condition, not a denial.
	ErrUnavailable = errors.New("licensing: store unavailable")
)

// Policy decides whether a sign-in may proceed under the active license.
type Policy interface {
	Authorize(ctx context.Context, username string, uid int) error
}

// Unlimited allows every sign-in and never consults the database, so a broken
// licensing store cannot break deployments that do not license per user.
type Unlimited struct{}

func (Unlimited) Authorize(ctx context.Context, username string, uid int) error { return nil }

// NamedUser limits distinct active users to a fixed number of slots backed by
// the licensed-users table.
type NamedUser struct {
	limit int
	repo  repository.Repository
	now   func() time.Time
}

// NewNamedUser creates a named-user policy with the given slot limit.
func NewNamedUser(limit int, repo repository.Repository) *NamedUser {
	return &NamedUser{limit: limit, repo: repo, now: time.Now}
}

// Authorize admits username if they already hold a slot (signed in within the
// active window and not locked) or if a free slot remains. Admission records
// the sign-in so the slot stays held.
func (p *NamedUser) Authorize(ctx context.Context, username string, uid int) error {
	now := p.now()
	cutoff := now.Add(-activeWindow)

	u, err := p.repo.GetByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if u != nil && u.Locked {
		return ErrUserLocked
	}

	holdsSlot := u != nil && u.LastSignIn.After(cutoff)
	if !holdsSlot {
		used, err := p.repo.CountActiveSince(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if used >= p.limit {
			return ErrLimitReached
		}
	}

	rec := &domain.LicensedUser{Username: username, UserID: uid, LastSignIn: now}
	if u != nil {
		rec.IsAdmin = u.IsAdmin
	}
	if err := p.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
