package domain

import "time"

// LicensedUser is one row of the licensed-users table: a distinct human user
// who has signed in and whether they currently hold a license slot.
type LicensedUser struct {
	Username   string
	UserID     int
	LastSignIn time.Time
	Locked     bool
	IsAdmin    bool
}
