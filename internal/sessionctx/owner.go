//go:build !windows

package sessionctx

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

var (
	// ErrStreamOwnerMismatch is returned when the socket exists but was created
	// by a different OS user than the session claims to run as.
	ErrStreamOwnerMismatch = errors.New("session stream not owned by session user")
	// ErrUserLookupFailed is returned when the username-to-uid lookup failed for
	// a reason other than the user not existing. The caller must reject the
	// request rather than proxy under an ambiguous identity.
	ErrUserLookupFailed = errors.New("username to uid lookup failed")
)

// ValidateStreamOwner checks that the domain socket at path is owned by the OS
// user named by username. A missing socket is not an error here; connect
// handles that. An unknown user maps to ErrStreamOwnerMismatch (the socket
// cannot belong to them); any other lookup failure maps to ErrUserLookupFailed.
func ValidateStreamOwner(path, username string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("stat %s: no unix metadata", path)
	}
	u, err := user.Lookup(username)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return ErrStreamOwnerMismatch
		}
		return fmt.Errorf("%w: %v", ErrUserLookupFailed, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: parsing uid %q", ErrUserLookupFailed, u.Uid)
	}
	if stat.Uid != uint32(uid) {
		return ErrStreamOwnerMismatch
	}
	return nil
}
