// Package launcher starts per-user session processes on demand. The proxy
// core only sees the SessionLauncher interface; how sessions actually start
// (local exec, job scheduler, container) is a deployment concern.
package launcher

import (
	"context"
	"fmt"
	"log"
	"os/exec"

	"github.com/rstudio/rstudio-sub009/internal/sessionctx"
)

// SessionLauncher starts the backend process for a session context. Launch
// returns once the start has been requested; the caller polls the session
// stream for readiness.
type SessionLauncher interface {
	Launch(ctx context.Context, sc *sessionctx.SessionContext) error
}

// ExecLauncher launches sessions by running a configured binary with the
// session identity as arguments.
type ExecLauncher struct {
	binary string
	args   []string
}

// NewExecLauncher creates a launcher for the given binary. Extra args are
// passed before the session identity flags.
func NewExecLauncher(binary string, args ...string) *ExecLauncher {
	return &ExecLauncher{binary: binary, args: args}
}

// Launch starts the session process detached. The process inherits nothing
// from the request; its identity comes entirely from the flags.
func (l *ExecLauncher) Launch(ctx context.Context, sc *sessionctx.SessionContext) error {
	args := append([]string(nil), l.args...)
	args = append(args, "--user", sc.Username)
	if !sc.Scope.IsDefault() {
		args = append(args, "--project", sc.Scope.Project, "--scope-id", sc.Scope.ID)
	}
	cmd := exec.Command(l.binary, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launcher: start session for %s: %w", sc.Username, err)
	}
	log.Printf("launcher: started session for %s (pid %d)", sc.Username, cmd.Process.Pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("launcher: session process for %s exited: %v", sc.Username, err)
		}
	}()
	return nil
}

// FuncLauncher adapts a plain function to SessionLauncher. Used in tests and
// by deployments that embed their own start logic.
type FuncLauncher func(ctx context.Context, sc *sessionctx.SessionContext) error

func (f FuncLauncher) Launch(ctx context.Context, sc *sessionctx.SessionContext) error {
	return f(ctx, sc)
}
