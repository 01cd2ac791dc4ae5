// Package authz evaluates an optional Rego policy at sign-in. Deployments can
// restrict who may sign in (by username, source address, time of day) without
// code changes; with no policy configured every sign-in is allowed.
package authz

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const allowQuery = "data.rstudio.authz.allow"

// SignInInput is the document handed to the policy as input.
type SignInInput struct {
	Username   string `json:"username"`
	IP         string `json:"ip"`
	Persistent bool   `json:"persistent"`
}

// Evaluator decides whether a sign-in is authorized.
type Evaluator interface {
	Allow(ctx context.Context, in SignInInput) (bool, error)
}

// AllowAll authorizes every sign-in. Used when no policy file is configured.
type AllowAll struct{}

func (AllowAll) Allow(ctx context.Context, in SignInInput) (bool, error) { return true, nil }

// RegoEvaluator evaluates the sign-in policy with the in-process OPA engine.
// The policy module is compiled once at load.
type RegoEvaluator struct {
	compiler *ast.Compiler
}

// LoadFile compiles the Rego module at path. An empty path yields AllowAll.
func LoadFile(path string) (Evaluator, error) {
	if path == "" {
		return AllowAll{}, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authz: read policy: %w", err)
	}
	return Load(string(src))
}

// Load compiles the given Rego module source.
func Load(source string) (*RegoEvaluator, error) {
	compiler, err := ast.CompileModules(map[string]string{"signin.rego": source})
	if err != nil {
		return nil, fmt.Errorf("authz: compile policy: %w", err)
	}
	return &RegoEvaluator{compiler: compiler}, nil
}

// Allow evaluates the allow rule for the sign-in. A policy that does not
// define the rule, or defines it as anything but true, denies.
func (e *RegoEvaluator) Allow(ctx context.Context, in SignInInput) (bool, error) {
	input := map[string]interface{}{
		"username":   in.Username,
		"ip":         in.IP,
		"persistent": in.Persistent,
	}
	q := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(e.compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("authz: eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// HealthCheck verifies the compiled policy evaluates against a minimal input.
func (e *RegoEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.Allow(ctx, SignInInput{Username: "healthcheck", IP: "127.0.0.1"})
	return err
}
