// Package exec runs shell commands on behalf of the shell tool.
package exec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// DefaultMaxOutput caps captured output so a noisy command cannot flood
// the joiner prompt.
const DefaultMaxOutput = 64 * 1024

// Result is the captured outcome of one command.
type Result struct {
	Output    string
	ExitCode  int
	Truncated bool
}

// Runner executes a command line through a shell.
// This abstraction allows mocking command execution in tests.
type Runner interface {
	RunShell(ctx context.Context, workDir, command string) (Result, error)
}

// ShellRunner implements Runner using os/exec.
type ShellRunner struct {
	// Shell is the interpreter invoked with -c. Defaults to bash.
	Shell string
	// MaxOutput bounds the returned output in bytes. Zero means DefaultMaxOutput.
	MaxOutput int
}

// NewRunner creates a ShellRunner with default settings.
func NewRunner() *ShellRunner {
	return &ShellRunner{Shell: "bash", MaxOutput: DefaultMaxOutput}
}

// RunShell runs command with combined stdout and stderr. A non-zero exit
// returns the captured output along with an error.
func (r *ShellRunner) RunShell(ctx context.Context, workDir, command string) (Result, error) {
	shell := r.Shell
	if shell == "" {
		shell = "bash"
	}
	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}
	output, err := cmd.CombinedOutput()

	res := Result{Output: string(output)}
	if len(output) > limit {
		res.Output = string(output[:limit])
		res.Truncated = true
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, fmt.Errorf("command failed: %w", err)
}

// Verify ShellRunner implements Runner at compile time.
var _ Runner = (*ShellRunner)(nil)
