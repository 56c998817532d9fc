// SPDX-License-Identifier: MPL-2.0

// Package shellcmd runs short POSIX shell scripts in-process with mvdan/sh.
// It backs the configurable hooks of the build: source transformers,
// minifiers, installers and native-module rebuilders.
package shellcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ErrEmptyScript is returned when a Command has no script.
var ErrEmptyScript = errors.New("script has no content to execute")

type (
	// Command describes one script invocation.
	Command struct {
		// Script is the shell source to run.
		Script string
		// Dir is the working directory. Empty means the current directory.
		Dir string
		// Env is added to the inherited environment as KEY=VALUE pairs.
		Env []string
		// Args are exposed to the script as $1, $2, ...
		Args []string
		// Stdin is connected to the script's standard input. Nil means empty.
		Stdin io.Reader
		// Stderr, when set, receives the script's standard error in addition
		// to the copy kept for ExitError.
		Stderr io.Writer
	}

	// Runner executes Commands.
	Runner struct {
		// InheritEnv controls whether the process environment is passed
		// through. Command.Env always wins over inherited values.
		InheritEnv bool
	}

	// ExitError is returned when a script exits with a non-zero status.
	ExitError struct {
		Code   int
		Stderr string
	}
)

// Error implements the error interface.
func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("script exited with status %d", e.Code)
	}
	return fmt.Sprintf("script exited with status %d: %s", e.Code, msg)
}

// NewRunner creates a Runner that inherits the process environment.
func NewRunner() *Runner {
	return &Runner{InheritEnv: true}
}

// Validate parses script without running it.
func Validate(script string) error {
	if strings.TrimSpace(script) == "" {
		return ErrEmptyScript
	}
	if _, err := syntax.NewParser().Parse(strings.NewReader(script), "script"); err != nil {
		return fmt.Errorf("failed to parse script: %w", err)
	}
	return nil
}

// Run executes cmd and returns its standard output.
func (r *Runner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	if strings.TrimSpace(cmd.Script) == "" {
		return nil, ErrEmptyScript
	}

	prog, err := syntax.NewParser().Parse(strings.NewReader(cmd.Script), "script")
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	var stdout, stderr bytes.Buffer
	var errOut io.Writer = &stderr
	if cmd.Stderr != nil {
		errOut = io.MultiWriter(&stderr, cmd.Stderr)
	}
	stdin := cmd.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(r.environ(cmd.Env)...)),
		interp.StdIO(stdin, &stdout, errOut),
	}
	if cmd.Dir != "" {
		opts = append(opts, interp.Dir(cmd.Dir))
	}
	// Prepend "--" so arguments that look like flags are not taken as
	// shell options by interp.Params.
	if len(cmd.Args) > 0 {
		params := append([]string{"--"}, cmd.Args...)
		opts = append(opts, interp.Params(params...))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create interpreter: %w", err)
	}

	if err := runner.Run(ctx, prog); err != nil {
		var exitStatus interp.ExitStatus
		if errors.As(err, &exitStatus) {
			return stdout.Bytes(), &ExitError{Code: int(exitStatus), Stderr: stderr.String()}
		}
		return stdout.Bytes(), fmt.Errorf("script execution failed: %w", err)
	}
	return stdout.Bytes(), nil
}

func (r *Runner) environ(extra []string) []string {
	var env []string
	if r.InheritEnv {
		env = append(env, os.Environ()...)
	}
	// Later entries override earlier ones in expand.ListEnviron.
	return append(env, extra...)
}
