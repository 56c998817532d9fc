// SPDX-License-Identifier: MPL-2.0

package shellcmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCapturesStdout(t *testing.T) {
	t.Parallel()

	out, err := NewRunner().Run(context.Background(), Command{Script: `echo "hello $1"`, Args: []string{"world"}})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if string(out) != "hello world\n" {
		t.Errorf("Run() = %q, want %q", out, "hello world\n")
	}
}

func TestRunPipesStdin(t *testing.T) {
	t.Parallel()

	out, err := NewRunner().Run(context.Background(), Command{
		Script: `read line; echo "got:$line"`,
		Stdin:  strings.NewReader("abc\n"),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if string(out) != "got:abc\n" {
		t.Errorf("Run() = %q", out)
	}
}

func TestRunEnvAndDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runner := &Runner{}
	_, err := runner.Run(context.Background(), Command{
		Script: `echo "$GREETING" > out.txt`,
		Dir:    dir,
		Env:    []string{"GREETING=hi"},
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "hi\n" {
		t.Errorf("out.txt = %q, want %q", data, "hi\n")
	}
}

func TestRunExitError(t *testing.T) {
	t.Parallel()

	_, err := NewRunner().Run(context.Background(), Command{Script: "echo boom >&2; exit 3"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Run() error = %v, want *ExitError", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("ExitError.Code = %d, want 3", exitErr.Code)
	}
	if !strings.Contains(exitErr.Error(), "boom") {
		t.Errorf("ExitError.Error() = %q, want stderr included", exitErr.Error())
	}
}

func TestRunRejectsEmptyAndInvalid(t *testing.T) {
	t.Parallel()

	if _, err := NewRunner().Run(context.Background(), Command{Script: "  "}); !errors.Is(err, ErrEmptyScript) {
		t.Errorf("Run(empty) error = %v, want ErrEmptyScript", err)
	}
	if err := Validate("if then fi ("); err == nil {
		t.Error("Validate() of invalid script succeeded")
	}
	if err := Validate("echo ok"); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}
