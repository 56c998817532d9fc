// SPDX-License-Identifier: MPL-2.0

package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invowk/deskpack/internal/shellcmd"
)

const (
	// EnvFile names the file being transformed, relative to the source root.
	EnvFile = "DESKPACK_FILE"
	// EnvMinifyOptions carries the raw uglifyOptions JSON to a minifier script.
	EnvMinifyOptions = "DESKPACK_MINIFY_OPTIONS"
)

type (
	// ShellTransformer runs Script with the file content on stdin and uses
	// its stdout as the transformed code.
	ShellTransformer struct {
		Runner *shellcmd.Runner
		Script string
		Dir    string
	}

	// ShellMinifier runs Script with code on stdin and uses its stdout as
	// the minified code.
	ShellMinifier struct {
		Runner *shellcmd.Runner
		Script string
		Dir    string
	}
)

// Compile-time interface checks
var (
	_ Transformer = (*ShellTransformer)(nil)
	_ Transformer = Identity{}
	_ Minifier    = (*ShellMinifier)(nil)
)

// Transform implements Transformer.
func (t *ShellTransformer) Transform(ctx context.Context, path string, content []byte) ([]byte, error) {
	out, err := runner(t.Runner).Run(ctx, shellcmd.Command{
		Script: t.Script,
		Dir:    t.Dir,
		Env:    []string{EnvFile + "=" + path},
		Stdin:  bytes.NewReader(content),
	})
	if err != nil {
		return nil, fmt.Errorf("transformer script: %w", err)
	}
	return out, nil
}

// Minify implements Minifier.
func (m *ShellMinifier) Minify(ctx context.Context, code []byte, options json.RawMessage) ([]byte, error) {
	if len(options) == 0 {
		options = json.RawMessage("{}")
	}
	out, err := runner(m.Runner).Run(ctx, shellcmd.Command{
		Script: m.Script,
		Dir:    m.Dir,
		Env:    []string{EnvMinifyOptions + "=" + string(options)},
		Stdin:  bytes.NewReader(code),
	})
	if err != nil {
		return nil, fmt.Errorf("minifier script: %w", err)
	}
	return out, nil
}

func runner(r *shellcmd.Runner) *shellcmd.Runner {
	if r == nil {
		return shellcmd.NewRunner()
	}
	return r
}
