// SPDX-License-Identifier: MPL-2.0

package packaging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invowk/deskpack/internal/shellcmd"
)

// PackageManifestName is the manifest written next to the dependency tree.
const PackageManifestName = "package.json"

// EnvBuildDir is passed to the install command.
const EnvBuildDir = "DESKPACK_BUILD_DIR"

type (
	// PackageManifest is the manifest the dependency installer consumes.
	PackageManifest struct {
		Name         string            `json:"name"`
		Version      string            `json:"version"`
		Main         string            `json:"main,omitempty"`
		Private      bool              `json:"private"`
		Dependencies map[string]string `json:"dependencies"`
	}

	// CommandInstaller populates the dependency tree by running Command in
	// the build directory after writing the package manifest there.
	CommandInstaller struct {
		Runner  *shellcmd.Runner
		Command string
	}
)

// WritePackageManifest writes m to the build directory, replacing any
// previous manifest.
func (l Layout) WritePackageManifest(m PackageManifest) error {
	if m.Dependencies == nil {
		m.Dependencies = map[string]string{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", PackageManifestName, err)
	}
	if err := os.MkdirAll(l.BuildDir, 0o755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	path := filepath.Join(l.BuildDir, PackageManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", PackageManifestName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) // Best-effort cleanup
		return fmt.Errorf("failed to replace %s: %w", PackageManifestName, err)
	}
	return nil
}

// Install writes the manifest, runs Command and makes sure the dependency
// tree exists afterwards. Without a Command an existing tree is used as-is.
func (i *CommandInstaller) Install(ctx context.Context, layout Layout, m PackageManifest) error {
	if err := layout.WritePackageManifest(m); err != nil {
		return err
	}
	if i.Command != "" {
		runner := i.Runner
		if runner == nil {
			runner = shellcmd.NewRunner()
		}
		_, err := runner.Run(ctx, shellcmd.Command{
			Script: i.Command,
			Dir:    layout.BuildDir,
			Env: []string{
				EnvBuildDir + "=" + layout.BuildDir,
				EnvDepTree + "=" + layout.DepTree,
			},
			Stderr: os.Stderr,
		})
		if err != nil {
			return fmt.Errorf("dependency install failed: %w", err)
		}
	}
	if err := os.MkdirAll(layout.DepTree, 0o755); err != nil {
		return fmt.Errorf("failed to create dependency tree: %w", err)
	}
	return nil
}
