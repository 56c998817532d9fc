// SPDX-License-Identifier: MPL-2.0

package packaging

import "path/filepath"

const (
	// DependencyTreeName is the directory name of the dependency tree.
	DependencyTreeName = "node_modules"
	// DefaultPackagedModulesDir is where extracted modules are placed inside
	// each packaged application, relative to its output directory.
	DefaultPackagedModulesDir = "resources/app.asar.unpacked/node_modules"
	// PackagedArchive is the archive inside each packaged application.
	PackagedArchive = "resources/app.asar"
	// shimDir holds executable shims inside the dependency tree.
	shimDir = ".bin"
)

// shimExtensions are tried for every extracted module's executable shim.
var shimExtensions = []string{"", ".cmd", ".ps1"}

// Layout names the directories of a packaging run. All paths live under
// BuildDir.
type Layout struct {
	BuildDir string
	// AppRoot is the application tree handed to the installer-builder.
	AppRoot string
	// DepTree is the canonical dependency tree location.
	DepTree string
	// SideDir holds the dependency tree while the builder must not see it.
	SideDir string
	// ExtractedDir holds modules kept out of the archive.
	ExtractedDir string
	// ArchivePath is the archive packed from AppRoot and the dependency tree.
	ArchivePath string
	// StatePath is the persisted state marker.
	StatePath string
}

// NewLayout returns the default layout under buildDir.
func NewLayout(buildDir string) Layout {
	return Layout{
		BuildDir:     buildDir,
		AppRoot:      filepath.Join(buildDir, "app"),
		DepTree:      filepath.Join(buildDir, DependencyTreeName),
		SideDir:      filepath.Join(buildDir, "tmp-"+DependencyTreeName),
		ExtractedDir: filepath.Join(buildDir, "extracted"),
		ArchivePath:  filepath.Join(buildDir, "app.asar"),
		StatePath:    filepath.Join(buildDir, ".deskpack-state.json"),
	}
}

// InAppRoot is the dependency tree's location while it is co-located with
// the application.
func (l Layout) InAppRoot() string {
	return filepath.Join(l.AppRoot, DependencyTreeName)
}
