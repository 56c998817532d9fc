// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/invowk/deskpack/internal/config"

	"github.com/charmbracelet/log"
)

type (
	// App wires CLI services and shared dependencies. It is the composition
	// root for the CLI layer: every Cobra handler receives an App and
	// delegates through it.
	App struct {
		Config config.Provider
		stdout io.Writer
		stderr io.Writer
		opts   globalOptions
		log    *log.Logger
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config config.Provider
		Stdout io.Writer
		Stderr io.Writer
	}

	// globalOptions are bound to the root command's persistent flags.
	globalOptions struct {
		verbose    bool
		configPath string
		projectDir string
	}
)

// NewApp creates an App with production defaults for unset dependencies.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config: deps.Config,
		stdout: deps.Stdout,
		stderr: deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

// loadConfig loads the configuration of the project selected by --dir and
// --config.
func (a *App) loadConfig(ctx context.Context) (*config.Loaded, error) {
	dir, err := a.projectDir()
	if err != nil {
		return nil, err
	}
	loaded, err := a.Config.Load(ctx, config.LoadOptions{
		ConfigFilePath: a.opts.configPath,
		ProjectDir:     dir,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConfigLoad, err)
	}
	return loaded, nil
}

func (a *App) projectDir() (string, error) {
	dir := a.opts.projectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project directory: %w", err)
	}
	return abs, nil
}

// logger returns the CLI logger scoped to component.
func (a *App) logger(component string) *log.Logger {
	if a.log == nil {
		a.log = newLogger(a.stderr, a.opts.verbose)
	}
	return a.log.WithPrefix(config.AppName + "/" + component)
}
