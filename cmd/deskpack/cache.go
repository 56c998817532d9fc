// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/invowk/deskpack/internal/buildcache"

	"github.com/spf13/cobra"
)

func newCacheCommand(app *App) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the build cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:     "show",
		Aliases: []string{"info"},
		Short:   "Show the cache location, usage and last build generation",
		Args:    cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, _ []string) error {
			return showCache(cmd.Context(), app, cmd.OutOrStdout())
		}),
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cache entry; the next build starts from source",
		Args:  cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, _ []string) error {
			return clearCache(cmd.Context(), app, cmd.OutOrStdout())
		}),
	})

	return cacheCmd
}

func openConfiguredCache(ctx context.Context, app *App) (*buildcache.FileStore, error) {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return buildcache.NewFileStore(cfg.CacheDir, cfg.Cache.Compression)
}

func showCache(ctx context.Context, app *App, w io.Writer) error {
	store, err := openConfiguredCache(ctx, app)
	if err != nil {
		return err
	}
	entries, size, err := store.Usage()
	if err != nil {
		return err
	}

	fmt.Fprintln(w, TitleStyle.Render("Build cache"))
	printField(w, "directory", store.Dir())
	printField(w, "entries", strconv.Itoa(entries))
	printField(w, "content bytes", strconv.FormatInt(size, 10))

	gens := &buildcache.Generations{Store: store, Log: app.logger("cache")}
	last, err := gens.Last()
	switch {
	case errors.Is(err, buildcache.ErrNotFound):
		printField(w, "last build", "none")
	case err != nil:
		printField(w, "last build", WarningStyle.Render("unreadable: "+err.Error()))
	default:
		printField(w, "last build", last.AsarIntegrity.String())
		printField(w, "last build files", strconv.Itoa(len(last.Stats)))
	}
	return nil
}

func clearCache(ctx context.Context, app *App, w io.Writer) error {
	store, err := openConfiguredCache(ctx, app)
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(w, SuccessStyle.Render("✓")+" Cache cleared: "+CmdStyle.Render(store.Dir()))
	return nil
}
