// SPDX-License-Identifier: MPL-2.0

// Package transform runs the source transform stage of a build: every
// matching source file is converted by an external Transformer, with the
// result cached per file, then optionally minified.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/invowk/deskpack/internal/buildcache"
	"github.com/invowk/deskpack/pkg/integrity"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// DefaultPatterns selects the files sent through the Transformer when a
// Stage has no Patterns.
var DefaultPatterns = []string{"**/*.js"}

type (
	// Transformer converts one source file. path is slash-separated and
	// relative to the source root.
	Transformer interface {
		Transform(ctx context.Context, path string, content []byte) ([]byte, error)
	}

	// Minifier compresses transformed code. options is the raw
	// uglifyOptions value from the settings document.
	Minifier interface {
		Minify(ctx context.Context, code []byte, options json.RawMessage) ([]byte, error)
	}

	// Identity is a Transformer that returns its input unchanged.
	Identity struct{}

	// Options are per-run switches.
	Options struct {
		Minify        bool
		MinifyOptions json.RawMessage
		// Ignore lists additional doublestar patterns excluded from the output.
		Ignore []string
	}

	// Stats counts what a Run did.
	Stats struct {
		Transformed int `json:"transformed"`
		CacheHits   int `json:"cacheHits"`
		Copied      int `json:"copied"`
	}

	// Stage converts a source tree into a staging tree.
	Stage struct {
		// Cache holds pre-minification transform output keyed by
		// buildcache.FileKey. Nil disables per-file caching.
		Cache       buildcache.Store
		Transformer Transformer
		// Minifier is required only when Options.Minify is set.
		Minifier Minifier
		// Patterns selects files for the Transformer; others are copied.
		Patterns []string
		// Concurrency bounds parallel file work. Zero means GOMAXPROCS.
		Concurrency int
		// Fingerprint identifies the Transformer configuration. It is part of
		// every per-file cache key, so output of a different transformer is
		// never reused.
		Fingerprint string
		Log         *log.Logger
	}

	fileJob struct {
		rel       string
		transform bool
	}

	counters struct {
		transformed atomic.Int64
		hits        atomic.Int64
		copied      atomic.Int64
	}
)

// ErrNoMinifier is returned when minification is requested without a Minifier.
var ErrNoMinifier = errors.New("minification enabled but no minifier configured")

// Transform implements Transformer.
func (Identity) Transform(_ context.Context, _ string, content []byte) ([]byte, error) {
	return content, nil
}

// Run converts every file under srcDir into dstDir.
func (s *Stage) Run(ctx context.Context, srcDir, dstDir string, opts Options) (Stats, error) {
	if s.Transformer == nil {
		return Stats{}, fmt.Errorf("no transformer configured")
	}
	if opts.Minify && s.Minifier == nil {
		return Stats{}, ErrNoMinifier
	}

	jobs, err := s.collect(srcDir, opts.Ignore)
	if err != nil {
		return Stats{}, err
	}

	limit := s.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return s.process(gctx, srcDir, dstDir, job, opts, &c)
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Transformed: int(c.transformed.Load()),
		CacheHits:   int(c.hits.Load()),
		Copied:      int(c.copied.Load()),
	}
	s.logger().Debug("transform stage done", "transformed", stats.Transformed, "cacheHits", stats.CacheHits, "copied", stats.Copied)
	return stats, nil
}

func (s *Stage) collect(srcDir string, ignore []string) ([]fileJob, error) {
	patterns := s.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	skip := append(append([]string{}, buildcache.DefaultSnapshotIgnores...), ignore...)

	var jobs []fileJob
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matches(skip, rel) || (d.IsDir() && matches(skip, rel+"/")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		jobs = append(jobs, fileJob{rel: rel, transform: matches(patterns, rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sources in %s: %w", srcDir, err)
	}
	return jobs, nil
}

func (s *Stage) process(ctx context.Context, srcDir, dstDir string, job fileJob, opts Options, c *counters) error {
	src := filepath.Join(srcDir, filepath.FromSlash(job.rel))
	dst := filepath.Join(dstDir, filepath.FromSlash(job.rel))

	if !job.transform {
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy %s: %w", job.rel, err)
		}
		c.copied.Add(1)
		return nil
	}

	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", job.rel, err)
	}

	code, hit := s.cached(job.rel, content)
	if hit {
		c.hits.Add(1)
	} else {
		code, err = s.Transformer.Transform(ctx, job.rel, content)
		if err != nil {
			return fmt.Errorf("failed to transform %s: %w", job.rel, err)
		}
		c.transformed.Add(1)
		s.store(job.rel, content, code)
	}

	if opts.Minify {
		code, err = s.Minifier.Minify(ctx, code, opts.MinifyOptions)
		if err != nil {
			return fmt.Errorf("failed to minify %s: %w", job.rel, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(dst, code, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", job.rel, err)
	}
	return nil
}

// cached returns the stored transform output for a file. Any cache error
// is a miss.
func (s *Stage) cached(rel string, content []byte) ([]byte, bool) {
	if s.Cache == nil {
		return nil, false
	}
	code, err := s.Cache.Get(s.key(rel, content))
	if err != nil {
		if !errors.Is(err, buildcache.ErrNotFound) {
			s.logger().Debug("file cache read failed", "file", rel, "error", err)
		}
		return nil, false
	}
	return code, true
}

func (s *Stage) store(rel string, content, code []byte) {
	if s.Cache == nil {
		return
	}
	if _, err := s.Cache.Put(s.key(rel, content), code); err != nil {
		s.logger().Debug("file cache write failed", "file", rel, "error", err)
	}
}

func (s *Stage) key(rel string, content []byte) string {
	if s.Fingerprint == "" {
		return buildcache.FileKey(rel, content)
	}
	return buildcache.FileKey(rel, content) + "@" + s.Fingerprint
}

// Fingerprint digests the configuration values that shape build output.
func Fingerprint(parts ...string) string {
	return integrity.Sum(integrity.Key, []byte(strings.Join(parts, "\x00"))).Hex()
}

func (s *Stage) logger() *log.Logger {
	if s.Log == nil {
		return log.New(io.Discard)
	}
	return s.Log
}

func matches(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) (err error) {
	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := in.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
