// SPDX-License-Identifier: MPL-2.0

// Package archive packs a directory tree into a single-file archive image and
// unpacks it again.
//
// Archives are zip images written deterministically: entries appear in
// lexical path order, use forward slashes and carry a fixed timestamp, so the
// same tree always produces byte-identical output. Symlinks are not archived.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/invowk/deskpack/pkg/integrity"
	"github.com/invowk/deskpack/pkg/platform"
)

var (
	// ErrSourceMissing is returned when the directory to pack does not exist.
	ErrSourceMissing = errors.New("archive source directory missing")
	// ErrUnsafePath is returned for archive entries that escape the destination.
	ErrUnsafePath = errors.New("unsafe path in archive")

	// entryTime is stamped on every entry so output does not depend on mtimes.
	entryTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// Pack returns the archive image of dir. A missing or unreadable directory is
// an error.
func Pack(dir string) ([]byte, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, dir)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var buf bytes.Buffer
	zipWriter := zip.NewWriter(&buf)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		relPath, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return fmt.Errorf("failed to get relative path: %w", relErr)
		}
		if relPath == "." {
			return nil
		}
		name := filepath.ToSlash(relPath)

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		fileInfo, infoErr := d.Info()
		if infoErr != nil {
			return fmt.Errorf("failed to get file info: %w", infoErr)
		}

		header, headerErr := zip.FileInfoHeader(fileInfo)
		if headerErr != nil {
			return fmt.Errorf("failed to create file header: %w", headerErr)
		}
		header.Modified = entryTime

		if d.IsDir() {
			header.Name = name + "/"
			header.Method = zip.Store
			if _, createErr := zipWriter.CreateHeader(header); createErr != nil {
				return fmt.Errorf("failed to create directory entry: %w", createErr)
			}
			return nil
		}

		header.Name = name
		header.Method = zip.Deflate

		fileData, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("failed to read file %s: %w", path, readErr)
		}

		writer, writerErr := zipWriter.CreateHeader(header)
		if writerErr != nil {
			return fmt.Errorf("failed to create archive entry: %w", writerErr)
		}
		if _, writeErr := writer.Write(fileData); writeErr != nil {
			return fmt.Errorf("failed to write file data: %w", writeErr)
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", dir, walkErr)
	}

	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// PackFile packs dir and writes the image to outputPath, returning its integrity.
func PackFile(dir, outputPath string) (integrity.Integrity, error) {
	data, err := Pack(dir)
	if err != nil {
		return "", err
	}
	if err := WriteFile(outputPath, data); err != nil {
		return "", err
	}
	return integrity.Of(data), nil
}

// WriteFile writes an archive image atomically through a temp file in the
// destination directory.
func WriteFile(outputPath string, data []byte) (err error) {
	if err = os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".archive-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name()) // Best-effort cleanup
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err = os.Rename(tmp.Name(), outputPath); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

// Unpack extracts the archive at archivePath into destDir.
func Unpack(archivePath, destDir string) error {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	return UnpackBytes(data, destDir)
}

// UnpackBytes extracts an in-memory archive image into destDir.
func UnpackBytes(data []byte, destDir string) error {
	zipReader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}

	absDestDir, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("failed to resolve destination directory: %w", err)
	}
	if err := os.MkdirAll(absDestDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	for _, file := range zipReader.File {
		destPath := filepath.Join(absDestDir, filepath.FromSlash(file.Name))

		relPath, relErr := filepath.Rel(absDestDir, destPath)
		if relErr != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, file.Name)
		}
		if runtime.GOOS == platform.Windows {
			if segment := platform.ReservedSegment(strings.TrimSuffix(file.Name, "/")); segment != "" {
				return fmt.Errorf("%w: %s uses the reserved name %q", ErrUnsafePath, file.Name, segment)
			}
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := extractFile(file, destPath); err != nil {
			return fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
	}
	return nil
}

// List returns the entry names of an archive image in stored order.
func List(data []byte) ([]string, error) {
	zipReader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	names := make([]string, 0, len(zipReader.File))
	for _, file := range zipReader.File {
		names = append(names, file.Name)
	}
	return names, nil
}

func extractFile(file *zip.File, destPath string) (err error) {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := destFile.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	//nolint:gosec // G110: archives are produced by this tool
	_, err = io.Copy(destFile, rc)
	return err
}
