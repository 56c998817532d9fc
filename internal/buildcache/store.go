// SPDX-License-Identifier: MPL-2.0

package buildcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/invowk/deskpack/pkg/integrity"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrNotFound is returned by Get when no entry exists for a key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorrupt is returned by Get when an entry fails verification.
	ErrCorrupt = errors.New("cache entry corrupt")
)

type (
	// Store is a key/value content store with integrity-verified reads.
	Store interface {
		// Get returns the payload stored under key, or ErrNotFound.
		Get(key string) ([]byte, error)
		// Put stores data under key, replacing any previous entry, and
		// returns the integrity of data.
		Put(key string, data []byte) (integrity.Integrity, error)
		// Remove deletes the entry for key. Removing a missing key is not an error.
		Remove(key string) error
	}

	// FileStore is a Store backed by a directory:
	//
	//	<dir>/index/<aa>/<key digest>.cbor   entry envelope
	//	<dir>/content/<aa>/<integrity hex>.<compression>   payload
	//
	// Payloads are addressed by their integrity, so identical payloads
	// stored under different keys share one content file.
	FileStore struct {
		dir         string
		compression Compression
	}

	// envelope is the CBOR record kept in the index for each key.
	envelope struct {
		Key         string              `cbor:"key"`
		Integrity   integrity.Integrity `cbor:"integrity"`
		Size        int                 `cbor:"size"`
		Compression Compression         `cbor:"compression"`
		Created     int64               `cbor:"created"`
	}
)

// Compile-time interface check
var _ Store = (*FileStore)(nil)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("buildcache: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("buildcache: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewFileStore opens (creating if needed) a FileStore rooted at dir.
func NewFileStore(dir string, compression Compression) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := compression.Validate(); err != nil {
		return nil, err
	}
	for _, sub := range []string{"index", "content", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return &FileStore{dir: dir, compression: compression}, nil
}

// Dir returns the root directory of the store.
func (s *FileStore) Dir() string { return s.dir }

// Get implements Store.
func (s *FileStore) Get(key string) ([]byte, error) {
	raw, err := os.ReadFile(s.indexPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read cache index for %s: %w", key, err)
	}

	var env envelope
	if err := cborDec.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: decoding index: %w", ErrCorrupt, key, err)
	}
	if env.Key != key {
		return nil, fmt.Errorf("%w: %s: index belongs to %q", ErrCorrupt, key, env.Key)
	}
	if _, err := integrity.Parse(string(env.Integrity)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, key, err)
	}

	stored, err := os.ReadFile(s.contentPath(env.Integrity, env.Compression))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: content missing", ErrCorrupt, key)
		}
		return nil, fmt.Errorf("failed to read cache content for %s: %w", key, err)
	}

	data, err := decompress(stored, env.Compression, env.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, key, err)
	}
	if err := env.Integrity.Verify(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, key, err)
	}
	return data, nil
}

// Put implements Store.
func (s *FileStore) Put(key string, data []byte) (integrity.Integrity, error) {
	sum := integrity.Of(data)

	compression := s.compression
	if compression == "" {
		compression = CompressionZstd
	}
	stored, used, err := compress(data, compression)
	if err != nil {
		return "", fmt.Errorf("failed to compress cache entry %s: %w", key, err)
	}

	prev, hadPrev := s.envelopeOf(key)
	env := envelope{
		Key:         key,
		Integrity:   sum,
		Size:        len(data),
		Compression: used,
		Created:     time.Now().UnixNano(),
	}
	if err := s.writeAtomic(s.contentPath(sum, used), stored); err != nil {
		return "", err
	}

	encoded, err := cborEnc.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache index for %s: %w", key, err)
	}
	if err := s.writeAtomic(s.indexPath(key), encoded); err != nil {
		return "", err
	}
	if hadPrev && (prev.Integrity != sum || prev.Compression != used) {
		if err := s.release(prev); err != nil {
			return "", err
		}
	}
	return sum, nil
}

// Remove implements Store.
func (s *FileStore) Remove(key string) error {
	prev, hadPrev := s.envelopeOf(key)
	if err := os.Remove(s.indexPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache entry %s: %w", key, err)
	}
	if hadPrev {
		return s.release(prev)
	}
	return nil
}

// envelopeOf returns the index envelope stored for key, if one decodes.
func (s *FileStore) envelopeOf(key string) (envelope, bool) {
	raw, err := os.ReadFile(s.indexPath(key))
	if err != nil {
		return envelope{}, false
	}
	var env envelope
	if err := cborDec.Unmarshal(raw, &env); err != nil || env.Key != key {
		return envelope{}, false
	}
	return env, true
}

// release deletes the content file of old unless another index entry
// still references it.
func (s *FileStore) release(old envelope) error {
	errReferenced := errors.New("referenced")
	err := filepath.WalkDir(filepath.Join(s.dir, "index"), func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var env envelope
		if cborDec.Unmarshal(raw, &env) == nil && env.Integrity == old.Integrity && env.Compression == old.Compression {
			return errReferenced
		}
		return nil
	})
	if errors.Is(err, errReferenced) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to scan cache index: %w", err)
	}
	if err := os.Remove(s.contentPath(old.Integrity, old.Compression)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache content: %w", err)
	}
	return nil
}

// Clear deletes every entry in the store.
func (s *FileStore) Clear() error {
	for _, sub := range []string{"index", "content", "tmp"} {
		path := filepath.Join(s.dir, sub)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to recreate cache directory: %w", err)
		}
	}
	return nil
}

// Usage reports the number of index entries and the bytes held by content
// files.
func (s *FileStore) Usage() (entries int, size int64, err error) {
	err = filepath.WalkDir(filepath.Join(s.dir, "index"), func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			entries++
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan cache index: %w", err)
	}
	err = filepath.WalkDir(filepath.Join(s.dir, "content"), func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan cache content: %w", err)
	}
	return entries, size, nil
}

func (s *FileStore) indexPath(key string) string {
	name := integrity.Sum(integrity.Key, []byte(key)).Hex()
	return filepath.Join(s.dir, "index", name[:2], name+".cbor")
}

func (s *FileStore) contentPath(sum integrity.Integrity, c Compression) string {
	name := sum.Hex()
	return filepath.Join(s.dir, "content", name[:2], name+"."+string(c))
}

// writeAtomic writes data to a temp file and renames it over path so
// readers never see a partially written file.
func (s *FileStore) writeAtomic(path string, data []byte) (err error) {
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), "entry-*")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name()) // Best-effort cleanup
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}
	return nil
}
