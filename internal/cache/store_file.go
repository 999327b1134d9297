package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileRecordExt = ".doc"

// FileStore implements Store using one file per record in a directory.
//
// Each file holds a single JSON header line followed by the raw payload, and
// is replaced atomically via temp file + rename. The file's modification time
// carries the last access time so Touch never rewrites the payload.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// fileHeader is the first line of a record file.
type fileHeader struct {
	ID            string    `json:"id"`
	Token         string    `json:"token"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
	SchemaVersion int       `json:"schema_version"`
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Name implements Store.
func (s *FileStore) Name() string { return "file" }

// path maps an id to a file name; ids may contain path separators.
func (s *FileStore) path(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+fileRecordExt)
}

// Load reads the full record for id.
func (s *FileStore) Load(_ context.Context, id string) (*Record, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache file: %w", err)
	}

	r := bufio.NewReader(f)
	hdr, err := readFileHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.ID != id {
		return nil, ErrNotFound
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache payload: %w", err)
	}

	return &Record{
		ID:            hdr.ID,
		Data:          data,
		SchemaVersion: hdr.SchemaVersion,
		Metadata: Metadata{
			Token:      hdr.Token,
			Size:       hdr.Size,
			CreatedAt:  hdr.CreatedAt,
			LastAccess: info.ModTime(),
		},
	}, nil
}

func readFileHeader(r *bufio.Reader) (*fileHeader, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read cache header: %w", err)
	}
	var hdr fileHeader
	if err := json.Unmarshal(bytes.TrimSpace(line), &hdr); err != nil {
		return nil, fmt.Errorf("failed to parse cache header: %w", err)
	}
	return &hdr, nil
}

// Save writes rec atomically.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	header, err := json.Marshal(fileHeader{
		ID:            rec.ID,
		Token:         rec.Token,
		Size:          rec.Size,
		CreatedAt:     rec.CreatedAt,
		SchemaVersion: rec.SchemaVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache header: %w", err)
	}

	target := s.path(rec.ID)
	tmp, err := os.CreateTemp(s.dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	_, err = w.Write(append(header, '\n'))
	if err == nil {
		_, err = w.Write(rec.Data)
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	at := rec.LastAccess
	if at.IsZero() {
		at = time.Now()
	}
	if err := os.Chtimes(tmpName, at, at); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to stamp cache file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Touch stamps the record file's modification time.
func (s *FileStore) Touch(_ context.Context, id string, at time.Time) error {
	err := os.Chtimes(s.path(id), at, at)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to touch cache file: %w", err)
	}
	return nil
}

// Delete removes the record file for id.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

// Clear removes every record file and stray temp file.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, fileRecordExt) || strings.HasPrefix(name, "tmp-")) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List reads every record header. Files whose header cannot be read are
// removed from the directory and left out of the result.
func (s *FileStore) List(_ context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileRecordExt) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		rec, err := s.readMeta(path)
		if err != nil {
			if !os.IsNotExist(err) {
				_ = os.Remove(path)
			}
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *FileStore) readMeta(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	hdr, err := readFileHeader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:            hdr.ID,
		SchemaVersion: hdr.SchemaVersion,
		Metadata: Metadata{
			Token:      hdr.Token,
			Size:       hdr.Size,
			CreatedAt:  hdr.CreatedAt,
			LastAccess: info.ModTime(),
		},
	}, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
