package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// ErrTooLarge is returned when an upload exceeds the configured size cap.
var ErrTooLarge = errors.New("payload exceeds size limit")

// Store keeps uploaded audio payloads on local disk, one file per job,
// named {jobID}_{basename}. Writes go to a temp file in the same directory
// and are renamed into place, so a partially written blob is never visible
// under its final name.
type Store struct {
	dir    string
	logger arbor.ILogger
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, logger arbor.ILogger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("blob store directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob store directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the blob path for a job. The filename is reduced to its
// base name so client-supplied paths cannot escape the store root.
func (s *Store) Path(jobID, filename string) string {
	return filepath.Join(s.dir, jobID+"_"+sanitizeName(filename))
}

// Put streams r to disk for the given job, enforcing maxBytes. Returns the
// final path and the byte count. On ErrTooLarge nothing is left on disk.
func (s *Store) Put(jobID, filename string, r io.Reader, maxBytes int64) (string, int64, error) {
	finalPath := s.Path(jobID, filename)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Read one byte past the cap so an exactly-at-limit payload passes and
	// an over-limit one is detected without buffering the whole body.
	written, err := io.Copy(tmp, io.LimitReader(r, maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpPath)
		return "", 0, ErrTooLarge
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to finalize blob: %w", err)
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Str("path", finalPath).
		Int64("bytes", written).
		Msg("Blob stored")

	return finalPath, written, nil
}

// Open opens the blob for reading. Returns os.ErrNotExist when the blob
// has already been cleaned up.
func (s *Store) Open(jobID, filename string) (*os.File, error) {
	return os.Open(s.Path(jobID, filename))
}

// Delete removes the blob for a job. Missing blobs are not an error; the
// worker and the janitor may race on cleanup.
func (s *Store) Delete(jobID, filename string) error {
	err := os.Remove(s.Path(jobID, filename))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// DeleteByJobID removes any blob belonging to the job, used when the
// original filename is no longer known.
func (s *Store) DeleteByJobID(jobID string) error {
	matches, err := filepath.Glob(filepath.Join(s.dir, jobID+"_*"))
	if err != nil {
		return fmt.Errorf("failed to scan blob store: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete blob %s: %w", filepath.Base(m), err)
		}
	}
	return nil
}

// SweepFunc decides whether a blob may be removed, given the job ID parsed
// from the blob name and the file's modification time.
type SweepFunc func(jobID string, modTime time.Time) bool

// Sweep walks the store and removes blobs the callback approves, plus any
// abandoned temp files older than an hour. Returns the number removed.
func (s *Store) Sweep(shouldRemove SweepFunc) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read blob store directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		info, err := entry.Info()
		if err != nil {
			continue
		}

		// Abandoned temp file from a crashed upload
		if strings.HasPrefix(name, ".upload-") {
			if time.Since(info.ModTime()) > time.Hour {
				if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
					removed++
				}
			}
			continue
		}

		jobID, _, found := strings.Cut(name, "_")
		if !found {
			continue
		}

		if shouldRemove(jobID, info.ModTime()) {
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
				if !os.IsNotExist(err) {
					s.logger.Warn().Err(err).Str("blob", name).Msg("Failed to remove blob during sweep")
				}
				continue
			}
			removed++
		}
	}

	return removed, nil
}

// sanitizeName strips path components and characters that are unsafe in a
// flat directory of blobs.
func sanitizeName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == ".." || base == "" || base == "/" {
		return "upload"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
