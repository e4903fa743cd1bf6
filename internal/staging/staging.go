// Package staging keeps uploaded files on local disk until the queue has
// sent them to the backend.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yokitheyo/qms-uploader/internal/logging"
)

type Store struct {
	Dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &Store{Dir: dir}, nil
}

// Save copies src to {id}_{name}. The name is reduced to its base so a
// client cannot write outside the staging directory.
func (s *Store) Save(id, filename string, src io.Reader) (string, error) {
	path := filepath.Join(s.Dir, id+"_"+sanitize(filename))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close staged file: %w", err)
	}
	return path, nil
}

// Remove deletes a staged file. Files outside the store are left alone.
func (s *Store) Remove(path string) error {
	if filepath.Dir(filepath.Clean(path)) != filepath.Clean(s.Dir) {
		return fmt.Errorf("%s is not a staged file", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CleanOld removes staged files last modified before now minus retention.
// Files for which keep returns true are left alone however old they are;
// a nil keep keeps nothing.
func (s *Store) CleanOld(retention time.Duration, keep func(path string) bool, logger *logging.Logger) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		logger.Error("staging cleanup failed", "error", err)
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	cleaned := 0

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.Dir, e.Name())
		if info.ModTime().Before(cutoff) && (keep == nil || !keep(path)) {
			if err := os.Remove(path); err != nil {
				logger.Warn("failed to remove staged file", "path", path, "error", err)
			} else {
				cleaned++
			}
		}
	}

	if cleaned > 0 {
		logger.Info("cleaned up staged files", "count", cleaned)
	}
	return cleaned, nil
}

func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "upload"
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, name)
}
