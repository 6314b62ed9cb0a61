package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// CorruptSuffix is appended to an unreadable document before it is replaced
// by the defaults.
const CorruptSuffix = ".corrupt"

// IOError reports a failure reading or writing the persisted document.
type IOError struct {
	Op   string // "read", "parse", "write"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("config %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// FileStore keeps the entry set in a single JSON file.
type FileStore struct {
	path string
	log  logrus.FieldLogger
}

// NewFileStore returns a store backed by the file at path. The file does not
// need to exist yet.
func NewFileStore(path string, log logrus.FieldLogger) *FileStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileStore{path: path, log: log.WithField("config", path)}
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the persisted set. A missing document is created with
// Defaults. An unreadable document is logged, renamed with CorruptSuffix and
// then handled as missing.
func (s *FileStore) Load() Entries {
	entries, err := s.read()
	if err == nil {
		s.log.Infof("loaded %d proxy configurations", len(entries))
		return entries
	}

	if !errors.Is(err, fs.ErrNotExist) {
		s.log.WithError(err).Error("error loading proxy config")

		aside := s.path + CorruptSuffix
		if rerr := os.Rename(s.path, aside); rerr != nil {
			s.log.WithError(rerr).Error("cannot move unreadable config aside, using defaults in memory only")
			return Defaults()
		}
		s.log.Warnf("moved unreadable config to %s", aside)
	}

	defaults := Defaults()
	if err := s.Save(defaults); err != nil {
		s.log.WithError(err).Error("error writing default proxy config")
	} else {
		s.log.Info("created default proxy configuration")
	}
	return defaults
}

func (s *FileStore) read() (Entries, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fs.ErrNotExist
	}

	var entries Entries
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &IOError{Op: "parse", Path: s.path, Err: err}
	}
	return entries, nil
}

// Save replaces the document with entries. The write goes to a temporary
// file in the same directory which is then renamed over the document, so a
// reader never sees a partial file.
func (s *FileStore) Save(entries Entries) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &IOError{Op: "write", Path: s.path, Err: err}
	}
	data = append(data, '\n')

	if err := writeFileAtomic(s.path, data); err != nil {
		return &IOError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := bytes.NewReader(data).WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
