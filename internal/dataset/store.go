package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fractal-lba/mmm/internal/errs"
)

// ErrNotFound is returned for an unknown dataset id.
var ErrNotFound = errors.New("dataset not found")

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewID returns an 8-character identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Store keeps datasets as CSV files under a directory, with optional JSON
// sidecars (for example a generator's ground truth) next to them.
type Store struct {
	dir string
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir is the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id, suffix, ext string) (string, error) {
	if !validID.MatchString(id) {
		return "", errs.Invalid("dataset id %q", id)
	}
	return filepath.Join(s.dir, id+suffix+ext), nil
}

// Create stores f under a fresh id.
func (s *Store) Create(f *Frame) (string, error) {
	id := NewID()
	return id, s.Save(id, f)
}

// Save writes f as id.csv, replacing any existing file.
func (s *Store) Save(id string, f *Frame) error {
	p, err := s.path(id, "", ".csv")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create dataset file: %w", err)
	}
	if err := WriteCSV(file, f); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

// Load reads id.csv.
func (s *Store) Load(id string) (*Frame, error) {
	p, err := s.path(id, "", ".csv")
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	defer file.Close()
	return ReadCSV(file)
}

// Exists reports whether id.csv is present.
func (s *Store) Exists(id string) bool {
	p, err := s.path(id, "", ".csv")
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// SaveSidecar writes v as JSON to id<suffix>.json.
func (s *Store) SaveSidecar(id, suffix string, v any) error {
	p, err := s.path(id, suffix, ".json")
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	return os.WriteFile(p, data, 0o600)
}

// LoadSidecar reads id<suffix>.json into v. It returns false when the file
// does not exist.
func (s *Store) LoadSidecar(id, suffix string, v any) (bool, error) {
	p, err := s.path(id, suffix, ".json")
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal sidecar: %w", err)
	}
	return true, nil
}
