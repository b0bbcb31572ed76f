package backlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFile is the backlog file name used when none is configured.
const DefaultFile = "prd.json"

// Store persists a backlog as a JSON document at a fixed path.
// Writes are atomic (tmp -> fsync -> rename), so a concurrent reader sees
// either the previous or the next version, never a partial file.
type Store struct {
	path string
}

// NewStore returns a store for the backlog file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backlog file path.
func (s *Store) Path() string { return s.path }

// Load reads and parses the backlog and applies the run-time rules of Check.
// The stricter authoring rules are left to Validate.
func (s *Store) Load() (*Backlog, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, loadErr(s.path, ErrNotFound, err, "no backlog file")
		}
		return nil, fmt.Errorf("read backlog %s: %w", s.path, err)
	}

	b, err := parse(data, s.path)
	if err != nil {
		return nil, err
	}
	if err := check(b, loadValidate, s.path); err != nil {
		return nil, err
	}
	return b, nil
}

// Parse decodes a backlog document without applying any rules.
func Parse(data []byte) (*Backlog, error) {
	return parse(data, "")
}

func parse(data []byte, path string) (*Backlog, error) {
	var b Backlog
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, loadErr(path, ErrMalformed, err, "%v", err)
	}
	if b.Stories == nil {
		return nil, loadErr(path, ErrMalformed, nil, "missing \"stories\" array")
	}
	return &b, nil
}

// Marshal renders the backlog exactly as Save writes it.
func Marshal(b *Backlog) ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal backlog: %w", err)
	}
	return append(data, '\n'), nil
}

// Save atomically replaces the backlog file.
func (s *Store) Save(b *Backlog) error {
	data, err := Marshal(b)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, data)
}

// Reset sets passes=false on the given stories, or on all of them when ids
// is empty. Returns the number of stories changed. The file is only
// rewritten when something changed.
func (s *Store) Reset(ids ...string) (int, error) {
	b, err := s.Load()
	if err != nil {
		return 0, err
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if b.Story(id) == nil {
			return 0, fmt.Errorf("unknown story %q", id)
		}
		want[id] = true
	}

	changed := 0
	for i := range b.Stories {
		st := &b.Stories[i]
		if len(want) > 0 && !want[st.ID] {
			continue
		}
		if st.Passes {
			st.Passes = false
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, s.Save(b)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backlog dir: %w", err)
	}

	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp backlog: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp backlog: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp backlog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp backlog: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp backlog: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace backlog: %w", err)
	}
	return nil
}
