package sigstat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists the statistics table as one JSON file, read once at startup
// and overwritten (never appended) on each save.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the stats file. A missing file is not an error: the station may
// simply never have run before.
func (s *Store) Load() (map[string]Stats, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Stats{}, nil
		}
		return nil, fmt.Errorf("read stats file: %w", err)
	}
	out := map[string]Stats{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse stats file %s: %w", s.path, err)
	}
	return out, nil
}

// Save overwrites the stats file atomically: write a temp file next to it,
// then rename. A crash mid-save leaves the previous file intact.
func (s *Store) Save(table map[string]Stats) error {
	b, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp stats file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp stats file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp stats file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace stats file: %w", err)
	}
	return nil
}
