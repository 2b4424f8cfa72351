// Package state persists datasource state records. Two backends honor
// the same engine.StateStore contract: a JSON file per datasource for
// human inspection and diffing, and a SQLite database for installs that
// prefer a single artifact. Neither serializes concurrent runs against
// the same datasource name; that hazard is the caller's to avoid.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/openlakehouse/lakesource/pkg/engine"
)

// FileStore keeps one pretty-printed JSON document per datasource name
// under a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed and returns a store
// over it.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("state root path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory %q: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Get loads the record for a name, or nil if no document exists.
func (s *FileStore) Get(_ context.Context, name string) (*engine.StateRecord, error) {
	data, err := os.ReadFile(s.pathFor(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state for %q: %w", name, err)
	}
	var record engine.StateRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding state for %q: %w", name, err)
	}
	if record.Resources == nil {
		record.Resources = make(map[string]*engine.ResourceRecord)
	}
	return &record, nil
}

// Put writes the record to a temporary file in the same directory and
// atomically renames it over the final path, so a crash mid-write never
// leaves a corrupted document: the last fully written record always
// survives a restart.
func (s *FileStore) Put(_ context.Context, record *engine.StateRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state for %q: %w", record.Name, err)
	}
	data = append(data, '\n')

	final := s.pathFor(record.Name)
	tmp, err := os.CreateTemp(s.root, filepath.Base(final)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state for %q: %w", record.Name, err)
	}
	return nil
}

// Delete removes the document for a name. Absent documents are a no-op.
func (s *FileStore) Delete(_ context.Context, name string) error {
	if err := os.Remove(s.pathFor(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing state for %q: %w", name, err)
	}
	return nil
}

// List returns every persisted record.
func (s *FileStore) List(_ context.Context) ([]*engine.StateRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing state directory: %w", err)
	}
	var records []*engine.StateRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", entry.Name(), err)
		}
		var record engine.StateRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", entry.Name(), err)
		}
		records = append(records, &record)
	}
	return records, nil
}

func (s *FileStore) pathFor(name string) string {
	safe := strings.ReplaceAll(name, "/", "_")
	return filepath.Join(s.root, safe+".json")
}
