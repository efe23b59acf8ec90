// Package store implements the filesystem contract shared by every
// component: atomic write-then-rename for JSON state files, snapshot reads,
// and advisory file locks. Files are the coordination medium between the
// supervisor and its agents because they are separate processes; nothing
// in-memory is shared across that boundary.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSONAtomic serializes v as indented JSON and installs it at path by
// writing to a temp file in the same directory and renaming over the
// target, so readers never observe a partially written file.
func WriteJSONAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file into %s: %w", path, err)
	}

	return nil
}

// ReadJSON reads and decodes the JSON document at path into v. A missing
// file returns os.ErrNotExist unchanged so callers can apply their own
// default (e.g. brain_state.json's documented defaults).
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path can be stat'd; it does not distinguish regular
// files from directories.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
