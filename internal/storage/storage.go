package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/proxy-rotator/internal/types"
)

// Storage is a sink for pool status reports.
type Storage interface {
	Save(report *types.Snapshot) error
	Load() (*types.Snapshot, error)
	Close() error
}

// NewStorage opens the sink named by storageType. For "redis" path is the
// server address.
func NewStorage(storageType string, path string) (Storage, error) {
	var (
		s   Storage
		err error
	)
	switch storageType {
	case "", "none":
		return NopStorage{}, nil
	case "file":
		s, err = NewFileStorage(path)
	case "sqlite":
		s, err = NewSQLiteStorage(path)
	case "redis":
		s, err = NewRedisStorage(path)
	default:
		return nil, fmt.Errorf("storage type %q is not supported", storageType)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NopStorage discards reports.
type NopStorage struct{}

func (NopStorage) Save(*types.Snapshot) error     { return nil }
func (NopStorage) Load() (*types.Snapshot, error) { return nil, nil }
func (NopStorage) Close() error                   { return nil }

// FileStorage writes the latest report as an indented JSON document.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &FileStorage{path: path}, nil
}

// Save replaces the report file atomically. Each write goes through its own
// temp file in the target directory so concurrent saves never interleave.
func (f *FileStorage) Save(report *types.Snapshot) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp report: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace report: %w", err)
	}
	return nil
}

func (f *FileStorage) Load() (*types.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}

	report := &types.Snapshot{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

func (f *FileStorage) Close() error { return nil }
