// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/chatwidget/internal/util"
)

// FileBackend stores one JSON file per key.
type FileBackend struct {
	// BaseDir is the directory holding the files.
	// Default: ~/.chatwidget/history/
	BaseDir string
}

// NewFileBackend creates the directory if needed.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		baseDir = filepath.Join(home, ".chatwidget", "history")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &FileBackend{BaseDir: baseDir}, nil
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.filePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrRecordNotFound
	}
	return data, err
}

func (f *FileBackend) Put(_ context.Context, key string, data []byte) error {
	return util.AtomicWriteFile(f.filePath(key), data, 0o600)
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(f.filePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileBackend) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.BaseDir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}

func (f *FileBackend) Close() error { return nil }

// filePath maps a key onto a file, keeping it inside BaseDir.
func (f *FileBackend) filePath(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, key)
	if safe == "." || safe == ".." {
		safe = "_"
	}
	return filepath.Join(f.BaseDir, safe+".json")
}
