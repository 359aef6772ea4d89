// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/chatwidget/internal/util"
)

// =============================================================================
// STATS STORAGE
// =============================================================================

// StatsStorage persists session stats as one JSON file per session.
type StatsStorage struct {
	dir string
}

// NewStatsStorage creates the storage directory. An empty dir uses
// ~/.chatwidget/stats.
func NewStatsStorage(dir string) (*StatsStorage, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(homeDir, ".chatwidget", "stats")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create stats dir: %w", err)
	}
	return &StatsStorage{dir: dir}, nil
}

// Save writes a session.
func (s *StatsStorage) Save(session *SessionStats) error {
	if session == nil {
		return nil
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(filepath.Join(s.dir, session.ID+".json"), data, 0o600)
}

// Load reads a session by ID.
func (s *StatsStorage) Load(sessionID string) (*SessionStats, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, sessionID+".json"))
	if err != nil {
		return nil, err
	}
	var session SessionStats
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode stats %s: %w", sessionID, err)
	}
	return &session, nil
}

// List returns the session IDs started within [from, to], oldest first.
func (s *StatsStorage) List(from, to time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")

		// Format: YYYYMMDD-HHMMSS-counter
		stamp := id
		if parts := strings.Split(id, "-"); len(parts) >= 2 {
			stamp = parts[0] + "-" + parts[1]
		}
		started, err := time.ParseInLocation("20060102-150405", stamp, time.Local)
		if err != nil {
			continue
		}
		if started.Before(from) || started.After(to) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
