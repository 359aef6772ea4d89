// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jeranaias/chatwidget/internal/model"
)

// backendsUnderTest returns the backends that run without external services.
func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()

	fileBackend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	sqliteBackend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	t.Cleanup(func() { sqliteBackend.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   fileBackend,
		"sqlite": sqliteBackend,
	}
}

func TestStore_SaveMergesFields(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			store := New(backend)

			history := []model.Message{model.NewMessage(model.RoleUser, "hello")}
			if err := store.Save(ctx, "flow", Record{ChatID: "c1", ChatHistory: history}); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := store.Save(ctx, "flow", Record{Lead: &model.Lead{Email: "a@b.c"}}); err != nil {
				t.Fatalf("Save lead: %v", err)
			}

			rec, err := store.Load(ctx, "flow")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if rec.ChatID != "c1" {
				t.Errorf("ChatID = %q, want c1", rec.ChatID)
			}
			if len(rec.ChatHistory) != 1 || rec.ChatHistory[0].Text != "hello" {
				t.Errorf("ChatHistory = %+v", rec.ChatHistory)
			}
			if rec.Lead == nil || rec.Lead.Email != "a@b.c" {
				t.Errorf("Lead = %+v", rec.Lead)
			}
		})
	}
}

func TestStore_ClearHistoryKeepsLead(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			store := New(backend)
			_ = store.Save(ctx, "flow", Record{
				ChatID:      "c1",
				ChatHistory: []model.Message{model.NewMessage(model.RoleUser, "q")},
				Lead:        &model.Lead{Name: "Ann"},
			})

			if err := store.ClearHistory(ctx, "flow"); err != nil {
				t.Fatalf("ClearHistory: %v", err)
			}
			rec, _ := store.Load(ctx, "flow")
			if rec.ChatID != "" || len(rec.ChatHistory) != 0 {
				t.Errorf("history not cleared: %+v", rec)
			}
			if rec.Lead == nil || rec.Lead.Name != "Ann" {
				t.Errorf("lead lost: %+v", rec.Lead)
			}
		})
	}
}

func TestStore_ClearHistoryWithoutLeadDeletes(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := New(backend)
	_ = store.Save(ctx, "flow", Record{ChatID: "c1"})

	if err := store.ClearHistory(ctx, "flow"); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.Get(ctx, Key("flow")); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected record removed, got %v", err)
	}
}

func TestStore_LoadMissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := New(backend)

	rec, err := store.Load(ctx, "missing")
	if err != nil || rec == nil || rec.ChatID != "" {
		t.Errorf("missing record: %+v, %v", rec, err)
	}

	_ = backend.Put(ctx, Key("broken"), []byte("{not json"))
	rec, err = store.Load(ctx, "broken")
	if err != nil || rec == nil || len(rec.ChatHistory) != 0 {
		t.Errorf("corrupt record should load empty: %+v, %v", rec, err)
	}
}

func TestStore_SaveStripsUploadData(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend())

	msg := model.NewMessage(model.RoleUser, "see file")
	msg.FileUploads = []model.FileUpload{{Data: "data:image/png;base64,AAAA", Type: "file", Name: "a.png", Mime: "image/png"}}
	history := []model.Message{msg}

	if err := store.Save(ctx, "flow", Record{ChatHistory: history}); err != nil {
		t.Fatal(err)
	}
	if history[0].FileUploads[0].Data == "" {
		t.Error("caller's slice must not be modified")
	}

	rec, _ := store.Load(ctx, "flow")
	up := rec.ChatHistory[0].FileUploads[0]
	if up.Data != "" || up.Name != "a.png" {
		t.Errorf("upload = %+v", up)
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend())

	older := model.Message{Role: model.RoleUser, Text: "first question\nmore", DateTime: "2025-01-01T00:00:00.000Z"}
	newer := model.Message{Role: model.RoleUser, Text: "other", DateTime: "2025-02-01T00:00:00.000Z"}
	_ = store.Save(ctx, "a", Record{ChatID: "ca", ChatHistory: []model.Message{older}})
	_ = store.Save(ctx, "b", Record{ChatID: "cb", ChatHistory: []model.Message{newer}})

	metas, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 {
		t.Fatalf("len = %d, want 2", len(metas))
	}
	if metas[0].ChatflowID != "b" || metas[1].Preview != "first question" {
		t.Errorf("metas = %+v", metas)
	}
}

func TestFileBackend_KeyStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	fb, _ := NewFileBackend(dir)
	if err := fb.Put(context.Background(), "../escape", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.json")); err == nil {
		t.Error("file written outside base dir")
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "floppy"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestOpen_Memory(t *testing.T) {
	store, err := Open(context.Background(), Options{Backend: BackendMemory})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Save(context.Background(), "f", Record{ChatID: "x"}); err != nil {
		t.Fatal(err)
	}
}
