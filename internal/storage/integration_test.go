// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build integration

package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jeranaias/chatwidget/internal/model"
)

func roundTrip(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	store := New(backend)
	flow := "it-" + model.NewConversationID("")
	t.Cleanup(func() { _ = store.Delete(ctx, flow) })

	if err := store.Save(ctx, flow, Record{ChatID: "c1", Lead: &model.Lead{Phone: "1"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.ClearHistory(ctx, flow); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	rec, err := store.Load(ctx, flow)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.ChatID != "" || rec.Lead == nil || rec.Lead.Phone != "1" {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	backend, err := NewRedisBackend(context.Background(), addr, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()
	roundTrip(t, backend)
}

func TestPostgresBackend(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	backend, err := NewPostgresBackend(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()
	roundTrip(t, backend)
}
