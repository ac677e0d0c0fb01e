package storage

import (
	"testing"

	"clipmesh/models"
)

func TestHistoryInsertAndList(t *testing.T) {
	store := newTestStore(t)

	item := historyItem("item-1", "hello cluster", testCreatedAt(0))
	item.Payload.Files = []models.FileMeta{{Name: "report.pdf", Size: 81920, ContentType: "application/pdf"}}
	item.Payload.BatchID = "batch-1"
	item.Local = true

	if err := store.SaveHistoryItem(item, 0); err != nil {
		t.Fatalf("SaveHistoryItem failed: %v", err)
	}

	items, err := store.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 history item, got %d", len(items))
	}
	got := items[0]
	if got.Payload.Text != "hello cluster" || !got.Local {
		t.Fatalf("unexpected history item: %+v", got)
	}
	if len(got.Payload.Files) != 1 || got.Payload.Files[0].Name != "report.pdf" {
		t.Fatalf("expected file metadata to survive, got %+v", got.Payload.Files)
	}
	if got.Payload.BatchID != "batch-1" {
		t.Fatalf("expected batch id to survive, got %q", got.Payload.BatchID)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"item-old", "item-mid", "item-new"} {
		if err := store.SaveHistoryItem(historyItem(id, id, testCreatedAt(i)), 0); err != nil {
			t.Fatalf("SaveHistoryItem failed: %v", err)
		}
	}

	items, err := store.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Payload.ID != "item-new" || items[2].Payload.ID != "item-old" {
		t.Fatalf("expected newest first, got %q .. %q", items[0].Payload.ID, items[2].Payload.ID)
	}
}

func TestHistoryTrimsToLimit(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		item := historyItem(string(rune('a'+i)), "entry", testCreatedAt(i))
		if err := store.SaveHistoryItem(item, 3); err != nil {
			t.Fatalf("SaveHistoryItem failed: %v", err)
		}
	}

	items, err := store.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected history trimmed to 3 entries, got %d", len(items))
	}
	if items[0].Payload.ID != "e" {
		t.Fatalf("expected newest entry retained, got %q", items[0].Payload.ID)
	}
}

func TestHistoryDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveHistoryItem(historyItem("item-1", "text", testCreatedAt(0)), 0); err != nil {
		t.Fatalf("SaveHistoryItem failed: %v", err)
	}
	if err := store.DeleteHistoryItem("item-1"); err != nil {
		t.Fatalf("DeleteHistoryItem failed: %v", err)
	}
	if err := store.DeleteHistoryItem("item-1"); err != nil {
		t.Fatalf("expected deleting an absent id to succeed, got %v", err)
	}

	items, err := store.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty history, got %d items", len(items))
	}
}

func TestHistoryClear(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := store.SaveHistoryItem(historyItem(string(rune('a'+i)), "entry", testCreatedAt(i)), 0); err != nil {
			t.Fatalf("SaveHistoryItem failed: %v", err)
		}
	}
	if err := store.ClearHistory(); err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}

	items, err := store.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty history after clear, got %d items", len(items))
	}
}
