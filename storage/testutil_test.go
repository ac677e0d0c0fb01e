package storage

import (
	"testing"
	"time"

	"clipmesh/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func historyItem(id, text string, createdAt int64) models.ClipboardItem {
	return models.ClipboardItem{
		Payload: models.ClipboardPayload{
			ID:       id,
			Text:     text,
			Sender:   "laptop",
			SenderID: "device-a",
		},
		ReceivedAt: createdAt,
	}
}

func testCreatedAt(offsetSeconds int) int64 {
	return time.Now().Add(time.Duration(offsetSeconds) * time.Second).Unix()
}
