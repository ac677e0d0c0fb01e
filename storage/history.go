package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"clipmesh/models"
)

// SaveHistoryItem inserts (or replaces) one clipboard history entry and
// trims the table to keep at most limit entries, newest first. A limit of 0
// disables trimming.
func (s *Store) SaveHistoryItem(item models.ClipboardItem, limit int) error {
	if item.Payload.ID == "" {
		return errors.New("history item id is required")
	}

	files, err := json.Marshal(item.Payload.Files)
	if err != nil {
		return fmt.Errorf("marshal history files: %w", err)
	}

	isLocal := 0
	if item.Local {
		isLocal = 1
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO clipboard_history (
			id,
			text,
			files,
			batch_id,
			sender,
			sender_id,
			is_local,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Payload.ID,
		item.Payload.Text,
		string(files),
		item.Payload.BatchID,
		item.Payload.Sender,
		item.Payload.SenderID,
		isLocal,
		item.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history item %q: %w", item.Payload.ID, err)
	}

	if limit > 0 {
		if err := s.trimHistory(limit); err != nil {
			return err
		}
	}
	return nil
}

// ListHistory returns clipboard history entries, newest first.
func (s *Store) ListHistory(limit int) ([]models.ClipboardItem, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, text, files, batch_id, sender, sender_id, is_local, created_at
		FROM clipboard_history
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]models.ClipboardItem, 0)
	for rows.Next() {
		var item models.ClipboardItem
		var files string
		var isLocal int
		if err := rows.Scan(
			&item.Payload.ID,
			&item.Payload.Text,
			&files,
			&item.Payload.BatchID,
			&item.Payload.Sender,
			&item.Payload.SenderID,
			&isLocal,
			&item.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &item.Payload.Files); err != nil {
			return nil, fmt.Errorf("decode history files for %q: %w", item.Payload.ID, err)
		}
		item.Payload.Timestamp = item.ReceivedAt
		item.Local = isLocal != 0
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	return items, nil
}

// DeleteHistoryItem removes one history entry. Deleting an absent id is not
// an error; broadcast-driven deletes routinely race.
func (s *Store) DeleteHistoryItem(id string) error {
	if id == "" {
		return errors.New("history item id is required")
	}
	if _, err := s.db.Exec(`DELETE FROM clipboard_history WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete history item %q: %w", id, err)
	}
	return nil
}

// ClearHistory removes all history entries.
func (s *Store) ClearHistory() error {
	if _, err := s.db.Exec(`DELETE FROM clipboard_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *Store) trimHistory(limit int) error {
	_, err := s.db.Exec(
		`DELETE FROM clipboard_history
		WHERE id NOT IN (
			SELECT id FROM clipboard_history
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`,
		limit,
	)
	if err != nil {
		return fmt.Errorf("trim history to %d entries: %w", limit, err)
	}
	return nil
}
