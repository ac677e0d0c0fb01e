package storage

import (
	"errors"
	"fmt"
	"time"
)

const (
	TransferDirectionSend    = "send"
	TransferDirectionReceive = "receive"

	TransferStatusPending  = "pending"
	TransferStatusActive   = "active"
	TransferStatusComplete = "complete"
	TransferStatusFailed   = "failed"
)

// TransferRecord is one row of file-transfer bookkeeping.
type TransferRecord struct {
	BatchID    string
	FileIndex  int
	Direction  string
	FileName   string
	FileSize   int64
	PeerID     string
	Status     string
	StoredPath string
	UpdatedAt  int64
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusActive, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

// RecordTransfer inserts or replaces one transfer row.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.BatchID == "" {
		return errors.New("batch_id is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateTransferDirection(record.Direction); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = TransferStatusPending
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = time.Now().Unix()
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO file_transfers (
			batch_id,
			file_index,
			direction,
			file_name,
			file_size,
			peer_id,
			status,
			stored_path,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.BatchID,
		record.FileIndex,
		record.Direction,
		record.FileName,
		record.FileSize,
		record.PeerID,
		record.Status,
		record.StoredPath,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer %q[%d]: %w", record.BatchID, record.FileIndex, err)
	}
	return nil
}

// UpdateTransferStatus moves one transfer row to a new status, optionally
// recording where the bytes landed.
func (s *Store) UpdateTransferStatus(batchID string, fileIndex int, direction, status, storedPath string) error {
	if err := validateTransferDirection(direction); err != nil {
		return err
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`UPDATE file_transfers
		SET status = ?, stored_path = CASE WHEN ? != '' THEN ? ELSE stored_path END, updated_at = ?
		WHERE batch_id = ? AND file_index = ? AND direction = ?`,
		status,
		storedPath,
		storedPath,
		time.Now().Unix(),
		batchID,
		fileIndex,
		direction,
	)
	if err != nil {
		return fmt.Errorf("update transfer %q[%d]: %w", batchID, fileIndex, err)
	}
	return nil
}

// ListTransfers returns transfer rows, most recently updated first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT batch_id, file_index, direction, file_name, file_size, peer_id, status, stored_path, updated_at
		FROM file_transfers
		ORDER BY updated_at DESC, batch_id, file_index
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(
			&record.BatchID,
			&record.FileIndex,
			&record.Direction,
			&record.FileName,
			&record.FileSize,
			&record.PeerID,
			&record.Status,
			&record.StoredPath,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}
