package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"clipmesh/models"
)

const (
	// MaxMessageSize is the maximum accepted control message size (10 MB).
	MaxMessageSize = 10 * 1024 * 1024
	// MaxFileHeaderSize bounds the JSON header line on a file stream.
	MaxFileHeaderSize = 4096
)

const (
	TypeClipboard     = "clipboard"
	TypePairRequest   = "pair_request"
	TypePairResponse  = "pair_response"
	TypeWelcome       = "welcome"
	TypePeerDiscovery = "peer_discovery"
	TypePeerRemoval   = "peer_removal"
	TypeHistoryDelete = "history_delete"
	TypeFileRequest   = "file_request"
)

var (
	// ErrMessageTooLarge indicates a control message exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("protocol: message exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	// ErrHeaderTooLong indicates a file stream header line exceeds MaxFileHeaderSize.
	ErrHeaderTooLong = errors.New("protocol: file header line too long")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// ClipboardMessage carries one encrypted clipboard payload. Data is the
// base64 encoding of the sealed models.ClipboardPayload JSON.
type ClipboardMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// PairRequest opens a pairing exchange. Msg is the base64 encoding of the
// requester's key-exchange message.
type PairRequest struct {
	Type     string `json:"type"`
	Msg      string `json:"msg"`
	DeviceID string `json:"device_id"`
}

// PairResponse answers a PairRequest with the responder's key-exchange
// message.
type PairResponse struct {
	Type     string `json:"type"`
	Msg      string `json:"msg"`
	DeviceID string `json:"device_id"`
}

// Welcome admits a freshly paired device into the cluster.
// EncryptedClusterKey is the base64 encoding of the cluster key sealed under
// the pairing-derived key.
type Welcome struct {
	Type                string        `json:"type"`
	EncryptedClusterKey string        `json:"encrypted_cluster_key"`
	KnownPeers          []models.Peer `json:"known_peers"`
	NetworkName         string        `json:"network_name"`
	NetworkPin          string        `json:"network_pin"`
}

// PeerDiscovery announces a peer, either as a heartbeat for the sender
// itself or as gossip about a third device.
type PeerDiscovery struct {
	Type string      `json:"type"`
	Peer models.Peer `json:"peer"`
}

// PeerRemoval announces that a device left or was expelled.
type PeerRemoval struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// HistoryDelete propagates deletion of one clipboard history entry.
type HistoryDelete struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// FileRequest asks the holder of a file batch to push one file back. Data is
// the base64 encoding of the sealed FileRequestPayload JSON.
type FileRequest struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// FileRequestPayload is the plaintext inside a FileRequest.
type FileRequestPayload struct {
	BatchID   string `json:"batch_id"`
	FileIndex int    `json:"file_index"`
}

// FileStreamHeader is the single JSON line that precedes raw file bytes on a
// file stream.
type FileStreamHeader struct {
	BatchID   string `json:"batch_id"`
	FileIndex int    `json:"file_index"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	AuthToken string `json:"auth_token"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFileHeader writes the newline-terminated header that opens a file
// stream.
func WriteFileHeader(w io.Writer, header FileStreamHeader) error {
	line, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal file header: %w", err)
	}
	if len(line) >= MaxFileHeaderSize {
		return ErrHeaderTooLong
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write file header: %w", err)
	}
	return nil
}

// ReadFileHeader reads the header line from a file stream, leaving the
// reader positioned at the first raw byte.
func ReadFileHeader(r io.ByteReader) (FileStreamHeader, error) {
	var header FileStreamHeader

	line := make([]byte, 0, 256)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return header, fmt.Errorf("read file header: %w", err)
		}
		if b == '\n' {
			break
		}
		line = append(line, b)
		if len(line) >= MaxFileHeaderSize {
			return header, ErrHeaderTooLong
		}
	}

	if err := json.Unmarshal(line, &header); err != nil {
		return header, fmt.Errorf("decode file header: %w", err)
	}
	return header, nil
}
