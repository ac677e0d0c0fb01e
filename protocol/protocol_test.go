package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"clipmesh/models"
)

func TestDecodeMessageType(t *testing.T) {
	payload, err := EncodeJSON(PeerRemoval{Type: TypePeerRemoval, DeviceID: "device-a"})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}

	messageType, err := DecodeMessageType(payload)
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if messageType != TypePeerRemoval {
		t.Fatalf("expected %q, got %q", TypePeerRemoval, messageType)
	}
}

func TestDecodeMessageTypeMissing(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"data":"x"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := DecodeMessageType([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error for malformed payload")
	}
}

func TestWelcomeRoundTrip(t *testing.T) {
	welcome := Welcome{
		Type:                TypeWelcome,
		EncryptedClusterKey: "c2VhbGVk",
		KnownPeers: []models.Peer{
			{ID: "device-b", IP: "192.168.1.20", Port: 46424, Hostname: "laptop", IsTrusted: true},
		},
		NetworkName: "amber-falcon",
		NetworkPin:  "7KQ2ZN",
	}

	payload, err := EncodeJSON(welcome)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}

	var decoded Welcome
	if err := decodeInto(payload, &decoded); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if decoded.NetworkPin != welcome.NetworkPin {
		t.Fatalf("expected pin %q, got %q", welcome.NetworkPin, decoded.NetworkPin)
	}
	if len(decoded.KnownPeers) != 1 || decoded.KnownPeers[0].ID != "device-b" {
		t.Fatalf("known peers did not survive the round trip: %+v", decoded.KnownPeers)
	}
}

func decodeInto(payload []byte, target any) error {
	return json.Unmarshal(payload, target)
}

func TestFileHeaderRoundTrip(t *testing.T) {
	header := FileStreamHeader{
		BatchID:   "batch-1",
		FileIndex: 2,
		FileName:  "report.pdf",
		FileSize:  81920,
		AuthToken: "dG9rZW4=",
	}

	var buf bytes.Buffer
	if err := WriteFileHeader(&buf, header); err != nil {
		t.Fatalf("WriteFileHeader failed: %v", err)
	}
	buf.WriteString("raw file bytes")

	reader := bufio.NewReader(&buf)
	decoded, err := ReadFileHeader(reader)
	if err != nil {
		t.Fatalf("ReadFileHeader failed: %v", err)
	}
	if decoded != header {
		t.Fatalf("expected %+v, got %+v", header, decoded)
	}

	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read remaining bytes: %v", err)
	}
	if string(rest) != "raw file bytes" {
		t.Fatalf("expected raw bytes after header, got %q", rest)
	}
}

func TestFileHeaderTooLong(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader(strings.Repeat("x", MaxFileHeaderSize+1)))
	if _, err := ReadFileHeader(reader); !errors.Is(err, ErrHeaderTooLong) {
		t.Fatalf("expected ErrHeaderTooLong, got %v", err)
	}
}

func TestFileHeaderTruncated(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader(`{"batch_id":"batch-1"`))
	if _, err := ReadFileHeader(reader); err == nil {
		t.Fatalf("expected error for header without newline")
	}
}
