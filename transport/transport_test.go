package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"clipmesh/protocol"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(Options{DialTimeout: 2 * time.Second, Linger: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func loopbackAddr(tr *Transport) string {
	return fmt.Sprintf("127.0.0.1:%d", tr.Port())
}

func TestSendMessageRoundTrip(t *testing.T) {
	sender := newTestTransport(t)
	receiver := newTestTransport(t)

	payload := []byte(`{"type":"peer_removal","device_id":"device-a"}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sender.SendMessage(ctx, loopbackAddr(receiver), payload); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case inbound := <-receiver.Messages():
		if !bytes.Equal(inbound.Payload, payload) {
			t.Fatalf("expected payload %q, got %q", payload, inbound.Payload)
		}
		source, ok := inbound.Source.(*net.UDPAddr)
		if !ok {
			t.Fatalf("expected UDP source address, got %T", inbound.Source)
		}
		if source.Port != sender.Port() {
			t.Fatalf("expected source port %d (sender's listening port), got %d", sender.Port(), source.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for inbound message")
	}
}

func TestFileStreamRoundTrip(t *testing.T) {
	sender := newTestTransport(t)
	receiver := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := sender.OpenFileStream(ctx, loopbackAddr(receiver))
	if err != nil {
		t.Fatalf("OpenFileStream failed: %v", err)
	}

	header := protocol.FileStreamHeader{
		BatchID:   "batch-1",
		FileIndex: 0,
		FileName:  "notes.txt",
		FileSize:  11,
		AuthToken: "dG9rZW4=",
	}
	if err := protocol.WriteFileHeader(stream, header); err != nil {
		t.Fatalf("WriteFileHeader failed: %v", err)
	}
	if _, err := stream.Write([]byte("hello files")); err != nil {
		t.Fatalf("write file bytes: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- stream.Close() }()

	select {
	case inbound := <-receiver.FileStreams():
		reader := bufio.NewReader(inbound.Reader)
		decoded, err := protocol.ReadFileHeader(reader)
		if err != nil {
			t.Fatalf("ReadFileHeader failed: %v", err)
		}
		if decoded != header {
			t.Fatalf("expected header %+v, got %+v", header, decoded)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("read file bytes: %v", err)
		}
		if string(body) != "hello files" {
			t.Fatalf("expected file bytes %q, got %q", "hello files", body)
		}
		if err := inbound.Reader.Close(); err != nil {
			t.Fatalf("close inbound reader: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for inbound file stream")
	}

	if err := <-done; err != nil {
		t.Fatalf("close outbound stream: %v", err)
	}
}

func TestSendMessageUnreachable(t *testing.T) {
	sender, err := New(Options{DialTimeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(sender.Stop)

	err = sender.SendMessage(context.Background(), "127.0.0.1:9", []byte(`{"type":"clipboard"}`))
	if !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("expected ErrPeerUnreachable, got %v", err)
	}
}

func TestSendMessageOversizeRejected(t *testing.T) {
	sender := newTestTransport(t)

	oversize := make([]byte, protocol.MaxMessageSize+1)
	err := sender.SendMessage(context.Background(), "127.0.0.1:1", oversize)
	if !errors.Is(err, protocol.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestPreferredPortFallback(t *testing.T) {
	occupier, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("occupy UDP port: %v", err)
	}
	t.Cleanup(func() { _ = occupier.Close() })
	taken := occupier.LocalAddr().(*net.UDPAddr).Port

	tr, err := New(Options{ListenPort: taken})
	if err != nil {
		t.Fatalf("expected fallback to an ephemeral port, got error: %v", err)
	}
	t.Cleanup(tr.Stop)

	if tr.Port() == taken {
		t.Fatalf("expected a port other than %d", taken)
	}
	if tr.Port() == 0 {
		t.Fatalf("expected a concrete bound port")
	}
}

func TestStopIdempotent(t *testing.T) {
	tr, err := New(Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tr.Stop()
	tr.Stop()

	if _, err := tr.OpenFileStream(context.Background(), "127.0.0.1:1"); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed after Stop, got %v", err)
	}
}
