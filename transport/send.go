package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"clipmesh/protocol"
)

// SendMessage delivers one control message over a fresh connection. It
// returns after the peer drained the message, the linger window elapsed, or
// ctx was cancelled. Dial and handshake failures report the peer as
// unreachable.
func (t *Transport) SendMessage(ctx context.Context, address string, payload []byte) error {
	if len(payload) > protocol.MaxMessageSize {
		return protocol.ErrMessageTooLarge
	}

	conn, err := t.dial(ctx, address, ALPNControl)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseWithError(0, "") }()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("%w: open stream to %s: %v", ErrPeerUnreachable, address, err)
	}

	if _, err := stream.Write(payload); err != nil {
		return fmt.Errorf("write message to %s: %w", address, err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("finish message to %s: %w", address, err)
	}

	// The receiver closes its write side once it drained the message, which
	// surfaces here as EOF.
	_ = stream.SetReadDeadline(time.Now().Add(t.options.Linger))
	_, _ = stream.Read(make([]byte, 1))
	return nil
}

// OpenFileStream opens a raw outgoing file stream over a fresh connection.
// Closing the returned writer lingers until the peer releases the
// connection, then tears it down.
func (t *Transport) OpenFileStream(ctx context.Context, address string) (io.WriteCloser, error) {
	conn, err := t.dial(ctx, address, ALPNFile)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("%w: open file stream to %s: %v", ErrPeerUnreachable, address, err)
	}

	return &fileStreamWriter{stream: stream, conn: conn, linger: t.options.Linger}, nil
}

func (t *Transport) dial(ctx context.Context, address, alpn string) (quic.Connection, error) {
	select {
	case <-t.ctx.Done():
		return nil, ErrTransportClosed
	default:
	}

	remote, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrPeerUnreachable, address, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.options.DialTimeout)
	defer cancel()

	conn, err := t.quicTr.Dial(dialCtx, remote, clientTLSConfig(alpn), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrPeerUnreachable, address, err)
	}
	return conn, nil
}

// fileStreamWriter finishes a file push on Close and then releases the
// connection once the receiver closes it or the linger window elapses.
type fileStreamWriter struct {
	stream quic.SendStream
	conn   quic.Connection
	linger time.Duration
}

func (w *fileStreamWriter) Write(p []byte) (int, error) {
	return w.stream.Write(p)
}

func (w *fileStreamWriter) Close() error {
	err := w.stream.Close()

	timer := time.NewTimer(w.linger)
	defer timer.Stop()
	select {
	case <-w.conn.Context().Done():
	case <-timer.C:
	}

	_ = w.conn.CloseWithError(0, "")
	return err
}
