package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"clipmesh/protocol"
)

var (
	// ErrPeerUnreachable indicates the remote endpoint could not be reached
	// or completed no handshake.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	// ErrTransportClosed indicates an operation on a stopped transport.
	ErrTransportClosed = errors.New("transport: closed")
)

// Options configures a Transport.
type Options struct {
	// ListenPort is the preferred UDP port. 0 binds an ephemeral port; a
	// busy preferred port also falls back to an ephemeral one.
	ListenPort int
	// DialTimeout bounds connection establishment per send.
	DialTimeout time.Duration
	// Linger bounds how long a closed sender waits for the peer to drain.
	Linger time.Duration
	// Logger receives transport diagnostics. Defaults to a nop logger.
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Linger <= 0 {
		o.Linger = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Inbound is one complete control message together with its source address.
// The source port is the peer's listening port because peers dial from their
// listening socket.
type Inbound struct {
	Payload []byte
	Source  net.Addr
}

// InboundFile is one incoming raw file stream. The consumer owns Reader and
// must close it to release the underlying connection.
type InboundFile struct {
	Reader io.ReadCloser
	Source net.Addr
}

// Transport sends and receives cluster traffic over QUIC. Dials share the
// listening socket, so a message's source address names the sender's
// listening endpoint.
type Transport struct {
	options Options
	logger  *zap.Logger

	udpConn  *net.UDPConn
	quicTr   *quic.Transport
	listener *quic.Listener

	messages chan Inbound
	files    chan InboundFile
	errs     chan error

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New binds the UDP socket and starts the accept loop. If the preferred
// port is taken it falls back to an ephemeral port.
func New(options Options) (*Transport, error) {
	opts := options.withDefaults()

	udpConn, err := bindUDP(opts.ListenPort)
	if err != nil {
		return nil, err
	}

	tlsConf, err := serverTLSConfig()
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	quicTr := &quic.Transport{Conn: udpConn}
	listener, err := quicTr.Listen(tlsConf, quicConfig())
	if err != nil {
		_ = quicTr.Close()
		_ = udpConn.Close()
		return nil, fmt.Errorf("listen QUIC: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		options:  opts,
		logger:   opts.Logger,
		udpConn:  udpConn,
		quicTr:   quicTr,
		listener: listener,
		messages: make(chan Inbound, 64),
		files:    make(chan InboundFile, 16),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func bindUDP(port int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err == nil {
		return conn, nil
	}
	if port == 0 {
		return nil, fmt.Errorf("bind UDP socket: %w", err)
	}

	conn, fallbackErr := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if fallbackErr != nil {
		return nil, fmt.Errorf("bind UDP socket: %w", fallbackErr)
	}
	return conn, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:  5 * time.Second,
		MaxIdleTimeout:        30 * time.Second,
		MaxIncomingStreams:    16,
		MaxIncomingUniStreams: 16,
	}
}

// Port returns the bound UDP port.
func (t *Transport) Port() int {
	return t.udpConn.LocalAddr().(*net.UDPAddr).Port
}

// Addr returns the bound UDP address.
func (t *Transport) Addr() net.Addr {
	return t.udpConn.LocalAddr()
}

// Messages returns received control messages.
func (t *Transport) Messages() <-chan Inbound {
	return t.messages
}

// FileStreams returns received file streams.
func (t *Transport) FileStreams() <-chan InboundFile {
	return t.files
}

// Errors returns asynchronous transport errors.
func (t *Transport) Errors() <-chan error {
	return t.errs
}

// Stop closes the listener, waits for in-flight handlers, and closes all
// transport channels.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		_ = t.listener.Close()
		t.wg.Wait()
		_ = t.quicTr.Close()
		_ = t.udpConn.Close()
		close(t.messages)
		close(t.files)
		close(t.errs)
	})
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *Transport) handleConnection(conn quic.Connection) {
	defer t.wg.Done()

	switch conn.ConnectionState().TLS.NegotiatedProtocol {
	case ALPNControl:
		t.acceptControlStreams(conn)
	case ALPNFile:
		t.acceptFileStreams(conn)
	default:
		_ = conn.CloseWithError(0, "unknown protocol")
	}
}

// acceptControlStreams drains bidirectional streams off a control
// connection until the peer closes it.
func (t *Transport) acceptControlStreams(conn quic.Connection) {
	defer func() { _ = conn.CloseWithError(0, "") }()

	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.readControlStream(conn, stream)
		}()
	}
}

func (t *Transport) readControlStream(conn quic.Connection, stream quic.Stream) {
	payload, err := io.ReadAll(io.LimitReader(stream, protocol.MaxMessageSize+1))
	if err != nil {
		t.reportError(fmt.Errorf("read control stream from %s: %w", conn.RemoteAddr(), err))
		return
	}
	if len(payload) > protocol.MaxMessageSize {
		stream.CancelRead(0)
		t.reportError(fmt.Errorf("control stream from %s: %w", conn.RemoteAddr(), protocol.ErrMessageTooLarge))
		return
	}

	// Closing our write side signals the sender that the message was
	// drained.
	_ = stream.Close()

	select {
	case t.messages <- Inbound{Payload: payload, Source: conn.RemoteAddr()}:
	case <-t.ctx.Done():
	}
}

func (t *Transport) acceptFileStreams(conn quic.Connection) {
	for {
		stream, err := conn.AcceptUniStream(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				_ = conn.CloseWithError(0, "")
			}
			return
		}

		inbound := InboundFile{
			Reader: &fileStreamReader{stream: stream, conn: conn},
			Source: conn.RemoteAddr(),
		}
		select {
		case t.files <- inbound:
		case <-t.ctx.Done():
			_ = conn.CloseWithError(0, "")
			return
		}
	}
}

func (t *Transport) reportError(err error) {
	t.logger.Debug("transport error", zap.Error(err))
	select {
	case t.errs <- err:
	default:
	}
}

// fileStreamReader exposes a receive stream and releases its connection on
// Close.
type fileStreamReader struct {
	stream quic.ReceiveStream
	conn   quic.Connection
}

func (r *fileStreamReader) Read(p []byte) (int, error) {
	return r.stream.Read(p)
}

func (r *fileStreamReader) Close() error {
	r.stream.CancelRead(0)
	return r.conn.CloseWithError(0, "")
}
