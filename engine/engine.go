package engine

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"clipmesh/crypto"
	"clipmesh/models"
	"clipmesh/peers"
	"clipmesh/storage"
	"clipmesh/transport"
)

const (
	// DefaultHeartbeatInterval is how often the signed self-announcement is
	// broadcast to every runtime peer.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultPruneInterval is how often runtime peers are scanned for
	// staleness.
	DefaultPruneInterval = 10 * time.Second
	// DefaultPeerTimeout is the silence after which a runtime peer is
	// considered stale.
	DefaultPeerTimeout = 300 * time.Second
	// DefaultRemovalGrace is the debounce window for discovery-removal
	// events. mDNS renewal races produce spurious removals all the time.
	DefaultRemovalGrace = 20 * time.Second
	// DefaultProbeTimeout bounds one manual-probe connection attempt.
	DefaultProbeTimeout = 500 * time.Millisecond
	// DefaultSettleDelay is how long the engine waits after startup before
	// probing persisted peers, giving the transport and discovery time to
	// come up.
	DefaultSettleDelay = time.Second

	// phantomRemovalWindow drops discovery-removal events for peers heard
	// from this recently. Re-announcing devices trigger them constantly.
	phantomRemovalWindow = 2 * time.Second

	defaultSendTimeout     = 10 * time.Second
	defaultProbePort       = 4654
	defaultAutoAcceptLimit = 64 * 1024 * 1024
	fileBatchCacheSize     = 64
	scanConcurrency        = 50
)

// Events delivered through the EventEmitter collaborator.
const (
	EventPeerUpdate      = "peer-update"
	EventPeerRemove      = "peer-remove"
	EventClipboardChange = "clipboard-change"
	EventPairingFailed   = "pairing-failed"
	EventNetworkUpdate   = "network-update"
	EventHistoryDelete   = "history-delete"
	EventFileReceived    = "file-received"
)

var (
	// ErrNoClusterKey is returned when an operation needs the cluster key
	// before one is loaded.
	ErrNoClusterKey = errors.New("engine: no cluster key loaded")
	// ErrPeerNotFound is returned when an operation names an unknown peer.
	ErrPeerNotFound = errors.New("engine: peer not found")
	// ErrBatchNotFound is returned for file requests naming an unknown or
	// expired batch.
	ErrBatchNotFound = errors.New("engine: file batch not found")
)

// ClipboardSource is the host clipboard. Read reports false when the
// clipboard is empty or unavailable.
type ClipboardSource interface {
	Read() (models.ClipboardContent, bool)
	Write(models.ClipboardContent) error
}

// NotificationSink shows user-facing notifications.
type NotificationSink interface {
	Notify(title, body string)
}

// EventEmitter delivers engine events to the host application.
type EventEmitter interface {
	Emit(event string, payload any)
}

type nopClipboard struct{}

func (nopClipboard) Read() (models.ClipboardContent, bool) {
	return models.ClipboardContent{}, false
}

func (nopClipboard) Write(content models.ClipboardContent) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(title, body string) {}

type nopEmitter struct{}

func (nopEmitter) Emit(event string, payload any) {}

// Options configures the protocol engine.
type Options struct {
	DeviceID string
	Hostname string
	DataDir  string

	Registry  *peers.Registry
	Transport *transport.Transport
	Store     *storage.Store

	Clipboard ClipboardSource
	Notifier  NotificationSink
	Emitter   EventEmitter

	// OnNetworkChange fires after joining a cluster or a factory reset, so
	// the discovery advertisement can be re-registered with the new name.
	OnNetworkChange func(networkName string)

	DownloadsDir    string
	HistoryLimit    int
	AutoAcceptFiles bool
	AutoAcceptLimit int64

	HeartbeatInterval time.Duration
	PruneInterval     time.Duration
	PeerTimeout       time.Duration
	RemovalGrace      time.Duration
	ProbeTimeout      time.Duration
	ProbePort         int
	SendTimeout       time.Duration
	SendWorkers       int
	SettleDelay       time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Clipboard == nil {
		out.Clipboard = nopClipboard{}
	}
	if out.Notifier == nil {
		out.Notifier = nopNotifier{}
	}
	if out.Emitter == nil {
		out.Emitter = nopEmitter{}
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.PruneInterval <= 0 {
		out.PruneInterval = DefaultPruneInterval
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = DefaultPeerTimeout
	}
	if out.RemovalGrace <= 0 {
		out.RemovalGrace = DefaultRemovalGrace
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.ProbePort <= 0 {
		out.ProbePort = defaultProbePort
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = defaultSendTimeout
	}
	if out.SendWorkers <= 0 {
		out.SendWorkers = 8
	}
	if out.SettleDelay <= 0 {
		out.SettleDelay = DefaultSettleDelay
	}
	if out.AutoAcceptLimit <= 0 {
		out.AutoAcceptLimit = defaultAutoAcceptLimit
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (o Options) validate() error {
	if o.DeviceID == "" {
		return errors.New("device ID is required")
	}
	if o.Hostname == "" {
		return errors.New("hostname is required")
	}
	if o.DataDir == "" {
		return errors.New("data dir is required")
	}
	if o.Registry == nil {
		return errors.New("registry is required")
	}
	if o.Transport == nil {
		return errors.New("transport is required")
	}
	if o.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Engine runs the cluster protocol: pairing, clipboard relay, file
// request/response, gossip, heartbeat and pruning.
type Engine struct {
	options Options
	logger  *zap.Logger
	clock   clock.Clock

	registry *peers.Registry
	trans    *transport.Transport
	store    *storage.Store

	clipboard ClipboardSource
	notifier  NotificationSink
	emitter   EventEmitter

	pool *sendPool

	// lastContent is the single loop-prevention register: the content
	// signature of the most recently processed clipboard payload.
	lastContentMu sync.Mutex
	lastContent   string

	outgoingBatches *lru.Cache[string, []string]
	incomingBatches *lru.Cache[string, models.ClipboardPayload]

	removalsMu      sync.Mutex
	pendingRemovals map[string]string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	errors   chan error
}

// New creates an engine with validated options. Start must be called before
// the engine processes traffic.
func New(options Options) (*Engine, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	outgoing, err := lru.New[string, []string](fileBatchCacheSize)
	if err != nil {
		return nil, err
	}
	incoming, err := lru.New[string, models.ClipboardPayload](fileBatchCacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		options:         opts,
		logger:          opts.Logger,
		clock:           opts.Clock,
		registry:        opts.Registry,
		trans:           opts.Transport,
		store:           opts.Store,
		clipboard:       opts.Clipboard,
		notifier:        opts.Notifier,
		emitter:         opts.Emitter,
		pool:            newSendPool(opts.SendWorkers),
		outgoingBatches: outgoing,
		incomingBatches: incoming,
		pendingRemovals: make(map[string]string),
		errors:          make(chan error, 64),
	}, nil
}

// Start launches the message, file, heartbeat, pruning and reconnect
// loops.
func (e *Engine) Start() {
	if e.ctx != nil {
		return
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(5)
	go e.messageLoop()
	go e.fileLoop()
	go e.heartbeatLoop()
	go e.pruneLoop()
	go e.reconnectLoop()
}

// Stop shuts the engine down. In-flight sends are given a chance to settle.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.pool.Close()
	})
}

// Errors delivers non-fatal engine errors to the host.
func (e *Engine) Errors() <-chan error {
	return e.errors
}

// Flush blocks until every queued send has settled and returns their
// accumulated failures. Sends against unreachable peers show up here.
func (e *Engine) Flush() error {
	return e.pool.Flush()
}

func (e *Engine) messageLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case inbound, ok := <-e.trans.Messages():
			if !ok {
				return
			}
			e.handleMessage(inbound.Payload, inbound.Source)
		}
	}
}

func (e *Engine) fileLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case inbound, ok := <-e.trans.FileStreams():
			if !ok {
				return
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.receiveFileStream(inbound)
			}()
		}
	}
}

func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.options.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.broadcastHeartbeat()
		}
	}
}

func (e *Engine) pruneLoop() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.options.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pruneStalePeers()
		}
	}
}

// reconnectLoop runs once: after the settle delay it repairs the manual
// flag on off-subnet peers, then probes every persisted peer at its last
// address. Peers that answer announce themselves back, which refreshes the
// runtime table through the usual arbitration.
func (e *Engine) reconnectLoop() {
	defer e.wg.Done()
	timer := e.clock.Timer(e.options.SettleDelay)
	defer timer.Stop()
	select {
	case <-e.ctx.Done():
		return
	case <-timer.C:
	}

	e.pinOffSubnetPeers(localSubnets())
	e.probeKnownPeers()
}

// selfAnnouncement builds the local identity record carried by heartbeats,
// probes and discovery replies. The signature is computed fresh per call so
// receivers can re-derive trust against their current cluster key.
func (e *Engine) selfAnnouncement() models.Peer {
	self := models.Peer{
		ID:          e.options.DeviceID,
		IP:          e.localIP(),
		Port:        e.trans.Port(),
		Hostname:    e.options.Hostname,
		NetworkName: e.registry.NetworkName(),
	}
	if key := e.registry.ClusterKey(); key != nil {
		if signature, err := crypto.SignFreshness(key, self.ID); err == nil {
			self.Signature = signature
		}
	}
	return self
}

func (e *Engine) localIP() string {
	if addr, ok := e.trans.Addr().(*net.UDPAddr); ok && addr.IP != nil {
		return addr.IP.String()
	}
	return "0.0.0.0"
}

// sourceAddress canonicalizes an inbound packet source to host:port. With
// the shared transport socket, the port here is the peer's listen port, so
// the value doubles as a dialable reply address.
func (e *Engine) sourceAddress(source net.Addr) (string, string, int) {
	if udp, ok := source.(*net.UDPAddr); ok {
		ip := udp.IP.String()
		return net.JoinHostPort(ip, strconv.Itoa(udp.Port)), ip, udp.Port
	}
	raw := source.String()
	host, portText, err := net.SplitHostPort(raw)
	if err != nil {
		return raw, raw, 0
	}
	port, _ := strconv.Atoi(portText)
	return raw, host, port
}

func (e *Engine) reportError(err error) {
	if err == nil {
		return
	}
	e.logger.Debug("engine error", zap.Error(err))
	select {
	case e.errors <- err:
	default:
	}
}
