package peers

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"clipmesh/crypto"
	"clipmesh/models"
)

const placeholderPrefix = "manual-"

// SaveFunc persists the known-peers table. It is called with a copy under
// the known-peers lock so writes observe a consistent snapshot.
type SaveFunc func(map[string]models.Peer) error

// Options configures a Registry.
type Options struct {
	// LocalID is this device's stable identifier.
	LocalID string
	// SaveKnown persists the known-peers table on every mutation. Nil
	// disables persistence.
	SaveKnown SaveFunc
	// SessionTTL bounds how long pairing handshakes and derived session
	// keys may sit unconsumed.
	SessionTTL time.Duration
	// Logger receives registry diagnostics. Defaults to a nop logger.
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Observation is the outcome of arbitrating one inbound peer announcement.
type Observation struct {
	// Peer is the stored record after arbitration.
	Peer models.Peer
	// ShouldReply requests sending our own announcement back to the source
	// so cold-start address learning converges in one round trip.
	ShouldReply bool
	// RemovedPlaceholder names the manual placeholder id this announcement
	// replaced, empty if none.
	RemovedPlaceholder string
}

// Registry is the single source of truth for cluster membership: the
// ephemeral runtime table, the persisted known table, the cluster identity,
// and the self-expiring pairing state.
//
// Lock order: identity, then known, then runtime. Every path that needs the
// known and runtime tables together takes the known lock first.
type Registry struct {
	options Options
	logger  *zap.Logger
	now     func() time.Time

	identityMu  sync.Mutex
	clusterKey  []byte
	networkName string
	networkPin  string

	knownMu sync.Mutex
	known   map[string]models.Peer

	runtimeMu sync.Mutex
	runtime   map[string]models.Peer

	handshakes *cache.Cache
	sessions   *cache.Cache
}

// NewRegistry builds an empty registry.
func NewRegistry(options Options) *Registry {
	opts := options.withDefaults()
	return &Registry{
		options:    opts,
		logger:     opts.Logger,
		now:        time.Now,
		known:      make(map[string]models.Peer),
		runtime:    make(map[string]models.Peer),
		handshakes: cache.New(opts.SessionTTL, opts.SessionTTL),
		sessions:   cache.New(opts.SessionTTL, opts.SessionTTL),
	}
}

// PlaceholderID derives the synthetic id used for a manually probed address
// before its real identity is learned.
func PlaceholderID(ip string) string {
	return placeholderPrefix + ip
}

// IsPlaceholderID reports whether id is a synthetic manual-probe id.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// LocalID returns this device's stable identifier.
func (r *Registry) LocalID() string {
	return r.options.LocalID
}

// SetIdentity installs the cluster key, name, and pin.
func (r *Registry) SetIdentity(key []byte, name, pin string) {
	r.identityMu.Lock()
	defer r.identityMu.Unlock()
	r.clusterKey = append([]byte(nil), key...)
	r.networkName = name
	r.networkPin = pin
}

// ClusterKey returns a copy of the cluster key, or nil when unjoined.
func (r *Registry) ClusterKey() []byte {
	r.identityMu.Lock()
	defer r.identityMu.Unlock()
	return append([]byte(nil), r.clusterKey...)
}

// NetworkName returns the current cluster name.
func (r *Registry) NetworkName() string {
	r.identityMu.Lock()
	defer r.identityMu.Unlock()
	return r.networkName
}

// NetworkPin returns the current cluster passphrase.
func (r *Registry) NetworkPin() string {
	r.identityMu.Lock()
	defer r.identityMu.Unlock()
	return r.networkPin
}

// SetNetworkName replaces the cluster name, leaving key and pin alone.
func (r *Registry) SetNetworkName(name string) {
	r.identityMu.Lock()
	defer r.identityMu.Unlock()
	r.networkName = name
}

// SetNetworkPin replaces the pairing pin, leaving key and name alone.
func (r *Registry) SetNetworkPin(pin string) {
	r.identityMu.Lock()
	defer r.identityMu.Unlock()
	r.networkPin = pin
}

// Observe arbitrates one inbound peer announcement (gossip, heartbeat, or
// pairing confirmation) describing peer from the given network source
// address:
//
//  1. The source address overwrites the self-reported one; last_seen is
//     refreshed.
//  2. is_manual is copied from the existing known entry, defaulting false.
//  3. A placeholder id for the source IP is replaced, emitting its removal
//     and forcing is_manual.
//  4. ShouldReply when the peer was unknown to both tables or a placeholder
//     was replaced.
//  5. Trust is re-derived from the carried signature on every call, never
//     remembered from the stored record.
//  6. The runtime table is updated unconditionally; the known table keeps
//     only trusted or manual entries.
func (r *Registry) Observe(peer models.Peer, ip string, port int) Observation {
	key := r.ClusterKey()

	r.knownMu.Lock()
	defer r.knownMu.Unlock()
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	peer.IP = ip
	peer.Port = port
	peer.LastSeen = r.now().Unix()

	if existing, ok := r.known[peer.ID]; ok {
		peer.IsManual = existing.IsManual
	} else {
		peer.IsManual = false
	}

	removedPlaceholder := ""
	if placeholder := PlaceholderID(ip); peer.ID != placeholder {
		_, inKnown := r.known[placeholder]
		_, inRuntime := r.runtime[placeholder]
		if inKnown || inRuntime {
			delete(r.known, placeholder)
			delete(r.runtime, placeholder)
			removedPlaceholder = placeholder
			peer.IsManual = true
		}
	}

	_, wasKnown := r.known[peer.ID]
	_, wasRuntime := r.runtime[peer.ID]
	shouldReply := (!wasKnown && !wasRuntime) || removedPlaceholder != ""

	peer.IsTrusted = false
	if peer.Signature != "" && len(key) == crypto.KeySize {
		peer.IsTrusted = crypto.VerifyFreshness(key, peer.ID, peer.Signature)
	}

	r.runtime[peer.ID] = peer
	persist := removedPlaceholder != ""
	if peer.IsTrusted || peer.IsManual {
		r.known[peer.ID] = peer
		persist = true
	} else if wasKnown {
		delete(r.known, peer.ID)
		persist = true
	}
	if persist {
		r.persistKnownLocked()
	}

	return Observation{
		Peer:               peer,
		ShouldReply:        shouldReply,
		RemovedPlaceholder: removedPlaceholder,
	}
}

// ObserveDiscovery folds a discovery-substrate sighting into the runtime
// table. Discovery records carry no signature, so the stored trust and
// manual flags are carried over rather than re-derived; only signed
// announcements change trust.
func (r *Registry) ObserveDiscovery(peer models.Peer) models.Peer {
	r.knownMu.Lock()
	defer r.knownMu.Unlock()
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	peer.LastSeen = r.now().Unix()
	if existing, ok := r.known[peer.ID]; ok {
		peer.IsTrusted = existing.IsTrusted
		peer.IsManual = existing.IsManual

		existing.IP = peer.IP
		existing.Port = peer.Port
		existing.Hostname = peer.Hostname
		existing.LastSeen = peer.LastSeen
		r.known[peer.ID] = existing
		r.persistKnownLocked()
	} else {
		peer.IsTrusted = false
	}

	if current, ok := r.runtime[peer.ID]; ok && peer.NetworkName == "" {
		peer.NetworkName = current.NetworkName
	}
	r.runtime[peer.ID] = peer
	return peer
}

// InsertManual stages a placeholder entry for a user-supplied address until
// the probed device announces its real identity.
func (r *Registry) InsertManual(ip string, port int) models.Peer {
	peer := models.Peer{
		ID:       PlaceholderID(ip),
		IP:       ip,
		Port:     port,
		Hostname: fmt.Sprintf("Manual (%s)", ip),
		LastSeen: r.now().Unix(),
		IsManual: true,
	}

	r.knownMu.Lock()
	defer r.knownMu.Unlock()
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	r.known[peer.ID] = peer
	r.runtime[peer.ID] = peer
	r.persistKnownLocked()
	return peer
}

// InsertTrusted installs a peer whose membership was just proven by a
// completed pairing exchange.
func (r *Registry) InsertTrusted(peer models.Peer) models.Peer {
	peer.IsTrusted = true
	peer.LastSeen = r.now().Unix()

	r.knownMu.Lock()
	defer r.knownMu.Unlock()
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	if existing, ok := r.known[peer.ID]; ok {
		peer.IsManual = existing.IsManual
	}
	r.known[peer.ID] = peer
	r.runtime[peer.ID] = peer
	r.persistKnownLocked()
	return peer
}

// PinManual forces is_manual on a known peer, reporting whether the flag
// changed. Manual peers are reached by direct probes rather than discovery.
func (r *Registry) PinManual(id string) bool {
	r.knownMu.Lock()
	defer r.knownMu.Unlock()
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	peer, ok := r.known[id]
	if !ok || peer.IsManual {
		return false
	}
	peer.IsManual = true
	r.known[id] = peer
	if live, ok := r.runtime[id]; ok {
		live.IsManual = true
		r.runtime[id] = live
	}
	r.persistKnownLocked()
	return true
}

// MergeSnapshot folds a welcome snapshot of cluster members into the known
// table, skipping our own id.
func (r *Registry) MergeSnapshot(snapshot []models.Peer) {
	r.knownMu.Lock()
	defer r.knownMu.Unlock()

	changed := false
	for _, peer := range snapshot {
		if peer.ID == r.options.LocalID || peer.ID == "" {
			continue
		}
		r.known[peer.ID] = peer
		changed = true
	}
	if changed {
		r.persistKnownLocked()
	}
}

// Remove drops a peer from both tables. It reports whether the peer was
// present in either.
func (r *Registry) Remove(id string) bool {
	r.knownMu.Lock()
	defer r.knownMu.Unlock()
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	_, inKnown := r.known[id]
	_, inRuntime := r.runtime[id]
	if inKnown {
		delete(r.known, id)
		r.persistKnownLocked()
	}
	delete(r.runtime, id)
	return inKnown || inRuntime
}

// RemoveRuntime drops a peer from the runtime table only, leaving any
// persisted entry for silent rediscovery.
func (r *Registry) RemoveRuntime(id string) (models.Peer, bool) {
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	peer, ok := r.runtime[id]
	if ok {
		delete(r.runtime, id)
	}
	return peer, ok
}

// PruneStale evicts runtime peers silent past the timeout. Trusted peers
// stay in the known table for later rediscovery; untrusted peers are purged
// from both tables. It returns the evicted runtime entries.
func (r *Registry) PruneStale(timeout time.Duration) []models.Peer {
	cutoff := r.now().Add(-timeout).Unix()

	r.knownMu.Lock()
	defer r.knownMu.Unlock()
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	var pruned []models.Peer
	persist := false
	for id, peer := range r.runtime {
		if peer.LastSeen >= cutoff {
			continue
		}
		delete(r.runtime, id)
		pruned = append(pruned, peer)

		if !peer.IsTrusted {
			if _, ok := r.known[id]; ok {
				delete(r.known, id)
				persist = true
			}
		}
	}
	if persist {
		r.persistKnownLocked()
	}
	return pruned
}

// LoadKnown seeds the known table, typically from disk at startup.
func (r *Registry) LoadKnown(peers map[string]models.Peer) {
	r.knownMu.Lock()
	defer r.knownMu.Unlock()

	for id, peer := range peers {
		if id == "" || id == r.options.LocalID {
			continue
		}
		r.known[id] = peer
	}
}

// KnownPeers returns a copy of the known table.
func (r *Registry) KnownPeers() []models.Peer {
	r.knownMu.Lock()
	defer r.knownMu.Unlock()

	peers := make([]models.Peer, 0, len(r.known))
	for _, peer := range r.known {
		peers = append(peers, peer)
	}
	return peers
}

// RuntimePeers returns a copy of the runtime table.
func (r *Registry) RuntimePeers() []models.Peer {
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	peers := make([]models.Peer, 0, len(r.runtime))
	for _, peer := range r.runtime {
		peers = append(peers, peer)
	}
	return peers
}

// KnownPeer looks up one known-table entry.
func (r *Registry) KnownPeer(id string) (models.Peer, bool) {
	r.knownMu.Lock()
	defer r.knownMu.Unlock()
	peer, ok := r.known[id]
	return peer, ok
}

// RuntimePeer looks up one runtime-table entry.
func (r *Registry) RuntimePeer(id string) (models.Peer, bool) {
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()
	peer, ok := r.runtime[id]
	return peer, ok
}

// StoreHandshake parks pairing state for a remote address until the
// matching response arrives or the TTL expires.
func (r *Registry) StoreHandshake(address string, handshake *crypto.Handshake) {
	r.handshakes.Set(address, handshake, cache.DefaultExpiration)
}

// TakeHandshake consumes parked pairing state for a remote address.
func (r *Registry) TakeHandshake(address string) (*crypto.Handshake, bool) {
	value, ok := r.handshakes.Get(address)
	if !ok {
		return nil, false
	}
	r.handshakes.Delete(address)
	handshake, ok := value.(*crypto.Handshake)
	return handshake, ok
}

// StoreSession parks a pairing-derived session key for a remote address
// until the key-distribution message arrives or the TTL expires.
func (r *Registry) StoreSession(address string, key []byte) {
	r.sessions.Set(address, append([]byte(nil), key...), cache.DefaultExpiration)
}

// TakeSession consumes a parked session key for a remote address.
func (r *Registry) TakeSession(address string) ([]byte, bool) {
	value, ok := r.sessions.Get(address)
	if !ok {
		return nil, false
	}
	r.sessions.Delete(address)
	key, ok := value.([]byte)
	return key, ok
}

// ResetCluster wipes membership and pairing state and installs a fresh
// cluster identity. The known table is persisted empty. Runtime peers are
// kept as untrusted sightings so discovery does not have to start cold.
func (r *Registry) ResetCluster(key []byte, name, pin string) {
	r.SetIdentity(key, name, pin)

	r.knownMu.Lock()
	defer r.knownMu.Unlock()
	r.runtimeMu.Lock()
	defer r.runtimeMu.Unlock()

	r.known = make(map[string]models.Peer)
	for id, peer := range r.runtime {
		peer.IsTrusted = false
		r.runtime[id] = peer
	}
	r.handshakes.Flush()
	r.sessions.Flush()
	r.persistKnownLocked()
}

// persistKnownLocked writes the known table through SaveFunc. Callers hold
// the known-peers lock. Failures are logged; memory stays authoritative.
func (r *Registry) persistKnownLocked() {
	if r.options.SaveKnown == nil {
		return
	}

	snapshot := make(map[string]models.Peer, len(r.known))
	for id, peer := range r.known {
		snapshot[id] = peer
	}
	if err := r.options.SaveKnown(snapshot); err != nil {
		r.logger.Warn("persist known peers", zap.Error(err))
	}
}
