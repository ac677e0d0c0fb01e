package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clipmesh/models"
	"clipmesh/peers"
	"clipmesh/protocol"
	"clipmesh/storage"
)

// NetworkStatus is the cluster identity as shown to the user.
type NetworkStatus struct {
	NetworkName string `json:"network_name"`
	NetworkPin  string `json:"network_pin"`
}

// Status returns the current cluster name and pin.
func (e *Engine) Status() NetworkStatus {
	return NetworkStatus{
		NetworkName: e.registry.NetworkName(),
		NetworkPin:  e.registry.NetworkPin(),
	}
}

func (e *Engine) handlePeerDiscovery(payload []byte, source net.Addr) []effect {
	var message protocol.PeerDiscovery
	if err := json.Unmarshal(payload, &message); err != nil {
		e.logger.Debug("drop malformed peer discovery", zap.Error(err))
		return nil
	}
	if message.Peer.ID == "" || message.Peer.ID == e.options.DeviceID {
		return nil
	}

	// Any direct announcement proves the peer is alive, so a pending
	// discovery-loss removal is stale.
	e.cancelPendingRemoval(message.Peer.ID)

	addrKey, ip, port := e.sourceAddress(source)
	observation := e.registry.Observe(message.Peer, ip, port)

	var effects []effect
	if observation.RemovedPlaceholder != "" {
		effects = append(effects, emitEffect{EventPeerRemove, observation.RemovedPlaceholder})
	}
	effects = append(effects, emitEffect{EventPeerUpdate, observation.Peer})

	if observation.ShouldReply {
		if reply := e.encodeOrReport(protocol.PeerDiscovery{
			Type: protocol.TypePeerDiscovery,
			Peer: e.selfAnnouncement(),
		}); reply != nil {
			effects = append(effects, sendEffect{address: addrKey, payload: reply})
		}
	}
	return effects
}

func (e *Engine) handlePeerRemoval(payload []byte, source net.Addr) []effect {
	var message protocol.PeerRemoval
	if err := json.Unmarshal(payload, &message); err != nil {
		e.logger.Debug("drop malformed peer removal", zap.Error(err))
		return nil
	}
	if message.DeviceID == "" {
		return nil
	}

	if message.DeviceID == e.options.DeviceID {
		e.logger.Warn("removed from cluster by peer", zap.String("source", source.String()))
		effects, err := e.factoryReset("This device was removed from the network.")
		if err != nil {
			e.reportError(fmt.Errorf("reset after removal: %w", err))
			return nil
		}
		return effects
	}

	peer, found := e.registry.RuntimePeer(message.DeviceID)
	if !found {
		peer, found = e.registry.KnownPeer(message.DeviceID)
	}
	if !e.registry.Remove(message.DeviceID) {
		return nil
	}

	effects := []effect{emitEffect{EventPeerRemove, message.DeviceID}}
	if found {
		if notify, ok := e.leaveNotification(peer); ok {
			effects = append(effects, notify)
		}
	}
	return effects
}

// broadcastHeartbeat announces this device to every runtime peer so
// last_seen stays fresh without relying on the discovery substrate.
func (e *Engine) broadcastHeartbeat() {
	if len(e.registry.RuntimePeers()) == 0 {
		return
	}
	payload := e.encodeOrReport(protocol.PeerDiscovery{
		Type: protocol.TypePeerDiscovery,
		Peer: e.selfAnnouncement(),
	})
	if payload == nil {
		return
	}
	e.applyEffects([]effect{broadcastEffect{payload: payload}})
}

// pruneStalePeers evicts runtime peers that have not been seen within the
// timeout. Trusted and manual peers keep their known entry so they resurface
// on the next sighting.
func (e *Engine) pruneStalePeers() {
	removed := e.registry.PruneStale(e.options.PeerTimeout)

	var effects []effect
	for _, peer := range removed {
		e.logger.Debug("pruned stale peer",
			zap.String("peer_id", peer.ID),
			zap.Int64("last_seen", peer.LastSeen))
		effects = append(effects, emitEffect{EventPeerRemove, peer.ID})
		if notify, ok := e.leaveNotification(peer); ok {
			effects = append(effects, notify)
		}
	}
	e.applyEffects(effects)
}

// pinOffSubnetPeers forces is_manual on known peers whose stored address
// falls outside every given subnet. Discovery cannot resurface such peers,
// so from then on they are dialed directly.
func (e *Engine) pinOffSubnetPeers(subnets []*net.IPNet) {
	if len(subnets) == 0 {
		return
	}
	for _, peer := range e.registry.KnownPeers() {
		if peer.IsManual {
			continue
		}
		ip := net.ParseIP(peer.IP)
		if ip == nil || ip.IsLoopback() {
			continue
		}
		local := false
		for _, subnet := range subnets {
			if subnet.Contains(ip) {
				local = true
				break
			}
		}
		if local {
			continue
		}
		if e.registry.PinManual(peer.ID) {
			e.logger.Info("pinned off-subnet peer as manual",
				zap.String("peer_id", peer.ID),
				zap.String("ip", peer.IP))
		}
	}
}

// localSubnets lists the networks attached to this host's interfaces.
func localSubnets() []*net.IPNet {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var subnets []*net.IPNet
	for _, addr := range addrs {
		if network, ok := addr.(*net.IPNet); ok {
			subnets = append(subnets, network)
		}
	}
	return subnets
}

// probeKnownPeers sends our announcement to every known peer's last
// address. Unreachable peers are normal after a restart, so failures are
// only logged.
func (e *Engine) probeKnownPeers() {
	known := e.registry.KnownPeers()
	if len(known) == 0 {
		return
	}
	payload := e.encodeOrReport(protocol.PeerDiscovery{
		Type: protocol.TypePeerDiscovery,
		Peer: e.selfAnnouncement(),
	})
	if payload == nil {
		return
	}

	e.logger.Info("probing known peers", zap.Int("count", len(known)))
	for _, peer := range known {
		peer := peer
		if peer.IP == "" || peer.Port == 0 {
			continue
		}
		address := net.JoinHostPort(peer.IP, fmt.Sprint(peer.Port))
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			probeCtx, cancel := context.WithTimeout(e.ctx, e.options.ProbeTimeout)
			defer cancel()
			if err := e.trans.SendMessage(probeCtx, address, payload); err != nil {
				e.logger.Debug("startup probe failed",
					zap.String("peer_id", peer.ID),
					zap.String("address", address),
					zap.Error(err))
			}
		}()
	}
}

// ObserveDiscovered folds a discovery sighting into the peer tables.
func (e *Engine) ObserveDiscovered(peer models.Peer) {
	if peer.ID == "" || peer.ID == e.options.DeviceID {
		return
	}
	e.cancelPendingRemoval(peer.ID)

	_, existed := e.registry.RuntimePeer(peer.ID)
	stored := e.registry.ObserveDiscovery(peer)

	effects := []effect{emitEffect{EventPeerUpdate, stored}}
	if !existed && stored.NetworkName != "" && stored.NetworkName == e.registry.NetworkName() {
		effects = append(effects, notifyEffect{
			title: "Device Joined",
			body:  fmt.Sprintf("%s joined the network", displayName(stored)),
		})
	}
	e.applyEffects(effects)
}

// HandleDiscoveryLost schedules a debounced removal for a peer that dropped
// off the discovery substrate. The removal only lands if no announcement or
// sighting arrives within the grace period; mDNS renewal races produce
// spurious losses all the time.
func (e *Engine) HandleDiscoveryLost(id string) {
	if id == "" || id == e.options.DeviceID {
		return
	}

	if peer, ok := e.registry.RuntimePeer(id); ok {
		age := time.Duration(e.clock.Now().Unix()-peer.LastSeen) * time.Second
		if age < phantomRemovalWindow {
			e.logger.Debug("ignore phantom discovery loss", zap.String("peer_id", id))
			return
		}
	}

	nonce := uuid.NewString()
	e.removalsMu.Lock()
	e.pendingRemovals[id] = nonce
	e.removalsMu.Unlock()

	e.clock.AfterFunc(e.options.RemovalGrace, func() {
		e.finalizeRemoval(id, nonce)
	})
}

func (e *Engine) cancelPendingRemoval(id string) {
	e.removalsMu.Lock()
	delete(e.pendingRemovals, id)
	e.removalsMu.Unlock()
}

// finalizeRemoval lands a debounced discovery loss, unless a newer loss or a
// cancellation superseded the nonce in the meantime. Only the runtime entry
// is evicted; the known table is the durable record.
func (e *Engine) finalizeRemoval(id, nonce string) {
	e.removalsMu.Lock()
	current, pending := e.pendingRemovals[id]
	if !pending || current != nonce {
		e.removalsMu.Unlock()
		return
	}
	delete(e.pendingRemovals, id)
	e.removalsMu.Unlock()

	peer, removed := e.registry.RemoveRuntime(id)
	if !removed {
		return
	}

	effects := []effect{emitEffect{EventPeerRemove, id}}
	if notify, ok := e.leaveNotification(peer); ok {
		effects = append(effects, notify)
	}
	e.applyEffects(effects)
}

// ProbeAddress checks whether a clipmesh device listens at the given IP and
// stages it as a manual peer on success. The probe is this device's own
// signed announcement, so a clustered target can immediately arbitrate trust
// and reply.
func (e *Engine) ProbeAddress(ctx context.Context, ip string) (models.Peer, error) {
	if net.ParseIP(ip) == nil {
		return models.Peer{}, fmt.Errorf("probe %q: invalid ip address", ip)
	}

	payload := e.encodeOrReport(protocol.PeerDiscovery{
		Type: protocol.TypePeerDiscovery,
		Peer: e.selfAnnouncement(),
	})
	if payload == nil {
		return models.Peer{}, fmt.Errorf("probe %s: encode announcement", ip)
	}

	address := net.JoinHostPort(ip, fmt.Sprint(e.options.ProbePort))
	probeCtx, cancel := context.WithTimeout(ctx, e.options.ProbeTimeout)
	defer cancel()
	if err := e.trans.SendMessage(probeCtx, address, payload); err != nil {
		return models.Peer{}, fmt.Errorf("probe %s: %w", address, err)
	}

	// A device whose real identity is already recorded at this address must
	// not be shadowed by a placeholder.
	for _, known := range e.registry.KnownPeers() {
		if known.IP == ip && !peers.IsPlaceholderID(known.ID) {
			return known, nil
		}
	}

	peer := e.registry.InsertManual(ip, e.options.ProbePort)
	e.applyEffects([]effect{
		emitEffect{EventPeerUpdate, peer},
		notifyEffect{title: "Device Joined", body: fmt.Sprintf("%s added manually", ip)},
	})
	return peer, nil
}

// ScanSubnet probes every address in the CIDR, staging each responder as a
// manual peer exactly like ProbeAddress. Probes run in a bounded batch;
// addresses that would land on our own listener are skipped. It returns the
// number of addresses that answered.
func (e *Engine) ScanSubnet(ctx context.Context, cidr string) (int, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return 0, fmt.Errorf("scan subnet %q: %w", cidr, err)
	}

	self := make(map[string]struct{})
	if e.options.ProbePort == e.trans.Port() {
		for _, subnet := range localSubnets() {
			self[subnet.IP.String()] = struct{}{}
		}
	}

	sem := make(chan struct{}, scanConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	found := 0

	for addr := prefix.Masked().Addr(); prefix.Contains(addr); addr = addr.Next() {
		ip := addr.String()
		if _, ok := self[ip]; ok {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return found, ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := e.ProbeAddress(ctx, ip); err == nil {
				mu.Lock()
				found++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return found, nil
}

// Kick expels a device from the cluster. The removal is broadcast to every
// runtime peer, the target included, so the whole mesh converges and the
// target resets itself.
func (e *Engine) Kick(ctx context.Context, id string) error {
	if id == e.options.DeviceID {
		return e.Leave(ctx)
	}

	payload := e.encodeOrReport(protocol.PeerRemoval{
		Type:     protocol.TypePeerRemoval,
		DeviceID: id,
	})
	if payload == nil {
		return fmt.Errorf("kick %s: encode removal", id)
	}

	// Broadcast before removing so the target is still a runtime peer when
	// the fan-out resolves its recipients.
	e.applyEffects([]effect{broadcastEffect{payload: payload}})
	if e.registry.Remove(id) {
		e.applyEffects([]effect{emitEffect{EventPeerRemove, id}})
	}
	return nil
}

// Leave announces this device's departure and resets to a fresh single-node
// cluster.
func (e *Engine) Leave(ctx context.Context) error {
	payload := e.encodeOrReport(protocol.PeerRemoval{
		Type:     protocol.TypePeerRemoval,
		DeviceID: e.options.DeviceID,
	})
	if payload != nil {
		e.applyEffects([]effect{broadcastEffect{payload: payload}})
	}

	effects, err := e.factoryReset("Left the network.")
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	e.applyEffects(effects)
	return nil
}

// factoryReset rotates to a brand-new cluster identity and forgets every
// known peer. Runtime peers stay visible as untrusted sightings. The caller
// applies the returned effects.
func (e *Engine) factoryReset(reason string) ([]effect, error) {
	identity, err := storage.NewClusterIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate cluster identity: %w", err)
	}
	if err := storage.RemoveClusterState(e.options.DataDir); err != nil {
		return nil, fmt.Errorf("clear cluster state: %w", err)
	}
	if err := storage.SaveClusterIdentity(e.options.DataDir, identity); err != nil {
		return nil, fmt.Errorf("persist cluster identity: %w", err)
	}

	e.registry.ResetCluster(identity.Key, identity.Name, identity.Pin)
	if e.options.OnNetworkChange != nil {
		e.options.OnNetworkChange(identity.Name)
	}

	e.logger.Warn("cluster identity reset", zap.String("network_name", identity.Name))
	return []effect{
		emitEffect{EventNetworkUpdate, NetworkStatus{
			NetworkName: identity.Name,
			NetworkPin:  identity.Pin,
		}},
		notifyEffect{title: "Network Reset", body: reason},
	}, nil
}

func (e *Engine) leaveNotification(peer models.Peer) (effect, bool) {
	if peer.NetworkName == "" || peer.NetworkName != e.registry.NetworkName() {
		return nil, false
	}
	return notifyEffect{
		title: "Device Left",
		body:  fmt.Sprintf("%s left the network", displayName(peer)),
	}, true
}

func displayName(peer models.Peer) string {
	if peer.Hostname != "" {
		return peer.Hostname
	}
	return peer.ID
}
