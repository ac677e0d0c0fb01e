package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"

	"go.uber.org/zap"

	"clipmesh/crypto"
	"clipmesh/models"
	"clipmesh/protocol"
	"clipmesh/storage"
)

// User-facing pairing failure strings. The initiator cannot distinguish a
// wrong pin from a corrupted exchange until the welcome fails to decrypt, so
// the wording stays deliberately broad.
const (
	pairingFailedAuth    = "Authentication failed. Check the PIN and try again."
	pairingFailedExpired = "Pairing session expired. Please try again."
	pairingFailedJoin    = "Failed to join network. The PIN may be incorrect."
)

// Pair starts a pairing exchange with a discovered peer using that peer's
// pin. The outcome arrives asynchronously as a network-update or
// pairing-failed event.
func (e *Engine) Pair(ctx context.Context, peerID, pin string) error {
	peer, ok := e.registry.RuntimePeer(peerID)
	if !ok {
		return fmt.Errorf("pair with %s: %w", peerID, ErrPeerNotFound)
	}
	return e.PairAddress(ctx, peer.Addr(), pin)
}

// PairAddress starts a pairing exchange with an explicit address.
func (e *Engine) PairAddress(ctx context.Context, address, pin string) error {
	handshake, outbound, err := crypto.StartHandshake(pin)
	if err != nil {
		return fmt.Errorf("pair with %s: %w", address, err)
	}
	e.registry.StoreHandshake(address, handshake)

	payload, err := protocol.EncodeJSON(protocol.PairRequest{
		Type:     protocol.TypePairRequest,
		Msg:      base64.StdEncoding.EncodeToString(outbound),
		DeviceID: e.options.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("pair with %s: %w", address, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.options.SendTimeout)
	defer cancel()
	if err := e.trans.SendMessage(sendCtx, address, payload); err != nil {
		return fmt.Errorf("pair with %s: %w", address, err)
	}
	return nil
}

// handlePairRequest runs the responder side: derive the session key from the
// requester's key-exchange message and our pin, then send the response and
// the welcome in strict order. A requester holding the wrong pin derives a
// different key and discovers the mismatch when the welcome fails to
// decrypt.
func (e *Engine) handlePairRequest(payload []byte, source net.Addr) []effect {
	var message protocol.PairRequest
	if err := json.Unmarshal(payload, &message); err != nil {
		e.logger.Debug("drop malformed pair request", zap.Error(err))
		return nil
	}
	if message.DeviceID == "" || message.DeviceID == e.options.DeviceID {
		return nil
	}

	inbound, err := base64.StdEncoding.DecodeString(message.Msg)
	if err != nil {
		e.logger.Debug("drop pair request with undecodable msg", zap.Error(err))
		return nil
	}

	handshake, outbound, err := crypto.StartHandshake(e.registry.NetworkPin())
	if err != nil {
		e.reportError(fmt.Errorf("pair request handshake: %w", err))
		return nil
	}
	sessionKey, err := handshake.Finish(inbound)
	if err != nil {
		e.logger.Debug("drop pair request with invalid key exchange", zap.Error(err))
		return nil
	}

	clusterKey := e.registry.ClusterKey()
	if len(clusterKey) == 0 {
		e.reportError(fmt.Errorf("pair request from %s: %w", message.DeviceID, ErrNoClusterKey))
		return nil
	}
	sealedKey, err := crypto.Encrypt(sessionKey, clusterKey)
	if err != nil {
		e.reportError(fmt.Errorf("seal cluster key: %w", err))
		return nil
	}

	addrKey, ip, port := e.sourceAddress(source)
	requester := e.registry.InsertTrusted(models.Peer{
		ID:          message.DeviceID,
		IP:          ip,
		Port:        port,
		Hostname:    fmt.Sprintf("Peer (%s)", ip),
		NetworkName: e.registry.NetworkName(),
	})

	response := e.encodeOrReport(protocol.PairResponse{
		Type:     protocol.TypePairResponse,
		Msg:      base64.StdEncoding.EncodeToString(outbound),
		DeviceID: e.options.DeviceID,
	})
	welcome := e.encodeOrReport(protocol.Welcome{
		Type:                protocol.TypeWelcome,
		EncryptedClusterKey: base64.StdEncoding.EncodeToString(sealedKey),
		KnownPeers:          e.registry.KnownPeers(),
		NetworkName:         e.registry.NetworkName(),
		NetworkPin:          e.registry.NetworkPin(),
	})
	if response == nil || welcome == nil {
		return nil
	}

	effects := []effect{
		sendSequenceEffect{address: addrKey, payloads: [][]byte{response, welcome}},
		emitEffect{EventPeerUpdate, requester},
		notifyEffect{title: "Device Paired", body: fmt.Sprintf("%s joined the network", requester.Hostname)},
	}

	// Gossip the newcomer to the rest of the mesh so it does not have to
	// wait for its own announcements to reach everyone.
	if gossip := e.encodeOrReport(protocol.PeerDiscovery{
		Type: protocol.TypePeerDiscovery,
		Peer: requester,
	}); gossip != nil {
		effects = append(effects, broadcastEffect{payload: gossip, exclude: addrKey})
	}
	return effects
}

// handlePairResponse runs the initiator side of the key exchange. The
// derived session key is parked until the welcome arrives.
func (e *Engine) handlePairResponse(payload []byte, source net.Addr) []effect {
	var message protocol.PairResponse
	if err := json.Unmarshal(payload, &message); err != nil {
		e.logger.Debug("drop malformed pair response", zap.Error(err))
		return nil
	}

	addrKey, _, _ := e.sourceAddress(source)
	handshake, ok := e.registry.TakeHandshake(addrKey)
	if !ok {
		return e.pairingFailure(pairingFailedExpired)
	}

	inbound, err := base64.StdEncoding.DecodeString(message.Msg)
	if err != nil {
		return e.pairingFailure(pairingFailedAuth)
	}
	sessionKey, err := handshake.Finish(inbound)
	if err != nil {
		return e.pairingFailure(pairingFailedAuth)
	}

	e.registry.StoreSession(addrKey, sessionKey)
	return nil
}

// handleWelcome completes a join: unseal the cluster key with the pairing
// session key, adopt the cluster identity, and merge the member snapshot.
// A decrypt failure here is the point where a wrong pin surfaces.
func (e *Engine) handleWelcome(payload []byte, source net.Addr) []effect {
	var message protocol.Welcome
	if err := json.Unmarshal(payload, &message); err != nil {
		e.logger.Debug("drop malformed welcome", zap.Error(err))
		return nil
	}

	addrKey, ip, _ := e.sourceAddress(source)
	sessionKey, ok := e.registry.TakeSession(addrKey)
	if !ok {
		return e.pairingFailure(pairingFailedExpired)
	}

	sealed, err := base64.StdEncoding.DecodeString(message.EncryptedClusterKey)
	if err != nil {
		return e.pairingFailure(pairingFailedJoin)
	}
	clusterKey, err := crypto.Decrypt(sessionKey, sealed)
	if err != nil {
		return e.pairingFailure(pairingFailedJoin)
	}

	if err := storage.SaveClusterIdentity(e.options.DataDir, storage.ClusterIdentity{
		Key:  clusterKey,
		Name: message.NetworkName,
		Pin:  message.NetworkPin,
	}); err != nil {
		e.reportError(fmt.Errorf("persist joined cluster identity: %w", err))
	}
	e.registry.SetIdentity(clusterKey, message.NetworkName, message.NetworkPin)
	e.registry.MergeSnapshot(message.KnownPeers)

	effects := []effect{
		emitEffect{EventNetworkUpdate, NetworkStatus{
			NetworkName: message.NetworkName,
			NetworkPin:  message.NetworkPin,
		}},
		notifyEffect{title: "Joined Network", body: fmt.Sprintf("Joined %s", message.NetworkName)},
	}
	for _, peer := range message.KnownPeers {
		if peer.ID == e.options.DeviceID {
			continue
		}
		if stored, found := e.registry.KnownPeer(peer.ID); found {
			effects = append(effects, emitEffect{EventPeerUpdate, stored})
		}
	}

	// The welcome does not name its sender, so the responder is recognized
	// by source address among the runtime sightings.
	for _, peer := range e.registry.RuntimePeers() {
		if peer.ID == e.options.DeviceID || peer.IP != ip {
			continue
		}
		stored := e.registry.InsertTrusted(peer)
		effects = append(effects, emitEffect{EventPeerUpdate, stored})
		break
	}

	if e.options.OnNetworkChange != nil {
		e.options.OnNetworkChange(message.NetworkName)
	}
	return effects
}

func (e *Engine) pairingFailure(message string) []effect {
	e.logger.Warn("pairing failed", zap.String("reason", message))
	return []effect{emitEffect{EventPairingFailed, message}}
}
