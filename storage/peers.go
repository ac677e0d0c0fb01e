package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"clipmesh/models"
)

// LoadKnownPeers reads the persisted known-peers map. A missing file is an
// empty map, not an error.
func LoadKnownPeers(dataDir string) (map[string]models.Peer, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, knownPeersFileName))
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]models.Peer), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read known peers: %w", err)
	}

	peers := make(map[string]models.Peer)
	if err := json.Unmarshal(raw, &peers); err != nil {
		return nil, fmt.Errorf("decode known peers: %w", err)
	}
	return peers, nil
}

// SaveKnownPeers persists the known-peers map.
func SaveKnownPeers(dataDir string, peers map[string]models.Peer) error {
	if peers == nil {
		peers = make(map[string]models.Peer)
	}

	raw, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return fmt.Errorf("encode known peers: %w", err)
	}
	raw = append(raw, '\n')

	if err := os.WriteFile(filepath.Join(dataDir, knownPeersFileName), raw, 0o600); err != nil {
		return fmt.Errorf("write known peers: %w", err)
	}
	return nil
}
