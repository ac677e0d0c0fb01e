package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clipmesh/crypto"
	"clipmesh/models"
)

func TestEnsureClusterIdentityGeneratesOnce(t *testing.T) {
	dataDir := t.TempDir()

	identity, created, err := EnsureClusterIdentity(dataDir)
	if err != nil {
		t.Fatalf("EnsureClusterIdentity failed: %v", err)
	}
	if !created {
		t.Fatalf("expected first run to generate an identity")
	}
	if len(identity.Key) != crypto.KeySize {
		t.Fatalf("expected %d-byte key, got %d", crypto.KeySize, len(identity.Key))
	}
	if identity.Name == "" || identity.Pin == "" {
		t.Fatalf("expected name and pin to be generated")
	}

	reloaded, created, err := EnsureClusterIdentity(dataDir)
	if err != nil {
		t.Fatalf("EnsureClusterIdentity failed on reload: %v", err)
	}
	if created {
		t.Fatalf("expected second run to load, not generate")
	}
	if !bytes.Equal(reloaded.Key, identity.Key) || reloaded.Name != identity.Name || reloaded.Pin != identity.Pin {
		t.Fatalf("expected reload to return the persisted identity")
	}
}

func TestEnsureClusterIdentityFillsMissingPiece(t *testing.T) {
	dataDir := t.TempDir()

	identity, _, err := EnsureClusterIdentity(dataDir)
	if err != nil {
		t.Fatalf("EnsureClusterIdentity failed: %v", err)
	}
	if err := os.Remove(filepath.Join(dataDir, clusterPinFileName)); err != nil {
		t.Fatalf("remove pin file: %v", err)
	}

	refilled, created, err := EnsureClusterIdentity(dataDir)
	if err != nil {
		t.Fatalf("EnsureClusterIdentity failed: %v", err)
	}
	if !created {
		t.Fatalf("expected the missing pin to be regenerated")
	}
	if !bytes.Equal(refilled.Key, identity.Key) {
		t.Fatalf("expected the existing key to be kept")
	}
	if refilled.Pin == "" {
		t.Fatalf("expected a fresh pin")
	}
}

func TestLoadClusterKeyRejectsBadLength(t *testing.T) {
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, clusterKeyFileName), []byte("short"), 0o600); err != nil {
		t.Fatalf("write truncated key: %v", err)
	}

	if _, err := LoadClusterKey(dataDir); err == nil {
		t.Fatalf("expected truncated key file to be rejected")
	}
}

func TestRemoveClusterState(t *testing.T) {
	dataDir := t.TempDir()

	if _, _, err := EnsureClusterIdentity(dataDir); err != nil {
		t.Fatalf("EnsureClusterIdentity failed: %v", err)
	}
	if err := SaveKnownPeers(dataDir, map[string]models.Peer{"device-b": {ID: "device-b"}}); err != nil {
		t.Fatalf("SaveKnownPeers failed: %v", err)
	}

	if err := RemoveClusterState(dataDir); err != nil {
		t.Fatalf("RemoveClusterState failed: %v", err)
	}
	for _, fileName := range []string{clusterKeyFileName, clusterNameFileName, clusterPinFileName, knownPeersFileName} {
		if _, err := os.Stat(filepath.Join(dataDir, fileName)); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be deleted", fileName)
		}
	}

	if err := RemoveClusterState(dataDir); err != nil {
		t.Fatalf("expected repeated removal to succeed, got %v", err)
	}
}

func TestNewNetworkPinShape(t *testing.T) {
	pin, err := NewNetworkPin()
	if err != nil {
		t.Fatalf("NewNetworkPin failed: %v", err)
	}
	if len(pin) != networkPinLength {
		t.Fatalf("expected %d-character pin, got %q", networkPinLength, pin)
	}
	for _, r := range pin {
		if !strings.ContainsRune(networkPinAlphabet, r) {
			t.Fatalf("pin %q contains character outside the alphabet", pin)
		}
	}
}

func TestNewNetworkNameShape(t *testing.T) {
	name, err := NewNetworkName()
	if err != nil {
		t.Fatalf("NewNetworkName failed: %v", err)
	}
	parts := strings.Split(name, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		t.Fatalf("expected adjective-animal name, got %q", name)
	}
}
