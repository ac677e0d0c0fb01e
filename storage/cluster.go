package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"clipmesh/crypto"
)

const (
	clusterKeyFileName  = "cluster_key.bin"
	clusterNameFileName = "cluster_name"
	clusterPinFileName  = "cluster_pin"
	knownPeersFileName  = "known_peers.json"

	networkPinLength   = 6
	networkPinAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var nameAdjectives = []string{
	"amber", "brisk", "cobalt", "crimson", "dusky", "ember", "frosty", "gilded",
	"hazel", "indigo", "jade", "keen", "lunar", "mellow", "nimble", "opal",
	"pale", "quiet", "rustic", "scarlet", "tidal", "umber", "velvet", "wild",
}

var nameAnimals = []string{
	"badger", "bison", "condor", "coyote", "falcon", "ferret", "gecko", "heron",
	"ibis", "jackal", "kestrel", "lemur", "lynx", "marmot", "otter", "panther",
	"quail", "raven", "stoat", "tapir", "urchin", "viper", "walrus", "wren",
}

// ClusterIdentity is the persisted cluster secret and its human-facing
// name and pin.
type ClusterIdentity struct {
	Key  []byte
	Name string
	Pin  string
}

// LoadClusterKey reads the persisted cluster key.
func LoadClusterKey(dataDir string) ([]byte, error) {
	key, err := os.ReadFile(filepath.Join(dataDir, clusterKeyFileName))
	if err != nil {
		return nil, fmt.Errorf("read cluster key: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("invalid cluster key length: got %d want %d", len(key), crypto.KeySize)
	}
	return key, nil
}

// SaveClusterKey persists the cluster key.
func SaveClusterKey(dataDir string, key []byte) error {
	if len(key) != crypto.KeySize {
		return fmt.Errorf("invalid cluster key length: got %d want %d", len(key), crypto.KeySize)
	}
	if err := os.WriteFile(filepath.Join(dataDir, clusterKeyFileName), key, 0o600); err != nil {
		return fmt.Errorf("write cluster key: %w", err)
	}
	return nil
}

// LoadNetworkName reads the persisted cluster name.
func LoadNetworkName(dataDir string) (string, error) {
	return loadIdentityString(dataDir, clusterNameFileName, "cluster name")
}

// SaveNetworkName persists the cluster name.
func SaveNetworkName(dataDir, name string) error {
	return saveIdentityString(dataDir, clusterNameFileName, "cluster name", name)
}

// LoadNetworkPin reads the persisted cluster pin.
func LoadNetworkPin(dataDir string) (string, error) {
	return loadIdentityString(dataDir, clusterPinFileName, "cluster pin")
}

// SaveNetworkPin persists the cluster pin.
func SaveNetworkPin(dataDir, pin string) error {
	return saveIdentityString(dataDir, clusterPinFileName, "cluster pin", pin)
}

func loadIdentityString(dataDir, fileName, what string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, fileName))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", what, err)
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return "", fmt.Errorf("read %s: file is empty", what)
	}
	return value, nil
}

func saveIdentityString(dataDir, fileName, what, value string) error {
	if err := os.WriteFile(filepath.Join(dataDir, fileName), []byte(value+"\n"), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", what, err)
	}
	return nil
}

// EnsureClusterIdentity loads the persisted identity, generating and
// persisting any missing piece. It reports whether anything was generated.
func EnsureClusterIdentity(dataDir string) (ClusterIdentity, bool, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return ClusterIdentity{}, false, fmt.Errorf("create data directory: %w", err)
	}

	created := false
	identity := ClusterIdentity{}

	key, err := LoadClusterKey(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		if key, err = crypto.NewClusterKey(); err == nil {
			err = SaveClusterKey(dataDir, key)
			created = true
		}
	}
	if err != nil {
		return ClusterIdentity{}, false, err
	}
	identity.Key = key

	name, err := LoadNetworkName(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		if name, err = NewNetworkName(); err == nil {
			err = SaveNetworkName(dataDir, name)
			created = true
		}
	}
	if err != nil {
		return ClusterIdentity{}, false, err
	}
	identity.Name = name

	pin, err := LoadNetworkPin(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		if pin, err = NewNetworkPin(); err == nil {
			err = SaveNetworkPin(dataDir, pin)
			created = true
		}
	}
	if err != nil {
		return ClusterIdentity{}, false, err
	}
	identity.Pin = pin

	return identity, created, nil
}

// NewClusterIdentity generates a fresh key, name, and pin without touching
// disk.
func NewClusterIdentity() (ClusterIdentity, error) {
	key, err := crypto.NewClusterKey()
	if err != nil {
		return ClusterIdentity{}, err
	}
	name, err := NewNetworkName()
	if err != nil {
		return ClusterIdentity{}, err
	}
	pin, err := NewNetworkPin()
	if err != nil {
		return ClusterIdentity{}, err
	}
	return ClusterIdentity{Key: key, Name: name, Pin: pin}, nil
}

// SaveClusterIdentity persists all three identity pieces.
func SaveClusterIdentity(dataDir string, identity ClusterIdentity) error {
	if err := SaveClusterKey(dataDir, identity.Key); err != nil {
		return err
	}
	if err := SaveNetworkName(dataDir, identity.Name); err != nil {
		return err
	}
	return SaveNetworkPin(dataDir, identity.Pin)
}

// RemoveClusterState deletes exactly the persisted cluster set: key, name,
// pin, and known peers. The device identifier is config, not cluster state,
// and survives.
func RemoveClusterState(dataDir string) error {
	for _, fileName := range []string{
		clusterKeyFileName,
		clusterNameFileName,
		clusterPinFileName,
		knownPeersFileName,
	} {
		if err := os.Remove(filepath.Join(dataDir, fileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", fileName, err)
		}
	}
	return nil
}

// NewNetworkName generates a readable adjective-animal cluster name.
func NewNetworkName() (string, error) {
	adjective, err := pickWord(nameAdjectives)
	if err != nil {
		return "", err
	}
	animal, err := pickWord(nameAnimals)
	if err != nil {
		return "", err
	}
	return adjective + "-" + animal, nil
}

// NewNetworkPin generates a 6-character pairing pin over A-Z0-9.
func NewNetworkPin() (string, error) {
	pin := make([]byte, networkPinLength)
	for i := range pin {
		index, err := rand.Int(rand.Reader, big.NewInt(int64(len(networkPinAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}
		pin[i] = networkPinAlphabet[index.Int64()]
	}
	return string(pin), nil
}

func pickWord(words []string) (string, error) {
	index, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("generate cluster name: %w", err)
	}
	return words[index.Int64()], nil
}
