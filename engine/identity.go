package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"clipmesh/storage"
)

// Rename changes the cluster's display name, keeping the key and pin. The
// new name is persisted, re-advertised through discovery, and announced to
// the host as a network-update.
func (e *Engine) Rename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("rename: cluster name is required")
	}
	if err := storage.SaveNetworkName(e.options.DataDir, name); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	e.registry.SetNetworkName(name)
	if e.options.OnNetworkChange != nil {
		e.options.OnNetworkChange(name)
	}

	e.logger.Info("cluster renamed", zap.String("network_name", name))
	e.applyEffects([]effect{emitEffect{EventNetworkUpdate, e.Status()}})
	return nil
}

// RegeneratePin rotates the pairing pin, keeping the key and name. Devices
// already in the cluster are unaffected; only future pairings need the new
// pin.
func (e *Engine) RegeneratePin() (string, error) {
	pin, err := storage.NewNetworkPin()
	if err != nil {
		return "", fmt.Errorf("rotate pin: %w", err)
	}
	if err := storage.SaveNetworkPin(e.options.DataDir, pin); err != nil {
		return "", fmt.Errorf("rotate pin: %w", err)
	}

	e.registry.SetNetworkPin(pin)

	e.logger.Info("pairing pin rotated")
	e.applyEffects([]effect{emitEffect{EventNetworkUpdate, e.Status()}})
	return pin, nil
}
