package models

import (
	"net"
	"strconv"
)

// Peer represents a cluster member as currently observed on the network.
type Peer struct {
	ID          string `json:"id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Hostname    string `json:"hostname"`
	LastSeen    int64  `json:"last_seen"`
	IsTrusted   bool   `json:"is_trusted"`
	IsManual    bool   `json:"is_manual"`
	NetworkName string `json:"network_name,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Addr returns the peer's control endpoint as host:port.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}
