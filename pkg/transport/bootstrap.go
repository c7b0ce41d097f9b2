package transport

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"synapse/pkg/types"
)

// BootstrapAddress is a dialable peer address with the peer identifier
// embedded as a suffix: "host:port/<peer-id>".
type BootstrapAddress struct {
	Addr string
	Peer types.PeerID
}

// ParseBootstrapAddress splits and validates a bootstrap address string.
// Addresses missing the peer-id suffix are rejected so the caller can skip
// them with a warning instead of dialing blind.
func ParseBootstrapAddress(s string) (BootstrapAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return BootstrapAddress{}, fmt.Errorf("bootstrap address cannot be empty")
	}

	i := strings.LastIndex(s, "/")
	if i < 0 {
		return BootstrapAddress{}, fmt.Errorf("bootstrap address %q missing peer-id suffix", s)
	}
	addr, peer := s[:i], s[i+1:]
	if peer == "" {
		return BootstrapAddress{}, fmt.Errorf("bootstrap address %q missing peer-id suffix", s)
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return BootstrapAddress{}, fmt.Errorf("bootstrap address %q: %w", s, err)
	}
	if raw, err := base64.RawURLEncoding.DecodeString(peer); err != nil || len(raw) != 32 {
		return BootstrapAddress{}, fmt.Errorf("bootstrap address %q: invalid peer id", s)
	}

	return BootstrapAddress{Addr: addr, Peer: types.PeerID(peer)}, nil
}

// String renders the canonical bootstrap form of the address.
func (b BootstrapAddress) String() string {
	return b.Addr + "/" + string(b.Peer)
}
