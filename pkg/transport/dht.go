package transport

import (
	"bytes"
	"crypto/sha256"
	"sort"
	"time"

	"synapse/pkg/types"
)

// The DHT keyspace is SHA-256 of the peer or content identifier, compared
// by XOR distance. One flat table; sharding is out of scope.

type dhtKey [sha256.Size]byte

func keyOf(s string) dhtKey {
	return sha256.Sum256([]byte(s))
}

// distance returns the XOR metric between two keys.
func distance(a, b dhtKey) []byte {
	d := make([]byte, len(a))
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

type peerEntry struct {
	id        types.PeerID
	key       dhtKey
	addresses []string
	connected bool
	lastSeen  time.Time
}

// routingTable tracks every peer the node has learned of. It is owned
// exclusively by the transport loop and carries no locking.
type routingTable struct {
	self  dhtKey
	peers map[types.PeerID]*peerEntry
}

func newRoutingTable(self types.PeerID) *routingTable {
	return &routingTable{
		self:  keyOf(string(self)),
		peers: make(map[types.PeerID]*peerEntry),
	}
}

// add registers a peer address, merging with anything already known.
func (rt *routingTable) add(id types.PeerID, addresses ...string) *peerEntry {
	entry, ok := rt.peers[id]
	if !ok {
		entry = &peerEntry{id: id, key: keyOf(string(id))}
		rt.peers[id] = entry
	}
	for _, addr := range addresses {
		if addr != "" && !containsString(entry.addresses, addr) {
			entry.addresses = append(entry.addresses, addr)
		}
	}
	entry.lastSeen = time.Now()
	return entry
}

func (rt *routingTable) get(id types.PeerID) (*peerEntry, bool) {
	entry, ok := rt.peers[id]
	return entry, ok
}

func (rt *routingTable) setConnected(id types.PeerID, connected bool) {
	if entry, ok := rt.peers[id]; ok {
		entry.connected = connected
		if connected {
			entry.lastSeen = time.Now()
		}
	}
}

// closest returns up to k known peers ordered by XOR distance to target.
// connectedOnly restricts the result to peers with a live channel.
func (rt *routingTable) closest(target dhtKey, k int, connectedOnly bool) []*peerEntry {
	candidates := make([]*peerEntry, 0, len(rt.peers))
	for _, entry := range rt.peers {
		if connectedOnly && !entry.connected {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		di := distance(candidates[i].key, target)
		dj := distance(candidates[j].key, target)
		return bytes.Compare(di, dj) < 0
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// snapshot copies the table into the transport-neutral PeerInfo view.
func (rt *routingTable) snapshot() []types.PeerInfo {
	out := make([]types.PeerInfo, 0, len(rt.peers))
	for _, entry := range rt.peers {
		out = append(out, types.PeerInfo{
			ID:        entry.id,
			Addresses: append([]string(nil), entry.addresses...),
			Connected: entry.connected,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// providerTable maps content keys to the peers that announced them.
// Records expire; announcements are expected to be republished.
type providerTable struct {
	ttl     time.Duration
	records map[string]map[types.PeerID]time.Time
}

func newProviderTable(ttl time.Duration) *providerTable {
	return &providerTable{ttl: ttl, records: make(map[string]map[types.PeerID]time.Time)}
}

func (pt *providerTable) add(key string, peer types.PeerID) {
	peers, ok := pt.records[key]
	if !ok {
		peers = make(map[types.PeerID]time.Time)
		pt.records[key] = peers
	}
	peers[peer] = time.Now().Add(pt.ttl)
}

// get returns unexpired providers of key. Empty means "none known yet".
func (pt *providerTable) get(key string, now time.Time) []types.PeerID {
	var out []types.PeerID
	for peer, expiry := range pt.records[key] {
		if now.Before(expiry) {
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (pt *providerTable) expire(now time.Time) {
	for key, peers := range pt.records {
		for peer, expiry := range peers {
			if now.After(expiry) {
				delete(peers, peer)
			}
		}
		if len(peers) == 0 {
			delete(pt.records, key)
		}
	}
}

// sortByDistance orders peer ids by ascending XOR distance to target.
func sortByDistance(ids []types.PeerID, target dhtKey) {
	sort.Slice(ids, func(i, j int) bool {
		di := distance(keyOf(string(ids[i])), target)
		dj := distance(keyOf(string(ids[j])), target)
		return bytes.Compare(di, dj) < 0
	})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
