package formation

import (
	"net/netip"
	"time"
)

const (
	// MaxPeers is the size of the discovery cache.
	MaxPeers        = 8
	DiscoveryWindow = 3 * time.Second
)

// Peer is a node seen through its presence frames.
type Peer struct {
	MAC      MAC
	IP       netip.Addr
	Name     string
	Leader   bool
	Group    int32
	LastSeen time.Time
	Age      time.Duration // filled in by listings
}

// PeerCache is a fixed array scanned linearly. When full, an unknown peer
// overwrites the slot with the oldest LastSeen. Stale entries are hidden from
// listings but stay in their slot until overwritten.
type PeerCache struct {
	slots [MaxPeers]Peer
	used  [MaxPeers]bool
}

// Upsert records p, matching an existing slot by MAC or IP.
func (c *PeerCache) Upsert(p Peer) {
	for i := range c.slots {
		if !c.used[i] {
			continue
		}
		s := &c.slots[i]
		if (!p.MAC.IsZero() && s.MAC == p.MAC) || (p.IP.IsValid() && s.IP == p.IP) {
			if !p.MAC.IsZero() {
				s.MAC = p.MAC
			}
			s.IP = p.IP
			s.LastSeen = p.LastSeen
			s.Leader = p.Leader
			s.Group = p.Group
			if p.Name != "" {
				s.Name = p.Name
			}
			return
		}
	}

	idx := -1
	for i := range c.slots {
		if !c.used[i] {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		for i := 1; i < MaxPeers; i++ {
			if c.slots[i].LastSeen.Before(c.slots[idx].LastSeen) {
				idx = i
			}
		}
	}
	c.slots[idx] = p
	c.used[idx] = true
}

// Lookup finds a cached peer by hardware address, stale or not.
func (c *PeerCache) Lookup(mac MAC) (Peer, bool) {
	if mac.IsZero() {
		return Peer{}, false
	}
	for i := range c.slots {
		if c.used[i] && c.slots[i].MAC == mac {
			return c.slots[i], true
		}
	}
	return Peer{}, false
}

// Recent lists peers seen within window of now, skipping self.
func (c *PeerCache) Recent(now time.Time, window time.Duration, self netip.Addr) []Peer {
	var out []Peer
	for i := range c.slots {
		if !c.used[i] {
			continue
		}
		p := c.slots[i]
		age := now.Sub(p.LastSeen)
		if age > window {
			continue
		}
		if self.IsValid() && p.IP == self {
			continue
		}
		p.Age = age
		out = append(out, p)
	}
	return out
}
