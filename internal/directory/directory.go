// Package directory keeps the set of peers currently believed to be on the
// channel.
package directory

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// Peer is one chat participant as seen from this process.
type Peer struct {
	Code      int
	Name      string
	Addr      *net.UDPAddr
	Away      bool
	AwayMsg   string
	Writing   bool
	LastSeen  time.Time
	LogonTime time.Time
	Me        bool
}

// Directory maps identity codes to peers. The chat controller is its only
// writer; Get, Snapshot and the other readers are safe from any goroutine.
type Directory struct {
	peers map[int]Peer
	mu    sync.RWMutex
}

func New() *Directory {
	return &Directory{peers: make(map[int]Peer)}
}

// Upsert inserts p or replaces the peer with the same code.
func (d *Directory) Upsert(p Peer) {
	d.mu.Lock()
	d.peers[p.Code] = p
	d.mu.Unlock()
}

// Remove deletes the peer with the given code and returns what was stored.
// Removing an absent code is a no-op.
func (d *Directory) Remove(code int) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[code]
	if ok {
		delete(d.peers, code)
	}
	return p, ok
}

func (d *Directory) Get(code int) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[code]
	return p, ok
}

// Touch records that code was heard from at t.
func (d *Directory) Touch(code int, t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[code]
	if !ok {
		return false
	}
	if t.After(p.LastSeen) {
		p.LastSeen = t
		d.peers[code] = p
	}
	return true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Me returns the local peer, if logged on.
func (d *Directory) Me() (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.peers {
		if p.Me {
			return p, true
		}
	}
	return Peer{}, false
}

// Snapshot returns a copy of all peers ordered by name (case-insensitive),
// then by code.
func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	peers := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		a, b := strings.ToLower(peers[i].Name), strings.ToLower(peers[j].Name)
		if a != b {
			return a < b
		}
		return peers[i].Code < peers[j].Code
	})
	return peers
}

// Expired lists the remote peers not heard from for longer than timeout.
// It does not remove them.
func (d *Directory) Expired(now time.Time, timeout time.Duration) []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Peer
	for _, p := range d.peers {
		if !p.Me && now.Sub(p.LastSeen) > timeout {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Clear removes every peer, the local one included.
func (d *Directory) Clear() {
	d.mu.Lock()
	d.peers = make(map[int]Peer)
	d.mu.Unlock()
}
