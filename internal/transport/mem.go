package transport

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
)

const memInboxSize = 1024

// Hub is an in-memory multicast group. Every MemSocket opened on it gets a
// distinct loopback address; Broadcast fans out to all of them, the sender
// included, the way multicast loopback does on a real network.
type Hub struct {
	mu       sync.Mutex
	sockets  map[string]*MemSocket
	nextPort int

	dropRate float64
	dupRate  float64
	rng      *rand.Rand
	filter   func(from, to *net.UDPAddr, data []byte) bool
}

func NewHub() *Hub {
	return &Hub{
		sockets:  make(map[string]*MemSocket),
		nextPort: 40001,
		rng:      rand.New(rand.NewPCG(1, 2)),
	}
}

// SetLoss makes the hub drop each delivery with probability drop and
// deliver it twice with probability dup. seed makes the pattern repeatable.
func (h *Hub) SetLoss(drop, dup float64, seed uint64) {
	h.mu.Lock()
	h.dropRate, h.dupRate = drop, dup
	h.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	h.mu.Unlock()
}

// SetFilter installs a hook that sees every delivery; returning false drops
// it. A nil filter delivers everything.
func (h *Hub) SetFilter(f func(from, to *net.UDPAddr, data []byte) bool) {
	h.mu.Lock()
	h.filter = f
	h.mu.Unlock()
}

// Open attaches a new socket to the hub.
func (h *Hub) Open() *MemSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.nextPort}
	h.nextPort++
	s := &MemSocket{
		hub:    h,
		addr:   addr,
		inbox:  make(chan Datagram, memInboxSize),
		closed: make(chan struct{}),
	}
	h.sockets[addr.String()] = s
	return s
}

func (h *Hub) deliver(from *net.UDPAddr, to *MemSocket, data []byte) {
	copies := 1
	if h.filter != nil && !h.filter(from, to.addr, data) {
		return
	}
	if h.dropRate > 0 && h.rng.Float64() < h.dropRate {
		return
	}
	if h.dupRate > 0 && h.rng.Float64() < h.dupRate {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case to.inbox <- Datagram{Data: buf, From: from}:
		default:
			// Full inbox behaves like a full socket buffer.
		}
	}
}

func (h *Hub) broadcast(from *net.UDPAddr, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sockets {
		h.deliver(from, s, data)
	}
}

func (h *Hub) sendTo(from, to *net.UDPAddr, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sockets[to.String()]; ok {
		h.deliver(from, s, data)
	}
}

func (h *Hub) detach(s *MemSocket) {
	h.mu.Lock()
	delete(h.sockets, s.addr.String())
	h.mu.Unlock()
}

// MemSocket is a Socket attached to a Hub.
type MemSocket struct {
	hub   *Hub
	addr  *net.UDPAddr
	inbox chan Datagram

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	sendErr error
}

// FailSends makes every following send return err, simulating a lost
// network. A nil err restores the socket.
func (s *MemSocket) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *MemSocket) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErr
}

func (s *MemSocket) Broadcast(ctx context.Context, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.hub.broadcast(s.addr, data)
	return nil
}

func (s *MemSocket) SendTo(ctx context.Context, data []byte, addr *net.UDPAddr) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.hub.sendTo(s.addr, addr, data)
	return nil
}

func (s *MemSocket) Receive(ctx context.Context) (Datagram, error) {
	select {
	case d := <-s.inbox:
		return d, nil
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case <-s.closed:
		return Datagram{}, ErrClosed
	}
}

func (s *MemSocket) LocalAddr() *net.UDPAddr {
	return s.addr
}

func (s *MemSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.hub.detach(s)
	})
	return nil
}
