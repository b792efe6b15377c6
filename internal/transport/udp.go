package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	readPollInterval = time.Second
	defaultTTL       = 4
)

// UDPOptions configures a multicast socket.
type UDPOptions struct {
	Group     string // multicast group, e.g. 224.168.5.1
	Port      int
	Interface string // join only this interface; empty joins every usable one
	TTL       int
	Logger    *zap.Logger
}

// UDPSocket is a Socket on an IPv4 multicast group.
type UDPSocket struct {
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	group  *net.UDPAddr
	logger *zap.Logger
	buf    []byte // owned by the single Receive caller

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenUDP binds the well-known port with address reuse, so several clients
// on one host can share the channel, and joins the group.
func OpenUDP(opts UDPOptions) (*UDPSocket, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	groupIP := net.ParseIP(opts.Group).To4()
	if groupIP == nil || !groupIP.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q", opts.Group)
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	packetConn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", opts.Port, err)
	}
	conn := packetConn.(*net.UDPConn)

	s := &UDPSocket{
		conn:   conn,
		pc:     ipv4.NewPacketConn(conn),
		group:  &net.UDPAddr{IP: groupIP, Port: opts.Port},
		logger: logger,
		buf:    make([]byte, 64*1024),
		closed: make(chan struct{}),
	}

	if err := s.join(opts.Interface); err != nil {
		conn.Close()
		return nil, err
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if err := s.pc.SetMulticastTTL(ttl); err != nil {
		logger.Warn("Failed to set multicast TTL", zap.Error(err))
	}
	if err := s.pc.SetMulticastLoopback(true); err != nil {
		logger.Warn("Failed to enable multicast loopback", zap.Error(err))
	}

	logger.Info("Joined multicast channel",
		zap.Stringer("group", s.group),
		zap.Stringer("local", conn.LocalAddr()))
	return s, nil
}

func (s *UDPSocket) join(name string) error {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return fmt.Errorf("interface %q: %w", name, err)
		}
		if err := s.pc.JoinGroup(iface, &net.UDPAddr{IP: s.group.IP}); err != nil {
			return fmt.Errorf("failed to join %s on %s: %w", s.group.IP, name, err)
		}
		if err := s.pc.SetMulticastInterface(iface); err != nil {
			s.logger.Warn("Failed to select multicast interface", zap.String("interface", name), zap.Error(err))
		}
		return nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := s.pc.JoinGroup(iface, &net.UDPAddr{IP: s.group.IP}); err != nil {
			s.logger.Debug("Skipping interface", zap.String("interface", iface.Name), zap.Error(err))
			continue
		}
		joined++
	}
	if joined == 0 {
		// Let the kernel pick.
		if err := s.pc.JoinGroup(nil, &net.UDPAddr{IP: s.group.IP}); err != nil {
			return fmt.Errorf("failed to join %s: %w", s.group.IP, err)
		}
	}
	return nil
}

func (s *UDPSocket) Broadcast(ctx context.Context, data []byte) error {
	return s.write(ctx, data, s.group)
}

func (s *UDPSocket) SendTo(ctx context.Context, data []byte, addr *net.UDPAddr) error {
	if addr == nil {
		return errors.New("transport: nil destination")
	}
	return s.write(ctx, data, addr)
}

func (s *UDPSocket) write(ctx context.Context, data []byte, dst *net.UDPAddr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := s.conn.WriteToUDP(data, dst); err != nil {
		return fmt.Errorf("send to %s: %w", dst, err)
	}
	return nil
}

// Receive blocks until a datagram arrives, ctx is done or the socket is
// closed. Only one goroutine may call it.
func (s *UDPSocket) Receive(ctx context.Context) (Datagram, error) {
	buf := s.buf
	for {
		if err := ctx.Err(); err != nil {
			return Datagram{}, err
		}
		s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.closed:
				return Datagram{}, ErrClosed
			default:
			}
			return Datagram{}, fmt.Errorf("receive: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		return Datagram{Data: data, From: src}, nil
	}
}

func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *UDPSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if leaveErr := s.pc.LeaveGroup(nil, &net.UDPAddr{IP: s.group.IP}); leaveErr != nil {
			s.logger.Debug("Leave group", zap.Error(leaveErr))
		}
		err = s.conn.Close()
	})
	return err
}
