package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func receiveWithin(t *testing.T, s Socket, d time.Duration) (Datagram, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Receive(ctx)
}

func TestHubBroadcastReachesEveryone(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.Open(), hub.Open(), hub.Open()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if err := a.Broadcast(context.Background(), []byte("hi")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for _, s := range []*MemSocket{a, b, c} {
		d, err := receiveWithin(t, s, time.Second)
		if err != nil {
			t.Fatalf("%s: Receive: %v", s.LocalAddr(), err)
		}
		if string(d.Data) != "hi" || d.From.String() != a.LocalAddr().String() {
			t.Errorf("%s got %q from %s", s.LocalAddr(), d.Data, d.From)
		}
	}
}

func TestHubSendToIsUnicast(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.Open(), hub.Open(), hub.Open()

	if err := a.SendTo(context.Background(), []byte("psst"), b.LocalAddr()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if d, err := receiveWithin(t, b, time.Second); err != nil || string(d.Data) != "psst" {
		t.Fatalf("b got %q, %v", d.Data, err)
	}
	if _, err := receiveWithin(t, c, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("c received unicast meant for b: %v", err)
	}
	if _, err := receiveWithin(t, a, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("sender received its own unicast: %v", err)
	}
}

func TestHubFilterAndLoss(t *testing.T) {
	hub := NewHub()
	a, b := hub.Open(), hub.Open()

	hub.SetFilter(func(from, to *net.UDPAddr, data []byte) bool {
		return to.String() != b.LocalAddr().String()
	})
	a.Broadcast(context.Background(), []byte("x"))
	if _, err := receiveWithin(t, b, 50*time.Millisecond); err == nil {
		t.Error("filtered delivery reached b")
	}
	hub.SetFilter(nil)

	hub.SetLoss(1, 0, 7)
	a.Broadcast(context.Background(), []byte("x"))
	if _, err := receiveWithin(t, b, 50*time.Millisecond); err == nil {
		t.Error("delivery survived 100% loss")
	}

	hub.SetLoss(0, 1, 7)
	a.SendTo(context.Background(), []byte("dup"), b.LocalAddr())
	for i := 0; i < 2; i++ {
		if _, err := receiveWithin(t, b, time.Second); err != nil {
			t.Fatalf("copy %d: %v", i, err)
		}
	}
}

func TestMemSocketFailSendsAndClose(t *testing.T) {
	hub := NewHub()
	a := hub.Open()

	boom := errors.New("network down")
	a.FailSends(boom)
	if err := a.Broadcast(context.Background(), []byte("x")); !errors.Is(err, boom) {
		t.Errorf("Broadcast error = %v, want %v", err, boom)
	}
	a.FailSends(nil)
	if err := a.Broadcast(context.Background(), []byte("x")); err != nil {
		t.Errorf("Broadcast after restore: %v", err)
	}

	a.Close()
	a.Close()
	if err := a.Broadcast(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Broadcast on closed socket = %v", err)
	}
	if _, err := a.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive on closed socket = %v", err)
	}
}

func TestOpenUDPRejectsBadGroup(t *testing.T) {
	if _, err := OpenUDP(UDPOptions{Group: "10.0.0.1", Port: 0}); err == nil {
		t.Error("unicast address accepted as group")
	}
	if _, err := OpenUDP(UDPOptions{Group: "nonsense", Port: 0}); err == nil {
		t.Error("garbage accepted as group")
	}
}

func TestUDPSocketUnicast(t *testing.T) {
	a, err := OpenUDP(UDPOptions{Group: "224.168.5.1", Port: 0})
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer a.Close()
	b, err := OpenUDP(UDPOptions{Group: "224.168.5.1", Port: 0})
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer b.Close()

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.LocalAddr().Port}
	if err := a.SendTo(context.Background(), []byte("hello"), dst); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	d, err := receiveWithin(t, b, 3*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(d.Data) != "hello" || d.From.Port != a.LocalAddr().Port {
		t.Errorf("got %q from %s", d.Data, d.From)
	}

	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := b.Receive(context.Background()); err == nil {
		t.Error("Receive after Close succeeded")
	}
}
