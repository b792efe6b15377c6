package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap/zaptest"

	"lanchat/internal/protocol"
	"lanchat/internal/transfer"
	"lanchat/internal/transport"
)

const waitTimeout = 5 * time.Second

// newMockClock starts at a realistic wall time so topic timestamps are
// never zero.
func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Add(time.Duration(1_700_000_000) * time.Second)
	return clk
}

type harness struct {
	c     *Controller
	code  int
	sock  *transport.MemSocket
	scope tally.TestScope
	dir   string
}

// startController runs a controller on hub until the test ends.
func startController(t *testing.T, hub *transport.Hub, clk clock.Clock, code int, nick string) *harness {
	t.Helper()
	sock := hub.Open()
	return startControllerOn(t, sock, sock, clk, code, nick)
}

// startControllerOn runs a controller over sock, which may wrap mem.
func startControllerOn(t *testing.T, mem *transport.MemSocket, sock transport.Socket, clk clock.Clock, code int, nick string) *harness {
	t.Helper()
	c, scope, dir := newTestController(t, sock, clk, code, nick)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("%s: Run: %v", nick, err)
		}
		mem.Close()
	})
	return &harness{c: c, code: code, sock: mem, scope: scope, dir: dir}
}

func newTestController(t *testing.T, sock transport.Socket, clk clock.Clock, code int, nick string) (*Controller, tally.TestScope, string) {
	scope := tally.NewTestScope("", nil)
	dir := t.TempDir()
	c := New(sock, Config{
		Nick:   nick,
		Code:   code,
		Clock:  clk,
		Logger: zaptest.NewLogger(t).Named(nick),
		Scope:  scope,
		Transfer: transfer.Config{
			DownloadDir:   dir,
			AcceptTimeout: waitTimeout,
			DialTimeout:   time.Second,
		},
	})
	return c, scope, dir
}

func (h *harness) logOn(t *testing.T) {
	t.Helper()
	if err := h.c.LogOn(); err != nil {
		t.Fatalf("LogOn: %v", err)
	}
}

// barrier returns once everything already queued on the loop has run.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	if err := h.c.call(func(context.Context) error { return nil }); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

// waitEvent skips events until one of kind satisfies match.
func (h *harness) waitEvent(t *testing.T, kind EventKind, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e, ok := <-h.c.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if e.Kind == kind && (match == nil || match(e)) {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// collect gathers n events satisfying match, dropping the rest.
func (h *harness) collect(t *testing.T, n int, match func(Event) bool) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(waitTimeout)
	for len(out) < n {
		select {
		case e, ok := <-h.c.Events():
			if !ok {
				t.Fatalf("events closed after %d of %d", len(out), n)
			}
			if match(e) {
				out = append(out, e)
			}
		case <-timeout:
			t.Fatalf("timed out with %d of %d events: %+v", len(out), n, out)
		}
	}
	return out
}

func ofKind(kinds ...EventKind) func(Event) bool {
	return func(e Event) bool {
		for _, k := range kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
}

// flakySocket fails the next Receive calls with err.
type flakySocket struct {
	*transport.MemSocket

	mu    sync.Mutex
	fails int
	err   error
}

func (f *flakySocket) failReceives(n int, err error) {
	f.mu.Lock()
	f.fails, f.err = n, err
	f.mu.Unlock()
}

func (f *flakySocket) Receive(ctx context.Context) (transport.Datagram, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		err := f.err
		f.mu.Unlock()
		return transport.Datagram{}, err
	}
	f.mu.Unlock()
	return f.MemSocket.Receive(ctx)
}

// drainEvents collects whatever arrives within d.
func (h *harness) drainEvents(d time.Duration) []Event {
	var out []Event
	timeout := time.After(d)
	for {
		select {
		case e, ok := <-h.c.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			return out
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func counterValue(scope tally.TestScope, name string) int64 {
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}

func fromCode(code int) func(Event) bool {
	return func(e Event) bool { return e.Peer.Code == code }
}

// rawPeer speaks the wire protocol directly so tests control exactly what
// a controller sees.
type rawPeer struct {
	t    *testing.T
	sock *transport.MemSocket
	code int
	name string
}

func newRawPeer(t *testing.T, hub *transport.Hub, code int, name string) *rawPeer {
	sock := hub.Open()
	t.Cleanup(func() { sock.Close() })
	return &rawPeer{t: t, sock: sock, code: code, name: name}
}

func (r *rawPeer) msg(kind protocol.Kind) *protocol.Message {
	return &protocol.Message{Kind: kind, Code: r.code, Name: r.name}
}

func (r *rawPeer) broadcast(m *protocol.Message) {
	r.t.Helper()
	data, err := protocol.Encode(m)
	if err != nil {
		r.t.Fatalf("Encode: %v", err)
	}
	r.sendRaw(data)
}

func (r *rawPeer) sendRaw(data []byte) {
	r.t.Helper()
	if err := r.sock.Broadcast(context.Background(), data); err != nil {
		r.t.Fatalf("Broadcast: %v", err)
	}
}

// next returns the next decodable message from someone else.
func (r *rawPeer) next(d time.Duration) (*protocol.Message, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	for {
		dg, err := r.sock.Receive(ctx)
		if err != nil {
			return nil, false
		}
		m, err := protocol.Decode(dg.Data, dg.From, r.code)
		if err != nil || m.Code == r.code {
			continue
		}
		return m, true
	}
}

func (r *rawPeer) await(kind protocol.Kind, from int) *protocol.Message {
	r.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		m, ok := r.next(time.Until(deadline))
		if ok && m.Kind == kind && m.Code == from {
			return m
		}
	}
	r.t.Fatalf("%s: no %s from %d", r.name, kind, from)
	return nil
}

// sync makes target process everything sent so far: it answers EXPOSE
// with HERE in order.
func (r *rawPeer) sync(target int) {
	r.t.Helper()
	r.broadcast(r.msg(protocol.KindExpose))
	r.await(protocol.KindHere, target)
}

// announce introduces the raw peer, waits until h knows it and consumes
// h's reply.
func (r *rawPeer) announce(h *harness) {
	r.t.Helper()
	r.broadcast(r.msg(protocol.KindHere))
	h.waitEvent(r.t, EventUserLoggedOn, fromCode(r.code))
	r.await(protocol.KindHere, h.code)
}
