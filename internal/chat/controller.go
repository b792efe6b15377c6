// Package chat is the protocol engine: it owns the shared channel, keeps
// the directory of online peers consistent and turns traffic and local
// commands into events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanchat/internal/directory"
	"lanchat/internal/protocol"
	"lanchat/internal/transfer"
	"lanchat/internal/transport"
)

const (
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultTimeoutMultiplier = 4

	internalQueueSize = 64
	eventBufferSize   = 64

	// receiveBackoff spaces out reads while the socket keeps failing.
	receiveBackoff = 200 * time.Millisecond
)

type Config struct {
	Nick string
	// Code is the identity to log on with. Zero picks a random code at
	// every logon.
	Code int

	KeepAliveInterval time.Duration
	TimeoutMultiplier int

	Transfer transfer.Config

	Clock  clock.Clock
	Logger *zap.Logger
	Scope  tally.Scope
}

func (c *Config) applyDefaults() {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.TimeoutMultiplier <= 0 {
		c.TimeoutMultiplier = DefaultTimeoutMultiplier
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Scope == nil {
		c.Scope = tally.NoopScope
	}
	if c.Transfer.Clock == nil {
		c.Transfer.Clock = c.Clock
	}
	if c.Transfer.Logger == nil {
		c.Transfer.Logger = c.Logger.Named("transfer")
	}
	if c.Transfer.Scope == nil {
		c.Transfer.Scope = c.Scope
	}
}

type command struct {
	fn    func(context.Context) error
	reply chan error
}

// Controller serializes everything that touches the directory through one
// loop: inbound datagrams, local commands, liveness ticks and transfer
// reports. Commands block until Run is running, so start Run before or
// concurrently with the first command.
type Controller struct {
	config  Config
	sock    transport.Socket
	clock   clock.Clock
	logger  *zap.Logger
	metrics metrics

	dir       *directory.Directory
	transfers *transfer.Manager
	monitor   *monitor

	inbound  chan transport.Datagram
	commands chan command
	internal chan func(context.Context)
	queue    *eventQueue
	events   chan Event
	done     chan struct{}
	runOnce  sync.Once

	// Loop-owned state.
	code     int
	name     string
	away     bool
	awayMsg  string
	writing  bool
	loggedOn bool

	// Loop-written, readable from any goroutine.
	stateMu   sync.RWMutex
	topic     Topic
	connected bool
	online    bool
}

func New(sock transport.Socket, config Config) *Controller {
	config.applyDefaults()

	c := &Controller{
		config:   config,
		sock:     sock,
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  newMetrics(config.Scope),
		dir:      directory.New(),
		inbound:  make(chan transport.Datagram),
		commands: make(chan command),
		internal: make(chan func(context.Context), internalQueueSize),
		queue:    newEventQueue(),
		events:   make(chan Event, eventBufferSize),
		done:     make(chan struct{}),
		name:     config.Nick,
	}
	c.transfers = transfer.NewManager(config.Transfer, reporter{c})
	c.monitor = &monitor{
		clock:    config.Clock,
		interval: config.KeepAliveInterval,
		post:     c.post,
		tick:     c.tick,
	}
	return c
}

// Events delivers state changes in the order they happened. The channel is
// closed when Run returns.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Run processes traffic and commands until ctx is cancelled or the socket
// is closed. It logs off and stops every transfer before returning.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("chat: Run called twice")
	}
	defer close(c.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receive(gctx) })
	g.Go(func() error { return c.pump(gctx) })

	c.logger.Info("Controller started", zap.Stringer("local", c.sock.LocalAddr()))
	c.loop(gctx)
	c.shutdown()

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.logger.Info("Controller stopped")
	return err
}

func (c *Controller) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.inbound:
			c.handleDatagram(ctx, d)
		case cmd := <-c.commands:
			cmd.reply <- cmd.fn(ctx)
		case fn := <-c.internal:
			fn(ctx)
		}
	}
}

func (c *Controller) shutdown() {
	c.monitor.stop()
	if !c.loggedOn {
		return
	}
	for _, s := range c.transfers.AbortAll() {
		c.emit(Event{Kind: EventTransferAborted, Transfer: s, Err: ErrTransferCancelled})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.broadcast(ctx, c.message(protocol.KindLogoff)); err != nil {
		c.logger.Debug("Logoff on shutdown not sent", zap.Error(err))
	}
	c.loggedOn = false
}

// receive feeds the loop until ctx ends or the socket is closed. Other read
// errors are transient: the first is retried at once, a run of them is
// paced by receiveBackoff.
func (c *Controller) receive(ctx context.Context) error {
	failures := 0
	for {
		d, err := c.sock.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("receive: %w", err)
			}
			failures++
			c.metrics.recvErrors.Inc(1)
			c.logger.Warn("Receive failed", zap.Int("failures", failures), zap.Error(err))
			if failures > 1 {
				select {
				case <-c.clock.After(receiveBackoff):
				case <-ctx.Done():
					return nil
				}
			}
			continue
		}
		failures = 0
		select {
		case c.inbound <- d:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Controller) pump(ctx context.Context) error {
	defer close(c.events)
	for {
		e, ok := c.queue.pop()
		if !ok {
			select {
			case <-c.queue.signal:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case c.events <- e:
		case <-ctx.Done():
			return nil
		}
	}
}

// call runs fn on the loop and waits for its result. Until Run has started
// it waits for the loop; once Run has returned it fails with ErrStopped.
func (c *Controller) call(fn func(context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrStopped
	}
}

// post queues fn for the loop without waiting. It reports false when the
// loop is gone or ctx ended first.
func (c *Controller) post(ctx context.Context, fn func(context.Context)) bool {
	select {
	case c.internal <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

func (c *Controller) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = c.clock.Now()
	}
	c.queue.push(e)
}

func (c *Controller) setTopic(t Topic) {
	c.stateMu.Lock()
	c.topic = t
	c.stateMu.Unlock()
}

func (c *Controller) setOnline(online bool) {
	c.stateMu.Lock()
	c.online = online
	c.stateMu.Unlock()
}

// setConnected records the channel state and reports transitions.
func (c *Controller) setConnected(connected bool, cause error) {
	c.stateMu.Lock()
	was := c.connected
	c.connected = connected
	c.stateMu.Unlock()

	switch {
	case was && !connected:
		c.logger.Warn("Connection lost", zap.Error(cause))
		c.emit(Event{Kind: EventConnectionLost, Err: cause})
	case !was && connected:
		c.logger.Info("Connection restored")
		c.emit(Event{Kind: EventConnectionRestored})
	}
}

func (c *Controller) message(kind protocol.Kind) *protocol.Message {
	return &protocol.Message{Kind: kind, Code: c.code, Name: c.name}
}

func (c *Controller) presence(kind protocol.Kind) *protocol.Message {
	m := c.message(kind)
	m.Away = c.away
	m.AwayMsg = c.awayMsg
	return m
}

// broadcast sends m to the whole channel. A send failure marks the
// connection lost.
func (c *Controller) broadcast(ctx context.Context, m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := c.sock.Broadcast(ctx, data); err != nil {
		c.metrics.sendErrors.Inc(1)
		c.setConnected(false, err)
		return &NotConnectedError{Op: string(m.Kind), Lost: true, Err: err}
	}
	c.metrics.sent.Inc(1)
	return nil
}

// reply answers a single peer. Failures are logged only.
func (c *Controller) reply(ctx context.Context, m *protocol.Message, to *directory.Peer) {
	data, err := protocol.Encode(m)
	if err != nil {
		c.logger.Warn("Failed to encode reply", zap.String("kind", string(m.Kind)), zap.Error(err))
		return
	}
	if err := c.sock.SendTo(ctx, data, to.Addr); err != nil {
		c.metrics.sendErrors.Inc(1)
		c.logger.Debug("Reply not sent", zap.Int("to", to.Code), zap.Error(err))
		return
	}
	c.metrics.sent.Inc(1)
}

// removePeer drops a peer and everything in flight with it.
func (c *Controller) removePeer(code int, kind EventKind) {
	p, ok := c.dir.Remove(code)
	if !ok {
		return
	}
	c.metrics.usersOnline.Update(float64(c.dir.Len()))
	c.emit(Event{Kind: kind, Peer: p})
	for _, s := range c.transfers.AbortPeer(code) {
		c.emit(Event{Kind: EventTransferAborted, Transfer: s, Err: ErrPeerGone})
	}
}

// Users returns the directory ordered by name.
func (c *Controller) Users() []directory.Peer {
	return c.dir.Snapshot()
}

// Me returns the local peer while logged on.
func (c *Controller) Me() (directory.Peer, bool) {
	return c.dir.Me()
}

func (c *Controller) Topic() Topic {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.topic
}

func (c *Controller) Transfers() []transfer.Session {
	return c.transfers.List()
}

func (c *Controller) IsLoggedOn() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.online
}

func (c *Controller) IsConnected() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.online && c.connected
}

// reporter forwards transfer outcomes into the loop.
type reporter struct {
	c *Controller
}

func (r reporter) Progress(s transfer.Session) {
	r.c.post(context.Background(), func(context.Context) {
		r.c.emit(Event{Kind: EventTransferProgress, Transfer: s})
	})
}

func (r reporter) Completed(s transfer.Session) {
	r.c.post(context.Background(), func(context.Context) {
		r.c.emit(Event{Kind: EventTransferCompleted, Transfer: s})
	})
}

func (r reporter) Failed(s transfer.Session, err error) {
	r.c.post(context.Background(), func(ctx context.Context) {
		r.c.emit(Event{Kind: EventTransferAborted, Transfer: s, Err: err})
		if !r.c.loggedOn {
			return
		}
		m := r.c.message(protocol.KindFileAbort)
		m.To = s.Peer
		m.Offerer = s.Key.Offerer
		m.TransferID = s.Key.ID
		if err := r.c.broadcast(ctx, m); err != nil {
			r.c.logger.Debug("Abort notice not sent", zap.Stringer("key", s.Key), zap.Error(err))
		}
	})
}
