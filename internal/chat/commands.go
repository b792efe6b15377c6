package chat

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"lanchat/internal/directory"
	"lanchat/internal/protocol"
	"lanchat/internal/transfer"
)

// requireOnline fails unless we are logged on and the channel works.
func (c *Controller) requireOnline(op string) error {
	if !c.loggedOn {
		return &NotConnectedError{Op: op}
	}
	c.stateMu.RLock()
	connected := c.connected
	c.stateMu.RUnlock()
	if !connected {
		return &NotConnectedError{Op: op, Lost: true}
	}
	return nil
}

func (c *Controller) updateMe(fn func(p *directory.Peer)) directory.Peer {
	me, _ := c.dir.Get(c.code)
	fn(&me)
	c.dir.Upsert(me)
	return me
}

func newCode() int {
	return 1_000_000 + rand.IntN(9_000_000)
}

// LogOn joins the channel: it announces the local peer, asks everyone to
// announce themselves, requests the topic and starts the liveness monitor.
func (c *Controller) LogOn() error {
	return c.call(func(ctx context.Context) error {
		if c.loggedOn {
			return invalid("logon", "already logged on")
		}
		c.code = c.config.Code
		if c.code == 0 {
			c.code = newCode()
		}
		now := c.clock.Now()
		c.dir.Upsert(directory.Peer{
			Code:      c.code,
			Name:      c.name,
			Addr:      c.sock.LocalAddr(),
			LastSeen:  now,
			LogonTime: now,
			Me:        true,
		})
		c.metrics.usersOnline.Update(float64(c.dir.Len()))
		c.loggedOn = true
		c.setOnline(true)
		c.stateMu.Lock()
		c.connected = true
		c.stateMu.Unlock()

		c.logger.Info("Logging on", zap.Int("code", c.code), zap.String("name", c.name))
		for _, kind := range []protocol.Kind{protocol.KindLogon, protocol.KindExpose, protocol.KindGetTopic} {
			m := c.message(kind)
			if kind == protocol.KindLogon {
				m = c.presence(kind)
			}
			if err := c.broadcast(ctx, m); err != nil {
				// Stay logged on; keep-alives restore the connection.
				break
			}
		}
		c.monitor.start(ctx)
		return nil
	})
}

// LogOff leaves the channel. Running transfers are cancelled and the
// directory and local identity are cleared.
func (c *Controller) LogOff() error {
	return c.call(func(ctx context.Context) error {
		if !c.loggedOn {
			return &NotConnectedError{Op: "logoff"}
		}
		for _, s := range c.transfers.AbortAll() {
			c.emit(Event{Kind: EventTransferAborted, Transfer: s, Err: ErrTransferCancelled})
		}
		if err := c.broadcast(ctx, c.message(protocol.KindLogoff)); err != nil {
			c.logger.Debug("Logoff not sent", zap.Error(err))
		}
		c.monitor.stop()

		c.logger.Info("Logged off", zap.Int("code", c.code))
		c.dir.Clear()
		c.metrics.usersOnline.Update(0)
		c.loggedOn = false
		c.code = 0
		c.away, c.awayMsg, c.writing = false, "", false
		c.setTopic(Topic{})
		c.setOnline(false)
		c.stateMu.Lock()
		c.connected = false
		c.stateMu.Unlock()
		return nil
	})
}

func (c *Controller) SendMessage(text string) error {
	return c.call(func(ctx context.Context) error {
		if err := c.requireOnline("send message"); err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return invalid("send message", "empty message")
		}
		m := c.message(protocol.KindMsg)
		m.Text = text
		return c.broadcast(ctx, m)
	})
}

func (c *Controller) privateTarget(op string, code int) (directory.Peer, error) {
	if code == c.code {
		return directory.Peer{}, invalid(op, "cannot address yourself")
	}
	p, ok := c.dir.Get(code)
	if !ok {
		return directory.Peer{}, invalid(op, "unknown user")
	}
	return p, nil
}

func (c *Controller) SendPrivateMessage(code int, text string) error {
	return c.call(func(ctx context.Context) error {
		if err := c.requireOnline("send private message"); err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return invalid("send private message", "empty message")
		}
		if _, err := c.privateTarget("send private message", code); err != nil {
			return err
		}
		m := c.message(protocol.KindPrivMsg)
		m.To = code
		m.Text = text
		return c.broadcast(ctx, m)
	})
}

// GoAway marks the local user away with a reason. The reason must not be
// blank and the user must not be away already.
func (c *Controller) GoAway(reason string) error {
	return c.call(func(ctx context.Context) error {
		if err := c.requireOnline("go away"); err != nil {
			return err
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return invalid("go away", "away message is empty")
		}
		if c.away {
			return invalid("go away", "already away")
		}
		return c.changeAway(ctx, true, reason)
	})
}

func (c *Controller) ComeBack() error {
	return c.call(func(ctx context.Context) error {
		if err := c.requireOnline("come back"); err != nil {
			return err
		}
		if !c.away {
			return invalid("come back", "not away")
		}
		return c.changeAway(ctx, false, "")
	})
}

func (c *Controller) changeAway(ctx context.Context, away bool, msg string) error {
	c.away, c.awayMsg = away, msg
	if away {
		c.writing = false
	}
	me := c.updateMe(func(p *directory.Peer) {
		p.Away, p.AwayMsg = away, msg
		if away {
			p.Writing = false
		}
	})
	c.emit(Event{Kind: EventAwayChanged, Peer: me, Text: msg})
	return c.broadcast(ctx, c.presence(protocol.KindAway))
}

// SetTopic changes the channel topic; an empty text clears it. The new
// timestamp is kept ahead of the current topic's so it wins everywhere even
// when the setter's clock is behind.
func (c *Controller) SetTopic(text string) error {
	return c.call(func(ctx context.Context) error {
		if err := c.requireOnline("set topic"); err != nil {
			return err
		}
		text = strings.TrimSpace(text)
		current := c.Topic()
		if text == current.Text {
			return nil
		}
		t := time.UnixMilli(c.clock.Now().UnixMilli())
		if !t.After(current.Time) {
			t = current.Time.Add(time.Millisecond)
		}
		topic := Topic{Text: text, Setter: c.name, Time: t}
		c.setTopic(topic)
		c.emit(Event{Kind: EventTopicChanged, Topic: topic})
		return c.broadcast(ctx, c.topicMessage(topic))
	})
}

// ChangeName switches the local display name.
func (c *Controller) ChangeName(name string) error {
	return c.call(func(ctx context.Context) error {
		if err := c.requireOnline("change name"); err != nil {
			return err
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return invalid("change name", "name is empty")
		}
		if name == c.name {
			return nil
		}
		old := c.name
		c.name = name
		me := c.updateMe(func(p *directory.Peer) { p.Name = name })
		c.emit(Event{Kind: EventNameChanged, Peer: me, OldName: old})
		return c.broadcast(ctx, c.message(protocol.KindNick))
	})
}

// SetWriting tells the channel whether the local user is composing.
func (c *Controller) SetWriting(writing bool) error {
	return c.call(func(ctx context.Context) error {
		if err := c.requireOnline("set writing"); err != nil {
			return err
		}
		if c.writing == writing {
			return nil
		}
		c.writing = writing
		c.updateMe(func(p *directory.Peer) { p.Writing = writing })
		m := c.message(protocol.KindWriting)
		m.Writing = writing
		return c.broadcast(ctx, m)
	})
}

// OfferFile offers the file at path to the peer with the given code.
func (c *Controller) OfferFile(code int, path string) (transfer.Session, error) {
	var offered transfer.Session
	err := c.call(func(ctx context.Context) error {
		if err := c.requireOnline("offer file"); err != nil {
			return err
		}
		peer, err := c.privateTarget("offer file", code)
		if err != nil {
			return err
		}
		s, err := c.transfers.Offer(c.code, peer.Code, peer.Name, path)
		if err != nil {
			return err
		}
		m := c.message(protocol.KindFileOffer)
		m.To = peer.Code
		m.TransferID = s.Key.ID
		m.FileSize = s.Size
		m.FileName = s.FileName
		if err := c.broadcast(ctx, m); err != nil {
			c.transfers.Abort(s.Key)
			return err
		}
		offered = s
		return nil
	})
	return offered, err
}

func transferError(op string, err error) error {
	if errors.Is(err, transfer.ErrUnknownTransfer) || errors.Is(err, transfer.ErrWrongState) {
		return &InvalidStateError{Op: op, Reason: "no such pending offer", Err: err}
	}
	return err
}

// AcceptTransfer starts listening for an offered file and tells the
// offerer where to connect.
func (c *Controller) AcceptTransfer(key transfer.Key) error {
	return c.call(func(ctx context.Context) error {
		if err := c.requireOnline("accept transfer"); err != nil {
			return err
		}
		port, err := c.transfers.Accept(key)
		if err != nil {
			return transferError("accept transfer", err)
		}
		m := c.message(protocol.KindFileAccept)
		m.To = key.Offerer
		m.TransferID = key.ID
		m.Port = port
		if err := c.broadcast(ctx, m); err != nil {
			c.transfers.Abort(key)
			return err
		}
		return nil
	})
}

func (c *Controller) RejectTransfer(key transfer.Key) error {
	return c.call(func(ctx context.Context) error {
		if err := c.requireOnline("reject transfer"); err != nil {
			return err
		}
		s, err := c.transfers.Reject(key)
		if err != nil {
			return transferError("reject transfer", err)
		}
		c.emit(Event{Kind: EventTransferAborted, Transfer: s, Err: ErrTransferRejected})
		m := c.message(protocol.KindFileReject)
		m.To = key.Offerer
		m.TransferID = key.ID
		return c.broadcast(ctx, m)
	})
}

// CancelTransfer aborts a transfer in any state. Cancelling an unknown or
// already finished transfer does nothing.
func (c *Controller) CancelTransfer(key transfer.Key) error {
	return c.call(func(ctx context.Context) error {
		s, ok := c.transfers.Abort(key)
		if !ok {
			return nil
		}
		c.emit(Event{Kind: EventTransferAborted, Transfer: s, Err: ErrTransferCancelled})
		if !c.loggedOn {
			return nil
		}
		m := c.message(protocol.KindFileAbort)
		m.To = s.Peer
		m.Offerer = key.Offerer
		m.TransferID = key.ID
		if err := c.broadcast(ctx, m); err != nil {
			c.logger.Debug("Abort notice not sent", zap.Stringer("key", key), zap.Error(err))
		}
		return nil
	})
}
