package chat

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"lanchat/internal/directory"
	"lanchat/internal/protocol"
	"lanchat/internal/transfer"
	"lanchat/internal/transport"
)

func (c *Controller) handleDatagram(ctx context.Context, d transport.Datagram) {
	c.metrics.received.Inc(1)
	if !c.loggedOn {
		return
	}

	m, err := protocol.Decode(d.Data, d.From, c.code)
	if err != nil {
		if errors.Is(err, protocol.ErrNotAddressed) {
			// Not ours to read, but it still proves the sender is alive.
			if m != nil && m.Code != c.code {
				c.dir.Touch(m.Code, c.clock.Now())
			}
			return
		}
		c.metrics.malformed.Inc(1)
		c.logger.Debug("Dropping datagram", zap.Stringer("from", d.From), zap.Error(err))
		return
	}

	if m.Code == c.code {
		// Our own multicast echo, unless somebody else drew the same code.
		if m.Name != c.name {
			c.identityCollision(m, c.name, c.sock.LocalAddr())
		}
		return
	}

	now := c.clock.Now()
	peer, known := c.dir.Get(m.Code)
	if !known {
		if m.Kind == protocol.KindLogoff {
			return
		}
		peer = directory.Peer{
			Code:      m.Code,
			Name:      m.Name,
			Addr:      m.From,
			LastSeen:  now,
			LogonTime: now,
		}
		if m.Kind.IsPresence() {
			peer.Away = m.Away
			peer.AwayMsg = m.AwayMsg
		}
		c.dir.Upsert(peer)
		c.metrics.usersOnline.Update(float64(c.dir.Len()))
		c.logger.Info("User logged on", zap.Int("code", peer.Code), zap.String("name", peer.Name))
		c.emit(Event{Kind: EventUserLoggedOn, Peer: peer})

		if m.Kind.IsPresence() {
			c.reply(ctx, c.presence(protocol.KindHere), &peer)
			return
		}
		// We missed its logon; ask everyone to announce themselves.
		if err := c.broadcast(ctx, c.message(protocol.KindExpose)); err != nil {
			c.logger.Debug("Expose not sent", zap.Error(err))
		}
	} else {
		if m.Kind.IsPresence() && !sameAddr(peer.Addr, m.From) && peer.Name != m.Name {
			c.identityCollision(m, peer.Name, peer.Addr)
		}
		if !sameAddr(peer.Addr, m.From) {
			peer.Addr = m.From
			c.dir.Upsert(peer)
		}
		c.dir.Touch(peer.Code, now)
		peer, _ = c.dir.Get(peer.Code)
	}

	switch m.Kind {
	case protocol.KindLogon, protocol.KindHere, protocol.KindAlive:
		c.handlePresence(peer, m)
	case protocol.KindLogoff:
		c.logger.Info("User logged off", zap.Int("code", peer.Code), zap.String("name", peer.Name))
		c.removePeer(peer.Code, EventUserLoggedOff)
	case protocol.KindExpose:
		c.reply(ctx, c.presence(protocol.KindHere), &peer)
	case protocol.KindGetTopic:
		if t := c.Topic(); t.Text != "" {
			c.reply(ctx, c.topicMessage(t), &peer)
		}
	case protocol.KindNick:
		c.rename(peer, m.Name)
	case protocol.KindMsg:
		c.emit(Event{Kind: EventMessageReceived, Peer: peer, Text: m.Text, Time: now})
	case protocol.KindPrivMsg:
		c.emit(Event{Kind: EventPrivateMessageReceived, Peer: peer, Text: m.Text, Time: now})
	case protocol.KindAway:
		c.updateAway(peer, m.Away, m.AwayMsg)
	case protocol.KindTopic:
		c.handleTopic(m)
	case protocol.KindWriting:
		if peer.Writing != m.Writing {
			peer.Writing = m.Writing
			c.dir.Upsert(peer)
			c.emit(Event{Kind: EventWritingChanged, Peer: peer})
		}
	case protocol.KindFileOffer:
		s, err := c.transfers.Incoming(peer.Code, peer.Name, m.TransferID, m.FileName, m.FileSize)
		if err != nil {
			c.logger.Warn("Ignoring file offer", zap.Int("from", peer.Code), zap.Error(err))
			return
		}
		c.emit(Event{Kind: EventTransferOffered, Peer: peer, Transfer: s})
	case protocol.KindFileAccept:
		key := transfer.Key{Offerer: c.code, ID: m.TransferID}
		if !c.transferWith(key, peer.Code) {
			return
		}
		if err := c.transfers.Start(key, m.From.IP, m.Port); err != nil {
			c.logger.Warn("Ignoring file accept", zap.Stringer("key", key), zap.Error(err))
		}
	case protocol.KindFileReject:
		key := transfer.Key{Offerer: c.code, ID: m.TransferID}
		if !c.transferWith(key, peer.Code) {
			return
		}
		if s, ok := c.transfers.Abort(key); ok {
			c.emit(Event{Kind: EventTransferAborted, Peer: peer, Transfer: s, Err: ErrTransferRejected})
		}
	case protocol.KindFileAbort:
		key := transfer.Key{Offerer: m.Offerer, ID: m.TransferID}
		if !c.transferWith(key, peer.Code) {
			return
		}
		if s, ok := c.transfers.Abort(key); ok {
			c.emit(Event{Kind: EventTransferAborted, Peer: peer, Transfer: s, Err: ErrTransferCancelled})
		}
	}
}

func (c *Controller) handlePresence(peer directory.Peer, m *protocol.Message) {
	if peer.Name != m.Name {
		c.rename(peer, m.Name)
		peer.Name = m.Name
	}
	c.updateAway(peer, m.Away, m.AwayMsg)
}

func (c *Controller) rename(peer directory.Peer, name string) {
	if peer.Name == name {
		return
	}
	old := peer.Name
	peer.Name = name
	c.dir.Upsert(peer)
	c.emit(Event{Kind: EventNameChanged, Peer: peer, OldName: old})
}

func (c *Controller) updateAway(peer directory.Peer, away bool, msg string) {
	if peer.Away == away && peer.AwayMsg == msg {
		return
	}
	peer.Away = away
	peer.AwayMsg = msg
	if away {
		peer.Writing = false
	}
	c.dir.Upsert(peer)
	c.emit(Event{Kind: EventAwayChanged, Peer: peer, Text: msg})
}

// handleTopic applies last-writer-wins on the setter's timestamp. Only a
// strictly newer time replaces the topic, so on a tie the first arrival
// stays.
func (c *Controller) handleTopic(m *protocol.Message) {
	current := c.Topic()
	if !m.TopicTime.After(current.Time) {
		c.logger.Debug("Ignoring stale topic",
			zap.Time("time", m.TopicTime),
			zap.Time("current", current.Time))
		return
	}
	t := Topic{Text: m.Text, Setter: m.TopicSetter, Time: m.TopicTime}
	c.setTopic(t)
	c.emit(Event{Kind: EventTopicChanged, Topic: t})
}

func (c *Controller) topicMessage(t Topic) *protocol.Message {
	m := c.message(protocol.KindTopic)
	m.TopicTime = t.Time
	m.TopicSetter = t.Setter
	m.Text = t.Text
	return m
}

// transferWith checks that key exists and belongs to peer.
func (c *Controller) transferWith(key transfer.Key, peer int) bool {
	s, ok := c.transfers.Get(key)
	if !ok || s.Peer != peer {
		c.logger.Warn("Dropping message for unknown transfer",
			zap.Stringer("key", key), zap.Int("from", peer))
		return false
	}
	return true
}

func (c *Controller) identityCollision(m *protocol.Message, otherName string, otherAddr *net.UDPAddr) {
	err := &DuplicateIdentityError{
		Code:      m.Code,
		Name:      m.Name,
		Addr:      m.From,
		OtherName: otherName,
		OtherAddr: otherAddr,
	}
	c.metrics.collisions.Inc(1)
	c.logger.Warn("Duplicate identity", zap.Error(err))
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
