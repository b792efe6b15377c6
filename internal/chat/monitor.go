package chat

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"lanchat/internal/protocol"
)

// monitor drives the liveness tick. It only posts work; the tick itself
// runs on the controller loop.
type monitor struct {
	clock    clock.Clock
	interval time.Duration
	post     func(ctx context.Context, fn func(context.Context)) bool
	tick     func(context.Context)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (m *monitor) start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	ticker := m.clock.Ticker(m.interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !m.post(ctx, m.tick) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *monitor) stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.cancel = nil
}

// tick runs on the loop: announce ourselves, which doubles as the probe
// that detects a restored network, then expire silent peers.
func (c *Controller) tick(ctx context.Context) {
	if !c.loggedOn {
		return
	}

	if err := c.broadcast(ctx, c.presence(protocol.KindAlive)); err == nil && !c.IsConnected() {
		c.setConnected(true, nil)
		for _, kind := range []protocol.Kind{protocol.KindExpose, protocol.KindGetTopic} {
			if err := c.broadcast(ctx, c.message(kind)); err != nil {
				break
			}
		}
	}

	timeout := c.config.KeepAliveInterval * time.Duration(c.config.TimeoutMultiplier)
	for _, p := range c.dir.Expired(c.clock.Now(), timeout) {
		c.logger.Info("User timed out",
			zap.Int("code", p.Code),
			zap.String("name", p.Name),
			zap.Time("last_seen", p.LastSeen))
		c.metrics.timedOut.Inc(1)
		c.removePeer(p.Code, EventUserTimedOut)
	}
}
