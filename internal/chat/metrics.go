package chat

import "github.com/uber-go/tally/v4"

type metrics struct {
	received   tally.Counter
	malformed  tally.Counter
	sent       tally.Counter
	sendErrors tally.Counter
	recvErrors tally.Counter
	timedOut   tally.Counter
	collisions tally.Counter

	usersOnline tally.Gauge
}

func newMetrics(scope tally.Scope) metrics {
	return metrics{
		received:    scope.Counter("datagrams_received"),
		malformed:   scope.Counter("datagrams_malformed"),
		sent:        scope.Counter("datagrams_sent"),
		sendErrors:  scope.Counter("send_errors"),
		recvErrors:  scope.Counter("receive_errors"),
		timedOut:    scope.Counter("users_timed_out"),
		collisions:  scope.Counter("identity_collisions"),
		usersOnline: scope.Gauge("users_online"),
	}
}
