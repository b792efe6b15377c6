package chat

import (
	"fmt"
	"sync"
	"time"

	"lanchat/internal/directory"
	"lanchat/internal/transfer"
)

type EventKind int

const (
	EventUserLoggedOn EventKind = iota + 1
	EventUserLoggedOff
	EventUserTimedOut
	EventAwayChanged
	EventTopicChanged
	EventMessageReceived
	EventPrivateMessageReceived
	EventWritingChanged
	EventNameChanged
	EventTransferOffered
	EventTransferProgress
	EventTransferCompleted
	EventTransferAborted
	EventConnectionLost
	EventConnectionRestored
)

var eventNames = map[EventKind]string{
	EventUserLoggedOn:           "user-logged-on",
	EventUserLoggedOff:          "user-logged-off",
	EventUserTimedOut:           "user-timed-out",
	EventAwayChanged:            "away-changed",
	EventTopicChanged:           "topic-changed",
	EventMessageReceived:        "message-received",
	EventPrivateMessageReceived: "private-message-received",
	EventWritingChanged:         "writing-changed",
	EventNameChanged:            "name-changed",
	EventTransferOffered:        "transfer-offered",
	EventTransferProgress:       "transfer-progress",
	EventTransferCompleted:      "transfer-completed",
	EventTransferAborted:        "transfer-aborted",
	EventConnectionLost:         "connection-lost",
	EventConnectionRestored:     "connection-restored",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Topic is the channel subject. Time is supplied by the setter.
type Topic struct {
	Text   string
	Setter string
	Time   time.Time
}

// Event reports a state change to the presentation layer. Which fields are
// set depends on Kind.
type Event struct {
	Kind EventKind

	// Subject of user events and sender of messages. Local changes
	// (away, name) carry the local peer with Me set.
	Peer    directory.Peer
	OldName string

	Text  string
	Time  time.Time
	Topic Topic

	Transfer transfer.Session
	Err      error
}

// eventQueue is an unbounded FIFO between the controller loop and the
// consumer, so a slow consumer never stalls protocol processing.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return e, true
}
