// Package transfer moves files between two peers over a direct TCP stream.
// The receiving side listens on an ephemeral port; the sending side dials it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrWrongState      = errors.New("transfer not in the required state")
	ErrShortTransfer   = errors.New("size mismatch")
	ErrUnconfirmed     = errors.New("receiver did not confirm the file")
)

// Key identifies a transfer: IDs are allocated by the offering peer.
type Key struct {
	Offerer int
	ID      int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Offerer, k.ID)
}

type Direction int

const (
	Send Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "receive"
}

type Status int

const (
	Offered Status = iota
	Accepted
	Active
	Completed
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Offered:
		return "offered"
	case Accepted:
		return "accepted"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Session is a point-in-time copy of one transfer's state.
type Session struct {
	Key         Key
	Peer        int
	PeerName    string
	Direction   Direction
	FileName    string
	Path        string // source file when sending, destination when receiving
	Size        int64
	Transferred int64
	Status      Status
}

// IOError reports a failure on a transfer's byte stream or file.
type IOError struct {
	Key Key
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transfer %s %s: %v", e.Key, e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

type session struct {
	Session

	ctx        context.Context
	cancel     context.CancelFunc
	listener   net.Listener
	conn       net.Conn
	lastReport time.Time
}
