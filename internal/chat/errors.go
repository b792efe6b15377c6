package chat

import (
	"errors"
	"fmt"
	"net"

	"lanchat/internal/protocol"
	"lanchat/internal/transfer"
)

var (
	ErrStopped           = errors.New("controller stopped")
	ErrTransferRejected  = errors.New("rejected by peer")
	ErrTransferCancelled = errors.New("cancelled")
	ErrPeerGone          = errors.New("peer left the channel")
)

// NotConnectedError is returned by commands that need the channel while
// the local user is logged off or the network is unreachable.
type NotConnectedError struct {
	Op   string
	Lost bool  // logged on, but the last send failed
	Err  error // underlying send failure, if any
}

func (e *NotConnectedError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: connection lost: %v", e.Op, e.Err)
	case e.Lost:
		return fmt.Sprintf("%s: connection lost", e.Op)
	}
	return fmt.Sprintf("%s: not logged on", e.Op)
}

func (e *NotConnectedError) Unwrap() error {
	return e.Err
}

// InvalidStateError is returned when a command does not apply to the
// current state, e.g. going away twice.
type InvalidStateError struct {
	Op     string
	Reason string
	Err    error
}

func (e *InvalidStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *InvalidStateError) Unwrap() error {
	return e.Err
}

func invalid(op, reason string) error {
	return &InvalidStateError{Op: op, Reason: reason}
}

// MalformedMessageError is an inbound datagram that could not be decoded.
// It is only logged and counted.
type MalformedMessageError = protocol.MalformedError

// TransferIOError is a failure on a transfer's stream, reported through a
// TransferAborted event.
type TransferIOError = transfer.IOError

// DuplicateIdentityError records two peers claiming the same code. Codes
// are chosen independently at random, so nothing resolves the clash: the
// last announcement wins.
type DuplicateIdentityError struct {
	Code      int
	Name      string
	Addr      *net.UDPAddr
	OtherName string
	OtherAddr *net.UDPAddr
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("identity %d claimed by %q (%s) and %q (%s)",
		e.Code, e.Name, e.Addr, e.OtherName, e.OtherAddr)
}
