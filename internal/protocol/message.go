// Package protocol defines the datagram messages exchanged on the shared
// chat channel and their text encoding.
package protocol

import (
	"net"
	"time"
)

const (
	// Magic prefixes every datagram of this protocol revision.
	Magic = "LANCHAT1"

	// MaxDatagramSize keeps an encoded message inside one unfragmented
	// Ethernet datagram.
	MaxDatagramSize = 1400

	delimiter = '|'
	escape    = '\\'
)

// Kind identifies the message type on the wire.
type Kind string

const (
	KindLogon    Kind = "LOGON"
	KindHere     Kind = "HERE"
	KindAlive    Kind = "ALIVE"
	KindLogoff   Kind = "LOGOFF"
	KindExpose   Kind = "EXPOSE"
	KindGetTopic Kind = "GETTOPIC"
	KindNick     Kind = "NICK"
	KindMsg      Kind = "MSG"
	KindPrivMsg  Kind = "PRIVMSG"
	KindAway     Kind = "AWAY"
	KindTopic    Kind = "TOPIC"
	KindWriting  Kind = "WRITING"

	KindFileOffer  Kind = "FILEOFFER"
	KindFileAccept Kind = "FILEACCEPT"
	KindFileReject Kind = "FILEREJECT"
	KindFileAbort  Kind = "FILEABORT"
)

// IsPresence reports whether the kind announces the sender's existence.
func (k Kind) IsPresence() bool {
	return k == KindLogon || k == KindHere || k == KindAlive
}

// IsPrivate reports whether the kind is addressed to a single peer even
// though it travels on the shared channel.
func (k Kind) IsPrivate() bool {
	switch k {
	case KindPrivMsg, KindFileOffer, KindFileAccept, KindFileReject, KindFileAbort:
		return true
	}
	return false
}

// Message is one protocol message. Which payload fields are meaningful
// depends on Kind; the rest stay zero.
type Message struct {
	Kind Kind
	Code int
	Name string

	// Presence and away state (LOGON, HERE, ALIVE, AWAY).
	Away    bool
	AwayMsg string

	// Chat text (MSG, PRIVMSG) and topic text (TOPIC).
	Text string

	// Recipient code of private kinds.
	To int

	// Topic metadata (TOPIC).
	TopicTime   time.Time
	TopicSetter string

	// Composing flag (WRITING).
	Writing bool

	// File transfer (FILE*). Offerer is only carried by FILEABORT; for the
	// other file kinds it is implied by the direction of the message.
	TransferID int
	Offerer    int
	FileName   string
	FileSize   int64
	Port       int

	// From is filled in by Decode with the datagram's source address.
	From *net.UDPAddr
}
