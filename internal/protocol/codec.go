package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrMalformed     = errors.New("malformed message")
	ErrMissingSender = errors.New("missing sender identity")
	ErrNotAddressed  = errors.New("message addressed to another peer")
	ErrTooLarge      = errors.New("message exceeds datagram size")
	ErrUnknownKind   = errors.New("unknown message kind")
)

// MalformedError is returned by Decode for every datagram that cannot be
// turned into a Message. It wraps one of the package sentinels.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func malformed(sentinel error, format string, args ...any) *MalformedError {
	return &MalformedError{Reason: fmt.Sprintf(format, args...), Err: sentinel}
}

// bodyFields is the number of fields following the four header fields.
var bodyFields = map[Kind]int{
	KindLogon:      2,
	KindHere:       2,
	KindAlive:      2,
	KindLogoff:     0,
	KindExpose:     0,
	KindGetTopic:   0,
	KindNick:       0,
	KindMsg:        1,
	KindPrivMsg:    2,
	KindAway:       2,
	KindTopic:      3,
	KindWriting:    1,
	KindFileOffer:  4,
	KindFileAccept: 3,
	KindFileReject: 2,
	KindFileAbort:  3,
}

// Encode serializes m into a single datagram payload.
func Encode(m *Message) ([]byte, error) {
	if _, ok := bodyFields[m.Kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if m.Code <= 0 || m.Name == "" {
		return nil, ErrMissingSender
	}

	fields := []string{Magic, string(m.Kind), strconv.Itoa(m.Code), m.Name}

	switch m.Kind {
	case KindLogon, KindHere, KindAlive, KindAway:
		fields = append(fields, formatBool(m.Away), m.AwayMsg)
	case KindMsg:
		fields = append(fields, m.Text)
	case KindPrivMsg:
		fields = append(fields, strconv.Itoa(m.To), m.Text)
	case KindTopic:
		var millis int64
		if !m.TopicTime.IsZero() {
			millis = m.TopicTime.UnixMilli()
		}
		fields = append(fields, strconv.FormatInt(millis, 10), m.TopicSetter, m.Text)
	case KindWriting:
		fields = append(fields, formatBool(m.Writing))
	case KindFileOffer:
		fields = append(fields, strconv.Itoa(m.To), strconv.Itoa(m.TransferID),
			strconv.FormatInt(m.FileSize, 10), m.FileName)
	case KindFileAccept:
		fields = append(fields, strconv.Itoa(m.To), strconv.Itoa(m.TransferID), strconv.Itoa(m.Port))
	case KindFileReject:
		fields = append(fields, strconv.Itoa(m.To), strconv.Itoa(m.TransferID))
	case KindFileAbort:
		fields = append(fields, strconv.Itoa(m.To), strconv.Itoa(m.Offerer), strconv.Itoa(m.TransferID))
	}

	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = Escape(f)
	}
	data := []byte(strings.Join(escaped, string(delimiter)))
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// Decode parses a datagram received from addr. self is the local identity
// code; private messages for anyone else are rejected with ErrNotAddressed,
// in which case the decoded message is returned alongside the error so the
// sender can still be credited. Decode never panics: every failure is a
// *MalformedError.
func Decode(data []byte, from *net.UDPAddr, self int) (*Message, error) {
	if len(data) == 0 {
		return nil, malformed(ErrMalformed, "empty datagram")
	}
	if len(data) > MaxDatagramSize {
		return nil, malformed(ErrMalformed, "oversized datagram (%d bytes)", len(data))
	}
	if !utf8.Valid(data) {
		return nil, malformed(ErrMalformed, "invalid utf-8")
	}

	parts := splitFields(string(data))
	if len(parts) < 4 || parts[0] != Magic {
		return nil, malformed(ErrMalformed, "not a %s datagram", Magic)
	}

	kind := Kind(parts[1])
	want, ok := bodyFields[kind]
	if !ok {
		return nil, malformed(ErrMalformed, "unknown kind %q", parts[1])
	}

	code, err := strconv.Atoi(parts[2])
	if err != nil || code <= 0 {
		return nil, malformed(ErrMissingSender, "sender code %q", parts[2])
	}
	if parts[3] == "" {
		return nil, malformed(ErrMissingSender, "empty sender name")
	}

	body := parts[4:]
	if len(body) != want {
		return nil, malformed(ErrMalformed, "%s wants %d fields, got %d", kind, want, len(body))
	}

	m := &Message{Kind: kind, Code: code, Name: parts[3], From: from}
	p := fieldParser{body: body}

	switch kind {
	case KindLogon, KindHere, KindAlive, KindAway:
		m.Away = p.boolean(0)
		m.AwayMsg = body[1]
	case KindMsg:
		m.Text = body[0]
	case KindPrivMsg:
		m.To = p.positive(0)
		m.Text = body[1]
	case KindTopic:
		if millis := p.int64(0); millis > 0 {
			m.TopicTime = time.UnixMilli(millis)
		}
		m.TopicSetter = body[1]
		m.Text = body[2]
	case KindWriting:
		m.Writing = p.boolean(0)
	case KindFileOffer:
		m.To = p.positive(0)
		m.TransferID = p.positive(1)
		m.FileSize = p.int64(2)
		m.FileName = body[3]
		if m.FileName == "" {
			p.fail("empty file name")
		}
	case KindFileAccept:
		m.To = p.positive(0)
		m.TransferID = p.positive(1)
		m.Port = p.positive(2)
		if m.Port > 65535 {
			p.fail("port %d out of range", m.Port)
		}
	case KindFileReject:
		m.To = p.positive(0)
		m.TransferID = p.positive(1)
	case KindFileAbort:
		m.To = p.positive(0)
		m.Offerer = p.positive(1)
		m.TransferID = p.positive(2)
	}
	if p.err != nil {
		return nil, p.err
	}

	if kind.IsPrivate() && m.To != self {
		return m, malformed(ErrNotAddressed, "%s for %d, local is %d", kind, m.To, self)
	}
	return m, nil
}

// fieldParser converts body fields and keeps the first failure.
type fieldParser struct {
	body []string
	err  *MalformedError
}

func (p *fieldParser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = malformed(ErrMalformed, format, args...)
	}
}

func (p *fieldParser) boolean(i int) bool {
	switch p.body[i] {
	case "1":
		return true
	case "0":
		return false
	}
	p.fail("field %d: bad flag %q", i, p.body[i])
	return false
}

func (p *fieldParser) int64(i int) int64 {
	n, err := strconv.ParseInt(p.body[i], 10, 64)
	if err != nil || n < 0 {
		p.fail("field %d: bad number %q", i, p.body[i])
		return 0
	}
	return n
}

func (p *fieldParser) positive(i int) int {
	n, err := strconv.Atoi(p.body[i])
	if err != nil || n <= 0 {
		p.fail("field %d: bad id %q", i, p.body[i])
		return 0
	}
	return n
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Escape protects the delimiter, the escape character and line breaks.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case delimiter:
			b.WriteString(`\|`)
		case escape:
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Unescape reverses Escape. Unknown escape sequences are kept verbatim.
func Unescape(s string) string {
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if escaped {
			switch r {
			case delimiter:
				b.WriteRune(delimiter)
			case escape:
				b.WriteRune(escape)
			case 'n':
				b.WriteRune('\n')
			case 'r':
				b.WriteRune('\r')
			default:
				b.WriteRune(escape)
				b.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == escape {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	if escaped {
		b.WriteRune(escape)
	}
	return b.String()
}

// splitFields splits on unescaped delimiters and unescapes every field.
func splitFields(line string) []string {
	var parts []string
	var current strings.Builder
	escaped := false

	for _, r := range line {
		switch {
		case escaped:
			current.WriteRune(escape)
			current.WriteRune(r)
			escaped = false
		case r == escape:
			escaped = true
		case r == delimiter:
			parts = append(parts, Unescape(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if escaped {
		current.WriteRune(escape)
	}
	return append(parts, Unescape(current.String()))
}
