package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanchat/internal/chat"
	"lanchat/internal/config"
	"lanchat/internal/directory"
	"lanchat/internal/transfer"
	"lanchat/internal/transport"
)

var errQuit = errors.New("quit")

// app connects the chat engine to a front-end. Front-ends only read
// events and turn input lines into commands.
type app struct {
	ctrl   *chat.Controller
	cfg    *config.Config
	logger *zap.Logger
	sound  *beeper
}

func newApp(sock transport.Socket, cfg *config.Config, logger *zap.Logger) *app {
	ctrl := chat.New(sock, chat.Config{
		Nick:              cfg.Nick,
		KeepAliveInterval: cfg.KeepAliveInterval,
		TimeoutMultiplier: cfg.TimeoutMultiplier,
		Transfer: transfer.Config{
			DownloadDir:      cfg.DownloadDir,
			AcceptTimeout:    cfg.AcceptTimeout,
			DialTimeout:      cfg.DialTimeout,
			ProgressInterval: cfg.ProgressInterval,
		},
		Logger: logger.Named("chat"),
	})
	logger.Info("Chat configured",
		zap.String("nick", cfg.Nick),
		zap.String("group", cfg.Group),
		zap.Int("port", cfg.Port),
		zap.Duration("keepalive", cfg.KeepAliveInterval),
		zap.Duration("timeout", cfg.Timeout()),
		zap.String("downloads", cfg.DownloadDir))
	return &app{
		ctrl:   ctrl,
		cfg:    cfg,
		logger: logger,
		sound:  newBeeper(cfg.Sound, logger.Named("sound")),
	}
}

// run logs on and hands control to front until it returns or ctx ends.
// The controller logs off on the way out.
func (a *app) run(ctx context.Context, front func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.ctrl.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		if err := a.ctrl.LogOn(); err != nil {
			return fmt.Errorf("logon: %w", err)
		}
		err := front(gctx)
		if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// observe reacts to an event on behalf of every front-end.
func (a *app) observe(e chat.Event) {
	switch e.Kind {
	case chat.EventMessageReceived, chat.EventPrivateMessageReceived, chat.EventTransferOffered:
		a.sound.notify()
	}
}

// status is what a title bar shows.
type status struct {
	Nick      string
	Away      bool
	Topic     chat.Topic
	LoggedOn  bool
	Connected bool
}

func (a *app) status() status {
	s := status{
		Nick:      a.cfg.Nick,
		LoggedOn:  a.ctrl.IsLoggedOn(),
		Connected: a.ctrl.IsConnected(),
		Topic:     a.ctrl.Topic(),
	}
	if me, ok := a.ctrl.Me(); ok {
		s.Nick = me.Name
		s.Away = me.Away
	}
	return s
}

// Title renders the window title the way the desktop client did.
func Title(s status) string {
	var b strings.Builder
	b.WriteString(s.Nick)
	switch {
	case !s.LoggedOn:
		b.WriteString(" - Not connected")
	case !s.Connected:
		b.WriteString(" - Connection lost")
	default:
		if s.Away {
			b.WriteString(" (Away)")
		}
		if s.Topic.Text != "" {
			fmt.Fprintf(&b, " - Topic: %s (%s)", s.Topic.Text, s.Topic.Setter)
		}
	}
	b.WriteString(" - lanchat")
	return b.String()
}

const helpText = `Commands:
  /users                 list users on the channel
  /whois <nick>          show details about a user
  /msg <nick> <text>     send a private message
  /away <reason>         mark yourself away
  /back                  come back from away
  /topic [text]          show or change the topic
  /cleartopic            remove the topic
  /nick <name>           change your name
  /send <nick> <path>    offer a file
  /transfers             list file transfers
  /accept <id>           accept a file offer
  /reject <id>           reject a file offer
  /cancel <id>           cancel a transfer
  /logon, /logoff        join or leave the channel
  /quit                  exit
Anything else is sent to everyone.`

// execute runs one input line. It returns text to show, if any, and
// errQuit when the user asked to leave.
func (a *app) execute(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if !strings.HasPrefix(line, "/") {
		return "", a.ctrl.SendMessage(line)
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help":
		return helpText, nil
	case "quit", "exit":
		return "", errQuit
	case "users":
		return a.listUsers(), nil
	case "whois":
		p, err := a.findUser(rest)
		if err != nil {
			return "", err
		}
		return describePeer(p), nil
	case "msg":
		nick, text, _ := strings.Cut(rest, " ")
		p, err := a.findUser(nick)
		if err != nil {
			return "", err
		}
		if err := a.ctrl.SendPrivateMessage(p.Code, text); err != nil {
			return "", err
		}
		return fmt.Sprintf("-> *%s* %s", p.Name, strings.TrimSpace(text)), nil
	case "away":
		return "", a.ctrl.GoAway(rest)
	case "back":
		return "", a.ctrl.ComeBack()
	case "topic":
		if rest == "" {
			t := a.ctrl.Topic()
			if t.Text == "" {
				return "No topic is set", nil
			}
			return fmt.Sprintf("Topic: %s (set by %s at %s)", t.Text, t.Setter, t.Time.Format("15:04:05")), nil
		}
		return "", a.ctrl.SetTopic(rest)
	case "cleartopic":
		return "", a.ctrl.SetTopic("")
	case "nick":
		return "", a.ctrl.ChangeName(rest)
	case "send":
		nick, path, _ := strings.Cut(rest, " ")
		p, err := a.findUser(nick)
		if err != nil {
			return "", err
		}
		s, err := a.ctrl.OfferFile(p.Code, strings.TrimSpace(path))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Offered %s (%d bytes) to %s as %s", s.FileName, s.Size, p.Name, s.Key), nil
	case "transfers":
		return a.listTransfers(), nil
	case "accept", "reject", "cancel":
		key, err := parseKey(rest)
		if err != nil {
			return "", err
		}
		switch strings.ToLower(cmd) {
		case "accept":
			return "", a.ctrl.AcceptTransfer(key)
		case "reject":
			return "", a.ctrl.RejectTransfer(key)
		}
		return "", a.ctrl.CancelTransfer(key)
	case "logon":
		return "", a.ctrl.LogOn()
	case "logoff":
		return "", a.ctrl.LogOff()
	}
	return "", fmt.Errorf("unknown command /%s, try /help", cmd)
}

func (a *app) findUser(nick string) (directory.Peer, error) {
	nick = strings.TrimSpace(nick)
	if nick == "" {
		return directory.Peer{}, errors.New("missing user name")
	}
	for _, p := range a.ctrl.Users() {
		if !p.Me && strings.EqualFold(p.Name, nick) {
			return p, nil
		}
	}
	return directory.Peer{}, fmt.Errorf("no user named %q", nick)
}

func (a *app) listUsers() string {
	users := a.ctrl.Users()
	if len(users) == 0 {
		return "Not logged on"
	}
	lines := make([]string, 0, len(users)+1)
	lines = append(lines, fmt.Sprintf("%d users:", len(users)))
	for _, p := range users {
		lines = append(lines, "  "+userLine(p))
	}
	return strings.Join(lines, "\n")
}

func (a *app) listTransfers() string {
	sessions := a.ctrl.Transfers()
	if len(sessions) == 0 {
		return "No transfers"
	}
	lines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		lines = append(lines, "  "+transferLine(s))
	}
	return strings.Join(lines, "\n")
}

func userLine(p directory.Peer) string {
	line := p.Name
	if p.Me {
		line += " (you)"
	}
	if p.Away {
		line += " [away: " + p.AwayMsg + "]"
	}
	if p.Writing {
		line += " ..."
	}
	return line
}

func describePeer(p directory.Peer) string {
	lines := []string{
		fmt.Sprintf("%s (%d)", p.Name, p.Code),
		fmt.Sprintf("  address:   %s", p.Addr),
		fmt.Sprintf("  logged on: %s", p.LogonTime.Format("15:04:05")),
		fmt.Sprintf("  last seen: %s", p.LastSeen.Format("15:04:05")),
	}
	if p.Away {
		lines = append(lines, "  away:      "+p.AwayMsg)
	}
	return strings.Join(lines, "\n")
}

func transferLine(s transfer.Session) string {
	arrow := "->"
	if s.Direction == transfer.Receive {
		arrow = "<-"
	}
	return fmt.Sprintf("[%s] %s %s %s %s %s", s.Key, arrow, s.PeerName, s.FileName, percent(s), s.Status)
}

func percent(s transfer.Session) string {
	if s.Size <= 0 {
		return "100%"
	}
	return strconv.FormatInt(s.Transferred*100/s.Size, 10) + "%"
}

// parseKey reads a transfer key as printed by transfer.Key.String.
func parseKey(text string) (transfer.Key, error) {
	offerer, id, ok := strings.Cut(strings.TrimSpace(text), "/")
	if !ok {
		return transfer.Key{}, fmt.Errorf("bad transfer id %q, expected <code>/<n>", text)
	}
	o, err := strconv.Atoi(offerer)
	if err != nil {
		return transfer.Key{}, fmt.Errorf("bad transfer id %q: %w", text, err)
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return transfer.Key{}, fmt.Errorf("bad transfer id %q: %w", text, err)
	}
	return transfer.Key{Offerer: o, ID: n}, nil
}

// describe renders an event as one line of chat history. Events that only
// update state a UI shows elsewhere render as "".
func describe(e chat.Event) string {
	name := e.Peer.Name
	switch e.Kind {
	case chat.EventUserLoggedOn:
		return fmt.Sprintf("*** %s logged on", name)
	case chat.EventUserLoggedOff:
		return fmt.Sprintf("*** %s logged off", name)
	case chat.EventUserTimedOut:
		return fmt.Sprintf("*** %s timed out", name)
	case chat.EventAwayChanged:
		if e.Peer.Me {
			if e.Peer.Away {
				return fmt.Sprintf("*** You are away: %s", e.Peer.AwayMsg)
			}
			return "*** You are back"
		}
		if e.Peer.Away {
			return fmt.Sprintf("*** %s is away: %s", name, e.Peer.AwayMsg)
		}
		return fmt.Sprintf("*** %s is back", name)
	case chat.EventTopicChanged:
		if e.Topic.Text == "" {
			return fmt.Sprintf("*** %s removed the topic", e.Topic.Setter)
		}
		return fmt.Sprintf("*** %s changed the topic to: %s", e.Topic.Setter, e.Topic.Text)
	case chat.EventMessageReceived:
		return fmt.Sprintf("<%s> %s", name, e.Text)
	case chat.EventPrivateMessageReceived:
		return fmt.Sprintf("*%s* %s", name, e.Text)
	case chat.EventNameChanged:
		return fmt.Sprintf("*** %s is now known as %s", e.OldName, name)
	case chat.EventTransferOffered:
		return fmt.Sprintf("*** %s offers %s (%d bytes): /accept %s or /reject %s",
			e.Transfer.PeerName, e.Transfer.FileName, e.Transfer.Size, e.Transfer.Key, e.Transfer.Key)
	case chat.EventTransferCompleted:
		if e.Transfer.Direction == transfer.Receive {
			return fmt.Sprintf("*** Received %s from %s, saved as %s",
				e.Transfer.FileName, e.Transfer.PeerName, e.Transfer.Path)
		}
		return fmt.Sprintf("*** Sent %s to %s", e.Transfer.FileName, e.Transfer.PeerName)
	case chat.EventTransferAborted:
		return fmt.Sprintf("*** Transfer %s of %s stopped: %v", e.Transfer.Key, e.Transfer.FileName, e.Err)
	case chat.EventConnectionLost:
		return fmt.Sprintf("*** Connection lost: %v", e.Err)
	case chat.EventConnectionRestored:
		return "*** Connection restored"
	}
	return ""
}
