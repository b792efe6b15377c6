package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"lanchat/internal/chat"
	"lanchat/internal/config"
	"lanchat/internal/directory"
	"lanchat/internal/transfer"
	"lanchat/internal/transport"
)

func newTestApp(t *testing.T, hub *transport.Hub, nick string) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Nick = nick
	cfg.Sound = false
	cfg.DownloadDir = t.TempDir()
	sock := hub.Open()
	t.Cleanup(func() { sock.Close() })
	return newApp(sock, cfg, zaptest.NewLogger(t).Named(nick))
}

// runApp runs a until script returns, failing the test on errors.
func runApp(t *testing.T, a *app, script func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.run(ctx, script); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestTitle(t *testing.T) {
	topic := chat.Topic{Text: "release day", Setter: "Bob"}
	tests := []struct {
		name string
		s    status
		want string
	}{
		{"logged off", status{Nick: "Me"}, "Me - Not connected - lanchat"},
		{"lost", status{Nick: "Me", LoggedOn: true, Topic: topic}, "Me - Connection lost - lanchat"},
		{"plain", status{Nick: "Me", LoggedOn: true, Connected: true}, "Me - lanchat"},
		{"away", status{Nick: "Me", LoggedOn: true, Connected: true, Away: true}, "Me (Away) - lanchat"},
		{"topic", status{Nick: "Me", LoggedOn: true, Connected: true, Topic: topic},
			"Me - Topic: release day (Bob) - lanchat"},
		{"away with topic", status{Nick: "Me", LoggedOn: true, Connected: true, Away: true, Topic: topic},
			"Me (Away) - Topic: release day (Bob) - lanchat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Title(tt.s); got != tt.want {
				t.Errorf("Title() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	key, err := parseKey(" 1234567/3 ")
	if err != nil || key != (transfer.Key{Offerer: 1234567, ID: 3}) {
		t.Errorf("parseKey = %v, %v", key, err)
	}
	if parsed, _ := parseKey(key.String()); parsed != key {
		t.Errorf("String does not parse back: %v", parsed)
	}
	for _, bad := range []string{"", "12", "a/1", "1/b"} {
		if _, err := parseKey(bad); err == nil {
			t.Errorf("parseKey(%q) succeeded", bad)
		}
	}
}

func TestDescribe(t *testing.T) {
	bob := directory.Peer{Code: 200, Name: "Bob"}
	away := bob
	away.Away, away.AwayMsg = true, "lunch"
	me := directory.Peer{Code: 100, Name: "Alice", Me: true, Away: true, AwayMsg: "meeting"}

	tests := []struct {
		e    chat.Event
		want string
	}{
		{chat.Event{Kind: chat.EventUserLoggedOn, Peer: bob}, "*** Bob logged on"},
		{chat.Event{Kind: chat.EventUserTimedOut, Peer: bob}, "*** Bob timed out"},
		{chat.Event{Kind: chat.EventAwayChanged, Peer: away}, "*** Bob is away: lunch"},
		{chat.Event{Kind: chat.EventAwayChanged, Peer: bob}, "*** Bob is back"},
		{chat.Event{Kind: chat.EventAwayChanged, Peer: me}, "*** You are away: meeting"},
		{chat.Event{Kind: chat.EventMessageReceived, Peer: bob, Text: "hi"}, "<Bob> hi"},
		{chat.Event{Kind: chat.EventPrivateMessageReceived, Peer: bob, Text: "psst"}, "*Bob* psst"},
		{chat.Event{Kind: chat.EventNameChanged, Peer: bob, OldName: "Robert"}, "*** Robert is now known as Bob"},
		{chat.Event{Kind: chat.EventTopicChanged, Topic: chat.Topic{Text: "x", Setter: "Bob"}}, "*** Bob changed the topic to: x"},
		{chat.Event{Kind: chat.EventTopicChanged, Topic: chat.Topic{Setter: "Bob"}}, "*** Bob removed the topic"},
		{chat.Event{Kind: chat.EventConnectionRestored}, "*** Connection restored"},
		{chat.Event{Kind: chat.EventWritingChanged, Peer: bob}, ""},
		{chat.Event{Kind: chat.EventTransferProgress}, ""},
	}
	for _, tt := range tests {
		if got := describe(tt.e); got != tt.want {
			t.Errorf("describe(%s) = %q, want %q", tt.e.Kind, got, tt.want)
		}
	}
}

func TestExecute(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestApp(t, hub, "Alice")

	runApp(t, alice, func(ctx context.Context) error {
		if _, err := alice.execute("/away lunch"); err != nil {
			t.Errorf("/away: %v", err)
		}
		if s := alice.status(); !s.Away {
			t.Error("not away after /away")
		}
		if got := Title(alice.status()); got != "Alice (Away) - lanchat" {
			t.Errorf("title = %q", got)
		}
		if _, err := alice.execute("/back"); err != nil {
			t.Errorf("/back: %v", err)
		}

		out, err := alice.execute("/users")
		if err != nil || !strings.Contains(out, "Alice (you)") {
			t.Errorf("/users = %q, %v", out, err)
		}

		var invalid *chat.InvalidStateError
		if _, err := alice.execute("/back"); !errors.As(err, &invalid) {
			t.Errorf("second /back = %v", err)
		}
		if _, err := alice.execute("/msg nobody hello"); err == nil {
			t.Error("/msg to an unknown nick succeeded")
		}
		if _, err := alice.execute("/accept nonsense"); err == nil {
			t.Error("/accept with a bad id succeeded")
		}
		if _, err := alice.execute("/frobnicate"); err == nil {
			t.Error("unknown command accepted")
		}
		if out, _ := alice.execute("/transfers"); out != "No transfers" {
			t.Errorf("/transfers = %q", out)
		}

		if _, err := alice.execute("/nick Alicia"); err != nil {
			t.Errorf("/nick: %v", err)
		}
		if s := alice.status(); s.Nick != "Alicia" {
			t.Errorf("nick after /nick = %q", s.Nick)
		}

		if _, err := alice.execute("/logoff"); err != nil {
			t.Errorf("/logoff: %v", err)
		}
		if got := Title(alice.status()); !strings.HasSuffix(got, "- Not connected - lanchat") {
			t.Errorf("title after /logoff = %q", got)
		}
		if out, _ := alice.execute("/users"); out != "Not logged on" {
			t.Errorf("/users while logged off = %q", out)
		}

		_, err = alice.execute("/quit")
		return err
	})
}

func TestPrivateMessageBetweenApps(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestApp(t, hub, "Alice")
	bob := newTestApp(t, hub, "Bob")

	received := make(chan chat.Event, 1)
	bobCtx, stopBob := context.WithCancel(context.Background())
	bobDone := make(chan error, 1)
	go func() {
		bobDone <- bob.run(bobCtx, func(ctx context.Context) error {
			for {
				select {
				case e := <-bob.ctrl.Events():
					if e.Kind == chat.EventPrivateMessageReceived {
						received <- e
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}()
	t.Cleanup(func() {
		stopBob()
		if err := <-bobDone; err != nil {
			t.Errorf("bob: %v", err)
		}
	})

	runApp(t, alice, func(ctx context.Context) error {
		deadline := time.Now().Add(5 * time.Second)
		for {
			if _, err := alice.findUser("bob"); err == nil {
				break
			}
			if time.Now().After(deadline) {
				return errors.New("bob never showed up")
			}
			time.Sleep(10 * time.Millisecond)
		}

		out, err := alice.execute("/msg BOB psst")
		if err != nil || out != "-> *Bob* psst" {
			t.Errorf("/msg = %q, %v", out, err)
		}
		select {
		case e := <-received:
			if e.Text != "psst" || e.Peer.Name != "Alice" {
				t.Errorf("bob got %+v", e)
			}
		case <-time.After(5 * time.Second):
			t.Error("private message never arrived")
		}
		return errQuit
	})
}

func TestCLI(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestApp(t, hub, "Alice")

	in := strings.NewReader("/topic release day\n/topic\n/bogus\n/quit\n/never reached\n")
	var out bytes.Buffer
	runApp(t, alice, func(ctx context.Context) error {
		return alice.runCLI(ctx, in, &out)
	})

	text := out.String()
	for _, want := range []string{
		"Alice - lanchat",
		"Topic: release day (set by Alice",
		"error: unknown command /bogus",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output lacks %q:\n%s", want, text)
		}
	}
}

func TestToneLength(t *testing.T) {
	s := tone(beepRate, beepPitch, beepDuration)
	buf := make([][2]float64, 512)
	total := 0
	for {
		n, ok := s.Stream(buf)
		total += n
		if !ok {
			break
		}
	}
	if want := beepRate.N(beepDuration); total != want {
		t.Errorf("tone has %d samples, want %d", total, want)
	}
}
