package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

func testConfig() *Config {
	return &Config{
		port:           8080,
		playerTimeout:  100 * time.Millisecond,
		sessionTimeout: time.Minute,
	}
}

func newRelayServer(t *testing.T, cfg *Config) *httptest.Server {
	t.Helper()

	mux := httprouter.New()
	registerRelay(cfg, "/relay", mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func wsURL(srv *httptest.Server, session string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/" + session + "/ws"
}

func dial(t *testing.T, srv *httptest.Server, session string) *RelayClient {
	t.Helper()

	c, err := DialRelay(wsURL(srv, session), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(c.Close)

	return c
}

// waitFor reads envelopes until one of the wanted kind arrives, skipping
// unrelated notifications.
func waitFor(t *testing.T, c *RelayClient, kind string) Envelope {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.Inbound:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", kind)
			}
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q envelope", kind)
		}
	}
}

// expectNoKind fails if an envelope of the given kind arrives within d.
func expectNoKind(t *testing.T, c *RelayClient, kind string, d time.Duration) {
	t.Helper()

	deadline := time.After(d)
	for {
		select {
		case env, ok := <-c.Inbound:
			if !ok {
				return
			}
			if env.Kind == kind {
				t.Fatalf("unexpected %q envelope: %+v", kind, env)
			}
		case <-deadline:
			return
		}
	}
}

func TestHostRegistration(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "hostreg1")
	if host.ID == "" {
		t.Fatal("expected an assigned connection id")
	}

	if err := host.RegisterHost(); err != nil {
		t.Fatalf("register host: %v", err)
	}
	waitFor(t, host, kindHostRegistered)

	list := waitFor(t, host, kindPlayerList)
	if len(list.Players) != 0 {
		t.Fatalf("expected empty roster snapshot, got %+v", list.Players)
	}

	t.Run("second host is rejected", func(t *testing.T) {
		second := dial(t, srv, "hostreg1")
		if err := second.RegisterHost(); err != nil {
			t.Fatalf("register host: %v", err)
		}

		rejection := waitFor(t, second, kindError)
		if rejection.Message != "Host already registered" {
			t.Fatalf("unexpected rejection message: %q", rejection.Message)
		}
		expectNoKind(t, second, kindHostRegistered, 200*time.Millisecond)
	})

	t.Run("re-registration is idempotent", func(t *testing.T) {
		if err := host.RegisterHost(); err != nil {
			t.Fatalf("register host: %v", err)
		}
		waitFor(t, host, kindHostRegistered)
	})
}

func TestPlayerJoinBeforeHost(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	alice := dial(t, srv, "joinfirst")
	if err := alice.JoinAsPlayer("Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// No host yet, so no availability notification.
	expectNoKind(t, alice, kindHostAvailable, 200*time.Millisecond)

	host := dial(t, srv, "joinfirst")
	if err := host.RegisterHost(); err != nil {
		t.Fatalf("register host: %v", err)
	}

	list := waitFor(t, host, kindPlayerList)
	if len(list.Players) != 1 {
		t.Fatalf("expected one roster entry, got %+v", list.Players)
	}
	entry := list.Players[0]
	if entry.ID != alice.ID || entry.Username != "Alice" || !entry.Connected {
		t.Fatalf("unexpected roster entry: %+v", entry)
	}

	waitFor(t, alice, kindHostAvailable)
}

func TestHostBroadcast(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "broadcast")
	if err := host.RegisterHost(); err != nil {
		t.Fatalf("register host: %v", err)
	}
	waitFor(t, host, kindHostRegistered)

	alice := dial(t, srv, "broadcast")
	_ = alice.JoinAsPlayer("Alice")
	waitFor(t, alice, kindHostAvailable)

	bob := dial(t, srv, "broadcast")
	_ = bob.JoinAsPlayer("Bob")
	waitFor(t, bob, kindHostAvailable)

	if err := host.SendChat("hello"); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	for _, player := range []*RelayClient{alice, bob} {
		msg := waitFor(t, player, kindChat)
		if msg.Content != "hello" || msg.SenderID != "host" || msg.SenderName != "Host" || msg.IsPrivate {
			t.Fatalf("unexpected broadcast envelope: %+v", msg)
		}
		expectNoKind(t, player, kindChat, 200*time.Millisecond)
	}

	echo := waitFor(t, host, kindChat)
	if echo.Content != "hello" || echo.SenderID != "host" {
		t.Fatalf("unexpected echo envelope: %+v", echo)
	}
	expectNoKind(t, host, kindChat, 200*time.Millisecond)
}

func TestPrivateMessage(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "private1")
	_ = host.RegisterHost()
	waitFor(t, host, kindHostRegistered)

	alice := dial(t, srv, "private1")
	_ = alice.JoinAsPlayer("Alice")
	waitFor(t, alice, kindHostAvailable)

	bob := dial(t, srv, "private1")
	_ = bob.JoinAsPlayer("Bob")
	waitFor(t, bob, kindHostAvailable)

	if err := host.SendPrivate("psst", alice.ID); err != nil {
		t.Fatalf("send private: %v", err)
	}

	msg := waitFor(t, alice, kindChat)
	if msg.Content != "psst" || !msg.IsPrivate || msg.SenderID != "host" {
		t.Fatalf("unexpected private envelope: %+v", msg)
	}

	expectNoKind(t, bob, kindChat, 200*time.Millisecond)
	expectNoKind(t, host, kindChat, 200*time.Millisecond)

	t.Run("private to departed player is dropped", func(t *testing.T) {
		bob.Close()
		waitFor(t, host, kindPlayerLeft)

		if err := host.SendPrivate("anyone there", bob.ID); err != nil {
			t.Fatalf("send private: %v", err)
		}
		expectNoKind(t, alice, kindChat, 200*time.Millisecond)
	})

	t.Run("private with no target is dropped, never broadcast", func(t *testing.T) {
		if err := host.write(Envelope{Kind: kindPrivate, Content: "secret for nobody"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := host.SendPrivate("still for nobody", ""); err != nil {
			t.Fatalf("send private: %v", err)
		}

		expectNoKind(t, alice, kindChat, 200*time.Millisecond)
		expectNoKind(t, host, kindChat, 200*time.Millisecond)
	})
}

func TestPlayerToHostRouting(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	alice := dial(t, srv, "tohost01")
	_ = alice.JoinAsPlayer("Alice")

	// No host registered: the message has nowhere to go and is dropped
	// without any error reply.
	if err := alice.SendChat("into the void"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	expectNoKind(t, alice, kindError, 200*time.Millisecond)

	host := dial(t, srv, "tohost01")
	_ = host.RegisterHost()
	waitFor(t, host, kindPlayerList)
	waitFor(t, alice, kindHostAvailable)

	// The pre-host message was not queued.
	expectNoKind(t, host, kindChat, 200*time.Millisecond)

	if err := alice.SendChat("hi there"); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	msg := waitFor(t, host, kindChat)
	if msg.Content != "hi there" || msg.SenderID != alice.ID || msg.SenderName != "Alice" {
		t.Fatalf("unexpected envelope at host: %+v", msg)
	}

	t.Run("player whisper reaches only the host", func(t *testing.T) {
		if err := alice.SendPrivate("secret", ""); err != nil {
			t.Fatalf("send private: %v", err)
		}

		msg := waitFor(t, host, kindChat)
		if !msg.IsPrivate || msg.TargetPlayerID != "host" || msg.Content != "secret" {
			t.Fatalf("unexpected whisper envelope: %+v", msg)
		}
	})

	t.Run("unregistered connections cannot chat", func(t *testing.T) {
		lurker := dial(t, srv, "tohost01")
		if err := lurker.SendChat("hello?"); err != nil {
			t.Fatalf("send chat: %v", err)
		}
		expectNoKind(t, host, kindChat, 200*time.Millisecond)
	})
}

func TestHostDisconnect(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "hostgone")
	_ = host.RegisterHost()
	waitFor(t, host, kindHostRegistered)

	alice := dial(t, srv, "hostgone")
	_ = alice.JoinAsPlayer("Alice")
	waitFor(t, alice, kindHostAvailable)

	bob := dial(t, srv, "hostgone")
	_ = bob.JoinAsPlayer("Bob")
	waitFor(t, bob, kindHostAvailable)

	host.Close()

	for _, player := range []*RelayClient{alice, bob} {
		waitFor(t, player, kindHostDisconnected)
		expectNoKind(t, player, kindHostDisconnected, 200*time.Millisecond)
	}

	t.Run("host role becomes vacant", func(t *testing.T) {
		next := dial(t, srv, "hostgone")
		if err := next.RegisterHost(); err != nil {
			t.Fatalf("register host: %v", err)
		}
		waitFor(t, next, kindHostRegistered)

		list := waitFor(t, next, kindPlayerList)
		if len(list.Players) != 2 {
			t.Fatalf("expected both players in snapshot, got %+v", list.Players)
		}
	})
}

func TestPlayerDisconnectCleanup(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "playergone")
	_ = host.RegisterHost()
	waitFor(t, host, kindHostRegistered)

	alice := dial(t, srv, "playergone")
	_ = alice.JoinAsPlayer("Alice")

	joined := waitFor(t, host, kindPlayerJoined)
	if joined.Username != "Alice" || joined.ClientID != alice.ID {
		t.Fatalf("unexpected join notification: %+v", joined)
	}
	list := waitFor(t, host, kindPlayerList)
	if len(list.Players) != 1 {
		t.Fatalf("expected one roster entry, got %+v", list.Players)
	}

	alice.Close()

	left := waitFor(t, host, kindPlayerLeft)
	if left.Username != "Alice" || left.ClientID != alice.ID {
		t.Fatalf("unexpected leave notification: %+v", left)
	}

	// After the player timeout, the departed entry is pruned and the host
	// receives a fresh snapshot.
	pruned := waitFor(t, host, kindPlayerList)
	if len(pruned.Players) != 0 {
		t.Fatalf("expected empty roster after pruning, got %+v", pruned.Players)
	}
}

func TestDuplicatePlayerJoin(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "dupejoin")
	_ = host.RegisterHost()
	waitFor(t, host, kindHostRegistered)

	alice := dial(t, srv, "dupejoin")
	_ = alice.JoinAsPlayer("Alice")
	_ = alice.JoinAsPlayer("Alice again")

	waitFor(t, host, kindPlayerJoined)
	expectNoKind(t, host, kindPlayerJoined, 200*time.Millisecond)
}

func TestHostCannotJoinAsPlayer(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "hostjoin")
	_ = host.RegisterHost()
	waitFor(t, host, kindHostRegistered)

	_ = host.JoinAsPlayer("Sneaky")
	expectNoKind(t, host, kindPlayerJoined, 200*time.Millisecond)
}

func TestDefaultUsernameAssigned(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "noname01")
	_ = host.RegisterHost()
	waitFor(t, host, kindHostRegistered)

	anon := dial(t, srv, "noname01")
	_ = anon.JoinAsPlayer("")

	joined := waitFor(t, host, kindPlayerJoined)
	if joined.Username != defaultUsername(anon.ID) {
		t.Fatalf("expected synthesized username, got %q", joined.Username)
	}
}

func TestMalformedPayloadIgnored(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "garbage1")
	_ = host.RegisterHost()
	waitFor(t, host, kindHostRegistered)

	alice := dial(t, srv, "garbage1")
	_ = alice.JoinAsPlayer("Alice")
	waitFor(t, host, kindPlayerJoined)

	// Neither unparseable data nor an unknown tag should close the connection.
	if err := alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"launch-missiles"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := alice.SendChat("still here"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	msg := waitFor(t, host, kindChat)
	if msg.Content != "still here" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
}

func TestSessionStatus(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	host := dial(t, srv, "status01")
	_ = host.RegisterHost()
	waitFor(t, host, kindHostRegistered)

	alice := dial(t, srv, "status01")
	_ = alice.JoinAsPlayer("Alice")
	waitFor(t, host, kindPlayerJoined)

	resp, err := http.Get(srv.URL + "/relay/status01/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status sessionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ConnectedPlayers != 1 || !status.IsHostConnected || status.TotalConnections != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}

	t.Run("unknown session", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/relay/nope/status")
		if err != nil {
			t.Fatalf("status request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})
}

func TestIdleSessionReaped(t *testing.T) {
	cfg := testConfig()
	cfg.sessionTimeout = 100 * time.Millisecond
	srv := newRelayServer(t, cfg)

	c := dial(t, srv, "sleepy01")

	// The reaper closes every connection of an idle session.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Inbound:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected the idle session to be reaped")
		}
	}
}

func TestHubCloseReleasesEventLoop(t *testing.T) {
	hub := newHub("reaped01")
	go hub.run(testConfig())

	hub.closeAll()

	select {
	case <-hub.done:
	case <-time.After(time.Second):
		t.Fatal("expected closeAll to release the event loop")
	}

	// Closing twice stays a no-op.
	hub.closeAll()
}

func TestSessionRedirectAndQR(t *testing.T) {
	srv := newRelayServer(t, testConfig())

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(srv.URL + "/relay")
	if err != nil {
		t.Fatalf("redirect request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	session := strings.TrimPrefix(location, "/relay/")
	if len(session) != 8 {
		t.Fatalf("expected 8-char session id, got %q", session)
	}

	qr, err := http.Get(srv.URL + location + "/qr")
	if err != nil {
		t.Fatalf("qr request: %v", err)
	}
	defer qr.Body.Close()

	if qr.StatusCode != http.StatusOK || qr.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("expected png qr code, got %d %q", qr.StatusCode, qr.Header.Get("Content-Type"))
	}
}
