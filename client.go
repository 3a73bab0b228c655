package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelayClient is the collaborator-side view of the relay: the casino UI drives
// a session through these calls and reacts to the envelopes and
// connection-state changes it surfaces.
type RelayClient struct {
	conn *websocket.Conn

	// ID is the identifier assigned by the relay on connect.
	ID string

	// Inbound carries every envelope from the relay, in arrival order.
	// The channel is closed once the connection is gone.
	Inbound chan Envelope

	onState   func(connected bool, reason string)
	closeOnce sync.Once
}

// DialRelay connects to a relay websocket endpoint and waits for the relay's
// connection confirmation. onState, if set, is invoked on connection-state
// changes with a human-readable reason.
func DialRelay(url string, onState func(connected bool, reason string)) (*RelayClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if onState != nil {
			onState(false, "failed to connect to relay")
		}
		return nil, err
	}

	var confirm Envelope
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&confirm); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if confirm.Kind != kindConnected || confirm.ClientID == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %s envelope, got %q", kindConnected, confirm.Kind)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &RelayClient{
		conn:    conn,
		ID:      confirm.ClientID,
		Inbound: make(chan Envelope, 32),
		onState: onState,
	}

	if onState != nil {
		onState(true, "connected to relay")
	}

	go c.readLoop()

	return c, nil
}

func (c *RelayClient) readLoop() {
	defer close(c.Inbound)

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if c.onState != nil {
				c.onState(false, err.Error())
			}
			return
		}
		c.Inbound <- env
	}
}

func (c *RelayClient) write(env Envelope) error {
	env.Timestamp = stamp()
	return c.conn.WriteJSON(env)
}

func (c *RelayClient) RegisterHost() error {
	return c.write(Envelope{Kind: kindRegisterHost, ClientID: c.ID})
}

func (c *RelayClient) JoinAsPlayer(username string) error {
	return c.write(Envelope{Kind: kindPlayerJoin, ClientID: c.ID, Username: username})
}

func (c *RelayClient) SendChat(content string) error {
	return c.write(Envelope{Kind: kindChat, SenderID: c.ID, Content: content})
}

// SendPrivate addresses one player when called by the host; players use it to
// whisper to the host regardless of target.
func (c *RelayClient) SendPrivate(content, targetPlayerID string) error {
	return c.write(Envelope{
		Kind:           kindChat,
		SenderID:       c.ID,
		Content:        content,
		IsPrivate:      true,
		TargetPlayerID: targetPlayerID,
	})
}

// Close sends a polite disconnect, then tears the connection down.
func (c *RelayClient) Close() {
	c.closeOnce.Do(func() {
		_ = c.write(Envelope{Kind: kindDisconnect, SenderID: c.ID, Content: "Client disconnecting"})
		_ = c.conn.Close()
	})
}
