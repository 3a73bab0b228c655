// One JSON envelope per websocket message, tagged by "type". Inbound payloads
// are parsed into this closed shape at the boundary; anything carrying an
// unknown tag is logged and dropped without closing the connection.

package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope kinds sent by clients.
const (
	kindRegisterHost  = "register-host"
	kindPlayerJoin    = "player-join"
	kindChat          = "chat"
	kindPrivate       = "private-message"
	kindPlayerPrivate = "player-private-message"
	kindDisconnect    = "disconnect"
)

// Envelope kinds sent by the relay.
const (
	kindConnected        = "connected"
	kindHostRegistered   = "host-registered"
	kindHostAvailable    = "host-available"
	kindHostDisconnected = "host-disconnected"
	kindPlayerJoined     = "player-joined"
	kindPlayerLeft       = "player-left"
	kindPlayerList       = "player-list"
	kindError            = "error"
)

// Envelope is the single message unit exchanged over a relay connection.
// Timestamps are Unix milliseconds.
type Envelope struct {
	Kind           string        `json:"type"`
	ClientID       string        `json:"clientId,omitempty"`
	SenderID       string        `json:"senderId,omitempty"`
	SenderName     string        `json:"senderName,omitempty"`
	Username       string        `json:"username,omitempty"`
	Content        string        `json:"content,omitempty"`
	Message        string        `json:"message,omitempty"`
	IsPrivate      bool          `json:"isPrivate,omitempty"`
	TargetPlayerID string        `json:"targetPlayerId,omitempty"`
	Players        []RosterEntry `json:"players,omitempty"`
	Timestamp      int64         `json:"timestamp"`
}

func stamp() int64 {
	return time.Now().UnixMilli()
}

func notification(kind string) Envelope {
	return Envelope{
		Kind:      kind,
		Timestamp: stamp(),
	}
}

// decodeEnvelope parses an inbound payload, accepting only client-sent kinds.
func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope

	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}

	switch env.Kind {
	case kindRegisterHost, kindPlayerJoin, kindChat, kindPrivate, kindPlayerPrivate, kindDisconnect:
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type: %q", env.Kind)
	}

	if env.Timestamp == 0 {
		env.Timestamp = stamp()
	}

	return env, nil
}
