package main

// defaultUsername synthesizes a display name from a prefix of the connection
// id, so defaults never collide while ids are unique.
func defaultUsername(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "Player " + short
}

// RosterEntry is one known player as shown to the host.
type RosterEntry struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Connected bool   `json:"connected"`
}

// roster tracks the current host and every known player in join order.
// It is owned by a Hub and only mutated under the hub lock.
type roster struct {
	hostID  string
	players []RosterEntry
}

func (r *roster) setHost(id string) {
	r.hostID = id
}

func (r *roster) host() string {
	return r.hostID
}

func (r *roster) find(id string) *RosterEntry {
	for i := range r.players {
		if r.players[i].ID == id {
			return &r.players[i]
		}
	}
	return nil
}

func (r *roster) isPlayer(id string) bool {
	return r.find(id) != nil
}

// upsert adds a player or updates an existing entry, preserving join order.
func (r *roster) upsert(id, username string) {
	if p := r.find(id); p != nil {
		p.Username = username
		p.Connected = true
		return
	}

	r.players = append(r.players, RosterEntry{
		ID:        id,
		Username:  username,
		Connected: true,
	})
}

// markDisconnected flags a player as departed without forgetting them, so the
// host can still see recent departures. Returns the last-known username.
func (r *roster) markDisconnected(id string) (string, bool) {
	p := r.find(id)
	if p == nil {
		return "", false
	}

	p.Connected = false

	return p.Username, true
}

// remove forgets a player outright. Idempotent.
func (r *roster) remove(id string) bool {
	dst := r.players[:0]
	removed := false

	for _, p := range r.players {
		if p.ID == id {
			removed = true
			continue
		}
		dst = append(dst, p)
	}
	r.players = dst

	return removed
}

func (r *roster) snapshot() []RosterEntry {
	out := make([]RosterEntry, len(r.players))
	copy(out, r.players)
	return out
}

func (r *roster) connectedCount() int {
	count := 0
	for _, p := range r.players {
		if p.Connected {
			count++
		}
	}
	return count
}
