package core

// Presence groups the open connections of one user.
type Presence struct {
	UserID  string
	clients map[*Client]struct{}
}

// NewPresence constructs a presence with no clients.
func NewPresence(userID string) *Presence {
	return &Presence{
		UserID:  userID,
		clients: make(map[*Client]struct{}),
	}
}

// AddClient inserts a client. Returns true if newly added.
func (p *Presence) AddClient(c *Client) bool {
	if _, exists := p.clients[c]; exists {
		return false
	}
	p.clients[c] = struct{}{}
	return true
}

// RemoveClient deletes a client. Returns true if removed.
func (p *Presence) RemoveClient(c *Client) bool {
	if _, exists := p.clients[c]; !exists {
		return false
	}
	delete(p.clients, c)
	return true
}

// Broadcast sends an event to every connection of the user. It returns the
// number of connections that accepted it.
func (p *Presence) Broadcast(event *Event) int {
	delivered := 0
	for client := range p.clients {
		select {
		case client.Events <- event:
			delivered++
		default:
			// Drop if slow consumer.
		}
	}
	return delivered
}

// Empty returns true if the user has no connections.
func (p *Presence) Empty() bool {
	return len(p.clients) == 0
}
