package core

// Client is one member connection as seen by the directory hub.
type Client struct {
	ID       string
	UserID   string
	Commands chan *Command
	Events   chan *Event

	gone chan struct{}
}

// NewClient constructs a client with initialized channels.
func NewClient(id, userID string) *Client {
	return &Client{
		ID:       id,
		UserID:   userID,
		Commands: make(chan *Command, 8),
		Events:   make(chan *Event, 16),
		gone:     make(chan struct{}),
	}
}
