package client

// EventKind classifies what the relay delivered (or what happened to the
// connection) for the consuming application.
type EventKind int

const (
	// EventChat is a chat message relayed from another user.
	EventChat EventKind = iota
	// EventSent is the local echo of a message this client sent.
	EventSent
	// EventNotice is system text from the server: join and leave
	// announcements and anything else unrecognized.
	EventNotice
	// EventTypingStarted and EventTypingStopped track other users'
	// composing state.
	EventTypingStarted
	EventTypingStopped
	// EventKicked reports a server-initiated eviction; the client
	// disconnects itself shortly after.
	EventKicked
	// EventConnectionLost reports that the connection died without an
	// explicit Close. The client stays disconnected until the caller
	// dials again.
	EventConnectionLost
)

// Event is one unit delivered to the consumer. Username is set for chat
// and typing events; Text carries the chat body, notice text, or kick
// reason.
type Event struct {
	Kind     EventKind
	Username string
	Text     string
}
