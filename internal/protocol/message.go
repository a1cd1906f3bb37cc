// Package protocol defines the relay's logical message vocabulary and the
// framed connections that carry it over TCP or WebSocket transports.
//
// On the wire every logical message is a single UTF-8 line. The literal
// tokens (NOMBRE_USUARIO, TYPING:, STOP_TYPING:, BROADCAST:, KICKED:,
// MSG_OK) are fixed for compatibility with existing peers; inside the
// process messages are always the tagged Message variant so that prefix
// matching never leaks out of this package.
package protocol

import (
	"fmt"
	"strings"
)

// Kind tags a Message variant.
type Kind int

const (
	// KindChat is ordinary chat text. Server-bound it carries only the
	// body; client-bound it also carries the sender username.
	KindChat Kind = iota
	// KindTypingStart and KindTypingStop are transient presence signals,
	// relayed by the server verbatim and never persisted.
	KindTypingStart
	KindTypingStop
	// KindJoin and KindLeave announce registry membership changes.
	KindJoin
	KindLeave
	// KindKicked tells a client it has been evicted and must disconnect.
	KindKicked
	// KindAck confirms delivery of the client's last chat send.
	KindAck
	// KindIdentityRequest asks a freshly accepted connection for its
	// username; the reply is a bare line with no prefix.
	KindIdentityRequest
	// KindNotice is any other server-side system text.
	KindNotice
)

// Wire literals. IdentityRequestToken is exported because the client has to
// recognize the greeting; the prefixes stay private to the codec.
const (
	IdentityRequestToken = "NOMBRE_USUARIO"

	typingPrefix     = "TYPING:"
	stopTypingPrefix = "STOP_TYPING:"
	broadcastPrefix  = "BROADCAST:"
	kickedPrefix     = "KICKED:"
	ackToken         = "MSG_OK"
)

// Message is one logical unit exchanged between relay server and client.
type Message struct {
	Kind     Kind
	Username string
	Body     string
}

// Chat builds a relayed chat message from sender and body.
func Chat(username, body string) Message {
	return Message{Kind: KindChat, Username: username, Body: body}
}

// TypingStart signals that username began composing.
func TypingStart(username string) Message {
	return Message{Kind: KindTypingStart, Username: username}
}

// TypingStop signals that username stopped composing.
func TypingStop(username string) Message {
	return Message{Kind: KindTypingStop, Username: username}
}

// Join announces that username entered the chat.
func Join(username string) Message {
	return Message{Kind: KindJoin, Username: username}
}

// Leave announces that username left the chat.
func Leave(username string) Message {
	return Message{Kind: KindLeave, Username: username}
}

// Kicked carries the eviction reason to the evicted client.
func Kicked(reason string) Message {
	return Message{Kind: KindKicked, Body: reason}
}

// Ack confirms delivery of a chat message.
func Ack() Message { return Message{Kind: KindAck} }

// IdentityRequest asks a new connection for its username.
func IdentityRequest() Message { return Message{Kind: KindIdentityRequest} }

// Notice wraps free-form system text.
func Notice(text string) Message {
	return Message{Kind: KindNotice, Body: text}
}

// Encode renders the server-to-client wire form of a message. Join, Leave,
// and Notice all travel as unprefixed system text; everything else carries
// its literal token.
func (m Message) Encode() string {
	switch m.Kind {
	case KindChat:
		return broadcastPrefix + m.Username + ": " + m.Body
	case KindTypingStart:
		return typingPrefix + m.Username
	case KindTypingStop:
		return stopTypingPrefix + m.Username
	case KindJoin:
		return fmt.Sprintf("%s joined the chat", m.Username)
	case KindLeave:
		return fmt.Sprintf("%s left the chat", m.Username)
	case KindKicked:
		return kickedPrefix + m.Body
	case KindAck:
		return ackToken
	case KindIdentityRequest:
		return IdentityRequestToken
	default:
		return m.Body
	}
}

// ParseServer classifies a line received by a client. Unknown non-empty
// payloads are notices, never errors.
func ParseServer(line string) Message {
	switch {
	case line == ackToken:
		return Ack()
	case line == IdentityRequestToken:
		return IdentityRequest()
	case strings.HasPrefix(line, typingPrefix):
		return TypingStart(strings.TrimPrefix(line, typingPrefix))
	case strings.HasPrefix(line, stopTypingPrefix):
		return TypingStop(strings.TrimPrefix(line, stopTypingPrefix))
	case strings.HasPrefix(line, kickedPrefix):
		return Kicked(strings.TrimPrefix(line, kickedPrefix))
	case strings.HasPrefix(line, broadcastPrefix):
		username, body := splitChat(strings.TrimPrefix(line, broadcastPrefix))
		return Chat(username, body)
	default:
		return Notice(line)
	}
}

// ParseClient classifies a line received by the server from an admitted
// session: a typing signal or plain chat text.
func ParseClient(line string) Message {
	switch {
	case strings.HasPrefix(line, typingPrefix):
		return TypingStart(strings.TrimPrefix(line, typingPrefix))
	case strings.HasPrefix(line, stopTypingPrefix):
		return TypingStop(strings.TrimPrefix(line, stopTypingPrefix))
	default:
		return Message{Kind: KindChat, Body: line}
	}
}

func splitChat(rest string) (username, body string) {
	if idx := strings.Index(rest, ": "); idx >= 0 {
		return rest[:idx], rest[idx+2:]
	}
	return "", rest
}
