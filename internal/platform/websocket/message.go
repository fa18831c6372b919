package websocket

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidSubscription is returned by Bind when the id does not name an ACTIVE subscription.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrDelivery marks a message that could not be handed to a session in time.
	ErrDelivery = errors.New("delivery failed")
	// ErrSessionClosed marks a send to a session that is already unbound.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownCommand is returned by ParseCommand for anything but a known verb.
	ErrUnknownCommand = errors.New("unrecognized command")
)

// MessageKind distinguishes the frames a session can receive.
type MessageKind int

const (
	KindBound MessageKind = iota
	KindPing
	KindPayload
)

func (k MessageKind) String() string {
	switch k {
	case KindBound:
		return "bound"
	case KindPing:
		return "ping"
	case KindPayload:
		return "add"
	default:
		return "unknown"
	}
}

// Message is one outbound notification frame.
type Message struct {
	Kind           MessageKind
	SubscriptionID string
	Payload        []byte
}

func BoundMessage(subscriptionID string) Message {
	return Message{Kind: KindBound, SubscriptionID: subscriptionID}
}

func PingMessage(subscriptionID string) Message {
	return Message{Kind: KindPing, SubscriptionID: subscriptionID}
}

// PayloadMessage carries the matched resource body.
func PayloadMessage(subscriptionID string, resource []byte) Message {
	return Message{Kind: KindPayload, SubscriptionID: subscriptionID, Payload: resource}
}

// Text renders the wire form: "bound <id>", "ping <id>" or "add <id>\n<payload>".
func (m Message) Text() string {
	if m.Kind == KindPayload {
		return "add " + m.SubscriptionID + "\n" + string(m.Payload)
	}
	return m.Kind.String() + " " + m.SubscriptionID
}

// ErrorFrame renders a diagnostic frame sent to the client.
func ErrorFrame(diagnostics string) string {
	return "error " + diagnostics
}

// Command is a parsed client frame.
type Command struct {
	Verb string
	Arg  string
}

// ParseCommand parses client text such as "bind 123".
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, ErrUnknownCommand
	}
	verb := strings.ToLower(fields[0])
	switch verb {
	case "bind":
		if len(fields) != 2 {
			return Command{}, errors.Wrap(ErrUnknownCommand, "bind expects one subscription id")
		}
		return Command{Verb: verb, Arg: fields[1]}, nil
	default:
		return Command{}, errors.Wrapf(ErrUnknownCommand, "%q", fields[0])
	}
}
