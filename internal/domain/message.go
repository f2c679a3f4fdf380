package domain

// MessageSource marks messages posted by the in-page interceptor. Messages
// carrying any other source are ignored by consumers.
const MessageSource = "netpanel-interceptor"

// MessageType tags a local interceptor message.
type MessageType string

const (
	MessageRequestStart    MessageType = "request-start"
	MessageRequestComplete MessageType = "request-complete"
	MessageRequestError    MessageType = "request-error"
)

// Message is the interceptor → aggregator contract. Payload is a partial
// record that always carries the record id. Delivery is at-most-once.
type Message struct {
	Source  string       `json:"source"`
	Type    MessageType  `json:"type"`
	Payload CapturedCall `json:"payload"`
}

// NewMessage builds a message stamped with MessageSource.
func NewMessage(t MessageType, payload CapturedCall) Message {
	return Message{Source: MessageSource, Type: t, Payload: payload}
}

// Poster delivers a message to whoever consumes the interceptor's events.
type Poster func(Message)
