package events

import "time"

// Event is anything delivered to the bot core from the outside world.
// Every event carries its origination timestamp so permission checks can
// refuse to act on stale context.
type Event interface {
	EventTime() time.Time
}

// UserEvent is an event attributable to a chat user.
type UserEvent interface {
	Event
	EventNick() string
}

// Message is one inbound chat line.
type Message struct {
	Nick      string    `json:"nick"`
	Target    string    `json:"target"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(nick, target, text string) *Message {
	return &Message{
		Nick:   nick,
		Target: target,
		Text:   text,
		At:     time.Now(),
	}
}

// EventTime returns the message origination time.
func (m *Message) EventTime() time.Time {
	return m.At
}

// EventNick returns the nick that produced the message.
func (m *Message) EventNick() string {
	return m.Nick
}
