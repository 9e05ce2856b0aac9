package domain

// ObjectInstagram is the notification object type accepted by the webhook.
const ObjectInstagram = "instagram"

// Notification is the webhook delivery payload sent by the platform.
type Notification struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string           `json:"id,omitempty"`
	Time      int64            `json:"time,omitempty"`
	Messaging []MessagingEvent `json:"messaging"`
}

type Party struct {
	ID string `json:"id"`
}

type MessagingEvent struct {
	Sender    Party           `json:"sender"`
	Recipient Party           `json:"recipient"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Message   *InboundMessage `json:"message,omitempty"`
}

// InboundMessage is the message body of a messaging event. The platform sends
// the id as "mid"; "id" is accepted as a fallback.
type InboundMessage struct {
	MID    string `json:"mid,omitempty"`
	ID     string `json:"id,omitempty"`
	Text   string `json:"text,omitempty"`
	IsEcho bool   `json:"is_echo,omitempty"`
}

// MessageID returns the platform message id.
func (m *InboundMessage) MessageID() string {
	if m == nil {
		return ""
	}
	if m.MID != "" {
		return m.MID
	}
	return m.ID
}

// Dispatchable reports whether the event carries a user-authored text message
// that should be forwarded for a reply.
func (e MessagingEvent) Dispatchable() bool {
	return e.Message != nil && e.Message.Text != "" && !e.Message.IsEcho
}
