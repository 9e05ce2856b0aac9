package domain

import "encoding/json"

// Participant is one side of a platform conversation message.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Recipients wraps the Graph API "to" edge, which is a paged list.
type Recipients struct {
	Data []Participant `json:"data"`
}

// Message is a single conversation message as recorded by the platform. A
// decoded Message remembers its source JSON so it can be mirrored into
// history without losing fields.
type Message struct {
	ID          string      `json:"id"`
	CreatedTime string      `json:"created_time,omitempty"`
	From        Participant `json:"from"`
	To          Recipients  `json:"to"`
	Message     string      `json:"message"`

	raw json.RawMessage
}

type plainMessage Message

func (m *Message) UnmarshalJSON(b []byte) error {
	var p plainMessage
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = Message(p)
	m.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Record returns m as a history record, using the platform JSON when m was
// decoded from it.
func (m Message) Record() Record {
	raw := m.raw
	if len(raw) == 0 {
		// Only strings and slices of strings; encoding cannot fail.
		raw, _ = json.Marshal(plainMessage(m))
	}
	return Record{ID: m.ID, raw: raw}
}

// SendReceipt is the platform's acknowledgement of a sent message.
type SendReceipt struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}
