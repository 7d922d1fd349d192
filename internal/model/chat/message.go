package chat

// Sender identifies who authored a message. UserID is omitted on rendered
// history entries, where only the display name matters.
type Sender struct {
	FirstName string `json:"first_name"`
	UserID    string `json:"user_id,omitempty"`
}

// ChatRef addresses a conversation. Chat ids are session ids on this service.
type ChatRef struct {
	ChatID string `json:"chat_id"`
}

// Text wraps a message body.
type Text struct {
	Text string `json:"text"`
}

// Button is one interactive option attached to a message.
type Button struct {
	Text    string `json:"text"`
	Payload string `json:"payload,omitempty"`
}

// File describes an attached payload by URL.
type File struct {
	Payload string `json:"payload"`
}

// Message is the rendered form kept in history and pushed to clients.
// Buttons and File marshal to null when absent, matching the backend schema.
type Message struct {
	User    Sender   `json:"user"`
	Message Text     `json:"message"`
	Buttons []Button `json:"buttons"`
	HasFile bool     `json:"has_file"`
	File    []File   `json:"file"`
}

// WithoutButtons returns a copy with the interactive options removed. Used on
// replay so stale affordances never resurface; the stored entry keeps its
// buttons.
func (m Message) WithoutButtons() Message {
	m.Buttons = nil
	return m
}
