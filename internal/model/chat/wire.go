package chat

// Event kinds exchanged over the duplex channel.
const (
	EventNewMessage = "new_message"
	EventStart      = "start"
	EventError      = "error"
)

// InboundFrame is a client-originated websocket frame.
type InboundFrame struct {
	Event   string `json:"event"`
	Message *Text  `json:"message,omitempty"`
	Session string `json:"session,omitempty"`
}

// OutboundFrame is a server-originated websocket frame: a rendered message
// tagged with the event kind the client dispatches on.
type OutboundFrame struct {
	Event string `json:"event"`
	Message
}

// Envelope is a request forwarded to the backend's processing endpoint.
type Envelope struct {
	User          Sender  `json:"user"`
	Chat          ChatRef `json:"chat"`
	ServiceIn     string  `json:"service_in"`
	SecurityToken string  `json:"security_token"`
	ViaInstance   string  `json:"via_instance"`
	HasMessage    bool    `json:"has_message"`
	Message       Text    `json:"message"`
}

// Callback is a backend-originated message addressed to a chat (= session).
type Callback struct {
	User    Sender   `json:"user"`
	Chat    ChatRef  `json:"chat"`
	Message Text     `json:"message"`
	Buttons []Button `json:"buttons"`
	HasFile bool     `json:"has_file"`
	File    []File   `json:"file"`
}
