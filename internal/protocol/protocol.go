// Package protocol defines the WebSocket frames exchanged between clients and
// the chat server. Inbound frames carry a "command" discriminator; outbound
// frames carry a "response_type" discriminator. All frames are JSON.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Command and event type constants
// ---------------------------------------------------------------------------

// Client -> Server commands.
const (
	CmdJoin             = "join"
	CmdSendFirstMessage = "send_first_message"
	CmdSendMessage      = "send_message"
	CmdEditMessage      = "edit_message"
	CmdDeleteMessage    = "delete_message"
)

// Server -> Client response types.
const (
	EventError          = "Error"
	EventNewMessage     = "new_message"
	EventEditedMessage  = "edited_message"
	EventDeletedMessage = "deleted_message"
)

// ErrUnknownCommand is returned by ParseCommand for command values the server
// does not recognize. Callers drop such frames without replying.
var ErrUnknownCommand = fmt.Errorf("protocol: unknown command")

// ---------------------------------------------------------------------------
// ID — numeric identifier that tolerates JSON string encoding
// ---------------------------------------------------------------------------

// ID is a numeric entity identifier. Browser clients send ids both as JSON
// numbers and as strings, so it decodes either form.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("protocol: empty id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("protocol: invalid id: %w", err)
		}
		if s == "" {
			*id = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("protocol: invalid id %q", s)
		}
		*id = ID(n)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: invalid id: %w", err)
	}
	*id = ID(n)
	return nil
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the command discriminator and the raw JSON payload for
// deferred parsing into a concrete struct.
type Envelope struct {
	Command string          `json:"command"`
	Raw     json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "command"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	e.Command = partial.Command
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server command structs
// ---------------------------------------------------------------------------

// JoinCmd subscribes the connection to a room's broadcast channel.
type JoinCmd struct {
	Command string `json:"command"`
	RoomID  ID     `json:"room_id"`
}

// SendFirstMessageCmd opens (or reuses) the room with a partner account and
// sends the first message in one step.
type SendFirstMessageCmd struct {
	Command         string   `json:"command"`
	PartnerID       ID       `json:"partner_id"`
	TextMessage     string   `json:"text_message"`
	AttachmentLinks []string `json:"attachment_links"`
	VoiceFile       string   `json:"voice_file"`
}

// SendMessageCmd sends a message into an existing room. Any combination of
// text, attachment data-URIs, and a voice data-URI may be present.
type SendMessageCmd struct {
	Command         string   `json:"command"`
	RoomID          ID       `json:"room_id"`
	TextMessage     string   `json:"text_message"`
	AttachmentLinks []string `json:"attachment_links"`
	VoiceFile       string   `json:"voice_file"`
}

// EditMessageCmd replaces the text of a previously sent message.
type EditMessageCmd struct {
	Command     string `json:"command"`
	RoomID      ID     `json:"room_id"`
	MessageID   ID     `json:"message_id"`
	TextMessage string `json:"text_message"`
}

// DeleteMessageCmd soft-deletes a previously sent message.
type DeleteMessageCmd struct {
	Command   string `json:"command"`
	RoomID    ID     `json:"room_id"`
	MessageID ID     `json:"message_id"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ErrorEvent reports a rejected command. The connection stays open.
type ErrorEvent struct {
	ResponseType string `json:"response_type"`
	Message      string `json:"message"`
}

// Sender is the message author summary embedded in new_message events.
type Sender struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	ProfilePic string `json:"profile_pic"`
}

// CreatedAt carries the formatted creation date and 12-hour time of a message.
type CreatedAt struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// NewMessageEvent announces a persisted message to every session subscribed to
// the room channel. SendBy is rewritten per recipient ("me" for the author's
// own sessions, "other" for everyone else) before the frame is forwarded.
type NewMessageEvent struct {
	ResponseType    string    `json:"response_type"`
	ID              int64     `json:"id"`
	Sender          Sender    `json:"sender"`
	SendBy          string    `json:"send_by"`
	TextMessage     string    `json:"text_message"`
	MessageType     string    `json:"message_type"`
	AttachmentLinks []string  `json:"attachment_links"`
	Voice           string    `json:"voice"`
	CreatedAt       CreatedAt `json:"created_at"`
}

// EditedMessageEvent announces an in-place text edit.
type EditedMessageEvent struct {
	ResponseType    string   `json:"response_type"`
	ID              int64    `json:"id"`
	TextMessage     string   `json:"text_message"`
	MessageType     string   `json:"message_type"`
	AttachmentLinks []string `json:"attachment_links"`
	Voice           string   `json:"voice"`
}

// DeletedMessageEvent announces a soft delete.
type DeletedMessageEvent struct {
	ResponseType string `json:"response_type"`
	ID           int64  `json:"id"`
	IsDeleted    bool   `json:"is_deleted"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseCommand parses raw WebSocket bytes into a typed command. It returns the
// command string, the decoded struct, and any error. ErrUnknownCommand is
// returned for command values the server does not handle.
func ParseCommand(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		cmd interface{}
		err error
	)

	switch env.Command {
	case CmdJoin:
		var c JoinCmd
		err = json.Unmarshal(env.Raw, &c)
		cmd = c
	case CmdSendFirstMessage:
		var c SendFirstMessageCmd
		err = json.Unmarshal(env.Raw, &c)
		cmd = c
	case CmdSendMessage:
		var c SendMessageCmd
		err = json.Unmarshal(env.Raw, &c)
		cmd = c
	case CmdEditMessage:
		var c EditMessageCmd
		err = json.Unmarshal(env.Raw, &c)
		cmd = c
	case CmdDeleteMessage:
		var c DeleteMessageCmd
		err = json.Unmarshal(env.Raw, &c)
		cmd = c
	default:
		return env.Command, nil, ErrUnknownCommand
	}

	if err != nil {
		return env.Command, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Command, err)
	}
	return env.Command, cmd, nil
}

// NewEvent creates a JSON-encoded byte slice for a server event. The
// responseType is injected into the payload under the "response_type" key.
func NewEvent(responseType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["response_type"] = responseType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event: %w", err)
	}
	return out, nil
}

// NewErrorEvent builds the wire bytes for an Error event with the given
// human-readable message.
func NewErrorEvent(message string) []byte {
	data, err := NewEvent(EventError, ErrorEvent{Message: message})
	if err != nil {
		// ErrorEvent marshalling cannot fail with a string message; keep a
		// hand-built fallback anyway so callers always get a frame.
		return []byte(`{"response_type":"Error","message":"internal error"}`)
	}
	return data
}
