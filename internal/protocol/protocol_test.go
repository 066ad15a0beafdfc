package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join command
// ---------------------------------------------------------------------------

func TestParseCommand_Join(t *testing.T) {
	input := []byte(`{"command":"join","room_id":42}`)

	cmdName, cmd, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmdName != CmdJoin {
		t.Fatalf("expected command %q, got %q", CmdJoin, cmdName)
	}

	jc, ok := cmd.(JoinCmd)
	if !ok {
		t.Fatalf("expected JoinCmd, got %T", cmd)
	}
	if jc.RoomID != 42 {
		t.Errorf("expected room_id 42, got %d", jc.RoomID)
	}
}

// ---------------------------------------------------------------------------
// Test: IDs arrive both as JSON numbers and as strings
// ---------------------------------------------------------------------------

func TestParseCommand_StringID(t *testing.T) {
	input := []byte(`{"command":"join","room_id":"17"}`)

	_, cmd, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jc := cmd.(JoinCmd); jc.RoomID != 17 {
		t.Errorf("expected room_id 17, got %d", jc.RoomID)
	}
}

func TestID_InvalidString(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`"abc"`), &id); err == nil {
		t.Fatal("expected error for non-numeric string id")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a send_message command with media
// ---------------------------------------------------------------------------

func TestParseCommand_SendMessage(t *testing.T) {
	input := []byte(`{
		"command": "send_message",
		"room_id": 7,
		"text_message": "hello",
		"attachment_links": ["data:image/png;base64,AAAA"],
		"voice_file": ""
	}`)

	cmdName, cmd, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmdName != CmdSendMessage {
		t.Fatalf("expected command %q, got %q", CmdSendMessage, cmdName)
	}

	sm, ok := cmd.(SendMessageCmd)
	if !ok {
		t.Fatalf("expected SendMessageCmd, got %T", cmd)
	}
	if sm.RoomID != 7 {
		t.Errorf("expected room_id 7, got %d", sm.RoomID)
	}
	if sm.TextMessage != "hello" {
		t.Errorf("expected text %q, got %q", "hello", sm.TextMessage)
	}
	if len(sm.AttachmentLinks) != 1 {
		t.Errorf("expected 1 attachment, got %d", len(sm.AttachmentLinks))
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing send_first_message and the audit commands
// ---------------------------------------------------------------------------

func TestParseCommand_SendFirstMessage(t *testing.T) {
	input := []byte(`{"command":"send_first_message","partner_id":"9","text_message":"hi"}`)

	_, cmd, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fm, ok := cmd.(SendFirstMessageCmd)
	if !ok {
		t.Fatalf("expected SendFirstMessageCmd, got %T", cmd)
	}
	if fm.PartnerID != 9 {
		t.Errorf("expected partner_id 9, got %d", fm.PartnerID)
	}
}

func TestParseCommand_EditMessage(t *testing.T) {
	input := []byte(`{"command":"edit_message","room_id":3,"message_id":11,"text_message":"fixed"}`)

	_, cmd, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ec, ok := cmd.(EditMessageCmd)
	if !ok {
		t.Fatalf("expected EditMessageCmd, got %T", cmd)
	}
	if ec.MessageID != 11 || ec.RoomID != 3 {
		t.Errorf("unexpected ids: room=%d message=%d", ec.RoomID, ec.MessageID)
	}
}

func TestParseCommand_DeleteMessage(t *testing.T) {
	input := []byte(`{"command":"delete_message","room_id":3,"message_id":11}`)

	_, cmd, err := ParseCommand(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cmd.(DeleteMessageCmd); !ok {
		t.Fatalf("expected DeleteMessageCmd, got %T", cmd)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown commands and malformed frames
// ---------------------------------------------------------------------------

func TestParseCommand_Unknown(t *testing.T) {
	_, _, err := ParseCommand([]byte(`{"command":"dance"}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestParseCommand_InvalidJSON(t *testing.T) {
	_, _, err := ParseCommand([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if errors.Is(err, ErrUnknownCommand) {
		t.Fatal("invalid JSON must not be reported as an unknown command")
	}
}

// ---------------------------------------------------------------------------
// Test: NewEvent injects the response_type discriminator
// ---------------------------------------------------------------------------

func TestNewEvent_InjectsResponseType(t *testing.T) {
	data, err := NewEvent(EventNewMessage, NewMessageEvent{
		ID:          5,
		SendBy:      "me",
		TextMessage: "hey",
		MessageType: "text",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if decoded["response_type"] != EventNewMessage {
		t.Errorf("expected response_type %q, got %v", EventNewMessage, decoded["response_type"])
	}
	if decoded["text_message"] != "hey" {
		t.Errorf("expected text_message %q, got %v", "hey", decoded["text_message"])
	}
}

func TestNewErrorEvent(t *testing.T) {
	data := NewErrorEvent("Invalid Room ID!")

	var decoded ErrorEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if decoded.ResponseType != EventError {
		t.Errorf("expected response_type %q, got %q", EventError, decoded.ResponseType)
	}
	if decoded.Message != "Invalid Room ID!" {
		t.Errorf("expected message %q, got %q", "Invalid Room ID!", decoded.Message)
	}
}
