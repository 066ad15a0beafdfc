// Package session implements the per-connection protocol state machine. One
// Session exists per live socket; it authenticates on first command, tracks
// the single currently joined room, translates commands into Room Directory
// and Message Ledger operations, and fans results out through the broadcast
// fabric with per-recipient perspective tags.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/craftlink/chat-service/internal/blob"
	"github.com/craftlink/chat-service/internal/broadcast"
	"github.com/craftlink/chat-service/internal/identity"
	"github.com/craftlink/chat-service/internal/logger"
	"github.com/craftlink/chat-service/internal/message"
	"github.com/craftlink/chat-service/internal/metrics"
	"github.com/craftlink/chat-service/internal/protocol"
	"github.com/craftlink/chat-service/internal/ratelimit"
	"github.com/craftlink/chat-service/internal/room"
)

// Client-facing error messages. The wording is part of the wire contract.
const (
	MsgAuthRequired   = "Authentication is required."
	MsgInvalidRoom    = "Invalid Room ID!"
	MsgInvalidPartner = "Invalid Room partner ID!"
	MsgSameCategory   = "Two skilled worker or two customer can't chat together"
	MsgRoomBlocked    = "Chat Room is already blocked"
	MsgInvalidMessage = "Invalid message ID!"
	MsgTooFast        = "You are sending messages too fast"
	MsgServerError    = "Something went wrong"
)

// Perspective tags for new_message events.
const (
	SendByMe    = "me"
	SendByOther = "other"
)

// Event date formats: day-month-year and a 12-hour clock with AM/PM.
const (
	dateFormat = "02 Jan, 2006"
	timeFormat = "03:04 PM"
)

// RoomDirectory is the Room Directory surface the session needs.
type RoomDirectory interface {
	GetOrCreate(ctx context.Context, a, b int64) (*room.Room, error)
	GetForMember(ctx context.Context, roomID, accountID int64) (*room.Room, error)
}

// MessageLedger is the Message Ledger surface the session needs.
type MessageLedger interface {
	Append(ctx context.Context, m *message.Message) error
	Edit(ctx context.Context, messageID, senderID int64, newText string) (*message.Message, error)
	SoftDelete(ctx context.Context, roomID, messageID, senderID int64) (bool, error)
	CountVoice(ctx context.Context, roomID, senderID int64) (int, error)
}

// MediaProcessor runs the attachment and voice pipelines.
type MediaProcessor interface {
	Attachments(ctx context.Context, folder string, links []string, emit func(msg string)) []string
	Voice(ctx context.Context, folder, dataURI string, countVoice func(ctx context.Context) (int, error), emit func(msg string)) string
}

// Presence records which room a connection currently has joined.
type Presence interface {
	SetRoom(ctx context.Context, connID string, roomID int64) error
}

// SendLimiter throttles message sends per account.
type SendLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Service bundles the collaborators shared by every session on this server.
type Service struct {
	Rooms    RoomDirectory
	Messages MessageLedger
	Accounts identity.Lookup
	Fabric   broadcast.Fabric
	Media    MediaProcessor
	Presence Presence    // optional
	Limiter  SendLimiter // optional
	SiteHost string
}

// Session is the state machine bound to one open socket. Frames from one
// connection are processed strictly in arrival order by the transport layer,
// so command handlers never run concurrently with each other; only Forward
// (fabric delivery) runs on a different goroutine and touches no mutable
// session state.
type Session struct {
	svc     *Service
	connID  string
	account *identity.Account // nil for anonymous connections
	send    func(data []byte) error

	roomID  int64  // current joined room, 0 when none
	roomUID string // its external identifier
}

// New creates the session for one admitted connection. account is nil when
// the connection-time credential was absent or invalid.
func New(svc *Service, connID string, account *identity.Account, send func(data []byte) error) *Session {
	return &Session{svc: svc, connID: connID, account: account, send: send}
}

// HandleFrame processes one inbound command frame. The returned error is
// non-nil only for undecodable frames, which the transport treats as fatal
// for the connection.
func (s *Session) HandleFrame(ctx context.Context, data []byte) error {
	cmdName, cmd, err := protocol.ParseCommand(data)
	if errors.Is(err, protocol.ErrUnknownCommand) {
		// Unrecognized commands are dropped without an error reply.
		return nil
	}
	if err != nil {
		return err
	}

	// Authentication is checked per command, not at the handshake.
	if s.account == nil {
		s.sendError(MsgAuthRequired)
		return nil
	}

	metrics.CommandsTotal.WithLabelValues(cmdName).Inc()

	switch c := cmd.(type) {
	case protocol.JoinCmd:
		s.handleJoin(ctx, int64(c.RoomID))
	case protocol.SendFirstMessageCmd:
		s.handleSendFirstMessage(ctx, c)
	case protocol.SendMessageCmd:
		s.handleSendMessage(ctx, c)
	case protocol.EditMessageCmd:
		s.handleEditMessage(ctx, c)
	case protocol.DeleteMessageCmd:
		s.handleDeleteMessage(ctx, c)
	}
	return nil
}

// Close releases the session's room subscription. It must run on every exit
// path, including abnormal closes; unsubscribing with no subscription is a
// no-op.
func (s *Session) Close() {
	if err := s.svc.Fabric.Unsubscribe(s.connID); err != nil {
		logger.Component("session").Warn().Err(err).Str("conn", s.connID).Msg("unsubscribe on close")
	}
	s.roomID = 0
	s.roomUID = ""
}

// RoomID returns the currently joined room id, 0 when none.
func (s *Session) RoomID() int64 {
	return s.roomID
}

// ---------------------------------------------------------------------------
// Command handlers
// ---------------------------------------------------------------------------

func (s *Session) handleJoin(ctx context.Context, roomID int64) {
	r, err := s.resolveRoom(ctx, roomID)
	if r == nil || err != nil {
		return
	}
	s.joinRoom(ctx, r)
}

func (s *Session) handleSendFirstMessage(ctx context.Context, c protocol.SendFirstMessageCmd) {
	partner, err := s.svc.Accounts.Get(ctx, int64(c.PartnerID))
	if errors.Is(err, identity.ErrNotFound) {
		s.sendError(MsgInvalidPartner)
		return
	}
	if err != nil {
		s.serverError(err, "resolve partner")
		return
	}

	r, err := s.svc.Rooms.GetOrCreate(ctx, s.account.ID, partner.ID)
	if err != nil {
		s.serverError(err, "get or create room")
		return
	}

	if s.roomID != r.ID {
		s.joinRoom(ctx, r)
	}

	// The policy check runs after the lazy room creation; a disallowed pair
	// may leave behind a room with zero messages. That is deliberate.
	if !identity.CanChat(s.account, partner) {
		s.sendError(MsgSameCategory)
		return
	}

	s.doSend(ctx, r, c.TextMessage, c.AttachmentLinks, c.VoiceFile)
}

func (s *Session) handleSendMessage(ctx context.Context, c protocol.SendMessageCmd) {
	r, err := s.resolveRoom(ctx, int64(c.RoomID))
	if r == nil || err != nil {
		return
	}
	if s.roomID != r.ID {
		s.joinRoom(ctx, r)
	}
	s.doSend(ctx, r, c.TextMessage, c.AttachmentLinks, c.VoiceFile)
}

func (s *Session) handleEditMessage(ctx context.Context, c protocol.EditMessageCmd) {
	r, err := s.resolveRoom(ctx, int64(c.RoomID))
	if r == nil || err != nil {
		return
	}
	if s.roomID != r.ID {
		s.joinRoom(ctx, r)
	}

	if r.Blocked() {
		s.sendError(MsgRoomBlocked)
		return
	}

	// Clearing a message through an edit is silently dropped.
	if strings.TrimSpace(c.TextMessage) == "" {
		return
	}

	m, err := s.svc.Messages.Edit(ctx, int64(c.MessageID), s.account.ID, message.ClampText(c.TextMessage))
	if err != nil {
		s.serverError(err, "edit message")
		return
	}
	if m == nil {
		s.sendError(MsgInvalidMessage)
		return
	}

	s.publish(r, protocol.EventEditedMessage, protocol.EditedMessageEvent{
		ID:              m.ID,
		TextMessage:     m.Text,
		MessageType:     m.Type,
		AttachmentLinks: blob.QualifyAll(s.svc.SiteHost, m.AttachmentLinks),
		Voice:           blob.Qualify(s.svc.SiteHost, m.Voice),
	})
}

func (s *Session) handleDeleteMessage(ctx context.Context, c protocol.DeleteMessageCmd) {
	r, err := s.resolveRoom(ctx, int64(c.RoomID))
	if r == nil || err != nil {
		return
	}
	if s.roomID != r.ID {
		s.joinRoom(ctx, r)
	}

	ok, err := s.svc.Messages.SoftDelete(ctx, r.ID, int64(c.MessageID), s.account.ID)
	if err != nil {
		s.serverError(err, "delete message")
		return
	}
	if !ok {
		s.sendError(MsgInvalidMessage)
		return
	}

	s.publish(r, protocol.EventDeletedMessage, protocol.DeletedMessageEvent{
		ID:        int64(c.MessageID),
		IsDeleted: true,
	})
}

// ---------------------------------------------------------------------------
// Send path
// ---------------------------------------------------------------------------

func (s *Session) doSend(ctx context.Context, r *room.Room, text string, attachments []string, voice string) {
	started := time.Now()

	if s.svc.Limiter != nil {
		allowed, _ := s.svc.Limiter.Allow(ctx, idKey(s.account.ID), ratelimit.RuleSend)
		if !allowed {
			s.sendError(MsgTooFast)
			return
		}
	}

	if r.Blocked() {
		s.sendError(MsgRoomBlocked)
		return
	}

	// Attachments and voice are processed independently; a failing item
	// surfaces its own Error event and the send proceeds with what survived.
	var urls []string
	if len(attachments) > 0 {
		urls = s.svc.Media.Attachments(ctx, r.UID, attachments, s.sendError)
	}

	var voiceURL string
	if voice != "" {
		voiceURL = s.svc.Media.Voice(ctx, r.UID, voice, func(ctx context.Context) (int, error) {
			return s.svc.Messages.CountVoice(ctx, r.ID, s.account.ID)
		}, s.sendError)
	}

	// Whitespace-only text is treated as absent.
	if strings.TrimSpace(text) == "" {
		text = ""
	}
	text = message.ClampText(text)
	if text == "" && len(urls) == 0 && voiceURL == "" {
		return
	}

	m := &message.Message{
		RoomID:          r.ID,
		Text:            text,
		Type:            message.DeriveType(text, urls, voiceURL),
		AttachmentLinks: urls,
		Voice:           voiceURL,
	}
	m.Sender.Int64, m.Sender.Valid = s.account.ID, true
	if partnerID, err := r.Partner(s.account.ID); err == nil {
		m.Receiver.Int64, m.Receiver.Valid = partnerID, true
	}

	if err := s.svc.Messages.Append(ctx, m); err != nil {
		s.serverError(err, "append message")
		return
	}

	s.publish(r, protocol.EventNewMessage, protocol.NewMessageEvent{
		ID: m.ID,
		Sender: protocol.Sender{
			ID:         s.account.ID,
			Username:   s.account.Username,
			ProfilePic: s.account.ProfileImage,
		},
		SendBy:          SendByMe, // rewritten per recipient on delivery
		TextMessage:     m.Text,
		MessageType:     m.Type,
		AttachmentLinks: blob.QualifyAll(s.svc.SiteHost, m.AttachmentLinks),
		Voice:           blob.Qualify(s.svc.SiteHost, m.Voice),
		CreatedAt: protocol.CreatedAt{
			Date: m.CreatedAt.Format(dateFormat),
			Time: m.CreatedAt.Format(timeFormat),
		},
	})

	metrics.SendLatency.Observe(time.Since(started).Seconds())
}

// ---------------------------------------------------------------------------
// Room membership
// ---------------------------------------------------------------------------

// resolveRoom loads the room scoped to the requesting account, replying with
// the invalid-room error when it is missing or foreign.
func (s *Session) resolveRoom(ctx context.Context, roomID int64) (*room.Room, error) {
	r, err := s.svc.Rooms.GetForMember(ctx, roomID, s.account.ID)
	if err != nil {
		s.serverError(err, "resolve room")
		return nil, err
	}
	if r == nil {
		s.sendError(MsgInvalidRoom)
		return nil, nil
	}
	return r, nil
}

// joinRoom replaces the session's single active subscription with the new
// room's channel. Subscribe drops the old subscription atomically, so stale
// subscriptions never accumulate across re-joins.
func (s *Session) joinRoom(ctx context.Context, r *room.Room) {
	if err := s.svc.Fabric.Subscribe(broadcast.ChannelName(r.UID), s.connID, s.Forward); err != nil {
		s.serverError(err, "subscribe room")
		return
	}
	s.roomID = r.ID
	s.roomUID = r.UID

	if s.svc.Presence != nil {
		if err := s.svc.Presence.SetRoom(ctx, s.connID, r.ID); err != nil {
			logger.Component("session").Warn().Err(err).Str("conn", s.connID).Msg("presence update failed")
		}
	}
}

// ---------------------------------------------------------------------------
// Event delivery
// ---------------------------------------------------------------------------

// Forward delivers one published event to this session's socket. new_message
// events get their perspective tag rewritten for this recipient: "me" when
// this session's account authored the message, "other" otherwise.
func (s *Session) Forward(event []byte) {
	var head struct {
		ResponseType string `json:"response_type"`
		Sender       struct {
			ID int64 `json:"id"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(event, &head); err != nil {
		logger.Component("session").Warn().Err(err).Str("conn", s.connID).Msg("bad event on channel")
		return
	}

	if head.ResponseType == protocol.EventNewMessage {
		var m map[string]interface{}
		if err := json.Unmarshal(event, &m); err == nil {
			sendBy := SendByOther
			if s.account != nil && s.account.ID == head.Sender.ID {
				sendBy = SendByMe
			}
			m["send_by"] = sendBy
			if patched, err := json.Marshal(m); err == nil {
				event = patched
			}
		}
	}

	if err := s.send(event); err != nil {
		logger.Component("session").Warn().Err(err).Str("conn", s.connID).Msg("forward failed")
		return
	}
	metrics.EventsDelivered.Inc()
}

// publish encodes the event payload and publishes it on the room's channel.
func (s *Session) publish(r *room.Room, responseType string, payload interface{}) {
	data, err := protocol.NewEvent(responseType, payload)
	if err != nil {
		s.serverError(err, "encode event")
		return
	}
	if err := s.svc.Fabric.Publish(broadcast.ChannelName(r.UID), data); err != nil {
		s.serverError(err, "publish event")
		return
	}
	metrics.EventsPublished.WithLabelValues(responseType).Inc()
}

// ---------------------------------------------------------------------------
// Error replies
// ---------------------------------------------------------------------------

func (s *Session) sendError(msg string) {
	metrics.ErrorsTotal.WithLabelValues(msg).Inc()
	if err := s.send(protocol.NewErrorEvent(msg)); err != nil {
		logger.Component("session").Warn().Err(err).Str("conn", s.connID).Msg("error reply failed")
	}
}

// serverError logs an infrastructure failure and surfaces it as a generic
// Error event; collaborator failures never crash the session.
func (s *Session) serverError(err error, op string) {
	logger.Component("session").Error().Err(err).Str("conn", s.connID).Msg(op + " failed")
	s.sendError(MsgServerError)
}

func idKey(accountID int64) string {
	return strconv.FormatInt(accountID, 10)
}
