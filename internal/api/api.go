// Package api exposes the REST companion to the WebSocket protocol: room
// listings, block/unblock, message history, and message reports. All routes
// require an authenticated bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/craftlink/chat-service/internal/blob"
	"github.com/craftlink/chat-service/internal/identity"
	"github.com/craftlink/chat-service/internal/logger"
	"github.com/craftlink/chat-service/internal/message"
	"github.com/craftlink/chat-service/internal/metrics"
	"github.com/craftlink/chat-service/internal/room"
)

// Response messages shared with existing clients; the wording is fixed.
const (
	MsgRoomBlocked     = "Chat Room is blocked successfully."
	MsgRoomUnblocked   = "Chat Room is unblocked successfully."
	MsgRoomNotFound    = "Chat Room not found for this room id"
	MsgNotConnected    = "You are not connected with this chat room"
	MsgInvalidMessage  = "Invalid message ID!"
	MsgReportSubmitted = "Message is reported successfully."
	MsgAuthRequired    = "Authentication credentials were not provided."
	MsgInvalidRoomID   = "Invalid Room ID!"
	MsgReasonRequired  = "Reason is required!"
	MsgNotReceiver     = "Your are not a receiver of this message. Only message receiver can report a message"
)

const (
	dateFormat = "02 Jan, 2006"
	timeFormat = "03:04 PM"
)

// RoomDirectory is the slice of room.Directory the handlers use.
type RoomDirectory interface {
	Get(ctx context.Context, roomID int64) (*room.Room, error)
	GetForMember(ctx context.Context, roomID, accountID int64) (*room.Room, error)
	SetBlock(ctx context.Context, room *room.Room, actingAccount int64, blocked bool) error
	ListForMember(ctx context.Context, accountID int64) ([]*room.Room, error)
	ListBlockedForMember(ctx context.Context, accountID int64) ([]*room.Room, error)
}

// MessageLedger is the slice of message.Ledger the handlers use.
type MessageLedger interface {
	Get(ctx context.Context, messageID int64) (*message.Message, error)
	ListForRoom(ctx context.Context, roomID int64) ([]*message.Message, error)
	ListEditLogs(ctx context.Context, messageID int64) ([]*message.EditLog, error)
	FileReport(ctx context.Context, messageID, reportedBy int64, reason string) error
}

// Server holds the REST handlers' collaborators.
type Server struct {
	Rooms    RoomDirectory
	Messages MessageLedger
	Accounts identity.Lookup
	Resolver identity.Resolver
	SiteHost string
}

// Router builds the chi router with auth applied to every /api route. The
// Prometheus scrape endpoint is mounted unauthenticated.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(s.requireAccount)
		r.Get("/rooms", s.listRooms)
		r.Get("/rooms/blocked", s.listBlockedRooms)
		r.Post("/rooms/{roomID}/block", s.blockRoom)
		r.Post("/rooms/{roomID}/unblock", s.unblockRoom)
		r.Get("/messages", s.listMessages)
		r.Get("/messages/{messageID}/edits", s.listEditLogs)
		r.Post("/messages/{messageID}/report", s.reportMessage)
	})

	return r
}

// ---------------------------------------------------------------------------
// Auth middleware
// ---------------------------------------------------------------------------

type contextKey string

const accountKey contextKey = "account"

func contextWithAccount(ctx context.Context, a *identity.Account) context.Context {
	return context.WithValue(ctx, accountKey, a)
}

func accountFrom(ctx context.Context) *identity.Account {
	a, _ := ctx.Value(accountKey).(*identity.Account)
	return a
}

// requireAccount resolves the bearer token and rejects requests without a
// valid account. The resolved account rides on the request context.
func (s *Server) requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := s.Resolver.Resolve(r.Context(), bearerToken(r))
		if err != nil {
			logger.Component("api").Error().Err(err).Msg("resolve credential")
			writeJSON(w, http.StatusInternalServerError, detail("internal error"))
			return
		}
		if account == nil {
			writeJSON(w, http.StatusUnauthorized, detail(MsgAuthRequired))
			return
		}
		ctx := contextWithAccount(r.Context(), account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ---------------------------------------------------------------------------
// Room listings
// ---------------------------------------------------------------------------

type partnerView struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	ProfilePic string `json:"profile_pic"`
}

type roomView struct {
	ID        int64        `json:"id"`
	RoomUID   string       `json:"room_uid"`
	Partner   *partnerView `json:"partner"`
	IsBlocked bool         `json:"is_blocked"`
	CreatedAt string       `json:"created_at"`
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	rooms, err := s.Rooms.ListForMember(r.Context(), account.ID)
	if err != nil {
		s.serverError(w, err, "list rooms")
		return
	}
	writeJSON(w, http.StatusOK, s.roomViews(r, rooms, account.ID))
}

func (s *Server) listBlockedRooms(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	rooms, err := s.Rooms.ListBlockedForMember(r.Context(), account.ID)
	if err != nil {
		s.serverError(w, err, "list blocked rooms")
		return
	}
	writeJSON(w, http.StatusOK, s.roomViews(r, rooms, account.ID))
}

func (s *Server) roomViews(r *http.Request, rooms []*room.Room, viewerID int64) []roomView {
	views := make([]roomView, 0, len(rooms))
	for _, rm := range rooms {
		v := roomView{
			ID:        rm.ID,
			RoomUID:   rm.UID,
			IsBlocked: rm.Blocked(),
			CreatedAt: rm.CreatedAt.Format(dateFormat),
		}
		if partnerID, err := rm.Partner(viewerID); err == nil {
			if acct, err := s.Accounts.Get(r.Context(), partnerID); err == nil {
				v.Partner = &partnerView{
					ID:         acct.ID,
					Username:   acct.Username,
					ProfilePic: acct.ProfileImage,
				}
			}
		}
		views = append(views, v)
	}
	return views
}

// ---------------------------------------------------------------------------
// Block / unblock
// ---------------------------------------------------------------------------

func (s *Server) blockRoom(w http.ResponseWriter, r *http.Request) {
	s.setBlock(w, r, true, MsgRoomBlocked)
}

func (s *Server) unblockRoom(w http.ResponseWriter, r *http.Request) {
	s.setBlock(w, r, false, MsgRoomUnblocked)
}

// setBlock distinguishes a missing room from one the caller is not a member
// of; both outcomes have fixed client-facing messages.
func (s *Server) setBlock(w http.ResponseWriter, r *http.Request, blocked bool, okMsg string) {
	account := accountFrom(r.Context())

	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detail(MsgRoomNotFound))
		return
	}

	rm, err := s.Rooms.Get(r.Context(), roomID)
	if err != nil {
		s.serverError(w, err, "get room")
		return
	}
	if rm == nil {
		writeJSON(w, http.StatusNotFound, detail(MsgRoomNotFound))
		return
	}
	if !rm.HasMember(account.ID) {
		writeJSON(w, http.StatusForbidden, detail(MsgNotConnected))
		return
	}

	if err := s.Rooms.SetBlock(r.Context(), rm, account.ID, blocked); err != nil {
		if errors.Is(err, room.ErrNotMember) {
			writeJSON(w, http.StatusForbidden, detail(MsgNotConnected))
			return
		}
		s.serverError(w, err, "set block")
		return
	}

	writeJSON(w, http.StatusOK, detail(okMsg))
}

// ---------------------------------------------------------------------------
// Message history
// ---------------------------------------------------------------------------

type messageView struct {
	ID              int64        `json:"id"`
	Sender          *partnerView `json:"sender"`
	SendBy          string       `json:"send_by"`
	TextMessage     string       `json:"text_message"`
	MessageType     string       `json:"message_type"`
	AttachmentLinks []string     `json:"attachment_links"`
	Voice           string       `json:"voice"`
	IsDeleted       bool         `json:"is_deleted"`
	CreatedAt       struct {
		Date string `json:"date"`
		Time string `json:"time"`
	} `json:"created_at"`
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	roomID, err := strconv.ParseInt(r.URL.Query().Get("room_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detail(MsgInvalidRoomID))
		return
	}

	rm, err := s.Rooms.GetForMember(r.Context(), roomID, account.ID)
	if err != nil {
		s.serverError(w, err, "get room")
		return
	}
	if rm == nil {
		writeJSON(w, http.StatusNotFound, detail(MsgInvalidRoomID))
		return
	}

	msgs, err := s.Messages.ListForRoom(r.Context(), rm.ID)
	if err != nil {
		s.serverError(w, err, "list messages")
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		v := messageView{
			ID:              m.ID,
			SendBy:          "other",
			TextMessage:     m.Text,
			MessageType:     m.Type,
			AttachmentLinks: blob.QualifyAll(s.SiteHost, m.AttachmentLinks),
			Voice:           blob.Qualify(s.SiteHost, m.Voice),
			IsDeleted:       m.IsDeleted,
		}
		v.CreatedAt.Date = m.CreatedAt.Format(dateFormat)
		v.CreatedAt.Time = m.CreatedAt.Format(timeFormat)
		if m.Sender.Valid {
			if m.Sender.Int64 == account.ID {
				v.SendBy = "me"
			}
			if acct, err := s.Accounts.Get(r.Context(), m.Sender.Int64); err == nil {
				v.Sender = &partnerView{
					ID:         acct.ID,
					Username:   acct.Username,
					ProfilePic: acct.ProfileImage,
				}
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

type editLogView struct {
	ID           int64  `json:"id"`
	PreviousText string `json:"previous_text"`
	NewText      string `json:"new_text"`
	CreatedAt    string `json:"created_at"`
}

// listEditLogs returns the edit history of a message to the members of its
// room, oldest edit first.
func (s *Server) listEditLogs(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	messageID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detail(MsgInvalidMessage))
		return
	}

	m, err := s.Messages.Get(r.Context(), messageID)
	if err != nil {
		s.serverError(w, err, "get message")
		return
	}
	if m == nil {
		writeJSON(w, http.StatusNotFound, detail(MsgInvalidMessage))
		return
	}

	rm, err := s.Rooms.GetForMember(r.Context(), m.RoomID, account.ID)
	if err != nil {
		s.serverError(w, err, "get room")
		return
	}
	if rm == nil {
		writeJSON(w, http.StatusForbidden, detail(MsgNotConnected))
		return
	}

	logs, err := s.Messages.ListEditLogs(r.Context(), messageID)
	if err != nil {
		s.serverError(w, err, "list edit logs")
		return
	}

	views := make([]editLogView, 0, len(logs))
	for _, l := range logs {
		views = append(views, editLogView{
			ID:           l.ID,
			PreviousText: l.PreviousText,
			NewText:      l.NewText,
			CreatedAt:    l.CreatedAt.Format(dateFormat + " " + timeFormat),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func (s *Server) reportMessage(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	messageID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, detail(MsgInvalidMessage))
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, detail("invalid request body"))
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		writeJSON(w, http.StatusBadRequest, detail(MsgReasonRequired))
		return
	}

	m, err := s.Messages.Get(r.Context(), messageID)
	if err != nil {
		s.serverError(w, err, "get message")
		return
	}
	if m == nil {
		writeJSON(w, http.StatusNotFound, detail(MsgInvalidMessage))
		return
	}

	// Only the account the message was sent to may report it.
	if !m.Receiver.Valid || m.Receiver.Int64 != account.ID {
		writeJSON(w, http.StatusBadRequest, detail(MsgNotReceiver))
		return
	}

	if err := s.Messages.FileReport(r.Context(), messageID, account.ID, body.Reason); err != nil {
		s.serverError(w, err, "file report")
		return
	}
	writeJSON(w, http.StatusCreated, detail(MsgReportSubmitted))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) serverError(w http.ResponseWriter, err error, op string) {
	logger.Component("api").Error().Err(err).Msg(op + " failed")
	writeJSON(w, http.StatusInternalServerError, detail("internal error"))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func detail(msg string) map[string]string {
	return map[string]string{"message": msg}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
