package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/craftlink/chat-service/internal/identity"
	"github.com/craftlink/chat-service/internal/message"
	"github.com/craftlink/chat-service/internal/room"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

func seated(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: true}
}

// fakeResolver maps bearer tokens straight to accounts; an unknown token is
// anonymous.
type fakeResolver struct {
	tokens map[string]*identity.Account
}

func (f *fakeResolver) Resolve(_ context.Context, credential string) (*identity.Account, error) {
	return f.tokens[credential], nil
}

type fakeAccounts struct {
	accounts map[int64]*identity.Account
}

func (f *fakeAccounts) Get(_ context.Context, accountID int64) (*identity.Account, error) {
	if a, ok := f.accounts[accountID]; ok {
		return a, nil
	}
	return nil, identity.ErrNotFound
}

type fakeDirectory struct {
	rooms map[int64]*room.Room
}

func (f *fakeDirectory) Get(_ context.Context, roomID int64) (*room.Room, error) {
	return f.rooms[roomID], nil
}

func (f *fakeDirectory) GetForMember(_ context.Context, roomID, accountID int64) (*room.Room, error) {
	r := f.rooms[roomID]
	if r == nil || !r.HasMember(accountID) {
		return nil, nil
	}
	return r, nil
}

func (f *fakeDirectory) SetBlock(_ context.Context, r *room.Room, actingAccount int64, blocked bool) error {
	switch {
	case r.Member1.Valid && r.Member1.Int64 == actingAccount:
		r.BlockedByMember1 = blocked
	case r.Member2.Valid && r.Member2.Int64 == actingAccount:
		r.BlockedByMember2 = blocked
	default:
		return room.ErrNotMember
	}
	return nil
}

func (f *fakeDirectory) ListForMember(_ context.Context, accountID int64) ([]*room.Room, error) {
	var out []*room.Room
	for _, r := range f.rooms {
		if r.HasMember(accountID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeDirectory) ListBlockedForMember(_ context.Context, accountID int64) ([]*room.Room, error) {
	var out []*room.Room
	for _, r := range f.rooms {
		if r.HasMember(accountID) && r.Blocked() {
			out = append(out, r)
		}
	}
	return out, nil
}

type report struct {
	messageID  int64
	reportedBy int64
	reason     string
}

type fakeLedger struct {
	msgs    map[int64]*message.Message
	edits   map[int64][]*message.EditLog
	reports []report
}

func (f *fakeLedger) Get(_ context.Context, messageID int64) (*message.Message, error) {
	return f.msgs[messageID], nil
}

func (f *fakeLedger) ListForRoom(_ context.Context, roomID int64) ([]*message.Message, error) {
	var out []*message.Message
	for id := int64(1); id <= int64(len(f.msgs)); id++ {
		if m, ok := f.msgs[id]; ok && m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListEditLogs(_ context.Context, messageID int64) ([]*message.EditLog, error) {
	return f.edits[messageID], nil
}

func (f *fakeLedger) FileReport(_ context.Context, messageID, reportedBy int64, reason string) error {
	f.reports = append(f.reports, report{messageID, reportedBy, reason})
	return nil
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var (
	alice = &identity.Account{ID: 10, Username: "alice", IsCustomer: true}
	bob   = &identity.Account{ID: 20, Username: "bob", IsSkilledWorker: true}
	carol = &identity.Account{ID: 30, Username: "carol", IsCustomer: true}
)

func sharedRoom() *room.Room {
	return &room.Room{
		ID:        1,
		UID:       "room-uid-1",
		Member1:   seated(alice.ID),
		Member2:   seated(bob.ID),
		CreatedAt: time.Date(2025, time.March, 7, 14, 30, 0, 0, time.UTC),
	}
}

func newTestServer(dir *fakeDirectory, ledger *fakeLedger) *Server {
	return &Server{
		Rooms:    dir,
		Messages: ledger,
		Accounts: &fakeAccounts{accounts: map[int64]*identity.Account{
			alice.ID: alice, bob.ID: bob, carol.ID: carol,
		}},
		Resolver: &fakeResolver{tokens: map[string]*identity.Account{
			"alice-token": alice, "bob-token": bob, "carol-token": carol,
		}},
		SiteHost: "https://example.com",
	}
}

func do(t *testing.T, s *Server, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("{}")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("undecodable response body %q: %v", rec.Body.String(), err)
	}
	return payload["message"]
}

func expectDetail(t *testing.T, rec *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, status, rec.Body.String())
	}
	if got := decodeDetail(t, rec); got != msg {
		t.Errorf("message = %q, want %q", got, msg)
	}
}

func seedMessage(ledger *fakeLedger, id, sender, receiver int64, text string) *message.Message {
	m := &message.Message{
		ID:        id,
		RoomID:    1,
		Text:      text,
		Type:      message.TypeText,
		CreatedAt: time.Date(2025, time.March, 7, 14, 30, 0, 0, time.UTC),
	}
	m.Sender = seated(sender)
	m.Receiver = seated(receiver)
	ledger.msgs[id] = m
	return m
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		msgs:  make(map[int64]*message.Message),
		edits: make(map[int64][]*message.EditLog),
	}
}

// ---------------------------------------------------------------------------
// Test: authentication gate
// ---------------------------------------------------------------------------

func TestRouter_MissingToken(t *testing.T) {
	s := newTestServer(&fakeDirectory{rooms: map[int64]*room.Room{}}, newFakeLedger())
	rec := do(t, s, http.MethodGet, "/api/chat/rooms", "", "")
	expectDetail(t, rec, http.StatusUnauthorized, MsgAuthRequired)
}

func TestRouter_UnknownToken(t *testing.T) {
	s := newTestServer(&fakeDirectory{rooms: map[int64]*room.Room{}}, newFakeLedger())
	rec := do(t, s, http.MethodGet, "/api/chat/rooms", "forged", "")
	expectDetail(t, rec, http.StatusUnauthorized, MsgAuthRequired)
}

// ---------------------------------------------------------------------------
// Test: room listings
// ---------------------------------------------------------------------------

func TestListRooms(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	s := newTestServer(dir, newFakeLedger())

	rec := do(t, s, http.MethodGet, "/api/chat/rooms", "alice-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var views []struct {
		ID      int64  `json:"id"`
		RoomUID string `json:"room_uid"`
		Partner *struct {
			Username string `json:"username"`
		} `json:"partner"`
		IsBlocked bool `json:"is_blocked"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 room, got %d", len(views))
	}
	if views[0].Partner == nil || views[0].Partner.Username != "bob" {
		t.Errorf("alice's partner should be bob, got %+v", views[0].Partner)
	}
}

func TestListBlockedRooms_OnlyBlocked(t *testing.T) {
	blocked := sharedRoom()
	blocked.BlockedByMember1 = true
	open := &room.Room{ID: 2, UID: "room-uid-2", Member1: seated(alice.ID), Member2: seated(carol.ID)}
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: blocked, 2: open}}
	s := newTestServer(dir, newFakeLedger())

	rec := do(t, s, http.MethodGet, "/api/chat/rooms/blocked", "alice-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var views []struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	if len(views) != 1 || views[0].ID != 1 {
		t.Errorf("expected only the blocked room, got %+v", views)
	}
}

// ---------------------------------------------------------------------------
// Test: block / unblock
// ---------------------------------------------------------------------------

func TestBlockRoom(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	s := newTestServer(dir, newFakeLedger())

	rec := do(t, s, http.MethodPost, "/api/chat/rooms/1/block", "alice-token", "")
	expectDetail(t, rec, http.StatusOK, MsgRoomBlocked)
	if !dir.rooms[1].Blocked() {
		t.Error("room should be blocked after the call")
	}
}

func TestBlockRoom_NotFound(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	s := newTestServer(dir, newFakeLedger())

	rec := do(t, s, http.MethodPost, "/api/chat/rooms/99/block", "alice-token", "")
	expectDetail(t, rec, http.StatusNotFound, MsgRoomNotFound)
}

func TestBlockRoom_NotMember(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	s := newTestServer(dir, newFakeLedger())

	rec := do(t, s, http.MethodPost, "/api/chat/rooms/1/block", "carol-token", "")
	expectDetail(t, rec, http.StatusForbidden, MsgNotConnected)
	if dir.rooms[1].Blocked() {
		t.Error("a non-member must not block the room")
	}
}

func TestUnblockRoom(t *testing.T) {
	r := sharedRoom()
	r.BlockedByMember1 = true
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: r}}
	s := newTestServer(dir, newFakeLedger())

	rec := do(t, s, http.MethodPost, "/api/chat/rooms/1/unblock", "alice-token", "")
	expectDetail(t, rec, http.StatusOK, MsgRoomUnblocked)
	if dir.rooms[1].Blocked() {
		t.Error("room should be unblocked after the call")
	}
}

// ---------------------------------------------------------------------------
// Test: message history
// ---------------------------------------------------------------------------

func TestListMessages_Perspective(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	ledger := newFakeLedger()
	seedMessage(ledger, 1, alice.ID, bob.ID, "from alice")
	seedMessage(ledger, 2, bob.ID, alice.ID, "from bob")
	s := newTestServer(dir, ledger)

	rec := do(t, s, http.MethodGet, "/api/chat/messages?room_id=1", "alice-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var views []struct {
		ID     int64  `json:"id"`
		SendBy string `json:"send_by"`
		Sender *struct {
			Username string `json:"username"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(views))
	}
	if views[0].SendBy != "me" {
		t.Errorf("alice's own message: send_by = %q, want %q", views[0].SendBy, "me")
	}
	if views[1].SendBy != "other" {
		t.Errorf("bob's message: send_by = %q, want %q", views[1].SendBy, "other")
	}
	if views[1].Sender == nil || views[1].Sender.Username != "bob" {
		t.Errorf("expected sender bob, got %+v", views[1].Sender)
	}
}

func TestListMessages_InvalidRoomParam(t *testing.T) {
	s := newTestServer(&fakeDirectory{rooms: map[int64]*room.Room{}}, newFakeLedger())
	rec := do(t, s, http.MethodGet, "/api/chat/messages?room_id=abc", "alice-token", "")
	expectDetail(t, rec, http.StatusBadRequest, MsgInvalidRoomID)
}

func TestListMessages_ForeignRoom(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	s := newTestServer(dir, newFakeLedger())

	rec := do(t, s, http.MethodGet, "/api/chat/messages?room_id=1", "carol-token", "")
	expectDetail(t, rec, http.StatusNotFound, MsgInvalidRoomID)
}

// ---------------------------------------------------------------------------
// Test: edit history
// ---------------------------------------------------------------------------

func TestListEditLogs(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	ledger := newFakeLedger()
	seedMessage(ledger, 1, alice.ID, bob.ID, "final")
	ledger.edits[1] = []*message.EditLog{
		{ID: 1, PreviousText: "first", NewText: "second", CreatedAt: time.Date(2025, time.March, 7, 15, 0, 0, 0, time.UTC)},
		{ID: 2, PreviousText: "second", NewText: "final", CreatedAt: time.Date(2025, time.March, 7, 15, 5, 0, 0, time.UTC)},
	}
	s := newTestServer(dir, ledger)

	rec := do(t, s, http.MethodGet, "/api/chat/messages/1/edits", "bob-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var views []struct {
		PreviousText string `json:"previous_text"`
		NewText      string `json:"new_text"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 edit logs, got %d", len(views))
	}
	if views[0].PreviousText != "first" || views[1].NewText != "final" {
		t.Errorf("unexpected edit logs: %+v", views)
	}
}

func TestListEditLogs_ForeignRoom(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	ledger := newFakeLedger()
	seedMessage(ledger, 1, alice.ID, bob.ID, "hi")
	s := newTestServer(dir, ledger)

	rec := do(t, s, http.MethodGet, "/api/chat/messages/1/edits", "carol-token", "")
	expectDetail(t, rec, http.StatusForbidden, MsgNotConnected)
}

// ---------------------------------------------------------------------------
// Test: reports
// ---------------------------------------------------------------------------

func TestReportMessage_ReceiverSucceeds(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	ledger := newFakeLedger()
	seedMessage(ledger, 1, alice.ID, bob.ID, "rude")
	s := newTestServer(dir, ledger)

	rec := do(t, s, http.MethodPost, "/api/chat/messages/1/report", "bob-token", `{"reason":"abusive"}`)
	expectDetail(t, rec, http.StatusCreated, MsgReportSubmitted)

	if len(ledger.reports) != 1 {
		t.Fatalf("expected 1 report filed, got %d", len(ledger.reports))
	}
	got := ledger.reports[0]
	if got.messageID != 1 || got.reportedBy != bob.ID || got.reason != "abusive" {
		t.Errorf("unexpected report: %+v", got)
	}
}

func TestReportMessage_ReasonRequired(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	ledger := newFakeLedger()
	seedMessage(ledger, 1, alice.ID, bob.ID, "rude")
	s := newTestServer(dir, ledger)

	for _, body := range []string{`{}`, `{"reason":""}`, `{"reason":"   "}`} {
		rec := do(t, s, http.MethodPost, "/api/chat/messages/1/report", "bob-token", body)
		expectDetail(t, rec, http.StatusBadRequest, MsgReasonRequired)
	}
	if len(ledger.reports) != 0 {
		t.Errorf("no report should be filed without a reason, got %d", len(ledger.reports))
	}
}

func TestReportMessage_OnlyReceiverMayReport(t *testing.T) {
	dir := &fakeDirectory{rooms: map[int64]*room.Room{1: sharedRoom()}}
	ledger := newFakeLedger()
	seedMessage(ledger, 1, alice.ID, bob.ID, "rude")
	s := newTestServer(dir, ledger)

	// The sender reporting their own message is rejected, as is any third
	// party.
	for _, token := range []string{"alice-token", "carol-token"} {
		rec := do(t, s, http.MethodPost, "/api/chat/messages/1/report", token, `{"reason":"abusive"}`)
		expectDetail(t, rec, http.StatusBadRequest, MsgNotReceiver)
	}
	if len(ledger.reports) != 0 {
		t.Errorf("no report should be filed, got %d", len(ledger.reports))
	}
}

func TestReportMessage_UnknownMessage(t *testing.T) {
	s := newTestServer(&fakeDirectory{rooms: map[int64]*room.Room{}}, newFakeLedger())
	rec := do(t, s, http.MethodPost, "/api/chat/messages/42/report", "bob-token", `{"reason":"abusive"}`)
	expectDetail(t, rec, http.StatusNotFound, MsgInvalidMessage)
}
