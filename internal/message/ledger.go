// Package message is the Message Ledger: it owns chat_messages, the
// append-only chat_message_edit_logs audit trail, and chat_message_reports.
// Messages are never physically removed; deletion sets the is_deleted flag
// and retains the row and its edit history.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Message types. Exactly one applies per message, chosen by DeriveType.
const (
	TypeText               = "text"
	TypeAttachments        = "attachments"
	TypeTextAndAttachments = "text_and_attachments"
	TypeVoice              = "voice"
)

// MaxTextLen bounds the text body of a message and of an edit.
const MaxTextLen = 140

// ClampText truncates text to MaxTextLen characters. The limit counts runes,
// not bytes, so a multibyte tail is never split.
func ClampText(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxTextLen {
		return text
	}
	return string(runes[:MaxTextLen])
}

// DeriveType picks the message type by explicit priority: voice wins over
// everything, then text+attachments, then attachments, then text.
func DeriveType(text string, attachments []string, voice string) string {
	switch {
	case voice != "":
		return TypeVoice
	case strings.TrimSpace(text) != "" && len(attachments) > 0:
		return TypeTextAndAttachments
	case len(attachments) > 0:
		return TypeAttachments
	default:
		return TypeText
	}
}

// Message is one ledger row. Sender and Receiver are nullable for the same
// reason room seats are: account removal leaves a dangling reference.
type Message struct {
	ID              int64
	UID             string
	RoomID          int64
	Sender          sql.NullInt64
	Receiver        sql.NullInt64
	Text            string
	Type            string
	AttachmentLinks []string
	Voice           string
	IsDeleted       bool
	CreatedAt       time.Time
	ModifiedAt      time.Time
}

// EditLog is one append-only audit row, capturing the text immediately before
// and after an edit.
type EditLog struct {
	ID           int64
	MessageID    sql.NullInt64
	PreviousText string
	NewText      string
	CreatedAt    time.Time
}

// Report records that an account reported a message. One logical row per
// message; a repeat report overwrites the reporter and reason.
type Report struct {
	ID         int64
	MessageID  int64
	ReportedBy int64
	Reason     string
}

// Ledger is the Postgres-backed message store.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a Ledger backed by the given database handle.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

const messageColumns = `
	id, uid, room_id, sender, receiver, COALESCE(message_text, ''), message_type,
	attachment_links, COALESCE(voice, ''), is_deleted, created_at, modified_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.UID, &m.RoomID, &m.Sender, &m.Receiver, &m.Text, &m.Type,
		pq.Array(&m.AttachmentLinks), &m.Voice, &m.IsDeleted,
		&m.CreatedAt, &m.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Append persists a new message and fills in its generated fields.
func (l *Ledger) Append(ctx context.Context, m *Message) error {
	const insert = `
		INSERT INTO chat_messages
			(room_id, sender, receiver, message_text, message_type, attachment_links, voice)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''))
		RETURNING id, uid, is_deleted, created_at, modified_at`

	err := l.db.QueryRowContext(ctx, insert,
		m.RoomID, m.Sender, m.Receiver, m.Text, m.Type,
		pq.Array(m.AttachmentLinks), m.Voice,
	).Scan(&m.ID, &m.UID, &m.IsDeleted, &m.CreatedAt, &m.ModifiedAt)
	if err != nil {
		return fmt.Errorf("message: append: %w", err)
	}
	return nil
}

// Get returns a message by id, or nil if it does not exist.
func (l *Ledger) Get(ctx context.Context, messageID int64) (*Message, error) {
	const query = `
		SELECT` + messageColumns + `
		FROM chat_messages
		WHERE id = $1`

	m, err := scanMessage(l.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message: get %d: %w", messageID, err)
	}
	return m, nil
}

// Edit replaces the message text in place, appending an audit row capturing
// the prior text first. Only the original sender may edit, and soft-deleted
// messages are refused; both cases return nil without error so the caller can
// surface its not-found reply.
func (l *Ledger) Edit(ctx context.Context, messageID, senderID int64, newText string) (*Message, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("message: edit: begin: %w", err)
	}
	defer tx.Rollback()

	const lock = `
		SELECT` + messageColumns + `
		FROM chat_messages
		WHERE id = $1 AND sender = $2 AND NOT is_deleted
		FOR UPDATE`

	m, err := scanMessage(tx.QueryRowContext(ctx, lock, messageID, senderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message: edit %d: lock: %w", messageID, err)
	}

	const appendLog = `
		INSERT INTO chat_message_edit_logs (message_id, previous_text_message, message_text)
		VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, appendLog, m.ID, m.Text, newText); err != nil {
		return nil, fmt.Errorf("message: edit %d: log: %w", messageID, err)
	}

	const update = `
		UPDATE chat_messages
		SET message_text = $1, modified_at = NOW()
		WHERE id = $2
		RETURNING modified_at`
	if err := tx.QueryRowContext(ctx, update, newText, m.ID).Scan(&m.ModifiedAt); err != nil {
		return nil, fmt.Errorf("message: edit %d: update: %w", messageID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("message: edit: commit: %w", err)
	}

	m.Text = newText
	return m, nil
}

// SoftDelete marks the message deleted, scoped to room and original sender.
// Returns false without error when no matching row exists.
func (l *Ledger) SoftDelete(ctx context.Context, roomID, messageID, senderID int64) (bool, error) {
	const update = `
		UPDATE chat_messages
		SET is_deleted = TRUE, modified_at = NOW()
		WHERE id = $1 AND room_id = $2 AND sender = $3`

	res, err := l.db.ExecContext(ctx, update, messageID, roomID, senderID)
	if err != nil {
		return false, fmt.Errorf("message: soft delete %d: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message: soft delete %d: rows: %w", messageID, err)
	}
	return n > 0, nil
}

// CountVoice returns how many voice messages the sender has in the room. The
// point-in-time count makes the voice ceiling a soft limit under concurrent
// sends, which is accepted.
func (l *Ledger) CountVoice(ctx context.Context, roomID, senderID int64) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM chat_messages
		WHERE room_id = $1 AND sender = $2 AND voice IS NOT NULL AND voice <> ''`

	var count int
	if err := l.db.QueryRowContext(ctx, query, roomID, senderID).Scan(&count); err != nil {
		return 0, fmt.Errorf("message: count voice: %w", err)
	}
	return count, nil
}

// ListForRoom returns the room's messages for display, most recently modified
// first.
func (l *Ledger) ListForRoom(ctx context.Context, roomID int64) ([]*Message, error) {
	const query = `
		SELECT` + messageColumns + `
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY modified_at DESC NULLS LAST, id DESC`

	rows, err := l.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("message: list room %d: %w", roomID, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: list rows: %w", err)
	}
	return msgs, nil
}

// ListEditLogs returns a message's audit rows, oldest first.
func (l *Ledger) ListEditLogs(ctx context.Context, messageID int64) ([]*EditLog, error) {
	const query = `
		SELECT id, message_id, COALESCE(previous_text_message, ''), COALESCE(message_text, ''), created_at
		FROM chat_message_edit_logs
		WHERE message_id = $1
		ORDER BY id ASC`

	rows, err := l.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("message: list edit logs %d: %w", messageID, err)
	}
	defer rows.Close()

	var logs []*EditLog
	for rows.Next() {
		var e EditLog
		if err := rows.Scan(&e.ID, &e.MessageID, &e.PreviousText, &e.NewText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan edit log: %w", err)
		}
		logs = append(logs, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: edit log rows: %w", err)
	}
	return logs, nil
}

// FileReport upserts the report row for a message: at most one open report per
// message, overwritten if reported again.
func (l *Ledger) FileReport(ctx context.Context, messageID, reportedBy int64, reason string) error {
	const upsert = `
		INSERT INTO chat_message_reports (message_id, reported_by, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id)
		DO UPDATE SET reported_by = EXCLUDED.reported_by, reason = EXCLUDED.reason, modified_at = NOW()`

	if _, err := l.db.ExecContext(ctx, upsert, messageID, reportedBy, reason); err != nil {
		return fmt.Errorf("message: file report %d: %w", messageID, err)
	}
	return nil
}
