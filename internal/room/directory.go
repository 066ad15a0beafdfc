// Package room is the Room Directory: it owns the chat_rooms and
// chat_room_block_logs tables. A room is the persistent 1:1 conversation
// context for an unordered pair of accounts; at most one room exists per
// pair, enforced by a unique index over the normalized pair.
package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Block log states. The log is a current-status record per ordered pair, not
// a history.
const (
	BlockTypeBlocked   = "blocked"
	BlockTypeUnblocked = "unblocked"
)

// ErrNotMember is returned when an account is in neither seat of a room.
var ErrNotMember = errors.New("room: account is not a room member")

// Room is one 1:1 conversation context. Members are nullable: removing an
// account leaves a dangling seat rather than cascading into the room.
type Room struct {
	ID               int64
	UID              string // stable external identifier; derives the broadcast channel
	Member1          sql.NullInt64
	Member2          sql.NullInt64
	BlockedByMember1 bool
	BlockedByMember2 bool
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

// Blocked reports whether either member has blocked the room. Blocking is
// tracked per side but symmetric in effect.
func (r *Room) Blocked() bool {
	return r.BlockedByMember1 || r.BlockedByMember2
}

// Partner returns the id of whichever member is not accountID. An account in
// neither seat is an authorization failure, never a silent default.
func (r *Room) Partner(accountID int64) (int64, error) {
	if r.Member1.Valid && r.Member1.Int64 == accountID {
		if !r.Member2.Valid {
			return 0, ErrNotMember
		}
		return r.Member2.Int64, nil
	}
	if r.Member2.Valid && r.Member2.Int64 == accountID {
		if !r.Member1.Valid {
			return 0, ErrNotMember
		}
		return r.Member1.Int64, nil
	}
	return 0, ErrNotMember
}

// HasMember reports whether accountID occupies one of the room's seats.
func (r *Room) HasMember(accountID int64) bool {
	return (r.Member1.Valid && r.Member1.Int64 == accountID) ||
		(r.Member2.Valid && r.Member2.Int64 == accountID)
}

// Directory is the Postgres-backed room store.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a Directory backed by the given database handle.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

const roomColumns = `
	id, uid, member_1, member_2, blocked_by_member_1, blocked_by_member_2,
	created_at, modified_at`

func scanRoom(row interface{ Scan(...interface{}) error }) (*Room, error) {
	var r Room
	err := row.Scan(
		&r.ID, &r.UID, &r.Member1, &r.Member2,
		&r.BlockedByMember1, &r.BlockedByMember2,
		&r.CreatedAt, &r.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetOrCreate resolves the unique room for the unordered pair (a, b), creating
// it on first contact. The unique index over (LEAST(member_1, member_2),
// GREATEST(member_1, member_2)) makes concurrent first contact safe: the loser
// of the insert race re-reads the winner's row.
func (d *Directory) GetOrCreate(ctx context.Context, a, b int64) (*Room, error) {
	room, err := d.getByPair(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if room != nil {
		return room, nil
	}

	const insert = `
		INSERT INTO chat_rooms (member_1, member_2)
		VALUES ($1, $2)
		RETURNING` + roomColumns

	room, err = scanRoom(d.db.QueryRowContext(ctx, insert, a, b))
	if isUniqueViolation(err) {
		// Lost the race on the unordered-pair index; the winner's row exists.
		room, err = d.getByPair(ctx, a, b)
		if err != nil {
			return nil, err
		}
		if room == nil {
			return nil, fmt.Errorf("room: get-or-create pair (%d,%d): conflict but no row", a, b)
		}
		return room, nil
	}
	if err != nil {
		return nil, fmt.Errorf("room: create pair (%d,%d): %w", a, b, err)
	}
	return room, nil
}

func (d *Directory) getByPair(ctx context.Context, a, b int64) (*Room, error) {
	const query = `
		SELECT` + roomColumns + `
		FROM chat_rooms
		WHERE (member_1 = $1 AND member_2 = $2)
		   OR (member_1 = $2 AND member_2 = $1)`

	room, err := scanRoom(d.db.QueryRowContext(ctx, query, a, b))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("room: get pair (%d,%d): %w", a, b, err)
	}
	return room, nil
}

// Get returns the room by id regardless of membership, or nil when no such
// room exists. Callers that enforce authorization use GetForMember instead.
func (d *Directory) Get(ctx context.Context, roomID int64) (*Room, error) {
	const query = `
		SELECT` + roomColumns + `
		FROM chat_rooms
		WHERE id = $1`

	room, err := scanRoom(d.db.QueryRowContext(ctx, query, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("room: get %d: %w", roomID, err)
	}
	return room, nil
}

// GetForMember returns the room only if accountID is one of its members. This
// is the authorization boundary for every room-scoped operation; a missing or
// foreign room both return nil.
func (d *Directory) GetForMember(ctx context.Context, roomID, accountID int64) (*Room, error) {
	const query = `
		SELECT` + roomColumns + `
		FROM chat_rooms
		WHERE id = $1 AND (member_1 = $2 OR member_2 = $2)`

	room, err := scanRoom(d.db.QueryRowContext(ctx, query, roomID, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("room: get %d for member %d: %w", roomID, accountID, err)
	}
	return room, nil
}

// SetBlock flips the block flag for whichever seat actingAccount occupies and
// upserts the ordered-pair block log (acting -> partner). Both writes happen
// in one transaction.
func (d *Directory) SetBlock(ctx context.Context, room *Room, actingAccount int64, blocked bool) error {
	partner, err := room.Partner(actingAccount)
	if err != nil {
		return err
	}

	column := "blocked_by_member_1"
	if room.Member2.Valid && room.Member2.Int64 == actingAccount {
		column = "blocked_by_member_2"
	}

	blockType := BlockTypeUnblocked
	if blocked {
		blockType = BlockTypeBlocked
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("room: set block: begin: %w", err)
	}
	defer tx.Rollback()

	update := fmt.Sprintf(
		`UPDATE chat_rooms SET %s = $1, modified_at = NOW() WHERE id = $2`, column)
	if _, err := tx.ExecContext(ctx, update, blocked, room.ID); err != nil {
		return fmt.Errorf("room: set block flag: %w", err)
	}

	const upsertLog = `
		INSERT INTO chat_room_block_logs (blocked_by, blocked_to, block_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (blocked_by, blocked_to)
		DO UPDATE SET block_type = EXCLUDED.block_type, modified_at = NOW()`
	if _, err := tx.ExecContext(ctx, upsertLog, actingAccount, partner, blockType); err != nil {
		return fmt.Errorf("room: upsert block log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("room: set block: commit: %w", err)
	}

	if column == "blocked_by_member_1" {
		room.BlockedByMember1 = blocked
	} else {
		room.BlockedByMember2 = blocked
	}
	return nil
}

// ListForMember returns the account's rooms ordered by latest message
// activity, most recent first; rooms with no messages sort last.
func (d *Directory) ListForMember(ctx context.Context, accountID int64) ([]*Room, error) {
	const query = `
		SELECT` + roomColumns + `
		FROM chat_rooms r
		LEFT JOIN LATERAL (
			SELECT MAX(modified_at) AS latest
			FROM chat_messages m
			WHERE m.room_id = r.id
		) lm ON TRUE
		WHERE r.member_1 = $1 OR r.member_2 = $1
		ORDER BY lm.latest DESC NULLS LAST, r.id DESC`

	return d.queryRooms(ctx, query, accountID)
}

// ListBlockedForMember returns the rooms the account itself has blocked.
func (d *Directory) ListBlockedForMember(ctx context.Context, accountID int64) ([]*Room, error) {
	const query = `
		SELECT` + roomColumns + `
		FROM chat_rooms
		WHERE (member_1 = $1 AND blocked_by_member_1)
		   OR (member_2 = $1 AND blocked_by_member_2)
		ORDER BY modified_at DESC`

	return d.queryRooms(ctx, query, accountID)
}

func (d *Directory) queryRooms(ctx context.Context, query string, args ...interface{}) ([]*Room, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("room: list: %w", err)
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("room: scan: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room: list rows: %w", err)
	}
	return rooms, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
