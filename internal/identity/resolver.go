package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Resolver turns a connection-time bearer credential into an Account. A nil
// Account with a nil error means the credential was absent or invalid: the
// connection is admitted anonymously and every command is rejected at the
// session layer.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (*Account, error)
}

// Lookup fetches accounts by id. It is the read side of the external
// account store; the chat service never writes accounts.
type Lookup interface {
	Get(ctx context.Context, accountID int64) (*Account, error)
}

// ErrNotFound is returned by Lookup implementations when no account exists
// for the given id.
var ErrNotFound = errors.New("identity: account not found")

// ---------------------------------------------------------------------------
// JWT resolver
// ---------------------------------------------------------------------------

// JWTResolver validates an HS256 access token and loads the account named by
// its user_id claim. Token issuance belongs to the main application; this
// side only verifies.
type JWTResolver struct {
	secret []byte
	lookup Lookup
}

// NewJWTResolver creates a resolver verifying tokens with the given shared
// secret and loading accounts through lookup.
func NewJWTResolver(secret string, lookup Lookup) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), lookup: lookup}
}

// Resolve parses and verifies the credential. Invalid or expired tokens and
// unknown accounts resolve to the anonymous identity (nil, nil); only
// infrastructure failures surface as errors.
func (r *JWTResolver) Resolve(ctx context.Context, credential string) (*Account, error) {
	if credential == "" {
		return nil, nil
	}

	token, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil
	}
	rawID, ok := claims["user_id"].(float64)
	if !ok {
		return nil, nil
	}

	account, err := r.lookup.Get(ctx, int64(rawID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ---------------------------------------------------------------------------
// Postgres account lookup
// ---------------------------------------------------------------------------

// PgLookup reads accounts from the shared Postgres database. The accounts
// table is owned by the main application; the capability flags are projected
// from the customer/skilled-worker profile rows.
type PgLookup struct {
	db *sql.DB
}

// NewPgLookup creates an account lookup backed by the given database handle.
func NewPgLookup(db *sql.DB) *PgLookup {
	return &PgLookup{db: db}
}

// Get loads one account by id.
func (l *PgLookup) Get(ctx context.Context, accountID int64) (*Account, error) {
	const query = `
		SELECT id, username, COALESCE(profile_image, ''), is_customer, is_skilled_worker
		FROM accounts
		WHERE id = $1`

	var a Account
	err := l.db.QueryRowContext(ctx, query, accountID).Scan(
		&a.ID, &a.Username, &a.ProfileImage, &a.IsCustomer, &a.IsSkilledWorker,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get account %d: %w", accountID, err)
	}
	return &a, nil
}
