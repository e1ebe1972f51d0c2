// Logic for interacting with the "mail_accounts" table, which stores each
// user's Gmail credential.
package accounts

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	cache "github.com/patrickmn/go-cache"
	"github.com/tabdash/mailsync/models/db"
)

// ErrNoAccount indicates the user has no linked mail account.
var ErrNoAccount = errors.New("No mail account linked for user")

// ErrExpiredCredential indicates the stored token is past its expiry. Token
// refresh is handled by a separate process; the queue treats this like any
// other recoverable remote failure.
var ErrExpiredCredential = errors.New("Stored mail credential has expired")

var getTokenStmt *sql.Stmt
var upsertStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if getTokenStmt != nil {
		return
	}

	query := `-- accounts.GetAccessToken
SELECT access_token, token_expires_at
FROM mail_accounts
WHERE user_id = $1`
	getTokenStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- accounts.Link
INSERT INTO mail_accounts (user_id, email, access_token, token_expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE
SET email = $2,
	access_token = $3,
	token_expires_at = $4,
	updated_at = now()`
	upsertStmt, err = db.Conn.Prepare(query)
	return
}

// A Supplier returns a valid bearer credential for a user, or an error.
type Supplier interface {
	AccessToken(userID types.PrefixUUID) (string, error)
}

// DatabaseSupplier reads credentials out of the mail_accounts table, with a
// short-lived in-memory cache in front so a 50-item batch for one user does
// not hit the table 50 times.
type DatabaseSupplier struct {
	cache *cache.Cache
}

// NewDatabaseSupplier creates a DatabaseSupplier ready for use.
func NewDatabaseSupplier() *DatabaseSupplier {
	return &DatabaseSupplier{
		cache: cache.New(time.Minute, 5*time.Minute),
	}
}

// AccessToken returns the user's bearer token, or ErrNoAccount /
// ErrExpiredCredential.
func (ds *DatabaseSupplier) AccessToken(userID types.PrefixUUID) (string, error) {
	key := userID.UUID.String()
	if token, found := ds.cache.Get(key); found {
		return token.(string), nil
	}
	var token string
	var expiresAt types.NullTime
	err := getTokenStmt.QueryRow(userID).Scan(&token, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNoAccount
		}
		return "", dberror.GetError(err)
	}
	if expiresAt.Valid && time.Since(expiresAt.Time) >= 0 {
		return "", ErrExpiredCredential
	}
	ttl := cache.DefaultExpiration
	if expiresAt.Valid {
		if remaining := time.Until(expiresAt.Time); remaining < time.Minute {
			ttl = remaining
		}
	}
	ds.cache.Set(key, token, ttl)
	return token, nil
}

// Link stores (or replaces) a user's mail credential. Used by the account
// linking flow and by test factories.
func Link(userID types.PrefixUUID, email, accessToken string, expiresAt types.NullTime) error {
	res, err := upsertStmt.Exec(userID, email, accessToken, expiresAt)
	if err != nil {
		return dberror.GetError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return fmt.Errorf("Expected 1 row affected linking account for %s, got %d", userID.String(), rows)
	}
	return nil
}
