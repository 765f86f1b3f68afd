// Package tokendb implements sqlite3-backed storage for the out-of-band
// connection and authentication tokens nlink.Host consults through
// nlink.TokenValidator.
package tokendb

import (
	"net/netip"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores connection and authentication tokens in a sqlite3 database. It
// implements nlink.TokenValidator.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

func (db *DB) checkToken(table string, addr netip.AddrPort, token [128]byte) bool {
	var row struct {
		Addr   string `db:"addr"`
		Expiry int64  `db:"expiry"`
	}
	if err := db.x.Get(&row, `SELECT addr, expiry FROM `+table+` WHERE token = ?`, token[:]); err != nil {
		return false
	}
	if row.Addr != "" && row.Addr != addr.String() {
		return false
	}
	if row.Expiry != 0 && time.Now().Unix() >= row.Expiry {
		return false
	}
	return true
}

// CheckConnectionToken reports whether token is a valid, unexpired
// connection token for addr. An empty stored address matches any addr.
func (db *DB) CheckConnectionToken(addr netip.AddrPort, token [128]byte) bool {
	return db.checkToken("connection_tokens", addr, token)
}

// CheckAuthenticationToken reports whether token is a valid, unexpired
// authentication token for addr.
func (db *DB) CheckAuthenticationToken(addr netip.AddrPort, token [128]byte) bool {
	return db.checkToken("authentication_tokens", addr, token)
}

func (db *DB) issueToken(table string, addr netip.AddrPort, token [128]byte, expiry time.Time) error {
	var addrStr string
	if addr.IsValid() {
		addrStr = addr.String()
	}
	var exp int64
	if !expiry.IsZero() {
		exp = expiry.Unix()
	}
	if _, err := db.x.Exec(
		`INSERT OR REPLACE INTO `+table+` (token, addr, expiry) VALUES (?, ?, ?)`,
		token[:], addrStr, exp,
	); err != nil {
		return err
	}
	return nil
}

// IssueConnectionToken records token as valid for a connection attempt from
// addr (or any address, if addr is the zero value) until expiry (or forever,
// if expiry is the zero time).
func (db *DB) IssueConnectionToken(addr netip.AddrPort, token [128]byte, expiry time.Time) error {
	return db.issueToken("connection_tokens", addr, token, expiry)
}

// IssueAuthenticationToken records token as a valid authentication token,
// analogous to IssueConnectionToken.
func (db *DB) IssueAuthenticationToken(addr netip.AddrPort, token [128]byte, expiry time.Time) error {
	return db.issueToken("authentication_tokens", addr, token, expiry)
}

// RevokeConnectionToken deletes a previously issued connection token, if any.
func (db *DB) RevokeConnectionToken(token [128]byte) error {
	_, err := db.x.Exec(`DELETE FROM connection_tokens WHERE token = ?`, token[:])
	return err
}

// RevokeAuthenticationToken deletes a previously issued authentication
// token, if any.
func (db *DB) RevokeAuthenticationToken(token [128]byte) error {
	_, err := db.x.Exec(`DELETE FROM authentication_tokens WHERE token = ?`, token[:])
	return err
}
