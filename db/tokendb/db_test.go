package tokendb

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cur, tgt, err := db.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if cur != 0 {
		t.Fatalf("current version = %d, want 0 on a fresh database", cur)
	}
	if err := db.MigrateUp(context.Background(), tgt); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return db
}

func TestConnectionTokenUnknownRejected(t *testing.T) {
	db := openTestDB(t)
	addr := netip.MustParseAddrPort("203.0.113.1:9000")
	if db.CheckConnectionToken(addr, [128]byte{1, 2, 3}) {
		t.Fatal("an unissued token was accepted")
	}
}

func TestConnectionTokenWildcardAddress(t *testing.T) {
	db := openTestDB(t)
	var tok [128]byte
	tok[0] = 0xAB
	if err := db.IssueConnectionToken(netip.AddrPort{}, tok, time.Time{}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	for _, addr := range []string{"203.0.113.1:9000", "198.51.100.7:1"} {
		if !db.CheckConnectionToken(netip.MustParseAddrPort(addr), tok) {
			t.Fatalf("wildcard token rejected for %s", addr)
		}
	}
}

func TestConnectionTokenBoundToAddress(t *testing.T) {
	db := openTestDB(t)
	var tok [128]byte
	tok[0] = 0xCD
	bound := netip.MustParseAddrPort("203.0.113.1:9000")
	if err := db.IssueConnectionToken(bound, tok, time.Time{}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !db.CheckConnectionToken(bound, tok) {
		t.Fatal("token rejected for the address it was issued to")
	}
	if db.CheckConnectionToken(netip.MustParseAddrPort("198.51.100.7:9000"), tok) {
		t.Fatal("token accepted for a different address than it was issued to")
	}
}

func TestConnectionTokenExpiry(t *testing.T) {
	db := openTestDB(t)
	addr := netip.MustParseAddrPort("203.0.113.1:9000")
	var tok [128]byte
	tok[0] = 0xEF
	if err := db.IssueConnectionToken(addr, tok, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if db.CheckConnectionToken(addr, tok) {
		t.Fatal("an already-expired token was accepted")
	}

	var fresh [128]byte
	fresh[0] = 0x01
	if err := db.IssueConnectionToken(addr, fresh, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !db.CheckConnectionToken(addr, fresh) {
		t.Fatal("a token expiring an hour from now was rejected")
	}
}

func TestAuthenticationTokenIndependentFromConnectionToken(t *testing.T) {
	db := openTestDB(t)
	addr := netip.MustParseAddrPort("203.0.113.1:9000")
	var tok [128]byte
	tok[0] = 0x42
	if err := db.IssueAuthenticationToken(addr, tok, time.Time{}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !db.CheckAuthenticationToken(addr, tok) {
		t.Fatal("authentication token rejected after being issued")
	}
	if db.CheckConnectionToken(addr, tok) {
		t.Fatal("an authentication token was accepted as a connection token")
	}
}

func TestRevokeConnectionToken(t *testing.T) {
	db := openTestDB(t)
	addr := netip.MustParseAddrPort("203.0.113.1:9000")
	var tok [128]byte
	tok[0] = 0x99
	if err := db.IssueConnectionToken(addr, tok, time.Time{}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !db.CheckConnectionToken(addr, tok) {
		t.Fatal("token rejected right after being issued")
	}
	if err := db.RevokeConnectionToken(tok); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if db.CheckConnectionToken(addr, tok) {
		t.Fatal("a revoked token was still accepted")
	}
}
