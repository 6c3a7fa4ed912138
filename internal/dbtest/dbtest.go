// Package dbtest gives every package's test suite a dbMap pointed at a
// disposable local database, the way boulder's sa/satest package hands
// SA tests a ready-to-use SQLStorageAuthority. It exists only to be
// imported from _test.go files.
package dbtest

import (
	"testing"

	"github.com/letsencrypt/borp"

	"github.com/fission-codes/account-service/internal/blog"
	"github.com/fission-codes/account-service/internal/db"
)

// Connect is the DSN for the local MySQL instance CI runs package
// tests against. It names a throwaway database dedicated to tests,
// mirroring boulder's test/vars.DBConnSA convention.
const Connect = "test:test@tcp(localhost:3306)/account_service_test?parseTime=true"

// NewDbMap opens Connect and registers this service's tables, failing
// the test immediately if the database isn't reachable.
func NewDbMap(t *testing.T) *borp.DbMap {
	t.Helper()
	dbMap, err := db.NewDbMap("mysql", Connect, blog.NewMock())
	if err != nil {
		t.Fatalf("dbtest: connecting to %s: %s", Connect, err)
	}
	return dbMap
}

// tables lists every table this service owns, in an order safe for
// TRUNCATE given the absence of cross-table foreign keys.
var tables = []string{"accounts", "volumes", "ucans", "revocations", "email_verifications"}

// Truncate empties every table this service owns, so each test starts
// from a known-empty database regardless of what an earlier test left
// behind.
func Truncate(t *testing.T, dbMap *borp.DbMap) {
	t.Helper()
	for _, tbl := range tables {
		if _, err := dbMap.Exec("DELETE FROM " + tbl); err != nil {
			t.Fatalf("dbtest: truncating %s: %s", tbl, err)
		}
	}
}
