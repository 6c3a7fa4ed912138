package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/letsencrypt/borp"

	"github.com/fission-codes/account-service/internal/blog"
)

// NewDbMap creates a borp.DbMap for the given driver and DSN, and
// registers the tables this service owns. driver is expected to be
// "mysql"; other drivers are accepted so tests can point at an
// in-memory stand-in.
func NewDbMap(driver, dbConnect string, logger blog.Logger) (*borp.DbMap, error) {
	dsn, err := recombineURLForDB(driver, dbConnect)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to DB: %w", err)
	}

	dialect := borp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8"}
	dbMap := &borp.DbMap{Db: db, Dialect: dialect}
	initTables(dbMap)

	return dbMap, nil
}

// recombineURLForDB leaves non-mysql DSNs untouched and, for mysql,
// ensures parseTime=true so time.Time columns round-trip cleanly.
func recombineURLForDB(driver, dbConnect string) (string, error) {
	if driver != "mysql" {
		return dbConnect, nil
	}
	cfg, err := mysql.ParseDSN(dbConnect)
	if err != nil {
		return "", fmt.Errorf("parsing DB connection string: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// initTables registers the Go struct <-> SQL table mappings this
// service needs. Each call names the primary key column(s) so borp
// can fill them in on Insert.
func initTables(dbMap *borp.DbMap) {
	dbMap.AddTableWithName(accountModel{}, "accounts").SetKeys(false, "DID")
	dbMap.AddTableWithName(volumeModel{}, "volumes").SetKeys(false, "CID")
	dbMap.AddTableWithName(ucanModel{}, "ucans").SetKeys(false, "CID")
	dbMap.AddTableWithName(revocationModel{}, "revocations").SetKeys(false, "CID")
	dbMap.AddTableWithName(emailVerificationModel{}, "email_verifications").SetKeys(true, "ID")
}

// accountModel is the row shape for the accounts table. It lives here
// (rather than in internal/account) so the dbMap registration and the
// column tags stay next to each other; internal/account converts to
// and from its own Account type.
type accountModel struct {
	DID       string `db:"did"`
	Username  string `db:"username"`
	Email     string `db:"email"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// volumeModel is the mutable per-account pointer into content-addressed
// storage: the CID of the account's current root, versioned by account
// DID so updates are a straightforward upsert.
type volumeModel struct {
	CID       string `db:"cid"`
	AccountDID string `db:"account_did"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ucanModel is a stored, encoded UCAN token plus the indexed fields
// needed to answer audience-closure queries without re-parsing every
// token on every lookup.
type ucanModel struct {
	CID       string    `db:"cid"`
	Encoded   string    `db:"encoded"`
	Issuer    string    `db:"issuer"`
	Audience  string    `db:"audience"`
	ExpiresAt time.Time `db:"expires_at"`
	NotBefore time.Time `db:"not_before"`
	Proofs    string    `db:"proofs"` // comma-joined CIDs of proof tokens
	CreatedAt time.Time `db:"created_at"`
}

// revocationModel records that a token (identified by CID) has been
// revoked and who submitted the revocation. The revoker's authority is
// checked at insert time by walking the referenced token's own
// witness tree (internal/revocation), not stored separately.
type revocationModel struct {
	CID       string    `db:"cid"`
	RevokedBy string    `db:"revoked_by"`
	RevokedAt time.Time `db:"revoked_at"`
}

// emailVerificationModel tracks an in-flight email ownership check for
// an account.
type emailVerificationModel struct {
	ID         int64      `db:"id"`
	Email      string     `db:"email"`
	CodeHash   string     `db:"code_hash"`
	ExpiresAt  time.Time  `db:"expires_at"`
	VerifiedAt *time.Time `db:"verified_at"`
}
