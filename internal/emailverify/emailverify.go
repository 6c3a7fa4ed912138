// Package emailverify tracks the proof-of-ownership check an account
// must pass before an email address is trusted for recovery: a
// one-time code is minted and recorded, and later consumed exactly
// once when the holder of the address presents it back.
//
// Actually sending the code to the address is explicitly out of this
// service's scope (delivery is a separate ambient concern); this
// package only owns the code's lifecycle.
package emailverify

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/crypto/bcrypt"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/db"
)

// codeTTL is how long a verification code remains redeemable.
const codeTTL = 24 * time.Hour

// Store is the SQL-backed email verification ledger. A request is
// keyed by email address alone, not by account DID: the code is
// checked before an account exists at all, so account creation carries
// the code alongside the very username/email it names.
type Store struct {
	dbMap db.DatabaseMap
	clk   clock.Clock
	relay *Hub
}

// New returns a Store over an already-migrated dbMap. relay may be nil;
// when set, every minted code is also published to the
// "email:<address>" topic for development-mode websocket delivery.
func New(dbMap db.DatabaseMap, clk clock.Clock, relay *Hub) *Store {
	return &Store{dbMap: dbMap, clk: clk, relay: relay}
}

type verificationRow struct {
	ID         int64      `db:"id"`
	Email      string     `db:"email"`
	CodeHash   string     `db:"code_hash"`
	ExpiresAt  time.Time  `db:"expires_at"`
	VerifiedAt *time.Time `db:"verified_at"`
}

// Request mints a new verification code for email and records only its
// bcrypt hash, returning the plaintext code to be delivered out of
// band. A compromised database row never hands an attacker a redeemable
// code, the same reasoning that keeps account passwords hashed at rest.
func (s *Store) Request(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	code, err := generateCode()
	if err != nil {
		return "", apierror.InternalServerError("emailverify: generating code: %s", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", apierror.InternalServerError("emailverify: hashing code: %s", err)
	}
	row := &verificationRow{
		Email:     email,
		CodeHash:  string(hash),
		ExpiresAt: s.clk.Now().Add(codeTTL),
	}
	if err := s.dbMap.Insert(row); err != nil {
		return "", apierror.InternalServerError("emailverify: recording request: %s", err)
	}
	if s.relay != nil {
		s.relay.Publish("email:"+email, []byte(code))
	}
	return code, nil
}

// Confirm redeems code for email. It fails if code doesn't match the
// hash on an unexpired, not-yet-verified request; succeeding marks that
// request verified so the same code cannot be redeemed twice. Candidate
// rows are fetched newest-first and compared one at a time, since the
// hash can't be matched by the database itself.
func (s *Store) Confirm(ctx context.Context, email, code string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	var rows []verificationRow
	_, err := s.dbMap.Select(
		&rows,
		`SELECT * FROM email_verifications
		 WHERE email = ? AND verified_at IS NULL
		 ORDER BY id DESC`,
		email,
	)
	if err != nil {
		return apierror.InternalServerError("emailverify: looking up request: %s", err)
	}

	now := s.clk.Now()
	for _, row := range rows {
		if bcrypt.CompareHashAndPassword([]byte(row.CodeHash), []byte(code)) != nil {
			continue
		}
		if now.After(row.ExpiresAt) {
			return apierror.ExpiredTokenError("emailverify: verification code has expired")
		}
		_, err = s.dbMap.Exec(
			"UPDATE email_verifications SET verified_at = ? WHERE id = ?",
			now, row.ID,
		)
		if err != nil {
			return apierror.InternalServerError("emailverify: recording confirmation: %s", err)
		}
		return nil
	}
	return apierror.NotFoundError("emailverify: no matching pending verification")
}

// generateCode produces a short, human-typeable base32 code.
func generateCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}
