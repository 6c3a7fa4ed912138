// Package tokenstore is the SQL-backed implementation of the token
// store described in the capability model: every issued UCAN is kept
// indexed by content-id, issuer, and audience, so two kinds of lookup
// stay cheap -- resolving a single proof by CID (what
// github.com/qri-io/ucan's parser needs while walking a delegation
// chain) and computing the full audience closure of a DID (what the
// capability-indexing endpoint needs to answer "what can this account
// reach").
package tokenstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/qri-io/ucan"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/blog"
	"github.com/fission-codes/account-service/internal/contentid"
	"github.com/fission-codes/account-service/internal/db"
	"github.com/fission-codes/account-service/internal/ucantoken"
)

// Record is the stored form of a token: the encoded JWT-shaped string
// plus the indexed fields a closure query filters on.
type Record struct {
	CID       string
	Encoded   string
	Issuer    string
	Audience  string
	Proofs    []string
	NotBefore time.Time
	ExpiresAt time.Time
}

// SQLStore is the borp-backed Store used in production.
type SQLStore struct {
	dbMap db.DatabaseMap
	clk   clock.Clock
	log   blog.Logger
}

// New returns a SQLStore over an already-migrated dbMap.
func New(dbMap db.DatabaseMap, clk clock.Clock, log blog.Logger) *SQLStore {
	return &SQLStore{dbMap: dbMap, clk: clk, log: log}
}

type ucanRow struct {
	CID       string    `db:"cid"`
	Encoded   string    `db:"encoded"`
	Issuer    string    `db:"issuer"`
	Audience  string    `db:"audience"`
	Proofs    string    `db:"proofs"`
	NotBefore time.Time `db:"not_before"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

// Put idempotently inserts a token record: re-inserting an identical
// CID is a no-op rather than a conflict, since the same delegation may
// be submitted more than once (e.g. retried by a client that didn't
// see the first response).
func (s *SQLStore) Put(ctx context.Context, rec Record) error {
	return s.PutTx(ctx, s.dbMap, rec)
}

// PutTx is Put run against an explicit inserter, so a caller that
// needs the token row committed atomically alongside other writes
// (internal/account's bootstrap protocol) can pass an open
// db.Transaction instead of the store's own dbMap.
func (s *SQLStore) PutTx(ctx context.Context, inserter db.Inserter, rec Record) error {
	if selector, ok := inserter.(db.OneSelector); ok {
		var existing ucanRow
		if err := selector.SelectOne(&existing, "SELECT cid FROM ucans WHERE cid = ?", rec.CID); err == nil {
			return nil
		}
	}

	row := &ucanRow{
		CID:       rec.CID,
		Encoded:   rec.Encoded,
		Issuer:    rec.Issuer,
		Audience:  rec.Audience,
		Proofs:    strings.Join(rec.Proofs, ","),
		NotBefore: rec.NotBefore,
		ExpiresAt: rec.ExpiresAt,
		CreatedAt: s.clk.Now(),
	}
	if err := inserter.Insert(row); err != nil {
		return fmt.Errorf("tokenstore: inserting %s: %w", rec.CID, err)
	}
	return nil
}

// CID exposes the canonical content-id computation used for every
// stored token, so callers that need to know a token's id before it's
// stored (e.g. to log it, or to reference it from another write in
// the same transaction) don't have to import internal/contentid
// directly.
func (s *SQLStore) CID(raw string) string {
	return contentid.Of([]byte(raw))
}

// PutToken implements ucan.TokenStore for the side effect of caching a
// verified token as it's parsed, keeping later proof-chain resolution
// for the same CID off the signature-verification hot path.
func (s *SQLStore) PutToken(ctx context.Context, token *ucan.Token, raw string) error {
	cidStr, err := contentID(raw)
	if err != nil {
		return err
	}
	proofs := make([]string, len(token.Proofs))
	for i, p := range token.Proofs {
		proofs[i] = string(p)
	}
	notBefore := time.Time{}
	if token.NotBefore != nil {
		notBefore = token.NotBefore.Time
	}
	expiresAt := time.Time{}
	if token.Expires != nil {
		expiresAt = token.Expires.Time
	}
	return s.Put(ctx, Record{
		CID:       cidStr,
		Encoded:   raw,
		Issuer:    token.Issuer.String(),
		Audience:  token.Audience.String(),
		Proofs:    proofs,
		NotBefore: notBefore,
		ExpiresAt: expiresAt,
	})
}

// CIDBytes implements ucan.CIDBytesResolver: given the content-id of a
// proof referenced inside another token, return its encoded bytes so
// the parser can recursively verify the chain.
func (s *SQLStore) CIDBytes(ctx context.Context, cidStr string) ([]byte, error) {
	rec, err := s.Get(ctx, cidStr)
	if err != nil {
		return nil, err
	}
	return []byte(rec.Encoded), nil
}

// Get returns the stored record for a content-id, or a NotFound
// APIError if it isn't present.
func (s *SQLStore) Get(ctx context.Context, cidStr string) (*Record, error) {
	var row ucanRow
	err := s.dbMap.SelectOne(&row, "SELECT * FROM ucans WHERE cid = ?", cidStr)
	if err != nil {
		return nil, apierror.NotFoundError("no token with cid %q", cidStr)
	}
	return rowToRecord(row), nil
}

func rowToRecord(row ucanRow) *Record {
	var proofs []string
	if row.Proofs != "" {
		proofs = strings.Split(row.Proofs, ",")
	}
	return &Record{
		CID:       row.CID,
		Encoded:   row.Encoded,
		Issuer:    row.Issuer,
		Audience:  row.Audience,
		Proofs:    proofs,
		NotBefore: row.NotBefore,
		ExpiresAt: row.ExpiresAt,
	}
}

// IsExpired reports whether rec has aged out as of now. Expiration is
// a read-time check: a token's validity is only ever decided when it's
// looked up, never enforced at write time, so a since-expired proof
// still sits in storage for audit purposes.
func (rec *Record) IsExpired(now time.Time) bool {
	return !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt)
}

// AudienceClosure computes the set of stored tokens reachable by
// following issuer-to-audience edges backwards starting at audience,
// restricted to tokens whose capability resource has appeared in an
// already-visited token's resource set:
//
//  1. seed: every token with audience = audience. Record their issuer
//     DIDs (the frontier) and their capability resources (the mask).
//  2. iterate: find unvisited tokens whose audience is in the current
//     frontier and at least one of their capability resources is in
//     the mask.
//  3. visited ids accumulate; frontier becomes the issuers of the
//     newly-found tokens; the mask is fixed after step 1.
//  4. terminate when a step finds no new tokens.
//
// The mask is frozen from the seed rather than re-evaluated at every
// hop: a delegation that narrows to a different resource partway
// through the chain does not pull its own audience's further tokens
// into the closure (Design Notes §9, "mask fixed by seed").
func (s *SQLStore) AudienceClosure(ctx context.Context, audience string) (map[string]*Record, error) {
	visited := make(map[string]*Record)
	mask := make(map[string]bool)
	frontier := make(map[string]bool)

	seedRows, err := s.rowsByAudience(ctx, []string{audience})
	if err != nil {
		return nil, err
	}
	for _, row := range seedRows {
		rec := rowToRecord(row)
		visited[rec.CID] = rec
		frontier[rec.Issuer] = true
		for _, key := range s.resourceKeys(ctx, rec) {
			mask[key] = true
		}
	}

	for len(frontier) > 0 {
		auds := make([]string, 0, len(frontier))
		for a := range frontier {
			auds = append(auds, a)
		}
		rows, err := s.rowsByAudience(ctx, auds)
		if err != nil {
			return nil, err
		}

		next := make(map[string]bool)
		for _, row := range rows {
			rec := rowToRecord(row)
			if _, ok := visited[rec.CID]; ok {
				continue
			}
			matched := false
			for _, key := range s.resourceKeys(ctx, rec) {
				if mask[key] {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
			visited[rec.CID] = rec
			next[rec.Issuer] = true
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	return visited, nil
}

// rowsByAudience returns every stored token row whose audience is one
// of auds.
func (s *SQLStore) rowsByAudience(ctx context.Context, auds []string) ([]ucanRow, error) {
	if len(auds) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(auds))
	args := make([]interface{}, len(auds))
	for i, a := range auds {
		placeholders[i] = "?"
		args[i] = a
	}
	var rows []ucanRow
	query := fmt.Sprintf("SELECT * FROM ucans WHERE audience IN (%s)", strings.Join(placeholders, ","))
	if _, err := s.dbMap.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("tokenstore: walking audience closure: %w", err)
	}
	return rows, nil
}

// resourceKeys decodes rec's attenuations and returns one "type|value"
// string per capability resource, the unit the mask in AudienceClosure
// compares by. A token that fails to re-verify (e.g. a dangling proof
// reference) contributes no resources rather than aborting the walk.
func (s *SQLStore) resourceKeys(ctx context.Context, rec *Record) []string {
	token, err := ucantoken.ParseAndVerify(ctx, s, rec.Encoded)
	if err != nil {
		return nil
	}
	keys := make([]string, len(token.Attenuations))
	for i, a := range token.Attenuations {
		keys[i] = a.Rsc.Type() + "|" + a.Rsc.Value()
	}
	return keys
}

// FindRootDelegation returns the stored token issued by accountDID to
// serviceDID -- the T_root delegation the account-linking protocol
// re-witnesses when adding a new device. If an account has
// re-bootstrapped more than once (which the protocol never does in
// practice), the oldest such token is returned.
func (s *SQLStore) FindRootDelegation(ctx context.Context, accountDID, serviceDID string) (*Record, error) {
	var row ucanRow
	err := s.dbMap.SelectOne(
		&row,
		"SELECT * FROM ucans WHERE issuer = ? AND audience = ? ORDER BY created_at ASC LIMIT 1",
		accountDID, serviceDID,
	)
	if err != nil {
		return nil, apierror.NotFoundError("tokenstore: no root delegation from %q to %q", accountDID, serviceDID)
	}
	return rowToRecord(row), nil
}

// contentID derives the canonical content-id for an encoded token.
// It delegates to internal/contentid, so a token's CID is stable
// regardless of which component computed it.
func contentID(raw string) (string, error) {
	return contentid.Of([]byte(raw)), nil
}
