// Package account implements account records, their associated
// storage volume pointer, and the three-party bootstrap protocol that
// creates both: the service generates an ephemeral root key whose DID
// becomes the account's DID, that key signs a single delegation handing
// full authority to the service (T_root) before being zeroed, and the
// service delegates the same authority on to the device (T_agent).
package account

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
	"github.com/qri-io/ucan"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/blog"
	"github.com/fission-codes/account-service/internal/capability"
	"github.com/fission-codes/account-service/internal/db"
	"github.com/fission-codes/account-service/internal/identity"
	"github.com/fission-codes/account-service/internal/tokenstore"
	"github.com/fission-codes/account-service/internal/ucantoken"
)

// Account is a registered identity: a DID, the username it answers to
// under the DNS zone, and the email address used for recovery and
// verification.
type Account struct {
	DID       identity.DID
	Username  string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Volume is the mutable pointer to an account's current storage root.
// It's modeled separately from Account because it changes on every
// write to the account's data, while the account record itself only
// changes on rename.
type Volume struct {
	AccountDID identity.DID
	CID        string
	UpdatedAt  time.Time
}

type accountRow struct {
	DID       string    `db:"did"`
	Username  string    `db:"username"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type volumeRow struct {
	CID        string    `db:"cid"`
	AccountDID string    `db:"account_did"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Engine wires the account storage to the token store so bootstrap can
// mint a delegation atomically with the account row it describes.
type Engine struct {
	dbMap        db.DatabaseMap
	tok          *tokenstore.SQLStore
	clk          clock.Clock
	log          blog.Logger
	service      *identity.KeyPair
	rootLifetime time.Duration
}

// New returns an Engine over an already-migrated dbMap. service is
// this service's own long-lived keypair: the audience of every T_root
// and the issuer of every T_agent the bootstrap/link-agent protocols
// mint. rootLifetime bounds how long T_root/T_agent delegations are
// valid for; a zero value falls back to defaultRootDelegationLifetime.
func New(dbMap db.DatabaseMap, tok *tokenstore.SQLStore, clk clock.Clock, log blog.Logger, service *identity.KeyPair, rootLifetime time.Duration) *Engine {
	if rootLifetime == 0 {
		rootLifetime = defaultRootDelegationLifetime
	}
	return &Engine{dbMap: dbMap, tok: tok, clk: clk, log: log, service: service, rootLifetime: rootLifetime}
}

// ServiceDID returns this service's own long-lived DID -- the audience
// every root delegation names and the issuer of every agent delegation.
func (e *Engine) ServiceDID() identity.DID {
	return e.service.DID
}

// defaultRootDelegationLifetime is how long T_root/T_agent delegations
// are valid for when the deployment doesn't configure one. A root
// delegation effectively never needs to be re-issued in ordinary
// operation; its lifetime is bounded rather than infinite so an
// abandoned account's authority eventually requires a fresh bootstrap
// rather than asserting forever.
const defaultRootDelegationLifetime = 100 * 365 * 24 * time.Hour

// BootstrapParams describes a new account's desired identity. The
// device's DID is the audience of the agent delegation this protocol
// mints; everything the device can subsequently do to the account
// flows from that one token.
type BootstrapParams struct {
	Username  string
	Email     string
	DeviceDID identity.DID
}

// BootstrapResult is everything the device needs to operate the new
// account: its DID and the two-token delegation chain proving full
// authority -- T_root (account key -> service) and T_agent (service ->
// device, witnessing T_root).
type BootstrapResult struct {
	Account         Account
	RootDelegation  string
	AgentDelegation string
}

// Bootstrap runs the three-party account-creation protocol:
//  1. the device has already presented a token claiming account/create
//     on itself (checked by the HTTP layer before this call);
//  2. the email-verification code has already been confirmed (checked
//     by the HTTP layer before this call);
//  3. the service generates a fresh ephemeral keypair A and mints the
//     account's own DID from it;
//  4. A signs T_root -- full authority over A, audience = this
//     service's own DID -- and is zeroed immediately afterward, never
//     touching storage past that one signature;
//  5. the service signs T_agent -- the same capability, audience =
//     DeviceDID, witnessing T_root.
//
// The account row, its volume pointer, and both delegations are all
// written in one transaction: either the whole bootstrap is visible or
// none of it is, so a crash mid-protocol can never leave an account
// that exists but has no device able to reach it.
func (e *Engine) Bootstrap(ctx context.Context, params BootstrapParams) (*BootstrapResult, error) {
	username, err := identity.NormalizeUsername(params.Username)
	if err != nil {
		return nil, apierror.InvalidUsernameError("%s", err)
	}
	if !params.DeviceDID.Valid() {
		return nil, apierror.InvalidDIDError("bootstrap: device DID %q is not a valid did:key", params.DeviceDID)
	}

	root, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, apierror.InternalServerError("bootstrap: generating root key: %w", err)
	}
	defer root.Zero()

	now := e.clk.Now()
	account := Account{
		DID:       root.DID,
		Username:  username,
		Email:     params.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}

	attenuations := ucan.Attenuations{
		capability.NewAttenuation(capability.DIDResource(root.DID.String()), capability.AbilityTop),
	}
	rootEncoded, err := ucantoken.Issue(ucantoken.IssueParams{
		Issuer:       root,
		Audience:     e.service.DID,
		Attenuations: attenuations,
		ExpiresAt:    now.Add(e.rootLifetime),
	})
	if err != nil {
		return nil, apierror.InternalServerError("bootstrap: issuing root delegation: %w", err)
	}
	root.Zero()
	rootCID := e.tok.CID(rootEncoded)

	agentEncoded, err := ucantoken.Issue(ucantoken.IssueParams{
		Issuer:       e.service,
		Audience:     params.DeviceDID,
		Attenuations: attenuations,
		Proofs:       []string{rootCID},
		ExpiresAt:    now.Add(e.rootLifetime),
	})
	if err != nil {
		return nil, apierror.InternalServerError("bootstrap: issuing agent delegation: %w", err)
	}

	tx, err := e.dbMap.Begin()
	if err != nil {
		return nil, apierror.InternalServerError("bootstrap: starting transaction: %w", err)
	}
	if err := e.insertAccount(tx, account); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := e.insertVolume(tx, account.DID, ""); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := e.tok.PutTx(ctx, tx, tokenstore.Record{
		CID:      rootCID,
		Encoded:  rootEncoded,
		Issuer:   root.DID.String(),
		Audience: e.service.DID.String(),
	}); err != nil {
		_ = tx.Rollback()
		return nil, apierror.InternalServerError("bootstrap: storing root delegation: %s", err)
	}
	if err := e.tok.PutTx(ctx, tx, tokenstore.Record{
		CID:      e.tok.CID(agentEncoded),
		Encoded:  agentEncoded,
		Issuer:   e.service.DID.String(),
		Audience: params.DeviceDID.String(),
		Proofs:   []string{rootCID},
	}); err != nil {
		_ = tx.Rollback()
		return nil, apierror.InternalServerError("bootstrap: storing agent delegation: %s", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apierror.InternalServerError("bootstrap: committing transaction: %w", err)
	}

	e.log.AuditInfo(fmt.Sprintf("account %s (%s) bootstrapped, root delegation %s", account.DID, username, rootCID))

	return &BootstrapResult{Account: account, RootDelegation: rootEncoded, AgentDelegation: agentEncoded}, nil
}

// LinkAgent mints a new agent delegation for a second device (log-in
// from another device) witnessing the account's existing T_root. It
// requires that a root delegation (accountDID -> this service) already
// be on file; an account that somehow lost its root delegation cannot
// link a new device.
func (e *Engine) LinkAgent(ctx context.Context, accountDID, newDeviceDID identity.DID) (string, error) {
	if !newDeviceDID.Valid() {
		return "", apierror.InvalidDIDError("link-agent: device DID %q is not a valid did:key", newDeviceDID)
	}
	rootRec, err := e.tok.FindRootDelegation(ctx, accountDID.String(), e.service.DID.String())
	if err != nil {
		return "", err
	}

	attenuations := ucan.Attenuations{
		capability.NewAttenuation(capability.DIDResource(accountDID.String()), capability.AbilityTop),
	}
	now := e.clk.Now()
	encoded, err := ucantoken.Issue(ucantoken.IssueParams{
		Issuer:       e.service,
		Audience:     newDeviceDID,
		Attenuations: attenuations,
		Proofs:       []string{rootRec.CID},
		ExpiresAt:    now.Add(e.rootLifetime),
	})
	if err != nil {
		return "", apierror.InternalServerError("link-agent: issuing agent delegation: %w", err)
	}
	if err := e.tok.Put(ctx, tokenstore.Record{
		CID:      e.tok.CID(encoded),
		Encoded:  encoded,
		Issuer:   e.service.DID.String(),
		Audience: newDeviceDID.String(),
		Proofs:   []string{rootRec.CID},
	}); err != nil {
		return "", apierror.InternalServerError("link-agent: storing agent delegation: %s", err)
	}
	e.log.AuditInfo(fmt.Sprintf("account %s linked new device %s", accountDID, newDeviceDID))
	return encoded, nil
}

func (e *Engine) insertAccount(tx db.Transaction, a Account) error {
	row := &accountRow{
		DID:       a.DID.String(),
		Username:  a.Username,
		Email:     a.Email,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if err := tx.Insert(row); err != nil {
		return apierror.ConflictError("account: username %q or DID already taken: %s", a.Username, err)
	}
	return nil
}

func (e *Engine) insertVolume(tx db.Transaction, accountDID identity.DID, cid string) error {
	row := &volumeRow{
		CID:        cid,
		AccountDID: accountDID.String(),
		UpdatedAt:  e.clk.Now(),
	}
	if err := tx.Insert(row); err != nil {
		return apierror.InternalServerError("account: creating volume pointer: %s", err)
	}
	return nil
}

// Get looks up an account by DID.
func (e *Engine) Get(ctx context.Context, did identity.DID) (*Account, error) {
	var row accountRow
	err := e.dbMap.SelectOne(&row, "SELECT * FROM accounts WHERE did = ?", did.String())
	if err == sql.ErrNoRows {
		return nil, apierror.NotFoundError("account: no account with DID %q", did)
	}
	if err != nil {
		return nil, apierror.InternalServerError("account: looking up %q: %s", did, err)
	}
	return &Account{
		DID:       identity.DID(row.DID),
		Username:  row.Username,
		Email:     row.Email,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// GetByUsername looks up an account by its DNS-zone username.
func (e *Engine) GetByUsername(ctx context.Context, username string) (*Account, error) {
	var row accountRow
	err := e.dbMap.SelectOne(&row, "SELECT * FROM accounts WHERE username = ?", username)
	if err == sql.ErrNoRows {
		return nil, apierror.NotFoundError("account: no account with username %q", username)
	}
	if err != nil {
		return nil, apierror.InternalServerError("account: looking up %q: %s", username, err)
	}
	return &Account{
		DID:       identity.DID(row.DID),
		Username:  row.Username,
		Email:     row.Email,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// LookupDID adapts GetByUsername to the shape internal/dnsauthority's
// AccountDirectory expects: a found-or-not boolean instead of a
// NotFound apierror, since "no such username" is an ordinary NXDOMAIN
// on the DNS side, not a failure worth logging as one.
func (e *Engine) LookupDID(ctx context.Context, username string) (identity.DID, bool, error) {
	a, err := e.GetByUsername(ctx, username)
	if apierror.Is(err, apierror.NotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return a.DID, true, nil
}

// Rename changes an account's username.
func (e *Engine) Rename(ctx context.Context, did identity.DID, newUsername string) error {
	username, err := identity.NormalizeUsername(newUsername)
	if err != nil {
		return apierror.InvalidUsernameError("%s", err)
	}
	_, err = e.dbMap.Exec(
		"UPDATE accounts SET username = ?, updated_at = ? WHERE did = ?",
		username, e.clk.Now(), did.String(),
	)
	if err != nil {
		return apierror.ConflictError("account: renaming %q to %q: %s", did, username, err)
	}
	return nil
}

// Delete removes an account and its volume pointer.
func (e *Engine) Delete(ctx context.Context, did identity.DID) error {
	tx, err := e.dbMap.Begin()
	if err != nil {
		return apierror.InternalServerError("account: starting delete transaction: %s", err)
	}
	if _, err := tx.Exec("DELETE FROM volumes WHERE account_did = ?", did.String()); err != nil {
		_ = tx.Rollback()
		return apierror.InternalServerError("account: deleting volume: %s", err)
	}
	if _, err := tx.Exec("DELETE FROM accounts WHERE did = ?", did.String()); err != nil {
		_ = tx.Rollback()
		return apierror.InternalServerError("account: deleting account: %s", err)
	}
	return tx.Commit()
}

// UpdateVolume records a new storage root for did's volume.
func (e *Engine) UpdateVolume(ctx context.Context, did identity.DID, cid string) error {
	_, err := e.dbMap.Exec(
		"UPDATE volumes SET cid = ?, updated_at = ? WHERE account_did = ?",
		cid, e.clk.Now(), did.String(),
	)
	if err != nil {
		return apierror.InternalServerError("account: updating volume for %q: %s", did, err)
	}
	return nil
}
