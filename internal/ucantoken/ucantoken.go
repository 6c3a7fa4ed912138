// Package ucantoken adapts github.com/qri-io/ucan's Token, TokenStore,
// and TokenParser types to this service's account/capability domain.
// Token parsing, signature verification, and attenuation containment
// are the library's job; this package supplies the DID/CID resolvers
// the parser needs and the minting path used when this service itself
// issues a delegation.
package ucantoken

import (
	"context"
	"fmt"
	"time"

	"github.com/qri-io/ucan"
	"github.com/qri-io/ucan/didkey"

	"github.com/fission-codes/account-service/internal/capability"
	"github.com/fission-codes/account-service/internal/identity"
)

// Token is the parsed, signature-verified capability token this
// service operates on everywhere above the wire format.
type Token = ucan.Token

// Store persists encoded tokens and resolves a CID back to the bytes
// a Proof referenced inside another token needs. internal/tokenstore
// provides the SQL-backed implementation; this package's tests use an
// in-memory map.
type Store interface {
	ucan.TokenStore
	ucan.CIDBytesResolver
}

// NewParser returns a parser that verifies signatures against the
// issuer's did:key, resolves proof chains against store, and decodes
// attenuations into this service's capability.Resource/Ability types.
func NewParser(store Store) *ucan.TokenParser {
	return ucan.NewTokenParser(
		capability.AttenuationConstructor(),
		ucan.StringDIDPubKeyResolver{},
		store,
	)
}

// ParseAndVerify decodes encoded, checks its signature and proof
// chain, and returns the resulting Token. Expiration is checked here
// (at read time, not at write time -- a token already on disk may
// have been valid when stored and only later age out).
func ParseAndVerify(ctx context.Context, store Store, encoded string) (*Token, error) {
	parser := NewParser(store)
	token, err := parser.ParseAndVerify(ctx, encoded)
	if err != nil {
		return nil, fmt.Errorf("ucantoken: %w", err)
	}
	return token, nil
}

// IssueParams describes a token this service mints on a caller's
// behalf: a delegation from issuer to audience, scoped to a set of
// attenuations, optionally rooted in a chain of proofs.
type IssueParams struct {
	Issuer        *identity.KeyPair
	Audience      identity.DID
	Attenuations  ucan.Attenuations
	Proofs        []string
	NotBefore     time.Time
	ExpiresAt     time.Time
}

// Issue signs and encodes a new UCAN delegating Attenuations from
// Issuer to Audience. The resulting string is what gets stored (via
// internal/tokenstore) and handed to the audience.
func Issue(params IssueParams) (string, error) {
	if params.Issuer == nil {
		return "", fmt.Errorf("ucantoken: issue requires an issuer keypair")
	}
	if params.Audience == "" {
		return "", fmt.Errorf("ucantoken: issue requires an audience DID")
	}
	audID, err := didkey.Parse(params.Audience.String())
	if err != nil {
		return "", fmt.Errorf("ucantoken: invalid audience DID: %w", err)
	}
	issID, err := didkey.Parse(params.Issuer.DID.String())
	if err != nil {
		return "", fmt.Errorf("ucantoken: invalid issuer DID: %w", err)
	}

	proofs := make(ucan.Proofs, len(params.Proofs))
	for i, p := range params.Proofs {
		proofs[i] = ucan.Proof(p)
	}

	builder := ucan.NewTokenBuilder(ucan.JWTAlgEdDSA, params.Issuer.PrivateKey).
		IssuedBy(issID).
		IssuedTo(audID).
		WithAttenuations(params.Attenuations...).
		WithProofs(proofs...)

	if !params.NotBefore.IsZero() {
		builder = builder.WithNotBefore(params.NotBefore)
	}
	if !params.ExpiresAt.IsZero() {
		builder = builder.WithExpiration(params.ExpiresAt)
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("ucantoken: building token: %w", err)
	}
	return token, nil
}
