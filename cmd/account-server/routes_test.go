package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/blog"
	"github.com/fission-codes/account-service/internal/capability"
	"github.com/fission-codes/account-service/internal/dbtest"
	"github.com/fission-codes/account-service/internal/identity"
	"github.com/fission-codes/account-service/internal/revocation"
	"github.com/fission-codes/account-service/internal/tokenstore"
	"github.com/fission-codes/account-service/internal/ucantoken"
	"github.com/qri-io/ucan"
)

// signRevocationChallenge is what a spec-compliant client does: sign
// "REVOKE:<cid>" with the issuer's own key and base64-std-no-pad
// encode the signature, matching the original Revocation::new.
func signRevocationChallenge(issuer *identity.KeyPair, cid string) string {
	sig := ed25519.Sign(issuer.PrivateKey, []byte("REVOKE:"+cid))
	return revocationChallengeEncoding.EncodeToString(sig)
}

func TestVerifyRevocationChallengeAcceptsRevokePrefixedSignature(t *testing.T) {
	issuer, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	cid := "some-canonical-cid"
	challenge := signRevocationChallenge(issuer, cid)

	assert.NoError(t, verifyRevocationChallenge(issuer.DID.String(), cid, challenge))
}

func TestVerifyRevocationChallengeRejectsUnprefixedSignature(t *testing.T) {
	issuer, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	cid := "some-canonical-cid"
	// A signature over the bare cid, without the "REVOKE:" prefix, must
	// not verify -- it's a different signed message entirely.
	sig := ed25519.Sign(issuer.PrivateKey, []byte(cid))
	challenge := revocationChallengeEncoding.EncodeToString(sig)

	err = verifyRevocationChallenge(issuer.DID.String(), cid, challenge)
	assert.True(t, apierror.Is(err, apierror.Unauthorized))
}

func TestVerifyRevocationChallengeRejectsURLSafeEncoding(t *testing.T) {
	issuer, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	cid := "some-canonical-cid"
	sig := ed25519.Sign(issuer.PrivateKey, []byte("REVOKE:"+cid))
	// A client that encodes with the URL-safe alphabet instead of
	// standard base64 produces a challenge this route must reject
	// rather than silently accept under a different interpretation.
	challenge := base64.RawURLEncoding.EncodeToString(sig)

	err = verifyRevocationChallenge(issuer.DID.String(), cid, challenge)
	assert.Error(t, err)
}

// TestHandleRevokeEndToEnd drives POST /api/v0/revocations exactly the
// way a spec-compliant client does: sign REVOKE:<cid> with the
// delegation's own issuer key, base64-std-no-pad encode it, and expect
// the token to come back revoked.
func TestHandleRevokeEndToEnd(t *testing.T) {
	ctx := context.Background()
	dbMap := dbtest.NewDbMap(t)
	dbtest.Truncate(t, dbMap)
	fc := clock.NewFake()
	fc.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tok := tokenstore.New(dbMap, fc, nil)
	revoke := revocation.New(dbMap, fc, tok)

	account, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	resource := capability.DIDResource(account.DID.String())
	encoded, err := ucantoken.Issue(ucantoken.IssueParams{
		Issuer:       account,
		Audience:     device.DID,
		Attenuations: ucan.Attenuations{capability.NewAttenuation(resource, capability.AbilityTop)},
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	cid := tok.CID(encoded)
	require.NoError(t, tok.Put(ctx, tokenstore.Record{
		CID: cid, Encoded: encoded, Issuer: account.DID.String(), Audience: device.DID.String(),
	}))

	body, err := json.Marshal(revokeRequest{
		Iss:       account.DID.String(),
		Revoke:    cid,
		Challenge: signRevocationChallenge(account, cid),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v0/revocations", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handleRevoke(revoke, blog.NewMock())(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	revoked, err := revoke.IsRevoked(ctx, cid)
	require.NoError(t, err)
	assert.True(t, revoked)
}
