package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/qri-io/ucan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/capability"
	"github.com/fission-codes/account-service/internal/dbtest"
	"github.com/fission-codes/account-service/internal/identity"
	"github.com/fission-codes/account-service/internal/tokenstore"
	"github.com/fission-codes/account-service/internal/ucantoken"
)

func newTestStores(t *testing.T) (*Store, *tokenstore.SQLStore, clock.FakeClock) {
	t.Helper()
	dbMap := dbtest.NewDbMap(t)
	dbtest.Truncate(t, dbMap)
	fc := clock.NewFake()
	fc.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tok := tokenstore.New(dbMap, fc, nil)
	return New(dbMap, fc, tok), tok, fc
}

func issue(t *testing.T, tok *tokenstore.SQLStore, issuer *identity.KeyPair, audience identity.DID, resource capability.Resource, proofs []string) string {
	t.Helper()
	ctx := context.Background()
	encoded, err := ucantoken.Issue(ucantoken.IssueParams{
		Issuer:       issuer,
		Audience:     audience,
		Attenuations: ucan.Attenuations{capability.NewAttenuation(resource, capability.AbilityTop)},
		Proofs:       proofs,
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	cid := tok.CID(encoded)
	require.NoError(t, tok.Put(ctx, tokenstore.Record{
		CID: cid, Encoded: encoded, Issuer: issuer.DID.String(), Audience: audience.String(), Proofs: proofs,
	}))
	return cid
}

func TestRevokeByDirectIssuer(t *testing.T) {
	ctx := context.Background()
	revoke, tok, _ := newTestStores(t)

	account, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	cid := issue(t, tok, account, device.DID, capability.DIDResource(account.DID.String()), nil)

	require.NoError(t, revoke.Revoke(ctx, cid, account.DID.String()))
	revoked, err := revoke.IsRevoked(ctx, cid)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevokeByWitnessAncestor(t *testing.T) {
	ctx := context.Background()
	revoke, tok, _ := newTestStores(t)

	account, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	service, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	resource := capability.DIDResource(account.DID.String())
	rootCID := issue(t, tok, account, service.DID, resource, nil)
	agentCID := issue(t, tok, service, device.DID, resource, []string{rootCID})

	// account never directly issued the agent delegation, but it is
	// the issuer of the root delegation the agent token witnesses --
	// revocation authority must still be found by walking the chain.
	require.NoError(t, revoke.Revoke(ctx, agentCID, account.DID.String()))

	revoked, err := revoke.IsRevoked(ctx, agentCID)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevokeRejectsUnrelatedParty(t *testing.T) {
	ctx := context.Background()
	revoke, tok, _ := newTestStores(t)

	account, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	stranger, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	cid := issue(t, tok, account, device.DID, capability.DIDResource(account.DID.String()), nil)

	err = revoke.Revoke(ctx, cid, stranger.DID.String())
	assert.True(t, apierror.Is(err, apierror.Forbidden))

	revoked, err := revoke.IsRevoked(ctx, cid)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	revoke, tok, _ := newTestStores(t)

	account, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	cid := issue(t, tok, account, device.DID, capability.DIDResource(account.DID.String()), nil)

	require.NoError(t, revoke.Revoke(ctx, cid, account.DID.String()))
	// A second revocation of the same cid, even by an unrelated party,
	// must be a silent no-op rather than erroring: once revoked, always
	// revoked, regardless of who asks again.
	stranger, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, revoke.Revoke(ctx, cid, stranger.DID.String()))
}

func TestFilterRevoked(t *testing.T) {
	ctx := context.Background()
	revoke, tok, _ := newTestStores(t)

	account, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	revokedCID := issue(t, tok, account, device.DID, capability.DIDResource(account.DID.String()), nil)
	liveCID := issue(t, tok, account, device.DID, capability.VolumeResource(account.DID.String()), nil)

	require.NoError(t, revoke.Revoke(ctx, revokedCID, account.DID.String()))

	result, err := revoke.FilterRevoked(ctx, []string{revokedCID, liveCID})
	require.NoError(t, err)
	assert.True(t, result[revokedCID])
	assert.False(t, result[liveCID])
}

func TestIsRevokedFalseForUnknownCID(t *testing.T) {
	ctx := context.Background()
	revoke, _, _ := newTestStores(t)
	revoked, err := revoke.IsRevoked(ctx, "never-existed")
	require.NoError(t, err)
	assert.False(t, revoked)
}
