package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/qri-io/ucan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fission-codes/account-service/internal/capability"
	"github.com/fission-codes/account-service/internal/dbtest"
	"github.com/fission-codes/account-service/internal/identity"
	"github.com/fission-codes/account-service/internal/ucantoken"
)

func newTestStore(t *testing.T) (*SQLStore, clock.FakeClock) {
	t.Helper()
	dbMap := dbtest.NewDbMap(t)
	dbtest.Truncate(t, dbMap)
	fc := clock.NewFake()
	fc.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(dbMap, fc, nil), fc
}

// issueAndPut mints a fresh delegation from issuer to audience over
// resource and persists it, returning its content-id.
func issueAndPut(t *testing.T, ctx context.Context, store *SQLStore, issuer *identity.KeyPair, audience identity.DID, resource capability.Resource, proofs []string) string {
	t.Helper()
	encoded, err := ucantoken.Issue(ucantoken.IssueParams{
		Issuer:       issuer,
		Audience:     audience,
		Attenuations: ucan.Attenuations{capability.NewAttenuation(resource, capability.AbilityTop)},
		Proofs:       proofs,
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	cid := store.CID(encoded)
	require.NoError(t, store.Put(ctx, Record{
		CID:      cid,
		Encoded:  encoded,
		Issuer:   issuer.DID.String(),
		Audience: audience.String(),
		Proofs:   proofs,
	}))
	return cid
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	issuer, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	audience, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	cid := issueAndPut(t, ctx, store, issuer, audience.DID, capability.DIDResource(issuer.DID.String()), nil)
	rec, err := store.Get(ctx, cid)
	require.NoError(t, err)

	// Re-inserting the identical record must not error.
	require.NoError(t, store.Put(ctx, *rec))
}

func TestGetReturnsNotFoundForUnknownCID(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Get(ctx, "does-not-exist")
	assert.Error(t, err)
}

// TestAudienceClosureFollowsChainAndStopsAtMask builds a two-hop chain
// device <- service <- account, where the account's root delegation
// covers a different resource than an extra token the account issued
// to the service. The closure seeded on the device must include both
// hops of its own chain but must not pull in the extra token: its
// audience is in the closure, but its resource is outside the mask.
func TestAudienceClosureFollowsChainAndStopsAtMask(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	account, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	service, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	accountResource := capability.DIDResource(account.DID.String())

	rootCID := issueAndPut(t, ctx, store, account, service.DID, accountResource, nil)
	agentCID := issueAndPut(t, ctx, store, service, device.DID, accountResource, []string{rootCID})

	// A delegation from the account to the same service over a
	// different resource -- reachable by audience, but outside the
	// mask, so it must not appear in the device's closure.
	issueAndPut(t, ctx, store, account, service.DID, capability.VolumeResource(account.DID.String()), nil)

	closure, err := store.AudienceClosure(ctx, device.DID.String())
	require.NoError(t, err)

	assert.Contains(t, closure, agentCID)
	assert.Contains(t, closure, rootCID)
	assert.Len(t, closure, 2)
}

func TestAudienceClosureEmptyForUnknownAudience(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	closure, err := store.AudienceClosure(ctx, "did:key:zNobody")
	require.NoError(t, err)
	assert.Empty(t, closure)
}

func TestFindRootDelegation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	account, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	service, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	rootCID := issueAndPut(t, ctx, store, account, service.DID, capability.DIDResource(account.DID.String()), nil)

	rec, err := store.FindRootDelegation(ctx, account.DID.String(), service.DID.String())
	require.NoError(t, err)
	assert.Equal(t, rootCID, rec.CID)

	_, err = store.FindRootDelegation(ctx, "did:key:zNobody", service.DID.String())
	assert.Error(t, err)
}

func TestRecordIsExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := &Record{ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, rec.IsExpired(now))

	rec2 := &Record{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, rec2.IsExpired(now))

	rec3 := &Record{}
	assert.False(t, rec3.IsExpired(now), "a zero ExpiresAt means no expiration was set")
}
