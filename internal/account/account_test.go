package account

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/blog"
	"github.com/fission-codes/account-service/internal/dbtest"
	"github.com/fission-codes/account-service/internal/identity"
	"github.com/fission-codes/account-service/internal/tokenstore"
	"github.com/fission-codes/account-service/internal/ucantoken"
)

func newTestEngine(t *testing.T) (*Engine, clock.FakeClock) {
	t.Helper()
	dbMap := dbtest.NewDbMap(t)
	dbtest.Truncate(t, dbMap)
	fc := clock.NewFake()
	fc.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	log := blog.NewMock()
	tok := tokenstore.New(dbMap, fc, log)
	service, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	return New(dbMap, tok, fc, log, service, 0), fc
}

func TestBootstrapCreatesAccountAndDelegations(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	result, err := e.Bootstrap(ctx, BootstrapParams{
		Username:  "Alice",
		Email:     "alice@example.com",
		DeviceDID: device.DID,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Account.Username)
	assert.True(t, result.Account.DID.Valid())
	assert.NotEmpty(t, result.RootDelegation)
	assert.NotEmpty(t, result.AgentDelegation)

	agentToken, err := ucantoken.ParseAndVerify(ctx, e.tok, result.AgentDelegation)
	require.NoError(t, err)
	assert.Equal(t, device.DID.String(), agentToken.Audience.String())
	assert.Equal(t, e.ServiceDID().String(), agentToken.Issuer.String())

	rootToken, err := ucantoken.ParseAndVerify(ctx, e.tok, result.RootDelegation)
	require.NoError(t, err)
	assert.Equal(t, result.Account.DID.String(), rootToken.Issuer.String())
	assert.Equal(t, e.ServiceDID().String(), rootToken.Audience.String())

	fetched, err := e.Get(ctx, result.Account.DID)
	require.NoError(t, err)
	assert.Equal(t, "alice", fetched.Username)
}

func TestBootstrapRejectsInvalidUsername(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	_, err = e.Bootstrap(ctx, BootstrapParams{Username: "admin", Email: "x@example.com", DeviceDID: device.DID})
	assert.True(t, apierror.Is(err, apierror.InvalidUsername))
}

func TestBootstrapRejectsDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	device1, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	device2, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	_, err = e.Bootstrap(ctx, BootstrapParams{Username: "alice", Email: "a@example.com", DeviceDID: device1.DID})
	require.NoError(t, err)

	_, err = e.Bootstrap(ctx, BootstrapParams{Username: "alice", Email: "b@example.com", DeviceDID: device2.DID})
	assert.True(t, apierror.Is(err, apierror.Conflict))
}

func TestLinkAgentWitnessesExistingRoot(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	device1, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	result, err := e.Bootstrap(ctx, BootstrapParams{Username: "alice", Email: "a@example.com", DeviceDID: device1.DID})
	require.NoError(t, err)

	device2, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	encoded, err := e.LinkAgent(ctx, result.Account.DID, device2.DID)
	require.NoError(t, err)

	token, err := ucantoken.ParseAndVerify(ctx, e.tok, encoded)
	require.NoError(t, err)
	assert.Equal(t, device2.DID.String(), token.Audience.String())
}

func TestLinkAgentRequiresExistingRootDelegation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	ghost, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	_, err = e.LinkAgent(ctx, ghost.DID, device.DID)
	assert.True(t, apierror.Is(err, apierror.NotFound))
}

func TestRenameAndLookupDID(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	result, err := e.Bootstrap(ctx, BootstrapParams{Username: "alice", Email: "a@example.com", DeviceDID: device.DID})
	require.NoError(t, err)

	require.NoError(t, e.Rename(ctx, result.Account.DID, "newname"))

	did, found, err := e.LookupDID(ctx, "newname")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, result.Account.DID, did)

	_, found, err = e.LookupDID(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found, "the old username must no longer resolve")
}

func TestLookupDIDMissingUsername(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	_, found, err := e.LookupDID(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteRemovesAccount(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	result, err := e.Bootstrap(ctx, BootstrapParams{Username: "alice", Email: "a@example.com", DeviceDID: device.DID})
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, result.Account.DID))

	_, err = e.Get(ctx, result.Account.DID)
	assert.True(t, apierror.Is(err, apierror.NotFound))
}

func TestUpdateVolume(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	device, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	result, err := e.Bootstrap(ctx, BootstrapParams{Username: "alice", Email: "a@example.com", DeviceDID: device.DID})
	require.NoError(t, err)

	require.NoError(t, e.UpdateVolume(ctx, result.Account.DID, "some-cid"))
}
