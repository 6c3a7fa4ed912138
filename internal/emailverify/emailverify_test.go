package emailverify

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/dbtest"
)

func newTestStore(t *testing.T) (*Store, clock.FakeClock) {
	t.Helper()
	dbMap := dbtest.NewDbMap(t)
	dbtest.Truncate(t, dbMap)
	fc := clock.NewFake()
	fc.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(dbMap, fc, nil), fc
}

func TestRequestThenConfirmRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	code, err := s.Request(ctx, "Alice@Example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	require.NoError(t, s.Confirm(ctx, "alice@example.com", code))
}

func TestConfirmRejectsWrongCode(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Request(ctx, "alice@example.com")
	require.NoError(t, err)

	err = s.Confirm(ctx, "alice@example.com", "WRONGCODE")
	assert.True(t, apierror.Is(err, apierror.NotFound))
}

func TestConfirmCannotBeReplayed(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	code, err := s.Request(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, s.Confirm(ctx, "alice@example.com", code))

	err = s.Confirm(ctx, "alice@example.com", code)
	assert.True(t, apierror.Is(err, apierror.NotFound), "a code already consumed must not verify again")
}

func TestConfirmRejectsExpiredCode(t *testing.T) {
	ctx := context.Background()
	s, fc := newTestStore(t)

	code, err := s.Request(ctx, "alice@example.com")
	require.NoError(t, err)

	fc.Add(codeTTL + time.Minute)

	err = s.Confirm(ctx, "alice@example.com", code)
	assert.True(t, apierror.Is(err, apierror.ExpiredToken))
}

func TestRequestPublishesToRelay(t *testing.T) {
	ctx := context.Background()
	dbMap := dbtest.NewDbMap(t)
	dbtest.Truncate(t, dbMap)
	fc := clock.NewFake()
	hub := NewHub(nil)
	s := New(dbMap, fc, hub)

	msgs, unsubscribe := hub.Subscribe("email:alice@example.com")
	defer unsubscribe()

	code, err := s.Request(ctx, "alice@example.com")
	require.NoError(t, err)

	select {
	case got := <-msgs:
		assert.Equal(t, code, string(got))
	case <-time.After(time.Second):
		t.Fatal("expected the code to be published to the relay topic")
	}
}
