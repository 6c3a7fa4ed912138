package capability

import (
	"testing"

	"github.com/qri-io/ucan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbilityContains(t *testing.T) {
	cases := []struct {
		held, other Ability
		want        bool
	}{
		{AbilityTop, AbilityAccountDelete, true},
		{AbilityTop, AbilityTop, true},
		{AbilityAccountNoncritical, AbilityAccountRead, true},
		{AbilityAccountNoncritical, AbilityAccountCreate, true},
		{AbilityAccountNoncritical, AbilityAccountManage, false},
		{AbilityAccountNoncritical, AbilityAccountDelete, false},
		{AbilityAccountRead, AbilityAccountRead, true},
		{AbilityAccountRead, AbilityAccountManage, false},
		{AbilityVolumeUpdate, AbilityVolumeUpdate, true},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, c.held.Contains(c.other), "%s.Contains(%s)", c.held, c.other)
	}
}

func TestParseAbilityRejectsTop(t *testing.T) {
	_, err := ParseAbility("*")
	assert.Error(t, err, "a wire-format ability must never be able to name the top element")
}

func TestParseAbilityAcceptsNamed(t *testing.T) {
	a, err := ParseAbility("account/read")
	require.NoError(t, err)
	assert.Equal(t, AbilityAccountRead, a)
}

func TestResourceContains(t *testing.T) {
	did := DIDResource("did:key:zAlice")
	other := DIDResource("did:key:zAlice")
	differentDID := DIDResource("did:key:zBob")
	wildcard := AllProvableResource()

	assert.True(t, did.Contains(other))
	assert.False(t, did.Contains(differentDID))
	assert.True(t, wildcard.Contains(did), "AllProvable must subsume any concrete resource")
	assert.False(t, did.Contains(wildcard), "a concrete resource must not subsume the wildcard")

	volume := VolumeResource("did:key:zAlice")
	assert.False(t, did.Contains(volume), "a DID resource and a volume resource over the same DID are distinct kinds")
}

func TestGrants(t *testing.T) {
	held := ucan.Attenuations{
		NewAttenuation(DIDResource("did:key:zAlice"), AbilityAccountNoncritical),
	}
	assert.True(t, Grants(held, DIDResource("did:key:zAlice"), AbilityAccountRead))
	assert.True(t, Grants(held, DIDResource("did:key:zAlice"), AbilityAccountCreate))
	assert.False(t, Grants(held, DIDResource("did:key:zAlice"), AbilityAccountManage))
	assert.False(t, Grants(held, DIDResource("did:key:zBob"), AbilityAccountRead))
}

func TestAttenuationConstructorRoundTrip(t *testing.T) {
	construct := AttenuationConstructor()

	att, err := construct(map[string]interface{}{
		"did": "did:key:zAlice",
		"cap": "account/read",
	})
	require.NoError(t, err)
	rsc, ok := att.Rsc.(Resource)
	require.True(t, ok)
	assert.Equal(t, ResourceDID, rsc.Kind)
	assert.Equal(t, "did:key:zAlice", rsc.Value())

	_, err = construct(map[string]interface{}{
		"did": "did:key:zAlice",
		"cap": "account/explode",
	})
	assert.Error(t, err, "an unknown ability name must be rejected at decode time")

	_, err = construct(map[string]interface{}{
		"cap": "account/read",
	})
	assert.Error(t, err, "an attenuation with no resource field must be rejected")
}

func TestAttenuationConstructorAllowsTopFromWire(t *testing.T) {
	construct := AttenuationConstructor()
	att, err := construct(map[string]interface{}{
		"did": "did:key:zAlice",
		"cap": "*",
	})
	require.NoError(t, err)
	adapter, ok := att.Cap.(capabilityAdapter)
	require.True(t, ok)
	assert.Equal(t, AbilityTop, adapter.ability)
}
