// Package capability defines the closed resource/ability vocabulary this
// service's UCAN tokens are allowed to attenuate over, and the
// subsumption lattice a delegation chain is checked against. The chain
// walk and signature verification themselves belong to
// github.com/qri-io/ucan; this package only supplies the concrete
// Resource and Capability values that vocabulary is built from, plus
// the Contains predicates the library calls while checking that one
// token's attenuations are covered by another's.
package capability

import (
	"fmt"
	"strings"

	"github.com/qri-io/ucan"
)

// Ability names the closed set of actions a capability may grant.
type Ability string

const (
	// AbilityTop is the distinguished top element of the ability
	// lattice: it subsumes every other ability. The root delegation
	// minted during account bootstrap grants this, since the
	// freshly-minted account key needs to hand over unqualified
	// authority, not any one named ability.
	AbilityTop Ability = "*"

	AbilityAccountCreate      Ability = "account/create"
	AbilityAccountRead        Ability = "account/read"
	AbilityAccountManage      Ability = "account/manage"
	AbilityAccountDelete      Ability = "account/delete"
	AbilityAccountNoncritical Ability = "account/noncritical"
	AbilityCapabilityFetch    Ability = "capability/fetch"
	AbilityVolumeUpdate       Ability = "volume/update"
)

// namedAbilities is the closed set ParseAbility accepts. AbilityTop is
// deliberately excluded here; attenuationConstructor admits "*"
// separately, since the root delegations this service mints carry it
// and are parsed back from the token store.
var namedAbilities = map[Ability]bool{
	AbilityAccountCreate:      true,
	AbilityAccountRead:        true,
	AbilityAccountManage:      true,
	AbilityAccountDelete:      true,
	AbilityAccountNoncritical: true,
	AbilityCapabilityFetch:    true,
	AbilityVolumeUpdate:       true,
}

// ParseAbility validates a wire-format ability name against the
// closed vocabulary, rejecting "*".
func ParseAbility(s string) (Ability, error) {
	a := Ability(s)
	if !namedAbilities[a] {
		return "", fmt.Errorf("capability: unknown ability %q", s)
	}
	return a, nil
}

// Contains reports whether a, held as a capability, subsumes other --
// i.e. whether proving "a" also proves "other". ⊤ subsumes everything;
// account/noncritical subsumes itself, account/read, and
// account/create, but not account/manage or account/delete; every
// other ability subsumes only itself. This is the total function the
// delegation resolver's attenuation check runs at every hop of a chain.
func (a Ability) Contains(other Ability) bool {
	if a == AbilityTop || a == other {
		return true
	}
	if a == AbilityAccountNoncritical {
		return other == AbilityAccountRead || other == AbilityAccountCreate
	}
	return false
}

// ResourceKind distinguishes the closed set of things a capability can
// name: an account DID, a volume rooted under an account's DID, or
// the "all provable" wildcard that stands in for any resource a
// chain's proofs already cover.
type ResourceKind string

const (
	ResourceDID         ResourceKind = "did"
	ResourceVolume      ResourceKind = "volume"
	ResourceAllProvable ResourceKind = "prf"
)

// Resource identifies the account or volume a capability's ability
// applies to, or the AllProvable wildcard. It satisfies ucan.Resource.
type Resource struct {
	Kind ResourceKind
	ID   string
}

var _ ucan.Resource = Resource{}

// Type returns the resource kind, satisfying ucan.Resource.
func (r Resource) Type() string { return string(r.Kind) }

// Value returns the resource identifier (a DID), satisfying
// ucan.Resource. AllProvable carries no identifier.
func (r Resource) Value() string { return r.ID }

// Contains reports whether r, held as a resource, authorizes
// everything named by b: either r is the AllProvable wildcard, or r
// and b name the same kind and identifier.
func (r Resource) Contains(b ucan.Resource) bool {
	if r.Kind == ResourceAllProvable {
		return true
	}
	other, ok := b.(Resource)
	if !ok {
		return false
	}
	return r.Kind == other.Kind && r.ID == other.ID
}

// DIDResource scopes a capability to one account DID.
func DIDResource(did string) Resource {
	return Resource{Kind: ResourceDID, ID: did}
}

// VolumeResource scopes a capability to one account's volume. Volumes
// are keyed by the owning account's DID, not a separate identifier.
func VolumeResource(accountDID string) Resource {
	return Resource{Kind: ResourceVolume, ID: accountDID}
}

// AllProvableResource is the wildcard resource that matches anything
// a chain's accumulated proofs already establish.
func AllProvableResource() Resource {
	return Resource{Kind: ResourceAllProvable}
}

// NewAttenuation adapts a Resource/Ability pair into the
// ucan.Attenuation the token envelope and parser operate on.
func NewAttenuation(r Resource, ability Ability) ucan.Attenuation {
	return ucan.Attenuation{Rsc: r, Cap: abilityCap(ability)}
}

func abilityCap(a Ability) ucan.Capability {
	return capabilityAdapter{a}
}

// capabilityAdapter satisfies ucan.Capability by delegating straight
// to Ability.Contains, so the subsumption rule lives in exactly one
// place regardless of which side of the library boundary calls it.
type capabilityAdapter struct{ ability Ability }

func (c capabilityAdapter) String() string { return string(c.ability) }

func (c capabilityAdapter) Contains(other ucan.Capability) bool {
	o, ok := other.(capabilityAdapter)
	if !ok {
		return false
	}
	return c.ability.Contains(o.ability)
}

// attenuationConstructor builds a ucan.Attenuation out of the decoded
// JSON map found in a token's "att" entry. Each entry carries exactly
// one resource field -- "did", "volume", or "prf" (value always "*")
// -- plus the ucan.CapKey ("cap") ability name. This is the single
// place token attenuations are translated from wire form into the
// Resource/Ability types above, and it is where an unknown ability
// name is rejected.
func attenuationConstructor(m map[string]interface{}) (ucan.Attenuation, error) {
	var (
		capName string
		rsc     Resource
		sawRsc  bool
	)
	for key, raw := range m {
		val, ok := raw.(string)
		if !ok {
			return ucan.Attenuation{}, fmt.Errorf("capability: attenuation field %q must be a string", key)
		}
		if key == ucan.CapKey {
			capName = val
			continue
		}
		kind := ResourceKind(strings.TrimSpace(key))
		switch kind {
		case ResourceDID, ResourceVolume:
			rsc = Resource{Kind: kind, ID: val}
		case ResourceAllProvable:
			rsc = Resource{Kind: ResourceAllProvable}
		default:
			return ucan.Attenuation{}, fmt.Errorf("capability: unknown resource kind %q", key)
		}
		sawRsc = true
	}
	if !sawRsc {
		return ucan.Attenuation{}, fmt.Errorf("capability: attenuation missing a resource field")
	}
	if capName == "" {
		return ucan.Attenuation{}, fmt.Errorf("capability: attenuation missing %q", ucan.CapKey)
	}
	ability := Ability(capName)
	if ability != AbilityTop && !namedAbilities[ability] {
		return ucan.Attenuation{}, fmt.Errorf("capability: unknown ability %q", capName)
	}
	return ucan.Attenuation{Rsc: rsc, Cap: abilityCap(ability)}, nil
}

// AttenuationConstructor exposes the parser hook for internal/ucantoken.
func AttenuationConstructor() func(map[string]interface{}) (ucan.Attenuation, error) {
	return attenuationConstructor
}

// Grants reports whether held contains a capability sufficient to
// authorize performing ability on resource r -- i.e. whether some
// attenuation in held both covers r and grants an ability at least as
// strong as ability.
func Grants(held ucan.Attenuations, r Resource, ability Ability) bool {
	want := ucan.Attenuations{NewAttenuation(r, ability)}
	return held.Contains(want)
}
