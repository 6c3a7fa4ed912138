// Package authority is the HTTP-layer extraction point that pulls a
// bearer capability token out of a request and authorizes it against
// the ability a route requires, handing the verified token straight
// back to the caller.
package authority

import (
	"net/http"
	"strings"

	"github.com/qri-io/ucan"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/capability"
	"github.com/fission-codes/account-service/internal/delegation"
)

// Authority checks bearer tokens against the capability model for
// every request it's asked to guard.
type Authority struct {
	checker *delegation.Checker
}

// New returns an Authority backed by checker.
func New(checker *delegation.Checker) *Authority {
	return &Authority{checker: checker}
}

// Authorize extracts r's bearer token and checks it against resource
// and ability directly, for handlers that only learn the resource a
// request concerns (e.g. a path-scoped account DID) after routing.
func (a *Authority) Authorize(r *http.Request, resource capability.Resource, ability capability.Ability) (*ucan.Token, error) {
	encoded, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	return a.checker.Authorize(r.Context(), encoded, resource, ability)
}

// AuthorizeSelf extracts r's bearer token and checks that its issuer
// holds ability over its own DID, returning the verified token and
// that DID. Used by routes whose subject is the presenter itself
// rather than a resource named in the path (account creation,
// capability-closure lookup).
func (a *Authority) AuthorizeSelf(r *http.Request, ability capability.Ability) (*ucan.Token, string, error) {
	encoded, err := bearerToken(r)
	if err != nil {
		return nil, "", err
	}
	return a.checker.AuthorizeSelf(r.Context(), encoded, ability)
}

// AuthorizeImplicit extracts r's bearer token and authorizes it
// against ability over whatever resource its own attenuation names,
// returning the verified token and that resource.
func (a *Authority) AuthorizeImplicit(r *http.Request, ability capability.Ability) (*ucan.Token, capability.Resource, error) {
	encoded, err := bearerToken(r)
	if err != nil {
		return nil, capability.Resource{}, err
	}
	return a.checker.AuthorizeImplicit(r.Context(), encoded, ability)
}

// bearerToken extracts the presenter token from the Authorization
// header. A missing or empty header is MissingCredentials, distinct
// from the errors internal/delegation returns for a header that's
// present but fails to decode or verify.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apierror.MissingCredentialsError("authority: missing bearer token")
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", apierror.MissingCredentialsError("authority: empty bearer token")
	}
	return token, nil
}
