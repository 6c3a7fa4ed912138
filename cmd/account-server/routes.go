package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/fission-codes/account-service/internal/account"
	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/authority"
	"github.com/fission-codes/account-service/internal/blog"
	"github.com/fission-codes/account-service/internal/capability"
	"github.com/fission-codes/account-service/internal/emailverify"
	"github.com/fission-codes/account-service/internal/identity"
	"github.com/fission-codes/account-service/internal/revocation"
	"github.com/fission-codes/account-service/internal/tokenstore"
	"github.com/fission-codes/account-service/internal/web"
)

// registerRoutes wires the account/capability HTTP surface onto mux.
func registerRoutes(
	mux *http.ServeMux,
	auth *authority.Authority,
	accounts *account.Engine,
	emails *emailverify.Store,
	tok *tokenstore.SQLStore,
	revoke *revocation.Store,
	relay *emailverify.Hub,
	logger blog.Logger,
) {
	mux.HandleFunc("/api/v0/server-did", handleServerDID(accounts))
	mux.HandleFunc("/api/v0/auth/email/verify", handleEmailVerifyRequest(emails, logger))
	mux.HandleFunc("/api/v0/account", handleAccount(accounts, emails, auth, logger))
	mux.HandleFunc("/api/v0/account/username/", handleRename(accounts, auth, logger))
	mux.HandleFunc("/api/v0/account/", handleAccountByDID(accounts, auth, logger))
	mux.HandleFunc("/api/v0/capabilities", handleCapabilityClosure(tok, revoke, auth, logger))
	mux.HandleFunc("/api/v0/revocations", handleRevoke(revoke, logger))
	mux.HandleFunc("/api/v0/relay/", handleRelay(relay))
}

func handleServerDID(accounts *account.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(accounts.ServiceDID().String()))
	}
}

type emailVerifyRequestBody struct {
	Email string `json:"email"`
}

// handleEmailVerifyRequest mints and dispatches a verification code
// for an email address, ahead of any account existing for it.
func handleEmailVerifyRequest(emails *emailverify.Store, logger blog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev := &web.RequestEvent{Method: r.Method, Path: r.URL.Path}
		if r.Method != http.MethodPost {
			web.SendError(logger, w, ev, apierror.MalformedError("expected POST"))
			return
		}
		var body emailVerifyRequestBody
		if err := web.DecodeJSON(r, &body); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		if _, err := emails.Request(r.Context(), body.Email); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type bootstrapRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Code     string `json:"code"`
}

type bootstrapResponseBody struct {
	Account account.Account `json:"account"`
	UCANs   []string        `json:"ucans"`
}

// handleAccount serves /api/v0/account: POST creates an account via
// the three-party bootstrap protocol, and DELETE removes whichever
// account the presented delegation is scoped to (the DID is not named
// in the path at all for either verb).
func handleAccount(accounts *account.Engine, emails *emailverify.Store, auth *authority.Authority, logger blog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleBootstrap(accounts, emails, auth, logger)(w, r)
		case http.MethodDelete:
			handleAccountDelete(accounts, auth, logger)(w, r)
		default:
			ev := &web.RequestEvent{Method: r.Method, Path: r.URL.Path}
			web.SendError(logger, w, ev, apierror.MalformedError("unsupported method %s", r.Method))
		}
	}
}

// handleBootstrap implements the POST /api/v0/account case of
// handleAccount: the device presents a self-signed claim of
// account/create over its own DID as the bearer token, and the body
// carries the username/email/code triple.
func handleBootstrap(accounts *account.Engine, emails *emailverify.Store, auth *authority.Authority, logger blog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev := &web.RequestEvent{Method: r.Method, Path: r.URL.Path}

		_, deviceDID, err := auth.AuthorizeSelf(r, capability.AbilityAccountCreate)
		if err != nil {
			web.SendError(logger, w, ev, err)
			return
		}

		var body bootstrapRequest
		if err := web.DecodeJSON(r, &body); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		if err := emails.Confirm(r.Context(), body.Email, body.Code); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}

		result, err := accounts.Bootstrap(r.Context(), account.BootstrapParams{
			Username:  body.Username,
			Email:     body.Email,
			DeviceDID: identity.DID(deviceDID),
		})
		if err != nil {
			web.SendError(logger, w, ev, err)
			return
		}

		web.WriteJSON(w, http.StatusCreated, bootstrapResponseBody{
			Account: result.Account,
			UCANs:   []string{result.RootDelegation, result.AgentDelegation},
		})
	}
}

// handleAccountByDID serves GET /api/v0/account/{did}.
func handleAccountByDID(accounts *account.Engine, auth *authority.Authority, logger blog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev := &web.RequestEvent{Method: r.Method, Path: r.URL.Path}
		did := strings.TrimPrefix(r.URL.Path, "/api/v0/account/")
		if did == "" || r.Method != http.MethodGet {
			web.SendError(logger, w, ev, apierror.NotFoundError("no account DID given"))
			return
		}
		if _, err := auth.Authorize(r, capability.DIDResource(did), capability.AbilityAccountRead); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		a, err := accounts.Get(r.Context(), identity.DID(did))
		if err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		web.WriteJSON(w, http.StatusOK, a)
	}
}

// handleRename serves PATCH /api/v0/account/username/{new}. The
// account being renamed is not named in the path at all: it's whatever
// account DID the presented delegation is scoped to.
func handleRename(accounts *account.Engine, auth *authority.Authority, logger blog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev := &web.RequestEvent{Method: r.Method, Path: r.URL.Path}
		newUsername := strings.TrimPrefix(r.URL.Path, "/api/v0/account/username/")
		if newUsername == "" || r.Method != http.MethodPatch {
			web.SendError(logger, w, ev, apierror.MalformedError("expected PATCH with a new username"))
			return
		}
		_, resource, err := auth.AuthorizeImplicit(r, capability.AbilityAccountManage)
		if err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		if err := accounts.Rename(r.Context(), identity.DID(resource.Value()), newUsername); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleAccountDelete serves DELETE /api/v0/account.
func handleAccountDelete(accounts *account.Engine, auth *authority.Authority, logger blog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev := &web.RequestEvent{Method: r.Method, Path: r.URL.Path}
		_, resource, err := auth.AuthorizeImplicit(r, capability.AbilityAccountDelete)
		if err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		if err := accounts.Delete(r.Context(), identity.DID(resource.Value())); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type capabilitiesResponse struct {
	UCANs   map[string]string `json:"ucans"`
	Revoked []string          `json:"revoked"`
}

// handleCapabilityClosure serves GET /api/v0/capabilities: the
// requester's own audience closure, annotated with which of those
// tokens are revoked.
func handleCapabilityClosure(tok *tokenstore.SQLStore, revoke *revocation.Store, auth *authority.Authority, logger blog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev := &web.RequestEvent{Method: r.Method, Path: r.URL.Path}
		if r.Method != http.MethodGet {
			web.SendError(logger, w, ev, apierror.MalformedError("expected GET"))
			return
		}
		_, deviceDID, err := auth.AuthorizeSelf(r, capability.AbilityCapabilityFetch)
		if err != nil {
			web.SendError(logger, w, ev, err)
			return
		}

		closure, err := tok.AudienceClosure(r.Context(), deviceDID)
		if err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		cids := make([]string, 0, len(closure))
		ucans := make(map[string]string, len(closure))
		for cid, rec := range closure {
			cids = append(cids, cid)
			ucans[cid] = rec.Encoded
		}
		revoked, err := revoke.FilterRevoked(r.Context(), cids)
		if err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		revokedList := make([]string, 0, len(revoked))
		for cid := range revoked {
			revokedList = append(revokedList, cid)
		}

		web.WriteJSON(w, http.StatusOK, capabilitiesResponse{UCANs: ucans, Revoked: revokedList})
	}
}

type revokeRequest struct {
	Iss       string `json:"iss"`
	Revoke    string `json:"revoke"`
	Challenge string `json:"challenge"`
}

// handleRevoke serves POST /api/v0/revocations. Authorization here is
// self-authenticating rather than capability-gated: the body names the
// DID claiming revocation authority (iss) and carries a
// signature over the cid being revoked (challenge), proving iss
// controls that DID's private key. internal/revocation then checks
// that iss actually appears in the token's own witness tree.
func handleRevoke(revoke *revocation.Store, logger blog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev := &web.RequestEvent{Method: r.Method, Path: r.URL.Path}
		if r.Method != http.MethodPost {
			web.SendError(logger, w, ev, apierror.MalformedError("expected POST"))
			return
		}
		var body revokeRequest
		if err := web.DecodeJSON(r, &body); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		if err := verifyRevocationChallenge(body.Iss, body.Revoke, body.Challenge); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		if err := revoke.Revoke(r.Context(), body.Revoke, body.Iss); err != nil {
			web.SendError(logger, w, ev, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// revocationChallengeEncoding is standard base64 with no padding, the
// same encoding the original revocation record uses for its signature
// (data_encoding::BASE64_NOPAD), not the URL-safe variant.
var revocationChallengeEncoding = base64.StdEncoding.WithPadding(base64.NoPadding)

// verifyRevocationChallenge checks that challenge is a base64-encoded
// Ed25519 signature, by iss's own key, over "REVOKE:<cid>" -- proof
// that the caller controls iss without requiring a capability token at
// all. The "REVOKE:" prefix keeps a revocation challenge from doubling
// as a signature over any other cid-shaped value.
func verifyRevocationChallenge(iss, cid, challenge string) error {
	if iss == "" || cid == "" || challenge == "" {
		return apierror.MalformedError("revocation: iss, revoke, and challenge are all required")
	}
	pub, err := identity.ParsePublicKey(identity.DID(iss))
	if err != nil {
		return apierror.InvalidDIDError("revocation: %s", err)
	}
	sig, err := revocationChallengeEncoding.DecodeString(challenge)
	if err != nil {
		return apierror.MalformedError("revocation: challenge is not valid base64: %s", err)
	}
	if !ed25519.Verify(pub, []byte("REVOKE:"+cid), sig) {
		return apierror.UnauthorizedError("revocation: challenge does not verify against iss %q", iss)
	}
	return nil
}

// handleRelay serves GET /api/v0/relay/{topic}, a websocket fan-out of
// whatever gets published to that topic -- verification codes in
// development setups, per internal/emailverify's generic Hub.
func handleRelay(relay *emailverify.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := strings.TrimPrefix(r.URL.Path, "/api/v0/relay/")
		if topic == "" || relay == nil {
			http.NotFound(w, r)
			return
		}
		relay.ServeHTTP(w, r, topic)
	}
}
