// Package web provides the HTTP error-rendering and request-logging
// conventions shared by every route: a problem-details body on
// failure, and an audit log line for server-side (5xx) failures.
package web

import (
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/fission-codes/account-service/internal/apierror"
	"github.com/fission-codes/account-service/internal/blog"
)

// Problem is one entry in an error response's "errors" array.
type Problem struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// ProblemResponse is the body every failed request gets:
// {"errors":[{"status":...,"title":...,"detail":...}]}.
type ProblemResponse struct {
	Errors []Problem `json:"errors"`
}

var titles = map[apierror.ErrorType]string{
	apierror.InternalServer:       "internal server error",
	apierror.Malformed:            "malformed request",
	apierror.Unauthorized:         "unauthorized",
	apierror.Forbidden:            "forbidden",
	apierror.NotFound:             "not found",
	apierror.Conflict:             "conflict",
	apierror.RateLimit:            "rate limited",
	apierror.InvalidDID:           "invalid DID",
	apierror.InvalidUsername:      "invalid username",
	apierror.InvalidCapability:    "insufficient capability",
	apierror.ExpiredToken:         "token expired",
	apierror.Revoked:              "token revoked",
	apierror.ConnectionFailure:    "upstream connection failure",
	apierror.MissingCredentials:   "missing credentials",
	apierror.TooLarge:             "request too large",
	apierror.UnsupportedMediaType: "unsupported media type",
	apierror.RequestTimeout:       "request timeout",
}

// RequestEvent is the per-request record SendError annotates with the
// response status and error. This package does not log it itself, and
// nothing in it sets Latency.
type RequestEvent struct {
	Method  string        `json:"method"`
	Path    string        `json:"path"`
	Status  int           `json:"status"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"error,omitempty"`
}

// SendError renders err as a problem-details JSON body with the
// appropriate HTTP status, and annotates ev for the caller to log
// afterward. Any error type this package doesn't recognize -- i.e.
// anything that isn't an *apierror.APIError -- is rendered as an
// internal server error without leaking its message to the client,
// though the original is still recorded on ev for the server's own
// logs.
func SendError(logger blog.Logger, w http.ResponseWriter, ev *RequestEvent, err error) {
	ev.Err = err.Error()

	apiErr, ok := err.(*apierror.APIError)
	if !ok {
		ev.Status = http.StatusInternalServerError
		logger.AuditErr("unrecognized error type reached SendError: " + err.Error())
		writeProblem(w, http.StatusInternalServerError, Problem{
			Status: http.StatusInternalServerError,
			Title:  "internal server error",
		})
		return
	}

	status := apiErr.HTTPStatus()
	ev.Status = status
	if status >= 500 {
		logger.AuditErr(ev.Path + ": " + apiErr.Detail)
	}

	writeProblem(w, status, Problem{
		Status: status,
		Title:  titles[apiErr.Type],
		Detail: apiErr.Detail,
	})
}

func writeProblem(w http.ResponseWriter, status int, p Problem) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemResponse{Errors: []Problem{p}})
}

// WriteJSON writes v as a JSON response body with status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MaxBodyBytes bounds every JSON request body DecodeJSON reads -- the
// blanket request-size ceiling the TooLarge error kind exists to
// enforce.
const MaxBodyBytes = 1 << 20 // 1 MiB

// DecodeJSON validates r's Content-Type and size before decoding its
// body into v: a request that sets a Content-Type other than
// application/json is UnsupportedMediaType (a request with no
// Content-Type is decoded as JSON), a body past MaxBodyBytes
// is TooLarge, and anything else that fails to parse is Malformed.
func DecodeJSON(r *http.Request, v interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			return apierror.UnsupportedMediaTypeError("expected Content-Type application/json, got %q", ct)
		}
	}
	r.Body = http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			return apierror.TooLargeError("request body exceeds %d bytes", MaxBodyBytes)
		}
		return apierror.MalformedError("invalid JSON body: %s", err)
	}
	return nil
}
