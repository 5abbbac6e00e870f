package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/breaker"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
	"github.com/harbormaster-io/harbormaster/internal/vault"
	"github.com/harbormaster-io/harbormaster/internal/wizard"
)

// Error codes returned in the envelope. Clients switch on these, never
// on message text.
const (
	CodeInvalidCredentials    = "auth.invalid_credentials"
	CodeTokenExpired          = "auth.token_expired"
	CodeTokenInvalid          = "auth.token_invalid"
	CodeRevoked               = "auth.revoked"
	CodeRateLimited           = "auth.rate_limited"
	CodeInsufficientRole      = "authz.insufficient_role"
	CodeHostDenied            = "authz.host_denied"
	CodeValidation            = "validation.invalid"
	CodeMissingField          = "validation.missing_field"
	CodeNotFound              = "resource.not_found"
	CodeConflict              = "resource.conflict"
	CodeHostNotFound          = "host.not_found"
	CodeHostInactive          = "host.inactive"
	CodeHostUnavailable       = "host.unavailable"
	CodeCredentialUnavailable = "host.credential_unavailable"
	CodeDockerConnection      = "docker.connection"
	CodeDockerOperation       = "docker.operation"
	CodeDockerTimeout         = "docker.timeout"
	CodeWizardInvalidStep     = "wizard.invalid_step"
	CodeWizardProbeFailed     = "wizard.probe_failed"
	CodeWizardCommitFailed    = "wizard.commit_failed"
	CodeInternal              = "internal.unexpected"
)

// WebSocket close codes for stream terminations.
const (
	CloseSlowConsumer   = 4008
	CloseOriginClosed   = 4010
	ClosePolicyViolated = 1008
)

// httpStatus maps an error code to its HTTP status.
func httpStatus(code string) int {
	switch code {
	case CodeInvalidCredentials, CodeTokenExpired, CodeTokenInvalid, CodeRevoked:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInsufficientRole, CodeHostDenied:
		return http.StatusForbidden
	case CodeValidation, CodeMissingField:
		return http.StatusBadRequest
	case CodeNotFound, CodeHostNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeWizardInvalidStep:
		return http.StatusConflict
	case CodeHostInactive, CodeHostUnavailable, CodeCredentialUnavailable:
		return http.StatusServiceUnavailable
	case CodeDockerConnection, CodeDockerOperation:
		return http.StatusBadGateway
	case CodeDockerTimeout:
		return http.StatusGatewayTimeout
	case CodeWizardProbeFailed, CodeWizardCommitFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error     errorDetail `json:"error"`
	Status    string      `json:"status"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// writeError emits the error envelope with the status mapped from code.
func writeError(w http.ResponseWriter, r *http.Request, code, message string) {
	writeErrorField(w, r, code, message, "")
}

func writeErrorField(w http.ResponseWriter, r *http.Request, code, message, field string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(code))
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     errorDetail{Code: code, Message: message, Field: field},
		Status:    "error",
		RequestID: requestIDFrom(r.Context()),
	})
}

// writeDomainError translates a domain error into the envelope.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := mapError(err)
	writeError(w, r, code, msg)
}

// mapError folds the domain error taxonomy into wire codes.
func mapError(err error) (code, message string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return CodeInvalidCredentials, "invalid username or password"
	case errors.Is(err, auth.ErrAccountLocked):
		return CodeRateLimited, "account temporarily locked"
	case errors.Is(err, auth.ErrRateLimited):
		return CodeRateLimited, "too many login attempts"
	case errors.Is(err, auth.ErrTokenExpired):
		return CodeTokenExpired, "token expired"
	case errors.Is(err, auth.ErrTokenInvalid):
		return CodeTokenInvalid, "token invalid"
	case errors.Is(err, auth.ErrTokenRevoked):
		return CodeRevoked, "token revoked"
	case errors.Is(err, auth.ErrForbidden):
		return CodeInsufficientRole, "permission denied"
	case errors.Is(err, auth.ErrUserNotFound):
		return CodeNotFound, "user not found"
	case errors.Is(err, auth.ErrUserExists):
		return CodeConflict, "username already exists"
	case errors.Is(err, auth.ErrLastAdmin):
		return CodeConflict, "cannot remove the last admin"
	case errors.Is(err, auth.ErrInvalidRole):
		return CodeValidation, "unknown role"
	case errors.Is(err, auth.ErrAdminOverride):
		return CodeValidation, "admins cannot carry host overrides"

	case errors.Is(err, hosts.ErrNotFound):
		return CodeHostNotFound, "host not found"
	case errors.Is(err, hosts.ErrNameExists):
		return CodeConflict, "host name already exists"
	case errors.Is(err, hosts.ErrInactive):
		return CodeHostInactive, "host is inactive"
	case errors.Is(err, hosts.ErrHasDefault):
		return CodeConflict, "cannot deactivate the default host"
	case errors.Is(err, hosts.ErrBadTransport):
		return CodeValidation, "unknown transport"

	case errors.Is(err, breaker.ErrOpen):
		return CodeHostUnavailable, "host circuit breaker is open"
	case errors.Is(err, vault.ErrUnavailable):
		return CodeCredentialUnavailable, "host credential unavailable"

	case errors.Is(err, wizard.ErrNotFound):
		return CodeNotFound, "wizard not found"
	case errors.Is(err, wizard.ErrExpired):
		return CodeNotFound, "wizard expired"
	case errors.Is(err, wizard.ErrFinished):
		return CodeWizardInvalidStep, "wizard already finished"
	case errors.Is(err, wizard.ErrUnknownKind):
		return CodeValidation, "unknown wizard kind"
	case errors.Is(err, wizard.ErrStepIncomplete):
		return CodeWizardInvalidStep, "current step is not complete"

	case errors.Is(err, context.DeadlineExceeded):
		return CodeDockerTimeout, "operation timed out"

	case cerrdefs.IsNotFound(err):
		return CodeNotFound, err.Error()
	case cerrdefs.IsConflict(err):
		return CodeConflict, err.Error()
	case cerrdefs.IsInvalidArgument(err):
		return CodeValidation, err.Error()
	case cerrdefs.IsUnavailable(err):
		return CodeDockerConnection, err.Error()
	}
	return CodeInternal, "unexpected error"
}

// writeDockerError is writeDomainError for errors that came back from a
// Docker call: anything unrecognised is the daemon's fault, not ours.
func writeDockerError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := mapError(err)
	if code == CodeInternal {
		code, msg = CodeDockerOperation, err.Error()
	}
	writeError(w, r, code, msg)
}
