package errors

import "errors"

// This package defines the centralized set of sentinel errors for the
// application. Services return these recognizable errors without coupling
// themselves to HTTP status codes; the API layer maps them with
// `errors.Is()` in one place.

var (
	// ErrNotFound signifies that a requested resource could not be
	// located, e.g. loading a chat id the backend does not know.
	// Mapped to 404 Not Found.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation signifies that client input failed validation
	// before any network call was made. Mapped to 400 Bad Request.
	ErrValidation = errors.New("validation failed")

	// ErrBusy signifies that another send or generation operation is
	// already in flight for the session. The rejected request is
	// dropped with a notification, never queued.
	ErrBusy = errors.New("another operation is in progress")

	// ErrConfig signifies that a required server-side configuration
	// value (upstream API key or base URL) is missing. Fatal to the
	// specific proxy call; mapped to 500.
	ErrConfig = errors.New("server configuration missing")

	// ErrBadGateway signifies that upstream reported success but
	// returned an unparsable or unexpected body. Mapped to 502.
	ErrBadGateway = errors.New("malformed upstream response")

	// ErrInternal signifies an unexpected server error. Used to avoid
	// leaking implementation details to the client. Mapped to 500.
	ErrInternal = errors.New("internal server error")
)
