package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable means the call never produced a usable envelope:
	// the connection failed, the status was not 2xx, or the body was not JSON.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrServerRejected matches every *ServerRejectedError.
	ErrServerRejected = errors.New("server rejected request")
)

// ServerRejectedError is returned when the remote answered with an envelope
// whose success field is not true. Such calls are never retried.
type ServerRejectedError struct {
	Controller string
	Action     string
	// Data is the envelope's data field, often an error description.
	Data json.RawMessage
}

func (e *ServerRejectedError) Error() string {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return fmt.Sprintf("%s/%s: %s", e.Controller, e.Action, ErrServerRejected)
	}
	return fmt.Sprintf("%s/%s: %s: %s", e.Controller, e.Action, ErrServerRejected, e.Data)
}

// Is reports whether target is ErrServerRejected.
func (e *ServerRejectedError) Is(target error) bool {
	return target == ErrServerRejected
}

// networkError wraps cause so that it matches ErrNetworkUnavailable while
// keeping the underlying error in the message.
func networkError(op string, cause error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrNetworkUnavailable, cause)
}
