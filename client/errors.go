package client

import (
	"errors"
	"fmt"
)

// ErrSessionExpired is returned by MakeAuthenticatedRequest when a protected
// call is rejected with 401. Local session state has already been cleared and
// a fresh login started by the time the caller sees it.
var ErrSessionExpired = errors.New("session expired")

// ErrPopupClosed settles LoginWithPopup when the popup window is closed before
// it reports back.
var ErrPopupClosed = errors.New("popup closed before login completed")

// ConfigurationError reports an invalid client configuration or a missing
// platform capability.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ProtocolError reports a callback that violates the authorization code flow.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// TransportError reports a failed call to the authorization server.
type TransportError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func protocolError(msg string) error {
	return &ProtocolError{Message: msg}
}
