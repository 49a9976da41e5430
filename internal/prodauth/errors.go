package prodauth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured indicates that a product has no registered credential.
	ErrNotConfigured = errors.New("product not configured")

	// ErrTransport indicates that a token exchange failed.
	ErrTransport = errors.New("token exchange failed")

	// ErrInvalidConfig indicates a credential or configuration rejected at registration time.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// NotConfiguredError is returned for products without a credential. It is
// permanent and should not be retried.
type NotConfiguredError struct {
	Product Product
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("product %s: %v", e.Product, ErrNotConfigured)
}

func (e *NotConfiguredError) Is(target error) bool {
	return target == ErrNotConfigured
}

// TransportError wraps network failures, non-2xx statuses and malformed
// token responses.
type TransportError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("token exchange with %s: status %d: %v", e.URL, e.StatusCode, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("token exchange with %s: status %d", e.URL, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("token exchange with %s: %v", e.URL, e.Cause)
	default:
		return fmt.Sprintf("token exchange with %s failed", e.URL)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ConfigurationError reports a credential or setting that failed validation.
type ConfigurationError struct {
	Product Product
	Field   string
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Product != "" {
		msg = fmt.Sprintf("product %s: %s", e.Product, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("config error: %s: %v", msg, e.Cause)
	}
	return "config error: " + msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func newConfigError(product Product, field, message string) *ConfigurationError {
	return &ConfigurationError{Product: product, Field: field, Message: message}
}

// IsRetryable reports whether a later header request may succeed without a
// configuration change.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrInvalidConfig) {
		return false
	}
	return errors.Is(err, ErrTransport)
}
