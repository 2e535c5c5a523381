package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ValidationError indicates malformed input or an unsupported target.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// AuthenticationError indicates missing, expired or invalid credentials.
type AuthenticationError struct {
	Vendor string
	Reason string
}

func (e AuthenticationError) Error() string {
	if e.Vendor == "" {
		return fmt.Sprintf("authentication: %s", e.Reason)
	}
	return fmt.Sprintf("authentication (%s): %s", e.Vendor, e.Reason)
}

// IntegrityError is returned when a stored credential blob fails authentication,
// either because it was tampered with or because the vault key changed.
type IntegrityError struct {
	Reason string
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s", e.Reason)
}

// VendorAPIError is a non-success response from an external system.
type VendorAPIError struct {
	Vendor  string
	Op      string
	Status  int
	Message string
}

func (e VendorAPIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Vendor, e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Vendor, e.Op, e.Message)
}

// TimeoutError indicates a call exceeded its deadline.
type TimeoutError struct {
	Vendor string
	Op     string
	After  time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s %s exceeded %s", e.Vendor, e.Op, e.After)
}

// PreconditionError rejects an operation whose gate did not pass.
type PreconditionError struct {
	Reason  string
	Details map[string]any
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

// Classify converts deadline expiry into a TimeoutError and leaves every other
// error untouched. ctx is the context the call ran under.
func Classify(ctx context.Context, err error, vendor, op string, after time.Duration) error {
	if err == nil {
		return nil
	}
	var te TimeoutError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return TimeoutError{Vendor: vendor, Op: op, After: after}
	}
	return err
}

// Kind returns a short machine-readable name for err's category.
func Kind(err error) string {
	var (
		ve ValidationError
		ae AuthenticationError
		ie IntegrityError
		va VendorAPIError
		te TimeoutError
		pe PreconditionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ie):
		return "integrity_error"
	case errors.As(err, &te):
		return "timeout_error"
	case errors.As(err, &ae):
		return "authentication_error"
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &va):
		return "vendor_api_error"
	case errors.As(err, &pe):
		return "precondition_error"
	default:
		return "internal_error"
	}
}
