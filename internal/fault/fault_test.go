package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := Classify(ctx, fmt.Errorf("post: %w", ctx.Err()), "jira", "create_tickets", 5*time.Second)
	var te TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "jira", te.Vendor)
	assert.Equal(t, "create_tickets", te.Op)
	assert.Contains(t, err.Error(), "timeout")
}

func TestClassifyLeavesOtherErrors(t *testing.T) {
	orig := VendorAPIError{Vendor: "slack", Op: "post_message", Status: 500, Message: "boom"}
	err := Classify(context.Background(), orig, "slack", "post_message", time.Second)
	assert.Equal(t, orig, err)
	assert.Nil(t, Classify(context.Background(), nil, "slack", "x", time.Second))
}

func TestKind(t *testing.T) {
	cases := map[string]error{
		"integrity_error":      fmt.Errorf("decrypt: %w", IntegrityError{Reason: "tag mismatch"}),
		"timeout_error":        TimeoutError{Vendor: "gcal"},
		"authentication_error": AuthenticationError{Reason: "missing token"},
		"validation_error":     ValidationError{Field: "status", Reason: "unknown"},
		"vendor_api_error":     VendorAPIError{Vendor: "jira", Status: 404},
		"precondition_error":   PreconditionError{Reason: "not ready"},
		"internal_error":       errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Kind(err), err.Error())
	}
}

type sample struct {
	Name  string `validate:"required"`
	Email string `validate:"omitempty,email"`
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(sample{Name: "ops"}))

	err := Validate(sample{})
	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "name", ve.Field)
	assert.Equal(t, "is required", ve.Reason)

	err = Validate(sample{Name: "ops", Email: "nope"})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "email", ve.Field)
}
