package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationFailedCarriesEveryViolation(t *testing.T) {
	err := ValidationFailed([]string{"Forbidden import: os", "Forbidden import: socket"})

	assert.True(t, errors.Is(err, ErrValidation))
	assert.Len(t, err.Details, 2)
	assert.Contains(t, err.Message, "os")
	assert.Contains(t, err.Message, "socket")
}

func TestSecurityIsAValidationError(t *testing.T) {
	err := SecurityViolation([]string{"Forbidden import: subprocess"})

	// Security errors must also satisfy ErrValidation so the HTTP layer
	// maps both to the same 4xx class.
	assert.True(t, errors.Is(err, ErrSecurity))
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestUnwrapThroughWrappedChain(t *testing.T) {
	inner := Timeout(10)
	wrapped := fmt.Errorf("running code: %w", inner)

	assert.True(t, errors.Is(wrapped, ErrTimeout))

	var appErr *AppError
	require.True(t, errors.As(wrapped, &appErr))
	assert.Equal(t, "execution timeout after 10 seconds", appErr.Message)
}

func TestNoHealthyBackendEnumeratesProviders(t *testing.T) {
	err := NoHealthyBackend([]string{"firecracker", "docker"}, []string{"docker", "firecracker"})

	assert.True(t, errors.Is(err, ErrInfrastructure))
	assert.Contains(t, err.Message, "Tried: firecracker, docker")
	assert.Contains(t, err.Message, "Registered providers: docker, firecracker")
	assert.Equal(t, []string{"firecracker", "docker"}, err.Details)
}
