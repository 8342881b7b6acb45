package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "kind only",
			err:      NewError(ErrUnitAlreadyExists, "create unit", "pc1", nil),
			expected: "create unit pc1: unit already exists",
		},
		{
			name:     "kind and cause",
			err:      NewError(ErrBackendUnavailable, "list units", "", errors.New("dial unix: no such file")),
			expected: "list units: backend unavailable: dial unix: no such file",
		},
		{
			name:     "wrapped kind is not repeated",
			err:      Wrap("deploy unit", "pc1", NewError(ErrUnitAlreadyExists, "create unit", "netlab_alice_pc1", nil)),
			expected: "deploy unit pc1: create unit netlab_alice_pc1: unit already exists",
		},
		{
			name:     "unclassified",
			err:      Wrap("start unit", "pc2", errors.New("boom")),
			expected: "start unit pc2: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

// TestLabError_Is verifies that kinds survive wrapping by both LabError and
// fmt.Errorf.
func TestLabError_Is(t *testing.T) {
	inner := NewError(ErrResourceInUse, "delete network", "netlab_alice_A", nil)
	wrapped := fmt.Errorf("teardown: %w", Wrap("release", "A", inner))

	assert.True(t, errors.Is(wrapped, ErrResourceInUse))
	assert.False(t, errors.Is(wrapped, ErrValidation))
	assert.Equal(t, ErrResourceInUse, KindOf(wrapped))
	assert.Nil(t, KindOf(errors.New("plain")))
	assert.Nil(t, Wrap("op", "x", nil))

	var le *LabError
	require.True(t, errors.As(wrapped, &le))
	assert.Equal(t, "A", le.Name)
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		err      error
		expected ExitCode
	}{
		{nil, ExitSuccess},
		{Validationf("unit", "r1", "bad"), ExitValidation},
		{NewError(ErrUnitAlreadyExists, "create unit", "r1", nil), ExitUnitAlreadyExists},
		{NewError(ErrBackendUnavailable, "ping", "", nil), ExitBackendUnavailable},
		{errors.New("other"), ExitGeneralError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ExitCodeFor(tt.err))
	}
}

func TestCLIError(t *testing.T) {
	underlying := errors.New("daemon down")

	err := WrapCLIError("deploy failed", NewError(ErrBackendUnavailable, "ping", "", underlying))

	assert.Equal(t, ExitBackendUnavailable, err.Code)
	assert.Equal(t, "deploy failed: ping: backend unavailable: daemon down", err.Error())
	assert.True(t, errors.Is(err, underlying))

	plain := NewCLIError(ExitLabNotFound, "no lab.yaml")
	assert.Equal(t, "no lab.yaml", plain.Error())
	assert.Nil(t, plain.Unwrap())
}
