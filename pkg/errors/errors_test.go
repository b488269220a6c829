package errors_test

import (
	"errors"
	"fmt"
	"testing"

	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNewErrorWithMessage(t *testing.T) {
	err := pkgErrors.NewErrorWithMessage("cannot decrypt keystore", pkgErrors.ErrCredential)
	require.True(t, errors.Is(err, pkgErrors.ErrCredential))
	require.False(t, errors.Is(err, pkgErrors.ErrNetwork))
	require.Equal(t, "credential failure: cannot decrypt keystore", err.Error())
}

func TestNewErrorChains(t *testing.T) {
	underlying := fmt.Errorf("connection reset")
	err := pkgErrors.NewError(pkgErrors.ErrNetwork, underlying)
	require.True(t, errors.Is(err, pkgErrors.ErrNetwork))
	require.True(t, errors.Is(err, underlying))
	require.Equal(t, "network failure: connection reset", err.Error())
}

func TestWrappedOfWrapped(t *testing.T) {
	inner := pkgErrors.NewErrorWithMessage("stage one", pkgErrors.ErrProtocol)
	outer := pkgErrors.NewErrorWithMessage("stage two", inner)
	require.True(t, errors.Is(outer, pkgErrors.ErrProtocol))
}
