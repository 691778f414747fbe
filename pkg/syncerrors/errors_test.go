package syncerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNetworkErrorUnwraps(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := &NetworkError{Retryable: true, Err: base}

	wrapped := fmt.Errorf("pull failed: %w", err)

	var netErr *NetworkError
	require.True(t, errors.As(wrapped, &netErr))
	require.True(t, netErr.Retryable)
	require.ErrorIs(t, wrapped, base)
}

func TestCryptoFailedErrorCarriesLocation(t *testing.T) {
	err := &CryptoFailedError{Table: "notes", Column: "body", Err: errors.New("aead: message authentication failed")}

	var cryptoErr *CryptoFailedError
	require.True(t, errors.As(error(err), &cryptoErr))
	require.Equal(t, "notes", cryptoErr.Table)
	require.Equal(t, "body", cryptoErr.Column)
}

func TestDistinctTypesDoNotMatchEachOther(t *testing.T) {
	var netErr error = &NetworkError{Err: errors.New("x")}

	var backendErr *BackendDisabledError
	require.False(t, errors.As(netErr, &backendErr))
}
