package lspproxy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestConnectionError_Creation tests ConnectionError creation and formatting.
func TestConnectionError_Creation(t *testing.T) {
	innerErr := fmt.Errorf("address already in use")
	err := &ConnectionError{Addr: "127.0.0.1:7658", Err: innerErr}

	require.Error(t, err)
	require.Contains(t, err.Error(), "127.0.0.1:7658")
	require.Contains(t, err.Error(), "address already in use")
	require.ErrorIs(t, err, innerErr)
}

// TestConnectionError_AsType tests that wrapped connection errors can be extracted.
func TestConnectionError_AsType(t *testing.T) {
	wrapped := fmt.Errorf("start: %w", &ConnectionError{Addr: ":0", Err: ErrCancelled})

	connErr, ok := errors.AsType[*ConnectionError](wrapped)
	require.True(t, ok)
	require.Equal(t, ":0", connErr.Addr)
	require.ErrorIs(t, wrapped, ErrCancelled)
}

// TestProxyError_Interface tests that typed errors satisfy ProxyError.
func TestProxyError_Interface(t *testing.T) {
	for _, err := range []error{
		&ConnectionError{Err: ErrCancelled},
		&FrameError{Err: ErrConnectionClosed},
	} {
		pe, ok := errors.AsType[ProxyError](err)
		require.True(t, ok)
		require.True(t, pe.IsProxyError())
	}
}

// TestSentinelErrors_Distinct tests that sentinels do not match each other.
func TestSentinelErrors_Distinct(t *testing.T) {
	sentinels := []error{ErrProxyClosed, ErrConnectionClosed, ErrCancelled, ErrPortChanged, ErrUnsupported}

	for i, a := range sentinels {
		for j, b := range sentinels {
			require.Equal(t, i == j, errors.Is(a, b), "%v vs %v", a, b)
		}
	}
}
