package procmetrics

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnonRSSSelf(t *testing.T) {
	pid := int32(os.Getpid())
	kib, err := AnonRSS(pid)
	require.NoError(t, err)
	require.GreaterOrEqual(t, kib, uint64(0))
}

func TestSharedRSSSelf(t *testing.T) {
	pid := int32(os.Getpid())
	kib, err := SharedRSS(pid)
	require.NoError(t, err)
	require.GreaterOrEqual(t, kib, uint64(0))
}

func TestRSSUnavailableForDeadPid(t *testing.T) {
	// A pid that is exceedingly unlikely to exist.
	_, err := AnonRSS(int32(1 << 30))
	require.ErrorIs(t, err, ErrUnavailable)
}
