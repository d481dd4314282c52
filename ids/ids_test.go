package ids_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipe-blockchain/ic/ids"
)

func TestCanisterIdFromBytesTruncatesAndZeroPads(t *testing.T) {
	short := ids.CanisterIdFromBytes([]byte{1, 2, 3})
	require.Equal(t, "01020300000000000000", short.String())

	long := ids.CanisterIdFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	require.Equal(t, "0102030405060708090a", long.String())
}

func TestMintedIdsAreUnique(t *testing.T) {
	require.NotEqual(t, ids.NewModuleId(), ids.NewModuleId())
	require.NotEqual(t, ids.NewMemoryId(), ids.NewMemoryId())
	require.NotEqual(t, ids.NewExecutionId(), ids.NewExecutionId())
}

func TestCanisterIdIsMapKeyable(t *testing.T) {
	m := map[ids.CanisterId]int{}
	a := ids.CanisterIdFromBytes([]byte{9})
	b := ids.CanisterIdFromBytes([]byte{9})
	m[a] = 1
	m[b] = 2
	require.Len(t, m, 1, "equal byte contents must hash to the same key")
}
