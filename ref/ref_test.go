package ref_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipe-blockchain/ic/ref"
)

type widget struct{ name string }

func TestOnZeroFiresExactlyOnceOnLastRelease(t *testing.T) {
	fired := 0
	strong := ref.New(&widget{name: "a"}, func(*widget) { fired++ })

	clone := strong.Clone()
	require.Equal(t, int64(2), strong.StrongCount())

	strong.Release()
	require.Equal(t, 0, fired, "onZero must not fire while a clone is still live")

	clone.Release()
	require.Equal(t, 1, fired)
}

func TestWeakUpgradeFailsAfterLastRelease(t *testing.T) {
	strong := ref.New(&widget{name: "b"}, func(*widget) {})
	weak := strong.Downgrade()

	upgraded, ok := weak.Upgrade()
	require.True(t, ok)
	require.True(t, weak.IsLive())
	upgraded.Release()

	strong.Release()
	require.False(t, weak.IsLive())

	_, ok = weak.Upgrade()
	require.False(t, ok)
}

func TestCloneKeepsValueAliveAfterOriginalReleased(t *testing.T) {
	strong := ref.New(&widget{name: "c"}, func(*widget) {})
	weak := strong.Downgrade()
	clone := strong.Clone()

	strong.Release()
	require.True(t, weak.IsLive(), "clone should still be keeping the value alive")

	clone.Release()
	require.False(t, weak.IsLive())
}
