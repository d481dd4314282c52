package registry_test

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pipe-blockchain/ic/config"
	"github.com/pipe-blockchain/ic/events"
	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/internal/fakeworker"
	"github.com/pipe-blockchain/ic/internal/testhelper"
	"github.com/pipe-blockchain/ic/registry"
)

func TestHelperProcess(t *testing.T) {
	if testhelper.Invoked(testhelper.FakeWorker) {
		fakeworker.Run()
	}
}

func newRegistry(idleTimeout time.Duration) *registry.Registry {
	cfg := &config.Config{
		SandboxBinary: os.Args[0],
		SandboxArgs:   testhelper.Args(testhelper.FakeWorker),
		IdleTimeout:   idleTimeout,
	}
	return registry.New(cfg, nil, events.NewHandler(), zerolog.Nop())
}

func TestAcquireSpawnsOnColdStart(t *testing.T) {
	reg := newRegistry(0)
	cid := ids.CanisterIdFromBytes([]byte{1})

	strong, err := reg.Acquire(cid)
	require.NoError(t, err)
	defer strong.Release()

	require.Greater(t, strong.Get().Pid(), int64(0))
}

func TestAcquireWithIdleTimeoutReusesWarmWorker(t *testing.T) {
	reg := newRegistry(time.Minute)
	cid := ids.CanisterIdFromBytes([]byte{2})

	first, err := reg.Acquire(cid)
	require.NoError(t, err)
	firstPid := first.Get().Pid()
	first.Release()

	require.Equal(t, registry.Active, reg.SlotState(cid))

	second, err := reg.Acquire(cid)
	require.NoError(t, err)
	defer second.Release()

	require.Equal(t, firstPid, second.Get().Pid(), "warm reuse must hand back the same worker")
}

func TestAcquireWithZeroIdleTimeoutEvictsImmediately(t *testing.T) {
	reg := newRegistry(0)
	cid := ids.CanisterIdFromBytes([]byte{3})

	strong, err := reg.Acquire(cid)
	require.NoError(t, err)

	require.Equal(t, registry.Evicted, reg.SlotState(cid),
		"a zero idle timeout demotes the slot to Evicted as soon as it is installed")

	strong.Release()
}

func TestEvictedSlotUpgradeKeepsSameWorkerWhileStillLive(t *testing.T) {
	reg := newRegistry(0)
	cid := ids.CanisterIdFromBytes([]byte{4})

	first, err := reg.Acquire(cid)
	require.NoError(t, err)
	firstPid := first.Get().Pid()

	// first is still held strongly by the caller even though the registry's
	// own slot has already demoted to Evicted; a second Acquire must upgrade
	// the same weak ref rather than spawning a new worker.
	second, err := reg.Acquire(cid)
	require.NoError(t, err)

	require.Equal(t, firstPid, second.Get().Pid())

	first.Release()
	second.Release()
}

func TestEvictionReclaimSpawnsFreshWorkerOnceOldOneFullyDrops(t *testing.T) {
	reg := newRegistry(0)
	cid := ids.CanisterIdFromBytes([]byte{5})

	first, err := reg.Acquire(cid)
	require.NoError(t, err)
	firstPid := first.Get().Pid()
	first.Release() // strong count reaches zero: worker terminates

	time.Sleep(300 * time.Millisecond) // let the crash watcher / Terminate RPC land

	second, err := reg.Acquire(cid)
	require.NoError(t, err)
	defer second.Release()

	require.NotEqual(t, firstPid, second.Get().Pid(),
		"once the evicted worker is fully dropped, acquire must spawn a fresh one")
}

func TestSweeperDemotesIdleWorkerThenReapsSlot(t *testing.T) {
	cfg := &config.Config{
		SandboxBinary: os.Args[0],
		SandboxArgs:   testhelper.Args(testhelper.FakeWorker),
		IdleTimeout:   60 * time.Millisecond,
		SweepInterval: 40 * time.Millisecond,
	}
	reg := registry.New(cfg, nil, events.NewHandler(), zerolog.Nop())
	reg.StartSweeper()
	defer reg.Stop()

	cid := ids.CanisterIdFromBytes([]byte{6})
	strong, err := reg.Acquire(cid)
	require.NoError(t, err)
	require.Equal(t, registry.Active, reg.SlotState(cid))

	// Drop the caller's own share; the registry's Active clone is the only
	// thing still keeping the worker alive until the sweeper demotes it.
	strong.Release()

	require.Eventually(t, func() bool {
		return reg.SlotState(cid) == registry.Evicted
	}, time.Second, 10*time.Millisecond, "sweeper must demote an idle Active slot to Evicted")

	require.Eventually(t, func() bool {
		return reg.SlotState(cid) == registry.Empty
	}, time.Second, 10*time.Millisecond, "a second sweep tick must reap an Evicted slot with no live worker")
}
