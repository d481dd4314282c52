package handles_test

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pipe-blockchain/ic/handles"
	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/internal/fakeworker"
	"github.com/pipe-blockchain/ic/internal/testhelper"
	"github.com/pipe-blockchain/ic/ref"
	"github.com/pipe-blockchain/ic/workerproc"
)

func TestHelperProcess(t *testing.T) {
	if testhelper.Invoked(testhelper.FakeWorker) {
		fakeworker.Run()
	}
}

func spawnWorker(t *testing.T) ref.Strong[workerproc.Process] {
	t.Helper()
	strong, err := workerproc.Spawn(os.Args[0], testhelper.Args(testhelper.FakeWorker),
		ids.CanisterIdFromBytes([]byte{1}), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(strong.Release)
	return strong
}

func TestModuleCacheOpenModuleIsIdempotent(t *testing.T) {
	worker := spawnWorker(t)
	cache := handles.NewModuleCache()

	id1, compiled1, err := cache.OpenModule(worker, []byte("wasm-bytes"))
	require.NoError(t, err)
	require.True(t, compiled1)

	id2, compiled2, err := cache.OpenModule(worker, []byte("wasm-bytes"))
	require.NoError(t, err)
	require.False(t, compiled2)
	require.Equal(t, id1, id2)
}

func TestModuleCacheSurfacesCompileFailure(t *testing.T) {
	worker := spawnWorker(t)
	cache := handles.NewModuleCache()

	_, _, err := cache.OpenModule(worker, []byte("FAILCOMPILE"))
	require.Error(t, err)
}

func TestLocalMemoryOpenMemoryBindsOnceAndClonesAfter(t *testing.T) {
	worker := spawnWorker(t)
	lm := handles.NewLocalMemory(nil, 0)
	require.Equal(t, handles.Unsynced, lm.Binding())

	h1, err := lm.OpenMemory(worker)
	require.NoError(t, err)
	require.Equal(t, handles.Synced, lm.Binding())

	h2, err := lm.OpenMemory(worker)
	require.NoError(t, err)
	require.Equal(t, h1.Id(), h2.Id(), "a second OpenMemory on an already-synced memory must return the same id")

	h1.Close()
	h2.Close()
}

func TestLocalMemoryCommitMergesDeltaAndRebinds(t *testing.T) {
	worker := spawnWorker(t)
	lm := handles.NewLocalMemory(nil, 0)

	h, err := lm.OpenMemory(worker)
	require.NoError(t, err)
	firstID := h.Id()
	h.Close()

	nextID := ids.NewMemoryId()
	lm.Commit(map[uint64][]byte{3: []byte("page3")}, 4, worker, nextID)

	require.Equal(t, handles.Synced, lm.Binding())
	require.Equal(t, nextID, lm.Handle().Id())
	require.NotEqual(t, firstID, lm.Handle().Id())
	require.Equal(t, uint64(4), lm.SizePages)
	require.Equal(t, []byte("page3"), lm.PageMap.Delta[3])
}
