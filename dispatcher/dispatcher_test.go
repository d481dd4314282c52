package dispatcher_test

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pipe-blockchain/ic/config"
	"github.com/pipe-blockchain/ic/dispatcher"
	"github.com/pipe-blockchain/ic/events"
	"github.com/pipe-blockchain/ic/handles"
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

func newController(t *testing.T) *dispatcher.Controller {
	t.Helper()
	return newControllerWithIdleTimeout(t, 0)
}

// newControllerWithIdleTimeout builds a Controller whose registry uses the
// given idle timeout; a positive value keeps a worker's slot Active (rather
// than immediately Evicted) across calls.
func newControllerWithIdleTimeout(t *testing.T, idleTimeout time.Duration) *dispatcher.Controller {
	t.Helper()
	cfg := &config.Config{
		SandboxBinary: os.Args[0],
		SandboxArgs:   testhelper.Args(testhelper.FakeWorker),
		IdleTimeout:   idleTimeout,
	}
	reg := registry.New(cfg, nil, events.NewHandler(), zerolog.Nop())
	return dispatcher.NewController(reg, nil, events.NewHandler(), zerolog.Nop())
}

func freshState() *dispatcher.ExecutionState {
	return &dispatcher.ExecutionState{
		WasmMemory:   handles.NewLocalMemory(nil, 0),
		StableMemory: handles.NewLocalMemory(nil, 0),
		ModuleCache:  handles.NewModuleCache(),
	}
}

func TestProcessSuccessfulExecutionCommitsState(t *testing.T) {
	c := newController(t)
	state := freshState()
	cid := ids.CanisterIdFromBytes([]byte{1})

	out, state, changes, err := c.Process(dispatcher.ExecutionInput{
		CanisterId: cid,
		WasmBinary: []byte("wasm-bytes"),
		ApiType:    "update",
		Args:       []byte("go"),
	}, state)

	require.NoError(t, err)
	require.Nil(t, out.WasmResult.Trap)
	require.True(t, changes.Modified)
	require.Equal(t, int64(123), changes.SubnetAvailableMemory)
	require.Equal(t, handles.Synced, state.WasmMemory.Binding())
	require.Equal(t, []byte("page0"), state.WasmMemory.PageMap.Delta[0])
	require.Equal(t, int64(1), c.CompileCountForTesting())
}

func TestProcessTrapDiscardsState(t *testing.T) {
	c := newController(t)
	state := freshState()
	cid := ids.CanisterIdFromBytes([]byte{2})

	out, state, changes, err := c.Process(dispatcher.ExecutionInput{
		CanisterId: cid,
		WasmBinary: []byte("wasm-bytes"),
		ApiType:    "update",
		Args:       []byte("TRAP"),
	}, state)

	require.NoError(t, err)
	require.NotNil(t, out.WasmResult.Trap)
	require.False(t, changes.Modified)
	// The memory was bound by OpenMemory before dispatch, so the binding is
	// Synced; everything else about the state must be untouched by the trap.
	require.Equal(t, handles.Synced, state.WasmMemory.Binding())
	require.Empty(t, state.WasmMemory.PageMap.Delta)
	require.Zero(t, state.WasmMemory.SizePages)
}

func TestProcessModuleCompileFailureReturnsTrapNotError(t *testing.T) {
	c := newController(t)
	state := freshState()
	cid := ids.CanisterIdFromBytes([]byte{3})

	out, _, changes, err := c.Process(dispatcher.ExecutionInput{
		CanisterId: cid,
		WasmBinary: []byte("FAILCOMPILE"),
		ApiType:    "update",
		Args:       []byte("go"),
	}, state)

	require.NoError(t, err, "a compile failure is a non-fatal trap, not a Go error")
	require.NotNil(t, out.WasmResult.Trap)
	require.False(t, changes.Modified)
}

func TestOpenModuleIsNotRecompiledOnSecondExecution(t *testing.T) {
	// A worker must stay alive between the two calls for the cache's weak
	// ref to still upgrade on the second OpenModule. A positive idle timeout
	// keeps the registry's own slot Active, so that liveness does not rest
	// only on the memory handles the first call left bound in state.
	c := newControllerWithIdleTimeout(t, time.Minute)
	state := freshState()
	cid := ids.CanisterIdFromBytes([]byte{4})

	input := dispatcher.ExecutionInput{CanisterId: cid, WasmBinary: []byte("same-bytes"), ApiType: "update", Args: []byte("go")}

	_, state, _, err := c.Process(input, state)
	require.NoError(t, err)
	_, state, _, err = c.Process(input, state)
	require.NoError(t, err)

	require.Equal(t, int64(1), c.CompileCountForTesting(), "identical bytes must only be compiled once")
}

func TestCreateExecutionStateReportsExportsFromReply(t *testing.T) {
	c := newController(t)
	cid := ids.CanisterIdFromBytes([]byte{5})

	state, err := c.CreateExecutionState([]byte("wasm-bytes"), "/unused", cid)
	require.NoError(t, err)
	require.Equal(t, []string{"main"}, state.ExportedFunctions)
	require.Equal(t, []byte("g0"), state.ExportedGlobals)
	require.Equal(t, handles.Synced, state.WasmMemory.Binding())
}

func TestCreateExecutionStateSurfacesCompileFailure(t *testing.T) {
	c := newController(t)
	cid := ids.CanisterIdFromBytes([]byte{6})

	_, err := c.CreateExecutionState([]byte("FAILCOMPILE"), "/unused", cid)
	require.Error(t, err)
}
