package workerproc_test

import (
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/internal/fakeworker"
	"github.com/pipe-blockchain/ic/internal/testhelper"
	"github.com/pipe-blockchain/ic/sandboxrpc"
	"github.com/pipe-blockchain/ic/workerproc"
)

// TestHelperProcess is not a real test: it is the entry point re-exec'd test
// binaries run under, selected by the marker testhelper.Invoked checks for.
// A plain `go test` run returns immediately because no marker is present.
func TestHelperProcess(t *testing.T) {
	switch {
	case testhelper.Invoked(testhelper.FakeWorker):
		fakeworker.Run()
	case testhelper.Invoked(testhelper.CrashParent):
		runCrashParent()
	}
}

func canisterID(b byte) ids.CanisterId {
	return ids.CanisterIdFromBytes([]byte{b})
}

func TestSpawnStartsAndTerminatesCleanly(t *testing.T) {
	strong, err := workerproc.Spawn(os.Args[0], testhelper.Args(testhelper.FakeWorker), canisterID(1), zerolog.Nop())
	require.NoError(t, err)
	require.Greater(t, strong.Get().Pid(), int64(0))
	require.Equal(t, canisterID(1), strong.Get().CanisterId())

	// Dropping the last strong ref sends Terminate and the child exits on
	// its own; the crash watcher must not treat this as unexpected.
	strong.Release()
	time.Sleep(200 * time.Millisecond)
}

func TestRegisterExecutionRoutesCompletion(t *testing.T) {
	strong, err := workerproc.Spawn(os.Args[0], testhelper.Args(testhelper.FakeWorker), canisterID(2), zerolog.Nop())
	require.NoError(t, err)
	defer strong.Release()

	execID := ids.NewExecutionId()
	ch := strong.Get().RegisterExecution(execID)

	// fakeworker (like the real sandbox worker) only considers a memory id
	// live once it has seen OpenMemory for it, so name two live ones here
	// rather than the zero MemoryId.
	wasmMemID := ids.NewMemoryId()
	stableMemID := ids.NewMemoryId()
	require.NoError(t, strong.Get().RPC().Send(sandboxrpc.KindOpenMemory, sandboxrpc.OpenMemoryRequest{MemoryId: wasmMemID}))
	require.NoError(t, strong.Get().RPC().Send(sandboxrpc.KindOpenMemory, sandboxrpc.OpenMemoryRequest{MemoryId: stableMemID}))

	req := sandboxrpc.StartExecutionRequest{
		ExecId:         execID,
		WasmMemoryId:   wasmMemID,
		StableMemoryId: stableMemID,
		Input:          sandboxrpc.ExecInput{APIType: "update", Args: []byte("anything")},
	}
	require.NoError(t, strong.Get().RPC().Send(sandboxrpc.KindStartExecution, req))

	select {
	case msg := <-ch:
		require.Equal(t, execID, msg.ExecId)
		require.Nil(t, msg.Output.WasmResult.Trap)
		require.NotNil(t, msg.State)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ExecutionFinished")
	}
}

// runCrashParent spawns a worker, kills it out from under the strong
// reference it still holds, and relies on the crash watcher's panic to crash
// this process non-zero. The unexpected-exit path runs outside the actual
// test binary because a panic there would take the whole suite down.
func runCrashParent() {
	strong, err := workerproc.Spawn(os.Args[0], testhelper.Args(testhelper.FakeWorker), canisterID(9), zerolog.New(os.Stderr))
	if err != nil {
		os.Exit(2)
	}
	pid := int(strong.Get().Pid())
	_ = exec.Command("kill", "-KILL", strconv.Itoa(pid)).Run()

	// Strong ref is deliberately kept alive (not released) so the crash
	// watcher observes an unexpected exit and panics.
	time.Sleep(3 * time.Second)
	os.Exit(0) // should not be reached if the crash watcher fired
}

func TestUnexpectedExitCrashesHelperProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a nested helper subprocess")
	}
	cmd := exec.Command(os.Args[0], testhelper.Args(testhelper.CrashParent)...)
	out, err := cmd.CombinedOutput()
	require.Error(t, err, "crash watcher should have panicked, crashing the process non-zero; got output: %s", out)
	require.Contains(t, string(out), "exited unexpectedly")
}
