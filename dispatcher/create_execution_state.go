package dispatcher

import (
	"sync/atomic"

	"github.com/roadrunner-server/errors"

	"github.com/pipe-blockchain/ic/handles"
	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/sandboxerrors"
	"github.com/pipe-blockchain/ic/sandboxrpc"
)

// CreateExecutionState spawns or acquires a worker for canisterID, opens the
// module, and sends CreateExecutionState, constructing a fresh
// ExecutionState from the reply. canisterRoot names where the caller's own
// persisted state for this canister lives; nothing at this layer reads or
// writes it.
func (c *Controller) CreateExecutionState(wasmBytes []byte, canisterRoot string, canisterID ids.CanisterId) (*ExecutionState, error) {
	const op = errors.Op("dispatcher_create_execution_state")
	_ = canisterRoot

	worker, err := c.registry.Acquire(canisterID)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer worker.Release()

	cache := handles.NewModuleCache()
	moduleID, compiledNow, err := cache.OpenModule(worker, wasmBytes)
	if compiledNow {
		atomic.AddInt64(&c.compileCount, 1)
	}
	if err != nil {
		return nil, errors.E(op, err)
	}

	wasmMemory := handles.NewLocalMemory(nil, 0)
	nextWasmID := ids.NewMemoryId()
	req := sandboxrpc.CreateExecutionStateRequest{
		ModuleId:         moduleID,
		WasmBytes:        wasmBytes,
		WasmPageMap:      wasmMemory.PageMap.Serialize(),
		NextWasmMemoryId: nextWasmID,
		CanisterId:       canisterID,
	}
	var reply sandboxrpc.CreateExecutionStateReply
	if err := worker.Get().RPC().Call(sandboxrpc.KindCreateExecState, req, &reply); err != nil {
		return nil, errors.E(op, err)
	}
	if reply.Err != nil {
		return nil, errors.E(op, sandboxerrors.CompileFailed, reply.Err)
	}

	wasmMemory.Commit(reply.WasmMemoryModification.PageDelta, reply.WasmMemoryModification.Size, worker, nextWasmID)

	return &ExecutionState{
		WasmMemory:        wasmMemory,
		StableMemory:      handles.NewLocalMemory(nil, 0),
		ModuleCache:       cache,
		ExportedFunctions: reply.ExportedFunctions,
		ExportedGlobals:   reply.ExportedGlobals,
	}, nil
}
