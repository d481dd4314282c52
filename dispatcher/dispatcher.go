// Package dispatcher runs one canister execution end to end: acquire a
// worker, ensure its module is uploaded, bind memories, dispatch
// StartExecution, block on the reply, and commit the resulting state.
package dispatcher

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/roadrunner-server/errors"

	"github.com/pipe-blockchain/ic/events"
	"github.com/pipe-blockchain/ic/handles"
	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/ref"
	"github.com/pipe-blockchain/ic/registry"
	"github.com/pipe-blockchain/ic/sandboxerrors"
	"github.com/pipe-blockchain/ic/sandboxmetrics"
	"github.com/pipe-blockchain/ic/sandboxrpc"
	"github.com/pipe-blockchain/ic/workerproc"
)

// ExecutionState is the caller-side state of one installed canister: its two
// memories, its compiled-module cache, and the exported surface the last
// successful execution (or CreateExecutionState) reported.
type ExecutionState struct {
	WasmMemory        *handles.LocalMemory
	StableMemory      *handles.LocalMemory
	ModuleCache       *handles.ModuleCache
	ExportedFunctions []string
	ExportedGlobals   []byte
}

// ExecutionInput is one call to run a WASM entry point, bound to a canister.
type ExecutionInput struct {
	CanisterId ids.CanisterId
	WasmBinary []byte
	ApiType    string
	Args       []byte
}

// SystemStateChanges is the system-level side effect of a successful
// execution: updated exported globals and the subnet-available-memory
// delta the sandbox reported. Zero value means "nothing was modified."
type SystemStateChanges struct {
	Modified              bool
	Globals               []byte
	SubnetAvailableMemory int64
}

// ExecutionOutput is the WASM-level result of one process() call.
type ExecutionOutput struct {
	WasmResult          sandboxrpc.WasmResult
	NumInstructionsLeft uint64
	AccessedPages       uint64
	DirtyPages          uint64
}

// Controller is the execution dispatcher. It holds no per-canister state of
// its own; all of that lives in the ExecutionState the caller passes in and
// out of Process.
type Controller struct {
	registry *registry.Registry
	metrics  *sandboxmetrics.Metrics
	events   events.Handler
	log      zerolog.Logger

	subnetAvailableMemory int64 // atomic; updated unconditionally on a successful state commit
	compileCount          int64 // atomic; see CompileCountForTesting
}

// NewController wires a dispatcher on top of an already-constructed
// Registry and Metrics handle.
func NewController(reg *registry.Registry, metrics *sandboxmetrics.Metrics, ev events.Handler, log zerolog.Logger) *Controller {
	if ev == nil {
		ev = events.NewHandler()
	}
	return &Controller{registry: reg, metrics: metrics, events: ev, log: log}
}

// CompileCountForTesting reports how many times a fresh OpenModule RPC
// sent by this controller compiled successfully, across every canister it
// has dispatched for; failed compiles are not counted.
// Tests use it to assert that identical WASM bytes are only compiled once
// per live worker.
func (c *Controller) CompileCountForTesting() int64 {
	return atomic.LoadInt64(&c.compileCount)
}

// Process runs one execution to completion. state is mutated in place on a
// successful commit and also returned, together with the execution output
// and the system-level state changes.
func (c *Controller) Process(input ExecutionInput, state *ExecutionState) (ExecutionOutput, *ExecutionState, SystemStateChanges, error) {
	const op = errors.Op("dispatcher_process")
	prepareStart := time.Now()

	worker, err := c.registry.Acquire(input.CanisterId)
	if err != nil {
		return ExecutionOutput{}, state, SystemStateChanges{}, errors.E(op, err)
	}
	defer worker.Release()

	moduleID, compiledNow, err := state.ModuleCache.OpenModule(worker, input.WasmBinary)
	if compiledNow {
		atomic.AddInt64(&c.compileCount, 1)
	}
	if err != nil {
		if !errors.Is(sandboxerrors.CompileFailed, err) {
			// Transport-level failure, not a compile error reported by the
			// sandbox; nothing about this execution's WASM can be concluded.
			return ExecutionOutput{}, state, SystemStateChanges{}, errors.E(op, err)
		}
		c.events.Push(events.ExecutionEvent{Event: events.ExecutionCompileFailed, CanisterId: input.CanisterId, Err: err})
		msg := err.Error()
		return ExecutionOutput{WasmResult: sandboxrpc.WasmResult{Trap: &msg}}, state, SystemStateChanges{}, nil
	}

	execID := ids.NewExecutionId()
	replyCh := worker.Get().RegisterExecution(execID)

	wasmHandle, err := state.WasmMemory.OpenMemory(worker)
	if err != nil {
		worker.Get().CancelExecution(execID)
		return ExecutionOutput{}, state, SystemStateChanges{}, errors.E(op, err)
	}
	stableHandle, err := state.StableMemory.OpenMemory(worker)
	if err != nil {
		wasmHandle.Close()
		worker.Get().CancelExecution(execID)
		return ExecutionOutput{}, state, SystemStateChanges{}, errors.E(op, err)
	}

	nextWasmID := ids.NewMemoryId()
	nextStableID := ids.NewMemoryId()

	req := sandboxrpc.StartExecutionRequest{
		ExecId:             execID,
		ModuleId:           moduleID,
		WasmMemoryId:       wasmHandle.Id(),
		StableMemoryId:     stableHandle.Id(),
		NextWasmMemoryId:   nextWasmID,
		NextStableMemoryId: nextStableID,
		Input:              sandboxrpc.ExecInput{APIType: input.ApiType, Args: input.Args},
	}

	prepareDuration := time.Since(prepareStart)
	waitStart := time.Now()

	if err := worker.Get().RPC().Send(sandboxrpc.KindStartExecution, req); err != nil {
		c.events.Push(events.ExecutionEvent{Event: events.ExecutionDispatchFailed, CanisterId: input.CanisterId, Err: err})
		worker.Get().CancelExecution(execID)
		wasmHandle.Close()
		stableHandle.Close()
		return ExecutionOutput{}, state, SystemStateChanges{}, errors.E(op, err)
	}

	finished, ok := <-replyCh
	if !ok {
		wasmHandle.Close()
		stableHandle.Close()
		return ExecutionOutput{}, state, SystemStateChanges{},
			errors.E(op, sandboxerrors.RelayClosed, errors.Str("worker relay closed before execution finished"))
	}
	waitDuration := time.Since(waitStart)

	finishStart := time.Now()
	changes := c.commit(state, finished, worker, nextWasmID, nextStableID)
	finishDuration := time.Since(finishStart)

	// wasmHandle/stableHandle named the memories this execution actually
	// read from; they are only safe to retire now that the sandbox has
	// either replied with their replacements (commit already rebound
	// state.*Memory to next{Wasm,Stable}ID above) or, on a trap, is done
	// with them. Closing them before StartExecution reached the wire would
	// race the worker's own bookkeeping, which forgets an id the instant
	// CloseMemory is processed.
	wasmHandle.Close()
	stableHandle.Close()

	c.observe(input.ApiType, prepareDuration, waitDuration, finishDuration, finished)

	out := ExecutionOutput{
		WasmResult:          finished.Output.WasmResult,
		NumInstructionsLeft: finished.Output.NumInstructionsLeft,
		AccessedPages:       finished.Output.AccessedPages,
		DirtyPages:          finished.Output.DirtyPages,
	}
	return out, state, changes, nil
}

// commit applies a finished execution's state: on success with state
// present, merge both memories' page deltas and rebind to the next memory
// ids this call minted, update exported globals, and store the reported
// subnet-available-memory unconditionally. On success with no state, or on
// a trap, no memory is touched.
func (c *Controller) commit(state *ExecutionState, finished sandboxrpc.ExecutionFinished, worker ref.Strong[workerproc.Process], nextWasmID, nextStableID ids.MemoryId) SystemStateChanges {
	if finished.Output.WasmResult.Trap != nil {
		// Execution trapped: discard all proposed state changes.
		return SystemStateChanges{}
	}
	if finished.State == nil {
		// Ok but nothing modified: default system-state changes.
		return SystemStateChanges{}
	}

	state.WasmMemory.Commit(finished.State.WasmMemory.PageDelta, finished.State.WasmMemory.Size, worker, nextWasmID)
	state.StableMemory.Commit(finished.State.StableMemory.PageDelta, finished.State.StableMemory.Size, worker, nextStableID)
	state.ExportedGlobals = finished.State.Globals

	atomic.StoreInt64(&c.subnetAvailableMemory, finished.State.SubnetAvailableMemory)

	// TODO: a canister that breaks out of its WASM sandbox could report a
	// dirty-page set larger than its allowed memory; this layer doesn't
	// enforce a quota on the committed delta.

	return SystemStateChanges{
		Modified:              true,
		Globals:               finished.State.Globals,
		SubnetAvailableMemory: finished.State.SubnetAvailableMemory,
	}
}

func (c *Controller) observe(apiType string, prepare, wait, finish time.Duration, finished sandboxrpc.ExecutionFinished) {
	if c.metrics == nil {
		return
	}
	c.metrics.ReplicaExecutePrepareDuration.WithLabelValues(apiType).Observe(prepare.Seconds())
	c.metrics.ReplicaExecuteWaitDuration.WithLabelValues(apiType).Observe(wait.Seconds())
	c.metrics.ReplicaExecuteFinishDuration.WithLabelValues(apiType).Observe(finish.Seconds())
	c.metrics.ReplicaExecuteDuration.WithLabelValues(apiType).Observe((prepare + wait + finish).Seconds())
	c.metrics.SandboxExecuteDuration.WithLabelValues(apiType).Observe(time.Duration(finished.ExecuteTotalDuration).Seconds())
	c.metrics.SandboxExecuteRunDuration.WithLabelValues(apiType).Observe(time.Duration(finished.ExecuteRunDuration).Seconds())
}
