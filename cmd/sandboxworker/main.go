// Command sandboxworker is the reference implementation of the sandbox
// child process the controller spawns: it honors the
// OpenModule/CloseModule/OpenMemory/CloseMemory/StartExecution/
// CreateExecutionState/Terminate RPC surface over the stdin/stdout pipe
// relay sandboxrpc.ChildRelay sets up, using wasmer-go as its WASM embedder.
package main

import (
	"os"
	"sync"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/sandboxrpc"
)

type moduleEntry struct {
	store  *wasmer.Store
	module *wasmer.Module
}

type memoryEntry struct {
	base  []byte
	delta map[uint64][]byte
	size  uint64
}

// worker holds this process's compiled modules and opened memories, keyed
// exactly as the controller names them; these ids are meaningless outside
// this process.
type worker struct {
	mu       sync.Mutex
	modules  map[ids.ModuleId]*moduleEntry
	memories map[ids.MemoryId]*memoryEntry

	server *sandboxrpc.Server
}

func newWorker() *worker {
	return &worker{
		modules:  make(map[ids.ModuleId]*moduleEntry),
		memories: make(map[ids.MemoryId]*memoryEntry),
	}
}

func (w *worker) handlers() sandboxrpc.Handlers {
	return sandboxrpc.Handlers{
		OpenModule:           w.openModule,
		CloseModule:          w.closeModule,
		OpenMemory:           w.openMemory,
		CloseMemory:          w.closeMemory,
		StartExecution:       w.startExecution,
		CreateExecutionState: w.createExecutionState,
		Terminate:            w.terminate,
	}
}

func (w *worker) compile(bytes []byte) (*moduleEntry, *sandboxrpc.CompileError) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, bytes)
	if err != nil {
		return nil, &sandboxrpc.CompileError{Message: err.Error()}
	}
	return &moduleEntry{store: store, module: module}, nil
}

func (w *worker) openModule(req sandboxrpc.OpenModuleRequest) sandboxrpc.OpenModuleReply {
	me, compileErr := w.compile(req.Bytes)
	if compileErr != nil {
		return sandboxrpc.OpenModuleReply{Err: compileErr}
	}
	w.mu.Lock()
	w.modules[req.ModuleId] = me
	w.mu.Unlock()
	return sandboxrpc.OpenModuleReply{}
}

func (w *worker) closeModule(req sandboxrpc.CloseModuleRequest) {
	w.mu.Lock()
	delete(w.modules, req.ModuleId)
	w.mu.Unlock()
}

func (w *worker) openMemory(req sandboxrpc.OpenMemoryRequest) {
	w.mu.Lock()
	w.memories[req.MemoryId] = &memoryEntry{
		base:  req.Serialized.Base,
		delta: req.Serialized.Delta,
		size:  req.SizeInPages,
	}
	w.mu.Unlock()
}

func (w *worker) closeMemory(req sandboxrpc.CloseMemoryRequest) {
	w.mu.Lock()
	delete(w.memories, req.MemoryId)
	w.mu.Unlock()
}

// startExecution kicks off the run in its own goroutine and replies later
// via an unsolicited ExecutionFinished push.
func (w *worker) startExecution(req sandboxrpc.StartExecutionRequest) {
	go func() {
		start := time.Now()
		output, state, runDuration := w.run(req)
		_ = w.server.PushExecutionFinished(sandboxrpc.ExecutionFinished{
			ExecId:               req.ExecId,
			Output:               output,
			State:                state,
			ExecuteTotalDuration: sandboxrpc.Nanos(time.Since(start).Nanoseconds()),
			ExecuteRunDuration:   sandboxrpc.Nanos(runDuration.Nanoseconds()),
		})
	}()
}

// entryPointFunc is the WASM export every canister binary is expected to
// provide. Real canister WASM has a richer calling convention; this binary
// only needs something callable.
const entryPointFunc = "main"

func (w *worker) run(req sandboxrpc.StartExecutionRequest) (sandboxrpc.ExecutionOutput, *sandboxrpc.StateModifications, time.Duration) {
	w.mu.Lock()
	me, ok := w.modules[req.ModuleId]
	w.mu.Unlock()
	if !ok {
		return trap("unknown module id"), nil, 0
	}

	instance, err := wasmer.NewInstance(me.module, wasmer.NewImportObject())
	if err != nil {
		return trap(err.Error()), nil, 0
	}

	fn, err := instance.Exports.GetFunction(entryPointFunc)
	if err != nil {
		return trap(err.Error()), nil, 0
	}

	runStart := time.Now()
	result, callErr := fn(req.Input.Args)
	runDuration := time.Since(runStart)
	if callErr != nil {
		return trap(callErr.Error()), nil, runDuration
	}

	var out sandboxrpc.ExecutionOutput
	out.WasmResult.Payload, _ = result.([]byte)

	state := &sandboxrpc.StateModifications{
		WasmMemory:   sandboxrpc.MemoryStateDelta{PageDelta: map[uint64][]byte{}},
		StableMemory: sandboxrpc.MemoryStateDelta{PageDelta: map[uint64][]byte{}},
	}
	return out, state, runDuration
}

func trap(message string) sandboxrpc.ExecutionOutput {
	return sandboxrpc.ExecutionOutput{WasmResult: sandboxrpc.WasmResult{Trap: &message}}
}

func (w *worker) createExecutionState(req sandboxrpc.CreateExecutionStateRequest) sandboxrpc.CreateExecutionStateReply {
	me, compileErr := w.compile(req.WasmBytes)
	if compileErr != nil {
		return sandboxrpc.CreateExecutionStateReply{Err: compileErr}
	}
	w.mu.Lock()
	w.modules[req.ModuleId] = me
	w.mu.Unlock()

	var exported []string
	for _, exp := range me.module.Exports() {
		exported = append(exported, exp.Name())
	}

	return sandboxrpc.CreateExecutionStateReply{
		WasmMemoryModification: sandboxrpc.MemoryStateDelta{PageDelta: map[uint64][]byte{}},
		ExportedFunctions:      exported,
	}
}

func (w *worker) terminate() {
	os.Exit(0)
}

func main() {
	w := newWorker()
	relay := sandboxrpc.ChildRelay(os.Stdin, os.Stdout)
	w.server = sandboxrpc.NewServer(relay, w.handlers())
	if err := w.server.Serve(); err != nil {
		os.Exit(1)
	}
}
