// Package fakeworker is a deterministic stand-in for cmd/sandboxworker, used
// by the re-exec'd helper processes in registry/workerproc/dispatcher tests.
// It serves the same sandboxrpc.Handlers surface without an embedder: module
// "compilation" and execution results are driven entirely by the request
// bytes, so tests can exercise success/trap/compile-failure paths without a
// real WASM binary.
package fakeworker

import (
	"os"
	"sync"
	"time"

	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/sandboxrpc"
)

// failMarker, present as the whole body of a WASM payload, makes the
// corresponding compile call fail.
const failMarker = "FAILCOMPILE"

// Execution inputs recognized by startExecution's switch.
const (
	argsTrap    = "TRAP"
	argsNoState = "NOSTATE"
)

type server struct {
	mu       sync.Mutex
	modules  map[ids.ModuleId]struct{}
	memories map[ids.MemoryId]struct{}
	rpc      *sandboxrpc.Server
}

// Run serves the RPC surface over stdin/stdout until the relay closes or
// Terminate is received. It never returns on the normal Terminate path
// (os.Exit(0)).
func Run() {
	srv := &server{
		modules:  make(map[ids.ModuleId]struct{}),
		memories: make(map[ids.MemoryId]struct{}),
	}
	relay := sandboxrpc.ChildRelay(os.Stdin, os.Stdout)
	srv.rpc = sandboxrpc.NewServer(relay, sandboxrpc.Handlers{
		OpenModule:           srv.openModule,
		CloseModule:          srv.closeModule,
		OpenMemory:           srv.openMemory,
		CloseMemory:          srv.closeMemory,
		StartExecution:       srv.startExecution,
		CreateExecutionState: srv.createExecutionState,
		Terminate:            srv.terminate,
	})
	_ = srv.rpc.Serve()
}

func (s *server) openModule(req sandboxrpc.OpenModuleRequest) sandboxrpc.OpenModuleReply {
	if string(req.Bytes) == failMarker {
		return sandboxrpc.OpenModuleReply{Err: &sandboxrpc.CompileError{Message: "fakeworker: induced compile failure"}}
	}
	s.mu.Lock()
	s.modules[req.ModuleId] = struct{}{}
	s.mu.Unlock()
	return sandboxrpc.OpenModuleReply{}
}

func (s *server) closeModule(req sandboxrpc.CloseModuleRequest) {
	s.mu.Lock()
	delete(s.modules, req.ModuleId)
	s.mu.Unlock()
}

// openMemory and closeMemory track live memory ids exactly like
// cmd/sandboxworker does, rather than being no-ops: startExecution checks
// this table before running, so a controller bug that sends CloseMemory for
// an id before naming it in StartExecution (rather than after) is caught by
// tests instead of silently passing.
func (s *server) openMemory(req sandboxrpc.OpenMemoryRequest) {
	s.mu.Lock()
	s.memories[req.MemoryId] = struct{}{}
	s.mu.Unlock()
}

func (s *server) closeMemory(req sandboxrpc.CloseMemoryRequest) {
	s.mu.Lock()
	delete(s.memories, req.MemoryId)
	s.mu.Unlock()
}

func (s *server) hasMemory(id ids.MemoryId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.memories[id]
	return ok
}

func (s *server) registerMemory(id ids.MemoryId) {
	s.mu.Lock()
	s.memories[id] = struct{}{}
	s.mu.Unlock()
}

// startExecution replies asynchronously, exactly like cmd/sandboxworker,
// with a result keyed off Input.Args so callers can pick the branch a test
// wants without any WASM involved.
func (s *server) startExecution(req sandboxrpc.StartExecutionRequest) {
	go func() {
		var output sandboxrpc.ExecutionOutput
		var state *sandboxrpc.StateModifications

		switch {
		case !s.hasMemory(req.WasmMemoryId):
			trap := "fakeworker: unknown wasm memory id " + req.WasmMemoryId.String() + " (closed before StartExecution?)"
			output.WasmResult.Trap = &trap
		case !s.hasMemory(req.StableMemoryId):
			trap := "fakeworker: unknown stable memory id " + req.StableMemoryId.String() + " (closed before StartExecution?)"
			output.WasmResult.Trap = &trap
		default:
			switch string(req.Input.Args) {
			case argsTrap:
				trap := "fakeworker: deliberate trap"
				output.WasmResult.Trap = &trap
			case argsNoState:
				output.NumInstructionsLeft = 42
			default:
				output.NumInstructionsLeft = 100
				output.WasmResult.Payload = []byte("ok")
				state = &sandboxrpc.StateModifications{
					WasmMemory:            sandboxrpc.MemoryStateDelta{PageDelta: map[uint64][]byte{0: []byte("page0")}, Size: 1},
					StableMemory:          sandboxrpc.MemoryStateDelta{PageDelta: map[uint64][]byte{}, Size: 0},
					Globals:               []byte("globals-v1"),
					SubnetAvailableMemory: 123,
				}
				// The sandbox names the post-execution memories under the
				// next ids without a separate OpenMemory round trip; the
				// controller only learns to forget them via CloseMemory.
				s.registerMemory(req.NextWasmMemoryId)
				s.registerMemory(req.NextStableMemoryId)
			}
		}

		_ = s.rpc.PushExecutionFinished(sandboxrpc.ExecutionFinished{
			ExecId:               req.ExecId,
			Output:               output,
			State:                state,
			ExecuteTotalDuration: sandboxrpc.Nanos(time.Millisecond.Nanoseconds()),
			ExecuteRunDuration:   sandboxrpc.Nanos(time.Microsecond.Nanoseconds()),
		})
	}()
}

func (s *server) createExecutionState(req sandboxrpc.CreateExecutionStateRequest) sandboxrpc.CreateExecutionStateReply {
	if string(req.WasmBytes) == failMarker {
		return sandboxrpc.CreateExecutionStateReply{Err: &sandboxrpc.CompileError{Message: "fakeworker: induced compile failure"}}
	}
	return sandboxrpc.CreateExecutionStateReply{
		WasmMemoryModification: sandboxrpc.MemoryStateDelta{PageDelta: map[uint64][]byte{0: []byte("init")}, Size: 1},
		ExportedFunctions:      []string{"main"},
		ExportedGlobals:        []byte("g0"),
	}
}

func (s *server) terminate() {
	os.Exit(0)
}
