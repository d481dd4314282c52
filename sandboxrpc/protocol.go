// Package sandboxrpc implements the request/reply and fire-and-forget RPC
// surface a worker process honors, framed over a goridge pipe relay. The
// wire format itself is an implementation detail: each frame is a
// gob-encoded envelope carrying a message kind, a correlation id (zero for
// fire-and-forget and for the worker-initiated ExecutionFinished push), and
// the gob-encoded payload.
package sandboxrpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/pipe-blockchain/ic/ids"
)

// Kind identifies the shape of a frame's payload.
type Kind string

const (
	KindOpenModule          Kind = "OpenModule"
	KindOpenModuleReply     Kind = "OpenModuleReply"
	KindCloseModule         Kind = "CloseModule"
	KindOpenMemory          Kind = "OpenMemory"
	KindCloseMemory         Kind = "CloseMemory"
	KindStartExecution      Kind = "StartExecution"
	KindExecutionFinished   Kind = "ExecutionFinished"
	KindCreateExecState     Kind = "CreateExecutionState"
	KindCreateExecStateRply Kind = "CreateExecutionStateReply"
	KindTerminate           Kind = "Terminate"
)

// envelope is the on-wire frame. ID correlates a request to its reply; it is
// zero for fire-and-forget sends and for the worker's unsolicited
// ExecutionFinished push.
type envelope struct {
	ID      uint64
	Kind    Kind
	Payload []byte
}

func encodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("sandboxrpc: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("sandboxrpc: decode payload: %w", err)
	}
	return nil
}

// --- Message bodies, one pair per RPC. ---

type OpenModuleRequest struct {
	ModuleId ids.ModuleId
	Bytes    []byte
}

// CompileError carries a WASM compilation failure back across the process
// boundary; the embedder that produces it is out of scope for this package.
type CompileError struct {
	Message string
}

func (e *CompileError) Error() string { return e.Message }

type OpenModuleReply struct {
	Err *CompileError
}

type CloseModuleRequest struct {
	ModuleId ids.ModuleId
}

// PageMapSerialization is the opaque, caller-defined serialization of a
// page map (base plus delta); the size in pages travels separately. This
// package only moves the bytes.
type PageMapSerialization struct {
	Base  []byte
	Delta map[uint64][]byte
}

type OpenMemoryRequest struct {
	MemoryId    ids.MemoryId
	Serialized  PageMapSerialization
	SizeInPages uint64
}

type CloseMemoryRequest struct {
	MemoryId ids.MemoryId
}

type ExecInput struct {
	APIType string
	Args    []byte
}

type StartExecutionRequest struct {
	ExecId             ids.ExecutionId
	ModuleId           ids.ModuleId
	WasmMemoryId       ids.MemoryId
	StableMemoryId     ids.MemoryId
	NextWasmMemoryId   ids.MemoryId
	NextStableMemoryId ids.MemoryId
	Input              ExecInput
}

type MemoryStateDelta struct {
	PageDelta map[uint64][]byte
	Size      uint64
}

// StateModifications is present on ExecutionFinished exactly when the
// execution succeeded and actually modified state.
type StateModifications struct {
	WasmMemory             MemoryStateDelta
	StableMemory           MemoryStateDelta
	Globals                []byte
	SubnetAvailableMemory  int64
	SystemStateChangesBlob []byte
}

type WasmResult struct {
	Trap    *string
	Payload []byte
}

type ExecutionOutput struct {
	WasmResult          WasmResult
	NumInstructionsLeft uint64
	AccessedPages       uint64
	DirtyPages          uint64
}

type ExecutionFinished struct {
	ExecId               ids.ExecutionId
	Output               ExecutionOutput
	State                *StateModifications
	ExecuteTotalDuration Nanos
	ExecuteRunDuration   Nanos
}

// Nanos avoids pulling time.Duration across the gob boundary as an alias
// whose underlying type could change; it is always interpreted as
// nanoseconds.
type Nanos int64

type CreateExecutionStateRequest struct {
	ModuleId         ids.ModuleId
	WasmBytes        []byte
	WasmPageMap      PageMapSerialization
	NextWasmMemoryId ids.MemoryId
	CanisterId       ids.CanisterId
}

type CreateExecutionStateReply struct {
	Err                    *CompileError
	WasmMemoryModification MemoryStateDelta
	ExportedFunctions      []string
	ExportedGlobals        []byte
}

type TerminateRequest struct{}

func init() {
	for _, v := range []interface{}{
		OpenModuleRequest{}, OpenModuleReply{}, CloseModuleRequest{},
		OpenMemoryRequest{}, CloseMemoryRequest{},
		StartExecutionRequest{}, ExecutionFinished{},
		CreateExecutionStateRequest{}, CreateExecutionStateReply{},
		TerminateRequest{}, CompileError{},
	} {
		gob.Register(v)
	}
}
