// Package ids defines the identifier types that cross the controller/sandbox
// process boundary: CanisterId (caller-supplied), and the ModuleId, MemoryId
// and ExecutionId minted by the controller for a specific worker process.
package ids

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// CanisterId is the opaque, caller-supplied identifier of a canister. It is
// hashable and comparable so it can key the worker registry directly.
type CanisterId [10]byte

// CanisterIdFromBytes copies up to 10 bytes of b into a CanisterId.
func CanisterIdFromBytes(b []byte) CanisterId {
	var id CanisterId
	copy(id[:], b)
	return id
}

func (c CanisterId) String() string {
	return hex.EncodeToString(c[:])
}

// ModuleId names a compiled WASM module resident in one worker process. It
// is meaningless outside that process.
type ModuleId uuid.UUID

// NewModuleId mints a fresh, process-wide unique module id.
func NewModuleId() ModuleId { return ModuleId(uuid.New()) }

func (m ModuleId) String() string { return uuid.UUID(m).String() }

// MemoryId names a sandbox memory region (WASM heap or stable memory)
// resident in one worker process.
type MemoryId uuid.UUID

// NewMemoryId mints a fresh, process-wide unique memory id.
func NewMemoryId() MemoryId { return MemoryId(uuid.New()) }

func (m MemoryId) String() string { return uuid.UUID(m).String() }

// ExecutionId identifies one in-flight execution round trip to a worker.
type ExecutionId uuid.UUID

// NewExecutionId mints a fresh execution id.
func NewExecutionId() ExecutionId { return ExecutionId(uuid.New()) }

func (e ExecutionId) String() string { return uuid.UUID(e).String() }
