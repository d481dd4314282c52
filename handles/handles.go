// Package handles implements the caller-side handles to resources living in
// a sandbox worker process: ModuleHandle (weak worker ref), MemoryHandle
// (strong worker ref), and LocalMemory, the caller-side page-map-plus-binding
// record that OpenMemory and the dispatcher's commit step operate on.
package handles

import (
	"crypto/sha256"
	"sync"

	"github.com/roadrunner-server/errors"

	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/ref"
	"github.com/pipe-blockchain/ic/sandboxerrors"
	"github.com/pipe-blockchain/ic/sandboxrpc"
	"github.com/pipe-blockchain/ic/workerproc"
)

// ModuleHandle owns the remote lifetime of one compiled module. It holds a
// *weak* worker reference: compiled modules are cached in caller-side
// structures whose lifetime may outlive the worker that compiled them (a
// respawn just recompiles), so the handle must not keep a dead worker's
// resources pinned.
type ModuleHandle struct {
	worker ref.Weak[workerproc.Process]
	id     ids.ModuleId
}

// Close sends CloseModule to the owning worker if it is still alive,
// fire-and-forget. Safe to call on a nil handle or to call twice.
func (m *ModuleHandle) Close() {
	if m == nil {
		return
	}
	if strong, ok := m.worker.Upgrade(); ok {
		_ = strong.Get().RPC().Send(sandboxrpc.KindCloseModule, sandboxrpc.CloseModuleRequest{ModuleId: m.id})
		strong.Release()
	}
}

// memoryShared is the refcounted state every clone of a MemoryHandle for the
// same remote memory id shares: exactly like ref.shared's onZero-exactly-once
// discipline, CloseMemory must reach the wire only when the *last* clone is
// closed, not on every borrowed copy that merely carried the id somewhere
// (e.g. into a StartExecution request).
type memoryShared struct {
	mu     sync.Mutex
	count  int64
	closed bool
	worker ref.Strong[workerproc.Process]
	id     ids.MemoryId
}

// MemoryHandle owns a share of the remote lifetime of one sandbox memory
// region. It holds a *strong* worker reference: a memory id outliving its
// worker would be a dangling reference, and a live memory is unusable if the
// worker dies.
type MemoryHandle struct {
	s *memoryShared
}

func newMemoryHandle(worker ref.Strong[workerproc.Process], id ids.MemoryId) *MemoryHandle {
	return &MemoryHandle{s: &memoryShared{count: 1, worker: worker, id: id}}
}

// Id returns the MemoryId this handle names.
func (m *MemoryHandle) Id() ids.MemoryId { return m.s.id }

// Clone returns an independently-closeable handle to the same memory,
// incrementing the shared refcount. The underlying worker reference is not
// duplicated again: all clones share the one strong ref taken when the
// memory was first opened.
func (m *MemoryHandle) Clone() *MemoryHandle {
	m.s.mu.Lock()
	m.s.count++
	m.s.mu.Unlock()
	return &MemoryHandle{s: m.s}
}

// Close releases this clone's share. CloseMemory is sent to the worker, and
// the worker reference released, exactly once: when the refcount reaches
// zero. Safe to call on a nil handle; each distinct handle value must only
// be closed once.
func (m *MemoryHandle) Close() {
	if m == nil {
		return
	}
	m.s.mu.Lock()
	m.s.count--
	fire := m.s.count == 0 && !m.s.closed
	if fire {
		m.s.closed = true
	}
	m.s.mu.Unlock()
	if fire {
		_ = m.s.worker.Get().RPC().Send(sandboxrpc.KindCloseMemory, sandboxrpc.CloseMemoryRequest{MemoryId: m.s.id})
		m.s.worker.Release()
	}
}

// PageMap is the caller-side representation of a memory's contents: a base
// serialization plus a set of modified pages. Invariant: an Unsynced memory
// has an empty Delta (it has never been mutated since the last full
// serialization).
type PageMap struct {
	Base  []byte
	Delta map[uint64][]byte
}

// IsEmpty reports whether the delta is empty, the precondition OpenMemory
// asserts before serializing an Unsynced memory.
func (pm *PageMap) IsEmpty() bool { return len(pm.Delta) == 0 }

// Serialize renders the page map in the form the sandbox RPCs carry.
func (pm *PageMap) Serialize() sandboxrpc.PageMapSerialization {
	return sandboxrpc.PageMapSerialization{Base: pm.Base, Delta: pm.Delta}
}

func (pm *PageMap) merge(delta map[uint64][]byte) {
	if pm.Delta == nil {
		pm.Delta = make(map[uint64][]byte, len(delta))
	}
	for page, bytes := range delta {
		pm.Delta[page] = bytes
	}
}

// Binding tags whether a LocalMemory is currently mirrored by a live sandbox
// memory.
type Binding int

const (
	Unsynced Binding = iota
	Synced
)

// LocalMemory is one canister memory (WASM heap or stable memory) as the
// caller sees it: the page map, its size in pages, and whether it is
// currently mirrored by a live sandbox memory.
type LocalMemory struct {
	mu        sync.Mutex
	PageMap   PageMap
	SizePages uint64
	binding   Binding
	handle    *MemoryHandle
}

// NewLocalMemory constructs an Unsynced memory from an initial serialization.
func NewLocalMemory(base []byte, sizePages uint64) *LocalMemory {
	return &LocalMemory{PageMap: PageMap{Base: base}, SizePages: sizePages, binding: Unsynced}
}

// Binding reports the current binding tag.
func (lm *LocalMemory) Binding() Binding {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.binding
}

// Handle returns the currently bound MemoryHandle, or nil if Unsynced.
func (lm *LocalMemory) Handle() *MemoryHandle {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.handle
}

// OpenMemory returns a handle to this memory's sandbox counterpart: if
// already Synced, a cloned handle to the same memory id; if Unsynced, it
// serializes the page map, sends OpenMemory fire-and-forget, and binds. The
// lock is held across the send so a racing caller never observes a binding
// whose open has not yet been queued on the relay.
func (lm *LocalMemory) OpenMemory(worker ref.Strong[workerproc.Process]) (*MemoryHandle, error) {
	const op = errors.Op("handles_open_memory")

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.binding == Synced {
		return lm.handle.Clone(), nil
	}

	if !lm.PageMap.IsEmpty() {
		return nil, errors.E(op, sandboxerrors.Desync, errors.Str("unsynced memory has a nonempty page delta"))
	}

	id := ids.NewMemoryId()
	req := sandboxrpc.OpenMemoryRequest{
		MemoryId:    id,
		Serialized:  lm.PageMap.Serialize(),
		SizeInPages: lm.SizePages,
	}
	if err := worker.Get().RPC().Send(sandboxrpc.KindOpenMemory, req); err != nil {
		return nil, errors.E(op, err)
	}

	handle := newMemoryHandle(worker.Clone(), id)
	lm.handle = handle
	lm.binding = Synced
	return handle.Clone(), nil
}

// Commit merges a post-execution page delta into the local page map, updates
// size, and rebinds to the next memory id the execution named. The
// previously bound handle, if any, is closed after the swap.
func (lm *LocalMemory) Commit(delta map[uint64][]byte, sizePages uint64, worker ref.Strong[workerproc.Process], nextID ids.MemoryId) {
	lm.mu.Lock()
	old := lm.handle
	lm.PageMap.merge(delta)
	lm.SizePages = sizePages
	lm.handle = newMemoryHandle(worker.Clone(), nextID)
	lm.binding = Synced
	lm.mu.Unlock()

	old.Close()
}

// ModuleCache is the per-binary compiled-module cache embedded in a
// canister's execution state. It is keyed by the SHA-256 of the WASM bytes,
// which stands in for "this exact binary" without pinning the bytes
// themselves in the cache.
type ModuleCache struct {
	mu      sync.Mutex
	entries map[[sha256.Size]byte]*ModuleHandle
}

// NewModuleCache returns an empty cache.
func NewModuleCache() *ModuleCache {
	return &ModuleCache{entries: make(map[[sha256.Size]byte]*ModuleHandle)}
}

// OpenModule returns the module id for wasmBytes on this worker, compiling
// only if the cache has no live handle for it. The cache lock is held across
// the OpenModule RPC on the compile path: double-compilation across racing
// callers is acceptable, but a racing reader must never observe a handle for
// bytes whose compile has not yet been acknowledged.
func (c *ModuleCache) OpenModule(worker ref.Strong[workerproc.Process], wasmBytes []byte) (ids.ModuleId, bool, error) {
	const op = errors.Op("handles_open_module")
	key := sha256.Sum256(wasmBytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		if strong, upgraded := existing.worker.Upgrade(); upgraded {
			same := strong.Get() == worker.Get()
			strong.Release()
			if !same {
				panic(errors.E(op, sandboxerrors.Desync,
					errors.Str("module cache handle upgraded to a worker other than the one in use")))
			}
			return existing.id, false, nil
		}
		// Weak ref is dead: the cached worker is gone, fall through to
		// recompile against the current one.
	}

	id := ids.NewModuleId()
	var reply sandboxrpc.OpenModuleReply
	req := sandboxrpc.OpenModuleRequest{ModuleId: id, Bytes: wasmBytes}
	if err := worker.Get().RPC().Call(sandboxrpc.KindOpenModule, req, &reply); err != nil {
		return ids.ModuleId{}, false, errors.E(op, err)
	}
	if reply.Err != nil {
		return ids.ModuleId{}, false, errors.E(op, sandboxerrors.CompileFailed, reply.Err)
	}

	old := c.entries[key]
	c.entries[key] = &ModuleHandle{worker: worker.Downgrade(), id: id}
	old.Close()

	return id, true, nil
}
