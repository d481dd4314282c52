package events

import "github.com/pipe-blockchain/ic/ids"

// Name identifies an event.
type Name string

const (
	WorkerSpawned           Name = "worker.spawned"
	WorkerSpawnFailed       Name = "worker.spawn_failed"
	WorkerEvicted           Name = "worker.evicted"
	WorkerReaped            Name = "worker.reaped"
	ExecutionDispatchFailed Name = "execution.dispatch_failed"
	ExecutionCompileFailed  Name = "execution.compile_failed"
	SweeperProbeFailed      Name = "sweeper.probe_failed"
)

// WorkerEvent reports a lifecycle transition of one canister's worker
// process.
type WorkerEvent struct {
	Event      Name
	CanisterId ids.CanisterId
	Pid        int64
	Err        error
}

// ExecutionEvent reports a non-fatal failure in the dispatch path
// (compilation error, dispatch-time errors) that a caller subscribing for
// observability, rather than a return value, wants to see.
type ExecutionEvent struct {
	Event      Name
	CanisterId ids.CanisterId
	Err        error
}
