// Package sandboxerrors declares this repository's error.Kind sentinels on
// top of github.com/roadrunner-server/errors. Kind is a plain typed constant in that
// package, so a consumer is free to mint new values for its own taxonomy;
// errors.E/errors.Is work across both sets unmodified.
package sandboxerrors

import "github.com/roadrunner-server/errors"

// Kind sentinels for the controller's error taxonomy. Values start well
// above the kind range the errors package declares for itself to avoid
// collision.
const (
	// SpawnFailed: fork/exec of the sandbox binary failed. Callers escalate;
	// at controller startup this is treated as an unrecoverable configuration
	// error.
	SpawnFailed errors.Kind = iota + 100

	// CompileFailed: OpenModule returned a CompileError. Non-fatal; surfaced
	// as an execution output, not propagated as a Go error to the caller of
	// process().
	CompileFailed

	// Trap: the sandbox reported a WASM trap for an execution. Non-fatal;
	// proposed state changes are discarded.
	Trap

	// Unavailable: the OS metrics probe could not report RSS for a pid
	// (process gone, permission denied).
	Unavailable

	// Desync: an invariant the registry/handle cache discipline promises was
	// violated, e.g. a cached module handle upgrading to a worker other than
	// the one currently serving its canister. Indicates a programmer error,
	// not a runtime condition callers recover from.
	Desync

	// RelayClosed: a send or call was attempted on a worker RPC client whose
	// relay already shut down (worker exited or was terminated).
	RelayClosed
)
