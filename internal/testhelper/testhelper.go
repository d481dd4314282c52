// Package testhelper provides the "re-exec the test binary as a helper
// process" plumbing used by workerproc/registry/dispatcher tests to spawn a
// real OS child without depending on an external sandbox binary, the same
// trick the standard library's os/exec tests use for TestHelperProcess.
package testhelper

import "flag"

// Marker identifies which fake worker behavior a re-exec'd test binary
// should serve; it is the first non-flag argument after "--".
type Marker string

const (
	// FakeWorker runs internal/fakeworker's deterministic RPC server.
	FakeWorker Marker = "fakeworker"
	// CrashParent spawns a fake worker and kills it out from under a live
	// strong reference, used to exercise workerproc's crash watcher from
	// outside the actual test binary (its panic would otherwise crash the
	// whole suite).
	CrashParent Marker = "crashparent"
)

// Args builds the argv used to re-exec the current test binary as a helper
// process honoring the given marker.
func Args(m Marker) []string {
	return []string{"-test.run=TestHelperProcess", "--", string(m)}
}

// Invoked reports whether the current process was re-exec'd to act as m.
func Invoked(m Marker) bool {
	args := flag.Args()
	return len(args) > 0 && args[0] == string(m)
}
