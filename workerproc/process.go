// Package workerproc implements the controller's per-sandbox-child handle.
// It owns the RPC client to the child, the table of in-flight executions
// waiting on a reply, and the crash watcher that turns an unexpected child
// exit into a controller-wide panic.
//
// Ownership is explicit: a Process is only ever reached through a
// ref.Strong/ref.Weak pair, so "the last holder let go" has a single,
// deterministic point at which Terminate fires.
package workerproc

import (
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/roadrunner-server/errors"
	"golang.org/x/sys/unix"

	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/ref"
	"github.com/pipe-blockchain/ic/sandboxerrors"
	"github.com/pipe-blockchain/ic/sandboxrpc"
)

// Process is one live sandbox child process plus its RPC endpoint. While a
// strong reference to it exists, the child is expected alive; callers reach
// it only through Strong/Weak handles so that invariant stays enforceable in
// one place.
type Process struct {
	canisterID ids.CanisterId
	pid        int64
	cmd        *exec.Cmd
	rpc        *sandboxrpc.Client
	log        zerolog.Logger

	mu      sync.Mutex
	waiters map[ids.ExecutionId]chan sandboxrpc.ExecutionFinished
}

// CanisterId reports the canister this worker was spawned to serve.
func (p *Process) CanisterId() ids.CanisterId { return p.canisterID }

// Pid returns the OS process id of the sandbox child.
func (p *Process) Pid() int64 { return p.pid }

// RPC returns the client endpoint used to talk to this worker.
func (p *Process) RPC() *sandboxrpc.Client { return p.rpc }

// RegisterExecution inserts a completion sink for execID. The caller must
// not register the same id twice.
func (p *Process) RegisterExecution(execID ids.ExecutionId) chan sandboxrpc.ExecutionFinished {
	ch := make(chan sandboxrpc.ExecutionFinished, 1)
	p.mu.Lock()
	p.waiters[execID] = ch
	p.mu.Unlock()
	return ch
}

// CancelExecution removes a waiter inserted by RegisterExecution without
// that execution ever reaching (or completing over) the wire. A caller that
// aborts after registering but before sending StartExecution (a failed
// memory bind, a failed send) must call this or the entry leaks for the
// life of the worker process.
func (p *Process) CancelExecution(execID ids.ExecutionId) {
	p.mu.Lock()
	delete(p.waiters, execID)
	p.mu.Unlock()
}

// complete routes an ExecutionFinished push to its waiter and forgets it.
// Called from the sandboxrpc.Client's onExecutionFinished callback.
func (p *Process) complete(msg sandboxrpc.ExecutionFinished) {
	p.mu.Lock()
	ch, ok := p.waiters[msg.ExecId]
	if ok {
		delete(p.waiters, msg.ExecId)
	}
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// Spawn forks/execs the sandbox binary and returns a strong reference to the
// resulting Process. The crash watcher goroutine is started before Spawn
// returns so no exit can be missed. canisterID and log are retained purely
// for diagnostics in the crash panic message.
func Spawn(binary string, args []string, canisterID ids.CanisterId, log zerolog.Logger) (ref.Strong[Process], error) {
	const op = errors.Op("workerproc_spawn")

	rl, cmd, err := sandboxrpc.DialChild(binary, args)
	if err != nil {
		return ref.Strong[Process]{}, errors.E(op, sandboxerrors.SpawnFailed, err)
	}

	p := &Process{
		canisterID: canisterID,
		pid:        int64(cmd.Process.Pid),
		cmd:        cmd,
		log:        log.With().Int64("pid", int64(cmd.Process.Pid)).Stringer("canister_id", canisterID).Logger(),
		waiters:    make(map[ids.ExecutionId]chan sandboxrpc.ExecutionFinished),
	}
	p.rpc = sandboxrpc.NewClient(rl, p.complete)

	strong := ref.New(p, terminate)
	go crashWatcher(strong.Downgrade(), p)
	return strong, nil
}

// terminate is the onZero callback: best-effort Terminate RPC, fire and
// forget, then let the crash watcher reap the child via waitpid.
func terminate(p *Process) {
	_ = p.rpc.Send(sandboxrpc.KindTerminate, sandboxrpc.TerminateRequest{})
	_ = p.rpc.Close()
}

// crashWatcher blocks on the child's exit and classifies it as expected
// (the last strong ref was already released, i.e. terminate() already ran)
// or unexpected (some strong ref still existed at the moment of exit). An
// unexpected exit panics the whole controller: any in-flight execution state
// referencing this worker is now indeterminate and every outstanding handle
// to it is dangling, so there is no safe way to continue at this layer.
func crashWatcher(weak ref.Weak[Process], p *Process) {
	err := p.cmd.Wait()

	if weak.IsLive() {
		reason := exitReason(err, p.cmd)
		p.log.Error().Str("reason", reason).Msg("sandbox worker exited unexpectedly")
		panic(errors.E(errors.Op("workerproc_crash_watcher"),
			errors.Errorf("sandbox worker exited unexpectedly: canister=%s pid=%d %s",
				p.canisterID, p.pid, reason)))
	}
	// Expected exit: the last strong ref was already dropped and terminate()
	// already fired Terminate/Close. Nothing else to do.
}

func exitReason(waitErr error, cmd *exec.Cmd) string {
	if cmd.ProcessState == nil {
		if waitErr != nil {
			return "wait error: " + waitErr.Error()
		}
		return "exit status unknown"
	}
	// os.ProcessState.Sys() reports the raw wait status as syscall.WaitStatus;
	// unix.WaitStatus has the identical underlying representation.
	if raw, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		ws := unix.WaitStatus(raw)
		if ws.Signaled() {
			s := ws.Signal()
			return "signal " + strconv.Itoa(int(s)) + " (" + s.String() + ")"
		}
		return "exit code " + strconv.Itoa(ws.ExitStatus())
	}
	return cmd.ProcessState.String()
}
