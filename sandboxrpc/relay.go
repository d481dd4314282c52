package sandboxrpc

import (
	"io"
	"os"
	"os/exec"

	"github.com/roadrunner-server/goridge/v3/pkg/pipe"
	"github.com/roadrunner-server/goridge/v3/pkg/relay"
)

// DialChild spawns argv0 with args, wires its stdin/stdout to a goridge pipe
// relay, and returns the relay plus the *exec.Cmd so the caller can observe
// the pid and wait on exit. Stderr is inherited so worker diagnostics land
// in the replica's own logs.
func DialChild(argv0 string, args []string) (relay.Relay, *exec.Cmd, error) {
	cmd := exec.Command(argv0, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, nil, err
	}

	rl := pipe.NewPipeRelay(stdout, stdin)
	return rl, cmd, nil
}

// ChildRelay builds the worker side of the same relay, reading requests on
// in and writing replies/pushes on out, ordinarily os.Stdin/os.Stdout.
func ChildRelay(in io.ReadCloser, out io.WriteCloser) relay.Relay {
	return pipe.NewPipeRelay(in, out)
}
