package maincmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mna/mainer"

	"github.com/erenyenigul/esc-lang/lang/machine"
)

// Resume rehydrates the snapshot file and continues execution. The --value
// flag supplies the return value of the pending syscall. If the machine
// suspends on another syscall, the new snapshot state is written to --out
// (default stdout) so the host can dispatch the trap and resume again.
func (c *Cmd) Resume(ctx context.Context, stdio mainer.Stdio, args []string) error {
	b, err := os.ReadFile(args[0])
	if err != nil {
		return printError(stdio, err)
	}
	state := strings.TrimSpace(string(b))

	var ret machine.Value
	if c.flags["value"] {
		if ret, err = parseValue(c.Value); err != nil {
			return printError(stdio, err)
		}
	}

	lib := &machine.Library{Stdin: stdio.Stdin, Stdout: stdio.Stdout, Rand: c.rand()}
	natives := machine.DefaultNatives(lib)
	syscalls := machine.DefaultSyscalls()

	vm, err := machine.Restore(state, ret, natives, syscalls)
	if err != nil {
		return printError(stdio, err)
	}

	snap := vm.Run(c.MaxSteps)
	for snap.Status == machine.StatusRunning {
		if err := ctx.Err(); err != nil {
			return printError(stdio, err)
		}
		snap = vm.Run(c.MaxSteps)
	}

	switch snap.Status {
	case machine.StatusHalted:
		fmt.Fprintf(stdio.Stdout, "halted: %s\n", machine.Repr(snap.Result))
		return nil

	case machine.StatusError:
		return printError(stdio, snap.Err)

	default: // StatusSyscall
		fmt.Fprintf(stdio.Stdout, "syscall %s(%s)\n", snap.Syscall.Name, reprArgs(snap.Syscall.Args))
		if c.Out != "" {
			if err := os.WriteFile(c.Out, []byte(snap.State+"\n"), 0o600); err != nil {
				return printError(stdio, err)
			}
			return nil
		}
		fmt.Fprintln(stdio.Stdout, snap.State)
		return nil
	}
}
