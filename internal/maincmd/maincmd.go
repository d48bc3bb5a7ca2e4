// Package maincmd implements the esc command-line tool: assembling,
// disassembling and running programs, and resuming suspended machine images.
package maincmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/mna/mainer"
)

const binName = "esc"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] <command> <path>
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] <command> <path>
       %[1]s -h|--help
       %[1]s -v|--version

All-in-one tool for the %[1]s language core.

The <command> can be one of:
       run                       Assemble the program file and execute
                                 it, resolving syscall traps
                                 interactively.
       resume                    Rehydrate the snapshot file and
                                 continue execution, optionally with a
                                 syscall return value.
       disasm                    Assemble the program file and print its
                                 canonical disassembly.

Valid flag options are:
       -h --help                 Show this help and exit.
       -v --version              Print version and exit.
       --max-steps <n>           Instruction budget per run slice
                                 (default unlimited). Also read from
                                 ESC_MAX_STEPS.
       --seed <n>                Seed for the random native. Also read
                                 from ESC_SEED.

Valid flag options for the <resume> command are:
       --value <literal>         Return value for the pending syscall:
                                 null, true, false, a number or a
                                 (quoted) string.
       -o --out <path>           Where to write the next snapshot if the
                                 machine suspends again (default
                                 stdout).

More information on the %[1]s repository:
       https://github.com/erenyenigul/esc-lang
`, binName)
)

// envConfig is the environment-variable configuration of the tool. Flags
// take precedence when both are set.
type envConfig struct {
	MaxSteps int   `env:"ESC_MAX_STEPS"`
	Seed     int64 `env:"ESC_SEED"`
}

type Cmd struct {
	BuildVersion string
	BuildDate    string

	Help    bool `flag:"h,help"`
	Version bool `flag:"v,version"`

	MaxSteps int    `flag:"max-steps"`
	Seed     int64  `flag:"seed"`
	Value    string `flag:"value"`
	Out      string `flag:"o,out"`

	args  []string
	flags map[string]bool
	cmdFn func(context.Context, mainer.Stdio, []string) error
}

func (c *Cmd) SetArgs(args []string) {
	c.args = args
}

func (c *Cmd) SetFlags(flags map[string]bool) {
	c.flags = flags
}

func (c *Cmd) Validate() error {
	if c.Help || c.Version {
		return nil
	}

	if len(c.args) == 0 {
		return errors.New("no command specified")
	}

	cmdName := c.args[0]

	commands := buildCmds(c)
	c.cmdFn = commands[cmdName]
	if c.cmdFn == nil {
		return fmt.Errorf("unknown command: %s", c.args[0])
	}

	if len(c.args[1:]) != 1 {
		return fmt.Errorf("%s: exactly one file must be provided", cmdName)
	}

	if (c.flags["value"] || c.flags["o"] || c.flags["out"]) && cmdName != "resume" {
		return fmt.Errorf("%s: invalid flag for this command", cmdName)
	}

	return nil
}

// rand returns the random source for the native library, seeded when a seed
// was configured.
func (c *Cmd) rand() *rand.Rand {
	if c.Seed != 0 {
		return rand.New(rand.NewSource(c.Seed))
	}
	return nil
}

func (c *Cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid environment: %s\n", err)
		return mainer.InvalidArgs
	}
	c.MaxSteps, c.Seed = cfg.MaxSteps, cfg.Seed

	p := mainer.Parser{
		EnvVars:   false, // environment handling is done with envConfig above
		EnvPrefix: binName + "_",
	}
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s", err, shortUsage)
		return mainer.InvalidArgs
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success

	case c.Version:
		fmt.Fprintf(stdio.Stdout, "%s %s %s\n", binName, c.BuildVersion, c.BuildDate)
		return mainer.Success
	}

	ctx := mainer.CancelOnSignal(context.Background(), os.Interrupt)
	if err := c.cmdFn(ctx, stdio, c.args[1:]); err != nil {
		// each command takes care of printing its errors, just return with an
		// error code
		return mainer.Failure
	}
	return mainer.Success
}

// valid commands are those that take a mainer.Stdio and a slice of strings
// as input, and return an error as output.
func buildCmds(v interface{}) map[string]func(context.Context, mainer.Stdio, []string) error {
	cmds := make(map[string]func(context.Context, mainer.Stdio, []string) error)

	vv := reflect.ValueOf(v)
	vt := vv.Type()
	for i := 0; i < vt.NumMethod(); i++ {
		m := vt.Method(i)
		mt := m.Type

		// must take 4 parameters (including receiver) and return 1
		if mt.NumIn() != 4 || mt.NumOut() != 1 {
			continue
		}

		if rt := mt.Out(0); rt.Kind() != reflect.Interface || rt.Name() != "error" {
			continue
		}
		if p0 := mt.In(0); p0.Kind() != reflect.Ptr || p0.Elem().Name() != "Cmd" {
			continue
		}
		if p1 := mt.In(1); p1.Kind() != reflect.Interface || p1.Name() != "Context" {
			continue
		}
		if p2 := mt.In(2); p2.Kind() != reflect.Struct || p2.Name() != "Stdio" {
			continue
		}
		if p3 := mt.In(3); p3.Kind() != reflect.Slice || p3.Elem().Name() != "string" {
			continue
		}
		cmds[strings.ToLower(m.Name)] = vv.Method(i).Interface().(func(context.Context, mainer.Stdio, []string) error)
	}
	return cmds
}

func printError(stdio mainer.Stdio, err error) error {
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "%s\n", err)
	}
	return err
}
