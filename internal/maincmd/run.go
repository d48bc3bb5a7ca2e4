package maincmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"github.com/mna/mainer"

	"github.com/erenyenigul/esc-lang/lang/compiler"
	"github.com/erenyenigul/esc-lang/lang/machine"
)

// Run assembles the program file and executes it, resolving syscall traps
// interactively: each trap is printed and a return value is read from
// standard input.
func (c *Cmd) Run(ctx context.Context, stdio mainer.Stdio, args []string) error {
	b, err := os.ReadFile(args[0])
	if err != nil {
		return printError(stdio, err)
	}
	prog, err := compiler.Asm(b)
	if err != nil {
		return printError(stdio, err)
	}

	lib := &machine.Library{Stdin: stdio.Stdin, Stdout: stdio.Stdout, Rand: c.rand()}
	natives := machine.DefaultNatives(lib)
	syscalls := machine.DefaultSyscalls()
	vm := machine.New(prog, natives, syscalls)

	prompt := newPrompter(stdio)
	defer prompt.close()

	for {
		if err := ctx.Err(); err != nil {
			return printError(stdio, err)
		}
		snap := vm.Run(c.MaxSteps)
		switch snap.Status {
		case machine.StatusRunning:
			continue

		case machine.StatusHalted:
			fmt.Fprintf(stdio.Stdout, "halted: %s\n", machine.Repr(snap.Result))
			return nil

		case machine.StatusError:
			return printError(stdio, snap.Err)

		case machine.StatusSyscall:
			fmt.Fprintf(stdio.Stdout, "syscall %s(%s)\n", snap.Syscall.Name, reprArgs(snap.Syscall.Args))
			line, err := prompt.read("return> ")
			if err != nil {
				return printError(stdio, err)
			}
			ret, err := parseValue(line)
			if err != nil {
				return printError(stdio, err)
			}
			if vm, err = machine.Restore(snap.State, ret, natives, syscalls); err != nil {
				return printError(stdio, err)
			}
		}
	}
}

func reprArgs(args []machine.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = machine.Repr(a)
	}
	return strings.Join(parts, ", ")
}

// parseValue reads a syscall return value from its literal form: null, true,
// false, a number, or a string (quoted or raw). An empty literal is null.
func parseValue(s string) (machine.Value, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "null":
		return machine.Null, nil
	case "true":
		return machine.True, nil
	case "false":
		return machine.False, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return machine.Number(f), nil
	}
	if strings.HasPrefix(s, `"`) {
		raw, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("invalid string literal: %w", err)
		}
		return machine.String(raw), nil
	}
	return machine.String(s), nil
}

// A prompter reads one line per syscall trap, with line editing when the
// input is a terminal.
type prompter struct {
	rl    *readline.Instance
	plain *bufio.Reader
	out   func(string)
}

func newPrompter(stdio mainer.Stdio) *prompter {
	if f, ok := stdio.Stdin.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		if rl, err := readline.New(""); err == nil {
			return &prompter{rl: rl}
		}
	}
	return &prompter{
		plain: bufio.NewReader(stdio.Stdin),
		out:   func(s string) { fmt.Fprint(stdio.Stdout, s) },
	}
}

func (p *prompter) read(prompt string) (string, error) {
	if p.rl != nil {
		p.rl.SetPrompt(prompt)
		return p.rl.Readline()
	}
	p.out(prompt)
	line, err := p.plain.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *prompter) close() {
	if p.rl != nil {
		p.rl.Close()
	}
}
