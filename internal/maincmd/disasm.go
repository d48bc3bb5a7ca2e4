package maincmd

import (
	"context"
	"os"

	"github.com/mna/mainer"

	"github.com/erenyenigul/esc-lang/lang/compiler"
)

// Disasm assembles the program file and prints its canonical disassembly,
// which round-trips through the assembler.
func (c *Cmd) Disasm(ctx context.Context, stdio mainer.Stdio, args []string) error {
	b, err := os.ReadFile(args[0])
	if err != nil {
		return printError(stdio, err)
	}
	prog, err := compiler.Asm(b)
	if err != nil {
		return printError(stdio, err)
	}
	out, err := compiler.Dasm(prog)
	if err != nil {
		return printError(stdio, err)
	}
	_, err = stdio.Stdout.Write(out)
	return err
}
