package maincmd

import (
	"context"
	"os"

	"github.com/mna/mainer"
	"github.com/mna/nelumbo/lang/code"
	"github.com/mna/nelumbo/lang/compiler"
)

// Undump loads binary chunks (or, depending on the mode, source text) and
// prints the disassembly of their bytecode.
func (c *Cmd) Undump(ctx context.Context, stdio mainer.Stdio, args []string) error {
	mode := c.Mode
	if mode == "" {
		mode = string(compiler.ModeBinary)
	}
	for _, file := range args {
		b, err := os.ReadFile(file)
		if err != nil {
			return printError(stdio, err)
		}
		p, err := compiler.LoadChunk(ctx, mode, "@"+file, b)
		if err != nil {
			return printError(stdio, err)
		}
		_, _ = stdio.Stdout.Write(code.Dasm(p))
	}
	return nil
}
