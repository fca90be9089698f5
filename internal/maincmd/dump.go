package maincmd

import (
	"context"
	"os"

	"github.com/mna/mainer"
	"github.com/mna/nelumbo/lang/binary"
	"github.com/mna/nelumbo/lang/compiler"
	"github.com/mna/nelumbo/lang/scanner"
)

// Dump compiles a source file and writes the binary chunk to the output
// file.
func (c *Cmd) Dump(ctx context.Context, stdio mainer.Stdio, args []string) error {
	file := args[0]
	b, err := os.ReadFile(file)
	if err != nil {
		return printError(stdio, err)
	}
	p, err := compiler.CompileChunk(ctx, "@"+file, b)
	if err != nil {
		scanner.PrintError(stdio.Stderr, err)
		return err
	}

	out, err := os.Create(c.Output)
	if err != nil {
		return printError(stdio, err)
	}
	if err := binary.Dump(p, out, c.Strip); err != nil {
		_ = out.Close()
		return printError(stdio, err)
	}
	return printError(stdio, out.Close())
}
