package maincmd

import (
	"context"

	"github.com/mna/mainer"
	"github.com/mna/nelumbo/lang/code"
	"github.com/mna/nelumbo/lang/compiler"
	"github.com/mna/nelumbo/lang/scanner"
)

func (c *Cmd) Compile(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return CompileFiles(ctx, stdio, args...)
}

// CompileFiles compiles the source files and prints the disassembly of each
// resulting prototype tree to stdout.
func CompileFiles(ctx context.Context, stdio mainer.Stdio, files ...string) error {
	protos, err := compiler.CompileFiles(ctx, files...)
	for _, p := range protos {
		if p == nil {
			continue
		}
		_, _ = stdio.Stdout.Write(code.Dasm(p))
	}
	if err != nil {
		scanner.PrintError(stdio.Stderr, err)
	}
	return err
}
