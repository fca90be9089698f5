package maincmd

import (
	"context"
	"fmt"

	"github.com/mna/mainer"
	"github.com/mna/nelumbo/lang/scanner"
)

func (c *Cmd) Tokenize(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return TokenizeFiles(ctx, stdio, args...)
}

// TokenizeFiles tokenizes the source files and prints the tokens to stdout,
// one per line, with their position and literal value.
func TokenizeFiles(ctx context.Context, stdio mainer.Stdio, files ...string) error {
	toksByFile, err := scanner.ScanFiles(ctx, files...)
	for i, toks := range toksByFile {
		for _, tok := range toks {
			line, col := tok.Value.Pos.LineCol()
			fmt.Fprintf(stdio.Stdout, "%s:%d:%d: %s", files[i], line, col, tok.Token)
			if lit := tok.Token.Literal(tok.Value); lit != "" {
				fmt.Fprintf(stdio.Stdout, " %s", lit)
			}
			fmt.Fprintln(stdio.Stdout)
		}
	}
	if err != nil {
		scanner.PrintError(stdio.Stderr, err)
	}
	return err
}
