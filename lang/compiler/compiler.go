// Package compiler implements the single-pass compiler that translates
// source text into a register-based virtual-machine instruction stream plus
// its associated metadata (a function prototype, see lang/code).
//
// The parser consumes tokens and calls code-generation primitives that read
// and mutate the function state at the top of a stack of nested function
// states (representing lexical function nesting). Most expression
// operations do not immediately emit instructions: expressions are kept in
// deferred descriptors which the generator materializes on demand,
// performing register allocation, short-circuit jump-list threading,
// constant folding and opcode-variant selection along the way.
package compiler

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mna/nelumbo/lang/binary"
	"github.com/mna/nelumbo/lang/code"
	"github.com/mna/nelumbo/lang/scanner"
	"github.com/mna/nelumbo/lang/token"
)

// CompileFiles is a helper function that compiles the source files and
// returns the resulting prototypes, grouped by the file at the same index,
// and any error encountered. The error, if non-nil, is guaranteed to be a
// scanner.ErrorList.
func CompileFiles(ctx context.Context, files ...string) ([]*code.Prototype, error) {
	if len(files) == 0 {
		return nil, nil
	}

	var el scanner.ErrorList
	protos := make([]*code.Prototype, len(files))
	for i, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			el.Add(token.Position{Filename: file}, err.Error())
			continue
		}
		p, err := CompileChunk(ctx, "@"+file, b)
		if err != nil {
			el = append(el, err.(scanner.ErrorList)...)
			continue
		}
		protos[i] = p
	}
	el.Sort()
	return protos, el.Err()
}

// CompileChunk compiles a single chunk of source text and returns the
// prototype of its main function. The chunk name is used in error messages
// and debug information, with the conventional '@filename' and '=name'
// prefixes stripped. The main function is always vararg and carries a
// single upvalue named _ENV (in stack, index 0).
//
// The first error aborts the compilation; the returned error, if non-nil,
// is guaranteed to be a scanner.ErrorList.
func CompileChunk(ctx context.Context, chunkname string, src []byte) (prot *code.Prototype, err error) {
	p := &parser{}
	defer func() {
		if e := recover(); e != nil {
			if _, ok := e.(errCompile); !ok {
				panic(e)
			}
			prot = nil
			err = p.errs.Err()
		}
	}()

	p.init(chunkname, src)
	fs := &funcState{proto: &code.Prototype{}}
	p.mainFunc(fs)
	return fs.proto, p.errs.Err()
}

// Mode characters recognized by LoadChunk.
const (
	// ModeBinary accepts a precompiled binary chunk.
	ModeBinary = 'b'
	// ModeText accepts a source text chunk.
	ModeText = 't'
	// ModeFixedBinary accepts a binary chunk from a buffer that outlives the
	// prototype (the loaded prototype is flagged as fixed).
	ModeFixedBinary = 'B'
)

// LoadChunk loads a chunk that may be either source text or a precompiled
// binary chunk, dispatching on the binary signature byte. The mode string
// restricts what is accepted: any combination of 'b' (binary), 't' (text)
// and 'B' (binary from a fixed buffer); an empty mode accepts both text and
// binary.
func LoadChunk(ctx context.Context, mode, chunkname string, src []byte) (*code.Prototype, error) {
	if mode == "" {
		mode = "bt"
	}
	var el scanner.ErrorList
	if len(src) > 0 && src[0] == binary.Signature[0] {
		fixed := strings.ContainsRune(mode, ModeFixedBinary)
		if !fixed && !strings.ContainsRune(mode, ModeBinary) {
			el.Add(token.Position{Filename: displayName(chunkname)},
				fmt.Sprintf("attempt to load a binary chunk (mode is '%s')", mode))
			return nil, el.Err()
		}
		return binary.Undump(src, chunkname, fixed)
	}
	if !strings.ContainsRune(mode, ModeText) {
		el.Add(token.Position{Filename: displayName(chunkname)},
			fmt.Sprintf("attempt to load a text chunk (mode is '%s')", mode))
		return nil, el.Err()
	}
	return CompileChunk(ctx, chunkname, src)
}
