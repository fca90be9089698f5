// Some of the scanner package is adapted from the Go source code:
// https://cs.opensource.google/go/go/+/refs/tags/go1.22.1:src/go/scanner/scanner.go
//
// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scanner implements the lexical scanner that turns source bytes
// into a stream of tokens for the compiler to consume.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"go/scanner"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/mna/nelumbo/lang/token"
)

type (
	Error     = scanner.Error
	ErrorList = scanner.ErrorList
)

var PrintError = scanner.PrintError

// TokenAndValue combines the token type with the token value type in the same
// struct.
type TokenAndValue struct {
	Token token.Token
	Value token.Value
}

// ScanFiles is a helper function that tokenizes the source files and returns
// the list of tokens, grouped by the file at the same index, and produces any
// error encountered. The error, if non-nil, is guaranteed to implement
// Unwrap() []error.
func ScanFiles(ctx context.Context, files ...string) ([][]TokenAndValue, error) {
	if len(files) == 0 {
		return nil, nil
	}

	var (
		s      Scanner
		tokVal token.Value
		el     ErrorList
	)

	tokensByFile := make([][]TokenAndValue, len(files))
	for i, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			el.Add(token.Position{Filename: file}, err.Error())
			continue
		}

		s.Init(file, b, el.Add)
		for {
			tok := s.Scan(&tokVal)
			tokensByFile[i] = append(tokensByFile[i], TokenAndValue{
				Token: tok,
				Value: tokVal,
			})
			if tok == token.EOF {
				break
			}
		}
	}
	el.Sort()
	return tokensByFile, el.Err()
}

// Scanner tokenizes a source file for the parser to consume.
type Scanner struct {
	// immutable state after Init
	filename string
	src      []byte
	err      func(pos token.Position, msg string)

	// mutable scanning state
	sb          strings.Builder // writes to Builder never fail, so errors are ignored
	invalidByte byte            // when cur==RuneError due to failed utf8 decode, this is the invalid byte
	cur         rune            // current character
	off         int             // character offset in bytes of cur
	roff        int             // reading offset in bytes (position after current character)
	line        int             // 1-based line of cur
	col         int             // 1-based column of cur
}

var (
	// byte order mark, only permitted as very first characters
	bom = [3]byte{0xEF, 0xBB, 0xBF}
	// hashbang line, only permitted as very first line (or immediately after
	// bom)
	hashBang = [2]byte{'#', '!'}
)

// Init initializes the scanner to tokenize a new file.
func (s *Scanner) Init(filename string, src []byte, errHandler func(token.Position, string)) {
	s.filename = filename
	s.src = src
	s.err = errHandler

	s.sb.Reset()
	s.invalidByte = 0
	s.cur = ' '
	s.off = 0
	s.roff = 0
	s.line = 1
	s.col = 0

	// skip initial BOM if present
	if len(src) >= len(bom) && bytes.Equal(src[:len(bom)], bom[:]) {
		s.roff += len(bom)
	}
	// skip initial hashbang line if present
	if len(src)-s.roff >= len(hashBang) && bytes.Equal(src[s.roff:s.roff+len(hashBang)], hashBang[:]) {
		s.advance()
		for s.cur != '\n' && s.cur != '\r' && s.cur != -1 {
			s.advance()
		}
		if s.cur == '\n' || s.cur == '\r' {
			s.newline()
			return // cur is the first significant character
		}
	}
	s.advance()
}

// peek returns the byte following the most recently read character without
// advancing the scanner. If the scanner is at EOF, peek returns 0.
func (s *Scanner) peek() byte {
	if s.roff < len(s.src) {
		return s.src[s.roff]
	}
	return 0
}

// read the next Unicode char into s.cur; s.cur < 0 means end-of-file.
func (s *Scanner) advance() {
	if s.roff >= len(s.src) {
		s.off = len(s.src)
		if s.cur != -1 {
			s.col++
		}
		s.cur = -1
		return
	}

	s.off = s.roff

	// fast path if the rune is an ASCII char, no decoding necessary
	s.invalidByte = 0
	r, w := rune(s.src[s.roff]), 1
	if r >= utf8.RuneSelf {
		// not ASCII
		r, w = utf8.DecodeRune(s.src[s.roff:])
		if r == utf8.RuneError && w == 1 {
			s.error(s.line, s.col+1, "illegal UTF-8 encoding")
			// store the actual invalid byte
			s.invalidByte = s.src[s.roff]
		}
	}
	s.roff += w
	s.cur = r
	s.col++
}

// newline consumes a line break, counting '\n', '\r', '\n\r' and '\r\n' as a
// single logical line break. The current character must be '\n' or '\r'.
func (s *Scanner) newline() {
	prev := s.cur
	s.advance()
	if (s.cur == '\n' || s.cur == '\r') && s.cur != prev {
		s.advance()
	}
	if s.line >= token.MaxLines {
		s.error(s.line, s.col, "chunk has too many lines")
	}
	s.line++
	s.col = 1
}

func (s *Scanner) error(line, col int, msg string) {
	if s.err != nil {
		s.err(token.Position{Filename: s.filename, Line: line, Column: col}, msg)
	}
}

func (s *Scanner) errorf(line, col int, format string, args ...any) {
	s.error(line, col, fmt.Sprintf(format, args...))
}

// advance only if the current char matches any of the specified ones.
func (s *Scanner) advanceIf(matches ...byte) bool {
	if bytes.ContainsRune(matches, s.cur) {
		s.advance()
		return true
	}
	return false
}

// Scan returns the next token in the source file.
func (s *Scanner) Scan(tokVal *token.Value) (tok token.Token) {
	s.skipWhitespace()

	// current token start
	pos := token.MakePos(s.line, s.col)
	start := s.off

	switch cur := s.cur; {
	case isLetter(cur):
		// keywords and identifiers
		lit := s.ident()
		tok = token.IDENT
		if len(lit) > 1 {
			// keywords are longer than one letter - avoid lookup otherwise
			tok = token.LookupKw(lit)
		}
		*tokVal = token.Value{Raw: lit, Pos: pos}

	case isDecimal(cur) || cur == '.' && isDecimal(rune(s.peek())):
		// integer and float
		var lit string
		var ival int64
		var fval float64
		tok, lit, ival, fval = s.number()
		*tokVal = token.Value{Raw: lit, Pos: pos, Int: ival, Float: fval}

	default:
		// keywords, identifiers and numbers are done

		s.advance() // always make progress
		switch cur {
		case '=':
			tok = token.EQ
			if s.advanceIf('=') {
				tok = token.EQEQ
			}
			*tokVal = token.Value{Raw: tok.String(), Pos: pos}

		case '"', '\'':
			// short string
			tok = token.STRING
			lit, val := s.shortString(cur)
			*tokVal = token.Value{Raw: lit, Pos: pos, String: val}

		case '[':
			// can be LBRACK or the opening of a long string
			if s.cur == '=' || s.cur == '[' {
				tok = token.STRING
				lit, val := s.longString()
				*tokVal = token.Value{Raw: lit, Pos: pos, String: val}
				break
			}
			tok = token.LBRACK
			*tokVal = token.Value{Raw: tok.String(), Pos: pos}

		case '+', '*', '%', '^', '#', '&', '|', '(', ')', '{', '}', ']', ';', ',':
			// unambiguous single-char punctuation
			tok = token.LookupPunct(string(cur))
			*tokVal = token.Value{Raw: tok.String(), Pos: pos}

		case '-':
			// minus or start of a comment (--)
			tok = token.MINUS
			if s.advanceIf('-') {
				tok = token.COMMENT
				lit, val := s.comment()
				*tokVal = token.Value{Raw: lit, Pos: pos, String: val}
				break
			}
			*tokVal = token.Value{Raw: tok.String(), Pos: pos}

		case '<', '>':
			// can be followed by the same or by '='
			s.advanceIf(byte(cur), '=')
			tok = token.LookupPunct(string(s.src[start:s.off]))
			*tokVal = token.Value{Raw: tok.String(), Pos: pos}

		case '/':
			// slash or slashslash
			tok = token.SLASH
			if s.advanceIf('/') {
				tok = token.SLASHSLASH
			}
			*tokVal = token.Value{Raw: tok.String(), Pos: pos}

		case '~':
			// tilde or not-equal
			tok = token.TILDE
			if s.advanceIf('=') {
				tok = token.NEQ
			}
			*tokVal = token.Value{Raw: tok.String(), Pos: pos}

		case ':':
			// colon or double colon
			tok = token.COLON
			if s.advanceIf(':') {
				tok = token.DBCOLON
			}
			*tokVal = token.Value{Raw: tok.String(), Pos: pos}

		case '.':
			// dot, concat or ellipsis
			tok = token.DOT
			if s.advanceIf('.') {
				tok = token.DOTDOT
				if s.advanceIf('.') {
					tok = token.DOTDOTDOT
				}
			}
			*tokVal = token.Value{Raw: tok.String(), Pos: pos}

		case -1:
			tok = token.EOF
			*tokVal = token.Value{Raw: "", Pos: pos}

		default:
			if cur == utf8.RuneError && s.invalidByte > 0 {
				cur = rune(s.invalidByte)
				s.invalidByte = 0
			}
			l, c := pos.LineCol()
			s.errorf(l, c, "illegal character %#U", cur)
			tok = token.ILLEGAL
			*tokVal = token.Value{Raw: string(cur), Pos: pos}
		}
	}
	return tok
}

func (s *Scanner) ident() string {
	start := s.off
	for isLetter(s.cur) || isDigit(s.cur) {
		s.advance()
	}
	return string(s.src[start:s.off])
}

func (s *Scanner) skipWhitespace() {
	for {
		switch s.cur {
		case '\n', '\r':
			s.newline()
		case ' ', '\t', '\v', '\f':
			s.advance()
		default:
			return
		}
	}
}

func isWhitespace(rn rune) bool {
	return rn == ' ' || rn == '\t' || rn == '\v' || rn == '\f' || rn == '\n' || rn == '\r'
}

func isLetter(rn rune) bool {
	return 'a' <= rn && rn <= 'z' ||
		'A' <= rn && rn <= 'Z' ||
		rn == '_'
}

func isDigit(rn rune) bool {
	return '0' <= rn && rn <= '9'
}
