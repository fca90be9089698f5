package scanner_test

import (
	"testing"

	"github.com/mna/nelumbo/lang/scanner"
	"github.com/mna/nelumbo/lang/token"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, src string) ([]scanner.TokenAndValue, error) {
	t.Helper()

	var s scanner.Scanner
	var el scanner.ErrorList
	s.Init("test.lua", []byte(src), el.Add)

	var toks []scanner.TokenAndValue
	for {
		var val token.Value
		tok := s.Scan(&val)
		if tok == token.EOF {
			break
		}
		toks = append(toks, scanner.TokenAndValue{Token: tok, Value: val})
	}
	return toks, el.Err()
}

func kinds(toks []scanner.TokenAndValue) []token.Token {
	ks := make([]token.Token, len(toks))
	for i, tv := range toks {
		ks[i] = tv.Token
	}
	return ks
}

func TestScanPunctuation(t *testing.T) {
	toks, err := scanAll(t, "+ - * / // % ^ # & ~ | << >> == ~= <= >= < > = ( ) { } [ ] :: ; : , . .. ...")
	require.NoError(t, err)
	require.Equal(t, []token.Token{
		token.PLUS, token.MINUS, token.STAR, token.SLASH, token.SLASHSLASH,
		token.PERCENT, token.CIRCUMFLEX, token.POUND, token.AMPERSAND,
		token.TILDE, token.PIPE, token.LTLT, token.GTGT, token.EQEQ,
		token.NEQ, token.LE, token.GE, token.LT, token.GT, token.EQ,
		token.LPAREN, token.RPAREN, token.LBRACE, token.RBRACE,
		token.LBRACK, token.RBRACK, token.DBCOLON, token.SEMI, token.COLON,
		token.COMMA, token.DOT, token.DOTDOT, token.DOTDOTDOT,
	}, kinds(toks))
}

func TestScanKeywordsAndIdents(t *testing.T) {
	toks, err := scanAll(t, "local x = nil while do ends global")
	require.NoError(t, err)
	require.Equal(t, []token.Token{
		token.LOCAL, token.IDENT, token.EQ, token.NIL, token.WHILE,
		token.DO, token.IDENT, token.GLOBAL,
	}, kinds(toks))
	require.Equal(t, "x", toks[1].Value.Raw)
	require.Equal(t, "ends", toks[6].Value.Raw)
}

func TestScanNumbers(t *testing.T) {
	cases := []struct {
		src  string
		tok  token.Token
		ival int64
		fval float64
	}{
		{"0", token.INT, 0, 0},
		{"42", token.INT, 42, 0},
		{"0x10", token.INT, 16, 0},
		{"0XFf", token.INT, 255, 0},
		{"3.0", token.FLOAT, 0, 3.0},
		{"3.1416", token.FLOAT, 0, 3.1416},
		{".5", token.FLOAT, 0, 0.5},
		{"314.16e-2", token.FLOAT, 0, 3.1416},
		{"0.31416E1", token.FLOAT, 0, 3.1416},
		{"1e3", token.FLOAT, 0, 1000},
		{"0x0.1", token.FLOAT, 0, 0.0625},
		{"0x1p4", token.FLOAT, 0, 16},
		{"0xA.8p0", token.FLOAT, 0, 10.5},
		// decimal overflow falls back to float
		{"99999999999999999999", token.FLOAT, 0, 1e20},
		// hexadecimal integers wrap around
		{"0xFFFFFFFFFFFFFFFF", token.INT, -1, 0},
	}
	for _, c := range cases {
		toks, err := scanAll(t, c.src)
		require.NoError(t, err, c.src)
		require.Len(t, toks, 1, c.src)
		require.Equal(t, c.tok, toks[0].Token, c.src)
		if c.tok == token.INT {
			require.Equal(t, c.ival, toks[0].Value.Int, c.src)
		} else {
			require.InDelta(t, c.fval, toks[0].Value.Float, 1e-12, c.src)
		}
	}
}

func TestScanMalformedNumbers(t *testing.T) {
	for _, src := range []string{"3abc", "0x", "3.4.5", "0xGG", "1e", "1e+"} {
		_, err := scanAll(t, src)
		require.Error(t, err, src)
		require.Contains(t, err.Error(), "malformed number", src)
	}
}

func TestScanShortStrings(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{`"hello"`, "hello"},
		{`'hello'`, "hello"},
		{`"a\nb"`, "a\nb"},
		{`"\a\b\f\n\r\t\v\\\"\'"`, "\a\b\f\n\r\t\v\\\"'"},
		{`"\x41\x62"`, "Ab"},
		{`"\65\066\7"`, "AB\a"},
		{`"\u{48}\u{65}"`, "He"},
		{`"\u{2764}"`, "❤"},
		{"\"a\\z  \n\t b\"", "ab"},
		{"\"a\\\nb\"", "a\nb"},
	}
	for _, c := range cases {
		toks, err := scanAll(t, c.src)
		require.NoError(t, err, c.src)
		require.Len(t, toks, 1, c.src)
		require.Equal(t, token.STRING, toks[0].Token, c.src)
		require.Equal(t, c.want, toks[0].Value.String, c.src)
	}
}

func TestScanStringErrors(t *testing.T) {
	cases := []struct {
		src string
		msg string
	}{
		{`"abc`, "unfinished string"},
		{"\"abc\ndef\"", "unfinished string"},
		{`"\300"`, "decimal escape too large"},
		{`"\q"`, "invalid escape sequence"},
		{`"\x4g"`, "hexadecimal digit expected"},
		{`"\u{110000000000}"`, "UTF-8 value too large"},
		{`"\u{41"`, "missing '}'"},
		{"[==[abc]=]", "unfinished long string"},
	}
	for _, c := range cases {
		_, err := scanAll(t, c.src)
		require.Error(t, err, c.src)
		require.Contains(t, err.Error(), c.msg, c.src)
	}
}

func TestScanLongStrings(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"[[hello]]", "hello"},
		{"[[\nhello]]", "hello"},          // first newline stripped
		{"[[a\r\nb]]", "a\nb"},            // newlines normalized
		{"[==[a ]] b]==]", "a ]] b"},      // lower level closer is content
		{"[=[x]==]x]=]", "x]==]x"},        // higher level closer is content
		{"[[ [=[ nested ]=] ]]", " [=[ nested ]=] "}, // no nesting
	}
	for _, c := range cases {
		toks, err := scanAll(t, c.src)
		require.NoError(t, err, c.src)
		require.Len(t, toks, 1, c.src)
		require.Equal(t, token.STRING, toks[0].Token, c.src)
		require.Equal(t, c.want, toks[0].Value.String, c.src)
	}
}

func TestScanComments(t *testing.T) {
	toks, err := scanAll(t, "a -- short comment\nb --[[long\ncomment]] c --[=[lvl]=] --[x\nd")
	require.NoError(t, err)
	require.Equal(t, []token.Token{
		token.IDENT, token.COMMENT, token.IDENT, token.COMMENT,
		token.IDENT, token.COMMENT, token.COMMENT, token.IDENT,
	}, kinds(toks))
	require.Equal(t, " short comment", toks[1].Value.String)
	require.Equal(t, "long\ncomment", toks[3].Value.String)
	require.Equal(t, "lvl", toks[5].Value.String)
	require.Equal(t, "[x", toks[6].Value.String)
}

func TestScanLineCount(t *testing.T) {
	toks, err := scanAll(t, "a\nb\r\nc\n\rd\re")
	require.NoError(t, err)
	require.Len(t, toks, 5)
	for i, tv := range toks {
		line, col := tv.Value.Pos.LineCol()
		require.Equal(t, i+1, line, tv.Value.Raw)
		require.Equal(t, 1, col, tv.Value.Raw)
	}
}

func TestScanHashbang(t *testing.T) {
	toks, err := scanAll(t, "#!/usr/bin/env nelumbo\nreturn 1")
	require.NoError(t, err)
	require.Equal(t, []token.Token{token.RETURN, token.INT}, kinds(toks))
	line, _ := toks[0].Value.Pos.LineCol()
	require.Equal(t, 2, line)
}
