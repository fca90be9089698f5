package token

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenString(t *testing.T) {
	for tok := Token(0); tok < maxToken; tok++ {
		if tok.String() == "" {
			t.Errorf("missing string representation of token %d", tok)
		}
	}
}

func TestLookupKw(t *testing.T) {
	for tok := Token(0); tok < maxToken; tok++ {
		expect := tok >= kwStart && tok <= kwEnd
		val := LookupKw(tok.String())
		if expect {
			require.Equal(t, tok, val)
		} else {
			require.Equal(t, IDENT, val)
		}
	}
}

func TestLookupPunct(t *testing.T) {
	for tok := Token(0); tok < maxToken; tok++ {
		expect := tok >= punctStart && tok <= punctEnd
		val := LookupPunct(tok.String())
		if expect {
			require.Equal(t, tok, val)
		} else {
			require.Equal(t, ILLEGAL, val)
		}
	}
}

func TestLiteral(t *testing.T) {
	cases := []struct {
		tok  Token
		val  Value
		want string
	}{
		{IDENT, Value{Raw: "abc"}, "abc"},
		{INT, Value{Int: 123}, "123"},
		{FLOAT, Value{Float: 1.5}, "1.5"},
		{STRING, Value{String: "a\nb"}, `"a\nb"`},
		{COMMENT, Value{String: " c"}, `" c"`},
		{PLUS, Value{}, ""},
		{WHILE, Value{}, ""},
		{EOF, Value{}, ""},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.tok.Literal(c.val), c.tok.String())
	}
}

func TestPos(t *testing.T) {
	cases := []struct{ line, col int }{
		{1, 1}, {1, 2}, {123, 456}, {MaxLines, MaxCols},
	}
	for _, c := range cases {
		p := MakePos(c.line, c.col)
		l, cl := p.LineCol()
		require.Equal(t, c.line, l)
		require.Equal(t, c.col, cl)
		require.False(t, p.Unknown())
	}
	require.True(t, Pos(0).Unknown())
	require.True(t, MakePos(0, 3).Unknown())
	require.True(t, MakePos(3, 0).Unknown())
}
