package binary_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/mna/nelumbo/lang/binary"
	"github.com/mna/nelumbo/lang/code"
	"github.com/mna/nelumbo/lang/compiler"
	"github.com/stretchr/testify/require"
)

// a program exercising nested prototypes, all constant types, upvalues,
// loops, gotos and to-be-closed variables.
const testSource = `
local count <const> = 10
local limit = count * 2

local function fib(n)
  if n < 2 then return n end
  return fib(n - 1) + fib(n - 2)
end

local function iter(a, i)
  i = i + 1
  if a[i] ~= nil then
    return i, a[i]
  end
end

local t = {fib(5), x = 1, [2] = "two", "tail", pi = 3.14159, big = 1e300}

function t.sum(...)
  local acc = 0
  for _, v in iter, {...}, 0 do
    acc = acc + v
  end
  return acc
end

function t:with_self()
  return self
end

global answer, greeting <const> = 0, "hello"

local i = 0
while i < limit do
  i = i + 1
  if i % 2 == 0 then goto continue end
  answer = answer + i
  ::continue::
end

repeat
  i = i - 1
until i <= 0

for k = 10, 1, -1 do
  t[k] = greeting .. "!"
end

do
  local x <close> = nil
  local _ = x
end

return t, fib(count), "a long string constant that does not qualify as a short string"
`

func compile(t *testing.T, src string) *code.Prototype {
	t.Helper()
	p, err := compiler.CompileChunk(context.Background(), "@test.lua", []byte(src))
	require.NoError(t, err)
	return p
}

func TestRoundTrip(t *testing.T) {
	p := compile(t, testSource)

	var buf bytes.Buffer
	require.NoError(t, binary.Dump(p, &buf, false))
	b := buf.Bytes()

	loaded, err := binary.Undump(b, "@test.lua", false)
	require.NoError(t, err)
	require.Equal(t, p, loaded)

	// dumping the loaded prototype must reproduce the same bytes
	var buf2 bytes.Buffer
	require.NoError(t, binary.Dump(loaded, &buf2, false))
	require.Equal(t, b, buf2.Bytes())
}

func TestRoundTripSmall(t *testing.T) {
	for _, src := range []string{
		"",
		"return",
		"return 1 + 2",
		"local t = {10, 20, 30}",
		"local f = function(x) return x + 1 end",
	} {
		p := compile(t, src)
		var buf bytes.Buffer
		require.NoError(t, binary.Dump(p, &buf, false))
		loaded, err := binary.Undump(buf.Bytes(), "@test.lua", false)
		require.NoError(t, err, src)
		require.Equal(t, p, loaded, src)
	}
}

func TestDumpStrip(t *testing.T) {
	p := compile(t, testSource)

	var buf bytes.Buffer
	require.NoError(t, binary.Dump(p, &buf, true))
	loaded, err := binary.Undump(buf.Bytes(), "@test.lua", false)
	require.NoError(t, err)

	var check func(stripped, orig *code.Prototype)
	check = func(stripped, orig *code.Prototype) {
		require.Equal(t, orig.Code, stripped.Code)
		require.Equal(t, orig.Constants, stripped.Constants)
		require.Equal(t, orig.NumParams, stripped.NumParams)
		require.Equal(t, orig.MaxStackSize, stripped.MaxStackSize)
		require.Empty(t, stripped.Source)
		require.Empty(t, stripped.LineInfo)
		require.Empty(t, stripped.AbsLineInfo)
		require.Empty(t, stripped.LocVars)
		require.Len(t, stripped.Upvals, len(orig.Upvals))
		for i, up := range stripped.Upvals {
			require.Empty(t, up.Name)
			require.Equal(t, orig.Upvals[i].InStack, up.InStack)
			require.Equal(t, orig.Upvals[i].Index, up.Index)
			require.Equal(t, orig.Upvals[i].Kind, up.Kind)
		}
		require.Len(t, stripped.Protos, len(orig.Protos))
		for i := range stripped.Protos {
			check(stripped.Protos[i], orig.Protos[i])
		}
	}
	check(loaded, p)
}

func TestUndumpFixed(t *testing.T) {
	p := compile(t, "return 1")
	var buf bytes.Buffer
	require.NoError(t, binary.Dump(p, &buf, false))

	loaded, err := binary.Undump(buf.Bytes(), "@test.lua", true)
	require.NoError(t, err)
	require.NotZero(t, loaded.Flags&code.FlagFixed)
}

func TestUndumpErrors(t *testing.T) {
	p := compile(t, "return 1")
	var buf bytes.Buffer
	require.NoError(t, binary.Dump(p, &buf, false))
	good := buf.Bytes()

	cases := []struct {
		name   string
		mangle func([]byte) []byte
		msg    string
	}{
		{"empty", func(b []byte) []byte { return nil }, "truncated chunk"},
		{"bad signature", func(b []byte) []byte {
			b[1] = 'X'
			return b
		}, "not a binary chunk"},
		{"bad version", func(b []byte) []byte {
			b[4] = 0x53
			return b
		}, "version mismatch"},
		{"bad format", func(b []byte) []byte {
			b[5] = 42
			return b
		}, "format mismatch"},
		{"corrupted data", func(b []byte) []byte {
			b[7] = 0
			return b
		}, "corrupted chunk"},
		{"truncated", func(b []byte) []byte { return b[:len(b)-4] }, "truncated chunk"},
	}
	for _, c := range cases {
		b := append([]byte(nil), good...)
		_, err := binary.Undump(c.mangle(b), "@test.lua", false)
		require.Error(t, err, c.name)
		require.Contains(t, err.Error(), c.msg, c.name)
	}
}

func TestDumpWriterError(t *testing.T) {
	p := compile(t, "return 1")
	werr := errors.New("disk full")
	err := binary.Dump(p, failWriter{err: werr}, false)
	require.ErrorIs(t, err, werr)
}

type failWriter struct {
	err error
}

func (w failWriter) Write(b []byte) (int, error) {
	return 0, w.err
}

func TestLoadChunkBinary(t *testing.T) {
	ctx := context.Background()
	p := compile(t, "return 42")
	var buf bytes.Buffer
	require.NoError(t, binary.Dump(p, &buf, false))

	loaded, err := compiler.LoadChunk(ctx, "bt", "@test.lua", buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, p, loaded)

	fixed, err := compiler.LoadChunk(ctx, "B", "@test.lua", buf.Bytes())
	require.NoError(t, err)
	require.NotZero(t, fixed.Flags&code.FlagFixed)
}
