package compiler_test

import (
	"context"
	"testing"

	"github.com/mna/nelumbo/lang/code"
	"github.com/mna/nelumbo/lang/compiler"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, src string) *code.Prototype {
	t.Helper()
	p, err := compiler.CompileChunk(context.Background(), "=test", []byte(src))
	require.NoError(t, err)
	require.NotNil(t, p)
	checkProto(t, p)
	return p
}

// checkProto validates the universal invariants of a compiled prototype:
// instructions re-encode identically, jumps are in range, test opcodes are
// followed by a jump, metamethod instructions follow a metamethod-capable
// opcode, and no instruction writes a register above the declared maximum
// stack size.
func checkProto(t *testing.T, p *code.Prototype) {
	t.Helper()

	for pc, ins := range p.Code {
		op := ins.OpCode()
		require.Less(t, int(op), code.NumOpCodes)

		var redone code.Instruction
		switch op.Mode() {
		case code.FormatABC:
			redone = code.MakeABCK(op, ins.A(), ins.B(), ins.C(), ins.K())
		case code.FormatVABC:
			redone = code.MakeVABCK(op, ins.A(), ins.VB(), ins.VC(), ins.K())
		case code.FormatABx:
			redone = code.MakeABx(op, ins.A(), ins.Bx())
		case code.FormatAsBx:
			redone = code.MakeAsBx(op, ins.A(), ins.SBx())
		case code.FormatAx:
			redone = code.MakeAx(op, ins.Ax())
		case code.FormatSJ:
			redone = code.MakeSJ(op, ins.SJ(), ins.K())
		}
		require.Equal(t, ins, redone, "pc %d: %s", pc, code.DasmInstr(ins, pc))

		if op == code.OpJmp {
			target := pc + 1 + ins.SJ()
			require.True(t, target >= 0 && target < len(p.Code),
				"pc %d: jump target %d out of range", pc, target)
		}
		if op.IsTest() {
			require.Less(t, pc+1, len(p.Code), "test at pc %d has no follower", pc)
			require.Equal(t, code.OpJmp, p.Code[pc+1].OpCode(),
				"test at pc %d not followed by a jump", pc)
		}
		if op.CallsMM() {
			require.Greater(t, pc, 0)
			prev := p.Code[pc-1].OpCode()
			require.True(t, prev >= code.OpAddI && prev <= code.OpShr,
				"pc %d: %s does not follow an arithmetic or bitwise opcode", pc, op)
		}
		if op.SetsA() {
			require.Less(t, ins.A(), int(p.MaxStackSize),
				"pc %d: %s writes register above max stack", pc, code.DasmInstr(ins, pc))
		}
	}

	for _, child := range p.Protos {
		checkProto(t, child)
	}
}

func opcodes(p *code.Prototype) []code.OpCode {
	ops := make([]code.OpCode, len(p.Code))
	for i, ins := range p.Code {
		ops[i] = ins.OpCode()
	}
	return ops
}

func containsOp(p *code.Prototype, op code.OpCode) bool {
	for _, ins := range p.Code {
		if ins.OpCode() == op {
			return true
		}
	}
	return false
}

func TestCompileEmptyChunk(t *testing.T) {
	for _, src := range []string{"", "   \n\t\n", "-- only a comment", "--[[ long\ncomment ]]", ";;"} {
		p := compile(t, src)
		require.Equal(t, []code.Instruction{
			code.MakeABC(code.OpVarargPrep, 0, 0, 0),
			code.MakeABCK(code.OpReturn, 0, 1, 1, false),
		}, p.Code, src)
		require.Equal(t, uint8(2), p.MaxStackSize)
		require.Equal(t, uint8(0), p.NumParams)
		require.True(t, p.IsVararg())
		require.Equal(t, []code.UpvalDesc{
			{Name: "_ENV", InStack: true, Index: 0, Kind: code.RegularVar},
		}, p.Upvals)
		require.Equal(t, "test", p.Source)
	}
}

func TestCompileReturn(t *testing.T) {
	p := compile(t, "return")
	require.Equal(t, []code.Instruction{
		code.MakeABC(code.OpVarargPrep, 0, 0, 0),
		code.MakeABCK(code.OpReturn, 0, 1, 1, false),
		code.MakeABCK(code.OpReturn, 0, 1, 1, false),
	}, p.Code)
	require.Empty(t, p.Constants)
}

func TestCompileFoldedReturn(t *testing.T) {
	p := compile(t, "return 1 + 2")
	require.Equal(t, []code.Instruction{
		code.MakeABC(code.OpVarargPrep, 0, 0, 0),
		code.MakeAsBx(code.OpLoadI, 0, 3),
		code.MakeABCK(code.OpReturn, 0, 2, 1, false),
		code.MakeABCK(code.OpReturn, 0, 1, 1, false),
	}, p.Code)
	require.Empty(t, p.Constants, "folded constants must not reach the pool")
}

func TestConstantFolding(t *testing.T) {
	cases := []struct {
		src  string
		load code.Instruction
	}{
		{"return 2 + 3 * 4", code.MakeAsBx(code.OpLoadI, 0, 14)},
		{"return 7 // 2", code.MakeAsBx(code.OpLoadI, 0, 3)},
		{"return -7 // 2", code.MakeAsBx(code.OpLoadI, 0, -4)},
		{"return 7 % -2", code.MakeAsBx(code.OpLoadI, 0, -1)},
		{"return 2^3", code.MakeAsBx(code.OpLoadF, 0, 8)},
		{"return 1 << 4", code.MakeAsBx(code.OpLoadI, 0, 16)},
		{"return 256 >> 4", code.MakeAsBx(code.OpLoadI, 0, 16)},
		{"return 5 & 3", code.MakeAsBx(code.OpLoadI, 0, 1)},
		{"return 5 | 3", code.MakeAsBx(code.OpLoadI, 0, 7)},
		{"return 5 ~ 3", code.MakeAsBx(code.OpLoadI, 0, 6)},
		{"return ~0", code.MakeAsBx(code.OpLoadI, 0, -1)},
		{"return -(-42)", code.MakeAsBx(code.OpLoadI, 0, 42)},
		{"return 1.5 + 1.5", code.MakeAsBx(code.OpLoadF, 0, 3)},
	}
	for _, c := range cases {
		p := compile(t, c.src)
		require.Equal(t, c.load, p.Code[1], c.src)
		require.Empty(t, p.Constants, c.src)
	}
}

func TestNoUnsafeFolding(t *testing.T) {
	cases := []struct {
		src string
		op  code.OpCode // operation that must remain in the code
	}{
		{"return 1 // 0", code.OpIDivK},      // division by zero
		{"return 1 % 0", code.OpModK},        // division by zero
		{"return 2 | 3.5", code.OpBOrK},      // non-integral bitwise operand
		{"return -0.0", code.OpUnm},          // -0.0 must not be folded
		{"return 0.0/0.0", code.OpDivK},      // NaN must not be folded
	}
	for _, c := range cases {
		p := compile(t, c.src)
		require.True(t, containsOp(p, c.op), "%s: missing %s in %v", c.src, c.op, opcodes(p))
	}
}

func TestLocalNilCoalesce(t *testing.T) {
	p := compile(t, "local a\nlocal b\nlocal c")
	require.Equal(t, []code.Instruction{
		code.MakeABC(code.OpVarargPrep, 0, 0, 0),
		code.MakeABC(code.OpLoadNil, 0, 2, 0),
		code.MakeABCK(code.OpReturn, 3, 1, 1, false),
	}, p.Code)
	require.Len(t, p.LocVars, 3)
	require.Equal(t, "a", p.LocVars[0].Name)
}

func TestLocalTableConstructor(t *testing.T) {
	p := compile(t, "local t = {10, 20, 30}")
	require.Equal(t, []code.Instruction{
		code.MakeABC(code.OpVarargPrep, 0, 0, 0),
		code.MakeVABCK(code.OpNewTable, 0, 0, 3, false),
		code.MakeAx(code.OpExtraArg, 0),
		code.MakeAsBx(code.OpLoadI, 1, 10),
		code.MakeAsBx(code.OpLoadI, 2, 20),
		code.MakeAsBx(code.OpLoadI, 3, 30),
		code.MakeVABCK(code.OpSetList, 0, 3, 0, false),
		code.MakeABCK(code.OpReturn, 1, 1, 1, false),
	}, p.Code)
	require.GreaterOrEqual(t, p.MaxStackSize, uint8(4))
}

func TestChildFunction(t *testing.T) {
	p := compile(t, "local f = function(x) return x + 1 end")
	require.Equal(t, []code.Instruction{
		code.MakeABC(code.OpVarargPrep, 0, 0, 0),
		code.MakeABx(code.OpClosure, 0, 0),
		code.MakeABCK(code.OpReturn, 1, 1, 1, false),
	}, p.Code)

	require.Len(t, p.Protos, 1)
	child := p.Protos[0]
	require.Equal(t, uint8(1), child.NumParams)
	require.False(t, child.IsVararg())
	require.Equal(t, []code.Instruction{
		code.MakeABCK(code.OpAddI, 1, 0, code.Int2SC(1), false),
		code.MakeABCK(code.OpMMBinI, 0, code.Int2SC(1), int(code.EventAdd), false),
		code.MakeABC(code.OpReturn1, 1, 2, 0),
		code.MakeABC(code.OpReturn0, 1, 1, 0),
	}, child.Code)
	require.Empty(t, child.Constants)
	require.Len(t, child.LocVars, 1)
	require.Equal(t, "x", child.LocVars[0].Name)
}

func TestOrAssignment(t *testing.T) {
	// the true list of 'b or c' comes only from a TESTSET, so the
	// materialization must not emit LFALSESKIP/LOADTRUE
	p := compile(t, "a = b or c")
	require.Equal(t, []code.Instruction{
		code.MakeABC(code.OpVarargPrep, 0, 0, 0),
		code.MakeABC(code.OpGetTabUp, 0, 0, 1),           // b
		code.MakeABCK(code.OpTest, 0, 0, 0, true),        // TESTSET demoted to TEST
		code.MakeSJ(code.OpJmp, 1, false),
		code.MakeABC(code.OpGetTabUp, 0, 0, 2),           // c
		code.MakeABCK(code.OpSetTabUp, 0, 0, 0, false),   // a
		code.MakeABCK(code.OpReturn, 0, 1, 1, false),
	}, p.Code)
	require.Equal(t, []code.Value{"a", "b", "c"}, p.Constants)
	require.False(t, containsOp(p, code.OpLFalseSkip))
	require.False(t, containsOp(p, code.OpLoadTrue))
}

func TestOrWithComparison(t *testing.T) {
	// here a path in the jump lists comes from a comparison, so the
	// boolean loads are required
	p := compile(t, "local v = 1 < 2 or b")
	require.True(t, containsOp(p, code.OpLFalseSkip), "%v", opcodes(p))
	require.True(t, containsOp(p, code.OpLoadTrue), "%v", opcodes(p))
}

func TestNumericFor(t *testing.T) {
	p := compile(t, "for i = 1, 10 do print(i) end")
	require.Equal(t, []code.Instruction{
		code.MakeABC(code.OpVarargPrep, 0, 0, 0),
		code.MakeAsBx(code.OpLoadI, 0, 1),
		code.MakeAsBx(code.OpLoadI, 1, 10),
		code.MakeAsBx(code.OpLoadI, 2, 1),
		code.MakeABx(code.OpForPrep, 0, 3),
		code.MakeABC(code.OpGetTabUp, 3, 0, 0), // print
		code.MakeABC(code.OpMove, 4, 2, 0),     // i
		code.MakeABC(code.OpCall, 3, 2, 1),
		code.MakeABx(code.OpForLoop, 0, 4),
		code.MakeABCK(code.OpReturn, 0, 1, 1, false),
	}, p.Code)
	require.Equal(t, []code.Value{"print"}, p.Constants)
}

func TestGenericFor(t *testing.T) {
	p := compile(t, "local f\nfor k, v in f do local x = k + v end")
	require.True(t, containsOp(p, code.OpTForPrep), "%v", opcodes(p))
	require.True(t, containsOp(p, code.OpTForCall), "%v", opcodes(p))
	require.True(t, containsOp(p, code.OpTForLoop), "%v", opcodes(p))
}

func TestStringConstantDedup(t *testing.T) {
	p := compile(t, `local a = "x"`+"\n"+`local b = "x"`+"\n"+`local c = "y"`)
	require.Equal(t, []code.Value{"x", "y"}, p.Constants)
}

func TestFloatConstantKeys(t *testing.T) {
	// 1.0 and 0.0 load as LOADF immediates (-0.0 as a negated 0.0), so only
	// 1e300 reaches the constant pool
	p := compile(t, "local a = {}\nlocal huge = 1e300\nlocal one = 1.0\nlocal z, nz = 0.0, -0.0\na.x = huge\na.y = one")
	var floats []float64
	for _, k := range p.Constants {
		if f, ok := k.(float64); ok {
			floats = append(floats, f)
		}
	}
	require.Len(t, floats, 1, "only the non-immediate float reaches the pool: %v", p.Constants)
	require.Equal(t, 1e300, floats[0])
}

func TestMethodCall(t *testing.T) {
	p := compile(t, "local t = {}\nt:m()")
	require.True(t, containsOp(p, code.OpSelf), "%v", opcodes(p))
	require.Contains(t, p.Constants, "m")
}

func TestTailCall(t *testing.T) {
	p := compile(t, "local f = function() end\nreturn f()")
	require.True(t, containsOp(p, code.OpTailCall), "%v", opcodes(p))
}

func TestNoTailCallInsideTBC(t *testing.T) {
	p := compile(t, "local x <close> = nil\nlocal f = function() end\nreturn f()")
	require.False(t, containsOp(p, code.OpTailCall), "%v", opcodes(p))
	require.True(t, containsOp(p, code.OpTBC), "%v", opcodes(p))
	// the returns must carry the needs-close flag
	for _, ins := range p.Code {
		if ins.OpCode() == code.OpReturn {
			require.True(t, ins.K())
		}
	}
}

func TestUpvalueClose(t *testing.T) {
	p := compile(t, "do\nlocal x = 1\nlocal f = function() return x end\nend")
	require.True(t, containsOp(p, code.OpClose), "%v", opcodes(p))
	require.Len(t, p.Protos, 1)
	require.Equal(t, []code.UpvalDesc{
		{Name: "x", InStack: true, Index: 0, Kind: code.RegularVar},
	}, p.Protos[0].Upvals)
}

func TestUpvalueChain(t *testing.T) {
	// y is chained through the intermediate function as an upvalue
	p := compile(t, `
local y = 1
local outer = function()
  return function() return y end
end`)
	require.Len(t, p.Protos, 1)
	mid := p.Protos[0]
	require.Len(t, mid.Protos, 1)
	inner := mid.Protos[0]
	require.Equal(t, "y", mid.Upvals[0].Name)
	require.True(t, mid.Upvals[0].InStack)
	require.Equal(t, "y", inner.Upvals[0].Name)
	require.False(t, inner.Upvals[0].InStack)
}

func TestRepeatUntil(t *testing.T) {
	p := compile(t, "local x = 0\nrepeat x = x - 1 until x == 1")
	require.True(t, containsOp(p, code.OpEqI), "%v", opcodes(p))
}

func TestComparisonVariants(t *testing.T) {
	cases := []struct {
		src string
		op  code.OpCode
	}{
		{"local a\nlocal r = a < 1", code.OpLtI},  // immediate on the right
		{"local a\nlocal r = 1 < a", code.OpGtI},  // sides swapped
		{"local a\nlocal r = a <= 1", code.OpLeI},
		{"local a\nlocal r = 1 <= a", code.OpGeI},
		{"local a, b\nlocal r = a < b", code.OpLt},
		{"local a\nlocal r = a == 1", code.OpEqI},
		{"local a\nlocal r = a == 'k'", code.OpEqK},
		{"local a, b\nlocal r = a == b", code.OpEq},
	}
	for _, c := range cases {
		p := compile(t, c.src)
		require.True(t, containsOp(p, c.op), "%s: %v", c.src, opcodes(p))
	}
}

func TestImmediateShifts(t *testing.T) {
	cases := []struct {
		src string
		ins code.Instruction
	}{
		// a << 2 uses SHLI? no: a >> I uses SHRI, I << a uses SHLI, and
		// a << I is recoded as a >> -I
		{"local a\nlocal r = a << 2", code.MakeABCK(code.OpShrI, 1, 0, code.Int2SC(-2), false)},
		{"local a\nlocal r = a >> 2", code.MakeABCK(code.OpShrI, 1, 0, code.Int2SC(2), false)},
		{"local a\nlocal r = 2 << a", code.MakeABCK(code.OpShlI, 1, 0, code.Int2SC(2), false)},
	}
	for _, c := range cases {
		p := compile(t, c.src)
		require.Contains(t, p.Code, c.ins, "%s: %v", c.src, opcodes(p))
	}
}

func TestSubImmediate(t *testing.T) {
	// a - 1 is coded as a + (-1), with the metamethod operand corrected
	p := compile(t, "local a\nlocal r = a - 1")
	require.Contains(t, p.Code, code.MakeABCK(code.OpAddI, 1, 0, code.Int2SC(-1), false))
	require.Contains(t, p.Code, code.MakeABCK(code.OpMMBinI, 0, code.Int2SC(1), int(code.EventSub), false))
}

func TestConcatMerge(t *testing.T) {
	// a .. b .. c must produce a single CONCAT of 3 elements
	p := compile(t, "local a, b, c\nlocal r = a .. b .. c")
	var concats []code.Instruction
	for _, ins := range p.Code {
		if ins.OpCode() == code.OpConcat {
			concats = append(concats, ins)
		}
	}
	require.Len(t, concats, 1)
	require.Equal(t, 3, concats[0].B())
}

func TestNotPeephole(t *testing.T) {
	// a 'not' in a condition is re-coded as a TEST on the original register
	// with the condition inverted, removing the NOT instruction
	p := compile(t, "local a\nif not a then a = 1 end")
	require.False(t, containsOp(p, code.OpNot), "%v", opcodes(p))
	require.True(t, containsOp(p, code.OpTest), "%v", opcodes(p))
}

func TestGotoResolution(t *testing.T) {
	p := compile(t, "do\ngoto done\nend\n::done::")
	require.True(t, containsOp(p, code.OpJmp), "%v", opcodes(p))

	p = compile(t, `
local i = 0
while i < 3 do
  i = i + 1
  if i == 2 then goto continue end
  ::continue::
end`)
	require.NotNil(t, p)
}

func TestBackwardGoto(t *testing.T) {
	// the goto is solved at block exit, when the block locals are already
	// out of scope
	p := compile(t, `
do
  local a = 1
  ::again::
  a = a + 1
  if a < 3 then goto again end
end`)
	require.True(t, containsOp(p, code.OpJmp), "%v", opcodes(p))
}

func TestGotoNeedsClose(t *testing.T) {
	// the goto escapes a scope with an upvalue, so the placeholder CLOSE
	// must be swapped before the jump
	p := compile(t, `
do
  local x = 1
  local f = function() return x end
  goto out
end
::out::`)
	var closeBeforeJump bool
	for pc := 0; pc+1 < len(p.Code); pc++ {
		if p.Code[pc].OpCode() == code.OpClose && p.Code[pc+1].OpCode() == code.OpJmp {
			closeBeforeJump = true
		}
	}
	require.True(t, closeBeforeJump, "%v", opcodes(p))
}

func TestBreakWithLocals(t *testing.T) {
	p := compile(t, `
while true do
  local x = 1
  if x then break end
end`)
	require.NotNil(t, p)
}

func TestCompileTimeConst(t *testing.T) {
	// a <const> local with a foldable initializer consumes no register
	p := compile(t, "local k <const> = 41\nreturn k + 1")
	require.Equal(t, []code.Instruction{
		code.MakeABC(code.OpVarargPrep, 0, 0, 0),
		code.MakeAsBx(code.OpLoadI, 0, 42),
		code.MakeABCK(code.OpReturn, 0, 2, 1, false),
		code.MakeABCK(code.OpReturn, 0, 1, 1, false),
	}, p.Code)
	require.Empty(t, p.LocVars, "compile-time constants have no debug slot")
}

func TestGlobalDeclaration(t *testing.T) {
	p := compile(t, "global answer = 42\nanswer = answer + 1")
	require.True(t, containsOp(p, code.OpSetTabUp), "%v", opcodes(p))
	require.Contains(t, p.Constants, "answer")

	// a function declared with 'global function'
	p = compile(t, "global function main() return 0 end")
	require.True(t, containsOp(p, code.OpClosure), "%v", opcodes(p))
	require.Contains(t, p.Constants, "main")
}

func TestVarargExpressions(t *testing.T) {
	p := compile(t, "local t = {...}\nreturn ...")
	require.True(t, containsOp(p, code.OpVararg), "%v", opcodes(p))
	require.True(t, containsOp(p, code.OpSetList), "%v", opcodes(p))
}

func TestMultipleAssignment(t *testing.T) {
	p := compile(t, "local a, b = 1, 2\na, b = b, a")
	require.True(t, containsOp(p, code.OpMove), "%v", opcodes(p))

	// conflict: t[k] and k assigned in the same statement, k must be saved
	p = compile(t, "local t, k = {}, 1\nt[k], k = 2, 3")
	require.NotNil(t, p)
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		src string
		msg string
	}{
		{"local a <const> = 1\na = 2", "attempt to assign to const variable 'a'"},
		{"local a <close>, b <close> = 1, 2", "multiple to-be-closed variables in local list"},
		{"local a <closed> = 1", "unknown attribute 'closed'"},
		{"break", "break outside a loop"},
		{"goto nowhere", "no visible label 'nowhere' for <goto> at line 1"},
		{"goto skip\nlocal x = 1\n::skip::\nlocal y = 2", "jumps into the scope of 'x'"},
		// the no-op statements after a label are parsed before it is created,
		// so the label on line 2 is registered first
		{"::l::\n::l::", "label 'l' already defined on line 2"},
		{"local f = function() return ... end", "cannot use '...' outside a vararg function"},
		{"global x\ny = 1", "variable 'y' not declared"},
		{"global x <const> = 1\nx = 2", "attempt to assign to const variable 'x'"},
		{"global x <close>", "global variables cannot be to-be-closed"},
		{"local a = ", "unexpected symbol"},
		{"local s = 'abc", "unfinished string"},
		{"local n = 0x", "malformed number"},
		{"if x then", "end expected"},
		{"local a = (1", "')' expected"},
		{"return 1 +", "unexpected symbol"},
		{"x = ", "unexpected symbol"},
		{"for x do end", "'=' or 'in' expected"},
		{"f()()", ""}, // valid, no error
	}
	ctx := context.Background()
	for _, c := range cases {
		_, err := compiler.CompileChunk(ctx, "=test", []byte(c.src))
		if c.msg == "" {
			require.NoError(t, err, c.src)
			continue
		}
		require.Error(t, err, c.src)
		require.Contains(t, err.Error(), c.msg, c.src)
	}
}

func TestErrorsHavePositions(t *testing.T) {
	_, err := compiler.CompileChunk(context.Background(), "@dir/file.lua", []byte("local a\nlocal b = ,"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "dir/file.lua:2:")
}

func TestGlobalCollective(t *testing.T) {
	// 'global *' covers any otherwise-undeclared name
	p := compile(t, "global answer\nglobal *\nother = 1")
	require.True(t, containsOp(p, code.OpSetTabUp), "%v", opcodes(p))
}

func TestLoadChunkModes(t *testing.T) {
	ctx := context.Background()
	src := []byte("return 1")

	p, err := compiler.LoadChunk(ctx, "", "=test", src)
	require.NoError(t, err)
	require.NotNil(t, p)

	_, err = compiler.LoadChunk(ctx, "b", "=test", src)
	require.Error(t, err)
	require.Contains(t, err.Error(), "attempt to load a text chunk")

	_, err = compiler.LoadChunk(ctx, "t", "=test", []byte("\x1bLua..."))
	require.Error(t, err)
	require.Contains(t, err.Error(), "attempt to load a binary chunk")
}

func TestLineInfo(t *testing.T) {
	p := compile(t, "local a = 1\n\n\nlocal b = 2")
	require.Len(t, p.LineInfo, len(p.Code))
	// LOADI for a is on line 1, LOADI for b on line 4
	require.Equal(t, 1, p.LineAt(1))
	require.Equal(t, 4, p.LineAt(2))
}
