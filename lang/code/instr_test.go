package code

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpNamesAndModes(t *testing.T) {
	for op := OpCode(0); int(op) < NumOpCodes; op++ {
		require.NotEmpty(t, opNames[op], "missing name for opcode %d", op)
		require.LessOrEqual(t, op.Mode(), FormatSJ, op.String())
	}
	require.Equal(t, 83, NumOpCodes)
}

func TestInstrRoundTrip(t *testing.T) {
	cases := []Instruction{
		MakeABC(OpMove, 1, 2, 0),
		MakeABCK(OpEq, 3, 4, 0, true),
		MakeABCK(OpGetField, MaxArgA, MaxArgB, MaxArgC, false),
		MakeVABCK(OpNewTable, 7, 5, 1000, true),
		MakeVABCK(OpSetList, 0, MaxArgVB, MaxArgVC, false),
		MakeABx(OpLoadK, 0, MaxArgBx),
		MakeAsBx(OpLoadI, 0, -3),
		MakeAsBx(OpLoadI, 0, OffsetSBx),
		MakeAx(OpExtraArg, MaxArgAx),
		MakeSJ(OpJmp, -1, false),
		MakeSJ(OpJmp, 12345, false),
	}
	for _, ins := range cases {
		op := ins.OpCode()
		var redone Instruction
		switch op.Mode() {
		case FormatABC:
			redone = MakeABCK(op, ins.A(), ins.B(), ins.C(), ins.K())
		case FormatVABC:
			redone = MakeVABCK(op, ins.A(), ins.VB(), ins.VC(), ins.K())
		case FormatABx:
			redone = MakeABx(op, ins.A(), ins.Bx())
		case FormatAsBx:
			redone = MakeAsBx(op, ins.A(), ins.SBx())
		case FormatAx:
			redone = MakeAx(op, ins.Ax())
		case FormatSJ:
			redone = MakeSJ(op, ins.SJ(), ins.K())
		}
		require.Equal(t, ins, redone, DasmInstr(ins, 0))
	}
}

func TestInstrSetters(t *testing.T) {
	ins := MakeABC(OpCall, 0, 1, 2)
	ins.SetA(7)
	ins.SetB(0)
	ins.SetC(3)
	require.Equal(t, OpCall, ins.OpCode())
	require.Equal(t, 7, ins.A())
	require.Equal(t, 0, ins.B())
	require.Equal(t, 3, ins.C())
	require.False(t, ins.K())
	ins.SetK(true)
	require.True(t, ins.K())
	ins.SetOpCode(OpTailCall)
	require.Equal(t, OpTailCall, ins.OpCode())
	require.Equal(t, 7, ins.A())

	jmp := MakeSJ(OpJmp, NoJump, false)
	require.Equal(t, NoJump, jmp.SJ())
	jmp.SetSJ(42)
	require.Equal(t, 42, jmp.SJ())

	bx := MakeABx(OpForPrep, 2, 0)
	bx.SetBx(100)
	require.Equal(t, 100, bx.Bx())
}

func TestSignedOperandHelpers(t *testing.T) {
	for _, v := range []int{-OffsetSC, -1, 0, 1, MaxArgC - OffsetSC} {
		require.Equal(t, v, SC2Int(Int2SC(v)))
	}
	ins := MakeABC(OpAddI, 0, 1, Int2SC(-5))
	require.Equal(t, -5, ins.SC())
	ins = MakeABCK(OpEqI, 0, Int2SC(100), 0, true)
	require.Equal(t, 100, ins.SB())
}

func TestIsOTIsIT(t *testing.T) {
	require.True(t, IsOT(MakeABC(OpCall, 0, 1, 0)))
	require.False(t, IsOT(MakeABC(OpCall, 0, 1, 2)))
	require.True(t, IsOT(MakeABCK(OpTailCall, 0, 1, 0, false)))
	require.True(t, IsOT(MakeABC(OpVararg, 0, 0, 0)))
	require.False(t, IsOT(MakeABC(OpVararg, 0, 0, 2)))

	require.True(t, IsIT(MakeABC(OpCall, 0, 0, 2)))
	require.False(t, IsIT(MakeABC(OpCall, 0, 2, 2)))
	require.True(t, IsIT(MakeVABCK(OpSetList, 0, 0, 3, false)))
	require.False(t, IsIT(MakeVABCK(OpSetList, 0, 2, 3, false)))
	require.True(t, IsIT(MakeABC(OpReturn, 0, 0, 0)))
}

func TestLineAt(t *testing.T) {
	p := &Prototype{
		LineDefined: 10,
		Code:        make([]Instruction, 5),
		LineInfo:    []int8{1, 0, AbsLineInfoSentinel, 2, 0},
		AbsLineInfo: []AbsLine{{PC: 2, Line: 500}},
	}
	require.Equal(t, 11, p.LineAt(0))
	require.Equal(t, 11, p.LineAt(1))
	require.Equal(t, 500, p.LineAt(2))
	require.Equal(t, 502, p.LineAt(3))
	require.Equal(t, 502, p.LineAt(4))
}
