// Package code defines the instruction set of the virtual machine and the
// compiled representation of a function (the prototype), along with a
// textual disassembler.
//
// Instructions are unsigned 32-bit integers with the opcode in the low 7
// bits. They come in six formats ('v' stands for "variant", 's' for
// "signed", 'x' for "extended"):
//
//	      3 3 2 2 2 2 2 2 2 2 2 2 1 1 1 1 1 1 1 1 1 1 0 0 0 0 0 0 0 0 0 0
//	      1 0 9 8 7 6 5 4 3 2 1 0 9 8 7 6 5 4 3 2 1 0 9 8 7 6 5 4 3 2 1 0
//	iABC        C(8)     |      B(8)     |k|     A(8)      |   Op(7)     |
//	ivABC       vC(10)     |     vB(6)   |k|     A(8)      |   Op(7)     |
//	iABx              Bx(17)               |     A(8)      |   Op(7)     |
//	iAsBx            sBx (signed)(17)      |     A(8)      |   Op(7)     |
//	iAx                         Ax(25)                     |   Op(7)     |
//	isJ                         sJ (signed)(25)            |   Op(7)     |
//
// A signed argument is represented in excess K: the represented value is
// the written unsigned value minus K, where K is half (rounded down) the
// maximum value for the corresponding unsigned argument.
package code

// Instruction is a single 32-bit VM instruction.
type Instruction uint32

// Format is the encoding format of an instruction.
type Format uint8

// List of instruction formats.
const (
	FormatABC Format = iota
	FormatVABC
	FormatABx
	FormatAsBx
	FormatAx
	FormatSJ
)

// size and position of instruction arguments.
const (
	SizeOp = 7
	SizeA  = 8
	SizeB  = 8
	SizeC  = 8
	SizeVB = 6
	SizeVC = 10
	SizeBx = SizeC + SizeB + 1
	SizeAx = SizeBx + SizeA
	SizeSJ = SizeBx + SizeA

	PosOp = 0
	PosA  = PosOp + SizeOp
	PosK  = PosA + SizeA
	PosB  = PosK + 1
	PosVB = PosK + 1
	PosC  = PosB + SizeB
	PosVC = PosVB + SizeVB
	PosBx = PosK
	PosAx = PosA
	PosSJ = PosA
)

// limits for instruction arguments.
const (
	MaxArgA  = 1<<SizeA - 1
	MaxArgB  = 1<<SizeB - 1
	MaxArgC  = 1<<SizeC - 1
	MaxArgVB = 1<<SizeVB - 1
	MaxArgVC = 1<<SizeVC - 1
	MaxArgBx = 1<<SizeBx - 1
	MaxArgAx = 1<<SizeAx - 1
	MaxArgSJ = 1<<SizeSJ - 1

	OffsetSBx = MaxArgBx >> 1 // sBx is signed
	OffsetSJ  = MaxArgSJ >> 1
	OffsetSC  = MaxArgC >> 1

	// MaxIndexRK is the maximum constant index that fits in a B/C operand.
	MaxIndexRK = MaxArgB

	// MaxStack is the maximum size for the register stack of a function; it
	// must fit in 8 bits. The highest valid register is one less than this
	// value.
	MaxStack = MaxArgA

	// NoReg is an invalid register (one more than the last valid register).
	NoReg = MaxStack

	// NoJump marks the end of a patch list. It is an invalid value both as an
	// absolute address and as a list link (it would link an element to
	// itself).
	NoJump = -1
)

// Int2SC converts an integer to its excess-K signed C operand encoding.
func Int2SC(i int) int { return i + OffsetSC }

// SC2Int converts an excess-K signed C operand back to an integer.
func SC2Int(i int) int { return i - OffsetSC }

func mask1(n, p uint) Instruction { return ((1 << n) - 1) << p }

func getarg(i Instruction, pos, size uint) int {
	return int((i >> pos) & mask1(size, 0))
}

func setarg(i *Instruction, v uint32, pos, size uint) {
	*i = (*i &^ mask1(size, pos)) | ((Instruction(v) << pos) & mask1(size, pos))
}

// OpCode returns the instruction's opcode.
func (i Instruction) OpCode() OpCode { return OpCode(i & mask1(SizeOp, 0)) }

// A returns the A argument (8 bits).
func (i Instruction) A() int { return getarg(i, PosA, SizeA) }

// B returns the B argument (8 bits, iABC format).
func (i Instruction) B() int { return getarg(i, PosB, SizeB) }

// SB returns the B argument as an excess-K signed value.
func (i Instruction) SB() int { return SC2Int(i.B()) }

// C returns the C argument (8 bits, iABC format).
func (i Instruction) C() int { return getarg(i, PosC, SizeC) }

// SC returns the C argument as an excess-K signed value.
func (i Instruction) SC() int { return SC2Int(i.C()) }

// VB returns the vB argument (6 bits, ivABC format).
func (i Instruction) VB() int { return getarg(i, PosVB, SizeVB) }

// VC returns the vC argument (10 bits, ivABC format).
func (i Instruction) VC() int { return getarg(i, PosVC, SizeVC) }

// K returns the k flag (1 bit).
func (i Instruction) K() bool { return getarg(i, PosK, 1) != 0 }

// Bx returns the Bx argument (17 bits, unsigned).
func (i Instruction) Bx() int { return getarg(i, PosBx, SizeBx) }

// SBx returns the Bx argument as an excess-K signed value.
func (i Instruction) SBx() int { return i.Bx() - OffsetSBx }

// Ax returns the Ax argument (25 bits).
func (i Instruction) Ax() int { return getarg(i, PosAx, SizeAx) }

// SJ returns the sJ argument as an excess-K signed value (25 bits).
func (i Instruction) SJ() int { return getarg(i, PosSJ, SizeSJ) - OffsetSJ }

// SetOpCode overwrites the instruction's opcode.
func (i *Instruction) SetOpCode(op OpCode) { setarg(i, uint32(op), PosOp, SizeOp) }

// SetA overwrites the A argument.
func (i *Instruction) SetA(v int) { setarg(i, uint32(v), PosA, SizeA) }

// SetB overwrites the B argument.
func (i *Instruction) SetB(v int) { setarg(i, uint32(v), PosB, SizeB) }

// SetC overwrites the C argument.
func (i *Instruction) SetC(v int) { setarg(i, uint32(v), PosC, SizeC) }

// SetK overwrites the k flag.
func (i *Instruction) SetK(v bool) {
	var k uint32
	if v {
		k = 1
	}
	setarg(i, k, PosK, 1)
}

// SetBx overwrites the Bx argument.
func (i *Instruction) SetBx(v int) { setarg(i, uint32(v), PosBx, SizeBx) }

// SetSBx overwrites the Bx argument with an excess-K signed value.
func (i *Instruction) SetSBx(v int) { i.SetBx(v + OffsetSBx) }

// SetSJ overwrites the sJ argument with an excess-K signed value.
func (i *Instruction) SetSJ(v int) { setarg(i, uint32(v+OffsetSJ), PosSJ, SizeSJ) }

// MakeABCK creates an iABC instruction.
func MakeABCK(op OpCode, a, b, c int, k bool) Instruction {
	var kk Instruction
	if k {
		kk = 1
	}
	return Instruction(op)<<PosOp |
		Instruction(a)<<PosA |
		Instruction(b)<<PosB |
		Instruction(c)<<PosC |
		kk<<PosK
}

// MakeABC creates an iABC instruction with the k flag unset.
func MakeABC(op OpCode, a, b, c int) Instruction {
	return MakeABCK(op, a, b, c, false)
}

// MakeVABCK creates an ivABC instruction.
func MakeVABCK(op OpCode, a, vb, vc int, k bool) Instruction {
	var kk Instruction
	if k {
		kk = 1
	}
	return Instruction(op)<<PosOp |
		Instruction(a)<<PosA |
		Instruction(vb)<<PosVB |
		Instruction(vc)<<PosVC |
		kk<<PosK
}

// MakeABx creates an iABx instruction.
func MakeABx(op OpCode, a, bx int) Instruction {
	return Instruction(op)<<PosOp |
		Instruction(a)<<PosA |
		Instruction(bx)<<PosBx
}

// MakeAsBx creates an iAsBx instruction from the signed sbx value.
func MakeAsBx(op OpCode, a, sbx int) Instruction {
	return MakeABx(op, a, sbx+OffsetSBx)
}

// MakeAx creates an iAx instruction.
func MakeAx(op OpCode, ax int) Instruction {
	return Instruction(op)<<PosOp | Instruction(ax)<<PosAx
}

// MakeSJ creates an isJ instruction from the signed sj value.
func MakeSJ(op OpCode, sj int, k bool) Instruction {
	var kk Instruction
	if k {
		kk = 1
	}
	return Instruction(op)<<PosOp |
		Instruction(sj+OffsetSJ)<<PosSJ |
		kk<<PosK
}

// IsOT returns true if the instruction sets the stack top for the next
// instruction, that is, it produces multiple values.
func IsOT(i Instruction) bool {
	op := i.OpCode()
	if op == OpTailCall {
		return true
	}
	return op.OutTop() && i.C() == 0
}

// IsIT returns true if the instruction uses the stack top from the previous
// instruction, that is, it accepts multiple values.
func IsIT(i Instruction) bool {
	op := i.OpCode()
	if op == OpSetList {
		return op.InTop() && i.VB() == 0
	}
	return op.InTop() && i.B() == 0
}
