package compiler

import (
	"math"

	"github.com/mna/nelumbo/lang/code"
)

// MultRet as an expected number of results means "all values up to the
// stack top".
const multRet = -1

const (
	// limit for the difference between lines in relative line info.
	limLineDiff = 0x80
	// maximum number of instructions between absolute line-info entries;
	// must fit in the iwthabs counter and be smaller than its maximum.
	maxIWTHAbs = 120
)

// getInstruction returns a pointer to the instruction referred to by the
// expression (its info field is a pc).
func getInstruction(fs *funcState, e *expDesc) *code.Instruction {
	return &fs.proto.Code[e.info]
}

// pc returns the current program counter, which is the count of emitted
// instructions.
func (fs *funcState) pc() int { return len(fs.proto.Code) }

// previousInstruction returns the previous instruction of the current code,
// or false if there may be a jump target between the current instruction and
// the previous one (to avoid optimizations across basic blocks).
func (fs *funcState) previousInstruction() (*code.Instruction, bool) {
	if fs.pc() > fs.lastTarget && fs.pc() > 0 {
		return &fs.proto.Code[fs.pc()-1], true
	}
	return nil, false
}

// saveLineInfo saves line info for a new instruction. If the difference from
// the last line does not fit in a byte, or after a fixed run of
// instructions, an absolute line-info entry is appended and the
// per-instruction byte carries a sentinel meaning "look in absolute table".
func (fs *funcState) saveLineInfo(line int) {
	f := fs.proto
	lineDif := line - fs.previousLine
	pc := len(f.Code) - 1 // last instruction coded
	iw := fs.iwthabs
	fs.iwthabs++
	if lineDif <= -limLineDiff || lineDif >= limLineDiff || iw >= maxIWTHAbs {
		f.AbsLineInfo = append(f.AbsLineInfo, code.AbsLine{PC: pc, Line: line})
		lineDif = code.AbsLineInfoSentinel
		fs.iwthabs = 1 // restart counter
	}
	f.LineInfo = append(f.LineInfo, int8(lineDif))
	fs.previousLine = line
}

// removeLastLineInfo removes the line information of the last instruction.
// If that information is absolute, the counter is forced above its maximum
// so that the replacing instruction gets absolute line info too.
func (fs *funcState) removeLastLineInfo() {
	f := fs.proto
	pc := len(f.Code) - 1 // last instruction coded
	if f.LineInfo[pc] != code.AbsLineInfoSentinel {
		fs.previousLine -= int(f.LineInfo[pc]) // correct last line saved
		fs.iwthabs--                           // undo previous increment
	} else {
		f.AbsLineInfo = f.AbsLineInfo[:len(f.AbsLineInfo)-1]
		fs.iwthabs = maxIWTHAbs + 1 // force next line info to be absolute
	}
	f.LineInfo = f.LineInfo[:pc]
}

// removeLastInstruction removes the last instruction created, correcting
// line information accordingly.
func (fs *funcState) removeLastInstruction() {
	fs.removeLastLineInfo()
	fs.proto.Code = fs.proto.Code[:len(fs.proto.Code)-1]
}

// fixLine changes the line information associated with the current position.
func (fs *funcState) fixLine(line int) {
	fs.removeLastLineInfo()
	fs.saveLineInfo(line)
}

// codeInstr emits instruction i, saving its line information, and returns
// its position.
func (fs *funcState) codeInstr(i code.Instruction) int {
	fs.proto.Code = append(fs.proto.Code, i)
	fs.saveLineInfo(fs.p.lastLine)
	return len(fs.proto.Code) - 1
}

func (fs *funcState) codeABCk(op code.OpCode, a, b, c int, k bool) int {
	return fs.codeInstr(code.MakeABCK(op, a, b, c, k))
}

func (fs *funcState) codeABC(op code.OpCode, a, b, c int) int {
	return fs.codeABCk(op, a, b, c, false)
}

func (fs *funcState) codeVABCk(op code.OpCode, a, vb, vc int, k bool) int {
	return fs.codeInstr(code.MakeVABCK(op, a, vb, vc, k))
}

func (fs *funcState) codeABx(op code.OpCode, a, bx int) int {
	return fs.codeInstr(code.MakeABx(op, a, bx))
}

func (fs *funcState) codeAsBx(op code.OpCode, a, sbx int) int {
	return fs.codeInstr(code.MakeAsBx(op, a, sbx))
}

func (fs *funcState) codeSJ(op code.OpCode, sj int, k bool) int {
	return fs.codeInstr(code.MakeSJ(op, sj, k))
}

// codeExtraArg emits an "extra argument" instruction (format iAx).
func (fs *funcState) codeExtraArg(a int) int {
	return fs.codeInstr(code.MakeAx(code.OpExtraArg, a))
}

// codeK emits a "load constant" instruction, using either LOADK (if the
// constant index fits its argument) or a LOADKX instruction with an extra
// argument.
func (fs *funcState) codeK(reg, k int) int {
	if k <= code.MaxArgBx {
		return fs.codeABx(code.OpLoadK, reg, k)
	}
	p := fs.codeABx(code.OpLoadKX, reg, 0)
	fs.codeExtraArg(k)
	return p
}

// loadNil emits a LOADNIL instruction, but tries to optimize: if the
// previous instruction is also LOADNIL and the ranges are compatible, the
// range of the previous instruction is adjusted instead of emitting a new
// one (e.g. 'local a; local b' generates a single opcode).
func (fs *funcState) loadNil(from, n int) {
	l := from + n - 1 // last register to set nil
	if prev, ok := fs.previousInstruction(); ok && prev.OpCode() == code.OpLoadNil {
		pfrom := prev.A()
		pl := pfrom + prev.B()
		if (pfrom <= from && from <= pl+1) || (from <= pfrom && pfrom <= l+1) { // can connect both?
			if pfrom < from {
				from = pfrom
			}
			if pl > l {
				l = pl
			}
			prev.SetA(from)
			prev.SetB(l - from)
			return
		}
	}
	fs.codeABC(code.OpLoadNil, from, n-1, 0)
}

// getJump gets the destination address of the jump instruction at pc, used
// to traverse a list of jumps.
func (fs *funcState) getJump(pc int) int {
	offset := fs.proto.Code[pc].SJ()
	if offset == code.NoJump { // a jump to itself represents the end of the list
		return code.NoJump
	}
	return pc + 1 + offset // turn offset into absolute position
}

// fixJump patches the jump instruction at pc to jump to dest (jump offsets
// are relative).
func (fs *funcState) fixJump(pc, dest int) {
	jmp := &fs.proto.Code[pc]
	offset := dest - (pc + 1)
	if !(-code.OffsetSJ <= offset && offset <= code.MaxArgSJ-code.OffsetSJ) {
		fs.p.syntaxError("control structure too long")
	}
	jmp.SetSJ(offset)
}

// concatJump concatenates jump-list l2 into jump-list *l1.
func (fs *funcState) concatJump(l1 *int, l2 int) {
	if l2 == code.NoJump {
		return
	}
	if *l1 == code.NoJump {
		*l1 = l2
		return
	}
	list := *l1
	for {
		next := fs.getJump(list)
		if next == code.NoJump {
			break
		}
		list = next
	}
	fs.fixJump(list, l2) // last element links to l2
}

// jump emits a jump instruction and returns its position, so its
// destination can be fixed later.
func (fs *funcState) jump() int {
	return fs.codeSJ(code.OpJmp, code.NoJump, false)
}

// jumpTo emits a jump to the (backward) target.
func (fs *funcState) jumpTo(target int) {
	fs.patchList(fs.jump(), target)
}

// ret emits a return instruction.
func (fs *funcState) ret(first, nret int) {
	var op code.OpCode
	switch nret {
	case 0:
		op = code.OpReturn0
	case 1:
		op = code.OpReturn1
	default:
		op = code.OpReturn
	}
	fs.checkLimit(nret+1, code.MaxArgB, "returns")
	fs.codeABC(op, first, nret+1, 0)
}

// condJump emits a "conditional jump", that is, a test or comparison opcode
// followed by a jump, and returns the jump position.
func (fs *funcState) condJump(op code.OpCode, a, b, c int, k bool) int {
	fs.codeABCk(op, a, b, c, k)
	return fs.jump()
}

// label returns the current pc and marks it as a jump target, to avoid
// peephole optimizations with consecutive instructions not in the same
// basic block.
func (fs *funcState) label() int {
	fs.lastTarget = fs.pc()
	return fs.pc()
}

// getJumpControl returns a pointer to the instruction "controlling" a given
// jump (its condition), or the jump itself if it is unconditional.
func (fs *funcState) getJumpControl(pc int) *code.Instruction {
	if pc >= 1 && fs.proto.Code[pc-1].OpCode().IsTest() {
		return &fs.proto.Code[pc-1]
	}
	return &fs.proto.Code[pc]
}

// patchTestReg patches the destination register for a TESTSET instruction.
// If the instruction controlling the jump at node is not a TESTSET, it
// returns false ("fails"). Otherwise, if reg is not NoReg, it is set as the
// destination register; otherwise the instruction is changed to a simple
// TEST (which produces no register value).
func (fs *funcState) patchTestReg(node, reg int) bool {
	i := fs.getJumpControl(node)
	if i.OpCode() != code.OpTestSet {
		return false // cannot patch other instructions
	}
	if reg != code.NoReg && reg != i.B() {
		i.SetA(reg)
	} else {
		// no register to put value or register already has the value; change
		// instruction to simple test
		*i = code.MakeABCK(code.OpTest, i.B(), 0, 0, i.K())
	}
	return true
}

// removeValues traverses a list of tests ensuring no one produces a value.
func (fs *funcState) removeValues(list int) {
	for ; list != code.NoJump; list = fs.getJump(list) {
		fs.patchTestReg(list, code.NoReg)
	}
}

// patchListAux traverses a list of tests, patching their destination
// address and registers: tests producing values jump to vtarget (and put
// their values in reg), other tests jump to dtarget.
func (fs *funcState) patchListAux(list, vtarget, reg, dtarget int) {
	for list != code.NoJump {
		next := fs.getJump(list)
		if fs.patchTestReg(list, reg) {
			fs.fixJump(list, vtarget)
		} else {
			fs.fixJump(list, dtarget) // jump to default target
		}
		list = next
	}
}

// patchList patches all jumps in list to jump to target.
func (fs *funcState) patchList(list, target int) {
	fs.patchListAux(list, target, code.NoReg, target)
}

// patchToHere patches all jumps in list to jump to the current position.
func (fs *funcState) patchToHere(list int) {
	hr := fs.label() // mark "here" as a jump target
	fs.patchList(list, hr)
}

// checkStack checks the register-stack level, keeping track of its maximum
// size in the prototype.
func (fs *funcState) checkStack(n int) {
	newStack := int(fs.freeReg) + n
	if newStack > int(fs.proto.MaxStackSize) {
		fs.checkLimit(newStack, code.MaxStack, "registers")
		fs.proto.MaxStackSize = uint8(newStack)
	}
}

// reserveRegs reserves n registers in the register stack.
func (fs *funcState) reserveRegs(n int) {
	fs.checkStack(n)
	fs.freeReg += uint8(n)
}

// freeSingleReg frees register reg, if it is neither a constant index nor a
// local variable.
func (fs *funcState) freeSingleReg(reg int) {
	if reg >= int(fs.nvarStack()) {
		fs.freeReg--
	}
}

// freeRegs frees two registers in proper order.
func (fs *funcState) freeRegs(r1, r2 int) {
	if r1 > r2 {
		fs.freeSingleReg(r1)
		fs.freeSingleReg(r2)
	} else {
		fs.freeSingleReg(r2)
		fs.freeSingleReg(r1)
	}
}

// freeExp frees the register used by expression e, if any.
func (fs *funcState) freeExp(e *expDesc) {
	if e.kind == expNonReloc {
		fs.freeSingleReg(e.info)
	}
}

// freeExps frees the registers used by expressions e1 and e2, if any, in
// proper order.
func (fs *funcState) freeExps(e1, e2 *expDesc) {
	r1, r2 := -1, -1
	if e1.kind == expNonReloc {
		r1 = e1.info
	}
	if e2.kind == expNonReloc {
		r2 = e2.info
	}
	fs.freeRegs(r1, r2)
}

// constKey is the deduplication key of a constant. The kind discriminates
// value types so that numerically-equal integers and floats never collide;
// floats are keyed by their bit pattern, which also keeps +0.0 and -0.0
// distinct.
type constKey struct {
	kind uint8
	i    int64
	s    string
}

const (
	keyNil = iota
	keyFalse
	keyTrue
	keyInt
	keyFloat
	keyStr
)

// addK adds constant v to the prototype's list of constants, reusing an
// existing entry with the same key when possible.
func (fs *funcState) addK(key constKey, v code.Value) int {
	if idx, ok := fs.kcache.Get(key); ok {
		return idx // reuse index
	}
	// constant not found; create a new entry
	fs.checkLimit(len(fs.proto.Constants)+1, code.MaxArgAx, "constants")
	k := len(fs.proto.Constants)
	fs.proto.Constants = append(fs.proto.Constants, v)
	fs.kcache.Put(key, k)
	return k
}

// stringK adds a string to the list of constants and returns its index.
func (fs *funcState) stringK(s string) int {
	return fs.addK(constKey{kind: keyStr, s: s}, s)
}

// intK adds an integer to the list of constants and returns its index.
func (fs *funcState) intK(n int64) int {
	return fs.addK(constKey{kind: keyInt, i: n}, n)
}

// floatK adds a float to the list of constants and returns its index.
func (fs *funcState) floatK(f float64) int {
	return fs.addK(constKey{kind: keyFloat, i: int64(math.Float64bits(f))}, f)
}

// boolF adds a false to the list of constants and returns its index.
func (fs *funcState) boolF() int {
	return fs.addK(constKey{kind: keyFalse}, false)
}

// boolT adds a true to the list of constants and returns its index.
func (fs *funcState) boolT() int {
	return fs.addK(constKey{kind: keyTrue}, true)
}

// nilK adds a nil to the list of constants and returns its index.
func (fs *funcState) nilK() int {
	return fs.addK(constKey{kind: keyNil}, nil)
}

// loadInt loads integer i into register reg, preferring the immediate form.
func (fs *funcState) loadInt(reg int, i int64) {
	if fitsBx(i) {
		fs.codeAsBx(code.OpLoadI, reg, int(i))
	} else {
		fs.codeK(reg, fs.intK(i))
	}
}

// loadFloat loads float f into register reg, preferring the immediate form
// for integral values.
func (fs *funcState) loadFloat(reg int, f float64) {
	if fi, ok := floatToInt(f); ok && fitsBx(fi) {
		fs.codeAsBx(code.OpLoadF, reg, int(fi))
	} else {
		fs.codeK(reg, fs.floatK(f))
	}
}

// setReturns fixes an expression to return nresults results. e must be a
// multi-return expression (function call or vararg).
func (fs *funcState) setReturns(e *expDesc, nresults int) {
	pc := getInstruction(fs, e)
	fs.checkLimit(nresults+1, code.MaxArgC, "multiple results")
	if e.kind == expCall { // expression is an open function call?
		pc.SetC(nresults + 1)
	} else {
		pc.SetC(nresults + 1)
		pc.SetA(int(fs.freeReg))
		fs.reserveRegs(1)
	}
}

// setMultRet fixes an expression to return all its values.
func (fs *funcState) setMultRet(e *expDesc) {
	fs.setReturns(e, multRet)
}

// str2K converts an expKStr expression to an expK one.
func (fs *funcState) str2K(e *expDesc) int {
	e.info = fs.stringK(e.sval)
	e.kind = expK
	return e.info
}

// setOneRet fixes an expression to return one result. If the expression is
// not a multi-return expression it already returns one result, so nothing
// needs to be done. Function calls become expNonReloc expressions (the
// result comes fixed in the base register of the call), while vararg
// expressions become expReloc (VARARG puts its result where told to).
func (fs *funcState) setOneRet(e *expDesc) {
	if e.kind == expCall { // expression is an open function call?
		// already returns 1 value
		e.kind = expNonReloc // result has fixed position
		e.info = getInstruction(fs, e).A()
	} else if e.kind == expVararg {
		getInstruction(fs, e).SetC(2)
		e.kind = expReloc // can relocate its simple result
	}
}

// dischargeVars ensures that expression e is not a variable (nor a
// <const>). The expression may still have jump lists.
func (fs *funcState) dischargeVars(e *expDesc) {
	switch e.kind {
	case expConst:
		const2exp(fs.constValue(e), e)
	case expLocal: // already in a register
		e.info = int(e.ridx)
		e.kind = expNonReloc // becomes a non-relocatable value
	case expUpval: // move value to some (pending) register
		e.info = fs.codeABC(code.OpGetUpval, 0, e.info, 0)
		e.kind = expReloc
	case expIndexUp:
		e.info = fs.codeABC(code.OpGetTabUp, 0, int(e.treg), e.idx)
		e.kind = expReloc
	case expIndexI:
		fs.freeSingleReg(int(e.treg))
		e.info = fs.codeABC(code.OpGetI, 0, int(e.treg), e.idx)
		e.kind = expReloc
	case expIndexStr:
		fs.freeSingleReg(int(e.treg))
		e.info = fs.codeABC(code.OpGetField, 0, int(e.treg), e.idx)
		e.kind = expReloc
	case expIndexed:
		fs.freeRegs(int(e.treg), e.idx)
		e.info = fs.codeABC(code.OpGetTable, 0, int(e.treg), e.idx)
		e.kind = expReloc
	case expVararg, expCall:
		fs.setOneRet(e)
	default:
		// there is one value available (somewhere)
	}
}

// discharge2Reg ensures the expression value is in register reg, making e a
// non-relocatable expression. The expression may still have jump lists.
func (fs *funcState) discharge2Reg(e *expDesc, reg int) {
	fs.dischargeVars(e)
	switch e.kind {
	case expNil:
		fs.loadNil(reg, 1)
	case expFalse:
		fs.codeABC(code.OpLoadFalse, reg, 0, 0)
	case expTrue:
		fs.codeABC(code.OpLoadTrue, reg, 0, 0)
	case expKStr:
		fs.str2K(e)
		fs.codeK(reg, e.info)
	case expK:
		fs.codeK(reg, e.info)
	case expKFlt:
		fs.loadFloat(reg, e.fval)
	case expKInt:
		fs.loadInt(reg, e.ival)
	case expReloc:
		getInstruction(fs, e).SetA(reg) // instruction will put result in reg
	case expNonReloc:
		if reg != e.info {
			fs.codeABC(code.OpMove, reg, e.info, 0)
		}
	default:
		// expression is a jump, nothing to do
		return
	}
	e.info = reg
	e.kind = expNonReloc
}

// discharge2AnyReg ensures the expression value is in a register, making e
// a non-relocatable expression. The expression may still have jump lists.
func (fs *funcState) discharge2AnyReg(e *expDesc) {
	if e.kind != expNonReloc { // no fixed register yet?
		fs.reserveRegs(1)
		fs.discharge2Reg(e, int(fs.freeReg)-1)
	}
}

func (fs *funcState) codeLoadBool(a int, op code.OpCode) int {
	fs.label() // those instructions may be jump targets
	return fs.codeABC(op, a, 0, 0)
}

// needValue checks whether the list has any jump that does not produce a
// value or produces an inverted value.
func (fs *funcState) needValue(list int) bool {
	for ; list != code.NoJump; list = fs.getJump(list) {
		if fs.getJumpControl(list).OpCode() != code.OpTestSet {
			return true
		}
	}
	return false
}

// exp2Reg ensures the final expression result (including results from its
// jump lists) is in register reg. If the expression has jumps, they are
// patched either to its final position or to "load" instructions (for
// tests that do not produce values).
func (fs *funcState) exp2Reg(e *expDesc, reg int) {
	fs.discharge2Reg(e, reg)
	if e.kind == expJump { // expression itself is a test?
		fs.concatJump(&e.t, e.info) // put this jump in the true list
	}
	if e.hasJumps() {
		pf := code.NoJump // position of an eventual LOAD false
		pt := code.NoJump // position of an eventual LOAD true
		if fs.needValue(e.t) || fs.needValue(e.f) {
			fj := code.NoJump
			if e.kind != expJump {
				fj = fs.jump()
			}
			pf = fs.codeLoadBool(reg, code.OpLFalseSkip) // skip next inst.
			pt = fs.codeLoadBool(reg, code.OpLoadTrue)
			// jump around these booleans if e is not a test
			fs.patchToHere(fj)
		}
		final := fs.label() // position after whole expression
		fs.patchListAux(e.f, final, reg, pf)
		fs.patchListAux(e.t, final, reg, pt)
	}
	e.f, e.t = code.NoJump, code.NoJump
	e.info = reg
	e.kind = expNonReloc
}

// exp2NextReg ensures the final expression result is in the next available
// register.
func (fs *funcState) exp2NextReg(e *expDesc) {
	fs.dischargeVars(e)
	fs.freeExp(e)
	fs.reserveRegs(1)
	fs.exp2Reg(e, int(fs.freeReg)-1)
}

// exp2AnyReg ensures the final expression result is in some (any) register
// and returns that register.
func (fs *funcState) exp2AnyReg(e *expDesc) int {
	fs.dischargeVars(e)
	if e.kind == expNonReloc { // expression already has a register?
		if !e.hasJumps() {
			return e.info // result is already in a register
		}
		if e.info >= int(fs.nvarStack()) { // reg. is not a local?
			fs.exp2Reg(e, e.info) // put final result in it
			return e.info
		}
		// else expression has jumps and cannot change its register to hold
		// the jump values, because it is a local variable; go through to the
		// default case
	}
	fs.exp2NextReg(e) // default: use next available register
	return e.info
}

// exp2AnyRegUp ensures the final expression result is either in a register
// or in an upvalue.
func (fs *funcState) exp2AnyRegUp(e *expDesc) {
	if e.kind != expUpval || e.hasJumps() {
		fs.exp2AnyReg(e)
	}
}

// exp2Val ensures the final expression result is either in a register or it
// is a constant.
func (fs *funcState) exp2Val(e *expDesc) {
	if e.kind == expJump || e.hasJumps() {
		fs.exp2AnyReg(e)
	} else {
		fs.dischargeVars(e)
	}
}

// exp2K tries to make e a K expression with an index in the range of R/K
// indices, and returns true iff it succeeded.
func (fs *funcState) exp2K(e *expDesc) bool {
	if !e.hasJumps() {
		var info int
		switch e.kind { // move constants to the constant table
		case expTrue:
			info = fs.boolT()
		case expFalse:
			info = fs.boolF()
		case expNil:
			info = fs.nilK()
		case expKInt:
			info = fs.intK(e.ival)
		case expKFlt:
			info = fs.floatK(e.fval)
		case expKStr:
			info = fs.stringK(e.sval)
		case expK:
			info = e.info
		default:
			return false // not a constant
		}
		if info <= code.MaxIndexRK { // does constant fit in argC?
			e.kind = expK
			e.info = info
			return true
		}
	}
	// else, expression doesn't fit; leave it unchanged
	return false
}

// exp2RK ensures the final expression result is in a valid R/K index (that
// is, either in a register or in the constants with an index in the range
// of R/K indices). Returns true iff the expression is K.
func (fs *funcState) exp2RK(e *expDesc) bool {
	if fs.exp2K(e) {
		return true
	}
	// not a constant in the right range: put it in a register
	fs.exp2AnyReg(e)
	return false
}

func (fs *funcState) codeABRK(op code.OpCode, a, b int, ec *expDesc) {
	k := fs.exp2RK(ec)
	fs.codeABCk(op, a, b, ec.info, k)
}

// storeVar generates code to store the result of expression ex into
// variable var.
func (fs *funcState) storeVar(v, ex *expDesc) {
	switch v.kind {
	case expLocal:
		fs.freeExp(ex)
		fs.exp2Reg(ex, int(v.ridx)) // compute ex into proper place
		return
	case expUpval:
		e := fs.exp2AnyReg(ex)
		fs.codeABC(code.OpSetUpval, e, v.info, 0)
	case expIndexUp:
		fs.codeABRK(code.OpSetTabUp, int(v.treg), v.idx, ex)
	case expIndexI:
		fs.codeABRK(code.OpSetI, int(v.treg), v.idx, ex)
	case expIndexStr:
		fs.codeABRK(code.OpSetField, int(v.treg), v.idx, ex)
	case expIndexed:
		fs.codeABRK(code.OpSetTable, int(v.treg), v.idx, ex)
	}
	fs.freeExp(ex)
}

// storeVarTop generates code to store the top register in variable v.
func (fs *funcState) storeVarTop(v *expDesc) {
	var e expDesc
	e.init(expNonReloc, int(fs.freeReg)-1)
	fs.storeVar(v, &e) // will also free the top register
}

// negateCondition negates condition e (where e is a comparison).
func (fs *funcState) negateCondition(e *expDesc) {
	pc := fs.getJumpControl(e.info)
	pc.SetK(!pc.K())
}

// jumpOnCond emits an instruction to jump if e is cond (that is, if cond is
// true, code will jump if e is true) and returns the jump position. When e
// is a 'not' expression, the condition is inverted and the NOT removed.
func (fs *funcState) jumpOnCond(e *expDesc, cond bool) int {
	if e.kind == expReloc {
		ie := *getInstruction(fs, e)
		if ie.OpCode() == code.OpNot {
			fs.removeLastInstruction() // remove previous NOT
			return fs.condJump(code.OpTest, ie.B(), 0, 0, !cond)
		}
	}
	fs.discharge2AnyReg(e)
	fs.freeExp(e)
	return fs.condJump(code.OpTestSet, code.NoReg, e.info, 0, cond)
}

// goIfTrue emits code to go through if e is true, jump otherwise.
func (fs *funcState) goIfTrue(e *expDesc) {
	var pc int // pc of new jump
	fs.dischargeVars(e)
	switch e.kind {
	case expJump: // condition?
		fs.negateCondition(e) // jump when it is false
		pc = e.info           // save jump position
	case expK, expKFlt, expKInt, expKStr, expTrue:
		pc = code.NoJump // always true; do nothing
	default:
		pc = fs.jumpOnCond(e, false) // jump when false
	}
	fs.concatJump(&e.f, pc) // insert new jump in false list
	fs.patchToHere(e.t)     // true list jumps to here (to go through)
	e.t = code.NoJump
}

// goIfFalse emits code to go through if e is false, jump otherwise.
func (fs *funcState) goIfFalse(e *expDesc) {
	var pc int // pc of new jump
	fs.dischargeVars(e)
	switch e.kind {
	case expJump:
		pc = e.info // already jump if true
	case expNil, expFalse:
		pc = code.NoJump // always false; do nothing
	default:
		pc = fs.jumpOnCond(e, true) // jump if true
	}
	fs.concatJump(&e.t, pc) // insert new jump in true list
	fs.patchToHere(e.f)     // false list jumps to here (to go through)
	e.f = code.NoJump
}

// codeNot codes 'not e', doing constant folding.
func (fs *funcState) codeNot(e *expDesc) {
	switch e.kind {
	case expNil, expFalse:
		e.kind = expTrue // true == not nil == not false
	case expK, expKFlt, expKInt, expKStr, expTrue:
		e.kind = expFalse // false == not "x" == not 0.5 == not 1 == not true
	case expJump:
		fs.negateCondition(e)
	case expReloc, expNonReloc:
		fs.discharge2AnyReg(e)
		fs.freeExp(e)
		e.info = fs.codeABC(code.OpNot, 0, e.info, 0)
		e.kind = expReloc
	}
	// interchange true and false lists
	e.f, e.t = e.t, e.f
	fs.removeValues(e.f) // values are useless when negated
	fs.removeValues(e.t)
}

// isKStr checks whether expression e is a short literal string constant
// with an index that fits in a B operand.
func (fs *funcState) isKStr(e *expDesc) bool {
	if e.kind != expK || e.hasJumps() || e.info > code.MaxArgB {
		return false
	}
	s, ok := fs.proto.Constants[e.info].(string)
	return ok && code.IsShortString(s)
}

// self emits a SELF instruction or equivalent: converts expression e into
// 'e.key(e,'.
func (fs *funcState) self(e, key *expDesc) {
	fs.exp2AnyReg(e)
	ereg := e.info // register where e (the receiver) was placed
	fs.freeExp(e)
	base := int(fs.freeReg)
	e.info = base // base register for SELF
	e.kind = expNonReloc
	fs.reserveRegs(2) // method and 'self' produced by SELF
	// is the method name a short string in a valid K index?
	if code.IsShortString(key.sval) && fs.exp2K(key) {
		fs.codeABCk(code.OpSelf, base, ereg, key.info, false)
	} else {
		// cannot use the SELF opcode; use move+gettable
		fs.exp2AnyReg(key) // put method name in a register
		fs.codeABC(code.OpMove, base+1, ereg, 0)
		fs.codeABC(code.OpGetTable, base, ereg, key.info)
	}
	fs.freeExp(key)
}

// indexed creates the expression 't[k]'. t must have its final result
// already in a register or upvalue; upvalues can only be indexed by literal
// short strings. Keys can be literal strings in the constant table or
// arbitrary values in registers.
func (fs *funcState) indexed(t, k *expDesc) {
	keyStr := -1
	if k.kind == expKStr {
		keyStr = fs.str2K(k)
	}
	if t.kind == expUpval && !fs.isKStr(k) { // upvalue indexed by non short-string?
		fs.exp2AnyReg(t) // put it in a register
	}
	if t.kind == expUpval {
		t.treg = uint8(t.info) // upvalue index
		t.idx = k.info         // literal short string
		t.kind = expIndexUp
	} else {
		// register index of the table
		if t.kind == expLocal {
			t.treg = t.ridx
		} else {
			t.treg = uint8(t.info)
		}
		switch {
		case fs.isKStr(k):
			t.idx = k.info // literal short string
			t.kind = expIndexStr
		case k.isCInt(): // int. constant in proper range?
			t.idx = int(k.ival)
			t.kind = expIndexI
		default:
			t.idx = fs.exp2AnyReg(k) // register
			t.kind = expIndexed
		}
	}
	t.keyStr = keyStr
	t.ro = false // by default, not read-only
}

// codeUnExpVal emits code for unary expressions that "produce values"
// (everything but 'not').
func (fs *funcState) codeUnExpVal(op code.OpCode, e *expDesc, line int) {
	r := fs.exp2AnyReg(e) // opcodes operate only on registers
	fs.freeExp(e)
	e.info = fs.codeABC(op, 0, r, 0)
	e.kind = expReloc // all those operations are relocatable
	fs.fixLine(line)
}

// finishBinExpVal emits code for binary expressions that "produce values"
// (everything but logical and comparison operators). The final result goes
// in e1.
func (fs *funcState) finishBinExpVal(e1, e2 *expDesc, op code.OpCode, v2 int,
	flip bool, line int, mmop code.OpCode, event code.MetaEvent) {
	v1 := fs.exp2AnyReg(e1)
	pc := fs.codeABCk(op, 0, v1, v2, false)
	fs.freeExps(e1, e2)
	e1.info = pc
	e1.kind = expReloc // all those operations are relocatable
	fs.fixLine(line)
	fs.codeABCk(mmop, v1, v2, int(event), flip) // metamethod
	fs.fixLine(line)
}

// codeBinExpVal emits code for binary expressions that "produce values"
// over two registers.
func (fs *funcState) codeBinExpVal(opr binOpr, e1, e2 *expDesc, line int) {
	op := opr.opCode(oprAdd, code.OpAdd)
	v2 := fs.exp2AnyReg(e2) // make sure e2 is in a register
	fs.finishBinExpVal(e1, e2, op, v2, false, line, code.OpMMBin, opr.event())
}

// codeBinI codes binary operators with an immediate operand.
func (fs *funcState) codeBinI(op code.OpCode, e1, e2 *expDesc, flip bool,
	line int, event code.MetaEvent) {
	v2 := code.Int2SC(int(e2.ival)) // immediate operand
	fs.finishBinExpVal(e1, e2, op, v2, flip, line, code.OpMMBinI, event)
}

// codeBinK codes binary operators with a K operand.
func (fs *funcState) codeBinK(opr binOpr, e1, e2 *expDesc, flip bool, line int) {
	event := opr.event()
	v2 := e2.info // K index
	op := opr.opCode(oprAdd, code.OpAddK)
	fs.finishBinExpVal(e1, e2, op, v2, flip, line, code.OpMMBinK, event)
}

// finishBinExpNeg tries to code a binary operator negating its second
// operand; for the metamethod, the second operand must keep its original
// value.
func (fs *funcState) finishBinExpNeg(e1, e2 *expDesc, op code.OpCode, line int,
	event code.MetaEvent) bool {
	if !e2.isKInt() {
		return false // not an integer constant
	}
	i2 := e2.ival
	if !(fitsC(i2) && fitsC(-i2)) {
		return false // not in the proper range
	}
	// operating a small integer constant
	v2 := int(i2)
	fs.finishBinExpVal(e1, e2, op, code.Int2SC(-v2), false, line, code.OpMMBinI, event)
	// correct metamethod argument
	fs.proto.Code[fs.pc()-1].SetB(code.Int2SC(v2))
	return true
}

func swapExps(e1, e2 *expDesc) { *e1, *e2 = *e2, *e1 }

// codeBinNoK codes binary operators with no constant operand.
func (fs *funcState) codeBinNoK(opr binOpr, e1, e2 *expDesc, flip bool, line int) {
	if flip {
		swapExps(e1, e2) // back to original order
	}
	fs.codeBinExpVal(opr, e1, e2, line) // use standard operators
}

// codeArith codes arithmetic operators. If the second operand is a constant
// in the proper range, variant opcodes with K operands are used.
func (fs *funcState) codeArith(opr binOpr, e1, e2 *expDesc, flip bool, line int) {
	if _, ok := e2.isNumeral(); ok && fs.exp2K(e2) { // K operand?
		fs.codeBinK(opr, e1, e2, flip, line)
	} else { // e2 is neither an immediate nor a K operand
		fs.codeBinNoK(opr, e1, e2, flip, line)
	}
}

// codeCommutative codes commutative operators ('+', '*'). If the first
// operand is a numeric constant, the operands are flipped to try to use an
// immediate or K operator.
func (fs *funcState) codeCommutative(opr binOpr, e1, e2 *expDesc, line int) {
	flip := false
	if _, ok := e1.isNumeral(); ok { // is first operand a numeric constant?
		swapExps(e1, e2) // change order
		flip = true
	}
	if opr == oprAdd && e2.isSCInt() { // immediate operand?
		fs.codeBinI(code.OpAddI, e1, e2, flip, line, code.EventAdd)
	} else {
		fs.codeArith(opr, e1, e2, flip, line)
	}
}

// codeBitwise codes bitwise operations; they are all commutative, so the
// function tries to put an integer constant as the second operand (a K
// operand).
func (fs *funcState) codeBitwise(opr binOpr, e1, e2 *expDesc, line int) {
	flip := false
	if e1.kind == expKInt {
		swapExps(e1, e2) // e2 will be the constant operand
		flip = true
	}
	if e2.kind == expKInt && fs.exp2K(e2) { // K operand?
		fs.codeBinK(opr, e1, e2, flip, line)
	} else { // no constants
		fs.codeBinNoK(opr, e1, e2, flip, line)
	}
}

// codeOrder emits code for order comparisons. When using an immediate
// operand, the k flag in C tells whether the original value was a float.
func (fs *funcState) codeOrder(opr binOpr, e1, e2 *expDesc) {
	var r1, r2 int
	var isFloat bool
	var op code.OpCode
	if im, fl, ok := e2.isSCNumber(); ok {
		// use immediate operand
		r1 = fs.exp2AnyReg(e1)
		r2 = im
		isFloat = fl
		op = opr.opCode(oprLt, code.OpLtI)
	} else if im, fl, ok := e1.isSCNumber(); ok {
		// transform (A < B) to (B > A) and (A <= B) to (B >= A)
		r1 = fs.exp2AnyReg(e2)
		r2 = im
		isFloat = fl
		op = opr.opCode(oprLt, code.OpGtI)
	} else { // regular case, compare two registers
		r1 = fs.exp2AnyReg(e1)
		r2 = fs.exp2AnyReg(e2)
		op = opr.opCode(oprLt, code.OpLt)
	}
	fs.freeExps(e1, e2)
	e1.info = fs.condJump(op, r1, r2, b2i(isFloat), true)
	e1.kind = expJump
}

// codeEq emits code for equality comparisons ('==', '~='). e1 was already
// put as RK by infix.
func (fs *funcState) codeEq(opr binOpr, e1, e2 *expDesc) {
	var r1, r2 int
	var isFloat bool
	var op code.OpCode
	if e1.kind != expNonReloc {
		swapExps(e1, e2)
	}
	r1 = fs.exp2AnyReg(e1) // 1st expression must be in register
	if im, fl, ok := e2.isSCNumber(); ok {
		op = code.OpEqI
		r2 = im // immediate operand
		isFloat = fl
	} else if fs.exp2RK(e2) { // 2nd expression is constant?
		op = code.OpEqK
		r2 = e2.info // constant index
	} else {
		op = code.OpEq // will compare two registers
		r2 = fs.exp2AnyReg(e2)
	}
	fs.freeExps(e1, e2)
	e1.info = fs.condJump(op, r1, r2, b2i(isFloat), opr == oprEq)
	e1.kind = expJump
}

// prefix applies prefix operation op to expression e.
func (fs *funcState) prefix(opr unOpr, e *expDesc, line int) {
	var ef expDesc // fake 2nd operand
	ef.init(expKInt, 0)
	fs.dischargeVars(e)
	switch opr {
	case oprMinus, oprBNot:
		if constFolding(arithUnm+arithOp(opr), e, &ef) {
			return
		}
		fs.codeUnExpVal(opr.opCode(), e, line)
	case oprLen:
		fs.codeUnExpVal(opr.opCode(), e, line)
	case oprNot:
		fs.codeNot(e)
	}
}

// infix processes the first operand v of binary operation op before
// reading the second operand.
func (fs *funcState) infix(opr binOpr, v *expDesc) {
	fs.dischargeVars(v)
	switch opr {
	case oprAnd:
		fs.goIfTrue(v) // go ahead only if v is true
	case oprOr:
		fs.goIfFalse(v) // go ahead only if v is false
	case oprConcat:
		fs.exp2NextReg(v) // operand must be on the stack
	case oprAdd, oprSub, oprMul, oprDiv, oprIDiv, oprMod, oprPow,
		oprBAnd, oprBOr, oprBXor, oprShl, oprShr:
		if _, ok := v.isNumeral(); !ok {
			fs.exp2AnyReg(v)
		}
		// else keep numeral, which may be folded or used as an immediate
		// operand
	case oprEq, oprNe:
		if _, ok := v.isNumeral(); !ok {
			fs.exp2RK(v)
		}
		// else keep numeral, which may be an immediate operand
	case oprLt, oprLe, oprGt, oprGe:
		if _, _, ok := v.isSCNumber(); !ok {
			fs.exp2AnyReg(v)
		}
		// else keep numeral, which may be an immediate operand
	}
}

// codeConcat creates code for '(e1 .. e2)'. For '(e1 .. e2.1 .. e2.2)'
// (which is '(e1 .. (e2.1 .. e2.2))' because concatenation is right
// associative), both CONCATs are merged.
func (fs *funcState) codeConcat(e1, e2 *expDesc, line int) {
	if ie2, ok := fs.previousInstruction(); ok && ie2.OpCode() == code.OpConcat {
		// e2 is a concatenation
		n := ie2.B() // # of elements concatenated in e2
		fs.freeExp(e2)
		ie2.SetA(e1.info) // correct first element (e1)
		ie2.SetB(n + 1)   // will concatenate one more element
	} else { // e2 is not a concatenation
		fs.codeABC(code.OpConcat, e1.info, 2, 0) // new concat opcode
		fs.freeExp(e2)
		fs.fixLine(line)
	}
}

// posfix finalizes code for a binary operation, after reading the second
// operand.
func (fs *funcState) posfix(opr binOpr, e1, e2 *expDesc, line int) {
	fs.dischargeVars(e2)
	if opr.foldable() && constFolding(arithOp(opr), e1, e2) {
		return // done by folding
	}
	switch opr {
	case oprAnd:
		// true list closed by infix
		fs.concatJump(&e2.f, e1.f)
		*e1 = *e2
	case oprOr:
		// false list closed by infix
		fs.concatJump(&e2.t, e1.t)
		*e1 = *e2
	case oprConcat: // e1 .. e2
		fs.exp2NextReg(e2)
		fs.codeConcat(e1, e2, line)
	case oprAdd, oprMul:
		fs.codeCommutative(opr, e1, e2, line)
	case oprSub:
		if fs.finishBinExpNeg(e1, e2, code.OpAddI, line, code.EventSub) {
			break // coded as (r1 + -I)
		}
		fs.codeArith(opr, e1, e2, false, line)
	case oprDiv, oprIDiv, oprMod, oprPow:
		fs.codeArith(opr, e1, e2, false, line)
	case oprBAnd, oprBOr, oprBXor:
		fs.codeBitwise(opr, e1, e2, line)
	case oprShl:
		if e1.isSCInt() {
			swapExps(e1, e2)
			fs.codeBinI(code.OpShlI, e1, e2, true, line, code.EventShl) // I << r2
		} else if fs.finishBinExpNeg(e1, e2, code.OpShrI, line, code.EventShl) {
			// coded as (r1 >> -I)
		} else { // regular case (two registers)
			fs.codeBinExpVal(opr, e1, e2, line)
		}
	case oprShr:
		if e2.isSCInt() {
			fs.codeBinI(code.OpShrI, e1, e2, false, line, code.EventShr) // r1 >> I
		} else { // regular case (two registers)
			fs.codeBinExpVal(opr, e1, e2, line)
		}
	case oprEq, oprNe:
		fs.codeEq(opr, e1, e2)
	case oprGt, oprGe:
		// '(a > b)' <=> '(b < a)';  '(a >= b)' <=> '(b <= a)'
		swapExps(e1, e2)
		opr = opr - oprGt + oprLt
		fs.codeOrder(opr, e1, e2)
	case oprLt, oprLe:
		fs.codeOrder(opr, e1, e2)
	}
}

// setTableSize rewrites the NEWTABLE instruction at pc (and its following
// extra argument) with the final sizes of the constructed table. vB is the
// ceiling of log2 of the hash size plus 1 (or zero for an empty hash part);
// the array size uses vC plus the extra argument when it does not fit.
func (fs *funcState) setTableSize(pc, ra, asize, hsize int) {
	extra := asize / (code.MaxArgVC + 1) // higher bits of array size
	rc := asize % (code.MaxArgVC + 1)    // lower bits of array size
	k := extra > 0                       // true iff needs extra argument
	if hsize != 0 {
		hsize = ceilLog2(uint(hsize)) + 1
	}
	fs.proto.Code[pc] = code.MakeVABCK(code.OpNewTable, ra, hsize, rc, k)
	fs.proto.Code[pc+1] = code.MakeAx(code.OpExtraArg, extra)
}

// setList emits a SETLIST instruction. base is the register keeping the
// table; nelems is the number of elements already stored in the table (before
// this instruction); tostore is the
// number of values (in registers base+1, ...) to add to the table (or
// multRet to add up to the stack top).
func (fs *funcState) setList(base, nelems, tostore int) {
	if tostore == multRet {
		tostore = 0
	}
	if nelems <= code.MaxArgVC {
		fs.codeVABCk(code.OpSetList, base, tostore, nelems, false)
	} else {
		extra := nelems / (code.MaxArgVC + 1)
		nelems %= code.MaxArgVC + 1
		fs.codeVABCk(code.OpSetList, base, tostore, nelems, true)
		fs.codeExtraArg(extra)
	}
	fs.freeReg = uint8(base + 1) // free registers with list values
}

// finalTarget returns the final target of a jump, skipping jumps to jumps
// up to a fixed bound (longer chains are left as multi-hops, which the VM
// handles correctly).
func finalTarget(codes []code.Instruction, i int) int {
	for count := 0; count < 100; count++ {
		pc := codes[i]
		if pc.OpCode() != code.OpJmp {
			break
		}
		i += pc.SJ() + 1
	}
	return i
}

// finish does a final pass over the code of a function, doing small
// peephole optimizations and adjustments: RETURN instructions get the
// needs-close flag and the vararg fixup, and chains of unconditional jumps
// are collapsed.
func (fs *funcState) finish() {
	f := fs.proto
	for i := range f.Code {
		pc := &f.Code[i]
		switch pc.OpCode() {
		case code.OpReturn0, code.OpReturn1:
			if !(fs.needClose || f.IsVararg()) {
				break // no extra work
			}
			// else use RETURN to do the extra work
			pc.SetOpCode(code.OpReturn)
			fallthrough
		case code.OpReturn, code.OpTailCall:
			if fs.needClose {
				pc.SetK(true) // signal that it needs to close
			}
			if f.IsVararg() {
				pc.SetC(int(f.NumParams) + 1) // signal that it is vararg
			}
		case code.OpJmp:
			target := finalTarget(f.Code, i)
			fs.fixJump(i, target)
		}
	}
}

// ceilLog2 returns the ceiling of log2(x), for x > 0.
func ceilLog2(x uint) int {
	l := 0
	x--
	for x > 0 {
		x >>= 1
		l++
	}
	return l
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
