package compiler

import (
	"fmt"
	"math"

	"github.com/dolthub/swiss"
	"github.com/mna/nelumbo/lang/code"
	"github.com/mna/nelumbo/lang/scanner"
	"github.com/mna/nelumbo/lang/token"
)

const (
	envName   = "_ENV"
	breakName = "break"

	// maximum recursion depth for syntactic nesting
	maxNestLevel = 200
)

// errCompile is the panic value used to abort a compilation on the first
// error; it is recovered at the Compile* entry points.
type errCompile struct{}

// parser is the single-pass parser: it consumes tokens and drives the code
// generator of the function state at the top of the nesting stack.
type parser struct {
	scan scanner.Scanner
	dyd  *dynData
	fs   *funcState

	filename string // chunk name as provided
	errs     scanner.ErrorList

	tok      token.Token
	val      token.Value
	ahead    token.Token
	aheadVal token.Value
	hasAhead bool

	line      int // line of current token
	lastLine  int // line of previous token
	nestLevel int // recursion depth guard
}

func (p *parser) init(filename string, src []byte) {
	p.filename = filename
	p.dyd = &dynData{}
	p.line, p.lastLine = 1, 1
	p.scan.Init(displayName(filename), src, func(pos token.Position, msg string) {
		// a lexical error aborts the compilation
		p.errs.Add(pos, msg)
		panic(errCompile{})
	})
}

// displayName returns the chunk name without its '@' or '=' prefix.
func displayName(chunkname string) string {
	if len(chunkname) > 0 && (chunkname[0] == '@' || chunkname[0] == '=') {
		return chunkname[1:]
	}
	return chunkname
}

// next advances to the next token, skipping comments.
func (p *parser) next() {
	p.lastLine = p.line
	if p.hasAhead {
		p.tok, p.val = p.ahead, p.aheadVal
		p.hasAhead = false
	} else {
		p.tok = p.scanSkipComments(&p.val)
	}
	p.line, _ = p.val.Pos.LineCol()
}

// peek returns the next token without consuming the current one. Only one
// token of lookahead is available.
func (p *parser) peek() token.Token {
	if !p.hasAhead {
		p.ahead = p.scanSkipComments(&p.aheadVal)
		p.hasAhead = true
	}
	return p.ahead
}

func (p *parser) scanSkipComments(val *token.Value) token.Token {
	tok := p.scan.Scan(val)
	for tok == token.COMMENT {
		tok = p.scan.Scan(val)
	}
	return tok
}

// tokenStr returns the display string of the current token for error
// messages.
func (p *parser) tokenStr() string {
	switch p.tok {
	case token.IDENT, token.INT, token.FLOAT, token.STRING:
		return p.val.Raw
	default:
		return p.tok.String()
	}
}

func (p *parser) errorAt(pos token.Pos, msg string) {
	p.errs.Add(pos.Position(displayName(p.filename)), msg)
	panic(errCompile{})
}

// syntaxError reports a syntax error at the current token and aborts the
// compilation.
func (p *parser) syntaxError(msg string) {
	if p.tok != token.EOF {
		msg += fmt.Sprintf(" near '%s'", p.tokenStr())
	} else {
		msg += " near " + p.tok.String()
	}
	p.errorAt(p.val.Pos, msg)
}

// semError reports a semantic error (no "near token" suffix) and aborts the
// compilation.
func (p *parser) semError(format string, args ...any) {
	p.errorAt(p.val.Pos, fmt.Sprintf(format, args...))
}

// semErrorNoNear is an alias kept for call sites that make the distinction
// explicit.
func (p *parser) semErrorNoNear(format string, args ...any) {
	p.semError(format, args...)
}

func (p *parser) errorExpected(tok token.Token) {
	p.syntaxError(fmt.Sprintf("%s expected", tok.GoString()))
}

func (p *parser) enterLevel() {
	p.nestLevel++
	if p.nestLevel > maxNestLevel {
		p.errorAt(p.val.Pos, "chunk has too many syntax levels")
	}
}

func (p *parser) leaveLevel() { p.nestLevel-- }

// testNext consumes the current token if it is tok and returns whether it
// did.
func (p *parser) testNext(tok token.Token) bool {
	if p.tok == tok {
		p.next()
		return true
	}
	return false
}

// check verifies that the current token is tok, without consuming it.
func (p *parser) check(tok token.Token) {
	if p.tok != tok {
		p.errorExpected(tok)
	}
}

// checkNext verifies that the current token is tok and consumes it.
func (p *parser) checkNext(tok token.Token) {
	p.check(tok)
	p.next()
}

func (p *parser) checkCondition(cond bool, msg string) {
	if !cond {
		p.syntaxError(msg)
	}
}

// checkMatch verifies that the current token is what, the closing token of
// an opening token who at line where.
func (p *parser) checkMatch(what, who token.Token, where int) {
	if !p.testNext(what) {
		if where == p.line {
			p.errorExpected(what)
		} else {
			p.syntaxError(fmt.Sprintf("%s expected (to close %s at line %d)",
				what.GoString(), who.GoString(), where))
		}
	}
}

// strCheckName verifies that the current token is a name, and returns and
// consumes it.
func (p *parser) strCheckName() string {
	p.check(token.IDENT)
	name := p.val.Raw
	p.next()
	return name
}

// codeName initializes e as a string constant with the current name.
func (p *parser) codeName(e *expDesc) {
	e.initString(p.strCheckName())
}

/*
** {======================================================================
** Variable handling
** =======================================================================
 */

// newVarKind creates a new variable with the given name and kind and
// returns its compiler index in the current function.
func (p *parser) newVarKind(name string, kind code.VarKind) int {
	fs := p.fs
	fs.checkLimit(len(p.dyd.actVar)+1, math.MaxInt16, "variable declarations")
	p.dyd.actVar = append(p.dyd.actVar, varDesc{name: name, kind: kind})
	return len(p.dyd.actVar) - 1 - fs.firstLocal
}

// newLocalVar creates a new regular local variable with the given name.
func (p *parser) newLocalVar(name string) int {
	return p.newVarKind(name, code.RegularVar)
}

// adjustLocalVars starts the scope for the last nvars created variables.
func (p *parser) adjustLocalVars(nvars int) {
	fs := p.fs
	regLevel := int(fs.nvarStack())
	for i := 0; i < nvars; i++ {
		vidx := fs.nactvar
		fs.nactvar++
		vd := fs.localVarDesc(vidx)
		vd.ridx = uint8(regLevel)
		regLevel++
		vd.pidx = fs.registerLocalVar(vd.name)
		fs.checkLimit(regLevel, maxVars, "local variables")
	}
}

// checkReadonly raises an error if the variable described by e is
// read-only.
func (p *parser) checkReadonly(e *expDesc) {
	fs := p.fs
	var varname string // set if the variable is const
	switch e.kind {
	case expConst:
		varname = p.dyd.actVar[e.info].name
	case expLocal:
		vd := fs.localVarDesc(e.vidx)
		if vd.kind != code.RegularVar { // not a regular variable?
			varname = vd.name
		}
	case expUpval:
		up := &fs.proto.Upvals[e.info]
		if up.Kind != code.RegularVar {
			varname = up.Name
		}
	case expIndexUp, expIndexStr, expIndexed: // global variable
		if e.ro { // read-only?
			varname, _ = fs.proto.Constants[e.keyStr].(string)
		}
	default:
		// an integer index cannot be read-only
		return
	}
	if varname != "" {
		p.semError("attempt to assign to const variable '%s'", varname)
	}
}

// buildGlobal builds in v an expression representing _ENV[varname].
func (p *parser) buildGlobal(varname string, v *expDesc) {
	fs := p.fs
	var key expDesc
	v.init(expGlobal, -1) // global by default
	fs.singleVarAux(envName, v, true)
	if v.kind == expGlobal {
		p.semError("_ENV is global when accessing variable '%s'", varname)
	}
	fs.exp2AnyRegUp(v)      // _ENV could be a constant
	key.initString(varname) // key is variable name
	fs.indexed(v, &key)     // v represents _ENV[varname]
}

// buildVar finds the variable with the given name, handling global
// variables too.
func (p *parser) buildVar(varname string, v *expDesc) {
	fs := p.fs
	v.init(expGlobal, -1) // global by default
	fs.singleVarAux(varname, v, true)
	if v.kind == expGlobal { // global name?
		info := v.info
		// undeclared name in the scope of a collective-less declaration?
		if info == -2 {
			p.semError("variable '%s' not declared", varname)
		}
		p.buildGlobal(varname, v)
		if info != -1 && p.dyd.actVar[info].kind == code.GlobalConstVar {
			v.ro = true // mark variable as read-only
		}
	}
}

func (p *parser) singleVar(v *expDesc) {
	p.buildVar(p.strCheckName(), v)
}

// adjustAssign adjusts the number of results from an expression list with
// nexps expressions (ending in e) to nvars values.
func (p *parser) adjustAssign(nvars, nexps int, e *expDesc) {
	fs := p.fs
	needed := nvars - nexps          // extra values needed
	if e.hasMultRet() {              // last expression has multiple returns?
		extra := needed + 1 // discount last expression itself
		if extra < 0 {
			extra = 0
		}
		fs.setReturns(e, extra) // last expression provides the difference
	} else {
		if e.kind != expVoid { // at least one expression?
			fs.exp2NextReg(e) // close last expression
		}
		if needed > 0 { // missing values?
			fs.loadNil(int(fs.freeReg), needed) // complete with nils
		}
	}
	if needed > 0 {
		fs.reserveRegs(needed) // registers for extra values
	} else { // adding 'needed' is actually a subtraction
		fs.freeReg = uint8(int(fs.freeReg) + needed) // remove extra values
	}
}

/*
** {======================================================================
** Gotos and labels
** =======================================================================
 */

// jumpScopeError generates an error for a goto that jumps into the scope of
// some variable declaration.
func (p *parser) jumpScopeError(gt *labelDesc) {
	varname := p.fs.localVarDesc(gt.nactvar).name
	if varname == "" {
		varname = "*"
	}
	p.semError("<goto %s> at line %d jumps into the scope of '%s'",
		gt.name, gt.line, varname)
}

// closeGoto closes the goto at index g to the given label and removes it
// from the list of pending gotos. If it jumps into the scope of some
// variable, it raises an error. The goto needs a CLOSE if it jumps out of a
// block with upvalues, or out of the scope of some variable while the block
// has upvalues (signaled by blockUpval).
func (p *parser) closeGoto(g int, lb *labelDesc, blockUpval bool) {
	fs := p.fs
	gt := &p.dyd.gotos[g]
	if gt.nactvar < lb.nactvar { // enter some scope?
		p.jumpScopeError(gt)
	}
	if gt.needsClose || (lb.nactvar < gt.nactvar && blockUpval) { // needs close?
		stkLevel := fs.regLevel(lb.nactvar)
		// move jump to the CLOSE position and put the CLOSE instruction at
		// the original position
		fs.proto.Code[gt.pc+1] = fs.proto.Code[gt.pc]
		fs.proto.Code[gt.pc] = code.MakeABC(code.OpClose, int(stkLevel), 0, 0)
		gt.pc++ // must point to the jump instruction
	}
	fs.patchList(gt.pc, lb.pc) // goto jumps to label
	p.dyd.gotos = append(p.dyd.gotos[:g], p.dyd.gotos[g+1:]...)
}

// findLabel searches for an active label with the given name, starting at
// index ilb (so that it can search all labels of the current block or all
// labels of the current function).
func (p *parser) findLabel(name string, ilb int) *labelDesc {
	for ; ilb < len(p.dyd.labels); ilb++ {
		if p.dyd.labels[ilb].name == name {
			return &p.dyd.labels[ilb]
		}
	}
	return nil
}

// newLabelEntry adds a new label or goto entry to the given list.
func (p *parser) newLabelEntry(l *[]labelDesc, name string, line, pc int) int {
	p.fs.checkLimit(len(*l)+1, math.MaxInt16, "labels/gotos")
	*l = append(*l, labelDesc{
		name:    name,
		pc:      pc,
		line:    line,
		nactvar: p.fs.nactvar,
	})
	return len(*l) - 1
}

// newGotoEntry creates an entry for a goto and the code for it. As it is
// not known at this point whether the goto may need a CLOSE, the code has a
// jump followed by a CLOSE. (As the CLOSE comes after the jump, it is a
// dead instruction; it works as a placeholder.) When the goto is closed
// against a label, if it needs a CLOSE, the two instructions swap
// positions, so that the CLOSE comes before the jump.
func (p *parser) newGotoEntry(name string, line int) int {
	fs := p.fs
	pc := fs.jump()                      // create jump
	fs.codeABC(code.OpClose, 0, 1, 0)    // placeholder, marked as dead
	return p.newLabelEntry(&p.dyd.gotos, name, line, pc)
}

// createLabel creates a new label with the given name at the given line.
// last tells whether the label is the last non-op statement in its block
// (in that case, local variables are already out of scope).
func (p *parser) createLabel(name string, line int, last bool) {
	fs := p.fs
	l := p.newLabelEntry(&p.dyd.labels, name, line, fs.label())
	if last {
		p.dyd.labels[l].nactvar = fs.blocks.nactvar
	}
}

// undefGoto generates the error for an undefined goto.
func (p *parser) undefGoto(gt *labelDesc) {
	// breaks are checked when created, cannot be undefined
	p.semError("no visible label '%s' for <goto> at line %d", gt.name, gt.line)
}

/*
** {======================================================================
** Function-state handling
** =======================================================================
 */

// addPrototype adds a new prototype to the list of prototypes of the
// current function.
func (p *parser) addPrototype() *code.Prototype {
	fs := p.fs
	fs.checkLimit(len(fs.proto.Protos)+1, code.MaxArgBx, "functions")
	clp := &code.Prototype{}
	fs.proto.Protos = append(fs.proto.Protos, clp)
	return clp
}

// codeClosure codes the instruction to create the new closure in the parent
// function. The CLOSURE instruction uses the last available register.
func (p *parser) codeClosure(v *expDesc) {
	fs := p.fs.prev
	v.init(expReloc, fs.codeABx(code.OpClosure, 0, len(fs.proto.Protos)-1))
	fs.exp2NextReg(v) // fix it at the last register
}

func (p *parser) openFunc(fs *funcState, bl *blockCnt) {
	fs.prev = p.fs
	fs.p = p
	p.fs = fs
	fs.previousLine = fs.proto.LineDefined
	fs.firstLocal = len(p.dyd.actVar)
	fs.firstLabel = len(p.dyd.labels)
	fs.proto.Source = displayName(p.filename)
	fs.proto.MaxStackSize = 2 // registers 0/1 are always valid
	fs.kcache = swiss.NewMap[constKey, int](8)
	fs.enterBlock(bl, blockRegular)
}

func (p *parser) closeFunc() {
	fs := p.fs
	fs.ret(int(fs.nvarStack()), 0) // final return
	fs.leaveBlock()
	fs.finish()
	p.fs = fs.prev
}

func (p *parser) setVararg(nparams int) {
	fs := p.fs
	fs.proto.Flags |= code.FlagIsVararg
	fs.codeABC(code.OpVarargPrep, nparams, 0, 0)
}

// mainFunc compiles the main function, which is a regular vararg function
// with an upvalue named _ENV.
func (p *parser) mainFunc(fs *funcState) {
	var bl blockCnt
	p.openFunc(fs, &bl)
	p.setVararg(0) // main function is always declared vararg
	env := fs.allocUpvalue()
	env.InStack = true
	env.Index = 0
	env.Kind = code.RegularVar
	env.Name = envName
	p.next() // read first token
	p.statList()
	p.check(token.EOF)
	p.closeFunc()
}

/*
** {======================================================================
** Rules for Statements
** =======================================================================
 */

// blockFollow checks whether the current token is in the follow set of a
// block. 'until' closes syntactical blocks but does not close scope, so it
// is handled separately.
func (p *parser) blockFollow(withUntil bool) bool {
	switch p.tok {
	case token.ELSE, token.ELSEIF, token.END, token.EOF:
		return true
	case token.UNTIL:
		return withUntil
	}
	return false
}

// statList parses { stat [';'] }.
func (p *parser) statList() {
	for !p.blockFollow(true) {
		if p.tok == token.RETURN {
			p.statement()
			return // 'return' must be last statement
		}
		p.statement()
	}
}

// block parses a block, in its own scope.
func (p *parser) block() {
	fs := p.fs
	var bl blockCnt
	fs.enterBlock(&bl, blockRegular)
	p.statList()
	fs.leaveBlock()
}

// lhsAssign chains all variables in the left-hand side of an assignment.
type lhsAssign struct {
	prev *lhsAssign
	v    expDesc // variable (global, local, upvalue, or indexed)
}

// checkConflict checks whether, in an assignment to an upvalue or local
// variable, that variable is being used in a previous assignment to a
// table. If so, the original value is saved in a safe place and the
// previous assignment uses that safe copy.
func (p *parser) checkConflict(lh *lhsAssign, v *expDesc) {
	fs := p.fs
	extra := int(fs.freeReg) // eventual position to save local variable
	conflict := false
	for ; lh != nil; lh = lh.prev { // check all previous assignments
		if !lh.v.kind.isIndexed() { // assignment to table field?
			continue
		}
		if lh.v.kind == expIndexUp { // is the table an upvalue?
			if v.kind == expUpval && int(lh.v.treg) == v.info {
				conflict = true // table is the upvalue being assigned now
				lh.v.kind = expIndexStr
				lh.v.treg = uint8(extra) // assignment will use safe copy
			}
		} else { // table is a register
			if v.kind == expLocal && lh.v.treg == v.ridx {
				conflict = true // table is the local being assigned now
				lh.v.treg = uint8(extra) // assignment will use safe copy
			}
			// is the index the local being assigned?
			if lh.v.kind == expIndexed && v.kind == expLocal &&
				lh.v.idx == int(v.ridx) {
				conflict = true
				lh.v.idx = extra // previous assignment will use safe copy
			}
		}
	}
	if conflict {
		// copy upvalue/local value to a temporary (in position extra)
		if v.kind == expLocal {
			fs.codeABC(code.OpMove, extra, int(v.ridx), 0)
		} else {
			fs.codeABC(code.OpGetUpval, extra, v.info, 0)
		}
		fs.reserveRegs(1)
	}
}

// restAssign parses and compiles a multiple assignment. The first
// "variable" (a suffixed expression) was already read by the caller.
//
//	assignment -> suffixedexp restassign
//	restassign -> ',' suffixedexp restassign | '=' explist
func (p *parser) restAssign(lh *lhsAssign, nvars int) {
	var e expDesc
	p.checkCondition(lh.v.kind.isVar(), "syntax error")
	p.checkReadonly(&lh.v)
	if p.testNext(token.COMMA) { // restassign -> ',' suffixedexp restassign
		var nv lhsAssign
		nv.prev = lh
		p.suffixedExp(&nv.v)
		if !nv.v.kind.isIndexed() {
			p.checkConflict(lh, &nv.v)
		}
		p.enterLevel() // control recursion depth
		p.restAssign(&nv, nvars+1)
		p.leaveLevel()
	} else { // restassign -> '=' explist
		p.checkNext(token.EQ)
		nexps := p.expList(&e)
		if nexps != nvars {
			p.adjustAssign(nvars, nexps, &e)
		} else {
			p.fs.setOneRet(&e) // close last expression
			p.fs.storeVar(&lh.v, &e)
			return // avoid default
		}
	}
	p.fs.storeVarTop(&lh.v) // default assignment
}

// cond parses a condition and returns its false list.
func (p *parser) cond() int {
	var v expDesc
	p.expr(&v) // read condition
	if v.kind == expNil {
		v.kind = expFalse // 'falses' are all equal here
	}
	p.fs.goIfTrue(&v)
	return v.f
}

func (p *parser) gotoStat(line int) {
	name := p.strCheckName() // label's name
	p.newGotoEntry(name, line)
}

// breakStat parses a break statement, semantically equivalent to
// "goto break".
func (p *parser) breakStat(line int) {
	var bl *blockCnt // look for an enclosing loop
	for bl = p.fs.blocks; bl != nil; bl = bl.prev {
		if bl.isLoop != blockRegular {
			break
		}
	}
	if bl == nil {
		p.syntaxError("break outside a loop")
	}
	bl.isLoop = blockLoopHasBreak // signal that block has pending breaks
	p.next()                      // skip break
	p.newGotoEntry(breakName, line)
}

// checkRepeated checks whether there is already a label with the given name
// in the current function.
func (p *parser) checkRepeated(name string) {
	if lb := p.findLabel(name, p.fs.firstLabel); lb != nil {
		p.semError("label '%s' already defined on line %d", name, lb.line)
	}
}

// labelStat parses a label: '::' NAME '::'.
func (p *parser) labelStat(name string, line int) {
	p.checkNext(token.DBCOLON) // skip double colon
	for p.tok == token.SEMI || p.tok == token.DBCOLON {
		p.statement() // skip other no-op statements
	}
	p.checkRepeated(name) // check for repeated labels
	p.createLabel(name, line, p.blockFollow(false))
}

// whileStat parses: WHILE cond DO block END.
func (p *parser) whileStat(line int) {
	fs := p.fs
	var bl blockCnt
	p.next() // skip WHILE
	whileInit := fs.label()
	condExit := p.cond()
	fs.enterBlock(&bl, blockLoop)
	p.checkNext(token.DO)
	p.block()
	fs.jumpTo(whileInit)
	p.checkMatch(token.END, token.WHILE, line)
	fs.leaveBlock()
	fs.patchToHere(condExit) // false conditions finish the loop
}

// repeatStat parses: REPEAT block UNTIL cond.
func (p *parser) repeatStat(line int) {
	fs := p.fs
	repeatInit := fs.label()
	var bl1, bl2 blockCnt
	fs.enterBlock(&bl1, blockLoop)    // loop block
	fs.enterBlock(&bl2, blockRegular) // scope block
	p.next()                          // skip REPEAT
	p.statList()
	p.checkMatch(token.UNTIL, token.REPEAT, line)
	condExit := p.cond() // read condition (inside scope block)
	fs.leaveBlock()      // finish scope
	if bl2.upval {       // upvalues?
		exit := fs.jump()        // normal exit must jump over fix
		fs.patchToHere(condExit) // repetition must close upvalues
		fs.codeABC(code.OpClose, int(fs.regLevel(bl2.nactvar)), 0, 0)
		condExit = fs.jump()  // repeat after closing upvalues
		fs.patchToHere(exit)  // normal exit comes to here
	}
	fs.patchList(condExit, repeatInit) // close the loop
	fs.leaveBlock()                    // finish loop
}

// exp1 reads an expression and generates code to put its result in the next
// stack slot.
func (p *parser) exp1() {
	var e expDesc
	p.expr(&e)
	p.fs.exp2NextReg(&e)
}

// fixForJump fixes the for-loop instruction at pc to jump to dest (jump
// offsets are relative); back means a back jump.
func (p *parser) fixForJump(pc, dest int, back bool) {
	fs := p.fs
	offset := dest - (pc + 1)
	if back {
		offset = -offset
	}
	if offset > code.MaxArgBx {
		p.syntaxError("control structure too long")
	}
	fs.proto.Code[pc].SetBx(offset)
}

// forBody generates code for the body of a for loop: DO block.
func (p *parser) forBody(base, line, nvars int, isGen bool) {
	fs := p.fs
	var bl blockCnt
	prepOp, loopOp := code.OpForPrep, code.OpForLoop
	if isGen {
		prepOp, loopOp = code.OpTForPrep, code.OpTForLoop
	}
	p.checkNext(token.DO)
	prep := fs.codeABx(prepOp, base, 0)
	fs.freeReg-- // both 'forprep' remove one register from the stack
	fs.enterBlock(&bl, blockRegular) // scope for declared variables
	p.adjustLocalVars(nvars)
	fs.reserveRegs(nvars)
	p.block()
	fs.leaveBlock() // end of scope for declared variables
	p.fixForJump(prep, fs.label(), false)
	if isGen { // generic for?
		fs.codeABC(code.OpTForCall, base, 0, nvars)
		fs.fixLine(line)
	}
	endFor := fs.codeABx(loopOp, base, 0)
	p.fixForJump(endFor, prep+1, true)
	fs.fixLine(line)
}

// forNum parses a numeric for: NAME = exp,exp[,exp] forbody.
func (p *parser) forNum(varname string, line int) {
	fs := p.fs
	base := int(fs.freeReg)
	p.newLocalVar("(for state)")
	p.newLocalVar("(for state)")
	p.newVarKind(varname, code.ConstVar) // control variable
	p.checkNext(token.EQ)
	p.exp1() // initial value
	p.checkNext(token.COMMA)
	p.exp1() // limit
	if p.testNext(token.COMMA) {
		p.exp1() // optional step
	} else { // default step = 1
		fs.loadInt(int(fs.freeReg), 1)
		fs.reserveRegs(1)
	}
	p.adjustLocalVars(2) // start scope for internal variables
	p.forBody(base, line, 1, false)
}

// forList parses a generic for: NAME {,NAME} IN explist forbody.
func (p *parser) forList(indexName string) {
	fs := p.fs
	var e expDesc
	nvars := 4 // function, state, closing, control
	base := int(fs.freeReg)
	// create internal variables
	p.newLocalVar("(for state)")            // iterator function
	p.newLocalVar("(for state)")            // state
	p.newLocalVar("(for state)")            // closing var
	p.newVarKind(indexName, code.ConstVar)  // control variable
	// other declared variables
	for p.testNext(token.COMMA) {
		p.newLocalVar(p.strCheckName())
		nvars++
	}
	p.checkNext(token.IN)
	line := p.line
	p.adjustAssign(4, p.expList(&e), &e)
	p.adjustLocalVars(3) // start scope for internal variables
	fs.markToBeClosed()  // last internal var. must be closed
	fs.checkStack(2)     // extra space to call iterator
	p.forBody(base, line, nvars-3, true)
}

// forStat parses: FOR (fornum | forlist) END.
func (p *parser) forStat(line int) {
	fs := p.fs
	var bl blockCnt
	fs.enterBlock(&bl, blockLoop) // scope for loop and control variables
	p.next()                      // skip 'for'
	varname := p.strCheckName()   // first variable name
	switch p.tok {
	case token.EQ:
		p.forNum(varname, line)
	case token.COMMA, token.IN:
		p.forList(varname)
	default:
		p.syntaxError("'=' or 'in' expected")
	}
	p.checkMatch(token.END, token.FOR, line)
	fs.leaveBlock() // loop scope ('break' jumps to this point)
}

// testThenBlock parses: [IF | ELSEIF] cond THEN block.
func (p *parser) testThenBlock(escapeList *int) {
	fs := p.fs
	p.next()              // skip IF or ELSEIF
	condTrue := p.cond()  // read condition
	p.checkNext(token.THEN)
	p.block() // 'then' part
	if p.tok == token.ELSE || p.tok == token.ELSEIF { // followed by 'else'/'elseif'?
		fs.concatJump(escapeList, fs.jump()) // must jump over it
	}
	fs.patchToHere(condTrue)
}

// ifStat parses: IF cond THEN block {ELSEIF cond THEN block} [ELSE block]
// END.
func (p *parser) ifStat(line int) {
	fs := p.fs
	escapeList := code.NoJump     // exit list for finished parts
	p.testThenBlock(&escapeList)  // IF cond THEN block
	for p.tok == token.ELSEIF {
		p.testThenBlock(&escapeList) // ELSEIF cond THEN block
	}
	if p.testNext(token.ELSE) {
		p.block() // 'else' part
	}
	p.checkMatch(token.END, token.IF, line)
	fs.patchToHere(escapeList) // patch escape list to 'if' end
}

func (p *parser) localFunc() {
	var b expDesc
	fs := p.fs
	fvar := fs.nactvar              // function's variable index
	p.newLocalVar(p.strCheckName()) // new local variable
	p.adjustLocalVars(1)            // enter its scope
	p.body(&b, false, p.line)       // function created in next register
	// debug information will only see the variable after this point!
	fs.localDebugInfo(fvar).StartPC = fs.pc()
}

// getVarAttribute parses an optional variable attribute: ['<' NAME '>'],
// returning df when absent.
func (p *parser) getVarAttribute(df code.VarKind) code.VarKind {
	if p.testNext(token.LT) {
		attr := p.strCheckName()
		p.checkNext(token.GT)
		switch attr {
		case "const":
			return code.ConstVar // read-only variable
		case "close":
			return code.ToCloseVar // to-be-closed variable
		default:
			p.semError("unknown attribute '%s'", attr)
		}
	}
	return df
}

func (p *parser) checkToClose(level int) {
	if level != -1 { // is there a to-be-closed variable?
		fs := p.fs
		fs.markToBeClosed()
		fs.codeABC(code.OpTBC, int(fs.regLevel(level)), 0, 0)
	}
}

// localStat parses: LOCAL attrib NAME attrib { ',' NAME attrib }
// ['=' explist].
func (p *parser) localStat() {
	fs := p.fs
	toclose := -1 // index of to-be-closed variable (if any)
	var vidx int  // index of last variable
	nvars := 0
	var e expDesc
	// get prefixed attribute (if any); default is regular local variable
	defKind := p.getVarAttribute(code.RegularVar)
	for { // for each variable
		vname := p.strCheckName()            // get its name
		kind := p.getVarAttribute(defKind)   // postfixed attribute
		vidx = p.newVarKind(vname, kind)     // predeclare it
		if kind == code.ToCloseVar {         // to-be-closed?
			if toclose != -1 { // one already present?
				p.semError("multiple to-be-closed variables in local list")
			}
			toclose = fs.nactvar + nvars
		}
		nvars++
		if !p.testNext(token.COMMA) {
			break
		}
	}
	var nexps int
	if p.testNext(token.EQ) { // initialization?
		nexps = p.expList(&e)
	} else {
		e.kind = expVoid
		nexps = 0
	}
	vd := fs.localVarDesc(vidx) // retrieve last variable
	if nvars == nexps && vd.kind == code.ConstVar { // no adjustments and const?
		if k, ok := fs.exp2Const(&e); ok { // compile-time constant?
			vd.kind = code.CompileTimeConst
			vd.k = k
			p.adjustLocalVars(nvars - 1) // exclude last variable
			fs.nactvar++                 // but count it
			p.checkToClose(toclose)
			return
		}
	}
	p.adjustAssign(nvars, nexps, &e)
	p.adjustLocalVars(nvars)
	p.checkToClose(toclose)
}

// getGlobalAttribute parses an attribute in a global declaration.
func (p *parser) getGlobalAttribute(df code.VarKind) code.VarKind {
	kind := p.getVarAttribute(df)
	switch kind {
	case code.ToCloseVar:
		p.semError("global variables cannot be to-be-closed")
		return kind
	case code.ConstVar:
		return code.GlobalConstVar // adjust kind for global variable
	default:
		return kind
	}
}

// globalNames parses the names of a global declaration, with an optional
// initialization.
func (p *parser) globalNames(defKind code.VarKind) {
	fs := p.fs
	nvars := 0
	var lastIdx int // index of last registered variable
	for { // for each name
		vname := p.strCheckName()
		kind := p.getGlobalAttribute(defKind)
		lastIdx = p.newVarKind(vname, kind)
		nvars++
		if !p.testNext(token.COMMA) {
			break
		}
	}
	if p.testNext(token.EQ) { // initialization?
		var e expDesc
		nexps := p.expList(&e) // read list of expressions
		p.adjustAssign(nvars, nexps, &e)
		for i := 0; i < nvars; i++ { // for each variable
			var v expDesc
			varname := fs.localVarDesc(lastIdx - i).name
			p.buildGlobal(varname, &v) // create global variable in v
			fs.storeVarTop(&v)
		}
	}
	fs.nactvar += nvars // activate declaration
}

// globalStat parses a global declaration:
//
//	globalstat -> (GLOBAL) attrib '*'
//	globalstat -> (GLOBAL) attrib NAME attrib {',' NAME attrib}
func (p *parser) globalStat() {
	fs := p.fs
	// get prefixed attribute (if any); default is regular global variable
	defKind := p.getGlobalAttribute(code.GlobalVar)
	if !p.testNext(token.STAR) {
		p.globalNames(defKind)
	} else {
		// use an empty name to represent '*' entries
		p.newVarKind("", defKind)
		fs.nactvar++ // activate declaration
	}
}

// globalFunc parses: (GLOBAL FUNCTION) NAME body.
func (p *parser) globalFunc(line int) {
	var v, b expDesc
	fs := p.fs
	fname := p.strCheckName()
	p.newVarKind(fname, code.GlobalVar) // declare global variable
	fs.nactvar++                        // enter its scope
	p.buildGlobal(fname, &v)
	p.body(&b, false, p.line) // compile and return closure in b
	fs.storeVar(&v, &b)
	fs.fixLine(line) // definition "happens" in the first line
}

// globalStatFunc parses: GLOBAL globalfunc | GLOBAL globalstat.
func (p *parser) globalStatFunc(line int) {
	p.next() // skip 'global'
	if p.testNext(token.FUNCTION) {
		p.globalFunc(line)
	} else {
		p.globalStat()
	}
}

// funcName parses a function name: NAME {fieldsel} [':' NAME]; returns
// whether it is a method.
func (p *parser) funcName(v *expDesc) bool {
	isMethod := false
	p.singleVar(v)
	for p.tok == token.DOT {
		p.fieldSel(v)
	}
	if p.tok == token.COLON {
		isMethod = true
		p.fieldSel(v)
	}
	return isMethod
}

// funcStat parses: FUNCTION funcname body.
func (p *parser) funcStat(line int) {
	var v, b expDesc
	p.next() // skip FUNCTION
	isMethod := p.funcName(&v)
	p.checkReadonly(&v)
	p.body(&b, isMethod, line)
	p.fs.storeVar(&v, &b)
	p.fs.fixLine(line) // definition "happens" in the first line
}

// exprStat parses: func | assignment.
func (p *parser) exprStat() {
	fs := p.fs
	var v lhsAssign
	p.suffixedExp(&v.v)
	if p.tok == token.EQ || p.tok == token.COMMA { // stat -> assignment?
		v.prev = nil
		p.restAssign(&v, 1)
	} else { // stat -> func
		p.checkCondition(v.v.kind == expCall, "syntax error")
		getInstruction(fs, &v.v).SetC(1) // call statement uses no results
	}
}

// retStat parses: RETURN [explist] [';'].
func (p *parser) retStat() {
	fs := p.fs
	var e expDesc
	var nret int                  // number of values being returned
	first := int(fs.nvarStack()) // first slot to be returned
	if p.blockFollow(true) || p.tok == token.SEMI {
		nret = 0 // return no values
	} else {
		nret = p.expList(&e) // optional return values
		if e.hasMultRet() {
			fs.setMultRet(&e)
			if e.kind == expCall && nret == 1 && !fs.blocks.insideTBC { // tail call?
				getInstruction(fs, &e).SetOpCode(code.OpTailCall)
			}
			nret = multRet // return all values
		} else {
			if nret == 1 { // only one single value?
				first = fs.exp2AnyReg(&e) // can use original slot
			} else { // values must go to the top of the stack
				fs.exp2NextReg(&e)
			}
		}
	}
	fs.ret(first, nret)
	p.testNext(token.SEMI) // skip optional semicolon
}

func (p *parser) statement() {
	line := p.line // may be needed for error messages
	p.enterLevel()
	switch p.tok {
	case token.SEMI: // stat -> ';' (empty statement)
		p.next() // skip ';'
	case token.IF: // stat -> ifstat
		p.ifStat(line)
	case token.WHILE: // stat -> whilestat
		p.whileStat(line)
	case token.DO: // stat -> DO block END
		p.next() // skip DO
		p.block()
		p.checkMatch(token.END, token.DO, line)
	case token.FOR: // stat -> forstat
		p.forStat(line)
	case token.REPEAT: // stat -> repeatstat
		p.repeatStat(line)
	case token.FUNCTION: // stat -> funcstat
		p.funcStat(line)
	case token.LOCAL: // stat -> localstat
		p.next() // skip LOCAL
		if p.testNext(token.FUNCTION) { // local function?
			p.localFunc()
		} else {
			p.localStat()
		}
	case token.GLOBAL: // stat -> globalstatfunc
		p.globalStatFunc(line)
	case token.DBCOLON: // stat -> label
		p.next() // skip double colon
		p.labelStat(p.strCheckName(), line)
	case token.RETURN: // stat -> retstat
		p.next() // skip RETURN
		p.retStat()
	case token.BREAK: // stat -> breakstat
		p.breakStat(line)
	case token.GOTO: // stat -> 'goto' NAME
		p.next() // skip 'goto'
		p.gotoStat(line)
	default: // stat -> func | assignment
		p.exprStat()
	}
	p.fs.freeReg = p.fs.nvarStack() // free registers
	p.leaveLevel()
}
