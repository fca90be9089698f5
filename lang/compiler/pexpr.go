package compiler

import (
	"math"

	"github.com/mna/nelumbo/lang/code"
	"github.com/mna/nelumbo/lang/token"
)

// binOpr identifies a binary operator. The order of the arithmetic and
// bitwise operators matches the order of the corresponding opcodes and
// metamethod events.
type binOpr uint8

const (
	oprAdd binOpr = iota
	oprSub
	oprMul
	oprMod
	oprPow
	oprDiv
	oprIDiv
	oprBAnd
	oprBOr
	oprBXor
	oprShl
	oprShr
	oprConcat
	oprEq
	oprLt
	oprLe
	oprNe
	oprGt
	oprGe
	oprAnd
	oprOr
	oprNoBinOpr
)

// foldable returns true if the operator is arithmetic or bitwise.
func (opr binOpr) foldable() bool { return opr <= oprShr }

// opCode converts the operator to an opcode, relative to a base operator
// and a base opcode.
func (opr binOpr) opCode(base binOpr, from code.OpCode) code.OpCode {
	return from + code.OpCode(opr-base)
}

// event converts the operator to its metamethod event.
func (opr binOpr) event() code.MetaEvent {
	return code.EventAdd + code.MetaEvent(opr-oprAdd)
}

// unOpr identifies a unary operator; the order of minus and bnot matches
// the corresponding opcodes and fold operations.
type unOpr uint8

const (
	oprMinus unOpr = iota
	oprBNot
	oprNot
	oprLen
	oprNoUnOpr
)

func (opr unOpr) opCode() code.OpCode {
	return code.OpUnm + code.OpCode(opr-oprMinus)
}

func getUnOpr(tok token.Token) unOpr {
	switch tok {
	case token.NOT:
		return oprNot
	case token.MINUS:
		return oprMinus
	case token.TILDE:
		return oprBNot
	case token.POUND:
		return oprLen
	}
	return oprNoUnOpr
}

func getBinOpr(tok token.Token) binOpr {
	switch tok {
	case token.PLUS:
		return oprAdd
	case token.MINUS:
		return oprSub
	case token.STAR:
		return oprMul
	case token.PERCENT:
		return oprMod
	case token.CIRCUMFLEX:
		return oprPow
	case token.SLASH:
		return oprDiv
	case token.SLASHSLASH:
		return oprIDiv
	case token.AMPERSAND:
		return oprBAnd
	case token.PIPE:
		return oprBOr
	case token.TILDE:
		return oprBXor
	case token.LTLT:
		return oprShl
	case token.GTGT:
		return oprShr
	case token.DOTDOT:
		return oprConcat
	case token.NEQ:
		return oprNe
	case token.EQEQ:
		return oprEq
	case token.LT:
		return oprLt
	case token.LE:
		return oprLe
	case token.GT:
		return oprGt
	case token.GE:
		return oprGe
	case token.AND:
		return oprAnd
	case token.OR:
		return oprOr
	}
	return oprNoBinOpr
}

// priority table for binary operators: left priority for each operator,
// and right priority (different for right-associative operators).
var priority = [oprNoBinOpr]struct{ left, right uint8 }{
	oprAdd:    {10, 10},
	oprSub:    {10, 10},
	oprMul:    {11, 11},
	oprMod:    {11, 11},
	oprPow:    {14, 13}, // right associative
	oprDiv:    {11, 11},
	oprIDiv:   {11, 11},
	oprBAnd:   {6, 6},
	oprBOr:    {4, 4},
	oprBXor:   {5, 5},
	oprShl:    {7, 7},
	oprShr:    {7, 7},
	oprConcat: {9, 8}, // right associative
	oprEq:     {3, 3},
	oprLt:     {3, 3},
	oprLe:     {3, 3},
	oprNe:     {3, 3},
	oprGt:     {3, 3},
	oprGe:     {3, 3},
	oprAnd:    {2, 2},
	oprOr:     {1, 1},
}

// priority for unary operators
const unaryPriority = 12

// fieldSel parses: ['.' | ':'] NAME.
func (p *parser) fieldSel(v *expDesc) {
	fs := p.fs
	var key expDesc
	fs.exp2AnyRegUp(v)
	p.next() // skip the dot or colon
	p.codeName(&key)
	fs.indexed(v, &key)
}

// yIndex parses an index: '[' expr ']'.
func (p *parser) yIndex(v *expDesc) {
	p.next() // skip the '['
	p.expr(v)
	p.fs.exp2Val(v)
	p.checkNext(token.RBRACK)
}

/*
** {======================================================================
** Rules for Constructors
** =======================================================================
 */

type consControl struct {
	v          expDesc  // last list item read
	t          *expDesc // table descriptor
	nh         int      // total number of 'record' elements
	na         int      // number of array elements already stored
	tostore    int      // number of array elements pending to be stored
	maxtostore int      // maximum number of pending elements
}

// maximum number of elements in a constructor, to control counter
// overflows, overflows in the extra argument of NEWTABLE and SETLIST, and
// overflows when adding multiple returns in SETLIST.
const maxConsItems = math.MaxInt32 / 2

// recField parses: (NAME | '['exp']') = exp.
func (p *parser) recField(cc *consControl) {
	fs := p.fs
	reg := fs.freeReg
	var key, val expDesc
	if p.tok == token.IDENT {
		p.codeName(&key)
	} else { // p.tok == '['
		p.yIndex(&key)
	}
	cc.nh++
	p.checkNext(token.EQ)
	tab := *cc.t
	fs.indexed(&tab, &key)
	p.expr(&val)
	fs.storeVar(&tab, &val)
	fs.freeReg = reg // free registers
}

func (p *parser) closeListField(cc *consControl) {
	fs := p.fs
	fs.exp2NextReg(&cc.v)
	cc.v.kind = expVoid
	if cc.tostore >= cc.maxtostore {
		fs.setList(cc.t.info, cc.na, cc.tostore) // flush
		cc.na += cc.tostore
		cc.tostore = 0 // no more items pending
	}
}

func (p *parser) lastListField(cc *consControl) {
	fs := p.fs
	if cc.tostore == 0 {
		return
	}
	if cc.v.hasMultRet() {
		fs.setMultRet(&cc.v)
		fs.setList(cc.t.info, cc.na, multRet)
		cc.na-- // do not count last expression (unknown number of elements)
	} else {
		if cc.v.kind != expVoid {
			fs.exp2NextReg(&cc.v)
		}
		fs.setList(cc.t.info, cc.na, cc.tostore)
	}
	cc.na += cc.tostore
}

// listField parses a list field: exp.
func (p *parser) listField(cc *consControl) {
	p.expr(&cc.v)
	cc.tostore++
}

// field parses: listfield | recfield.
func (p *parser) field(cc *consControl) {
	switch p.tok {
	case token.IDENT: // may be 'listfield' or 'recfield'
		if p.peek() != token.EQ { // expression?
			p.listField(cc)
		} else {
			p.recField(cc)
		}
	case token.LBRACK:
		p.recField(cc)
	default:
		p.listField(cc)
	}
}

// maxToStore computes a limit for how many registers a constructor can use
// before emitting a SETLIST instruction, based on how many registers are
// available.
func (p *parser) maxToStore() int {
	numFreeRegs := code.MaxStack - int(p.fs.freeReg)
	if numFreeRegs >= 160 { // "lots" of registers?
		return numFreeRegs / 5 // use up to 1/5 of them
	}
	if numFreeRegs >= 80 { // still "enough" registers?
		return 10 // one SETLIST instruction for each 10 values
	}
	return 1 // save registers for potential more nesting
}

// constructor parses: '{' [ field { sep field } [sep] ] '}' with
// sep -> ',' | ';'.
func (p *parser) constructor(t *expDesc) {
	fs := p.fs
	line := p.line
	pc := fs.codeVABCk(code.OpNewTable, 0, 0, 0, false)
	var cc consControl
	fs.codeInstr(0) // space for extra arg.
	cc.t = t
	t.init(expNonReloc, int(fs.freeReg)) // table will be at stack top
	fs.reserveRegs(1)
	cc.v.init(expVoid, 0) // no value (yet)
	p.checkNext(token.LBRACE)
	cc.maxtostore = p.maxToStore()
	for {
		if p.tok == token.RBRACE {
			break
		}
		if cc.v.kind != expVoid { // is there a previous list item?
			p.closeListField(&cc) // close it
		}
		p.field(&cc)
		fs.checkLimit(cc.tostore+cc.na+cc.nh, maxConsItems, "items in a constructor")
		if !p.testNext(token.COMMA) && !p.testNext(token.SEMI) {
			break
		}
	}
	p.checkMatch(token.RBRACE, token.LBRACE, line)
	p.lastListField(&cc)
	fs.setTableSize(pc, t.info, cc.na, cc.nh)
}

/* }====================================================================== */

// parList parses a parameter list: [ {NAME ','} (NAME | '...') ].
func (p *parser) parList() {
	fs := p.fs
	f := fs.proto
	nparams := 0
	isVararg := false
	if p.tok != token.RPAREN { // is the parameter list not empty?
		for {
			switch p.tok {
			case token.IDENT:
				p.newLocalVar(p.strCheckName())
				nparams++
			case token.DOTDOTDOT:
				p.next()
				isVararg = true
			default:
				p.syntaxError("<name> or '...' expected")
			}
			if isVararg || !p.testNext(token.COMMA) {
				break
			}
		}
	}
	p.adjustLocalVars(nparams)
	f.NumParams = uint8(fs.nactvar)
	if isVararg {
		p.setVararg(int(f.NumParams)) // declared vararg
	}
	fs.reserveRegs(fs.nactvar) // reserve registers for parameters
}

// body parses a function body: '(' parlist ')' block END.
func (p *parser) body(e *expDesc, isMethod bool, line int) {
	newFS := &funcState{proto: p.addPrototype()}
	newFS.proto.LineDefined = line
	var bl blockCnt
	p.openFunc(newFS, &bl)
	p.checkNext(token.LPAREN)
	if isMethod {
		p.newLocalVar("self") // create 'self' parameter
		p.adjustLocalVars(1)
	}
	p.parList()
	p.checkNext(token.RPAREN)
	p.statList()
	newFS.proto.LastLineDefined = p.line
	p.checkMatch(token.END, token.FUNCTION, line)
	p.codeClosure(e)
	p.closeFunc()
}

// expList parses: expr { ',' expr }, returning the number of expressions.
func (p *parser) expList(v *expDesc) int {
	n := 1 // at least one expression
	p.expr(v)
	for p.testNext(token.COMMA) {
		p.fs.exp2NextReg(v)
		p.expr(v)
		n++
	}
	return n
}

// funcArgs parses the arguments of a call whose target function is in f.
func (p *parser) funcArgs(f *expDesc) {
	fs := p.fs
	var args expDesc
	line := p.line
	switch p.tok {
	case token.LPAREN: // funcargs -> '(' [ explist ] ')'
		p.next()
		if p.tok == token.RPAREN { // arg list is empty?
			args.kind = expVoid
		} else {
			p.expList(&args)
			if args.hasMultRet() {
				fs.setMultRet(&args)
			}
		}
		p.checkMatch(token.RPAREN, token.LPAREN, line)
	case token.LBRACE: // funcargs -> constructor
		p.constructor(&args)
	case token.STRING: // funcargs -> STRING
		args.initString(p.val.String)
		p.next() // must use the value before advancing
	default:
		p.syntaxError("function arguments expected")
	}
	base := f.info // base register for call
	var nparams int
	if args.hasMultRet() {
		nparams = multRet // open call
	} else {
		if args.kind != expVoid {
			fs.exp2NextReg(&args) // close last argument
		}
		nparams = int(fs.freeReg) - (base + 1)
	}
	f.init(expCall, fs.codeABC(code.OpCall, base, nparams+1, 2))
	fs.fixLine(line)
	// call removes function and arguments and leaves one result (unless
	// changed later)
	fs.freeReg = uint8(base + 1)
}

/*
** {======================================================================
** Expression parsing
** =======================================================================
 */

// primaryExp parses: NAME | '(' expr ')'.
func (p *parser) primaryExp(v *expDesc) {
	switch p.tok {
	case token.LPAREN:
		line := p.line
		p.next()
		p.expr(v)
		p.checkMatch(token.RPAREN, token.LPAREN, line)
		p.fs.dischargeVars(v)
	case token.IDENT:
		p.singleVar(v)
	default:
		p.syntaxError("unexpected symbol")
	}
}

// suffixedExp parses:
//
//	primaryexp { '.' NAME | '[' exp ']' | ':' NAME funcargs | funcargs }
func (p *parser) suffixedExp(v *expDesc) {
	fs := p.fs
	p.primaryExp(v)
	for {
		switch p.tok {
		case token.DOT: // fieldsel
			p.fieldSel(v)
		case token.LBRACK: // '[' exp ']'
			var key expDesc
			fs.exp2AnyRegUp(v)
			p.yIndex(&key)
			fs.indexed(v, &key)
		case token.COLON: // ':' NAME funcargs
			var key expDesc
			p.next()
			p.codeName(&key)
			fs.self(v, &key)
			p.funcArgs(v)
		case token.LPAREN, token.STRING, token.LBRACE: // funcargs
			fs.exp2NextReg(v)
			p.funcArgs(v)
		default:
			return
		}
	}
}

// simpleExp parses: FLT | INT | STRING | NIL | TRUE | FALSE | ... |
// constructor | FUNCTION body | suffixedexp.
func (p *parser) simpleExp(v *expDesc) {
	switch p.tok {
	case token.FLOAT:
		v.init(expKFlt, 0)
		v.fval = p.val.Float
	case token.INT:
		v.init(expKInt, 0)
		v.ival = p.val.Int
	case token.STRING:
		v.initString(p.val.String)
	case token.NIL:
		v.init(expNil, 0)
	case token.TRUE:
		v.init(expTrue, 0)
	case token.FALSE:
		v.init(expFalse, 0)
	case token.DOTDOTDOT: // vararg
		fs := p.fs
		p.checkCondition(fs.proto.IsVararg(),
			"cannot use '...' outside a vararg function")
		v.init(expVararg, fs.codeABC(code.OpVararg, 0, 0, 1))
	case token.LBRACE: // constructor
		p.constructor(v)
		return
	case token.FUNCTION:
		p.next()
		p.body(v, false, p.line)
		return
	default:
		p.suffixedExp(v)
		return
	}
	p.next()
}

// subExpr parses: (simpleexp | unop subexpr) { binop subexpr }, where
// binop is any binary operator with a priority higher than limit.
func (p *parser) subExpr(v *expDesc, limit int) binOpr {
	p.enterLevel()
	uop := getUnOpr(p.tok)
	if uop != oprNoUnOpr { // prefix (unary) operator?
		line := p.line
		p.next() // skip operator
		p.subExpr(v, unaryPriority)
		p.fs.prefix(uop, v, line)
	} else {
		p.simpleExp(v)
	}
	// expand while operators have priorities higher than limit
	op := getBinOpr(p.tok)
	for op != oprNoBinOpr && int(priority[op].left) > limit {
		var v2 expDesc
		line := p.line
		p.next() // skip operator
		p.fs.infix(op, v)
		// read sub-expression with higher priority
		nextOp := p.subExpr(&v2, int(priority[op].right))
		p.fs.posfix(op, v, &v2, line)
		op = nextOp
	}
	p.leaveLevel()
	return op // return first untreated operator
}

func (p *parser) expr(v *expDesc) {
	p.subExpr(v, 0)
}
