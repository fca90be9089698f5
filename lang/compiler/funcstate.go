package compiler

import (
	"strconv"

	"github.com/dolthub/swiss"
	"github.com/mna/nelumbo/lang/code"
)

// maximum number of local variables per function (must be smaller than
// 250, and kept low to fit registers comfortably).
const maxVars = 200

// maximum number of upvalues per function (must fit in one byte).
const maxUpvals = 255

// varDesc is the description of an active variable. A global declaration
// entry with an empty name represents a collective ('*') declaration.
type varDesc struct {
	name string
	kind code.VarKind
	ridx uint8      // register holding the variable
	pidx int        // index of the variable in the prototype's LocVars
	k    code.Value // value of a compile-time constant
}

// inReg returns true if the variable lives in a register.
func (v *varDesc) inReg() bool { return v.kind <= code.ToCloseVar }

// global returns true if the variable is a global declaration entry.
func (v *varDesc) global() bool { return v.kind >= code.GlobalVar }

// labelDesc describes a pending goto statement or a label.
type labelDesc struct {
	name       string
	pc         int // position in code
	line       int // line where it appeared
	nactvar    int // number of active variables in that position
	needsClose bool // true for a goto that escapes upvalues
}

// dynData holds the dynamic structures shared by all nested function states
// of a single compilation.
type dynData struct {
	actVar []varDesc   // active variable declarations
	gotos  []labelDesc // pending gotos
	labels []labelDesc // active labels
}

// kinds of blocks, for the isLoop field.
const (
	blockRegular      = iota // not a loop
	blockLoop                // a loop body
	blockLoopHasBreak        // a loop body with pending breaks
)

// blockCnt is the control of an active syntactic block.
type blockCnt struct {
	prev       *blockCnt // chain of enclosing blocks
	firstLabel int       // index of first label in this block
	firstGoto  int       // index of first pending goto in this block
	nactvar    int       // # of active variables outside the block
	upval      bool      // true if some variable in the block is an upvalue
	isLoop     uint8     // loop kind of this block
	insideTBC  bool      // true if inside the scope of a to-be-closed variable
}

// funcState is the state needed to generate code for a given function; the
// states of nested functions form a stack, linked by prev.
type funcState struct {
	proto  *code.Prototype // current function header
	prev   *funcState      // enclosing function
	p      *parser         // parser driving the compilation
	blocks *blockCnt       // chain of current blocks

	lastTarget   int   // 'label' of the last jump target
	previousLine int   // last line saved in line info
	iwthabs      uint8 // instructions issued since last absolute line info

	freeReg   uint8 // first free register
	needClose bool  // function needs to close upvalues when returning

	firstLocal int // index of first local of this function in actVar
	firstLabel int // index of first label of this function
	nactvar    int // number of active variable declarations

	kcache *swiss.Map[constKey, int] // constant deduplication cache
}

// checkLimit raises a "too many ..." error when v exceeds limit l.
func (fs *funcState) checkLimit(v, l int, what string) {
	if v > l {
		fs.errorLimit(l, what)
	}
}

func (fs *funcState) errorLimit(limit int, what string) {
	where := "main function"
	if fs.proto.LineDefined != 0 {
		where = "function at line " + strconv.Itoa(fs.proto.LineDefined)
	}
	fs.p.semErrorNoNear("too many %s (limit is %d) in %s", what, limit, where)
}

// localVarDesc returns the variable description of the variable with the
// given compiler index. Goto resolution at block exit may refer to levels
// just removed from the active list; those entries are still present in the
// slice's backing array (the list only ever shrinks at block exit, and the
// backing array only ever grows), so the lookup re-extends the slice as
// needed.
func (fs *funcState) localVarDesc(vidx int) *varDesc {
	av := fs.p.dyd.actVar
	if idx := fs.firstLocal + vidx; idx >= len(av) {
		return &av[:idx+1][idx]
	}
	return &av[fs.firstLocal+vidx]
}

// regLevel converts a compiler index level to its corresponding register:
// it searches for the highest variable below that level that is in a
// register and uses its register index plus one.
func (fs *funcState) regLevel(nvar int) uint8 {
	for nvar--; nvar >= 0; nvar-- {
		vd := fs.localVarDesc(nvar) // get previous variable
		if vd.inReg() {             // is in a register?
			return vd.ridx + 1
		}
	}
	return 0 // no variables in registers
}

// nvarStack returns the number of variables in the register stack for the
// current function.
func (fs *funcState) nvarStack() uint8 {
	return fs.regLevel(fs.nactvar)
}

// localDebugInfo returns the debug-information entry for the variable with
// the given compiler index, or nil for variables with no debug info
// (compile-time constants).
func (fs *funcState) localDebugInfo(vidx int) *code.LocVar {
	vd := fs.localVarDesc(vidx)
	if !vd.inReg() {
		return nil // no debug info for constants
	}
	return &fs.proto.LocVars[vd.pidx]
}

// initVar creates an expression representing the variable with compiler
// index vidx.
func (fs *funcState) initVar(e *expDesc, vidx int) {
	e.f, e.t = code.NoJump, code.NoJump
	e.kind = expLocal
	e.vidx = vidx
	e.ridx = fs.localVarDesc(vidx).ridx
}

// registerLocalVar registers a local variable in the prototype's debug
// information and returns its index there.
func (fs *funcState) registerLocalVar(varname string) int {
	f := fs.proto
	fs.checkLimit(len(f.LocVars)+1, maxVars, "local variables")
	f.LocVars = append(f.LocVars, code.LocVar{
		Name:    varname,
		StartPC: fs.pc(),
	})
	return len(f.LocVars) - 1
}

// removeVars closes the scope for all variables up to level toLevel,
// recording their end of scope in the debug information.
func (fs *funcState) removeVars(toLevel int) {
	fs.p.dyd.actVar = fs.p.dyd.actVar[:len(fs.p.dyd.actVar)-(fs.nactvar-toLevel)]
	for fs.nactvar > toLevel {
		fs.nactvar--
		if v := fs.localDebugInfo(fs.nactvar); v != nil {
			v.EndPC = fs.pc()
		}
	}
}

// searchUpvalue searches the upvalues of the function for one with the
// given name, returning -1 when not found.
func (fs *funcState) searchUpvalue(name string) int {
	for i, up := range fs.proto.Upvals {
		if up.Name == name {
			return i
		}
	}
	return -1
}

func (fs *funcState) allocUpvalue() *code.UpvalDesc {
	fs.checkLimit(len(fs.proto.Upvals)+1, maxUpvals, "upvalues")
	fs.proto.Upvals = append(fs.proto.Upvals, code.UpvalDesc{})
	return &fs.proto.Upvals[len(fs.proto.Upvals)-1]
}

// newUpvalue creates a new upvalue named name capturing the variable
// described by v in the enclosing function.
func (fs *funcState) newUpvalue(name string, v *expDesc) int {
	up := fs.allocUpvalue()
	prev := fs.prev
	if v.kind == expLocal {
		up.InStack = true
		up.Index = v.ridx
		up.Kind = prev.localVarDesc(v.vidx).kind
	} else {
		up.InStack = false
		up.Index = uint8(v.info)
		up.Kind = prev.proto.Upvals[v.info].Kind
	}
	up.Name = name
	return len(fs.proto.Upvals) - 1
}

// searchVar looks for an active variable with the given name in the
// function. If found, it initializes v with it and returns its expression
// kind; otherwise it returns expVoid. While searching, v.info==-1 means
// that the preambular global declaration is active (the default while
// there is no other global declaration); v.info==-2 means there is no
// active collective declaration (some previous global declaration but no
// collective one); and v.info>=0 points to the inner-most (first found)
// collective declaration.
func (fs *funcState) searchVar(name string, v *expDesc) expKind {
	for i := fs.nactvar - 1; i >= 0; i-- {
		vd := fs.localVarDesc(i)
		if vd.global() { // global declaration?
			if vd.name == "" { // collective declaration?
				if v.info < 0 { // no previous collective declaration?
					v.info = fs.firstLocal + i // this is the first one
				}
			} else if vd.name == name { // global name found?
				v.init(expGlobal, fs.firstLocal+i)
				return expGlobal
			} else if v.info == -1 { // active preambular declaration?
				v.info = -2 // invalidate preambular declaration
			}
		} else if vd.name == name { // found?
			if vd.kind == code.CompileTimeConst { // compile-time constant?
				v.init(expConst, fs.firstLocal+i)
			} else { // real local variable
				fs.initVar(v, i)
			}
			return v.kind
		}
	}
	return expVoid // not found
}

// markUpval marks the block where the variable at the given level was
// defined, so that a close instruction is emitted when the block exits.
func (fs *funcState) markUpval(level int) {
	bl := fs.blocks
	for bl.nactvar > level {
		bl = bl.prev
	}
	bl.upval = true
	fs.needClose = true
}

// markToBeClosed marks that the current block has a to-be-closed variable.
func (fs *funcState) markToBeClosed() {
	bl := fs.blocks
	bl.upval = true
	bl.insideTBC = true
	fs.needClose = true
}

// singleVarAux finds the variable with the given name, walking outward from
// the current function. If it is an upvalue of an enclosing function, the
// upvalue is added to all intermediate functions. If it is a global, v is
// left as expGlobal.
func (fs *funcState) singleVarAux(name string, v *expDesc, base bool) {
	k := fs.searchVar(name, v) // look up variables at current level
	if k != expVoid {          // found?
		if k == expLocal && !base {
			fs.markUpval(v.vidx) // local will be used as an upvalue
		}
		return
	}
	// not found at current level; try upvalues
	idx := fs.searchUpvalue(name)
	if idx < 0 { // not found?
		if fs.prev != nil { // more levels?
			fs.prev.singleVarAux(name, v, false) // try upper levels
		}
		if v.kind == expLocal || v.kind == expUpval { // local or upvalue?
			idx = fs.newUpvalue(name, v) // will be a new upvalue
		} else { // it is a global or a constant
			return // don't need to do anything at this level
		}
	}
	v.init(expUpval, idx) // new or old upvalue
}

// constValue returns the value of the compile-time constant expression e.
func (fs *funcState) constValue(e *expDesc) code.Value {
	return fs.p.dyd.actVar[e.info].k
}

// exp2Const evaluates a constant expression to its value, returning false
// if the expression is not a compile-time constant.
func (fs *funcState) exp2Const(e *expDesc) (code.Value, bool) {
	if e.hasJumps() {
		return nil, false
	}
	switch e.kind {
	case expFalse:
		return false, true
	case expTrue:
		return true, true
	case expNil:
		return nil, true
	case expKStr:
		return e.sval, true
	case expConst:
		return fs.constValue(e), true
	default:
		return e.isNumeral()
	}
}

// solveGotos traverses the pending gotos of a finishing block, checking
// whether each matches some label of that block. Those that do not match
// are "exported" to the outer block to be solved there; in particular,
// their active-variables level is updated to the level of the outer block,
// as the variables of the inner block are now out of scope.
func (fs *funcState) solveGotos(bl *blockCnt) {
	dyd := fs.p.dyd
	outLevel := int(fs.regLevel(bl.nactvar)) // level outside the block
	igt := bl.firstGoto                      // first goto in the finishing block
	for igt < len(dyd.gotos) {
		gt := &dyd.gotos[igt]
		// search for a matching label in the current block
		lb := fs.p.findLabel(gt.name, bl.firstLabel)
		if lb != nil {
			fs.p.closeGoto(igt, lb, bl.upval) // close and remove goto
		} else {
			// block has variables to be closed and goto escapes the scope of
			// some variable?
			if bl.upval && int(fs.regLevel(gt.nactvar)) > outLevel {
				gt.needsClose = true // jump may need a close
			}
			gt.nactvar = bl.nactvar // correct level for outer block
			igt++
		}
	}
	dyd.labels = dyd.labels[:bl.firstLabel] // remove local labels
}

// enterBlock opens a new block of the given loop kind.
func (fs *funcState) enterBlock(bl *blockCnt, isLoop uint8) {
	bl.isLoop = isLoop
	bl.nactvar = fs.nactvar
	bl.firstLabel = len(fs.p.dyd.labels)
	bl.firstGoto = len(fs.p.dyd.gotos)
	bl.upval = false
	// inherit insideTBC from enclosing block
	bl.insideTBC = fs.blocks != nil && fs.blocks.insideTBC
	bl.prev = fs.blocks
	fs.blocks = bl
}

// leaveBlock closes the current block, closing its upvalues, removing its
// variables, fixing its pending breaks and solving its gotos.
func (fs *funcState) leaveBlock() {
	bl := fs.blocks
	stkLevel := int(fs.regLevel(bl.nactvar)) // level outside the block
	if bl.prev != nil && bl.upval {          // need a 'close'?
		fs.codeABC(code.OpClose, stkLevel, 0, 0)
	}
	fs.freeReg = uint8(stkLevel) // free registers
	fs.removeVars(bl.nactvar)    // remove block locals
	if bl.isLoop == blockLoopHasBreak {
		fs.p.createLabel(breakName, 0, false) // close pending breaks
	}
	fs.solveGotos(bl)
	if bl.prev == nil { // was it the last block?
		if bl.firstGoto < len(fs.p.dyd.gotos) { // still pending gotos?
			fs.p.undefGoto(&fs.p.dyd.gotos[bl.firstGoto]) // error
		}
	}
	fs.blocks = bl.prev
}
