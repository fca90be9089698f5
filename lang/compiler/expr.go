package compiler

import "github.com/mna/nelumbo/lang/code"

// Code generation for variables and expressions can be delayed to allow
// optimizations. An expDesc describes a potentially-delayed variable or
// expression: it has a description of its "main" value plus two lists of
// conditional jumps that can also produce its value (generated by the
// short-circuit operators 'and'/'or').
type expKind uint8

const (
	// when an expDesc describes the last expression of a list, this kind
	// means an empty list (so, no expression)
	expVoid expKind = iota
	expNil          // constant nil
	expTrue         // constant true
	expFalse        // constant false
	// constant in the prototype's constants; info = index of constant
	expK
	expKFlt // float constant; fval = value
	expKInt // integer constant; ival = value
	expKStr // string constant; sval = value
	// expression has its value in a fixed register; info = result register
	expNonReloc
	// local variable; ridx = register index, vidx = relative index in the
	// active-variables array
	expLocal
	// global variable; info = absolute index in the active-variables array,
	// or -1 while the preambular global declaration is active, or -2 when no
	// collective declaration is active
	expGlobal
	// upvalue variable; info = index of upvalue in the prototype's upvalues
	expUpval
	// compile-time <const> variable; info = absolute index in the
	// active-variables array
	expConst
	// indexed variable; treg = table register, idx = key register, ro = true
	// for a read-only global, keyStr = index in constants of the string key
	// or -1 if the key is not a string
	expIndexed
	// indexed upvalue; treg = table upvalue, idx = key's constant index
	expIndexUp
	// indexed variable with a constant integer key; treg = table register,
	// idx = key value
	expIndexI
	// indexed variable with a literal string key; treg = table register,
	// idx = key's constant index
	expIndexStr
	// expression is a test/comparison; info = pc of corresponding jump
	expJump
	// expression can put result in any register; info = instruction pc
	expReloc
	// expression is a function call; info = instruction pc
	expCall
	// vararg expression; info = instruction pc
	expVararg
)

// an expression kind that denotes a variable (that can be assigned to)
func (k expKind) isVar() bool { return expLocal <= k && k <= expIndexStr }

// an expression kind that denotes an indexed access
func (k expKind) isIndexed() bool { return expIndexed <= k && k <= expIndexStr }

type expDesc struct {
	kind expKind

	ival int64   // for expKInt
	fval float64 // for expKFlt
	sval string  // for expKStr
	info int     // generic use (register, pc, constant or variable index)

	// for indexed variables
	treg   uint8 // table register or upvalue index
	idx    int   // key register, constant index or integer value
	ro     bool  // true if the expression is a read-only global
	keyStr int   // index in constants of the string key, -1 if not a string

	// for local variables
	ridx uint8 // register holding the variable
	vidx int   // index in the active-variables array

	t int // patch list of "exit when true"
	f int // patch list of "exit when false"
}

func (e *expDesc) init(k expKind, info int) {
	e.kind = k
	e.info = info
	e.t = code.NoJump
	e.f = code.NoJump
}

func (e *expDesc) initString(s string) {
	e.kind = expKStr
	e.sval = s
	e.t = code.NoJump
	e.f = code.NoJump
}

// hasJumps returns true if the expression has pending condition jumps (note
// that expressions of kind expJump also have jumps).
func (e *expDesc) hasJumps() bool { return e.t != e.f }

// hasMultRet returns true for expressions that may produce multiple values.
func (e *expDesc) hasMultRet() bool { return e.kind == expCall || e.kind == expVararg }

// isNumeral reports whether the expression is a numeric literal with no
// pending jumps, and returns its value.
func (e *expDesc) isNumeral() (code.Value, bool) {
	if e.hasJumps() {
		return nil, false
	}
	switch e.kind {
	case expKInt:
		return e.ival, true
	case expKFlt:
		return e.fval, true
	}
	return nil, false
}

// isKInt reports whether the expression is an integer literal with no
// pending jumps.
func (e *expDesc) isKInt() bool {
	return e.kind == expKInt && !e.hasJumps()
}

// isCInt reports whether the expression is an integer literal that fits in
// the (unsigned) C operand.
func (e *expDesc) isCInt() bool {
	return e.isKInt() && uint64(e.ival) <= uint64(code.MaxArgC)
}

// isSCInt reports whether the expression is an integer literal that fits in
// the signed C operand.
func (e *expDesc) isSCInt() bool {
	return e.isKInt() && fitsC(e.ival)
}

// isSCNumber reports whether the expression is an integer or integral float
// literal that fits in a signed B/C operand; it returns the encoded operand
// and whether the original value was a float.
func (e *expDesc) isSCNumber() (op int, isFloat, ok bool) {
	var i int64
	switch {
	case e.kind == expKInt:
		i = e.ival
	case e.kind == expKFlt:
		var cvt bool
		if i, cvt = floatToInt(e.fval); !cvt {
			return 0, false, false
		}
		isFloat = true
	default:
		return 0, false, false
	}
	if !e.hasJumps() && fitsC(i) {
		return code.Int2SC(int(i)), isFloat, true
	}
	return 0, false, false
}

// fitsC returns true if i can be stored in an sC operand.
func fitsC(i int64) bool {
	return uint64(i)+code.OffsetSC <= uint64(code.MaxArgC)
}

// fitsBx returns true if i can be stored in an sBx operand.
func fitsBx(i int64) bool {
	return -code.OffsetSBx <= i && i <= code.MaxArgBx-code.OffsetSBx
}

// const2exp converts a constant value to an expression description.
func const2exp(v code.Value, e *expDesc) {
	switch v := v.(type) {
	case nil:
		e.kind = expNil
	case bool:
		if v {
			e.kind = expTrue
		} else {
			e.kind = expFalse
		}
	case int64:
		e.kind = expKInt
		e.ival = v
	case float64:
		e.kind = expKFlt
		e.fval = v
	case string:
		e.kind = expKStr
		e.sval = v
	}
}
