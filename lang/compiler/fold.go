package compiler

import (
	"math"

	"github.com/mna/nelumbo/lang/code"
)

// arithOp identifies a foldable operation. The first values match the order
// of the binary operators (and of the opcodes).
type arithOp uint8

const (
	arithAdd arithOp = iota
	arithSub
	arithMul
	arithMod
	arithPow
	arithDiv
	arithIDiv
	arithBAnd
	arithBOr
	arithBXor
	arithShl
	arithShr
	arithUnm
	arithBNot
)

// floatToInt converts a float to an integer if it has an exact integer
// value in range.
func floatToInt(f float64) (int64, bool) {
	if f != math.Floor(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	// 2^63 is exactly representable; anything >= it (or < -2^63) overflows
	if f >= float64(uint64(1)<<63) || f < -float64(uint64(1)<<63) {
		return 0, false
	}
	return int64(f), true
}

// toInteger converts a numeric value to an integer using the exact
// conversion rule (floats must have an integral value in range).
func toInteger(v code.Value) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case float64:
		return floatToInt(v)
	}
	return 0, false
}

// toFloat converts a numeric value to a float.
func toFloat(v code.Value) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// isZero returns true if v is a numeric zero (of either type).
func isZero(v code.Value) bool {
	switch v := v.(type) {
	case int64:
		return v == 0
	case float64:
		return v == 0
	}
	return false
}

// validArith returns false if folding the operation could raise an error:
// bitwise operations need operands convertible to integers, division
// operations cannot have 0 as divisor.
func validArith(op arithOp, v1, v2 code.Value) bool {
	switch op {
	case arithBAnd, arithBOr, arithBXor, arithShl, arithShr, arithBNot:
		_, ok1 := toInteger(v1)
		_, ok2 := toInteger(v2)
		return ok1 && ok2
	case arithDiv, arithIDiv, arithMod:
		return !isZero(v2)
	}
	return true
}

// intArith performs an integer operation with wrap-around semantics.
func intArith(op arithOp, a, b int64) int64 {
	switch op {
	case arithAdd:
		return a + b
	case arithSub:
		return a - b
	case arithMul:
		return a * b
	case arithMod:
		r := a % b
		if r != 0 && (r^b) < 0 { // result has wrong sign?
			r += b // correct for floor division semantics
		}
		return r
	case arithIDiv:
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q-- // correct for floor division semantics
		}
		return q
	case arithBAnd:
		return a & b
	case arithBOr:
		return a | b
	case arithBXor:
		return a ^ b
	case arithShl:
		return shiftLeft(a, b)
	case arithShr:
		return shiftLeft(a, -b)
	case arithUnm:
		return -a
	case arithBNot:
		return ^a
	}
	panic("unreachable")
}

// shiftLeft shifts a left by b bits (right when b is negative); shifts by
// 64 bits or more produce 0.
func shiftLeft(a, b int64) int64 {
	if b < 0 {
		if b <= -64 {
			return 0
		}
		return int64(uint64(a) >> uint(-b))
	}
	if b >= 64 {
		return 0
	}
	return a << uint(b)
}

// floatArith performs a float operation.
func floatArith(op arithOp, a, b float64) float64 {
	switch op {
	case arithAdd:
		return a + b
	case arithSub:
		return a - b
	case arithMul:
		return a * b
	case arithDiv:
		return a / b
	case arithPow:
		return math.Pow(a, b)
	case arithIDiv:
		return math.Floor(a / b)
	case arithMod:
		r := math.Mod(a, b)
		if r*b < 0 { // result has wrong sign?
			r += b // correct for floor division semantics
		}
		return r
	case arithUnm:
		return -a
	}
	panic("unreachable")
}

// rawArith performs a raw arithmetic or bitwise operation over numeric
// values, applying the usual conversion rules. It returns false if the
// operation does not apply to the operand types.
func rawArith(op arithOp, v1, v2 code.Value) (code.Value, bool) {
	switch op {
	case arithBAnd, arithBOr, arithBXor, arithShl, arithShr, arithBNot:
		// operate only on integers
		i1, ok1 := toInteger(v1)
		i2, ok2 := toInteger(v2)
		if !ok1 || !ok2 {
			return nil, false
		}
		return intArith(op, i1, i2), true
	case arithDiv, arithPow:
		// operate only on floats
		f1, ok1 := toFloat(v1)
		f2, ok2 := toFloat(v2)
		if !ok1 || !ok2 {
			return nil, false
		}
		return floatArith(op, f1, f2), true
	default:
		i1, isInt1 := v1.(int64)
		i2, isInt2 := v2.(int64)
		if isInt1 && isInt2 {
			return intArith(op, i1, i2), true
		}
		f1, ok1 := toFloat(v1)
		f2, ok2 := toFloat(v2)
		if !ok1 || !ok2 {
			return nil, false
		}
		return floatArith(op, f1, f2), true
	}
}

// constFolding tries to "constant-fold" an operation; it returns true iff
// successful, in which case e1 holds the final result.
func constFolding(op arithOp, e1, e2 *expDesc) bool {
	v1, ok1 := e1.isNumeral()
	v2, ok2 := e2.isNumeral()
	if !ok1 || !ok2 || !validArith(op, v1, v2) {
		return false // non-numeric operands or not safe to fold
	}
	res, ok := rawArith(op, v1, v2)
	if !ok {
		return false
	}
	switch res := res.(type) {
	case int64:
		e1.kind = expKInt
		e1.ival = res
	case float64:
		// folds neither NaN nor 0.0 (to avoid problems with -0.0)
		if math.IsNaN(res) || res == 0 {
			return false
		}
		e1.kind = expKFlt
		e1.fval = res
	}
	return true
}
