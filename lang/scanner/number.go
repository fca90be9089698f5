package scanner

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mna/nelumbo/lang/token"
)

// number scans a numeric literal, deciding between an integer and a float
// from the successful parse. Decimal integers that overflow become floats,
// hexadecimal integers wrap around.
func (s *Scanner) number() (tok token.Token, lit string, ival int64, fval float64) {
	startOff, startLine, startCol := s.off, s.line, s.col

	expo := [2]byte{'e', 'E'}
	if s.cur == '0' {
		s.advance()
		if s.advanceIf('x', 'X') {
			expo = [2]byte{'p', 'P'}
		}
	}
	for {
		if s.advanceIf(expo[0], expo[1]) {
			// exponent mark, optionally signed
			s.advanceIf('-', '+')
			continue
		}
		if isHexadecimal(s.cur) || s.cur == '.' {
			s.advance()
			continue
		}
		break
	}
	if isLetter(s.cur) {
		// numeral must not be followed by a letter
		for isLetter(s.cur) || isDigit(s.cur) {
			s.advance()
		}
		lit = string(s.src[startOff:s.off])
		s.errorf(startLine, startCol, "malformed number near '%s'", lit)
		return token.INT, lit, 0, 0
	}

	lit = string(s.src[startOff:s.off])
	tok, ival, fval = convertNumber(lit)
	if tok == token.ILLEGAL {
		s.errorf(startLine, startCol, "malformed number near '%s'", lit)
		return token.INT, lit, 0, 0
	}
	return tok, lit, ival, fval
}

// convertNumber parses a scanned numeral, returning ILLEGAL if it is not a
// valid number.
func convertNumber(lit string) (tok token.Token, ival int64, fval float64) {
	if len(lit) > 2 && lit[0] == '0' && (lit[1] == 'x' || lit[1] == 'X') {
		return convertHexNumber(lit)
	}
	if !strings.ContainsAny(lit, ".eE") {
		v, err := strconv.ParseInt(lit, 10, 64)
		if err == nil {
			return token.INT, v, 0
		}
		if !errors.Is(err, strconv.ErrRange) {
			return token.ILLEGAL, 0, 0
		}
		// decimal integer constants that overflow read as floats
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return token.ILLEGAL, 0, 0
	}
	return token.FLOAT, 0, f
}

func convertHexNumber(lit string) (tok token.Token, ival int64, fval float64) {
	digits := lit[2:]
	if !strings.ContainsAny(digits, ".pP") {
		// hexadecimal integer, wraps around on overflow
		if digits == "" {
			return token.ILLEGAL, 0, 0
		}
		var v uint64
		for i := 0; i < len(digits); i++ {
			d := digitVal(rune(digits[i]))
			if d >= 16 {
				return token.ILLEGAL, 0, 0
			}
			v = v*16 + uint64(d)
		}
		return token.INT, int64(v), 0
	}

	// hexadecimal float; the exponent is optional in the source but required
	// by strconv.
	if !strings.ContainsAny(digits, "pP") {
		lit += "p0"
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return token.ILLEGAL, 0, 0
	}
	return token.FLOAT, 0, f
}

func isDecimal(rn rune) bool {
	return '0' <= rn && rn <= '9'
}

func isHexadecimal(rn rune) bool {
	return isDecimal(rn) ||
		'a' <= rn && rn <= 'f' ||
		'A' <= rn && rn <= 'F'
}
