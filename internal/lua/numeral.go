package lua

import (
	"math"
	"strconv"
	"strings"
)

// parseNumeral converts a numeral's raw spelling (as scanned by
// lex.go's readNumeral) into either an integer or a float Value,
// following lobject.c's str2d/str2int split (spec §4.6): hex integers
// with no '.'/'p' wrap on overflow per Lua's two's-complement integer
// semantics instead of promoting to float, everything else goes
// through float parsing and is narrowed back to integer only for pure
// decimal integer literals that fit.
func parseNumeral(s string) (Value, bool) {
	if looksHex(s) {
		return parseHexNumeral(s)
	}
	if isPureDecimalInteger(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return IntValue(n), true
		}
		// Overflows int64: Lua falls back to float for decimal
		// integer literals that don't fit (str2d's behavior).
	}
	f, ok := parseFloat(s)
	if !ok {
		return Value{}, false
	}
	return FloatValue(f), true
}

func looksHex(s string) bool {
	return len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func isPureDecimalInteger(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseHexNumeral handles "0x" literals: plain hex integers wrap
// mod 2^64 on overflow (lobject.c's lua_str2int does this with
// explicit unsigned accumulation rather than rejecting); a literal
// with a fractional part or a 'p' exponent is a hex float instead,
// which Go's strconv already parses with ParseFloat's "0x1p0" syntax.
func parseHexNumeral(s string) (Value, bool) {
	body := s[2:]
	if strings.ContainsAny(body, ".pP") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, false
		}
		return FloatValue(f), true
	}
	if body == "" {
		return Value{}, false
	}
	var acc uint64
	for i := 0; i < len(body); i++ {
		d, ok := hexDigit(body[i])
		if !ok {
			return Value{}, false
		}
		acc = acc*16 + uint64(d) // wraps on overflow, matching lua_str2int
	}
	return IntValue(int64(acc)), true
}

func hexDigit(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

// parseFloat covers decimal floats with optional fraction/exponent;
// Go's strconv.ParseFloat already implements the same grammar llex.c
// builds by hand, decimal-separator retry included (we always use
// '.', sidestepping the locale-retry quirk entirely since Go's parser
// is locale-independent).
func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if err2, ok := err.(*strconv.NumError); ok && err2.Err == strconv.ErrRange {
			if math.IsInf(f, 0) {
				return f, true
			}
		}
		return 0, false
	}
	return f, true
}
