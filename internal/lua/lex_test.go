package lua

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileErr(t *testing.T, src string) error {
	t.Helper()
	g := NewGlobalState(nil, nil)
	done := false
	reader := func() ([]byte, error) {
		if done {
			return nil, nil
		}
		done = true
		return []byte(src), nil
	}
	_, err := Compile(g, "test", reader)
	return err
}

// firstStringConstant returns the first string among a prototype's
// constants, for tests that only care about one string literal.
func firstStringConstant(t *testing.T, proto *Prototype) string {
	t.Helper()
	for _, k := range proto.Constants {
		if k.Tag().IsString() {
			return k.AsString().String()
		}
	}
	t.Fatal("no string constant found")
	return ""
}

// TestStringEscapeEmbeddedNUL covers spec §8's boundary case: a string
// literal with an embedded NUL byte round-trips with its full length
// intact, since Lua strings are length-prefixed rather than
// NUL-terminated.
func TestStringEscapeEmbeddedNUL(t *testing.T) {
	proto := compileSource(t, `return "a\0b"`)
	s := firstStringConstant(t, proto)
	require.Len(t, s, 3)
	assert.Equal(t, byte(0), s[1])
	assert.Equal(t, "a", s[:1])
	assert.Equal(t, "b", s[2:])
}

// TestLongBracketMismatchedLevelIsContent covers spec §4.6/§8: a long
// bracket closer whose `=` count doesn't match its opener is ordinary
// content, not the end of the string.
func TestLongBracketMismatchedLevelIsContent(t *testing.T) {
	proto := compileSource(t, "return [==[a]=]b]==]")
	s := firstStringConstant(t, proto)
	assert.Equal(t, "a]=]b", s)
}

// TestLongBracketElidesLeadingNewline covers spec §4.6: a long string
// opener immediately followed by a newline has that newline dropped.
func TestLongBracketElidesLeadingNewline(t *testing.T) {
	proto := compileSource(t, "return [[\nhello]]")
	s := firstStringConstant(t, proto)
	assert.Equal(t, "hello", s)
}

// TestUnicodeEscapeMaxCodepoint covers spec §8's boundary case:
// \u{10FFFF} is the largest codepoint Lua accepts, encoding to the
// maximal 4-byte UTF-8 sequence.
func TestUnicodeEscapeMaxCodepoint(t *testing.T) {
	proto := compileSource(t, `return "\u{10FFFF}"`)
	s := firstStringConstant(t, proto)
	require.Len(t, s, 4)
	assert.Equal(t, []byte{0xF4, 0x8F, 0xBF, 0xBF}, []byte(s))
}

// TestUnicodeEscapeRejectsOverlarge covers spec §8: \u{110000} exceeds
// the codepoint range Lua's \u{} escape accepts and must be a syntax
// error rather than silently truncated or wrapped.
func TestUnicodeEscapeRejectsOverlarge(t *testing.T) {
	err := compileErr(t, `return "\u{110000}"`)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "UTF-8") || strings.Contains(err.Error(), "too large"))
}

// TestDecimalEscapeThreeDigits covers \ddd's up-to-3-digit decimal
// byte escape.
func TestDecimalEscapeThreeDigits(t *testing.T) {
	proto := compileSource(t, `return "\65\066a"`)
	s := firstStringConstant(t, proto)
	assert.Equal(t, "ABa", s)
}

// TestHexEscapeExactlyTwoDigits covers \xHH requiring exactly 2 hex
// digits.
func TestHexEscapeExactlyTwoDigits(t *testing.T) {
	proto := compileSource(t, `return "\x41\x42"`)
	s := firstStringConstant(t, proto)
	assert.Equal(t, "AB", s)
}

func newLexer(t *testing.T, src string) *Lexer {
	t.Helper()
	g := NewGlobalState(nil, nil)
	done := false
	reader := func() ([]byte, error) {
		if done {
			return nil, nil
		}
		done = true
		return []byte(src), nil
	}
	return NewLexer(g, "test", reader)
}

// TestTokenRoundTrip covers spec §8's round-trip law: lexing a token's
// source spelling and re-reading it yields the same kind and value,
// for each of names, strings, integers and floats.
func TestTokenRoundTrip(t *testing.T) {
	cases := []struct {
		src  string
		kind TokenKind
	}{
		{"foobar", TokName},
		{`"hello"`, TokString},
		{"42", TokInt},
		{"3.5", TokFloat},
	}
	for _, c := range cases {
		tok := newLexer(t, c.src).Next()
		assert.Equal(t, c.kind, tok.Kind, "spelling %q", c.src)
	}

	assert.Equal(t, int64(42), newLexer(t, "42").Next().Int)
	assert.Equal(t, 3.5, newLexer(t, "3.5").Next().Float)
	assert.Equal(t, "hello", newLexer(t, `"hello"`).Next().Str.String())
	assert.Equal(t, "foobar", newLexer(t, "foobar").Next().Str.String())
}

// TestZEscapeSkipsFollowingWhitespace covers \z: it and any run of
// whitespace (including newlines) immediately following it are
// dropped from the string.
func TestZEscapeSkipsFollowingWhitespace(t *testing.T) {
	proto := compileSource(t, "return \"a\\z\n   \n\tb\"")
	s := firstStringConstant(t, proto)
	assert.Equal(t, "ab", s)
}
