package lua

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectRecoversRaisedError(t *testing.T) {
	err := Protect(func() {
		Raise(runtimeError("boom"))
	})
	require.Error(t, err)
	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrRuntime, le.Kind)
	assert.Equal(t, "boom", le.Msg)
}

func TestProtectPassesThroughOnSuccess(t *testing.T) {
	ran := false
	err := Protect(func() {
		ran = true
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

// TestProtectRepanicsOnForeignPanic covers spec §7/§9: only *Error
// values raised via Raise are the language-level error channel; any
// other panic is a programming bug and must not be swallowed.
func TestProtectRepanicsOnForeignPanic(t *testing.T) {
	defer func() {
		r := recover()
		assert.Equal(t, "not a lua error", r)
	}()
	Protect(func() {
		panic("not a lua error")
	})
	t.Fatal("Protect should not have recovered a non-*Error panic")
}

func TestErrorMessageIncludesLocationWhenPresent(t *testing.T) {
	e := syntaxError(Location{Source: "chunk", Line: 5}, "unexpected symbol")
	assert.Equal(t, "chunk:5: syntax error: unexpected symbol", e.Error())
}

func TestErrorMessageOmitsLocationWhenAbsent(t *testing.T) {
	e := runtimeError("stack overflow")
	assert.Equal(t, "runtime error: stack overflow", e.Error())
}
