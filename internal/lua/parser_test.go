package lua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileSource(t *testing.T, src string) *Prototype {
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
	proto, err := Compile(g, "test", reader)
	require.NoError(t, err)
	return proto
}

// TestConstantFolding covers spec §8 scenario 1: `local a = 1 + 2
// return a` folds to a single constant 3 at compile time, with no
// OpAdd instruction emitted.
func TestConstantFolding(t *testing.T) {
	proto := compileSource(t, "local a = 1 + 2 return a")

	require.Len(t, proto.Constants, 1)
	assert.Equal(t, int64(3), proto.Constants[0].AsInt())

	for _, ins := range proto.Code {
		assert.NotEqual(t, OpAdd, ins.Op, "addition should have folded at compile time")
	}

	foundReturn := false
	for _, ins := range proto.Code {
		if ins.Op == OpReturn {
			foundReturn = true
		}
	}
	assert.True(t, foundReturn)
}

// TestUpvalueSharedAcrossClosure covers the static half of spec §8
// scenario 4: the inner closure captures the outer local `x` as a
// single upvalue referencing the enclosing stack frame.
func TestUpvalueSharedAcrossClosure(t *testing.T) {
	proto := compileSource(t, `
		function f()
			local x = 1
			return function()
				x = x + 1
				return x
			end
		end
	`)

	require.Len(t, proto.Protos, 1, "top level should define one nested prototype for f")
	fProto := proto.Protos[0]
	require.Len(t, fProto.Protos, 1, "f should define one nested prototype for the inner closure")
	inner := fProto.Protos[0]

	require.Len(t, inner.Upvalues, 1)
	assert.Equal(t, "x", inner.Upvalues[0].Name.String())
	assert.True(t, inner.Upvalues[0].InStack, "x is captured directly off f's stack frame")
}

// TestGotoIntoLocalScopeIsSyntaxError covers spec §8 scenario 6:
// jumping into a local variable's scope is rejected at compile time.
func TestGotoIntoLocalScopeIsSyntaxError(t *testing.T) {
	g := NewGlobalState(nil, nil)
	src := "goto L; local x = 1; ::L::"
	done := false
	reader := func() ([]byte, error) {
		if done {
			return nil, nil
		}
		done = true
		return []byte(src), nil
	}
	_, err := Compile(g, "test", reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope of a local variable")
}

// TestMultiretCallArgumentExpansion ensures a trailing call argument
// expands all of its results ("to top") instead of just one, the bug
// fixed alongside returnStat's MULTRET propagation.
func TestMultiretCallArgumentExpansion(t *testing.T) {
	proto := compileSource(t, "return select(g())")

	var calls []Instruction
	for _, ins := range proto.Code {
		if ins.Op == OpCall {
			calls = append(calls, ins)
		}
	}
	require.Len(t, calls, 2, "expected CALL instructions for both g() and select(...)")
	assert.Equal(t, int32(0), calls[0].C, "g()'s results must all flow into select's argument list")
}

// TestReturnPropagatesMultiret covers `return f()`: the trailing call
// must propagate all of its results via OpReturn's B=0 sentinel.
func TestReturnPropagatesMultiret(t *testing.T) {
	proto := compileSource(t, "return f()")

	var ret *Instruction
	for i := range proto.Code {
		if proto.Code[i].Op == OpReturn {
			ret = &proto.Code[i]
			break // the statement's own return, not the implicit trailing one
		}
	}
	require.NotNil(t, ret)
	assert.Equal(t, int32(0), ret.B, "a trailing call in return position propagates all results")
}

// TestLocalAssignmentFromMultiValueCall ensures `local a,b,c = f()`
// wires all three locals to f's expanded results rather than silently
// dropping the extra ones.
func TestLocalAssignmentFromMultiValueCall(t *testing.T) {
	proto := compileSource(t, "local a,b,c = f()")

	var call *Instruction
	for i := range proto.Code {
		if proto.Code[i].Op == OpCall {
			call = &proto.Code[i]
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, int32(4), call.C, "C=4 requests exactly 3 results (a,b,c)")
}
