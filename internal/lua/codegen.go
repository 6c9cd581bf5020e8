package lua

import "math"

// This file is codegen's half of the single-pass parser+codegen
// pipeline of spec §4.7: the expression descriptor, register
// allocator, and instruction-emission helpers that parser.go's
// grammar functions drive directly, the same split lparser.c/lcode.c
// use (one recognizes the grammar, the other owns bytecode shape).

type expKind int

const (
	expVoid     expKind = iota
	expNil
	expTrue
	expFalse
	expConstant         // info: index into proto.Constants (non-numeric constant, e.g. a string)
	expFloat            // fval holds the literal
	expInt              // ival holds the literal
	expNonReloc         // info: register already holding the value
	expLocal            // info: register of a local variable
	expUpval            // info: upvalue index
	expIndexed          // info: table register; aux: RK of the key
	expIndexedUpval      // like expIndexed but info is an upvalue, not a register
	expJmp              // info: pc of a comparison/test jump
	expReloc            // info: pc of an instruction whose dest register is unset
	expCall             // info: pc of a CALL instruction
	expVararg           // info: pc of a VARARG instruction
)

// exp is lcode.h's expdesc: the sole interface between grammar
// recognition and bytecode emission (spec §4.7).
type exp struct {
	kind expKind
	info int32
	aux  int32
	ival int64
	fval float64

	trueList  []int32 // jump instructions to patch when this exp is consumed as true
	falseList []int32
}

func voidExp() exp { return exp{kind: expVoid} }

func (e *exp) hasJumps() bool { return len(e.trueList) > 0 || len(e.falseList) > 0 }
func (e *exp) isConstant() bool {
	switch e.kind {
	case expNil, expTrue, expFalse, expConstant, expFloat, expInt:
		return true
	default:
		return false
	}
}
func (e *exp) isNumeralConstant() bool { return e.kind == expFloat || e.kind == expInt }

// blockDesc is lparser.c's BlockCnt: one nested lexical scope, spec
// §4.7's scope bookkeeping.
type blockDesc struct {
	prev            *blockDesc
	firstLocal      int // index into fs.actVars at block entry
	firstLabel      int // index into fs.labels at block entry
	firstGoto       int // index into fs.gotos at block entry
	isLoop          bool
	hasUpval        bool // some inner function captured a local of this block
	breaks          []int32
}

type localVar struct {
	name *String
	reg  int32
}

type labelDesc struct {
	name       *String
	pc         int
	line       int
	numActive  int // fs.actVars length (active local count) at the label
}

// funcState is lparser.c's FuncState: one nested function's
// compilation state, including the Prototype it is filling in.
type funcState struct {
	proto *Prototype
	prev  *funcState
	p     *Parser
	block *blockDesc

	freeReg int32

	actVars []localVar

	labels []labelDesc
	gotos  []labelDesc
}

func (fs *funcState) pc() int { return len(fs.proto.Code) }

func (fs *funcState) emit(in Instruction) int {
	in.Line = int32(fs.p.lastLine)
	fs.proto.Code = append(fs.proto.Code, in)
	return fs.pc() - 1
}

func (fs *funcState) emitABC(op OpCode, a, b, c int32) int {
	return fs.emit(Instruction{Op: op, A: a, B: b, C: c})
}

func (fs *funcState) emitABx(op OpCode, a, bx int32) int {
	return fs.emit(Instruction{Op: op, A: a, B: bx})
}

// reserveRegs bumps freeReg by n and tracks the high-water mark into
// proto.MaxStackSize (spec §4.7's "max_stack tracked per prototype").
func (fs *funcState) reserveRegs(n int32) {
	fs.freeReg += n
	if fs.freeReg > int32(fs.proto.MaxStackSize) {
		fs.proto.MaxStackSize = int(fs.freeReg)
	}
}

func (fs *funcState) freeReg1() {
	if fs.freeReg > 0 {
		fs.freeReg--
	}
}

// freeExpReg frees e's register if it is a plain, non-relocatable
// temporary above every active local — matching lcode.c's freeexp,
// which never frees a local variable's own register.
func (fs *funcState) freeExpReg(e *exp) {
	if e.kind != expNonReloc {
		return
	}
	for _, v := range fs.actVars {
		if v.reg == e.info {
			return
		}
	}
	if fs.freeReg > 0 && e.info == fs.freeReg-1 {
		fs.freeReg--
	}
}

// addConstant deduplicates and appends a constant Value, returning its
// index. Values here are always nil/bool/number/string — never a
// collectable container — so a direct RawEquals scan is cheap and
// avoids needing Value to be a map key (it embeds an interface field
// that isn't comparable for every payload, e.g. a HostFunc).
func (fs *funcState) addConstant(v Value) int32 {
	for i, k := range fs.proto.Constants {
		if k.Tag() == v.Tag() && RawEquals(k, v) {
			return int32(i)
		}
	}
	fs.proto.Constants = append(fs.proto.Constants, v)
	return int32(len(fs.proto.Constants) - 1)
}

func (fs *funcState) stringConstant(s *String) int32 {
	return fs.addConstant(StringValue(s))
}

// dischargeToReg forces e's value into register reg, materializing
// whatever representation it currently holds (spec §4.7's "relocatable
// (instruction emitted, destination register pending back-patch)" and
// sibling kinds all collapse here).
func (fs *funcState) dischargeToReg(e *exp, reg int32) {
	switch e.kind {
	case expNil:
		fs.emitABC(OpLoadNil, reg, 0, 0)
	case expTrue:
		fs.emitABC(OpLoadBool, reg, 1, 0)
	case expFalse:
		fs.emitABC(OpLoadBool, reg, 0, 0)
	case expConstant:
		fs.emitABx(OpLoadK, reg, e.info)
	case expFloat:
		fs.emitABx(OpLoadK, reg, fs.addConstant(FloatValue(e.fval)))
	case expInt:
		fs.emitABx(OpLoadK, reg, fs.addConstant(IntValue(e.ival)))
	case expReloc:
		fs.proto.Code[e.info].A = reg
	case expNonReloc:
		if e.info != reg {
			fs.emitABC(OpMove, reg, e.info, 0)
		}
	case expUpval:
		fs.emitABC(OpGetUpval, reg, e.info, 0)
	case expLocal:
		fs.emitABC(OpMove, reg, e.info, 0)
	case expIndexed:
		fs.emitABC(OpGetTable, reg, e.info, e.aux)
	case expIndexedUpval:
		fs.emitABC(OpGetTable, reg, e.info, e.aux)
	case expCall, expVararg:
		fs.proto.Code[e.info].A = reg
	case expVoid:
		// nothing to load
	case expJmp:
		// handled by exp2reg via the true/false lists
	}
	e.kind = expNonReloc
	e.info = reg
}

// exp2nextreg discharges e into a freshly reserved register at the top
// of the free-register stack, spec §4.7's register stack discipline.
func (fs *funcState) exp2nextreg(e *exp) {
	fs.dischargeVars(e)
	fs.freeExpReg(e)
	reg := fs.freeReg
	fs.reserveRegs(1)
	fs.exp2reg(e, reg)
}

// exp2anyreg returns some register holding e's value, reusing an
// existing one when possible instead of always allocating a fresh
// temporary.
func (fs *funcState) exp2anyreg(e *exp) int32 {
	fs.dischargeVars(e)
	if e.kind == expNonReloc {
		if !e.hasJumps() {
			return e.info
		}
		if e.info >= int32(len(fs.actVars)) {
			fs.exp2reg(e, e.info)
			return e.info
		}
	}
	fs.exp2nextreg(e)
	return e.info
}

// exp2reg finishes discharging e into reg, then resolves any pending
// true/false jump lists against it (boolean-materializing jumps from
// comparisons and `and`/`or` short-circuits).
func (fs *funcState) exp2reg(e *exp, reg int32) {
	jmpPC := -1 // a comparison's own jump, read before dischargeToReg rewrites e
	if e.kind == expJmp {
		jmpPC = int(e.info)
	}
	fs.dischargeToReg(e, reg)
	if jmpPC >= 0 {
		fs.concatJumps(&e.trueList, []int32{int32(jmpPC)})
	}
	if e.hasJumps() {
		skip := -1
		if jmpPC < 0 {
			skip = fs.jump() // taken when dischargeToReg already produced the right value
		}
		loadFalse := fs.emitABC(OpLoadBool, reg, 0, 1)
		loadTrue := fs.emitABC(OpLoadBool, reg, 1, 0)
		if skip >= 0 {
			fs.jmpPatchTo(skip, fs.pc())
		}
		fs.patchListHere(e.falseList, loadFalse)
		fs.patchListHere(e.trueList, loadTrue)
	}
	e.trueList, e.falseList = nil, nil
	e.kind = expNonReloc
	e.info = reg
}

// dischargeVars converts a local/upvalue/indexed/call/vararg exp into
// its value form (expNonReloc/expReloc), the first half of every
// "consume this expression" path (lcode.c's dischargevars).
func (fs *funcState) dischargeVars(e *exp) {
	switch e.kind {
	case expLocal:
		e.kind = expNonReloc
	case expUpval:
		pc := fs.emitABC(OpGetUpval, 0, e.info, 0)
		e.kind, e.info = expReloc, int32(pc)
	case expIndexed, expIndexedUpval:
		pc := fs.emitABC(OpGetTable, 0, e.info, e.aux)
		e.kind, e.info = expReloc, int32(pc)
	case expCall:
		e.kind = expNonReloc
		e.info = fs.proto.Code[e.info].A
	case expVararg:
		fs.proto.Code[e.info].B = 2
		e.kind = expReloc
	default:
	}
}

// exp2RK returns an RK operand (register-or-constant) for e, per spec
// §4.4's table engine and §4.7's "RK(C)" instruction operands.
func (fs *funcState) exp2RK(e *exp) int32 {
	fs.dischargeVars(e)
	switch e.kind {
	case expNil:
		return rkConstant(int(fs.addConstant(NilValue())))
	case expTrue:
		return rkConstant(int(fs.addConstant(BoolValue(true))))
	case expFalse:
		return rkConstant(int(fs.addConstant(BoolValue(false))))
	case expInt:
		return rkConstant(int(fs.addConstant(IntValue(e.ival))))
	case expFloat:
		return rkConstant(int(fs.addConstant(FloatValue(e.fval))))
	case expConstant:
		return rkConstant(int(e.info))
	default:
		return fs.exp2anyreg(e)
	}
}

// --- Jump list plumbing (lcode.c's jump/patch family) ---

func (fs *funcState) jump() int {
	pc := fs.emitABx(OpJmp, 0, 0)
	return pc
}

// jmpPatchTo patches the jump instruction at pc to target dest.
func (fs *funcState) jmpPatchTo(pc, dest int) {
	fs.proto.Code[pc].B = int32(dest - pc - 1)
}

func (fs *funcState) patchListHere(list []int32, target int) {
	for _, pc := range list {
		fs.jmpPatchTo(int(pc), target)
	}
}

func (fs *funcState) concatJumps(dst *[]int32, list []int32) {
	*dst = append(*dst, list...)
}

// goIfTrue/goIfFalse convert a boolean-producing exp into a single
// conditional jump plus a residual list, implementing the truth-list /
// false-list half of spec §4.7's expression descriptor.
// goIfTrue arms e to be consumed as the true side of a short-circuit
// `and`/`or` or a conditional statement: a constantly-true expression
// needs no jump at all, a constantly-false one always jumps, anything
// else tests itself and jumps on false.
func (fs *funcState) goIfTrue(e *exp) {
	fs.dischargeVars(e)
	switch e.kind {
	case expTrue, expConstant, expFloat, expInt:
		// Always true: nothing to add to falseList.
	case expFalse:
		fs.concatJumps(&e.falseList, []int32{int32(fs.jump())})
	case expJmp:
		fs.negateCondition(e.info)
		fs.concatJumps(&e.falseList, []int32{e.info})
	default:
		reg := fs.exp2anyreg(e)
		fs.emitABC(OpTest, reg, 0, 0)
		fs.concatJumps(&e.falseList, []int32{int32(fs.jump())})
	}
	fs.patchListHere(e.trueList, fs.pc())
	e.trueList = nil
}

func (fs *funcState) goIfFalse(e *exp) {
	fs.dischargeVars(e)
	switch e.kind {
	case expFalse, expNil:
		// Always false: nothing to add to trueList.
	case expTrue:
		fs.concatJumps(&e.trueList, []int32{int32(fs.jump())})
	case expJmp:
		fs.concatJumps(&e.trueList, []int32{e.info})
	default:
		reg := fs.exp2anyreg(e)
		fs.emitABC(OpTest, reg, 0, 1)
		fs.concatJumps(&e.trueList, []int32{int32(fs.jump())})
	}
	fs.patchListHere(e.falseList, fs.pc())
	e.falseList = nil
}

func (fs *funcState) negateCondition(pc int32) {
	in := &fs.proto.Code[pc-1] // the EQ/LT/LE immediately preceding the JMP
	in.A = 1 - in.A
}

// --- Binary/unary operator emission with constant folding ---

// foldConstant implements spec §4.7's "Constant folding": arithmetic
// on two numeric-constant exps folds at emission time. Returns false
// if the operands aren't both numeric constants (or the operation is
// unsafe to fold, e.g. division by zero on integers, left to runtime).
func foldConstant(op OpCode, a, b *exp) (exp, bool) {
	if !a.isNumeralConstant() || !b.isNumeralConstant() {
		return exp{}, false
	}
	if a.kind == expInt && b.kind == expInt {
		if r, ok := foldInt(op, a.ival, b.ival); ok {
			return exp{kind: expInt, ival: r}, true
		}
		return exp{}, false
	}
	af, bf := numeralAsFloat(a), numeralAsFloat(b)
	if r, ok := foldFloat(op, af, bf); ok {
		return exp{kind: expFloat, fval: r}, true
	}
	return exp{}, false
}

func numeralAsFloat(e *exp) float64 {
	if e.kind == expInt {
		return float64(e.ival)
	}
	return e.fval
}

func foldInt(op OpCode, a, b int64) (int64, bool) {
	switch op {
	case OpAdd:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpMul:
		return a * b, true
	case OpMod:
		if b == 0 {
			return 0, false
		}
		r := a % b
		if r != 0 && (r^b) < 0 {
			r += b
		}
		return r, true
	case OpIDiv:
		if b == 0 {
			return 0, false
		}
		q := a / b
		if (a%b != 0) && ((a ^ b) < 0) {
			q--
		}
		return q, true
	case OpBAnd:
		return a & b, true
	case OpBOr:
		return a | b, true
	case OpBXor:
		return a ^ b, true
	case OpShl:
		return shiftLeft(a, b), true
	case OpShr:
		return shiftLeft(a, -b), true
	default:
		return 0, false
	}
}

func shiftLeft(a, n int64) int64 {
	if n <= -64 || n >= 64 {
		return 0
	}
	if n >= 0 {
		return int64(uint64(a) << uint(n))
	}
	return int64(uint64(a) >> uint(-n))
}

func foldFloat(op OpCode, a, b float64) (float64, bool) {
	switch op {
	case OpAdd:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpMul:
		return a * b, true
	case OpDiv:
		return a / b, true
	case OpPow:
		return powFloat(a, b), true
	default:
		return 0, false
	}
}

func powFloat(a, b float64) float64 { return math.Pow(a, b) }
