package vm

import (
	"fmt"
	"strconv"

	"github.com/josharian/intern"
)

// Value is the tagged union every Lox datum is boxed in: Nil, Bool, Number,
// Str, or Func. The set is closed; adding a variant means adding a case to
// every switch below.
type Value interface{ isValue() }

func NewValue() Value { return VNil{} }

type VBool bool

func (VBool) isValue()         {}
func (v VBool) String() string { return fmt.Sprintf("%t", v) }

type VNil struct{}

func (VNil) isValue()         {}
func (v VNil) String() string { return "nil" }

type VNum float64

func (VNum) isValue()         {}
func (v VNum) String() string { return fmt.Sprintf("%g", v) }

// VStr is an owning, interned string value. Interning means two VStrs built
// from identical lexemes share their backing array, which keeps repeated
// global-name lookups (identConst) cheap without needing a GC.
type VStr string

func NewVStr(s string) VStr   { return VStr(intern.String(s)) }
func (VStr) isValue()         {}
func (v VStr) String() string { return string(v) }

// VFun is a reference to a compiled function: its name (nil for the
// top-level script), its declared arity, and the Chunk holding its bytecode.
// VFun is compared by pointer identity of its chunk; cloning duplicates it.
type VFun struct {
	name  *string
	arity int
	chunk *Chunk
}

func NewVFun() VFun { return VFun{chunk: NewChunk()} }

func (VFun) isValue() {}

func (v VFun) Name() string {
	if v.name == nil {
		return "<script>"
	}
	return *v.name
}

func (v VFun) String() string {
	if v.name == nil {
		return "<script>"
	}
	return fmt.Sprintf("<fn %s>", *v.name)
}

// Disassemble renders v's bytecode the way the debug trace does, for tools
// and tests that want to inspect what the compiler produced.
func (v VFun) Disassemble() string { return v.chunk.Disassemble(v.Name()) }

// Repr renders v the way a REPL echoes a result, as opposed to how `print`
// writes it: identical to String() for every variant except Str, which
// Repr wraps in quotes so a string result reads distinctly from bare text.
// `print "hi";` must still emit the unquoted `hi`, so OpPrint keeps calling
// String() directly — only the REPL/Interpret-result path calls Repr.
func Repr(v Value) string {
	if s, ok := v.(VStr); ok {
		return strconv.Quote(string(s))
	}
	return v.String()
}

// Clone duplicates v by value, duplicating its chunk so mutating the clone's
// bytecode never aliases the original, per the spec's "cloneable by value"
// contract for Function.
func (v VFun) Clone() VFun {
	cloned := *v.chunk
	cloned.code = append([]byte(nil), v.chunk.code...)
	cloned.lines = append([]int(nil), v.chunk.lines...)
	cloned.consts = append([]Value(nil), v.chunk.consts...)
	v.chunk = &cloned
	return v
}

func VAdd(v, w Value) (res Value, ok bool) {
	res = NewValue()
	switch v := v.(type) {
	case VNum:
		if w, ok := w.(VNum); ok {
			return v + w, true
		}
	case VStr:
		if w, ok := w.(VStr); ok {
			return NewVStr(string(v) + string(w)), true
		}
	}
	return
}

func VSub(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return v - w, true
		}
	}
	return
}

func VMul(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return v * w, true
		}
	}
	return
}

func VDiv(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return v / w, true
		}
	}
	return
}

func VGreater(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return VBool(v > w), true
		}
	}
	return
}

func VLess(v, w Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		if w, ok := w.(VNum); ok {
			return VBool(v < w), true
		}
	}
	return
}

func VNeg(v Value) (res Value, ok bool) {
	res = NewValue()
	if v, ok := v.(VNum); ok {
		return -v, true
	}
	return
}

// VTruthy implements the spec's falsy rule: only Nil and Bool(false) are
// falsy, everything else (including 0 and "") is truthy.
func VTruthy(v Value) VBool {
	switch v := v.(type) {
	case VBool:
		return v
	case VNil:
		return false
	default:
		return true
	}
}

func VEq(v, w Value) VBool {
	switch v := v.(type) {
	case VBool:
		w, ok := w.(VBool)
		return VBool(ok && v == w)
	case VNum:
		w, ok := w.(VNum)
		return VBool(ok && v == w)
	case VStr:
		w, ok := w.(VStr)
		return VBool(ok && v == w)
	case VNil:
		_, ok := w.(VNil)
		return VBool(ok)
	case VFun:
		w, ok := w.(VFun)
		return VBool(ok && v.chunk == w.chunk)
	}
	return false
}
