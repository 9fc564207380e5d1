package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	e "github.com/golox-lang/golox/errors"
	"github.com/sirupsen/logrus"
)

// CallFrame is one activation record: the function being run, its
// instruction pointer into that function's own Chunk, and the index into
// the VM's value stack where the frame's slot 0 (the function itself,
// followed by its arguments) begins.
type CallFrame struct {
	fun  VFun
	ip   int
	base int
}

// VM is a stack-based bytecode interpreter: one value stack shared by every
// frame, a table of global bindings, and a call stack of frames. There is
// no heap and no garbage collector — every Value is either an immediate or,
// for Str/Func, an immutable interned/cloned-by-value reference.
type VM struct {
	stack   []Value
	globals map[VStr]Value
	frames  []CallFrame
	out     io.Writer
}

func NewVM() *VM { return &VM{globals: map[VStr]Value{}, out: os.Stdout} }

// NewVMWithWriter builds a VM that writes print output and REPL echoes to w
// instead of stdout, for embedding the interpreter or for tests that need
// to observe what `print` produced.
func NewVMWithWriter(w io.Writer) *VM { return &VM{globals: map[VStr]Value{}, out: w} }

func (vm *VM) push(val Value) { vm.stack = append(vm.stack, val) }

func (vm *VM) pop() (last Value) {
	len_ := len(vm.stack)
	vm.stack, last = vm.stack[:len_-1], vm.stack[len_-1]
	return
}

func (vm *VM) peek(dist int) Value { return vm.stack[len(vm.stack)-1-dist] }

// REPL reads lines through readLine until EOF or a blank line, compiling and
// interpreting each one against the same VM state — globals declared on one
// line stay visible on the next. Each result is echoed to vm.out the way a
// Lox REPL conventionally does.
func (vm *VM) REPL(readLine func() (string, error)) error {
	for {
		line, err := readLine()
		if err == io.EOF || line == "" {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := vm.Interpret(line, true)
		switch rtErr := (*e.RuntimeError)(nil); {
		case errors.As(err, &rtErr):
			// Already reported to stderr by runtimeError.
		case err != nil:
			fmt.Fprintln(os.Stderr, err)
		default:
			fmt.Fprintf(vm.out, "%s\n", Repr(val))
		}
	}
}

// Interpret compiles src and runs it to completion against this VM's
// existing globals, returning the value the script's implicit top-level
// return produced (Nil unless isREPL's bare-expression fallback kicked in).
func (vm *VM) Interpret(src string, isREPL bool) (Value, error) {
	parser := NewParser()
	fun, err := parser.Compile(src, isREPL)
	if err != nil {
		return nil, err
	}
	vm.stack = nil
	vm.push(fun)
	vm.frames = append(vm.frames, CallFrame{fun: fun, base: 0})
	return vm.run()
}

func (vm *VM) currFrame() *CallFrame { return &vm.frames[len(vm.frames)-1] }

func (vm *VM) readByte(frame *CallFrame) (res byte) {
	res = frame.fun.chunk.code[frame.ip]
	frame.ip++
	return
}

func (vm *VM) readShort(frame *CallFrame) (res int) {
	hi, lo := vm.readByte(frame), vm.readByte(frame)
	return int(hi)<<8 | int(lo)
}

func (vm *VM) readConst(frame *CallFrame) Value {
	return frame.fun.chunk.consts[vm.readByte(frame)]
}

func (vm *VM) run() (Value, error) {
	for {
		frame := vm.currFrame()

		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logrus.Debugln(vm.stackTrace())
			instDump, _ := frame.fun.chunk.DisassembleInst(frame.ip)
			logrus.Debugln(instDump)
		}

		oldIP := frame.ip
		switch inst := OpCode(vm.readByte(frame)); inst {
		case OpConst:
			vm.push(vm.readConst(frame))
		case OpNil:
			vm.push(VNil{})
		case OpTrue:
			vm.push(VBool(true))
		case OpFalse:
			vm.push(VBool(false))
		case OpPop:
			vm.pop()

		case OpGetLocal:
			slot := vm.readByte(frame)
			vm.push(vm.stack[frame.base+int(slot)])
		case OpSetLocal:
			slot := vm.readByte(frame)
			vm.stack[frame.base+int(slot)] = vm.peek(0)

		case OpGetGlobal:
			name := vm.readConst(frame).(VStr)
			val, ok := vm.globals[name]
			if !ok {
				return nil, vm.runtimeError(frame, oldIP, fmt.Sprintf("undefined variable '%s'", name))
			}
			vm.push(val)
		case OpDefGlobal:
			name := vm.readConst(frame).(VStr)
			vm.globals[name] = vm.pop()
		case OpSetGlobal:
			name := vm.readConst(frame).(VStr)
			if _, ok := vm.globals[name]; !ok {
				return nil, vm.runtimeError(frame, oldIP, fmt.Sprintf("undefined variable '%s'", name))
			}
			vm.globals[name] = vm.peek(0)

		case OpEqual:
			rhs, lhs := vm.pop(), vm.pop()
			vm.push(VEq(lhs, rhs))
		case OpGreater:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VGreater(lhs, rhs)
			if !ok {
				return nil, vm.runtimeError(frame, oldIP, "both operands need to be numbers")
			}
			vm.push(res)
		case OpLess:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VLess(lhs, rhs)
			if !ok {
				return nil, vm.runtimeError(frame, oldIP, "both operands need to be numbers")
			}
			vm.push(res)

		case OpAdd:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VAdd(lhs, rhs)
			if !ok {
				return nil, vm.runtimeError(frame, oldIP, "both operands have to be string or number")
			}
			vm.push(res)
		case OpSub:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VSub(lhs, rhs)
			if !ok {
				return nil, vm.runtimeError(frame, oldIP, "both operands need to be numbers")
			}
			vm.push(res)
		case OpMul:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VMul(lhs, rhs)
			if !ok {
				return nil, vm.runtimeError(frame, oldIP, "both operands need to be numbers")
			}
			vm.push(res)
		case OpDiv:
			rhs, lhs := vm.pop(), vm.pop()
			if n, ok := rhs.(VNum); ok && n == 0 {
				return nil, vm.runtimeError(frame, oldIP, "cannot divide by 0")
			}
			res, ok := VDiv(lhs, rhs)
			if !ok {
				return nil, vm.runtimeError(frame, oldIP, "both operands need to be numbers")
			}
			vm.push(res)

		case OpNot:
			vm.push(!VTruthy(vm.pop()))
		case OpNeg:
			res, ok := VNeg(vm.peek(0))
			if !ok {
				return nil, vm.runtimeError(frame, oldIP, "operand must be a number")
			}
			vm.pop()
			vm.push(res)

		case OpPrint:
			fmt.Fprintf(vm.out, "%s\n", vm.pop())

		case OpJump:
			dist := vm.readShort(frame)
			frame.ip += dist
		case OpJumpIfFalse:
			dist := vm.readShort(frame)
			if !bool(VTruthy(vm.peek(0))) {
				frame.ip += dist
			}
		case OpLoop:
			dist := vm.readShort(frame)
			frame.ip -= dist

		case OpCall:
			argCount := int(vm.readByte(frame))
			if err := vm.call(frame, oldIP, argCount); err != nil {
				return nil, err
			}

		case OpReturn:
			result := vm.pop()
			finished := vm.frames[len(vm.frames)-1]
			vm.frames = vm.frames[:len(vm.frames)-1]
			vm.stack = vm.stack[:finished.base]
			if len(vm.frames) == 0 {
				return result, nil
			}
			vm.push(result)

		default:
			return nil, vm.runtimeError(frame, oldIP, fmt.Sprintf("unknown instruction '%d'", inst))
		}
	}
}

// call turns the contiguous run [callee, arg0, ..., argN-1] already sitting
// on top of the stack into a new frame whose slot 0 is the callee.
func (vm *VM) call(frame *CallFrame, oldIP, argCount int) error {
	callee := vm.peek(argCount)
	fun, ok := callee.(VFun)
	if !ok {
		return vm.runtimeError(frame, oldIP, fmt.Sprintf("'%s' is not callable", callee))
	}
	if fun.arity != argCount {
		return vm.runtimeError(frame, oldIP,
			fmt.Sprintf("expected %d arguments but got %d", fun.arity, argCount))
	}
	vm.frames = append(vm.frames, CallFrame{
		fun:  fun,
		base: len(vm.stack) - argCount - 1,
	})
	return nil
}

// runtimeError implements the interpreter's error protocol: the message
// and offending line are reported, the stack is reset, and the frame stack
// is cleared so the VM is ready to interpret fresh input (the REPL keeps
// running after a runtime error).
func (vm *VM) runtimeError(frame *CallFrame, atIP int, reason string) error {
	line := frame.fun.chunk.lines[atIP]
	err := &e.RuntimeError{Line: line, Reason: reason}
	fmt.Fprintln(os.Stderr, reason)
	fmt.Fprintf(os.Stderr, "[line %d] in script\n", line)
	vm.stack = nil
	vm.frames = nil
	return err
}

func (vm *VM) stackTrace() string {
	res := "          "
	for _, slot := range vm.stack {
		res += fmt.Sprintf("[ %s ]", slot)
	}
	return res
}
