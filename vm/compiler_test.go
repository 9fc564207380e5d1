package vm_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/golox-lang/golox/vm"
	"github.com/stretchr/testify/assert"
)

func TestTooManyConstants(t *testing.T) {
	var src strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&src, "var v%d;\n", i)
	}
	_, err := vm.NewVM().Interpret(src.String(), false)
	assert.ErrorContains(t, err, "too many constants in one chunk")
}

func TestTooManyLocals(t *testing.T) {
	var src strings.Builder
	src.WriteString("fun f() {\n")
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&src, "var v%d;\n", i)
	}
	src.WriteString("}\n")
	_, err := vm.NewVM().Interpret(src.String(), false)
	assert.ErrorContains(t, err, "too many local variables in function")
}

func TestTooManyParameters(t *testing.T) {
	params := make([]string, 300)
	for i := range params {
		params[i] = fmt.Sprintf("p%d", i)
	}
	src := fmt.Sprintf("fun f(%s) {}\n", strings.Join(params, ", "))
	_, err := vm.NewVM().Interpret(src, false)
	assert.ErrorContains(t, err, "too many parameters")
}

func TestTooManyArguments(t *testing.T) {
	args := make([]string, 300)
	for i := range args {
		args[i] = "nil"
	}
	src := fmt.Sprintf("fun f() {}\nf(%s);\n", strings.Join(args, ", "))
	_, err := vm.NewVM().Interpret(src, false)
	assert.ErrorContains(t, err, "too many arguments")
}

func TestJumpDistanceOverflow(t *testing.T) {
	var src strings.Builder
	src.WriteString("if (true) {\n")
	for i := 0; i < 35000; i++ {
		src.WriteString("nil;\n")
	}
	src.WriteString("}\n")
	_, err := vm.NewVM().Interpret(src.String(), false)
	assert.ErrorContains(t, err, "too much code to jump over")
}

func TestLoopBodyOverflow(t *testing.T) {
	var src strings.Builder
	src.WriteString("while (false) {\n")
	for i := 0; i < 35000; i++ {
		src.WriteString("nil;\n")
	}
	src.WriteString("}\n")
	_, err := vm.NewVM().Interpret(src.String(), false)
	assert.ErrorContains(t, err, "loop body too large")
}

func TestDisassembleDeterministic(t *testing.T) {
	src := heredoc.Doc(`
		fun fib(n) {
			if (n < 2) { return n; }
			return fib(n - 1) + fib(n - 2);
		}
		fib(10);
	`)
	fun1, err := vm.NewParser().Compile(src, false)
	assert.NoError(t, err)
	fun2, err := vm.NewParser().Compile(src, false)
	assert.NoError(t, err)
	assert.Equal(t, fun1.Disassemble(), fun2.Disassemble())
	assert.Contains(t, fun1.Disassemble(), "OpCall")
}
