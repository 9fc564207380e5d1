package vm_test

import (
	"bytes"
	"testing"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/golox-lang/golox/vm"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func init() { logrus.SetLevel(logrus.DebugLevel) }

type TestPair struct{ input, output string }

func assertEval(t *testing.T, errSubstr string, pairs ...TestPair) {
	t.Helper()
	t.Parallel()
	vm_ := vm.NewVM()
	for _, pair := range pairs {
		val, err := vm_.Interpret(pair.input+"\n", true)
		switch {
		case errSubstr == "":
			assert.Nil(t, err)
		case err != nil:
			assert.ErrorContains(t, err, errSubstr)
			return
		}
		valStr := vm.Repr(val)
		assert.Equal(t, pair.output, valStr)
	}
	assert.Empty(t, errSubstr, "a successful test must have an empty errSubstr")
}

func TestCalculator(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"2 +2", "4"},
		{"11.4 + 5.14 / 19198.10", "11.400267734827926"},
		{"-6 *(-4+ -3) == 6*4 + 2  *((((9))))", "true"},
		{
			heredoc.Doc(`
				4/1 - 4/3 + 4/5 - 4/7 + 4/9 - 4/11
					+ 4/13 - 4/15 + 4/17 - 4/19 + 4/21 - 4/23
			`),
			"3.058402765927333",
		},
	}...)
}

func TestStrings(t *testing.T) {
	assertEval(t, "", []TestPair{
		{`"foo" + "bar"`, `"foobar"`},
		{`"a" == "a"`, "true"},
		{`"a" == "b"`, "false"},
	}...)
}

func TestVarsBlocks(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var foo = 2;", "nil"},
		{"foo", "2"},
		{"foo + 3 == 1 + foo * foo", "true"},
		{"var bar;", "nil"},
		{"bar", "nil"},
		{"bar = foo = 2;", "nil"},
		{"foo", "2"},
		{"bar", "2"},
		{"{ foo = foo + 1; var bar; var foo1 = foo; foo1 = foo1 + 1; }", "nil"},
		{"foo", "3"},
	}...)
}

func TestVarOwnInit(t *testing.T) {
	assertEval(t, "cannot read local variable in its own initializer",
		[]TestPair{
			{"var foo = 2;", "nil"},
			{"{ var foo = foo; }", ""},
		}...,
	)
}

func TestIfElse(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var foo = 2;", "nil"},
		{"if (foo == 2) foo = foo + 1; else { foo = 42; }", "nil"},
		{"foo", "3"},
		{"if (foo == 2) { foo = foo + 1; } else foo = nil;", "nil"},
		{"foo", "nil"},
		{"if (!foo) foo = 1;", "nil"},
		{"foo", "1"},
		{"if (foo) foo = 2;", "nil"},
		{"foo", "2"},
	}...)
}

func TestAndOr(t *testing.T) {
	assertEval(t, "", []TestPair{
		{`"trick" or __TREAT__`, `"trick"`},
		{"996 or 007", "996"},
		{`nil or "hi"`, `"hi"`},
		{"nil and what", "nil"},
		{`true and "then_what"`, `"then_what"`},
		{"var B = 66;", "nil"},
		{"2*B or !2*B", "132"},
	}...)
}

func TestIfAndOr(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var foo = 2;", "nil"},
		{
			"if (foo != 2 and whatever) foo = foo + 42; else { foo = 3; }",
			"nil",
		},
		{"foo", "3"},
		{
			"if (0 <= foo and foo <= 3) { foo = foo + 1; } else { foo = nil; }",
			"nil",
		},
		{"foo", "4"},
		{"if (!!!(2 + 2 != 5) or !!!!!!!!foo) foo = 1;", "nil"},
		{"foo", "1"},
		{"if (true or whatever) foo = 2;", "nil"},
		{"foo", "2"},
	}...)
}

func TestWhile(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var i = 1; var product = 1;", "nil"},
		{"while (i <= 5) { product = product * i; i = i + 1; }", "nil"},
		{"product", "120"},
	}...)
}

func TestFor(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var product = 1;", "nil"},
		{
			"for (var i = 1; i <= 5; i = i + 1) { product = product * i; }",
			"nil",
		},
		{"product", "120"},
	}...)
}

func TestForMissingClauses(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				fun countTo(n) {
					var i = 0;
					for (;;) {
						if (i >= n) { return i; }
						i = i + 1;
					}
				}
			`),
			"nil",
		},
		{"countTo(5)", "5"},
	}...)
}

func TestBareReturn(t *testing.T) {
	assertEval(t, "can't return from top-level code", []TestPair{
		{"return true;", ""},
	}...)
}

func TestFunReturnInLoop(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				fun fact(n) {
					var i; var product;
					for (i = product = 1; ; i = i + 1) {
						product = product * i;
						if (i >= n) { return product; }
					}
				}
			`),
			"nil",
		},
		{"fact(5)", "120"},
	}...)
}

func TestFunArity(t *testing.T) {
	assertEval(t, "expected 2 arguments but got 1", []TestPair{
		{"fun f(j, k) { return (1 + j) * k; }", "nil"},
		{"f(2)", ""},
	}...)
}

func TestFunRecursive(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"fun fact(i) { if (i <= 0) { return 1; } return i * fact(i - 1); }", "nil"},
		{"fact(5)", "120"},
	}...)
}

func TestFunRefGlobal(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var a = 3; fun f() { return a; } a = 4;", "nil"},
		{"f()", "4"},
	}...)
}

func TestFunLateInit(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"fun f() { return a; } var a = 4;", "nil"},
		{"f()", "4"},
	}...)
}

func TestFunLateInitFun(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"fun f() { return four(); } fun four() { return 4; }", "nil"},
		{"f()", "4"},
	}...)
}

func TestFunNoReturn(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"fun f() {}", "nil"},
		{"f()", "nil"},
	}...)
}

func TestFunNested(t *testing.T) {
	assertEval(t, "", []TestPair{
		{
			heredoc.Doc(`
				fun add(a, b) { return a + b; }
				fun mul3(a, b, c) { return a * b * c; }
			`),
			"nil",
		},
		{"mul3(add(1, 2), add(3, 4), add(5, 6))", "231"},
	}...)
}

func TestFunLocalsScoped(t *testing.T) {
	assertEval(t, "", []TestPair{
		{"var x = 1;", "nil"},
		{
			heredoc.Doc(`
				fun f() {
					var x = 2;
					{
						var x = 3;
						x = x + 1;
					}
					return x;
				}
			`),
			"nil",
		},
		{"f()", "2"},
		{"x", "1"},
	}...)
}

func TestNotCallable(t *testing.T) {
	assertEval(t, "is not callable", []TestPair{
		{"var x = 1;", "nil"},
		{"x()", ""},
	}...)
}

func TestUndefinedGlobalGet(t *testing.T) {
	assertEval(t, "undefined variable 'nope'", []TestPair{
		{"nope", ""},
	}...)
}

func TestUndefinedGlobalSet(t *testing.T) {
	assertEval(t, "undefined variable 'nope'", []TestPair{
		{"nope = 1", ""},
	}...)
}

func TestDivideByZero(t *testing.T) {
	assertEval(t, "cannot divide by 0", []TestPair{
		{"1 / 0", ""},
	}...)
}

func TestTypeMismatch(t *testing.T) {
	assertEval(t, "both operands have to be string or number", []TestPair{
		{`1 + "a"`, ""},
	}...)
}

func TestNegateNonNumber(t *testing.T) {
	assertEval(t, "operand must be a number", []TestPair{
		{`-"a"`, ""},
	}...)
}

func TestPrintStatement(t *testing.T) {
	var buf bytes.Buffer
	machine := vm.NewVMWithWriter(&buf)
	_, err := machine.Interpret(`print 1 + 2;`, false)
	assert.NoError(t, err)
	assert.Equal(t, "3\n", buf.String())
}

func TestRuntimeErrorResetsState(t *testing.T) {
	machine := vm.NewVM()
	_, err := machine.Interpret(`var x = 1 / 0;`, false)
	assert.ErrorContains(t, err, "cannot divide by 0")
	_, err = machine.Interpret(`var y = 1;`, false)
	assert.NoError(t, err)
}
