package vm

import (
	"fmt"
	"math"
	"strconv"

	"github.com/golox-lang/golox/debug"
	e "github.com/golox-lang/golox/errors"
	"github.com/golox-lang/golox/utils"
	"github.com/hashicorp/go-multierror"
	"github.com/josharian/intern"
	"github.com/sirupsen/logrus"
)

// Parser drives the Scanner one token of lookahead at a time and emits
// bytecode directly into the Compiler at the top of the enclosing chain as
// it recognizes each production — there is no intermediate AST.
type Parser struct {
	*Scanner
	*Compiler
	prev, curr Token

	errors *multierror.Error
	// Whether the parser is trying to sync, i.e. in the error recovery process.
	panicMode bool
}

func NewParser() *Parser { return &Parser{} }

// Compiler holds the state for one function body being compiled: the
// function itself, its kind, its flat local-variable array, and the current
// lexical scope depth. Nested `fun` declarations push a new Compiler that
// encloses the current one; only globals and the function's own
// locals/parameters are visible inside it (no upvalues).
type Compiler struct {
	enclosing *Compiler
	fun       VFun
	funType   FunType
	locals    []Local
	depth     int
}

type FunType int

//go:generate stringer -type=FunType
const (
	FFun FunType = iota
	FScript
)

func NewCompiler(enclosing *Compiler, funType FunType) *Compiler {
	return &Compiler{
		enclosing: enclosing,
		fun:       NewVFun(),
		funType:   funType,
		// Reserve locals slot 0 for the function being called.
		locals: []Local{{}},
	}
}

// wrapCompiler replaces the Compiler with a new one enclosing the current one.
func (p *Parser) wrapCompiler(funType FunType) {
	res := NewCompiler(p.Compiler, funType)
	if funType != FScript {
		funName := intern.String(p.prev.String())
		res.fun.name = &funName
	}
	p.Compiler = res
}

// Local is a compile-time record of a declared local variable. depth is nil
// while the variable's initializer is still being compiled — referencing it
// in that window is a compile error (it would read its own uninitialized
// slot).
type Local struct {
	name  Token
	depth *int
}

func (l Local) initialized() bool { return l.depth != nil }

func (c *Compiler) addLocal(name Token) bool {
	if len(c.locals) >= math.MaxUint8+1 {
		return false
	}
	c.locals = append(c.locals, Local{name: name})
	return true
}

/* Single-pass compilation */

func (p *Parser) emitConst(val Value) { p.emitBytes(byte(OpConst), p.mkConst(val)) }

func (p *Parser) mkConst(val Value) byte {
	const_ := p.currChunk().AddConst(val)
	if const_ > math.MaxUint8 {
		p.Error("too many constants in one chunk")
		return 0
	}
	return byte(const_)
}

func (p *Parser) num(_canAssign bool) {
	val, err := strconv.ParseFloat(p.prev.String(), 64)
	if err != nil {
		p.Error(fmt.Sprintf("invalid number literal: %s", err))
		return
	}
	p.emitConst(VNum(val))
}

func (p *Parser) grouping(_canAssign bool) {
	p.expr()
	p.consume(TRParen, "expect ')' after expression")
}

func (p *Parser) lit(_canAssign bool) {
	switch p.prev.Type {
	case TFalse:
		p.emitBytes(byte(OpFalse))
	case TNil:
		p.emitBytes(byte(OpNil))
	case TTrue:
		p.emitBytes(byte(OpTrue))
	default:
		panic(e.Unreachable)
	}
}

func (p *Parser) str(_canAssign bool) {
	runes := p.prev.Runes
	// COPY the lexeme inside the quotes as a string.
	unquoted := string(runes[1 : len(runes)-1])
	p.emitConst(NewVStr(unquoted))
}

func (p *Parser) var_(canAssign bool) { p.namedVar(p.prev, canAssign) }

func (p *Parser) namedVar(name Token, canAssign bool) {
	slot := p.resolveLocal(name)

	var (
		arg      byte
		get, set OpCode
	)
	if slot == Uninit {
		arg, get, set = p.identConst(&name), OpGetGlobal, OpSetGlobal
	} else {
		arg, get, set = byte(slot), OpGetLocal, OpSetLocal
	}

	switch {
	case canAssign && p.match(TEqual):
		p.expr()
		p.emitBytes(byte(set), arg)
	default:
		p.emitBytes(byte(get), arg)
	}
}

func (p *Parser) unary(_canAssign bool) {
	op := p.prev.Type

	// Compile the RHS.
	p.parsePrec(PrecUnary)

	// Emit the operator instruction.
	switch op {
	case TBang:
		p.emitBytes(byte(OpNot))
	case TMinus:
		p.emitBytes(byte(OpNeg))
	default:
		panic(e.Unreachable)
	}
}

func (p *Parser) binary(_canAssign bool) {
	op := p.prev.Type
	rule := parseRules[op]

	// Compile the RHS.
	p.parsePrec(rule.Prec + 1)

	// Emit the operator instruction.
	switch op {
	case TBangEqual:
		p.emitBytes(byte(OpEqual), byte(OpNot))
	case TEqualEqual:
		p.emitBytes(byte(OpEqual))
	case TGreater:
		p.emitBytes(byte(OpGreater))
	case TGreaterEqual:
		p.emitBytes(byte(OpLess), byte(OpNot))
	case TLess:
		p.emitBytes(byte(OpLess))
	case TLessEqual:
		p.emitBytes(byte(OpGreater), byte(OpNot))
	case TPlus:
		p.emitBytes(byte(OpAdd))
	case TMinus:
		p.emitBytes(byte(OpSub))
	case TStar:
		p.emitBytes(byte(OpMul))
	case TSlash:
		p.emitBytes(byte(OpDiv))
	default:
		panic(e.Unreachable)
	}
}

func (p *Parser) and(_canAssign bool) {
	// If the LHS is falsy, `LHS and RHS == LHS`: skip the RHS.
	endJump := p.emitJump(OpJumpIfFalse)
	// If the LHS is truthy, `LHS and RHS == RHS`: drop the LHS.
	p.emitBytes(byte(OpPop))
	p.parsePrec(PrecAnd)
	p.patchJump(endJump)
}

func (p *Parser) or(_canAssign bool) {
	// If the LHS is truthy, `LHS or RHS == LHS`: skip the RHS.
	elseJump := p.emitJump(OpJumpIfFalse) // <-- else
	endJump := p.emitJump(OpJump)         // <-- then
	p.patchJump(elseJump)                 // --> else
	// If the LHS is falsy, `LHS or RHS == RHS`: drop the LHS.
	p.emitBytes(byte(OpPop))
	p.parsePrec(PrecOr)
	p.patchJump(endJump) // --> then
}

func (p *Parser) call(_canAssign bool) {
	argCount := p.argList()
	p.emitBytes(byte(OpCall), byte(argCount))
}

func (p *Parser) argList() (argCount int) {
	if !p.check(TRParen) {
		for {
			p.expr()
			if argCount++; argCount > math.MaxUint8 {
				p.Error("too many arguments")
			}
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "expect ')' after arguments")
	return
}

func (p *Parser) expr() { p.parsePrec(PrecAssign) }

func (p *Parser) exprStmt() {
	p.expr()
	p.consume(TSemi, "expect ';' after value")
	p.emitBytes(byte(OpPop))
}

func (p *Parser) printStmt() {
	p.expr()
	p.consume(TSemi, "expect ';' after value")
	p.emitBytes(byte(OpPrint))
}

func (p *Parser) block() {
	for !p.check(TRBrace) && !p.check(TEOF) {
		p.decl()
	}
	p.consume(TRBrace, "expect '}' after block")
}

func (p *Parser) ifStmt() {
	p.consume(TLParen, "expect '(' after 'if'")
	p.expr()
	p.consume(TRParen, "expect ')' after condition")

	thenJump := p.emitJump(OpJumpIfFalse) // <-- 'else' branch lands here.
	p.emitBytes(byte(OpPop))              // Drop the predicate before 'then'.
	p.stmt()

	elseJump := p.emitJump(OpJump) // <-- 'then' branch lands here.
	p.patchJump(thenJump)          // --> 'else' branch continues.

	p.emitBytes(byte(OpPop)) // Drop the predicate before 'else'.
	if p.match(TElse) {
		p.stmt()
	}
	p.patchJump(elseJump) // --> 'then' branch continues.
}

func (p *Parser) whileStmt() {
	loopStart := p.currChunk().Len()
	p.consume(TLParen, "expect '(' after 'while'")
	p.expr()
	p.consume(TRParen, "expect ')' after condition")

	exitJump := p.emitJump(OpJumpIfFalse)
	p.emitBytes(byte(OpPop)) // Drop the condition before the body.
	p.stmt()
	p.emitLoop(loopStart)

	p.patchJump(exitJump)
	p.emitBytes(byte(OpPop)) // Drop the condition after the loop exits.
}

func (p *Parser) forStmt() {
	// for (init; cond; incr) body
	p.beginScope()
	defer p.endScope()

	p.consume(TLParen, "expect '(' after 'for'")
	switch {
	case p.match(TSemi):
		// No initializer.
	case p.match(TVar):
		p.varDecl()
	default:
		p.exprStmt()
	}

	loopStart := p.currChunk().Len()
	exitJump := -1
	if !p.match(TSemi) {
		p.expr()
		p.consume(TSemi, "expect ';' after loop condition")
		exitJump = p.emitJump(OpJumpIfFalse)
		p.emitBytes(byte(OpPop)) // Drop the condition.
	}

	if !p.match(TRParen) {
		bodyJump := p.emitJump(OpJump)
		incrStart := p.currChunk().Len()
		p.expr()
		p.emitBytes(byte(OpPop)) // Incrementer runs for its side effect only.
		p.consume(TRParen, "expect ')' after for clauses")

		p.emitLoop(loopStart) // --> next condition check
		loopStart = incrStart
		p.patchJump(bodyJump) // --> body
	}

	p.stmt()
	p.emitLoop(loopStart)

	if exitJump != -1 {
		p.patchJump(exitJump)
		p.emitBytes(byte(OpPop)) // Drop the condition.
	}
}

func (p *Parser) returnStmt() {
	if p.match(TSemi) {
		p.emitReturn()
		return
	}
	p.expr()
	p.consume(TSemi, "expect ';' after return value")
	p.emitBytes(byte(OpReturn))
}

func (p *Parser) stmt() {
	switch {
	case p.match(TPrint):
		p.printStmt()
	case p.match(TFor):
		p.forStmt()
	case p.match(TIf):
		p.ifStmt()
	case p.match(TReturn):
		if p.funType == FScript {
			p.Error("can't return from top-level code")
			return
		}
		p.returnStmt()
	case p.match(TWhile):
		p.whileStmt()
	case p.match(TLBrace):
		p.beginScope()
		p.block()
		p.endScope()
	default:
		p.exprStmt()
	}
}

func (p *Parser) fun_() {
	p.wrapCompiler(FFun)
	p.beginScope()

	p.consume(TLParen, "expect '(' after function name")
	if !p.check(TRParen) {
		for {
			if p.fun.arity++; p.fun.arity > math.MaxUint8 {
				p.ErrorAtCurr("too many parameters")
			}
			param := p.parseVar("expect parameter name")
			p.defVar(param)
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "expect ')' after parameters")
	p.consume(TLBrace, "expect '{' before function body")
	p.block()

	// The function ends its Compiler completely, so there's no lingering
	// outermost scope to close here.
	fun := p.endCompiler()
	p.emitBytes(byte(OpConst), p.mkConst(fun))
}

func (p *Parser) funDecl() {
	global := p.parseVar("expect function name")
	validName := p.checkPrev(TIdent)
	p.fun_()

	// Global functions are immediately initialized and defined, so that
	// mutually- and self-recursive calls resolve.
	if validName {
		p.markInit()
		p.defVar(global)
	}
}

func (p *Parser) varDecl() {
	global := p.parseVar("expect variable name")
	validName := p.checkPrev(TIdent)
	switch {
	case p.match(TEqual):
		p.expr()
	default:
		p.emitBytes(byte(OpNil))
	}
	p.consume(TSemi, "expect ';' after variable declaration")
	if validName {
		p.defVar(global)
	}
}

func (p *Parser) decl() {
	switch {
	case p.match(TFun):
		p.funDecl()
	case p.match(TVar):
		p.varDecl()
	default:
		p.stmt()
	}
	if p.panicMode {
		p.sync()
	}
}

type ParseFn = func(p *Parser, canAssign bool)

type ParseRule struct {
	Prefix, Infix ParseFn
	Prec
}

var parseRules []ParseRule

func init() {
	parseRules = make([]ParseRule, TEOF+1)
	parseRules[TLParen] = ParseRule{(*Parser).grouping, (*Parser).call, PrecCall}
	parseRules[TMinus] = ParseRule{(*Parser).unary, (*Parser).binary, PrecTerm}
	parseRules[TPlus] = ParseRule{nil, (*Parser).binary, PrecTerm}
	parseRules[TSlash] = ParseRule{nil, (*Parser).binary, PrecFactor}
	parseRules[TStar] = ParseRule{nil, (*Parser).binary, PrecFactor}
	parseRules[TBang] = ParseRule{(*Parser).unary, nil, PrecNone}
	parseRules[TBangEqual] = ParseRule{nil, (*Parser).binary, PrecEqual}
	parseRules[TEqualEqual] = ParseRule{nil, (*Parser).binary, PrecEqual}
	parseRules[TGreater] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TGreaterEqual] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TLess] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TLessEqual] = ParseRule{nil, (*Parser).binary, PrecComp}
	parseRules[TIdent] = ParseRule{(*Parser).var_, nil, PrecNone}
	parseRules[TStr] = ParseRule{(*Parser).str, nil, PrecNone}
	parseRules[TNum] = ParseRule{(*Parser).num, nil, PrecNone}
	parseRules[TAnd] = ParseRule{nil, (*Parser).and, PrecAnd}
	parseRules[TFalse] = ParseRule{(*Parser).lit, nil, PrecNone}
	parseRules[TNil] = ParseRule{(*Parser).lit, nil, PrecNone}
	parseRules[TOr] = ParseRule{nil, (*Parser).or, PrecOr}
	parseRules[TTrue] = ParseRule{(*Parser).lit, nil, PrecNone}
}

func (p *Parser) parsePrec(prec Prec) {
	p.advance()

	// Parse LHS.
	prefix := parseRules[p.prev.Type].Prefix
	if prefix == nil {
		p.Error("expect expression")
		return
	}
	canAssign := prec <= PrecAssign
	prefix(p, canAssign)

	// Parse RHS if there's one maintaining rule.Prec >= prec.
	for {
		rule := parseRules[p.curr.Type]
		if rule.Prec < prec {
			break
		}
		p.advance()
		if rule.Infix == nil {
			panic(e.Unreachable)
		}
		rule.Infix(p, canAssign)
	}

	if canAssign && p.match(TEqual) {
		p.Error("invalid assignment target")
	}
}

/* Parsing helpers */

func (p *Parser) check(ty TokenType) bool     { return p.curr.Type == ty }
func (p *Parser) checkPrev(ty TokenType) bool { return p.prev.Type == ty }

func (p *Parser) advance() {
	p.prev = p.curr
	for {
		// Skip until the first non-TErr token.
		if p.curr = p.ScanToken(); !p.check(TErr) {
			break
		}
		p.Error(p.curr.String())
	}
}

func (p *Parser) match(ty TokenType) (matched bool) {
	if !p.check(ty) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) consume(ty TokenType, errorMsg string) *Token {
	if !p.check(ty) {
		p.ErrorAtCurr(errorMsg)
		return nil
	}
	p.advance()
	return &p.prev
}

/* Compiling helpers */

// Compile compiles src into a top-level VFun. When isREPL is set and src
// does not parse as a sequence of declarations (e.g. it is a bare
// expression with no trailing ';'), Compile retries treating src as a
// single expression whose value becomes the script's return value — this
// is what lets a REPL echo the result of `2 + 2` without the user typing
// `print 2 + 2;`.
func (p *Parser) Compile(src string, isREPL bool) (res VFun, err error) {
	res, err = p.compileWithRule(src, func(p *Parser) {
		for !p.match(TEOF) {
			p.decl()
		}
	})
	if err != nil && isREPL {
		declErr := err
		res, err = p.compileWithRule(src, func(p *Parser) {
			p.expr()
			p.emitBytes(byte(OpReturn))
			p.match(TSemi)
			p.consume(TEOF, "expect end of expression")
		})
		if err != nil {
			err = fmt.Errorf("%w\n(as a bare expression: %s)", declErr, err)
		}
	}
	return
}

func (p *Parser) compileWithRule(src string, rule func(*Parser)) (res VFun, err error) {
	p.wrapCompiler(FScript)
	p.Scanner = NewScanner(src)
	p.errors = nil
	p.panicMode = false

	p.advance()
	rule(p)
	res = p.endCompiler()
	err = p.errors.ErrorOrNil()
	return
}

func (p *Parser) currChunk() *Chunk { return p.fun.chunk }

func (p *Parser) emitBytes(bs ...byte) {
	for _, b := range bs {
		p.currChunk().Write(b, p.prev.Line)
	}
}

func (p *Parser) emitReturn() { p.emitBytes(byte(OpNil), byte(OpReturn)) }

func (p *Parser) endCompiler() (res VFun) {
	p.emitReturn()
	res = p.fun
	if debug.DEBUG {
		logrus.Debugln(p.currChunk().Disassemble(res.Name()))
	}
	p.Compiler = p.Compiler.enclosing
	return
}

func (p *Parser) identConst(name *Token) byte { return p.mkConst(NewVStr(name.String())) }

func (p *Parser) markInit() {
	if p.depth == 0 {
		return
	}
	p.locals[len(p.locals)-1].depth = utils.Box(p.depth)
}

func (p *Parser) defVar(global *byte) {
	if global == nil || p.depth > 0 {
		// Local vars: mark the most recently declared one as initialized.
		p.markInit()
		return
	}
	p.emitBytes(byte(OpDefGlobal), *global)
}

func (p *Parser) parseVar(errorMsg string) *byte {
	target := p.consume(TIdent, errorMsg)
	if target == nil {
		return nil // Early return if the assignee is not valid.
	}
	p.declVar()
	if p.depth > 0 {
		return nil // Local vars stay on the stack, not resolved via identConst.
	}
	res := p.identConst(target)
	return &res
}

func (p *Parser) declVar() {
	if p.depth == 0 {
		return
	}
	name := p.prev
	// Search for a prior declaration of the same name in this scope only.
	for i := len(p.locals) - 1; i >= 0; i-- {
		local := p.locals[i]
		if local.initialized() && *local.depth < p.depth {
			break // Shadowing a variable from an enclosing scope is allowed.
		}
		if name.Eq(local.name) {
			p.Error("already declared variable with this name in the current scope")
		}
	}
	if !p.addLocal(name) {
		p.Error("too many local variables in function")
	}
}

func (p *Parser) beginScope() { p.depth++ }

func (p *Parser) endScope() {
	p.depth--
	for len(p.locals) > 0 && p.locals[len(p.locals)-1].initialized() &&
		*p.locals[len(p.locals)-1].depth > p.depth {
		p.emitBytes(byte(OpPop)) // Pop the local off the stack.
		p.locals = p.locals[:len(p.locals)-1]
	}
}

const Uninit = -1

func (p *Parser) resolveLocal(name Token) (slot int) {
	// Search for the latest variable declaration of the same name.
	for i := len(p.locals) - 1; i >= 0; i-- {
		local := p.locals[i]
		if name.Eq(local.name) {
			if !local.initialized() {
				p.Error("cannot read local variable in its own initializer")
			}
			return i
		}
	}
	return Uninit // Global variable.
}

func (p *Parser) emitJump(inst OpCode) (offset int) {
	p.emitBytes(byte(inst), 0xff, 0xff)
	return p.currChunk().Len() - 2
}

func (p *Parser) patchJump(offset int) {
	code := p.currChunk().code
	// -2 adjusts for the two bytes of the jump offset itself:
	// [OpJump] [0xff@offset] [0xff@(offset+1)] [target@(offset+2)] ...
	jump := len(code) - (offset + 2)
	if jump > math.MaxUint16 {
		p.Error("too much code to jump over")
		return
	}
	code[offset], code[offset+1] = byte(jump>>8&0xff), byte(jump&0xff)
}

func (p *Parser) emitLoop(start int) {
	p.emitBytes(byte(OpLoop))
	code := p.currChunk().code
	// [start] ... [OpLoop@(len-1)] [back@len] [back@(len+1)] [here@(len+2)]
	back := len(code) + 2 - start
	if back > math.MaxUint16 {
		p.Error("loop body too large")
		return
	}
	p.emitBytes(byte(back>>8&0xff), byte(back&0xff))
}

/* Precedence */

//go:generate stringer -type=Prec
type Prec int

const (
	PrecNone   Prec = iota
	PrecAssign      // =
	PrecOr          // or
	PrecAnd         // and
	PrecEqual       // == !=
	PrecComp        // < > <= >=
	PrecTerm        // + -
	PrecFactor      // * /
	PrecUnary       // ! -
	PrecCall        // . ()
	PrecPrimary
)

/* Error handling */

func (p *Parser) sync() {
	p.panicMode = false
	for !p.check(TEOF) {
		if p.checkPrev(TSemi) {
			return
		}
		switch p.curr.Type {
		case TClass, TFun, TVar, TFor, TIf, TWhile, TPrint, TReturn:
			return
		}
		p.advance()
	}
}

func (p *Parser) ErrorAt(tk Token, reason string) {
	// Don't collect cascading errors while resynchronizing.
	if p.panicMode {
		return
	}
	p.panicMode = true

	var tkStr string
	switch tk.Type {
	case TEOF:
		tkStr = "end"
	case TIdent:
		tkStr = fmt.Sprintf("identifier `%v`", tk)
	default:
		tkStr = fmt.Sprintf("`%v`", tk)
	}
	reason1 := fmt.Sprintf("at %s, %s", tkStr, reason)
	err := &e.CompilationError{Line: tk.Line, Reason: reason1}

	if debug.DEBUG {
		logrus.Debugln(p.currChunk().Disassemble("ErrorAt"))
		logrus.Debugln(err)
	}

	p.errors = multierror.Append(p.errors, err)
}

func (p *Parser) Error(reason string)       { p.ErrorAt(p.prev, reason) }
func (p *Parser) ErrorAtCurr(reason string) { p.ErrorAt(p.curr, reason) }
func (p *Parser) HadError() bool            { return p.errors != nil }
