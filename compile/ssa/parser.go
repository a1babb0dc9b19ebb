// Copyright (c) 2024 The Falcon Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.
package ssa

import (
	"fmt"
	"strconv"
)

// parser recognizes the textual SSA grammar: function
// definitions, labeled blocks, and the three instruction shapes
// (zero-destination, typed-dest, typed-dest-value). It is used only by
// tests and the `crucible asm`/`crucible build` CLI commands, never by
// the in-memory builder API itself.
type parser struct {
	toks   []Token
	pos    int
	mod    *Module
	fn     *Function
	b      *FunctionBuilder
	labels map[string]BlockId
	vals   map[string]Value // %id -> value, populated as instructions are built
}

// ParseModule parses the textual SSA grammar into a Module. On
// malformed input it panics with a *ParseError; callers that want to
// recover should `recover()` and type-assert.
func ParseModule(src string) (mod *Module) {
	p := &parser{toks: newLexer(src).tokenize(), mod: NewModule()}
	for p.cur().Kind != TokEOF {
		p.parseFunction()
	}
	return p.mod
}

func (p *parser) cur() Token  { return p.toks[p.pos] }
func (p *parser) peek(n int) Token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}
func (p *parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) fail(format string, args ...interface{}) {
	panic(&ParseError{Line: p.cur().Line, Message: fmt.Sprintf(format, args...)})
}

func (p *parser) expect(kind TokKind, what string) Token {
	if p.cur().Kind != kind {
		p.fail("expected %s, got %q", what, p.cur().Text)
	}
	return p.advance()
}

func (p *parser) expectIdent(text string) {
	if p.cur().Kind != TokIdent || p.cur().Text != text {
		p.fail("expected keyword %q, got %q", text, p.cur().Text)
	}
	p.advance()
}

func (p *parser) parseFunction() {
	p.expectIdent("func")
	p.expect(TokAt, "'@'")
	name := p.expect(TokIdent, "function name").Text

	p.expect(TokLParen, "'('")
	var paramTypes []Type
	for p.cur().Kind != TokRParen {
		paramTypes = append(paramTypes, p.parseType())
		if p.cur().Kind == TokComma {
			p.advance()
		}
	}
	p.expect(TokRParen, "')'")
	retType := p.parseType()
	p.expect(TokLBrace, "'{'")

	fn := p.mod.NewFunction(name, paramTypes, retType)
	p.fn = fn
	p.b = NewFunctionBuilder(p.mod, fn)
	p.labels = make(map[string]BlockId)
	p.vals = make(map[string]Value)
	// Param instructions share the %N numbering with every other
	// instruction, so they're just pre-seeded into vals here.
	for _, id := range fn.ParamInsts {
		p.vals[percentName(id)] = ValueInst(id, fn.Instructions[id].Typ)
	}

	for p.cur().Kind != TokRBrace {
		p.parseBlockOrInstruction()
	}
	p.expect(TokRBrace, "'}'")
}

func percentName(id InstructionId) string {
	return "%" + strconv.Itoa(int(id))
}

// parseBlockOrInstruction recognizes either a block header ("name:") or
// a single instruction line within the current block.
func (p *parser) parseBlockOrInstruction() {
	if p.cur().Kind == TokIdent && p.peek(1).Kind == TokColon {
		name := p.advance().Text
		p.advance() // ':'
		bid, ok := p.labels[name]
		if !ok {
			bid = p.b.NewBlock()
			p.labels[name] = bid
		}
		p.b.SetBlock(bid)
		return
	}
	p.parseInstruction()
}

func (p *parser) blockByName(name string) BlockId {
	if bid, ok := p.labels[name]; ok {
		return bid
	}
	bid := p.b.NewBlock()
	p.labels[name] = bid
	return bid
}

func (p *parser) parseInstruction() {
	// typed-dest forms: "%n = <op> ..."
	if p.cur().Kind == TokPercent && p.peek(1).Kind == TokNumber && p.peek(2).Kind == TokEquals {
		p.advance() // %
		destNum := p.advance().Text
		p.advance() // =
		p.parseValueProducingOp(destNum)
		return
	}

	p.expect(TokIdent, "instruction mnemonic")
	mnemonic := p.toks[p.pos-1].Text
	switch mnemonic {
	case "store":
		ptr := p.parseValue()
		p.expect(TokComma, "','")
		val := p.parseValue()
		p.b.Store(ptr, val)
	case "ret":
		if p.cur().Kind == TokRBrace || (p.cur().Kind == TokIdent && p.peek(1).Kind == TokColon) {
			p.b.RetVoid()
		} else {
			p.b.Ret(p.parseValue())
		}
	case "br":
		p.expectIdent("label")
		name := p.expect(TokIdent, "label name").Text
		p.b.Br(p.blockByName(name))
	case "condbr":
		cond := p.parseValue()
		p.expect(TokComma, "','")
		p.expectIdent("label")
		conName := p.expect(TokIdent, "label name").Text
		p.expect(TokComma, "','")
		p.expectIdent("label")
		altName := p.expect(TokIdent, "label name").Text
		p.b.CondBr(cond, p.blockByName(conName), p.blockByName(altName))
	default:
		p.fail("unknown instruction %q", mnemonic)
	}
}

func (p *parser) parseValueProducingOp(destNum string) {
	p.expect(TokIdent, "operator")
	op := p.toks[p.pos-1].Text
	var result Value
	switch op {
	case "alloc":
		t := p.parseType()
		result = p.b.Alloc(t)
	case "load":
		ptr := p.parseValue()
		result = p.b.Load(ptr)
	case "gep":
		base := p.parseValue()
		var idx []Value
		for p.cur().Kind == TokComma {
			p.advance()
			idx = append(idx, p.parseValue())
		}
		result = p.b.Gep(base, idx...)
	case "call":
		p.expect(TokAt, "'@'")
		name := p.expect(TokIdent, "callee name").Text
		callee, ok := p.mod.FindFunctionByName(name)
		if !ok {
			p.fail("call to undefined function @%s", name)
		}
		p.expect(TokLParen, "'('")
		var args []Value
		for p.cur().Kind != TokRParen {
			args = append(args, p.parseValue())
			if p.cur().Kind == TokComma {
				p.advance()
			}
		}
		p.expect(TokRParen, "')'")
		result = p.b.Call(callee, args...)
	case "add", "sub", "mul", "div", "rem", "shl", "shr", "and", "or", "xor":
		lhs := p.parseValue()
		p.expect(TokComma, "','")
		rhs := p.parseValue()
		result = p.binOpByName(op, lhs, rhs)
	case "eq", "neq", "gt", "gte", "lt", "lte":
		lhs := p.parseValue()
		p.expect(TokComma, "','")
		rhs := p.parseValue()
		result = p.cmpOpByName(op, lhs, rhs)
	default:
		p.fail("unknown value-producing operator %q", op)
	}
	p.vals["%"+destNum] = result
}

func (p *parser) binOpByName(op string, lhs, rhs Value) Value {
	switch op {
	case "add":
		return p.b.Add(lhs, rhs)
	case "sub":
		return p.b.Sub(lhs, rhs)
	case "mul":
		return p.b.Mul(lhs, rhs)
	case "div":
		return p.b.Div(lhs, rhs)
	case "rem":
		return p.b.Rem(lhs, rhs)
	case "shl":
		return p.b.Shl(lhs, rhs)
	case "shr":
		return p.b.Shr(lhs, rhs)
	case "and":
		return p.b.And(lhs, rhs)
	case "or":
		return p.b.Or(lhs, rhs)
	case "xor":
		return p.b.Xor(lhs, rhs)
	}
	p.fail("unreachable binop %q", op)
	return Value{}
}

func (p *parser) cmpOpByName(op string, lhs, rhs Value) Value {
	switch op {
	case "eq":
		return p.b.Eq(lhs, rhs)
	case "neq":
		return p.b.Neq(lhs, rhs)
	case "gt":
		return p.b.Gt(lhs, rhs)
	case "gte":
		return p.b.Gte(lhs, rhs)
	case "lt":
		return p.b.Lt(lhs, rhs)
	case "lte":
		return p.b.Lte(lhs, rhs)
	}
	p.fail("unreachable cmpop %q", op)
	return Value{}
}

// parseType recognizes `void|i1|i8|i32`, `*T`, and `[N]T`.
func (p *parser) parseType() Type {
	switch p.cur().Kind {
	case TokStar:
		p.advance()
		return PointerTo(p.parseType())
	case TokLBracket:
		p.advance()
		n := p.expect(TokNumber, "array length").Text
		p.expect(TokRBracket, "']'")
		length, _ := strconv.Atoi(n)
		return ArrayOf(p.parseType(), length)
	case TokIdent:
		name := p.advance().Text
		switch name {
		case "void":
			return Void()
		case "i1":
			return I1()
		case "i8":
			return I8()
		case "i32":
			return I32()
		}
		p.fail("unknown type %q", name)
	}
	p.fail("expected a type, got %q", p.cur().Text)
	return Type{}
}

// parseValue recognizes `T <const>`, `T %id`, and `T zero`.
func (p *parser) parseValue() Value {
	t := p.parseType()
	switch p.cur().Kind {
	case TokPercent:
		p.advance()
		n := p.expect(TokNumber, "value id").Text
		v, ok := p.vals["%"+n]
		if !ok {
			p.fail("use of undefined value %%%s", n)
		}
		return v
	case TokIdent:
		if p.cur().Text == "zero" {
			p.advance()
			return ValueConst(ZeroInitializer(t))
		}
		p.fail("unexpected identifier %q in value position", p.cur().Text)
	case TokNumber, TokMinus:
		neg := false
		if p.cur().Kind == TokMinus {
			neg = true
			p.advance()
		}
		n := p.expect(TokNumber, "numeric literal").Text
		val, _ := strconv.ParseInt(n, 10, 64)
		if neg {
			val = -val
		}
		switch t.Kind {
		case TI1:
			return ValueConst(ConstI1(val != 0))
		case TI8:
			return ValueConst(ConstI8(int8(val)))
		case TI32:
			return ValueConst(ConstI32(int32(val)))
		default:
			p.fail("numeric literal is not valid for type %v", t)
		}
	}
	p.fail("expected a value, got %q", p.cur().Text)
	return Value{}
}
