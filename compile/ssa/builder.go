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
	"crucible/utils"

	"github.com/samber/lo"
)

// FunctionBuilder is a cursor over a Function: a current block plus a
// terminated flag, so control-flow lowering reads like pseudocode while
// keeping the one-terminator-per-block invariant enforced locally.
type FunctionBuilder struct {
	Module     *Module
	Fn         *Function
	current    BlockId
	terminated bool
}

func NewFunctionBuilder(mod *Module, fn *Function) *FunctionBuilder {
	return &FunctionBuilder{Module: mod, Fn: fn, current: InvalidBlockId}
}

// NewBlock allocates a block but does not switch the cursor to it.
func (b *FunctionBuilder) NewBlock() BlockId {
	return b.Fn.NewBlock()
}

// SetBlock switches the builder's cursor to the given block, which must
// not yet be terminated.
func (b *FunctionBuilder) SetBlock(id BlockId) {
	blk := b.Fn.Block(id)
	b.current = id
	last := blk.Terminator()
	b.terminated = last != InvalidInstructionId && b.Fn.Inst(last).IsTerminator()
}

func (b *FunctionBuilder) CurrentBlock() BlockId { return b.current }
func (b *FunctionBuilder) Terminated() bool      { return b.terminated }

func (b *FunctionBuilder) append(inst *Instruction) InstructionId {
	utils.Assert(b.current != InvalidBlockId, "builder has no current block")
	utils.Assert(!b.terminated, "cannot append to an already-terminated block")
	blk := b.Fn.Block(b.current)
	blk.Instructions = append(blk.Instructions, inst.Id)
	b.maintainUses(inst)
	if inst.IsTerminator() {
		b.terminated = true
	}
	return inst.Id
}

// maintainUses walks inst's value operands and records inst as a user
// of every instruction they reference.
func (b *FunctionBuilder) maintainUses(inst *Instruction) {
	for _, v := range inst.valueOperands() {
		if v.Kind == VInstruction {
			b.Fn.Inst(v.Inst).AddUser(inst.Id)
		}
	}
}

func (b *FunctionBuilder) binOp(op BinOp, lhs, rhs Value) Value {
	typ := resultType(lhs, rhs)
	inst := b.Fn.allocInstruction(IBinOp, typ)
	inst.BinOp = op
	inst.Args = []Value{lhs, rhs}
	b.append(inst)
	return ValueInst(inst.Id, typ)
}

func resultType(lhs, rhs Value) Type {
	if !lhs.Typ.IsVoid() {
		return lhs.Typ
	}
	return rhs.Typ
}

func (b *FunctionBuilder) Add(lhs, rhs Value) Value { return b.binOp(OpAdd, lhs, rhs) }
func (b *FunctionBuilder) Sub(lhs, rhs Value) Value { return b.binOp(OpSub, lhs, rhs) }
func (b *FunctionBuilder) Mul(lhs, rhs Value) Value { return b.binOp(OpMul, lhs, rhs) }
func (b *FunctionBuilder) Div(lhs, rhs Value) Value { return b.binOp(OpDiv, lhs, rhs) }
func (b *FunctionBuilder) Rem(lhs, rhs Value) Value { return b.binOp(OpRem, lhs, rhs) }
func (b *FunctionBuilder) Shl(lhs, rhs Value) Value { return b.binOp(OpShl, lhs, rhs) }
func (b *FunctionBuilder) Shr(lhs, rhs Value) Value { return b.binOp(OpShr, lhs, rhs) }
func (b *FunctionBuilder) And(lhs, rhs Value) Value { return b.binOp(OpAnd, lhs, rhs) }
func (b *FunctionBuilder) Or(lhs, rhs Value) Value  { return b.binOp(OpOr, lhs, rhs) }
func (b *FunctionBuilder) Xor(lhs, rhs Value) Value { return b.binOp(OpXor, lhs, rhs) }

func (b *FunctionBuilder) cmp(op CmpOp, lhs, rhs Value) Value {
	inst := b.Fn.allocInstruction(ICmp, I1())
	inst.CmpOp = op
	inst.Args = []Value{lhs, rhs}
	b.append(inst)
	return ValueInst(inst.Id, I1())
}

func (b *FunctionBuilder) Eq(lhs, rhs Value) Value  { return b.cmp(CmpEq, lhs, rhs) }
func (b *FunctionBuilder) Neq(lhs, rhs Value) Value { return b.cmp(CmpNeq, lhs, rhs) }
func (b *FunctionBuilder) Gt(lhs, rhs Value) Value  { return b.cmp(CmpGt, lhs, rhs) }
func (b *FunctionBuilder) Gte(lhs, rhs Value) Value { return b.cmp(CmpGte, lhs, rhs) }
func (b *FunctionBuilder) Lt(lhs, rhs Value) Value  { return b.cmp(CmpLt, lhs, rhs) }
func (b *FunctionBuilder) Lte(lhs, rhs Value) Value { return b.cmp(CmpLte, lhs, rhs) }

// Alloc reserves a stack slot of type t, returning a pointer-to-t value.
func (b *FunctionBuilder) Alloc(t Type) Value {
	ptrType := PointerTo(t)
	inst := b.Fn.allocInstruction(IAlloc, ptrType)
	inst.AllocType = t
	b.append(inst)
	return ValueInst(inst.Id, ptrType)
}

// Load dereferences a pointer-typed value.
func (b *FunctionBuilder) Load(ptr Value) Value {
	utils.Assert(ptr.Typ.IsPointer(), "load operand must be pointer-typed")
	elemType := *ptr.Typ.Elem
	inst := b.Fn.allocInstruction(ILoad, elemType)
	inst.Args = []Value{ptr}
	b.append(inst)
	return ValueInst(inst.Id, elemType)
}

// Store writes value through a pointer-typed operand. Returns no value.
func (b *FunctionBuilder) Store(ptr, value Value) {
	utils.Assert(ptr.Typ.IsPointer(), "store destination must be pointer-typed")
	inst := b.Fn.allocInstruction(IStore, Void())
	inst.Args = []Value{ptr, value}
	b.append(inst)
}

// Gep computes a pointer into a composite type without dereferencing;
// base must be pointer-typed. The first index steps over base's pointer
// (whole pointees) and each later index walks into the pointee type,
// which yields the result's element type.
func (b *FunctionBuilder) Gep(base Value, indices ...Value) Value {
	utils.Assert(base.Typ.IsPointer(), "gep base must be pointer-typed")
	elemType := base.Typ
	for _, idx := range indices {
		switch elemType.Kind {
		case TPointer, TArray:
			elemType = *elemType.Elem
		case TStruct:
			if idx.Kind == VConstant && idx.Const.Kind == CI32 {
				_, elemType = MemberOffsetInBits(elemType, int(idx.Const.I32))
			} else {
				utils.Fatal("gep into a struct requires a constant index")
			}
		default:
			utils.Fatal("gep index walks through a non-aggregate type %v", elemType)
		}
	}
	resultType := PointerTo(elemType)
	inst := b.Fn.allocInstruction(IGep, resultType)
	inst.Args = append([]Value{base}, indices...)
	b.append(inst)
	return ValueInst(inst.Id, resultType)
}

// Call lowers a direct call to callee with the given arguments.
func (b *FunctionBuilder) Call(callee *Function, args ...Value) Value {
	inst := b.Fn.allocInstruction(ICall, callee.RetType)
	inst.CalleeId = callee.Id
	inst.CalleeName = callee.Name
	inst.Args = lo.Map(args, func(v Value, _ int) Value { return v })
	b.append(inst)
	return ValueInst(inst.Id, callee.RetType)
}

func (b *FunctionBuilder) Br(target BlockId) {
	inst := b.Fn.allocInstruction(IBr, Void())
	inst.Target = target
	b.append(inst)
}

func (b *FunctionBuilder) CondBr(cond Value, ifTrue, ifFalse BlockId) {
	inst := b.Fn.allocInstruction(ICondBr, Void())
	inst.Args = []Value{cond}
	inst.IfTrue = ifTrue
	inst.IfFalse = ifFalse
	b.append(inst)
}

func (b *FunctionBuilder) Ret(v Value) {
	inst := b.Fn.allocInstruction(IRet, Void())
	inst.Args = []Value{v}
	b.append(inst)
}

func (b *FunctionBuilder) RetVoid() {
	inst := b.Fn.allocInstruction(IRet, Void())
	b.append(inst)
}
