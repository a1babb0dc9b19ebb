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
	"fmt"
	"strings"
)

// BinOp enumerates the binary arithmetic/bitwise operators.
type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpRem
	OpShl
	OpShr
	OpAnd
	OpOr
	OpXor
)

func (op BinOp) String() string {
	return [...]string{"add", "sub", "mul", "div", "rem", "shl", "shr", "and", "or", "xor"}[op]
}

// CmpOp enumerates the comparison operators, each yielding an
// I1-typed value.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNeq
	CmpGt
	CmpGte
	CmpLt
	CmpLte
)

func (op CmpOp) String() string {
	return [...]string{"eq", "neq", "gt", "gte", "lt", "lte"}[op]
}

// InstKind tags the instruction-kind variant.
type InstKind int

const (
	IBinOp InstKind = iota
	ICmp
	IRet
	IBr
	ICondBr
	IAlloc
	ILoad
	IStore
	IGep
	ICall
	IParam
)

// Instruction is one arena-owned entity: a kind, its operands (meaning
// depends on Kind), a result type, and the set of instructions that use
// it as an operand. The arena owns instructions; they are appended only
// through the FunctionBuilder and never removed in place — passes mark
// instructions dead and the block's instruction list is rebuilt instead.
type Instruction struct {
	Id InstructionId

	Kind InstKind
	Typ  Type

	BinOp BinOp
	CmpOp CmpOp

	// Args holds the value operands; their meaning is Kind-specific:
	//   BinOp:   [lhs, rhs]
	//   Cmp:     [lhs, rhs]
	//   Ret:     [value] or []
	//   Load:    [ptr]
	//   Store:   [ptr, value]
	//   Gep:     [base, index0, index1, ...]
	//   Call:    [arg0, arg1, ...]
	Args []Value

	AllocType Type        // valid for Alloc
	CalleeId  FunctionId  // valid for Call
	CalleeName string     // valid for Call (symbol name, resolved via symtab)
	Target    BlockId     // valid for Br
	IfTrue    BlockId     // valid for CondBr
	IfFalse   BlockId     // valid for CondBr
	ParamIdx  int         // valid for Param

	Users *utils.Set[InstructionId]
}

func newInstruction(id InstructionId, kind InstKind, typ Type) *Instruction {
	return &Instruction{
		Id:    id,
		Kind:  kind,
		Typ:   typ,
		Users: utils.NewSet[InstructionId](),
	}
}

// IsTerminator reports whether this instruction kind ends a block.
func (i *Instruction) IsTerminator() bool {
	switch i.Kind {
	case IRet, IBr, ICondBr:
		return true
	default:
		return false
	}
}

// HasSideEffect reports whether DCE must keep this instruction
// regardless of its use count.
func (i *Instruction) HasSideEffect() bool {
	switch i.Kind {
	case IStore, ICall, IRet, IBr, ICondBr:
		return true
	default:
		return false
	}
}

func (i *Instruction) AddUser(user InstructionId) {
	i.Users.Add(user)
}

func (i *Instruction) RemoveUser(user InstructionId) {
	i.Users.Remove(user)
}

func (i *Instruction) String() string {
	var b strings.Builder
	dest := ""
	if !i.Typ.IsVoid() && i.Kind != IStore && i.Kind != IBr && i.Kind != ICondBr {
		dest = fmt.Sprintf("%%%d = ", i.Id)
	}
	switch i.Kind {
	case IBinOp:
		fmt.Fprintf(&b, "%s%s %v, %v", dest, i.BinOp, i.Args[0], i.Args[1])
	case ICmp:
		fmt.Fprintf(&b, "%s%s %v, %v", dest, i.CmpOp, i.Args[0], i.Args[1])
	case IRet:
		if len(i.Args) == 0 {
			fmt.Fprintf(&b, "ret")
		} else {
			fmt.Fprintf(&b, "ret %v", i.Args[0])
		}
	case IBr:
		fmt.Fprintf(&b, "br label%d", i.Target)
	case ICondBr:
		fmt.Fprintf(&b, "condbr %v, label%d, label%d", i.Args[0], i.IfTrue, i.IfFalse)
	case IAlloc:
		fmt.Fprintf(&b, "%salloc %v", dest, i.AllocType)
	case ILoad:
		fmt.Fprintf(&b, "%sload %v", dest, i.Args[0])
	case IStore:
		fmt.Fprintf(&b, "store %v, %v", i.Args[0], i.Args[1])
	case IGep:
		fmt.Fprintf(&b, "%sgep %v", dest, i.Args[0])
		for _, idx := range i.Args[1:] {
			fmt.Fprintf(&b, ", %v", idx)
		}
	case ICall:
		fmt.Fprintf(&b, "%scall @%s(", dest, i.CalleeName)
		for j, a := range i.Args {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.String())
		}
		b.WriteString(")")
	case IParam:
		fmt.Fprintf(&b, "%sparam %d", dest, i.ParamIdx)
	default:
		utils.ShouldNotReachHere()
	}
	return b.String()
}

// valueOperands returns the operand positions that may reference another
// instruction, used by the builder and passes to maintain use-lists.
func (i *Instruction) valueOperands() []Value {
	return i.Args
}
