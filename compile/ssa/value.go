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

import "fmt"

// InstructionId, BlockId, FunctionId, and GlobalId are opaque small
// integer handles into their owning arena — the SSA graph is cyclic
// through use/def chains, so ids sidestep shared ownership entirely.
type InstructionId int
type BlockId int
type FunctionId int
type GlobalId int

const InvalidInstructionId InstructionId = -1
const InvalidBlockId BlockId = -1

// ConstantKind tags the constant variants.
type ConstantKind int

const (
	CZeroInitializer ConstantKind = iota
	CI1
	CI8
	CI32
	CArray
)

type Constant struct {
	Kind  ConstantKind
	Typ   Type
	Bool  bool
	I8    int8
	I32   int32
	Elems []Constant
}

func ZeroInitializer(t Type) Constant { return Constant{Kind: CZeroInitializer, Typ: t} }
func ConstI1(b bool) Constant         { return Constant{Kind: CI1, Typ: I1(), Bool: b} }
func ConstI8(v int8) Constant         { return Constant{Kind: CI8, Typ: I8(), I8: v} }
func ConstI32(v int32) Constant       { return Constant{Kind: CI32, Typ: I32(), I32: v} }
func ConstArray(elemType Type, elems []Constant) Constant {
	return Constant{Kind: CArray, Typ: ArrayOf(elemType, len(elems)), Elems: elems}
}

func (c Constant) IsZero() bool {
	switch c.Kind {
	case CZeroInitializer:
		return true
	case CI1:
		return !c.Bool
	case CI8:
		return c.I8 == 0
	case CI32:
		return c.I32 == 0
	default:
		return false
	}
}

func (c Constant) String() string {
	switch c.Kind {
	case CZeroInitializer:
		return "zero"
	case CI1:
		return fmt.Sprintf("%v", c.Bool)
	case CI8:
		return fmt.Sprintf("%d", c.I8)
	case CI32:
		return fmt.Sprintf("%d", c.I32)
	case CArray:
		s := "["
		for i, e := range c.Elems {
			if i > 0 {
				s += ", "
			}
			s += e.String()
		}
		return s + "]"
	}
	return "<bad-const>"
}

// ValueKind tags the Value variant: Constant, Instruction, Parameter,
// or Global.
type ValueKind int

const (
	VConstant ValueKind = iota
	VInstruction
	VParameter
	VGlobal
)

// Value is the operand type threaded through every instruction. Exactly
// one of the Kind-tagged fields is meaningful at a time.
type Value struct {
	Kind  ValueKind
	Const Constant
	Inst  InstructionId
	Param int
	Glob  GlobalId
	Typ   Type
}

func ValueConst(c Constant) Value {
	return Value{Kind: VConstant, Const: c, Typ: c.Typ}
}

func ValueInst(id InstructionId, t Type) Value {
	return Value{Kind: VInstruction, Inst: id, Typ: t}
}

func ValueParam(index int, t Type) Value {
	return Value{Kind: VParameter, Param: index, Typ: t}
}

func ValueGlobal(id GlobalId, t Type) Value {
	return Value{Kind: VGlobal, Glob: id, Typ: t}
}

func (v Value) String() string {
	switch v.Kind {
	case VConstant:
		return v.Const.String()
	case VInstruction:
		return fmt.Sprintf("%%%d", v.Inst)
	case VParameter:
		return fmt.Sprintf("%%arg%d", v.Param)
	case VGlobal:
		return fmt.Sprintf("@%d", v.Glob)
	}
	return "<bad-value>"
}
