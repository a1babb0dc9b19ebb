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

// Function owns the arena of blocks and instructions for a single
// translation unit's function, plus the pre-allocated Param
// instructions whose ids serve directly as value handles.
type Function struct {
	Id         FunctionId
	Name       string
	ParamTypes []Type
	RetType    Type

	Blocks     map[BlockId]*Block
	BlockOrder []BlockId

	Instructions map[InstructionId]*Instruction
	ParamInsts   []InstructionId

	nextBlockId int
	nextInstId  int
}

func newFunction(id FunctionId, name string, paramTypes []Type, retType Type) *Function {
	fn := &Function{
		Id:           id,
		Name:         name,
		ParamTypes:   append([]Type(nil), paramTypes...),
		RetType:      retType,
		Blocks:       make(map[BlockId]*Block),
		Instructions: make(map[InstructionId]*Instruction),
	}
	for i, t := range paramTypes {
		inst := fn.allocInstruction(IParam, t)
		inst.ParamIdx = i
		fn.ParamInsts = append(fn.ParamInsts, inst.Id)
	}
	return fn
}

func (fn *Function) allocInstruction(kind InstKind, typ Type) *Instruction {
	id := InstructionId(fn.nextInstId)
	fn.nextInstId++
	inst := newInstruction(id, kind, typ)
	fn.Instructions[id] = inst
	return inst
}

// NewBlock creates and registers a new, empty block, appending it to
// block_order.
func (fn *Function) NewBlock() BlockId {
	id := BlockId(fn.nextBlockId)
	fn.nextBlockId++
	fn.Blocks[id] = newBlock(id)
	fn.BlockOrder = append(fn.BlockOrder, id)
	return id
}

func (fn *Function) Block(id BlockId) *Block {
	b, ok := fn.Blocks[id]
	utils.Assert(ok, "unknown block id %d", id)
	return b
}

func (fn *Function) Inst(id InstructionId) *Instruction {
	i, ok := fn.Instructions[id]
	utils.Assert(ok, "unknown instruction id %d", id)
	return i
}

// Param returns the Value referencing the i-th parameter.
func (fn *Function) Param(i int) Value {
	utils.Assert(i >= 0 && i < len(fn.ParamInsts), "parameter index out of range")
	return ValueInst(fn.ParamInsts[i], fn.ParamTypes[i])
}

// IsWellFormed checks that every block in block_order ends in a
// terminator and has no non-terminator following it.
func (fn *Function) IsWellFormed() bool {
	for _, bid := range fn.BlockOrder {
		b := fn.Blocks[bid]
		if len(b.Instructions) == 0 {
			return false
		}
		for idx, instId := range b.Instructions {
			inst := fn.Instructions[instId]
			isLast := idx == len(b.Instructions)-1
			if inst.IsTerminator() != isLast {
				return false
			}
		}
	}
	return true
}

func (fn *Function) String() string {
	var b strings.Builder
	params := make([]string, len(fn.ParamTypes))
	for i, t := range fn.ParamTypes {
		params[i] = t.String()
	}
	fmt.Fprintf(&b, "func @%s(%s) %s {\n", fn.Name, strings.Join(params, ", "), fn.RetType)
	for _, bid := range fn.BlockOrder {
		fmt.Fprintf(&b, " label%d:\n", bid)
		for _, instId := range fn.Blocks[bid].Instructions {
			fmt.Fprintf(&b, "  %s\n", fn.Instructions[instId])
		}
	}
	b.WriteString("}")
	return b.String()
}
