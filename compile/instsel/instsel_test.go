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
package instsel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"crucible/compile/asmir"
	"crucible/compile/instsel"
	"crucible/compile/ssa"
)

func instructions(fn *asmir.Function) []asmir.Instruction {
	var out []asmir.Instruction
	for _, item := range fn.Items {
		if item.Kind == asmir.ItemInstruction {
			out = append(out, item.Inst)
		}
	}
	return out
}

func TestSelectLowersBinOpThenReturnsThroughRax(t *testing.T) {
	mod := ssa.NewModule()
	fn := mod.NewFunction("main", nil, ssa.I32())
	b := ssa.NewFunctionBuilder(mod, fn)
	b.SetBlock(b.NewBlock())
	one := ssa.ValueConst(ssa.ConstI32(1))
	b.Ret(b.Add(one, one))

	asmFn := &asmir.Function{Name: "main"}
	instsel.Select(mod, fn, asmFn)

	insts := instructions(asmFn)

	var addIdx = -1
	for i, in := range insts {
		if in.Mnemonic == asmir.Add {
			addIdx = i
			require.Len(t, in.Args, 2)
			require.Equal(t, asmir.OpImmediate, in.Args[1].Kind)
			require.Equal(t, int64(1), in.Args[1].Imm.Value)
		}
	}
	require.NotEqual(t, -1, addIdx, "expected one add instruction lowering the BinOp")

	// The added value must be moved into rax before the function jumps
	// to its epilogue label.
	var movedToRax bool
	for _, in := range insts[addIdx:] {
		if in.Mnemonic == asmir.Mov && in.Args[0].Kind == asmir.OpRegister && in.Args[0].Reg.Kind == asmir.Rax {
			movedToRax = true
		}
	}
	require.True(t, movedToRax)

	require.Equal(t, asmir.Ret, insts[len(insts)-1].Mnemonic, "function body must end with ret")
}

func TestSelectLowersZeroInitializerOneStorePerElement(t *testing.T) {
	mod := ssa.NewModule()
	arrType := ssa.ArrayOf(ssa.I32(), 4)
	fn := mod.NewFunction("zero_array", nil, ssa.Void())
	b := ssa.NewFunctionBuilder(mod, fn)
	b.SetBlock(b.NewBlock())
	ptr := b.Alloc(arrType)
	b.Store(ptr, ssa.ValueConst(ssa.ZeroInitializer(arrType)))
	b.RetVoid()

	asmFn := &asmir.Function{Name: "zero_array"}
	instsel.Select(mod, fn, asmFn)

	var offsets []int32
	for _, in := range instructions(asmFn) {
		if in.Mnemonic != asmir.Mov || len(in.Args) != 2 {
			continue
		}
		if in.Args[0].Kind == asmir.OpIndirect && in.Args[1].Kind == asmir.OpImmediate && in.Args[1].Imm.Value == 0 {
			offsets = append(offsets, in.Args[0].Mem.DispOffset)
		}
	}

	require.Len(t, offsets, 4, "zero-initializing a 4-element array stores one zero per element")
	for i := 1; i < len(offsets); i++ {
		require.Equal(t, offsets[i-1]+8, offsets[i], "i32 elements occupy 8-byte slots in this register-width layout")
	}
}

func TestSelectLowersGepIntoArrayElementOffsets(t *testing.T) {
	// alloc [4]i32; %1 = gep %0, 0, 1; %2 = gep %0, 0, 2; store 42 -> %1;
	// store 21 -> %2; ret load(%1) + load(%2). Each i32 element occupies
	// an 8-byte slot (register-width layout, spec.md §9), so element 1
	// and element 2 land 8 and 16 bytes past the array's base.
	mod := ssa.NewModule()
	arrType := ssa.ArrayOf(ssa.I32(), 4)
	fn := mod.NewFunction("gep_sum", nil, ssa.I32())
	b := ssa.NewFunctionBuilder(mod, fn)
	b.SetBlock(b.NewBlock())

	base := b.Alloc(arrType)
	zero := ssa.ValueConst(ssa.ConstI32(0))
	one := ssa.ValueConst(ssa.ConstI32(1))
	two := ssa.ValueConst(ssa.ConstI32(2))
	elem1 := b.Gep(base, zero, one)
	elem2 := b.Gep(base, zero, two)
	b.Store(elem1, ssa.ValueConst(ssa.ConstI32(42)))
	b.Store(elem2, ssa.ValueConst(ssa.ConstI32(21)))
	l1 := b.Load(elem1)
	l2 := b.Load(elem2)
	b.Ret(b.Add(l1, l2))

	asmFn := &asmir.Function{Name: "gep_sum"}
	instsel.Select(mod, fn, asmFn)

	var storeOffsets []int32
	for _, in := range instructions(asmFn) {
		if in.Mnemonic == asmir.Mov && in.Args[0].Kind == asmir.OpIndirect &&
			in.Args[1].Kind == asmir.OpImmediate &&
			(in.Args[1].Imm.Value == 42 || in.Args[1].Imm.Value == 21) {
			storeOffsets = append(storeOffsets, in.Args[0].Mem.DispOffset)
		}
	}
	require.Len(t, storeOffsets, 2, "expected one store per gep'd element")
	require.Equal(t, storeOffsets[0]+8, storeOffsets[1], "element 1 and element 2 are 8 bytes apart")
}

func TestSelectLowersCallWithArgumentInFirstIntegerRegister(t *testing.T) {
	mod := ssa.NewModule()
	callee := mod.NewFunction("callee", []ssa.Type{ssa.I32()}, ssa.I32())
	calleeB := ssa.NewFunctionBuilder(mod, callee)
	calleeB.SetBlock(calleeB.NewBlock())
	calleeB.Ret(callee.Param(0))

	fn := mod.NewFunction("caller", nil, ssa.I32())
	b := ssa.NewFunctionBuilder(mod, fn)
	b.SetBlock(b.NewBlock())
	result := b.Call(callee, ssa.ValueConst(ssa.ConstI32(5)))
	b.Ret(result)

	asmFn := &asmir.Function{Name: "caller"}
	instsel.Select(mod, fn, asmFn)

	insts := instructions(asmFn)
	var callIdx = -1
	for i, in := range insts {
		if in.Mnemonic == asmir.Call {
			callIdx = i
			require.Equal(t, asmir.OpLabel, in.Args[0].Kind)
			require.Equal(t, "callee", in.Args[0].Label)
		}
	}
	require.NotEqual(t, -1, callIdx, "expected a call instruction")

	var argMoved bool
	for _, in := range insts[:callIdx] {
		if in.Mnemonic == asmir.Mov && in.Args[0].Kind == asmir.OpRegister &&
			in.Args[0].Reg.Kind == asmir.Rdi && in.Args[1].Kind == asmir.OpImmediate && in.Args[1].Imm.Value == 5 {
			argMoved = true
		}
	}
	require.True(t, argMoved, "the sole i32 argument must be moved into rdi ahead of the call")
}
