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
package regalloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"crucible/compile/asmir"
	"crucible/compile/regalloc"
)

func TestAllocateRewritesEveryVirtualRegister(t *testing.T) {
	fn := &asmir.Function{Name: "f"}
	v0 := asmir.VirtualReg(0, asmir.DWord)
	v1 := asmir.VirtualReg(1, asmir.DWord)
	fn.Emit(asmir.InstItem(asmir.Instruction{
		Mnemonic: asmir.Mov,
		Args:     []asmir.Operand{asmir.RegOperand(v0), asmir.ImmOperand(asmir.Imm(1))},
	}))
	fn.Emit(asmir.InstItem(asmir.Instruction{
		Mnemonic: asmir.Mov,
		Args:     []asmir.Operand{asmir.RegOperand(v1), asmir.ImmOperand(asmir.Imm(2))},
	}))
	fn.Emit(asmir.InstItem(asmir.Instruction{
		Mnemonic: asmir.Add,
		Args:     []asmir.Operand{asmir.RegOperand(v0), asmir.RegOperand(v1)},
	}))
	fn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))

	err := regalloc.Allocate(fn)
	require.NoError(t, err)

	for _, item := range fn.Items {
		if item.Kind != asmir.ItemInstruction {
			continue
		}
		for _, arg := range item.Inst.Args {
			if arg.Kind == asmir.OpRegister {
				require.False(t, arg.Reg.IsVirtual(), "no virtual register should survive allocation")
			}
		}
	}
}

func TestAllocateAssignsDistinctRegistersToSimultaneouslyLiveValues(t *testing.T) {
	fn := &asmir.Function{Name: "f"}
	v0 := asmir.VirtualReg(0, asmir.DWord)
	v1 := asmir.VirtualReg(1, asmir.DWord)
	fn.Emit(asmir.InstItem(asmir.Instruction{
		Mnemonic: asmir.Add,
		Args:     []asmir.Operand{asmir.RegOperand(v0), asmir.RegOperand(v1)},
	}))
	fn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))

	require.NoError(t, regalloc.Allocate(fn))

	inst := fn.Items[0].Inst
	require.NotEqual(t, inst.Args[0].Reg.Kind, inst.Args[1].Reg.Kind)
}

func TestAllocateReturnsErrRegistersExhausted(t *testing.T) {
	fn := &asmir.Function{Name: "f"}
	var args []asmir.Operand
	for i := 0; i < len(asmir.PhysicalPool)+1; i++ {
		args = append(args, asmir.RegOperand(asmir.VirtualReg(i, asmir.DWord)))
	}
	fn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Add, Args: args}))
	fn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))

	err := regalloc.Allocate(fn)
	require.Error(t, err)
	var exhausted *regalloc.ErrRegistersExhausted
	require.ErrorAs(t, err, &exhausted)
}

func TestAllocateFreesRegisterAfterLastUse(t *testing.T) {
	// v0 dies at the second instruction; v1..v7 (seven more, matching
	// pool size) can each reuse a register afterward without exhausting
	// the pool, since the allocator is a local linear scan rather than a
	// static one-register-per-virtual assignment.
	fn := &asmir.Function{Name: "f"}
	v0 := asmir.VirtualReg(0, asmir.DWord)
	fn.Emit(asmir.InstItem(asmir.Instruction{
		Mnemonic: asmir.Mov,
		Args:     []asmir.Operand{asmir.RegOperand(v0), asmir.ImmOperand(asmir.Imm(1))},
	}))
	fn.Emit(asmir.InstItem(asmir.Instruction{
		Mnemonic: asmir.Add,
		Args:     []asmir.Operand{asmir.RegOperand(v0), asmir.ImmOperand(asmir.Imm(1))},
	}))
	for i := 1; i <= len(asmir.PhysicalPool); i++ {
		v := asmir.VirtualReg(i, asmir.DWord)
		fn.Emit(asmir.InstItem(asmir.Instruction{
			Mnemonic: asmir.Mov,
			Args:     []asmir.Operand{asmir.RegOperand(v), asmir.ImmOperand(asmir.Imm(int64(i)))},
		}))
	}
	fn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))

	require.NoError(t, regalloc.Allocate(fn))
}
