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
package objfile_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"crucible/compile/asmir"
	"crucible/compile/objfile"
)

func TestAssembleResolvesIntraObjectCall(t *testing.T) {
	asm := asmir.NewAssembly()

	helper := asm.Text.NewFunction("helper")
	helper.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))

	main := asm.Text.NewFunction("main")
	main.Emit(asmir.InstItem(asmir.Instruction{
		Mnemonic: asmir.Call,
		Args:     []asmir.Operand{asmir.LabelOperand("helper")},
	}))
	main.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))

	obj, err := objfile.Assemble(asm)
	require.NoError(t, err)
	require.Empty(t, obj.Relocs, "a call to a function assembled into the same object resolves in place")

	byName := make(map[string]objfile.Symbol)
	for _, s := range obj.Symbols {
		byName[s.Name] = s
	}
	require.True(t, byName["helper"].Defined)
	require.True(t, byName["main"].Defined)
	// helper is emitted first, so it starts at offset 0; main follows.
	require.Equal(t, uint32(0), byName["helper"].Offset)
	require.Greater(t, byName["main"].Offset, uint32(0))
}

func TestAssembleProducesRelocationForUndefinedCallee(t *testing.T) {
	asm := asmir.NewAssembly()
	main := asm.Text.NewFunction("main")
	main.Emit(asmir.InstItem(asmir.Instruction{
		Mnemonic: asmir.Call,
		Args:     []asmir.Operand{asmir.LabelOperand("puts")},
	}))
	main.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))

	obj, err := objfile.Assemble(asm)
	require.NoError(t, err)
	require.Len(t, obj.Relocs, 1)
	require.Equal(t, "puts", obj.Relocs[0].Symbol)
	require.Equal(t, int32(-4), obj.Relocs[0].Addend)

	var putsSym *objfile.Symbol
	for i := range obj.Symbols {
		if obj.Symbols[i].Name == "puts" {
			putsSym = &obj.Symbols[i]
		}
	}
	require.NotNil(t, putsSym)
	require.False(t, putsSym.Defined)
}

func TestAssembleThenWriteThenReadRoundTrips(t *testing.T) {
	asm := asmir.NewAssembly()
	main := asm.Text.NewFunction("main")
	main.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))

	obj, err := objfile.Assemble(asm)
	require.NoError(t, err)

	buf := objfile.Write(obj)
	got, err := objfile.Read(buf)
	require.NoError(t, err)
	require.Equal(t, obj.Text, got.Text)
}

func TestAssembleAppendsDataSectionAndResolvesRipLabel(t *testing.T) {
	asm := asmir.NewAssembly()
	asm.Data.Declare("msg", []byte{1, 2, 3, 4})

	main := asm.Text.NewFunction("main")
	dst := asmir.VirtualReg(0, asmir.QWord)
	mem := asmir.Indirect{
		Base:     asmir.PhysicalReg(asmir.Rip, asmir.QWord),
		DispBase: asmir.ImmLabel("msg"),
		Size:     asmir.QWord,
	}
	main.Emit(asmir.InstItem(asmir.Instruction{
		Mnemonic: asmir.Lea,
		Args:     []asmir.Operand{asmir.RegOperand(dst), asmir.MemOperand(mem)},
	}))
	main.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))

	obj, err := objfile.Assemble(asm)
	require.NoError(t, err)
	require.Empty(t, obj.Relocs, "msg is colocated in the same object's .text, so its rip reference resolves in place")

	byName := make(map[string]objfile.Symbol)
	for _, s := range obj.Symbols {
		byName[s.Name] = s
	}
	require.True(t, byName["msg"].Defined)
	require.Greater(t, byName["msg"].Offset, uint32(0))
}
