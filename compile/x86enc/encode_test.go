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
package x86enc_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"crucible/compile/asmir"
	"crucible/compile/x86enc"
)

// crossCheck asks the reference x86asm decoder to recognize our encoded
// bytes as a single well-formed instruction of the expected length. This
// catches encoder/decoder bugs that agree with each other symmetrically but
// don't correspond to real x86-64.
func crossCheck(t *testing.T, encoded []byte) {
	t.Helper()
	inst, err := x86asm.Decode(encoded, 64)
	require.NoError(t, err, "reference decoder rejected %x", encoded)
	require.Equal(t, len(encoded), inst.Len, "reference decoder consumed a different length for %x", encoded)
}

func TestEncodePushImm8(t *testing.T) {
	inst := asmir.Instruction{
		Mnemonic: asmir.Push,
		Args:     []asmir.Operand{asmir.ImmOperand(asmir.Imm(2))},
	}
	require.Equal(t, []byte{0x6a, 0x02}, x86enc.Encode(inst))
}

func TestEncodePushImm32(t *testing.T) {
	inst := asmir.Instruction{
		Mnemonic: asmir.Push,
		Args:     []asmir.Operand{asmir.ImmOperand(asmir.Imm(0x100))},
	}
	require.Equal(t, []byte{0x68, 0x00, 0x01, 0x00, 0x00}, x86enc.Encode(inst))
}

func TestEncodeAddRaxR12RequiresSIB(t *testing.T) {
	rax := asmir.PhysicalReg(asmir.Rax, asmir.QWord)
	mem := asmir.Indirect{Base: asmir.PhysicalReg(asmir.R12, asmir.QWord), Size: asmir.QWord}
	inst := asmir.Instruction{
		Mnemonic: asmir.Add,
		Args:     []asmir.Operand{asmir.RegOperand(rax), asmir.MemOperand(mem)},
	}
	encoded := x86enc.Encode(inst)
	require.Equal(t, []byte{0x49, 0x03, 0x04, 0x24}, encoded)
	crossCheck(t, encoded)
}

func TestEncodeAddRaxR13RequiresDisp8Zero(t *testing.T) {
	rax := asmir.PhysicalReg(asmir.Rax, asmir.QWord)
	mem := asmir.Indirect{Base: asmir.PhysicalReg(asmir.R13, asmir.QWord), Size: asmir.QWord}
	inst := asmir.Instruction{
		Mnemonic: asmir.Add,
		Args:     []asmir.Operand{asmir.RegOperand(rax), asmir.MemOperand(mem)},
	}
	encoded := x86enc.Encode(inst)
	require.Equal(t, []byte{0x49, 0x03, 0x45, 0x00}, encoded)
	crossCheck(t, encoded)
}

func TestEncodeMovEaxImm(t *testing.T) {
	eax := asmir.PhysicalReg(asmir.Rax, asmir.DWord)
	inst := asmir.Instruction{
		Mnemonic: asmir.Mov,
		Args:     []asmir.Operand{asmir.RegOperand(eax), asmir.ImmOperand(asmir.Imm(1))},
	}
	require.Equal(t, []byte{0xc7, 0xc0, 0x01, 0x00, 0x00, 0x00}, x86enc.Encode(inst))
}

func TestEncodeRel32JmpToPriorInstruction(t *testing.T) {
	// A jmp whose target is five bytes behind its own end encodes as a
	// rel32 of -5: e9 fb ff ff ff.
	require.Equal(t, []byte{0xe9, 0xfb, 0xff, 0xff, 0xff}, x86enc.EncodeRel32(asmir.Jmp, -5))
}

func TestEncodePopReg(t *testing.T) {
	r15 := asmir.PhysicalReg(asmir.R15, asmir.QWord)
	inst := asmir.Instruction{Mnemonic: asmir.Pop, Args: []asmir.Operand{asmir.RegOperand(r15)}}
	require.Equal(t, []byte{0x41, 0x5f}, x86enc.Encode(inst))
}

// roundTrip encodes inst and decodes the result, asserting the decoded
// instruction consumed the entire byte sequence and reports the same
// mnemonic and operand shapes.
func roundTrip(t *testing.T, inst asmir.Instruction) asmir.Instruction {
	t.Helper()
	encoded := x86enc.Encode(inst)
	decoded, n := x86enc.Decode(encoded)
	require.Equal(t, len(encoded), n, "decode must consume every encoded byte")
	require.Equal(t, inst.Mnemonic, decoded.Mnemonic)
	require.Len(t, decoded.Args, len(inst.Args))
	crossCheck(t, encoded)
	return decoded
}

func TestRoundTripAddRegReg(t *testing.T) {
	dst := asmir.PhysicalReg(asmir.Rbx, asmir.DWord)
	src := asmir.PhysicalReg(asmir.R14, asmir.DWord)
	inst := asmir.Instruction{
		Mnemonic: asmir.Add,
		Args:     []asmir.Operand{asmir.RegOperand(dst), asmir.RegOperand(src)},
	}
	decoded := roundTrip(t, inst)
	require.Equal(t, asmir.OpRegister, decoded.Args[0].Kind)
	require.Equal(t, asmir.OpRegister, decoded.Args[1].Kind)
	require.Equal(t, asmir.Rbx, decoded.Args[0].Reg.Kind)
	require.Equal(t, asmir.R14, decoded.Args[1].Reg.Kind)
}

func TestRoundTripCmpRegImm(t *testing.T) {
	dst := asmir.PhysicalReg(asmir.Rbx, asmir.DWord)
	inst := asmir.Instruction{
		Mnemonic: asmir.Cmp,
		Args:     []asmir.Operand{asmir.RegOperand(dst), asmir.ImmOperand(asmir.Imm(42))},
	}
	decoded := roundTrip(t, inst)
	require.Equal(t, int64(42), decoded.Args[1].Imm.Value)
}

func TestRoundTripMovRegFromIndirect(t *testing.T) {
	dst := asmir.PhysicalReg(asmir.Rax, asmir.QWord)
	mem := asmir.Indirect{
		Base:     asmir.PhysicalReg(asmir.Rbx, asmir.QWord),
		DispBase: asmir.Imm(16),
		Size:     asmir.QWord,
	}
	inst := asmir.Instruction{
		Mnemonic: asmir.Mov,
		Args:     []asmir.Operand{asmir.RegOperand(dst), asmir.MemOperand(mem)},
	}
	decoded := roundTrip(t, inst)
	require.Equal(t, asmir.OpIndirect, decoded.Args[1].Kind)
	require.Equal(t, asmir.Rbx, decoded.Args[1].Mem.Base.Kind)
	require.Equal(t, int64(16), decoded.Args[1].Mem.DispBase.Value)
}

func TestRoundTripSetcc(t *testing.T) {
	dst := asmir.PhysicalReg(asmir.Rax, asmir.Byte)
	inst := asmir.Instruction{Mnemonic: asmir.Sete, Args: []asmir.Operand{asmir.RegOperand(dst)}}
	decoded := roundTrip(t, inst)
	require.Equal(t, asmir.Rax, decoded.Args[0].Reg.Kind)
}

func TestRoundTripImul(t *testing.T) {
	dst := asmir.PhysicalReg(asmir.Rbx, asmir.DWord)
	src := asmir.PhysicalReg(asmir.R10, asmir.DWord)
	inst := asmir.Instruction{
		Mnemonic: asmir.Imul,
		Args:     []asmir.Operand{asmir.RegOperand(dst), asmir.RegOperand(src)},
	}
	decoded := roundTrip(t, inst)
	require.Equal(t, asmir.R10, decoded.Args[1].Reg.Kind)
}

func TestRoundTripPushPopPreservesRegister(t *testing.T) {
	r12 := asmir.PhysicalReg(asmir.R12, asmir.QWord)
	push := asmir.Instruction{Mnemonic: asmir.Push, Args: []asmir.Operand{asmir.RegOperand(r12)}}
	decoded := roundTrip(t, push)
	require.Equal(t, asmir.R12, decoded.Args[0].Reg.Kind)

	pop := asmir.Instruction{Mnemonic: asmir.Pop, Args: []asmir.Operand{asmir.RegOperand(r12)}}
	decoded = roundTrip(t, pop)
	require.Equal(t, asmir.R12, decoded.Args[0].Reg.Kind)
}
