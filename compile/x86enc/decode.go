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
package x86enc

import (
	"crucible/compile/asmir"
	"crucible/utils"
	"encoding/binary"
)

var mrOpcodeToMnemonic = reverseByteMap(func() map[asmir.Mnemonic]byte {
	m := make(map[asmir.Mnemonic]byte)
	for mn, spec := range arithOpcodes {
		m[mn] = spec.mrOpcode
	}
	return m
}())

var rmOpcodeToMnemonic = reverseByteMap(func() map[asmir.Mnemonic]byte {
	m := make(map[asmir.Mnemonic]byte)
	for mn, spec := range arithOpcodes {
		m[mn] = spec.rmOpcode
	}
	return m
}())

var digitToMnemonic = func() map[int]asmir.Mnemonic {
	m := make(map[int]asmir.Mnemonic)
	for mn, spec := range arithOpcodes {
		m[spec.digit] = mn
	}
	return m
}()

var setccOpcodeToMnemonic = reverseByteMap(setccOpcode)

func reverseByteMap(m map[asmir.Mnemonic]byte) map[byte]asmir.Mnemonic {
	out := make(map[byte]asmir.Mnemonic, len(m))
	for mn, b := range m {
		out[b] = mn
	}
	return out
}

// decodeRM is the decoder's inverse of encodeModRM/encodeSib/encodeDisp:
// it consumes the ModR/M byte (and SIB/displacement bytes when present)
// starting at buf[pos], returning the recovered RM and the position
// just past the bytes it consumed.
func decodeRM(buf []byte, pos int, rex Rex, size asmir.Size) (RM, int) {
	modrm := modRMFromByte(buf[pos])
	pos++

	if modrm.Mod == 0b11 {
		kind := regFromNumber(modrm.Rm, rex.B, size)
		return rmRegister(asmir.PhysicalReg(kind, size)), pos
	}

	if modrm.Mod == 0b00 && modrm.Rm == 0b101 {
		d := int32(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		mem := asmir.Indirect{
			Base:     asmir.PhysicalReg(asmir.Rip, asmir.QWord),
			DispBase: asmir.Imm(int64(d)),
			Size:     size,
		}
		return rmMemory(mem), pos
	}

	if modrm.Rm == 0b100 {
		sib := sibFromByte(buf[pos])
		pos++
		var index *asmir.Register
		if sib.Index != 0b100 {
			r := asmir.PhysicalReg(regFromNumber(sib.Index, rex.X, asmir.QWord), asmir.QWord)
			index = &r
		}
		if sib.Base == 0b101 && modrm.Mod == 0b00 {
			d := int32(binary.LittleEndian.Uint32(buf[pos : pos+4]))
			pos += 4
			mem := asmir.Indirect{Index: index, DispBase: asmir.Imm(int64(d)), Size: size}
			return rmMemory(mem), pos
		}
		base := asmir.PhysicalReg(regFromNumber(sib.Base, rex.B, asmir.QWord), asmir.QWord)
		disp, n := decodeDisp(buf, pos, modrm.Mod)
		pos += n
		return rmMemory(asmir.Indirect{Base: base, Index: index, DispBase: disp, Size: size}), pos
	}

	base := asmir.PhysicalReg(regFromNumber(modrm.Rm, rex.B, asmir.QWord), asmir.QWord)
	disp, n := decodeDisp(buf, pos, modrm.Mod)
	pos += n
	return rmMemory(asmir.Indirect{Base: base, DispBase: disp, Size: size}), pos
}

func decodeDisp(buf []byte, pos int, mod int) (asmir.Immediate, int) {
	switch mod {
	case 0b01:
		return asmir.Imm(int64(int8(buf[pos]))), 1
	case 0b10:
		return asmir.Imm(int64(int32(binary.LittleEndian.Uint32(buf[pos : pos+4])))), 4
	default:
		return asmir.Immediate{}, 0
	}
}

func rmToOperand(rm RM) asmir.Operand {
	if rm.IsMemory {
		return asmir.MemOperand(rm.Mem)
	}
	return asmir.RegOperand(rm.Reg)
}

// Decode consumes one encoded instruction from the front of buf and
// returns it plus the number of bytes consumed, inverse to Encode.
// Decode covers exactly the mnemonic/operand-shape matrix Encode
// produces, plus the handful of alternate encodings (rel8 jumps,
// base-less SIB addressing) a general-purpose disassembler must accept
// even though this encoder never emits them.
func Decode(buf []byte) (asmir.Instruction, int) {
	pos := 0
	var rex Rex
	if buf[0]&0xf0 == 0x40 {
		rex = rexFromByte(buf[0])
		pos++
	}
	size := asmir.DWord
	if rex.W {
		size = asmir.QWord
	}

	op := buf[pos]
	switch op {
	case 0xc3:
		return asmir.Instruction{Mnemonic: asmir.Ret}, pos + 1
	case 0xf4:
		return asmir.Instruction{Mnemonic: asmir.Hlt}, pos + 1
	case 0x99:
		return asmir.Instruction{Mnemonic: asmir.Cqo}, pos + 1
	case 0x0f:
		return decodeTwoByte(buf, pos+1, rex, size)
	case 0x6a:
		imm := int8(buf[pos+1])
		return asmir.Instruction{Mnemonic: asmir.Push, Args: []asmir.Operand{asmir.ImmOperand(asmir.Imm(int64(imm)))}}, pos + 2
	case 0x68:
		imm := int32(binary.LittleEndian.Uint32(buf[pos+1 : pos+5]))
		return asmir.Instruction{Mnemonic: asmir.Push, Args: []asmir.Operand{asmir.ImmOperand(asmir.Imm(int64(imm)))}}, pos + 5
	case 0xe9:
		return asmir.Instruction{Mnemonic: asmir.Jmp}, pos + 5
	case 0xeb:
		return asmir.Instruction{Mnemonic: asmir.Jmp}, pos + 2
	case 0x74:
		return asmir.Instruction{Mnemonic: asmir.Je}, pos + 2
	case 0xe8:
		return asmir.Instruction{Mnemonic: asmir.Call}, pos + 5
	case 0x88, 0x89:
		elemSize := size
		if op == 0x88 {
			elemSize = asmir.Byte
		}
		rm, next := decodeRM(buf, pos+1, rex, elemSize)
		reg := asmir.PhysicalReg(regFromNumber(modRMFromByte(buf[pos+1]).Reg, rex.R, elemSize), elemSize)
		return asmir.Instruction{Mnemonic: asmir.Mov, Args: []asmir.Operand{rmToOperand(rm), asmir.RegOperand(reg)}}, next
	case 0x8b:
		rm, next := decodeRM(buf, pos+1, rex, size)
		reg := asmir.PhysicalReg(regFromNumber(modRMFromByte(buf[pos+1]).Reg, rex.R, size), size)
		return asmir.Instruction{Mnemonic: asmir.Mov, Args: []asmir.Operand{asmir.RegOperand(reg), rmToOperand(rm)}}, next
	case 0x8d:
		rm, next := decodeRM(buf, pos+1, rex, size)
		reg := asmir.PhysicalReg(regFromNumber(modRMFromByte(buf[pos+1]).Reg, rex.R, size), size)
		return asmir.Instruction{Mnemonic: asmir.Lea, Args: []asmir.Operand{asmir.RegOperand(reg), rmToOperand(rm)}}, next
	case 0xc7:
		rm, next := decodeRM(buf, pos+1, rex, size)
		imm := int32(binary.LittleEndian.Uint32(buf[next : next+4]))
		return asmir.Instruction{Mnemonic: asmir.Mov, Args: []asmir.Operand{rmToOperand(rm), asmir.ImmOperand(asmir.Imm(int64(imm)))}}, next + 4
	case 0xd3:
		digit := modRMFromByte(buf[pos+1]).Reg
		rm, next := decodeRM(buf, pos+1, rex, size)
		mn := asmir.Shl
		if digit == 5 {
			mn = asmir.Shr
		}
		return asmir.Instruction{Mnemonic: mn, Args: []asmir.Operand{rmToOperand(rm)}}, next
	case 0xf7:
		rm, next := decodeRM(buf, pos+1, rex, size)
		return asmir.Instruction{Mnemonic: asmir.Idiv, Args: []asmir.Operand{rmToOperand(rm)}}, next
	case 0xff:
		digit := modRMFromByte(buf[pos+1]).Reg
		rm, next := decodeRM(buf, pos+1, rex, asmir.QWord)
		if digit == 6 {
			return asmir.Instruction{Mnemonic: asmir.Push, Args: []asmir.Operand{rmToOperand(rm)}}, next
		}
		utils.Fatal("x86enc: unsupported 0xff /%d", digit)
	case 0x8f:
		rm, next := decodeRM(buf, pos+1, rex, asmir.QWord)
		return asmir.Instruction{Mnemonic: asmir.Pop, Args: []asmir.Operand{rmToOperand(rm)}}, next
	case 0x83, 0x81:
		digit := modRMFromByte(buf[pos+1]).Reg
		rm, next := decodeRM(buf, pos+1, rex, size)
		var imm int64
		var consumed int
		if op == 0x83 {
			imm, consumed = int64(int8(buf[next])), 1
		} else {
			imm, consumed = int64(int32(binary.LittleEndian.Uint32(buf[next:next+4]))), 4
		}
		return asmir.Instruction{Mnemonic: digitToMnemonic[digit], Args: []asmir.Operand{rmToOperand(rm), asmir.ImmOperand(asmir.Imm(imm))}}, next + consumed
	}

	if op >= 0x50 && op <= 0x57 {
		kind := regFromNumber(int(op-0x50), rex.B, asmir.QWord)
		return asmir.Instruction{Mnemonic: asmir.Push, Args: []asmir.Operand{asmir.RegOperand(asmir.PhysicalReg(kind, asmir.QWord))}}, pos + 1
	}
	if op >= 0x58 && op <= 0x5f {
		kind := regFromNumber(int(op-0x58), rex.B, asmir.QWord)
		return asmir.Instruction{Mnemonic: asmir.Pop, Args: []asmir.Operand{asmir.RegOperand(asmir.PhysicalReg(kind, asmir.QWord))}}, pos + 1
	}
	if mn, ok := mrOpcodeToMnemonic[op]; ok {
		rm, next := decodeRM(buf, pos+1, rex, size)
		reg := asmir.PhysicalReg(regFromNumber(modRMFromByte(buf[pos+1]).Reg, rex.R, size), size)
		return asmir.Instruction{Mnemonic: mn, Args: []asmir.Operand{rmToOperand(rm), asmir.RegOperand(reg)}}, next
	}
	if mn, ok := rmOpcodeToMnemonic[op]; ok {
		rm, next := decodeRM(buf, pos+1, rex, size)
		reg := asmir.PhysicalReg(regFromNumber(modRMFromByte(buf[pos+1]).Reg, rex.R, size), size)
		return asmir.Instruction{Mnemonic: mn, Args: []asmir.Operand{asmir.RegOperand(reg), rmToOperand(rm)}}, next
	}

	utils.Fatal("x86enc: unrecognized opcode byte 0x%02x", op)
	return asmir.Instruction{}, 0
}

func decodeTwoByte(buf []byte, pos int, rex Rex, size asmir.Size) (asmir.Instruction, int) {
	op := buf[pos]
	switch op {
	case 0x05:
		return asmir.Instruction{Mnemonic: asmir.Syscall}, pos + 1
	case 0x84:
		return asmir.Instruction{Mnemonic: asmir.Je}, pos + 5
	case 0xb6, 0xbe:
		mn := asmir.Movzx
		if op == 0xbe {
			mn = asmir.Movsx
		}
		rm, next := decodeRM(buf, pos+1, rex, asmir.Byte)
		reg := asmir.PhysicalReg(regFromNumber(modRMFromByte(buf[pos+1]).Reg, rex.R, size), size)
		return asmir.Instruction{Mnemonic: mn, Args: []asmir.Operand{asmir.RegOperand(reg), rmToOperand(rm)}}, next
	case 0xaf:
		rm, next := decodeRM(buf, pos+1, rex, size)
		reg := asmir.PhysicalReg(regFromNumber(modRMFromByte(buf[pos+1]).Reg, rex.R, size), size)
		return asmir.Instruction{Mnemonic: asmir.Imul, Args: []asmir.Operand{asmir.RegOperand(reg), rmToOperand(rm)}}, next
	}
	if mn, ok := setccOpcodeToMnemonic[op]; ok {
		rm, next := decodeRM(buf, pos+1, rex, asmir.Byte)
		return asmir.Instruction{Mnemonic: mn, Args: []asmir.Operand{rmToOperand(rm)}}, next
	}
	utils.Fatal("x86enc: unrecognized two-byte opcode 0x0f 0x%02x", op)
	return asmir.Instruction{}, 0
}
