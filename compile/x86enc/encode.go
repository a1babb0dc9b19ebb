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

// Rex packs the REX prefix byte.
type Rex struct {
	W, R, X, B bool
}

func (r Rex) ToByte() byte {
	b := byte(0b01000000)
	if r.W {
		b |= 1 << 3
	}
	if r.R {
		b |= 1 << 2
	}
	if r.X {
		b |= 1 << 1
	}
	if r.B {
		b |= 1
	}
	return b
}

func rexFromByte(b byte) Rex {
	return Rex{W: b&0b1000 != 0, R: b&0b0100 != 0, X: b&0b0010 != 0, B: b&0b0001 != 0}
}

// ModRM packs the ModR/M byte.
type ModRM struct {
	Mod, Reg, Rm int
}

func (m ModRM) ToByte() byte { return byte(m.Mod<<6 | (m.Reg&7)<<3 | (m.Rm & 7)) }

func modRMFromByte(b byte) ModRM {
	return ModRM{Mod: int(b >> 6), Reg: int((b >> 3) & 7), Rm: int(b & 7)}
}

// Sib packs the SIB byte.
type Sib struct {
	Scale, Index, Base int
}

func (s Sib) ToByte() byte { return byte(s.Scale<<6 | (s.Index&7)<<3 | (s.Base & 7)) }

func sibFromByte(b byte) Sib {
	return Sib{Scale: int(b >> 6), Index: int((b >> 3) & 7), Base: int(b & 7)}
}

// EncodedInst is the concatenation-ready byte sequence builder:
// optional REX, opcode, optional ModR/M, optional SIB, optional disp,
// optional immediate, in that strict order.
type EncodedInst struct {
	Rex    *Rex
	Opcode []byte
	ModRM  *ModRM
	Sib    *Sib
	Disp   []byte
	Imm    []byte
}

func newEncodedInst(opcode []byte) *EncodedInst {
	return &EncodedInst{Opcode: append([]byte(nil), opcode...)}
}

func (e *EncodedInst) setReg(reg int) *EncodedInst {
	e.ModRM.Reg = reg
	return e
}

func (e *EncodedInst) ToBytes() []byte {
	var out []byte
	if e.Rex != nil {
		out = append(out, e.Rex.ToByte())
	}
	out = append(out, e.Opcode...)
	if e.ModRM != nil {
		out = append(out, e.ModRM.ToByte())
	}
	if e.Sib != nil {
		out = append(out, e.Sib.ToByte())
	}
	out = append(out, e.Disp...)
	out = append(out, e.Imm...)
	return out
}

func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func le8(v int8) []byte { return []byte{byte(v)} }

// encodeRex computes the REX prefix for an RM operand plus an optional
// reg-field register: emitted iff either operand is QWord
// sized, or either operand's encoding number is in the r8..r15 range.
// REX.W tracks the chosen operand size directly rather than being
// hard-coded true whenever REX is emitted at all.
func encodeRex(rm RM, reg *asmir.Register) *Rex {
	rmSize, bExt := rmSizeAndExt(rm)
	regSize := asmir.QWord
	rExt := false
	if reg != nil {
		regSize = reg.Size
		_, rExt = regNumber(reg.Kind)
	}
	xExt := false
	if rm.IsMemory && rm.Mem.Index != nil {
		_, xExt = regNumber(rm.Mem.Index.Kind)
	}

	wSet := rmSize == asmir.QWord || (reg != nil && regSize == asmir.QWord)
	if !wSet && !rExt && !xExt && !bExt {
		return nil
	}
	return &Rex{W: wSet, R: rExt, X: xExt, B: bExt}
}

func rmSizeAndExt(rm RM) (asmir.Size, bool) {
	if rm.IsMemory {
		_, ext := regNumber(rm.Mem.Base.Kind)
		return rm.Mem.Size, ext
	}
	_, ext := regNumber(rm.Reg.Kind)
	return rm.Reg.Size, ext
}

// encodeModRM builds the ModR/M byte, including the two exceptional
// memory encodings that must be preserved exactly: a bare `[r12]`
// needs an SIB byte (signaled here via rm=0b100), and `[r13]` with no
// displacement must use mod=01 with a zero disp8 rather than mod=00
// (which would alias rip-relative addressing).
func encodeModRM(rm RM) ModRM {
	if !rm.IsMemory {
		num, _ := regNumber(rm.Reg.Kind)
		return ModRM{Mod: 0b11, Rm: num}
	}
	mem := rm.Mem
	if mem.Index != nil {
		return ModRM{Mod: dispMod(mem), Rm: 0b100}
	}
	if mem.Base.Kind == asmir.Rip {
		return ModRM{Mod: 0b00, Rm: 0b101}
	}
	num, _ := regNumber(mem.Base.Kind)
	switch {
	case mem.Base.Kind == asmir.R12 && mem.DispOffset == 0 && !mem.DispBase.IsLabel && mem.DispBase.Value == 0:
		return ModRM{Mod: 0b00, Rm: 0b100}
	case mem.Base.Kind == asmir.R13 && mem.DispOffset == 0 && !mem.DispBase.IsLabel && mem.DispBase.Value == 0:
		return ModRM{Mod: 0b01, Rm: 0b101}
	default:
		return ModRM{Mod: dispMod(mem), Rm: num}
	}
}

func dispMod(mem asmir.Indirect) int {
	if mem.DispBase.IsLabel {
		return 0b10
	}
	disp := int64(mem.DispBase.Value) + int64(mem.DispOffset)
	if disp == 0 {
		return 0b00
	}
	if disp >= -128 && disp <= 127 {
		return 0b01
	}
	return 0b10
}

// encodeSib returns an SIB byte when the memory operand requires one:
// an indexed address or an `[r12]` base. A displacement-only operand
// (no base register) is not encoded: its zero-value Base reads as a
// virtual register, which Encode rejects.
func encodeSib(rm RM) *Sib {
	if !rm.IsMemory {
		return nil
	}
	mem := rm.Mem
	if mem.Index != nil {
		baseNum, _ := regNumber(mem.Base.Kind)
		idxNum, _ := regNumber(mem.Index.Kind)
		return &Sib{Scale: 0b11, Index: idxNum, Base: baseNum} // *8 scale
	}
	if mem.Base.Kind == asmir.R12 {
		return &Sib{Scale: 0, Index: 0b100, Base: 0b100}
	}
	return nil
}

// encodeDisp returns the encoded displacement bytes for a memory
// operand, including the `[r13]` special case (disp8=0).
func encodeDisp(rm RM) []byte {
	if !rm.IsMemory {
		return nil
	}
	mem := rm.Mem
	if mem.Base.Kind == asmir.R13 && mem.DispOffset == 0 && !mem.DispBase.IsLabel && mem.DispBase.Value == 0 {
		return le8(0)
	}
	if mem.DispBase.IsLabel {
		return le32(0) // patched by the caller once the symbol's address is known
	}
	disp := int64(mem.DispBase.Value) + int64(mem.DispOffset)
	switch dispMod(mem) {
	case 0b00:
		return nil
	case 0b01:
		return le8(int8(disp))
	default:
		return le32(int32(disp))
	}
}

func encodeM(opcode []byte, opr1 RM) *EncodedInst {
	e := newEncodedInst(opcode)
	e.Rex = encodeRex(opr1, nil)
	modrm := encodeModRM(opr1)
	e.ModRM = &modrm
	e.Sib = encodeSib(opr1)
	e.Disp = encodeDisp(opr1)
	return e
}

func encodeO(opcode byte, opr1 asmir.Register) *EncodedInst {
	num, ext := regNumber(opr1.Kind)
	e := newEncodedInst([]byte{opcode + byte(num)})
	if ext {
		e.Rex = &Rex{B: true}
	}
	return e
}

func encodeI(opcode []byte, imm []byte) *EncodedInst {
	e := newEncodedInst(opcode)
	e.Imm = imm
	return e
}

func encodeD(opcode []byte, imm []byte) *EncodedInst {
	e := newEncodedInst(opcode)
	e.Imm = imm
	return e
}

func encodeMI(opcode []byte, opr1 RM, imm []byte) *EncodedInst {
	e := encodeM(opcode, opr1)
	e.Imm = imm
	return e
}

func encodeMR(opcode []byte, opr1 RM, opr2 asmir.Register) *EncodedInst {
	e := newEncodedInst(opcode)
	e.Rex = encodeRex(opr1, &opr2)
	modrm := encodeModRM(opr1)
	num, _ := regNumber(opr2.Kind)
	modrm.Reg = num
	e.ModRM = &modrm
	e.Sib = encodeSib(opr1)
	e.Disp = encodeDisp(opr1)
	return e
}

func encodeRM(opcode []byte, opr1 asmir.Register, opr2 RM) *EncodedInst {
	e := newEncodedInst(opcode)
	e.Rex = encodeRex(opr2, &opr1)
	modrm := encodeModRM(opr2)
	num, _ := regNumber(opr1.Kind)
	modrm.Reg = num
	e.ModRM = &modrm
	e.Sib = encodeSib(opr2)
	e.Disp = encodeDisp(opr2)
	return e
}

func encodeRMI(opcode []byte, opr1 asmir.Register, opr2 RM, imm []byte) *EncodedInst {
	e := encodeRM(opcode, opr1, opr2)
	e.Imm = imm
	return e
}

func encodeSet(opcode []byte, opr1 RM) *EncodedInst {
	e := newEncodedInst(opcode)
	if !opr1.IsMemory {
		_, ext := regNumber(opr1.Reg.Kind)
		if ext {
			e.Rex = &Rex{B: true}
		}
	} else {
		e.Rex = encodeRex(opr1, nil)
	}
	modrm := encodeModRM(opr1)
	e.ModRM = &modrm
	e.Sib = encodeSib(opr1)
	e.Disp = encodeDisp(opr1)
	return e
}

// arithOpcodes maps each MI/MR/RM-family arithmetic mnemonic to its
// (/digit shared by the imm8 and imm32 forms, r/m<-reg opcode,
// reg<-r/m opcode).
var arithOpcodes = map[asmir.Mnemonic]struct {
	digit      int
	mrOpcode   byte
	rmOpcode   byte
}{
	asmir.Add: {0, 0x01, 0x03},
	asmir.Or:  {1, 0x09, 0x0b},
	asmir.And: {4, 0x21, 0x23},
	asmir.Sub: {5, 0x29, 0x2b},
	asmir.Xor: {6, 0x31, 0x33},
	asmir.Cmp: {7, 0x39, 0x3b},
}

// Encode dispatches inst to the family appropriate to its mnemonic and
// operand shapes, producing a concatenable byte sequence. Every
// Register operand must already be physical: Encode panics if handed a
// virtual register, since the register allocator is responsible for
// eliminating those first.
func Encode(inst asmir.Instruction) []byte {
	switch inst.Mnemonic {
	case asmir.Ret:
		return []byte{0xc3}
	case asmir.Hlt:
		return []byte{0xf4}
	case asmir.Syscall:
		return []byte{0x0f, 0x05}
	case asmir.Cqo:
		return []byte{0x48, 0x99}
	case asmir.Push:
		return encodePush(inst.Args[0])
	case asmir.Pop:
		return encodePop(inst.Args[0])
	case asmir.Idiv:
		return encodeM([]byte{0xf7}, toRM(inst.Args[0])).setReg(7).ToBytes()
	case asmir.Jmp:
		return encodeD([]byte{0xe9}, le32(0)).ToBytes()
	case asmir.Je:
		return encodeD([]byte{0x0f, 0x84}, le32(0)).ToBytes()
	case asmir.Call:
		return encodeD([]byte{0xe8}, le32(0)).ToBytes()
	case asmir.Sete, asmir.Setne, asmir.Setg, asmir.Setge, asmir.Setl, asmir.Setle:
		return encodeSetcc(inst)
	case asmir.Mov:
		return encodeMov(inst)
	case asmir.Movzx:
		return encodeRM([]byte{0x0f, 0xb6}, inst.Args[0].Reg, toRM(inst.Args[1])).ToBytes()
	case asmir.Movsx:
		return encodeRM([]byte{0x0f, 0xbe}, inst.Args[0].Reg, toRM(inst.Args[1])).ToBytes()
	case asmir.Lea:
		return encodeRM([]byte{0x8d}, inst.Args[0].Reg, toRM(inst.Args[1])).ToBytes()
	case asmir.Imul:
		return encodeImul(inst)
	case asmir.Shl:
		return encodeM([]byte{0xd3}, toRM(inst.Args[0])).setReg(4).ToBytes()
	case asmir.Shr:
		return encodeM([]byte{0xd3}, toRM(inst.Args[0])).setReg(5).ToBytes()
	case asmir.Add, asmir.Sub, asmir.And, asmir.Or, asmir.Xor, asmir.Cmp:
		return encodeArith(inst)
	default:
		utils.Fatal("x86enc: unsupported mnemonic %v", inst.Mnemonic)
		return nil
	}
}

// EncodeRel32 encodes a Jmp/Je/Call instruction with a known relative
// displacement. Encode's own D-family dispatch (the `case asmir.Jmp`,
// `asmir.Je`, `asmir.Call` arms above) always emits a zero rel32
// placeholder because a bare asmir.Instruction only carries a label
// name, not a resolved address; the object assembler calls this with a
// zero displacement while laying out code and patches the rel32 bytes
// in place once every label's final offset is known.
func EncodeRel32(mnemonic asmir.Mnemonic, rel int32) []byte {
	switch mnemonic {
	case asmir.Jmp:
		return encodeD([]byte{0xe9}, le32(rel)).ToBytes()
	case asmir.Je:
		return encodeD([]byte{0x0f, 0x84}, le32(rel)).ToBytes()
	case asmir.Call:
		return encodeD([]byte{0xe8}, le32(rel)).ToBytes()
	}
	utils.Fatal("x86enc: EncodeRel32 called with non-jump mnemonic %v", mnemonic)
	return nil
}

func encodePush(o asmir.Operand) []byte {
	switch o.Kind {
	case asmir.OpImmediate:
		if fitsInt8(o.Imm.Value) {
			return encodeI([]byte{0x6a}, le8(int8(o.Imm.Value))).ToBytes()
		}
		return encodeI([]byte{0x68}, le32(int32(o.Imm.Value))).ToBytes()
	case asmir.OpRegister:
		return encodeO(0x50, o.Reg).ToBytes()
	case asmir.OpIndirect:
		return encodeM([]byte{0xff}, rmMemory(o.Mem)).setReg(6).ToBytes()
	}
	utils.Fatal("x86enc: bad push operand")
	return nil
}

func encodePop(o asmir.Operand) []byte {
	switch o.Kind {
	case asmir.OpRegister:
		return encodeO(0x58, o.Reg).ToBytes()
	case asmir.OpIndirect:
		return encodeM([]byte{0x8f}, rmMemory(o.Mem)).ToBytes()
	}
	utils.Fatal("x86enc: bad pop operand")
	return nil
}

func fitsInt8(v int64) bool { return v >= -128 && v <= 127 }

func encodeMov(inst asmir.Instruction) []byte {
	dst, src := inst.Args[0], inst.Args[1]
	switch {
	case src.Kind == asmir.OpImmediate:
		return encodeMI([]byte{0xc7}, toRM(dst), le32(int32(src.Imm.Value))).setReg(0).ToBytes()
	case dst.Kind == asmir.OpRegister && src.Kind == asmir.OpRegister:
		if src.Reg.Size == asmir.Byte {
			return encodeMR([]byte{0x88}, toRM(dst), src.Reg).ToBytes()
		}
		return encodeMR([]byte{0x89}, toRM(dst), src.Reg).ToBytes()
	case dst.Kind == asmir.OpIndirect && src.Kind == asmir.OpRegister:
		if src.Reg.Size == asmir.Byte {
			return encodeMR([]byte{0x88}, toRM(dst), src.Reg).ToBytes()
		}
		return encodeMR([]byte{0x89}, toRM(dst), src.Reg).ToBytes()
	case dst.Kind == asmir.OpRegister && src.Kind == asmir.OpIndirect:
		return encodeRM([]byte{0x8b}, dst.Reg, toRM(src)).ToBytes()
	}
	utils.Fatal("x86enc: bad mov operand combination")
	return nil
}

func encodeImul(inst asmir.Instruction) []byte {
	dst := inst.Args[0].Reg
	return encodeRM([]byte{0x0f, 0xaf}, dst, toRM(inst.Args[1])).ToBytes()
}

func encodeArith(inst asmir.Instruction) []byte {
	dst, src := inst.Args[0], inst.Args[1]
	spec := arithOpcodes[inst.Mnemonic]
	switch {
	case src.Kind == asmir.OpImmediate:
		if fitsInt8(src.Imm.Value) {
			return encodeMI([]byte{0x83}, toRM(dst), le8(int8(src.Imm.Value))).setReg(spec.digit).ToBytes()
		}
		return encodeMI([]byte{0x81}, toRM(dst), le32(int32(src.Imm.Value))).setReg(spec.digit).ToBytes()
	case src.Kind == asmir.OpRegister:
		return encodeMR([]byte{spec.mrOpcode}, toRM(dst), src.Reg).ToBytes()
	case dst.Kind == asmir.OpRegister && src.Kind == asmir.OpIndirect:
		return encodeRM([]byte{spec.rmOpcode}, dst.Reg, toRM(src)).ToBytes()
	}
	utils.Fatal("x86enc: bad arithmetic operand combination")
	return nil
}

var setccOpcode = map[asmir.Mnemonic]byte{
	asmir.Sete: 0x94, asmir.Setne: 0x95, asmir.Setg: 0x9f,
	asmir.Setge: 0x9d, asmir.Setl: 0x9c, asmir.Setle: 0x9e,
}

func encodeSetcc(inst asmir.Instruction) []byte {
	op := setccOpcode[inst.Mnemonic]
	return encodeSet([]byte{0x0f, op}, toRM(inst.Args[0])).ToBytes()
}
