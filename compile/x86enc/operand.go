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

// Package x86enc is the bit-exact x86-64 instruction encoder and
// decoder: REX/ModR/M/SIB/displacement/immediate
// construction, dispatched by operand-shape family. Shaped after
// x86asm's encode/encoding.rs per-family encode_m/encode_o/.../
// encode_set functions and the REX/ModR-M/SIB byte-packing rules in
// common/rex.rs and common/sib.rs.
package x86enc

import "crucible/compile/asmir"

// regNumber returns the 3-bit encoding number for a physical register
// and whether it is in the r8..r15 extended range (requiring a REX
// extension bit to address).
func regNumber(k asmir.RegKind) (num int, extended bool) {
	switch k {
	case asmir.Rax:
		return 0, false
	case asmir.Rcx, asmir.Cl:
		return 1, false
	case asmir.Rdx:
		return 2, false
	case asmir.Rbx:
		return 3, false
	case asmir.Rsp:
		return 4, false
	case asmir.Rbp:
		return 5, false
	case asmir.Rsi:
		return 6, false
	case asmir.Rdi:
		return 7, false
	case asmir.R8:
		return 0, true
	case asmir.R9:
		return 1, true
	case asmir.R10:
		return 2, true
	case asmir.R11:
		return 3, true
	case asmir.R12:
		return 4, true
	case asmir.R13:
		return 5, true
	case asmir.R14:
		return 6, true
	case asmir.R15:
		return 7, true
	case asmir.RVirtual:
		panic("x86enc: virtual register reached the encoder")
	}
	return 0, false
}

// regFromNumber is the decoder's inverse of regNumber: given a 3-bit
// field plus its REX extension bit and the operand size, recover the
// RegKind.
func regFromNumber(num int, extended bool, size asmir.Size) asmir.RegKind {
	if size == asmir.Byte && num == 1 && !extended {
		return asmir.Cl
	}
	table := [8]asmir.RegKind{asmir.Rax, asmir.Rcx, asmir.Rdx, asmir.Rbx, asmir.Rsp, asmir.Rbp, asmir.Rsi, asmir.Rdi}
	tableExt := [8]asmir.RegKind{asmir.R8, asmir.R9, asmir.R10, asmir.R11, asmir.R12, asmir.R13, asmir.R14, asmir.R15}
	if extended {
		return tableExt[num]
	}
	return table[num]
}

// RM is the tagged register-or-memory operand the family encoders
// dispatch on, mirroring x86asm's RM<'a> enum.
type RM struct {
	IsMemory bool
	Reg      asmir.Register
	Mem      asmir.Indirect
}

func rmRegister(r asmir.Register) RM { return RM{Reg: r} }
func rmMemory(m asmir.Indirect) RM   { return RM{IsMemory: true, Mem: m} }

// toRM converts an already-allocated (no virtual registers) asmir
// operand into an RM, panicking on operand shapes no family accepts.
func toRM(o asmir.Operand) RM {
	switch o.Kind {
	case asmir.OpRegister:
		return rmRegister(o.Reg)
	case asmir.OpIndirect:
		return rmMemory(o.Mem)
	default:
		panic("x86enc: operand is not register- or memory-shaped")
	}
}
