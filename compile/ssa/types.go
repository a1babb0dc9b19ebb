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

// TypeKind tags the type system's variants: Void, I1, I8, I32,
// Pointer, Array, and Structure. Types are plain values, cheaply cloned,
// and compared structurally — there is no interning table, unlike
// *ast.Type pointers, because the type lattice here is small and fixed.
type TypeKind int

const (
	TVoid TypeKind = iota
	TI1
	TI8
	TI32
	TPointer
	TArray
	TStruct
)

func (k TypeKind) String() string {
	switch k {
	case TVoid:
		return "void"
	case TI1:
		return "i1"
	case TI8:
		return "i8"
	case TI32:
		return "i32"
	case TPointer:
		return "*"
	case TArray:
		return "[]"
	case TStruct:
		return "struct"
	}
	return "<unknown-type>"
}

// Type is the value-type used throughout the SSA IR. Elem is valid for
// Pointer and Array; Len is valid for Array; Members is valid for
// Structure.
type Type struct {
	Kind    TypeKind
	Elem    *Type
	Len     int
	Members []Type
}

func Void() Type   { return Type{Kind: TVoid} }
func I1() Type     { return Type{Kind: TI1} }
func I8() Type     { return Type{Kind: TI8} }
func I32() Type    { return Type{Kind: TI32} }

func PointerTo(elem Type) Type {
	e := elem
	return Type{Kind: TPointer, Elem: &e}
}

func ArrayOf(elem Type, length int) Type {
	e := elem
	return Type{Kind: TArray, Elem: &e, Len: length}
}

func StructOf(members ...Type) Type {
	return Type{Kind: TStruct, Members: append([]Type(nil), members...)}
}

func (t Type) IsPointer() bool { return t.Kind == TPointer }
func (t Type) IsArray() bool   { return t.Kind == TArray }
func (t Type) IsStruct() bool  { return t.Kind == TStruct }
func (t Type) IsVoid() bool    { return t.Kind == TVoid }

func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case TPointer:
		return t.Elem.Equal(*o.Elem)
	case TArray:
		return t.Len == o.Len && t.Elem.Equal(*o.Elem)
	case TStruct:
		if len(t.Members) != len(o.Members) {
			return false
		}
		for i := range t.Members {
			if !t.Members[i].Equal(o.Members[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (t Type) String() string {
	switch t.Kind {
	case TPointer:
		return "*" + t.Elem.String()
	case TArray:
		return fmt.Sprintf("[%d]%s", t.Len, t.Elem.String())
	case TStruct:
		parts := make([]string, len(t.Members))
		for i, m := range t.Members {
			parts[i] = m.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return t.Kind.String()
	}
}

// SizeInBits is the compile-time layout rule used by the instruction
// selector. This is deliberately NOT the architectural byte size:
// I32 occupies 8 bytes (64 bits) to keep the selector monomorphic on
// 64-bit values. Changing this constitutes changing the whole selector's
// layout discipline (GEP offsets, stack slot alignment, zero-init) — see
// DESIGN.md for why it is preserved rather than straightened out.
func (t Type) SizeInBits() int {
	switch t.Kind {
	case TVoid:
		return 0
	case TI1, TI8:
		return 8
	case TI32:
		return 64
	case TPointer:
		return 64
	case TArray:
		return t.Elem.SizeInBits() * t.Len
	case TStruct:
		total := 0
		for _, m := range t.Members {
			total += m.SizeInBits()
		}
		return total
	}
	utils.ShouldNotReachHere()
	return 0
}

func (t Type) SizeInBytes() int {
	return t.SizeInBits() / 8
}

// RegisterSize returns the x86-64 register width (in bytes) that holds a
// value of this type, per the same quirk: I32 lives in a QWord-sized
// register, not a DWord one.
func (t Type) RegisterSize() int {
	switch t.Kind {
	case TI1, TI8:
		return 1
	case TI32, TPointer:
		return 8
	default:
		return 8
	}
}

// MemberOffsetInBits walks a Structure or Array type and returns the
// bit offset of the member/element at the given constant index, along
// with its type. Used by GEP lowering.
func MemberOffsetInBits(t Type, index int) (offsetBits int, elemType Type) {
	switch t.Kind {
	case TArray:
		utils.Assert(index >= 0 && index < t.Len, "array index %d out of bounds (len %d)", index, t.Len)
		return index * t.Elem.SizeInBits(), *t.Elem
	case TStruct:
		utils.Assert(index >= 0 && index < len(t.Members), "struct index %d out of bounds", index)
		off := 0
		for i := 0; i < index; i++ {
			off += t.Members[i].SizeInBits()
		}
		return off, t.Members[index]
	default:
		utils.Fatal("member offset requested on non-aggregate type %v", t)
	}
	return 0, Type{}
}
