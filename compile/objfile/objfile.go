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

// Package objfile is the ELF object writer/reader and a minimal linker.
// Given assembled bytes plus a symbol table and a relocation list, Write
// synthesizes a relocatable ELF64; Read parses one back; Link merges two
// objects by concatenating their .text and rebasing symbols/relocations.
// Field layout is shaped after elfen (header.rs, section_header.rs,
// symbol/*.rs), generalized from that crate's builder-pattern
// Elf/Section API to a flat Object value that the instruction
// selector's output converts into directly.
package objfile

// R_X86_64_PLT32 is the only relocation type this toy object format
// emits — used for every call, jump or rip-relative reference to a
// symbol the assembling object does not define. Rip-relative
// references to global data colocated in .text are resolved in place
// by Assemble and get no relocation (see Assemble's doc comment).
const RX8664PLT32 = 4

// Symbol is one entry destined for the ELF symbol table. A defined
// symbol carries its offset into .text; an undefined one is resolved by
// a later Link call or left for an external linker.
type Symbol struct {
	Name    string
	Defined bool
	Offset  uint32
}

// Relocation is one entry destined for .rela.text: a PLT32 fixup at
// Offset within .text, against Symbol, with the fixed addend -4.
type Relocation struct {
	Offset uint32
	Symbol string
	Addend int32
}

// Object is the in-memory counterpart of a relocatable ELF64: program
// bytes plus the symbol table and relocation list the Writer consumes.
type Object struct {
	Text       []byte
	Symbols    []Symbol
	Relocs     []Relocation
}
