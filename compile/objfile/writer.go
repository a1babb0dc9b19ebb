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
package objfile

import (
	"bytes"
	"encoding/binary"
	"sort"

	"crucible/utils"
)

// ELF64 field-layout constants, per the System V gABI.
const (
	elfHeaderSize        = 64
	sectionHeaderSize    = 64
	symbolEntrySize      = 24
	relaEntrySize        = 24
	elfClass64           = 2
	elfData2LSB          = 1
	elfOSABISysV         = 0
	elfVersionCurrent    = 1
	etREL                = 1
	emX8664              = 62

	shtNull    = 0
	shtProgbits = 1
	shtSymtab  = 2
	shtStrtab  = 3
	shtRela    = 4

	shfWrite     = 1 << 0
	shfAlloc     = 1 << 1
	shfExecinstr = 1 << 2
	shfInfoLink  = 1 << 6

	sttNotype  = 0
	sttSection = 3
	stbLocal   = 0
	stbGlobal  = 1

	shnUndef = 0
)

// section is an internal bookkeeping record for one entry of the
// section header table; offset/size are filled in once every section's
// payload bytes are known, in a two-pass "assign offsets, then
// serialize" structure.
type section struct {
	name      string
	nameOff   uint32
	shType    uint32
	flags     uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
	payload   []byte
	offset    uint64
}

// stringTable accumulates names into a single NUL-separated blob,
// mirroring the strtab/shstrtab shape.
type stringTable struct {
	buf    bytes.Buffer
	offset map[string]uint32
}

func newStringTable() *stringTable {
	st := &stringTable{offset: make(map[string]uint32)}
	st.buf.WriteByte(0) // index 0 is always the empty string
	return st
}

func (st *stringTable) add(name string) uint32 {
	if name == "" {
		return 0
	}
	if off, ok := st.offset[name]; ok {
		return off
	}
	off := uint32(st.buf.Len())
	st.buf.WriteString(name)
	st.buf.WriteByte(0)
	st.offset[name] = off
	return off
}

// Write synthesizes a relocatable ELF64 object from obj's text bytes,
// symbol table, and relocation list. Section order is fixed:
// null, .text, .symtab, .strtab, .rela.text, .shstrtab. Local symbols
// (the null symbol and the .text section symbol) sort before every
// global symbol so sh_info on .symtab is a valid "one past the last
// local" count.
func Write(obj Object) []byte {
	strtab := newStringTable()

	// Symbols: index 0 null, index 1 a section symbol for .text, then
	// every input symbol in name order (deterministic output), binding
	// GLOBAL.
	names := make([]string, 0, len(obj.Symbols))
	byName := make(map[string]Symbol, len(obj.Symbols))
	for _, s := range obj.Symbols {
		if _, dup := byName[s.Name]; dup {
			continue
		}
		names = append(names, s.Name)
		byName[s.Name] = s
	}
	sort.Strings(names)

	var symtab bytes.Buffer
	writeSymbol(&symtab, 0, 0, 0, 0, 0) // null symbol
	writeSymbol(&symtab, 0, stbLocal<<4|sttSection, 1, 0, 0)
	localCount := uint32(2)

	symbolIndex := make(map[string]uint32, len(names))
	for i, name := range names {
		sym := byName[name]
		nameOff := strtab.add(name)
		shndx := uint16(shnUndef)
		value := uint64(0)
		if sym.Defined {
			shndx = 1 // .text
			value = uint64(sym.Offset)
		}
		writeSymbol(&symtab, nameOff, stbGlobal<<4|sttNotype, shndx, value, 0)
		symbolIndex[name] = uint32(i) + localCount
	}

	var rela bytes.Buffer
	for _, r := range obj.Relocs {
		symIdx, ok := symbolIndex[r.Symbol]
		utils.Assert(ok, "relocation against unknown symbol %q", r.Symbol)
		info := uint64(symIdx)<<32 | RX8664PLT32
		binary.Write(&rela, binary.LittleEndian, uint64(r.Offset))
		binary.Write(&rela, binary.LittleEndian, info)
		binary.Write(&rela, binary.LittleEndian, int64(r.Addend))
	}

	shstrtab := newStringTable()
	sections := []*section{
		{name: "", shType: shtNull},
		{name: ".text", shType: shtProgbits, flags: shfAlloc | shfExecinstr, addralign: 1, payload: obj.Text},
		{name: ".symtab", shType: shtSymtab, addralign: 8, entsize: symbolEntrySize, payload: symtab.Bytes(), info: localCount},
		{name: ".strtab", shType: shtStrtab, addralign: 1, payload: strtab.buf.Bytes()},
		{name: ".rela.text", shType: shtRela, flags: shfInfoLink, addralign: 8, entsize: relaEntrySize, payload: rela.Bytes(), info: 1},
		{name: ".shstrtab", shType: shtStrtab, addralign: 1},
	}
	sections[2].link = 3 // .symtab -> .strtab
	sections[4].link = 2 // .rela.text -> .symtab

	for _, s := range sections {
		s.name2off(shstrtab)
	}
	sections[5].payload = shstrtab.buf.Bytes()

	offset := uint64(elfHeaderSize)
	for _, s := range sections[1:] {
		s.offset = offset
		offset += uint64(len(s.payload))
	}
	shoff := offset

	var out bytes.Buffer
	out.Write(elfHeader(shoff, uint16(len(sections)), 5))
	for _, s := range sections[1:] {
		out.Write(s.payload)
	}
	for _, s := range sections {
		out.Write(sectionHeader(s))
	}
	return out.Bytes()
}

// name2off resolves a section's own name into shstrtab ahead of the
// final serialization pass.
func (s *section) name2off(shstrtab *stringTable) {
	s.nameOff = shstrtab.add(s.name)
}

func writeSymbol(buf *bytes.Buffer, name uint32, info uint8, shndx uint16, value, size uint64) {
	binary.Write(buf, binary.LittleEndian, name)
	buf.WriteByte(info)
	buf.WriteByte(0) // st_other
	binary.Write(buf, binary.LittleEndian, shndx)
	binary.Write(buf, binary.LittleEndian, value)
	binary.Write(buf, binary.LittleEndian, size)
}

func elfHeader(shoff uint64, shnum, shstrndx uint16) []byte {
	var ident [16]byte
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = elfClass64
	ident[5] = elfData2LSB
	ident[6] = elfVersionCurrent
	ident[7] = elfOSABISysV

	var b bytes.Buffer
	b.Write(ident[:])
	binary.Write(&b, binary.LittleEndian, uint16(etREL))
	binary.Write(&b, binary.LittleEndian, uint16(emX8664))
	binary.Write(&b, binary.LittleEndian, uint32(elfVersionCurrent))
	binary.Write(&b, binary.LittleEndian, uint64(0)) // e_entry
	binary.Write(&b, binary.LittleEndian, uint64(0)) // e_phoff
	binary.Write(&b, binary.LittleEndian, shoff)
	binary.Write(&b, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(&b, binary.LittleEndian, uint16(elfHeaderSize))
	binary.Write(&b, binary.LittleEndian, uint16(0)) // e_phentsize
	binary.Write(&b, binary.LittleEndian, uint16(0)) // e_phnum
	binary.Write(&b, binary.LittleEndian, uint16(sectionHeaderSize))
	binary.Write(&b, binary.LittleEndian, shnum)
	binary.Write(&b, binary.LittleEndian, shstrndx)
	return b.Bytes()
}

func sectionHeader(s *section) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, s.nameOff)
	binary.Write(&b, binary.LittleEndian, s.shType)
	binary.Write(&b, binary.LittleEndian, s.flags)
	binary.Write(&b, binary.LittleEndian, uint64(0)) // sh_addr
	binary.Write(&b, binary.LittleEndian, s.offset)
	binary.Write(&b, binary.LittleEndian, uint64(len(s.payload)))
	binary.Write(&b, binary.LittleEndian, s.link)
	binary.Write(&b, binary.LittleEndian, s.info)
	binary.Write(&b, binary.LittleEndian, s.addralign)
	binary.Write(&b, binary.LittleEndian, s.entsize)
	return b.Bytes()
}
