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
	"encoding/binary"
	"fmt"
)

// Link merges two relocatable objects into one: a's text comes first,
// b's text is appended and rebased by len(a.Text). Every defined symbol
// from either side is carried over at its rebased offset. Any
// relocation in a or b whose symbol turns out to be defined on the
// OTHER side is resolved in place (its rel32 patched directly into the
// merged text); everything else — including relocations that remain
// unresolved on both sides — survives into the merged object's
// relocation list for a further Link call or an external linker.
//
// This mirrors a conventional two-object link step (defined symbols
// satisfy the other object's undefined references, the rest passes
// through), generalized from a single fixed pair of objects to
// Object values of arbitrary symbol/relocation shape.
func Link(a, b Object) (Object, error) {
	base := len(a.Text)
	text := append(append([]byte(nil), a.Text...), b.Text...)

	type entry struct {
		defined bool
		offset  uint32
	}
	index := make(map[string]entry, len(a.Symbols)+len(b.Symbols))
	addSym := func(s Symbol, rebase int) error {
		off := s.Offset + uint32(rebase)
		if existing, ok := index[s.Name]; ok {
			if existing.defined && s.Defined {
				return fmt.Errorf("objfile: symbol %q defined in both objects", s.Name)
			}
			if s.Defined {
				index[s.Name] = entry{defined: true, offset: off}
			}
			return nil
		}
		index[s.Name] = entry{defined: s.Defined, offset: off}
		return nil
	}
	for _, s := range a.Symbols {
		if err := addSym(s, 0); err != nil {
			return Object{}, err
		}
	}
	for _, s := range b.Symbols {
		if err := addSym(s, base); err != nil {
			return Object{}, err
		}
	}

	resolve := func(r Relocation) bool {
		e, found := index[r.Symbol]
		if !found || !e.defined {
			return false
		}
		instrEnd := int(r.Offset) + 4
		rel := int32(int(e.offset) - instrEnd)
		binary.LittleEndian.PutUint32(text[instrEnd-4:instrEnd], uint32(rel))
		return true
	}

	var relocs []Relocation
	for _, r := range a.Relocs {
		if !resolve(r) {
			relocs = append(relocs, r)
		}
	}
	for _, r := range b.Relocs {
		rebased := Relocation{Offset: r.Offset + uint32(base), Symbol: r.Symbol, Addend: r.Addend}
		if !resolve(rebased) {
			relocs = append(relocs, rebased)
		}
	}

	var symbols []Symbol
	for name, e := range index {
		symbols = append(symbols, Symbol{Name: name, Defined: e.defined, Offset: e.offset})
	}

	return Object{Text: text, Symbols: symbols, Relocs: relocs}, nil
}
