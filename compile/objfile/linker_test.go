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

	"crucible/compile/objfile"
)

func TestLinkResolvesCrossObjectCall(t *testing.T) {
	a := objfile.Object{
		Text: []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}, // call helper; ret
		Symbols: []objfile.Symbol{
			{Name: "main", Defined: true, Offset: 0},
		},
		Relocs: []objfile.Relocation{
			{Offset: 1, Symbol: "helper", Addend: -4},
		},
	}
	b := objfile.Object{
		Text: []byte{0xc3}, // helper: ret
		Symbols: []objfile.Symbol{
			{Name: "helper", Defined: true, Offset: 0},
		},
	}

	merged, err := objfile.Link(a, b)
	require.NoError(t, err)

	// The call's rel32 (bytes 1..4) is relative to the end of the call
	// at offset 5, so reaching helper's rebased offset 6 takes a
	// displacement of 1.
	want := []byte{0xe8, 0x01, 0x00, 0x00, 0x00, 0xc3, 0xc3}
	require.Equal(t, want, merged.Text)
	require.Empty(t, merged.Relocs)

	byName := make(map[string]objfile.Symbol)
	for _, s := range merged.Symbols {
		byName[s.Name] = s
	}
	require.Equal(t, uint32(0), byName["main"].Offset)
	require.Equal(t, uint32(6), byName["helper"].Offset)
	require.True(t, byName["helper"].Defined)
}

func TestLinkLeavesUnresolvableRelocationForLaterLinking(t *testing.T) {
	a := objfile.Object{
		Text: []byte{0xe8, 0x00, 0x00, 0x00, 0x00},
		Relocs: []objfile.Relocation{
			{Offset: 1, Symbol: "external_fn", Addend: -4},
		},
	}
	b := objfile.Object{Text: []byte{0xc3}}

	merged, err := objfile.Link(a, b)
	require.NoError(t, err)
	require.Len(t, merged.Relocs, 1)
	require.Equal(t, "external_fn", merged.Relocs[0].Symbol)
}

func TestLinkRejectsSymbolDefinedInBothObjects(t *testing.T) {
	a := objfile.Object{
		Text:    []byte{0xc3},
		Symbols: []objfile.Symbol{{Name: "main", Defined: true, Offset: 0}},
	}
	b := objfile.Object{
		Text:    []byte{0xc3},
		Symbols: []objfile.Symbol{{Name: "main", Defined: true, Offset: 0}},
	}

	_, err := objfile.Link(a, b)
	require.Error(t, err)
}
