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

func TestWriteReadRoundTripNoRelocations(t *testing.T) {
	obj := objfile.Object{
		Text: []byte{0xc3, 0x90, 0x90, 0xc3},
		Symbols: []objfile.Symbol{
			{Name: "main", Defined: true, Offset: 0},
			{Name: "helper", Defined: true, Offset: 2},
		},
	}

	buf := objfile.Write(obj)
	got, err := objfile.Read(buf)
	require.NoError(t, err)

	require.Equal(t, obj.Text, got.Text)
	require.ElementsMatch(t, obj.Symbols, got.Symbols)
	require.Empty(t, got.Relocs)
}

func TestWriteReadRoundTripWithRelocationAndUndefinedSymbol(t *testing.T) {
	obj := objfile.Object{
		Text: []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3},
		Symbols: []objfile.Symbol{
			{Name: "main", Defined: true, Offset: 0},
			{Name: "puts", Defined: false},
		},
		Relocs: []objfile.Relocation{
			{Offset: 1, Symbol: "puts", Addend: -4},
		},
	}

	buf := objfile.Write(obj)
	got, err := objfile.Read(buf)
	require.NoError(t, err)

	require.Equal(t, obj.Text, got.Text)
	require.ElementsMatch(t, obj.Symbols, got.Symbols)
	require.Equal(t, obj.Relocs, got.Relocs)
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := objfile.Read(make([]byte, 64))
	require.Error(t, err)
}

func TestReadRejectsTruncatedHeader(t *testing.T) {
	buf := objfile.Write(objfile.Object{Text: []byte{0xc3}})
	_, err := objfile.Read(buf[:10])
	require.Error(t, err)
}
