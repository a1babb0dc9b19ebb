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

	"crucible/compile/asmir"
	"crucible/compile/regalloc"
	"crucible/compile/x86enc"
)

// fixup records one encoded instruction whose trailing 4-byte field is a
// rel32 (call/jmp/je target, or a rip-relative disp32 to a label) that
// could not be resolved until every label's final offset is known.
type fixup struct {
	instrStart int
	instrLen   int
	target     string
}

// Assemble allocates registers for every function in asm, encodes the
// whole text section in one linear pass, and resolves every label
// reference it can — intra-function jumps, a function's own ret label,
// and calls to any other function assembled into the same object.
// Anything left unresolved (a call to a symbol this object never
// defines) becomes a Relocation entry for Link or an external linker to
// patch.
//
// Global data (asm.Data) is appended to the same byte buffer immediately
// after the functions' code, and rip-relative references to it are
// resolved exactly like any other intra-object label. This is a
// deliberate simplification over a real toolchain's separate .data
// section: this format's object layout has no cross-section relocation
// type to place a real VA-relative reference between two
// independently-offset sections, so globals live in the one section
// that exists.
func Assemble(asm *asmir.Assembly) (Object, error) {
	for _, fn := range asm.Text.Functions {
		if err := regalloc.Allocate(fn); err != nil {
			return Object{}, fmt.Errorf("assemble %s: %w", fn.Name, err)
		}
	}

	var text []byte
	labels := make(map[string]int)
	var fixups []fixup

	for _, fn := range asm.Text.Functions {
		labels[fn.Name] = len(text)
		for _, item := range fn.Items {
			switch item.Kind {
			case asmir.ItemLabel:
				labels[item.Lbl.Name] = len(text)
			case asmir.ItemPseudoOp:
				// no machine encoding
			case asmir.ItemInstruction:
				start := len(text)
				bytes, target := encodeOne(item.Inst)
				text = append(text, bytes...)
				if target != "" {
					fixups = append(fixups, fixup{instrStart: start, instrLen: len(bytes), target: target})
				}
			}
		}
	}

	for _, blob := range asm.Data.Blobs {
		labels[blob.Name] = len(text)
		if blob.Zeros > 0 {
			text = append(text, make([]byte, blob.Zeros)...)
		} else {
			text = append(text, blob.Bytes...)
		}
	}

	var symbols []Symbol
	seenSymbol := make(map[string]bool)
	for name, off := range labels {
		symbols = append(symbols, Symbol{Name: name, Defined: true, Offset: uint32(off)})
		seenSymbol[name] = true
	}

	var relocs []Relocation
	for _, fx := range fixups {
		if targetOff, ok := labels[fx.target]; ok {
			rel := int32(targetOff - (fx.instrStart + fx.instrLen))
			binary.LittleEndian.PutUint32(text[fx.instrStart+fx.instrLen-4:], uint32(rel))
			continue
		}
		relocs = append(relocs, Relocation{
			Offset: uint32(fx.instrStart + fx.instrLen - 4),
			Symbol: fx.target,
			Addend: -4,
		})
		if !seenSymbol[fx.target] {
			symbols = append(symbols, Symbol{Name: fx.target, Defined: false})
			seenSymbol[fx.target] = true
		}
	}

	return Object{Text: text, Symbols: symbols, Relocs: relocs}, nil
}

// encodeOne encodes a single already-register-allocated instruction,
// returning the bytes and, when the instruction's target is a label not
// resolvable by x86enc itself (jmp/je/call, or a rip-relative memory
// operand), the label name so the caller can patch or relocate it.
// x86enc.Encode's D-family (jmp/je/call) always emits a zero rel32
// placeholder and its rip-relative disp32 is likewise a zero
// placeholder (see x86enc/encode.go) — both are patched here once every
// label's offset is known.
func encodeOne(inst asmir.Instruction) ([]byte, string) {
	if label, ok := jumpTarget(inst); ok {
		return x86enc.EncodeRel32(inst.Mnemonic, 0), label
	}
	if label, ok := ripTarget(inst); ok {
		return x86enc.Encode(inst), label
	}
	return x86enc.Encode(inst), ""
}

func jumpTarget(inst asmir.Instruction) (string, bool) {
	switch inst.Mnemonic {
	case asmir.Jmp, asmir.Je, asmir.Call:
		if len(inst.Args) == 1 && inst.Args[0].Kind == asmir.OpLabel {
			return inst.Args[0].Label, true
		}
	}
	return "", false
}

func ripTarget(inst asmir.Instruction) (string, bool) {
	for _, a := range inst.Args {
		if a.Kind == asmir.OpIndirect && a.Mem.DispBase.IsLabel {
			return a.Mem.DispBase.Label, true
		}
	}
	return "", false
}
