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

// Package compile wires the pipeline stages (parse, optimize, select,
// allocate, encode, write) into the handful of entry points the CLI and
// the test suite call. A small set of ordered stage calls behind one
// public function, in the shape of a CompileTheWorld-style driver, but
// without the external gcc/ld invocation or the source-language front
// end this module doesn't have.
package compile

import (
	"encoding/binary"
	"fmt"
	"os"

	"crucible/compile/asmir"
	"crucible/compile/instsel"
	"crucible/compile/objfile"
	"crucible/compile/ssa"
	"crucible/compile/ssa/opt"
	"crucible/compile/x86enc"
)

// DebugDumpSSA mirrors the front end's debug-print switches: when true,
// BuildAssembly prints each function's post-optimization SSA listing to
// stderr before instruction selection.
var DebugDumpSSA = false

// BuildAssembly runs every module-independent stage: constant folding
// and dead-code elimination per function, then instruction selection
// into a fresh asmir.Assembly, with every Module global serialized into
// the assembly's data section ahead of instruction selection so
// rip-relative references to them resolve during Assemble.
func BuildAssembly(mod *ssa.Module) *asmir.Assembly {
	asm := &asmir.Assembly{}

	for _, id := range mod.GlobalOrder {
		g := mod.Global(id)
		if g.Init.IsZero() {
			asm.Data.Reserve(g.Name, g.Typ.SizeInBytes())
		} else {
			asm.Data.Declare(g.Name, serializeConstant(g.Init))
		}
	}

	for _, id := range mod.FunctionOrder {
		fn := mod.Function(id)
		opt.ConstantFold(fn)
		opt.DeadCodeEliminate(fn)
		if DebugDumpSSA {
			fmt.Fprintf(os.Stderr, "== SSA(%s) ==\n%s\n", fn.Name, fn.String())
		}
		asmFn := asm.Text.NewFunction(fn.Name)
		instsel.Select(mod, fn, asmFn)
	}

	return asm
}

// BuildObject runs BuildAssembly followed by register allocation and
// encoding (objfile.Assemble), returning the in-memory Object ready for
// objfile.Write.
func BuildObject(mod *ssa.Module) (objfile.Object, error) {
	asm := BuildAssembly(mod)
	return objfile.Assemble(asm)
}

// CompileToELF parses src as textual SSA and lowers it all the way to a
// serialized ELF64 relocatable object.
func CompileToELF(src string) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if pe, ok := r.(*ssa.ParseError); ok {
				err = fmt.Errorf("parse error: %s", pe.Error())
				return
			}
			panic(r)
		}
	}()
	mod := ssa.ParseModule(src)
	obj, err := BuildObject(mod)
	if err != nil {
		return nil, err
	}
	return objfile.Write(obj), nil
}

// CompileToAssembly parses src as textual SSA and lowers it through
// instruction selection, returning the textual form of the resulting
// assembly IR (without running register allocation or encoding).
func CompileToAssembly(src string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			if pe, ok := r.(*ssa.ParseError); ok {
				err = fmt.Errorf("parse error: %s", pe.Error())
				return
			}
			panic(r)
		}
	}()
	mod := ssa.ParseModule(src)
	asm := BuildAssembly(mod)
	s := ""
	for _, fn := range asm.Text.Functions {
		s += fn.String()
	}
	return s, nil
}

// Disassemble decodes buf (an object's .text bytes) back into a
// sequence of asmir.Instruction values, in the same family-dispatch
// order x86enc.Decode follows.
func Disassemble(buf []byte) []asmir.Instruction {
	var insts []asmir.Instruction
	for len(buf) > 0 {
		inst, n := x86enc.Decode(buf)
		if n == 0 {
			break
		}
		insts = append(insts, inst)
		buf = buf[n:]
	}
	return insts
}

// serializeConstant lays out c the way the instruction selector's GEP
// offsets expect: I1/I8 as a single byte, I32 as 8 bytes (the deliberate
// SizeInBits quirk that keeps I32 values register-width), arrays as
// the concatenation of their elements in order.
func serializeConstant(c ssa.Constant) []byte {
	switch c.Kind {
	case ssa.CZeroInitializer:
		return make([]byte, c.Typ.SizeInBytes())
	case ssa.CI1:
		if c.Bool {
			return []byte{1}
		}
		return []byte{0}
	case ssa.CI8:
		return []byte{byte(c.I8)}
	case ssa.CI32:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(int64(c.I32)))
		return buf
	case ssa.CArray:
		var buf []byte
		for _, e := range c.Elems {
			buf = append(buf, serializeConstant(e)...)
		}
		return buf
	}
	return nil
}
