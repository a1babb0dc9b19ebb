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
package opt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"crucible/compile/ssa"
	"crucible/compile/ssa/opt"
)

// buildMain constructs `func @main() i32 { ... }` positioned at the
// builder's entry block, ready for the caller to append instructions.
func buildMain(mod *ssa.Module) (*ssa.Function, *ssa.FunctionBuilder) {
	fn := mod.NewFunction("main", nil, ssa.I32())
	b := ssa.NewFunctionBuilder(mod, fn)
	b.SetBlock(b.NewBlock())
	return fn, b
}

func TestConstantFoldThenDCEDropsDeadChain(t *testing.T) {
	mod := ssa.NewModule()
	fn, b := buildMain(mod)

	one := ssa.ValueConst(ssa.ConstI32(1))
	v0 := b.Add(one, one)
	v1 := b.Add(v0, v0)
	b.Add(v0, v0) // v2, dead
	b.Add(v0, v0) // v3, dead
	b.Ret(v1)

	opt.ConstantFold(fn)
	opt.DeadCodeEliminate(fn)

	blk := fn.Block(fn.BlockOrder[0])
	require.Len(t, blk.Instructions, 1, "only ret should survive")
	ret := fn.Inst(blk.Instructions[0])
	require.Equal(t, ssa.IRet, ret.Kind)
	require.Equal(t, ssa.VConstant, ret.Args[0].Kind)
	require.Equal(t, int32(4), ret.Args[0].Const.I32)
}

func TestConstantFoldIsIdempotent(t *testing.T) {
	mod := ssa.NewModule()
	fn, b := buildMain(mod)
	one := ssa.ValueConst(ssa.ConstI32(1))
	v0 := b.Add(one, one)
	b.Ret(v0)

	opt.ConstantFold(fn)
	first := fn.String()
	opt.ConstantFold(fn)
	require.Equal(t, first, fn.String(), "re-running fold on folded output must change nothing")
}

func TestDCEKeepsCallWithNoConsumers(t *testing.T) {
	mod := ssa.NewModule()
	callee := mod.NewFunction("f", nil, ssa.Void())
	calleeB := ssa.NewFunctionBuilder(mod, callee)
	calleeB.SetBlock(calleeB.NewBlock())
	calleeB.RetVoid()

	fn, b := buildMain(mod)
	b.Call(callee)
	b.Ret(ssa.ValueConst(ssa.ConstI32(0)))

	opt.DeadCodeEliminate(fn)

	blk := fn.Block(fn.BlockOrder[0])
	require.Len(t, blk.Instructions, 2, "the call must survive DCE despite having no users")
	require.Equal(t, ssa.ICall, fn.Inst(blk.Instructions[0]).Kind)
}

func TestFoldedArithmeticReturnsExpectedConstant(t *testing.T) {
	mod := ssa.NewModule()
	fn, b := buildMain(mod)
	one := ssa.ValueConst(ssa.ConstI32(1))
	b.Ret(b.Add(one, one))

	opt.ConstantFold(fn)
	opt.DeadCodeEliminate(fn)

	blk := fn.Block(fn.BlockOrder[0])
	require.Len(t, blk.Instructions, 1)
	ret := fn.Inst(blk.Instructions[0])
	require.Equal(t, int32(2), ret.Args[0].Const.I32)
}
