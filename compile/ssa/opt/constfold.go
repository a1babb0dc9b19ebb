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

// Package opt holds the SSA-to-SSA passes: constant folding and
// dead-code elimination, both driven entirely by the use lists the
// builder maintains.
package opt

import "crucible/compile/ssa"

// ConstantFold walks fn once, folding every BinOp whose operands
// resolve (directly, or transitively through already-folded
// instructions) to integer constants. Folded results are substituted
// into every use; the defining BinOp instruction itself is left in
// place for a later DCE pass to remove. Folding is idempotent: running
// it twice on an already-folded function changes nothing.
func ConstantFold(fn *ssa.Function) {
	folded := make(map[ssa.InstructionId]ssa.Constant)

	for _, bid := range fn.BlockOrder {
		blk := fn.Block(bid)
		for _, instId := range blk.Instructions {
			inst := fn.Inst(instId)
			if inst.Kind != ssa.IBinOp {
				continue
			}
			lhs, lok := resolveConst(fn, folded, inst.Args[0])
			rhs, rok := resolveConst(fn, folded, inst.Args[1])
			if !lok || !rok {
				continue
			}
			folded[instId] = evalBinOp(inst.Typ, inst.BinOp, lhs, rhs)
		}
	}

	if len(folded) == 0 {
		return
	}

	// Substitute every folded id's constant into its users' operand
	// lists, dropping each rewritten user from the folded instruction's
	// own user set.
	for _, bid := range fn.BlockOrder {
		blk := fn.Block(bid)
		for _, instId := range blk.Instructions {
			inst := fn.Inst(instId)
			for i, v := range inst.Args {
				if v.Kind == ssa.VInstruction {
					if c, ok := folded[v.Inst]; ok {
						fn.Inst(v.Inst).RemoveUser(instId)
						inst.Args[i] = ssa.ValueConst(c)
					}
				}
			}
		}
	}
}

// resolveConst reports the constant value of v, following through
// already-folded instructions so a chain of folds resolves in one pass.
func resolveConst(fn *ssa.Function, folded map[ssa.InstructionId]ssa.Constant, v ssa.Value) (ssa.Constant, bool) {
	switch v.Kind {
	case ssa.VConstant:
		return v.Const, true
	case ssa.VInstruction:
		c, ok := folded[v.Inst]
		return c, ok
	default:
		return ssa.Constant{}, false
	}
}

// evalBinOp computes op(lhs, rhs) with two's-complement wrapping
// semantics sized to typ.
func evalBinOp(typ ssa.Type, op ssa.BinOp, lhs, rhs ssa.Constant) ssa.Constant {
	l, r := asI64(lhs), asI64(rhs)
	var result int64
	switch op {
	case ssa.OpAdd:
		result = l + r
	case ssa.OpSub:
		result = l - r
	case ssa.OpMul:
		result = l * r
	case ssa.OpDiv:
		result = l / r
	case ssa.OpRem:
		result = l % r
	case ssa.OpShl:
		result = l << uint(r)
	case ssa.OpShr:
		result = l >> uint(r)
	case ssa.OpAnd:
		result = l & r
	case ssa.OpOr:
		result = l | r
	case ssa.OpXor:
		result = l ^ r
	}
	return wrapToConst(typ, result)
}

func asI64(c ssa.Constant) int64 {
	switch c.Kind {
	case ssa.CI1:
		if c.Bool {
			return 1
		}
		return 0
	case ssa.CI8:
		return int64(c.I8)
	case ssa.CI32:
		return int64(c.I32)
	default:
		return 0
	}
}

func wrapToConst(typ ssa.Type, v int64) ssa.Constant {
	switch typ.Kind {
	case ssa.TI1:
		return ssa.ConstI1(v&1 != 0)
	case ssa.TI8:
		return ssa.ConstI8(int8(v))
	default:
		return ssa.ConstI32(int32(v))
	}
}
