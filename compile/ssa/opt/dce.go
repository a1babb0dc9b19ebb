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
package opt

import "crucible/compile/ssa"

// DeadCodeEliminate traverses blocks in reverse layout order and each
// block's instructions in reverse, dropping any instruction whose user
// set (after subtracting already-eliminated ids) is empty and which has
// no side effect. Survivors keep their trimmed user set. Idempotent:
// running it again on its own output eliminates nothing further.
func DeadCodeEliminate(fn *ssa.Function) {
	eliminated := make(map[ssa.InstructionId]struct{})

	for i := len(fn.BlockOrder) - 1; i >= 0; i-- {
		blk := fn.Block(fn.BlockOrder[i])
		kept := make([]ssa.InstructionId, 0, len(blk.Instructions))
		for j := len(blk.Instructions) - 1; j >= 0; j-- {
			instId := blk.Instructions[j]
			inst := fn.Inst(instId)

			liveUsers := false
			inst.Users.ForEach(func(user ssa.InstructionId) {
				if _, dead := eliminated[user]; !dead {
					liveUsers = true
				}
			})

			if !liveUsers && !inst.HasSideEffect() {
				eliminated[instId] = struct{}{}
				continue
			}

			var deadUsers []ssa.InstructionId
			inst.Users.ForEach(func(user ssa.InstructionId) {
				if _, dead := eliminated[user]; dead {
					deadUsers = append(deadUsers, user)
				}
			})
			for _, user := range deadUsers {
				inst.RemoveUser(user)
			}
			kept = append(kept, instId)
		}
		// kept was built in reverse order; restore original order.
		for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
			kept[l], kept[r] = kept[r], kept[l]
		}
		blk.Instructions = kept
	}
}
