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

// Package regalloc implements a two-pass local linear-scan allocator:
// a reverse liveness pre-pass followed by a forward allocation pass
// over the fixed physical pool asmir.PhysicalPool. Shaped after
// codegen.LSRA (lsra.go, lsra_interval.go) but deliberately far
// simpler, matching the scope regalloc.rs implements rather than a
// full interval-based allocator with move resolution and spilling.
// Liveness is tracked in utils.BitMap vectors, the same gen/kill/in/out
// shape lsra.go uses for its own dataflow pass.
package regalloc

import (
	"crucible/compile/asmir"
	"crucible/utils"
	"fmt"
)

// regKindSpan upper-bounds the RegKind enum so inUse can be tracked in a
// fixed-size bitmap rather than a map.
const regKindSpan = 32

// ErrRegistersExhausted is returned when the live set at some point
// exceeds the physical pool's size. Spilling is out of scope; this is
// the register allocator's one documented operational failure,
// reported to the caller rather than panicked.
type ErrRegistersExhausted struct {
	InstIndex int
}

func (e *ErrRegistersExhausted) Error() string {
	return fmt.Sprintf("registers exhausted while allocating instruction %d", e.InstIndex)
}

// Allocate rewrites every virtual Register appearing in fn's
// instructions to a physical register from asmir.PhysicalPool, in
// place. It leaves PseudoOp and Label items untouched.
func Allocate(fn *asmir.Function) error {
	vidSpan := countVirtualIds(fn)
	lastUseAt := livenessPrePass(fn, vidSpan)
	return allocationPass(fn, lastUseAt)
}

// countVirtualIds returns one past the largest virtual register id fn's
// instructions reference, sizing the bitmaps the liveness and
// allocation passes track ids in.
func countVirtualIds(fn *asmir.Function) int {
	span := 0
	for _, item := range fn.Items {
		if item.Kind != asmir.ItemInstruction {
			continue
		}
		for _, arg := range item.Inst.Args {
			for _, vid := range virtualIds(arg) {
				if vid+1 > span {
					span = vid + 1
				}
			}
		}
	}
	return span
}

// livenessPrePass walks fn's instructions in reverse, recording for
// each instruction index the set of virtual ids whose last use (in
// forward order) occurs there, each as a bitmap over [0, vidSpan).
func livenessPrePass(fn *asmir.Function, vidSpan int) map[int]*utils.BitMap {
	live := utils.NewBitMap(vidSpan)
	lastUseAt := make(map[int]*utils.BitMap)

	for i := len(fn.Items) - 1; i >= 0; i-- {
		item := fn.Items[i]
		if item.Kind != asmir.ItemInstruction {
			continue
		}
		for _, arg := range item.Inst.Args {
			for _, vid := range virtualIds(arg) {
				if !live.IsSet(vid) {
					if lastUseAt[i] == nil {
						lastUseAt[i] = utils.NewBitMap(vidSpan)
					}
					lastUseAt[i].Set(vid)
					live.Set(vid)
				}
			}
		}
	}
	return lastUseAt
}

// allocationPass walks fn's instructions forward, assigning a physical
// register to every not-yet-mapped virtual operand and rewriting it in
// place, then freeing registers whose virtual id's last use was this
// instruction.
func allocationPass(fn *asmir.Function, lastUseAt map[int]*utils.BitMap) error {
	mapping := make(map[int]asmir.RegKind)
	inUse := utils.NewBitMap(regKindSpan)

	for i, item := range fn.Items {
		if item.Kind != asmir.ItemInstruction {
			continue
		}
		for j, arg := range item.Inst.Args {
			for _, vid := range virtualIds(arg) {
				if _, already := mapping[vid]; already {
					continue
				}
				k, err := allocatePhysical(inUse, i)
				if err != nil {
					return err
				}
				mapping[vid] = k
				inUse.Set(int(k))
			}
			fn.Items[i].Inst.Args[j] = rewriteOperand(arg, mapping)
		}
		if dying := lastUseAt[i]; dying != nil {
			for vid := 0; vid < dying.Size(); vid++ {
				if !dying.IsSet(vid) {
					continue
				}
				if phys, ok := mapping[vid]; ok {
					inUse.Reset(int(phys))
				}
			}
		}
	}
	return nil
}

// allocatePhysical picks the first pool register not currently mapped,
// per the pool's fixed tie-break order.
func allocatePhysical(inUse *utils.BitMap, instIndex int) (asmir.RegKind, error) {
	for _, k := range asmir.PhysicalPool {
		if !inUse.IsSet(int(k)) {
			return k, nil
		}
	}
	return 0, &ErrRegistersExhausted{InstIndex: instIndex}
}

// virtualIds returns every distinct virtual register id an operand
// references — an Indirect may name one in Base and a different one in
// Index.
func virtualIds(o asmir.Operand) []int {
	var ids []int
	switch o.Kind {
	case asmir.OpRegister:
		if o.Reg.IsVirtual() {
			ids = append(ids, o.Reg.Virtual)
		}
	case asmir.OpIndirect:
		if o.Mem.Base.IsVirtual() {
			ids = append(ids, o.Mem.Base.Virtual)
		}
		if o.Mem.Index != nil && o.Mem.Index.IsVirtual() {
			ids = append(ids, o.Mem.Index.Virtual)
		}
	}
	return ids
}

func rewriteOperand(o asmir.Operand, mapping map[int]asmir.RegKind) asmir.Operand {
	switch o.Kind {
	case asmir.OpRegister:
		if o.Reg.IsVirtual() {
			o.Reg = asmir.PhysicalReg(mapping[o.Reg.Virtual], o.Reg.Size)
		}
	case asmir.OpIndirect:
		if o.Mem.Base.IsVirtual() {
			o.Mem.Base = asmir.PhysicalReg(mapping[o.Mem.Base.Virtual], o.Mem.Base.Size)
		}
		if o.Mem.Index != nil && o.Mem.Index.IsVirtual() {
			r := asmir.PhysicalReg(mapping[o.Mem.Index.Virtual], o.Mem.Index.Size)
			o.Mem.Index = &r
		}
	}
	return o
}
