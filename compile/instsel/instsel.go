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

// Package instsel lowers SSA IR (crucible/compile/ssa) into the
// three-address assembly IR (crucible/compile/asmir): a frame
// layout pre-pass, per-instruction lowering rules, and the System V
// calling convention. Shaped after codegen.Lower / lower_x86.go's
// per-Op lowering dispatch (one lowerX function per SSA operator
// family), generalized from a LIR-with-phi-nodes shape down to this
// package's simpler alloc/load/store/gep value model.
package instsel

import (
	"fmt"

	"github.com/samber/lo"

	"crucible/compile/asmir"
	"crucible/compile/ssa"
	"crucible/utils"
)

// argRegs is the System V AMD64 integer argument order.
var argRegs = []asmir.RegKind{asmir.Rdi, asmir.Rsi, asmir.Rdx, asmir.Rcx, asmir.R8, asmir.R9}

// selector holds the per-function lowering state: the frame layout,
// the virtual-register counter, and a cache mapping every SSA
// instruction id to the operand that represents its value.
type selector struct {
	mod      *ssa.Module
	fn       *ssa.Function
	asmFn    *asmir.Function
	frame    map[ssa.InstructionId]asmir.Indirect // Alloc/Gep results
	values   map[ssa.InstructionId]asmir.Operand  // every other instruction's result operand
	nextVReg int
	frameOff int
}

// Select lowers one SSA function, emitting its items into the
// caller-supplied asmFn. It does not register asmFn with any
// TextSection; BuildAssembly passes one made by
// asmir.TextSection.NewFunction.
func Select(mod *ssa.Module, fn *ssa.Function, asmFn *asmir.Function) {
	s := &selector{
		mod:    mod,
		fn:     fn,
		asmFn:  asmFn,
		frame:  make(map[ssa.InstructionId]asmir.Indirect),
		values: make(map[ssa.InstructionId]asmir.Operand),
	}
	s.layoutFrame()
	s.emitPrologue()

	for _, pid := range fn.ParamInsts {
		s.bindParam(pid)
	}

	for _, bid := range fn.BlockOrder {
		asmFn.Emit(asmir.LabelItem(blockLabel(fn.Name, bid)))
		for _, instId := range fn.Block(bid).Instructions {
			s.lower(instId)
		}
	}

	asmFn.Emit(asmir.LabelItem(retLabel(fn.Name)))
	s.emitEpilogue()
}

func blockLabel(fn string, bid ssa.BlockId) string { return fmt.Sprintf(".%s.%d", fn, bid) }
func retLabel(fn string) string                    { return fmt.Sprintf(".%s.ret", fn) }

// layoutFrame walks the function once, assigning every Alloc a stack
// slot. The running offset is aligned up to register_size(T) before
// the slot is carved out.
func (s *selector) layoutFrame() {
	for _, bid := range s.fn.BlockOrder {
		for _, instId := range s.fn.Block(bid).Instructions {
			inst := s.fn.Inst(instId)
			if inst.Kind != ssa.IAlloc {
				continue
			}
			align := inst.AllocType.RegisterSize()
			s.frameOff = utils.AlignUp(s.frameOff, align)
			s.frameOff += inst.AllocType.SizeInBytes()
			s.frame[instId] = asmir.Indirect{
				Base:       asmir.PhysicalReg(asmir.Rbp, asmir.QWord),
				DispOffset: int32(-s.frameOff),
				Size:       sizeOf(inst.AllocType),
			}
		}
	}
}

func (s *selector) frameSize() int { return utils.Align16(s.frameOff) }

func (s *selector) emitPrologue() {
	qw := asmir.QWord
	rbp := asmir.RegOperand(asmir.PhysicalReg(asmir.Rbp, qw))
	rsp := asmir.RegOperand(asmir.PhysicalReg(asmir.Rsp, qw))
	s.asmFn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Push, Args: []asmir.Operand{rbp}}))
	s.asmFn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Mov, Args: []asmir.Operand{rbp, rsp}}))
	if frame := s.frameSize(); frame > 0 {
		s.asmFn.Emit(asmir.InstItem(asmir.Instruction{
			Mnemonic: asmir.Sub,
			Args:     []asmir.Operand{rsp, asmir.ImmOperand(asmir.Imm(int64(frame)))},
		}))
	}
	for _, k := range asmir.PhysicalPool {
		s.asmFn.Emit(asmir.InstItem(asmir.Instruction{
			Mnemonic: asmir.Push,
			Args:     []asmir.Operand{asmir.RegOperand(asmir.PhysicalReg(k, qw))},
		}))
	}
}

func (s *selector) emitEpilogue() {
	qw := asmir.QWord
	for i := len(asmir.PhysicalPool) - 1; i >= 0; i-- {
		s.asmFn.Emit(asmir.InstItem(asmir.Instruction{
			Mnemonic: asmir.Pop,
			Args:     []asmir.Operand{asmir.RegOperand(asmir.PhysicalReg(asmir.PhysicalPool[i], qw))},
		}))
	}
	rbp := asmir.RegOperand(asmir.PhysicalReg(asmir.Rbp, qw))
	rsp := asmir.RegOperand(asmir.PhysicalReg(asmir.Rsp, qw))
	s.asmFn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Mov, Args: []asmir.Operand{rsp, rbp}}))
	s.asmFn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Pop, Args: []asmir.Operand{rbp}}))
	s.asmFn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: asmir.Ret}))
}

// bindParam gives a Param instruction's value a stack-spilled home so
// that taking its address via gep/load lowers to a plain Indirect.
func (s *selector) bindParam(pid ssa.InstructionId) {
	inst := s.fn.Inst(pid)
	align := inst.Typ.RegisterSize()
	s.frameOff = utils.AlignUp(s.frameOff, align)
	s.frameOff += inst.Typ.SizeInBytes()
	slot := asmir.Indirect{
		Base:       asmir.PhysicalReg(asmir.Rbp, asmir.QWord),
		DispOffset: int32(-s.frameOff),
		Size:       sizeOf(inst.Typ),
	}
	s.frame[pid] = slot
	if inst.ParamIdx < len(argRegs) {
		s.asmFn.Emit(asmir.InstItem(asmir.Instruction{
			Mnemonic: asmir.Mov,
			Args:     []asmir.Operand{asmir.MemOperand(slot), asmir.RegOperand(asmir.PhysicalReg(argRegs[inst.ParamIdx], slot.Size))},
		}))
	} else {
		utils.Unimplement()
	}
}

func sizeOf(t ssa.Type) asmir.Size {
	switch t.RegisterSize() {
	case 1:
		return asmir.Byte
	case 8:
		return asmir.QWord
	default:
		return asmir.QWord
	}
}

func (s *selector) newVReg(size asmir.Size) asmir.Register {
	id := s.nextVReg
	s.nextVReg++
	return asmir.VirtualReg(id, size)
}

// operandOf resolves an SSA Value to an assembly Operand, materializing
// constants as immediates and resolving instruction results from the
// frame/values caches.
func (s *selector) operandOf(v ssa.Value) asmir.Operand {
	switch v.Kind {
	case ssa.VConstant:
		return asmir.ImmOperand(asmir.Imm(constToInt64(v.Const)))
	case ssa.VInstruction:
		if mem, ok := s.frame[v.Inst]; ok {
			return asmir.MemOperand(mem)
		}
		return s.values[v.Inst]
	case ssa.VGlobal:
		g := s.mod.Global(v.Glob)
		return asmir.MemOperand(asmir.Indirect{
			Base:     asmir.PhysicalReg(asmir.Rip, asmir.QWord),
			DispBase: asmir.ImmLabel(g.Name),
			Size:     sizeOf(g.Typ),
		})
	default:
		utils.Unimplement()
		return asmir.Operand{}
	}
}

func constToInt64(c ssa.Constant) int64 {
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

// trans_lvalue resolves v to a memory operand. Stack-slot
// backed instructions (Alloc, Gep) and globals resolve directly;
// parameters resolve to their spill slot.
func (s *selector) transLvalue(v ssa.Value) asmir.Indirect {
	switch v.Kind {
	case ssa.VInstruction:
		if mem, ok := s.frame[v.Inst]; ok {
			return mem
		}
		utils.Fatal("value %v is not lvalue-addressable", v)
	case ssa.VGlobal:
		g := s.mod.Global(v.Glob)
		return asmir.Indirect{
			Base:     asmir.PhysicalReg(asmir.Rip, asmir.QWord),
			DispBase: asmir.ImmLabel(g.Name),
			Size:     sizeOf(g.Typ),
		}
	}
	utils.Fatal("value %v is not lvalue-addressable", v)
	return asmir.Indirect{}
}

func (s *selector) emit(mnemonic asmir.Mnemonic, args ...asmir.Operand) {
	s.asmFn.Emit(asmir.InstItem(asmir.Instruction{Mnemonic: mnemonic, Args: args}))
}

func (s *selector) lower(instId ssa.InstructionId) {
	inst := s.fn.Inst(instId)
	switch inst.Kind {
	case ssa.IParam:
		// handled up front by bindParam
	case ssa.IAlloc:
		// no code; frame slot already recorded
	case ssa.IBinOp:
		s.lowerBinOp(instId, inst)
	case ssa.ICmp:
		s.lowerCmp(instId, inst)
	case ssa.ILoad:
		s.lowerLoad(instId, inst)
	case ssa.IStore:
		s.lowerStore(inst)
	case ssa.IGep:
		s.lowerGep(instId, inst)
	case ssa.ICall:
		s.lowerCall(instId, inst)
	case ssa.IRet:
		s.lowerRet(inst)
	case ssa.IBr:
		s.emit(asmir.Jmp, asmir.LabelOperand(blockLabel(s.fn.Name, inst.Target)))
	case ssa.ICondBr:
		s.lowerCondBr(inst)
	default:
		utils.ShouldNotReachHere()
	}
}

func (s *selector) lowerBinOp(instId ssa.InstructionId, inst *ssa.Instruction) {
	lhs := s.operandOf(inst.Args[0])
	rhs := s.operandOf(inst.Args[1])
	dst := s.newVReg(asmir.QWord)
	dstOp := asmir.RegOperand(dst)

	switch inst.BinOp {
	case ssa.OpAdd, ssa.OpSub, ssa.OpAnd, ssa.OpOr, ssa.OpXor, ssa.OpMul:
		mnemonics := map[ssa.BinOp]asmir.Mnemonic{
			ssa.OpAdd: asmir.Add, ssa.OpSub: asmir.Sub, ssa.OpAnd: asmir.And,
			ssa.OpOr: asmir.Or, ssa.OpXor: asmir.Xor, ssa.OpMul: asmir.Imul,
		}
		s.emit(asmir.Mov, dstOp, lhs)
		s.emit(mnemonics[inst.BinOp], dstOp, rhs)
	case ssa.OpDiv, ssa.OpRem:
		rax := asmir.RegOperand(asmir.PhysicalReg(asmir.Rax, asmir.QWord))
		s.emit(asmir.Mov, rax, lhs)
		s.emit(asmir.Cqo)
		s.emit(asmir.Mov, dstOp, rhs)
		s.emit(asmir.Idiv, dstOp)
		if inst.BinOp == ssa.OpDiv {
			s.emit(asmir.Mov, dstOp, rax)
		} else {
			rdx := asmir.RegOperand(asmir.PhysicalReg(asmir.Rdx, asmir.QWord))
			s.emit(asmir.Mov, dstOp, rdx)
		}
	case ssa.OpShl, ssa.OpShr:
		cl := asmir.RegOperand(asmir.PhysicalReg(asmir.Cl, asmir.Byte))
		s.emit(asmir.Mov, dstOp, lhs)
		s.emit(asmir.Mov, cl, rhs)
		mnem := asmir.Shl
		if inst.BinOp == ssa.OpShr {
			mnem = asmir.Shr
		}
		s.emit(mnem, dstOp, cl)
	default:
		utils.ShouldNotReachHere()
	}
	s.values[instId] = dstOp
}

var ccMnemonic = map[ssa.CmpOp]asmir.Mnemonic{
	ssa.CmpEq: asmir.Sete, ssa.CmpNeq: asmir.Setne,
	ssa.CmpGt: asmir.Setg, ssa.CmpGte: asmir.Setge,
	ssa.CmpLt: asmir.Setl, ssa.CmpLte: asmir.Setle,
}

func (s *selector) lowerCmp(instId ssa.InstructionId, inst *ssa.Instruction) {
	lhs := s.operandOf(inst.Args[0])
	rhs := s.operandOf(inst.Args[1])
	dst := s.newVReg(asmir.QWord)
	dstOp := asmir.RegOperand(dst)
	cl := asmir.RegOperand(asmir.PhysicalReg(asmir.Cl, asmir.Byte))

	s.emit(asmir.Mov, dstOp, lhs)
	s.emit(asmir.Cmp, dstOp, rhs)
	s.emit(ccMnemonic[inst.CmpOp], cl)
	s.emit(asmir.Movzx, dstOp, cl)
	s.values[instId] = dstOp
}

func (s *selector) lowerLoad(instId ssa.InstructionId, inst *ssa.Instruction) {
	mem := s.transLvalue(inst.Args[0])
	dst := s.newVReg(mem.Size)
	dstOp := asmir.RegOperand(dst)
	s.emit(asmir.Mov, dstOp, asmir.MemOperand(mem))
	s.values[instId] = dstOp
}

func (s *selector) lowerStore(inst *ssa.Instruction) {
	dst := s.transLvalue(inst.Args[0])
	src := inst.Args[1]

	if src.Kind == ssa.VConstant && src.Const.Kind == ssa.CZeroInitializer {
		s.zeroInit(dst, src.Typ)
		return
	}

	switch src.Kind {
	case ssa.VInstruction:
		if mem, ok := s.frame[src.Inst]; ok {
			reg := s.newVReg(asmir.QWord)
			regOp := asmir.RegOperand(reg)
			s.emit(asmir.Lea, regOp, asmir.MemOperand(mem))
			s.emit(asmir.Mov, asmir.MemOperand(dst), regOp)
			return
		}
	}
	s.emit(asmir.Mov, asmir.MemOperand(dst), s.operandOf(src))
}

// zeroInit stores a run of zero bytes covering typ, one element at a
// time for arrays.
func (s *selector) zeroInit(dst asmir.Indirect, typ ssa.Type) {
	if typ.IsArray() {
		elemSize := typ.Elem.SizeInBytes()
		for i := 0; i < typ.Len; i++ {
			elem := dst
			elem.DispOffset += int32(i * elemSize)
			elem.Size = sizeOf(*typ.Elem)
			s.zeroInit(elem, *typ.Elem)
		}
		return
	}
	s.emit(asmir.Mov, asmir.MemOperand(dst), asmir.ImmOperand(asmir.Imm(0)))
}

func (s *selector) lowerGep(instId ssa.InstructionId, inst *ssa.Instruction) {
	base := s.transLvalue(inst.Args[0])
	curType := *s.typeOfGepBase(inst.Args[0])
	result := base

	for _, idx := range inst.Args[1:] {
		if idx.Kind == ssa.VConstant && idx.Const.Kind == ssa.CI32 {
			var offBits int
			var elemType ssa.Type
			if curType.IsPointer() {
				offBits, elemType = int(idx.Const.I32)*curType.Elem.SizeInBits(), *curType.Elem
			} else {
				offBits, elemType = ssa.MemberOffsetInBits(curType, int(idx.Const.I32))
			}
			result.DispOffset += int32(offBits / 8)
			curType = elemType
		} else {
			reg := s.operandOf(idx)
			idxReg := s.materializeRegister(reg, asmir.QWord)
			result.Index = &idxReg
			curType = *curType.Elem
		}
	}
	result.Size = sizeOf(curType)
	s.frame[instId] = result
}

// typeOfGepBase returns the type a gep's index walk starts from: the
// base operand's own pointer type, so the first index steps over whole
// pointees and each later index walks into the pointee.
func (s *selector) typeOfGepBase(v ssa.Value) *ssa.Type {
	t := v.Typ
	return &t
}

// materializeRegister ensures an operand that must sit in a register
// (e.g. a GEP index) is one, inserting a mov if it is presently an
// immediate or memory operand.
func (s *selector) materializeRegister(o asmir.Operand, size asmir.Size) asmir.Register {
	if o.Kind == asmir.OpRegister {
		return o.Reg
	}
	reg := s.newVReg(size)
	s.emit(asmir.Mov, asmir.RegOperand(reg), o)
	return reg
}

func (s *selector) lowerCall(instId ssa.InstructionId, inst *ssa.Instruction) {
	if len(inst.Args) > len(argRegs) {
		utils.Unimplement()
	}
	argOps := lo.Map(inst.Args, func(arg ssa.Value, _ int) asmir.Operand { return s.operandOf(arg) })
	for i, argOp := range argOps {
		argSize := sizeOf(inst.Args[i].Typ)
		s.emit(asmir.Mov, asmir.RegOperand(asmir.PhysicalReg(argRegs[i], argSize)), argOp)
	}
	s.emit(asmir.Call, asmir.LabelOperand(inst.CalleeName))
	if !inst.Typ.IsVoid() {
		dst := s.newVReg(sizeOf(inst.Typ))
		s.emit(asmir.Mov, asmir.RegOperand(dst), asmir.RegOperand(asmir.PhysicalReg(asmir.Rax, sizeOf(inst.Typ))))
		s.values[instId] = asmir.RegOperand(dst)
	}
}

func (s *selector) lowerRet(inst *ssa.Instruction) {
	if len(inst.Args) == 1 {
		size := sizeOf(inst.Args[0].Typ)
		s.emit(asmir.Mov, asmir.RegOperand(asmir.PhysicalReg(asmir.Rax, size)), s.operandOf(inst.Args[0]))
	}
	s.emit(asmir.Jmp, asmir.LabelOperand(retLabel(s.fn.Name)))
}

func (s *selector) lowerCondBr(inst *ssa.Instruction) {
	reg := s.newVReg(asmir.QWord)
	regOp := asmir.RegOperand(reg)
	s.emit(asmir.Mov, regOp, s.operandOf(inst.Args[0]))
	s.emit(asmir.Cmp, regOp, asmir.ImmOperand(asmir.Imm(0)))
	s.emit(asmir.Je, asmir.LabelOperand(blockLabel(s.fn.Name, inst.IfFalse)))
	s.emit(asmir.Jmp, asmir.LabelOperand(blockLabel(s.fn.Name, inst.IfTrue)))
}
