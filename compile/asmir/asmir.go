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

// Package asmir is the three-address x86-64 assembly IR: a
// typed, virtual-register representation sitting between instruction
// selection and register allocation. Shaped after codegen.LIR's
// register/operand design and mnemonic enum, but re-laid-out as a
// two-operand-family IR with explicit Indirect addressing and size
// classes rather than a three-operand LIR, matching the mnemonic and
// operand table this assembler targets directly.
package asmir

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Size is the register/operand width class.
type Size int

const (
	Byte Size = iota
	Word
	DWord
	QWord
)

func (s Size) String() string {
	switch s {
	case Byte:
		return "byte"
	case Word:
		return "word"
	case DWord:
		return "dword"
	case QWord:
		return "qword"
	}
	return "<bad-size>"
}

func (s Size) Bytes() int {
	switch s {
	case Byte:
		return 1
	case Word:
		return 2
	case DWord:
		return 4
	case QWord:
		return 8
	}
	return 0
}

// RegKind names either a physical register or a virtual one (Virtual
// holds the virtual id and Kind is ignored until register allocation
// rewrites it in place).
type RegKind int

const (
	RVirtual RegKind = iota
	Rax
	Rbx
	Rcx
	Rdx
	Rdi
	Rsi
	Rbp
	Rsp
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	Rip
	Cl
)

func (k RegKind) String() string {
	names := [...]string{"v", "rax", "rbx", "rcx", "rdx", "rdi", "rsi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip", "cl"}
	if int(k) < len(names) {
		return names[k]
	}
	return "<bad-reg>"
}

// PhysicalPool is the fixed, ordered set of general-purpose registers
// available to the allocator. Rbx and the r1x family are
// callee-saved; R10/R11 are caller-saved scratch.
var PhysicalPool = []RegKind{R10, R11, Rbx, R12, R13, R14, R15}

// Register is either a virtual register (an id assigned during
// instruction selection, rewritten by the allocator) or a physical
// one, always carrying an explicit width.
type Register struct {
	Kind    RegKind
	Virtual int // meaningful only when Kind == RVirtual
	Size    Size
}

func VirtualReg(id int, size Size) Register { return Register{Kind: RVirtual, Virtual: id, Size: size} }
func PhysicalReg(k RegKind, size Size) Register { return Register{Kind: k, Size: size} }

func (r Register) IsVirtual() bool { return r.Kind == RVirtual }

func (r Register) String() string {
	if r.IsVirtual() {
		return fmt.Sprintf("v%d", r.Virtual)
	}
	return r.Kind.String()
}

// Immediate is a sign-extended constant operand, either a literal
// value or a not-yet-resolved label displacement.
type Immediate struct {
	Value   int64
	IsLabel bool
	Label   string
}

func Imm(v int64) Immediate           { return Immediate{Value: v} }
func ImmLabel(name string) Immediate  { return Immediate{IsLabel: true, Label: name} }

func (i Immediate) String() string {
	if i.IsLabel {
		return i.Label
	}
	return fmt.Sprintf("%d", i.Value)
}

// Indirect is a memory operand `<size> [base (+index*8)? (+label|+disp)]`.
// DispBase carries either a plain integer displacement or a
// label (for rip-relative globals); DispOffset adds a further constant
// offset on top (used by GEP lowering to walk struct/array members).
type Indirect struct {
	Base       Register
	Index      *Register
	DispBase   Immediate
	DispOffset int32
	Size       Size
}

func (m Indirect) String() string {
	s := fmt.Sprintf("%s ptr [%s", m.Size, m.Base)
	if m.Index != nil {
		s += fmt.Sprintf("+%s*8", m.Index)
	}
	if m.DispBase.IsLabel {
		s += "+" + m.DispBase.Label
	} else if m.DispBase.Value != 0 {
		s += fmt.Sprintf("+%d", m.DispBase.Value)
	}
	if m.DispOffset != 0 {
		s += fmt.Sprintf("+%d", m.DispOffset)
	}
	return s + "]"
}

// OperandKind tags Operand's variant.
type OperandKind int

const (
	OpRegister OperandKind = iota
	OpImmediate
	OpIndirect
	OpLabel
)

// Operand is the tagged union threaded through Instruction.Args.
type Operand struct {
	Kind  OperandKind
	Reg   Register
	Imm   Immediate
	Mem   Indirect
	Label string
}

func RegOperand(r Register) Operand   { return Operand{Kind: OpRegister, Reg: r} }
func ImmOperand(i Immediate) Operand  { return Operand{Kind: OpImmediate, Imm: i} }
func MemOperand(m Indirect) Operand   { return Operand{Kind: OpIndirect, Mem: m} }
func LabelOperand(name string) Operand { return Operand{Kind: OpLabel, Label: name} }

func (o Operand) String() string {
	switch o.Kind {
	case OpRegister:
		return o.Reg.String()
	case OpImmediate:
		return o.Imm.String()
	case OpIndirect:
		return o.Mem.String()
	case OpLabel:
		return o.Label
	}
	return "<bad-operand>"
}

// Mnemonic enumerates the supported assembly instruction set.
type Mnemonic int

const (
	Mov Mnemonic = iota
	Movzx
	Movsx
	Lea
	Push
	Pop
	Add
	Sub
	Imul
	Idiv
	Cqo
	Shl
	Shr
	And
	Or
	Xor
	Cmp
	Sete
	Setne
	Setg
	Setge
	Setl
	Setle
	Jmp
	Je
	Call
	Ret
	Syscall
	Hlt
)

var mnemonicNames = [...]string{
	"mov", "movzx", "movsx", "lea", "push", "pop", "add", "sub", "imul", "idiv",
	"cqo", "shl", "shr", "and", "or", "xor", "cmp",
	"sete", "setne", "setg", "setge", "setl", "setle",
	"jmp", "je", "call", "ret", "syscall", "hlt",
}

func (m Mnemonic) String() string { return mnemonicNames[m] }

// Item tags the three kinds of entries an assembly Function body holds.
type ItemKind int

const (
	ItemInstruction ItemKind = iota
	ItemPseudoOp
	ItemLabel
)

// Instruction is one assembly-level instruction: a mnemonic plus its
// operand vector, ready for encoding once register allocation has
// rewritten every virtual Register to a physical one.
type Instruction struct {
	Mnemonic Mnemonic
	Args     []Operand
}

func (i Instruction) String() string {
	s := i.Mnemonic.String()
	for j, a := range i.Args {
		if j == 0 {
			s += " "
		} else {
			s += ", "
		}
		s += a.String()
	}
	return s
}

// PseudoOp is a directive with no machine encoding of its own (data
// declarations, section markers).
type PseudoOp struct {
	Directive string
	Args      []string
}

func (p PseudoOp) String() string {
	s := "." + p.Directive
	for j, a := range p.Args {
		if j == 0 {
			s += " "
		} else {
			s += ", "
		}
		s += a
	}
	return s
}

// Label marks a jump/call target within a Function's item list.
type Label struct {
	Name string
}

func (l Label) String() string { return l.Name + ":" }

// Item is one entry of a Function's body: exactly one of Inst, Pseudo,
// or Lbl is meaningful, selected by Kind.
type Item struct {
	Kind   ItemKind
	Inst   Instruction
	Pseudo PseudoOp
	Lbl    Label
}

func InstItem(i Instruction) Item { return Item{Kind: ItemInstruction, Inst: i} }
func PseudoItem(p PseudoOp) Item  { return Item{Kind: ItemPseudoOp, Pseudo: p} }
func LabelItem(name string) Item  { return Item{Kind: ItemLabel, Lbl: Label{Name: name}} }

func (it Item) String() string {
	switch it.Kind {
	case ItemInstruction:
		return "\t" + it.Inst.String()
	case ItemPseudoOp:
		return "\t" + it.Pseudo.String()
	case ItemLabel:
		return it.Lbl.String()
	}
	return "<bad-item>"
}

// Function is the text-section representation of one compiled
// function: a name and its ordered item list.
type Function struct {
	Name  string
	Items []Item
}

func (f *Function) Emit(it Item) { f.Items = append(f.Items, it) }

func (f *Function) String() string {
	lines := lo.Map(f.Items, func(it Item, _ int) string { return it.String() })
	return f.Name + ":\n" + strings.Join(lines, "\n") + "\n"
}

// DataBlob is one named entry of the data section: a `.byte`/`.long`
// literal sequence or a `.zero N` reservation.
type DataBlob struct {
	Name  string
	Bytes []byte
	Zeros int // when non-zero, Bytes is empty and this many zero bytes are reserved
}

// DataSection holds named blobs in declaration order.
type DataSection struct {
	Blobs []DataBlob
}

func (d *DataSection) Declare(name string, bytes []byte) {
	d.Blobs = append(d.Blobs, DataBlob{Name: name, Bytes: bytes})
}

func (d *DataSection) Reserve(name string, zeros int) {
	d.Blobs = append(d.Blobs, DataBlob{Name: name, Zeros: zeros})
}

// TextSection holds compiled functions in layout order.
type TextSection struct {
	Functions []*Function
}

func (t *TextSection) NewFunction(name string) *Function {
	fn := &Function{Name: name}
	t.Functions = append(t.Functions, fn)
	return fn
}

// Assembly is the top-level unit handed to the register allocator and
// then the encoder.
type Assembly struct {
	Data DataSection
	Text TextSection
}

func NewAssembly() *Assembly { return &Assembly{} }
