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
package ssa

import "crucible/utils"

// Global is a named, typed constant with a stable id, owned by its
// Module.
type Global struct {
	Id   GlobalId
	Name string
	Typ  Type
	Init Constant
}

// Module owns the arena of Functions and Globals for one unit of
// translation. There is no shared mutable Types table here (no
// Rc<RefCell<Types>>-style handle) — see DESIGN.md's Open Question
// resolution: Go's value-typed Type makes interior-mutable sharing
// unnecessary for this fixed, small type lattice.
type Module struct {
	Functions     map[FunctionId]*Function
	FunctionOrder []FunctionId

	Globals     map[GlobalId]*Global
	GlobalOrder []GlobalId

	nextFuncId   int
	nextGlobalId int
}

func NewModule() *Module {
	return &Module{
		Functions: make(map[FunctionId]*Function),
		Globals:   make(map[GlobalId]*Global),
	}
}

func (m *Module) NewFunction(name string, paramTypes []Type, retType Type) *Function {
	id := FunctionId(m.nextFuncId)
	m.nextFuncId++
	fn := newFunction(id, name, paramTypes, retType)
	m.Functions[id] = fn
	m.FunctionOrder = append(m.FunctionOrder, id)
	return fn
}

func (m *Module) NewGlobal(name string, typ Type, init Constant) *Global {
	id := GlobalId(m.nextGlobalId)
	m.nextGlobalId++
	g := &Global{Id: id, Name: name, Typ: typ, Init: init}
	m.Globals[id] = g
	m.GlobalOrder = append(m.GlobalOrder, id)
	return g
}

func (m *Module) Function(id FunctionId) *Function {
	fn, ok := m.Functions[id]
	utils.Assert(ok, "unknown function id %d", id)
	return fn
}

func (m *Module) Global(id GlobalId) *Global {
	g, ok := m.Globals[id]
	utils.Assert(ok, "unknown global id %d", id)
	return g
}

func (m *Module) FindFunctionByName(name string) (*Function, bool) {
	for _, id := range m.FunctionOrder {
		if m.Functions[id].Name == name {
			return m.Functions[id], true
		}
	}
	return nil, false
}

func (m *Module) String() string {
	s := ""
	for _, id := range m.FunctionOrder {
		s += m.Functions[id].String() + "\n"
	}
	return s
}
